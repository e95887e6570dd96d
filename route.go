package loom

import "context"

// routeSpec is the compile-time-frozen description of one route
// method. Options mutate it at definition time; it is read-only once
// the controller is registered.
type routeSpec struct {
	method    string
	path      string
	operation string

	status      int
	summary     string
	description string
	deprecated  bool

	roles           []string
	guards          []Guard
	preAuthGuards   []PreAuthGuard
	interceptors    []Interceptor
	middleware      []Middleware
	managed         []ManagedSpec
	requireIdentity bool
	transactional   TransactorProvider

	requestType string
	replyType   string

	body func(ctx context.Context, c any, req *Request) (any, error)
}

// RouteOption customises one route method.
type RouteOption func(*routeSpec)

// Status overrides the HTTP status for successful results.
func Status(code int) RouteOption {
	return func(rt *routeSpec) { rt.status = code }
}

// Summary sets the route summary shown in metadata.
func Summary(s string) RouteOption {
	return func(rt *routeSpec) { rt.summary = s }
}

// Description sets the route description shown in metadata.
func Description(s string) RouteOption {
	return func(rt *routeSpec) { rt.description = s }
}

// Deprecated flags the route in metadata.
func Deprecated() RouteOption {
	return func(rt *routeSpec) { rt.deprecated = true }
}

// Roles requires the identity to carry any one of the given roles.
// It implies identity extraction and prepends a RolesGuard.
func Roles(roles ...string) RouteOption {
	return func(rt *routeSpec) {
		rt.roles = append(rt.roles, roles...)
	}
}

// Guarded appends post-auth guards, run in declaration order.
func Guarded(guards ...Guard) RouteOption {
	return func(rt *routeSpec) { rt.guards = append(rt.guards, guards...) }
}

// PreAuth appends guards that run before identity extraction.
func PreAuth(guards ...PreAuthGuard) RouteOption {
	return func(rt *routeSpec) { rt.preAuthGuards = append(rt.preAuthGuards, guards...) }
}

// Intercept appends method-level interceptors, first declared
// outermost; they wrap inside controller-level interceptors.
func Intercept(interceptors ...Interceptor) RouteOption {
	return func(rt *routeSpec) { rt.interceptors = append(rt.interceptors, interceptors...) }
}

// Layered applies transport middleware to this route only.
func Layered(mws ...Middleware) RouteOption {
	return func(rt *routeSpec) { rt.middleware = append(rt.middleware, mws...) }
}

// RequireIdentity declares a route-level identity requirement,
// mutually exclusive with a controller-level one.
func RequireIdentity() RouteOption {
	return func(rt *routeSpec) { rt.requireIdentity = true }
}

// Transactional wraps the method body in a transaction on the
// Transactor located by provider: begin before the body, commit on
// success, roll back on error. It is always the innermost wrapper.
func Transactional(provider TransactorProvider) RouteOption {
	return func(rt *routeSpec) { rt.transactional = provider }
}

// Accepts records the request body type name in metadata.
func Accepts[T any]() RouteOption {
	return func(rt *routeSpec) { rt.requestType = typeOf[T]().Name() }
}

// Produces records the response body type name in metadata.
func Produces[T any]() RouteOption {
	return func(rt *routeSpec) { rt.replyType = typeOf[T]().Name() }
}
