package loom

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Controller is the surface a controller definition exposes to the
// typed builder. ControllerDef is the canonical implementation; the
// contract is what RegisterController consumes.
type Controller[S any] interface {
	// Name returns the controller name used in metadata, guard
	// contexts, and log fields.
	Name() string

	// Validate checks the composition rules before any route is wired.
	Validate() error

	// Routes builds a router wiring each route to its composed
	// handler, applying per-route middleware and pre-auth guards, and
	// nesting under the path prefix when one is set.
	Routes(app *App[S]) *Router

	// RegisterMeta deposits one RouteInfo per route.
	RegisterMeta(m *MetaRegistry)

	// RegisterConsumers subscribes every declared consumer to its
	// event bus on the state.
	RegisterConsumers(app *App[S]) error

	// ScheduledTasks returns the controller's state-captured tasks for
	// the scheduler to drain.
	ScheduledTasks(app *App[S]) []*ScheduledTask

	// ValidateConfig returns diagnostics for declared config keys
	// without touching the transport.
	ValidateConfig(cfg *Config) []ConfigDiagnostic
}

// HandlerFunc is a route method body: it receives the per-request
// controller value and the request, and returns a result rendered by
// the transport layer (any JSON-encodable value, a *Response, or an
// error).
type HandlerFunc[S, C any] func(ctx context.Context, c C, req *Request) (any, error)

// ControllerDef describes a controller bound to state type S: how to
// construct the per-request value C, its routes, consumers, and
// scheduled tasks.
type ControllerDef[S, C any] struct {
	name           string
	prefix         string
	needsIdentity  bool
	interceptors   []Interceptor
	configKeys     []ConfigKey
	construct      func(ctx context.Context, rs *RequestScope[S]) (C, error)
	stateConstruct func(s *S) (C, error)
	routes         []*routeSpec
	consumers      []func(app *App[S]) error
	hasConsumers   bool
	tasks          []taskDef[S, C]
}

type taskDef[S, C any] struct {
	name     string
	schedule Schedule
	run      func(ctx context.Context, c C) error
}

// NewController starts a controller definition. construct is the
// request-scoped extractor: it builds the controller value from the
// state, config, and identity visible through the RequestScope.
func NewController[S, C any](name string, construct func(ctx context.Context, rs *RequestScope[S]) (C, error)) *ControllerDef[S, C] {
	return &ControllerDef[S, C]{name: name, construct: construct}
}

// Name returns the controller name.
func (d *ControllerDef[S, C]) Name() string { return d.name }

// Prefix nests every route of this controller under the given path.
func (d *ControllerDef[S, C]) Prefix(prefix string) *ControllerDef[S, C] {
	d.prefix = prefix
	return d
}

// RequireIdentity declares a controller-level identity: every route
// goes through identity extraction, and anonymous requests are
// rejected by the identity provider.
func (d *ControllerDef[S, C]) RequireIdentity() *ControllerDef[S, C] {
	d.needsIdentity = true
	return d
}

// Intercept appends controller-level interceptors; they wrap every
// route outside the method-level ones, first declared outermost.
func (d *ControllerDef[S, C]) Intercept(interceptors ...Interceptor) *ControllerDef[S, C] {
	d.interceptors = append(d.interceptors, interceptors...)
	return d
}

// DeclareConfig records a config key the construct closure reads, so
// ValidateConfig can check it without serving a request.
func (d *ControllerDef[S, C]) DeclareConfig(key, typeName string) *ControllerDef[S, C] {
	d.configKeys = append(d.configKeys, ConfigKey{Owner: d.name, Key: key, Type: typeName})
	return d
}

// ConstructFromState supplies the identity-free constructor used by
// consumers and scheduled tasks, which run outside any request. It is
// required when the controller declares a struct-level identity and
// optional otherwise (the request constructor is reused with
// NoIdentity).
func (d *ControllerDef[S, C]) ConstructFromState(f func(s *S) (C, error)) *ControllerDef[S, C] {
	d.stateConstruct = f
	return d
}

// Get, Post, Put, Patch, and Delete register route methods.

func (d *ControllerDef[S, C]) Get(path, operation string, h HandlerFunc[S, C], opts ...RouteOption) *ControllerDef[S, C] {
	return d.handle(http.MethodGet, path, operation, h, opts...)
}

func (d *ControllerDef[S, C]) Post(path, operation string, h HandlerFunc[S, C], opts ...RouteOption) *ControllerDef[S, C] {
	return d.handle(http.MethodPost, path, operation, h, opts...)
}

func (d *ControllerDef[S, C]) Put(path, operation string, h HandlerFunc[S, C], opts ...RouteOption) *ControllerDef[S, C] {
	return d.handle(http.MethodPut, path, operation, h, opts...)
}

func (d *ControllerDef[S, C]) Patch(path, operation string, h HandlerFunc[S, C], opts ...RouteOption) *ControllerDef[S, C] {
	return d.handle(http.MethodPatch, path, operation, h, opts...)
}

func (d *ControllerDef[S, C]) Delete(path, operation string, h HandlerFunc[S, C], opts ...RouteOption) *ControllerDef[S, C] {
	return d.handle(http.MethodDelete, path, operation, h, opts...)
}

func (d *ControllerDef[S, C]) handle(method, path, operation string, h HandlerFunc[S, C], opts ...RouteOption) *ControllerDef[S, C] {
	rt := &routeSpec{
		method:    method,
		path:      path,
		operation: operation,
		status:    http.StatusOK,
		body: func(ctx context.Context, c any, req *Request) (any, error) {
			return h(ctx, c.(C), req)
		},
	}
	for _, opt := range opts {
		opt(rt)
	}
	d.routes = append(d.routes, rt)
	return d
}

// Schedule registers a scheduled task on the controller. The task
// constructs the controller value from state and runs the closure;
// it takes no request-scoped inputs.
func (d *ControllerDef[S, C]) Schedule(name string, schedule Schedule, run func(ctx context.Context, c C) error) *ControllerDef[S, C] {
	d.tasks = append(d.tasks, taskDef[S, C]{name: name, schedule: schedule, run: run})
	return d
}

// Consume subscribes a controller method to events of type E on the
// bus located by busOf. The controller value is constructed from
// state per delivery; consumers run without a request.
func Consume[S, C, E any](d *ControllerDef[S, C], busOf func(s *S) *Bus, handler func(ctx context.Context, c C, event *E) error) *ControllerDef[S, C] {
	d.hasConsumers = true
	d.consumers = append(d.consumers, func(app *App[S]) error {
		bus := busOf(app.State)
		if bus == nil {
			return CompositionError{Controller: d.name,
				Cause: errors.New("consumer declared but the state's event bus is nil")}
		}
		Subscribe(bus, func(ctx context.Context, event *E) error {
			c, err := d.buildFromState(app)
			if err != nil {
				return err
			}
			return handler(ctx, c, event)
		})
		return nil
	})
	return d
}

// Validate enforces the composition rules.
func (d *ControllerDef[S, C]) Validate() error {
	if d.construct == nil {
		return CompositionError{Controller: d.name, Cause: errors.New("no construct function")}
	}
	if d.needsIdentity && d.hasConsumers {
		return CompositionError{Controller: d.name,
			Cause: errors.New("a controller with consumers must not declare a struct-level identity; consumers run without a request")}
	}
	if d.needsIdentity && len(d.tasks) > 0 && d.stateConstruct == nil {
		return CompositionError{Controller: d.name,
			Cause: errors.New("scheduled tasks on an identity-bearing controller require ConstructFromState")}
	}
	for _, rt := range d.routes {
		if rt.requireIdentity && d.needsIdentity {
			return CompositionError{Controller: d.name, Route: rt.operation,
				Cause: errors.New("at most one identity source: the controller already declares one")}
		}
		if rt.transactional != nil && len(rt.managed) > 0 {
			return CompositionError{Controller: d.name, Route: rt.operation,
				Cause: errors.New("a route may not combine a managed resource with Transactional; they overlap semantically")}
		}
	}
	return nil
}

// ValidateConfig checks every declared config key against the Config.
func (d *ControllerDef[S, C]) ValidateConfig(cfg *Config) []ConfigDiagnostic {
	return cfg.ValidateKeys(d.configKeys)
}

// Routes composes one handler per route and nests the result under
// the prefix when set.
func (d *ControllerDef[S, C]) Routes(app *App[S]) *Router {
	rt := NewRouter()
	for _, spec := range d.routes {
		h := composeHandler(app, d, spec)
		for _, mw := range spec.middleware {
			h = wrapHF(mw, h)
		}
		rt.Route(spec.method, spec.path, h)
	}

	if d.prefix == "" {
		return rt
	}
	outer := NewRouter()
	outer.Nest(d.prefix, rt)
	return outer
}

// RegisterMeta deposits a RouteInfo per route.
func (d *ControllerDef[S, C]) RegisterMeta(m *MetaRegistry) {
	for _, rt := range d.routes {
		AddMeta(m, RouteInfo{
			Controller:  d.name,
			OperationID: rt.operation,
			Method:      rt.method,
			Path:        joinPath(d.prefix, rt.path),
			Status:      rt.status,
			Summary:     rt.summary,
			Description: rt.description,
			Deprecated:  rt.deprecated,
			Roles:       rt.roles,
			Authed:      d.needsIdentity || rt.requireIdentity,
			RequestType: rt.requestType,
			ReplyType:   rt.replyType,
		})
	}
}

// RegisterConsumers wires every consumer to its bus.
func (d *ControllerDef[S, C]) RegisterConsumers(app *App[S]) error {
	for _, register := range d.consumers {
		if err := register(app); err != nil {
			return err
		}
	}
	return nil
}

// ScheduledTasks returns state-captured tasks for the scheduler.
func (d *ControllerDef[S, C]) ScheduledTasks(app *App[S]) []*ScheduledTask {
	tasks := make([]*ScheduledTask, 0, len(d.tasks))
	for _, td := range d.tasks {
		td := td
		tasks = append(tasks, &ScheduledTask{
			Name:     d.name + "." + td.name,
			Schedule: td.schedule,
			Run: func(ctx context.Context) error {
				c, err := d.buildFromState(app)
				if err != nil {
					return fmt.Errorf("constructing %s: %w", d.name, err)
				}
				return td.run(ctx, c)
			},
		})
	}
	return tasks
}

func (d *ControllerDef[S, C]) buildFromState(app *App[S]) (C, error) {
	if d.stateConstruct != nil {
		return d.stateConstruct(app.State)
	}
	rs := &RequestScope[S]{state: app.State, config: app.Config, identity: NoIdentity{}}
	return d.construct(context.Background(), rs)
}

func joinPath(prefix, path string) string {
	if prefix == "" {
		return path
	}
	if path == "" || path == "/" {
		return prefix
	}
	return prefix + path
}

func wrapHF(mw Middleware, h http.HandlerFunc) http.HandlerFunc {
	wrapped := mw(h)
	return wrapped.ServeHTTP
}
