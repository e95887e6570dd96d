package loom

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"
)

// composeHandler assembles the full request chain for one route:
//
//	pre-auth guards
//	identity extraction
//	controller construction (request-scoped extractor)
//	post-auth guards
//	managed acquires (declaration order)
//	controller interceptors -> route interceptors -> transactional -> body
//	managed releases (reverse order, success flag)
//
// Guard failures short-circuit before any managed resource is
// acquired.
func composeHandler[S, C any](app *App[S], d *ControllerDef[S, C], rt *routeSpec) http.HandlerFunc {
	// Roles imply a guard; it runs ahead of user guards.
	guards := rt.guards
	if len(rt.roles) > 0 {
		guards = append([]Guard{RequireRoles(rt.roles...)}, guards...)
	}

	interceptors := append(append([]Interceptor(nil), d.interceptors...), rt.interceptors...)
	needsIdentity := d.needsIdentity || rt.requireIdentity || len(rt.roles) > 0

	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if rej := runPreAuthGuards(ctx, app, d.name, rt, r); rej != nil {
			writeReject(w, rej)
			return
		}

		identity, rej := extractIdentity(app, needsIdentity, r)
		if rej != nil {
			writeReject(w, rej)
			return
		}

		rs := &RequestScope[S]{state: app.State, config: app.Config, identity: identity, request: r}
		c, err := d.construct(ctx, rs)
		if err != nil {
			writeError(w, app.Logger, d.name, rt.operation, err)
			return
		}

		req := newRequest(r, identity)

		gc := &GuardContext{
			Controller: d.name,
			Method:     rt.operation,
			Headers:    r.Header,
			URI:        r.URL,
			PathParams: req.pathParams,
			Identity:   identity,
			Remote:     r.RemoteAddr,
			State:      app.State,
		}
		for _, g := range guards {
			if err := g.Check(ctx, gc); err != nil {
				writeError(w, app.Logger, d.name, rt.operation, err)
				return
			}
		}

		acquired, rej := acquireManaged(ctx, app, rt, req)
		if rej != nil {
			writeReject(w, rej)
			return
		}

		result, err := invokeBody(ctx, app, rt, interceptors, d.name, c, req)

		if relErr := releaseManaged(ctx, acquired, err == nil); relErr != nil {
			// A release failure overrides a prior success body.
			writeError(w, app.Logger, d.name, rt.operation, relErr)
			return
		}

		if err != nil {
			writeError(w, app.Logger, d.name, rt.operation, err)
			return
		}
		writeResult(w, rt.status, result)
	}
}

func runPreAuthGuards[S any](ctx context.Context, app *App[S], controller string, rt *routeSpec, r *http.Request) *Reject {
	if len(rt.preAuthGuards) == 0 {
		return nil
	}
	gc := &PreAuthGuardContext{
		Controller: controller,
		Method:     rt.operation,
		Headers:    r.Header,
		URI:        r.URL,
		PathParams: pathParams(r),
		State:      app.State,
	}
	for _, g := range rt.preAuthGuards {
		if err := g.Check(ctx, gc); err != nil {
			return toReject(err)
		}
	}
	return nil
}

func extractIdentity[S any](app *App[S], required bool, r *http.Request) (Identity, *Reject) {
	if !required {
		return NoIdentity{}, nil
	}
	if app.IdentityProvider == nil {
		return nil, RejectJSON(http.StatusUnauthorized, "no identity provider configured")
	}
	return app.IdentityProvider.Extract(r)
}

// acquireManaged acquires resources in declaration order. On a failed
// acquire nothing is released; earlier resources never see their
// release callback for a request that could not fully start.
func acquireManaged[S any](ctx context.Context, app *App[S], rt *routeSpec, req *Request) ([]ManagedResource, *Reject) {
	if len(rt.managed) == 0 {
		return nil, nil
	}
	acquired := make([]ManagedResource, 0, len(rt.managed))
	for _, spec := range rt.managed {
		res := spec.Factory()
		if err := res.Acquire(ctx, app.State); err != nil {
			return nil, toReject(err)
		}
		acquired = append(acquired, res)
		req.managed[spec.Name] = res
	}
	return acquired, nil
}

// releaseManaged releases in reverse declaration order. Every release
// runs; the first error is reported.
func releaseManaged(ctx context.Context, acquired []ManagedResource, success bool) error {
	var firstErr error
	for i := len(acquired) - 1; i >= 0; i-- {
		if err := acquired[i].Release(ctx, success); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// invokeBody runs the interceptor chain around the method body,
// catching body panics so managed releases still run with
// success=false.
func invokeBody[S, C any](ctx context.Context, app *App[S], rt *routeSpec, interceptors []Interceptor, controller string, c C, req *Request) (result any, err error) {
	ic := &InterceptContext{Controller: controller, Method: rt.operation}

	chain := interceptors
	if rt.transactional != nil {
		chain = append(append([]Interceptor(nil), chain...),
			&transactionalInterceptor{provider: rt.transactional, state: app.State})
	}

	body := func(ctx context.Context) (any, error) {
		return rt.body(ctx, c, req)
	}
	wrapped := chainInterceptors(chain, ic, body)

	defer func() {
		if r := recover(); r != nil {
			app.Logger.Error("panic in method body",
				panicFields(controller, rt.operation, r)...)
			result, err = nil, fmt.Errorf("panic in %s.%s: %v", controller, rt.operation, r)
		}
	}()
	return wrapped(ctx)
}

func panicFields(controller, method string, r any) []zap.Field {
	return []zap.Field{
		zap.String("controller", controller),
		zap.String("method", method),
		zap.Any("panic", r),
		zap.ByteString("stack", debug.Stack()),
	}
}

func toReject(err error) *Reject {
	var rej *Reject
	if errors.As(err, &rej) {
		return rej
	}
	if apiErr, ok := AsAPIError(err); ok {
		return &Reject{Status: apiErr.Status, Body: errorBody{Error: apiErr.Message, Code: apiErr.Status}}
	}
	return RejectJSON(http.StatusInternalServerError, "internal server error")
}
