package loom

import (
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
)

// Request is the per-request value handed to handlers: the raw
// request, parsed path parameters, the extracted identity (NoIdentity
// when the route requires none), and the managed resources acquired
// for this invocation.
type Request struct {
	r          *http.Request
	pathParams map[string]string
	identity   Identity
	managed    map[string]ManagedResource
}

func newRequest(r *http.Request, identity Identity) *Request {
	return &Request{
		r:          r,
		pathParams: pathParams(r),
		identity:   identity,
		managed:    make(map[string]ManagedResource),
	}
}

// Raw returns the underlying http.Request.
func (req *Request) Raw() *http.Request { return req.r }

// Header returns the request headers.
func (req *Request) Header() http.Header { return req.r.Header }

// URL returns the request URL.
func (req *Request) URL() *url.URL { return req.r.URL }

// Param returns a path parameter by name, empty when unmatched.
func (req *Request) Param(name string) string { return req.pathParams[name] }

// Params returns all matched (name, value) path parameter pairs.
func (req *Request) Params() map[string]string { return req.pathParams }

// Identity returns the extracted identity, NoIdentity when the route
// declared none.
func (req *Request) Identity() Identity { return req.identity }

// ManagedOf returns the managed resource declared under name for this
// route. It panics when the route declared no such resource; that is
// a composition bug, not a runtime condition.
func ManagedOf[T ManagedResource](req *Request, name string) T {
	res, ok := req.managed[name]
	if !ok {
		panic("loom: route declares no managed resource named " + name)
	}
	return res.(T)
}

// pathParams drains chi's route context into a plain map so guard
// contexts can iterate all matched pairs.
func pathParams(r *http.Request) map[string]string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return nil
	}
	params := make(map[string]string, len(rctx.URLParams.Keys))
	for i, key := range rctx.URLParams.Keys {
		if key == "*" {
			continue
		}
		params[key] = rctx.URLParams.Values[i]
	}
	return params
}

// RequestScope is what a controller's Construct closure sees: the
// application state, the config capability, the identity (when the
// controller declares one), and the request itself.
type RequestScope[S any] struct {
	state    *S
	config   *Config
	identity Identity
	request  *http.Request
}

// State returns the application state. Injected controller fields are
// cloned/copied from here.
func (rs *RequestScope[S]) State() *S { return rs.state }

// Config returns the config capability reachable via the application.
func (rs *RequestScope[S]) Config() *Config { return rs.config }

// Identity returns the per-request identity, NoIdentity when the
// controller declares none.
func (rs *RequestScope[S]) Identity() Identity { return rs.identity }

// Request returns the raw request, nil when the controller value is
// being constructed outside a request (consumers, scheduled tasks).
func (rs *RequestScope[S]) Request() *http.Request { return rs.request }
