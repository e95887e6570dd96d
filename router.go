package loom

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

// Middleware is a transport-level layer.
type Middleware = func(http.Handler) http.Handler

// Router is the transport surface the core composes routes onto,
// backed by chi.
type Router struct {
	mux chi.Router
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{mux: chi.NewRouter()}
}

// Route registers a handler for a method and path pattern.
func (rt *Router) Route(method, path string, h http.HandlerFunc) *Router {
	if path == "" {
		path = "/"
	}
	rt.mux.MethodFunc(method, path, h)
	return rt
}

// Layer applies a middleware to everything registered afterwards.
func (rt *Router) Layer(mw Middleware) *Router {
	rt.mux.Use(mw)
	return rt
}

// Nest mounts a subrouter under a path prefix.
func (rt *Router) Nest(prefix string, sub *Router) *Router {
	rt.mux.Mount(prefix, sub.mux)
	return rt
}

// Merge copies another router's routes into this one at the root.
// Nested mounts are flattened into their full patterns.
func (rt *Router) Merge(other *Router) *Router {
	_ = chi.Walk(other.mux, func(method, route string, h http.Handler, mws ...func(http.Handler) http.Handler) error {
		for i := len(mws) - 1; i >= 0; i-- {
			h = mws[i](h)
		}
		route = strings.ReplaceAll(route, "/*/", "/")
		rt.mux.Method(method, route, h)
		return nil
	})
	return rt
}

// Fallback installs the handler for unmatched routes.
func (rt *Router) Fallback(h http.HandlerFunc) *Router {
	rt.mux.NotFound(h)
	return rt
}

// ServeHTTP implements http.Handler.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rt.mux.ServeHTTP(w, r)
}

type slashRetryKey struct{}

// WithTrailingSlashFallback installs a 404 fallback that retries
// paths ending in "/" (other than "/" itself) once without the
// trailing slash, preserving the query string. Routes that still do
// not match yield the standard 404.
func (rt *Router) WithTrailingSlashFallback() *Router {
	rt.Fallback(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		retried, _ := r.Context().Value(slashRetryKey{}).(bool)

		if retried || path == "/" || !strings.HasSuffix(path, "/") {
			writeJSON(w, http.StatusNotFound, errorBody{Error: "not found", Code: http.StatusNotFound})
			return
		}

		r2 := r.Clone(context.WithValue(r.Context(), slashRetryKey{}, true))
		r2.URL.Path = strings.TrimSuffix(path, "/")
		if r2.RequestURI != "" {
			r2.RequestURI = r2.URL.RequestURI()
		}
		rt.mux.ServeHTTP(w, r2)
	})
	return rt
}
