package loom

import (
	"context"
	"net/http"
	"time"
)

// Hook is a lifecycle callback run at startup or shutdown.
type Hook func(ctx context.Context) error

func runHooks(ctx context.Context, hooks []Hook) error {
	for _, h := range hooks {
		if err := h(ctx); err != nil {
			return err
		}
	}
	return nil
}

// PreStatePlugin extends the pre-state builder. Beans runs during
// installation and may register beans or provide instances; deferred
// actions run once, right after state resolution, with access to the
// deferred context.
type PreStatePlugin interface {
	Name() string
	// ShouldBeLast marks plugins that expect to see every prior
	// registration. Installing another plugin afterwards logs a
	// warning but is not an error.
	ShouldBeLast() bool
	Beans(reg *Registry) error
	DeferredActions() []DeferredAction
}

// DeferredAction is a plugin callback executed after state
// resolution.
type DeferredAction func(dc *DeferredContext) error

// DeferredContext is what deferred actions mutate: layers to apply to
// the final router, data handed to the typed phase, and hooks around
// serving.
type DeferredContext struct {
	layers        []Middleware
	data          map[string]any
	serveHooks    []Hook
	shutdownHooks []Hook
}

// AddLayer queues an application-wide layer.
func (dc *DeferredContext) AddLayer(mw Middleware) {
	dc.layers = append(dc.layers, mw)
}

// SetData stashes a value for the typed phase, retrievable with
// TypedBuilder.PluginData.
func (dc *DeferredContext) SetData(key string, v any) {
	dc.data[key] = v
}

// Data returns a value stashed by an earlier deferred action.
func (dc *DeferredContext) Data(key string) (any, bool) {
	v, ok := dc.data[key]
	return v, ok
}

// OnServe queues a hook run just before the listener starts.
func (dc *DeferredContext) OnServe(h Hook) {
	dc.serveHooks = append(dc.serveHooks, h)
}

// OnShutdown queues a hook run during shutdown, before user stop
// hooks.
func (dc *DeferredContext) OnShutdown(h Hook) {
	dc.shutdownHooks = append(dc.shutdownHooks, h)
}

// PluginFunc builds a PreStatePlugin from a name and a bean
// registration function.
func PluginFunc(name string, beans func(reg *Registry) error) PreStatePlugin {
	return simplePlugin{name: name, beans: beans}
}

type simplePlugin struct {
	name     string
	beans    func(reg *Registry) error
	last     bool
	deferred []DeferredAction
}

func (p simplePlugin) Name() string       { return p.name }
func (p simplePlugin) ShouldBeLast() bool { return p.last }

func (p simplePlugin) Beans(reg *Registry) error {
	if p.beans == nil {
		return nil
	}
	return p.beans(reg)
}
func (p simplePlugin) DeferredActions() []DeferredAction { return p.deferred }

// TypedPlugin extends the typed builder.
type TypedPlugin[S any] interface {
	Apply(tb *TypedBuilder[S]) *TypedBuilder[S]
}

// TypedPluginFunc adapts a function to TypedPlugin.
type TypedPluginFunc[S any] func(tb *TypedBuilder[S]) *TypedBuilder[S]

func (f TypedPluginFunc[S]) Apply(tb *TypedBuilder[S]) *TypedBuilder[S] { return f(tb) }

// DevPlugin mounts diagnostic routes under /__dev: a plain-text
// status probe and a JSON ping reporting the process boot time in
// unix seconds. Intended for local development, not production.
func DevPlugin[S any]() TypedPlugin[S] {
	boot := time.Now().Unix()
	return TypedPluginFunc[S](func(tb *TypedBuilder[S]) *TypedBuilder[S] {
		return tb.RegisterRoutes(func(rt *Router, _ *S) {
			rt.Route(http.MethodGet, "/__dev/status", func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/plain; charset=utf-8")
				_, _ = w.Write([]byte("dev"))
			})
			rt.Route(http.MethodGet, "/__dev/ping", func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusOK, map[string]any{
					"status":    "ok",
					"boot_time": boot,
				})
			})
		})
	})
}
