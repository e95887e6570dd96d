package loom

import "context"

// ManagedResource is a request-scoped resource with an acquire/release
// lifecycle. Acquires run in declaration order after the guard chain;
// releases run in reverse order after the method completes, with
// success reporting whether the method returned without error.
//
// An acquire failure aborts the chain: no later acquires, no method
// invocation, and no releases (nothing later was acquired). A release
// failure is converted into the error response and overrides a prior
// success body; earlier releases still execute. Rollback-on-drop
// semantics are the resource implementation's responsibility.
type ManagedResource interface {
	Acquire(ctx context.Context, state any) error
	Release(ctx context.Context, success bool) error
}

// ManagedSpec declares a managed resource on a route: the name the
// handler retrieves it by, and a factory producing a fresh resource
// per request.
type ManagedSpec struct {
	Name    string
	Factory func() ManagedResource
}

// Managed declares a managed resource as a route option.
func Managed(name string, factory func() ManagedResource) RouteOption {
	return func(rt *routeSpec) {
		rt.managed = append(rt.managed, ManagedSpec{Name: name, Factory: factory})
	}
}
