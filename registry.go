package loom

import (
	"context"
	"reflect"

	"github.com/loomhq/loom/internal/graph"
)

// Registry collects provided instances and bean factories, then
// resolves them into a BeanContext. It is consumed by Resolve: a
// failed resolution produces no context.
//
// Registry is not safe for concurrent use. Configure it from a single
// goroutine before resolving, as the builder does.
type Registry struct {
	provided       []providedEntry
	beans          []Bean
	allowOverrides bool
}

type providedEntry struct {
	typ   reflect.Type
	value any
}

// NewRegistry creates an empty bean registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Provide stores a pre-built instance under its dynamic type.
func (r *Registry) Provide(v any) *Registry {
	r.provided = append(r.provided, providedEntry{typ: reflect.TypeOf(v), value: v})
	return r
}

// ProvideAs stores a pre-built instance under an explicit type
// identity, typically an interface the value implements.
func ProvideAs[T any](r *Registry, v T) *Registry {
	r.provided = append(r.provided, providedEntry{typ: typeOf[T](), value: v})
	return r
}

// Register adds a bean factory.
func (r *Registry) Register(b Bean) *Registry {
	r.beans = append(r.beans, b)
	return r
}

// AllowOverrides switches duplicate handling to last-wins: for each
// type identity only the final registration is kept, and a kept bean
// displaces a provided entry of the same type.
func (r *Registry) AllowOverrides() *Registry {
	r.allowOverrides = true
	return r
}

// Resolve consumes the registry and produces a read-only BeanContext.
// Factories run sequentially in topological order; each factory sees
// its declared dependencies already resolved.
func (r *Registry) Resolve(ctx context.Context) (*BeanContext, error) {
	for _, b := range r.beans {
		if b == nil {
			return nil, ErrBeanNil
		}
		if b.Type() == nil {
			return nil, ErrBeanTypeNil
		}
	}

	bc := newBeanContext()

	// Seed with provided instances. With overrides enabled a later
	// provide of the same type wins silently.
	for _, p := range r.provided {
		if !r.allowOverrides && bc.Has(p.typ) {
			return nil, DuplicateBeanError{BeanType: p.typ}
		}
		bc.insert(p.typ, p.value)
	}

	beans, err := r.dedupe(bc)
	if err != nil {
		return nil, err
	}

	beanIndex := make(map[reflect.Type]int, len(beans))
	for i, b := range beans {
		beanIndex[b.Type()] = i
	}

	// Every declared dependency must be provided or registered.
	for _, b := range beans {
		for _, dep := range b.Dependencies() {
			if bc.Has(dep) {
				continue
			}
			if _, ok := beanIndex[dep]; ok {
				continue
			}
			return nil, MissingDependencyError{BeanType: b.Type(), DependencyType: dep}
		}
	}

	if err := r.validateConfigKeys(bc, beans); err != nil {
		return nil, err
	}

	g := graph.New()
	for _, b := range beans {
		deps := make([]reflect.Type, 0, len(b.Dependencies()))
		for _, dep := range b.Dependencies() {
			// Dependencies satisfied by provided entries contribute no
			// in-degree.
			if _, ok := beanIndex[dep]; ok {
				deps = append(deps, dep)
			}
		}
		g.AddNode(b.Type(), deps)
	}

	sorted, err := g.TopologicalSort()
	if err != nil {
		return nil, err
	}

	for _, t := range sorted {
		b := beans[beanIndex[t]]
		v, err := b.Build(ctx, bc)
		if err != nil {
			return nil, BeanBuildError{BeanType: t, Cause: err}
		}
		bc.insert(t, v)
	}

	return bc, nil
}

// dedupe applies the override policy to the bean list and returns the
// beans to construct.
func (r *Registry) dedupe(bc *BeanContext) ([]Bean, error) {
	if !r.allowOverrides {
		seen := make(map[reflect.Type]struct{}, len(r.beans))
		for _, b := range r.beans {
			t := b.Type()
			if _, dup := seen[t]; dup {
				return nil, DuplicateBeanError{BeanType: t}
			}
			if bc.Has(t) {
				return nil, DuplicateBeanError{BeanType: t}
			}
			seen[t] = struct{}{}
		}
		return append([]Bean(nil), r.beans...), nil
	}

	// Last registration wins; a kept bean also displaces a provided
	// entry of the same type.
	last := make(map[reflect.Type]int, len(r.beans))
	for i, b := range r.beans {
		last[b.Type()] = i
	}

	kept := make([]Bean, 0, len(last))
	for i, b := range r.beans {
		if last[b.Type()] != i {
			continue
		}
		kept = append(kept, b)
		if bc.Has(b.Type()) {
			bc.remove(b.Type())
		}
	}
	return kept, nil
}

// validateConfigKeys collects every config key declared across beans
// and validates them in one pass against the Config instance present
// in the entry table. Without a Config the step is skipped.
func (r *Registry) validateConfigKeys(bc *BeanContext, beans []Bean) error {
	var keys []ConfigKey
	for _, b := range beans {
		keys = append(keys, b.ConfigKeys()...)
	}
	if len(keys) == 0 {
		return nil
	}

	cfg, ok := TryGet[*Config](bc)
	if !ok {
		return nil
	}

	missing := cfg.ValidateKeys(keys)
	if len(missing) > 0 {
		return MissingConfigKeysError{Missing: missing}
	}
	return nil
}
