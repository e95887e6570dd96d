package loom

import (
	"context"
	"reflect"
)

// Bean describes a DI-managed value: its type identity, the type
// identities it depends on, the config keys it requires, and a factory
// that builds it once during resolution.
//
// Factories run sequentially in topological order; each factory
// observes a BeanContext that already contains every declared
// dependency.
type Bean interface {
	// Type returns the type identity this bean produces.
	Type() reflect.Type

	// Dependencies returns the type identities this bean requires.
	Dependencies() []reflect.Type

	// ConfigKeys returns the config keys this bean requires, validated
	// in one pass before any factory runs.
	ConfigKeys() []ConfigKey

	// Build constructs the bean value.
	Build(ctx context.Context, beans *BeanContext) (any, error)
}

// ConfigKey names a config requirement: the owning bean, the dotted
// key, and the expected type name used in diagnostics.
type ConfigKey struct {
	Owner string
	Key   string
	Type  string
}

// ConfigDiagnostic reports a missing config key.
type ConfigDiagnostic struct {
	Owner string
	Key   string
	Type  string
}

// Cloner lets a bean control what a BeanContext lookup hands out.
// Beans that do not implement Cloner are shared as-is.
type Cloner interface {
	CloneBean() any
}

// Disposable beans are closed during application shutdown, in reverse
// construction order.
type Disposable interface {
	Close() error
}

type beanDef struct {
	typ   reflect.Type
	deps  []reflect.Type
	keys  []ConfigKey
	build func(ctx context.Context, beans *BeanContext) (any, error)
}

func (b *beanDef) Type() reflect.Type           { return b.typ }
func (b *beanDef) Dependencies() []reflect.Type { return b.deps }
func (b *beanDef) ConfigKeys() []ConfigKey      { return b.keys }

func (b *beanDef) Build(ctx context.Context, beans *BeanContext) (any, error) {
	return b.build(ctx, beans)
}

// BeanOption modifies a bean definition created by NewBean and friends.
type BeanOption func(*beanDef)

// DependsOn declares a dependency on a bean or provided instance of
// type D.
func DependsOn[D any]() BeanOption {
	return func(b *beanDef) {
		b.deps = append(b.deps, typeOf[D]())
	}
}

// RequiresConfig declares a config key the bean reads during Build.
// The owner field is filled with the bean's type name.
func RequiresConfig(key, typeName string) BeanOption {
	return func(b *beanDef) {
		b.keys = append(b.keys, ConfigKey{Owner: formatType(b.typ), Key: key, Type: typeName})
	}
}

// NewBean creates a bean from a synchronous factory.
func NewBean[T any](build func(beans *BeanContext) (T, error), opts ...BeanOption) Bean {
	return NewAsyncBean(func(_ context.Context, beans *BeanContext) (T, error) {
		return build(beans)
	}, opts...)
}

// NewAsyncBean creates a bean from a context-aware factory. Factories
// are awaited sequentially during resolution, so a slow factory delays
// later beans; this keeps construction order and error reporting
// deterministic.
func NewAsyncBean[T any](build func(ctx context.Context, beans *BeanContext) (T, error), opts ...BeanOption) Bean {
	def := &beanDef{
		typ: typeOf[T](),
		build: func(ctx context.Context, beans *BeanContext) (any, error) {
			return build(ctx, beans)
		},
	}
	for _, opt := range opts {
		opt(def)
	}
	return def
}

// NewProducer creates a bean for a type the user does not own, such as
// a database pool. It is NewAsyncBean under a name that matches intent.
func NewProducer[T any](build func(ctx context.Context, beans *BeanContext) (T, error), opts ...BeanOption) Bean {
	return NewAsyncBean(build, opts...)
}

func typeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}
