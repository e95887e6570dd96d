package loom

import "fmt"

// ModuleOption represents a registration action within a module.
type ModuleOption func(*Registry) error

// NewModule groups related bean registrations under a name so they can
// be installed as a unit.
//
// Example:
//
//	var StorageModule = loom.NewModule("storage",
//	    loom.RegisterBean(loom.NewProducer(NewPool)),
//	    loom.RegisterBean(loom.NewBean(NewUserRepository, loom.DependsOn[*Pool]())),
//	)
func NewModule(name string, builders ...ModuleOption) ModuleOption {
	return func(r *Registry) error {
		for _, builder := range builders {
			if builder == nil {
				continue
			}
			if err := builder(r); err != nil {
				return fmt.Errorf("module %q: %w", name, err)
			}
		}
		return nil
	}
}

// RegisterBean creates a ModuleOption that registers a bean.
func RegisterBean(b Bean) ModuleOption {
	return func(r *Registry) error {
		if b == nil {
			return ErrBeanNil
		}
		r.Register(b)
		return nil
	}
}

// ProvideValue creates a ModuleOption that provides a pre-built
// instance.
func ProvideValue(v any) ModuleOption {
	return func(r *Registry) error {
		r.Provide(v)
		return nil
	}
}
