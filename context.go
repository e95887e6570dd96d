package loom

import (
	"fmt"
	"reflect"
)

// BeanContext is the immutable result of a successful resolution: a
// type-keyed map of ready instances. It is never mutated after
// Resolve returns; lookups hand out the stored value, or a clone when
// the value implements Cloner.
type BeanContext struct {
	entries map[reflect.Type]any
	// order records construction order for reverse-order disposal.
	order []reflect.Type
}

func newBeanContext() *BeanContext {
	return &BeanContext{entries: make(map[reflect.Type]any)}
}

func (bc *BeanContext) insert(t reflect.Type, v any) {
	if _, ok := bc.entries[t]; !ok {
		bc.order = append(bc.order, t)
	}
	bc.entries[t] = v
}

func (bc *BeanContext) remove(t reflect.Type) {
	delete(bc.entries, t)
	for i, o := range bc.order {
		if o == t {
			bc.order = append(bc.order[:i], bc.order[i+1:]...)
			break
		}
	}
}

// Len returns the number of resolved entries.
func (bc *BeanContext) Len() int {
	return len(bc.entries)
}

// Has reports whether an instance of type t is present.
func (bc *BeanContext) Has(t reflect.Type) bool {
	_, ok := bc.entries[t]
	return ok
}

func (bc *BeanContext) lookup(t reflect.Type) (any, bool) {
	v, ok := bc.entries[t]
	if !ok {
		return nil, false
	}
	if c, ok := v.(Cloner); ok {
		return c.CloneBean(), true
	}
	return v, true
}

// Get returns the instance of type T, panicking when absent. Use
// TryGet when absence is an expected condition.
func Get[T any](bc *BeanContext) T {
	v, ok := TryGet[T](bc)
	if !ok {
		panic(fmt.Sprintf("loom: no bean of type %s in context", formatType(typeOf[T]())))
	}
	return v
}

// TryGet returns the instance of type T and whether it was present.
func TryGet[T any](bc *BeanContext) (T, bool) {
	var zero T
	v, ok := bc.lookup(typeOf[T]())
	if !ok {
		return zero, false
	}
	typed, ok := v.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}

// dispose closes every Disposable entry in reverse construction order
// and aggregates errors.
func (bc *BeanContext) dispose() error {
	var errs []error
	for i := len(bc.order) - 1; i >= 0; i-- {
		v := bc.entries[bc.order[i]]
		d, ok := v.(Disposable)
		if !ok {
			continue
		}
		if err := d.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", formatType(bc.order[i]), err))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return DisposalError{Errors: errs}
}
