package loom

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/loomhq/loom/internal/graph"
)

// ========================================
// Core Error Values (Sentinel Errors)
// ========================================
// These are base errors that should be wrapped in typed errors when
// returned. Never return these directly to users - always wrap them
// with context.

var (
	// Bean registration and resolution errors.
	ErrBeanNil     = errors.New("bean cannot be nil")
	ErrBeanTypeNil = errors.New("bean type cannot be nil")

	// Builder errors.
	ErrControllerInvalid = errors.New("controller definition is invalid")

	// Config errors.
	ErrConfigKeyNotFound = errors.New("config key not found")
)

var (
	_ error = MissingDependencyError{}
	_ error = DuplicateBeanError{}
	_ error = MissingConfigKeysError{}
	_ error = BeanBuildError{}
	_ error = StateAssemblyError{}
	_ error = ConfigError{}
	_ error = CompositionError{}
	_ error = DisposalError{}
)

// CycleError reports beans blocked behind a dependency cycle.
// It is produced by the topological sort during resolution.
type CycleError = graph.CycleError

// MissingDependencyError indicates a registered bean declares a
// dependency that is neither provided nor registered.
type MissingDependencyError struct {
	BeanType       reflect.Type
	DependencyType reflect.Type
}

func (e MissingDependencyError) Error() string {
	return fmt.Sprintf("missing dependency: %s requires %s, which is neither provided nor registered",
		formatType(e.BeanType), formatType(e.DependencyType))
}

// DuplicateBeanError indicates two registrations for the same type
// while overrides are disabled.
type DuplicateBeanError struct {
	BeanType reflect.Type
}

func (e DuplicateBeanError) Error() string {
	return fmt.Sprintf("bean %s registered more than once (call AllowBeanOverride for last-wins semantics)",
		formatType(e.BeanType))
}

// MissingConfigKeysError aggregates every config key declared by a
// bean but absent from the resolved Config.
type MissingConfigKeysError struct {
	Missing []ConfigDiagnostic
}

func (e MissingConfigKeysError) Error() string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("missing config keys (%d):", len(e.Missing)))
	for _, d := range e.Missing {
		b.WriteString(fmt.Sprintf("\n  %s requires %q (%s), set %s", d.Owner, d.Key, d.Type, envKeyHint(d.Key)))
	}
	return b.String()
}

// BeanBuildError wraps a factory failure during resolution.
type BeanBuildError struct {
	BeanType reflect.Type
	Cause    error
}

func (e BeanBuildError) Error() string {
	return fmt.Sprintf("failed to build bean %s: %v", formatType(e.BeanType), e.Cause)
}

func (e BeanBuildError) Unwrap() error {
	return e.Cause
}

// StateAssemblyError indicates a state field could not be pulled from
// the resolved bean context.
type StateAssemblyError struct {
	StateType reflect.Type
	Field     string
	FieldType reflect.Type
}

func (e StateAssemblyError) Error() string {
	return fmt.Sprintf("cannot assemble state %s: no bean or provided instance for field %s (%s)",
		formatType(e.StateType), e.Field, formatType(e.FieldType))
}

// ConfigError describes a config read failure, including the
// environment-variable form of the key for the hint.
type ConfigError struct {
	Key      string
	Expected string
	Cause    error
}

func (e ConfigError) Error() string {
	if e.Expected != "" {
		return fmt.Sprintf("config key %q (%s): %v (set %s)", e.Key, e.Expected, e.Cause, envKeyHint(e.Key))
	}
	return fmt.Sprintf("config key %q: %v (set %s)", e.Key, e.Cause, envKeyHint(e.Key))
}

func (e ConfigError) Unwrap() error {
	return e.Cause
}

// CompositionError reports a controller definition that violates one
// of the composition rules (identity exclusivity, consumer identity,
// managed/transactional overlap).
type CompositionError struct {
	Controller string
	Route      string // empty for controller-level violations
	Cause      error
}

func (e CompositionError) Error() string {
	if e.Route != "" {
		return fmt.Sprintf("controller %s, route %s: %v", e.Controller, e.Route, e.Cause)
	}
	return fmt.Sprintf("controller %s: %v", e.Controller, e.Cause)
}

func (e CompositionError) Unwrap() error {
	return e.Cause
}

// Is matches ErrControllerInvalid, so callers can classify any
// composition failure without naming the rule it broke.
func (e CompositionError) Is(target error) bool {
	return target == ErrControllerInvalid
}

// DisposalError aggregates bean disposal errors during shutdown.
type DisposalError struct {
	Errors []error
}

func (e DisposalError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("bean disposal failed: %v", e.Errors[0])
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("bean disposal failed with %d errors:", len(e.Errors)))
	for i, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("\n  %d. %v", i+1, err))
	}
	return sb.String()
}

// envKeyHint maps a dotted config key to its environment-variable form,
// e.g. "app.greeting" -> "APP_GREETING".
func envKeyHint(key string) string {
	return strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(key))
}

// formatType formats a reflect.Type for error messages.
func formatType(t reflect.Type) string {
	if t == nil {
		return "<nil>"
	}

	switch t.Kind() {
	case reflect.Pointer:
		elem := t.Elem()
		if elem.PkgPath() != "" && elem.Name() != "" {
			return "*" + elem.Name()
		}
		return t.String()
	case reflect.Slice:
		elem := t.Elem()
		if elem.PkgPath() != "" && elem.Name() != "" {
			return "[]" + elem.Name()
		}
		return t.String()
	case reflect.Interface, reflect.Struct:
		if t.Name() != "" {
			return t.Name()
		}
		return t.String()
	default:
		if t.Name() != "" {
			return t.Name()
		}
		return t.String()
	}
}
