package loom

import "context"

// InterceptContext carries the method and controller names, enough
// for tracing, metrics, and cache-key construction without
// reflection.
type InterceptContext struct {
	Controller string
	Method     string
}

// Next is the continuation an interceptor wraps. It may be invoked at
// most once.
type Next func(ctx context.Context) (any, error)

// Interceptor wraps a method body. Around may run code before and
// after next, transform the result, or skip next entirely (as the
// cache interceptor does on a hit).
//
// Interceptors compose by declaration order: the first declared is the
// outermost wrapper: it runs first on entry and last on exit.
// Controller-level interceptors wrap outside method-level ones.
type Interceptor interface {
	Around(ctx context.Context, ic *InterceptContext, next Next) (any, error)
}

// InterceptorFunc adapts a function to the Interceptor interface.
type InterceptorFunc func(ctx context.Context, ic *InterceptContext, next Next) (any, error)

func (f InterceptorFunc) Around(ctx context.Context, ic *InterceptContext, next Next) (any, error) {
	return f(ctx, ic, next)
}

// chainInterceptors folds a declaration-ordered interceptor list
// around a body: the first element becomes the outermost wrapper.
func chainInterceptors(interceptors []Interceptor, ic *InterceptContext, body Next) Next {
	wrapped := body
	for i := len(interceptors) - 1; i >= 0; i-- {
		inner := wrapped
		interceptor := interceptors[i]
		wrapped = func(ctx context.Context) (any, error) {
			return interceptor.Around(ctx, ic, inner)
		}
	}
	return wrapped
}

// Transactor is the capability the transactional wrapper consumes,
// typically backed by a database pool on the application state.
type Transactor interface {
	Begin(ctx context.Context) (Tx, error)
}

// Tx is an in-flight transaction.
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// TransactorProvider locates the Transactor on the application state.
type TransactorProvider func(state any) Transactor

// transactionalInterceptor is the innermost wrapper for routes
// declared transactional: begin before the body, commit on success,
// roll back when the body errors.
type transactionalInterceptor struct {
	provider TransactorProvider
	state    any
}

func (t *transactionalInterceptor) Around(ctx context.Context, _ *InterceptContext, next Next) (any, error) {
	tx, err := t.provider(t.state).Begin(ctx)
	if err != nil {
		return nil, err
	}

	result, err := next(ctx)
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return result, nil
}
