// Package loom is a server-side composition framework: a bean
// registry resolved into typed application state, controllers that
// compose request pipelines out of guards, interceptors, and managed
// resources, a typed in-process event bus, and an interval and cron
// scheduler.
//
// An application is assembled in two phases. The pre-state Builder
// collects provided instances, beans, and plugins, then BuildState
// resolves everything in dependency order and produces the typed
// phase:
//
//	type State struct {
//		Store *Store
//		Bus   *loom.Bus
//	}
//
//	app := loom.New[State]().
//		WithConfig(cfg).
//		Provide(loom.NewBus()).
//		WithBean(loom.NewBean[*Store](newStore)).
//		BuildState(ctx)
//
// The TypedBuilder registers controllers and layers against the
// resolved state and finally serves:
//
//	err := app.
//		RegisterController(userController()).
//		Serve(ctx, ":8080")
//
// Controllers declare routes on typed descriptors; each request gets
// a fresh controller instance built from the extracted identity or
// from state:
//
//	loom.NewController[State, *Users]("users", newUsers).
//		Prefix("/users").
//		Get("/{id}", "get_user", getUser, loom.Roles("admin"))
package loom
