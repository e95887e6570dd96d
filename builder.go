package loom

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"reflect"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// App is what the typed builder and composed handlers see after state
// resolution: the state, the capabilities, and the scheduler's task
// registry.
type App[S any] struct {
	State            *S
	Config           *Config
	Logger           *zap.Logger
	Meta             *MetaRegistry
	IdentityProvider IdentityProvider
	Beans            *BeanContext

	tasks *taskRegistry
}

// Builder is the pre-state phase: it collects provided instances,
// beans, and pre-state plugins. BuildState transitions to the typed
// phase; every dependency declared by a bean must be satisfied by
// then, or resolution fails.
type Builder[S any] struct {
	registry      *Registry
	cfg           *Config
	logger        *zap.Logger
	identity      IdentityProvider
	plugins       []PreStatePlugin
	beanFactories []func(cfg *Config) Bean
	errs          []error
}

// New starts a pre-state builder for state type S.
func New[S any]() *Builder[S] {
	return &Builder[S]{registry: NewRegistry(), logger: zap.NewNop()}
}

// Provide stores a pre-built instance.
func (b *Builder[S]) Provide(v any) *Builder[S] {
	b.registry.Provide(v)
	return b
}

// OverrideProvide provides an instance under last-wins semantics even
// when overrides are otherwise disabled: any earlier provide or bean
// of the same type is displaced.
func (b *Builder[S]) OverrideProvide(v any) *Builder[S] {
	t := reflect.TypeOf(v)
	kept := b.registry.provided[:0]
	for _, p := range b.registry.provided {
		if p.typ != t {
			kept = append(kept, p)
		}
	}
	b.registry.provided = kept

	keptBeans := b.registry.beans[:0]
	for _, bean := range b.registry.beans {
		if bean.Type() != t {
			keptBeans = append(keptBeans, bean)
		}
	}
	b.registry.beans = keptBeans

	b.registry.Provide(v)
	return b
}

// WithBean registers a bean factory.
func (b *Builder[S]) WithBean(bean Bean) *Builder[S] {
	b.registry.Register(bean)
	return b
}

// WithBeanFactory registers a bean built from a closure that receives
// the resolved Config at BuildState time.
func (b *Builder[S]) WithBeanFactory(f func(cfg *Config) Bean) *Builder[S] {
	b.beanFactories = append(b.beanFactories, f)
	return b
}

// WithModule installs a module of bean registrations. Installation
// errors surface at BuildState.
func (b *Builder[S]) WithModule(m ModuleOption) *Builder[S] {
	if err := m(b.registry); err != nil {
		b.errs = append(b.errs, err)
	}
	return b
}

// AllowBeanOverride switches duplicate registrations to last-wins.
func (b *Builder[S]) AllowBeanOverride() *Builder[S] {
	b.registry.AllowOverrides()
	return b
}

// WithConfig provides the Config capability. It participates in bean
// resolution (config-key validation) and is handed to bean factories.
func (b *Builder[S]) WithConfig(cfg *Config) *Builder[S] {
	b.cfg = cfg
	b.registry.Provide(cfg)
	return b
}

// WithLogger sets the logger used by the builder, scheduler, bus
// consumers, and request pipeline.
func (b *Builder[S]) WithLogger(logger *zap.Logger) *Builder[S] {
	b.logger = logger
	return b
}

// WithIdentityProvider installs the Identity capability.
func (b *Builder[S]) WithIdentityProvider(p IdentityProvider) *Builder[S] {
	b.identity = p
	return b
}

// Plugin installs a pre-state plugin: it may contribute beans now and
// deferred actions that run right after state resolution.
func (b *Builder[S]) Plugin(p PreStatePlugin) *Builder[S] {
	b.plugins = append(b.plugins, p)
	return b
}

// BuildState resolves the registry, assembles the state, and
// transitions to the typed phase. It panics on resolution failure;
// use TryBuildState for an error return.
func (b *Builder[S]) BuildState(ctx context.Context) *TypedBuilder[S] {
	tb, err := b.TryBuildState(ctx)
	if err != nil {
		panic(fmt.Sprintf("loom: build_state failed: %v", err))
	}
	return tb
}

// TryBuildState is BuildState with an error return.
func (b *Builder[S]) TryBuildState(ctx context.Context) (*TypedBuilder[S], error) {
	if len(b.errs) > 0 {
		return nil, errors.Join(b.errs...)
	}

	var lastRequired string
	for _, p := range b.plugins {
		if lastRequired != "" {
			b.logger.Warn("plugin installed after one that should be last",
				zap.String("plugin", p.Name()),
				zap.String("should_be_last", lastRequired))
		}
		if err := p.Beans(b.registry); err != nil {
			return nil, fmt.Errorf("plugin %s: %w", p.Name(), err)
		}
		if p.ShouldBeLast() {
			lastRequired = p.Name()
		}
	}

	cfg := b.cfg
	if cfg == nil {
		cfg, _ = ReadConfig()
	}
	for _, f := range b.beanFactories {
		b.registry.Register(f(cfg))
	}

	beans, err := b.registry.Resolve(ctx)
	if err != nil {
		return nil, err
	}

	state, err := assembleState[S](beans)
	if err != nil {
		return nil, err
	}

	app := &App[S]{
		State:            state,
		Config:           cfg,
		Logger:           b.logger,
		Meta:             NewMetaRegistry(),
		IdentityProvider: b.identity,
		Beans:            beans,
		tasks:            &taskRegistry{},
	}

	tb := &TypedBuilder[S]{app: app, pluginData: make(map[string]any)}

	dc := &DeferredContext{data: tb.pluginData}
	for _, p := range b.plugins {
		for _, action := range p.DeferredActions() {
			if err := action(dc); err != nil {
				return nil, fmt.Errorf("plugin %s deferred action: %w", p.Name(), err)
			}
		}
	}
	tb.layers = append(tb.layers, dc.layers...)
	tb.serveHooks = append(tb.serveHooks, dc.serveHooks...)
	tb.pluginShutdown = append(tb.pluginShutdown, dc.shutdownHooks...)

	return tb, nil
}

// stateFromBeans lets a state type assemble itself instead of the
// field-by-field reflection default.
type stateFromBeans interface {
	FromBeans(beans *BeanContext) error
}

// assembleState pulls each exported field of S from the bean context.
// Fields tagged `loom:"-"` are skipped.
func assembleState[S any](beans *BeanContext) (*S, error) {
	state := new(S)

	if sf, ok := any(state).(stateFromBeans); ok {
		if err := sf.FromBeans(beans); err != nil {
			return nil, err
		}
		return state, nil
	}

	v := reflect.ValueOf(state).Elem()
	t := v.Type()
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("state type %s is not a struct", formatType(t))
	}

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() || field.Tag.Get("loom") == "-" {
			continue
		}
		entry, ok := beans.lookup(field.Type)
		if !ok {
			return nil, StateAssemblyError{StateType: t, Field: field.Name, FieldType: field.Type}
		}
		v.Field(i).Set(reflect.ValueOf(entry))
	}
	return state, nil
}

// TypedBuilder is the post-state phase: routes, layers, hooks, and
// plugins against the resolved application.
type TypedBuilder[S any] struct {
	app *App[S]

	layers         []Middleware
	controllers    []Controller[S]
	rawRoutes      []func(rt *Router, s *S)
	metaFragments  []func(m *MetaRegistry) *Router
	onStart        []Hook
	onStop         []Hook
	serveHooks     []Hook
	pluginShutdown []Hook
	pluginData     map[string]any

	slashFallback bool
	errs          []error

	buildOnce sync.Once
	built     *Router
	buildErr  error
}

// App exposes the resolved application to typed plugins.
func (tb *TypedBuilder[S]) App() *App[S] { return tb.app }

// PluginData returns data stashed by a pre-state plugin's deferred
// action.
func (tb *TypedBuilder[S]) PluginData(key string) (any, bool) {
	v, ok := tb.pluginData[key]
	return v, ok
}

// With applies a typed plugin.
func (tb *TypedBuilder[S]) With(p TypedPlugin[S]) *TypedBuilder[S] {
	return p.Apply(tb)
}

// WithLayer appends an application-wide transport layer.
func (tb *TypedBuilder[S]) WithLayer(mw Middleware) *TypedBuilder[S] {
	tb.layers = append(tb.layers, mw)
	return tb
}

// WithLayerFn is WithLayer for a function that only needs the
// request.
func (tb *TypedBuilder[S]) WithLayerFn(f func(w http.ResponseWriter, r *http.Request, next http.Handler)) *TypedBuilder[S] {
	return tb.WithLayer(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			f(w, r, next)
		})
	})
}

// WithConfig replaces the configuration source after state
// resolution. Controllers resolved later see the new source.
func (tb *TypedBuilder[S]) WithConfig(cfg *Config) *TypedBuilder[S] {
	tb.app.Config = cfg
	return tb
}

// OnStart registers a hook run before the listener starts.
func (tb *TypedBuilder[S]) OnStart(h Hook) *TypedBuilder[S] {
	tb.onStart = append(tb.onStart, h)
	return tb
}

// OnStop registers a hook run during shutdown, after plugin shutdown
// hooks.
func (tb *TypedBuilder[S]) OnStop(h Hook) *TypedBuilder[S] {
	tb.onStop = append(tb.onStop, h)
	return tb
}

// RegisterController validates the controller and queues its routes,
// metadata, consumers, and scheduled tasks. Composition and config
// errors surface at Build or Serve.
func (tb *TypedBuilder[S]) RegisterController(c Controller[S]) *TypedBuilder[S] {
	if err := c.Validate(); err != nil {
		tb.errs = append(tb.errs, err)
		return tb
	}
	if missing := c.ValidateConfig(tb.app.Config); len(missing) > 0 {
		tb.errs = append(tb.errs, MissingConfigKeysError{Missing: missing})
		return tb
	}
	tb.controllers = append(tb.controllers, c)
	return tb
}

// SpawnService registers only a controller's consumers and scheduled
// tasks, a background service without routes.
func (tb *TypedBuilder[S]) SpawnService(c Controller[S]) *TypedBuilder[S] {
	if err := c.Validate(); err != nil {
		tb.errs = append(tb.errs, err)
		return tb
	}
	if err := c.RegisterConsumers(tb.app); err != nil {
		tb.errs = append(tb.errs, err)
		return tb
	}
	tb.app.tasks.add(c.ScheduledTasks(tb.app)...)
	return tb
}

// RegisterRoutes queues raw routes against the state, an escape hatch
// past the controller machinery.
func (tb *TypedBuilder[S]) RegisterRoutes(f func(rt *Router, s *S)) *TypedBuilder[S] {
	tb.rawRoutes = append(tb.rawRoutes, f)
	return tb
}

// WithTrailingSlashFallback retries unmatched paths ending in "/"
// once without the slash before answering 404.
func (tb *TypedBuilder[S]) WithTrailingSlashFallback() *TypedBuilder[S] {
	tb.slashFallback = true
	return tb
}

// WithMetaConsumer registers a consumer for meta entries of type M.
// At Build time it receives a read-only snapshot and returns a router
// fragment merged into the application; consumers do not drain the
// registry.
func WithMetaConsumer[S, M any](tb *TypedBuilder[S], consume func(entries []M) *Router) *TypedBuilder[S] {
	tb.metaFragments = append(tb.metaFragments, func(m *MetaRegistry) *Router {
		return consume(MetaOf[M](m))
	})
	return tb
}

// Build composes the final router: layers, controller routes, raw
// routes, meta-consumer fragments, and the 404 fallback. Composition
// runs once; repeated calls, including the one inside Serve, return
// the same router without re-registering consumers or tasks.
func (tb *TypedBuilder[S]) Build() (*Router, error) {
	tb.buildOnce.Do(func() { tb.built, tb.buildErr = tb.compose() })
	return tb.built, tb.buildErr
}

func (tb *TypedBuilder[S]) compose() (*Router, error) {
	if len(tb.errs) > 0 {
		return nil, errors.Join(tb.errs...)
	}

	router := NewRouter()
	router.Layer(Recoverer(tb.app.Logger))
	for _, mw := range tb.layers {
		router.Layer(mw)
	}

	for _, c := range tb.controllers {
		c.RegisterMeta(tb.app.Meta)
		if err := c.RegisterConsumers(tb.app); err != nil {
			return nil, err
		}
		tb.app.tasks.add(c.ScheduledTasks(tb.app)...)
		router.Merge(c.Routes(tb.app))
	}

	for _, f := range tb.rawRoutes {
		sub := NewRouter()
		f(sub, tb.app.State)
		router.Merge(sub)
	}

	for _, fragment := range tb.metaFragments {
		if fr := fragment(tb.app.Meta); fr != nil {
			router.Merge(fr)
		}
	}

	if tb.slashFallback {
		router.WithTrailingSlashFallback()
	} else {
		router.Fallback(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusNotFound, errorBody{Error: "not found", Code: http.StatusNotFound})
		})
	}

	return router, nil
}

// MustBuild is Build, panicking on error.
func (tb *TypedBuilder[S]) MustBuild() *Router {
	router, err := tb.Build()
	if err != nil {
		panic(fmt.Sprintf("loom: build failed: %v", err))
	}
	return router
}

// Serve binds addr, runs startup and serve hooks, starts the
// scheduler, and blocks until ctx is cancelled or SIGINT/SIGTERM
// arrives. Shutdown drains the listener, cancels scheduled-task
// supervisors, runs plugin shutdown hooks then user stop hooks, and
// finally disposes beans in reverse construction order.
func (tb *TypedBuilder[S]) Serve(ctx context.Context, addr string) error {
	router, err := tb.Build()
	if err != nil {
		return err
	}

	logger := tb.app.Logger

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runHooks(sigCtx, tb.onStart); err != nil {
		return fmt.Errorf("start hook: %w", err)
	}
	if err := runHooks(sigCtx, tb.serveHooks); err != nil {
		return fmt.Errorf("serve hook: %w", err)
	}

	schedCtx, cancelSched := context.WithCancel(context.Background())
	defer cancelSched()
	startScheduler(schedCtx, tb.app.tasks, logger)

	server := &http.Server{Addr: addr, Handler: router}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", addr))
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		return err
	case <-sigCtx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	shutdownErr := server.Shutdown(shutdownCtx)

	cancelSched()

	hookErr := errors.Join(
		runHooks(shutdownCtx, tb.pluginShutdown),
		runHooks(shutdownCtx, tb.onStop),
	)

	return errors.Join(shutdownErr, hookErr, tb.app.Beans.dispose())
}
