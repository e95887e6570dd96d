package loom

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type builderState struct {
	Pool *testPool
	Repo *testRepo

	NotInjected int `loom:"-"`
}

func TestBuilderBuildState(t *testing.T) {
	t.Parallel()

	t.Run("assembles state fields from resolved beans", func(t *testing.T) {
		t.Parallel()

		tb, err := New[builderState]().
			Provide(&testPool{}).
			WithBean(NewBean(func(beans *BeanContext) (*testRepo, error) {
				return &testRepo{pool: Get[*testPool](beans)}, nil
			}, DependsOn[*testPool]())).
			TryBuildState(context.Background())
		require.NoError(t, err)

		state := tb.App().State
		require.NotNil(t, state.Pool)
		require.NotNil(t, state.Repo)
		assert.Same(t, state.Pool, state.Repo.pool)
	})

	t.Run("missing state field fails assembly", func(t *testing.T) {
		t.Parallel()

		_, err := New[builderState]().
			Provide(&testPool{}).
			TryBuildState(context.Background())

		var assembly StateAssemblyError
		require.ErrorAs(t, err, &assembly)
		assert.Equal(t, "Repo", assembly.Field)
	})

	t.Run("BuildState panics on resolution failure", func(t *testing.T) {
		t.Parallel()

		assert.Panics(t, func() {
			New[builderState]().BuildState(context.Background())
		})
	})

	t.Run("bean factories receive the resolved config", func(t *testing.T) {
		t.Parallel()

		cfg, err := ReadConfig(Literal(map[string]any{"pool.size": 8}))
		require.NoError(t, err)

		var seen int
		type cfgState struct {
			Pool *testPool
		}
		_, err = New[cfgState]().
			WithConfig(cfg).
			WithBeanFactory(func(cfg *Config) Bean {
				seen, _ = ConfigValue[int](cfg, "pool.size")
				return NewBean(func(beans *BeanContext) (*testPool, error) {
					return &testPool{}, nil
				})
			}).
			TryBuildState(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 8, seen)
	})

	t.Run("OverrideProvide displaces an earlier provide", func(t *testing.T) {
		t.Parallel()

		type poolState struct {
			Pool *testPool
		}
		replacement := &testPool{}
		tb, err := New[poolState]().
			Provide(&testPool{}).
			OverrideProvide(replacement).
			TryBuildState(context.Background())
		require.NoError(t, err)
		assert.Same(t, replacement, tb.App().State.Pool)
	})

	t.Run("duplicate provide without override fails", func(t *testing.T) {
		t.Parallel()

		type poolState struct {
			Pool *testPool
		}
		_, err := New[poolState]().
			Provide(&testPool{}).
			Provide(&testPool{}).
			TryBuildState(context.Background())

		var dup DuplicateBeanError
		require.ErrorAs(t, err, &dup)
	})
}

type fromBeansState struct {
	pool *testPool
}

func (s *fromBeansState) FromBeans(beans *BeanContext) error {
	pool, ok := TryGet[*testPool](beans)
	if !ok {
		return errors.New("pool not resolved")
	}
	s.pool = pool
	return nil
}

func TestBuilderStateFromBeansHook(t *testing.T) {
	t.Parallel()

	tb, err := New[fromBeansState]().
		Provide(&testPool{}).
		TryBuildState(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, tb.App().State.pool)
}

type recordingPlugin struct {
	name     string
	last     bool
	deferred []DeferredAction
}

func (p *recordingPlugin) Name() string                      { return p.name }
func (p *recordingPlugin) ShouldBeLast() bool                { return p.last }
func (p *recordingPlugin) Beans(reg *Registry) error         { return nil }
func (p *recordingPlugin) DeferredActions() []DeferredAction { return p.deferred }

func TestBuilderPlugins(t *testing.T) {
	t.Parallel()

	t.Run("deferred actions contribute layers and data", func(t *testing.T) {
		t.Parallel()

		plugin := &recordingPlugin{
			name: "stamp",
			deferred: []DeferredAction{func(dc *DeferredContext) error {
				dc.SetData("token", "abc")
				dc.AddLayer(func(next http.Handler) http.Handler {
					return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
						w.Header().Set("X-Stamp", "yes")
						next.ServeHTTP(w, r)
					})
				})
				return nil
			}},
		}

		type emptyState struct{}
		tb, err := New[emptyState]().
			Plugin(plugin).
			TryBuildState(context.Background())
		require.NoError(t, err)

		token, ok := tb.PluginData("token")
		require.True(t, ok)
		assert.Equal(t, "abc", token)

		router, err := tb.
			RegisterRoutes(func(rt *Router, _ *emptyState) {
				rt.Route(http.MethodGet, "/ping", func(w http.ResponseWriter, r *http.Request) {
					w.WriteHeader(http.StatusNoContent)
				})
			}).
			Build()
		require.NoError(t, err)

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "yes", rec.Header().Get("X-Stamp"))
	})

	t.Run("plugin bean error names the plugin", func(t *testing.T) {
		t.Parallel()

		failing := PluginFunc("broken", func(reg *Registry) error {
			return errors.New("no beans today")
		})

		type emptyState struct{}
		_, err := New[emptyState]().
			Plugin(failing).
			TryBuildState(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "broken")
	})

	t.Run("plugin after a should-be-last one warns and still builds", func(t *testing.T) {
		t.Parallel()

		core, logs := observer.New(zap.WarnLevel)

		type emptyState struct{}
		tb, err := New[emptyState]().
			WithLogger(zap.New(core)).
			Plugin(&recordingPlugin{name: "terminal", last: true}).
			Plugin(&recordingPlugin{name: "straggler"}).
			TryBuildState(context.Background())
		require.NoError(t, err)
		require.NotNil(t, tb)

		entries := logs.FilterMessage("plugin installed after one that should be last").All()
		require.Len(t, entries, 1)
		assert.Equal(t, "straggler", entries[0].ContextMap()["plugin"])
		assert.Equal(t, "terminal", entries[0].ContextMap()["should_be_last"])
	})
}

func TestBuildIsIdempotent(t *testing.T) {
	t.Parallel()

	type busState struct {
		Bus *Bus
	}
	type pinged struct{ N int }

	var delivered atomic.Int32
	ctrl := NewController("ping", func(ctx context.Context, rs *RequestScope[busState]) (struct{}, error) {
		return struct{}{}, nil
	}).
		Get("/ping", "ping.get", func(ctx context.Context, c struct{}, req *Request) (any, error) {
			return "pong", nil
		}).
		Schedule("sweep", Every(time.Hour), func(ctx context.Context, c struct{}) error {
			return nil
		})
	Consume(ctrl, func(s *busState) *Bus { return s.Bus },
		func(ctx context.Context, c struct{}, event *pinged) error {
			delivered.Add(1)
			return nil
		})

	tb, err := New[busState]().
		Provide(NewBus()).
		TryBuildState(context.Background())
	require.NoError(t, err)
	tb.RegisterController(ctrl)

	first, err := tb.Build()
	require.NoError(t, err)
	second, err := tb.Build()
	require.NoError(t, err)
	assert.Same(t, first, second)

	// One subscription, one task, regardless of how often Build ran.
	require.NoError(t, tb.App().State.Bus.EmitAndWait(context.Background(), &pinged{N: 1}))
	assert.Equal(t, int32(1), delivered.Load())
	assert.Len(t, tb.App().tasks.drain(), 1)
}

func TestWithMetaConsumer(t *testing.T) {
	t.Parallel()

	type emptyState struct{}
	listing := NewController("orders", func(ctx context.Context, rs *RequestScope[emptyState]) (struct{}, error) {
		return struct{}{}, nil
	}).Get("/orders", "list_orders", func(ctx context.Context, c struct{}, req *Request) (any, error) {
		return []string{}, nil
	})

	tb := New[emptyState]().BuildState(context.Background()).
		RegisterController(listing)

	WithMetaConsumer(tb, func(entries []RouteInfo) *Router {
		rt := NewRouter()
		rt.Route(http.MethodGet, "/routes", func(w http.ResponseWriter, r *http.Request) {
			ops := make([]string, 0, len(entries))
			for _, e := range entries {
				ops = append(ops, e.OperationID)
			}
			writeJSON(w, http.StatusOK, ops)
		})
		return rt
	})

	router, err := tb.Build()
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/routes", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `["list_orders"]`, rec.Body.String())

	// The consumer did not drain the registry.
	assert.Len(t, MetaOf[RouteInfo](tb.App().Meta), 1)
}

func TestDevPlugin(t *testing.T) {
	t.Parallel()

	type emptyState struct{}
	router, err := New[emptyState]().
		BuildState(context.Background()).
		With(DevPlugin[emptyState]()).
		Build()
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/__dev/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "dev", rec.Body.String())

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/__dev/ping", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
	assert.Contains(t, rec.Body.String(), `"boot_time"`)
}
