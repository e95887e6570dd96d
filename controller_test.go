package loom

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type orderStore struct {
	orders map[string]string
}

type shopState struct {
	Store *orderStore
	Bus   *Bus
}

type staticIdentity struct {
	sub   string
	roles []string
}

func (s staticIdentity) Sub() string            { return s.sub }
func (s staticIdentity) Roles() []string        { return s.roles }
func (s staticIdentity) Email() string          { return "" }
func (s staticIdentity) Claims() map[string]any { return nil }

type staticProvider struct {
	identity Identity
	reject   *Reject
}

func (p staticProvider) Extract(r *http.Request) (Identity, *Reject) {
	if p.reject != nil {
		return nil, p.reject
	}
	return p.identity, nil
}

func newShopApp(provider IdentityProvider) *App[shopState] {
	cfg, _ := ReadConfig(Literal(map[string]any{"shop.greeting": "hello"}))
	return &App[shopState]{
		State: &shopState{
			Store: &orderStore{orders: map[string]string{"1": "espresso"}},
			Bus:   NewBus(),
		},
		Config:           cfg,
		Logger:           zap.NewNop(),
		Meta:             NewMetaRegistry(),
		IdentityProvider: provider,
		tasks:            &taskRegistry{},
	}
}

type ordersController struct {
	store    *orderStore
	identity Identity
}

func newOrdersController(_ context.Context, rs *RequestScope[shopState]) (*ordersController, error) {
	return &ordersController{store: rs.State().Store, identity: rs.Identity()}, nil
}

func serveRoute(app *App[shopState], c Controller[shopState], r *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	c.Routes(app).ServeHTTP(rec, r)
	return rec
}

func TestControllerRouting(t *testing.T) {
	t.Parallel()

	t.Run("GET renders the result with the default status", func(t *testing.T) {
		t.Parallel()

		ctrl := NewController("orders", newOrdersController).
			Prefix("/orders").
			Get("/{id}", "get_order", func(ctx context.Context, c *ordersController, req *Request) (any, error) {
				name, ok := c.store.orders[req.Param("id")]
				if !ok {
					return nil, ErrNotFound404("order not found")
				}
				return map[string]string{"name": name}, nil
			})
		require.NoError(t, ctrl.Validate())

		app := newShopApp(nil)
		rec := serveRoute(app, ctrl, httptest.NewRequest(http.MethodGet, "/orders/1", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"name":"espresso"}`, rec.Body.String())
	})

	t.Run("APIError keeps status and the error body shape", func(t *testing.T) {
		t.Parallel()

		ctrl := NewController("orders", newOrdersController).
			Get("/orders/{id}", "get_order", func(ctx context.Context, c *ordersController, req *Request) (any, error) {
				return nil, ErrNotFound404("order not found")
			})

		rec := serveRoute(newShopApp(nil), ctrl, httptest.NewRequest(http.MethodGet, "/orders/9", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.JSONEq(t, `{"error":"order not found","code":404}`, rec.Body.String())
	})

	t.Run("unexpected errors are opaque 500s", func(t *testing.T) {
		t.Parallel()

		ctrl := NewController("orders", newOrdersController).
			Get("/boom", "boom", func(ctx context.Context, c *ordersController, req *Request) (any, error) {
				return nil, errors.New("pq: connection reset")
			})

		rec := serveRoute(newShopApp(nil), ctrl, httptest.NewRequest(http.MethodGet, "/boom", nil))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.NotContains(t, rec.Body.String(), "pq:")
		assert.JSONEq(t, `{"error":"internal server error","code":500}`, rec.Body.String())
	})

	t.Run("Status option overrides the success status", func(t *testing.T) {
		t.Parallel()

		ctrl := NewController("orders", newOrdersController).
			Post("/orders", "create_order", func(ctx context.Context, c *ordersController, req *Request) (any, error) {
				return map[string]string{"id": "2"}, nil
			}, Status(http.StatusCreated))

		rec := serveRoute(newShopApp(nil), ctrl, httptest.NewRequest(http.MethodPost, "/orders", nil))
		assert.Equal(t, http.StatusCreated, rec.Code)
	})

	t.Run("Response return takes full control", func(t *testing.T) {
		t.Parallel()

		ctrl := NewController("orders", newOrdersController).
			Get("/teapot", "teapot", func(ctx context.Context, c *ordersController, req *Request) (any, error) {
				h := http.Header{}
				h.Set("X-Kind", "teapot")
				return &Response{Status: http.StatusTeapot, Header: h, Body: map[string]bool{"short": true}}, nil
			})

		rec := serveRoute(newShopApp(nil), ctrl, httptest.NewRequest(http.MethodGet, "/teapot", nil))
		assert.Equal(t, http.StatusTeapot, rec.Code)
		assert.Equal(t, "teapot", rec.Header().Get("X-Kind"))
	})

	t.Run("DecodeBody rejects invalid payloads with 400", func(t *testing.T) {
		t.Parallel()

		type createOrder struct {
			Name string `json:"name" validate:"required"`
		}
		ctrl := NewController("orders", newOrdersController).
			Post("/orders", "create_order", func(ctx context.Context, c *ordersController, req *Request) (any, error) {
				body, err := DecodeBody[createOrder](req)
				if err != nil {
					return nil, err
				}
				return map[string]string{"name": body.Name}, nil
			})

		rec := serveRoute(newShopApp(nil), ctrl,
			httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(`{"name":""}`)))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "Name")

		rec = serveRoute(newShopApp(nil), ctrl,
			httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(`{not json`)))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestControllerIdentity(t *testing.T) {
	t.Parallel()

	authed := NewController("orders", newOrdersController).
		RequireIdentity().
		Get("/me", "whoami", func(ctx context.Context, c *ordersController, req *Request) (any, error) {
			return map[string]string{"sub": c.identity.Sub()}, nil
		})

	t.Run("provider identity reaches the constructor", func(t *testing.T) {
		t.Parallel()

		app := newShopApp(staticProvider{identity: staticIdentity{sub: "u-1"}})
		rec := serveRoute(app, authed, httptest.NewRequest(http.MethodGet, "/me", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"sub":"u-1"}`, rec.Body.String())
	})

	t.Run("provider rejection short-circuits", func(t *testing.T) {
		t.Parallel()

		app := newShopApp(staticProvider{reject: RejectJSON(http.StatusUnauthorized, "bad token")})
		rec := serveRoute(app, authed, httptest.NewRequest(http.MethodGet, "/me", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.JSONEq(t, `{"error":"bad token","code":401}`, rec.Body.String())
	})

	t.Run("no provider configured yields 401", func(t *testing.T) {
		t.Parallel()

		rec := serveRoute(newShopApp(nil), authed, httptest.NewRequest(http.MethodGet, "/me", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("routes without identity see NoIdentity", func(t *testing.T) {
		t.Parallel()

		anon := NewController("orders", newOrdersController).
			Get("/anon", "anon", func(ctx context.Context, c *ordersController, req *Request) (any, error) {
				_, isAnon := req.Identity().(NoIdentity)
				return map[string]bool{"anonymous": isAnon}, nil
			})

		app := newShopApp(staticProvider{identity: staticIdentity{sub: "u-1"}})
		rec := serveRoute(app, anon, httptest.NewRequest(http.MethodGet, "/anon", nil))
		assert.JSONEq(t, `{"anonymous":true}`, rec.Body.String())
	})
}

func TestControllerGuards(t *testing.T) {
	t.Parallel()

	t.Run("roles imply identity and reject mismatches", func(t *testing.T) {
		t.Parallel()

		ctrl := NewController("orders", newOrdersController).
			Delete("/orders/{id}", "delete_order", func(ctx context.Context, c *ordersController, req *Request) (any, error) {
				return nil, nil
			}, Roles("admin"))

		app := newShopApp(staticProvider{identity: staticIdentity{sub: "u-1", roles: []string{"viewer"}}})
		rec := serveRoute(app, ctrl, httptest.NewRequest(http.MethodDelete, "/orders/1", nil))
		assert.Equal(t, http.StatusForbidden, rec.Code)

		app = newShopApp(staticProvider{identity: staticIdentity{sub: "u-2", roles: []string{"admin"}}})
		rec = serveRoute(app, ctrl, httptest.NewRequest(http.MethodDelete, "/orders/1", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("pre-auth guards run before identity extraction", func(t *testing.T) {
		t.Parallel()

		var order []string
		provider := staticProvider{identity: staticIdentity{sub: "u-1"}}
		recording := PreAuthGuardFunc(func(ctx context.Context, gc *PreAuthGuardContext) error {
			order = append(order, "preauth")
			return RejectJSON(http.StatusServiceUnavailable, "maintenance")
		})

		ctrl := NewController("orders", func(ctx context.Context, rs *RequestScope[shopState]) (*ordersController, error) {
			order = append(order, "construct")
			return newOrdersController(ctx, rs)
		}).
			RequireIdentity().
			Get("/x", "x", func(ctx context.Context, c *ordersController, req *Request) (any, error) {
				order = append(order, "body")
				return nil, nil
			}, PreAuth(recording))

		rec := serveRoute(newShopApp(provider), ctrl, httptest.NewRequest(http.MethodGet, "/x", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, []string{"preauth"}, order)
	})

	t.Run("post-auth guards see identity and path params", func(t *testing.T) {
		t.Parallel()

		owner := GuardFunc(func(ctx context.Context, gc *GuardContext) error {
			if gc.Identity.Sub() != gc.PathParams["user"] {
				return RejectJSON(http.StatusForbidden, "not your resource")
			}
			return nil
		})

		ctrl := NewController("orders", newOrdersController).
			RequireIdentity().
			Get("/users/{user}/orders", "list_orders", func(ctx context.Context, c *ordersController, req *Request) (any, error) {
				return []string{}, nil
			}, Guarded(owner))

		app := newShopApp(staticProvider{identity: staticIdentity{sub: "u-1"}})
		rec := serveRoute(app, ctrl, httptest.NewRequest(http.MethodGet, "/users/u-2/orders", nil))
		assert.Equal(t, http.StatusForbidden, rec.Code)

		rec = serveRoute(app, ctrl, httptest.NewRequest(http.MethodGet, "/users/u-1/orders", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("guard failure acquires no managed resource", func(t *testing.T) {
		t.Parallel()

		var log []string
		deny := GuardFunc(func(ctx context.Context, gc *GuardContext) error {
			log = append(log, "guard")
			return RejectJSON(http.StatusForbidden, "no")
		})

		ctrl := NewController("orders", newOrdersController).
			Get("/x", "x", func(ctx context.Context, c *ordersController, req *Request) (any, error) {
				return nil, nil
			},
				Guarded(deny),
				Managed("conn", func() ManagedResource { return &fakeResource{name: "conn", log: &log} }),
			)

		rec := serveRoute(newShopApp(nil), ctrl, httptest.NewRequest(http.MethodGet, "/x", nil))
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, []string{"guard"}, log)
	})

	t.Run("rate limit guard returns 429 past the bound", func(t *testing.T) {
		t.Parallel()

		ctrl := NewController("orders", newOrdersController).
			Get("/limited", "limited", func(ctx context.Context, c *ordersController, req *Request) (any, error) {
				return nil, nil
			}, Guarded(RateLimit(2, time.Minute)))

		app := newShopApp(nil)
		router := ctrl.Routes(app)
		codes := make([]int, 0, 3)
		for i := 0; i < 3; i++ {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/limited", nil))
			codes = append(codes, rec.Code)
		}
		assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
	})

	t.Run("rate limit keys anonymous callers by remote address", func(t *testing.T) {
		t.Parallel()

		ctrl := NewController("orders", newOrdersController).
			Get("/limited", "limited", func(ctx context.Context, c *ordersController, req *Request) (any, error) {
				return nil, nil
			}, Guarded(RateLimit(1, time.Minute)))

		app := newShopApp(nil)
		router := ctrl.Routes(app)
		hit := func(remote string) int {
			rec := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodGet, "/limited", nil)
			r.RemoteAddr = remote
			router.ServeHTTP(rec, r)
			return rec.Code
		}

		assert.Equal(t, http.StatusOK, hit("198.51.100.7:4001"))
		assert.Equal(t, http.StatusTooManyRequests, hit("198.51.100.7:4001"))
		assert.Equal(t, http.StatusOK, hit("198.51.100.8:4001"))
	})
}

type fakeResource struct {
	name        string
	log         *[]string
	failAcquire bool
	failRelease bool
}

func (r *fakeResource) Acquire(ctx context.Context, state any) error {
	if r.failAcquire {
		*r.log = append(*r.log, "acquire_fail:"+r.name)
		return fmt.Errorf("acquire %s: pool exhausted", r.name)
	}
	*r.log = append(*r.log, "acquire:"+r.name)
	return nil
}

func (r *fakeResource) Release(ctx context.Context, success bool) error {
	*r.log = append(*r.log, fmt.Sprintf("release:%s:%v", r.name, success))
	if r.failRelease {
		return fmt.Errorf("release %s: commit failed", r.name)
	}
	return nil
}

func TestManagedResources(t *testing.T) {
	t.Parallel()

	t.Run("acquire in order, release in reverse with success", func(t *testing.T) {
		t.Parallel()

		var log []string
		ctrl := NewController("orders", newOrdersController).
			Post("/orders", "create", func(ctx context.Context, c *ordersController, req *Request) (any, error) {
				log = append(log, "body")
				_ = ManagedOf[*fakeResource](req, "tx")
				return nil, nil
			},
				Managed("conn", func() ManagedResource { return &fakeResource{name: "conn", log: &log} }),
				Managed("tx", func() ManagedResource { return &fakeResource{name: "tx", log: &log} }),
			)

		rec := serveRoute(newShopApp(nil), ctrl, httptest.NewRequest(http.MethodPost, "/orders", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, []string{
			"acquire:conn", "acquire:tx", "body",
			"release:tx:true", "release:conn:true",
		}, log)
	})

	t.Run("body error releases with success=false", func(t *testing.T) {
		t.Parallel()

		var log []string
		ctrl := NewController("orders", newOrdersController).
			Post("/orders", "create", func(ctx context.Context, c *ordersController, req *Request) (any, error) {
				return nil, ErrBadRequest400("invalid order")
			},
				Managed("conn", func() ManagedResource { return &fakeResource{name: "conn", log: &log} }),
			)

		rec := serveRoute(newShopApp(nil), ctrl, httptest.NewRequest(http.MethodPost, "/orders", nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, []string{"acquire:conn", "release:conn:false"}, log)
	})

	t.Run("acquire failure aborts without releases", func(t *testing.T) {
		t.Parallel()

		var log []string
		bodyRan := false
		ctrl := NewController("orders", newOrdersController).
			Post("/orders", "create", func(ctx context.Context, c *ordersController, req *Request) (any, error) {
				bodyRan = true
				return nil, nil
			},
				Managed("conn", func() ManagedResource { return &fakeResource{name: "conn", log: &log} }),
				Managed("tx", func() ManagedResource { return &fakeResource{name: "tx", log: &log, failAcquire: true} }),
			)

		rec := serveRoute(newShopApp(nil), ctrl, httptest.NewRequest(http.MethodPost, "/orders", nil))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.False(t, bodyRan)
		assert.Equal(t, []string{"acquire:conn", "acquire_fail:tx"}, log)
	})

	t.Run("release failure overrides a success body", func(t *testing.T) {
		t.Parallel()

		var log []string
		ctrl := NewController("orders", newOrdersController).
			Post("/orders", "create", func(ctx context.Context, c *ordersController, req *Request) (any, error) {
				return map[string]string{"id": "2"}, nil
			},
				Managed("conn", func() ManagedResource { return &fakeResource{name: "conn", log: &log} }),
				Managed("tx", func() ManagedResource { return &fakeResource{name: "tx", log: &log, failRelease: true} }),
			)

		rec := serveRoute(newShopApp(nil), ctrl, httptest.NewRequest(http.MethodPost, "/orders", nil))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		// Both releases still ran.
		assert.Equal(t, []string{
			"acquire:conn", "acquire:tx",
			"release:tx:true", "release:conn:true",
		}, log)
	})

	t.Run("body panic still releases with success=false", func(t *testing.T) {
		t.Parallel()

		var log []string
		ctrl := NewController("orders", newOrdersController).
			Post("/orders", "create", func(ctx context.Context, c *ordersController, req *Request) (any, error) {
				panic("nil map write")
			},
				Managed("conn", func() ManagedResource { return &fakeResource{name: "conn", log: &log} }),
			)

		rec := serveRoute(newShopApp(nil), ctrl, httptest.NewRequest(http.MethodPost, "/orders", nil))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, []string{"acquire:conn", "release:conn:false"}, log)
	})
}

type fakeTx struct {
	log *[]string
}

func (tx *fakeTx) Commit(ctx context.Context) error {
	*tx.log = append(*tx.log, "commit")
	return nil
}

func (tx *fakeTx) Rollback(ctx context.Context) error {
	*tx.log = append(*tx.log, "rollback")
	return nil
}

type fakeTransactor struct {
	log *[]string
}

func (tr *fakeTransactor) Begin(ctx context.Context) (Tx, error) {
	*tr.log = append(*tr.log, "begin")
	return &fakeTx{log: tr.log}, nil
}

func TestInterceptors(t *testing.T) {
	t.Parallel()

	tag := func(name string, log *[]string) Interceptor {
		return InterceptorFunc(func(ctx context.Context, ic *InterceptContext, next Next) (any, error) {
			*log = append(*log, name+":in")
			result, err := next(ctx)
			*log = append(*log, name+":out")
			return result, err
		})
	}

	t.Run("controller interceptors wrap outside route ones", func(t *testing.T) {
		t.Parallel()

		var log []string
		ctrl := NewController("orders", newOrdersController).
			Intercept(tag("ctrl", &log)).
			Get("/x", "x", func(ctx context.Context, c *ordersController, req *Request) (any, error) {
				log = append(log, "body")
				return nil, nil
			}, Intercept(tag("route", &log)))

		serveRoute(newShopApp(nil), ctrl, httptest.NewRequest(http.MethodGet, "/x", nil))
		assert.Equal(t, []string{"ctrl:in", "route:in", "body", "route:out", "ctrl:out"}, log)
	})

	t.Run("transactional is innermost: begin, body, commit", func(t *testing.T) {
		t.Parallel()

		var log []string
		transactor := &fakeTransactor{log: &log}
		ctrl := NewController("orders", newOrdersController).
			Post("/orders", "create", func(ctx context.Context, c *ordersController, req *Request) (any, error) {
				log = append(log, "body")
				return nil, nil
			},
				Intercept(tag("route", &log)),
				Transactional(func(state any) Transactor { return transactor }),
			)

		serveRoute(newShopApp(nil), ctrl, httptest.NewRequest(http.MethodPost, "/orders", nil))
		assert.Equal(t, []string{"route:in", "begin", "body", "commit", "route:out"}, log)
	})

	t.Run("transactional rolls back on body error", func(t *testing.T) {
		t.Parallel()

		var log []string
		transactor := &fakeTransactor{log: &log}
		ctrl := NewController("orders", newOrdersController).
			Post("/orders", "create", func(ctx context.Context, c *ordersController, req *Request) (any, error) {
				return nil, ErrBadRequest400("no stock")
			},
				Transactional(func(state any) Transactor { return transactor }),
			)

		rec := serveRoute(newShopApp(nil), ctrl, httptest.NewRequest(http.MethodPost, "/orders", nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, []string{"begin", "rollback"}, log)
	})

	t.Run("cache interceptor skips the body on a hit", func(t *testing.T) {
		// Not parallel: swaps the process-wide cache backend.
		prev := currentCacheBackend()
		SetCacheBackend(NewMemoryCache())
		defer SetCacheBackend(prev)

		calls := 0
		ctrl := NewController("orders", newOrdersController).
			Get("/specials", "specials", func(ctx context.Context, c *ordersController, req *Request) (any, error) {
				calls++
				return map[string]string{"special": "flat white"}, nil
			}, Intercept(CacheTTL(60)))

		app := newShopApp(nil)
		router := ctrl.Routes(app)
		for i := 0; i < 3; i++ {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/specials", nil))
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.JSONEq(t, `{"special":"flat white"}`, rec.Body.String())
		}
		assert.Equal(t, 1, calls)
	})
}

func TestControllerValidate(t *testing.T) {
	t.Parallel()

	body := func(ctx context.Context, c *ordersController, req *Request) (any, error) { return nil, nil }

	t.Run("route identity conflicts with controller identity", func(t *testing.T) {
		t.Parallel()

		ctrl := NewController("orders", newOrdersController).
			RequireIdentity().
			Get("/x", "x", body, RequireIdentity())

		err := ctrl.Validate()
		var comp CompositionError
		require.ErrorAs(t, err, &comp)
		assert.Equal(t, "orders", comp.Controller)
		assert.Equal(t, "x", comp.Route)
		assert.ErrorIs(t, err, ErrControllerInvalid)
	})

	t.Run("managed and transactional are mutually exclusive", func(t *testing.T) {
		t.Parallel()

		ctrl := NewController("orders", newOrdersController).
			Post("/x", "x", body,
				Managed("conn", func() ManagedResource { return &fakeResource{name: "conn", log: &[]string{}} }),
				Transactional(func(state any) Transactor { return &fakeTransactor{log: &[]string{}} }),
			)

		var comp CompositionError
		require.ErrorAs(t, ctrl.Validate(), &comp)
	})

	t.Run("consumers forbid a controller identity", func(t *testing.T) {
		t.Parallel()

		ctrl := NewController("orders", newOrdersController).RequireIdentity()
		Consume(ctrl, func(s *shopState) *Bus { return s.Bus }, func(ctx context.Context, c *ordersController, e *orderPlaced) error {
			return nil
		})

		var comp CompositionError
		require.ErrorAs(t, ctrl.Validate(), &comp)
	})

	t.Run("identity plus tasks require ConstructFromState", func(t *testing.T) {
		t.Parallel()

		ctrl := NewController("orders", newOrdersController).
			RequireIdentity().
			Schedule("sweep", Every(time.Minute), func(ctx context.Context, c *ordersController) error { return nil })
		require.Error(t, ctrl.Validate())

		ctrl.ConstructFromState(func(s *shopState) (*ordersController, error) {
			return &ordersController{store: s.Store, identity: NoIdentity{}}, nil
		})
		require.NoError(t, ctrl.Validate())
	})
}

type orderPlaced struct {
	ID string
}

func TestControllerConsumersAndTasks(t *testing.T) {
	t.Parallel()

	t.Run("consumer constructs from state per delivery", func(t *testing.T) {
		t.Parallel()

		got := make(chan string, 1)
		ctrl := NewController("orders", newOrdersController)
		Consume(ctrl, func(s *shopState) *Bus { return s.Bus }, func(ctx context.Context, c *ordersController, e *orderPlaced) error {
			got <- c.store.orders[e.ID]
			return nil
		})

		app := newShopApp(nil)
		require.NoError(t, ctrl.RegisterConsumers(app))

		require.NoError(t, app.State.Bus.EmitAndWait(context.Background(), &orderPlaced{ID: "1"}))
		select {
		case name := <-got:
			assert.Equal(t, "espresso", name)
		default:
			t.Fatal("consumer did not run")
		}
	})

	t.Run("scheduled task runs against a state-built controller", func(t *testing.T) {
		t.Parallel()

		ran := make(chan struct{}, 1)
		ctrl := NewController("orders", newOrdersController).
			Schedule("sweep", Every(time.Minute), func(ctx context.Context, c *ordersController) error {
				require.NotNil(t, c.store)
				ran <- struct{}{}
				return nil
			})

		app := newShopApp(nil)
		tasks := ctrl.ScheduledTasks(app)
		require.Len(t, tasks, 1)
		assert.Equal(t, "orders.sweep", tasks[0].Name)

		require.NoError(t, tasks[0].Run(context.Background()))
		select {
		case <-ran:
		default:
			t.Fatal("task did not run")
		}
	})
}

func TestControllerMeta(t *testing.T) {
	t.Parallel()

	type orderReply struct {
		Name string `json:"name"`
	}
	ctrl := NewController("orders", newOrdersController).
		Prefix("/orders").
		RequireIdentity().
		Get("/{id}", "get_order", func(ctx context.Context, c *ordersController, req *Request) (any, error) {
			return nil, nil
		},
			Summary("Fetch one order"),
			Deprecated(),
			Roles("admin"),
			Produces[orderReply](),
		)

	meta := NewMetaRegistry()
	ctrl.RegisterMeta(meta)

	routes := MetaOf[RouteInfo](meta)
	require.Len(t, routes, 1)
	info := routes[0]
	assert.Equal(t, "orders", info.Controller)
	assert.Equal(t, "get_order", info.OperationID)
	assert.Equal(t, http.MethodGet, info.Method)
	assert.Equal(t, "/orders/{id}", info.Path)
	assert.Equal(t, "Fetch one order", info.Summary)
	assert.True(t, info.Deprecated)
	assert.True(t, info.Authed)
	assert.Equal(t, []string{"admin"}, info.Roles)
	assert.Equal(t, "orderReply", info.ReplyType)
}
