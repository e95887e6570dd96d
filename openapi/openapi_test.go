package openapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom"
)

func sampleRoutes() []loom.RouteInfo {
	return []loom.RouteInfo{
		{
			Controller:  "orders",
			OperationID: "get_order",
			Method:      http.MethodGet,
			Path:        "/orders/{id}",
			Status:      http.StatusOK,
			Summary:     "Fetch one order",
			ReplyType:   "OrderReply",
		},
		{
			Controller:  "orders",
			OperationID: "create_order",
			Method:      http.MethodPost,
			Path:        "/orders",
			Status:      http.StatusCreated,
			Authed:      true,
			Roles:       []string{"admin"},
			RequestType: "CreateOrder",
			Deprecated:  true,
		},
	}
}

func TestBuild(t *testing.T) {
	t.Parallel()

	spec := Build(sampleRoutes(), Title("Shop API"), Version("1.2.3"))

	assert.Equal(t, "Shop API", spec.Info.Title)
	assert.Equal(t, "1.2.3", spec.Info.Version)

	get, ok := spec.Paths.MapOfPathItemValues["/orders/{id}"].MapOfOperationValues["get"]
	require.True(t, ok)
	require.NotNil(t, get.ID)
	assert.Equal(t, "get_order", *get.ID)
	assert.Equal(t, []string{"orders"}, get.Tags)
	require.Len(t, get.Parameters, 1)
	assert.Equal(t, "id", get.Parameters[0].Parameter.Name)
	_, ok = get.Responses.MapOfResponseOrRefValues["200"]
	assert.True(t, ok)

	post, ok := spec.Paths.MapOfPathItemValues["/orders"].MapOfOperationValues["post"]
	require.True(t, ok)
	require.NotNil(t, post.Deprecated)
	assert.True(t, *post.Deprecated)
	require.NotNil(t, post.RequestBody)
	require.Len(t, post.Security, 1)
	assert.Equal(t, []string{"admin"}, post.Security[0][bearerScheme])
	_, ok = post.Responses.MapOfResponseOrRefValues["201"]
	assert.True(t, ok)

	// An authed route pulls in the bearer security scheme.
	require.NotNil(t, spec.Components)
	require.NotNil(t, spec.Components.SecuritySchemes)
	_, ok = spec.Components.SecuritySchemes.MapOfSecuritySchemeOrRefValues[bearerScheme]
	assert.True(t, ok)
}

func TestBuildWithoutAuthedRoutes(t *testing.T) {
	t.Parallel()

	spec := Build([]loom.RouteInfo{{
		OperationID: "ping",
		Method:      http.MethodGet,
		Path:        "/ping",
	}})
	assert.Nil(t, spec.Components)
}

func TestPluginServesJSON(t *testing.T) {
	t.Parallel()

	type emptyState struct{}
	listing := loom.NewController("orders", func(ctx context.Context, rs *loom.RequestScope[emptyState]) (struct{}, error) {
		return struct{}{}, nil
	}).Get("/orders/{id}", "get_order", func(ctx context.Context, c struct{}, req *loom.Request) (any, error) {
		return nil, nil
	})

	router, err := loom.New[emptyState]().
		BuildState(context.Background()).
		RegisterController(listing).
		With(Plugin[emptyState](Title("Shop API"))).
		Build()
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/openapi.json", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, "3.0.3", doc["openapi"])

	info, ok := doc["info"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Shop API", info["title"])

	paths, ok := doc["paths"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, paths, "/orders/{id}")
}
