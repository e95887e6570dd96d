// Package openapi turns the route metadata deposited by loom
// controllers into an OpenAPI 3.0 document and serves it as JSON.
package openapi

import (
	"encoding/json"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/swaggest/openapi-go/openapi3"

	"github.com/loomhq/loom"
)

const bearerScheme = "bearerAuth"

// Option configures the generated document.
type Option func(*builder)

// Title sets the API title.
func Title(s string) Option {
	return func(b *builder) { b.title = s }
}

// Version sets the API version.
func Version(s string) Option {
	return func(b *builder) { b.version = s }
}

// Path sets the route the document is served at. Defaults to
// /openapi.json.
func Path(p string) Option {
	return func(b *builder) { b.path = p }
}

type builder struct {
	title   string
	version string
	path    string
}

// Plugin installs a meta consumer that builds the document from every
// registered route and mounts the JSON handler.
func Plugin[S any](opts ...Option) loom.TypedPlugin[S] {
	b := &builder{title: "API", version: "0.0.0", path: "/openapi.json"}
	for _, opt := range opts {
		opt(b)
	}
	return loom.TypedPluginFunc[S](func(tb *loom.TypedBuilder[S]) *loom.TypedBuilder[S] {
		return loom.WithMetaConsumer(tb, func(routes []loom.RouteInfo) *loom.Router {
			spec := b.build(routes)
			rt := loom.NewRouter()
			rt.Route(http.MethodGet, b.path, func(w http.ResponseWriter, r *http.Request) {
				payload, err := json.Marshal(spec)
				if err != nil {
					w.WriteHeader(http.StatusInternalServerError)
					return
				}
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				_, _ = w.Write(payload)
			})
			return rt
		})
	})
}

// Build produces the document without mounting a handler, for tooling
// that writes the spec to disk.
func Build(routes []loom.RouteInfo, opts ...Option) *openapi3.Spec {
	b := &builder{title: "API", version: "0.0.0"}
	for _, opt := range opts {
		opt(b)
	}
	return b.build(routes)
}

func (b *builder) build(routes []loom.RouteInfo) *openapi3.Spec {
	spec := &openapi3.Spec{Openapi: "3.0.3"}
	spec.Info.Title = b.title
	spec.Info.Version = b.version

	// Deterministic document regardless of registration order.
	sorted := append([]loom.RouteInfo(nil), routes...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Path != sorted[j].Path {
			return sorted[i].Path < sorted[j].Path
		}
		return sorted[i].Method < sorted[j].Method
	})

	authed := false
	for _, route := range sorted {
		if route.Authed {
			authed = true
		}
		_ = spec.AddOperation(strings.ToLower(route.Method), route.Path, operationFor(route))
	}

	if authed {
		spec.Components = &openapi3.Components{
			SecuritySchemes: &openapi3.ComponentsSecuritySchemes{
				MapOfSecuritySchemeOrRefValues: map[string]openapi3.SecuritySchemeOrRef{
					bearerScheme: {
						SecurityScheme: &openapi3.SecurityScheme{
							HTTPSecurityScheme: &openapi3.HTTPSecurityScheme{
								Scheme:       "bearer",
								BearerFormat: strPtr("JWT"),
							},
						},
					},
				},
			},
		}
	}

	return spec
}

func operationFor(route loom.RouteInfo) openapi3.Operation {
	op := openapi3.Operation{}
	op.ID = strPtr(route.OperationID)
	if route.Summary != "" {
		op.Summary = strPtr(route.Summary)
	}
	if route.Description != "" {
		op.Description = strPtr(route.Description)
	}
	if route.Deprecated {
		deprecated := true
		op.Deprecated = &deprecated
	}
	if route.Controller != "" {
		op.Tags = []string{route.Controller}
	}
	if route.Authed {
		op.Security = []map[string][]string{{bearerScheme: route.Roles}}
	}

	for _, name := range pathParams(route.Path) {
		required := true
		op.Parameters = append(op.Parameters, openapi3.ParameterOrRef{
			Parameter: &openapi3.Parameter{
				Name:     name,
				In:       openapi3.ParameterInPath,
				Required: &required,
				Schema: &openapi3.SchemaOrRef{
					Schema: &openapi3.Schema{Type: typePtr(openapi3.SchemaTypeString)},
				},
			},
		})
	}

	if route.RequestType != "" {
		op.RequestBody = &openapi3.RequestBodyOrRef{
			RequestBody: &openapi3.RequestBody{
				Content: map[string]openapi3.MediaType{
					"application/json": objectMedia(route.RequestType),
				},
			},
		}
	}

	status := route.Status
	if status == 0 {
		status = http.StatusOK
	}
	response := openapi3.Response{Description: http.StatusText(status)}
	if route.ReplyType != "" {
		response.Content = map[string]openapi3.MediaType{
			"application/json": objectMedia(route.ReplyType),
		}
	}
	op.Responses.MapOfResponseOrRefValues = map[string]openapi3.ResponseOrRef{
		strconv.Itoa(status): {Response: &response},
	}

	return op
}

func objectMedia(typeName string) openapi3.MediaType {
	return openapi3.MediaType{
		Schema: &openapi3.SchemaOrRef{
			Schema: &openapi3.Schema{
				Type:  typePtr(openapi3.SchemaTypeObject),
				Title: strPtr(typeName),
			},
		},
	}
}

var pathParamPattern = regexp.MustCompile(`\{([^}]+)\}`)

func pathParams(path string) []string {
	matches := pathParamPattern.FindAllStringSubmatch(path, -1)
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, m[1])
	}
	return names
}

func strPtr(s string) *string { return &s }

func typePtr(t openapi3.SchemaType) *openapi3.SchemaType { return &t }
