// Package openapi provides reflective OpenAPI 3.0 description of the control
// plane methods.
package openapi

import (
	"encoding/json"
	"net/http"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
)

// =============================================================================
// Generator
// =============================================================================

// Generator produces an OpenAPI 3.0 document by reflecting on the parameter
// and result models of registered methods.
type Generator struct {
	title       string
	version     string
	description string
	servers     []string
	methods     []MethodInfo
	mu          sync.RWMutex
	cachedSpec  *openapi3.T
}

// MethodInfo describes one method for document generation.
type MethodInfo struct {
	Name        string      // Full method name (e.g., "app.deploy")
	Description string      // One line summary
	Params      []ParamInfo // Named arguments in positional order
	Result      any         // Sample result value for schema extraction; nil means untyped
}

// ParamInfo describes one argument of a method.
type ParamInfo struct {
	Name     string
	Model    any // Sample value whose Go type is reflected into a schema
	Required bool
}

// Option configures the generator.
type Option func(*Generator)

// WithTitle sets the API title.
func WithTitle(title string) Option {
	return func(g *Generator) {
		g.title = title
	}
}

// WithVersion sets the API version.
func WithVersion(version string) Option {
	return func(g *Generator) {
		g.version = version
	}
}

// WithDescription sets the API description.
func WithDescription(description string) Option {
	return func(g *Generator) {
		g.description = description
	}
}

// WithServer adds a server URL.
func WithServer(url string) Option {
	return func(g *Generator) {
		g.servers = append(g.servers, url)
	}
}

// NewGenerator creates a new OpenAPI generator.
func NewGenerator(opts ...Option) *Generator {
	g := &Generator{
		title:       "Shipyard Control Plane",
		version:     "1.0.0",
		description: "Single-host deployment control plane",
	}

	for _, opt := range opts {
		opt(g)
	}

	return g
}

// RegisterMethod adds a method to the document.
func (g *Generator) RegisterMethod(info MethodInfo) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.methods = append(g.methods, info)
	g.cachedSpec = nil
}

// Generate produces the complete OpenAPI 3.0 document.
func (g *Generator) Generate() *openapi3.T {
	g.mu.RLock()
	if g.cachedSpec != nil {
		spec := g.cachedSpec
		g.mu.RUnlock()
		return spec
	}
	g.mu.RUnlock()

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.cachedSpec != nil {
		return g.cachedSpec
	}

	spec := &openapi3.T{
		OpenAPI: "3.0.3",
		Info: &openapi3.Info{
			Title:       g.title,
			Version:     g.version,
			Description: g.description,
		},
		Servers: make(openapi3.Servers, 0, len(g.servers)),
		Paths:   &openapi3.Paths{},
		Components: &openapi3.Components{
			Schemas: make(openapi3.Schemas),
		},
	}

	for _, url := range g.servers {
		spec.Servers = append(spec.Servers, &openapi3.Server{URL: url})
	}

	g.addCommonSchemas(spec)

	methods := append([]MethodInfo(nil), g.methods...)
	sort.Slice(methods, func(i, j int) bool { return methods[i].Name < methods[j].Name })
	for _, m := range methods {
		g.addMethodToSpec(spec, m)
	}

	g.cachedSpec = spec
	return spec
}

// Handler returns an HTTP handler that serves the OpenAPI document.
func (g *Generator) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		spec := g.Generate()

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")

		if err := json.NewEncoder(w).Encode(spec); err != nil {
			http.Error(w, "Failed to encode OpenAPI spec", http.StatusInternalServerError)
		}
	}
}

// =============================================================================
// Schema Generation
// =============================================================================

// addCommonSchemas adds the response envelope schemas shared by every method.
func (g *Generator) addCommonSchemas(spec *openapi3.T) {
	spec.Components.Schemas["Error"] = &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type: &openapi3.Types{"object"},
			Properties: openapi3.Schemas{
				"method": &openapi3.SchemaRef{
					Value: &openapi3.Schema{Type: &openapi3.Types{"string"}},
				},
				"kind": &openapi3.SchemaRef{
					Value: &openapi3.Schema{Type: &openapi3.Types{"string"}},
				},
				"message": &openapi3.SchemaRef{
					Value: &openapi3.Schema{Type: &openapi3.Types{"string"}},
				},
			},
			Required: []string{"kind", "message"},
		},
	}

	spec.Components.Schemas["Response"] = &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type: &openapi3.Types{"object"},
			Properties: openapi3.Schemas{
				"id": &openapi3.SchemaRef{
					Value: &openapi3.Schema{Type: &openapi3.Types{"string"}},
				},
				"result": &openapi3.SchemaRef{
					Value: &openapi3.Schema{},
				},
				"error": &openapi3.SchemaRef{
					Ref: "#/components/schemas/Error",
				},
			},
		},
	}

	spec.Components.Schemas["Request"] = &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type: &openapi3.Types{"object"},
			Properties: openapi3.Schemas{
				"id": &openapi3.SchemaRef{
					Value: &openapi3.Schema{Type: &openapi3.Types{"string"}},
				},
				"method": &openapi3.SchemaRef{
					Value: &openapi3.Schema{Type: &openapi3.Types{"string"}},
				},
				"args": &openapi3.SchemaRef{
					Value: &openapi3.Schema{
						OneOf: openapi3.SchemaRefs{
							&openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"array"}}},
							&openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"object"}}},
						},
					},
				},
			},
			Required: []string{"method"},
		},
	}

	spec.Paths.Set("/rpc", &openapi3.PathItem{
		Post: &openapi3.Operation{
			OperationID: "call",
			Summary:     "Call any method",
			Tags:        []string{"RPC"},
			RequestBody: &openapi3.RequestBodyRef{
				Value: openapi3.NewRequestBody().
					WithRequired(true).
					WithJSONSchemaRef(&openapi3.SchemaRef{Ref: "#/components/schemas/Request"}),
			},
			Responses: envelopeResponses(&openapi3.SchemaRef{Ref: "#/components/schemas/Response"}),
		},
	})
}

// addMethodToSpec adds a POST /rpc/{method} path whose body is the named
// arguments object.
func (g *Generator) addMethodToSpec(spec *openapi3.T, m MethodInfo) {
	schemaName := schemaNameOf(m.Name)

	params := &openapi3.Schema{
		Type:       &openapi3.Types{"object"},
		Properties: make(openapi3.Schemas),
	}
	for _, p := range m.Params {
		params.Properties[p.Name] = g.modelSchema(p.Model)
		if p.Required {
			params.Required = append(params.Required, p.Name)
		}
	}
	spec.Components.Schemas[schemaName+"Args"] = &openapi3.SchemaRef{Value: params}

	result := &openapi3.SchemaRef{Value: &openapi3.Schema{}}
	if m.Result != nil {
		result = g.modelSchema(m.Result)
	}
	spec.Components.Schemas[schemaName+"Result"] = result

	spec.Components.Schemas[schemaName+"Response"] = &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type: &openapi3.Types{"object"},
			Properties: openapi3.Schemas{
				"result": &openapi3.SchemaRef{
					Ref: "#/components/schemas/" + schemaName + "Result",
				},
				"error": &openapi3.SchemaRef{
					Ref: "#/components/schemas/Error",
				},
			},
		},
	}

	tag, _, _ := strings.Cut(m.Name, ".")
	op := &openapi3.Operation{
		OperationID: m.Name,
		Summary:     m.Description,
		Tags:        []string{capitalize(tag)},
		Responses:   envelopeResponses(&openapi3.SchemaRef{Ref: "#/components/schemas/" + schemaName + "Response"}),
	}
	if len(m.Params) > 0 {
		op.RequestBody = &openapi3.RequestBodyRef{
			Value: openapi3.NewRequestBody().
				WithRequired(len(params.Required) > 0).
				WithJSONSchemaRef(&openapi3.SchemaRef{Ref: "#/components/schemas/" + schemaName + "Args"}),
		}
	}

	spec.Paths.Set("/rpc/"+m.Name, &openapi3.PathItem{Post: op})
}

func envelopeResponses(schema *openapi3.SchemaRef) *openapi3.Responses {
	return openapi3.NewResponses(openapi3.WithStatus(http.StatusOK, &openapi3.ResponseRef{
		Value: openapi3.NewResponse().
			WithDescription("Result or structured error").
			WithJSONSchemaRef(schema),
	}))
}

func (g *Generator) modelSchema(model any) *openapi3.SchemaRef {
	if model == nil {
		return &openapi3.SchemaRef{Value: &openapi3.Schema{}}
	}
	return g.goTypeToSchema(reflect.TypeOf(model))
}

// extractSchema extracts an OpenAPI schema from a Go struct type.
func (g *Generator) extractSchema(t reflect.Type) *openapi3.SchemaRef {
	schema := &openapi3.Schema{
		Type:       &openapi3.Types{"object"},
		Properties: make(openapi3.Schemas),
	}

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)

		if !field.IsExported() {
			continue
		}

		jsonTag := field.Tag.Get("json")
		if jsonTag == "-" {
			continue
		}

		name := field.Name
		if jsonTag != "" {
			parts := strings.Split(jsonTag, ",")
			if parts[0] != "" {
				name = parts[0]
			}
		}

		if propSchema := g.goTypeToSchema(field.Type); propSchema != nil {
			schema.Properties[name] = propSchema
		}
	}

	return &openapi3.SchemaRef{Value: schema}
}

// goTypeToSchema converts a Go type to an OpenAPI schema.
func (g *Generator) goTypeToSchema(t reflect.Type) *openapi3.SchemaRef {
	switch t.Kind() {
	case reflect.String:
		return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}}

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32:
		return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}, Format: "int32"}}

	case reflect.Int64:
		// time.Duration marshals as integer nanoseconds.
		return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}, Format: "int64"}}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}}}

	case reflect.Float32:
		return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"number"}, Format: "float"}}

	case reflect.Float64:
		return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"number"}, Format: "double"}}

	case reflect.Bool:
		return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"boolean"}}}

	case reflect.Slice, reflect.Array:
		if t.Elem().Kind() == reflect.Uint8 {
			// []byte and json.RawMessage carry arbitrary JSON.
			return &openapi3.SchemaRef{Value: &openapi3.Schema{}}
		}
		return &openapi3.SchemaRef{
			Value: &openapi3.Schema{
				Type:  &openapi3.Types{"array"},
				Items: g.goTypeToSchema(t.Elem()),
			},
		}

	case reflect.Map:
		return &openapi3.SchemaRef{
			Value: &openapi3.Schema{
				Type:                 &openapi3.Types{"object"},
				AdditionalProperties: openapi3.AdditionalProperties{Schema: g.goTypeToSchema(t.Elem())},
			},
		}

	case reflect.Ptr:
		schema := g.goTypeToSchema(t.Elem())
		if schema != nil && schema.Value != nil {
			schema.Value.Nullable = true
		}
		return schema

	case reflect.Struct:
		if t == reflect.TypeOf(time.Time{}) {
			return &openapi3.SchemaRef{
				Value: &openapi3.Schema{Type: &openapi3.Types{"string"}, Format: "date-time"},
			}
		}
		return g.extractSchema(t)

	default:
		return &openapi3.SchemaRef{Value: &openapi3.Schema{}}
	}
}

// =============================================================================
// Helpers
// =============================================================================

// capitalize returns the string with the first letter capitalized.
func capitalize(s string) string {
	if s == "" {
		return ""
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// schemaNameOf turns "backup.restore_technique" into "BackupRestoreTechnique".
func schemaNameOf(method string) string {
	var b strings.Builder
	for _, part := range strings.FieldsFunc(method, func(r rune) bool { return r == '.' || r == '_' }) {
		b.WriteString(capitalize(part))
	}
	return b.String()
}
