// Package rpc implements the control plane: a method registry, a dispatcher
// that turns every call into a result or a structured error, call tracing,
// and the HTTP and MCP transports.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	corerpc "github.com/artpar/shipyard/internal/core/rpc"
)

// Handler serves one method.
type Handler func(ctx context.Context, args corerpc.Args) (any, error)

// ErrDuplicateMethod is returned by Build when a method name was registered
// more than once.
var ErrDuplicateMethod = errors.New("duplicate method")

// RegistryError lists every duplicate registration.
type RegistryError struct {
	Duplicates []string
}

func (e *RegistryError) Error() string {
	return fmt.Sprintf("registry: duplicate methods: %s", strings.Join(e.Duplicates, ", "))
}

func (e *RegistryError) Unwrap() error {
	return ErrDuplicateMethod
}

// Param describes a method argument. Model is a sample value of the
// argument's type.
type Param struct {
	Name     string `json:"name"`
	Type     string `json:"type,omitempty"`
	Required bool   `json:"required"`
	Model    any    `json:"-"`
}

// Method is a registered method.
type Method struct {
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Params      []Param       `json:"params"`
	Timeout     time.Duration `json:"-"`
	Result      any           `json:"-"`
	handler     Handler
}

// MethodOption configures a method at registration.
type MethodOption func(*Method)

// Describe sets the one line description.
func Describe(description string) MethodOption {
	return func(m *Method) {
		m.Description = description
	}
}

// Arg appends a required argument.
func Arg(name string, model any) MethodOption {
	return func(m *Method) {
		m.Params = append(m.Params, Param{Name: name, Type: typeName(model), Required: true, Model: model})
	}
}

// OptionalArg appends an optional argument.
func OptionalArg(name string, model any) MethodOption {
	return func(m *Method) {
		m.Params = append(m.Params, Param{Name: name, Type: typeName(model), Model: model})
	}
}

// Returns records a sample result value for the method description.
func Returns(model any) MethodOption {
	return func(m *Method) {
		m.Result = model
	}
}

// WithTimeout bounds each call of the method.
func WithTimeout(d time.Duration) MethodOption {
	return func(m *Method) {
		m.Timeout = d
	}
}

// typeName returns the JSON type of model's Go type, or "" when any value is
// accepted.
func typeName(model any) string {
	if model == nil {
		return ""
	}
	t := reflect.TypeOf(model)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.String:
		return "string"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "integer"
	case reflect.Float32, reflect.Float64:
		return "number"
	case reflect.Bool:
		return "boolean"
	case reflect.Slice, reflect.Array:
		return "array"
	case reflect.Map, reflect.Struct:
		return "object"
	default:
		return ""
	}
}

// =============================================================================
// Registry
// =============================================================================

// Registry collects methods before the dispatcher is built.
type Registry struct {
	methods    map[string]*Method
	duplicates []string
	built      bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{methods: make(map[string]*Method)}
}

// Register adds a method named prefix+name. A second registration of the same
// full name is kept out of the table and makes Build fail.
func (r *Registry) Register(prefix, name string, h Handler, opts ...MethodOption) {
	if r.built {
		panic("rpc: Register called after Build")
	}
	full := prefix + name
	if h == nil || full == "" {
		panic("rpc: Register needs a name and a handler")
	}
	if _, exists := r.methods[full]; exists {
		r.duplicates = append(r.duplicates, full)
		return
	}
	m := &Method{Name: full, Params: []Param{}, handler: h}
	for _, opt := range opts {
		opt(m)
	}
	r.methods[full] = m
}

// Build freezes the table and returns its dispatcher. Calls are traced to
// every sink.
func (r *Registry) Build(sinks ...TraceSink) (*Dispatcher, error) {
	if len(r.duplicates) > 0 {
		return nil, &RegistryError{Duplicates: append([]string(nil), r.duplicates...)}
	}
	r.built = true

	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	sort.Strings(names)

	return &Dispatcher{
		methods: r.methods,
		names:   names,
		sinks:   sinks,
		now:     time.Now,
	}, nil
}
