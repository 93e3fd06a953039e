package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	corerpc "github.com/artpar/shipyard/internal/core/rpc"
	"github.com/google/uuid"
)

// =============================================================================
// Errors
// =============================================================================

// MethodNotFoundError is returned for calls to an unregistered method.
type MethodNotFoundError struct {
	Method string
}

func (e *MethodNotFoundError) Error() string {
	return fmt.Sprintf("method not found: %s", e.Method)
}

func (e *MethodNotFoundError) Unwrap() error {
	return corerpc.ErrMethodNotFound
}

// HandlerError wraps a failure raised by a method handler.
type HandlerError struct {
	Method string
	Err    error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("%s: %v", e.Method, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// =============================================================================
// Dispatcher
// =============================================================================

// Dispatcher routes calls to handlers. Its method table is immutable.
type Dispatcher struct {
	methods map[string]*Method
	names   []string
	sinks   []TraceSink
	now     func() time.Time
}

// Methods returns every method ordered by name.
func (d *Dispatcher) Methods() []Method {
	out := make([]Method, 0, len(d.names))
	for _, name := range d.names {
		out = append(out, *d.methods[name])
	}
	return out
}

// Has reports whether a method is registered.
func (d *Dispatcher) Has(name string) bool {
	_, ok := d.methods[name]
	return ok
}

type dispatcherKey struct{}

// DispatcherFromContext returns the dispatcher running the current call.
func DispatcherFromContext(ctx context.Context) (*Dispatcher, bool) {
	d, ok := ctx.Value(dispatcherKey{}).(*Dispatcher)
	return d, ok
}

// Dispatch runs one call. Every outcome, including an unknown method or a
// handler panic, is reported in the returned Response.
func (d *Dispatcher) Dispatch(ctx context.Context, req corerpc.Request) corerpc.Response {
	started := d.now()
	resp, err := d.call(ctx, req)
	if err != nil {
		resp = corerpc.NewErrorResponse(req.ID, req.Method, corerpc.KindOf(err), err.Error())
	}

	rec := TraceRecord{
		ID:       uuid.New().String(),
		Method:   req.Method,
		Args:     req.Args,
		Started:  started,
		Duration: d.now().Sub(started),
		OK:       resp.OK(),
	}
	if resp.Error != nil {
		rec.ErrorKind = resp.Error.Kind
		rec.Error = resp.Error.Message
	}
	for _, sink := range d.sinks {
		sink.Record(rec)
	}

	return resp
}

func (d *Dispatcher) call(ctx context.Context, req corerpc.Request) (corerpc.Response, error) {
	m, ok := d.methods[req.Method]
	if !ok {
		return corerpc.Response{}, &MethodNotFoundError{Method: req.Method}
	}

	args, err := corerpc.DecodeArgs(req.Args)
	if err != nil {
		return corerpc.Response{}, err
	}

	ctx = context.WithValue(ctx, dispatcherKey{}, d)
	if m.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.Timeout)
		defer cancel()
	}

	result, err := d.invoke(ctx, m, args)
	if err != nil {
		return corerpc.Response{}, &HandlerError{Method: m.Name, Err: err}
	}

	resp, err := corerpc.NewResultResponse(req.ID, result)
	if err != nil {
		return corerpc.Response{}, &HandlerError{Method: m.Name, Err: err}
	}
	return resp, nil
}

func (d *Dispatcher) invoke(ctx context.Context, m *Method, args corerpc.Args) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return m.handler(ctx, args)
}

// DispatchJSON decodes a raw request body and dispatches it. A body that is
// not a request yields invalid_request; malformed args yield
// invalid_argument, as they do through Dispatch.
func (d *Dispatcher) DispatchJSON(ctx context.Context, body []byte) corerpc.Response {
	req, err := corerpc.ParseRequest(body)
	if err != nil {
		var id struct {
			ID     string `json:"id"`
			Method string `json:"method"`
		}
		_ = json.Unmarshal(body, &id)
		kind := corerpc.KindOf(err)
		resp := corerpc.NewErrorResponse(id.ID, id.Method, kind, err.Error())
		for _, sink := range d.sinks {
			sink.Record(TraceRecord{
				ID:        uuid.New().String(),
				Method:    id.Method,
				Started:   d.now(),
				ErrorKind: kind,
				Error:     err.Error(),
			})
		}
		return resp
	}
	return d.Dispatch(ctx, req)
}
