// Package rpc defines the wire format of the shipyard control plane.
//
// A call names a method and carries its arguments either positionally (a JSON
// array) or by name (a JSON object). Every call yields a Response holding
// either a result or a structured error; failures never surface as transport
// errors.
//
// This package contains pure types with no I/O.
package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Version is the control plane protocol version.
const Version = "1.0.0"

// =============================================================================
// Request
// =============================================================================

// Request is a single method call.
type Request struct {
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method"`
	Args   json.RawMessage `json:"args,omitempty"`
}

// ErrInvalidRequest is returned when a request body is not a request.
var ErrInvalidRequest = errors.New("invalid request")

// ParseRequest parses and validates a JSON request body. A body that is not
// a request wraps ErrInvalidRequest; malformed args are an ArgumentError.
func ParseRequest(data []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Request{}, fmt.Errorf("%w: body is not valid JSON", ErrInvalidRequest)
	}
	if req.Method == "" {
		return Request{}, fmt.Errorf("%w: method is required", ErrInvalidRequest)
	}
	if _, err := DecodeArgs(req.Args); err != nil {
		return Request{}, err
	}
	return req, nil
}

// =============================================================================
// Response Envelope
// =============================================================================

// Response is the envelope returned for every call.
type Response struct {
	ID     string          `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorInfo      `json:"error,omitempty"`
}

// ErrorInfo describes a failed call.
type ErrorInfo struct {
	Method  string `json:"method,omitempty"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// OK reports whether the call succeeded.
func (r Response) OK() bool {
	return r.Error == nil
}

// NewResultResponse creates a successful response.
func NewResultResponse(id string, result any) (Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return Response{}, fmt.Errorf("marshal result: %w", err)
	}
	return Response{ID: id, Result: raw}, nil
}

// NewErrorResponse creates an error response.
func NewErrorResponse(id, method, kind, message string) Response {
	return Response{
		ID:    id,
		Error: &ErrorInfo{Method: method, Kind: kind, Message: message},
	}
}

// UnmarshalResult unmarshals the result into target.
func (r Response) UnmarshalResult(target any) error {
	if r.Result == nil {
		return nil
	}
	return json.Unmarshal(r.Result, target)
}

// =============================================================================
// Arguments
// =============================================================================

// ErrInvalidArgument is returned when call arguments cannot be decoded.
var ErrInvalidArgument = errors.New("invalid argument")

// ArgumentError reports a malformed argument.
type ArgumentError struct {
	Name    string
	Message string
}

func (e *ArgumentError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("argument %s: %s", e.Name, e.Message)
	}
	return e.Message
}

func (e *ArgumentError) Unwrap() error {
	return ErrInvalidArgument
}

// NewArgumentError creates a new ArgumentError.
func NewArgumentError(name, message string) *ArgumentError {
	return &ArgumentError{Name: name, Message: message}
}

// Args holds decoded call arguments.
type Args struct {
	positional []json.RawMessage
	named      map[string]json.RawMessage
}

// DecodeArgs decodes a JSON array, a JSON object, or nothing.
func DecodeArgs(raw json.RawMessage) (Args, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Args{}, nil
	}
	switch trimmed[0] {
	case '[':
		var positional []json.RawMessage
		if err := json.Unmarshal(trimmed, &positional); err != nil {
			return Args{}, NewArgumentError("", "args array is malformed")
		}
		return Args{positional: positional}, nil
	case '{':
		var named map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &named); err != nil {
			return Args{}, NewArgumentError("", "args object is malformed")
		}
		return Args{named: named}, nil
	default:
		return Args{}, NewArgumentError("", "args must be an array or an object")
	}
}

// Len returns the number of arguments supplied.
func (a Args) Len() int {
	return len(a.positional) + len(a.named)
}

// Get decodes the argument at position index, or under name when the call
// used named arguments. It reports whether the argument was present.
func (a Args) Get(index int, name string, target any) (bool, error) {
	var raw json.RawMessage
	switch {
	case a.named != nil:
		v, ok := a.named[name]
		if !ok {
			return false, nil
		}
		raw = v
	case index < len(a.positional):
		raw = a.positional[index]
	default:
		return false, nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return true, NewArgumentError(name, err.Error())
	}
	return true, nil
}

// Require is Get for mandatory arguments.
func (a Args) Require(index int, name string, target any) error {
	ok, err := a.Get(index, name, target)
	if err != nil {
		return err
	}
	if !ok {
		return NewArgumentError(name, "is required")
	}
	return nil
}
