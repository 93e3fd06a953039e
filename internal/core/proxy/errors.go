package proxy

import "fmt"

// ProxyErrorType defines the type of proxy error.
type ProxyErrorType int

const (
	ErrorNotFound ProxyErrorType = iota
	ErrorUnavailable
	ErrorUpstreamTimeout
)

// ProxyError represents an error during proxying.
type ProxyError struct {
	Type       ProxyErrorType
	Hostname   string
	Message    string
	StatusCode int
}

// Error implements the error interface.
func (e ProxyError) Error() string {
	return e.Message
}

// NewNotFoundError creates an error for a hostname with no route.
func NewNotFoundError(hostname string) ProxyError {
	return ProxyError{
		Type:       ErrorNotFound,
		Hostname:   hostname,
		Message:    fmt.Sprintf("no route for %s", hostname),
		StatusCode: 404,
	}
}

// NewUnavailableError creates an error for an unreachable upstream.
func NewUnavailableError(hostname string) ProxyError {
	return ProxyError{
		Type:       ErrorUnavailable,
		Hostname:   hostname,
		Message:    fmt.Sprintf("upstream unavailable: %s", hostname),
		StatusCode: 502,
	}
}

// NewUpstreamTimeoutError creates an error for an upstream that did not answer in time.
func NewUpstreamTimeoutError(hostname string) ProxyError {
	return ProxyError{
		Type:       ErrorUpstreamTimeout,
		Hostname:   hostname,
		Message:    fmt.Sprintf("upstream timed out: %s", hostname),
		StatusCode: 504,
	}
}
