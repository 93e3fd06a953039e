package rpc

import (
	"errors"

	"github.com/artpar/shipyard/internal/core/domain"
)

// Error kinds carried in ErrorInfo.Kind.
const (
	KindMethodNotFound   = "method_not_found"
	KindHandlerError     = "handler_error"
	KindInvalidRequest   = "invalid_request"
	KindInvalidArgument  = "invalid_argument"
	KindNoPortAvailable  = "no_port_available"
	KindConflict         = "conflict"
	KindPersistenceError = "persistence_error"
	KindDeployError      = "deploy_error"
	KindNotFound         = "not_found"
	KindUnauthorized     = "unauthorized"
)

// ErrMethodNotFound is returned when no handler is registered for a method.
var ErrMethodNotFound = errors.New("method not found")

// KindOf maps an error returned by a handler to its wire kind.
//
// A DeployError is reported as deploy_error even when it wraps a more
// specific cause, except for port exhaustion and persistence failures which
// keep their own kind.
func KindOf(err error) string {
	var deployErr *domain.DeployError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMethodNotFound):
		return KindMethodNotFound
	case errors.Is(err, ErrInvalidRequest):
		return KindInvalidRequest
	case errors.Is(err, ErrInvalidArgument), errors.Is(err, domain.ErrInvalidSpec):
		return KindInvalidArgument
	case errors.Is(err, domain.ErrNoPortAvailable):
		return KindNoPortAvailable
	case errors.Is(err, domain.ErrConflict):
		return KindConflict
	case errors.Is(err, domain.ErrPersistence):
		return KindPersistenceError
	case errors.As(err, &deployErr):
		return KindDeployError
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrSnapshotNotFound):
		return KindNotFound
	default:
		return KindHandlerError
	}
}
