package domain

import (
	"errors"
	"fmt"
)

// =============================================================================
// Sentinel Errors
// =============================================================================

var (
	// ErrNoPortAvailable is returned when a requested host port is held or
	// busy, or when no port in the allocation range is free.
	ErrNoPortAvailable = errors.New("no port available")

	// ErrConflict is returned when a transition on the same domain is already
	// in progress and the conflict policy is reject.
	ErrConflict = errors.New("transition already in progress")

	// ErrPersistence is returned when the state journal could not be written.
	ErrPersistence = errors.New("state could not be persisted")

	// ErrInvalidSpec is returned when an instance spec is malformed.
	ErrInvalidSpec = errors.New("invalid instance spec")

	// ErrSnapshotNotFound is returned when a version is not in the journal history.
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrStaleSnapshot is returned when an appended snapshot does not follow
	// the current version.
	ErrStaleSnapshot = errors.New("snapshot version does not follow current version")

	// ErrHealthCheckFailed is returned when an instance never reported healthy
	// within the retry policy.
	ErrHealthCheckFailed = errors.New("health check failed")

	// ErrNoRestoreTechnique is returned when a backup technique has no restore counterpart.
	ErrNoRestoreTechnique = errors.New("no restore technique")

	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("not found")
)

// =============================================================================
// Typed Errors
// =============================================================================

// SpecError describes why an instance spec was rejected.
type SpecError struct {
	Instance string
	Message  string
}

func (e *SpecError) Error() string {
	if e.Instance != "" {
		return fmt.Sprintf("instance %s: %s", e.Instance, e.Message)
	}
	return e.Message
}

func (e *SpecError) Unwrap() error {
	return ErrInvalidSpec
}

// NewSpecError creates a new SpecError.
func NewSpecError(instance, message string) *SpecError {
	return &SpecError{Instance: instance, Message: message}
}

// PortError reports a failed reservation.
type PortError struct {
	HostIP   string
	Port     int
	Protocol string
	Message  string
	Err      error
}

func (e *PortError) Error() string {
	if e.Port == 0 {
		return fmt.Sprintf("reserve any %s port: %s", e.Protocol, e.Message)
	}
	return fmt.Sprintf("reserve %s port %s:%d: %s", e.Protocol, e.HostIP, e.Port, e.Message)
}

func (e *PortError) Unwrap() error {
	return e.Err
}

// NewPortError creates a PortError wrapping ErrNoPortAvailable.
func NewPortError(hostIP string, port int, protocol, message string) *PortError {
	return &PortError{
		HostIP:   hostIP,
		Port:     port,
		Protocol: protocol,
		Message:  message,
		Err:      ErrNoPortAvailable,
	}
}

// ConflictError reports a rejected concurrent transition.
type ConflictError struct {
	Domain string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("domain %s: %s", e.Domain, ErrConflict.Error())
}

func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

// PersistenceError reports a failed durable write or read of the journal.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, ErrPersistence.Error(), e.Err)
}

func (e *PersistenceError) Unwrap() []error {
	return []error{ErrPersistence, e.Err}
}

// DeployError reports the step at which a transition failed. By the time it is
// returned every completed step has been compensated.
type DeployError struct {
	Op       string
	Step     string
	Domain   string
	Instance string
	Err      error
}

func (e *DeployError) Error() string {
	return fmt.Sprintf("%s %s (instance %s) failed at %s: %v", e.Op, e.Domain, e.Instance, e.Step, e.Err)
}

func (e *DeployError) Unwrap() error {
	return e.Err
}

// NewDeployError creates a new DeployError.
func NewDeployError(op, step, domain, instance string, err error) *DeployError {
	return &DeployError{Op: op, Step: step, Domain: domain, Instance: instance, Err: err}
}
