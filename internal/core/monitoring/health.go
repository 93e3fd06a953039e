// Package monitoring provides pure functions for container health logic.
// It contains no I/O: callers observe containers and pass the results in.
package monitoring

import "github.com/artpar/shipyard/internal/core/domain"

// State is the observed health of one container, or the aggregate of an
// instance's containers.
type State string

const (
	Unknown   State = "unknown"
	Healthy   State = "healthy"
	Starting  State = "starting"
	Unhealthy State = "unhealthy"
	Dead      State = "dead"
)

// =============================================================================
// Health Aggregation
// =============================================================================

// Aggregate folds container states into one instance state.
//
//   - no containers: Unknown
//   - every container dead: Dead
//   - any container dead or unhealthy: Unhealthy
//   - any container starting or unknown: Starting
//   - otherwise: Healthy
func Aggregate(states []State) State {
	if len(states) == 0 {
		return Unknown
	}

	dead, failing, pending := 0, 0, 0
	for _, s := range states {
		switch s {
		case Dead:
			dead++
			failing++
		case Unhealthy:
			failing++
		case Starting, Unknown:
			pending++
		}
	}

	switch {
	case dead == len(states):
		return Dead
	case failing > 0:
		return Unhealthy
	case pending > 0:
		return Starting
	}
	return Healthy
}

// =============================================================================
// State Changes
// =============================================================================

// Change returns the event to record when a container moves from prev to
// next. known is false for the first observation of a container; a first
// observation only produces an event when it is a failure. Moving into
// Starting or Unknown never produces an event.
func Change(prev State, known bool, next State) (domain.EventType, bool) {
	if known && prev == next {
		return "", false
	}
	switch next {
	case Dead:
		return domain.EventContainerDied, true
	case Unhealthy:
		return domain.EventHealthUnhealthy, true
	case Healthy:
		if !known {
			return "", false
		}
		return domain.EventHealthHealthy, true
	}
	return "", false
}

// EventMessage generates a human-readable message for a health event.
func EventMessage(eventType domain.EventType, container string) string {
	switch eventType {
	case domain.EventContainerDied:
		return "container " + container + " died unexpectedly"
	case domain.EventHealthUnhealthy:
		return "container " + container + " health check failed"
	case domain.EventHealthHealthy:
		return "container " + container + " health check passed"
	default:
		return "container " + container + " event: " + string(eventType)
	}
}
