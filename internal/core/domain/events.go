package domain

import "time"

// =============================================================================
// Instance Events
// =============================================================================

// EventType represents the type of instance lifecycle event.
type EventType string

const (
	EventDeployed         EventType = "deployed"
	EventDeployFailed     EventType = "deploy_failed"
	EventStopped          EventType = "stopped"
	EventContainerStarted EventType = "container_started"
	EventContainerDied    EventType = "container_died"
	EventHealthUnhealthy  EventType = "health_unhealthy"
	EventHealthHealthy    EventType = "health_healthy"
	EventBackupCaptured   EventType = "backup_captured"
	EventBackupRestored   EventType = "backup_restored"
)

// InstanceEvent represents one lifecycle event of an instance.
type InstanceEvent struct {
	ID         int64     `json:"id"`
	InstanceID string    `json:"instance_id"`
	Type       EventType `json:"type"`
	Container  string    `json:"container,omitempty"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewInstanceEvent creates a new instance event stamped with the current time.
func NewInstanceEvent(instanceID string, eventType EventType, container, message string) InstanceEvent {
	return InstanceEvent{
		InstanceID: instanceID,
		Type:       eventType,
		Container:  container,
		Message:    message,
		Timestamp:  time.Now().UTC(),
	}
}
