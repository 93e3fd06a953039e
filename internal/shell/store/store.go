package store

import (
	"context"

	"github.com/artpar/shipyard/internal/core/domain"
)

// =============================================================================
// Store Interface
// =============================================================================

// Store defines the persistence interface for shipyard state.
type Store interface {
	// Snapshot operations. Snapshots are append-only.
	AppendSnapshot(ctx context.Context, snapshot domain.Snapshot) error
	LatestSnapshot(ctx context.Context) (*domain.Snapshot, error)
	GetSnapshot(ctx context.Context, version int64) (*domain.Snapshot, error)
	ListSnapshots(ctx context.Context, opts ListOptions) ([]domain.Snapshot, error)

	// Backup record operations
	CreateBackupRecord(ctx context.Context, record *domain.BackupRecord) error
	GetBackupRecord(ctx context.Context, id string) (*domain.BackupRecord, error)
	ListBackupRecords(ctx context.Context, domainName string, opts ListOptions) ([]domain.BackupRecord, error)

	// Instance event operations
	CreateInstanceEvent(ctx context.Context, event *domain.InstanceEvent) error
	ListInstanceEvents(ctx context.Context, instanceID string, limit int) ([]domain.InstanceEvent, error)

	// Transaction support
	WithTx(ctx context.Context, fn func(Store) error) error

	// Lifecycle
	Close() error
}

// =============================================================================
// Options
// =============================================================================

// ListOptions defines pagination options.
type ListOptions struct {
	Limit  int
	Offset int
}

// DefaultListOptions returns default list options.
func DefaultListOptions() ListOptions {
	return ListOptions{
		Limit:  100,
		Offset: 0,
	}
}

// Normalize ensures list options have valid values.
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = 100
	}
	if o.Limit > 1000 {
		o.Limit = 1000
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}
