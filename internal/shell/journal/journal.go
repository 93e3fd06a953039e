// Package journal keeps the authoritative record of deployed instances.
//
// The current snapshot is cached behind an atomic pointer so reads never
// block. Writes are serialized by a mutex and only replace the cache after
// the snapshot has been durably stored.
package journal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/artpar/shipyard/internal/core/domain"
	"github.com/artpar/shipyard/internal/shell/store"
)

// Reconciler converges running instances toward a target snapshot.
type Reconciler interface {
	Reconcile(ctx context.Context, target domain.Snapshot) (domain.Snapshot, error)
}

// Journal is the process-wide state journal.
type Journal struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	current atomic.Pointer[domain.Snapshot]
}

// Option configures a Journal.
type Option func(*Journal)

// WithClock overrides the clock used to stamp snapshots.
func WithClock(now func() time.Time) Option {
	return func(j *Journal) {
		j.now = now
	}
}

// Open loads the most recent snapshot from the store.
func Open(ctx context.Context, st store.Store, logger *slog.Logger, opts ...Option) (*Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}
	j := &Journal{
		store:  st,
		logger: logger.With("component", "journal"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}

	latest, err := st.LatestSnapshot(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
		j.logger.Info("journal is empty")
	case err != nil:
		return nil, &domain.PersistenceError{Op: "load", Err: err}
	default:
		j.current.Store(latest)
		j.logger.Info("journal loaded",
			"version", latest.Version,
			"instances", len(latest.Instances),
		)
	}

	return j, nil
}

// ReadCurrentState returns the current snapshot. The boolean is false when
// no transition was ever committed, in which case the empty snapshot is
// returned.
func (j *Journal) ReadCurrentState() (domain.Snapshot, bool) {
	snap := j.current.Load()
	if snap == nil {
		return domain.EmptySnapshot(), false
	}
	return *snap, true
}

// Current returns the current snapshot, or the empty snapshot.
func (j *Journal) Current() domain.Snapshot {
	snap, _ := j.ReadCurrentState()
	return snap
}

// Append durably stores snapshot as the new current state. The snapshot
// version must follow the current version.
func (j *Journal) Append(ctx context.Context, snapshot domain.Snapshot) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.appendLocked(ctx, snapshot)
}

func (j *Journal) appendLocked(ctx context.Context, snapshot domain.Snapshot) error {
	cur := j.Current()
	if snapshot.Version != cur.Version+1 {
		return fmt.Errorf("append version %d after %d: %w", snapshot.Version, cur.Version, domain.ErrStaleSnapshot)
	}
	if snapshot.Instances == nil {
		snapshot.Instances = map[string]domain.InstanceSpec{}
	}

	if err := j.store.AppendSnapshot(ctx, snapshot); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return fmt.Errorf("append version %d: %w", snapshot.Version, domain.ErrStaleSnapshot)
		}
		j.logger.Error("failed to persist snapshot", "version", snapshot.Version, "error", err)
		return &domain.PersistenceError{Op: "append", Err: err}
	}

	j.current.Store(&snapshot)
	j.logger.Info("snapshot committed",
		"version", snapshot.Version,
		"reason", snapshot.Reason,
		"instances", len(snapshot.Instances),
	)
	return nil
}

// Update applies mutate to the current snapshot and appends the result as
// the next version. Concurrent updates never lose each other's changes.
func (j *Journal) Update(ctx context.Context, reason string, mutate func(domain.Snapshot) domain.Snapshot) (domain.Snapshot, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	next := mutate(j.Current().Next(reason, j.now()))
	if err := j.appendLocked(ctx, next); err != nil {
		return domain.Snapshot{}, err
	}
	return next, nil
}

// History returns up to limit snapshots, newest first.
func (j *Journal) History(ctx context.Context, limit int) ([]domain.Snapshot, error) {
	snaps, err := j.store.ListSnapshots(ctx, store.ListOptions{Limit: limit})
	if err != nil {
		return nil, &domain.PersistenceError{Op: "history", Err: err}
	}
	return snaps, nil
}

// Get returns the snapshot at version. Version 0 is the empty state.
func (j *Journal) Get(ctx context.Context, version int64) (domain.Snapshot, error) {
	if version == 0 {
		return domain.EmptySnapshot(), nil
	}
	if cur := j.current.Load(); cur != nil && cur.Version == version {
		return *cur, nil
	}

	snap, err := j.store.GetSnapshot(ctx, version)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Snapshot{}, fmt.Errorf("version %d: %w", version, domain.ErrSnapshotNotFound)
		}
		return domain.Snapshot{}, &domain.PersistenceError{Op: "get", Err: err}
	}
	return *snap, nil
}

// Restore hands target to r, which stops instances absent from it and
// deploys instances whose configuration differs. Each converged instance is
// committed as its own version.
func (j *Journal) Restore(ctx context.Context, target domain.Snapshot, r Reconciler) (domain.Snapshot, error) {
	j.logger.Info("restoring snapshot", "target_version", target.Version)
	return r.Reconcile(ctx, target)
}
