// Package backup captures and restores instance data using the techniques of
// the core backup catalog. Artifacts are files under the backup directory;
// their metadata lives in the store.
package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	corebackup "github.com/artpar/shipyard/internal/core/backup"
	"github.com/artpar/shipyard/internal/core/domain"
	"github.com/artpar/shipyard/internal/shell/store"
)

// Engine runs commands in and copies files out of instance containers.
type Engine interface {
	Exec(ctx context.Context, containerID string, cmd []string, stdin io.Reader, stdout io.Writer) error
	CopyFrom(ctx context.Context, containerID, path string) (io.ReadCloser, error)
	CopyTo(ctx context.Context, containerID, path string, content io.Reader) error
}

// Instances looks up deployed instances.
type Instances interface {
	InstancesOfDomain(domain string) []domain.InstanceSpec
	Instances() []domain.InstanceSpec
}

// Records persists backup metadata and instance events.
type Records interface {
	CreateBackupRecord(ctx context.Context, record *domain.BackupRecord) error
	GetBackupRecord(ctx context.Context, id string) (*domain.BackupRecord, error)
	ListBackupRecords(ctx context.Context, domainName string, opts store.ListOptions) ([]domain.BackupRecord, error)
	CreateInstanceEvent(ctx context.Context, event *domain.InstanceEvent) error
}

// Config holds runner configuration.
type Config struct {
	Dir         string
	HTTPTimeout time.Duration
}

// Runner captures and restores backup items.
type Runner struct {
	engine    Engine
	instances Instances
	records   Records
	cfg       Config
	client    *http.Client
	logger    *slog.Logger
	now       func() time.Time
}

// NewRunner creates a Runner.
func NewRunner(engine Engine, instances Instances, records Records, cfg Config, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 5 * time.Minute
	}
	return &Runner{
		engine:    engine,
		instances: instances,
		records:   records,
		cfg:       cfg,
		client:    &http.Client{Timeout: cfg.HTTPTimeout},
		logger:    logger.With("component", "backup"),
		now:       time.Now,
	}
}

// InstanceItems pairs an instance with its backup items.
type InstanceItems struct {
	InstanceID string              `json:"instance_id"`
	Items      []domain.BackupItem `json:"items"`
}

// Items lists the backup items of every instance serving domainName.
func (r *Runner) Items(domainName string) []InstanceItems {
	instances := r.instances.InstancesOfDomain(domainName)
	out := make([]InstanceItems, 0, len(instances))
	for _, inst := range instances {
		out = append(out, InstanceItems{InstanceID: inst.ID, Items: corebackup.ListItems(inst)})
	}
	return out
}

// =============================================================================
// Capture
// =============================================================================

// Run captures every backup item of every instance serving domainName. Items
// are captured in order; the first failure stops the run, and artifacts
// captured before it are kept and recorded.
func (r *Runner) Run(ctx context.Context, domainName string) ([]domain.BackupRecord, error) {
	domainName = domain.NormalizeDomain(domainName)
	instances := r.instances.InstancesOfDomain(domainName)
	if len(instances) == 0 {
		return nil, fmt.Errorf("domain %s: %w", domainName, domain.ErrNotFound)
	}

	records := []domain.BackupRecord{}
	for _, inst := range instances {
		for _, item := range corebackup.ListItems(inst) {
			rec, err := r.capture(ctx, domainName, inst, item)
			if err != nil {
				return records, fmt.Errorf("backup %s %s of %s: %w", item.Technique, item.Target, inst.ID, err)
			}
			records = append(records, rec)
		}
	}
	return records, nil
}

func (r *Runner) capture(ctx context.Context, domainName string, inst domain.InstanceSpec, item domain.BackupItem) (domain.BackupRecord, error) {
	tech, ok := corebackup.Lookup(item.Technique)
	if !ok {
		return domain.BackupRecord{}, fmt.Errorf("unknown technique %q", item.Technique)
	}

	now := r.now().UTC()
	rec := domain.BackupRecord{
		ID:         uuid.NewString(),
		InstanceID: inst.ID,
		Domain:     domainName,
		Target:     item.Target,
		Technique:  item.Technique,
		Restore:    item.Restore,
		CreatedAt:  now,
	}
	name := fmt.Sprintf("%s-%s-%s.%s", now.Format("20060102T150405Z"), tech.Name, rec.ID[:8], tech.Extension)
	rec.Artifact = filepath.Join(r.cfg.Dir, inst.ID, name)

	size, err := writeAtomic(rec.Artifact, func(w io.Writer) error {
		switch tech.Kind {
		case corebackup.KindExec:
			id, err := containerOf(inst)
			if err != nil {
				return err
			}
			return r.engine.Exec(ctx, id, tech.Command(item.Target), nil, w)
		case corebackup.KindArchive:
			id, err := containerOf(inst)
			if err != nil {
				return err
			}
			rc, err := r.engine.CopyFrom(ctx, id, item.Target)
			if err != nil {
				return err
			}
			defer rc.Close()
			_, err = io.Copy(w, rc)
			return err
		case corebackup.KindFetch:
			return r.fetch(ctx, item.Target, w)
		default:
			return fmt.Errorf("unsupported technique kind %q", tech.Kind)
		}
	})
	if err != nil {
		return domain.BackupRecord{}, err
	}
	rec.SizeBytes = size

	if err := r.records.CreateBackupRecord(ctx, &rec); err != nil {
		os.Remove(rec.Artifact)
		return domain.BackupRecord{}, err
	}

	r.logger.Info("backup captured",
		"instance", inst.ID,
		"technique", rec.Technique,
		"target", rec.Target,
		"artifact", rec.Artifact,
		"size_bytes", rec.SizeBytes,
	)
	r.event(ctx, inst.ID, domain.EventBackupCaptured, fmt.Sprintf("%s of %s captured as %s", rec.Technique, rec.Target, rec.ID))
	return rec, nil
}

func (r *Runner) fetch(ctx context.Context, url string, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("GET %s: unexpected status %s", url, resp.Status)
	}
	_, err = io.Copy(w, resp.Body)
	return err
}

// writeAtomic streams fill into a temp file next to dst and renames it into
// place once complete. On failure no file is left at dst.
func writeAtomic(dst string, fill func(io.Writer) error) (int64, error) {
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return 0, err
	}

	tmp, err := os.CreateTemp(dir, ".partial-*")
	if err != nil {
		return 0, err
	}
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	cw := &countingWriter{w: tmp}
	if err := fill(cw); err != nil {
		return 0, err
	}
	if err := tmp.Sync(); err != nil {
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		return 0, err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return 0, err
	}
	committed = true
	return cw.n, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// =============================================================================
// Restore
// =============================================================================

// Restore feeds a captured artifact back into the instance it was taken from
// using the restore technique recorded with it.
func (r *Runner) Restore(ctx context.Context, id string) (domain.BackupRecord, error) {
	rec, err := r.records.GetBackupRecord(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.BackupRecord{}, fmt.Errorf("backup %s: %w", id, domain.ErrNotFound)
		}
		return domain.BackupRecord{}, err
	}
	if !rec.Restorable() {
		return *rec, fmt.Errorf("backup %s (%s): %w", id, rec.Technique, domain.ErrNoRestoreTechnique)
	}
	if !corebackup.Compatible(rec.Technique, rec.Restore) {
		return *rec, fmt.Errorf("backup %s: %s cannot be restored with %s: %w", id, rec.Technique, rec.Restore, domain.ErrNoRestoreTechnique)
	}
	tech, ok := corebackup.LookupRestore(rec.Restore)
	if !ok {
		return *rec, fmt.Errorf("backup %s: restore technique %q: %w", id, rec.Restore, domain.ErrNoRestoreTechnique)
	}

	inst, ok := r.instance(rec.InstanceID)
	if !ok {
		return *rec, fmt.Errorf("instance %s is not deployed: %w", rec.InstanceID, domain.ErrNotFound)
	}
	containerID, err := containerOf(inst)
	if err != nil {
		return *rec, err
	}

	f, err := os.Open(rec.Artifact)
	if err != nil {
		return *rec, fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	switch tech.Kind {
	case corebackup.KindExec:
		err = r.engine.Exec(ctx, containerID, tech.Command(rec.Target), f, io.Discard)
	case corebackup.KindArchive:
		// The archive is rooted at the base name of the captured path.
		err = r.engine.CopyTo(ctx, containerID, path.Dir(rec.Target), f)
	default:
		err = fmt.Errorf("unsupported restore kind %q", tech.Kind)
	}
	if err != nil {
		return *rec, fmt.Errorf("restore %s into %s: %w", rec.Restore, rec.InstanceID, err)
	}

	r.logger.Info("backup restored", "id", rec.ID, "instance", rec.InstanceID, "technique", rec.Restore)
	r.event(ctx, rec.InstanceID, domain.EventBackupRestored, fmt.Sprintf("%s restored from %s", rec.Target, rec.ID))
	return *rec, nil
}

// List returns the newest records of a domain.
func (r *Runner) List(ctx context.Context, domainName string, limit int) ([]domain.BackupRecord, error) {
	return r.records.ListBackupRecords(ctx, domain.NormalizeDomain(domainName), store.ListOptions{Limit: limit})
}

func (r *Runner) instance(id string) (domain.InstanceSpec, bool) {
	for _, inst := range r.instances.Instances() {
		if inst.ID == id {
			return inst, true
		}
	}
	return domain.InstanceSpec{}, false
}

func (r *Runner) event(ctx context.Context, instanceID string, eventType domain.EventType, message string) {
	event := domain.NewInstanceEvent(instanceID, eventType, "", message)
	if err := r.records.CreateInstanceEvent(context.WithoutCancel(ctx), &event); err != nil {
		r.logger.Warn("failed to record event", "instance", instanceID, "error", err)
	}
}

func containerOf(inst domain.InstanceSpec) (string, error) {
	if len(inst.ContainerIDs) == 0 {
		return "", fmt.Errorf("instance %s has no container", inst.ID)
	}
	return inst.ContainerIDs[0], nil
}
