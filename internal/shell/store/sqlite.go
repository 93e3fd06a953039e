package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/artpar/shipyard/internal/core/domain"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// =============================================================================
// Executor Interface - Shared by DB and Transaction
// =============================================================================

// executor abstracts database operations that can be performed on both
// a database connection and a transaction.
type executor interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// =============================================================================
// SQLiteStore
// =============================================================================

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore creates a new SQLite store and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}

	// Open database connection
	db, err := sqlx.Open("sqlite3", dsn+sep+"_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to open database", ErrConnectionFailed)
	}

	// SQLite allows a single writer; one connection also keeps an in-memory
	// database alive for the lifetime of the store.
	db.SetMaxOpenConns(1)

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to ping database", ErrConnectionFailed)
	}

	// Run migrations
	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", err.Error(), ErrMigrationFailed)
	}

	return &SQLiteStore{db: db}, nil
}

// runMigrations runs database migrations using embedded SQL files.
func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) AppendSnapshot(ctx context.Context, snapshot domain.Snapshot) error {
	return s.WithTx(ctx, func(tx Store) error {
		return tx.AppendSnapshot(ctx, snapshot)
	})
}

func (s *SQLiteStore) LatestSnapshot(ctx context.Context) (*domain.Snapshot, error) {
	return latestSnapshot(ctx, s.db)
}

func (s *SQLiteStore) GetSnapshot(ctx context.Context, version int64) (*domain.Snapshot, error) {
	return getSnapshot(ctx, s.db, version)
}

func (s *SQLiteStore) ListSnapshots(ctx context.Context, opts ListOptions) ([]domain.Snapshot, error) {
	return listSnapshots(ctx, s.db, opts)
}

func (s *SQLiteStore) CreateBackupRecord(ctx context.Context, record *domain.BackupRecord) error {
	return createBackupRecord(ctx, s.db, record)
}

func (s *SQLiteStore) GetBackupRecord(ctx context.Context, id string) (*domain.BackupRecord, error) {
	return getBackupRecord(ctx, s.db, id)
}

func (s *SQLiteStore) ListBackupRecords(ctx context.Context, domainName string, opts ListOptions) ([]domain.BackupRecord, error) {
	return listBackupRecords(ctx, s.db, domainName, opts)
}

func (s *SQLiteStore) CreateInstanceEvent(ctx context.Context, event *domain.InstanceEvent) error {
	return createInstanceEvent(ctx, s.db, event)
}

func (s *SQLiteStore) ListInstanceEvents(ctx context.Context, instanceID string, limit int) ([]domain.InstanceEvent, error) {
	return listInstanceEvents(ctx, s.db, instanceID, limit)
}

// WithTx executes fn within a database transaction.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return NewStoreError("WithTx", "", "", "failed to begin transaction", ErrTxFailed)
	}

	txS := &txSQLiteStore{tx: tx}

	if err := fn(txS); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return NewStoreError("WithTx", "", "", fmt.Sprintf("rollback failed after error: %v", err), ErrTxFailed)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return NewStoreError("WithTx", "", "", "failed to commit transaction", ErrTxFailed)
	}

	return nil
}

// =============================================================================
// Transaction Store
// =============================================================================

// txSQLiteStore implements Store within a transaction.
type txSQLiteStore struct {
	tx *sqlx.Tx
}

func (s *txSQLiteStore) AppendSnapshot(ctx context.Context, snapshot domain.Snapshot) error {
	return appendSnapshot(ctx, s.tx, snapshot)
}

func (s *txSQLiteStore) LatestSnapshot(ctx context.Context) (*domain.Snapshot, error) {
	return latestSnapshot(ctx, s.tx)
}

func (s *txSQLiteStore) GetSnapshot(ctx context.Context, version int64) (*domain.Snapshot, error) {
	return getSnapshot(ctx, s.tx, version)
}

func (s *txSQLiteStore) ListSnapshots(ctx context.Context, opts ListOptions) ([]domain.Snapshot, error) {
	return listSnapshots(ctx, s.tx, opts)
}

func (s *txSQLiteStore) CreateBackupRecord(ctx context.Context, record *domain.BackupRecord) error {
	return createBackupRecord(ctx, s.tx, record)
}

func (s *txSQLiteStore) GetBackupRecord(ctx context.Context, id string) (*domain.BackupRecord, error) {
	return getBackupRecord(ctx, s.tx, id)
}

func (s *txSQLiteStore) ListBackupRecords(ctx context.Context, domainName string, opts ListOptions) ([]domain.BackupRecord, error) {
	return listBackupRecords(ctx, s.tx, domainName, opts)
}

func (s *txSQLiteStore) CreateInstanceEvent(ctx context.Context, event *domain.InstanceEvent) error {
	return createInstanceEvent(ctx, s.tx, event)
}

func (s *txSQLiteStore) ListInstanceEvents(ctx context.Context, instanceID string, limit int) ([]domain.InstanceEvent, error) {
	return listInstanceEvents(ctx, s.tx, instanceID, limit)
}

func (s *txSQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	// Already in a transaction, just run the function
	return fn(s)
}

func (s *txSQLiteStore) Close() error {
	// No-op for tx store
	return nil
}

// =============================================================================
// Snapshot Operations
// =============================================================================

// snapshotRow represents a snapshot row in the database.
type snapshotRow struct {
	Version   int64  `db:"version"`
	CreatedAt string `db:"created_at"`
	Reason    string `db:"reason"`
	Instances string `db:"instances"`
}

func appendSnapshot(ctx context.Context, exec executor, snapshot domain.Snapshot) error {
	id := strconv.FormatInt(snapshot.Version, 10)

	var latest int64
	if err := exec.GetContext(ctx, &latest, `SELECT COALESCE(MAX(version), 0) FROM snapshots`); err != nil {
		return NewStoreError("AppendSnapshot", "snapshot", id, err.Error(), err)
	}
	if snapshot.Version != latest+1 {
		return NewStoreError("AppendSnapshot", "snapshot", id,
			fmt.Sprintf("expected version %d", latest+1), ErrVersionConflict)
	}

	instances := snapshot.Instances
	if instances == nil {
		instances = map[string]domain.InstanceSpec{}
	}
	instancesJSON, err := json.Marshal(instances)
	if err != nil {
		return NewStoreError("AppendSnapshot", "snapshot", id, "failed to serialize instances", ErrInvalidData)
	}

	query := `
		INSERT INTO snapshots (version, created_at, reason, instances)
		VALUES (:version, :created_at, :reason, :instances)`

	row := map[string]any{
		"version":    snapshot.Version,
		"created_at": snapshot.CreatedAt.UTC().Format(time.RFC3339Nano),
		"reason":     snapshot.Reason,
		"instances":  string(instancesJSON),
	}

	if _, err := exec.NamedExecContext(ctx, query, row); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return NewStoreError("AppendSnapshot", "snapshot", id, "snapshot with this version already exists", ErrVersionConflict)
		}
		return NewStoreError("AppendSnapshot", "snapshot", id, err.Error(), err)
	}

	return nil
}

func latestSnapshot(ctx context.Context, exec executor) (*domain.Snapshot, error) {
	query := `SELECT * FROM snapshots ORDER BY version DESC LIMIT 1`

	var row snapshotRow
	if err := exec.GetContext(ctx, &row, query); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("LatestSnapshot", "snapshot", "", "no snapshot committed", ErrNotFound)
		}
		return nil, NewStoreError("LatestSnapshot", "snapshot", "", err.Error(), err)
	}

	return rowToSnapshot(&row)
}

func getSnapshot(ctx context.Context, exec executor, version int64) (*domain.Snapshot, error) {
	query := `SELECT * FROM snapshots WHERE version = ?`

	var row snapshotRow
	if err := exec.GetContext(ctx, &row, query, version); err != nil {
		id := strconv.FormatInt(version, 10)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetSnapshot", "snapshot", id, "snapshot not found", ErrNotFound)
		}
		return nil, NewStoreError("GetSnapshot", "snapshot", id, err.Error(), err)
	}

	return rowToSnapshot(&row)
}

func listSnapshots(ctx context.Context, exec executor, opts ListOptions) ([]domain.Snapshot, error) {
	opts = opts.Normalize()
	query := `SELECT * FROM snapshots ORDER BY version DESC LIMIT ? OFFSET ?`

	var rows []snapshotRow
	if err := exec.SelectContext(ctx, &rows, query, opts.Limit, opts.Offset); err != nil {
		return nil, NewStoreError("ListSnapshots", "snapshot", "", err.Error(), err)
	}

	snapshots := make([]domain.Snapshot, 0, len(rows))
	for i := range rows {
		snap, err := rowToSnapshot(&rows[i])
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, *snap)
	}

	return snapshots, nil
}

func rowToSnapshot(row *snapshotRow) (*domain.Snapshot, error) {
	createdAt, _ := time.Parse(time.RFC3339Nano, row.CreatedAt)

	instances := map[string]domain.InstanceSpec{}
	if err := json.Unmarshal([]byte(row.Instances), &instances); err != nil {
		return nil, NewStoreError("rowToSnapshot", "snapshot", strconv.FormatInt(row.Version, 10), "failed to deserialize instances", ErrInvalidData)
	}
	if instances == nil {
		instances = map[string]domain.InstanceSpec{}
	}

	return &domain.Snapshot{
		Version:   row.Version,
		CreatedAt: createdAt,
		Reason:    row.Reason,
		Instances: instances,
	}, nil
}

// =============================================================================
// Backup Record Operations
// =============================================================================

// backupRow represents a backup row in the database.
type backupRow struct {
	ID         string `db:"id"`
	InstanceID string `db:"instance_id"`
	Domain     string `db:"domain"`
	Target     string `db:"target"`
	Technique  string `db:"technique"`
	Restore    string `db:"restore"`
	Artifact   string `db:"artifact"`
	SizeBytes  int64  `db:"size_bytes"`
	CreatedAt  string `db:"created_at"`
}

func createBackupRecord(ctx context.Context, exec executor, record *domain.BackupRecord) error {
	query := `
		INSERT INTO backups (
			id, instance_id, domain, target, technique, restore,
			artifact, size_bytes, created_at
		) VALUES (
			:id, :instance_id, :domain, :target, :technique, :restore,
			:artifact, :size_bytes, :created_at
		)`

	row := map[string]any{
		"id":          record.ID,
		"instance_id": record.InstanceID,
		"domain":      record.Domain,
		"target":      record.Target,
		"technique":   record.Technique,
		"restore":     record.Restore,
		"artifact":    record.Artifact,
		"size_bytes":  record.SizeBytes,
		"created_at":  record.CreatedAt.UTC().Format(time.RFC3339Nano),
	}

	if _, err := exec.NamedExecContext(ctx, query, row); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: backups.id") {
			return NewStoreError("CreateBackupRecord", "backup", record.ID, "backup with this ID already exists", ErrDuplicateID)
		}
		return NewStoreError("CreateBackupRecord", "backup", record.ID, err.Error(), err)
	}

	return nil
}

func getBackupRecord(ctx context.Context, exec executor, id string) (*domain.BackupRecord, error) {
	query := `SELECT * FROM backups WHERE id = ?`

	var row backupRow
	if err := exec.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetBackupRecord", "backup", id, "backup not found", ErrNotFound)
		}
		return nil, NewStoreError("GetBackupRecord", "backup", id, err.Error(), err)
	}

	record := rowToBackupRecord(&row)
	return &record, nil
}

func listBackupRecords(ctx context.Context, exec executor, domainName string, opts ListOptions) ([]domain.BackupRecord, error) {
	opts = opts.Normalize()

	var rows []backupRow
	var err error
	if domainName == "" {
		query := `SELECT * FROM backups ORDER BY created_at DESC, id LIMIT ? OFFSET ?`
		err = exec.SelectContext(ctx, &rows, query, opts.Limit, opts.Offset)
	} else {
		query := `SELECT * FROM backups WHERE domain = ? ORDER BY created_at DESC, id LIMIT ? OFFSET ?`
		err = exec.SelectContext(ctx, &rows, query, domainName, opts.Limit, opts.Offset)
	}
	if err != nil {
		return nil, NewStoreError("ListBackupRecords", "backup", "", err.Error(), err)
	}

	records := make([]domain.BackupRecord, len(rows))
	for i := range rows {
		records[i] = rowToBackupRecord(&rows[i])
	}
	return records, nil
}

func rowToBackupRecord(row *backupRow) domain.BackupRecord {
	createdAt, _ := time.Parse(time.RFC3339Nano, row.CreatedAt)
	return domain.BackupRecord{
		ID:         row.ID,
		InstanceID: row.InstanceID,
		Domain:     row.Domain,
		Target:     row.Target,
		Technique:  row.Technique,
		Restore:    row.Restore,
		Artifact:   row.Artifact,
		SizeBytes:  row.SizeBytes,
		CreatedAt:  createdAt,
	}
}

// =============================================================================
// Instance Event Operations
// =============================================================================

// eventRow represents an instance event row in the database.
type eventRow struct {
	ID         int64  `db:"id"`
	InstanceID string `db:"instance_id"`
	Type       string `db:"type"`
	Container  string `db:"container"`
	Message    string `db:"message"`
	Timestamp  string `db:"timestamp"`
}

func createInstanceEvent(ctx context.Context, exec executor, event *domain.InstanceEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	query := `
		INSERT INTO instance_events (instance_id, type, container, message, timestamp)
		VALUES (:instance_id, :type, :container, :message, :timestamp)`

	row := map[string]any{
		"instance_id": event.InstanceID,
		"type":        string(event.Type),
		"container":   event.Container,
		"message":     event.Message,
		"timestamp":   event.Timestamp.UTC().Format(time.RFC3339Nano),
	}

	result, err := exec.NamedExecContext(ctx, query, row)
	if err != nil {
		return NewStoreError("CreateInstanceEvent", "event", event.InstanceID, err.Error(), err)
	}
	if id, err := result.LastInsertId(); err == nil {
		event.ID = id
	}
	return nil
}

func listInstanceEvents(ctx context.Context, exec executor, instanceID string, limit int) ([]domain.InstanceEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := `SELECT * FROM instance_events WHERE instance_id = ? ORDER BY id DESC LIMIT ?`

	var rows []eventRow
	if err := exec.SelectContext(ctx, &rows, query, instanceID, limit); err != nil {
		return nil, NewStoreError("ListInstanceEvents", "event", instanceID, err.Error(), err)
	}

	events := make([]domain.InstanceEvent, len(rows))
	for i, row := range rows {
		ts, _ := time.Parse(time.RFC3339Nano, row.Timestamp)
		events[i] = domain.InstanceEvent{
			ID:         row.ID,
			InstanceID: row.InstanceID,
			Type:       domain.EventType(row.Type),
			Container:  row.Container,
			Message:    row.Message,
			Timestamp:  ts,
		}
	}
	return events, nil
}
