package domain

import "time"

// BackupRecord describes one captured artifact.
type BackupRecord struct {
	ID         string    `json:"id"`
	InstanceID string    `json:"instance_id"`
	Domain     string    `json:"domain"`
	Target     string    `json:"target"`
	Technique  string    `json:"technique"`
	Restore    string    `json:"restore,omitempty"`
	Artifact   string    `json:"artifact"`
	SizeBytes  int64     `json:"size_bytes"`
	CreatedAt  time.Time `json:"created_at"`
}

// Restorable reports whether the record has a restore technique.
func (r BackupRecord) Restorable() bool {
	return r.Restore != ""
}
