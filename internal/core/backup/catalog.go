// Package backup describes backup capture techniques and their restore
// counterparts. It performs no I/O; internal/shell/backup runs the commands.
package backup

import (
	"fmt"
	"sort"

	"github.com/artpar/shipyard/internal/core/domain"
)

// Kind says how a technique moves data.
type Kind string

const (
	// KindExec runs a command in the instance container. Capture saves its
	// stdout; restore feeds the artifact on stdin.
	KindExec Kind = "exec"
	// KindArchive copies a path out of (or into) the container as a tar stream.
	KindArchive Kind = "archive"
	// KindFetch downloads a URL over HTTP.
	KindFetch Kind = "fetch"
)

// Technique is one entry of the catalog.
type Technique struct {
	Name      string `json:"name"`
	Kind      Kind   `json:"kind"`
	Restore   string `json:"restore,omitempty"`
	Extension string `json:"extension"`
	script    string
}

// Command returns the argv to run in the container for target.
// Only exec techniques have a command.
func (t Technique) Command(target string) []string {
	if t.Kind != KindExec {
		return nil
	}
	return []string{"sh", "-c", t.script, "sh", target}
}

const (
	pgUser    = `"${POSTGRES_USER:-postgres}"`
	mysqlAuth = `-uroot -p"${MYSQL_ROOT_PASSWORD}"`
)

var captures = map[string]Technique{
	"pg_dumpall": {Name: "pg_dumpall", Kind: KindExec, Restore: "psql", Extension: "sql",
		script: `pg_dumpall --clean --if-exists -U ` + pgUser},
	"pg_dump": {Name: "pg_dump", Kind: KindExec, Restore: "pg_restore", Extension: "dump",
		script: `pg_dump -Fc -U ` + pgUser + ` "$1"`},
	"mysqldump": {Name: "mysqldump", Kind: KindExec, Restore: "mysql", Extension: "sql",
		script: `mysqldump ` + mysqlAuth + ` --single-transaction --databases "$1"`},
	"mongodump": {Name: "mongodump", Kind: KindExec, Restore: "mongorestore", Extension: "archive",
		script: `mongodump --quiet --archive --db "$1"`},
	"sqlite3": {Name: "sqlite3", Kind: KindExec, Restore: "sqlite3_load", Extension: "sql",
		script: `sqlite3 "$1" .dump`},
	"tar": {Name: "tar", Kind: KindArchive, Restore: "untar", Extension: "tar"},
	"http_get": {Name: "http_get", Kind: KindFetch, Extension: "bin"},
}

var restores = map[string]Technique{
	"psql": {Name: "psql", Kind: KindExec, Extension: "sql",
		script: `psql -q -U ` + pgUser + ` -d postgres`},
	"pg_restore": {Name: "pg_restore", Kind: KindExec, Extension: "dump",
		script: `pg_restore --clean --if-exists -U ` + pgUser + ` -d "$1"`},
	"mysql": {Name: "mysql", Kind: KindExec, Extension: "sql",
		script: `mysql ` + mysqlAuth},
	"mongorestore": {Name: "mongorestore", Kind: KindExec, Extension: "archive",
		script: `mongorestore --quiet --archive --drop`},
	"sqlite3_load": {Name: "sqlite3_load", Kind: KindExec, Extension: "sql",
		script: `rm -f "$1" && sqlite3 "$1"`},
	"untar": {Name: "untar", Kind: KindArchive, Extension: "tar"},
}

// Lookup returns a capture technique by name.
func Lookup(name string) (Technique, bool) {
	t, ok := captures[name]
	return t, ok
}

// LookupRestore returns a restore technique by name.
func LookupRestore(name string) (Technique, bool) {
	t, ok := restores[name]
	return t, ok
}

// RestoreTechniqueFor maps a capture technique to its restore technique.
// Unknown techniques, and techniques that cannot be restored, return
// ("", false); callers decide whether that is fatal.
func RestoreTechniqueFor(technique string) (string, bool) {
	t, ok := captures[technique]
	if !ok || t.Restore == "" {
		return "", false
	}
	return t.Restore, true
}

// Techniques returns every capture technique sorted by name.
func Techniques() []Technique {
	out := make([]Technique, 0, len(captures))
	for _, t := range captures {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Compatible reports whether restore can read what capture produces: it must
// be the catalog's restore technique for capture.
func Compatible(capture, restore string) bool {
	want, ok := RestoreTechniqueFor(capture)
	return ok && restore == want
}

// ListItems returns the backup items of an instance with their restore
// technique taken from the catalog.
func ListItems(instance domain.InstanceSpec) []domain.BackupItem {
	out := make([]domain.BackupItem, 0, len(instance.Backups))
	for _, item := range instance.Backups {
		item.Restore, _ = RestoreTechniqueFor(item.Technique)
		out = append(out, item)
	}
	return out
}

// Validate reports items whose technique is not in the catalog, and items
// naming a restore technique that cannot read their capture.
func Validate(instance domain.InstanceSpec) error {
	for _, item := range instance.Backups {
		if _, ok := captures[item.Technique]; !ok {
			return domain.NewSpecError(instance.ID, "unknown backup technique "+item.Technique)
		}
		if item.Restore != "" && !Compatible(item.Technique, item.Restore) {
			return domain.NewSpecError(instance.ID, fmt.Sprintf("backup technique %s cannot be restored with %s", item.Technique, item.Restore))
		}
	}
	return nil
}
