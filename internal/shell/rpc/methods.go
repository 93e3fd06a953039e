package rpc

import (
	"context"
	"time"

	corebackup "github.com/artpar/shipyard/internal/core/backup"
	"github.com/artpar/shipyard/internal/core/compose"
	coredeployment "github.com/artpar/shipyard/internal/core/deployment"
	"github.com/artpar/shipyard/internal/core/domain"
	corerpc "github.com/artpar/shipyard/internal/core/rpc"
	"github.com/artpar/shipyard/internal/shell/apps"
	"github.com/artpar/shipyard/internal/shell/backup"
)

// =============================================================================
// Collaborators
// =============================================================================

// Apps is the deployment surface used by app.* and state.rollback.
type Apps interface {
	Deploy(ctx context.Context, spec domain.InstanceSpec) (domain.Snapshot, error)
	DeployAll(ctx context.Context, specs []domain.InstanceSpec) (domain.Snapshot, error)
	Stop(ctx context.Context, domainName string) (domain.Snapshot, error)
	Redeploy(ctx context.Context, domainName string) (domain.Snapshot, error)
	Rollback(ctx context.Context, version int64) (domain.Snapshot, error)
	Status(ctx context.Context, domainName string) []apps.InstanceStatus
	InstancesOfDomain(domainName string) []domain.InstanceSpec
	Instances() []domain.InstanceSpec
}

// State is the read side of the journal.
type State interface {
	Current() domain.Snapshot
	History(ctx context.Context, limit int) ([]domain.Snapshot, error)
	Get(ctx context.Context, version int64) (domain.Snapshot, error)
}

// Backups runs captures and restores.
type Backups interface {
	Items(domainName string) []backup.InstanceItems
	Run(ctx context.Context, domainName string) ([]domain.BackupRecord, error)
	List(ctx context.Context, domainName string, limit int) ([]domain.BackupRecord, error)
	Restore(ctx context.Context, id string) (domain.BackupRecord, error)
}

// PortTable lists held port reservations.
type PortTable interface {
	Reserved() []domain.PortReservation
}

// EventLog lists instance lifecycle events.
type EventLog interface {
	ListInstanceEvents(ctx context.Context, instanceID string, limit int) ([]domain.InstanceEvent, error)
}

// Services bundles what the built-in methods call into.
type Services struct {
	Apps    Apps
	State   State
	Backups Backups
	Ports   PortTable
	Events  EventLog
	Calls   *Ring

	// TransitionTimeout bounds each call of a method that runs a
	// transition. Zero leaves them unbounded.
	TransitionTimeout time.Duration
}

// TransitionResult is returned by methods that commit a snapshot.
type TransitionResult struct {
	Version   int64                 `json:"version"`
	Instances []domain.InstanceSpec `json:"instances"`
}

// RestoreTechniqueResult answers backup.restore_technique. An unknown
// technique yields an empty restore and Found false.
type RestoreTechniqueResult struct {
	Technique string `json:"technique"`
	Restore   string `json:"restore,omitempty"`
	Found     bool   `json:"found"`
}

const defaultListLimit = 50

// RegisterBuiltins registers the app, state, backup and system methods.
func RegisterBuiltins(r *Registry, svc Services) {
	registerApp(r, svc)
	registerState(r, svc)
	registerBackup(r, svc)
	registerSystem(r, svc)
}

// =============================================================================
// app.*
// =============================================================================

func registerApp(r *Registry, svc Services) {
	r.Register("app.", "deploy", func(ctx context.Context, args corerpc.Args) (any, error) {
		var spec domain.InstanceSpec
		if err := args.Require(0, "spec", &spec); err != nil {
			return nil, err
		}
		snap, err := svc.Apps.Deploy(ctx, spec)
		if err != nil {
			return nil, err
		}
		return transitionResult(snap, spec.Normalized().PrimaryDomain()), nil
	},
		Describe("Deploy an instance, replacing its previous generation"),
		WithTimeout(svc.TransitionTimeout),
		Arg("spec", domain.InstanceSpec{}),
		Returns(TransitionResult{}),
	)

	r.Register("app.", "deploy_compose", func(ctx context.Context, args corerpc.Args) (any, error) {
		var domainName, document string
		if err := args.Require(0, "domain", &domainName); err != nil {
			return nil, err
		}
		if err := args.Require(1, "compose", &document); err != nil {
			return nil, err
		}
		var variables map[string]string
		if _, err := args.Get(2, "variables", &variables); err != nil {
			return nil, err
		}
		if domain.NormalizeDomain(domainName) == "" {
			return nil, corerpc.NewArgumentError("domain", "is empty")
		}

		parsed, err := compose.Parse(document, variables)
		if err != nil {
			return nil, corerpc.NewArgumentError("compose", err.Error())
		}
		snap, err := svc.Apps.DeployAll(ctx, coredeployment.ComposeInstances(domainName, parsed))
		if err != nil {
			return nil, err
		}
		return transitionResult(snap, domainName), nil
	},
		Describe("Deploy every service of a compose document under one domain"),
		WithTimeout(svc.TransitionTimeout),
		Arg("domain", ""),
		Arg("compose", ""),
		OptionalArg("variables", map[string]string{}),
		Returns(TransitionResult{}),
	)

	r.Register("app.", "stop", func(ctx context.Context, args corerpc.Args) (any, error) {
		var domainName string
		if err := args.Require(0, "domain", &domainName); err != nil {
			return nil, err
		}
		snap, err := svc.Apps.Stop(ctx, domainName)
		if err != nil {
			return nil, err
		}
		return transitionResult(snap, domainName), nil
	},
		Describe("Stop every instance serving a domain; volumes are kept"),
		WithTimeout(svc.TransitionTimeout),
		Arg("domain", ""),
		Returns(TransitionResult{}),
	)

	r.Register("app.", "redeploy", func(ctx context.Context, args corerpc.Args) (any, error) {
		var domainName string
		if err := args.Require(0, "domain", &domainName); err != nil {
			return nil, err
		}
		snap, err := svc.Apps.Redeploy(ctx, domainName)
		if err != nil {
			return nil, err
		}
		return transitionResult(snap, domainName), nil
	},
		Describe("Replace the containers of a domain with a new generation"),
		WithTimeout(svc.TransitionTimeout),
		Arg("domain", ""),
		Returns(TransitionResult{}),
	)

	r.Register("app.", "status", func(ctx context.Context, args corerpc.Args) (any, error) {
		var domainName string
		if err := args.Require(0, "domain", &domainName); err != nil {
			return nil, err
		}
		return svc.Apps.Status(ctx, domainName), nil
	},
		Describe("Live status of the instances serving a domain"),
		Arg("domain", ""),
		Returns([]apps.InstanceStatus{}),
	)

	r.Register("app.", "list", func(ctx context.Context, args corerpc.Args) (any, error) {
		return svc.Apps.Instances(), nil
	},
		Describe("Every deployed instance"),
		Returns([]domain.InstanceSpec{}),
	)

	r.Register("app.", "events", func(ctx context.Context, args corerpc.Args) (any, error) {
		var domainName string
		if err := args.Require(0, "domain", &domainName); err != nil {
			return nil, err
		}
		limit := defaultListLimit
		if _, err := args.Get(1, "limit", &limit); err != nil {
			return nil, err
		}

		events := []domain.InstanceEvent{}
		for _, inst := range svc.Apps.InstancesOfDomain(domainName) {
			list, err := svc.Events.ListInstanceEvents(ctx, inst.ID, limit)
			if err != nil {
				return nil, err
			}
			events = append(events, list...)
		}
		return events, nil
	},
		Describe("Recent lifecycle events of the instances serving a domain"),
		Arg("domain", ""),
		OptionalArg("limit", 0),
		Returns([]domain.InstanceEvent{}),
	)
}

func transitionResult(snap domain.Snapshot, domainName string) TransitionResult {
	return TransitionResult{
		Version:   snap.Version,
		Instances: snap.InstancesOfDomain(domain.NormalizeDomain(domainName)),
	}
}

// =============================================================================
// state.*
// =============================================================================

func registerState(r *Registry, svc Services) {
	r.Register("state.", "current", func(ctx context.Context, args corerpc.Args) (any, error) {
		return svc.State.Current(), nil
	},
		Describe("The most recent committed snapshot"),
		Returns(domain.Snapshot{}),
	)

	r.Register("state.", "history", func(ctx context.Context, args corerpc.Args) (any, error) {
		limit := defaultListLimit
		if _, err := args.Get(0, "limit", &limit); err != nil {
			return nil, err
		}
		return svc.State.History(ctx, limit)
	},
		Describe("Committed snapshots, newest first"),
		OptionalArg("limit", 0),
		Returns([]domain.Snapshot{}),
	)

	r.Register("state.", "get", func(ctx context.Context, args corerpc.Args) (any, error) {
		var version int64
		if err := args.Require(0, "version", &version); err != nil {
			return nil, err
		}
		return svc.State.Get(ctx, version)
	},
		Describe("One snapshot by version"),
		Arg("version", int64(0)),
		Returns(domain.Snapshot{}),
	)

	r.Register("state.", "rollback", func(ctx context.Context, args corerpc.Args) (any, error) {
		var version int64
		if err := args.Require(0, "version", &version); err != nil {
			return nil, err
		}
		snap, err := svc.Apps.Rollback(ctx, version)
		if err != nil {
			return nil, err
		}
		return TransitionResult{Version: snap.Version, Instances: snap.SortedInstances()}, nil
	},
		Describe("Converge on an earlier snapshot, committing it as a new version"),
		WithTimeout(svc.TransitionTimeout),
		Arg("version", int64(0)),
		Returns(TransitionResult{}),
	)
}

// =============================================================================
// backup.*
// =============================================================================

func registerBackup(r *Registry, svc Services) {
	r.Register("backup.", "techniques", func(ctx context.Context, args corerpc.Args) (any, error) {
		return corebackup.Techniques(), nil
	},
		Describe("Every known capture technique"),
		Returns([]corebackup.Technique{}),
	)

	r.Register("backup.", "restore_technique", func(ctx context.Context, args corerpc.Args) (any, error) {
		var technique string
		if err := args.Require(0, "technique", &technique); err != nil {
			return nil, err
		}
		restore, ok := corebackup.RestoreTechniqueFor(technique)
		return RestoreTechniqueResult{Technique: technique, Restore: restore, Found: ok}, nil
	},
		Describe("The restore technique paired with a capture technique"),
		Arg("technique", ""),
		Returns(RestoreTechniqueResult{}),
	)

	r.Register("backup.", "items", func(ctx context.Context, args corerpc.Args) (any, error) {
		var domainName string
		if err := args.Require(0, "domain", &domainName); err != nil {
			return nil, err
		}
		return svc.Backups.Items(domainName), nil
	},
		Describe("Backup items of the instances serving a domain"),
		Arg("domain", ""),
		Returns([]backup.InstanceItems{}),
	)

	r.Register("backup.", "run", func(ctx context.Context, args corerpc.Args) (any, error) {
		var domainName string
		if err := args.Require(0, "domain", &domainName); err != nil {
			return nil, err
		}
		return svc.Backups.Run(ctx, domainName)
	},
		Describe("Capture every backup item of a domain"),
		Arg("domain", ""),
		Returns([]domain.BackupRecord{}),
	)

	r.Register("backup.", "list", func(ctx context.Context, args corerpc.Args) (any, error) {
		var domainName string
		if err := args.Require(0, "domain", &domainName); err != nil {
			return nil, err
		}
		limit := defaultListLimit
		if _, err := args.Get(1, "limit", &limit); err != nil {
			return nil, err
		}
		return svc.Backups.List(ctx, domainName, limit)
	},
		Describe("Captured artifacts of a domain, newest first"),
		Arg("domain", ""),
		OptionalArg("limit", 0),
		Returns([]domain.BackupRecord{}),
	)

	r.Register("backup.", "restore", func(ctx context.Context, args corerpc.Args) (any, error) {
		var id string
		if err := args.Require(0, "id", &id); err != nil {
			return nil, err
		}
		return svc.Backups.Restore(ctx, id)
	},
		Describe("Feed a captured artifact back through its restore technique"),
		Arg("id", ""),
		Returns(domain.BackupRecord{}),
	)
}

// =============================================================================
// system.*
// =============================================================================

// PingResult answers system.ping.
type PingResult struct {
	Pong    bool      `json:"pong"`
	Version string    `json:"version"`
	Time    time.Time `json:"time"`
}

func registerSystem(r *Registry, svc Services) {
	r.Register("system.", "ping", func(ctx context.Context, args corerpc.Args) (any, error) {
		return PingResult{Pong: true, Version: corerpc.Version, Time: time.Now().UTC()}, nil
	},
		Describe("Liveness check"),
		Returns(PingResult{}),
	)

	r.Register("system.", "methods", func(ctx context.Context, args corerpc.Args) (any, error) {
		d, ok := DispatcherFromContext(ctx)
		if !ok {
			return []Method{}, nil
		}
		return d.Methods(), nil
	},
		Describe("Every registered method with its arguments"),
		Returns([]Method{}),
	)

	r.Register("system.", "calls", func(ctx context.Context, args corerpc.Args) (any, error) {
		limit := defaultListLimit
		if _, err := args.Get(0, "limit", &limit); err != nil {
			return nil, err
		}
		if svc.Calls == nil {
			return []TraceRecord{}, nil
		}
		return svc.Calls.Recent(limit), nil
	},
		Describe("Most recent calls, newest first"),
		OptionalArg("limit", 0),
		Returns([]TraceRecord{}),
	)

	r.Register("system.", "ports", func(ctx context.Context, args corerpc.Args) (any, error) {
		return svc.Ports.Reserved(), nil
	},
		Describe("Host ports currently reserved"),
		Returns([]domain.PortReservation{}),
	)
}
