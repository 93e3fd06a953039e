// Package apps drives instance transitions: deploy, stop, redeploy and
// reconcile. Each transition runs a bounded sequence of steps against the
// container engine, port table, reverse proxy and certificate issuer, and
// commits to the state journal only when every step succeeded.
package apps

import (
	"context"
	"io"
	"log/slog"
	"time"

	coredeployment "github.com/artpar/shipyard/internal/core/deployment"
	"github.com/artpar/shipyard/internal/core/domain"
	"github.com/artpar/shipyard/internal/core/proxy"
	"github.com/artpar/shipyard/internal/shell/docker"
	"github.com/artpar/shipyard/internal/shell/journal"
	"github.com/artpar/shipyard/internal/shell/ports"
)

// =============================================================================
// Collaborators
// =============================================================================

// Engine is the container engine collaborator.
type Engine interface {
	CreateAndStart(ctx context.Context, plan coredeployment.ContainerPlan) (string, error)
	Start(ctx context.Context, containerID string) error
	Stop(ctx context.Context, containerID string) error
	Remove(ctx context.Context, containerID string) error
	Healthcheck(ctx context.Context, containerID string) (bool, error)
	ImageVolumes(ctx context.Context, image string) ([]string, error)
	ManagedContainers(ctx context.Context) ([]docker.ContainerInfo, error)
}

// Router is the reverse-proxy collaborator.
type Router interface {
	SetRoute(ctx context.Context, domain string, target proxy.RouteTarget) error
	RemoveRoute(ctx context.Context, domain string) error
	Route(domain string) (proxy.RouteTarget, bool)
}

// Certs is the certificate collaborator.
type Certs interface {
	EnsureCertificate(ctx context.Context, domain string) error
}

// Ports is the process-wide port reservation table.
type Ports interface {
	Reserve(ctx context.Context, req ports.Request) (domain.PortReservation, error)
	Release(res domain.PortReservation)
	Adopt(res domain.PortReservation)
	Held(res domain.PortReservation) bool
}

// Journal is the state journal.
type Journal interface {
	Current() domain.Snapshot
	Update(ctx context.Context, reason string, mutate func(domain.Snapshot) domain.Snapshot) (domain.Snapshot, error)
	Get(ctx context.Context, version int64) (domain.Snapshot, error)
	Restore(ctx context.Context, target domain.Snapshot, r journal.Reconciler) (domain.Snapshot, error)
}

// EventRecorder stores instance lifecycle events.
type EventRecorder interface {
	CreateInstanceEvent(ctx context.Context, event *domain.InstanceEvent) error
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds transition policy.
type Config struct {
	// HealthAttempts is the maximum number of health probes.
	HealthAttempts int
	// HealthInterval is the pause between probes.
	HealthInterval time.Duration
	// HealthTimeout bounds the whole health_check step.
	HealthTimeout time.Duration
	// ConflictPolicy decides between queueing and rejecting concurrent
	// transitions on one domain.
	ConflictPolicy ConflictPolicy
	// TraefikLabels attaches Traefik routing labels to routed containers.
	TraefikLabels bool
	// TraefikCertResolver adds an HTTPS router using this resolver when set.
	TraefikCertResolver string
}

// DefaultConfig returns the default transition policy.
func DefaultConfig() Config {
	return Config{
		HealthAttempts: 30,
		HealthInterval: 2 * time.Second,
		HealthTimeout:  2 * time.Minute,
		ConflictPolicy: ConflictQueue,
	}
}

// =============================================================================
// Deployer
// =============================================================================

// Deployer orchestrates instance transitions.
type Deployer struct {
	engine  Engine
	router  Router
	certs   Certs
	ports   Ports
	journal Journal
	events  EventRecorder
	config  Config
	logger  *slog.Logger
	locks   *domainLocks
	now     func() time.Time
}

// Deps groups the collaborators of a Deployer.
type Deps struct {
	Engine  Engine
	Router  Router
	Certs   Certs
	Ports   Ports
	Journal Journal
	Events  EventRecorder // optional
}

// NewDeployer creates a Deployer.
func NewDeployer(deps Deps, cfg Config, logger *slog.Logger) *Deployer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	def := DefaultConfig()
	if cfg.HealthAttempts <= 0 {
		cfg.HealthAttempts = def.HealthAttempts
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = def.HealthInterval
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = def.HealthTimeout
	}
	return &Deployer{
		engine:  deps.Engine,
		router:  deps.Router,
		certs:   deps.Certs,
		ports:   deps.Ports,
		journal: deps.Journal,
		events:  deps.Events,
		config:  cfg,
		logger:  logger.With("component", "apps"),
		locks:   newDomainLocks(cfg.ConflictPolicy),
		now:     time.Now,
	}
}

// =============================================================================
// Queries
// =============================================================================

// InstancesOfDomain returns the instances serving domainName, ordered by ID.
// An unknown domain yields an empty slice.
func (d *Deployer) InstancesOfDomain(domainName string) []domain.InstanceSpec {
	return d.journal.Current().InstancesOfDomain(domainName)
}

// Instances returns every instance of the current snapshot, ordered by ID.
func (d *Deployer) Instances() []domain.InstanceSpec {
	return d.journal.Current().SortedInstances()
}

// Busy reports whether a transition is in flight for domainName.
func (d *Deployer) Busy(domainName string) bool {
	return d.locks.busy(domain.NormalizeDomain(domainName))
}

// =============================================================================
// Helpers
// =============================================================================

func (d *Deployer) record(ctx context.Context, instanceID string, eventType domain.EventType, container, message string) {
	if d.events == nil {
		return
	}
	event := domain.NewInstanceEvent(instanceID, eventType, container, message)
	if err := d.events.CreateInstanceEvent(context.WithoutCancel(ctx), &event); err != nil {
		d.logger.Warn("failed to record event", "instance", instanceID, "type", eventType, "error", err)
	}
}

// routeTarget returns the upstream for a routed instance.
func routeTarget(domainName string, spec domain.InstanceSpec) (proxy.RouteTarget, bool) {
	if spec.RoutePort == 0 {
		return proxy.RouteTarget{}, false
	}
	binding, ok := spec.RouteBinding()
	if !ok || binding.HostPort == 0 {
		return proxy.RouteTarget{}, false
	}
	target := proxy.LocalTarget(domainName, spec.ID, binding.HostPort)
	switch binding.HostIP {
	case "", "0.0.0.0", "::":
	default:
		target.Host = binding.HostIP
	}
	return target, true
}

func domainsOf(specs ...domain.InstanceSpec) []string {
	var out []string
	for _, s := range specs {
		out = append(out, s.Domains...)
	}
	return out
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
