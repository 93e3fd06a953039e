// Package workers contains background workers for shipyard.
package workers

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/artpar/shipyard/internal/core/domain"
	"github.com/artpar/shipyard/internal/core/monitoring"
	"github.com/artpar/shipyard/internal/shell/docker"
)

// Instances lists deployed instances and reports in-flight transitions.
type Instances interface {
	Instances() []domain.InstanceSpec
	Busy(domainName string) bool
}

// Checker reports the health of one container.
type Checker interface {
	Healthcheck(ctx context.Context, containerID string) (bool, error)
}

// EventRecorder persists lifecycle events.
type EventRecorder interface {
	CreateInstanceEvent(ctx context.Context, event *domain.InstanceEvent) error
}

// MonitorConfig configures the instance monitor.
type MonitorConfig struct {
	// Interval is the time between check cycles.
	// Default: 30 seconds.
	Interval time.Duration

	// CheckTimeout bounds the check of a single container.
	// Default: 10 seconds.
	CheckTimeout time.Duration

	// MaxConcurrent is the maximum number of containers checked at once.
	// Default: 5.
	MaxConcurrent int
}

// DefaultMonitorConfig returns the default configuration.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Interval:      30 * time.Second,
		CheckTimeout:  10 * time.Second,
		MaxConcurrent: 5,
	}
}

// Monitor periodically checks the containers of committed instances and
// records an event whenever a container changes state. It only observes;
// restarting containers is left to the engine's restart policy.
type Monitor struct {
	instances Instances
	checker   Checker
	events    EventRecorder
	config    MonitorConfig
	logger    *slog.Logger

	mu   sync.Mutex
	last map[string]monitoring.State

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates a new instance monitor.
func NewMonitor(instances Instances, checker Checker, events EventRecorder, config MonitorConfig, logger *slog.Logger) *Monitor {
	defaults := DefaultMonitorConfig()
	if config.Interval == 0 {
		config.Interval = defaults.Interval
	}
	if config.CheckTimeout == 0 {
		config.CheckTimeout = defaults.CheckTimeout
	}
	if config.MaxConcurrent == 0 {
		config.MaxConcurrent = defaults.MaxConcurrent
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Monitor{
		instances: instances,
		checker:   checker,
		events:    events,
		config:    config,
		logger:    logger.With("component", "monitor"),
		last:      make(map[string]monitoring.State),
	}
}

// Start begins the monitor background goroutine.
func (m *Monitor) Start() {
	m.ctx, m.cancel = context.WithCancel(context.Background())

	m.wg.Add(1)
	go m.run()

	m.logger.Info("instance monitor started",
		"interval", m.config.Interval,
		"max_concurrent", m.config.MaxConcurrent,
	)
}

// Stop stops the monitor and waits for an in-progress cycle to finish.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.logger.Info("instance monitor stopped")
}

func (m *Monitor) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.RunCycle(m.ctx)
		}
	}
}

type target struct {
	instance  domain.InstanceSpec
	container string
}

// RunCycle checks every container of every idle instance once.
func (m *Monitor) RunCycle(ctx context.Context) {
	var targets []target
	seen := make(map[string]bool)
	for _, inst := range m.instances.Instances() {
		if m.busy(inst) {
			// The transition owns the containers until it commits.
			for _, id := range inst.ContainerIDs {
				seen[id] = true
			}
			continue
		}
		for _, id := range inst.ContainerIDs {
			targets = append(targets, target{instance: inst, container: id})
			seen[id] = true
		}
	}
	m.forget(seen)

	if len(targets) == 0 {
		m.logger.Debug("no containers to check")
		return
	}

	sem := make(chan struct{}, m.config.MaxConcurrent)
	var wg sync.WaitGroup

	for _, t := range targets {
		wg.Add(1)
		go func(t target) {
			defer wg.Done()

			select {
			case <-ctx.Done():
				return
			case sem <- struct{}{}:
				defer func() { <-sem }()
			}

			m.check(ctx, t)
		}(t)
	}

	wg.Wait()
	m.logger.Debug("completed check cycle", "container_count", len(targets))
}

func (m *Monitor) busy(inst domain.InstanceSpec) bool {
	for _, d := range inst.Domains {
		if m.instances.Busy(d) {
			return true
		}
	}
	return false
}

func (m *Monitor) check(ctx context.Context, t target) {
	checkCtx, cancel := context.WithTimeout(ctx, m.config.CheckTimeout)
	defer cancel()

	healthy, err := m.checker.Healthcheck(checkCtx, t.container)
	state := docker.HealthState(healthy, err)

	m.mu.Lock()
	prev, known := m.last[t.container]
	m.last[t.container] = state
	m.mu.Unlock()

	eventType, ok := monitoring.Change(prev, known, state)
	if !ok {
		return
	}

	logger := m.logger.With("instance", t.instance.ID, "container", shortContainer(t.container))
	if state == monitoring.Healthy {
		logger.Info("container recovered")
	} else {
		logger.Warn("container state changed", "state", state, "error", err)
	}

	message := monitoring.EventMessage(eventType, shortContainer(t.container))
	if err != nil {
		message += ": " + err.Error()
	}

	event := domain.NewInstanceEvent(t.instance.ID, eventType, t.container, message)
	if err := m.events.CreateInstanceEvent(ctx, &event); err != nil {
		logger.Error("failed to record event", "error", err)
	}
}

// forget drops state of containers that no longer belong to any instance.
func (m *Monitor) forget(current map[string]bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.last {
		if !current[id] {
			delete(m.last, id)
		}
	}
}

func shortContainer(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
