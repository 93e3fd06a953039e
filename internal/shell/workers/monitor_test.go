package workers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/artpar/shipyard/internal/core/domain"
	"github.com/artpar/shipyard/internal/shell/docker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeInstances struct {
	mu        sync.Mutex
	instances []domain.InstanceSpec
	busy      map[string]bool
}

func (f *fakeInstances) Instances() []domain.InstanceSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.InstanceSpec(nil), f.instances...)
}

func (f *fakeInstances) Busy(d string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.busy[d]
}

type checkResult struct {
	healthy bool
	err     error
}

type fakeChecker struct {
	mu      sync.Mutex
	results map[string]checkResult
	checked []string
}

func (f *fakeChecker) set(id string, healthy bool, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[id] = checkResult{healthy, err}
}

func (f *fakeChecker) Healthcheck(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checked = append(f.checked, id)
	r := f.results[id]
	return r.healthy, r.err
}

type fakeEvents struct {
	mu     sync.Mutex
	events []domain.InstanceEvent
}

func (f *fakeEvents) CreateInstanceEvent(ctx context.Context, e *domain.InstanceEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, *e)
	return nil
}

func (f *fakeEvents) types() []domain.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.EventType
	for _, e := range f.events {
		out = append(out, e.Type)
	}
	return out
}

func newTestMonitor() (*Monitor, *fakeInstances, *fakeChecker, *fakeEvents) {
	instances := &fakeInstances{
		instances: []domain.InstanceSpec{{ID: "a-example", Domains: []string{"a.example"}, ContainerIDs: []string{"c1"}}},
		busy:      map[string]bool{},
	}
	checker := &fakeChecker{results: map[string]checkResult{"c1": {healthy: true}}}
	events := &fakeEvents{}
	m := NewMonitor(instances, checker, events, MonitorConfig{Interval: 20 * time.Millisecond}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return m, instances, checker, events
}

// =============================================================================
// Tests
// =============================================================================

func TestNewMonitor_DefaultConfig(t *testing.T) {
	m := NewMonitor(&fakeInstances{}, &fakeChecker{}, &fakeEvents{}, MonitorConfig{}, nil)

	assert.Equal(t, DefaultMonitorConfig(), m.config)
}

func TestMonitor_RecordsTransitionsOnly(t *testing.T) {
	m, _, checker, events := newTestMonitor()
	ctx := context.Background()

	m.RunCycle(ctx)
	m.RunCycle(ctx)
	assert.Empty(t, events.types())

	checker.set("c1", false, docker.NewDockerError("Healthcheck", "container", "c1", "reported unhealthy", docker.ErrContainerUnhealthy))
	m.RunCycle(ctx)
	m.RunCycle(ctx)
	assert.Equal(t, []domain.EventType{domain.EventHealthUnhealthy}, events.types())

	checker.set("c1", false, docker.NewDockerError("Healthcheck", "container", "c1", "exited with code 1", docker.ErrContainerExited))
	m.RunCycle(ctx)
	checker.set("c1", true, nil)
	m.RunCycle(ctx)

	assert.Equal(t, []domain.EventType{
		domain.EventHealthUnhealthy,
		domain.EventContainerDied,
		domain.EventHealthHealthy,
	}, events.types())
	assert.Equal(t, "a-example", events.events[1].InstanceID)
	assert.Equal(t, "c1", events.events[1].Container)
}

func TestMonitor_FirstObservationDownIsRecorded(t *testing.T) {
	m, _, checker, events := newTestMonitor()
	checker.set("c1", false, docker.ErrContainerNotFound)

	m.RunCycle(context.Background())

	assert.Equal(t, []domain.EventType{domain.EventContainerDied}, events.types())
}

func TestMonitor_SkipsBusyInstances(t *testing.T) {
	m, instances, checker, events := newTestMonitor()
	instances.busy["a.example"] = true
	checker.set("c1", false, errors.New("boom"))

	m.RunCycle(context.Background())

	assert.Empty(t, checker.checked)
	assert.Empty(t, events.types())
}

func TestMonitor_ForgetsRetiredContainers(t *testing.T) {
	m, instances, _, _ := newTestMonitor()
	m.RunCycle(context.Background())
	require.Contains(t, m.last, "c1")

	instances.mu.Lock()
	instances.instances = nil
	instances.mu.Unlock()
	m.RunCycle(context.Background())

	assert.NotContains(t, m.last, "c1")
}

func TestMonitor_StartStop(t *testing.T) {
	m, _, checker, _ := newTestMonitor()

	m.Start()
	assert.Eventually(t, func() bool {
		checker.mu.Lock()
		defer checker.mu.Unlock()
		return len(checker.checked) > 0
	}, time.Second, 10*time.Millisecond)
	m.Stop()

	m.Start()
	m.Stop()
}

func TestMonitor_StopWithoutStart(t *testing.T) {
	m, _, _, _ := newTestMonitor()
	m.Stop()
}
