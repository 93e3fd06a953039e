package docker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	coredeployment "github.com/artpar/shipyard/internal/core/deployment"
	"github.com/artpar/shipyard/internal/core/monitoring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Fake Client
// =============================================================================

type fakeClient struct {
	mu sync.Mutex

	containers map[string]*ContainerInfo
	specs      map[string]ContainerSpec
	networks   map[string]bool
	volumes    map[string]bool
	images     map[string][]string
	pulled     []string
	nextID     int

	startErr  error
	execCode  int
	execOut   string
	removed   []string
	createErr error
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		containers: map[string]*ContainerInfo{},
		specs:      map[string]ContainerSpec{},
		networks:   map[string]bool{},
		volumes:    map[string]bool{},
		images:     map[string][]string{},
	}
}

func (f *fakeClient) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		err := f.createErr
		f.createErr = nil
		return "", err
	}
	for _, c := range f.containers {
		if c.Name == spec.Name {
			return "", NewDockerError("CreateContainer", "container", spec.Name, "container already exists", ErrContainerAlreadyExists)
		}
	}
	f.nextID++
	id := strings.Repeat("c", 11) + string(rune('0'+f.nextID))
	f.containers[id] = &ContainerInfo{ID: id, Name: spec.Name, Image: spec.Image, Status: ContainerStatusCreated, Labels: spec.Labels}
	f.specs[id] = spec
	return id, nil
}

func (f *fakeClient) StartContainer(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	c, ok := f.containers[id]
	if !ok {
		return ErrContainerNotFound
	}
	c.Status = ContainerStatusRunning
	return nil
}

func (f *fakeClient) StopContainer(ctx context.Context, id string, timeout *time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return NewDockerError("StopContainer", "container", id, "container not found", ErrContainerNotFound)
	}
	if c.Status != ContainerStatusRunning {
		return NewDockerError("StopContainer", "container", id, "container is not running", ErrContainerNotRunning)
	}
	c.Status = ContainerStatusExited
	return nil
}

func (f *fakeClient) RemoveContainer(ctx context.Context, id string, opts RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, c := range f.containers {
		if key == id || c.Name == id {
			delete(f.containers, key)
			f.removed = append(f.removed, key)
			return nil
		}
	}
	return NewDockerError("RemoveContainer", "container", id, "container not found", ErrContainerNotFound)
}

func (f *fakeClient) InspectContainer(ctx context.Context, id string) (*ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return nil, NewDockerError("InspectContainer", "container", id, "container not found", ErrContainerNotFound)
	}
	info := *c
	return &info, nil
}

func (f *fakeClient) ListContainers(ctx context.Context, opts ListOptions) ([]ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ContainerInfo
	for _, c := range f.containers {
		if filter, ok := opts.Filters["label"]; ok {
			k, v, _ := strings.Cut(filter, "=")
			if c.Labels[k] != v {
				continue
			}
		}
		out = append(out, *c)
	}
	return out, nil
}

func (f *fakeClient) Exec(ctx context.Context, id string, cmd []string, stdin io.Reader, stdout io.Writer) (ExecResult, error) {
	if stdout != nil {
		io.WriteString(stdout, f.execOut)
	}
	return ExecResult{ExitCode: f.execCode, Stderr: "failed"}, nil
}

func (f *fakeClient) CopyFromContainer(ctx context.Context, id, srcPath string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("tar")), nil
}

func (f *fakeClient) CopyToContainer(ctx context.Context, id, dstPath string, content io.Reader) error {
	return nil
}

func (f *fakeClient) CreateNetwork(ctx context.Context, spec NetworkSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.networks[spec.Name] {
		return "", ErrNetworkAlreadyExists
	}
	f.networks[spec.Name] = true
	return spec.Name, nil
}

func (f *fakeClient) CreateVolume(ctx context.Context, spec VolumeSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volumes[spec.Name] = true
	return spec.Name, nil
}

func (f *fakeClient) PullImage(ctx context.Context, image string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulled = append(f.pulled, image)
	f.images[image] = nil
	return nil
}

func (f *fakeClient) ImageExists(ctx context.Context, image string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.images[image]
	return ok, nil
}

func (f *fakeClient) ImageVolumes(ctx context.Context, image string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.images[image], nil
}

func (f *fakeClient) Ping(ctx context.Context) error { return nil }
func (f *fakeClient) Close() error                   { return nil }

func newTestEngine(f *fakeClient) *Engine {
	return NewEngine(f, slog.New(slog.NewTextHandler(io.Discard, nil)), time.Second)
}

func testPlan() coredeployment.ContainerPlan {
	return coredeployment.ContainerPlan{
		Name:    "shipyard_a-example_1",
		Image:   "nginx:alpine",
		Network: "shipyard_a-example",
		Labels:  map[string]string{coredeployment.LabelInstance: "a-example"},
		Ports:   []coredeployment.PortPlan{{ContainerPort: 80, HostPort: 8080, Protocol: "tcp"}},
		Volumes: []coredeployment.VolumePlan{
			{Source: "shipyard_a-example_data", Target: "/data"},
			{Source: "/etc/app", Target: "/etc/app", ReadOnly: true, Bind: true},
		},
	}
}

// =============================================================================
// Tests
// =============================================================================

func TestCreateAndStart_PreparesResourcesAndStarts(t *testing.T) {
	f := newFakeClient()
	e := newTestEngine(f)

	id, err := e.CreateAndStart(context.Background(), testPlan())
	require.NoError(t, err)

	assert.True(t, f.networks["shipyard_a-example"])
	assert.True(t, f.volumes["shipyard_a-example_data"])
	assert.False(t, f.volumes["/etc/app"])
	assert.Equal(t, []string{"nginx:alpine"}, f.pulled)
	assert.Equal(t, ContainerStatusRunning, f.containers[id].Status)

	spec := f.specs[id]
	require.Len(t, spec.Ports, 1)
	assert.Equal(t, 8080, spec.Ports[0].HostPort)
	assert.True(t, spec.Volumes[1].Bind)
}

func TestCreateAndStart_ReusesExistingNetworkAndImage(t *testing.T) {
	f := newFakeClient()
	f.networks["shipyard_a-example"] = true
	f.images["nginx:alpine"] = nil
	e := newTestEngine(f)

	_, err := e.CreateAndStart(context.Background(), testPlan())
	require.NoError(t, err)
	assert.Empty(t, f.pulled)
}

func TestCreateAndStart_RemovesContainerWhenStartFails(t *testing.T) {
	f := newFakeClient()
	f.startErr = NewDockerError("StartContainer", "container", "x", "port is already allocated", ErrPortAlreadyAllocated)
	e := newTestEngine(f)

	_, err := e.CreateAndStart(context.Background(), testPlan())

	assert.ErrorIs(t, err, ErrPortAlreadyAllocated)
	assert.Empty(t, f.containers)
	assert.Len(t, f.removed, 1)
}

func TestCreateAndStart_ReplacesStaleContainerWithSameName(t *testing.T) {
	f := newFakeClient()
	e := newTestEngine(f)
	stale, err := f.CreateContainer(context.Background(), ContainerSpec{Name: "shipyard_a-example_1"})
	require.NoError(t, err)

	id, err := e.CreateAndStart(context.Background(), testPlan())
	require.NoError(t, err)

	assert.NotEqual(t, stale, id)
	assert.Contains(t, f.removed, stale)
}

func TestStopAndRemove_AreIdempotent(t *testing.T) {
	f := newFakeClient()
	e := newTestEngine(f)
	ctx := context.Background()
	id, err := e.CreateAndStart(ctx, testPlan())
	require.NoError(t, err)

	require.NoError(t, e.Stop(ctx, id))
	require.NoError(t, e.Stop(ctx, id))
	require.NoError(t, e.Start(ctx, id))
	require.NoError(t, e.Remove(ctx, id))
	require.NoError(t, e.Remove(ctx, id))
	require.NoError(t, e.Stop(ctx, id))
}

func TestHealthcheck(t *testing.T) {
	tests := []struct {
		name    string
		status  ContainerStatus
		health  string
		want    bool
		wantErr error
	}{
		{"running without healthcheck", ContainerStatusRunning, "", true, nil},
		{"created without healthcheck", ContainerStatusCreated, "", false, nil},
		{"starting", ContainerStatusRunning, HealthStarting, false, nil},
		{"healthy", ContainerStatusRunning, HealthHealthy, true, nil},
		{"unhealthy", ContainerStatusRunning, HealthUnhealthy, false, ErrContainerUnhealthy},
		{"exited", ContainerStatusExited, "", false, ErrContainerExited},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeClient()
			f.containers["c1"] = &ContainerInfo{ID: "c1", Status: tt.status, Health: tt.health}
			e := newTestEngine(f)

			got, err := e.Healthcheck(context.Background(), "c1")

			assert.Equal(t, tt.want, got)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestHealthState(t *testing.T) {
	assert.Equal(t, monitoring.Healthy, HealthState(true, nil))
	assert.Equal(t, monitoring.Starting, HealthState(false, nil))
	assert.Equal(t, monitoring.Unhealthy, HealthState(false, errors.New("timeout")))
	assert.Equal(t, monitoring.Unhealthy, HealthState(false, ErrContainerUnhealthy))
	assert.Equal(t, monitoring.Dead, HealthState(false, NewDockerError("Healthcheck", "container", "c1", "exited", ErrContainerExited)))
	assert.Equal(t, monitoring.Dead, HealthState(false, ErrContainerNotFound))
}

func TestManagedContainers_OnlyListsManagedLabel(t *testing.T) {
	f := newFakeClient()
	e := newTestEngine(f)
	ctx := context.Background()

	plan := testPlan()
	plan.Labels[coredeployment.LabelManaged] = "true"
	id, err := e.CreateAndStart(ctx, plan)
	require.NoError(t, err)
	f.containers["unrelated"] = &ContainerInfo{ID: "unrelated", Name: "postgres", Labels: map[string]string{"team": "data"}}

	got, err := e.ManagedContainers(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].ID)
}

func TestExec_NonZeroExitIsError(t *testing.T) {
	f := newFakeClient()
	e := newTestEngine(f)

	var out strings.Builder
	f.execOut = "dump"
	require.NoError(t, e.Exec(context.Background(), "c1", []string{"true"}, nil, &out))
	assert.Equal(t, "dump", out.String())

	f.execCode = 2
	err := e.Exec(context.Background(), "c1", []string{"false"}, nil, nil)
	assert.ErrorIs(t, err, ErrExecFailed)
}

func TestImageVolumes_PullsMissingImage(t *testing.T) {
	f := newFakeClient()
	e := newTestEngine(f)

	volumes, err := e.ImageVolumes(context.Background(), "postgres:16")
	require.NoError(t, err)
	assert.Empty(t, volumes)
	assert.Equal(t, []string{"postgres:16"}, f.pulled)

	f.images["redis:7"] = []string{"/data"}
	volumes, err = e.ImageVolumes(context.Background(), "redis:7")
	require.NoError(t, err)
	assert.Equal(t, []string{"/data"}, volumes)
}
