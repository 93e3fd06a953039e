package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/artpar/shipyard/internal/core/domain"
	corerpc "github.com/artpar/shipyard/internal/core/rpc"
	"github.com/artpar/shipyard/internal/shell/apps"
	"github.com/artpar/shipyard/internal/shell/backup"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// =============================================================================
// Fakes
// =============================================================================

type fakeApps struct {
	mu       sync.Mutex
	snap     domain.Snapshot
	deployed [][]domain.InstanceSpec
	err      error
	bounded  bool
}

func newFakeApps() *fakeApps {
	return &fakeApps{snap: domain.EmptySnapshot()}
}

func (f *fakeApps) commit(specs ...domain.InstanceSpec) domain.Snapshot {
	next := f.snap.Next("deploy", f.snap.CreatedAt)
	for _, s := range specs {
		next = next.WithInstance(s.Normalized())
	}
	f.snap = next
	return next
}

func (f *fakeApps) Deploy(ctx context.Context, spec domain.InstanceSpec) (domain.Snapshot, error) {
	return f.DeployAll(ctx, []domain.InstanceSpec{spec})
}

func (f *fakeApps) DeployAll(ctx context.Context, specs []domain.InstanceSpec) (domain.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, f.bounded = ctx.Deadline()
	if f.err != nil {
		return f.snap, f.err
	}
	f.deployed = append(f.deployed, specs)
	return f.commit(specs...), nil
}

func (f *fakeApps) Stop(ctx context.Context, domainName string) (domain.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	next := f.snap.Next("stop", f.snap.CreatedAt)
	for _, inst := range f.snap.InstancesOfDomain(domainName) {
		next = next.WithoutInstance(inst.ID)
	}
	f.snap = next
	return next, nil
}

func (f *fakeApps) Redeploy(ctx context.Context, domainName string) (domain.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	instances := f.snap.InstancesOfDomain(domainName)
	if len(instances) == 0 {
		return f.snap, fmt.Errorf("domain %s: %w", domainName, domain.ErrNotFound)
	}
	return f.commit(instances...), nil
}

func (f *fakeApps) Rollback(ctx context.Context, version int64) (domain.Snapshot, error) {
	return domain.Snapshot{}, fmt.Errorf("version %d: %w", version, domain.ErrSnapshotNotFound)
}

func (f *fakeApps) Status(ctx context.Context, domainName string) []apps.InstanceStatus {
	var out []apps.InstanceStatus
	for _, inst := range f.InstancesOfDomain(domainName) {
		out = append(out, apps.InstanceStatus{Instance: inst, Healthy: true})
	}
	return out
}

func (f *fakeApps) InstancesOfDomain(domainName string) []domain.InstanceSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap.InstancesOfDomain(domainName)
}

func (f *fakeApps) Instances() []domain.InstanceSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap.SortedInstances()
}

type fakeState struct{ apps *fakeApps }

func (s fakeState) Current() domain.Snapshot {
	s.apps.mu.Lock()
	defer s.apps.mu.Unlock()
	return s.apps.snap
}

func (s fakeState) History(ctx context.Context, limit int) ([]domain.Snapshot, error) {
	return []domain.Snapshot{s.Current()}, nil
}

func (s fakeState) Get(ctx context.Context, version int64) (domain.Snapshot, error) {
	if cur := s.Current(); cur.Version == version {
		return cur, nil
	}
	return domain.Snapshot{}, fmt.Errorf("version %d: %w", version, domain.ErrSnapshotNotFound)
}

type fakeBackups struct {
	restored []string
}

func (b *fakeBackups) Items(domainName string) []backup.InstanceItems {
	return []backup.InstanceItems{{InstanceID: "a-example", Items: []domain.BackupItem{{Target: "app", Technique: "pg_dumpall", Restore: "psql"}}}}
}

func (b *fakeBackups) Run(ctx context.Context, domainName string) ([]domain.BackupRecord, error) {
	return []domain.BackupRecord{{ID: "r1", Domain: domainName, Technique: "pg_dumpall"}}, nil
}

func (b *fakeBackups) List(ctx context.Context, domainName string, limit int) ([]domain.BackupRecord, error) {
	return []domain.BackupRecord{{ID: "r1", Domain: domainName}}, nil
}

func (b *fakeBackups) Restore(ctx context.Context, id string) (domain.BackupRecord, error) {
	if id != "r1" {
		return domain.BackupRecord{}, fmt.Errorf("backup %s: %w", id, domain.ErrNotFound)
	}
	b.restored = append(b.restored, id)
	return domain.BackupRecord{ID: id}, nil
}

type fakePorts struct{}

func (fakePorts) Reserved() []domain.PortReservation {
	return []domain.PortReservation{{Port: 8080, Protocol: "tcp"}}
}

type fakeEvents struct{}

func (fakeEvents) ListInstanceEvents(ctx context.Context, instanceID string, limit int) ([]domain.InstanceEvent, error) {
	return []domain.InstanceEvent{domain.NewInstanceEvent(instanceID, domain.EventDeployed, "", "ok")}, nil
}

type methodHarness struct {
	apps       *fakeApps
	backups    *fakeBackups
	ring       *Ring
	dispatcher *Dispatcher
}

func newMethodHarness(t *testing.T) *methodHarness {
	t.Helper()
	h := &methodHarness{apps: newFakeApps(), backups: &fakeBackups{}, ring: NewRing(16)}
	r := NewRegistry()
	RegisterBuiltins(r, Services{
		Apps:    h.apps,
		State:   fakeState{apps: h.apps},
		Backups: h.backups,
		Ports:   fakePorts{},
		Events:  fakeEvents{},
		Calls:   h.ring,

		TransitionTimeout: time.Minute,
	})
	d, err := r.Build(h.ring, NewLogSink(testLogger()))
	require.NoError(t, err)
	h.dispatcher = d
	return h
}

func (h *methodHarness) call(t *testing.T, method, args string, out any) *corerpc.ErrorInfo {
	t.Helper()
	resp := h.dispatcher.Dispatch(context.Background(), corerpc.Request{Method: method, Args: json.RawMessage(args)})
	if resp.Error != nil {
		return resp.Error
	}
	if out != nil {
		require.NoError(t, resp.UnmarshalResult(out))
	}
	return nil
}

func webSpecJSON(d string) string {
	return fmt.Sprintf(`{"domains":[%q],"image":"nginx:alpine","ports":[{"container_port":80,"host_port":8080}]}`, d)
}

// =============================================================================
// Tests
// =============================================================================

func TestMethods_TransitionsAreBounded(t *testing.T) {
	h := newMethodHarness(t)

	bounded := map[string]bool{
		"app.deploy": true, "app.deploy_compose": true, "app.stop": true, "app.redeploy": true, "state.rollback": true,
	}
	for _, m := range h.dispatcher.Methods() {
		if bounded[m.Name] {
			assert.Equal(t, time.Minute, m.Timeout, m.Name)
		} else {
			assert.Zero(t, m.Timeout, m.Name)
		}
	}

	require.Nil(t, h.call(t, "app.deploy", "["+webSpecJSON("a.example")+"]", nil))
	assert.True(t, h.apps.bounded)
}

func TestMethods_BuiltinsRegisterWithoutDuplicates(t *testing.T) {
	h := newMethodHarness(t)
	for _, name := range []string{
		"app.deploy", "app.deploy_compose", "app.stop", "app.redeploy", "app.status", "app.list", "app.events",
		"state.current", "state.history", "state.get", "state.rollback",
		"backup.techniques", "backup.restore_technique", "backup.items", "backup.run", "backup.list", "backup.restore",
		"system.ping", "system.methods", "system.calls", "system.ports",
	} {
		assert.True(t, h.dispatcher.Has(name), name)
	}
}

func TestMethods_DeployStopRoundTrip(t *testing.T) {
	h := newMethodHarness(t)

	var deployed TransitionResult
	require.Nil(t, h.call(t, "app.deploy", "["+webSpecJSON("A.Example")+"]", &deployed))
	assert.Equal(t, int64(1), deployed.Version)
	require.Len(t, deployed.Instances, 1)
	assert.Equal(t, []string{"a.example"}, deployed.Instances[0].Domains)

	var current domain.Snapshot
	require.Nil(t, h.call(t, "state.current", "", &current))
	assert.Equal(t, int64(1), current.Version)

	var stopped TransitionResult
	require.Nil(t, h.call(t, "app.stop", `{"domain":"a.example"}`, &stopped))
	assert.Equal(t, int64(2), stopped.Version)
	assert.Empty(t, stopped.Instances)

	errInfo := h.call(t, "app.redeploy", `["a.example"]`, nil)
	require.NotNil(t, errInfo)
	assert.Equal(t, corerpc.KindNotFound, errInfo.Kind)
}

func TestMethods_DeployCompose(t *testing.T) {
	h := newMethodHarness(t)
	doc := "services:\n  web:\n    image: nginx:alpine\n    ports:\n      - \"8080:80\"\n  cache:\n    image: redis:7\n"
	args, err := json.Marshal([]any{"blog.example", doc})
	require.NoError(t, err)

	var result TransitionResult
	require.Nil(t, h.call(t, "app.deploy_compose", string(args), &result))

	require.Len(t, h.apps.deployed, 1)
	assert.Len(t, h.apps.deployed[0], 2)
	assert.Len(t, result.Instances, 2)
}

func TestMethods_DeployComposeRejectsBadDocument(t *testing.T) {
	h := newMethodHarness(t)

	errInfo := h.call(t, "app.deploy_compose", `["blog.example", "services: {}"]`, nil)
	require.NotNil(t, errInfo)
	assert.Equal(t, corerpc.KindInvalidArgument, errInfo.Kind)

	errInfo = h.call(t, "app.deploy_compose", `["", "services:\n  a:\n    image: x\n"]`, nil)
	require.NotNil(t, errInfo)
	assert.Equal(t, corerpc.KindInvalidArgument, errInfo.Kind)
	assert.Empty(t, h.apps.deployed)
}

func TestMethods_DeployErrorsKeepTheirKind(t *testing.T) {
	h := newMethodHarness(t)
	h.apps.err = domain.NewDeployError("deploy", "reserve_ports", "a.example", "a-example",
		domain.NewPortError("", 8080, "tcp", "held"))

	errInfo := h.call(t, "app.deploy", "["+webSpecJSON("a.example")+"]", nil)
	require.NotNil(t, errInfo)
	assert.Equal(t, corerpc.KindNoPortAvailable, errInfo.Kind)
	assert.Equal(t, "app.deploy", errInfo.Method)
}

func TestMethods_StateLookups(t *testing.T) {
	h := newMethodHarness(t)
	require.Nil(t, h.call(t, "app.deploy", "["+webSpecJSON("a.example")+"]", nil))

	var snap domain.Snapshot
	require.Nil(t, h.call(t, "state.get", `[1]`, &snap))
	assert.Len(t, snap.Instances, 1)

	errInfo := h.call(t, "state.get", `{"version":9}`, nil)
	require.NotNil(t, errInfo)
	assert.Equal(t, corerpc.KindNotFound, errInfo.Kind)

	var history []domain.Snapshot
	require.Nil(t, h.call(t, "state.history", `[5]`, &history))
	assert.Len(t, history, 1)

	errInfo = h.call(t, "state.rollback", `[1]`, nil)
	require.NotNil(t, errInfo)
	assert.Equal(t, corerpc.KindNotFound, errInfo.Kind)
}

func TestMethods_Backup(t *testing.T) {
	h := newMethodHarness(t)

	var found RestoreTechniqueResult
	require.Nil(t, h.call(t, "backup.restore_technique", `["pg_dumpall"]`, &found))
	assert.Equal(t, RestoreTechniqueResult{Technique: "pg_dumpall", Restore: "psql", Found: true}, found)

	var unknown RestoreTechniqueResult
	require.Nil(t, h.call(t, "backup.restore_technique", `["carrier_pigeon"]`, &unknown))
	assert.False(t, unknown.Found)
	assert.Empty(t, unknown.Restore)

	var techniques []map[string]any
	require.Nil(t, h.call(t, "backup.techniques", "", &techniques))
	assert.NotEmpty(t, techniques)

	var records []domain.BackupRecord
	require.Nil(t, h.call(t, "backup.run", `["a.example"]`, &records))
	require.Len(t, records, 1)

	require.Nil(t, h.call(t, "backup.restore", `{"id":"r1"}`, nil))
	assert.Equal(t, []string{"r1"}, h.backups.restored)

	errInfo := h.call(t, "backup.restore", `["nope"]`, nil)
	require.NotNil(t, errInfo)
	assert.Equal(t, corerpc.KindNotFound, errInfo.Kind)

	var items []backup.InstanceItems
	require.Nil(t, h.call(t, "backup.items", `["a.example"]`, &items))
	assert.Equal(t, "psql", items[0].Items[0].Restore)
}

func TestMethods_System(t *testing.T) {
	h := newMethodHarness(t)

	var pong PingResult
	require.Nil(t, h.call(t, "system.ping", "", &pong))
	assert.True(t, pong.Pong)
	assert.Equal(t, corerpc.Version, pong.Version)

	var methods []Method
	require.Nil(t, h.call(t, "system.methods", "", &methods))
	assert.Len(t, methods, len(h.dispatcher.Methods()))

	var ports []domain.PortReservation
	require.Nil(t, h.call(t, "system.ports", "", &ports))
	assert.Equal(t, 8080, ports[0].Port)

	var calls []TraceRecord
	require.Nil(t, h.call(t, "system.calls", `[2]`, &calls))
	require.Len(t, calls, 2)
	assert.Equal(t, "system.ports", calls[0].Method)
	assert.Equal(t, "system.methods", calls[1].Method)
}

func TestMethods_Events(t *testing.T) {
	h := newMethodHarness(t)
	require.Nil(t, h.call(t, "app.deploy", "["+webSpecJSON("a.example")+"]", nil))

	var events []domain.InstanceEvent
	require.Nil(t, h.call(t, "app.events", `["a.example"]`, &events))
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventDeployed, events[0].Type)

	require.Nil(t, h.call(t, "app.events", `["unknown.example"]`, &events))
	assert.Empty(t, events)
}
