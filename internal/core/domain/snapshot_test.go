package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSpec(domain, name string) InstanceSpec {
	return InstanceSpec{
		Name:      name,
		Domains:   []string{domain},
		Image:     "nginx:alpine",
		Ports:     []PortBinding{{HostPort: 8080, ContainerPort: 80}},
		RoutePort: 80,
	}.Normalized()
}

func TestSnapshot_NextAdvancesVersion(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s := EmptySnapshot()

	next := s.Next("deploy a", now)

	assert.Equal(t, int64(0), s.Version)
	assert.Equal(t, int64(1), next.Version)
	assert.Equal(t, "deploy a", next.Reason)
	assert.Equal(t, now, next.CreatedAt)
}

func TestSnapshot_WithInstanceDoesNotMutateReceiver(t *testing.T) {
	base := EmptySnapshot()
	spec := testSpec("a.example", "")

	withA := base.WithInstance(spec)

	assert.Empty(t, base.Instances)
	require.Len(t, withA.Instances, 1)
	got, ok := withA.Instance("a-example")
	require.True(t, ok)
	assert.Equal(t, "nginx:alpine", got.Image)

	// Mutating the returned copy leaves the snapshot untouched.
	got.Domains[0] = "changed.example"
	again, _ := withA.Instance("a-example")
	assert.Equal(t, "a.example", again.PrimaryDomain())
}

func TestSnapshot_WithoutInstance(t *testing.T) {
	s := EmptySnapshot().WithInstance(testSpec("a.example", "")).WithInstance(testSpec("b.example", ""))

	without := s.WithoutInstance("a-example")

	assert.Len(t, s.Instances, 2)
	assert.Len(t, without.Instances, 1)
	_, ok := without.Instance("a-example")
	assert.False(t, ok)
}

func TestSnapshot_InstancesOfDomainOrderedByID(t *testing.T) {
	s := EmptySnapshot().
		WithInstance(testSpec("a.example", "worker")).
		WithInstance(testSpec("a.example", "")).
		WithInstance(testSpec("a.example", "db")).
		WithInstance(testSpec("b.example", ""))

	got := s.InstancesOfDomain("A.Example")

	require.Len(t, got, 3)
	assert.Equal(t, "a-example", got[0].ID)
	assert.Equal(t, "a-example-db", got[1].ID)
	assert.Equal(t, "a-example-worker", got[2].ID)
}

func TestSnapshot_InstancesOfUnknownDomainIsEmpty(t *testing.T) {
	got := EmptySnapshot().WithInstance(testSpec("a.example", "")).InstancesOfDomain("nope.example")
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestSnapshot_Domains(t *testing.T) {
	spec := testSpec("b.example", "")
	spec.Domains = append(spec.Domains, "www.b.example")
	s := EmptySnapshot().WithInstance(spec).WithInstance(testSpec("a.example", ""))

	assert.Equal(t, []string{"a.example", "b.example", "www.b.example"}, s.Domains())
}

func TestSnapshot_DomainOwner(t *testing.T) {
	worker := testSpec("a.example", "worker")
	worker.RoutePort = 0
	s := EmptySnapshot().WithInstance(worker).WithInstance(testSpec("a.example", "web"))

	owner, ok := s.DomainOwner("a.example")
	require.True(t, ok)
	assert.Equal(t, "a-example-web", owner)

	_, ok = s.DomainOwner("b.example")
	assert.False(t, ok)
}
