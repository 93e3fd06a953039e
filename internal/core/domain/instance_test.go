package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstanceID(t *testing.T) {
	assert.Equal(t, "a-example", InstanceID("a.example", ""))
	assert.Equal(t, "a-example-db", InstanceID("A.example.", "DB"))
	assert.Equal(t, InstanceID("a.example", "web"), InstanceID("a.example", "web"))
}

func TestNormalizeDomain(t *testing.T) {
	assert.Equal(t, "a.example", NormalizeDomain(" A.Example. "))
	assert.Equal(t, "a.example", NormalizeDomain("a.example:443"))
}

func TestInstanceSpec_Normalized(t *testing.T) {
	spec := InstanceSpec{
		Domains: []string{"A.example", "a.example", "www.a.example", ""},
		Image:   "nginx",
		Ports:   []PortBinding{{ContainerPort: 80, Protocol: "TCP"}, {ContainerPort: 53}},
		Volumes: []VolumeBinding{{Source: "data", Target: "/data"}},
	}

	got := spec.Normalized()

	assert.Equal(t, []string{"a.example", "www.a.example"}, got.Domains)
	assert.Equal(t, "a-example", got.ID)
	assert.Equal(t, ProtocolTCP, got.Ports[0].Protocol)
	assert.Equal(t, ProtocolTCP, got.Ports[1].Protocol)
	assert.Equal(t, VolumeModeRW, got.Volumes[0].Mode)
	// receiver untouched
	assert.Equal(t, "A.example", spec.Domains[0])
}

func TestInstanceSpec_Validate(t *testing.T) {
	valid := InstanceSpec{
		Domains:   []string{"a.example"},
		Image:     "nginx",
		Ports:     []PortBinding{{HostPort: 8080, ContainerPort: 80}},
		RoutePort: 80,
	}.Normalized()
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*InstanceSpec)
	}{
		{"no domains", func(s *InstanceSpec) { s.Domains = nil }},
		{"no image", func(s *InstanceSpec) { s.Image = "" }},
		{"container port zero", func(s *InstanceSpec) { s.Ports[0].ContainerPort = 0 }},
		{"host port too big", func(s *InstanceSpec) { s.Ports[0].HostPort = 70000 }},
		{"bad protocol", func(s *InstanceSpec) { s.Ports[0].Protocol = "sctp" }},
		{"route port not published", func(s *InstanceSpec) { s.RoutePort = 443 }},
		{"duplicate volume source", func(s *InstanceSpec) {
			s.Volumes = []VolumeBinding{{Source: "d", Target: "/a", Mode: "rw"}, {Source: "d", Target: "/b", Mode: "rw"}}
		}},
		{"bad volume mode", func(s *InstanceSpec) {
			s.Volumes = []VolumeBinding{{Source: "d", Target: "/a", Mode: "wx"}}
		}},
		{"backup without technique", func(s *InstanceSpec) {
			s.Backups = []BackupItem{{Target: "/data"}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := valid.Clone()
			tt.mutate(&spec)
			err := spec.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidSpec))
		})
	}
}

func TestInstanceSpec_SameConfigIgnoresRuntimeFields(t *testing.T) {
	a := InstanceSpec{
		ID:      "a-example",
		Domains: []string{"a.example"},
		Image:   "nginx",
		Env:     map[string]string{},
	}
	b := a.Clone()
	b.ContainerIDs = []string{"abc"}
	b.DeployedAt = time.Now()
	b.Env = nil

	assert.True(t, a.SameConfig(b))

	b.Image = "nginx:1.27"
	assert.False(t, a.SameConfig(b))
}

func TestInstanceSpec_Reservations(t *testing.T) {
	spec := InstanceSpec{Ports: []PortBinding{
		{HostPort: 8080, ContainerPort: 80, Protocol: ProtocolTCP},
		{ContainerPort: 9000, Protocol: ProtocolTCP, Any: true},
	}}

	got := spec.Reservations()

	require.Len(t, got, 1)
	assert.Equal(t, "tcp/:8080", got[0].Key())
}

func TestErrors_Unwrap(t *testing.T) {
	assert.True(t, errors.Is(NewPortError("", 8080, "tcp", "in use"), ErrNoPortAvailable))
	assert.True(t, errors.Is(&ConflictError{Domain: "a.example"}, ErrConflict))

	cause := errors.New("disk full")
	pErr := &PersistenceError{Op: "append", Err: cause}
	assert.True(t, errors.Is(pErr, ErrPersistence))
	assert.True(t, errors.Is(pErr, cause))

	dErr := NewDeployError("deploy", "commit", "a.example", "a-example", pErr)
	assert.True(t, errors.Is(dErr, ErrPersistence))
	var target *PersistenceError
	assert.True(t, errors.As(dErr, &target))
	assert.Contains(t, dErr.Error(), "commit")
}
