package compose

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Fixtures
// =============================================================================

const minimalValidSpec = `
services:
  app:
    image: nginx:latest
`

const blogSpec = `
services:
  web:
    image: ghost:5
    ports:
      - "8080:2368"
    environment:
      database__connection__password: ${DB_PASSWORD}
    depends_on:
      - db
    x-route-port: 2368
    restart: always

  db:
    image: postgres:16
    environment:
      POSTGRES_PASSWORD: ${DB_PASSWORD:-secret}
    volumes:
      - pgdata:/var/lib/postgresql/data
      - ./init:/docker-entrypoint-initdb.d:ro
    healthcheck:
      test: ["CMD", "pg_isready"]
      interval: 5s
      retries: 3
    x-backups:
      - target: /var/lib/postgresql/data
        technique: pg_dumpall

volumes:
  pgdata:
`

// =============================================================================
// Parse Tests
// =============================================================================

func TestParse_Minimal(t *testing.T) {
	spec, err := Parse(minimalValidSpec, nil)
	require.NoError(t, err)
	require.Len(t, spec.Services, 1)
	assert.Equal(t, "app", spec.Services[0].Name)
	assert.Equal(t, "nginx:latest", spec.Services[0].Image)
}

func TestParse_FullDocument(t *testing.T) {
	spec, err := Parse(blogSpec, map[string]string{"DB_PASSWORD": "hunter2"})
	require.NoError(t, err)

	require.Len(t, spec.Services, 2)
	assert.Equal(t, "db", spec.Services[0].Name, "services are sorted by name")
	assert.Equal(t, []string{"pgdata"}, spec.Volumes)

	web, ok := spec.Service("web")
	require.True(t, ok)
	assert.Equal(t, 2368, web.RoutePort)
	assert.Equal(t, []string{"db"}, web.DependsOn)
	assert.Equal(t, "always", web.Restart)
	assert.Equal(t, "hunter2", web.Environment["database__connection__password"])
	require.Len(t, web.Ports, 1)
	assert.Equal(t, uint32(2368), web.Ports[0].Target)
	assert.Equal(t, uint32(8080), web.Ports[0].Published)

	db, ok := spec.Service("db")
	require.True(t, ok)
	assert.Equal(t, "hunter2", db.Environment["POSTGRES_PASSWORD"])
	require.Len(t, db.Volumes, 2)
	assert.Equal(t, VolumeMountTypeVolume, db.Volumes[0].Type)
	assert.Equal(t, VolumeMountTypeBind, db.Volumes[1].Type)
	assert.True(t, db.Volumes[1].ReadOnly)
	require.NotNil(t, db.HealthCheck)
	assert.Equal(t, 3, db.HealthCheck.Retries)
	assert.Equal(t, []Backup{{Target: "/var/lib/postgresql/data", Technique: "pg_dumpall"}}, db.Backups)
}

func TestParse_DefaultInterpolation(t *testing.T) {
	spec, err := Parse(blogSpec, nil)
	require.NoError(t, err)
	db, _ := spec.Service("db")
	assert.Equal(t, "secret", db.Environment["POSTGRES_PASSWORD"])
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    error
	}{
		{"empty", "   ", ErrEmptyInput},
		{"not yaml", "services: [", ErrInvalidYAML},
		{"no image", "services:\n  app:\n    command: [\"true\"]\n", ErrServiceNoImage},
		{"build", "services:\n  app:\n    build: .\n", ErrUnsupportedFeature},
		{"port range", "services:\n  app:\n    image: x\n    ports:\n      - \"8000-8001:80\"\n", ErrServiceInvalidPort},
		{"bad route port", "services:\n  app:\n    image: x\n    x-route-port: http\n", ErrInvalidExtension},
		{"bad backups", "services:\n  app:\n    image: x\n    x-backups: yes\n", ErrInvalidExtension},
		{"backup missing technique", "services:\n  app:\n    image: x\n    x-backups:\n      - target: /data\n", ErrInvalidExtension},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.content, nil)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestDetectCircularDependencies(t *testing.T) {
	services := []Service{
		{Name: "a", DependsOn: []string{"b"}},
		{Name: "b", DependsOn: []string{"a"}},
	}
	err := detectCircularDependencies(services)
	assert.True(t, errors.Is(err, ErrCircularDependency))

	assert.NoError(t, detectCircularDependencies([]Service{{Name: "a"}, {Name: "b", DependsOn: []string{"a"}}}))
}
