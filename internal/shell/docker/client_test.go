package docker

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	coredeployment "github.com/artpar/shipyard/internal/core/deployment"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

func skipIfNoDocker(t *testing.T) Client {
	t.Helper()
	ctx := context.Background()
	cli, err := NewDockerClient(ctx, "")
	if err != nil {
		t.Skip("Docker not available:", err)
	}
	if err := cli.Ping(ctx); err != nil {
		cli.Close()
		t.Skip("Docker not reachable:", err)
	}
	if ok, _ := cli.ImageExists(ctx, testImage); !ok {
		if err := cli.PullImage(ctx, testImage); err != nil {
			cli.Close()
			t.Skip("test image unavailable:", err)
		}
	}
	return cli
}

func cleanupContainer(t *testing.T, cli Client, containerID string) {
	t.Helper()
	ctx := context.Background()
	timeout := time.Second
	cli.StopContainer(ctx, containerID, &timeout)
	cli.RemoveContainer(ctx, containerID, RemoveOptions{Force: true, RemoveVolumes: true})
}

// Test container name prefix to identify test containers
const (
	testPrefix = "shipyard-test-"
	testImage  = "alpine:latest"
)

// =============================================================================
// Connection Tests
// =============================================================================

func TestPing_Success(t *testing.T) {
	cli := skipIfNoDocker(t)
	defer cli.Close()

	assert.NoError(t, cli.Ping(context.Background()))
}

// =============================================================================
// Container Tests
// =============================================================================

func TestCreateContainer_WithLabels(t *testing.T) {
	cli := skipIfNoDocker(t)
	defer cli.Close()
	ctx := context.Background()

	containerID, err := cli.CreateContainer(ctx, ContainerSpec{
		Name:  testPrefix + "with-labels",
		Image: testImage,
		Labels: map[string]string{
			coredeployment.LabelManaged:  "true",
			coredeployment.LabelInstance: "test-instance",
		},
	})
	require.NoError(t, err)
	defer cleanupContainer(t, cli, containerID)

	info, err := cli.InspectContainer(ctx, containerID)
	require.NoError(t, err)
	assert.Equal(t, "true", info.Labels[coredeployment.LabelManaged])
	assert.Equal(t, "test-instance", info.Labels[coredeployment.LabelInstance])
	assert.Equal(t, ContainerStatusCreated, info.Status)
}

func TestCreateContainer_DuplicateName(t *testing.T) {
	cli := skipIfNoDocker(t)
	defer cli.Close()
	ctx := context.Background()

	spec := ContainerSpec{Name: testPrefix + "duplicate", Image: testImage}

	containerID, err := cli.CreateContainer(ctx, spec)
	require.NoError(t, err)
	defer cleanupContainer(t, cli, containerID)

	_, err = cli.CreateContainer(ctx, spec)
	assert.ErrorIs(t, err, ErrContainerAlreadyExists)
}

func TestInspectContainer_NotFound(t *testing.T) {
	cli := skipIfNoDocker(t)
	defer cli.Close()

	_, err := cli.InspectContainer(context.Background(), "shipyard-does-not-exist")
	assert.ErrorIs(t, err, ErrContainerNotFound)
}

func TestExec_StreamsStdinAndStdout(t *testing.T) {
	cli := skipIfNoDocker(t)
	defer cli.Close()
	ctx := context.Background()

	containerID, err := cli.CreateContainer(ctx, ContainerSpec{
		Name:    testPrefix + "exec",
		Image:   testImage,
		Command: []string{"sleep", "60"},
	})
	require.NoError(t, err)
	defer cleanupContainer(t, cli, containerID)
	require.NoError(t, cli.StartContainer(ctx, containerID))

	var out bytes.Buffer
	result, err := cli.Exec(ctx, containerID, []string{"cat"}, strings.NewReader("hello"), &out)
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, "hello", out.String())

	result, err = cli.Exec(ctx, containerID, []string{"sh", "-c", "echo oops >&2; exit 3"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, result.ExitCode)
	assert.Contains(t, result.Stderr, "oops")
}

func TestImageVolumes_AlpineDeclaresNone(t *testing.T) {
	cli := skipIfNoDocker(t)
	defer cli.Close()

	volumes, err := cli.ImageVolumes(context.Background(), testImage)
	require.NoError(t, err)
	assert.Empty(t, volumes)
}

// =============================================================================
// Error Tests
// =============================================================================

func TestDockerError_Error(t *testing.T) {
	err := NewDockerError("StartContainer", "container", "abc123", "container not found", ErrContainerNotFound)
	assert.Equal(t, "StartContainer container abc123: container not found", err.Error())

	err = NewDockerError("Ping", "", "", "unreachable", ErrConnectionFailed)
	assert.Equal(t, "Ping: unreachable", err.Error())
}

func TestDockerError_Unwrap(t *testing.T) {
	err := NewDockerError("Exec", "container", "abc", "exit code 1", ErrExecFailed)
	assert.True(t, errors.Is(err, ErrExecFailed))
}
