package deployment

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContainerName(t *testing.T) {
	assert.Equal(t, "shipyard_a-example_7", ContainerName("a-example", "7"))
	assert.NotEqual(t, ContainerName("a-example", "7"), ContainerName("a-example", "8"))
}

func TestVolumeName(t *testing.T) {
	assert.Equal(t, "shipyard_a-example_data", VolumeName("a-example", "data"))
	assert.Equal(t, "shipyard_a-example_var-lib-mysql", VolumeName("a-example", "/var/lib/mysql"))
}
