package deployment

import (
	"fmt"

	"github.com/artpar/shipyard/internal/core/domain"
)

// =============================================================================
// Resource Naming Functions
// =============================================================================

// ContainerName generates the container name for one generation of an instance.
// Pattern: shipyard_{instanceID}_{generation}
//
// Two generations of the same instance coexist briefly during a redeploy, so
// the generation is part of the name.
//
// Example:
//
//	ContainerName("a-example", "7") // returns "shipyard_a-example_7"
func ContainerName(instanceID, generation string) string {
	return fmt.Sprintf("shipyard_%s_%s", instanceID, generation)
}

// VolumeName generates a named volume for an instance.
// Pattern: shipyard_{instanceID}_{slug(name)}
//
// Example:
//
//	VolumeName("a-example", "/var/lib/data") // returns "shipyard_a-example_var-lib-data"
func VolumeName(instanceID, name string) string {
	return fmt.Sprintf("shipyard_%s_%s", instanceID, domain.Slugify(name))
}
