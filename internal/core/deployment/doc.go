// Package deployment provides pure functions for deployment planning.
//
// This package turns instance specs into Docker execution plans. All
// functions are pure (no I/O, no side effects).
//
// # Functions
//
//   - Naming: consistent resource names (ContainerName, VolumeName)
//   - Volumes: merge image-declared and instance volumes (Merge, ImageVolumes)
//   - Variables: substitute ${VAR} placeholders (SubstituteVariables)
//   - Container: build container plans from instance specs (BuildContainerPlan)
//   - Compose: order compose services and convert them to instances
//     (TopologicalSort, ComposeInstances)
//
// # Usage
//
// The imperative shell (internal/shell/apps) resolves ports and image volumes,
// then calls these functions and executes the plan via internal/shell/docker.
//
//	volumes := deployment.Merge(deployment.ImageVolumes(spec.ID, declared), spec.Volumes)
//	plan := deployment.BuildContainerPlan(deployment.BuildContainerPlanParams{
//	    Instance: spec, Generation: gen, Volumes: volumes,
//	})
package deployment
