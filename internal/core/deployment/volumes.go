package deployment

import (
	"github.com/artpar/shipyard/internal/core/domain"
)

// =============================================================================
// Volume Resolution
// =============================================================================

// Merge combines the volumes an image declares with the volumes an instance
// requests.
//
// Rules:
//   - An instance entry replaces the image entry with the same source, in the
//     image entry's position
//   - An instance entry also replaces an image entry mounted at the same
//     target, since a container cannot mount two volumes at one path
//   - Instance entries with no image counterpart are appended in instance order
//   - With no instance volumes the image list is returned unchanged
//
// Merge is idempotent: Merge(Merge(a, b), b) equals Merge(a, b).
func Merge(image, instance []domain.VolumeBinding) []domain.VolumeBinding {
	if len(instance) == 0 {
		return append([]domain.VolumeBinding(nil), image...)
	}

	bySource := make(map[string]domain.VolumeBinding, len(instance))
	byTarget := make(map[string]domain.VolumeBinding, len(instance))
	for _, v := range instance {
		bySource[v.Source] = v
		byTarget[v.Target] = v
	}

	result := make([]domain.VolumeBinding, 0, len(image)+len(instance))
	used := make(map[string]bool, len(instance))
	for _, v := range image {
		o, ok := bySource[v.Source]
		if !ok {
			o, ok = byTarget[v.Target]
		}
		if ok {
			if !used[o.Source] {
				result = append(result, o)
				used[o.Source] = true
			}
			continue
		}
		result = append(result, v)
	}
	for _, v := range instance {
		if used[v.Source] {
			continue
		}
		result = append(result, v)
		used[v.Source] = true
	}
	return result
}

// ImageVolumes converts the mount targets an image declares into named
// volume bindings owned by the instance, so their data survives redeploys.
func ImageVolumes(instanceID string, targets []string) []domain.VolumeBinding {
	result := make([]domain.VolumeBinding, 0, len(targets))
	for _, target := range targets {
		result = append(result, domain.VolumeBinding{
			Source: VolumeName(instanceID, target),
			Target: target,
			Mode:   domain.VolumeModeRW,
		})
	}
	return result
}
