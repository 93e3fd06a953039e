package deployment

import (
	"testing"

	"github.com/artpar/shipyard/internal/core/domain"
	"github.com/stretchr/testify/assert"
)

func vol(source, target, mode string) domain.VolumeBinding {
	return domain.VolumeBinding{Source: source, Target: target, Mode: mode}
}

func TestMerge_NoInstanceVolumesReturnsImageList(t *testing.T) {
	image := []domain.VolumeBinding{vol("a", "/a", "rw"), vol("b", "/b", "rw")}
	assert.Equal(t, image, Merge(image, nil))
}

func TestMerge_InstanceOverridesBySourceInPlace(t *testing.T) {
	image := []domain.VolumeBinding{vol("a", "/a", "rw"), vol("b", "/b", "rw"), vol("c", "/c", "rw")}
	instance := []domain.VolumeBinding{vol("b", "/b", "ro")}

	got := Merge(image, instance)

	assert.Equal(t, []domain.VolumeBinding{vol("a", "/a", "rw"), vol("b", "/b", "ro"), vol("c", "/c", "rw")}, got)
}

func TestMerge_InstanceOnlyEntriesAppended(t *testing.T) {
	image := []domain.VolumeBinding{vol("a", "/a", "rw")}
	instance := []domain.VolumeBinding{vol("z", "/z", "rw"), vol("y", "/y", "ro")}

	got := Merge(image, instance)

	assert.Equal(t, []domain.VolumeBinding{vol("a", "/a", "rw"), vol("z", "/z", "rw"), vol("y", "/y", "ro")}, got)
}

func TestMerge_InstanceReplacesImageEntryAtSameTarget(t *testing.T) {
	image := ImageVolumes("a-example", []string{"/var/lib/mysql"})
	instance := []domain.VolumeBinding{vol("/srv/mysql", "/var/lib/mysql", "rw")}

	got := Merge(image, instance)

	assert.Equal(t, instance, got)
}

func TestMerge_Idempotent(t *testing.T) {
	cases := []struct {
		name     string
		image    []domain.VolumeBinding
		instance []domain.VolumeBinding
	}{
		{"empty", nil, nil},
		{"image only", []domain.VolumeBinding{vol("a", "/a", "rw")}, nil},
		{"override", []domain.VolumeBinding{vol("a", "/a", "rw"), vol("b", "/b", "rw")}, []domain.VolumeBinding{vol("a", "/a", "ro")}},
		{"append", []domain.VolumeBinding{vol("a", "/a", "rw")}, []domain.VolumeBinding{vol("n", "/n", "rw")}},
		{"target clash", []domain.VolumeBinding{vol("a", "/data", "rw")}, []domain.VolumeBinding{vol("/host", "/data", "rw"), vol("x", "/x", "ro")}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			once := Merge(tc.image, tc.instance)
			twice := Merge(once, tc.instance)
			assert.Equal(t, once, twice)
		})
	}
}

func TestImageVolumes(t *testing.T) {
	got := ImageVolumes("a-example", []string{"/data", "/var/log"})
	assert.Equal(t, []domain.VolumeBinding{
		vol("shipyard_a-example_data", "/data", "rw"),
		vol("shipyard_a-example_var-log", "/var/log", "rw"),
	}, got)
}
