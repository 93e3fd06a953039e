package domain

import (
	"sort"
	"time"
)

// =============================================================================
// Snapshot
// =============================================================================

// Snapshot is the complete, immutable description of every deployed instance
// at one version. Version 0 is the implicit empty state and is never stored.
//
// All methods return new snapshots; the receiver is never modified.
type Snapshot struct {
	Version   int64                   `json:"version"`
	CreatedAt time.Time               `json:"created_at"`
	Reason    string                  `json:"reason,omitempty"`
	Instances map[string]InstanceSpec `json:"instances"`
}

// EmptySnapshot returns the version 0 state.
func EmptySnapshot() Snapshot {
	return Snapshot{Instances: map[string]InstanceSpec{}}
}

// Next returns a copy of the snapshot with the version advanced by one.
func (s Snapshot) Next(reason string, now time.Time) Snapshot {
	next := s.clone()
	next.Version = s.Version + 1
	next.CreatedAt = now.UTC()
	next.Reason = reason
	return next
}

// WithInstance returns a copy with the instance added or replaced.
func (s Snapshot) WithInstance(spec InstanceSpec) Snapshot {
	next := s.clone()
	next.Instances[spec.ID] = spec.Clone()
	return next
}

// WithoutInstance returns a copy with the instance removed.
func (s Snapshot) WithoutInstance(id string) Snapshot {
	next := s.clone()
	delete(next.Instances, id)
	return next
}

// Instance returns the instance with the given ID.
func (s Snapshot) Instance(id string) (InstanceSpec, bool) {
	spec, ok := s.Instances[id]
	if !ok {
		return InstanceSpec{}, false
	}
	return spec.Clone(), true
}

// InstancesOfDomain returns the instances serving a domain, ordered by ID.
func (s Snapshot) InstancesOfDomain(domain string) []InstanceSpec {
	out := []InstanceSpec{}
	for _, spec := range s.Instances {
		if spec.HasDomain(domain) {
			out = append(out, spec.Clone())
		}
	}
	SortInstances(out)
	return out
}

// SortedInstances returns every instance ordered by ID.
func (s Snapshot) SortedInstances() []InstanceSpec {
	out := make([]InstanceSpec, 0, len(s.Instances))
	for _, spec := range s.Instances {
		out = append(out, spec.Clone())
	}
	SortInstances(out)
	return out
}

// Domains returns every served domain, sorted.
func (s Snapshot) Domains() []string {
	seen := map[string]bool{}
	for _, spec := range s.Instances {
		for _, d := range spec.Domains {
			seen[d] = true
		}
	}
	out := make([]string, 0, len(seen))
	for d := range seen {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// DomainOwner returns the ID of the instance routing a domain, if any.
// Instances without a route port never own a domain.
func (s Snapshot) DomainOwner(domain string) (string, bool) {
	for _, spec := range s.SortedInstances() {
		if spec.RoutePort != 0 && spec.HasDomain(domain) {
			return spec.ID, true
		}
	}
	return "", false
}

func (s Snapshot) clone() Snapshot {
	next := Snapshot{
		Version:   s.Version,
		CreatedAt: s.CreatedAt,
		Reason:    s.Reason,
		Instances: make(map[string]InstanceSpec, len(s.Instances)),
	}
	for id, spec := range s.Instances {
		next.Instances[id] = spec
	}
	return next
}
