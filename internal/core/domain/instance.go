package domain

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"
)

// =============================================================================
// Port Bindings
// =============================================================================

// Supported port protocols.
const (
	ProtocolTCP = "tcp"
	ProtocolUDP = "udp"
)

// PortBinding maps a container port to a host port.
//
// On the request side HostPort is the preferred host port. A zero HostPort, or
// Any set to true, lets the allocator choose any free port in its range. After
// resolution HostPort always holds the reserved port.
type PortBinding struct {
	HostIP        string `json:"host_ip,omitempty"`
	HostPort      int    `json:"host_port,omitempty"`
	ContainerPort int    `json:"container_port"`
	Protocol      string `json:"protocol,omitempty"`
	Any           bool   `json:"any,omitempty"`
}

// WantsAny reports whether the binding accepts any free host port.
func (p PortBinding) WantsAny() bool {
	return p.Any || p.HostPort == 0
}

// Reservation returns the reservation this binding holds once resolved.
func (p PortBinding) Reservation() PortReservation {
	return PortReservation{HostIP: p.HostIP, Port: p.HostPort, Protocol: p.Protocol}
}

// PortReservation is a host port held by exactly one live instance.
type PortReservation struct {
	HostIP   string `json:"host_ip,omitempty"`
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
}

// Key returns the reservation table key.
func (r PortReservation) Key() string {
	proto := r.Protocol
	if proto == "" {
		proto = ProtocolTCP
	}
	return fmt.Sprintf("%s/%s:%d", proto, r.HostIP, r.Port)
}

// =============================================================================
// Volumes and Backups
// =============================================================================

// Volume mount modes.
const (
	VolumeModeRW = "rw"
	VolumeModeRO = "ro"
)

// VolumeBinding mounts a named volume or host path into the container.
// Bindings are unique by Source within one instance.
type VolumeBinding struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Mode   string `json:"mode,omitempty"`
}

// ReadOnly reports whether the binding is mounted read-only.
func (v VolumeBinding) ReadOnly() bool {
	return v.Mode == VolumeModeRO
}

// IsHostPath reports whether Source refers to a host path rather than a named volume.
func (v VolumeBinding) IsHostPath() bool {
	return strings.HasPrefix(v.Source, "/") || strings.HasPrefix(v.Source, ".")
}

// BackupItem is one thing to capture for an instance: a path inside the
// container or a URL, and the technique used to capture it.
type BackupItem struct {
	Target    string `json:"target"`
	Technique string `json:"technique"`
	Restore   string `json:"restore,omitempty"`
}

// HealthCheck overrides the image healthcheck. Durations use Go duration
// syntax ("5s", "1m").
type HealthCheck struct {
	Test        []string `json:"test"`
	Interval    string   `json:"interval,omitempty"`
	Timeout     string   `json:"timeout,omitempty"`
	StartPeriod string   `json:"start_period,omitempty"`
	Retries     int      `json:"retries,omitempty"`
}

// =============================================================================
// Instance Spec
// =============================================================================

// InstanceSpec is the declarative description of one application instance.
type InstanceSpec struct {
	ID           string            `json:"id"`
	Name         string            `json:"name,omitempty"`
	Domains      []string          `json:"domains"`
	Image        string            `json:"image"`
	Command      []string          `json:"command,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`
	Ports        []PortBinding     `json:"ports,omitempty"`
	Volumes      []VolumeBinding   `json:"volumes,omitempty"`
	RoutePort    int               `json:"route_port,omitempty"`
	Network      string            `json:"network,omitempty"`
	Restart      string            `json:"restart,omitempty"`
	HealthCheck  *HealthCheck      `json:"healthcheck,omitempty"`
	Backups      []BackupItem      `json:"backups,omitempty"`
	ContainerIDs []string          `json:"container_ids,omitempty"`
	DeployedAt   time.Time         `json:"deployed_at,omitempty"`
}

// InstanceID derives the instance identifier from its primary domain and
// optional name. The same inputs always yield the same ID.
func InstanceID(domain, name string) string {
	id := Slugify(NormalizeDomain(domain))
	if n := Slugify(name); n != "" {
		id += "-" + n
	}
	return id
}

// NormalizeDomain lowercases a domain and strips a trailing dot and port.
func NormalizeDomain(d string) string {
	d = strings.ToLower(strings.TrimSpace(d))
	d = strings.TrimSuffix(d, ".")
	if i := strings.LastIndex(d, ":"); i != -1 {
		d = d[:i]
	}
	return d
}

// PrimaryDomain returns the first domain of the instance.
func (s InstanceSpec) PrimaryDomain() string {
	if len(s.Domains) == 0 {
		return ""
	}
	return s.Domains[0]
}

// HasDomain reports whether the instance serves the given domain.
func (s InstanceSpec) HasDomain(domain string) bool {
	domain = NormalizeDomain(domain)
	for _, d := range s.Domains {
		if d == domain {
			return true
		}
	}
	return false
}

// Normalized returns a copy with normalized domains, a derived ID, and
// default protocols and volume modes filled in.
func (s InstanceSpec) Normalized() InstanceSpec {
	out := s.Clone()
	seen := make(map[string]bool, len(out.Domains))
	domains := make([]string, 0, len(out.Domains))
	for _, d := range out.Domains {
		d = NormalizeDomain(d)
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		domains = append(domains, d)
	}
	out.Domains = domains
	if out.ID == "" && len(domains) > 0 {
		out.ID = InstanceID(domains[0], out.Name)
	}
	for i := range out.Ports {
		if out.Ports[i].Protocol == "" {
			out.Ports[i].Protocol = ProtocolTCP
		}
		out.Ports[i].Protocol = strings.ToLower(out.Ports[i].Protocol)
	}
	for i := range out.Volumes {
		if out.Volumes[i].Mode == "" {
			out.Volumes[i].Mode = VolumeModeRW
		}
	}
	return out
}

// Validate checks the spec for structural errors.
func (s InstanceSpec) Validate() error {
	if len(s.Domains) == 0 {
		return NewSpecError(s.ID, "at least one domain is required")
	}
	if s.Image == "" {
		return NewSpecError(s.ID, "image is required")
	}
	if s.ID == "" {
		return NewSpecError(s.ID, "instance id could not be derived")
	}
	for _, p := range s.Ports {
		if p.ContainerPort < 1 || p.ContainerPort > 65535 {
			return NewSpecError(s.ID, fmt.Sprintf("container port %d out of range", p.ContainerPort))
		}
		if p.HostPort < 0 || p.HostPort > 65535 {
			return NewSpecError(s.ID, fmt.Sprintf("host port %d out of range", p.HostPort))
		}
		if p.Protocol != ProtocolTCP && p.Protocol != ProtocolUDP {
			return NewSpecError(s.ID, fmt.Sprintf("unsupported protocol %q", p.Protocol))
		}
	}
	sources := make(map[string]bool, len(s.Volumes))
	for _, v := range s.Volumes {
		if v.Source == "" || v.Target == "" {
			return NewSpecError(s.ID, "volume source and target are required")
		}
		if sources[v.Source] {
			return NewSpecError(s.ID, fmt.Sprintf("duplicate volume source %q", v.Source))
		}
		sources[v.Source] = true
		if v.Mode != VolumeModeRW && v.Mode != VolumeModeRO {
			return NewSpecError(s.ID, fmt.Sprintf("unsupported volume mode %q", v.Mode))
		}
	}
	if s.RoutePort != 0 {
		if _, ok := s.RouteBinding(); !ok {
			return NewSpecError(s.ID, fmt.Sprintf("route port %d is not published", s.RoutePort))
		}
	}
	for _, b := range s.Backups {
		if b.Target == "" || b.Technique == "" {
			return NewSpecError(s.ID, "backup target and technique are required")
		}
	}
	return nil
}

// RouteBinding returns the TCP binding whose container port is RoutePort.
func (s InstanceSpec) RouteBinding() (PortBinding, bool) {
	for _, p := range s.Ports {
		if p.ContainerPort == s.RoutePort && p.Protocol == ProtocolTCP {
			return p, true
		}
	}
	return PortBinding{}, false
}

// Reservations returns the reservations held by a resolved spec.
func (s InstanceSpec) Reservations() []PortReservation {
	out := make([]PortReservation, 0, len(s.Ports))
	for _, p := range s.Ports {
		if p.HostPort != 0 {
			out = append(out, p.Reservation())
		}
	}
	return out
}

// Clone returns a deep copy.
func (s InstanceSpec) Clone() InstanceSpec {
	out := s
	out.Domains = append([]string(nil), s.Domains...)
	out.Command = append([]string(nil), s.Command...)
	out.Ports = append([]PortBinding(nil), s.Ports...)
	out.Volumes = append([]VolumeBinding(nil), s.Volumes...)
	out.Backups = append([]BackupItem(nil), s.Backups...)
	out.ContainerIDs = append([]string(nil), s.ContainerIDs...)
	out.Env = cloneMap(s.Env)
	out.Labels = cloneMap(s.Labels)
	if s.HealthCheck != nil {
		hc := *s.HealthCheck
		hc.Test = append([]string(nil), s.HealthCheck.Test...)
		out.HealthCheck = &hc
	}
	return out
}

// SameConfig reports whether two specs describe the same desired configuration,
// ignoring runtime fields such as container IDs and deploy time.
func (s InstanceSpec) SameConfig(other InstanceSpec) bool {
	a, b := s.Clone(), other.Clone()
	a.ContainerIDs, b.ContainerIDs = nil, nil
	a.DeployedAt, b.DeployedAt = time.Time{}, time.Time{}
	normalizeEmpty(&a)
	normalizeEmpty(&b)
	return reflect.DeepEqual(a, b)
}

func normalizeEmpty(s *InstanceSpec) {
	if len(s.Env) == 0 {
		s.Env = nil
	}
	if len(s.Labels) == 0 {
		s.Labels = nil
	}
	if len(s.Command) == 0 {
		s.Command = nil
	}
	if len(s.Ports) == 0 {
		s.Ports = nil
	}
	if len(s.Volumes) == 0 {
		s.Volumes = nil
	}
	if len(s.Backups) == 0 {
		s.Backups = nil
	}
	for i := range s.Ports {
		s.Ports[i].Any = false
	}
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// SortInstances orders instances by ID.
func SortInstances(instances []InstanceSpec) {
	sort.Slice(instances, func(i, j int) bool {
		return instances[i].ID < instances[j].ID
	})
}
