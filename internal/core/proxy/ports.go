package proxy

import (
	"fmt"

	"github.com/artpar/shipyard/internal/core/domain"
)

// PortRange defines the host port range the allocator hands out when a
// binding accepts any port.
type PortRange struct {
	Start int // Inclusive, e.g., 30000
	End   int // Inclusive, e.g., 39999
}

// DefaultPortRange returns the default port range.
func DefaultPortRange() PortRange {
	return PortRange{Start: 30000, End: 39999}
}

// Contains reports whether a port is within the range.
func (r PortRange) Contains(port int) bool {
	return port >= r.Start && port <= r.End
}

// Size returns the number of ports in the range.
func (r PortRange) Size() int {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start + 1
}

// Validate checks the range bounds.
func (r PortRange) Validate() error {
	if r.Start < 1 || r.End > 65535 || r.Start > r.End {
		return fmt.Errorf("invalid port range %d-%d", r.Start, r.End)
	}
	return nil
}

// AllocatePort finds the first port in the range that is not in used.
// Pure function - takes used ports as input, returns allocated port.
func AllocatePort(used map[int]bool, portRange PortRange) (int, error) {
	for port := portRange.Start; port <= portRange.End; port++ {
		if !used[port] {
			return port, nil
		}
	}
	return 0, domain.ErrNoPortAvailable
}
