// Package dns contains pure functions for hostname validation.
// All functions are pure with no I/O.
package dns

import (
	"errors"
	"net"
	"regexp"
	"strings"
)

// =============================================================================
// Errors
// =============================================================================

var (
	ErrInvalidHostname  = errors.New("invalid hostname format")
	ErrHostnameTooLong  = errors.New("hostname must be under 253 characters")
	ErrInvalidWildcard  = errors.New("wildcard must be the whole leftmost label")
	ErrHostnameWithPort = errors.New("hostname must not carry a port")
)

// MaxHostnameLength is the longest hostname accepted, in bytes.
const MaxHostnameLength = 253

// =============================================================================
// Validation
// =============================================================================

var labelRegex = regexp.MustCompile(`^[a-z0-9]([a-z0-9\-]{0,61}[a-z0-9])?$`)

// ValidateHostname checks that hostname can serve as an instance domain.
// Accepted forms are DNS names (a single label such as "localhost" included),
// names with a leading "*." wildcard label, and IP literals. Case is ignored.
func ValidateHostname(hostname string) error {
	hostname = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(hostname)), ".")
	if hostname == "" {
		return ErrInvalidHostname
	}
	if len(hostname) > MaxHostnameLength {
		return ErrHostnameTooLong
	}
	if net.ParseIP(hostname) != nil {
		return nil
	}
	if _, _, err := net.SplitHostPort(hostname); err == nil {
		return ErrHostnameWithPort
	}

	labels := strings.Split(hostname, ".")
	for i, label := range labels {
		if strings.Contains(label, "*") {
			if i != 0 || label != "*" || len(labels) < 2 {
				return ErrInvalidWildcard
			}
			continue
		}
		if !labelRegex.MatchString(label) {
			return ErrInvalidHostname
		}
	}
	return nil
}

// IsWildcard reports whether hostname starts with a "*." label.
func IsWildcard(hostname string) bool {
	return strings.HasPrefix(hostname, "*.")
}
