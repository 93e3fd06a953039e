package apps

import (
	"context"
	"sort"
	"sync"

	"github.com/artpar/shipyard/internal/core/domain"
)

// ConflictPolicy decides what happens when a transition targets a domain that
// already has one in flight.
type ConflictPolicy string

const (
	// ConflictQueue waits for the running transition to finish.
	ConflictQueue ConflictPolicy = "queue"
	// ConflictReject fails immediately with domain.ErrConflict.
	ConflictReject ConflictPolicy = "reject"
)

// domainLocks serializes transitions per domain. A held domain maps to a
// channel that is closed on release.
type domainLocks struct {
	policy ConflictPolicy

	mu   sync.Mutex
	held map[string]chan struct{}
}

func newDomainLocks(policy ConflictPolicy) *domainLocks {
	if policy == "" {
		policy = ConflictQueue
	}
	return &domainLocks{policy: policy, held: make(map[string]chan struct{})}
}

// acquire locks every domain in sorted order, so two transitions sharing
// several domains can never deadlock. The returned func releases them all.
func (l *domainLocks) acquire(ctx context.Context, domains []string) (func(), error) {
	sorted := uniqueSorted(domains)
	acquired := make([]string, 0, len(sorted))

	release := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		for _, d := range acquired {
			if ch, ok := l.held[d]; ok {
				close(ch)
				delete(l.held, d)
			}
		}
	}

	for _, d := range sorted {
		if err := l.lockOne(ctx, d); err != nil {
			release()
			return nil, err
		}
		acquired = append(acquired, d)
	}
	return release, nil
}

func (l *domainLocks) lockOne(ctx context.Context, d string) error {
	for {
		l.mu.Lock()
		ch, busy := l.held[d]
		if !busy {
			l.held[d] = make(chan struct{})
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()

		if l.policy == ConflictReject {
			return &domain.ConflictError{Domain: d}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// busy reports whether a transition holds the domain.
func (l *domainLocks) busy(d string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[d]
	return ok
}

func uniqueSorted(domains []string) []string {
	seen := make(map[string]bool, len(domains))
	out := make([]string, 0, len(domains))
	for _, d := range domains {
		d = domain.NormalizeDomain(d)
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}
