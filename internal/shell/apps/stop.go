package apps

import (
	"context"
	"fmt"
	"strings"

	"github.com/artpar/shipyard/internal/core/domain"
)

// =============================================================================
// Stop
// =============================================================================

// Stop takes every instance serving domainName out of service: routes are
// removed first, then containers are stopped and removed, then a snapshot
// without the instances is committed. Volumes are kept for a later deploy.
// Stopping a domain with no instances is a no-op.
func (d *Deployer) Stop(ctx context.Context, domainName string) (domain.Snapshot, error) {
	domainName = domain.NormalizeDomain(domainName)

	instances := d.InstancesOfDomain(domainName)
	if len(instances) == 0 {
		d.logger.Debug("stop of unknown domain", "domain", domainName)
		return d.journal.Current(), nil
	}

	instances, release, err := d.lockInstancesOf(ctx, domainName, instances)
	if err != nil {
		return d.journal.Current(), err
	}
	defer release()

	if len(instances) == 0 {
		return d.journal.Current(), nil
	}
	return d.stopLocked(ctx, "stop", domainName, instances)
}

// lockInstancesOf locks domainName and every domain served by seen, then
// reads the instances of domainName again under the locks. When a transition
// that committed in between gave them a domain outside the locked set, the
// locks are released and taken again over the larger set.
func (d *Deployer) lockInstancesOf(ctx context.Context, domainName string, seen []domain.InstanceSpec) ([]domain.InstanceSpec, func(), error) {
	want := append(domainsOf(seen...), domainName)
	for {
		release, err := d.locks.acquire(ctx, want)
		if err != nil {
			return nil, nil, err
		}

		instances := d.InstancesOfDomain(domainName)
		needed := domainsOf(instances...)
		if covers(want, needed) {
			return instances, release, nil
		}

		release()
		d.logger.Debug("domain set grew while locking", "domain", domainName)
		want = append(want, needed...)
	}
}

// covers reports whether every domain of needed is in locked.
func covers(locked, needed []string) bool {
	set := make(map[string]bool, len(locked))
	for _, d := range uniqueSorted(locked) {
		set[d] = true
	}
	for _, d := range uniqueSorted(needed) {
		if !set[d] {
			return false
		}
	}
	return true
}

func (d *Deployer) stopLocked(ctx context.Context, op, domainName string, instances []domain.InstanceSpec) (domain.Snapshot, error) {
	ids := make([]string, 0, len(instances))
	for _, inst := range instances {
		ids = append(ids, inst.ID)
	}
	tx := newTransition(op, domainName, strings.Join(ids, ","), d.logger)
	tx.logger.Info("starting transition")

	// remove_routes
	for _, inst := range instances {
		for _, dn := range inst.Domains {
			before, ok := d.router.Route(dn)
			if !ok || before.InstanceID != inst.ID {
				continue
			}
			if err := d.router.RemoveRoute(ctx, dn); err != nil {
				return d.journal.Current(), tx.fail(ctx, StepRemoveRoutes, err)
			}
			tx.onUndo(StepRemoveRoutes, func(ctx context.Context) error {
				return d.router.SetRoute(ctx, dn, before)
			})
		}
	}

	// stop_containers
	for _, inst := range instances {
		if err := d.stopContainers(ctx, tx, StepStopContainers, inst.ContainerIDs); err != nil {
			return d.journal.Current(), tx.fail(ctx, StepStopContainers, err)
		}
	}

	// commit
	snap, err := d.journal.Update(ctx, fmt.Sprintf("%s %s", op, domainName), func(s domain.Snapshot) domain.Snapshot {
		for _, inst := range instances {
			s = s.WithoutInstance(inst.ID)
		}
		return s
	})
	if err != nil {
		return d.journal.Current(), tx.fail(ctx, StepCommit, err)
	}

	cleanupCtx := context.WithoutCancel(ctx)
	for _, inst := range instances {
		for _, id := range inst.ContainerIDs {
			if err := d.engine.Remove(cleanupCtx, id); err != nil {
				d.logger.Warn("failed to remove stopped container", "instance", inst.ID, "container_id", shortID(id), "error", err)
			}
		}
		for _, r := range inst.Reservations() {
			d.ports.Release(r)
		}
		d.record(ctx, inst.ID, domain.EventStopped, "", fmt.Sprintf("stopped at version %d", snap.Version))
	}

	tx.logger.Info("transition committed", "version", snap.Version)
	return snap, nil
}

// =============================================================================
// Redeploy
// =============================================================================

// Redeploy deploys every instance of domainName again from its committed
// spec, keeping its host ports.
func (d *Deployer) Redeploy(ctx context.Context, domainName string) (domain.Snapshot, error) {
	domainName = domain.NormalizeDomain(domainName)

	instances := d.InstancesOfDomain(domainName)
	if len(instances) == 0 {
		return d.journal.Current(), fmt.Errorf("domain %s: %w", domainName, domain.ErrNotFound)
	}

	instances, release, err := d.lockInstancesOf(ctx, domainName, instances)
	if err != nil {
		return d.journal.Current(), err
	}
	defer release()

	if len(instances) == 0 {
		return d.journal.Current(), fmt.Errorf("domain %s: %w", domainName, domain.ErrNotFound)
	}
	snap := d.journal.Current()
	for _, inst := range instances {
		snap, err = d.deployLocked(ctx, "redeploy", inst)
		if err != nil {
			return snap, err
		}
	}
	return snap, nil
}
