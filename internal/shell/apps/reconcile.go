package apps

import (
	"context"
	"errors"
	"fmt"

	coredeployment "github.com/artpar/shipyard/internal/core/deployment"
	"github.com/artpar/shipyard/internal/core/domain"
	"github.com/artpar/shipyard/internal/core/monitoring"
	"github.com/artpar/shipyard/internal/core/proxy"
	"github.com/artpar/shipyard/internal/shell/docker"
)

// =============================================================================
// Reconcile and Rollback
// =============================================================================

// Reconcile converges the running system on target: instances absent from
// it are stopped and instances whose configuration differs are deployed.
// Every converged instance is committed as its own version, so a failure
// part way leaves the instances handled so far committed.
func (d *Deployer) Reconcile(ctx context.Context, target domain.Snapshot) (domain.Snapshot, error) {
	current := d.journal.Current()

	lockDomains := domainsOf(current.SortedInstances()...)
	lockDomains = append(lockDomains, domainsOf(target.SortedInstances()...)...)
	release, err := d.locks.acquire(ctx, lockDomains)
	if err != nil {
		return current, err
	}
	defer release()

	current = d.journal.Current()
	d.logger.Info("reconciling", "from_version", current.Version, "target_version", target.Version)

	for _, have := range current.SortedInstances() {
		if _, keep := target.Instances[have.ID]; keep {
			continue
		}
		if _, err := d.stopLocked(ctx, "reconcile", have.PrimaryDomain(), []domain.InstanceSpec{have}); err != nil {
			return d.journal.Current(), err
		}
	}

	for _, want := range target.SortedInstances() {
		if have, ok := current.Instance(want.ID); ok && have.SameConfig(want) {
			continue
		}
		want = want.Normalized()
		if err := validate(want); err != nil {
			return d.journal.Current(), domain.NewDeployError("reconcile", StepValidate, want.PrimaryDomain(), want.ID, err)
		}
		if _, err := d.deployLocked(ctx, "reconcile", want); err != nil {
			return d.journal.Current(), err
		}
	}

	return d.journal.Current(), nil
}

// Rollback restores the snapshot committed at version.
func (d *Deployer) Rollback(ctx context.Context, version int64) (domain.Snapshot, error) {
	target, err := d.journal.Get(ctx, version)
	if err != nil {
		return d.journal.Current(), err
	}
	return d.journal.Restore(ctx, target, d)
}

// =============================================================================
// Recovery
// =============================================================================

// Recover re-establishes in-memory state for the recovered snapshot at
// startup: every instance's ports are adopted and its routes are published.
// Managed containers no committed instance references were left by a
// transition that never committed; they are removed.
func (d *Deployer) Recover(ctx context.Context) error {
	var errs []error
	for _, inst := range d.Instances() {
		for _, r := range inst.Reservations() {
			d.ports.Adopt(r)
		}
		for _, dn := range inst.Domains {
			target, ok := routeTarget(dn, inst)
			if !ok {
				break
			}
			if err := d.router.SetRoute(ctx, dn, target); err != nil {
				errs = append(errs, fmt.Errorf("route %s: %w", dn, err))
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	orphans, err := d.sweepOrphans(ctx)
	if err != nil {
		return err
	}
	d.logger.Info("recovered state", "version", d.journal.Current().Version, "instances", len(d.journal.Current().Instances), "orphans_removed", orphans)
	return nil
}

func (d *Deployer) sweepOrphans(ctx context.Context) (int, error) {
	containers, err := d.engine.ManagedContainers(ctx)
	if err != nil {
		return 0, fmt.Errorf("list managed containers: %w", err)
	}

	committed := make(map[string]bool)
	for _, inst := range d.Instances() {
		for _, id := range inst.ContainerIDs {
			committed[id] = true
		}
	}

	removed := 0
	for _, c := range containers {
		if committed[c.ID] {
			continue
		}
		d.logger.Warn("removing orphaned container", "container_id", shortID(c.ID), "name", c.Name, "instance", c.Labels[coredeployment.LabelInstance])
		if err := d.engine.Stop(ctx, c.ID); err != nil {
			d.logger.Warn("failed to stop orphaned container", "container_id", shortID(c.ID), "error", err)
		}
		if err := d.engine.Remove(ctx, c.ID); err != nil {
			d.logger.Warn("failed to remove orphaned container", "container_id", shortID(c.ID), "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// =============================================================================
// Status
// =============================================================================

// InstanceStatus is the live view of one instance.
type InstanceStatus struct {
	Instance domain.InstanceSpec `json:"instance"`
	Routes   []proxy.RouteTarget `json:"routes"`
	Healthy  bool                `json:"healthy"`
	Health   monitoring.State    `json:"health"`
	Error    string              `json:"error,omitempty"`
	Busy     bool                `json:"busy"`
}

// Status reports the live state of every instance serving domainName.
func (d *Deployer) Status(ctx context.Context, domainName string) []InstanceStatus {
	instances := d.InstancesOfDomain(domainName)
	out := make([]InstanceStatus, 0, len(instances))
	for _, inst := range instances {
		st := InstanceStatus{Instance: inst, Routes: []proxy.RouteTarget{}, Healthy: len(inst.ContainerIDs) > 0}
		for _, dn := range inst.Domains {
			if t, ok := d.router.Route(dn); ok && t.InstanceID == inst.ID {
				st.Routes = append(st.Routes, t)
			}
			st.Busy = st.Busy || d.locks.busy(dn)
		}
		states := make([]monitoring.State, 0, len(inst.ContainerIDs))
		for _, id := range inst.ContainerIDs {
			healthy, err := d.engine.Healthcheck(ctx, id)
			if err != nil {
				st.Error = err.Error()
			}
			st.Healthy = st.Healthy && healthy
			states = append(states, docker.HealthState(healthy, err))
		}
		st.Health = monitoring.Aggregate(states)
		out = append(out, st)
	}
	return out
}
