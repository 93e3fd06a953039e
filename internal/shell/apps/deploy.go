package apps

import (
	"context"
	"fmt"
	"strconv"
	"time"

	corebackup "github.com/artpar/shipyard/internal/core/backup"
	coredeployment "github.com/artpar/shipyard/internal/core/deployment"
	"github.com/artpar/shipyard/internal/core/dns"
	"github.com/artpar/shipyard/internal/core/domain"
	"github.com/artpar/shipyard/internal/core/traefik"
	"github.com/artpar/shipyard/internal/shell/ports"
)

// =============================================================================
// Deploy
// =============================================================================

// Deploy starts spec, replacing any previous generation of the same
// instance, and commits the new snapshot. On failure every completed step is
// compensated and the journal is left untouched.
func (d *Deployer) Deploy(ctx context.Context, spec domain.InstanceSpec) (domain.Snapshot, error) {
	spec = spec.Normalized()
	if err := validate(spec); err != nil {
		return d.journal.Current(), domain.NewDeployError("deploy", StepValidate, spec.PrimaryDomain(), spec.ID, err)
	}

	lockDomains := spec.Domains
	if prev, ok := d.journal.Current().Instance(spec.ID); ok {
		lockDomains = domainsOf(spec, prev)
	}
	release, err := d.locks.acquire(ctx, lockDomains)
	if err != nil {
		return d.journal.Current(), err
	}
	defer release()

	return d.deployLocked(ctx, "deploy", spec)
}

// DeployAll deploys several instances of one domain in order, for example
// the services of a compose document. It stops at the first failure;
// instances deployed before it stay committed.
func (d *Deployer) DeployAll(ctx context.Context, specs []domain.InstanceSpec) (domain.Snapshot, error) {
	normalized := make([]domain.InstanceSpec, 0, len(specs))
	for _, s := range specs {
		s = s.Normalized()
		if err := validate(s); err != nil {
			return d.journal.Current(), domain.NewDeployError("deploy", StepValidate, s.PrimaryDomain(), s.ID, err)
		}
		normalized = append(normalized, s)
	}

	current := d.journal.Current()
	lockDomains := domainsOf(normalized...)
	for _, s := range normalized {
		if prev, ok := current.Instance(s.ID); ok {
			lockDomains = append(lockDomains, prev.Domains...)
		}
	}
	release, err := d.locks.acquire(ctx, lockDomains)
	if err != nil {
		return d.journal.Current(), err
	}
	defer release()

	snap := d.journal.Current()
	for _, s := range normalized {
		snap, err = d.deployLocked(ctx, "deploy", s)
		if err != nil {
			return snap, err
		}
	}
	return snap, nil
}

func validate(spec domain.InstanceSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	for _, d := range spec.Domains {
		if err := dns.ValidateHostname(d); err != nil {
			return domain.NewSpecError(spec.ID, fmt.Sprintf("domain %q: %v", d, err))
		}
	}
	return corebackup.Validate(spec)
}

// deployLocked runs the deploy steps. The caller holds the domain locks.
func (d *Deployer) deployLocked(ctx context.Context, op string, spec domain.InstanceSpec) (domain.Snapshot, error) {
	current := d.journal.Current()
	prev, hadPrev := current.Instance(spec.ID)
	generation := strconv.FormatInt(current.Version+1, 10)
	tx := newTransition(op, spec.PrimaryDomain(), spec.ID, d.logger)

	tx.logger.Info("starting transition", "generation", generation, "image", spec.Image, "redeploy", hadPrev)

	spec.ContainerIDs = nil
	spec.DeployedAt = time.Time{}

	fail := func(step string, err error) (domain.Snapshot, error) {
		derr := tx.fail(ctx, step, err)
		d.record(ctx, spec.ID, domain.EventDeployFailed, "", derr.Error())
		return d.journal.Current(), derr
	}

	// reserve_ports
	if err := d.reservePorts(ctx, tx, &spec, prev, hadPrev); err != nil {
		return fail(StepReservePorts, err)
	}

	// resolve_volumes
	targets, err := d.engine.ImageVolumes(ctx, spec.Image)
	if err != nil {
		return fail(StepResolveVolumes, err)
	}
	volumes := coredeployment.Merge(coredeployment.ImageVolumes(spec.ID, targets), spec.Volumes)

	// stop_previous
	if hadPrev {
		if err := d.stopContainers(ctx, tx, StepStopPrevious, prev.ContainerIDs); err != nil {
			return fail(StepStopPrevious, err)
		}
	}

	// start_container
	plan := coredeployment.BuildContainerPlan(coredeployment.BuildContainerPlanParams{
		Instance:    spec,
		Generation:  generation,
		Volumes:     volumes,
		ExtraLabels: d.extraLabels(spec),
	})
	containerID, err := d.engine.CreateAndStart(ctx, plan)
	if err != nil {
		return fail(StepStartContainer, err)
	}
	tx.onUndo(StepStartContainer, func(ctx context.Context) error {
		if err := d.engine.Stop(ctx, containerID); err != nil {
			return err
		}
		return d.engine.Remove(ctx, containerID)
	})
	spec.ContainerIDs = []string{containerID}
	tx.logger.Info("container started", "container_id", shortID(containerID), "name", plan.Name)

	// set_route
	if err := d.setRoutes(ctx, tx, spec); err != nil {
		return fail(StepSetRoute, err)
	}

	// ensure_certificate
	if _, routed := routeTarget(spec.PrimaryDomain(), spec); routed && d.certs != nil {
		for _, dn := range spec.Domains {
			if err := d.certs.EnsureCertificate(ctx, dn); err != nil {
				return fail(StepEnsureCertificate, err)
			}
		}
	}

	// health_check
	if err := d.waitHealthy(ctx, containerID); err != nil {
		return fail(StepHealthCheck, err)
	}

	// commit
	spec.DeployedAt = d.now().UTC()
	snap, err := d.journal.Update(ctx, fmt.Sprintf("%s %s", op, spec.ID), func(s domain.Snapshot) domain.Snapshot {
		return s.WithInstance(spec)
	})
	if err != nil {
		return fail(StepCommit, err)
	}

	if hadPrev {
		d.retirePrevious(ctx, prev, spec)
	}
	d.record(ctx, spec.ID, domain.EventDeployed, containerID, fmt.Sprintf("generation %s of %s committed at version %d", generation, spec.Image, snap.Version))
	tx.logger.Info("transition committed", "version", snap.Version)
	return snap, nil
}

// reservePorts resolves every port binding of spec. Ports the previous
// generation of the instance holds are adopted without a probe, since its
// own container is the process bound to them.
func (d *Deployer) reservePorts(ctx context.Context, tx *transition, spec *domain.InstanceSpec, prev domain.InstanceSpec, hadPrev bool) error {
	adopted := make(map[int]bool)

	for i, p := range spec.Ports {
		if hadPrev {
			if j, ok := matchPrevious(p, prev.Ports, adopted); ok {
				adopted[j] = true
				q := prev.Ports[j]
				spec.Ports[i].HostPort = q.HostPort
				spec.Ports[i].HostIP = q.HostIP
				if res := q.Reservation(); !d.ports.Held(res) {
					d.ports.Adopt(res)
				}
				continue
			}
		}

		res, err := d.ports.Reserve(ctx, ports.RequestFor(p))
		if err != nil {
			return err
		}
		tx.onUndo(StepReservePorts, func(context.Context) error {
			d.ports.Release(res)
			return nil
		})
		spec.Ports[i].HostPort = res.Port
		spec.Ports[i].HostIP = res.HostIP
	}
	return nil
}

// matchPrevious finds the previous binding a new binding can take over. An
// explicit host port the previous generation already holds is taken over
// whatever its container port; a request for any port takes over a binding
// with the same container port. Protocol and host IP must agree.
func matchPrevious(p domain.PortBinding, previous []domain.PortBinding, taken map[int]bool) (int, bool) {
	fallback := -1
	for j, q := range previous {
		if taken[j] || q.HostPort == 0 || q.Protocol != p.Protocol {
			continue
		}
		if p.HostIP != "" && p.HostIP != q.HostIP {
			continue
		}
		if p.WantsAny() {
			if q.ContainerPort == p.ContainerPort {
				return j, true
			}
			continue
		}
		if p.HostPort != q.HostPort {
			continue
		}
		if q.ContainerPort == p.ContainerPort {
			return j, true
		}
		if fallback < 0 {
			fallback = j
		}
	}
	if fallback >= 0 {
		return fallback, true
	}
	return 0, false
}

func (d *Deployer) stopContainers(ctx context.Context, tx *transition, step string, ids []string) error {
	for _, id := range ids {
		if err := d.engine.Stop(ctx, id); err != nil {
			return err
		}
		tx.onUndo(step, func(ctx context.Context) error {
			return d.engine.Start(ctx, id)
		})
	}
	return nil
}

func (d *Deployer) setRoutes(ctx context.Context, tx *transition, spec domain.InstanceSpec) error {
	for _, dn := range spec.Domains {
		target, ok := routeTarget(dn, spec)
		if !ok {
			return nil
		}
		before, hadRoute := d.router.Route(dn)
		if err := d.router.SetRoute(ctx, dn, target); err != nil {
			return err
		}
		tx.onUndo(StepSetRoute, func(ctx context.Context) error {
			if hadRoute {
				return d.router.SetRoute(ctx, dn, before)
			}
			return d.router.RemoveRoute(ctx, dn)
		})
	}
	return nil
}

// waitHealthy polls the engine until the container is healthy, the attempts
// run out, or the step timeout expires.
func (d *Deployer) waitHealthy(ctx context.Context, containerID string) error {
	ctx, cancel := context.WithTimeout(ctx, d.config.HealthTimeout)
	defer cancel()

	for attempt := 1; attempt <= d.config.HealthAttempts; attempt++ {
		healthy, err := d.engine.Healthcheck(ctx, containerID)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %w", domain.ErrHealthCheckFailed, ctx.Err())
			}
			return fmt.Errorf("%w: %w", domain.ErrHealthCheckFailed, err)
		}
		if healthy {
			return nil
		}
		if attempt == d.config.HealthAttempts {
			break
		}

		timer := time.NewTimer(d.config.HealthInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %w", domain.ErrHealthCheckFailed, ctx.Err())
		case <-timer.C:
		}
	}
	return fmt.Errorf("%w: not healthy after %d attempts", domain.ErrHealthCheckFailed, d.config.HealthAttempts)
}

// retirePrevious cleans up after a committed redeploy: old containers are
// removed, ports the new generation dropped are released, and routes for
// domains it no longer serves are removed. Failures are logged only; the
// transition is already committed.
func (d *Deployer) retirePrevious(ctx context.Context, prev, next domain.InstanceSpec) {
	ctx = context.WithoutCancel(ctx)

	for _, id := range prev.ContainerIDs {
		if err := d.engine.Remove(ctx, id); err != nil {
			d.logger.Warn("failed to remove previous container", "instance", prev.ID, "container_id", shortID(id), "error", err)
		}
	}

	kept := make(map[string]bool)
	for _, r := range next.Reservations() {
		kept[r.Key()] = true
	}
	for _, r := range prev.Reservations() {
		if !kept[r.Key()] {
			d.ports.Release(r)
		}
	}

	for _, dn := range prev.Domains {
		if _, routed := routeTarget(dn, next); routed && next.HasDomain(dn) {
			continue
		}
		if t, ok := d.router.Route(dn); ok && t.InstanceID == prev.ID {
			if err := d.router.RemoveRoute(ctx, dn); err != nil {
				d.logger.Warn("failed to remove stale route", "domain", dn, "error", err)
			}
		}
	}
}

func (d *Deployer) extraLabels(spec domain.InstanceSpec) map[string]string {
	if !d.config.TraefikLabels || spec.RoutePort == 0 {
		return nil
	}
	return traefik.GenerateLabels(traefik.LabelParams{
		InstanceID:   spec.ID,
		Domains:      spec.Domains,
		Port:         spec.RoutePort,
		EnableTLS:    d.config.TraefikCertResolver != "",
		CertResolver: d.config.TraefikCertResolver,
	})
}
