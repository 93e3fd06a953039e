package apps

import (
	"context"
	"log/slog"
	"time"

	"github.com/artpar/shipyard/internal/core/domain"
)

// Step names reported in DeployError.
const (
	StepValidate          = "validate"
	StepReservePorts      = "reserve_ports"
	StepResolveVolumes    = "resolve_volumes"
	StepStopPrevious      = "stop_previous"
	StepStartContainer    = "start_container"
	StepSetRoute          = "set_route"
	StepEnsureCertificate = "ensure_certificate"
	StepHealthCheck       = "health_check"
	StepRemoveRoutes      = "remove_routes"
	StepStopContainers    = "stop_containers"
	StepCommit            = "commit"
)

// compensationTimeout bounds the undo sequence of a failed transition.
const compensationTimeout = 2 * time.Minute

type undoFunc func(ctx context.Context) error

type undoEntry struct {
	step string
	fn   undoFunc
}

// transition records the compensating action of every completed step so a
// failure can unwind them in reverse order.
type transition struct {
	op       string
	domain   string
	instance string
	logger   *slog.Logger
	undo     []undoEntry
}

func newTransition(op, domainName, instance string, logger *slog.Logger) *transition {
	return &transition{
		op:       op,
		domain:   domainName,
		instance: instance,
		logger:   logger.With("op", op, "domain", domainName, "instance", instance),
	}
}

// onUndo registers the compensation of a step that just completed.
func (t *transition) onUndo(step string, fn undoFunc) {
	t.undo = append(t.undo, undoEntry{step: step, fn: fn})
}

// fail compensates every completed step and returns the DeployError for the
// failed one. Compensation runs on a context detached from the caller's
// cancellation so an aborted request still cleans up.
func (t *transition) fail(ctx context.Context, step string, err error) *domain.DeployError {
	t.logger.Warn("transition failed, compensating", "step", step, "error", err, "undo_steps", len(t.undo))

	undoCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	for i := len(t.undo) - 1; i >= 0; i-- {
		u := t.undo[i]
		if uerr := u.fn(undoCtx); uerr != nil {
			t.logger.Error("compensation failed", "step", u.step, "error", uerr)
		}
	}
	t.undo = nil

	return domain.NewDeployError(t.op, step, t.domain, t.instance, err)
}
