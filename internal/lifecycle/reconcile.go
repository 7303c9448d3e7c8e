// Package lifecycle computes and drives the single monotonic transition a
// device handle should make next, given its intended state (derived solely
// from the CUSE client: open + not-yet-destroyed + FD open) and its observed
// state (derived from the host kernel and prior helper invocations) (spec
// §4.4). Because intended state only ever moves forward and observed state
// lags but converges, replaying the same events in any order reaches the
// same final Live set.
package lifecycle

import (
	"context"

	"github.com/vuinputd/vuinputd/domain"
)

// Step computes the next single-step transition observed should make toward
// intended, or reports there is nothing to do. It deliberately advances one
// state at a time rather than jumping straight to intended: Creating->Live
// requires the caller to have confirmed the device actually exists on the
// host (via the uevent store) before calling Reconcile again with observed
// already bumped, and PendingCleanup->Removed requires the cleanup
// side-effect to have actually run.
func Step(observed, intended domain.HandleState) (domain.HandleState, bool) {
	if observed == intended {
		return observed, false
	}

	// Tearing down is a standing intent regardless of how far creation got:
	// Creating or Live both fold directly into PendingCleanup (spec §3,
	// CanTransition permits both).
	if intended == domain.StatePendingCleanup || intended == domain.StateRemoved {
		if observed == domain.StateNonexistent {
			return observed, false
		}
		if observed.CanTransition(domain.StatePendingCleanup) {
			return domain.StatePendingCleanup, true
		}
		if observed == domain.StatePendingCleanup && observed.CanTransition(domain.StateRemoved) {
			return domain.StateRemoved, true
		}
		return observed, false
	}

	next := observed + 1
	if !observed.CanTransition(next) {
		return observed, false
	}
	return next, true
}

// HandleRef is the per-device-handle state a Reconciler needs to carry out
// a transition's side effect; implemented by internal/cuse's handle type.
type HandleRef interface {
	Container() domain.ContainerIface
	Artifact() domain.DeviceArtifact
}

// Reconciler drives HandleRef transitions through a dispatcher, translating
// a state change into the helper actions that make it real (spec §4.4 step
// 4, "executes that transition's side-effect via a helper action").
type Reconciler struct {
	dispatcher domain.DispatcherIface
}

// New builds a Reconciler backed by the given dispatcher.
func New(dispatcher domain.DispatcherIface) *Reconciler {
	return &Reconciler{dispatcher: dispatcher}
}

// Reconcile computes the next step from observed toward intended, executes
// its side effect if any, and returns the state observed should advance to.
// A no-op step returns observed unchanged and a nil error.
func (r *Reconciler) Reconcile(ctx context.Context, h HandleRef, observed, intended domain.HandleState) (domain.HandleState, error) {
	next, ok := Step(observed, intended)
	if !ok {
		return observed, nil
	}

	switch next {
	case domain.StateLive:
		if err := r.dispatcher.InjectInContainer(ctx, h.Container(), h.Artifact()); err != nil {
			return observed, err
		}
	case domain.StateRemoved:
		if err := r.dispatcher.RemoveFromContainer(ctx, h.Container(), h.Artifact()); err != nil {
			return observed, err
		}
	case domain.StateCreating, domain.StatePendingCleanup:
		// Creating is reached by the client's own UI_DEV_CREATE ioctl
		// succeeding against the backing FD, not a dispatcher action;
		// PendingCleanup is a marker state awaiting the Removed transition
		// above. Neither has a side effect of its own.
	}

	return next, nil
}
