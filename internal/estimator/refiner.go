package estimator

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/pagecarbon/pagecarbon/pkg/types"
)

// Refiner re-runs estimation as new resources appear after the detailed
// pass. At most one refinement is in flight: the guard is taken when a pass
// is dispatched and released only after the pass, including its RefineDelay
// pause, completes.
type Refiner struct {
	est      *Estimator
	inFlight atomic.Bool
	passes   atomic.Uint64
}

// NewRefiner returns a Refiner driving est.
func NewRefiner(est *Estimator) *Refiner {
	return &Refiner{est: est}
}

// TriggerCheck dispatches a refinement pass if the estimator is in Detailed,
// no pass is in flight and the number of observable resources differs from
// the number already accounted for. It reports whether a pass was
// dispatched. The pass itself runs after RefineDelay on the estimator clock.
func (r *Refiner) TriggerCheck(ctx context.Context) bool {
	if r.est.State() != types.StateDetailed || r.inFlight.Load() {
		return false
	}
	tr := r.est.Tracker()
	observable := tr.Observable()
	if observable == 0 || observable == tr.SeenCount() {
		return false
	}
	if !r.inFlight.CompareAndSwap(false, true) {
		return false
	}

	slog.Debug("estimator: refinement dispatched", "observable", observable, "seen", tr.SeenCount())
	r.est.clock.AfterFunc(r.est.cfg.RefineDelay, func() {
		defer r.inFlight.Store(false)
		r.passes.Add(1)
		r.est.Refine(ctx)
	})
	return true
}

// InFlight reports whether a refinement pass is pending or running.
func (r *Refiner) InFlight() bool { return r.inFlight.Load() }

// Passes returns the number of refinement passes run.
func (r *Refiner) Passes() uint64 { return r.passes.Load() }

// Run calls TriggerCheck every interval until ctx is cancelled.
func (r *Refiner) Run(ctx context.Context, interval time.Duration) {
	slog.Info("estimator: refiner started", "poll_interval", interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("estimator: refiner stopped")
			return
		case <-r.est.clock.After(interval):
			r.TriggerCheck(ctx)
		}
	}
}
