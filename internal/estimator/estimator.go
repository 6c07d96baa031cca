package estimator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pagecarbon/pagecarbon/internal/clock"
	"github.com/pagecarbon/pagecarbon/internal/emissions"
	"github.com/pagecarbon/pagecarbon/internal/enrich"
	"github.com/pagecarbon/pagecarbon/internal/tracker"
	"github.com/pagecarbon/pagecarbon/pkg/types"
)

// Default lifecycle delays.
const (
	DefaultDetailedDelay = 2 * time.Second
	DefaultRefineDelay   = 1 * time.Second
)

// Enricher resolves green hosting and grid intensity for one resource. It
// never fails; unresolved stages fall back inside the implementation.
// *enrich.Pipeline and enrich.Offline implement it.
type Enricher interface {
	Enrich(ctx context.Context, res types.ResourceEntry, defaults types.GridIntensity) enrich.Result
}

// Config holds the lifecycle delays.
type Config struct {
	// DetailedDelay is the wait between the load signal and the detailed pass.
	DetailedDelay time.Duration
	// RefineDelay is the pause a Refiner takes before each dispatched pass.
	RefineDelay time.Duration
}

// DefaultConfig returns the default delays.
func DefaultConfig() Config {
	return Config{DetailedDelay: DefaultDetailedDelay, RefineDelay: DefaultRefineDelay}
}

// Status is a consistent snapshot of the published estimate.
type Status struct {
	SessionID string
	State     types.State
	Estimate  types.Estimate
	Defaults  types.GridIntensity
	UpdatedAt time.Time
}

// Estimator is the estimation state machine. All exported methods are safe
// for concurrent use.
//
// Each load signal starts a new generation. Passes capture the generation
// they run for; a pass overtaken by a newer load has its context cancelled
// and its result is never published.
type Estimator struct {
	tracker  *tracker.Tracker
	enricher Enricher
	agg      *emissions.Aggregator
	clock    clock.Clock
	cfg      Config

	load sync.Mutex // serializes load signals; never held across lookups
	pass sync.Mutex // held for the whole of an enrichment pass

	mu         sync.RWMutex
	gen        uint64
	session    context.Context
	endSession context.CancelFunc
	state      types.State
	acc        types.Estimate // unrounded running total behind published
	published  types.Estimate
	defaults   types.GridIntensity
	sessionID  string
	updatedAt  time.Time
	detailed   *clock.Timer
	subs       []func(types.Update)
}

// New returns an Estimator in the Uninitialized state using the package
// default grid intensity.
func New(tr *tracker.Tracker, en Enricher, agg *emissions.Aggregator, clk clock.Clock, cfg Config) *Estimator {
	if clk == nil {
		clk = clock.Real()
	}
	session, end := context.WithCancel(context.Background())
	return &Estimator{
		tracker:    tr,
		enricher:   en,
		agg:        agg,
		clock:      clk,
		cfg:        cfg,
		session:    session,
		endSession: end,
		defaults:   types.DefaultGridIntensity(),
	}
}

// Subscribe registers fn to receive every published Update. fn is called
// synchronously from the publishing goroutine and must not block.
func (e *Estimator) Subscribe(fn func(types.Update)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subs = append(e.subs, fn)
}

// OnLoad handles the page-load signal: it publishes the coarse estimate and
// schedules the detailed pass after DetailedDelay. A pending detailed pass
// from an earlier load is cancelled and a running one is told to stop. ctx
// bounds the detailed pass.
func (e *Estimator) OnLoad(ctx context.Context) types.Estimate {
	e.load.Lock()
	defer e.load.Unlock()

	session, gen := e.beginSession(ctx)
	est := e.coarse(gen)

	t := e.clock.AfterFunc(e.cfg.DetailedDelay, func() {
		if session.Err() != nil {
			return
		}
		e.detailedPass(session, gen)
	})

	e.mu.Lock()
	e.detailed = t
	e.mu.Unlock()
	return est
}

// Coarse starts a new session, resets the delta tracker and publishes an
// estimate over every currently observable resource, using the default grid
// intensity and green=false. No network calls are made and it never waits
// for a running pass.
func (e *Estimator) Coarse() types.Estimate {
	e.load.Lock()
	defer e.load.Unlock()

	_, gen := e.beginSession(context.Background())
	return e.coarse(gen)
}

// beginSession supersedes the current session: the pending detailed timer is
// stopped, the running pass is cancelled and a new session id is issued.
func (e *Estimator) beginSession(ctx context.Context) (context.Context, uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.detailed != nil {
		e.detailed.Stop()
		e.detailed = nil
	}
	e.endSession()
	e.session, e.endSession = context.WithCancel(ctx)
	e.gen++
	e.sessionID = uuid.NewString()
	return e.session, e.gen
}

func (e *Estimator) coarse(gen uint64) types.Estimate {
	e.tracker.Reset()
	resources := e.tracker.Relevant(0)
	est := e.agg.Coarse(resources, e.DefaultGridIntensity())
	e.publish(gen, types.PhaseCoarse, types.StateCoarse, est, len(resources))
	return est
}

// passContext returns a context for a pass of generation gen that is
// cancelled with ctx or when the session ends. ok is false once a newer load
// has superseded gen.
func (e *Estimator) passContext(ctx context.Context, gen uint64) (pctx context.Context, ok bool, done func()) {
	e.mu.RLock()
	session, cur := e.session, e.gen
	e.mu.RUnlock()
	if cur != gen {
		return ctx, false, func() {}
	}
	pctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(session, cancel)
	return pctx, true, func() {
		stop()
		cancel()
	}
}

func (e *Estimator) generation() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.gen
}

// Detailed enriches and folds every resource from the start of the timeline
// into a fresh total, publishes it and moves to Detailed.
func (e *Estimator) Detailed(ctx context.Context) types.Estimate {
	return e.detailedPass(ctx, e.generation())
}

func (e *Estimator) detailedPass(ctx context.Context, gen uint64) types.Estimate {
	e.pass.Lock()
	defer e.pass.Unlock()

	pctx, ok, done := e.passContext(ctx, gen)
	defer done()
	if !ok {
		slog.Debug("estimator: superseded detailed pass skipped", "generation", gen)
		return e.Emissions()
	}

	e.tracker.Reset()
	resources := e.tracker.NewResources(0)
	acc := e.fold(pctx, gen, types.Estimate{}, resources)
	e.publish(gen, types.PhaseDetailed, types.StateDetailed, acc, len(resources))
	return emissions.Round(acc)
}

// Refine folds the resources newer than the tracker checkpoint into the
// published total. It does nothing unless the estimator is in Detailed, and
// publishes only when there was something new. It returns the number of
// resources folded.
func (e *Estimator) Refine(ctx context.Context) int {
	e.pass.Lock()
	defer e.pass.Unlock()

	e.mu.RLock()
	state, gen, acc := e.state, e.gen, e.acc
	e.mu.RUnlock()
	if state != types.StateDetailed {
		return 0
	}

	pctx, ok, done := e.passContext(ctx, gen)
	defer done()
	if !ok {
		return 0
	}
	resources := e.tracker.NewResources(e.tracker.LastStartTime())
	if len(resources) == 0 {
		return 0
	}

	acc = e.fold(pctx, gen, acc, resources)
	e.publish(gen, types.PhaseRefined, types.StateDetailed, acc, len(resources))
	return len(resources)
}

// fold enriches and folds resources in order. Once ctx is done or gen is
// superseded the remaining resources are folded by size with the default
// grid intensity and no lookups.
func (e *Estimator) fold(ctx context.Context, gen uint64, acc types.Estimate, resources []types.ResourceEntry) types.Estimate {
	for _, res := range resources {
		defaults := e.DefaultGridIntensity()
		if ctx.Err() != nil || e.generation() != gen {
			acc = e.agg.Fold(acc, res, false, defaults)
		} else {
			r := e.enricher.Enrich(ctx, res, defaults)
			acc = e.agg.Fold(acc, res, r.Green, r.Grid)
		}
		e.tracker.Advance(res.StartTime)
	}
	return acc
}

// publish records acc as the current estimate of generation gen and notifies
// subscribers. Results of a superseded generation are dropped.
func (e *Estimator) publish(gen uint64, phase types.Phase, state types.State, acc types.Estimate, n int) bool {
	pub := emissions.Round(acc)

	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		slog.Debug("estimator: superseded result dropped", "phase", phase, "generation", gen)
		return false
	}
	e.acc = acc
	e.published = pub
	e.state = state
	e.updatedAt = e.clock.Now()
	u := types.Update{
		SessionID: e.sessionID,
		Phase:     phase,
		State:     state,
		Estimate:  pub,
		Resources: n,
		At:        e.updatedAt,
	}
	subs := make([]func(types.Update), len(e.subs))
	copy(subs, e.subs)
	e.mu.Unlock()

	slog.Info("estimator: published",
		"session", u.SessionID,
		"phase", phase,
		"state", state.String(),
		"weight_bytes", pub.WeightBytes,
		"co2_grams", pub.CO2Grams,
		"resources", n)

	for _, fn := range subs {
		fn(u)
	}
	return true
}

// Emissions returns the latest published estimate. It is meaningful once the
// state is at least Coarse.
func (e *Estimator) Emissions() types.Estimate {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.published
}

// State returns the current lifecycle state.
func (e *Estimator) State() types.State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Status returns the published estimate together with its state and session.
func (e *Estimator) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Status{
		SessionID: e.sessionID,
		State:     e.state,
		Estimate:  e.published,
		Defaults:  e.defaults,
		UpdatedAt: e.updatedAt,
	}
}

// ChangeDefaultGridIntensity replaces the default grid intensity wholesale.
// Passes already running pick it up from their next resource.
func (e *Estimator) ChangeDefaultGridIntensity(g types.GridIntensity) {
	e.mu.Lock()
	e.defaults = g
	e.mu.Unlock()
	slog.Info("estimator: default grid intensity changed",
		"device_country", g.DeviceCountry,
		"data_center", g.DataCenter,
		"network_country", g.NetworkCountry)
}

// DefaultGridIntensity returns the current default grid intensity.
func (e *Estimator) DefaultGridIntensity() types.GridIntensity {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.defaults
}

// Tracker returns the estimator's delta tracker.
func (e *Estimator) Tracker() *tracker.Tracker { return e.tracker }

// Snapshot returns the published estimate in its external form.
func (e *Estimator) Snapshot() types.Snapshot {
	s := e.Status()
	return types.Snapshot{
		WeightBytes: s.Estimate.WeightBytes,
		CO2Grams:    s.Estimate.CO2Grams,
		State:       s.State,
		StateName:   s.State.String(),
		SessionID:   s.SessionID,
		UpdatedAt:   s.UpdatedAt,
	}
}
