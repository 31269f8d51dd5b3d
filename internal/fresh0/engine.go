package fresh0

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Engine decides, per invocation, whether a widget's dataset is served from
// the store, confirmed with a metadata probe, or refetched in full. All state
// lives in the stored Record; the engine itself is stateless.
type Engine struct {
	cfg    WidgetConfig
	store  *Store
	origin Origin
	stats  *statsCollector
	log    zerolog.Logger
	now    func() time.Time
}

type EngineOption func(*Engine)

func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

func WithLogger(l zerolog.Logger) EngineOption {
	return func(e *Engine) { e.log = l }
}

func withStats(s *statsCollector) EngineOption {
	return func(e *Engine) { e.stats = s }
}

// NewEngine expects a compiled WidgetConfig (see LoadConfig).
func NewEngine(cfg WidgetConfig, store *Store, origin Origin, opts ...EngineOption) *Engine {
	e := &Engine{
		cfg:    cfg,
		store:  store,
		origin: origin,
		log:    zerolog.Nop(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	e.log = e.log.With().Str("widget", cfg.Name).Str("key", cfg.Key).Logger()
	return e
}

func (e *Engine) Config() WidgetConfig { return e.cfg }

// Resolve returns the widget's dataset. It never fails: a Result without
// Data means there is nothing to render. force takes the bypass path used by
// debug and manual refreshes.
func (e *Engine) Resolve(ctx context.Context, force bool) Result {
	now := e.now()
	prev := e.store.Read(ctx, e.cfg.Key)

	var res Result
	switch {
	case force:
		res = e.resolveForced(ctx, prev, now)
	case prev == nil:
		res = e.resolveCold(ctx, now)
	case within(prev.FetchedAt, now, e.cfg.ttlDur):
		res = Result{Data: prev.Data, Version: prev.Version, State: StateFresh}
	case within(prev.LastProbeAt, now, e.cfg.cooldownDur):
		res = e.commit(ctx, StateCooldown, prev, Outcome{Kind: OutcomeContinued}, now)
	default:
		res = e.resolveProbeable(ctx, prev, now)
	}

	e.stats.observeResult(res)
	e.log.Debug().
		Str("state", string(res.State)).
		Str("outcome", string(res.Outcome)).
		Str("version", res.Version).
		Bool("data", res.OK()).
		Msg("resolved")
	return res
}

func (e *Engine) resolveCold(ctx context.Context, now time.Time) Result {
	// An unversioned full fetch can never hit the edge cache, so a failed
	// probe on a cold start ends here.
	version, ok := e.probe(ctx)
	if !ok {
		return Result{State: StateCold, Outcome: OutcomeProbeFailed}
	}
	full, ok := e.fetch(ctx, version, false)
	if !ok || full.Unchanged {
		return Result{State: StateCold, Outcome: OutcomeFetchFailed}
	}
	return e.commit(ctx, StateCold, nil, replaced(full), now)
}

func (e *Engine) resolveProbeable(ctx context.Context, prev *Record, now time.Time) Result {
	version, ok := e.probe(ctx)
	if !ok {
		return e.commit(ctx, StateProbeable, prev, Outcome{Kind: OutcomeProbeFailed}, now)
	}
	if version == prev.Version {
		return e.commit(ctx, StateProbeable, prev, Outcome{Kind: OutcomeConfirmed}, now)
	}
	full, ok := e.fetch(ctx, version, false)
	switch {
	case !ok:
		return e.commit(ctx, StateProbeable, prev, Outcome{Kind: OutcomeFetchFailed}, now)
	case full.Unchanged:
		return e.commit(ctx, StateProbeable, prev, Outcome{Kind: OutcomeConfirmed}, now)
	}
	return e.commit(ctx, StateProbeable, prev, replaced(full), now)
}

func (e *Engine) resolveForced(ctx context.Context, prev *Record, now time.Time) Result {
	version, ok := e.probe(ctx)
	if !ok {
		if prev == nil {
			return Result{State: StateForced, Outcome: OutcomeProbeFailed}
		}
		version = prev.Version
	}
	full, ok := e.fetch(ctx, version, true)
	switch {
	case !ok:
		return e.commit(ctx, StateForced, prev, Outcome{Kind: OutcomeFetchFailed}, now)
	case full.Unchanged:
		return e.commit(ctx, StateForced, prev, Outcome{Kind: OutcomeConfirmed}, now)
	}
	return e.commit(ctx, StateForced, prev, replaced(full), now)
}

// commit reconciles, persists and builds the caller's result. A failed write
// is logged by the store and otherwise ignored: the next call simply sees an
// older record.
func (e *Engine) commit(ctx context.Context, state State, prev *Record, o Outcome, now time.Time) Result {
	if o.Kind == OutcomeReplaced && (o.Version == "" || !hasPayload(o.Data)) {
		o.Kind = OutcomeFetchFailed
	}
	rec, ok := Reconcile(prev, o, now)
	if !ok {
		return Result{State: state, Outcome: o.Kind}
	}
	e.store.Write(ctx, e.cfg.Key, rec)

	switch o.Kind {
	case OutcomeProbeFailed, OutcomeFetchFailed:
		e.log.Warn().Str("state", string(state)).Str("outcome", string(o.Kind)).
			Str("version", rec.Version).Msg("serving cached data after origin failure")
	}
	return Result{Data: rec.Data, Version: rec.Version, State: state, Outcome: o.Kind}
}

func (e *Engine) probe(ctx context.Context) (string, bool) {
	v, ok := e.origin.Probe(ctx)
	e.stats.observeProbe(ok)
	return v, ok
}

func (e *Engine) fetch(ctx context.Context, version string, bypass bool) (FullResult, bool) {
	full, ok := e.origin.FetchFull(ctx, version, bypass)
	e.stats.observeFetch(ok)
	return full, ok
}

// within reports whether at lies in (now-d, now]. A stamp from the future
// (skewed clock, edited store) is never within.
func within(at, now time.Time, d time.Duration) bool {
	return !at.After(now) && now.Sub(at) < d
}

func replaced(full FullResult) Outcome {
	return Outcome{Kind: OutcomeReplaced, Version: full.Version, Data: full.Data}
}
