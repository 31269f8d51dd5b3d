package fresh0

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	dataA = `[{"id":1,"title":"Spring sale"}]`
	dataB = `[{"id":2,"title":"Summer sale"}]`
)

func recordA(fetchedAt, probedAt time.Time) Record {
	return Record{Version: "A", Data: json.RawMessage(dataA), FetchedAt: fetchedAt, LastProbeAt: probedAt}
}

func TestResolveFreshMakesNoNetworkCalls(t *testing.T) {
	origin := (&scriptedOrigin{}).serves("B", dataB)
	e, store, clock := newTestEngine(t, origin, nil)
	seedRecord(t, store, recordA(t0, t0))

	for _, offset := range []time.Duration{0, time.Minute, 10 * time.Minute, 15*time.Minute - time.Second} {
		clock.Set(t0.Add(offset))
		res := e.Resolve(context.Background(), false)
		require.True(t, res.OK())
		assert.Equal(t, StateFresh, res.State)
		assert.Equal(t, "A", res.Version)
		assert.Equal(t, dataA, string(res.Data))
	}

	probes, fetches := origin.calls()
	assert.Zero(t, probes)
	assert.Empty(t, fetches)
}

func TestResolveTTLIdempotentAfterColdLoad(t *testing.T) {
	origin := (&scriptedOrigin{}).serves("A", `[{"html":"<b>sale</b>"}]`)
	e, _, clock := newTestEngine(t, origin, nil)

	first := e.Resolve(context.Background(), false)
	require.True(t, first.OK())
	assert.Equal(t, StateCold, first.State)
	assert.Equal(t, OutcomeReplaced, first.Outcome)

	for i := 1; i <= 5; i++ {
		clock.Set(t0.Add(time.Duration(i) * time.Minute))
		res := e.Resolve(context.Background(), false)
		assert.Equal(t, StateFresh, res.State)
		assert.Equal(t, []byte(first.Data), []byte(res.Data))
	}

	probes, fetches := origin.calls()
	assert.Equal(t, 1, probes)
	assert.Len(t, fetches, 1)
}

func TestResolveCooldownSkipsProbe(t *testing.T) {
	origin := (&scriptedOrigin{}).serves("B", dataB)
	e, store, clock := newTestEngine(t, origin, nil)
	probedAt := t0.Add(15*time.Minute + 30*time.Second)
	seedRecord(t, store, recordA(t0, probedAt))

	now := t0.Add(16 * time.Minute)
	clock.Set(now)
	res := e.Resolve(context.Background(), false)

	assert.Equal(t, StateCooldown, res.State)
	assert.Equal(t, OutcomeContinued, res.Outcome)
	assert.Equal(t, dataA, string(res.Data))

	probes, fetches := origin.calls()
	assert.Zero(t, probes)
	assert.Empty(t, fetches)

	rec := store.Read(context.Background(), "ads")
	require.NotNil(t, rec)
	assert.True(t, rec.FetchedAt.Equal(now))
	assert.True(t, rec.LastProbeAt.Equal(probedAt))
}

// TTL 15m, cooldown 60s; probe at T0+16m confirms "A".
func TestResolveVersionStableContinuation(t *testing.T) {
	origin := (&scriptedOrigin{}).serves("A", dataA)
	e, store, clock := newTestEngine(t, origin, nil)
	seedRecord(t, store, recordA(t0, t0))

	now := t0.Add(16 * time.Minute)
	clock.Set(now)
	res := e.Resolve(context.Background(), false)

	assert.Equal(t, StateProbeable, res.State)
	assert.Equal(t, OutcomeConfirmed, res.Outcome)
	assert.Equal(t, dataA, string(res.Data))

	probes, fetches := origin.calls()
	assert.Equal(t, 1, probes)
	assert.Empty(t, fetches)

	rec := store.Read(context.Background(), "ads")
	require.NotNil(t, rec)
	assert.Equal(t, "A", rec.Version)
	assert.True(t, rec.FetchedAt.Equal(now))
	assert.True(t, rec.LastProbeAt.Equal(now))
}

// Same record; probe at T0+16m returns "B" and the v=B fetch succeeds.
func TestResolveVersionChangeReplaces(t *testing.T) {
	origin := (&scriptedOrigin{}).serves("B", dataB)
	e, store, clock := newTestEngine(t, origin, nil)
	seedRecord(t, store, recordA(t0, t0))

	now := t0.Add(16 * time.Minute)
	clock.Set(now)
	res := e.Resolve(context.Background(), false)

	assert.Equal(t, OutcomeReplaced, res.Outcome)
	assert.Equal(t, "B", res.Version)
	assert.Equal(t, dataB, string(res.Data))

	_, fetches := origin.calls()
	assert.Equal(t, []fetchCall{{version: "B", bypass: false}}, fetches)

	rec := store.Read(context.Background(), "ads")
	require.NotNil(t, rec)
	assert.Equal(t, "B", rec.Version)
	assert.Equal(t, dataB, string(rec.Data))
	assert.True(t, rec.FetchedAt.Equal(now))
	assert.True(t, rec.LastProbeAt.Equal(now))
}

func TestResolveRollbackCountsAsChange(t *testing.T) {
	origin := (&scriptedOrigin{}).serves("A", dataA)
	e, store, clock := newTestEngine(t, origin, nil)
	seedRecord(t, store, Record{Version: "B", Data: json.RawMessage(dataB), FetchedAt: t0, LastProbeAt: t0})

	clock.Set(t0.Add(time.Hour))
	res := e.Resolve(context.Background(), false)

	assert.Equal(t, OutcomeReplaced, res.Outcome)
	assert.Equal(t, "A", res.Version)
}

func TestResolveProbeFailureDegrades(t *testing.T) {
	origin := &scriptedOrigin{}
	e, store, clock := newTestEngine(t, origin, nil)
	seedRecord(t, store, recordA(t0, t0))

	now := t0.Add(16 * time.Minute)
	clock.Set(now)
	res := e.Resolve(context.Background(), false)

	assert.Equal(t, OutcomeProbeFailed, res.Outcome)
	assert.Equal(t, dataA, string(res.Data))

	rec := store.Read(context.Background(), "ads")
	require.NotNil(t, rec)
	assert.True(t, rec.LastProbeAt.Equal(now))
	assert.True(t, rec.FetchedAt.Equal(now))

	// Repeated calls right after the failure do not probe again.
	for i := 1; i <= 10; i++ {
		clock.Set(now.Add(time.Duration(i) * time.Second))
		res := e.Resolve(context.Background(), false)
		assert.Equal(t, dataA, string(res.Data))
	}
	probes, fetches := origin.calls()
	assert.Equal(t, 1, probes)
	assert.Empty(t, fetches)
}

func TestResolveFullFetchFailureKeepsOldPair(t *testing.T) {
	origin := &scriptedOrigin{probeVersion: "B", probeOK: true}
	e, store, clock := newTestEngine(t, origin, nil)
	seedRecord(t, store, recordA(t0, t0))

	now := t0.Add(16 * time.Minute)
	clock.Set(now)
	res := e.Resolve(context.Background(), false)

	assert.Equal(t, OutcomeFetchFailed, res.Outcome)
	assert.Equal(t, "A", res.Version)
	assert.Equal(t, dataA, string(res.Data))

	rec := store.Read(context.Background(), "ads")
	require.NotNil(t, rec)
	assert.Equal(t, "A", rec.Version)
	assert.Equal(t, dataA, string(rec.Data))
	assert.True(t, rec.LastProbeAt.Equal(now))
	assert.True(t, rec.FetchedAt.Equal(now))
}

func TestResolveUnchangedFullFetchConfirms(t *testing.T) {
	origin := &scriptedOrigin{probeVersion: "B", probeOK: true, full: FullResult{Unchanged: true}, fullOK: true}
	e, store, clock := newTestEngine(t, origin, nil)
	seedRecord(t, store, recordA(t0, t0))

	clock.Set(t0.Add(20 * time.Minute))
	res := e.Resolve(context.Background(), false)

	assert.Equal(t, OutcomeConfirmed, res.Outcome)
	assert.Equal(t, "A", res.Version)
	assert.Equal(t, dataA, string(res.Data))
}

func TestResolveColdProbeFailureNeverFetchesUnversioned(t *testing.T) {
	origin := &scriptedOrigin{full: FullResult{Version: "A", Data: json.RawMessage(dataA)}, fullOK: true}
	e, store, _ := newTestEngine(t, origin, nil)

	for i := 0; i < 3; i++ {
		res := e.Resolve(context.Background(), false)
		assert.False(t, res.OK())
		assert.Equal(t, StateCold, res.State)
		assert.Equal(t, OutcomeProbeFailed, res.Outcome)
	}

	probes, fetches := origin.calls()
	assert.Equal(t, 3, probes)
	assert.Empty(t, fetches)
	assert.Nil(t, store.Read(context.Background(), "ads"))
}

func TestResolveColdFetchFailureReturnsNoData(t *testing.T) {
	origin := &scriptedOrigin{probeVersion: "A", probeOK: true}
	e, store, _ := newTestEngine(t, origin, nil)

	res := e.Resolve(context.Background(), false)
	assert.False(t, res.OK())
	assert.Equal(t, OutcomeFetchFailed, res.Outcome)
	assert.Nil(t, store.Read(context.Background(), "ads"))

	_, fetches := origin.calls()
	assert.Equal(t, []fetchCall{{version: "A"}}, fetches)
}

func TestResolveColdUnchangedReturnsNoData(t *testing.T) {
	origin := &scriptedOrigin{probeVersion: "A", probeOK: true, full: FullResult{Unchanged: true}, fullOK: true}
	e, _, _ := newTestEngine(t, origin, nil)

	res := e.Resolve(context.Background(), false)
	assert.False(t, res.OK())
}

func TestResolveColdCreatesRecord(t *testing.T) {
	origin := (&scriptedOrigin{}).serves("A", dataA)
	e, store, _ := newTestEngine(t, origin, nil)

	res := e.Resolve(context.Background(), false)
	require.True(t, res.OK())

	rec := store.Read(context.Background(), "ads")
	require.NotNil(t, rec)
	assert.Equal(t, "A", rec.Version)
	assert.Equal(t, dataA, string(rec.Data))
	assert.True(t, rec.FetchedAt.Equal(t0))
	assert.True(t, rec.LastProbeAt.Equal(t0))
}

func TestResolveForced(t *testing.T) {
	t.Run("bypasses a fresh record", func(t *testing.T) {
		origin := (&scriptedOrigin{}).serves("B", dataB)
		e, store, _ := newTestEngine(t, origin, nil)
		seedRecord(t, store, recordA(t0, t0))

		res := e.Resolve(context.Background(), true)
		assert.Equal(t, StateForced, res.State)
		assert.Equal(t, OutcomeReplaced, res.Outcome)
		assert.Equal(t, dataB, string(res.Data))

		_, fetches := origin.calls()
		assert.Equal(t, []fetchCall{{version: "B", bypass: true}}, fetches)
	})

	t.Run("falls back to the cached version when the probe fails", func(t *testing.T) {
		origin := &scriptedOrigin{full: FullResult{Version: "A", Data: json.RawMessage(`[{"id":1,"title":"Spring sale v2"}]`)}, fullOK: true}
		e, store, _ := newTestEngine(t, origin, nil)
		seedRecord(t, store, recordA(t0, t0))

		res := e.Resolve(context.Background(), true)
		assert.Equal(t, OutcomeReplaced, res.Outcome)
		assert.Contains(t, string(res.Data), "v2")

		_, fetches := origin.calls()
		assert.Equal(t, []fetchCall{{version: "A", bypass: true}}, fetches)
	})

	t.Run("cold with failed probe gives no data", func(t *testing.T) {
		origin := &scriptedOrigin{}
		e, _, _ := newTestEngine(t, origin, nil)

		res := e.Resolve(context.Background(), true)
		assert.False(t, res.OK())
		_, fetches := origin.calls()
		assert.Empty(t, fetches)
	})

	t.Run("degrades and stamps on fetch failure", func(t *testing.T) {
		origin := &scriptedOrigin{probeVersion: "B", probeOK: true}
		e, store, clock := newTestEngine(t, origin, nil)
		seedRecord(t, store, recordA(t0, t0))

		now := t0.Add(2 * time.Minute)
		clock.Set(now)
		res := e.Resolve(context.Background(), true)
		assert.Equal(t, OutcomeFetchFailed, res.Outcome)
		assert.Equal(t, dataA, string(res.Data))

		rec := store.Read(context.Background(), "ads")
		require.NotNil(t, rec)
		assert.Equal(t, "A", rec.Version)
		assert.True(t, rec.FetchedAt.Equal(now))
		assert.True(t, rec.LastProbeAt.Equal(now))
	})
}

func TestResolveSurvivesStoreWriteFailures(t *testing.T) {
	origin := (&scriptedOrigin{}).serves("A", dataA)
	e, _, _ := newTestEngine(t, origin, newFailingBackend())

	for i := 0; i < 3; i++ {
		res := e.Resolve(context.Background(), false)
		require.True(t, res.OK())
		assert.Equal(t, StateCold, res.State)
		assert.Equal(t, dataA, string(res.Data))
	}
	probes, fetches := origin.calls()
	assert.Equal(t, 3, probes)
	assert.Len(t, fetches, 3)
}

func TestResolveTreatsCorruptRecordAsCold(t *testing.T) {
	backend := newMemoryBackend()
	require.NoError(t, backend.Put(context.Background(), "ads", []byte(`{"version":"A","data":[1,2`)))
	origin := (&scriptedOrigin{}).serves("B", dataB)
	e, _, _ := newTestEngine(t, origin, backend)

	res := e.Resolve(context.Background(), false)
	assert.Equal(t, StateCold, res.State)
	assert.Equal(t, dataB, string(res.Data))
}

func TestResolveRejectsReplacementWithoutPayload(t *testing.T) {
	origin := &scriptedOrigin{probeVersion: "B", probeOK: true, full: FullResult{Version: "B"}, fullOK: true}
	e, store, clock := newTestEngine(t, origin, nil)
	seedRecord(t, store, recordA(t0, t0))

	clock.Set(t0.Add(16 * time.Minute))
	res := e.Resolve(context.Background(), false)

	assert.Equal(t, OutcomeFetchFailed, res.Outcome)
	assert.Equal(t, "A", res.Version)
	assert.Equal(t, "A", store.Read(context.Background(), "ads").Version)
}

func TestResolveRecordsStats(t *testing.T) {
	origin := (&scriptedOrigin{}).serves("A", dataA)
	stats := newStatsCollector()
	store := NewStore(newMemoryBackend(), 0, testLogger())
	clock := newFakeClock(t0)
	e := NewEngine(testWidgetConfig(t), store, origin, WithClock(clock.Now), withStats(stats))

	e.Resolve(context.Background(), false)
	e.Resolve(context.Background(), false)

	ss := stats.Snapshot()
	assert.Equal(t, uint64(1), ss.Probes)
	assert.Equal(t, uint64(1), ss.FullFetches)
	assert.Equal(t, uint64(1), ss.Cold)
	assert.Equal(t, uint64(1), ss.Fresh)
	assert.Equal(t, uint64(len(dataA)), ss.MaxBytes)
}

func TestResolveTTLBoundaryIsStale(t *testing.T) {
	origin := (&scriptedOrigin{}).serves("A", dataA)
	e, store, clock := newTestEngine(t, origin, nil)
	seedRecord(t, store, recordA(t0, t0))

	clock.Set(t0.Add(15*time.Minute - time.Nanosecond))
	assert.Equal(t, StateFresh, e.Resolve(context.Background(), false).State)

	clock.Set(t0.Add(15 * time.Minute))
	res := e.Resolve(context.Background(), false)
	assert.Equal(t, StateProbeable, res.State)
	assert.Equal(t, OutcomeConfirmed, res.Outcome)

	probes, _ := origin.calls()
	assert.Equal(t, 1, probes)
}

func TestResolveCooldownBoundaryIsProbeable(t *testing.T) {
	probedAt := t0.Add(15 * time.Minute)

	t.Run("inside cooldown", func(t *testing.T) {
		origin := (&scriptedOrigin{}).serves("A", dataA)
		e, store, clock := newTestEngine(t, origin, nil)
		seedRecord(t, store, recordA(t0, probedAt))

		clock.Set(probedAt.Add(time.Minute - time.Nanosecond))
		assert.Equal(t, StateCooldown, e.Resolve(context.Background(), false).State)
		probes, _ := origin.calls()
		assert.Zero(t, probes)
	})

	t.Run("cooldown elapsed", func(t *testing.T) {
		origin := (&scriptedOrigin{}).serves("A", dataA)
		e, store, clock := newTestEngine(t, origin, nil)
		seedRecord(t, store, recordA(t0, probedAt))

		clock.Set(probedAt.Add(time.Minute))
		assert.Equal(t, StateProbeable, e.Resolve(context.Background(), false).State)
		probes, _ := origin.calls()
		assert.Equal(t, 1, probes)
	})
}

func TestResolveFutureStampsAreStale(t *testing.T) {
	origin := (&scriptedOrigin{}).serves("A", dataA)
	e, store, clock := newTestEngine(t, origin, nil)
	future := t0.Add(24 * time.Hour)
	seedRecord(t, store, recordA(future, future))

	clock.Set(t0)
	res := e.Resolve(context.Background(), false)
	assert.Equal(t, StateProbeable, res.State)
	assert.Equal(t, OutcomeConfirmed, res.Outcome)

	rec := store.Read(context.Background(), "ads")
	require.NotNil(t, rec)
	assert.True(t, rec.FetchedAt.Equal(t0))
	assert.True(t, rec.LastProbeAt.Equal(t0))

	// Back to normal TTL handling once the stamps are sane.
	clock.Set(t0.Add(time.Minute))
	assert.Equal(t, StateFresh, e.Resolve(context.Background(), false).State)
}
