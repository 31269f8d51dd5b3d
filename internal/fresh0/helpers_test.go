package fresh0

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(at time.Time) *fakeClock { return &fakeClock{now: at} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(at time.Time) {
	c.mu.Lock()
	c.now = at
	c.mu.Unlock()
}

type fetchCall struct {
	version string
	bypass  bool
}

// scriptedOrigin answers probes and full fetches from fixed values and
// records every call.
type scriptedOrigin struct {
	mu sync.Mutex

	probeVersion string
	probeOK      bool
	full         FullResult
	fullOK       bool

	probes  int
	fetches []fetchCall
}

func (o *scriptedOrigin) Probe(context.Context) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.probes++
	return o.probeVersion, o.probeOK
}

func (o *scriptedOrigin) FetchFull(_ context.Context, version string, bypass bool) (FullResult, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fetches = append(o.fetches, fetchCall{version: version, bypass: bypass})
	return o.full, o.fullOK
}

func (o *scriptedOrigin) serves(version, data string) *scriptedOrigin {
	o.probeVersion, o.probeOK = version, true
	o.full, o.fullOK = FullResult{Version: version, Data: json.RawMessage(data)}, true
	return o
}

func (o *scriptedOrigin) calls() (int, []fetchCall) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.probes, append([]fetchCall(nil), o.fetches...)
}

// failingBackend rejects every write, like storage in private mode or over
// quota.
type failingBackend struct {
	*memoryBackend
}

func newFailingBackend() *failingBackend {
	return &failingBackend{newMemoryBackend()}
}

func (f *failingBackend) Put(context.Context, string, []byte) error {
	return errors.New("quota exceeded")
}

func testWidgetConfig(t *testing.T) WidgetConfig {
	t.Helper()
	w := WidgetConfig{
		Name:          "ads",
		Endpoint:      "https://origin.test/ads.php",
		TTL:           "15m",
		ProbeCooldown: "60s",
	}
	require.NoError(t, w.compile())
	return w
}

func newTestEngine(t *testing.T, origin Origin, backend Backend) (*Engine, *Store, *fakeClock) {
	t.Helper()
	if backend == nil {
		backend = newMemoryBackend()
	}
	store := NewStore(backend, 0, testLogger())
	clock := newFakeClock(t0)
	e := NewEngine(testWidgetConfig(t), store, origin, WithClock(clock.Now))
	return e, store, clock
}

func seedRecord(t *testing.T, store *Store, rec Record) {
	t.Helper()
	require.True(t, store.Write(context.Background(), "ads", rec))
}

func testLogger() zerolog.Logger { return zerolog.Nop() }

// testContext stands in for testing.T.Context (Go 1.24+): a context that is
// canceled when the test finishes.
func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
