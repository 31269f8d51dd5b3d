package fresh0

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"golang.org/x/sync/singleflight"
)

const warmCheckEvery = 5 * time.Second

// Service owns the store and one Engine per configured widget, and serves
// resolved datasets over HTTP.
type Service struct {
	cfg Config
	log zerolog.Logger

	httpClient *http.Client
	store      *Store
	widgets    atomic.Pointer[widgetSet]

	bgSem chan struct{}

	stopCh chan struct{}
	wg     sync.WaitGroup

	stats *statsCollector
}

// widget is rebuilt on every reload, so its coalescing group only ever joins
// runs of its own engine.
type widget struct {
	cfg      WidgetConfig
	engine   *Engine
	group    singleflight.Group
	nextWarm atomic.Int64 // unix nanos
}

type widgetSet struct {
	names  []string
	byName map[string]*widget
}

type ServiceOption func(*Service)

// WithHTTPClient replaces the client used for origin requests.
func WithHTTPClient(c *http.Client) ServiceOption {
	return func(s *Service) { s.httpClient = c }
}

func NewService(cfg Config, log zerolog.Logger, opts ...ServiceOption) (*Service, error) {
	backend, err := OpenBackend(cfg.Storage)
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:        cfg,
		log:        log,
		httpClient: &http.Client{},
		bgSem:      make(chan struct{}, 8),
		stopCh:     make(chan struct{}),
		stats:      newStatsCollector(),
	}
	for _, o := range opts {
		o(s)
	}
	s.store = NewStore(backend, int64(cfg.Storage.MaxRecord), log)
	s.store.stats = s.stats

	set, err := s.buildWidgets(cfg.Widgets)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	s.widgets.Store(set)

	if every := cfg.Logging.logStatsEveryDur; every > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(every)
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.warmupLoop(warmCheckEvery)
	}()

	return s, nil
}

func (s *Service) Close() {
	close(s.stopCh)
	s.wg.Wait()
	if err := s.store.Close(); err != nil {
		s.log.Warn().Err(err).Msg("close store")
	}
}

func (s *Service) buildWidgets(cfgs []WidgetConfig) (*widgetSet, error) {
	set := &widgetSet{byName: make(map[string]*widget, len(cfgs))}
	now := time.Now()
	for _, wc := range cfgs {
		f, err := NewFetcher(wc, s.httpClient, s.log.With().Str("widget", wc.Name).Logger())
		if err != nil {
			return nil, err
		}
		w := &widget{
			cfg:    wc,
			engine: NewEngine(wc, s.store, f, WithLogger(s.log), withStats(s.stats)),
		}
		if wc.warmDur > 0 {
			w.nextWarm.Store(now.UnixNano())
		}
		set.byName[wc.Name] = w
		set.names = append(set.names, wc.Name)
	}
	sort.Strings(set.names)
	return set, nil
}

// Reload swaps in the widgets of cfg. Server and storage settings are fixed
// for the life of the service.
func (s *Service) Reload(cfg Config) error {
	if cfg.Server != s.cfg.Server || cfg.Storage != s.cfg.Storage {
		s.log.Warn().Msg("server/storage config changes need a restart; reloading widgets only")
	}
	set, err := s.buildWidgets(cfg.Widgets)
	if err != nil {
		return err
	}
	s.widgets.Store(set)
	s.log.Info().Strs("widgets", set.names).Msg("widgets reloaded")
	return nil
}

func (s *Service) lookup(name string) (*widget, bool) {
	w, ok := s.widgets.Load().byName[name]
	return w, ok
}

// Resolve resolves the named widget. Concurrent non-forced calls for the same
// widget share one engine run.
func (s *Service) Resolve(ctx context.Context, name string, force bool) (Result, bool) {
	w, ok := s.lookup(name)
	if !ok {
		return Result{}, false
	}
	return s.resolve(ctx, w, force), true
}

func (s *Service) resolve(ctx context.Context, w *widget, force bool) Result {
	if force {
		return w.engine.Resolve(ctx, true)
	}
	v, _, _ := w.group.Do("resolve", func() (any, error) {
		return w.engine.Resolve(context.WithoutCancel(ctx), false), nil
	})
	return v.(Result)
}

func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(hlog.NewHandler(s.log))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, d time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("req_id", chimw.GetReqID(r.Context())).
			Int("status", status).
			Int("size", size).
			Dur("duration", d).
			Msg("request")
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/widgets", s.handleList)
	r.Get("/widgets/{name}", s.handleWidget)
	r.Delete("/widgets/{name}/cache", s.handleClear)
	return r
}

type widgetResponse struct {
	Widget  string          `json:"widget"`
	Version string          `json:"version"`
	Data    json.RawMessage `json:"data"`
}

func (s *Service) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"widgets": s.widgets.Load().names})
}

func (s *Service) handleWidget(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	wd, ok := s.lookup(name)
	if !ok {
		http.Error(w, "unknown widget", http.StatusNotFound)
		return
	}

	res := s.resolve(r.Context(), wd, isTruthy(r.URL.Query().Get("refresh")))
	w.Header().Set("Cache-Control", "no-store")
	if !res.OK() {
		setFresh0Headers(w.Header(), "no-data")
		w.WriteHeader(http.StatusNoContent)
		return
	}
	setFresh0Headers(w.Header(), resultTag(res))
	writeJSON(w, http.StatusOK, widgetResponse{Widget: name, Version: res.Version, Data: res.Data})
}

func (s *Service) handleClear(w http.ResponseWriter, r *http.Request) {
	wd, ok := s.lookup(chi.URLParam(r, "name"))
	if !ok {
		http.Error(w, "unknown widget", http.StatusNotFound)
		return
	}
	if err := s.store.Clear(r.Context(), wd.cfg.Key); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("clear widget cache")
		http.Error(w, "clear failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func resultTag(res Result) string {
	if res.Outcome == "" {
		return string(res.State)
	}
	return string(res.State) + "/" + string(res.Outcome)
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func setFresh0Headers(h http.Header, tag string) {
	if tag != "" {
		h.Set("X-Fresh0", tag)
	}
	// Widgets run in the browser, often cross-origin; custom headers are not
	// readable by JS unless exposed.
	ensureExposedHeader(h, "X-Fresh0")
}

func ensureExposedHeader(h http.Header, name string) {
	if name == "" {
		return
	}

	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

func (s *Service) warmupLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case now := <-t.C:
			s.warmDue(now)
		}
	}
}

// warmDue resolves every widget whose warm-up interval has elapsed. Work is
// bounded by bgSem; a widget skipped for lack of a slot is retried next tick.
func (s *Service) warmDue(now time.Time) {
	set := s.widgets.Load()
	for _, name := range set.names {
		w := set.byName[name]
		if w.cfg.warmDur <= 0 || now.UnixNano() < w.nextWarm.Load() {
			continue
		}
		select {
		case <-s.stopCh:
			return
		case s.bgSem <- struct{}{}:
		default:
			return
		}
		w.nextWarm.Store(now.Add(w.cfg.warmDur).UnixNano())

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() { <-s.bgSem }()
			ctx, cancel := context.WithTimeout(context.Background(), w.cfg.probeTimeoutDur+w.cfg.fetchTimeoutDur+time.Second)
			defer cancel()
			s.resolve(ctx, w, false)
		}()
	}
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.logStats()
		}
	}
}

func (s *Service) logStats() {
	ss := s.stats.Snapshot()
	ev := s.log.Info().
		Uint64("probes", ss.Probes).
		Uint64("probe_failures", ss.ProbeFailures).
		Uint64("full_fetches", ss.FullFetches).
		Uint64("fetch_failures", ss.FetchFailures).
		Uint64("write_failures", ss.WriteFailures).
		Uint64("fresh", ss.Fresh).
		Uint64("cooldown", ss.Cooldown).
		Uint64("probeable", ss.Probeable).
		Uint64("cold", ss.Cold).
		Uint64("forced", ss.Forced).
		Uint64("no_data", ss.NoData).
		Str("payload_min_avg_max", formatBytes(ss.MinBytes)+"/"+formatBytes(ss.AvgBytes)+"/"+formatBytes(ss.MaxBytes))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if n, err := s.store.Count(ctx); err == nil {
		ev = ev.Int("records", n)
	}
	if rss, ok := processRSSBytes(); ok {
		ev = ev.Str("rss", formatBytes(rss))
	}
	ev.Msg("stats")
}
