package fresh0

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// Origin is the remote side of the freshness protocol: a cheap version probe
// and a version-addressed full fetch. Both report failure as ok=false.
type Origin interface {
	Probe(ctx context.Context) (version string, ok bool)
	FetchFull(ctx context.Context, version string, bypass bool) (FullResult, bool)
}

var errBodyTooLarge = errors.New("response body too large")

// Fetcher is the HTTP Origin for one widget endpoint.
type Fetcher struct {
	client       *http.Client
	endpoint     *url.URL
	probeTimeout time.Duration
	fetchTimeout time.Duration
	maxBody      int64
	log          zerolog.Logger
	now          func() time.Time
}

func NewFetcher(cfg WidgetConfig, client *http.Client, log zerolog.Logger) (*Fetcher, error) {
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("endpoint: %w", err)
	}
	if client == nil {
		client = http.DefaultClient
	}
	probeTimeout, fetchTimeout := cfg.probeTimeoutDur, cfg.fetchTimeoutDur
	if probeTimeout <= 0 {
		probeTimeout = defaultProbeTimeout
	}
	if fetchTimeout <= 0 {
		fetchTimeout = defaultFetchTimeout
	}
	return &Fetcher{
		client:       client,
		endpoint:     u,
		probeTimeout: probeTimeout,
		fetchTimeout: fetchTimeout,
		maxBody:      int64(cfg.MaxBody),
		log:          log,
		now:          time.Now,
	}, nil
}

// Probe asks for the current version token. The request carries no-cache
// headers and a unique parameter so no intermediate cache can answer it.
func (f *Fetcher) Probe(ctx context.Context) (string, bool) {
	q := url.Values{}
	q.Set("meta", "1")
	q.Set("_", strconv.FormatInt(f.now().UnixMilli(), 10))

	status, body, err := f.get(ctx, f.probeTimeout, q, true)
	if err != nil {
		f.log.Debug().Err(err).Msg("probe failed")
		return "", false
	}
	v, ok := normalizeProbe(status, body)
	if !ok {
		f.log.Debug().Int("status", status).Msg("probe returned no version")
	}
	return v, ok
}

// FetchFull requests the dataset for version. Without bypass the URL is a
// pure function of the version so an edge cache can serve it.
func (f *Fetcher) FetchFull(ctx context.Context, version string, bypass bool) (FullResult, bool) {
	q := url.Values{}
	if version != "" {
		q.Set("v", version)
	}
	if bypass {
		q.Set("refresh", "1")
	}

	status, body, err := f.get(ctx, f.fetchTimeout, q, bypass)
	if err != nil {
		f.log.Debug().Err(err).Str("version", version).Msg("full fetch failed")
		return FullResult{}, false
	}
	res, ok := normalizeFull(status, body)
	if !ok {
		f.log.Debug().Int("status", status).Str("version", version).Msg("full fetch returned unusable payload")
	}
	return res, ok
}

func (f *Fetcher) get(ctx context.Context, timeout time.Duration, params url.Values, noCache bool) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	u := *f.endpoint
	q := u.Query()
	for k, vs := range params {
		q[k] = vs
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if noCache {
		req.Header.Set("Cache-Control", "no-cache")
		req.Header.Set("Pragma", "no-cache")
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	var r io.Reader = resp.Body
	if f.maxBody > 0 {
		r = io.LimitReader(resp.Body, f.maxBody+1)
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	if f.maxBody > 0 && int64(len(body)) > f.maxBody {
		return resp.StatusCode, nil, errBodyTooLarge
	}
	return resp.StatusCode, body, nil
}
