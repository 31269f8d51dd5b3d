package fresh0

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"
)

// statsCollector counts engine activity. A nil collector ignores everything.
type statsCollector struct {
	probes        atomic.Uint64
	probeFailures atomic.Uint64
	fullFetches   atomic.Uint64
	fetchFailures atomic.Uint64
	writeFailures atomic.Uint64

	fresh     atomic.Uint64
	cooldown  atomic.Uint64
	probeable atomic.Uint64
	cold      atomic.Uint64
	forced    atomic.Uint64
	noData    atomic.Uint64

	totalResults atomic.Uint64
	totalBytes   atomic.Uint64
	minBytes     atomic.Uint64
	maxBytes     atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) observeProbe(ok bool) {
	if s == nil {
		return
	}
	s.probes.Add(1)
	if !ok {
		s.probeFailures.Add(1)
	}
}

func (s *statsCollector) observeFetch(ok bool) {
	if s == nil {
		return
	}
	s.fullFetches.Add(1)
	if !ok {
		s.fetchFailures.Add(1)
	}
}

func (s *statsCollector) observeWriteFailure() {
	if s == nil {
		return
	}
	s.writeFailures.Add(1)
}

func (s *statsCollector) observeResult(res Result) {
	if s == nil {
		return
	}
	switch res.State {
	case StateFresh:
		s.fresh.Add(1)
	case StateCooldown:
		s.cooldown.Add(1)
	case StateProbeable:
		s.probeable.Add(1)
	case StateCold:
		s.cold.Add(1)
	case StateForced:
		s.forced.Add(1)
	}
	if !res.OK() {
		s.noData.Add(1)
		return
	}

	n := uint64(len(res.Data))
	s.totalResults.Add(1)
	s.totalBytes.Add(n)
	for {
		cur := s.minBytes.Load()
		if n >= cur || s.minBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxBytes.Load()
		if n <= cur || s.maxBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type statsSnapshot struct {
	Probes        uint64
	ProbeFailures uint64
	FullFetches   uint64
	FetchFailures uint64
	WriteFailures uint64

	Fresh     uint64
	Cooldown  uint64
	Probeable uint64
	Cold      uint64
	Forced    uint64
	NoData    uint64

	MinBytes uint64
	AvgBytes uint64
	MaxBytes uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	ss := statsSnapshot{
		Probes:        s.probes.Load(),
		ProbeFailures: s.probeFailures.Load(),
		FullFetches:   s.fullFetches.Load(),
		FetchFailures: s.fetchFailures.Load(),
		WriteFailures: s.writeFailures.Load(),
		Fresh:         s.fresh.Load(),
		Cooldown:      s.cooldown.Load(),
		Probeable:     s.probeable.Load(),
		Cold:          s.cold.Load(),
		Forced:        s.forced.Load(),
		NoData:        s.noData.Load(),
	}
	count := s.totalResults.Load()
	if count == 0 {
		return ss
	}
	ss.MinBytes = s.minBytes.Load()
	ss.MaxBytes = s.maxBytes.Load()
	ss.AvgBytes = s.totalBytes.Load() / count
	return ss
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case b < kb:
		return fmt.Sprintf("%db", b)
	case b < mb:
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/kb)) + "kb"
	case b < gb:
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/mb)) + "mb"
	}
	return trimFloat(fmt.Sprintf("%.1f", float64(b)/gb)) + "gb"
}

func trimFloat(s string) string {
	return strings.TrimSuffix(strings.TrimSpace(s), ".0")
}
