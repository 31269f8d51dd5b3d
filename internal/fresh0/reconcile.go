package fresh0

import (
	"encoding/json"
	"time"
)

type OutcomeKind string

const (
	OutcomeReplaced    OutcomeKind = "replaced"  // new version and payload from a full fetch
	OutcomeConfirmed   OutcomeKind = "confirmed" // origin confirmed the cached version
	OutcomeContinued   OutcomeKind = "continued" // probe skipped during cooldown, TTL extended
	OutcomeProbeFailed OutcomeKind = "probe-failed"
	OutcomeFetchFailed OutcomeKind = "fetch-failed"
)

type Outcome struct {
	Kind    OutcomeKind
	Version string
	Data    json.RawMessage
}

// Reconcile computes the record to persist after an engine decision. The
// second return value is false when there is nothing to write: no previous
// record and no new payload.
//
// The result is always a complete record; version and data are never taken
// from different sources.
func Reconcile(prev *Record, o Outcome, now time.Time) (Record, bool) {
	if o.Kind == OutcomeReplaced {
		if o.Version != "" && hasPayload(o.Data) {
			return Record{
				Version:     o.Version,
				Data:        o.Data,
				FetchedAt:   now,
				LastProbeAt: now,
			}, true
		}
		// A replacement without a usable pair degrades like a failed fetch.
		o.Kind = OutcomeFetchFailed
	}

	if !prev.usable() {
		return Record{}, false
	}

	next := Record{
		Version:     prev.Version,
		Data:        prev.Data,
		FetchedAt:   now,
		LastProbeAt: prev.LastProbeAt,
	}
	switch o.Kind {
	case OutcomeContinued:
	case OutcomeConfirmed, OutcomeProbeFailed, OutcomeFetchFailed:
		next.LastProbeAt = now
	default:
		return Record{}, false
	}
	return next, true
}
