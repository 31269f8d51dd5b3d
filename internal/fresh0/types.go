package fresh0

import (
	"bytes"
	"encoding/json"
	"time"
)

// Record is the persisted state of one widget dataset.
//
// Version and Data are always written together; a record with a version but
// no payload is never stored.
type Record struct {
	Version string          `json:"version"`
	Data    json.RawMessage `json:"data"`

	// FetchedAt drives the freshness TTL. It moves only when Data is
	// (re)written, including the revalidated-unchanged case.
	FetchedAt time.Time `json:"ts"`

	// LastProbeAt is the last attempted metadata probe, successful or not.
	LastProbeAt time.Time `json:"metaTs"`
}

func (r *Record) usable() bool {
	return r != nil && r.Version != "" && hasPayload(r.Data)
}

func hasPayload(b json.RawMessage) bool {
	b = bytes.TrimSpace(b)
	return len(b) > 0 && !bytes.Equal(b, []byte("null"))
}

// State is the freshness state an invocation was classified into.
type State string

const (
	StateCold      State = "cold"
	StateFresh     State = "fresh"
	StateCooldown  State = "stale-cooldown"
	StateProbeable State = "stale-probeable"
	StateForced    State = "forced"
)

// Result is what Engine.Resolve hands to a renderer. A nil Data means
// "no data".
type Result struct {
	Data    json.RawMessage
	Version string
	State   State

	// Outcome is empty when nothing was reconciled (fresh hits).
	Outcome OutcomeKind
}

func (r Result) OK() bool { return r.Data != nil }

// FullResult is a normalized full-fetch response.
type FullResult struct {
	Version string
	Data    json.RawMessage

	// Unchanged reports a {code:304} answer: reuse the cached data.
	Unchanged bool
}
