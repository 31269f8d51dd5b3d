package fresh0

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
)

// envelope covers every response shape the widget endpoints have produced.
// Payload lives under "data"; older endpoints used "items" or "list".
type envelope struct {
	Code    json.RawMessage `json:"code"`
	Version json.RawMessage `json:"version"`
	Data    json.RawMessage `json:"data"`
	Items   json.RawMessage `json:"items"`
	List    json.RawMessage `json:"list"`
}

func decodeEnvelope(body []byte) (envelope, bool) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || body[0] != '{' {
		return envelope{}, false
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return envelope{}, false
	}
	return env, true
}

// code returns the envelope's status code. An absent code defers to the HTTP
// status.
func (e envelope) code(httpStatus int) (int, bool) {
	raw := bytes.TrimSpace(e.Code)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return httpStatus, true
	}
	s, ok := scalarString(raw)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (e envelope) payload() json.RawMessage {
	for _, raw := range []json.RawMessage{e.Data, e.Items, e.List} {
		if hasPayload(raw) {
			return raw
		}
	}
	return nil
}

// normalizeProbe extracts the version token from a metadata response.
func normalizeProbe(status int, body []byte) (string, bool) {
	if status < 200 || status >= 300 {
		return "", false
	}
	env, ok := decodeEnvelope(body)
	if !ok {
		return "", false
	}
	if code, ok := env.code(status); !ok || code != http.StatusOK {
		return "", false
	}
	return scalarString(env.Version)
}

// normalizeFull turns a full-fetch response into a FullResult. Anything short
// of a version plus payload, or an explicit 304, is a failure.
func normalizeFull(status int, body []byte) (FullResult, bool) {
	if status == http.StatusNotModified {
		return FullResult{Unchanged: true}, true
	}
	if status < 200 || status >= 300 {
		return FullResult{}, false
	}
	env, ok := decodeEnvelope(body)
	if !ok {
		return FullResult{}, false
	}
	code, ok := env.code(status)
	switch {
	case !ok:
		return FullResult{}, false
	case code == http.StatusNotModified:
		return FullResult{Unchanged: true}, true
	case code != http.StatusOK:
		return FullResult{}, false
	}

	version, ok := scalarString(env.Version)
	if !ok {
		return FullResult{}, false
	}
	payload := env.payload()
	if payload == nil {
		return FullResult{}, false
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, payload); err != nil {
		return FullResult{}, false
	}
	return FullResult{Version: version, Data: compact.Bytes()}, true
}

// scalarString reads a JSON string or number as a trimmed string.
func scalarString(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", false
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", false
		}
		s = strings.TrimSpace(s)
		return s, s != ""
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", false
	}
	return n.String(), true
}
