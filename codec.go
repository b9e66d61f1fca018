package remapd

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// The wire protocol exchanges single-line JSON objects whose sole top-level
// key names the message type, e.g. {"Reload":{"wait":true,"timeout_ms":2000}}.
// Replies may span several lines when unsolicited broadcasts interleave, so
// decoding scans line by line for the wanted tag.

// EncodeMessage serializes a tagged message as a single newline-terminated
// JSON line.
func EncodeMessage(tag string, payload any) ([]byte, error) {
	if payload == nil {
		payload = struct{}{}
	}
	buf, err := json.Marshal(map[string]any{tag: payload})
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", tag, err)
	}
	return append(buf, '\n'), nil
}

// DecodeTag extracts the tag and raw payload from a single message line.
// It fails if the line is not a JSON object with exactly one top-level key.
func DecodeTag(line []byte) (string, json.RawMessage, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(bytes.TrimSpace(line), &m); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if len(m) != 1 {
		return "", nil, fmt.Errorf("%w: %d top-level keys", ErrInvalidResponse, len(m))
	}
	for tag, raw := range m {
		return tag, raw, nil
	}
	return "", nil, ErrInvalidResponse
}

// ScanForTag searches a possibly multi-line response for a message with the
// given tag and returns its raw payload. Malformed or unrelated lines are
// skipped.
func ScanForTag(data []byte, tag string) (json.RawMessage, bool) {
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		t, raw, err := DecodeTag(line)
		if err != nil {
			continue
		}
		if t == tag {
			return raw, true
		}
	}
	return nil, false
}
