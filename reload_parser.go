package remapd

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// The engine has answered reload requests in two shapes over its history:
// a structured ReloadResult message, and older free-form status lines.
// Parsers are tried in order so legacy engines keep working; both paths are
// kept until the legacy one is confirmed dead in the field.

// ReloadOutcome is the normalized result of a reload request, regardless of
// which reply shape the engine produced
type ReloadOutcome struct {
	// Success reports whether the engine accepted and applied the reload
	Success bool
	// Ready reports whether the engine was ready when it replied
	Ready bool
	// DurationMS is the reload duration, when the engine reported one
	DurationMS uint64
	// Epoch is the config epoch after the reload, when reported
	Epoch uint64
	// Message carries the engine's error text on failure
	Message string
	// Parser names the strategy that recognized the reply
	Parser string
}

// ReloadReplyParser recognizes one historical reload reply shape
type ReloadReplyParser interface {
	// Parse attempts to interpret the raw reply; ok is false if this shape
	// does not match
	Parse(data []byte) (outcome ReloadOutcome, ok bool)
	// Name identifies this parser for diagnostics
	Name() string
}

// StructuredReloadParser handles the canonical ReloadResult contract
type StructuredReloadParser struct{}

// Name identifies this parser
func (p *StructuredReloadParser) Name() string { return "structured" }

// Parse extracts a ReloadResult message if one is present
func (p *StructuredReloadParser) Parse(data []byte) (ReloadOutcome, bool) {
	raw, found := ScanForTag(data, TagReloadResult)
	if !found {
		return ReloadOutcome{}, false
	}

	var result struct {
		Ready      bool    `json:"ready"`
		TimeoutMS  uint32  `json:"timeout_ms"`
		OK         *bool   `json:"ok"`
		DurationMS *uint64 `json:"duration_ms"`
		Epoch      *uint64 `json:"epoch"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return ReloadOutcome{}, false
	}

	out := ReloadOutcome{Ready: result.Ready, Parser: p.Name()}
	// ok is optional in older structured replies; ready stands in for it
	if result.OK != nil {
		out.Success = *result.OK
	} else {
		out.Success = result.Ready
	}
	if result.DurationMS != nil {
		out.DurationMS = *result.DurationMS
	}
	if result.Epoch != nil {
		out.Epoch = *result.Epoch
	}
	return out, true
}

// Legacy reply markers. The old engine emitted either a bare status object
// or a prose line; all three are still accepted.
var (
	legacyOK   = []byte(`"status":"Ok"`)
	legacyLive = []byte("Live reload successful")
	legacyErr  = []byte(`"status":"Error"`)
)

// LegacyReloadParser handles the historical string-matched reply shapes
type LegacyReloadParser struct{}

// Name identifies this parser
func (p *LegacyReloadParser) Name() string { return "legacy" }

// Parse recognizes the legacy success and error markers by substring match
func (p *LegacyReloadParser) Parse(data []byte) (ReloadOutcome, bool) {
	switch {
	case bytes.Contains(data, legacyOK), bytes.Contains(data, legacyLive):
		return ReloadOutcome{Success: true, Ready: true, Parser: p.Name()}, true
	case bytes.Contains(data, legacyErr):
		return ReloadOutcome{
			Success: false,
			Message: extractLegacyMsg(data),
			Parser:  p.Name(),
		}, true
	}
	return ReloadOutcome{}, false
}

// extractLegacyMsg pulls the msg field out of a legacy error line
func extractLegacyMsg(data []byte) string {
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		if !bytes.Contains(line, legacyErr) {
			continue
		}
		var reply struct {
			Status string `json:"status"`
			Msg    string `json:"msg"`
		}
		if err := json.Unmarshal(bytes.TrimSpace(line), &reply); err == nil {
			return reply.Msg
		}
	}
	return ""
}

// DefaultReloadParsers returns the reply parsers in preference order:
// structured first, legacy fallback second
func DefaultReloadParsers() []ReloadReplyParser {
	return []ReloadReplyParser{
		&StructuredReloadParser{},
		&LegacyReloadParser{},
	}
}

// ParseReloadReply runs the reply through the parsers in order and returns
// the first match. It fails with ErrInvalidResponse when no shape matches.
func ParseReloadReply(data []byte) (ReloadOutcome, error) {
	for _, p := range DefaultReloadParsers() {
		if out, ok := p.Parse(data); ok {
			return out, nil
		}
	}
	return ReloadOutcome{}, fmt.Errorf("%w: unrecognized reload reply", ErrInvalidResponse)
}
