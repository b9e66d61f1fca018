package remapd

import (
	"context"
)

// EngineClient is the interface both protocol variants implement: the
// canonical stream client and the legacy datagram client. It provides a
// unified API for the pipeline, monitor, and CLI regardless of which
// transport the engine speaks.
type EngineClient interface {
	// Connect establishes (or refreshes) the transport
	Connect(ctx context.Context) error

	// Handshake negotiates protocol version and capabilities; the result is
	// cached for the life of the connection
	Handshake(ctx context.Context) (HandshakeInfo, error)

	// EnforceCapabilities fails with ErrCapabilityMismatch if the negotiated
	// protocol is below MinProtocolVersion or a required capability is absent
	EnforceCapabilities(ctx context.Context, required ...string) error

	// Send performs one framed request/response exchange and returns the raw
	// response bytes
	Send(ctx context.Context, tag string, payload any) ([]byte, error)

	// Status returns the engine's typed status report
	Status(ctx context.Context) (EngineStatus, error)

	// Reload asks the engine to reload its configuration, waiting up to
	// waitMS for it to settle
	Reload(ctx context.Context, waitMS uint32) (ReloadOutcome, error)

	// Ping performs a cheap liveness probe
	Ping(ctx context.Context) error

	// Reset tears down the current transport so the next operation dials
	// fresh; unlike Close, the client stays usable
	Reset()

	// Close tears down the connection; the client cannot be reused
	Close() error
}

// HandshakeInfo is the result of the Hello/HelloOk exchange. It is cached by
// the client after the first successful handshake and invalidated whenever
// the connection is recreated.
type HandshakeInfo struct {
	// Version is the engine's version string
	Version string
	// Protocol is the wire protocol revision
	Protocol int
	// Capabilities is the set of optional features the engine advertises
	Capabilities map[string]struct{}
}

// Has reports whether the engine advertised the named capability
func (h HandshakeInfo) Has(capability string) bool {
	_, ok := h.Capabilities[capability]
	return ok
}

// LastReload describes the engine's most recent reload attempt
type LastReload struct {
	OK         bool    `json:"ok"`
	At         string  `json:"at,omitempty"`
	DurationMS *uint64 `json:"duration_ms,omitempty"`
	Epoch      *uint64 `json:"epoch,omitempty"`
}

// EngineStatus is the typed form of a StatusInfo reply
type EngineStatus struct {
	EngineVersion string      `json:"engine_version"`
	UptimeSeconds uint64      `json:"uptime_s"`
	Ready         bool        `json:"ready"`
	LastReload    *LastReload `json:"last_reload,omitempty"`
}
