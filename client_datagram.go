package remapd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ClientDatagram speaks the legacy datagram variant of the engine protocol.
// The connection is virtual: there is no handshake, and the socket is
// recreated per call once it is older than ConnMaxAge or has failed. The
// variant carries the old session scheme: Reload and Restart require a
// session obtained via Authenticate, and every outgoing payload is gated
// against a hard size cap before it touches the socket.
type ClientDatagram struct {
	// Addr is the engine datagram address
	Addr string

	// RequestTimeout is the timeout for one request/reply exchange
	RequestTimeout time.Duration

	// ConnMaxAge is how long a virtual connection is reused before being
	// recreated
	ConnMaxAge time.Duration

	// MaxPayload gates outgoing payload size, capped at MaxDatagramPayload
	MaxPayload int

	// ClientName identifies this supervisor instance to the engine during
	// authentication
	ClientName string

	logger *slog.Logger

	mu      sync.Mutex
	conn    *datagramConn
	session *Session
	closed  bool
}

// datagramConn is the virtual connection state, recreated rather than
// repaired
type datagramConn struct {
	conn      net.Conn
	createdAt time.Time
	failed    bool
}

// Session is the legacy authentication state. Validity requires a non-empty
// id and an unexpired timestamp, always checked together; clearing removes
// all three fields atomically.
type Session struct {
	Token     string
	SessionID string
	Expiry    time.Time
}

// Valid reports whether the session can still be used
func (s *Session) Valid(now time.Time) bool {
	return s != nil && s.SessionID != "" && now.Before(s.Expiry)
}

// DatagramOption configures a ClientDatagram
type DatagramOption func(*ClientDatagram)

// WithDatagramRequestTimeout sets the request/reply exchange timeout
func WithDatagramRequestTimeout(d time.Duration) DatagramOption {
	return func(c *ClientDatagram) {
		c.RequestTimeout = d
	}
}

// WithDatagramConnMaxAge sets the virtual connection reuse age
func WithDatagramConnMaxAge(d time.Duration) DatagramOption {
	return func(c *ClientDatagram) {
		c.ConnMaxAge = d
	}
}

// WithDatagramMaxPayload sets the outgoing payload gate
func WithDatagramMaxPayload(n int) DatagramOption {
	return func(c *ClientDatagram) {
		c.MaxPayload = n
	}
}

// WithDatagramLogger sets the structured logger for protocol tracing
func WithDatagramLogger(l *slog.Logger) DatagramOption {
	return func(c *ClientDatagram) {
		c.logger = l
	}
}

// WithClientName sets the name sent during authentication
func WithClientName(name string) DatagramOption {
	return func(c *ClientDatagram) {
		c.ClientName = name
	}
}

// NewClientDatagram creates a legacy datagram client for the given engine
// address
func NewClientDatagram(addr string, opts ...DatagramOption) *ClientDatagram {
	c := &ClientDatagram{
		Addr:           addr,
		RequestTimeout: DefaultRequestTimeout,
		ConnMaxAge:     DefaultConnMaxAge,
		MaxPayload:     DefaultMaxPayload,
		ClientName:     "remapd-" + uuid.NewString()[:8],
		logger:         discardLogger(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.MaxPayload <= 0 || c.MaxPayload > MaxDatagramPayload {
		c.MaxPayload = MaxDatagramPayload
	}

	return c
}

// Connect refreshes the virtual connection
func (c *ClientDatagram) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.ensureConnLocked()
	return err
}

// ensureConnLocked returns a usable virtual connection, recreating it when
// absent, failed, or past its maximum age
func (c *ClientDatagram) ensureConnLocked() (*datagramConn, error) {
	if c.closed {
		return nil, ErrClosed
	}
	if c.conn != nil && !c.conn.failed && time.Since(c.conn.createdAt) < c.ConnMaxAge {
		return c.conn, nil
	}
	if c.conn != nil {
		_ = c.conn.conn.Close()
		c.conn = nil
	}

	conn, err := net.Dial("udp", c.Addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	c.conn = &datagramConn{conn: conn, createdAt: time.Now()}
	return c.conn, nil
}

// exchange performs one serialized datagram request/reply. The mutex is held
// for the whole exchange; a datagram client never has more than one request
// on the wire.
func (c *ClientDatagram) exchange(ctx context.Context, tag string, payload any) ([]byte, error) {
	msg, err := EncodeMessage(tag, payload)
	if err != nil {
		return nil, &OpError{Op: tag, Addr: c.Addr, Err: err}
	}
	if len(msg) > c.MaxPayload {
		return nil, &OpError{Op: tag, Addr: c.Addr,
			Err: fmt.Errorf("%w: %d bytes (cap %d)", ErrPayloadTooLarge, len(msg), c.MaxPayload)}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	conn, err := c.ensureConnLocked()
	if err != nil {
		return nil, &OpError{Op: tag, Addr: c.Addr, Err: err}
	}

	c.logger.Debug("sending datagram", "op", tag, "payload", redactPayload(msg))

	deadline := time.Now().Add(c.RequestTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.conn.SetDeadline(deadline)

	if _, err := conn.conn.Write(msg); err != nil {
		conn.failed = true
		return nil, &OpError{Op: tag, Addr: c.Addr,
			Err: fmt.Errorf("%w: %v", ErrConnectionFailed, err)}
	}

	buf := make([]byte, MaxDatagramPayload)
	n, err := conn.conn.Read(buf)
	if err != nil {
		conn.failed = true
		if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
			return nil, &OpError{Op: tag, Addr: c.Addr, Err: ErrTimeout}
		}
		return nil, &OpError{Op: tag, Addr: c.Addr,
			Err: fmt.Errorf("%w: %v", ErrConnectionFailed, err)}
	}

	return buf[:n], nil
}

// Authenticate obtains a session from the engine and stores it for
// session-scoped operations
func (c *ClientDatagram) Authenticate(ctx context.Context, token string) error {
	payload := map[string]any{"token": token, "client_name": c.ClientName}

	data, err := c.exchange(ctx, TagAuthenticate, payload)
	if err != nil {
		return err
	}

	raw, found := ScanForTag(data, TagAuthResult)
	if !found {
		return &OpError{Op: TagAuthenticate, Addr: c.Addr, Err: ErrInvalidResponse}
	}

	var result struct {
		Success          bool   `json:"success"`
		SessionID        string `json:"session_id"`
		ExpiresInSeconds int    `json:"expires_in_seconds"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return &OpError{Op: TagAuthenticate, Addr: c.Addr,
			Err: fmt.Errorf("%w: %v", ErrInvalidResponse, err)}
	}
	if !result.Success || result.SessionID == "" {
		return &OpError{Op: TagAuthenticate, Addr: c.Addr, Err: ErrNotAuthenticated}
	}

	c.mu.Lock()
	c.session = &Session{
		Token:     token,
		SessionID: result.SessionID,
		Expiry:    time.Now().Add(time.Duration(result.ExpiresInSeconds) * time.Second),
	}
	c.mu.Unlock()

	c.logger.Debug("authenticated", "expires_in_s", result.ExpiresInSeconds)
	return nil
}

// Authenticated reports whether a currently valid session is held
func (c *ClientDatagram) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.Valid(time.Now())
}

// ClearSession drops the cached session; token, id, and expiry go together
func (c *ClientDatagram) ClearSession() {
	c.mu.Lock()
	c.session = nil
	c.mu.Unlock()
}

// sessionID returns the current session id, failing fast when the session is
// absent or expired
func (c *ClientDatagram) sessionID() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		return "", ErrNotAuthenticated
	}
	if !c.session.Valid(time.Now()) {
		c.session = nil
		return "", ErrSessionExpired
	}
	return c.session.SessionID, nil
}

// Handshake is virtual on the datagram variant: there is no Hello exchange,
// so the reported protocol predates capability negotiation
func (c *ClientDatagram) Handshake(_ context.Context) (HandshakeInfo, error) {
	return HandshakeInfo{Version: "legacy", Protocol: 0}, nil
}

// EnforceCapabilities always fails on the datagram variant: the legacy
// protocol cannot advertise capabilities
func (c *ClientDatagram) EnforceCapabilities(ctx context.Context, required ...string) error {
	hs, _ := c.Handshake(ctx)
	return fmt.Errorf("%w: protocol %d below minimum %d",
		ErrCapabilityMismatch, hs.Protocol, MinProtocolVersion)
}

// Send performs one framed request/reply exchange and returns the raw reply
func (c *ClientDatagram) Send(ctx context.Context, tag string, payload any) ([]byte, error) {
	return c.exchange(ctx, tag, payload)
}

// Status returns the engine's typed status report
func (c *ClientDatagram) Status(ctx context.Context) (EngineStatus, error) {
	data, err := c.exchange(ctx, TagStatus, nil)
	if err != nil {
		return EngineStatus{}, err
	}

	raw, found := ScanForTag(data, TagStatusInfo)
	if !found {
		return EngineStatus{}, &OpError{Op: TagStatus, Addr: c.Addr, Err: ErrInvalidResponse}
	}

	var st EngineStatus
	if err := json.Unmarshal(raw, &st); err != nil {
		return EngineStatus{}, &OpError{Op: TagStatus, Addr: c.Addr,
			Err: fmt.Errorf("%w: %v", ErrInvalidResponse, err)}
	}
	return st, nil
}

// Reload is session-scoped on the datagram variant; it fails fast without a
// valid session
func (c *ClientDatagram) Reload(ctx context.Context, waitMS uint32) (ReloadOutcome, error) {
	id, err := c.sessionID()
	if err != nil {
		return ReloadOutcome{}, &OpError{Op: TagReload, Addr: c.Addr, Err: err}
	}

	payload := map[string]any{"wait": true, "timeout_ms": waitMS, "session_id": id}
	data, err := c.exchange(ctx, TagReload, payload)
	if err != nil {
		return ReloadOutcome{}, err
	}

	out, err := ParseReloadReply(data)
	if err != nil {
		return ReloadOutcome{}, &OpError{Op: TagReload, Addr: c.Addr, Err: err}
	}
	return out, nil
}

// Restart asks the engine to restart itself; session-scoped
func (c *ClientDatagram) Restart(ctx context.Context) error {
	id, err := c.sessionID()
	if err != nil {
		return &OpError{Op: TagRestart, Addr: c.Addr, Err: err}
	}

	_, err = c.exchange(ctx, TagRestart, map[string]any{"session_id": id})
	return err
}

// Ping performs a cheap liveness probe using the current-layer request
func (c *ClientDatagram) Ping(ctx context.Context) error {
	data, err := c.exchange(ctx, TagRequestCurrentLayerName, nil)
	if err != nil {
		return err
	}
	if _, found := ScanForTag(data, TagCurrentLayerName); !found {
		return &OpError{Op: TagRequestCurrentLayerName, Addr: c.Addr, Err: ErrInvalidResponse}
	}
	return nil
}

// Reset tears down the virtual connection so the next operation dials
// fresh; the session is kept
func (c *ClientDatagram) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		_ = c.conn.conn.Close()
		c.conn = nil
	}
}

// Close tears down the virtual connection and drops the session
func (c *ClientDatagram) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	if c.conn != nil {
		_ = c.conn.conn.Close()
		c.conn = nil
	}
	c.session = nil
	return nil
}

// Ensure ClientDatagram implements EngineClient
var _ EngineClient = (*ClientDatagram)(nil)
