package remapd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// ClientStream owns one logical connection to the engine over the canonical
// localhost stream socket. All requests on an instance are strictly
// serialized: issuing a new request supersedes any in-flight one, tearing
// down its connection so the superseded caller resolves exactly once and no
// stale reader can fire into a reused socket.
type ClientStream struct {
	// Addr is the engine socket address
	Addr string

	// DialTimeout is the timeout for establishing connections
	DialTimeout time.Duration

	// RequestTimeout is the timeout for one request/response round trip
	RequestTimeout time.Duration

	// BackoffMin is the minimum duration between dial retry attempts
	BackoffMin time.Duration

	// BackoffMax is the maximum duration between dial retry attempts
	BackoffMax time.Duration

	// DialAttempts is the maximum number of dial attempts per connection
	DialAttempts int

	// MaxPayload gates outgoing payload size; 0 disables the gate
	MaxPayload int

	logger *slog.Logger

	mu        sync.Mutex
	conn      *connState
	handshake *HandshakeInfo
	pending   *pendingCall
	closed    bool
}

// connState is the transport handle plus its bookkeeping. It is recreated,
// never repaired, when stale or failed.
type connState struct {
	conn      net.Conn
	reader    *bufio.Reader
	createdAt time.Time
	failed    bool
}

// pendingCall tracks the single in-flight request on a client
type pendingCall struct {
	superseded chan struct{}
}

// StreamOption configures a ClientStream
type StreamOption func(*ClientStream)

// WithDialTimeout sets the timeout for establishing connections
func WithDialTimeout(d time.Duration) StreamOption {
	return func(c *ClientStream) {
		c.DialTimeout = d
	}
}

// WithRequestTimeout sets the request/response round-trip timeout
func WithRequestTimeout(d time.Duration) StreamOption {
	return func(c *ClientStream) {
		c.RequestTimeout = d
	}
}

// WithBackoff sets the minimum and maximum backoff durations for dial retries
func WithBackoff(minBackoff, maxBackoff time.Duration) StreamOption {
	return func(c *ClientStream) {
		c.BackoffMin = minBackoff
		c.BackoffMax = maxBackoff
	}
}

// WithDialAttempts sets the maximum number of dial attempts
func WithDialAttempts(n int) StreamOption {
	return func(c *ClientStream) {
		c.DialAttempts = n
	}
}

// WithMaxPayload sets the outgoing payload size gate
func WithMaxPayload(n int) StreamOption {
	return func(c *ClientStream) {
		c.MaxPayload = n
	}
}

// WithLogger sets the structured logger for protocol tracing
func WithLogger(l *slog.Logger) StreamOption {
	return func(c *ClientStream) {
		c.logger = l
	}
}

// NewClientStream creates a stream client for the given engine address.
// The connection is established lazily on first use.
func NewClientStream(addr string, opts ...StreamOption) *ClientStream {
	c := &ClientStream{
		Addr:           addr,
		DialTimeout:    DefaultDialTimeout,
		RequestTimeout: DefaultRequestTimeout,
		BackoffMin:     DefaultBackoffMin,
		BackoffMax:     DefaultBackoffMax,
		DialAttempts:   DefaultDialAttempts,
		logger:         discardLogger(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// New creates a stream client for the default engine address. It is the
// package-level convenience constructor; all state remains instance-scoped.
func New(opts ...StreamOption) *ClientStream {
	return NewClientStream(DefaultEngineAddr, opts...)
}

// Connect establishes the transport if it is absent or failed
func (c *ClientStream) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.ensureConnLocked(ctx)
	return err
}

// ensureConnLocked returns a live connection, dialing a fresh one with
// bounded backoff retries when the current one is absent or failed.
// Recreating the connection invalidates the handshake cache.
func (c *ClientStream) ensureConnLocked(ctx context.Context) (*connState, error) {
	if c.closed {
		return nil, ErrClosed
	}
	if c.conn != nil && !c.conn.failed {
		return c.conn, nil
	}
	if c.conn != nil {
		_ = c.conn.conn.Close()
		c.conn = nil
	}
	c.handshake = nil

	var lastErr error
	backoff := c.BackoffMin

	for attempt := 0; attempt < c.DialAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}

			backoff *= 2
			if backoff > c.BackoffMax {
				backoff = c.BackoffMax
			}
		}

		d := net.Dialer{Timeout: c.DialTimeout}
		conn, err := d.DialContext(ctx, "tcp", c.Addr)
		if err != nil {
			lastErr = err
			continue
		}

		cs := &connState{
			conn:      conn,
			reader:    bufio.NewReaderSize(conn, MaxFrameSize),
			createdAt: time.Now(),
		}
		c.conn = cs
		return cs, nil
	}

	return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, lastErr)
}

// acceptFunc decides whether a response line terminates the read. It is
// called with the decoded tag, or an empty tag for undecodable lines.
type acceptFunc func(tag string, line []byte) bool

// roundTrip performs one serialized request/response exchange. The read is
// armed before the write completes: a same-host reply can arrive in under a
// millisecond, before a late-registered reader would exist. The wait races
// the response against a timer, supersession, and the caller's context;
// every loser is cancelled by closing the connection.
func (c *ClientStream) roundTrip(ctx context.Context, tag string, payload any, accept acceptFunc, timeout time.Duration) ([]byte, error) {
	msg, err := EncodeMessage(tag, payload)
	if err != nil {
		return nil, &OpError{Op: tag, Addr: c.Addr, Err: err}
	}
	if c.MaxPayload > 0 && len(msg) > c.MaxPayload {
		return nil, &OpError{Op: tag, Addr: c.Addr,
			Err: fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(msg))}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, &OpError{Op: tag, Addr: c.Addr, Err: ErrClosed}
	}
	if c.pending != nil {
		// Supersede the in-flight call and force a fresh connection so its
		// armed reader cannot consume our reply.
		close(c.pending.superseded)
		c.pending = nil
		if c.conn != nil {
			c.conn.failed = true
			_ = c.conn.conn.Close()
		}
	}
	cs, err := c.ensureConnLocked(ctx)
	if err != nil {
		c.mu.Unlock()
		return nil, &OpError{Op: tag, Addr: c.Addr, Err: err}
	}
	call := &pendingCall{superseded: make(chan struct{})}
	c.pending = call
	c.mu.Unlock()

	c.logger.Debug("sending request", "op", tag, "payload", redactPayload(msg))

	type readResult struct {
		data []byte
		err  error
	}
	resCh := make(chan readResult, 1)

	go func() {
		var buf bytes.Buffer
		for {
			line, err := cs.reader.ReadBytes('\n')
			if len(line) > 0 {
				buf.Write(line)
			}
			if err != nil {
				resCh <- readResult{buf.Bytes(), err}
				return
			}
			t, _, derr := DecodeTag(line)
			if derr != nil {
				t = ""
			}
			if accept == nil || accept(t, line) {
				resCh <- readResult{buf.Bytes(), nil}
				return
			}
		}
	}()

	if _, err := cs.conn.Write(msg); err != nil {
		c.failCall(call, cs)
		return nil, &OpError{Op: tag, Addr: c.Addr,
			Err: fmt.Errorf("%w: %v", ErrConnectionFailed, err)}
	}

	if timeout <= 0 {
		timeout = c.RequestTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-resCh:
		if r.err != nil {
			c.failCall(call, cs)
			return nil, &OpError{Op: tag, Addr: c.Addr,
				Err: fmt.Errorf("%w: %v", ErrConnectionFailed, r.err)}
		}
		c.finishCall(call)
		return r.data, nil

	case <-timer.C:
		c.failCall(call, cs)
		return nil, &OpError{Op: tag, Addr: c.Addr, Err: ErrTimeout}

	case <-call.superseded:
		// The superseding caller already tore down the connection.
		return nil, &OpError{Op: tag, Addr: c.Addr, Err: ErrSuperseded}

	case <-ctx.Done():
		c.failCall(call, cs)
		return nil, &OpError{Op: tag, Addr: c.Addr, Err: ctx.Err()}
	}
}

// failCall marks the connection failed and closes it, which also unblocks
// the armed reader goroutine
func (c *ClientStream) failCall(call *pendingCall, cs *connState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == call {
		c.pending = nil
	}
	cs.failed = true
	_ = cs.conn.Close()
}

// finishCall clears the pending slot if this call still owns it
func (c *ClientStream) finishCall(call *pendingCall) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == call {
		c.pending = nil
	}
}

// Send performs one framed request/response exchange and returns the raw
// response bytes (the first complete line the engine sends back).
func (c *ClientStream) Send(ctx context.Context, tag string, payload any) ([]byte, error) {
	return c.roundTrip(ctx, tag, payload, nil, 0)
}

// Handshake performs the Hello/HelloOk exchange, caching the result for the
// life of the connection
func (c *ClientStream) Handshake(ctx context.Context) (HandshakeInfo, error) {
	c.mu.Lock()
	if c.handshake != nil {
		hs := *c.handshake
		c.mu.Unlock()
		return hs, nil
	}
	c.mu.Unlock()

	data, err := c.roundTrip(ctx, TagHello, nil, acceptTag(TagHelloOk), 0)
	if err != nil {
		return HandshakeInfo{}, err
	}

	raw, found := ScanForTag(data, TagHelloOk)
	if !found {
		return HandshakeInfo{}, &OpError{Op: TagHello, Addr: c.Addr, Err: ErrInvalidResponse}
	}

	var reply struct {
		Version      string   `json:"version"`
		Protocol     int      `json:"protocol"`
		Capabilities []string `json:"capabilities"`
	}
	if err := json.Unmarshal(raw, &reply); err != nil {
		return HandshakeInfo{}, &OpError{Op: TagHello, Addr: c.Addr,
			Err: fmt.Errorf("%w: %v", ErrInvalidResponse, err)}
	}

	hs := HandshakeInfo{
		Version:      reply.Version,
		Protocol:     reply.Protocol,
		Capabilities: make(map[string]struct{}, len(reply.Capabilities)),
	}
	for _, capability := range reply.Capabilities {
		hs.Capabilities[capability] = struct{}{}
	}

	c.mu.Lock()
	c.handshake = &hs
	c.mu.Unlock()

	c.logger.Debug("handshake complete",
		"version", hs.Version, "protocol", hs.Protocol,
		"capabilities", len(hs.Capabilities))

	return hs, nil
}

// EnforceCapabilities fails with ErrCapabilityMismatch if the negotiated
// protocol version is below MinProtocolVersion or any required capability
// is absent
func (c *ClientStream) EnforceCapabilities(ctx context.Context, required ...string) error {
	hs, err := c.Handshake(ctx)
	if err != nil {
		return err
	}

	if hs.Protocol < MinProtocolVersion {
		return fmt.Errorf("%w: protocol %d below minimum %d",
			ErrCapabilityMismatch, hs.Protocol, MinProtocolVersion)
	}
	for _, capability := range required {
		if !hs.Has(capability) {
			return fmt.Errorf("%w: engine lacks %q", ErrCapabilityMismatch, capability)
		}
	}
	return nil
}

// Status returns the engine's typed status report, scanning the response
// lines for the StatusInfo tag
func (c *ClientStream) Status(ctx context.Context) (EngineStatus, error) {
	data, err := c.roundTrip(ctx, TagStatus, nil, acceptTag(TagStatusInfo), 0)
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

// Reload asks the engine to reload its configuration and waits up to waitMS
// for it to settle. The reply is parsed with the structured contract first
// and the legacy string-matched shapes as fallback.
func (c *ClientStream) Reload(ctx context.Context, waitMS uint32) (ReloadOutcome, error) {
	payload := map[string]any{"wait": true, "timeout_ms": waitMS}

	// A waiting reload can legitimately take longer than a plain request.
	timeout := c.RequestTimeout
	if waited := time.Duration(waitMS)*time.Millisecond + 500*time.Millisecond; waited > timeout {
		timeout = waited
	}

	data, err := c.roundTrip(ctx, TagReload, payload, acceptReload, timeout)
	if err != nil {
		return ReloadOutcome{}, err
	}

	out, err := ParseReloadReply(data)
	if err != nil {
		return ReloadOutcome{}, &OpError{Op: TagReload, Addr: c.Addr, Err: err}
	}
	return out, nil
}

// Ping performs a cheap liveness probe using the current-layer request
func (c *ClientStream) Ping(ctx context.Context) error {
	_, err := c.roundTrip(ctx, TagRequestCurrentLayerName, nil, acceptTag(TagCurrentLayerName), 0)
	return err
}

// Reset tears down the current connection and handshake cache so the next
// operation dials fresh. Any in-flight request resolves with a supersession
// error.
func (c *ClientStream) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending != nil {
		close(c.pending.superseded)
		c.pending = nil
	}
	if c.conn != nil {
		_ = c.conn.conn.Close()
		c.conn = nil
	}
	c.handshake = nil
}

// Close tears down the connection. Any in-flight request resolves with a
// supersession error; the client cannot be reused afterwards.
func (c *ClientStream) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	if c.pending != nil {
		close(c.pending.superseded)
		c.pending = nil
	}
	if c.conn != nil {
		_ = c.conn.conn.Close()
		c.conn = nil
	}
	c.handshake = nil
	return nil
}

// acceptTag terminates the read on the first line carrying the given tag
func acceptTag(want string) acceptFunc {
	return func(tag string, _ []byte) bool {
		return tag == want
	}
}

// acceptReload terminates the read on any historical reload reply shape
func acceptReload(tag string, line []byte) bool {
	if tag == TagReloadResult || tag == "status" {
		return true
	}
	return bytes.Contains(line, legacyLive) || bytes.Contains(line, legacyOK) ||
		bytes.Contains(line, legacyErr)
}

// redactPayload strips sensitive fields (token, session_id) from an outgoing
// payload before it is logged
func redactPayload(msg []byte) string {
	var outer map[string]map[string]any
	if err := json.Unmarshal(msg, &outer); err != nil {
		// Not an object-of-objects; log nothing rather than risk a secret.
		return "[unloggable]"
	}
	for _, payload := range outer {
		for _, field := range []string{"token", "session_id"} {
			if _, ok := payload[field]; ok {
				payload[field] = "[redacted]"
			}
		}
	}
	buf, err := json.Marshal(outer)
	if err != nil {
		return "[unloggable]"
	}
	return string(buf)
}

// discardLogger returns a logger that drops everything; callers opt in to
// logging via WithLogger
func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// Ensure ClientStream implements EngineClient
var _ EngineClient = (*ClientStream)(nil)
