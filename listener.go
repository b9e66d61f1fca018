package remapd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"vawter.tech/stopper"
)

// LayerEventKind identifies a layer notification type
type LayerEventKind int

const (
	// LayerChanged is an unsolicited broadcast that the active layer changed
	LayerChanged LayerEventKind = iota
	// LayerCurrent is the reply to a current-layer request
	LayerCurrent
)

// String returns the string representation of a LayerEventKind
func (k LayerEventKind) String() string {
	switch k {
	case LayerChanged:
		return "layer-changed"
	case LayerCurrent:
		return "layer-current"
	default:
		return "unknown"
	}
}

// LayerEvent is one decoded layer notification
type LayerEvent struct {
	Kind LayerEventKind
	Name string
}

// LayerHandler receives decoded layer events. It is called from the
// listener's own goroutine; slow handlers delay frame processing.
type LayerHandler func(LayerEvent)

// LayerListener maintains a best-effort live subscription to the engine's
// layer-change broadcasts. It reconnects indefinitely on any stream error
// until stopped, re-requesting the current layer on a fixed interval as a
// keep-alive.
type LayerListener struct {
	// Addr is the engine socket address
	Addr string

	// DialTimeout is the timeout for establishing the subscription socket
	DialTimeout time.Duration

	// PollInterval is the keep-alive re-request period
	PollInterval time.Duration

	// ReconnectDelay is the pause between reconnect attempts
	ReconnectDelay time.Duration

	logger *slog.Logger

	mu      sync.Mutex
	handler LayerHandler
	sctx    *stopper.Context
}

// ListenerOption configures a LayerListener
type ListenerOption func(*LayerListener)

// WithListenerDialTimeout sets the subscription dial timeout
func WithListenerDialTimeout(d time.Duration) ListenerOption {
	return func(l *LayerListener) {
		l.DialTimeout = d
	}
}

// WithPollInterval sets the keep-alive re-request period
func WithPollInterval(d time.Duration) ListenerOption {
	return func(l *LayerListener) {
		l.PollInterval = d
	}
}

// WithReconnectDelay sets the pause between reconnect attempts
func WithReconnectDelay(d time.Duration) ListenerOption {
	return func(l *LayerListener) {
		l.ReconnectDelay = d
	}
}

// WithListenerLogger sets the structured logger
func WithListenerLogger(lg *slog.Logger) ListenerOption {
	return func(l *LayerListener) {
		l.logger = lg
	}
}

// NewLayerListener creates a listener for the given engine address
func NewLayerListener(addr string, opts ...ListenerOption) *LayerListener {
	l := &LayerListener{
		Addr:           addr,
		DialTimeout:    DefaultDialTimeout,
		PollInterval:   DefaultListenerPollInterval,
		ReconnectDelay: DefaultReconnectDelay,
		logger:         discardLogger(),
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// SetHandler registers the event handler. May be called before or after
// Start; a nil handler drops events.
func (l *LayerListener) SetHandler(h LayerHandler) {
	l.mu.Lock()
	l.handler = h
	l.mu.Unlock()
}

// Start launches the subscription loop. It returns immediately; the loop
// runs until Stop or the parent context is cancelled.
func (l *LayerListener) Start(parent context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.sctx != nil {
		return errors.New("remapd: listener already started")
	}
	l.sctx = stopper.WithContext(parent)
	l.sctx.Go(l.run)
	return nil
}

// Stop cancels the subscription loop, tears down the connection, and clears
// the handler reference
func (l *LayerListener) Stop() error {
	l.mu.Lock()
	sctx := l.sctx
	l.sctx = nil
	l.handler = nil
	l.mu.Unlock()

	if sctx == nil {
		return nil
	}
	sctx.Stop(100 * time.Millisecond)
	return sctx.Wait()
}

// run is the outer loop: connect, subscribe, and on any error sleep briefly
// and reconnect, indefinitely, until stopped
func (l *LayerListener) run(sctx *stopper.Context) error {
	for !sctx.IsStopping() {
		if err := l.session(sctx); err != nil && !sctx.IsStopping() {
			l.logger.Debug("subscription dropped", "addr", l.Addr, "err", err)
		}

		select {
		case <-sctx.Stopping():
			return nil
		case <-time.After(l.ReconnectDelay):
		}
	}
	return nil
}

// session runs one connection lifetime: handshake, initial state request,
// keep-alive poller, then the frame receive loop until the stream errors or
// the listener stops
func (l *LayerListener) session(sctx *stopper.Context) error {
	d := net.Dialer{Timeout: l.DialTimeout}
	conn, err := d.Dial("tcp", l.Addr)
	if err != nil {
		return err
	}

	done := make(chan struct{})
	defer close(done)

	hello, err := EncodeMessage(TagHello, nil)
	if err != nil {
		_ = conn.Close()
		return err
	}
	request, err := EncodeMessage(TagRequestCurrentLayerName, nil)
	if err != nil {
		_ = conn.Close()
		return err
	}

	if _, err := conn.Write(hello); err != nil {
		_ = conn.Close()
		return err
	}
	if _, err := conn.Write(request); err != nil {
		_ = conn.Close()
		return err
	}

	// The writer goroutine owns closing the socket: on stop or session end
	// it closes the connection, which also unblocks the read loop below.
	ticker := time.NewTicker(l.PollInterval)
	go func() {
		defer ticker.Stop()
		defer func() { _ = conn.Close() }()
		for {
			select {
			case <-sctx.Stopping():
				return
			case <-done:
				return
			case <-ticker.C:
				if _, err := conn.Write(request); err != nil {
					return
				}
			}
		}
	}()

	reader := bufio.NewReaderSize(conn, MaxFrameSize)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			l.dispatch(line)
		}
		if err != nil {
			return err
		}
	}
}

// dispatch decodes one frame and forwards recognized layer messages to the
// registered handler; everything else (HelloOk, status traffic) is ignored
func (l *LayerListener) dispatch(line []byte) {
	tag, raw, err := DecodeTag(line)
	if err != nil {
		return
	}

	var event LayerEvent
	switch tag {
	case TagLayerChange:
		var payload struct {
			New string `json:"new"`
		}
		if err := json.Unmarshal(raw, &payload); err != nil {
			return
		}
		event = LayerEvent{Kind: LayerChanged, Name: payload.New}

	case TagCurrentLayerName:
		var payload struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(raw, &payload); err != nil {
			return
		}
		event = LayerEvent{Kind: LayerCurrent, Name: payload.Name}

	default:
		return
	}

	l.mu.Lock()
	handler := l.handler
	l.mu.Unlock()

	if handler != nil {
		l.logger.Debug("layer event", "kind", event.Kind.String(), "name", event.Name)
		handler(event)
	}
}
