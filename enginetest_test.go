package remapd

import (
	"bufio"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"
)

// fakeEngine is an in-process engine speaking the stream wire protocol,
// with knobs for protocol version, capabilities, reply delay, and reply
// shape overrides.
type fakeEngine struct {
	t  *testing.T
	ln net.Listener

	mu         sync.Mutex
	version    string
	protocol   int
	caps       []string
	ready      bool
	reloadLine string
	respDelay  time.Duration
	dropPings  bool
	helloCount int
	conns      []net.Conn
}

func newFakeEngine(t *testing.T) *fakeEngine {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("fake engine listen: %v", err)
	}

	f := &fakeEngine{
		t:        t,
		ln:       ln,
		version:  "1.9.0",
		protocol: 2,
		caps:     []string{"reload", "layers"},
		ready:    true,
	}
	go f.acceptLoop()
	t.Cleanup(func() { _ = ln.Close() })
	return f
}

func (f *fakeEngine) addr() string { return f.ln.Addr().String() }

func (f *fakeEngine) acceptLoop() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conns = append(f.conns, conn)
		f.mu.Unlock()
		go f.serve(conn)
	}
}

func (f *fakeEngine) serve(conn net.Conn) {
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return
		}
		tag, _, err := DecodeTag(line)
		if err != nil {
			continue
		}

		f.mu.Lock()
		delay := f.respDelay
		f.mu.Unlock()
		if delay > 0 {
			time.Sleep(delay)
		}

		switch tag {
		case TagHello:
			f.mu.Lock()
			f.helloCount++
			reply := map[string]any{
				"version":      f.version,
				"protocol":     f.protocol,
				"capabilities": f.caps,
			}
			f.mu.Unlock()
			f.writeTagged(conn, TagHelloOk, reply)

		case TagStatus:
			f.mu.Lock()
			reply := map[string]any{
				"engine_version": f.version,
				"uptime_s":       42,
				"ready":          f.ready,
				"last_reload":    map[string]any{"ok": true, "at": "2026-08-27T10:00:00Z"},
			}
			f.mu.Unlock()
			f.writeTagged(conn, TagStatusInfo, reply)

		case TagReload:
			f.mu.Lock()
			raw := f.reloadLine
			f.mu.Unlock()
			if raw != "" {
				_, _ = conn.Write(append([]byte(raw), '\n'))
				continue
			}
			f.writeTagged(conn, TagReloadResult, map[string]any{
				"ready": true, "timeout_ms": 2000, "ok": true,
				"duration_ms": 12, "epoch": 3,
			})

		case TagRequestCurrentLayerName:
			f.mu.Lock()
			drop := f.dropPings
			f.mu.Unlock()
			if drop {
				continue
			}
			f.writeTagged(conn, TagCurrentLayerName, map[string]any{"name": "base"})
		}
	}
}

func (f *fakeEngine) writeTagged(conn net.Conn, tag string, payload any) {
	buf, err := json.Marshal(map[string]any{tag: payload})
	if err != nil {
		f.t.Errorf("fake engine encode %s: %v", tag, err)
		return
	}
	_, _ = conn.Write(append(buf, '\n'))
}

// broadcast pushes an unsolicited line to every live connection
func (f *fakeEngine) broadcast(line string) {
	f.mu.Lock()
	conns := append([]net.Conn(nil), f.conns...)
	f.mu.Unlock()
	for _, c := range conns {
		_, _ = c.Write(append([]byte(line), '\n'))
	}
}

// dropConns closes every live connection, simulating an engine restart
func (f *fakeEngine) dropConns() {
	f.mu.Lock()
	conns := f.conns
	f.conns = nil
	f.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

// connCount reports how many connections have been accepted and not dropped
func (f *fakeEngine) connCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func (f *fakeEngine) hellosServed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.helloCount
}

func (f *fakeEngine) setReloadLine(line string) {
	f.mu.Lock()
	f.reloadLine = line
	f.mu.Unlock()
}

func (f *fakeEngine) setRespDelay(d time.Duration) {
	f.mu.Lock()
	f.respDelay = d
	f.mu.Unlock()
}

func (f *fakeEngine) setProtocol(p int) {
	f.mu.Lock()
	f.protocol = p
	f.mu.Unlock()
}

func (f *fakeEngine) setCaps(caps ...string) {
	f.mu.Lock()
	f.caps = caps
	f.mu.Unlock()
}

func (f *fakeEngine) setDropPings(drop bool) {
	f.mu.Lock()
	f.dropPings = drop
	f.mu.Unlock()
}

// fakeUDPEngine answers the legacy datagram variant
type fakeUDPEngine struct {
	t    *testing.T
	pc   net.PacketConn
	mu   sync.Mutex
	noop bool // swallow requests without replying

	sessionID string
	expiresIn int
	authOK    bool
}

func newFakeUDPEngine(t *testing.T) *fakeUDPEngine {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("fake udp engine listen: %v", err)
	}

	f := &fakeUDPEngine{
		t:         t,
		pc:        pc,
		sessionID: "sess-1234",
		expiresIn: 300,
		authOK:    true,
	}
	go f.serve()
	t.Cleanup(func() { _ = pc.Close() })
	return f
}

func (f *fakeUDPEngine) addr() string { return f.pc.LocalAddr().String() }

func (f *fakeUDPEngine) serve() {
	buf := make([]byte, MaxDatagramPayload)
	for {
		n, from, err := f.pc.ReadFrom(buf)
		if err != nil {
			return
		}
		f.mu.Lock()
		noop := f.noop
		f.mu.Unlock()
		if noop {
			continue
		}

		tag, _, err := DecodeTag(buf[:n])
		if err != nil {
			continue
		}

		switch tag {
		case TagAuthenticate:
			f.mu.Lock()
			reply := map[string]any{
				"success":            f.authOK,
				"session_id":         f.sessionID,
				"expires_in_seconds": f.expiresIn,
			}
			f.mu.Unlock()
			f.reply(from, TagAuthResult, reply)

		case TagReload:
			f.reply(from, "status", "Ok")

		case TagStatus:
			f.reply(from, TagStatusInfo, map[string]any{
				"engine_version": "legacy-1.2", "uptime_s": 7, "ready": true,
			})

		case TagRequestCurrentLayerName:
			f.reply(from, TagCurrentLayerName, map[string]any{"name": "base"})
		}
	}
}

func (f *fakeUDPEngine) reply(to net.Addr, tag string, payload any) {
	buf, err := json.Marshal(map[string]any{tag: payload})
	if err != nil {
		f.t.Errorf("fake udp engine encode %s: %v", tag, err)
		return
	}
	_, _ = f.pc.WriteTo(append(buf, '\n'), to)
}

func (f *fakeUDPEngine) setNoop(v bool) {
	f.mu.Lock()
	f.noop = v
	f.mu.Unlock()
}

func (f *fakeUDPEngine) setSession(id string, expiresIn int, ok bool) {
	f.mu.Lock()
	f.sessionID = id
	f.expiresIn = expiresIn
	f.authOK = ok
	f.mu.Unlock()
}

// waitFor polls until cond holds or the deadline passes
func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}
