package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/amurg-ai/scenegate/internal/agent"
	"github.com/amurg-ai/scenegate/internal/auth"
	"github.com/amurg-ai/scenegate/internal/router"
	"github.com/amurg-ai/scenegate/internal/session"
	"github.com/amurg-ai/scenegate/internal/store"
	"github.com/amurg-ai/scenegate/pkg/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type harness struct {
	srv     *Server
	ts      *httptest.Server
	journal store.Journal
	forgot  chan string
}

func newHarness(t *testing.T, a agent.Agent, verifier *auth.Verifier) *harness {
	t.Helper()
	j, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	h := &harness{journal: j, forgot: make(chan string, 16)}

	rt := router.New(a, nil, testLogger(), router.Options{ScratchDir: t.TempDir()})
	h.srv = New(rt, j, verifier, testLogger(), Options{
		PingInterval:    -1,
		OnSessionClosed: func(id string) { h.forgot <- id },
	})
	h.ts = httptest.NewServer(http.HandlerFunc(h.srv.HandleWS))

	// Cleanups run last-in first-out: sessions must be gone before the
	// test server waits for its handlers.
	t.Cleanup(func() { _ = j.Close() })
	t.Cleanup(h.ts.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.srv.Shutdown(ctx)
	})
	return h
}

func (h *harness) url() string {
	return "ws" + strings.TrimPrefix(h.ts.URL, "http")
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(h.url(), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// connect dials and consumes the session_start announcement.
func (h *harness) connect(t *testing.T) (*websocket.Conn, string) {
	t.Helper()
	c := h.dial(t)
	env := readEnvelope(t, c)
	if env.Type != protocol.TypeSessionStart {
		t.Fatalf("first message: got %q, want session_start", env.Type)
	}
	return c, env.Text
}

func readEnvelope(t *testing.T, c *websocket.Conn) protocol.Envelope {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	mt, data, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if mt != websocket.BinaryMessage {
		t.Fatalf("message type: got %d, want binary", mt)
	}
	env, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return env
}

func sendText(t *testing.T, c *websocket.Conn, text string) {
	t.Helper()
	env := protocol.Envelope{Type: protocol.TypeText, Text: text}
	if err := c.WriteMessage(websocket.BinaryMessage, protocol.Encode(env)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConnectAnnouncesSession(t *testing.T) {
	h := newHarness(t, agent.Echo{}, nil)
	_, id := h.connect(t)

	parsed, err := uuid.Parse(id)
	if err != nil {
		t.Fatalf("session id %q is not a UUID: %v", id, err)
	}
	if parsed.Version() != 1 {
		t.Errorf("UUID version: got %d, want 1", parsed.Version())
	}
	if h.srv.Count() != 1 {
		t.Errorf("Count: got %d, want 1", h.srv.Count())
	}

	infos := h.srv.Sessions()
	if len(infos) != 1 || infos[0].ID != id || infos[0].State != "active" {
		t.Errorf("Sessions: got %+v", infos)
	}

	rec, err := h.journal.GetSession(context.Background(), id)
	if err != nil {
		t.Fatalf("journal GetSession: %v", err)
	}
	if rec.ClosedAt != nil {
		t.Errorf("journal record closed early: %+v", rec)
	}
}

func TestTextRoundTrip(t *testing.T) {
	h := newHarness(t, agent.Echo{}, nil)
	c, _ := h.connect(t)

	sendText(t, c, "hello")
	env := readEnvelope(t, c)
	if env.Type != protocol.TypeUnrelatedResponse || env.Text != "hello" || env.Status != protocol.StatusOK {
		t.Errorf("reply: got %s", env)
	}
}

func TestAgentFailureThenRecovery(t *testing.T) {
	a := agent.Func(func(ctx context.Context, input, _ string, emit agent.EmitFunc) error {
		if input == "boom" {
			return errors.New("model unavailable")
		}
		return emit(agent.Token{Text: "ok: " + input})
	})
	h := newHarness(t, a, nil)
	c, id := h.connect(t)

	sendText(t, c, "boom")
	env := readEnvelope(t, c)
	if env.Type != protocol.TypeError || env.Status != protocol.StatusServerError {
		t.Fatalf("failure reply: got %s", env)
	}
	if !strings.Contains(env.Text, "Error during chat stream in thread "+id) {
		t.Errorf("error text: got %q", env.Text)
	}

	sendText(t, c, "again")
	env = readEnvelope(t, c)
	if env.Text != "ok: again" || env.Status != protocol.StatusOK {
		t.Errorf("follow-up reply: got %s", env)
	}
	if h.srv.Count() != 1 {
		t.Errorf("session should survive an agent failure, Count=%d", h.srv.Count())
	}
}

func TestPeerCloseRemovesSession(t *testing.T) {
	h := newHarness(t, agent.Echo{}, nil)
	c, id := h.connect(t)

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	if err := c.WriteMessage(websocket.CloseMessage, msg); err != nil {
		t.Fatalf("write close: %v", err)
	}
	_ = c.Close()

	waitFor(t, "registry to empty", func() bool { return h.srv.Count() == 0 })

	select {
	case got := <-h.forgot:
		if got != id {
			t.Errorf("OnSessionClosed id: got %q, want %q", got, id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("OnSessionClosed not called")
	}

	rec, err := h.journal.GetSession(context.Background(), id)
	if err != nil {
		t.Fatalf("journal GetSession: %v", err)
	}
	if rec.ClosedAt == nil || rec.CloseReason != "peer closed" {
		t.Errorf("journal record: got %+v", rec)
	}
}

func TestSessionsAreIsolated(t *testing.T) {
	release := make(chan struct{})
	a := agent.Func(func(ctx context.Context, input, _ string, emit agent.EmitFunc) error {
		if input == "slow" {
			select {
			case <-release:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return emit(agent.Token{Text: input})
	})
	h := newHarness(t, a, nil)

	slow, _ := h.connect(t)
	fast, _ := h.connect(t)

	sendText(t, slow, "slow")
	sendText(t, fast, "fast")

	if env := readEnvelope(t, fast); env.Text != "fast" {
		t.Fatalf("fast client: got %s", env)
	}

	close(release)
	if env := readEnvelope(t, slow); env.Text != "slow" {
		t.Fatalf("slow client: got %s", env)
	}
}

func TestHandshakeRequiresToken(t *testing.T) {
	v := auth.NewVerifier(strings.Repeat("k", 32), "")
	h := newHarness(t, agent.Echo{}, v)

	_, resp, err := websocket.DefaultDialer.Dial(h.url(), nil)
	if !errors.Is(err, websocket.ErrBadHandshake) {
		t.Fatalf("dial without token: got %v, want ErrBadHandshake", err)
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status: got %v, want 401", resp)
	}
	if h.srv.Count() != 0 {
		t.Errorf("rejected handshake registered a session")
	}

	tok, err := v.Issue("dev", "Dev", time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	c, _, err := websocket.DefaultDialer.Dial(h.url()+"?token="+tok, nil)
	if err != nil {
		t.Fatalf("dial with token: %v", err)
	}
	defer c.Close()
	if env := readEnvelope(t, c); env.Type != protocol.TypeSessionStart {
		t.Errorf("got %s, want session_start", env)
	}
}

// idleConn blocks reads until closed.
type idleConn struct {
	once   sync.Once
	closed chan struct{}
}

func newIdleConn() *idleConn { return &idleConn{closed: make(chan struct{})} }

func (c *idleConn) ReadMessage() (int, []byte, error) {
	<-c.closed
	return 0, nil, net.ErrClosed
}

func (c *idleConn) WriteMessage(int, []byte) error { return nil }

func (c *idleConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *idleConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9}
}

func TestShutdownClosesActiveSessions(t *testing.T) {
	h := newHarness(t, agent.Echo{}, nil)

	var clients []*websocket.Conn
	for range 3 {
		c, _ := h.connect(t)
		clients = append(clients, c)
	}

	// A session that is registered but not active must be skipped.
	idle, err := session.New(newIdleConn(), session.HandlerFunc(func(context.Context, *session.Session, protocol.Envelope) {}), testLogger(), session.Options{PingInterval: -1})
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	h.srv.mu.Lock()
	h.srv.sessions[idle.ID] = idle
	h.srv.mu.Unlock()

	live := h.srv.snapshot()
	if len(live) != 4 {
		t.Fatalf("registry before shutdown: got %d, want 4", len(live))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if h.srv.Count() != 0 {
		t.Errorf("registry after shutdown: got %d, want 0", h.srv.Count())
	}
	for _, sess := range live {
		if sess.Active() {
			t.Errorf("session %s still active after shutdown", sess.ID)
		}
	}
	if idle.State() != session.StateCreated {
		t.Errorf("inactive session was touched: state %s", idle.State())
	}

	for i, c := range clients {
		_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
		if _, _, err := c.ReadMessage(); err == nil {
			t.Errorf("client %d: expected read error after shutdown", i)
		}
	}

	if err := h.srv.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}

	rec := httptest.NewRecorder()
	h.srv.HandleWS(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("HandleWS after shutdown: got %d, want 503", rec.Code)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	srv := New(router.New(agent.Echo{}, nil, testLogger(), router.Options{}), nil, nil, testLogger(), Options{
		PingInterval:    -1,
		ShutdownTimeout: 5 * time.Second,
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx, ln, http.HandlerFunc(srv.HandleWS)) }()

	c, _, err := websocket.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/", nil)
	if err != nil {
		cancel()
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	if env := readEnvelope(t, c); env.Type != protocol.TypeSessionStart {
		t.Fatalf("got %s, want session_start", env)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	if srv.Count() != 0 {
		t.Errorf("registry after Serve returned: got %d", srv.Count())
	}
	if _, err := net.DialTimeout("tcp", ln.Addr().String(), time.Second); err == nil {
		t.Error("listener still accepting after shutdown")
	}
}
