// Package session owns the lifecycle of one client connection: the receive
// loop, the send loop, the inbound consumer and the one-time close sequence.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/amurg-ai/scenegate/internal/queue"
	"github.com/amurg-ai/scenegate/pkg/protocol"
)

// State is a session's lifecycle state.
type State int32

const (
	StateCreated State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ErrNotCreated is returned by Start when the session was already started or closed.
var ErrNotCreated = errors.New("session: not in created state")

// Conn is the message-framed socket a session owns. *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	RemoteAddr() net.Addr
}

// Handler interprets inbound envelopes. Handle is called from a single
// goroutine per session, in arrival order.
type Handler interface {
	Handle(ctx context.Context, s *Session, env protocol.Envelope)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, s *Session, env protocol.Envelope)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, s *Session, env protocol.Envelope) {
	f(ctx, s, env)
}

// Options configures a Session.
type Options struct {
	PingInterval time.Duration // 0 uses 30s; negative disables keepalive
	PongWait     time.Duration // 0 or not above PingInterval uses 2*PingInterval
}

// Session represents one live client connection.
type Session struct {
	ID         string
	RemoteAddr string
	StartedAt  time.Time

	conn    Conn
	queues  *queue.Pair
	handler Handler
	logger  *slog.Logger
	opts    Options

	state  atomic.Int32
	reason atomic.Value // string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	writeMu sync.Mutex

	disconnected chan struct{}
	closed       chan struct{}

	received atomic.Int64
	sent     atomic.Int64
}

// New creates a session for conn in the Created state. The id is a time-based
// UUID and doubles as the conversation key handed to the agent.
func New(conn Conn, h Handler, logger *slog.Logger, opts Options) (*Session, error) {
	id, err := uuid.NewUUID()
	if err != nil {
		return nil, fmt.Errorf("generate session id: %w", err)
	}
	return newWithID(id.String(), conn, h, logger, opts), nil
}

func newWithID(id string, conn Conn, h Handler, logger *slog.Logger, opts Options) *Session {
	if opts.PingInterval == 0 {
		opts.PingInterval = defaultPingInterval
	}
	opts.PongWait = pongWaitFor(opts.PingInterval, opts.PongWait)

	remote := ""
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		ID:           id,
		RemoteAddr:   remote,
		StartedAt:    time.Now(),
		conn:         conn,
		queues:       queue.NewPair(),
		handler:      h,
		logger:       logger.With("session_id", id, "remote", remote),
		opts:         opts,
		ctx:          ctx,
		cancel:       cancel,
		disconnected: make(chan struct{}),
		closed:       make(chan struct{}),
	}
}

// Start moves the session to Active and spawns its loops. Cancelling parent
// closes the session.
func (s *Session) Start(parent context.Context) error {
	if !s.state.CompareAndSwap(int32(StateCreated), int32(StateActive)) {
		return ErrNotCreated
	}
	s.logger.Info("session started")

	s.startKeepalive()

	s.wg.Add(3)
	go s.receiveLoop()
	go s.sendLoop()
	go s.consumeLoop()

	go func() {
		select {
		case <-parent.Done():
			s.closeWith("cancelled")
		case <-s.ctx.Done():
		}
	}()
	return nil
}

// SendMessage enqueues an envelope for the client. It never blocks. A message
// for a session that has already been torn down is logged and dropped.
func (s *Session) SendMessage(env protocol.Envelope) {
	if err := s.queues.Outbound.Push(env); err != nil {
		s.logger.Debug("dropping outbound message", "message", env.String(), "error", err)
	}
}

// Close runs the close sequence. Only the first call across all triggers does
// any work; it reports whether this call was that one.
func (s *Session) Close() bool {
	return s.closeWith("closed by server")
}

func (s *Session) closeWith(reason string) bool {
	for {
		cur := s.state.Load()
		if cur >= int32(StateClosing) {
			return false
		}
		if s.state.CompareAndSwap(cur, int32(StateClosing)) {
			break
		}
	}
	s.reason.Store(reason)

	s.cancel()

	if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Debug("socket close failed", "error", err)
	}

	close(s.disconnected)

	droppedIn, droppedOut := s.queues.Close()

	s.state.Store(int32(StateClosed))
	close(s.closed)

	s.logger.Info("session closed",
		"reason", reason,
		"received", s.received.Load(),
		"sent", s.sent.Load(),
		"dropped_inbound", droppedIn,
		"dropped_outbound", droppedOut,
	)
	return true
}

// Done is closed when the session has disconnected.
func (s *Session) Done() <-chan struct{} { return s.disconnected }

// Closed is closed once the close sequence has fully completed.
func (s *Session) Closed() <-chan struct{} { return s.closed }

// Wait blocks until the session's loops have exited or ctx is done.
// Loops stuck in an uncooperative handler may outlive the session.
func (s *Session) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Active reports whether the session is running and not yet closing.
func (s *Session) Active() bool { return s.State() == StateActive }

// CloseReason returns what triggered the close sequence, or "" if still open.
func (s *Session) CloseReason() string {
	r, _ := s.reason.Load().(string)
	return r
}

// Stats returns the number of envelopes received from and sent to the client.
func (s *Session) Stats() (received, sent int64) {
	return s.received.Load(), s.sent.Load()
}

// Logger returns the session-scoped logger.
func (s *Session) Logger() *slog.Logger { return s.logger }

func (s *Session) receiveLoop() {
	defer s.wg.Done()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			if isPeerClose(err) {
				s.logger.Info("peer disconnected", "error", err)
				s.closeWith("peer closed")
			} else {
				s.logger.Warn("read failed", "error", err)
				s.closeWith("read error")
			}
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			s.logger.Warn("malformed envelope, closing session", "bytes", len(data), "error", err)
			s.closeWith("protocol error")
			return
		}
		s.received.Add(1)

		if err := s.queues.Inbound.Push(env); err != nil {
			return
		}
	}
}

func (s *Session) sendLoop() {
	defer s.wg.Done()
	for {
		env, err := s.queues.Outbound.Pop(s.ctx)
		if err != nil {
			return
		}

		s.writeMu.Lock()
		err = s.conn.WriteMessage(websocket.BinaryMessage, protocol.Encode(env))
		s.writeMu.Unlock()
		if err != nil {
			if s.ctx.Err() == nil {
				s.logger.Warn("write failed", "message", env.String(), "error", err)
			}
			s.closeWith("write error")
			return
		}
		s.sent.Add(1)
	}
}

func (s *Session) consumeLoop() {
	defer s.wg.Done()
	for {
		env, err := s.queues.Inbound.Pop(s.ctx)
		if err != nil {
			return
		}
		s.dispatch(env)
	}
}

func (s *Session) dispatch(env protocol.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panicked", "message", env.String(), "panic", r)
		}
	}()
	s.handler.Handle(s.ctx, s, env)
}

func isPeerClose(err error) bool {
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
		websocket.CloseAbnormalClosure,
	) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed)
}
