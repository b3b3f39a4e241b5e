package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chatclient/internal/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufSize    = 256
	eventBufSize   = 256

	initialBackoff = 2 * time.Second
	maxBackoff     = 30 * time.Second
)

// ErrNotConnected is returned by Send when no connection is Open.
var ErrNotConnected = errors.New("ws: not connected")

// ErrSendBufferFull is returned when the outbound buffer is saturated.
var ErrSendBufferFull = errors.New("ws: send buffer full")

type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

// Event is what the Manager delivers to its owner: an inbound envelope
// (Env != nil) or a state transition, tagged with the generation of the
// connection it belongs to. The owner drops events whose generation no
// longer matches its current one.
type Event struct {
	Gen   uint64
	Env   *Envelope
	State State
	Err   error
}

// Manager owns at most one live connection at a time, scoped to the current
// active room. Open tears down the previous connection before dialing the
// new one; a lost connection is re-dialed with exponential backoff up to
// maxAttempts consecutive failures, after which the manager reports Closed
// and stays down until the room is reopened.
type Manager struct {
	url         string
	dialer      *websocket.Dialer
	maxAttempts int
	events      chan Event

	mu     sync.Mutex
	gen    uint64
	cur    *session
	cancel context.CancelFunc
}

// NewManager creates a manager for the given ws endpoint. The dialer carries
// the authenticated session (cookie jar); nil falls back to the default.
func NewManager(url string, dialer *websocket.Dialer, maxAttempts int) *Manager {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Manager{
		url:         url,
		dialer:      dialer,
		maxAttempts: maxAttempts,
		events:      make(chan Event, eventBufSize),
	}
}

// Events returns the single inbound stream. Envelopes from one connection
// are delivered strictly in arrival order.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Open closes any existing connection and dials a new one for the given
// room. It returns the generation assigned to the new connection; events
// carrying an older generation belong to a superseded room context.
func (m *Manager) Open(ctx context.Context, roomID int64) uint64 {
	m.mu.Lock()
	m.gen++
	gen := m.gen
	if m.cancel != nil {
		m.cancel()
	}
	if m.cur != nil {
		m.cur.close()
		m.cur = nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	go m.run(runCtx, gen, roomID)
	return gen
}

// Close tears down the current connection, if any. Events still in flight
// for it carry a stale generation and are discarded by the owner.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gen++
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.cur != nil {
		m.cur.close()
		m.cur = nil
	}
}

// Send enqueues an outbound envelope. Fails with ErrNotConnected unless a
// connection is Open; the caller decides whether to retry after reconnect.
func (m *Manager) Send(out Outbound) error {
	m.mu.Lock()
	sess := m.cur
	m.mu.Unlock()
	if sess == nil {
		return ErrNotConnected
	}
	select {
	case sess.send <- out:
		return nil
	case <-sess.done:
		return ErrNotConnected
	default:
		return ErrSendBufferFull
	}
}

func (m *Manager) run(ctx context.Context, gen uint64, roomID int64) {
	backoff := initialBackoff
	attempts := 0
	for {
		m.emit(ctx, Event{Gen: gen, State: StateConnecting})
		conn, resp, err := m.dialer.DialContext(ctx, m.url, nil)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			attempts++
			if attempts >= m.maxAttempts {
				logger.Errorf("ws dial room=%d gave up after %d attempts: %v", roomID, attempts, err)
				m.emit(ctx, Event{Gen: gen, State: StateClosed, Err: err})
				return
			}
			logger.Errorf("ws dial room=%d failed, retry in %v: %v", roomID, backoff, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < maxBackoff {
				backoff *= 2
			}
			continue
		}
		attempts = 0
		backoff = initialBackoff

		sess := newSession(conn)
		m.mu.Lock()
		if m.gen != gen {
			m.mu.Unlock()
			sess.close()
			return
		}
		m.cur = sess
		m.mu.Unlock()
		m.emit(ctx, Event{Gen: gen, State: StateOpen})

		err = sess.run(ctx, gen, m.events)

		m.mu.Lock()
		if m.cur == sess {
			m.cur = nil
		}
		stale := m.gen != gen
		m.mu.Unlock()
		sess.close()
		if stale || ctx.Err() != nil {
			return
		}
		logger.Errorf("ws connection lost room=%d: %v", roomID, err)
		m.emit(ctx, Event{Gen: gen, State: StateClosed, Err: err})
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

func (m *Manager) emit(ctx context.Context, ev Event) {
	select {
	case m.events <- ev:
	case <-ctx.Done():
	}
}

// session is a single live connection with read and write pumps.
// Lifecycle: newSession -> run -> close. close is safe from any goroutine.
type session struct {
	conn *websocket.Conn
	send chan Outbound
	done chan struct{}
	once sync.Once
}

func newSession(conn *websocket.Conn) *session {
	return &session{
		conn: conn,
		send: make(chan Outbound, sendBufSize),
		done: make(chan struct{}),
	}
}

// run starts the write pump and reads envelopes until the connection fails.
// Malformed JSON is logged and skipped; it never ends the session.
func (s *session) run(ctx context.Context, gen uint64, events chan<- Event) error {
	go s.writePump(ctx)
	defer s.close()

	s.conn.SetReadLimit(maxMessageSize)
	if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return err
	}
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return err
		}
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			logger.Errorf("ws unmarshal: %v", err)
			continue
		}
		select {
		case events <- Event{Gen: gen, Env: &env}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *session) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			s.conn.WriteMessage(websocket.CloseMessage, nil)
			return
		case <-s.done:
			s.conn.WriteMessage(websocket.CloseMessage, nil)
			return
		case out := <-s.send:
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := s.conn.WriteJSON(out); err != nil {
				return
			}
		case <-ticker.C:
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// close signals shutdown. The read pump unblocks via conn.Close.
func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}
