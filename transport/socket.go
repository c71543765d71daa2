// Package transport implements the event-socket connection to a remote
// audio node: dialing with the expected handshake headers, a read pump that
// hands decoded frames to a Handler, and the reconnect state machine
// described for node sessions (open/may-reconnect/backoff).
package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Handler receives socket lifecycle callbacks. Node implements this to
// dispatch by opcode, feed the penalty engine, and drive link state.
// Methods are called from the socket's single read-pump goroutine, so
// within one Socket, calls to a Handler are never concurrent with each
// other — this is what gives node sessions their "event delivery order
// equals socket receive order" guarantee.
type Handler interface {
	// OnOpen is called once the handshake completes.
	OnOpen()
	// OnMessage is called once per received frame, in receive order.
	OnMessage(data []byte)
	// OnFailure is called when the connection drops for any reason other
	// than a clean, server-initiated close: IO error, timeout, or EOF.
	OnFailure(err error)
	// OnClose is called when the remote end sends a close frame.
	OnClose(code int, reason string, byRemote bool)
}

// CloseNormal is the WebSocket status code for a clean, non-retriable
// close; receiving or sending it clears MayReconnect.
const CloseNormal = websocket.CloseNormalClosure // 1000

// DialConfig carries the handshake parameters for one node's event socket.
type DialConfig struct {
	URL           string // ws:// or wss://host:port/v4/websocket
	Authorization string
	ClientName    string // "jwc/<instance>"
	UserID        string // bot ID, decimal
	SessionID     string // optional, requests resumption when non-empty
	HandshakeTimeout time.Duration
}

func (c DialConfig) header() http.Header {
	h := http.Header{}
	h.Set("Authorization", c.Authorization)
	h.Set("Client-Name", c.ClientName)
	h.Set("User-Id", c.UserID)
	if c.SessionID != "" {
		h.Set("Session-Id", c.SessionID)
	}
	return h
}

// Socket manages one event-socket connection plus its reconnect state.
// Available (open/connected) state is exposed via atomics so Node can read
// it without locking; the underlying *websocket.Conn itself is only ever
// touched from the goroutine that owns it (Connect's caller and the read
// pump it starts).
type Socket struct {
	dialer  *websocket.Dialer
	cfg     DialConfig
	handler Handler

	conn atomic.Pointer[websocket.Conn]

	dialed            atomic.Bool
	open              atomic.Bool
	mayReconnect      atomic.Bool
	reconnectAttempts atomic.Int32
	lastAttemptMs     atomic.Int64
}

// New returns a Socket that has not yet connected. Call Connect to dial.
func New(cfg DialConfig, handler Handler) *Socket {
	s := &Socket{
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		cfg:     cfg,
		handler: handler,
	}
	s.mayReconnect.Store(true)
	return s
}

// Open reports whether the socket currently believes it has a live
// connection.
func (s *Socket) Open() bool { return s.open.Load() }

// MayReconnect reports whether the reconnect probe is still allowed to dial
// again. Cleared permanently once a normal (code 1000) close occurs.
func (s *Socket) MayReconnect() bool { return s.mayReconnect.Load() }

// ReconnectAttempts returns the number of reconnect attempts made since the
// last successful open.
func (s *Socket) ReconnectAttempts() int { return int(s.reconnectAttempts.Load()) }

// Connect dials the remote server and, on success, starts the read pump in
// a new goroutine. It closes any residual connection with CloseNormal first,
// matching the distilled contract's "closing any residual socket with code
// 1000 first" step of the reconnect probe.
func (s *Socket) Connect(ctx context.Context) error {
	s.dialed.Store(true)

	if old := s.conn.Load(); old != nil {
		_ = old.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(CloseNormal, ""), time.Now().Add(time.Second))
		old.Close()
	}

	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return fmt.Errorf("transport: invalid url: %w", err)
	}

	conn, _, err := s.dialer.DialContext(ctx, u.String(), s.cfg.header())
	if err != nil {
		return err
	}

	s.conn.Store(conn)
	s.open.Store(true)
	s.reconnectAttempts.Store(0)

	if s.handler != nil {
		s.handler.OnOpen()
	}

	go s.readPump(conn)
	return nil
}

func (s *Socket) readPump(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.open.Store(false)
			if ce, ok := err.(*websocket.CloseError); ok {
				if ce.Code == CloseNormal {
					s.mayReconnect.Store(false)
				}
				if s.handler != nil {
					s.handler.OnClose(ce.Code, ce.Text, true)
				}
				return
			}
			if s.handler != nil {
				s.handler.OnFailure(err)
			}
			return
		}
		if s.handler != nil {
			s.handler.OnMessage(data)
		}
	}
}

// Send writes a text frame. Intended for rarely-needed client-to-server
// socket messages; the bulk of commands go over REST.
func (s *Socket) Send(data []byte) error {
	conn := s.conn.Load()
	if conn == nil {
		return fmt.Errorf("transport: not connected")
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame with the given status code and marks the socket
// as no longer open. A normal close also clears MayReconnect, matching the
// server-initiated-close behavior.
func (s *Socket) Close(code int, reason string) {
	conn := s.conn.Load()
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
		conn.Close()
	}
	s.open.Store(false)
	if code == CloseNormal {
		s.mayReconnect.Store(false)
	}
}

// BackoffSeconds implements the reconnect probe's backoff formula:
// interval_seconds = 2*attempts - 0.2. Attempts is 0-based (the number of
// attempts already made since the last successful open).
func BackoffSeconds(attempts int) float64 {
	return 2*float64(attempts) - 0.2
}

// MaybeReconnect implements the external reconnect probe: if Connect has
// been called at least once — even if that call, or every one since, failed
// to establish a connection — and the socket is not open, is still allowed
// to reconnect, and enough backoff time has elapsed since the last attempt,
// it issues a fresh Connect and returns true. Gating on "has been dialed"
// rather than "holds a live conn" is what lets a node whose very first
// connect attempt failed still get picked up by later reconnect passes. now
// is injected so tests don't depend on wall time.
func (s *Socket) MaybeReconnect(ctx context.Context, now time.Time) (bool, error) {
	if !s.dialed.Load() {
		return false, nil
	}
	if s.open.Load() || !s.mayReconnect.Load() {
		return false, nil
	}

	attempts := int(s.reconnectAttempts.Load())
	backoff := time.Duration(BackoffSeconds(attempts) * float64(time.Second))
	last := time.UnixMilli(s.lastAttemptMs.Load())
	if !last.IsZero() && now.Sub(last) <= backoff {
		return false, nil
	}

	s.lastAttemptMs.Store(now.UnixMilli())
	s.reconnectAttempts.Add(1)

	if err := s.Connect(ctx); err != nil {
		return true, err
	}
	return true, nil
}
