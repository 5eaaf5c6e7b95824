package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"fragstream/internal/logger"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// defaultWriteTimeout bounds every frame write. A peer that stops reading
// must surface as a write error on the calling goroutine, never as a hang.
const defaultWriteTimeout = 5 * time.Second

// WebSocket drives a browser MediaSource player over a WebSocket connection.
// Control messages travel as JSON text frames, fragment bytes as binary
// frames. The client side owns the actual SourceBuffer and reports back
// "ready", "updateend" (with its buffered end time) and "error" events, which
// is what turns each append into an asynchronous success-or-error outcome.
type WebSocket struct {
	conn         net.Conn
	log          logger.Logger
	writeTimeout time.Duration

	// wmu serializes frame writes so deadlines and frame boundaries never
	// interleave across goroutines.
	wmu sync.Mutex

	mu       sync.Mutex
	pending  chan error
	buffered float64
	closed   bool

	ready chan error
	errs  chan error
}

// controlOut is a server-to-client control message.
type controlOut struct {
	Type     string `json:"type"`
	MIME     string `json:"mime,omitempty"`
	Mode     string `json:"mode,omitempty"`
	Duration string `json:"duration,omitempty"`
}

// controlIn is a client-to-server control message.
type controlIn struct {
	Event    string  `json:"event"`
	Buffered float64 `json:"buffered"`
	Message  string  `json:"message"`
}

// Upgrade performs the WebSocket handshake on an incoming HTTP request and
// returns a sink speaking the control protocol over the resulting connection.
func Upgrade(w http.ResponseWriter, r *http.Request, log logger.Logger) (*WebSocket, error) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		return nil, fmt.Errorf("websocket upgrade failed: %w", err)
	}
	return NewFromConn(conn, log), nil
}

// NewFromConn wraps an established server-side WebSocket connection. Split
// out from Upgrade so tests can drive the protocol over a pipe.
func NewFromConn(conn net.Conn, log logger.Logger) *WebSocket {
	s := &WebSocket{
		conn:         conn,
		log:          log,
		writeTimeout: defaultWriteTimeout,
		ready:        make(chan error, 1),
		errs:         make(chan error, 4),
	}
	go s.readLoop()
	return s
}

// SetWriteTimeout adjusts the per-frame write deadline. Useful for tests and
// for aligning the sink with a custom append watchdog.
func (s *WebSocket) SetWriteTimeout(d time.Duration) {
	s.wmu.Lock()
	s.writeTimeout = d
	s.wmu.Unlock()
}

// writeFrame performs one deadline-bounded frame write. Expiry reports as an
// ordinary write error to the caller.
func (s *WebSocket) writeFrame(write func(net.Conn) error) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	err := write(s.conn)
	s.conn.SetWriteDeadline(time.Time{})
	return err
}

// Open sends the open control message and waits for the client to report
// that its MediaSource and SourceBuffer are ready.
func (s *WebSocket) Open(ctx context.Context, mimeCodec string) error {
	if err := s.writeControl(controlOut{Type: "open", MIME: mimeCodec}); err != nil {
		return err
	}
	select {
	case err := <-s.ready:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetAppendMode forwards the requested timing mode to the client player.
func (s *WebSocket) SetAppendMode(mode AppendMode) error {
	name := "segments"
	if mode == Sequence {
		name = "sequence"
	}
	return s.writeControl(controlOut{Type: "setMode", Mode: name})
}

// SetUnboundedDuration asks the client player for an open-ended duration.
func (s *WebSocket) SetUnboundedDuration() error {
	return s.writeControl(controlOut{Type: "setDuration", Duration: "unbounded"})
}

// BeginAppend writes one fragment as a binary frame. The returned channel
// resolves when the client reports updateend or an error for this append.
// The frame write itself is deadline-bounded, so a peer that has stopped
// reading surfaces as a submission error rather than blocking the caller.
func (s *WebSocket) BeginAppend(p []byte) (<-chan error, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if s.pending != nil {
		s.mu.Unlock()
		return nil, ErrAppendInFlight
	}
	done := make(chan error, 1)
	s.pending = done
	s.mu.Unlock()

	if err := s.writeFrame(func(conn net.Conn) error {
		return wsutil.WriteServerBinary(conn, p)
	}); err != nil {
		s.mu.Lock()
		s.pending = nil
		s.mu.Unlock()
		return nil, fmt.Errorf("failed to write fragment frame: %w", err)
	}
	return done, nil
}

// BufferedEnd reports the buffered end time most recently echoed by the
// client player.
func (s *WebSocket) BufferedEnd() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffered
}

// EndOfStream tells the client player to finish the stream.
func (s *WebSocket) EndOfStream() error {
	return s.writeControl(controlOut{Type: "endOfStream"})
}

// Abort tells the client player to abandon any in-flight append.
func (s *WebSocket) Abort() error {
	return s.writeControl(controlOut{Type: "abort"})
}

// Close tears down the connection. Any in-flight append resolves with
// ErrClosed. Safe to call repeatedly.
func (s *WebSocket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	if pending != nil {
		pending <- ErrClosed
	}
	return s.conn.Close()
}

// Errors delivers client-reported errors that arrive while no append is in
// flight.
func (s *WebSocket) Errors() <-chan error {
	return s.errs
}

func (s *WebSocket) writeControl(msg controlOut) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.mu.Unlock()

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := s.writeFrame(func(conn net.Conn) error {
		return wsutil.WriteServerText(conn, data)
	}); err != nil {
		return fmt.Errorf("failed to write control frame: %w", err)
	}
	return nil
}

// readLoop decodes client control messages until the connection dies. It is
// the single place that resolves pending appends, so an append outcome is
// delivered exactly once.
func (s *WebSocket) readLoop() {
	for {
		data, op, err := wsutil.ReadClientData(s.conn)
		if err != nil {
			s.connectionLost(fmt.Errorf("sink connection lost: %w", err))
			return
		}
		if op != ws.OpText {
			continue
		}

		var msg controlIn
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Debugf("Ignoring undecodable control frame: %v", err)
			continue
		}

		switch msg.Event {
		case "ready":
			select {
			case s.ready <- nil:
			default:
			}
		case "updateend":
			s.mu.Lock()
			s.buffered = msg.Buffered
			pending := s.pending
			s.pending = nil
			s.mu.Unlock()
			if pending != nil {
				pending <- nil
			}
		case "error":
			s.deliverError(fmt.Errorf("sink reported error: %s", msg.Message))
		default:
			s.log.Debugf("Ignoring unknown control event %q", msg.Event)
		}
	}
}

// deliverError routes a client error to the in-flight append when one
// exists, otherwise onto the autonomous error channel.
func (s *WebSocket) deliverError(err error) {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	if pending != nil {
		pending <- err
		return
	}
	select {
	case s.errs <- err:
	default:
	}
}

func (s *WebSocket) connectionLost(err error) {
	// A sink that dies before signaling ready fails the open.
	select {
	case s.ready <- err:
	default:
	}
	s.deliverError(err)
}
