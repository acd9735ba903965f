package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"courier/internal/ws"
)

const (
	sendBuffer   = 256
	writeTimeout = 10 * time.Second
	readLimit    = 256 * 1024
)

type connState int

const (
	stateUnauthenticated connState = iota
	stateAuthenticated
	stateClosed
)

// session is one live client connection: the transport handle, the outbound
// queue, and the explicit authentication state. The identity is bound here,
// never read off the transport.
type session struct {
	id   string // short id for log correlation
	conn *websocket.Conn
	send chan []byte

	mu       sync.Mutex
	state    connState
	identity string

	limiter *rate.Limiter
}

// bind transitions unauthenticated → authenticated.
func (sess *session) bind(identity string) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.state == stateUnauthenticated {
		sess.state = stateAuthenticated
		sess.identity = identity
	}
}

// boundIdentity returns the authenticated identity, if any.
func (sess *session) boundIdentity() (string, bool) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.identity, sess.state == stateAuthenticated
}

// markClosed transitions to the terminal state and closes the outbound
// queue so the write pump drains and exits.
func (sess *session) markClosed() {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.state != stateClosed {
		sess.state = stateClosed
		close(sess.send)
	}
}

// deliver queues data for the write pump without blocking. A full queue or
// a closed session drops the payload; the caller's operation is unaffected.
func (sess *session) deliver(data []byte) bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.state == stateClosed {
		return false
	}
	select {
	case sess.send <- data:
		return true
	default:
		return false
	}
}

func (sess *session) deliverJSON(v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		return false
	}
	return sess.deliver(data)
}

// writePump drains the outbound queue onto the transport. Keeping writes on
// one goroutine means a slow peer backs up its own queue only.
func (sess *session) writePump() {
	for data := range sess.send {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := sess.conn.Write(ctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			return
		}
	}
	sess.conn.Close(websocket.StatusNormalClosure, "")
}

// handleWS runs the per-connection lifecycle: unauthenticated → (one
// authenticate attempt) → authenticated → closed.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("websocket accept", "error", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(readLimit)

	sess := &session{
		id:      uuid.New().String()[:8],
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		limiter: rate.NewLimiter(rate.Limit(s.cfg.Limits.MessagesPerSec), s.cfg.Limits.MessageBurst),
	}
	go sess.writePump()

	s.presence.Track(sess)
	slog.Debug("connection opened", "conn", sess.id)

	defer func() {
		s.presence.Untrack(sess)
		identity, wasAuthed := sess.boundIdentity()
		sess.markClosed()
		// Compare-and-delete: a stale close never evicts a newer session
		// registered under the same identity.
		if wasAuthed && s.registry.Unregister(identity, sess) {
			slog.Info("identity offline", "conn", sess.id, "identity", identity)
			s.broadcastPresence()
		}
		slog.Debug("connection closed", "conn", sess.id)
	}()

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		if !sess.limiter.Allow() {
			sess.deliverJSON(ws.ErrorMsg{Type: ws.TypeError, Message: "rate limit exceeded"})
			continue
		}

		var env ws.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			slog.Debug("bad frame", "conn", sess.id, "error", err)
			continue
		}

		switch env.Type {
		case ws.TypeAuthenticate:
			if !s.handleAuthenticate(sess, data) {
				conn.Close(websocket.StatusPolicyViolation, "authentication failed")
				return
			}

		case ws.TypePrivateMessage:
			identity, ok := sess.boundIdentity()
			if !ok {
				slog.Debug("dropping frame from unauthenticated connection", "conn", sess.id, "type", env.Type)
				continue
			}
			var msg ws.PrivateMessageSend
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			s.route(sess, identity, msg.Recipient, msg.Body)

		case ws.TypeLoadHistory:
			identity, ok := sess.boundIdentity()
			if !ok {
				slog.Debug("dropping frame from unauthenticated connection", "conn", sess.id, "type", env.Type)
				continue
			}
			var msg ws.LoadHistory
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			s.loadHistory(sess, identity, msg.Peer)

		default:
			slog.Debug("unknown message type", "conn", sess.id, "type", env.Type)
		}
	}
}

// handleAuthenticate performs the single allowed authentication attempt.
// Returns false when the connection must be closed.
func (s *Server) handleAuthenticate(sess *session, data []byte) bool {
	if _, ok := sess.boundIdentity(); ok {
		// Duplicate authenticate after success: drop it.
		return true
	}

	var msg ws.Authenticate
	if err := json.Unmarshal(data, &msg); err != nil {
		return false
	}

	identity, err := VerifyToken(s.secret, msg.Token)
	if err != nil {
		slog.Info("authentication failed", "conn", sess.id, "error", err)
		return false
	}

	sess.bind(identity)
	if displaced := s.registry.Register(identity, sess); displaced != nil {
		// The newer connection wins; the orphaned transport must be closed
		// so it doesn't leak.
		slog.Info("session displaced", "identity", identity, "old_conn", displaced.id, "new_conn", sess.id)
		displaced.conn.Close(websocket.StatusPolicyViolation, "displaced by newer connection")
	}

	sess.deliverJSON(ws.Authenticated{Type: ws.TypeAuthenticated, Identity: identity})
	slog.Info("identity online", "conn", sess.id, "identity", identity)
	s.broadcastPresence()
	return true
}
