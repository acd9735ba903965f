package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// ErrConnClosed is returned when the relay closed the connection.
var ErrConnClosed = errors.New("relay closed the connection")

// ErrAuthRejected is returned when the relay refused this client: the
// identity token failed verification, or the session was displaced by a
// newer login. Reconnecting with the same token won't help.
var ErrAuthRejected = errors.New("relay rejected the session")

const (
	writeTimeout      = 10 * time.Second
	readLimit         = 256 * 1024
	maxReconnectDelay = 10 * time.Second
)

// Client is an outbound WebSocket client for the courier relay. Callers set
// the On* hooks before Run; hooks are invoked from the read loop, so they
// must not block.
type Client struct {
	RelayURL string // e.g. "ws://localhost:8080/ws"
	Token    string // signed identity token from /auth/login

	OnAuthenticated func(identity string)
	OnMessage       func(msg PrivateMessageEvent)
	OnUserList      func(users []string)
	OnHistory       func(h History)
	OnError         func(message string)

	conn *websocket.Conn
	mu   sync.Mutex
}

// Connect dials the relay, sends the authenticate frame, and processes
// events until ctx is cancelled or the connection drops. One shot: the
// relay allows a single authentication attempt per connection.
func (c *Client) Connect(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, c.RelayURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	conn.SetReadLimit(readLimit)
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer conn.CloseNow()

	if err := c.writeJSON(ctx, Authenticate{Type: TypeAuthenticate, Token: c.Token}); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}

	return c.readLoop(ctx, conn)
}

// Run is Connect with automatic reconnection and exponential backoff.
// Returns only when ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	delay := time.Second
	for {
		start := time.Now()
		err := c.Connect(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// A rejected token or displaced session is terminal; retrying
		// with the same credentials would loop forever.
		if errors.Is(err, ErrAuthRejected) {
			return err
		}
		if time.Since(start) > time.Minute {
			delay = time.Second
		}
		slog.Warn("relay disconnected, reconnecting", "error", err, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusPolicyViolation {
				return fmt.Errorf("%w: %v", ErrAuthRejected, err)
			}
			return fmt.Errorf("%w: %v", ErrConnClosed, err)
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			slog.Debug("bad frame from relay", "error", err)
			continue
		}

		switch env.Type {
		case TypeAuthenticated:
			var msg Authenticated
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if c.OnAuthenticated != nil {
				c.OnAuthenticated(msg.Identity)
			}

		case TypePrivateMessage:
			var msg PrivateMessageEvent
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if c.OnMessage != nil {
				c.OnMessage(msg)
			}

		case TypeUserList:
			var msg UserList
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if c.OnUserList != nil {
				c.OnUserList(msg.Users)
			}

		case TypeHistory:
			var msg History
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if c.OnHistory != nil {
				c.OnHistory(msg)
			}

		case TypeError:
			var msg ErrorMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if c.OnError != nil {
				c.OnError(msg.Message)
			}

		default:
			slog.Debug("unknown message type from relay", "type", env.Type)
		}
	}
}

// Send routes a private message to recipient via the relay. The relay echoes
// the persisted message back through OnMessage.
func (c *Client) Send(ctx context.Context, recipient, body string) error {
	return c.writeJSON(ctx, PrivateMessageSend{
		Type:      TypePrivateMessage,
		Recipient: recipient,
		Body:      body,
	})
}

// LoadHistory requests the full conversation with peer. The response arrives
// through OnHistory.
func (c *Client) LoadHistory(ctx context.Context, peer string) error {
	return c.writeJSON(ctx, LoadHistory{Type: TypeLoadHistory, Peer: peer})
}

// Close tears down the underlying connection, if any.
func (c *Client) Close() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client closed")
	}
}

func (c *Client) writeJSON(ctx context.Context, v any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
