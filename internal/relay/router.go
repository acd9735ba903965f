package relay

import (
	"encoding/json"
	"log/slog"

	"courier/internal/ws"
)

// route delivers a private message. The sender identity comes from the
// authenticated session, never from the frame, so a connection can only
// ever send as itself.
//
// The message is persisted whether or not the recipient is online; an
// offline recipient reads it later via load-history. If persistence fails
// nobody receives the message and only the sender hears about the failure.
func (s *Server) route(sess *session, sender, recipient, body string) {
	if recipient == "" || body == "" {
		sess.deliverJSON(ws.ErrorMsg{Type: ws.TypeError, Message: "recipient and body are required"})
		return
	}
	if len(body) > s.cfg.Limits.MaxBodyBytes {
		sess.deliverJSON(ws.ErrorMsg{Type: ws.TypeError, Message: "message body too large"})
		return
	}

	rcpt := s.registry.Lookup(recipient)

	// Store insert may block; it runs without any registry lock held.
	msg, err := s.store.InsertMessage(sender, recipient, body)
	if err != nil {
		slog.Error("persist message", "conn", sess.id, "sender", sender, "recipient", recipient, "error", err)
		sess.deliverJSON(ws.ErrorMsg{Type: ws.TypeError, Message: "message not delivered: storage failure"})
		return
	}

	payload, err := json.Marshal(ws.PrivateMessageEvent{
		Type:      ws.TypePrivateMessage,
		Sender:    sender,
		Body:      msg.Body,
		CreatedAt: msg.CreatedAt,
	})
	if err != nil {
		return
	}

	if rcpt != nil {
		if !rcpt.deliver(payload) {
			slog.Debug("live delivery dropped", "recipient", recipient)
		}
	} else {
		slog.Debug("recipient offline, persisted only", "sender", sender, "recipient", recipient)
	}

	// Echo so the sender's view carries the server-assigned timestamp.
	sess.deliver(payload)
}
