package relay

import (
	"log/slog"

	"courier/internal/ws"
)

// loadHistory sends the requester their full conversation with peer, oldest
// first. Always hits the store: repeated calls see messages persisted since
// the last one.
func (s *Server) loadHistory(sess *session, requester, peer string) {
	if peer == "" {
		sess.deliverJSON(ws.ErrorMsg{Type: ws.TypeError, Message: "peer is required"})
		return
	}

	msgs, err := s.store.Conversation(requester, peer)
	if err != nil {
		slog.Error("load history", "conn", sess.id, "requester", requester, "peer", peer, "error", err)
		sess.deliverJSON(ws.ErrorMsg{Type: ws.TypeError, Message: "history unavailable"})
		return
	}

	// Non-nil so an empty conversation serializes as [] rather than null.
	out := make([]ws.HistoryMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, ws.HistoryMessage{
			Sender:    m.Sender,
			Body:      m.Body,
			CreatedAt: m.CreatedAt,
		})
	}

	sess.deliverJSON(ws.History{Type: ws.TypeHistory, Peer: peer, Messages: out})
}
