package ws

import "time"

// Message types for the relay WebSocket protocol.
const (
	// Client → Relay
	TypeAuthenticate   = "authenticate"    // first frame after connect
	TypePrivateMessage = "private-message" // also Relay → Client (delivery/echo)
	TypeLoadHistory    = "load-history"

	// Relay → Client
	TypeAuthenticated = "authenticated"
	TypeUserList      = "update-user-list"
	TypeHistory       = "history"
	TypeError         = "error"
)

// Envelope wraps every WebSocket message with a type field for routing.
type Envelope struct {
	Type string `json:"type"`
}

// Authenticate carries the identity token. It must be the first frame a
// client sends; the relay closes the connection if verification fails.
type Authenticate struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// Authenticated acknowledges a successful authentication.
type Authenticated struct {
	Type     string `json:"type"`
	Identity string `json:"identity"`
}

// PrivateMessageSend asks the relay to route a message to a recipient.
// The sender is always the identity bound to the connection.
type PrivateMessageSend struct {
	Type      string `json:"type"`
	Recipient string `json:"recipient"`
	Body      string `json:"body"`
}

// PrivateMessageEvent is a routed message, delivered to the recipient (if
// online) and echoed back to the sender with the server-assigned timestamp.
type PrivateMessageEvent struct {
	Type      string    `json:"type"`
	Sender    string    `json:"sender"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// LoadHistory requests the full conversation with a peer.
type LoadHistory struct {
	Type string `json:"type"`
	Peer string `json:"peer"`
}

// HistoryMessage is one persisted message in a history response.
type HistoryMessage struct {
	Sender    string    `json:"sender"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// History carries an ordered conversation, oldest first.
type History struct {
	Type     string           `json:"type"`
	Peer     string           `json:"peer"`
	Messages []HistoryMessage `json:"messages"`
}

// UserList is the full set of online identities, sent to every connection
// after each presence change.
type UserList struct {
	Type  string   `json:"type"`
	Users []string `json:"users"`
}

// ErrorMsg is sent by the relay for operation failures. Errors are local to
// the operation that triggered them; the connection stays open.
type ErrorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
