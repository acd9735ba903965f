package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"courier/internal/config"
	"courier/internal/store"
	"courier/internal/ws"
)

func newTestRelay(t *testing.T) (*httptest.Server, *Server, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	srv := NewServer(st, testSecret, config.Default())
	t.Cleanup(srv.Close)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return ts, srv, st
}

func wsEndpoint(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dialRelay(t *testing.T, ctx context.Context, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, wsEndpoint(ts), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func writeFrame(t *testing.T, ctx context.Context, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

// waitFor reads frames until one of the wanted type arrives and returns its
// raw payload. Unrelated frames (presence pushes, mostly) are skipped.
func waitFor(t *testing.T, ctx context.Context, conn *websocket.Conn, wantType string) []byte {
	t.Helper()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("waiting for %q: %v", wantType, err)
		}
		var env ws.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("bad frame: %v", err)
		}
		if env.Type == wantType {
			return data
		}
	}
}

// expectNoMessage asserts no private-message frame arrives within the
// window. Presence pushes may still flow (a peer disconnecting mid-check
// triggers one) and are skipped. The timed-out read tears the connection
// down, so this must be the last use of conn.
func expectNoMessage(t *testing.T, conn *websocket.Conn, window time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), window)
	defer cancel()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var env ws.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("bad frame: %v", err)
		}
		if env.Type == ws.TypePrivateMessage {
			t.Fatalf("expected no message, got frame %s", data)
		}
	}
}

func authAs(t *testing.T, ctx context.Context, conn *websocket.Conn, identity string) {
	t.Helper()
	token, _, err := IssueToken(testSecret, identity, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	writeFrame(t, ctx, conn, ws.Authenticate{Type: ws.TypeAuthenticate, Token: token})

	data := waitFor(t, ctx, conn, ws.TypeAuthenticated)
	var ack ws.Authenticated
	if err := json.Unmarshal(data, &ack); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if ack.Identity != identity {
		t.Fatalf("ack identity = %q, want %q", ack.Identity, identity)
	}
}

func TestMessageExchangeAndEcho(t *testing.T) {
	ts, _, _ := newTestRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	alice := dialRelay(t, ctx, ts)
	bob := dialRelay(t, ctx, ts)
	authAs(t, ctx, alice, "alice")
	authAs(t, ctx, bob, "bob")

	writeFrame(t, ctx, alice, ws.PrivateMessageSend{
		Type: ws.TypePrivateMessage, Recipient: "bob", Body: "hello bob",
	})

	var got ws.PrivateMessageEvent
	if err := json.Unmarshal(waitFor(t, ctx, bob, ws.TypePrivateMessage), &got); err != nil {
		t.Fatalf("unmarshal delivery: %v", err)
	}
	if got.Sender != "alice" || got.Body != "hello bob" {
		t.Errorf("delivery = %+v, want sender alice body 'hello bob'", got)
	}
	if got.CreatedAt.IsZero() {
		t.Error("delivery carries no timestamp")
	}

	var echo ws.PrivateMessageEvent
	if err := json.Unmarshal(waitFor(t, ctx, alice, ws.TypePrivateMessage), &echo); err != nil {
		t.Fatalf("unmarshal echo: %v", err)
	}
	if echo.Sender != "alice" || echo.Body != "hello bob" {
		t.Errorf("echo = %+v, want sender alice body 'hello bob'", echo)
	}
	if !echo.CreatedAt.Equal(got.CreatedAt) {
		t.Errorf("echo timestamp %v differs from delivery timestamp %v", echo.CreatedAt, got.CreatedAt)
	}
}

func TestHistorySameFromBothSides(t *testing.T) {
	ts, _, _ := newTestRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	alice := dialRelay(t, ctx, ts)
	bob := dialRelay(t, ctx, ts)
	authAs(t, ctx, alice, "alice")
	authAs(t, ctx, bob, "bob")

	writeFrame(t, ctx, alice, ws.PrivateMessageSend{Type: ws.TypePrivateMessage, Recipient: "bob", Body: "first"})
	waitFor(t, ctx, alice, ws.TypePrivateMessage) // echo, so the reply can't race the first insert
	writeFrame(t, ctx, bob, ws.PrivateMessageSend{Type: ws.TypePrivateMessage, Recipient: "alice", Body: "second"})
	// Bob's stream also carries the live delivery of "first"; keep reading
	// until the echo of "second" arrives so history can't race its insert.
	for {
		var echo ws.PrivateMessageEvent
		if err := json.Unmarshal(waitFor(t, ctx, bob, ws.TypePrivateMessage), &echo); err != nil {
			t.Fatalf("unmarshal echo: %v", err)
		}
		if echo.Sender == "bob" && echo.Body == "second" {
			break
		}
	}

	loadHistory := func(conn *websocket.Conn, peer string) ws.History {
		writeFrame(t, ctx, conn, ws.LoadHistory{Type: ws.TypeLoadHistory, Peer: peer})
		var h ws.History
		if err := json.Unmarshal(waitFor(t, ctx, conn, ws.TypeHistory), &h); err != nil {
			t.Fatalf("unmarshal history: %v", err)
		}
		return h
	}

	fromAlice := loadHistory(alice, "bob")
	fromBob := loadHistory(bob, "alice")

	for _, h := range []ws.History{fromAlice, fromBob} {
		if len(h.Messages) != 2 {
			t.Fatalf("history has %d messages, want 2", len(h.Messages))
		}
		if h.Messages[0].Body != "first" || h.Messages[1].Body != "second" {
			t.Errorf("history order = [%s, %s], want [first, second]",
				h.Messages[0].Body, h.Messages[1].Body)
		}
	}
	if fromAlice.Peer != "bob" || fromBob.Peer != "alice" {
		t.Errorf("history peers = %q/%q, want bob/alice", fromAlice.Peer, fromBob.Peer)
	}
}

func TestOfflineRecipientStillPersisted(t *testing.T) {
	ts, _, _ := newTestRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	alice := dialRelay(t, ctx, ts)
	authAs(t, ctx, alice, "alice")

	// carol has never connected
	writeFrame(t, ctx, alice, ws.PrivateMessageSend{
		Type: ws.TypePrivateMessage, Recipient: "carol", Body: "see you later",
	})
	waitFor(t, ctx, alice, ws.TypePrivateMessage) // echo still arrives

	carol := dialRelay(t, ctx, ts)
	authAs(t, ctx, carol, "carol")
	writeFrame(t, ctx, carol, ws.LoadHistory{Type: ws.TypeLoadHistory, Peer: "alice"})

	var h ws.History
	if err := json.Unmarshal(waitFor(t, ctx, carol, ws.TypeHistory), &h); err != nil {
		t.Fatalf("unmarshal history: %v", err)
	}
	if len(h.Messages) != 1 {
		t.Fatalf("history has %d messages, want 1", len(h.Messages))
	}
	if h.Messages[0].Sender != "alice" || h.Messages[0].Body != "see you later" {
		t.Errorf("history message = %+v", h.Messages[0])
	}
}

func TestHistoryEmptyConversation(t *testing.T) {
	ts, _, _ := newTestRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	alice := dialRelay(t, ctx, ts)
	authAs(t, ctx, alice, "alice")
	writeFrame(t, ctx, alice, ws.LoadHistory{Type: ws.TypeLoadHistory, Peer: "nobody"})

	data := waitFor(t, ctx, alice, ws.TypeHistory)
	var h ws.History
	if err := json.Unmarshal(data, &h); err != nil {
		t.Fatalf("unmarshal history: %v", err)
	}
	if len(h.Messages) != 0 {
		t.Errorf("history has %d messages, want 0", len(h.Messages))
	}
	if !strings.Contains(string(data), `"messages":[]`) {
		t.Errorf("empty history should serialize as [], got %s", data)
	}
}

func userList(t *testing.T, data []byte) []string {
	t.Helper()
	var msg ws.UserList
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal user list: %v", err)
	}
	return msg.Users
}

// waitForUsers reads user-list frames until one matches want exactly.
func waitForUsers(t *testing.T, ctx context.Context, conn *websocket.Conn, want []string) {
	t.Helper()
	for {
		users := userList(t, waitFor(t, ctx, conn, ws.TypeUserList))
		if len(users) != len(want) {
			continue
		}
		match := true
		for i := range want {
			if users[i] != want[i] {
				match = false
				break
			}
		}
		if match {
			return
		}
	}
}

func TestPresenceBroadcast(t *testing.T) {
	ts, _, _ := newTestRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	alice := dialRelay(t, ctx, ts)
	authAs(t, ctx, alice, "alice")
	waitForUsers(t, ctx, alice, []string{"alice"})

	bob := dialRelay(t, ctx, ts)
	authAs(t, ctx, bob, "bob")
	waitForUsers(t, ctx, alice, []string{"alice", "bob"})
	waitForUsers(t, ctx, bob, []string{"alice", "bob"})

	bob.Close(websocket.StatusNormalClosure, "done")
	waitForUsers(t, ctx, alice, []string{"alice"})
}

func TestNewerLoginDisplacesOlder(t *testing.T) {
	ts, srv, _ := newTestRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	first := dialRelay(t, ctx, ts)
	authAs(t, ctx, first, "alice")

	second := dialRelay(t, ctx, ts)
	authAs(t, ctx, second, "alice")

	// The displaced connection gets closed by the relay.
	readCtx, readCancel := context.WithTimeout(ctx, 5*time.Second)
	defer readCancel()
	for {
		_, _, err := first.Read(readCtx)
		if err == nil {
			continue // drain leftover presence frames
		}
		if got := websocket.CloseStatus(err); got != websocket.StatusPolicyViolation {
			t.Fatalf("close status = %v, want policy violation", got)
		}
		break
	}

	// The stale connection's teardown must not knock alice offline.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if srv.registry.Lookup("alice") == nil {
			t.Fatal("stale disconnect removed the newer session")
		}
		time.Sleep(20 * time.Millisecond)
	}

	// And the newer connection still works.
	writeFrame(t, ctx, second, ws.LoadHistory{Type: ws.TypeLoadHistory, Peer: "bob"})
	waitFor(t, ctx, second, ws.TypeHistory)
}

func TestInvalidTokenClosesConnection(t *testing.T) {
	ts, _, _ := newTestRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn := dialRelay(t, ctx, ts)
	writeFrame(t, ctx, conn, ws.Authenticate{Type: ws.TypeAuthenticate, Token: "not-a-token"})

	_, _, err := conn.Read(ctx)
	if err == nil {
		t.Fatal("expected connection close, got frame")
	}
	if got := websocket.CloseStatus(err); got != websocket.StatusPolicyViolation {
		t.Errorf("close status = %v, want policy violation", got)
	}
}

func TestUnauthenticatedFramesDropped(t *testing.T) {
	ts, _, st := newTestRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn := dialRelay(t, ctx, ts)
	writeFrame(t, ctx, conn, ws.PrivateMessageSend{
		Type: ws.TypePrivateMessage, Recipient: "bob", Body: "sneaky",
	})
	writeFrame(t, ctx, conn, ws.LoadHistory{Type: ws.TypeLoadHistory, Peer: "bob"})

	// The frames are dropped without closing the connection: the single
	// authentication attempt is still available.
	authAs(t, ctx, conn, "alice")

	msgs, err := st.Conversation("alice", "bob")
	if err != nil {
		t.Fatalf("conversation: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("store holds %d messages from unauthenticated sender, want 0", len(msgs))
	}
}

func TestDuplicateAuthenticateIgnored(t *testing.T) {
	ts, _, _ := newTestRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn := dialRelay(t, ctx, ts)
	authAs(t, ctx, conn, "alice")

	// A second authenticate, even with garbage, must not tear down the
	// established session.
	writeFrame(t, ctx, conn, ws.Authenticate{Type: ws.TypeAuthenticate, Token: "garbage"})
	writeFrame(t, ctx, conn, ws.LoadHistory{Type: ws.TypeLoadHistory, Peer: "bob"})
	waitFor(t, ctx, conn, ws.TypeHistory)
}

func TestEmptyRecipientRejected(t *testing.T) {
	ts, _, _ := newTestRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn := dialRelay(t, ctx, ts)
	authAs(t, ctx, conn, "alice")

	writeFrame(t, ctx, conn, ws.PrivateMessageSend{Type: ws.TypePrivateMessage, Recipient: "", Body: "hi"})
	var e ws.ErrorMsg
	if err := json.Unmarshal(waitFor(t, ctx, conn, ws.TypeError), &e); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if e.Message == "" {
		t.Error("error frame has empty message")
	}
}

func TestOversizedBodyRejected(t *testing.T) {
	ts, _, st := newTestRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn := dialRelay(t, ctx, ts)
	authAs(t, ctx, conn, "alice")

	body := strings.Repeat("x", config.Default().Limits.MaxBodyBytes+1)
	writeFrame(t, ctx, conn, ws.PrivateMessageSend{Type: ws.TypePrivateMessage, Recipient: "bob", Body: body})
	waitFor(t, ctx, conn, ws.TypeError)

	msgs, err := st.Conversation("alice", "bob")
	if err != nil {
		t.Fatalf("conversation: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("oversized message was persisted")
	}
}

func TestMessageRateLimited(t *testing.T) {
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	cfg := config.Default()
	cfg.Limits.MessagesPerSec = 0.001
	cfg.Limits.MessageBurst = 2 // one for the authenticate frame, one message
	srv := NewServer(st, testSecret, cfg)
	defer srv.Close()
	ts := httptest.NewServer(srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn := dialRelay(t, ctx, ts)
	authAs(t, ctx, conn, "alice")

	writeFrame(t, ctx, conn, ws.PrivateMessageSend{Type: ws.TypePrivateMessage, Recipient: "bob", Body: "one"})
	waitFor(t, ctx, conn, ws.TypePrivateMessage)

	writeFrame(t, ctx, conn, ws.PrivateMessageSend{Type: ws.TypePrivateMessage, Recipient: "bob", Body: "two"})
	var e ws.ErrorMsg
	if err := json.Unmarshal(waitFor(t, ctx, conn, ws.TypeError), &e); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if !strings.Contains(e.Message, "rate limit") {
		t.Errorf("error = %q, want rate limit message", e.Message)
	}
}

// failingStore simulates a broken database under the live relay.
type failingStore struct {
	Store
}

func (failingStore) InsertMessage(sender, recipient, body string) (*store.Message, error) {
	return nil, errors.New("disk full")
}

func TestStorageFailureNotifiesSenderOnly(t *testing.T) {
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	srv := NewServer(failingStore{Store: st}, testSecret, config.Default())
	defer srv.Close()
	ts := httptest.NewServer(srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	alice := dialRelay(t, ctx, ts)
	bob := dialRelay(t, ctx, ts)
	authAs(t, ctx, alice, "alice")
	authAs(t, ctx, bob, "bob")
	waitForUsers(t, ctx, bob, []string{"alice", "bob"})

	writeFrame(t, ctx, alice, ws.PrivateMessageSend{
		Type: ws.TypePrivateMessage, Recipient: "bob", Body: "lost",
	})

	var e ws.ErrorMsg
	if err := json.Unmarshal(waitFor(t, ctx, alice, ws.TypeError), &e); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if !strings.Contains(e.Message, "not delivered") {
		t.Errorf("error = %q, want delivery failure message", e.Message)
	}

	// All-or-nothing: the recipient sees nothing, and the sender gets no echo.
	expectNoMessage(t, bob, 300*time.Millisecond)
	expectNoMessage(t, alice, 300*time.Millisecond)
}
