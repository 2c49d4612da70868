package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/agencydesk/chatcore/internal/domain"
	"github.com/agencydesk/chatcore/internal/ingest"
	"github.com/agencydesk/chatcore/internal/presence"
	"github.com/agencydesk/chatcore/internal/rooms"
	"github.com/agencydesk/chatcore/internal/status"
	"github.com/agencydesk/chatcore/internal/store"
)

type hubGateway struct {
	store.Store
	conv *domain.Conversation
}

func (g *hubGateway) FindConversationByID(ctx context.Context, id string) (*domain.Conversation, error) {
	if g.conv == nil || g.conv.ID != id {
		return nil, domain.ErrNotFound
	}
	return g.conv, nil
}

func (g *hubGateway) SaveMessage(ctx context.Context, m *domain.Message) error { return nil }

func (g *hubGateway) TouchConversation(ctx context.Context, conversationID, messageID, senderID string, at time.Time) error {
	return nil
}

type nullAppender struct{}

func (nullAppender) Append(ctx context.Context, s string, rec domain.StreamRecord) (string, error) {
	return "1-0", nil
}

func newTestHub(t *testing.T) (*Hub, *Authenticator) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	gw := &hubGateway{conv: &domain.Conversation{
		ID:      "c1",
		Type:    domain.ConversationGroup,
		OwnerID: "alice",
		Participants: []domain.Participant{
			{Identity: "alice", Role: domain.RoleOwner},
			{Identity: "bob", Role: domain.RoleMember},
		},
	}}
	app := nullAppender{}
	pres := presence.NewRegistry(rdb, app, "p1", time.Minute, zerolog.Nop())
	roomReg := rooms.NewRegistry(gw, app, pres, zerolog.Nop())
	pipeline := ingest.NewPipeline(app, gw, roomReg, zerolog.Nop())
	tracker := status.NewTracker(gw, app, zerolog.Nop())
	auth := NewAuthenticator("hub-secret")

	h := NewHub(Config{
		MaxConnections: 8,
		PingPeriod:     time.Minute,
		PongWait:       time.Minute,
		IngestTimeout:  time.Second,
		InboundPerSec:  100,
		InboundBurst:   100,
		IPPerSec:       100,
		IPBurst:        100,
	}, auth, pipeline, tracker, pres, roomReg, gw, app, zerolog.Nop())
	return h, auth
}

// decodeServerFrame reads one text frame off the client end of the pipe.
func decodeServerFrame(t *testing.T, conn net.Conn) frame {
	t.Helper()
	msg, op, err := wsutil.ReadServerData(conn)
	if err != nil {
		t.Fatalf("read server frame: %v", err)
	}
	if op != ws.OpText {
		t.Fatalf("op = %v, want text", op)
	}
	var f frame
	if err := json.Unmarshal(msg, &f); err != nil {
		t.Fatalf("bad frame: %v", err)
	}
	return f
}

func TestHandshakeWithAuthenticateFrame(t *testing.T) {
	h, auth := newTestHub(t)
	tok, err := auth.IssueToken("bob", time.Minute)
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	client, server := net.Pipe()
	defer client.Close()
	_ = client.SetDeadline(time.Now().Add(3 * time.Second))

	type result struct {
		identity string
		err      error
	}
	resCh := make(chan result, 1)
	go func() {
		r := httptest.NewRequest("GET", "/ws", nil)
		id, err := h.authenticateSocket(r, server, "sess-1")
		resCh <- result{id, err}
	}()

	out, _ := encodeFrame("authenticate", authenticatePayload{Token: tok, Identity: "bob"})
	if err := wsutil.WriteClientMessage(client, ws.OpText, out); err != nil {
		t.Fatalf("write authenticate: %v", err)
	}

	f := decodeServerFrame(t, client)
	if f.Event != "authenticated" {
		t.Fatalf("event = %q, want authenticated", f.Event)
	}
	var p authenticatedPayload
	if err := json.Unmarshal(f.Data, &p); err != nil {
		t.Fatalf("bad authenticated payload: %v", err)
	}
	if p.Identity != "bob" || p.SessionID != "sess-1" {
		t.Fatalf("payload = %+v", p)
	}

	res := <-resCh
	if res.err != nil || res.identity != "bob" {
		t.Fatalf("handshake = (%q, %v), want (bob, nil)", res.identity, res.err)
	}
}

func TestHandshakeTokenOnUpgradeRequest(t *testing.T) {
	h, auth := newTestHub(t)
	tok, _ := auth.IssueToken("alice", time.Minute)

	client, server := net.Pipe()
	defer client.Close()
	_ = client.SetDeadline(time.Now().Add(3 * time.Second))

	resCh := make(chan string, 1)
	go func() {
		r := httptest.NewRequest("GET", "/ws?token="+tok, nil)
		id, err := h.authenticateSocket(r, server, "sess-2")
		if err != nil {
			resCh <- "error: " + err.Error()
			return
		}
		resCh <- id
	}()

	f := decodeServerFrame(t, client)
	if f.Event != "authenticated" {
		t.Fatalf("event = %q, want authenticated", f.Event)
	}
	if got := <-resCh; got != "alice" {
		t.Fatalf("identity = %q, want alice", got)
	}
}

func TestHandshakeRejectsBadToken(t *testing.T) {
	h, _ := newTestHub(t)

	client, server := net.Pipe()
	defer client.Close()
	_ = client.SetDeadline(time.Now().Add(3 * time.Second))

	resCh := make(chan error, 1)
	go func() {
		r := httptest.NewRequest("GET", "/ws", nil)
		_, err := h.authenticateSocket(r, server, "sess-3")
		resCh <- err
	}()

	out, _ := encodeFrame("authenticate", authenticatePayload{Token: "garbage"})
	if err := wsutil.WriteClientMessage(client, ws.OpText, out); err != nil {
		t.Fatalf("write authenticate: %v", err)
	}

	f := decodeServerFrame(t, client)
	if f.Event != "auth_error" {
		t.Fatalf("event = %q, want auth_error", f.Event)
	}
	var p authErrorPayload
	if err := json.Unmarshal(f.Data, &p); err != nil {
		t.Fatalf("bad auth_error payload: %v", err)
	}
	if p.Code != "INVALID_TOKEN" || p.Message == "" {
		t.Fatalf("payload = %+v", p)
	}
	// The server closes the socket after the auth_error frame.
	if _, _, err := wsutil.ReadServerData(client); err == nil {
		t.Fatal("socket must close after a failed handshake")
	}

	if err := <-resCh; !errors.Is(err, domain.ErrAuth) {
		t.Fatalf("handshake error = %v, want ErrAuth", err)
	}
}

func TestHandshakeRequiresAuthenticateFirst(t *testing.T) {
	h, _ := newTestHub(t)

	client, server := net.Pipe()
	defer client.Close()
	_ = client.SetDeadline(time.Now().Add(3 * time.Second))

	resCh := make(chan error, 1)
	go func() {
		r := httptest.NewRequest("GET", "/ws", nil)
		_, err := h.authenticateSocket(r, server, "sess-4")
		resCh <- err
	}()

	out, _ := encodeFrame("sendMessage", sendMessagePayload{ConversationID: "c1", Content: "hi"})
	if err := wsutil.WriteClientMessage(client, ws.OpText, out); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	f := decodeServerFrame(t, client)
	if f.Event != "auth_error" {
		t.Fatalf("event = %q, want auth_error", f.Event)
	}
	_, _, _ = wsutil.ReadServerData(client) // close frame

	if err := <-resCh; !errors.Is(err, domain.ErrAuth) {
		t.Fatalf("handshake error = %v, want ErrAuth", err)
	}
}

// dequeueFrame pops the next queued outbound frame of a connection.
func dequeueFrame(t *testing.T, c *Connection) frame {
	t.Helper()
	select {
	case raw := <-c.send:
		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			t.Fatalf("bad frame: %v", err)
		}
		return f
	case <-time.After(time.Second):
		t.Fatal("no frame queued")
		return frame{}
	}
}

func TestSendMessageAnswersMessageSent(t *testing.T) {
	h, _ := newTestHub(t)
	c := newConnection("e1", "alice", "127.0.0.1", nil, 100, 100)

	payload, _ := json.Marshal(sendMessagePayload{ConversationID: "c1", Content: "hi", ClientRef: "ref-1"})
	raw, _ := json.Marshal(frame{Event: "sendMessage", Data: payload})
	h.handleFrame(c, raw)

	f := dequeueFrame(t, c)
	if f.Event != "message_sent" {
		t.Fatalf("event = %q, want message_sent", f.Event)
	}
	var p messageSentPayload
	if err := json.Unmarshal(f.Data, &p); err != nil {
		t.Fatalf("bad message_sent payload: %v", err)
	}
	if !p.Persisted || p.ClientRef != "ref-1" || p.MessageID == "" {
		t.Fatalf("payload = %+v", p)
	}
}

func TestRejectedFrameAnswersMessageError(t *testing.T) {
	h, _ := newTestHub(t)
	c := newConnection("e1", "mallory", "127.0.0.1", nil, 100, 100)

	payload, _ := json.Marshal(sendMessagePayload{ConversationID: "c1", Content: "hi"})
	raw, _ := json.Marshal(frame{Event: "sendMessage", Data: payload})
	h.handleFrame(c, raw)

	f := dequeueFrame(t, c)
	if f.Event != "message_error" {
		t.Fatalf("event = %q, want message_error", f.Event)
	}
	var p errorPayload
	if err := json.Unmarshal(f.Data, &p); err != nil {
		t.Fatalf("bad message_error payload: %v", err)
	}
	if p.Code != "FORBIDDEN" {
		t.Fatalf("code = %q, want FORBIDDEN", p.Code)
	}
}

func attach(h *Hub, c *Connection) {
	h.connMu.Lock()
	h.conns[c.endpointID] = c
	h.ident[c.identity] = map[string]*Connection{c.endpointID: c}
	h.connMu.Unlock()
}

func TestDeliverStatusFrames(t *testing.T) {
	h, _ := newTestHub(t)
	c := newConnection("e1", "bob", "127.0.0.1", nil, 100, 100)
	attach(h, c)
	ctx := context.Background()

	h.DeliverStatus(ctx, &domain.StatusEvent{
		EventType:      domain.EventNewStatus,
		MessageID:      "m1",
		ConversationID: "c1",
		ReceiverID:     "bob",
		Status:         domain.StatusDelivered,
		Timestamp:      time.Now(),
	})
	f := dequeueFrame(t, c)
	if f.Event != "messageStatusChanged" {
		t.Fatalf("event = %q, want messageStatusChanged", f.Event)
	}
	var sp statusChangedPayload
	if err := json.Unmarshal(f.Data, &sp); err != nil {
		t.Fatalf("bad payload: %v", err)
	}
	if sp.MessageID != "m1" || sp.Status != domain.StatusDelivered || sp.Timestamp.IsZero() {
		t.Fatalf("payload = %+v", sp)
	}

	h.DeliverStatus(ctx, &domain.StatusEvent{
		EventType:      domain.EventConversationRead,
		ConversationID: "c1",
		ReceiverID:     "bob",
		UpToMessageID:  "m2",
		Timestamp:      time.Now(),
	})
	f = dequeueFrame(t, c)
	if f.Event != "conversationMarkedRead" {
		t.Fatalf("event = %q, want conversationMarkedRead", f.Event)
	}
	var rp conversationReadPayload
	if err := json.Unmarshal(f.Data, &rp); err != nil {
		t.Fatalf("bad payload: %v", err)
	}
	if rp.ConversationID != "c1" || rp.ReadBy != "bob" || rp.UpToMessageID != "m2" {
		t.Fatalf("payload = %+v", rp)
	}
}

func TestDeliverUserFrames(t *testing.T) {
	h, _ := newTestHub(t)
	c := newConnection("e1", "bob", "127.0.0.1", nil, 100, 100)
	attach(h, c)
	ctx := context.Background()

	h.DeliverUser(ctx, &domain.UserEvent{EventType: domain.EventUserConnected, Identity: "alice"})
	f := dequeueFrame(t, c)
	if f.Event != "user_connected" {
		t.Fatalf("event = %q, want user_connected", f.Event)
	}

	h.DeliverUser(ctx, &domain.UserEvent{
		EventType: domain.EventUserOffline,
		Identity:  "alice",
		Reason:    "heartbeat_expired",
	})
	f = dequeueFrame(t, c)
	if f.Event != "user_disconnected" {
		t.Fatalf("event = %q, want user_disconnected", f.Event)
	}
	var pp presencePayload
	if err := json.Unmarshal(f.Data, &pp); err != nil {
		t.Fatalf("bad payload: %v", err)
	}
	if pp.Identity != "alice" || pp.Reason != "heartbeat_expired" {
		t.Fatalf("payload = %+v", pp)
	}
}

func TestJoinConversationAnswersConversationJoined(t *testing.T) {
	h, _ := newTestHub(t)
	c := newConnection("e1", "alice", "127.0.0.1", nil, 100, 100)

	payload, _ := json.Marshal(membershipPayload{ConversationID: "c1", Identity: "bob"})
	raw, _ := json.Marshal(frame{Event: "joinConversation", Data: payload})
	h.handleFrame(c, raw)

	f := dequeueFrame(t, c)
	if f.Event != "conversationJoined" {
		t.Fatalf("event = %q, want conversationJoined", f.Event)
	}
	var p conversationJoinedPayload
	if err := json.Unmarshal(f.Data, &p); err != nil {
		t.Fatalf("bad payload: %v", err)
	}
	if p.ConversationID != "c1" || len(p.Participants) == 0 {
		t.Fatalf("payload = %+v", p)
	}
}
