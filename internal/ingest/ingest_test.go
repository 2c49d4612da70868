package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/agencydesk/chatcore/internal/domain"
	"github.com/agencydesk/chatcore/internal/rooms"
	"github.com/agencydesk/chatcore/internal/status"
	"github.com/agencydesk/chatcore/internal/store"
	"github.com/agencydesk/chatcore/internal/stream"
)

type fakeGateway struct {
	store.Store
	conv     *domain.Conversation
	saveErr  error
	touchErr error
	saved    []*domain.Message
	touched  int
}

func (f *fakeGateway) FindConversationByID(ctx context.Context, id string) (*domain.Conversation, error) {
	if f.conv == nil || f.conv.ID != id {
		return nil, domain.ErrNotFound
	}
	return f.conv, nil
}

func (f *fakeGateway) SaveMessage(ctx context.Context, m *domain.Message) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saved = append(f.saved, m)
	return nil
}

func (f *fakeGateway) TouchConversation(ctx context.Context, conversationID, messageID, senderID string, at time.Time) error {
	if f.touchErr != nil {
		return f.touchErr
	}
	f.touched++
	return nil
}

type recordingAppender struct {
	appends map[string][]domain.StreamRecord
	failOn  string
	next    int
}

func (r *recordingAppender) Append(ctx context.Context, s string, rec domain.StreamRecord) (string, error) {
	if s == r.failOn {
		return "", fmt.Errorf("%w: stream %s append failed", domain.ErrStoreUnavailable, s)
	}
	if r.appends == nil {
		r.appends = make(map[string][]domain.StreamRecord)
	}
	r.appends[s] = append(r.appends[s], rec)
	r.next++
	return fmt.Sprintf("%d-0", r.next), nil
}

type alwaysOffline struct{}

func (alwaysOffline) IsOnline(ctx context.Context, identity string) (bool, error) {
	return false, nil
}

func newTestPipeline(gw *fakeGateway) (*Pipeline, *recordingAppender) {
	streams := &recordingAppender{}
	roomReg := rooms.NewRegistry(gw, streams, alwaysOffline{}, zerolog.Nop())
	return NewPipeline(streams, gw, roomReg, zerolog.Nop()), streams
}

func textRequest() Request {
	return Request{
		ConversationID: "c1",
		SenderID:       "alice",
		Content:        "hello",
		Type:           domain.MessageText,
	}
}

func testConv() *domain.Conversation {
	return &domain.Conversation{
		ID:      "c1",
		Type:    domain.ConversationGroup,
		OwnerID: "alice",
		Participants: []domain.Participant{
			{Identity: "alice", Role: domain.RoleOwner},
			{Identity: "bob", Role: domain.RoleMember},
		},
	}
}

func TestReceiveMessageSentPath(t *testing.T) {
	gw := &fakeGateway{conv: testConv()}
	p, streams := newTestPipeline(gw)

	res, err := p.ReceiveMessage(context.Background(), textRequest())
	if err != nil {
		t.Fatalf("ReceiveMessage failed: %v", err)
	}
	if res.Outcome != Sent {
		t.Fatalf("outcome = %d, want Sent", res.Outcome)
	}
	if res.Message.ID == "" || res.CorrelationID == "" {
		t.Fatal("message id and correlation id must be assigned")
	}
	if len(gw.saved) != 1 {
		t.Fatalf("saved %d messages, want 1", len(gw.saved))
	}
	if gw.touched != 1 {
		t.Fatalf("touched %d conversations, want 1", gw.touched)
	}

	for _, s := range []string{stream.WALPre, stream.WALPost, stream.EventsMessages} {
		if len(streams.appends[s]) != 1 {
			t.Errorf("stream %s has %d records, want 1", s, len(streams.appends[s]))
		}
	}
	if len(streams.appends[stream.Fallback]) != 0 {
		t.Error("sent path must not touch the fallback stream")
	}

	// Pre and post entries carry the same correlation id.
	pre := streams.appends[stream.WALPre][0]
	post := streams.appends[stream.WALPost][0]
	if pre.CorrelationID != res.CorrelationID || post.CorrelationID != res.CorrelationID {
		t.Fatalf("correlation ids diverge: pre=%s post=%s want=%s",
			pre.CorrelationID, post.CorrelationID, res.CorrelationID)
	}

	var ev domain.MessageEvent
	if err := json.Unmarshal(streams.appends[stream.EventsMessages][0].Payload, &ev); err != nil {
		t.Fatalf("bad event payload: %v", err)
	}
	if ev.EventType != domain.EventNewMessage || ev.Message.ID != res.Message.ID {
		t.Fatalf("event = %+v, want NEW_MESSAGE for %s", ev, res.Message.ID)
	}
}

func TestReceiveMessageQueuedOnTransientStore(t *testing.T) {
	gw := &fakeGateway{
		conv:    testConv(),
		saveErr: fmt.Errorf("%w: connection reset", domain.ErrTransientStore),
	}
	p, streams := newTestPipeline(gw)

	res, err := p.ReceiveMessage(context.Background(), textRequest())
	if err != nil {
		t.Fatalf("ReceiveMessage failed: %v", err)
	}
	if res.Outcome != Queued {
		t.Fatalf("outcome = %d, want Queued", res.Outcome)
	}

	if len(streams.appends[stream.Fallback]) != 1 {
		t.Fatalf("fallback has %d records, want 1", len(streams.appends[stream.Fallback]))
	}
	if len(streams.appends[stream.WALPost]) != 0 {
		t.Error("queued path must leave the WAL pair open")
	}
	if len(streams.appends[stream.EventsMessages]) != 0 {
		t.Error("queued path must not publish NEW_MESSAGE before persistence")
	}

	var entry domain.WALEntry
	if err := json.Unmarshal(streams.appends[stream.Fallback][0].Payload, &entry); err != nil {
		t.Fatalf("bad fallback payload: %v", err)
	}
	if entry.MessageID != res.Message.ID {
		t.Fatalf("fallback carries %s, want %s", entry.MessageID, res.Message.ID)
	}
}

func TestReceiveMessageQueuedOnOpenCircuit(t *testing.T) {
	gw := &fakeGateway{conv: testConv(), saveErr: domain.ErrCircuitOpen}
	p, streams := newTestPipeline(gw)

	res, err := p.ReceiveMessage(context.Background(), textRequest())
	if err != nil {
		t.Fatalf("ReceiveMessage failed: %v", err)
	}
	if res.Outcome != Queued {
		t.Fatalf("outcome = %d, want Queued", res.Outcome)
	}
	if len(streams.appends[stream.Fallback]) != 1 {
		t.Fatalf("fallback has %d records, want 1", len(streams.appends[stream.Fallback]))
	}
}

func TestReceiveMessageValidation(t *testing.T) {
	gw := &fakeGateway{conv: testConv()}
	p, _ := newTestPipeline(gw)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*Request)
	}{
		{"missing conversation", func(r *Request) { r.ConversationID = "" }},
		{"missing sender", func(r *Request) { r.SenderID = "" }},
		{"empty text", func(r *Request) { r.Content = "   " }},
		{"file without attachment", func(r *Request) { r.Type = domain.MessageFile; r.AttachmentID = "" }},
		{"unknown type", func(r *Request) { r.Type = "CARRIER_PIGEON" }},
		{"unknown conversation", func(r *Request) { r.ConversationID = "ghost" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := textRequest()
			tc.mutate(&req)
			_, err := p.ReceiveMessage(ctx, req)
			if !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("got %v, want ErrValidation", err)
			}
		})
	}

	if len(gw.saved) != 0 {
		t.Fatal("rejected requests must never reach the store")
	}
}

func TestReceiveMessageNonParticipantRejected(t *testing.T) {
	gw := &fakeGateway{conv: testConv()}
	p, streams := newTestPipeline(gw)

	req := textRequest()
	req.SenderID = "mallory"
	_, err := p.ReceiveMessage(context.Background(), req)
	if !errors.Is(err, domain.ErrAuthorization) {
		t.Fatalf("got %v, want ErrAuthorization", err)
	}
	if len(streams.appends[stream.WALPre]) != 0 {
		t.Fatal("rejected requests must not open a WAL entry")
	}
}

func TestReceiveMessageWALDownFailsOutright(t *testing.T) {
	gw := &fakeGateway{conv: testConv()}
	streams := &recordingAppender{failOn: stream.WALPre}
	roomReg := rooms.NewRegistry(gw, streams, alwaysOffline{}, zerolog.Nop())
	p := NewPipeline(streams, gw, roomReg, zerolog.Nop())

	_, err := p.ReceiveMessage(context.Background(), textRequest())
	if !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Fatalf("got %v, want ErrStoreUnavailable", err)
	}
	if len(gw.saved) != 0 {
		t.Fatal("save must not run without an open WAL entry")
	}
}

func TestReceiveMessageTouchFailureEscalatesToRetry(t *testing.T) {
	gw := &fakeGateway{
		conv:     testConv(),
		touchErr: fmt.Errorf("%w: write concern", domain.ErrTransientStore),
	}
	p, streams := newTestPipeline(gw)

	res, err := p.ReceiveMessage(context.Background(), textRequest())
	if err != nil {
		t.Fatalf("ReceiveMessage failed: %v", err)
	}
	if res.Outcome != Sent {
		t.Fatal("touch failure must not fail the send")
	}
	if len(streams.appends[stream.Retry]) != 1 {
		t.Fatalf("retry has %d records, want 1", len(streams.appends[stream.Retry]))
	}

	var action retryTouch
	if err := json.Unmarshal(streams.appends[stream.Retry][0].Payload, &action); err != nil {
		t.Fatalf("bad retry payload: %v", err)
	}
	if action.Action != "touchConversation" || action.MessageID != res.Message.ID {
		t.Fatalf("retry action = %+v", action)
	}
}

// countingGateway keeps per-participant unread counters the way the
// document store does: a touch bumps everyone but the sender, a reset
// zeroes one participant.
type countingGateway struct {
	store.Store
	conv   *domain.Conversation
	unread map[string]int
}

func (g *countingGateway) FindConversationByID(ctx context.Context, id string) (*domain.Conversation, error) {
	if g.conv == nil || g.conv.ID != id {
		return nil, domain.ErrNotFound
	}
	return g.conv, nil
}

func (g *countingGateway) SaveMessage(ctx context.Context, m *domain.Message) error { return nil }

func (g *countingGateway) TouchConversation(ctx context.Context, conversationID, messageID, senderID string, at time.Time) error {
	for _, p := range g.conv.Participants {
		if p.Identity != senderID {
			g.unread[p.Identity]++
		}
	}
	return nil
}

func (g *countingGateway) MarkReadUpTo(ctx context.Context, conversationID, receiverID, upToMessageID string) ([]string, error) {
	return []string{"m1"}, nil
}

func (g *countingGateway) ResetUnread(ctx context.Context, conversationID, identity string, at time.Time) error {
	g.unread[identity] = 0
	return nil
}

func TestUnreadCountersBumpAndReset(t *testing.T) {
	gw := &countingGateway{conv: testConv(), unread: make(map[string]int)}
	streams := &recordingAppender{}
	roomReg := rooms.NewRegistry(gw, streams, alwaysOffline{}, zerolog.Nop())
	p := NewPipeline(streams, gw, roomReg, zerolog.Nop())
	tr := status.NewTracker(gw, streams, zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := p.ReceiveMessage(ctx, textRequest()); err != nil {
			t.Fatalf("ReceiveMessage failed: %v", err)
		}
	}
	if gw.unread["bob"] != 3 {
		t.Fatalf("bob unread = %d after 3 messages, want 3", gw.unread["bob"])
	}
	if gw.unread["alice"] != 0 {
		t.Fatalf("alice unread = %d, want 0 (sender never counts)", gw.unread["alice"])
	}

	if _, err := tr.MarkConversationRead(ctx, "c1", "bob", ""); err != nil {
		t.Fatalf("MarkConversationRead failed: %v", err)
	}
	if gw.unread["bob"] != 0 {
		t.Fatalf("bob unread = %d after reading, want 0", gw.unread["bob"])
	}
	if gw.unread["alice"] != 0 {
		t.Fatalf("alice unread = %d, want untouched 0", gw.unread["alice"])
	}
}

func TestULIDsAreTimeOrdered(t *testing.T) {
	gw := &fakeGateway{conv: testConv()}
	p, _ := newTestPipeline(gw)

	prev := ""
	for i := 0; i < 100; i++ {
		id := p.newULID(time.Now())
		if id <= prev {
			t.Fatalf("id %q not greater than previous %q", id, prev)
		}
		prev = id
	}
}
