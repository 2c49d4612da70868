package status

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/agencydesk/chatcore/internal/domain"
	"github.com/agencydesk/chatcore/internal/store"
	"github.com/agencydesk/chatcore/internal/stream"
)

type fakeGateway struct {
	store.Store
	msg        *domain.Message
	changed    []string
	resetErr   error
	updates    []domain.MessageStatus
	resets     int
	markReadTo string
}

func (f *fakeGateway) FindMessageByID(ctx context.Context, id string) (*domain.Message, error) {
	if f.msg == nil || f.msg.ID != id {
		return nil, domain.ErrNotFound
	}
	return f.msg, nil
}

func (f *fakeGateway) UpdateMessageStatus(ctx context.Context, messageID, receiverID string, next domain.MessageStatus) error {
	f.updates = append(f.updates, next)
	return nil
}

func (f *fakeGateway) MarkReadUpTo(ctx context.Context, conversationID, receiverID, upToMessageID string) ([]string, error) {
	f.markReadTo = upToMessageID
	return f.changed, nil
}

func (f *fakeGateway) ResetUnread(ctx context.Context, conversationID, receiverID string, at time.Time) error {
	f.resets++
	return f.resetErr
}

type recordingAppender struct {
	records []domain.StreamRecord
	streams []string
}

func (r *recordingAppender) Append(ctx context.Context, s string, rec domain.StreamRecord) (string, error) {
	r.streams = append(r.streams, s)
	r.records = append(r.records, rec)
	return "1-0", nil
}

func newTestTracker(gw *fakeGateway) (*Tracker, *recordingAppender) {
	streams := &recordingAppender{}
	return NewTracker(gw, streams, zerolog.Nop()), streams
}

func sentMessage() *domain.Message {
	return &domain.Message{
		ID:             "m1",
		ConversationID: "c1",
		SenderID:       "alice",
		Status:         domain.StatusSent,
	}
}

func TestMarkDeliveredPublishes(t *testing.T) {
	gw := &fakeGateway{msg: sentMessage()}
	tr, streams := newTestTracker(gw)

	if err := tr.MarkDelivered(context.Background(), "m1", "bob"); err != nil {
		t.Fatalf("MarkDelivered failed: %v", err)
	}
	if len(gw.updates) != 1 || gw.updates[0] != domain.StatusDelivered {
		t.Fatalf("updates = %v, want [DELIVERED]", gw.updates)
	}
	if len(streams.streams) != 1 || streams.streams[0] != stream.EventsStatus {
		t.Fatalf("published to %v, want [%s]", streams.streams, stream.EventsStatus)
	}

	var ev domain.StatusEvent
	if err := json.Unmarshal(streams.records[0].Payload, &ev); err != nil {
		t.Fatalf("bad event payload: %v", err)
	}
	if ev.EventType != domain.EventNewStatus || ev.MessageID != "m1" ||
		ev.ReceiverID != "bob" || ev.Status != domain.StatusDelivered {
		t.Fatalf("event = %+v", ev)
	}
}

func TestSenderCannotAckOwnMessage(t *testing.T) {
	gw := &fakeGateway{msg: sentMessage()}
	tr, _ := newTestTracker(gw)

	err := tr.MarkDelivered(context.Background(), "m1", "alice")
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("self-ack = %v, want ErrValidation", err)
	}
	if len(gw.updates) != 0 {
		t.Fatal("rejected ack must not write")
	}
}

func TestStatusRegressionRejected(t *testing.T) {
	msg := sentMessage()
	msg.Statuses = map[string]domain.MessageStatus{"bob": domain.StatusRead}
	gw := &fakeGateway{msg: msg}
	tr, streams := newTestTracker(gw)

	err := tr.MarkDelivered(context.Background(), "m1", "bob")
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("READ->DELIVERED = %v, want ErrValidation", err)
	}
	if len(gw.updates) != 0 || len(streams.records) != 0 {
		t.Fatal("regression must neither write nor publish")
	}
}

func TestMarkReadSkipsDelivered(t *testing.T) {
	// READ directly from SENT is legal; DELIVERED is not a required stop.
	gw := &fakeGateway{msg: sentMessage()}
	tr, _ := newTestTracker(gw)

	if err := tr.MarkRead(context.Background(), "m1", "bob"); err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}
	if len(gw.updates) != 1 || gw.updates[0] != domain.StatusRead {
		t.Fatalf("updates = %v, want [READ]", gw.updates)
	}
}

func TestMarkUnknownMessage(t *testing.T) {
	gw := &fakeGateway{}
	tr, _ := newTestTracker(gw)

	err := tr.MarkDelivered(context.Background(), "missing", "bob")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestMarkConversationRead(t *testing.T) {
	gw := &fakeGateway{changed: []string{"m1", "m2"}}
	tr, streams := newTestTracker(gw)

	changed, err := tr.MarkConversationRead(context.Background(), "c1", "bob", "m2")
	if err != nil {
		t.Fatalf("MarkConversationRead failed: %v", err)
	}
	if len(changed) != 2 {
		t.Fatalf("changed = %v, want 2 ids", changed)
	}
	if gw.markReadTo != "m2" || gw.resets != 1 {
		t.Fatalf("markReadTo=%q resets=%d", gw.markReadTo, gw.resets)
	}

	var ev domain.StatusEvent
	if err := json.Unmarshal(streams.records[0].Payload, &ev); err != nil {
		t.Fatalf("bad event payload: %v", err)
	}
	if ev.EventType != domain.EventConversationRead || ev.UpToMessageID != "m2" {
		t.Fatalf("event = %+v", ev)
	}
}

func TestMarkConversationReadWholeConversation(t *testing.T) {
	// No bound means everything unread in the conversation.
	gw := &fakeGateway{changed: []string{"m1", "m2", "m3"}}
	tr, streams := newTestTracker(gw)

	changed, err := tr.MarkConversationRead(context.Background(), "c1", "bob", "")
	if err != nil {
		t.Fatalf("MarkConversationRead without a bound failed: %v", err)
	}
	if len(changed) != 3 {
		t.Fatalf("changed = %v, want 3 ids", changed)
	}
	if gw.markReadTo != "" {
		t.Fatalf("markReadTo = %q, want unbounded", gw.markReadTo)
	}
	if gw.resets != 1 {
		t.Fatalf("resets = %d, want 1", gw.resets)
	}

	var ev domain.StatusEvent
	if err := json.Unmarshal(streams.records[0].Payload, &ev); err != nil {
		t.Fatalf("bad event payload: %v", err)
	}
	if ev.EventType != domain.EventConversationRead || ev.UpToMessageID != "" {
		t.Fatalf("event = %+v", ev)
	}
}

func TestMarkConversationReadRequiresIdentity(t *testing.T) {
	tr, _ := newTestTracker(&fakeGateway{})

	if _, err := tr.MarkConversationRead(context.Background(), "", "bob", ""); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("missing conversation = %v, want ErrValidation", err)
	}
	if _, err := tr.MarkConversationRead(context.Background(), "c1", "", ""); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("missing receiver = %v, want ErrValidation", err)
	}
}

func TestMarkConversationReadNoChangesNoEvent(t *testing.T) {
	gw := &fakeGateway{changed: nil}
	tr, streams := newTestTracker(gw)

	changed, err := tr.MarkConversationRead(context.Background(), "c1", "bob", "m9")
	if err != nil {
		t.Fatalf("MarkConversationRead failed: %v", err)
	}
	if len(changed) != 0 || len(streams.records) != 0 {
		t.Fatal("no transitions means no event")
	}
}

func TestMarkConversationReadToleratesUnreadResetFailure(t *testing.T) {
	gw := &fakeGateway{
		changed:  []string{"m1"},
		resetErr: errors.New("counter shard down"),
	}
	tr, streams := newTestTracker(gw)

	if _, err := tr.MarkConversationRead(context.Background(), "c1", "bob", "m1"); err != nil {
		t.Fatalf("reset failure must not fail the read: %v", err)
	}
	if len(streams.records) != 1 {
		t.Fatal("event must still publish when the counter reset fails")
	}
}
