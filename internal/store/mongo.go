package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/agencydesk/chatcore/internal/domain"
)

// Mongo is the document-store repository. Collections: messages,
// conversations, files. Saves are upserts keyed on the entity id, which
// makes WAL replays and retry re-executions harmless.
type Mongo struct {
	db            *mongo.Database
	messages      *mongo.Collection
	conversations *mongo.Collection
	files         *mongo.Collection
}

// NewMongo wraps an established database handle.
func NewMongo(db *mongo.Database) *Mongo {
	return &Mongo{
		db:            db,
		messages:      db.Collection("messages"),
		conversations: db.Collection("conversations"),
		files:         db.Collection("files"),
	}
}

// Connect dials Mongo and returns a repository over the named database.
func Connect(ctx context.Context, uri, dbName string) (*Mongo, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	return NewMongo(client.Database(dbName)), nil
}

// Close disconnects the underlying client.
func (s *Mongo) Close(ctx context.Context) error {
	return s.db.Client().Disconnect(ctx)
}

// EnsureIndexes creates the minimum index set. Idempotent.
func (s *Mongo) EnsureIndexes(ctx context.Context) error {
	_, err := s.messages.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "conversationId", Value: 1}, {Key: "createdAt", Value: 1}},
		},
	})
	if err != nil {
		return fmt.Errorf("messages indexes: %w", err)
	}

	_, err = s.conversations.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "participants.identity", Value: 1}},
		},
	})
	if err != nil {
		return fmt.Errorf("conversations indexes: %w", err)
	}

	_, err = s.files.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "uploadedBy", Value: 1}, {Key: "uploadedAt", Value: 1}},
		},
	})
	if err != nil {
		return fmt.Errorf("files indexes: %w", err)
	}
	return nil
}

func (s *Mongo) Ping(ctx context.Context) error {
	return s.db.Client().Ping(ctx, nil)
}

// SaveMessage inserts the message if its id is unseen; an existing row is
// left untouched. This is the idempotence guarantee the WAL recovery and
// retry paths rely on.
func (s *Mongo) SaveMessage(ctx context.Context, m *domain.Message) error {
	_, err := s.messages.UpdateOne(ctx,
		bson.M{"id": m.ID},
		bson.M{"$setOnInsert": m},
		options.Update().SetUpsert(true),
	)
	return err
}

func (s *Mongo) FindMessageByID(ctx context.Context, id string) (*domain.Message, error) {
	var m domain.Message
	err := s.messages.FindOne(ctx, bson.M{"id": id}).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: message %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// UpdateMessageStatus records status for one recipient and lifts the
// aggregate status when the new state outranks it. The caller is expected
// to have validated the transition; the query still guards the aggregate
// against downgrades so concurrent updates stay monotone.
func (s *Mongo) UpdateMessageStatus(ctx context.Context, messageID, receiverID string, status domain.MessageStatus) error {
	res, err := s.messages.UpdateOne(ctx,
		bson.M{"id": messageID},
		bson.M{"$set": bson.M{"statuses." + receiverID: status}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: message %s", domain.ErrNotFound, messageID)
	}

	// Aggregate lift: SENT -> DELIVERED -> READ, never backwards.
	var order []domain.MessageStatus
	switch status {
	case domain.StatusDelivered:
		order = []domain.MessageStatus{domain.StatusSent}
	case domain.StatusRead:
		order = []domain.MessageStatus{domain.StatusSent, domain.StatusDelivered}
	default:
		return nil
	}
	_, err = s.messages.UpdateOne(ctx,
		bson.M{"id": messageID, "status": bson.M{"$in": order}},
		bson.M{"$set": bson.M{"status": status}},
	)
	return err
}

func (s *Mongo) EditMessage(ctx context.Context, messageID, content string, at time.Time) error {
	res, err := s.messages.UpdateOne(ctx,
		bson.M{"id": messageID, "deleted": false},
		bson.M{"$set": bson.M{"content": content, "editedAt": at}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: message %s", domain.ErrNotFound, messageID)
	}
	return nil
}

// SoftDeleteMessage blanks the content and marks the row DELETED. The row
// itself is retained.
func (s *Mongo) SoftDeleteMessage(ctx context.Context, messageID string) error {
	res, err := s.messages.UpdateOne(ctx,
		bson.M{"id": messageID},
		bson.M{"$set": bson.M{
			"content": "",
			"deleted": true,
			"status":  domain.StatusDeleted,
		}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: message %s", domain.ErrNotFound, messageID)
	}
	return nil
}

// MessagesByConversation returns up to limit messages created strictly
// before the cursor, in createdAt order. This is the reconnect backfill
// query.
func (s *Mongo) MessagesByConversation(ctx context.Context, conversationID string, before time.Time, limit int) ([]domain.Message, error) {
	cur, err := s.messages.Find(ctx,
		bson.M{
			"conversationId": conversationID,
			"createdAt":      bson.M{"$lt": before},
		},
		options.Find().
			SetSort(bson.D{{Key: "createdAt", Value: -1}}).
			SetLimit(int64(limit)),
	)
	if err != nil {
		return nil, err
	}
	var msgs []domain.Message
	if err := cur.All(ctx, &msgs); err != nil {
		return nil, err
	}
	// Newest-first from the index, oldest-first for the caller.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// MarkReadUpTo flips every unread message for receiver in the
// conversation (bounded by upToMessageID when set) to READ and returns
// the affected message ids. Already-READ messages are untouched.
func (s *Mongo) MarkReadUpTo(ctx context.Context, conversationID, receiverID, upToMessageID string) ([]string, error) {
	filter := bson.M{
		"conversationId": conversationID,
		"senderId":       bson.M{"$ne": receiverID},
		"deleted":        false,
		"statuses." + receiverID: bson.M{"$ne": domain.StatusRead},
	}
	if upToMessageID != "" {
		// ULIDs sort lexicographically in creation order.
		filter["id"] = bson.M{"$lte": upToMessageID}
	}

	cur, err := s.messages.Find(ctx, filter,
		options.Find().SetProjection(bson.M{"id": 1}))
	if err != nil {
		return nil, err
	}
	var rows []struct {
		ID string `bson:"id"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.ID)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	_, err = s.messages.UpdateMany(ctx,
		bson.M{"id": bson.M{"$in": ids}},
		bson.M{"$set": bson.M{"statuses." + receiverID: domain.StatusRead}},
	)
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *Mongo) FindConversationByID(ctx context.Context, id string) (*domain.Conversation, error) {
	var c domain.Conversation
	err := s.conversations.FindOne(ctx, bson.M{"id": id}).Decode(&c)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: conversation %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Mongo) ConversationsForIdentity(ctx context.Context, identity string) ([]domain.Conversation, error) {
	cur, err := s.conversations.Find(ctx,
		bson.M{"participants.identity": identity},
		options.Find().SetSort(bson.D{{Key: "lastActivity", Value: -1}}),
	)
	if err != nil {
		return nil, err
	}
	var convs []domain.Conversation
	if err := cur.All(ctx, &convs); err != nil {
		return nil, err
	}
	return convs, nil
}

func (s *Mongo) UpsertConversation(ctx context.Context, c *domain.Conversation) error {
	_, err := s.conversations.UpdateOne(ctx,
		bson.M{"id": c.ID},
		bson.M{"$set": c},
		options.Update().SetUpsert(true),
	)
	return err
}

// TouchConversation records the latest message reference and bumps the
// unread counter of every participant except the sender.
func (s *Mongo) TouchConversation(ctx context.Context, conversationID, messageID, senderID string, at time.Time) error {
	res, err := s.conversations.UpdateOne(ctx,
		bson.M{"id": conversationID},
		bson.M{
			"$set": bson.M{
				"lastMessageId": messageID,
				"lastMessageAt": at,
				"lastActivity":  at,
			},
			"$inc": bson.M{"participants.$[other].unreadCount": 1},
		},
		options.Update().SetArrayFilters(options.ArrayFilters{
			Filters: []any{bson.M{"other.identity": bson.M{"$ne": senderID}}},
		}),
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: conversation %s", domain.ErrNotFound, conversationID)
	}
	return nil
}

// ResetUnread zeroes the participant's unread counter and stamps
// lastReadAt.
func (s *Mongo) ResetUnread(ctx context.Context, conversationID, identity string, at time.Time) error {
	res, err := s.conversations.UpdateOne(ctx,
		bson.M{"id": conversationID},
		bson.M{"$set": bson.M{
			"participants.$[p].unreadCount": 0,
			"participants.$[p].lastReadAt":  at,
		}},
		options.Update().SetArrayFilters(options.ArrayFilters{
			Filters: []any{bson.M{"p.identity": identity}},
		}),
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: conversation %s", domain.ErrNotFound, conversationID)
	}
	return nil
}

func (s *Mongo) SaveFile(ctx context.Context, f *domain.File) error {
	_, err := s.files.UpdateOne(ctx,
		bson.M{"id": f.ID},
		bson.M{"$setOnInsert": f},
		options.Update().SetUpsert(true),
	)
	return err
}

func (s *Mongo) FindFileByID(ctx context.Context, id string) (*domain.File, error) {
	var f domain.File
	err := s.files.FindOne(ctx, bson.M{"id": id}).Decode(&f)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: file %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *Mongo) UpdateFileStatus(ctx context.Context, fileID string, status domain.FileStatus) error {
	res, err := s.files.UpdateOne(ctx,
		bson.M{"id": fileID},
		bson.M{"$set": bson.M{"status": status}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: file %s", domain.ErrNotFound, fileID)
	}
	return nil
}

func (s *Mongo) IncrementDownloadCount(ctx context.Context, fileID string) error {
	_, err := s.files.UpdateOne(ctx,
		bson.M{"id": fileID},
		bson.M{"$inc": bson.M{"downloadCount": 1}},
	)
	return err
}
