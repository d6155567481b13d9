package mongodb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"kiram-messaging/internal/chat"
)

const (
	conversationsCollection = "conversations"
	messagesCollection      = "messages"

	// Watch reconnect delay after a change-stream failure.
	watchRetryDelay = 2 * time.Second
)

// Store persists conversations and messages in MongoDB. Conversations are
// keyed by the canonical derived pair key, which makes get-or-create a single
// conditional upsert. Live watches ride on change streams.
type Store struct {
	conversations *mongo.Collection
	messages      *mongo.Collection
	logger        *slog.Logger
	now           func() time.Time
}

// NewStore builds a Store over the given database.
func NewStore(client *Client, logger *slog.Logger) *Store {
	return &Store{
		conversations: client.DB.Collection(conversationsCollection),
		messages:      client.DB.Collection(messagesCollection),
		logger:        logger,
		now:           time.Now,
	}
}

type conversationDocument struct {
	ID             string `bson:"_id"`
	Participant1ID string `bson:"participant1_id"`
	Participant2ID string `bson:"participant2_id"`
	LastMessage    string `bson:"last_message"`
	LastMessageAt  int64  `bson:"last_message_at"`
	UnreadCount1   int    `bson:"unread_count1"`
	UnreadCount2   int    `bson:"unread_count2"`
	CreatedAt      int64  `bson:"created_at"`
}

func (d conversationDocument) toRecord() chat.Conversation {
	return chat.Conversation{
		ID:                   d.ID,
		Participant1ID:       d.Participant1ID,
		Participant2ID:       d.Participant2ID,
		LastMessage:          d.LastMessage,
		LastMessageTimestamp: timestampToTime(d.LastMessageAt),
		UnreadCount1:         d.UnreadCount1,
		UnreadCount2:         d.UnreadCount2,
	}
}

type messageDocument struct {
	ID             string `bson:"_id"`
	ConversationID string `bson:"conversation_id"`
	SenderID       string `bson:"sender_id"`
	ReceiverID     string `bson:"receiver_id"`
	Content        string `bson:"content"`
	AttachmentURL  string `bson:"attachment_url,omitempty"`
	AttachmentType string `bson:"attachment_type"`
	Timestamp      int64  `bson:"timestamp"`
	IsRead         bool   `bson:"is_read"`
	IsEdited       bool   `bson:"is_edited"`
	IsDeleted      bool   `bson:"is_deleted"`
}

func newMessageDocument(msg chat.Message) messageDocument {
	return messageDocument{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		ReceiverID:     msg.ReceiverID,
		Content:        msg.Content,
		AttachmentURL:  msg.AttachmentURL,
		AttachmentType: string(msg.AttachmentType),
		Timestamp:      msg.Timestamp.UnixMilli(),
		IsRead:         msg.IsRead,
		IsEdited:       msg.IsEdited,
		IsDeleted:      msg.IsDeleted,
	}
}

func (d messageDocument) toRecord() chat.Message {
	return chat.Message{
		ID:             d.ID,
		ConversationID: d.ConversationID,
		SenderID:       d.SenderID,
		ReceiverID:     d.ReceiverID,
		Content:        d.Content,
		AttachmentURL:  d.AttachmentURL,
		AttachmentType: chat.AttachmentType(d.AttachmentType),
		Timestamp:      timestampToTime(d.Timestamp),
		IsRead:         d.IsRead,
		IsEdited:       d.IsEdited,
		IsDeleted:      d.IsDeleted,
	}
}

func timestampToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// Append inserts a message, assigning id and timestamp when absent.
func (s *Store) Append(ctx context.Context, msg *chat.Message) (*chat.Message, error) {
	if msg == nil || msg.ConversationID == "" {
		return nil, fmt.Errorf("mongodb: append: conversation id is required: %w", chat.ErrInvalidArgument)
	}
	stored := *msg
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.Timestamp.IsZero() {
		stored.Timestamp = s.now().UTC()
	}
	if stored.AttachmentType == "" {
		stored.AttachmentType = chat.AttachmentNone
	}
	if _, err := s.messages.InsertOne(ctx, newMessageDocument(stored)); err != nil {
		return nil, storeError("insert message", err)
	}
	return &stored, nil
}

// GetMessage loads a single message.
func (s *Store) GetMessage(ctx context.Context, conversationID, messageID string) (*chat.Message, error) {
	var doc messageDocument
	err := s.messages.FindOne(ctx, bson.M{"_id": messageID, "conversation_id": conversationID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("mongodb: message %s: %w", messageID, chat.ErrNotFound)
		}
		return nil, storeError("load message", err)
	}
	record := doc.toRecord()
	return &record, nil
}

// ListOrdered returns the conversation's messages ascending by timestamp,
// ties broken by message id.
func (s *Store) ListOrdered(ctx context.Context, conversationID string) ([]chat.Message, error) {
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}, {Key: "_id", Value: 1}})
	cursor, err := s.messages.Find(ctx, bson.M{"conversation_id": conversationID}, opts)
	if err != nil {
		return nil, storeError("list messages", err)
	}
	defer cursor.Close(ctx)

	out := make([]chat.Message, 0)
	for cursor.Next(ctx) {
		var doc messageDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, storeError("decode message", err)
		}
		out = append(out, doc.toRecord())
	}
	if err := cursor.Err(); err != nil {
		return nil, storeError("iterate messages", err)
	}
	return out, nil
}

var flagFields = map[chat.MessageFlag]string{
	chat.FlagRead:    "is_read",
	chat.FlagEdited:  "is_edited",
	chat.FlagDeleted: "is_deleted",
}

// SetFlag flips one boolean flag on a stored message.
func (s *Store) SetFlag(ctx context.Context, conversationID, messageID string, flag chat.MessageFlag, value bool) error {
	field, ok := flagFields[flag]
	if !ok {
		return fmt.Errorf("mongodb: unknown flag %q: %w", flag, chat.ErrInvalidArgument)
	}
	res, err := s.messages.UpdateOne(ctx,
		bson.M{"_id": messageID, "conversation_id": conversationID},
		bson.M{"$set": bson.M{field: value}})
	if err != nil {
		return storeError("set flag", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("mongodb: message %s: %w", messageID, chat.ErrNotFound)
	}
	return nil
}

// UpdateContent rewrites a message body in place.
func (s *Store) UpdateContent(ctx context.Context, conversationID, messageID, content string) error {
	res, err := s.messages.UpdateOne(ctx,
		bson.M{"_id": messageID, "conversation_id": conversationID},
		bson.M{"$set": bson.M{"content": content}})
	if err != nil {
		return storeError("update content", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("mongodb: message %s: %w", messageID, chat.ErrNotFound)
	}
	return nil
}

// GetOrCreate upserts the conversation at its canonical key. $setOnInsert
// keeps an existing record untouched, so concurrent first-contact calls from
// both participants converge on one document.
func (s *Store) GetOrCreate(ctx context.Context, idA, idB string) (*chat.Conversation, error) {
	key, p1, p2 := chat.DeriveConversationKey(idA, idB)
	if p1 == "" || p2 == "" {
		return nil, fmt.Errorf("mongodb: both participant ids are required: %w", chat.ErrInvalidArgument)
	}
	if p1 == p2 {
		return nil, fmt.Errorf("mongodb: participants must differ: %w", chat.ErrInvalidArgument)
	}

	now := s.now().UTC()
	update := bson.M{"$setOnInsert": conversationDocument{
		ID:             key,
		Participant1ID: p1,
		Participant2ID: p2,
		LastMessage:    "",
		LastMessageAt:  now.UnixMilli(),
		CreatedAt:      now.UnixMilli(),
	}}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var doc conversationDocument
	if err := s.conversations.FindOneAndUpdate(ctx, bson.M{"_id": key}, update, opts).Decode(&doc); err != nil {
		return nil, storeError("get or create conversation", err)
	}
	record := doc.toRecord()
	return &record, nil
}

// Get loads a conversation by its canonical key.
func (s *Store) Get(ctx context.Context, conversationID string) (*chat.Conversation, error) {
	var doc conversationDocument
	err := s.conversations.FindOne(ctx, bson.M{"_id": conversationID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("mongodb: conversation %s: %w", conversationID, chat.ErrNotFound)
		}
		return nil, storeError("load conversation", err)
	}
	record := doc.toRecord()
	return &record, nil
}

// ListForParticipant returns the user's conversations, most recent first.
func (s *Store) ListForParticipant(ctx context.Context, userID string) ([]chat.Conversation, error) {
	filter := participantFilter(userID)
	opts := options.Find().SetSort(bson.D{{Key: "last_message_at", Value: -1}, {Key: "_id", Value: 1}})
	cursor, err := s.conversations.Find(ctx, filter, opts)
	if err != nil {
		return nil, storeError("list conversations", err)
	}
	defer cursor.Close(ctx)

	out := make([]chat.Conversation, 0)
	for cursor.Next(ctx) {
		var doc conversationDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, storeError("decode conversation", err)
		}
		out = append(out, doc.toRecord())
	}
	if err := cursor.Err(); err != nil {
		return nil, storeError("iterate conversations", err)
	}
	return out, nil
}

// UpdateSummary rewrites the denormalized last-message fields.
func (s *Store) UpdateSummary(ctx context.Context, conversationID, lastMessage string, ts time.Time) error {
	res, err := s.conversations.UpdateOne(ctx,
		bson.M{"_id": conversationID},
		bson.M{"$set": bson.M{"last_message": lastMessage, "last_message_at": ts.UTC().UnixMilli()}})
	if err != nil {
		return storeError("update summary", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("mongodb: conversation %s: %w", conversationID, chat.ErrNotFound)
	}
	return nil
}

// IncrementUnread atomically adds one to the slot's counter.
func (s *Store) IncrementUnread(ctx context.Context, conversationID string, slot chat.ParticipantSlot) error {
	res, err := s.conversations.UpdateOne(ctx,
		bson.M{"_id": conversationID},
		bson.M{"$inc": bson.M{unreadField(slot): 1}})
	if err != nil {
		return storeError("increment unread", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("mongodb: conversation %s: %w", conversationID, chat.ErrNotFound)
	}
	return nil
}

// DecrementUnread atomically subtracts one from the slot's counter, clamped
// at zero via a pipeline update so concurrent readers cannot drive it
// negative.
func (s *Store) DecrementUnread(ctx context.Context, conversationID string, slot chat.ParticipantSlot) error {
	field := unreadField(slot)
	update := mongo.Pipeline{bson.D{{Key: "$set", Value: bson.D{{
		Key: field,
		Value: bson.D{{Key: "$max", Value: bson.A{
			0,
			bson.D{{Key: "$subtract", Value: bson.A{"$" + field, 1}}},
		}}},
	}}}}}
	res, err := s.conversations.UpdateOne(ctx, bson.M{"_id": conversationID}, update)
	if err != nil {
		return storeError("decrement unread", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("mongodb: conversation %s: %w", conversationID, chat.ErrNotFound)
	}
	return nil
}

// ResetUnread zeroes the slot's counter.
func (s *Store) ResetUnread(ctx context.Context, conversationID string, slot chat.ParticipantSlot) error {
	res, err := s.conversations.UpdateOne(ctx,
		bson.M{"_id": conversationID},
		bson.M{"$set": bson.M{unreadField(slot): 0}})
	if err != nil {
		return storeError("reset unread", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("mongodb: conversation %s: %w", conversationID, chat.ErrNotFound)
	}
	return nil
}

func unreadField(slot chat.ParticipantSlot) string {
	if slot == chat.SlotParticipant2 {
		return "unread_count2"
	}
	return "unread_count1"
}

func participantFilter(userID string) bson.M {
	return bson.M{"$or": bson.A{
		bson.M{"participant1_id": userID},
		bson.M{"participant2_id": userID},
	}}
}

func storeError(action string, err error) error {
	return fmt.Errorf("mongodb: %s: %v: %w", action, err, chat.ErrStoreUnavailable)
}
