package chat

import (
	"context"
	"sync"
	"time"
)

// MessageStore is append-only persistence for messages scoped to a
// conversation.
type MessageStore interface {
	// Append persists the message, assigning id and timestamp when absent,
	// and returns the stored record. Active message watches on the
	// conversation observe the change.
	Append(ctx context.Context, msg *Message) (*Message, error)
	// GetMessage returns a single message or ErrNotFound.
	GetMessage(ctx context.Context, conversationID, messageID string) (*Message, error)
	// ListOrdered returns every message of the conversation ascending by
	// timestamp. A conversation with no messages yields an empty slice.
	ListOrdered(ctx context.Context, conversationID string) ([]Message, error)
	// SetFlag updates one boolean flag in place. Unknown messages yield
	// ErrNotFound.
	SetFlag(ctx context.Context, conversationID, messageID string, flag MessageFlag, value bool) error
	// UpdateContent rewrites the text body of an existing message.
	UpdateContent(ctx context.Context, conversationID, messageID, content string) error
	// WatchMessages opens a live watch over the conversation's message list.
	WatchMessages(ctx context.Context, conversationID string) (*MessageWatch, error)
}

// ConversationStore persists the conversation summary records.
type ConversationStore interface {
	// GetOrCreate returns the conversation for the unordered pair, creating
	// it at the canonical derived key when absent. Safe under a race of two
	// first-contact calls: both observe the same single record.
	GetOrCreate(ctx context.Context, idA, idB string) (*Conversation, error)
	// Get returns a conversation by its canonical key or ErrNotFound.
	Get(ctx context.Context, conversationID string) (*Conversation, error)
	// ListForParticipant returns every conversation containing the user,
	// most recent activity first.
	ListForParticipant(ctx context.Context, userID string) ([]Conversation, error)
	// UpdateSummary rewrites the denormalized last-message fields.
	UpdateSummary(ctx context.Context, conversationID, lastMessage string, ts time.Time) error
	// IncrementUnread adds one to the counter of the given slot.
	IncrementUnread(ctx context.Context, conversationID string, slot ParticipantSlot) error
	// DecrementUnread subtracts one from the counter of the given slot,
	// clamped at zero.
	DecrementUnread(ctx context.Context, conversationID string, slot ParticipantSlot) error
	// ResetUnread zeroes the counter of the given slot.
	ResetUnread(ctx context.Context, conversationID string, slot ParticipantSlot) error
	// WatchConversations opens a live watch over the user's conversation list.
	WatchConversations(ctx context.Context, userID string) (*ConversationWatch, error)
}

// Store is the combined backing-store surface the engine runs on.
type Store interface {
	MessageStore
	ConversationStore
}

// MessageWatch delivers the full ordered message list of one conversation
// every time it changes. Transient store failures arrive on Errors without
// closing the watch.
type MessageWatch struct {
	Snapshots <-chan []Message
	Errors    <-chan error

	cancelOnce sync.Once
	cancel     func()
}

// NewMessageWatch wires a watch around store-provided channels. cancel tears
// the underlying feed down and may complete asynchronously.
func NewMessageWatch(snapshots <-chan []Message, errs <-chan error, cancel func()) *MessageWatch {
	return &MessageWatch{Snapshots: snapshots, Errors: errs, cancel: cancel}
}

// Cancel releases the watch. Idempotent.
func (w *MessageWatch) Cancel() {
	w.cancelOnce.Do(func() {
		if w.cancel != nil {
			w.cancel()
		}
	})
}

// ConversationWatch delivers the user's conversation list, most recent
// activity first, every time it changes.
type ConversationWatch struct {
	Snapshots <-chan []Conversation
	Errors    <-chan error

	cancelOnce sync.Once
	cancel     func()
}

// NewConversationWatch wires a watch around store-provided channels.
func NewConversationWatch(snapshots <-chan []Conversation, errs <-chan error, cancel func()) *ConversationWatch {
	return &ConversationWatch{Snapshots: snapshots, Errors: errs, cancel: cancel}
}

// Cancel releases the watch. Idempotent.
func (w *ConversationWatch) Cancel() {
	w.cancelOnce.Do(func() {
		if w.cancel != nil {
			w.cancel()
		}
	})
}
