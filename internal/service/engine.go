package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"kiram-messaging/internal/chat"
	"kiram-messaging/internal/events"
	"kiram-messaging/internal/storage/s3"
)

// Last-message snippet cap on the conversation summary.
const snippetLimit = 500

// How long the async summary step may run after the send returned.
const summaryTimeout = 10 * time.Second

// Engine is the conversation/message synchronization core. It derives
// conversation identity, persists and orders messages, propagates live
// updates, tracks read state and maintains the denormalized conversation
// summary.
type Engine struct {
	store     chat.Store
	uploader  s3.Uploader
	publisher events.Publisher
	logger    *slog.Logger
	now       func() time.Time

	async sync.WaitGroup
}

// NewEngine wires the engine. uploader and publisher may be the no-op
// implementations; logger may be nil.
func NewEngine(store chat.Store, uploader s3.Uploader, publisher events.Publisher, logger *slog.Logger) *Engine {
	if uploader == nil {
		uploader = s3.NoopUploader{}
	}
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	return &Engine{
		store:     store,
		uploader:  uploader,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

// Wait blocks until all in-flight asynchronous summary work has finished.
// Called on shutdown so best-effort writes are not cut off mid-flight.
func (e *Engine) Wait() {
	e.async.Wait()
}

// GetOrCreateConversation returns the conversation for the unordered pair,
// creating it on first contact. Idempotent under concurrent calls from both
// participants.
func (e *Engine) GetOrCreateConversation(ctx context.Context, userA, userB string) (*chat.Conversation, error) {
	key, p1, p2 := chat.DeriveConversationKey(userA, userB)
	if p1 == "" || p2 == "" {
		return nil, fmt.Errorf("both participant ids are required: %w", chat.ErrInvalidArgument)
	}
	if p1 == p2 {
		return nil, fmt.Errorf("cannot start a conversation with yourself: %w", chat.ErrInvalidArgument)
	}

	_, getErr := e.store.Get(ctx, key)
	conv, err := e.store.GetOrCreate(ctx, userA, userB)
	if err != nil {
		return nil, err
	}
	if errors.Is(getErr, chat.ErrNotFound) {
		e.publish(events.Event{Type: events.TypeConversationCreated, ConversationID: conv.ID})
		if e.logger != nil {
			e.logger.Info("conversation created", "conversation_id", conv.ID, "participants", []string{conv.Participant1ID, conv.Participant2ID})
		}
	}
	return conv, nil
}

// GetConversation fetches a conversation by its canonical key.
func (e *Engine) GetConversation(ctx context.Context, conversationID string) (*chat.Conversation, error) {
	return e.store.Get(ctx, conversationID)
}

// ListConversations returns the user's conversations, most recent first.
func (e *Engine) ListConversations(ctx context.Context, userID string) ([]chat.Conversation, error) {
	return e.store.ListForParticipant(ctx, userID)
}

// ListMessages returns the conversation's messages ascending by timestamp.
func (e *Engine) ListMessages(ctx context.Context, conversationID string) ([]chat.Message, error) {
	return e.store.ListOrdered(ctx, conversationID)
}

// SendRequest carries one outbound message. Attachment, when set, is uploaded
// before anything is persisted; alternatively AttachmentURL may reference an
// already-uploaded object.
type SendRequest struct {
	ConversationID string
	SenderID       string
	ReceiverID     string
	Content        string
	AttachmentType chat.AttachmentType
	AttachmentURL  string
	Attachment     io.Reader
}

// SendMessage validates the request, coordinates the attachment upload,
// appends the message and kicks off the asynchronous summary update. The
// summary step is deliberately non-transactional: its failure is logged and
// published but never fails the send, because the message records are the
// source of truth and the summary is only a cache for list views.
func (e *Engine) SendMessage(ctx context.Context, req SendRequest) (*chat.Message, error) {
	if req.ConversationID == "" || req.SenderID == "" || req.ReceiverID == "" {
		return nil, fmt.Errorf("conversation, sender and receiver ids are required: %w", chat.ErrInvalidArgument)
	}
	if req.SenderID == req.ReceiverID {
		return nil, fmt.Errorf("sender and receiver must differ: %w", chat.ErrInvalidArgument)
	}
	if req.AttachmentType == "" {
		req.AttachmentType = chat.AttachmentNone
	}
	if req.AttachmentType == chat.AttachmentNone && (req.AttachmentURL != "" || req.Attachment != nil) {
		return nil, fmt.Errorf("attachment present but attachment type is none: %w", chat.ErrInvalidArgument)
	}

	conv, err := e.store.Get(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(req.SenderID) || !conv.HasParticipant(req.ReceiverID) {
		return nil, fmt.Errorf("sender and receiver must both be conversation participants: %w", chat.ErrInvalidArgument)
	}

	attachmentURL := req.AttachmentURL
	if req.Attachment != nil {
		attachmentURL, err = e.UploadAttachment(ctx, req.ConversationID, req.AttachmentType, req.Attachment)
		if err != nil {
			return nil, err
		}
	}

	msg := &chat.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		SenderID:       req.SenderID,
		ReceiverID:     req.ReceiverID,
		Content:        req.Content,
		AttachmentURL:  attachmentURL,
		AttachmentType: req.AttachmentType,
		Timestamp:      e.now().UTC(),
	}
	stored, err := e.store.Append(ctx, msg)
	if err != nil {
		return nil, err
	}

	receiverSlot, _ := conv.SlotOf(req.ReceiverID)
	e.async.Add(1)
	go e.finishSend(stored.ConversationID, stored.ID, stored.Content, stored.Timestamp, receiverSlot)

	return stored, nil
}

// finishSend performs the best-effort post-append work: summary update,
// receiver unread increment, sent event.
func (e *Engine) finishSend(conversationID, messageID, content string, ts time.Time, receiverSlot chat.ParticipantSlot) {
	defer e.async.Done()
	ctx, cancel := context.WithTimeout(context.Background(), summaryTimeout)
	defer cancel()

	if err := e.store.UpdateSummary(ctx, conversationID, chat.TrimSnippet(content, snippetLimit), ts); err != nil {
		e.reportSummaryFailure(ctx, conversationID, messageID, fmt.Errorf("update summary: %v: %w", err, chat.ErrSummaryUpdateFailed))
	}
	if err := e.store.IncrementUnread(ctx, conversationID, receiverSlot); err != nil {
		e.reportSummaryFailure(ctx, conversationID, messageID, fmt.Errorf("increment unread: %v: %w", err, chat.ErrSummaryUpdateFailed))
	}
	e.publish(events.Event{Type: events.TypeMessageSent, ConversationID: conversationID, MessageID: messageID, At: ts})
}

// reportSummaryFailure makes summary failures observable without failing the
// send that triggered them.
func (e *Engine) reportSummaryFailure(ctx context.Context, conversationID, messageID string, err error) {
	if e.logger != nil {
		e.logger.Warn("conversation summary update failed", "conversation_id", conversationID, "message_id", messageID, "error", err)
	}
	e.publish(events.Event{
		Type:           events.TypeSummaryUpdateFailed,
		ConversationID: conversationID,
		MessageID:      messageID,
		Detail:         err.Error(),
	})
}

// MarkMessageRead sets the message's read flag and decrements the reader's
// unread counter on the first observation only. Idempotent: a second call on
// the same message is a no-op and the counter never goes negative.
func (e *Engine) MarkMessageRead(ctx context.Context, conversationID, messageID, readerID string) error {
	conv, err := e.store.Get(ctx, conversationID)
	if err != nil {
		return err
	}
	slot, ok := conv.SlotOf(readerID)
	if !ok {
		return fmt.Errorf("reader %s is not a conversation participant: %w", readerID, chat.ErrInvalidArgument)
	}
	msg, err := e.store.GetMessage(ctx, conversationID, messageID)
	if err != nil {
		return err
	}
	if msg.IsRead {
		return nil
	}
	if err := e.store.SetFlag(ctx, conversationID, messageID, chat.FlagRead, true); err != nil {
		return err
	}
	return e.store.DecrementUnread(ctx, conversationID, slot)
}

// MarkConversationRead marks every message addressed to the reader as read
// and zeroes the reader's counter. Used when a conversation view opens.
func (e *Engine) MarkConversationRead(ctx context.Context, conversationID, readerID string) error {
	conv, err := e.store.Get(ctx, conversationID)
	if err != nil {
		return err
	}
	slot, ok := conv.SlotOf(readerID)
	if !ok {
		return fmt.Errorf("reader %s is not a conversation participant: %w", readerID, chat.ErrInvalidArgument)
	}
	messages, err := e.store.ListOrdered(ctx, conversationID)
	if err != nil {
		return err
	}
	for _, msg := range messages {
		if msg.IsRead || msg.ReceiverID != readerID {
			continue
		}
		if err := e.store.SetFlag(ctx, conversationID, msg.ID, chat.FlagRead, true); err != nil {
			return err
		}
	}
	return e.store.ResetUnread(ctx, conversationID, slot)
}

// EditMessage rewrites a message body and marks it edited.
func (e *Engine) EditMessage(ctx context.Context, conversationID, messageID, content string) (*chat.Message, error) {
	if err := e.store.UpdateContent(ctx, conversationID, messageID, content); err != nil {
		return nil, err
	}
	if err := e.store.SetFlag(ctx, conversationID, messageID, chat.FlagEdited, true); err != nil {
		return nil, err
	}
	return e.store.GetMessage(ctx, conversationID, messageID)
}

// DeleteMessage soft-deletes a message. The record stays in place as a
// deleted marker.
func (e *Engine) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	return e.store.SetFlag(ctx, conversationID, messageID, chat.FlagDeleted, true)
}

func (e *Engine) publish(event events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), summaryTimeout)
	defer cancel()
	if err := e.publisher.Publish(ctx, event); err != nil && e.logger != nil {
		e.logger.Warn("event publish failed", "type", event.Type, "conversation_id", event.ConversationID, "error", err)
	}
}
