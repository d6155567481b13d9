package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kiram-messaging/internal/chat"
	"kiram-messaging/internal/events"
	"kiram-messaging/internal/storage/memory"
)

type fakeUploader struct {
	mu     sync.Mutex
	fail   bool
	keys   []string
	bodies []string
}

func (u *fakeUploader) Upload(_ context.Context, key string, reader io.Reader, _ string) (string, error) {
	if u.fail {
		return "", errors.New("storage rejected the transfer")
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return "", err
	}
	u.mu.Lock()
	u.keys = append(u.keys, key)
	u.bodies = append(u.bodies, string(body))
	u.mu.Unlock()
	return "https://cdn.test/" + key, nil
}

type capturePublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *capturePublisher) Publish(_ context.Context, event events.Event) error {
	p.mu.Lock()
	p.events = append(p.events, event)
	p.mu.Unlock()
	return nil
}

func (p *capturePublisher) Close() error { return nil }

func (p *capturePublisher) byType(eventType string) []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Event, 0)
	for _, event := range p.events {
		if event.Type == eventType {
			out = append(out, event)
		}
	}
	return out
}

// brokenSummaryStore fails every summary write while leaving message
// persistence intact.
type brokenSummaryStore struct {
	chat.Store
}

func (s brokenSummaryStore) UpdateSummary(context.Context, string, string, time.Time) error {
	return fmt.Errorf("broken summary: %w", chat.ErrStoreUnavailable)
}

func newTestEngine(t *testing.T) (*Engine, *memory.Store, *fakeUploader, *capturePublisher) {
	t.Helper()
	store := memory.NewStore()
	uploader := &fakeUploader{}
	publisher := &capturePublisher{}
	return NewEngine(store, uploader, publisher, nil), store, uploader, publisher
}

func mustConversation(t *testing.T, engine *Engine) *chat.Conversation {
	t.Helper()
	conv, err := engine.GetOrCreateConversation(context.Background(), "U1", "U2")
	require.NoError(t, err)
	return conv
}

func TestGetOrCreateConversationCanonical(t *testing.T) {
	engine, _, _, publisher := newTestEngine(t)
	ctx := context.Background()

	first, err := engine.GetOrCreateConversation(ctx, "U2", "U1")
	require.NoError(t, err)
	second, err := engine.GetOrCreateConversation(ctx, "U1", "U2")
	require.NoError(t, err)

	assert.Equal(t, "U1_U2", first.ID)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "U1", first.Participant1ID)
	assert.Equal(t, "U2", first.Participant2ID)

	created := publisher.byType(events.TypeConversationCreated)
	assert.Len(t, created, 1, "created event fires once, not on the repeat call")
}

func TestGetOrCreateConversationValidation(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.GetOrCreateConversation(ctx, "U1", "U1")
	assert.ErrorIs(t, err, chat.ErrInvalidArgument)

	_, err = engine.GetOrCreateConversation(ctx, "", "U2")
	assert.ErrorIs(t, err, chat.ErrInvalidArgument)
}

func TestSendMessageRoundTrip(t *testing.T) {
	engine, _, _, publisher := newTestEngine(t)
	ctx := context.Background()
	conv := mustConversation(t, engine)

	sent, err := engine.SendMessage(ctx, SendRequest{
		ConversationID: conv.ID,
		SenderID:       "U1",
		ReceiverID:     "U2",
		Content:        "is the flat still available?",
	})
	require.NoError(t, err)
	engine.Wait()

	assert.NotEmpty(t, sent.ID)
	assert.False(t, sent.Timestamp.IsZero())

	messages, err := engine.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, sent.ID, messages[0].ID)
	assert.Equal(t, "U1", messages[0].SenderID)
	assert.Equal(t, "U2", messages[0].ReceiverID)
	assert.Equal(t, "is the flat still available?", messages[0].Content)
	assert.Equal(t, chat.AttachmentNone, messages[0].AttachmentType)
	assert.False(t, messages[0].IsRead)

	got, err := engine.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "is the flat still available?", got.LastMessage)
	assert.Equal(t, sent.Timestamp, got.LastMessageTimestamp)
	assert.Equal(t, 1, got.UnreadCount2, "receiver slot counter incremented")
	assert.Zero(t, got.UnreadCount1)

	assert.Len(t, publisher.byType(events.TypeMessageSent), 1)
}

func TestSendMessageValidation(t *testing.T) {
	engine, store, _, _ := newTestEngine(t)
	ctx := context.Background()
	conv := mustConversation(t, engine)

	_, err := engine.SendMessage(ctx, SendRequest{ConversationID: conv.ID, SenderID: "U1", ReceiverID: "U1"})
	assert.ErrorIs(t, err, chat.ErrInvalidArgument)

	_, err = engine.SendMessage(ctx, SendRequest{ConversationID: conv.ID, SenderID: "U1", ReceiverID: "U9", Content: "hi"})
	assert.ErrorIs(t, err, chat.ErrInvalidArgument, "receiver must be a participant")

	_, err = engine.SendMessage(ctx, SendRequest{ConversationID: "missing", SenderID: "U1", ReceiverID: "U2"})
	assert.ErrorIs(t, err, chat.ErrNotFound)

	engine.Wait()
	messages, err := store.ListOrdered(ctx, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, messages, "no message may be persisted by a rejected send")
}

func TestSendMessageRejectsURLWithoutAttachmentType(t *testing.T) {
	engine, store, _, _ := newTestEngine(t)
	ctx := context.Background()
	conv := mustConversation(t, engine)

	_, err := engine.SendMessage(ctx, SendRequest{
		ConversationID: conv.ID,
		SenderID:       "U1",
		ReceiverID:     "U2",
		AttachmentType: chat.AttachmentNone,
		AttachmentURL:  "https://cdn.test/orphan.jpg",
	})
	assert.ErrorIs(t, err, chat.ErrInvalidArgument)

	messages, err := store.ListOrdered(ctx, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestSendMessageUploadsAttachmentFirst(t *testing.T) {
	engine, _, uploader, _ := newTestEngine(t)
	ctx := context.Background()
	conv := mustConversation(t, engine)

	sent, err := engine.SendMessage(ctx, SendRequest{
		ConversationID: conv.ID,
		SenderID:       "U1",
		ReceiverID:     "U2",
		Content:        "floor plan attached",
		AttachmentType: chat.AttachmentDocument,
		Attachment:     strings.NewReader("pdf-bytes"),
	})
	require.NoError(t, err)
	engine.Wait()

	require.Len(t, uploader.keys, 1)
	assert.Contains(t, uploader.keys[0], conv.ID)
	assert.True(t, strings.HasSuffix(uploader.keys[0], ".pdf"))
	assert.Equal(t, "pdf-bytes", uploader.bodies[0])
	assert.Equal(t, "https://cdn.test/"+uploader.keys[0], sent.AttachmentURL)
	assert.Equal(t, chat.AttachmentDocument, sent.AttachmentType)
}

func TestSendMessageUploadFailureAbortsSend(t *testing.T) {
	engine, store, uploader, _ := newTestEngine(t)
	uploader.fail = true
	ctx := context.Background()
	conv := mustConversation(t, engine)

	_, err := engine.SendMessage(ctx, SendRequest{
		ConversationID: conv.ID,
		SenderID:       "U1",
		ReceiverID:     "U2",
		AttachmentType: chat.AttachmentPhoto,
		Attachment:     strings.NewReader("jpeg-bytes"),
	})
	assert.ErrorIs(t, err, chat.ErrUploadFailed)

	engine.Wait()
	messages, err := store.ListOrdered(ctx, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, messages, "a failed upload must leave zero messages behind")
}

func TestUploadAttachmentRejectsNone(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	_, err := engine.UploadAttachment(context.Background(), "U1_U2", chat.AttachmentNone, strings.NewReader("x"))
	assert.ErrorIs(t, err, chat.ErrInvalidArgument)
}

func TestSummaryFailureDoesNotFailSend(t *testing.T) {
	store := memory.NewStore()
	publisher := &capturePublisher{}
	engine := NewEngine(brokenSummaryStore{Store: store}, nil, publisher, nil)
	ctx := context.Background()

	conv, err := engine.GetOrCreateConversation(ctx, "U1", "U2")
	require.NoError(t, err)

	sent, err := engine.SendMessage(ctx, SendRequest{ConversationID: conv.ID, SenderID: "U1", ReceiverID: "U2", Content: "hi"})
	require.NoError(t, err, "summary failure must not surface from the send")
	engine.Wait()

	messages, err := store.ListOrdered(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, messages, 1, "the message itself is never lost")
	assert.Equal(t, sent.ID, messages[0].ID)

	failed := publisher.byType(events.TypeSummaryUpdateFailed)
	require.Len(t, failed, 1, "summary failure must reach the diagnostic channel")
	assert.Equal(t, sent.ID, failed[0].MessageID)
}

func TestMarkMessageReadIsIdempotent(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	ctx := context.Background()
	conv := mustConversation(t, engine)

	first, err := engine.SendMessage(ctx, SendRequest{ConversationID: conv.ID, SenderID: "U1", ReceiverID: "U2", Content: "one"})
	require.NoError(t, err)
	_, err = engine.SendMessage(ctx, SendRequest{ConversationID: conv.ID, SenderID: "U1", ReceiverID: "U2", Content: "two"})
	require.NoError(t, err)
	engine.Wait()

	got, err := engine.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.Equal(t, 2, got.UnreadCount2)

	require.NoError(t, engine.MarkMessageRead(ctx, conv.ID, first.ID, "U2"))
	require.NoError(t, engine.MarkMessageRead(ctx, conv.ID, first.ID, "U2"))
	require.NoError(t, engine.MarkMessageRead(ctx, conv.ID, first.ID, "U2"))

	got, err = engine.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.UnreadCount2, "repeat marks must decrement at most once")

	msg, err := engine.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	assert.True(t, msg[0].IsRead)
	assert.False(t, msg[1].IsRead)
}

func TestMarkMessageReadValidation(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	ctx := context.Background()
	conv := mustConversation(t, engine)

	err := engine.MarkMessageRead(ctx, conv.ID, "missing", "U2")
	assert.ErrorIs(t, err, chat.ErrNotFound)

	sent, err := engine.SendMessage(ctx, SendRequest{ConversationID: conv.ID, SenderID: "U1", ReceiverID: "U2", Content: "hi"})
	require.NoError(t, err)
	engine.Wait()

	err = engine.MarkMessageRead(ctx, conv.ID, sent.ID, "U9")
	assert.ErrorIs(t, err, chat.ErrInvalidArgument)
}

func TestMarkConversationRead(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	ctx := context.Background()
	conv := mustConversation(t, engine)

	for _, content := range []string{"one", "two", "three"} {
		_, err := engine.SendMessage(ctx, SendRequest{ConversationID: conv.ID, SenderID: "U1", ReceiverID: "U2", Content: content})
		require.NoError(t, err)
	}
	engine.Wait()

	require.NoError(t, engine.MarkConversationRead(ctx, conv.ID, "U2"))

	got, err := engine.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Zero(t, got.UnreadCount2)

	messages, err := engine.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	for _, msg := range messages {
		assert.True(t, msg.IsRead)
	}
}

func TestEditAndDeleteMessage(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	ctx := context.Background()
	conv := mustConversation(t, engine)

	sent, err := engine.SendMessage(ctx, SendRequest{ConversationID: conv.ID, SenderID: "U1", ReceiverID: "U2", Content: "typo"})
	require.NoError(t, err)
	engine.Wait()

	edited, err := engine.EditMessage(ctx, conv.ID, sent.ID, "fixed")
	require.NoError(t, err)
	assert.Equal(t, "fixed", edited.Content)
	assert.True(t, edited.IsEdited)

	require.NoError(t, engine.DeleteMessage(ctx, conv.ID, sent.ID))

	messages, err := engine.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, messages, 1, "a deleted message stays as a marker")
	assert.True(t, messages[0].IsDeleted)

	_, err = engine.EditMessage(ctx, conv.ID, "missing", "x")
	assert.ErrorIs(t, err, chat.ErrNotFound)
}

func TestSubscribeMessagesDeliversOrderedSnapshots(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	ctx := context.Background()
	conv := mustConversation(t, engine)

	snapshots := make(chan []chat.Message, 8)
	cancel, err := engine.SubscribeMessages(ctx, conv.ID, func(messages []chat.Message) {
		snapshots <- messages
	}, nil)
	require.NoError(t, err)
	defer cancel()

	assert.Empty(t, awaitSnapshot(t, snapshots), "initial snapshot")

	sent, err := engine.SendMessage(ctx, SendRequest{ConversationID: conv.ID, SenderID: "U1", ReceiverID: "U2", Content: "hi"})
	require.NoError(t, err)

	snap := awaitSnapshot(t, snapshots)
	require.Len(t, snap, 1)
	assert.Equal(t, sent.ID, snap[0].ID)
}

func TestSubscribeMessagesCancelStopsCallbacks(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	ctx := context.Background()
	conv := mustConversation(t, engine)

	snapshots := make(chan []chat.Message, 8)
	cancel, err := engine.SubscribeMessages(ctx, conv.ID, func(messages []chat.Message) {
		snapshots <- messages
	}, nil)
	require.NoError(t, err)

	awaitSnapshot(t, snapshots)
	cancel()
	cancel() // idempotent

	_, err = engine.SendMessage(ctx, SendRequest{ConversationID: conv.ID, SenderID: "U1", ReceiverID: "U2", Content: "late"})
	require.NoError(t, err)
	engine.Wait()

	select {
	case <-snapshots:
		t.Fatal("no callback may run after cancel returned")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscribeConversationsTracksActivity(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	snapshots := make(chan []chat.Conversation, 8)
	cancel, err := engine.SubscribeConversations(ctx, "U1", func(conversations []chat.Conversation) {
		snapshots <- conversations
	}, nil)
	require.NoError(t, err)
	defer cancel()

	assert.Empty(t, awaitConversationSnapshot(t, snapshots))

	_, err = engine.GetOrCreateConversation(ctx, "U1", "U2")
	require.NoError(t, err)

	snap := awaitConversationSnapshot(t, snapshots)
	require.Len(t, snap, 1)
	assert.Equal(t, "U1_U2", snap[0].ID)
}

func awaitSnapshot(t *testing.T, ch <-chan []chat.Message) []chat.Message {
	t.Helper()
	select {
	case snap := <-ch:
		return snap
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message snapshot")
		return nil
	}
}

func awaitConversationSnapshot(t *testing.T, ch <-chan []chat.Conversation) []chat.Conversation {
	t.Helper()
	select {
	case snap := <-ch:
		return snap
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for conversation snapshot")
		return nil
	}
}
