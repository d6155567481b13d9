package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"kiram-messaging/internal/chat"
)

// Store is an in-memory implementation of the chat backing store. It is the
// default backend for local runs and the test double for the engine. Watches
// are served by per-watcher notify channels poked on every relevant mutation.
type Store struct {
	mu            sync.RWMutex
	conversations map[string]chat.Conversation
	messages      map[string][]chat.Message
	msgWatchers   map[string]map[*watcher]struct{}
	convWatchers  map[*watcher]struct{}

	now func() time.Time
}

type watcher struct {
	userID string
	notify chan struct{}
	done   chan struct{}
}

// NewStore builds an empty store using the wall clock.
func NewStore() *Store {
	return NewStoreWithClock(time.Now)
}

// NewStoreWithClock builds an empty store with an injectable clock.
func NewStoreWithClock(now func() time.Time) *Store {
	return &Store{
		conversations: make(map[string]chat.Conversation),
		messages:      make(map[string][]chat.Message),
		msgWatchers:   make(map[string]map[*watcher]struct{}),
		convWatchers:  make(map[*watcher]struct{}),
		now:           now,
	}
}

// Append stores a message under its conversation, assigning id and timestamp
// when absent.
func (s *Store) Append(ctx context.Context, msg *chat.Message) (*chat.Message, error) {
	if msg == nil || msg.ConversationID == "" {
		return nil, fmt.Errorf("memory: append: conversation id is required: %w", chat.ErrInvalidArgument)
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

	s.mu.Lock()
	s.messages[stored.ConversationID] = append(s.messages[stored.ConversationID], stored)
	s.mu.Unlock()

	s.notifyMessages(stored.ConversationID)
	return &stored, nil
}

// GetMessage returns a single message copy or chat.ErrNotFound.
func (s *Store) GetMessage(ctx context.Context, conversationID, messageID string) (*chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, msg := range s.messages[conversationID] {
		if msg.ID == messageID {
			found := msg
			return &found, nil
		}
	}
	return nil, fmt.Errorf("memory: message %s: %w", messageID, chat.ErrNotFound)
}

// ListOrdered returns the conversation's messages ascending by timestamp,
// ties broken by message id.
func (s *Store) ListOrdered(ctx context.Context, conversationID string) ([]chat.Message, error) {
	s.mu.RLock()
	out := append([]chat.Message(nil), s.messages[conversationID]...)
	s.mu.RUnlock()
	chat.SortMessages(out)
	return out, nil
}

// SetFlag flips one boolean flag on a stored message.
func (s *Store) SetFlag(ctx context.Context, conversationID, messageID string, flag chat.MessageFlag, value bool) error {
	err := s.mutateMessage(conversationID, messageID, func(msg *chat.Message) error {
		switch flag {
		case chat.FlagRead:
			msg.IsRead = value
		case chat.FlagEdited:
			msg.IsEdited = value
		case chat.FlagDeleted:
			msg.IsDeleted = value
		default:
			return fmt.Errorf("memory: unknown flag %q: %w", flag, chat.ErrInvalidArgument)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.notifyMessages(conversationID)
	return nil
}

// UpdateContent rewrites a message body in place.
func (s *Store) UpdateContent(ctx context.Context, conversationID, messageID, content string) error {
	err := s.mutateMessage(conversationID, messageID, func(msg *chat.Message) error {
		msg.Content = content
		return nil
	})
	if err != nil {
		return err
	}
	s.notifyMessages(conversationID)
	return nil
}

func (s *Store) mutateMessage(conversationID, messageID string, mutate func(*chat.Message) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[conversationID]
	for i := range msgs {
		if msgs[i].ID == messageID {
			return mutate(&msgs[i])
		}
	}
	return fmt.Errorf("memory: message %s: %w", messageID, chat.ErrNotFound)
}

// GetOrCreate returns the conversation for the unordered pair, creating it at
// the canonical key when absent. The map write under one lock makes the
// first-contact race safe: the second caller observes the first record.
func (s *Store) GetOrCreate(ctx context.Context, idA, idB string) (*chat.Conversation, error) {
	key, p1, p2 := chat.DeriveConversationKey(idA, idB)
	if p1 == "" || p2 == "" {
		return nil, fmt.Errorf("memory: both participant ids are required: %w", chat.ErrInvalidArgument)
	}
	if p1 == p2 {
		return nil, fmt.Errorf("memory: participants must differ: %w", chat.ErrInvalidArgument)
	}

	s.mu.Lock()
	if existing, ok := s.conversations[key]; ok {
		s.mu.Unlock()
		return &existing, nil
	}
	created := chat.Conversation{
		ID:                   key,
		Participant1ID:       p1,
		Participant2ID:       p2,
		LastMessage:          "",
		LastMessageTimestamp: s.now().UTC(),
	}
	s.conversations[key] = created
	s.mu.Unlock()

	s.notifyConversations(created)
	return &created, nil
}

// Get returns a conversation copy or chat.ErrNotFound.
func (s *Store) Get(ctx context.Context, conversationID string) (*chat.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return nil, fmt.Errorf("memory: conversation %s: %w", conversationID, chat.ErrNotFound)
	}
	return &conv, nil
}

// ListForParticipant returns the user's conversations, most recent first.
func (s *Store) ListForParticipant(ctx context.Context, userID string) ([]chat.Conversation, error) {
	s.mu.RLock()
	out := make([]chat.Conversation, 0)
	for _, conv := range s.conversations {
		if conv.HasParticipant(userID) {
			out = append(out, conv)
		}
	}
	s.mu.RUnlock()
	chat.SortConversations(out)
	return out, nil
}

// UpdateSummary rewrites the denormalized last-message fields.
func (s *Store) UpdateSummary(ctx context.Context, conversationID, lastMessage string, ts time.Time) error {
	return s.mutateConversation(conversationID, func(conv *chat.Conversation) {
		conv.LastMessage = lastMessage
		conv.LastMessageTimestamp = ts.UTC()
	})
}

// IncrementUnread adds one to the slot's counter.
func (s *Store) IncrementUnread(ctx context.Context, conversationID string, slot chat.ParticipantSlot) error {
	return s.mutateConversation(conversationID, func(conv *chat.Conversation) {
		if slot == chat.SlotParticipant2 {
			conv.UnreadCount2++
		} else {
			conv.UnreadCount1++
		}
	})
}

// DecrementUnread subtracts one from the slot's counter, never below zero.
func (s *Store) DecrementUnread(ctx context.Context, conversationID string, slot chat.ParticipantSlot) error {
	return s.mutateConversation(conversationID, func(conv *chat.Conversation) {
		if slot == chat.SlotParticipant2 {
			if conv.UnreadCount2 > 0 {
				conv.UnreadCount2--
			}
		} else if conv.UnreadCount1 > 0 {
			conv.UnreadCount1--
		}
	})
}

// ResetUnread zeroes the slot's counter.
func (s *Store) ResetUnread(ctx context.Context, conversationID string, slot chat.ParticipantSlot) error {
	return s.mutateConversation(conversationID, func(conv *chat.Conversation) {
		if slot == chat.SlotParticipant2 {
			conv.UnreadCount2 = 0
		} else {
			conv.UnreadCount1 = 0
		}
	})
}

func (s *Store) mutateConversation(conversationID string, mutate func(*chat.Conversation)) error {
	s.mu.Lock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("memory: conversation %s: %w", conversationID, chat.ErrNotFound)
	}
	mutate(&conv)
	s.conversations[conversationID] = conv
	s.mu.Unlock()

	s.notifyConversations(conv)
	return nil
}

// WatchMessages delivers the conversation's ordered message list on every
// change, starting with the current state.
func (s *Store) WatchMessages(ctx context.Context, conversationID string) (*chat.MessageWatch, error) {
	w := &watcher{notify: make(chan struct{}, 1), done: make(chan struct{})}
	w.notify <- struct{}{} // initial snapshot

	s.mu.Lock()
	set, ok := s.msgWatchers[conversationID]
	if !ok {
		set = make(map[*watcher]struct{})
		s.msgWatchers[conversationID] = set
	}
	set[w] = struct{}{}
	s.mu.Unlock()

	snapshots := make(chan []chat.Message, 1)
	errs := make(chan error, 1)
	go func() {
		for {
			select {
			case <-w.done:
				return
			case <-ctx.Done():
				return
			case <-w.notify:
				snap, err := s.ListOrdered(ctx, conversationID)
				if err != nil {
					select {
					case errs <- err:
					case <-w.done:
						return
					}
					continue
				}
				select {
				case snapshots <- snap:
				case <-w.done:
					return
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	cancel := func() {
		s.mu.Lock()
		if set, ok := s.msgWatchers[conversationID]; ok {
			delete(set, w)
			if len(set) == 0 {
				delete(s.msgWatchers, conversationID)
			}
		}
		s.mu.Unlock()
		close(w.done)
	}
	return chat.NewMessageWatch(snapshots, errs, cancel), nil
}

// WatchConversations delivers the user's conversation list on every change,
// starting with the current state.
func (s *Store) WatchConversations(ctx context.Context, userID string) (*chat.ConversationWatch, error) {
	w := &watcher{userID: userID, notify: make(chan struct{}, 1), done: make(chan struct{})}
	w.notify <- struct{}{}

	s.mu.Lock()
	s.convWatchers[w] = struct{}{}
	s.mu.Unlock()

	snapshots := make(chan []chat.Conversation, 1)
	errs := make(chan error, 1)
	go func() {
		for {
			select {
			case <-w.done:
				return
			case <-ctx.Done():
				return
			case <-w.notify:
				snap, err := s.ListForParticipant(ctx, userID)
				if err != nil {
					select {
					case errs <- err:
					case <-w.done:
						return
					}
					continue
				}
				select {
				case snapshots <- snap:
				case <-w.done:
					return
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	cancel := func() {
		s.mu.Lock()
		delete(s.convWatchers, w)
		s.mu.Unlock()
		close(w.done)
	}
	return chat.NewConversationWatch(snapshots, errs, cancel), nil
}

func (s *Store) notifyMessages(conversationID string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for w := range s.msgWatchers[conversationID] {
		poke(w)
	}
}

func (s *Store) notifyConversations(conv chat.Conversation) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for w := range s.convWatchers {
		if conv.HasParticipant(w.userID) {
			poke(w)
		}
	}
}

// poke coalesces pending notifications; the pump re-reads the full snapshot.
func poke(w *watcher) {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

var _ chat.Store = (*Store)(nil)
