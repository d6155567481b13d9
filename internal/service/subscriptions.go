package service

import (
	"context"
	"sync"

	"kiram-messaging/internal/chat"
)

// MessagesCallback receives the full ordered message list of a conversation.
type MessagesCallback func(messages []chat.Message)

// ConversationsCallback receives the user's conversation list, most recent
// activity first.
type ConversationsCallback func(conversations []chat.Conversation)

// ErrorCallback receives transient subscription failures. The subscription
// stays alive; the caller may cancel it or keep waiting for recovery.
type ErrorCallback func(err error)

// CancelFunc releases a subscription. After it returns no further callbacks
// are invoked. Idempotent.
type CancelFunc func()

// SubscribeMessages delivers a fresh ordered snapshot of the conversation's
// messages on every change, starting with the current state. Callbacks run on
// the subscription's own goroutine and are serialized with each other, but
// are concurrent with the caller's other operations.
func (e *Engine) SubscribeMessages(ctx context.Context, conversationID string, onSnapshot MessagesCallback, onError ErrorCallback) (CancelFunc, error) {
	watch, err := e.store.WatchMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	sub := newSubscription()
	go func() {
		for {
			select {
			case <-sub.done:
				return
			case <-ctx.Done():
				return
			case snap := <-watch.Snapshots:
				sub.deliver(func() { onSnapshot(snap) })
			case err := <-watch.Errors:
				if onError != nil {
					sub.deliver(func() { onError(err) })
				}
			}
		}
	}()
	return func() {
		sub.close()
		watch.Cancel()
	}, nil
}

// SubscribeConversations delivers a fresh snapshot of the user's conversation
// list on every change, starting with the current state.
func (e *Engine) SubscribeConversations(ctx context.Context, userID string, onSnapshot ConversationsCallback, onError ErrorCallback) (CancelFunc, error) {
	watch, err := e.store.WatchConversations(ctx, userID)
	if err != nil {
		return nil, err
	}
	sub := newSubscription()
	go func() {
		for {
			select {
			case <-sub.done:
				return
			case <-ctx.Done():
				return
			case snap := <-watch.Snapshots:
				sub.deliver(func() { onSnapshot(snap) })
			case err := <-watch.Errors:
				if onError != nil {
					sub.deliver(func() { onError(err) })
				}
			}
		}
	}()
	return func() {
		sub.close()
		watch.Cancel()
	}, nil
}

// subscription gates callback delivery so that cancellation is immediate from
// the caller's perspective: close blocks on any in-flight callback, and after
// it returns nothing else is delivered.
type subscription struct {
	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func newSubscription() *subscription {
	return &subscription{done: make(chan struct{})}
}

func (s *subscription) deliver(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	fn()
}

func (s *subscription) close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	s.mu.Unlock()
}
