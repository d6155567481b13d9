package mongodb

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"kiram-messaging/internal/chat"
)

// WatchMessages opens a change stream scoped to one conversation. Every event
// re-reads the full ordered list and delivers it as a snapshot; stream
// failures surface on the error channel and the stream is reopened, so the
// subscription survives transient disconnects.
func (s *Store) WatchMessages(ctx context.Context, conversationID string) (*chat.MessageWatch, error) {
	wctx, cancelCtx := context.WithCancel(ctx)
	snapshots := make(chan []chat.Message, 1)
	errs := make(chan error, 1)

	pipeline := mongo.Pipeline{bson.D{{Key: "$match", Value: bson.D{
		{Key: "fullDocument.conversation_id", Value: conversationID},
	}}}}

	go s.pump(wctx, s.messages, pipeline, errs, func() error {
		snap, err := s.ListOrdered(wctx, conversationID)
		if err != nil {
			return err
		}
		select {
		case snapshots <- snap:
		case <-wctx.Done():
		}
		return nil
	})

	return chat.NewMessageWatch(snapshots, errs, cancelCtx), nil
}

// WatchConversations opens a change stream over conversations containing the
// user and delivers the full reordered list on every change.
func (s *Store) WatchConversations(ctx context.Context, userID string) (*chat.ConversationWatch, error) {
	wctx, cancelCtx := context.WithCancel(ctx)
	snapshots := make(chan []chat.Conversation, 1)
	errs := make(chan error, 1)

	pipeline := mongo.Pipeline{bson.D{{Key: "$match", Value: bson.D{
		{Key: "$or", Value: bson.A{
			bson.D{{Key: "fullDocument.participant1_id", Value: userID}},
			bson.D{{Key: "fullDocument.participant2_id", Value: userID}},
		}},
	}}}}

	go s.pump(wctx, s.conversations, pipeline, errs, func() error {
		snap, err := s.ListForParticipant(wctx, userID)
		if err != nil {
			return err
		}
		select {
		case snapshots <- snap:
		case <-wctx.Done():
		}
		return nil
	})

	return chat.NewConversationWatch(snapshots, errs, cancelCtx), nil
}

// pump delivers one snapshot up front, then one per change event, reopening
// the stream after failures until the watch context is cancelled.
func (s *Store) pump(ctx context.Context, col *mongo.Collection, pipeline mongo.Pipeline, errs chan<- error, deliver func() error) {
	if err := deliver(); err != nil {
		s.report(ctx, errs, err)
	}

	for ctx.Err() == nil {
		opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
		stream, err := col.Watch(ctx, pipeline, opts)
		if err != nil {
			s.report(ctx, errs, storeError("open change stream", err))
			if !sleep(ctx, watchRetryDelay) {
				return
			}
			continue
		}

		for stream.Next(ctx) {
			if err := deliver(); err != nil {
				s.report(ctx, errs, err)
			}
		}
		streamErr := stream.Err()
		stream.Close(context.Background())
		if ctx.Err() != nil {
			return
		}
		if streamErr != nil {
			s.report(ctx, errs, storeError("change stream", streamErr))
		}
		if !sleep(ctx, watchRetryDelay) {
			return
		}
	}
}

func (s *Store) report(ctx context.Context, errs chan<- error, err error) {
	if ctx.Err() != nil {
		return
	}
	if s.logger != nil {
		s.logger.Warn("store watch error", "error", err)
	}
	select {
	case errs <- err:
	default:
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

var _ chat.Store = (*Store)(nil)
