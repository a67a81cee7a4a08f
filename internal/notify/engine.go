package notify

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"coursechat/internal/logging"
	"coursechat/pkg/interfaces"
	"coursechat/pkg/types"
)

const (
	DefaultPeekLimit = 5
	DefaultChatLimit = 30
)

// Engine serves the merged notification feed. Peek never changes read
// state; the Consume family marks what it returns as read.
type Engine struct {
	store     interfaces.FeedStore
	peekLimit int
	log       zerolog.Logger
}

// NewEngine creates an engine. A non-positive peekLimit uses the default.
func NewEngine(store interfaces.FeedStore, peekLimit int, logger zerolog.Logger) *Engine {
	if peekLimit <= 0 {
		peekLimit = DefaultPeekLimit
	}
	return &Engine{
		store:     store,
		peekLimit: peekLimit,
		log:       logging.Component(logger, "notify"),
	}
}

// Peek returns the newest notifications across both sources and the
// total unread count.
func (e *Engine) Peek(ctx context.Context, recipientID int64) (*types.Feed, error) {
	if recipientID <= 0 {
		return nil, ErrInvalidRecipient
	}
	// The top k of the merged feed is always within the top k of each source.
	items, err := e.fetch(ctx, recipientID, e.peekLimit)
	if err != nil {
		return nil, err
	}
	if len(items) > e.peekLimit {
		items = items[:e.peekLimit]
	}
	unread, err := e.UnreadCount(ctx, recipientID)
	if err != nil {
		return nil, err
	}
	return &types.Feed{Items: items, UnreadCount: unread}, nil
}

// Consume returns the full merged feed and marks every unread row in it
// read in one transaction. The response shows the state before marking.
func (e *Engine) Consume(ctx context.Context, recipientID int64) (*types.Feed, error) {
	if recipientID <= 0 {
		return nil, ErrInvalidRecipient
	}
	items, err := e.fetch(ctx, recipientID, 0)
	if err != nil {
		return nil, err
	}
	unread, err := e.UnreadCount(ctx, recipientID)
	if err != nil {
		return nil, err
	}

	systemIDs, chatIDs := unreadIDs(items)
	if len(systemIDs)+len(chatIDs) > 0 {
		if err := e.store.MarkFeedRead(ctx, recipientID, systemIDs, chatIDs); err != nil {
			return nil, fmt.Errorf("failed to mark feed read: %w", err)
		}
		e.log.Debug().
			Int64("recipient", recipientID).
			Int("system", len(systemIDs)).
			Int("chat", len(chatIDs)).
			Msg("feed consumed")
	}
	return &types.Feed{Items: items, UnreadCount: unread}, nil
}

// ConsumeSystem returns every system notification newest first and marks
// them read.
func (e *Engine) ConsumeSystem(ctx context.Context, recipientID int64) ([]*types.Notification, error) {
	if recipientID <= 0 {
		return nil, ErrInvalidRecipient
	}
	list, err := e.store.ListNotifications(ctx, recipientID, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	var ids []int64
	for _, n := range list {
		if !n.IsRead {
			ids = append(ids, n.ID)
		}
	}
	if len(ids) > 0 {
		if err := e.store.MarkNotificationsRead(ctx, recipientID, ids); err != nil {
			return nil, fmt.Errorf("failed to mark notifications read: %w", err)
		}
	}
	return list, nil
}

// ConsumeChat returns every chat notification newest first and marks them read.
func (e *Engine) ConsumeChat(ctx context.Context, recipientID int64) ([]*types.ChatNotification, error) {
	if recipientID <= 0 {
		return nil, ErrInvalidRecipient
	}
	list, err := e.store.ListChatNotifications(ctx, recipientID, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list chat notifications: %w", err)
	}
	var ids []int64
	for _, n := range list {
		if !n.IsRead {
			ids = append(ids, n.ID)
		}
	}
	if len(ids) > 0 {
		if err := e.store.MarkChatNotificationsRead(ctx, recipientID, ids); err != nil {
			return nil, fmt.Errorf("failed to mark chat notifications read: %w", err)
		}
	}
	return list, nil
}

// ListSystem returns system notifications newest first without marking them.
func (e *Engine) ListSystem(ctx context.Context, recipientID int64) ([]*types.Notification, error) {
	if recipientID <= 0 {
		return nil, ErrInvalidRecipient
	}
	return e.store.ListNotifications(ctx, recipientID, 0)
}

// ListChat returns the latest chat notifications without marking them.
func (e *Engine) ListChat(ctx context.Context, recipientID int64, limit int) ([]*types.ChatNotification, error) {
	if recipientID <= 0 {
		return nil, ErrInvalidRecipient
	}
	if limit <= 0 {
		limit = DefaultChatLimit
	}
	return e.store.ListChatNotifications(ctx, recipientID, limit)
}

// UnreadCount sums the unread rows of both sources.
func (e *Engine) UnreadCount(ctx context.Context, recipientID int64) (int, error) {
	system, err := e.store.CountUnreadNotifications(ctx, recipientID)
	if err != nil {
		return 0, fmt.Errorf("failed to count notifications: %w", err)
	}
	chat, err := e.store.CountUnreadChatNotifications(ctx, recipientID)
	if err != nil {
		return 0, fmt.Errorf("failed to count chat notifications: %w", err)
	}
	return system + chat, nil
}

func (e *Engine) fetch(ctx context.Context, recipientID int64, limit int) ([]types.FeedItem, error) {
	system, err := e.store.ListNotifications(ctx, recipientID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	chat, err := e.store.ListChatNotifications(ctx, recipientID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list chat notifications: %w", err)
	}
	return Merge(system, chat), nil
}
