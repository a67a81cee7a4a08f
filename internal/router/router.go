package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"coursechat/internal/logging"
	"coursechat/internal/metrics"
	"coursechat/pkg/interfaces"
	"coursechat/pkg/types"
)

// Broadcaster fans an encoded frame out to every session of a room and
// returns how many sessions accepted it.
type Broadcaster interface {
	Broadcast(key types.RoomKey, event types.RoomEvent) int
}

// EventPublisher receives a description of every delivered message. Optional.
type EventPublisher interface {
	PublishMessage(event types.MessageEvent) error
}

// Config tunes the router.
type Config struct {
	RatePerMinute int
	WriteTimeout  time.Duration
	DefaultAvatar string
	MediaURL      string
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		RatePerMinute: 100,
		WriteTimeout:  10 * time.Second,
		DefaultAvatar: DefaultAvatarPath,
		MediaURL:      DefaultMediaURL,
	}
}

// Router persists accepted messages and then broadcasts them to their room.
// Nothing is broadcast for a message that failed to persist.
type Router struct {
	store        interfaces.MessageStore
	broadcaster  Broadcaster
	publisher    EventPublisher
	avatars      *AvatarResolver
	limiter      *RateLimiter
	writeTimeout time.Duration
	now          func() time.Time
	log          zerolog.Logger
}

// NewRouter creates a router. publisher may be nil.
func NewRouter(store interfaces.MessageStore, broadcaster Broadcaster, publisher EventPublisher, config Config, logger zerolog.Logger) *Router {
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultConfig().WriteTimeout
	}
	return &Router{
		store:        store,
		broadcaster:  broadcaster,
		publisher:    publisher,
		avatars:      NewAvatarResolver(config.DefaultAvatar, config.MediaURL),
		limiter:      NewRateLimiter(config.RatePerMinute),
		writeTimeout: config.WriteTimeout,
		now:          time.Now,
		log:          logging.Component(logger, "router"),
	}
}

// Allow applies the per-user inbound rate limit.
func (r *Router) Allow(userID int64) bool {
	return r.limiter.Allow(userID)
}

// RunCleanup drops idle rate limiter state every interval until ctx ends.
func (r *Router) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.limiter.Cleanup(5 * time.Minute); n > 0 {
				r.log.Debug().Int("removed", n).Msg("rate limiter cleanup")
			}
		}
	}
}

// Route validates content, persists it, then broadcasts it to room.
// Persistence runs detached from ctx so a session closing mid-write
// does not abort an accepted message.
func (r *Router) Route(ctx context.Context, sender *types.User, origin interfaces.Origin, room types.RoomDescriptor, content string) (*types.MessageEvent, error) {
	if sender == nil {
		return nil, ErrNilSender
	}
	if err := types.ValidateContent(content); err != nil {
		return nil, err
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.writeTimeout)
	defer cancel()

	var (
		event types.MessageEvent
		frame types.ChatEvent
	)
	switch room.Kind {
	case types.RoomKindCourse:
		msg := &types.Message{
			CourseID:  room.CourseID,
			SenderID:  sender.ID,
			Content:   content,
			CreatedAt: r.now().UTC(),
			Sender:    *sender,
		}
		if err := r.store.StoreCourseMessage(writeCtx, msg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrPersistFailed, err)
		}
		frame = r.courseFrame(origin, msg)
		event = types.MessageEvent{
			MessageID: msg.ID,
			CourseID:  msg.CourseID,
			CreatedAt: msg.CreatedAt,
		}

	case types.RoomKindPrivate:
		if !room.Includes(sender.ID) {
			return nil, ErrNotParticipant
		}
		msg := &types.PrivateMessage{
			SenderID:   sender.ID,
			ReceiverID: room.Peer(sender.ID),
			Content:    content,
			CreatedAt:  r.now().UTC(),
			Sender:     *sender,
		}
		var note *types.ChatNotification
		if msg.ReceiverID != msg.SenderID {
			note = &types.ChatNotification{
				RecipientID: msg.ReceiverID,
				SenderID:    msg.SenderID,
				Message:     content,
				CreatedAt:   msg.CreatedAt,
			}
		}
		if err := r.store.StorePrivateMessage(writeCtx, msg, note); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrPersistFailed, err)
		}
		frame = r.privateFrame(origin, msg)
		event = types.MessageEvent{
			MessageID:  msg.ID,
			ReceiverID: msg.ReceiverID,
			CreatedAt:  msg.CreatedAt,
		}

	default:
		return nil, ErrUnknownRoomKind
	}

	payload, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}

	key := room.Key()
	delivered := r.broadcaster.Broadcast(key, types.RoomEvent{MessageID: event.MessageID, Payload: payload})
	metrics.MessagesTotal.WithLabelValues(string(room.Kind)).Inc()

	event.ID = uuid.New().String()
	event.RoomKey = key
	event.RoomKind = room.Kind
	event.SenderID = sender.ID
	event.Content = content
	event.Delivered = delivered

	r.log.Debug().
		Str("room", string(key)).
		Int64("sender", sender.ID).
		Int("delivered", delivered).
		Msg("message routed")

	if r.publisher != nil {
		if err := r.publisher.PublishMessage(event); err != nil {
			r.log.Warn().Err(err).Str("room", string(key)).Msg("message event not published")
		}
	}
	return &event, nil
}

// RenderCourseHistory encodes messages, oldest first, as live frames.
func (r *Router) RenderCourseHistory(origin interfaces.Origin, messages []*types.Message) ([]types.RoomEvent, error) {
	events := make([]types.RoomEvent, 0, len(messages))
	for _, msg := range messages {
		payload, err := json.Marshal(r.courseFrame(origin, msg))
		if err != nil {
			return nil, err
		}
		events = append(events, types.RoomEvent{MessageID: msg.ID, Payload: payload})
	}
	return events, nil
}

// RenderPrivateHistory encodes private messages, oldest first, as live frames.
func (r *Router) RenderPrivateHistory(origin interfaces.Origin, messages []*types.PrivateMessage) ([]types.RoomEvent, error) {
	events := make([]types.RoomEvent, 0, len(messages))
	for _, msg := range messages {
		payload, err := json.Marshal(r.privateFrame(origin, msg))
		if err != nil {
			return nil, err
		}
		events = append(events, types.RoomEvent{MessageID: msg.ID, Payload: payload})
	}
	return events, nil
}

func (r *Router) courseFrame(origin interfaces.Origin, msg *types.Message) types.ChatEvent {
	return types.ChatEvent{
		RoomKind:   types.RoomKindCourse,
		Author:     msg.Sender.Username,
		Message:    msg.Content,
		Timestamp:  types.FormatClock(msg.CreatedAt),
		ProfilePic: r.avatars.URL(origin, &msg.Sender),
	}
}

func (r *Router) privateFrame(origin interfaces.Origin, msg *types.PrivateMessage) types.ChatEvent {
	return types.ChatEvent{
		RoomKind:   types.RoomKindPrivate,
		Author:     msg.Sender.Username,
		Message:    msg.Content,
		Timestamp:  types.FormatClock(msg.CreatedAt),
		ProfilePic: r.avatars.URL(origin, &msg.Sender),
	}
}

// IsClientError reports whether err was caused by the sender's input
// rather than a server-side failure.
func IsClientError(err error) bool {
	return errors.Is(err, types.ErrEmptyContent) ||
		errors.Is(err, types.ErrContentTooLarge) ||
		errors.Is(err, ErrNotParticipant) ||
		errors.Is(err, ErrNilSender)
}
