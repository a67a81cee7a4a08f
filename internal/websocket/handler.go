package websocket

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"coursechat/internal/authz"
	"coursechat/internal/logging"
	"coursechat/internal/metrics"
	"coursechat/pkg/interfaces"
	"coursechat/pkg/types"
)

// Config tunes sessions and history replay.
type Config struct {
	BufferSize          int
	WriteTimeout        time.Duration
	PingInterval        time.Duration
	ReadTimeout         time.Duration
	MaxMessageBytes     int64
	CourseHistoryLimit  int
	PrivateHistoryLimit int
	// PresenceRefresh re-announces a live session so presence entries
	// with a TTL do not expire under it. Zero disables refreshing.
	PresenceRefresh time.Duration
}

// DefaultConfig mirrors the production defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize:          100,
		WriteTimeout:        5 * time.Second,
		PingInterval:        30 * time.Second,
		ReadTimeout:         60 * time.Second,
		MaxMessageBytes:     types.MaxContentBytes + 1024,
		CourseHistoryLimit:  20,
		PrivateHistoryLimit: 50,
	}
}

// Authenticator extracts the user from the upgrade request.
type Authenticator interface {
	Authenticate(r *http.Request) (*types.User, error)
}

// Router persists inbound messages, applies the per-user rate limit and
// renders history in the live frame format.
type Router interface {
	interfaces.MessageRouter
	Allow(userID int64) bool
	RenderCourseHistory(origin interfaces.Origin, messages []*types.Message) ([]types.RoomEvent, error)
	RenderPrivateHistory(origin interfaces.Origin, messages []*types.PrivateMessage) ([]types.RoomEvent, error)
}

// PresencePublisher receives join and leave events. Optional.
type PresencePublisher interface {
	PublishPresence(event types.PresenceEvent) error
}

// OriginFunc derives the scheme and host used for avatar URLs.
type OriginFunc func(r *http.Request) interfaces.Origin

var upgrader = websocket.Upgrader{
	CheckOrigin:      func(r *http.Request) bool { return true },
	HandshakeTimeout: 10 * time.Second,
}

// Handler serves the course and private room endpoints.
type Handler struct {
	registry   *Registry
	authn      Authenticator
	authorizer interfaces.RoomAuthorizer
	messages   interfaces.MessageStore
	chats      interfaces.ChatNotificationStore
	router     Router
	presence   PresencePublisher
	origin     OriginFunc
	config     Config
	log        zerolog.Logger

	sessions sync.WaitGroup
}

// HandlerDeps groups the handler's collaborators.
type HandlerDeps struct {
	Registry   *Registry
	Authn      Authenticator
	Authorizer interfaces.RoomAuthorizer
	Messages   interfaces.MessageStore
	Chats      interfaces.ChatNotificationStore
	Router     Router
	Presence   PresencePublisher
	Origin     OriginFunc
}

// NewHandler creates a new WebSocket handler with dependency injection
func NewHandler(deps HandlerDeps, config Config, logger zerolog.Logger) *Handler {
	return &Handler{
		registry:   deps.Registry,
		authn:      deps.Authn,
		authorizer: deps.Authorizer,
		messages:   deps.Messages,
		chats:      deps.Chats,
		router:     deps.Router,
		presence:   deps.Presence,
		origin:     deps.Origin,
		config:     config,
		log:        logging.Component(logger, "ws"),
	}
}

// Register mounts the socket routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/chat/{course_id}", h.HandleCourseRoom)
	mux.HandleFunc("GET /ws/private/{user_id}", h.HandlePrivateRoom)
}

// HandleCourseRoom serves /ws/chat/{course_id}.
func (h *Handler) HandleCourseRoom(w http.ResponseWriter, r *http.Request) {
	courseID, err := types.ParseID(r.PathValue("course_id"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	h.serve(w, r, func(*types.User) types.RoomDescriptor {
		return types.CourseRoom(courseID)
	})
}

// HandlePrivateRoom serves /ws/private/{user_id}; the room is shared with
// the user named in the path.
func (h *Handler) HandlePrivateRoom(w http.ResponseWriter, r *http.Request) {
	peerID, err := types.ParseID(r.PathValue("user_id"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	h.serve(w, r, func(user *types.User) types.RoomDescriptor {
		if user == nil {
			return types.PrivateRoom(peerID, peerID)
		}
		return types.PrivateRoom(user.ID, peerID)
	})
}

// serve drives one session: Connecting, Authorizing, Joined, Closed.
func (h *Handler) serve(w http.ResponseWriter, r *http.Request, describe func(*types.User) types.RoomDescriptor) {
	h.sessions.Add(1)
	defer h.sessions.Done()

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("upgrade failed")
		return
	}

	// Identity comes from the transport, never from frames.
	user, err := h.authn.Authenticate(r)
	if err != nil {
		h.log.Debug().Err(err).Msg("unauthenticated upgrade")
		user = nil
	}
	room := describe(user)

	if err := h.authorizer.Authorize(r.Context(), user, room); err != nil {
		metrics.AuthRejections.WithLabelValues(authz.Reason(err)).Inc()
		event := h.log.Debug()
		if !authz.IsRejection(err) {
			event = h.log.Error()
		}
		event.Err(err).Str("room", string(room.Key())).Msg("join rejected")
		closeRejected(ws, h.config.WriteTimeout)
		return
	}

	conn := NewConnection(ws, user, h.config, h.log)
	key := room.Key()
	origin := h.origin(r)

	conn.Hold()
	if err := h.registry.Join(key, conn); err != nil {
		h.log.Error().Err(err).Str("room", string(key)).Msg("failed to register connection")
		_ = conn.Close()
		return
	}
	h.publishPresence(key, conn, true)
	refreshDone := make(chan struct{})
	go h.refreshPresence(key, conn, refreshDone)
	defer func() {
		h.registry.Leave(key, conn)
		_ = conn.Close()
		// The leave must be queued after the last refresh.
		<-refreshDone
		h.publishPresence(key, conn, false)
	}()

	sent := h.replayHistory(conn, room, origin)
	if err := conn.Release(sent); err != nil {
		return
	}

	if room.Kind == types.RoomKindPrivate {
		h.markPeerRead(conn, room)
	}

	h.readLoop(conn, room, origin)
}

// Wait blocks until every session has run its cleanup, including the
// leave event, or ctx ends.
func (h *Handler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// closeRejected ends an unauthorized session with a normal close frame.
func closeRejected(ws *websocket.Conn, timeout time.Duration) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(timeout))
	_ = ws.Close()
}

// replayHistory writes backlog to the joining session only and returns
// the ids it sent.
func (h *Handler) replayHistory(conn *Connection, room types.RoomDescriptor, origin interfaces.Origin) map[int64]struct{} {
	ctx, cancel := context.WithTimeout(conn.ctx, h.config.ReadTimeout)
	defer cancel()

	var (
		events []types.RoomEvent
		err    error
	)
	switch room.Kind {
	case types.RoomKindCourse:
		var msgs []*types.Message
		msgs, err = h.messages.RecentCourseMessages(ctx, room.CourseID, h.config.CourseHistoryLimit)
		if err == nil {
			reverse(msgs)
			events, err = h.router.RenderCourseHistory(origin, msgs)
		}
	case types.RoomKindPrivate:
		var msgs []*types.PrivateMessage
		msgs, err = h.messages.PrivateRoomHistory(ctx, room.Key(), h.config.PrivateHistoryLimit)
		if err == nil {
			events, err = h.router.RenderPrivateHistory(origin, msgs)
		}
	}
	if err != nil {
		h.log.Error().Err(err).Str("room", string(room.Key())).Msg("history replay failed")
		return nil
	}

	sent := make(map[int64]struct{}, len(events))
	for _, ev := range events {
		if err := conn.Send(ev.Payload); err != nil {
			h.log.Debug().Err(err).Msg("history write failed")
			break
		}
		sent[ev.MessageID] = struct{}{}
	}
	return sent
}

func reverse[T any](s []T) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

// markPeerRead clears the chat notifications the peer sent this user.
func (h *Handler) markPeerRead(conn *Connection, room types.RoomDescriptor) {
	peer := room.Peer(conn.UserID())
	if peer == conn.UserID() || h.chats == nil {
		return
	}
	if _, err := h.chats.MarkChatNotificationsReadFrom(conn.ctx, conn.UserID(), peer); err != nil {
		h.log.Warn().Err(err).Int64("peer", peer).Msg("failed to mark chat notifications read")
	}
}

func (h *Handler) readLoop(conn *Connection, room types.RoomDescriptor, origin interfaces.Origin) {
	ws := conn.conn
	ws.SetReadLimit(h.config.MaxMessageBytes)
	if err := ws.SetReadDeadline(time.Now().Add(h.config.ReadTimeout)); err != nil {
		return
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
	})

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.log.Debug().Err(err).Msg("websocket read error")
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))

		if messageType != websocket.TextMessage {
			metrics.FramesDropped.WithLabelValues("binary").Inc()
			continue
		}

		content, err := types.DecodeInbound(data)
		if err != nil {
			metrics.FramesDropped.WithLabelValues(dropReason(err)).Inc()
			h.log.Warn().Err(err).Int64("user_id", conn.UserID()).Msg("dropping inbound frame")
			continue
		}

		if !h.router.Allow(conn.UserID()) {
			metrics.FramesDropped.WithLabelValues("rate_limited").Inc()
			h.log.Warn().Int64("user_id", conn.UserID()).Msg("rate limit exceeded, dropping frame")
			continue
		}

		if _, err := h.router.Route(conn.ctx, conn.User(), origin, room, content); err != nil {
			h.log.Error().Err(err).Str("room", string(room.Key())).Int64("user_id", conn.UserID()).Msg("message not delivered")
		}
	}
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, types.ErrEmptyContent):
		return "empty"
	case errors.Is(err, types.ErrContentTooLarge):
		return "too_large"
	default:
		return "malformed"
	}
}

// refreshPresence republishes the session as online every
// PresenceRefresh until the connection closes.
func (h *Handler) refreshPresence(key types.RoomKey, conn *Connection, done chan<- struct{}) {
	defer close(done)
	if h.presence == nil || h.config.PresenceRefresh <= 0 {
		return
	}
	ticker := time.NewTicker(h.config.PresenceRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-conn.Done():
			return
		case <-ticker.C:
			h.publishPresence(key, conn, true)
		}
	}
}

func (h *Handler) publishPresence(key types.RoomKey, conn *Connection, online bool) {
	if h.presence == nil {
		return
	}
	err := h.presence.PublishPresence(types.PresenceEvent{
		RoomKey:      key,
		UserID:       conn.UserID(),
		ConnectionID: conn.ID(),
		Online:       online,
		At:           time.Now().UTC(),
	})
	if err != nil {
		h.log.Debug().Err(err).Msg("presence event not published")
	}
}
