package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"coursechat/internal/auth"
	"coursechat/internal/logging"
	"coursechat/internal/notify"
	"coursechat/internal/presence"
	"coursechat/internal/router"
	"coursechat/pkg/interfaces"
	"coursechat/pkg/types"
)

// Registry exposes live connection counts.
type Registry interface {
	GetStats() map[string]int
}

// Authenticator resolves the caller of a request.
type Authenticator interface {
	Authenticate(r *http.Request) (*types.User, error)
}

// Feed is the notification read side.
type Feed interface {
	Peek(ctx context.Context, recipientID int64) (*types.Feed, error)
	Consume(ctx context.Context, recipientID int64) (*types.Feed, error)
	ConsumeSystem(ctx context.Context, recipientID int64) ([]*types.Notification, error)
	ConsumeChat(ctx context.Context, recipientID int64) ([]*types.ChatNotification, error)
	ListSystem(ctx context.Context, recipientID int64) ([]*types.Notification, error)
	ListChat(ctx context.Context, recipientID int64, limit int) ([]*types.ChatNotification, error)
}

// PresenceReader answers online status queries. Optional.
type PresenceReader interface {
	GetStatus(ctx context.Context, userID int64) (presence.Status, error)
	Ping(ctx context.Context) error
}

// StatsProvider contributes a section to the health response.
type StatsProvider interface {
	GetStats() map[string]interface{}
}

// Config tunes the REST surface.
type Config struct {
	ServiceToken        string
	PrivateMessageLimit int
	ChatListLimit       int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{PrivateMessageLimit: 50, ChatListLimit: notify.DefaultChatLimit}
}

// Deps groups the server's collaborators.
type Deps struct {
	DB       interfaces.DatabaseManager
	Registry Registry
	Authn    Authenticator
	Feed     Feed
	Router   interfaces.MessageRouter
	Presence PresenceReader
	Stats    map[string]StatsProvider
}

// Server is the HTTP API: notification reads, chat listings and health.
type Server struct {
	deps    Deps
	config  Config
	mux     *http.ServeMux
	started time.Time
	log     zerolog.Logger
}

// NewServer creates the API and registers its routes.
func NewServer(deps Deps, config Config, logger zerolog.Logger) *Server {
	if config.PrivateMessageLimit <= 0 {
		config.PrivateMessageLimit = DefaultConfig().PrivateMessageLimit
	}
	if config.ChatListLimit <= 0 {
		config.ChatListLimit = DefaultConfig().ChatListLimit
	}
	s := &Server{
		deps:    deps,
		config:  config,
		mux:     http.NewServeMux(),
		started: time.Now(),
		log:     logging.Component(logger, "api"),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.Handle("OPTIONS /", s.corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))
	s.handle("GET /health", http.HandlerFunc(s.healthCheck))
	s.mux.Handle("GET /metrics", promhttp.Handler())

	s.handle("GET /api/notifications/peek", s.authenticated(s.peekNotifications))
	s.handle("POST /api/notifications/consume", s.authenticated(s.consumeNotifications))
	s.handle("GET /api/notifications/system", s.authenticated(s.listSystemNotifications))
	s.handle("POST /api/notifications/system/consume", s.authenticated(s.consumeSystemNotifications))
	s.handle("POST /api/notifications/system", s.serviceOnly(s.createNotification))
	s.handle("GET /api/chat-notifications", s.authenticated(s.listChatNotifications))
	s.handle("POST /api/chat-notifications/consume", s.authenticated(s.consumeChatNotifications))
	s.handle("GET /api/private-messages", s.authenticated(s.listPrivateMessages))
	s.handle("POST /api/private-messages", s.authenticated(s.sendPrivateMessage))
	if s.deps.Presence != nil {
		s.handle("GET /api/presence/{user_id}", s.authenticated(s.getPresence))
	}
}

func (s *Server) handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, s.corsMiddleware(s.jsonMiddleware(h)))
}

// Mux exposes the route table so other handlers can share it.
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type HealthResponse struct {
	Status      string                            `json:"status"`
	Timestamp   time.Time                         `json:"timestamp"`
	Database    string                            `json:"database"`
	Connections map[string]int                    `json:"connections"`
	Components  map[string]map[string]interface{} `json:"components,omitempty"`
	System      map[string]interface{}            `json:"system"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type SendPrivateMessageRequest struct {
	Receiver int64  `json:"receiver"`
	Content  string `json:"content"`
}

type CreateNotificationRequest struct {
	RecipientID int64  `json:"recipient_id"`
	CourseID    *int64 `json:"course_id,omitempty"`
	Message     string `json:"message"`
	Type        string `json:"notification_type,omitempty"`
}

type NotificationsResponse struct {
	Notifications []*types.Notification `json:"notifications"`
}

type ChatNotificationsResponse struct {
	Notifications []*types.ChatNotification `json:"notifications"`
}

type PrivateMessagesResponse struct {
	Messages []*types.PrivateMessage `json:"messages"`
}

func (s *Server) peekNotifications(w http.ResponseWriter, r *http.Request, user *types.User) {
	feed, err := s.deps.Feed.Peek(r.Context(), user.ID)
	if err != nil {
		s.internalError(w, "Failed to load notifications", err)
		return
	}
	s.writeJSON(w, http.StatusOK, normalizeFeed(feed))
}

func (s *Server) consumeNotifications(w http.ResponseWriter, r *http.Request, user *types.User) {
	feed, err := s.deps.Feed.Consume(r.Context(), user.ID)
	if err != nil {
		s.internalError(w, "Failed to consume notifications", err)
		return
	}
	s.writeJSON(w, http.StatusOK, normalizeFeed(feed))
}

func (s *Server) listSystemNotifications(w http.ResponseWriter, r *http.Request, user *types.User) {
	list, err := s.deps.Feed.ListSystem(r.Context(), user.ID)
	if err != nil {
		s.internalError(w, "Failed to load notifications", err)
		return
	}
	s.writeJSON(w, http.StatusOK, NotificationsResponse{Notifications: nonNil(list)})
}

func (s *Server) consumeSystemNotifications(w http.ResponseWriter, r *http.Request, user *types.User) {
	list, err := s.deps.Feed.ConsumeSystem(r.Context(), user.ID)
	if err != nil {
		s.internalError(w, "Failed to consume notifications", err)
		return
	}
	s.writeJSON(w, http.StatusOK, NotificationsResponse{Notifications: nonNil(list)})
}

func (s *Server) listChatNotifications(w http.ResponseWriter, r *http.Request, user *types.User) {
	list, err := s.deps.Feed.ListChat(r.Context(), user.ID, s.config.ChatListLimit)
	if err != nil {
		s.internalError(w, "Failed to load chat notifications", err)
		return
	}
	s.writeJSON(w, http.StatusOK, ChatNotificationsResponse{Notifications: nonNil(list)})
}

func (s *Server) consumeChatNotifications(w http.ResponseWriter, r *http.Request, user *types.User) {
	list, err := s.deps.Feed.ConsumeChat(r.Context(), user.ID)
	if err != nil {
		s.internalError(w, "Failed to consume chat notifications", err)
		return
	}
	s.writeJSON(w, http.StatusOK, ChatNotificationsResponse{Notifications: nonNil(list)})
}

func (s *Server) listPrivateMessages(w http.ResponseWriter, r *http.Request, user *types.User) {
	msgs, err := s.deps.DB.LatestPrivateMessages(r.Context(), user.ID, s.config.PrivateMessageLimit)
	if err != nil {
		s.internalError(w, "Failed to load private messages", err)
		return
	}
	s.writeJSON(w, http.StatusOK, PrivateMessagesResponse{Messages: nonNil(msgs)})
}

// sendPrivateMessage goes through the same pipeline as the socket path,
// so live sessions in the room receive the message.
func (s *Server) sendPrivateMessage(w http.ResponseWriter, r *http.Request, user *types.User) {
	var req SendPrivateMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Receiver <= 0 || req.Content == "" {
		s.sendError(w, "receiver and content are required", http.StatusBadRequest)
		return
	}
	if _, err := s.deps.DB.GetUser(r.Context(), req.Receiver); err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			s.sendError(w, "Receiver not found", http.StatusNotFound)
			return
		}
		s.internalError(w, "Failed to load receiver", err)
		return
	}

	event, err := s.deps.Router.Route(r.Context(), user, router.RequestOrigin(r), types.PrivateRoom(user.ID, req.Receiver), req.Content)
	if err != nil {
		if router.IsClientError(err) {
			s.sendError(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.internalError(w, "Failed to send message", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, event)
}

func (s *Server) createNotification(w http.ResponseWriter, r *http.Request) {
	var req CreateNotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.RecipientID <= 0 || req.Message == "" {
		s.sendError(w, "recipient_id and message are required", http.StatusBadRequest)
		return
	}
	if _, err := s.deps.DB.GetUser(r.Context(), req.RecipientID); err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			s.sendError(w, "Recipient not found", http.StatusNotFound)
			return
		}
		s.internalError(w, "Failed to load recipient", err)
		return
	}

	n := &types.Notification{
		RecipientID: req.RecipientID,
		CourseID:    req.CourseID,
		Message:     req.Message,
		Type:        req.Type,
	}
	if err := s.deps.DB.CreateNotification(r.Context(), n); err != nil {
		s.internalError(w, "Failed to create notification", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, n)
}

func (s *Server) getPresence(w http.ResponseWriter, r *http.Request, _ *types.User) {
	userID, err := types.ParseID(r.PathValue("user_id"))
	if err != nil {
		s.sendError(w, "Invalid user id", http.StatusBadRequest)
		return
	}
	status, err := s.deps.Presence.GetStatus(r.Context(), userID)
	if err != nil {
		s.internalError(w, "Failed to load presence", err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	dbStatus := "healthy"
	if err := s.deps.DB.HealthCheck(ctx); err != nil {
		status = "unhealthy"
		dbStatus = "error: " + err.Error()
	}

	var connections map[string]int
	if s.deps.Registry != nil {
		connections = s.deps.Registry.GetStats()
	}
	components := make(map[string]map[string]interface{}, len(s.deps.Stats)+1)
	for name, p := range s.deps.Stats {
		components[name] = p.GetStats()
	}
	// Presence is optional; losing it degrades but does not fail the service.
	if s.deps.Presence != nil {
		presenceStatus := "healthy"
		if err := s.deps.Presence.Ping(ctx); err != nil {
			presenceStatus = "error: " + err.Error()
			if status == "healthy" {
				status = "degraded"
			}
		}
		components["presence"] = map[string]interface{}{"status": presenceStatus}
	}

	response := HealthResponse{
		Status:      status,
		Timestamp:   time.Now().UTC(),
		Database:    dbStatus,
		Connections: connections,
		Components:  components,
		System: map[string]interface{}{
			"goroutines": runtime.NumGoroutine(),
			"uptime":     time.Since(s.started).Round(time.Second).String(),
		},
	}

	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, response)
}

type userHandler func(http.ResponseWriter, *http.Request, *types.User)

func (s *Server) authenticated(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := s.deps.Authn.Authenticate(r)
		if err != nil {
			if auth.IsAuthError(err) {
				s.sendError(w, "Authentication required", http.StatusUnauthorized)
				return
			}
			s.internalError(w, "Failed to authenticate", err)
			return
		}
		next(w, r, user)
	})
}

func (s *Server) serviceOnly(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.ServiceToken == "" {
			s.sendError(w, ErrServiceDisabled.Error(), http.StatusForbidden)
			return
		}
		got := r.Header.Get("X-Service-Token")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.config.ServiceToken)) != 1 {
			s.sendError(w, ErrBadServiceToken.Error(), http.StatusUnauthorized)
			return
		}
		next(w, r)
	})
}

func normalizeFeed(feed *types.Feed) *types.Feed {
	if feed.Items == nil {
		feed.Items = []types.FeedItem{}
	}
	return feed
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug().Err(err).Msg("failed to write response")
	}
}

func (s *Server) internalError(w http.ResponseWriter, message string, err error) {
	s.log.Error().Err(err).Msg(message)
	s.sendError(w, message, http.StatusInternalServerError)
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.writeJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Service-Token")
		w.Header().Set("Access-Control-Max-Age", "86400")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
