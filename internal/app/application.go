package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"coursechat/internal/api"
	"coursechat/internal/auth"
	"coursechat/internal/authz"
	"coursechat/internal/config"
	"coursechat/internal/database"
	"coursechat/internal/events"
	"coursechat/internal/hub"
	"coursechat/internal/logging"
	"coursechat/internal/metrics"
	"coursechat/internal/notify"
	"coursechat/internal/presence"
	"coursechat/internal/router"
	"coursechat/internal/websocket"
	pkgdatabase "coursechat/pkg/database"
)

// Application owns every component and their lifecycle.
type Application struct {
	config     *config.Config
	log        zerolog.Logger
	dbManager  *database.Manager
	authorizer *authz.Authorizer
	registry   *websocket.Registry
	eventHub   *hub.Hub
	router     *router.Router
	feed       *notify.Engine
	apiServer  *api.Server
	wsHandler  *websocket.Handler
	httpServer *http.Server

	redisClient *redis.Client
	producer    *events.Producer

	listener net.Listener
	cancel   context.CancelFunc
}

// NewApplication wires the components in dependency order:
// Database → Migrations → Authorizer → Registry → Hub → Router → Feed → API → HTTP
func NewApplication(cfg *config.Config, logger zerolog.Logger) (*Application, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	app := &Application{config: cfg, log: logging.Component(logger, "app")}

	dbManager, err := database.NewManager(cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}
	app.dbManager = dbManager

	migrations := pkgdatabase.NewMigrationManager(dbManager.GetDB(), nil)
	if err := migrations.ApplyMigrations(); err != nil {
		_ = dbManager.Close()
		return nil, fmt.Errorf("failed to apply database migrations: %w", err)
	}
	if err := migrations.ValidateSchema(); err != nil {
		_ = dbManager.Close()
		return nil, err
	}
	app.log.Info().Msg("database migrations applied")

	app.authorizer = authz.New(dbManager, dbManager, cfg.Chat.AuthzCacheTTL)
	app.registry = websocket.NewRegistry(logger)

	app.eventHub = hub.NewHub(hub.DefaultConfig(), logger)
	var presenceStore *presence.Store
	if cfg.Redis.Enabled {
		app.redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		presenceStore = presence.NewStore(app.redisClient, cfg.Redis.Prefix, cfg.Redis.PresenceTTL)
		if err := app.eventHub.AddSink(presenceStore); err != nil {
			app.releaseResources()
			return nil, err
		}
	}
	if cfg.Kafka.Enabled {
		producer, err := events.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			app.releaseResources()
			return nil, fmt.Errorf("failed to create kafka producer: %w", err)
		}
		app.producer = producer
		if err := app.eventHub.AddSink(producer); err != nil {
			app.releaseResources()
			return nil, err
		}
	}

	app.router = router.NewRouter(dbManager, app.registry, app.eventHub, router.Config{
		RatePerMinute: cfg.Chat.RatePerMinute,
		WriteTimeout:  cfg.Database.WriteTimeout,
		DefaultAvatar: cfg.Chat.DefaultAvatar,
		MediaURL:      cfg.Chat.MediaURL,
	}, logger)
	app.feed = notify.NewEngine(dbManager, cfg.Chat.PeekLimit, logger)
	authenticator := auth.NewAuthenticator(cfg.Auth.JWTSecret, dbManager)

	deps := api.Deps{
		DB:       dbManager,
		Registry: app.registry,
		Authn:    authenticator,
		Feed:     app.feed,
		Router:   app.router,
		Stats: map[string]api.StatsProvider{
			"hub":   app.eventHub,
			"authz": app.authorizer,
		},
	}
	if presenceStore != nil {
		deps.Presence = presenceStore
	}
	app.apiServer = api.NewServer(deps, api.Config{
		ServiceToken:        cfg.Auth.ServiceToken,
		PrivateMessageLimit: cfg.Chat.PrivateHistoryLimit,
	}, logger)

	app.wsHandler = websocket.NewHandler(websocket.HandlerDeps{
		Registry:   app.registry,
		Authn:      authenticator,
		Authorizer: app.authorizer,
		Messages:   dbManager,
		Chats:      dbManager,
		Router:     app.router,
		Presence:   app.eventHub,
		Origin:     router.RequestOrigin,
	}, websocket.Config{
		BufferSize:          cfg.WebSocket.BufferSize,
		WriteTimeout:        cfg.WebSocket.WriteTimeout,
		PingInterval:        cfg.WebSocket.PingInterval,
		ReadTimeout:         cfg.WebSocket.ReadTimeout,
		MaxMessageBytes:     cfg.WebSocket.MaxMessageBytes,
		CourseHistoryLimit:  cfg.Chat.CourseHistoryLimit,
		PrivateHistoryLimit: cfg.Chat.PrivateHistoryLimit,
		PresenceRefresh:     presenceRefresh(cfg),
	}, logger)
	app.wsHandler.Register(app.apiServer.Mux())

	app.httpServer = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           metrics.Middleware(app.apiServer),
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
	}
	return app, nil
}

// Handler returns the root HTTP handler.
func (app *Application) Handler() http.Handler {
	return app.httpServer.Handler
}

// Start runs the hub and begins serving HTTP. It returns once the
// listener is bound.
func (app *Application) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	app.cancel = cancel

	if err := app.eventHub.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("failed to start event hub: %w", err)
	}
	go app.router.RunCleanup(runCtx, time.Minute)

	ln, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		cancel()
		_ = app.eventHub.Stop()
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	app.listener = ln

	go func() {
		if err := app.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.log.Error().Err(err).Msg("HTTP server error")
		}
	}()
	app.log.Info().Str("addr", ln.Addr().String()).Msg("coursechat started")
	return nil
}

// Stop shuts down in reverse dependency order: HTTP → sessions → Hub → sinks → Database.
// Sessions finish their cleanup before the hub drains.
func (app *Application) Stop(ctx context.Context) error {
	app.log.Info().Msg("shutting down")

	var errs []error
	if err := app.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	// Shutdown does not touch hijacked connections.
	if n := app.registry.CloseAll(); n > 0 {
		app.log.Info().Int("sessions", n).Msg("closed live sessions")
	}
	if err := app.wsHandler.Wait(ctx); err != nil {
		errs = append(errs, fmt.Errorf("sessions: %w", err))
	}
	// Closed sessions have queued their leave events; drain them before
	// background work is cancelled.
	if err := app.eventHub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		errs = append(errs, fmt.Errorf("hub: %w", err))
	}
	if app.cancel != nil {
		app.cancel()
	}
	app.releaseResources()

	app.log.Info().Msg("shutdown complete")
	return errors.Join(errs...)
}

// releaseResources releases the external clients and the database.
func (app *Application) releaseResources() {
	if app.producer != nil {
		if err := app.producer.Close(); err != nil {
			app.log.Warn().Err(err).Msg("kafka producer close")
		}
	}
	if app.redisClient != nil {
		if err := app.redisClient.Close(); err != nil {
			app.log.Warn().Err(err).Msg("redis close")
		}
	}
	if app.dbManager != nil {
		if err := app.dbManager.Close(); err != nil {
			app.log.Warn().Err(err).Msg("database close")
		}
	}
}

// GetAddr returns the bound address once started, else the configured one.
func (app *Application) GetAddr() string {
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// Database exposes the store for seeding and tests.
func (app *Application) Database() *database.Manager {
	return app.dbManager
}

// presenceRefresh keeps Redis presence alive at half its TTL. Without a
// presence store there is nothing to refresh.
func presenceRefresh(cfg *config.Config) time.Duration {
	if !cfg.Redis.Enabled {
		return 0
	}
	ttl := cfg.Redis.PresenceTTL
	if ttl <= 0 {
		ttl = presence.DefaultTTL
	}
	return ttl / 2
}
