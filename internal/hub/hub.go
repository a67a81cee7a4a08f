package hub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"coursechat/internal/logging"
	"coursechat/pkg/types"
)

// Sink consumes side-effect events. A failing sink never affects delivery
// to sessions or other sinks.
type Sink interface {
	Name() string
	HandleMessage(ctx context.Context, event types.MessageEvent) error
	HandlePresence(ctx context.Context, event types.PresenceEvent) error
}

// Hub dispatches message and presence events to sinks on its own
// goroutine, so connection tasks never wait on downstream systems.
type Hub struct {
	events   chan envelope
	shutdown chan struct{}
	done     chan struct{}

	sinks       []Sink
	sinkTimeout time.Duration
	log         zerolog.Logger

	running bool
	mu      sync.RWMutex

	published atomic.Int64
	dropped   atomic.Int64
	failures  atomic.Int64
}

type envelope struct {
	message  *types.MessageEvent
	presence *types.PresenceEvent
}

// Config sizes the hub.
type Config struct {
	BufferSize  int
	SinkTimeout time.Duration
}

// DefaultConfig returns a 1000 event buffer and a 5s per-sink timeout.
func DefaultConfig() Config {
	return Config{BufferSize: 1000, SinkTimeout: 5 * time.Second}
}

// NewHub creates a stopped hub.
func NewHub(config Config, logger zerolog.Logger) *Hub {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultConfig().BufferSize
	}
	if config.SinkTimeout <= 0 {
		config.SinkTimeout = DefaultConfig().SinkTimeout
	}
	return &Hub{
		events:      make(chan envelope, config.BufferSize),
		sinkTimeout: config.SinkTimeout,
		log:         logging.Component(logger, "hub"),
	}
}

// AddSink registers a sink. Sinks must be added before Start.
func (h *Hub) AddSink(sink Sink) error {
	if sink == nil {
		return ErrNilSink
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return ErrHubAlreadyRunning
	}
	h.sinks = append(h.sinks, sink)
	return nil
}

// Start begins dispatching. ctx supplies values to sink calls only;
// cancelling it does not stop the hub, Stop does.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.shutdown = make(chan struct{})
	h.done = make(chan struct{})

	h.log.Info().Int("sinks", len(h.sinks)).Msg("starting event hub")
	go h.run(ctx, h.sinks, h.shutdown, h.done)
	return nil
}

// Stop drains queued events and waits for the dispatcher to exit.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	close(h.shutdown)
	done := h.done
	h.mu.Unlock()

	<-done
	h.log.Info().Msg("event hub stopped")
	return nil
}

// PublishMessage queues a delivered message event.
func (h *Hub) PublishMessage(event types.MessageEvent) error {
	return h.enqueue(envelope{message: &event})
}

// PublishPresence queues a join or leave event.
func (h *Hub) PublishPresence(event types.PresenceEvent) error {
	return h.enqueue(envelope{presence: &event})
}

func (h *Hub) enqueue(env envelope) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.running {
		return ErrHubNotRunning
	}
	select {
	case h.events <- env:
		h.published.Add(1)
		return nil
	default:
		h.dropped.Add(1)
		return ErrEventChannelFull
	}
}

func (h *Hub) run(ctx context.Context, sinks []Sink, shutdown <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case env := <-h.events:
			h.dispatch(ctx, sinks, env)
		case <-shutdown:
			h.drain(ctx, sinks)
			return
		}
	}
}

func (h *Hub) drain(ctx context.Context, sinks []Sink) {
	for {
		select {
		case env := <-h.events:
			h.dispatch(ctx, sinks, env)
		default:
			return
		}
	}
}

func (h *Hub) dispatch(ctx context.Context, sinks []Sink, env envelope) {
	for _, sink := range sinks {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.sinkTimeout)
		var err error
		if env.message != nil {
			err = sink.HandleMessage(sctx, *env.message)
		} else if env.presence != nil {
			err = sink.HandlePresence(sctx, *env.presence)
		}
		cancel()
		if err != nil {
			h.failures.Add(1)
			h.log.Warn().Err(err).Str("sink", sink.Name()).Msg("sink failed")
		}
	}
}

// IsRunning reports whether the hub accepts events.
func (h *Hub) IsRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// GetStats returns dispatch counters.
func (h *Hub) GetStats() map[string]interface{} {
	h.mu.RLock()
	sinks := len(h.sinks)
	h.mu.RUnlock()
	return map[string]interface{}{
		"running":       h.IsRunning(),
		"sinks":         sinks,
		"queued":        len(h.events),
		"published":     h.published.Load(),
		"dropped":       h.dropped.Load(),
		"sink_failures": h.failures.Load(),
	}
}
