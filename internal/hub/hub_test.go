package hub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"coursechat/pkg/types"
)

type recordingSink struct {
	name     string
	mu       sync.Mutex
	messages []types.MessageEvent
	presence []types.PresenceEvent
	err      error
	block    chan struct{}
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) HandleMessage(_ context.Context, ev types.MessageEvent) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, ev)
	return s.err
}

func (s *recordingSink) HandlePresence(_ context.Context, ev types.PresenceEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presence = append(s.presence, ev)
	return s.err
}

func (s *recordingSink) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages), len(s.presence)
}

func TestHub_StartStop(t *testing.T) {
	h := NewHub(DefaultConfig(), zerolog.Nop())
	ctx := context.Background()

	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := h.Start(ctx); !errors.Is(err, ErrHubAlreadyRunning) {
		t.Errorf("second Start() error = %v", err)
	}
	if err := h.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := h.Stop(); !errors.Is(err, ErrHubNotRunning) {
		t.Errorf("second Stop() error = %v", err)
	}
}

func TestHub_PublishRequiresRunning(t *testing.T) {
	h := NewHub(DefaultConfig(), zerolog.Nop())
	if err := h.PublishMessage(types.MessageEvent{}); !errors.Is(err, ErrHubNotRunning) {
		t.Errorf("PublishMessage() error = %v", err)
	}
	if err := h.PublishPresence(types.PresenceEvent{}); !errors.Is(err, ErrHubNotRunning) {
		t.Errorf("PublishPresence() error = %v", err)
	}
}

func TestHub_DispatchesToEverySink(t *testing.T) {
	h := NewHub(DefaultConfig(), zerolog.Nop())
	failing := &recordingSink{name: "failing", err: errors.New("unavailable")}
	healthy := &recordingSink{name: "healthy"}
	for _, s := range []Sink{failing, healthy} {
		if err := h.AddSink(s); err != nil {
			t.Fatalf("AddSink() error = %v", err)
		}
	}
	if err := h.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := h.PublishMessage(types.MessageEvent{RoomKey: "course:1", MessageID: 1}); err != nil {
		t.Fatalf("PublishMessage() error = %v", err)
	}
	if err := h.PublishPresence(types.PresenceEvent{RoomKey: "course:1", UserID: 3, Online: true}); err != nil {
		t.Fatalf("PublishPresence() error = %v", err)
	}

	// Stop drains the queue before returning.
	if err := h.Stop(); err != nil {
		t.Fatal(err)
	}

	for _, s := range []*recordingSink{failing, healthy} {
		m, p := s.counts()
		if m != 1 || p != 1 {
			t.Errorf("%s got %d messages and %d presence events", s.name, m, p)
		}
	}
	stats := h.GetStats()
	if stats["sink_failures"].(int64) != 2 {
		t.Errorf("sink_failures = %v", stats["sink_failures"])
	}
	if stats["published"].(int64) != 2 {
		t.Errorf("published = %v", stats["published"])
	}
}

func TestHub_FullQueueDropsWithoutBlocking(t *testing.T) {
	h := NewHub(Config{BufferSize: 1, SinkTimeout: time.Second}, zerolog.Nop())
	slow := &recordingSink{name: "slow", block: make(chan struct{})}
	if err := h.AddSink(slow); err != nil {
		t.Fatal(err)
	}
	if err := h.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	var full bool
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if err := h.PublishMessage(types.MessageEvent{}); errors.Is(err, ErrEventChannelFull) {
			full = true
			break
		}
	}
	if !full {
		t.Fatal("expected ErrEventChannelFull while the sink is blocked")
	}
	if h.GetStats()["dropped"].(int64) == 0 {
		t.Error("dropped counter should increase")
	}

	close(slow.block)
	if err := h.Stop(); err != nil {
		t.Fatal(err)
	}
}

func TestHub_AddSinkAfterStart(t *testing.T) {
	h := NewHub(DefaultConfig(), zerolog.Nop())
	if err := h.AddSink(nil); !errors.Is(err, ErrNilSink) {
		t.Errorf("AddSink(nil) error = %v", err)
	}
	if err := h.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer h.Stop()
	if err := h.AddSink(&recordingSink{name: "late"}); !errors.Is(err, ErrHubAlreadyRunning) {
		t.Errorf("AddSink() after Start error = %v", err)
	}
}

func TestHub_StopDeliversEventsPublishedAfterCancel(t *testing.T) {
	h := NewHub(DefaultConfig(), zerolog.Nop())
	sink := &recordingSink{name: "presence"}
	if err := h.AddSink(sink); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := h.Start(ctx); err != nil {
		t.Fatal(err)
	}
	cancel()

	for i := 0; i < 10; i++ {
		ev := types.PresenceEvent{RoomKey: types.CourseRoomKey(1), UserID: int64(i + 1), Online: false}
		if err := h.PublishPresence(ev); err != nil {
			t.Fatalf("PublishPresence() error = %v", err)
		}
	}
	if err := h.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if _, presence := sink.counts(); presence != 10 {
		t.Errorf("dispatched %d of 10 presence events", presence)
	}
}
