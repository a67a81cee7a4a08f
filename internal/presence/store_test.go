package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"coursechat/pkg/types"
)

func TestStore_Keys(t *testing.T) {
	s := NewStore(nil, "", 0)
	if s.prefix != "coursechat" || s.ttl != 2*time.Minute {
		t.Errorf("defaults = %q %v", s.prefix, s.ttl)
	}
	if got := s.roomKey(types.CourseRoomKey(4)); got != "coursechat:room:course:4" {
		t.Errorf("roomKey = %q", got)
	}
	if got := s.connKey(9); got != "coursechat:conn:9" {
		t.Errorf("connKey = %q", got)
	}
	if got := s.presenceKey(9); got != "coursechat:presence:9" {
		t.Errorf("presenceKey = %q", got)
	}
	if got := s.eventChannel(types.PrivateRoomKey(9, 2)); got != "coursechat:events:private:2:9" {
		t.Errorf("eventChannel = %q", got)
	}
	if got := member(9, "abc"); got != "9:abc" {
		t.Errorf("member = %q", got)
	}
}

func TestStore_UnreachableServerReturnsErrors(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()
	s := NewStore(client, "test", time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ev := types.PresenceEvent{RoomKey: "course:1", UserID: 1, ConnectionID: "c1", Online: true, At: time.Now()}
	if err := s.HandlePresence(ctx, ev); err == nil {
		t.Error("expected an error from an unreachable server")
	}
	if err := s.HandleMessage(ctx, types.MessageEvent{RoomKey: "course:1"}); err == nil {
		t.Error("expected an error from an unreachable server")
	}
	if err := s.Ping(ctx); err == nil {
		t.Error("expected Ping to fail")
	}
}

func newTestStore(t *testing.T, ttl time.Duration) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewStore(client, "test", ttl), mr
}

func presenceEvent(userID int64, connID string, online bool) types.PresenceEvent {
	return types.PresenceEvent{
		RoomKey:      types.CourseRoomKey(4),
		UserID:       userID,
		ConnectionID: connID,
		Online:       online,
		At:           time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func mustStatus(t *testing.T, s *Store, userID int64) Status {
	t.Helper()
	st, err := s.GetStatus(context.Background(), userID)
	if err != nil {
		t.Fatalf("GetStatus(%d) error = %v", userID, err)
	}
	return st
}

func TestStore_JoinAndLeave(t *testing.T) {
	s, mr := newTestStore(t, time.Minute)
	ctx := context.Background()

	if st := mustStatus(t, s, 7); st.Status != StatusOffline {
		t.Errorf("unknown user status = %+v", st)
	}

	for _, conn := range []string{"tab1", "tab2"} {
		if err := s.HandlePresence(ctx, presenceEvent(7, conn, true)); err != nil {
			t.Fatalf("join %s: %v", conn, err)
		}
	}
	if st := mustStatus(t, s, 7); st.Status != StatusOnline {
		t.Errorf("after join = %+v", st)
	}
	if ok, _ := mr.SIsMember("test:room:course:4", "7:tab1"); !ok {
		t.Error("room set is missing 7:tab1")
	}

	if err := s.HandlePresence(ctx, presenceEvent(7, "tab1", false)); err != nil {
		t.Fatal(err)
	}
	if st := mustStatus(t, s, 7); st.Status != StatusOnline {
		t.Errorf("one tab left, status = %+v", st)
	}

	if err := s.HandlePresence(ctx, presenceEvent(7, "tab2", false)); err != nil {
		t.Fatal(err)
	}
	st := mustStatus(t, s, 7)
	if st.Status != StatusOffline || st.LastSeen != presenceEvent(7, "", false).At.Unix() {
		t.Errorf("after last leave = %+v", st)
	}
	if mr.Exists("test:room:course:4") {
		t.Error("empty room set should be gone")
	}
}

func TestStore_RepeatedJoinKeepsPresenceAlive(t *testing.T) {
	s, mr := newTestStore(t, 2*time.Minute)
	ctx := context.Background()

	if err := s.HandlePresence(ctx, presenceEvent(7, "tab1", true)); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		mr.FastForward(time.Minute)
		if err := s.HandlePresence(ctx, presenceEvent(7, "tab1", true)); err != nil {
			t.Fatal(err)
		}
	}
	mr.FastForward(90 * time.Second)

	if st := mustStatus(t, s, 7); st.Status != StatusOnline {
		t.Errorf("refreshed session after 4m30s = %+v", st)
	}
	if ok, _ := mr.SIsMember("test:room:course:4", "7:tab1"); !ok {
		t.Error("refreshed session dropped from the room set")
	}
}

func TestStore_UnrefreshedPresenceExpires(t *testing.T) {
	s, mr := newTestStore(t, 2*time.Minute)
	if err := s.HandlePresence(context.Background(), presenceEvent(7, "tab1", true)); err != nil {
		t.Fatal(err)
	}
	mr.FastForward(3 * time.Minute)

	if st := mustStatus(t, s, 7); st.Status != StatusOffline {
		t.Errorf("abandoned session = %+v", st)
	}
	if mr.Exists("test:conn:7") {
		t.Error("connection set should have expired")
	}
}

func TestStore_LeaveNeverHidesConcurrentJoin(t *testing.T) {
	s, _ := newTestStore(t, time.Minute)
	ctx := context.Background()
	if err := s.HandlePresence(ctx, presenceEvent(7, "conn-0", true)); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 50; i++ {
		var wg sync.WaitGroup
		errs := make(chan error, 2)
		wg.Add(2)
		go func() {
			defer wg.Done()
			errs <- s.HandlePresence(ctx, presenceEvent(7, fmt.Sprintf("conn-%d", i), false))
		}()
		go func() {
			defer wg.Done()
			errs <- s.HandlePresence(ctx, presenceEvent(7, fmt.Sprintf("conn-%d", i+1), true))
		}()
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Fatal(err)
			}
		}
		if st := mustStatus(t, s, 7); st.Status != StatusOnline {
			t.Fatalf("round %d: user with a live connection is %+v", i, st)
		}
	}
}

func TestStore_HandleMessagePublishesToRoomChannel(t *testing.T) {
	s, mr := newTestStore(t, time.Minute)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sub := client.Subscribe(ctx, "test:events:course:4")
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	ev := types.MessageEvent{ID: "evt-1", RoomKey: types.CourseRoomKey(4), Content: "hello"}
	if err := s.HandleMessage(ctx, ev); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	msg, err := sub.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("ReceiveMessage: %v", err)
	}
	var got types.MessageEvent
	if err := json.Unmarshal([]byte(msg.Payload), &got); err != nil {
		t.Fatal(err)
	}
	if got.ID != "evt-1" || got.Content != "hello" {
		t.Errorf("published = %+v", got)
	}
}

func TestStore_Ping(t *testing.T) {
	s, _ := newTestStore(t, time.Minute)
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
}
