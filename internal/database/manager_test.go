package database

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"coursechat/pkg/database"
	"coursechat/pkg/interfaces"
	"coursechat/pkg/types"
)

func setupTestDB(t *testing.T) *Manager {
	t.Helper()
	config := database.DefaultConfig()
	config.DatabasePath = filepath.Join(t.TempDir(), "test.db")

	manager, err := NewManager(config, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	t.Cleanup(func() { _ = manager.Close() })

	if err := database.NewMigrationManager(manager.GetDB(), nil).ApplyMigrations(); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	return manager
}

type fixture struct {
	teacher, alice, bob, carol *types.User
	course                     *types.Course
}

func seed(t *testing.T, m *Manager) fixture {
	t.Helper()
	ctx := context.Background()
	f := fixture{
		teacher: &types.User{Username: "teacher"},
		alice:   &types.User{Username: "alice", ProfilePicture: "profile_pics/alice.png"},
		bob:     &types.User{Username: "bob"},
		carol:   &types.User{Username: "carol"},
	}
	for _, u := range []*types.User{f.teacher, f.alice, f.bob, f.carol} {
		if err := m.CreateUser(ctx, u); err != nil {
			t.Fatalf("CreateUser(%s): %v", u.Username, err)
		}
	}
	f.course = &types.Course{Title: "Distributed Systems", TeacherID: f.teacher.ID}
	if err := m.CreateCourse(ctx, f.course); err != nil {
		t.Fatalf("CreateCourse: %v", err)
	}
	if err := m.EnrollStudent(ctx, f.course.ID, f.alice.ID); err != nil {
		t.Fatalf("EnrollStudent: %v", err)
	}
	return f
}

func TestManager_InterfaceCompliance(t *testing.T) {
	var _ interfaces.DatabaseManager = &Manager{}
}

func TestManager_Directory(t *testing.T) {
	m := setupTestDB(t)
	f := seed(t, m)
	ctx := context.Background()

	got, err := m.GetUser(ctx, f.alice.ID)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if got.Username != "alice" || got.ProfilePicture != "profile_pics/alice.png" {
		t.Errorf("unexpected user: %+v", got)
	}
	if _, err := m.GetUser(ctx, 9999); !errors.Is(err, interfaces.ErrNotFound) {
		t.Errorf("GetUser(unknown) error = %v, want ErrNotFound", err)
	}

	course, err := m.GetCourse(ctx, f.course.ID)
	if err != nil {
		t.Fatalf("GetCourse: %v", err)
	}
	if !course.IsTeacher(f.teacher.ID) {
		t.Errorf("expected teacher %d, got %d", f.teacher.ID, course.TeacherID)
	}
	if _, err := m.GetCourse(ctx, 9999); !errors.Is(err, interfaces.ErrNotFound) {
		t.Errorf("GetCourse(unknown) error = %v, want ErrNotFound", err)
	}

	enrolled, err := m.IsEnrolled(ctx, f.course.ID, f.alice.ID)
	if err != nil || !enrolled {
		t.Errorf("alice should be enrolled: %v, %v", enrolled, err)
	}
	enrolled, err = m.IsEnrolled(ctx, f.course.ID, f.bob.ID)
	if err != nil || enrolled {
		t.Errorf("bob should not be enrolled: %v, %v", enrolled, err)
	}
	if err := m.EnrollStudent(ctx, f.course.ID, f.alice.ID); err != nil {
		t.Errorf("repeat enrollment should be a no-op: %v", err)
	}
}

func TestManager_CourseHistoryOrderingAndScope(t *testing.T) {
	m := setupTestDB(t)
	f := seed(t, m)
	ctx := context.Background()

	other := &types.Course{Title: "Other", TeacherID: f.teacher.ID}
	if err := m.CreateCourse(ctx, other); err != nil {
		t.Fatalf("CreateCourse: %v", err)
	}

	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 25; i++ {
		msg := &types.Message{CourseID: f.course.ID, SenderID: f.alice.ID, Content: "m", CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := m.StoreCourseMessage(ctx, msg); err != nil {
			t.Fatalf("StoreCourseMessage: %v", err)
		}
		if msg.ID == 0 {
			t.Fatal("expected ID to be assigned")
		}
	}
	if err := m.StoreCourseMessage(ctx, &types.Message{CourseID: other.ID, SenderID: f.bob.ID, Content: "elsewhere", CreatedAt: base.Add(time.Hour)}); err != nil {
		t.Fatalf("StoreCourseMessage(other): %v", err)
	}

	recent, err := m.RecentCourseMessages(ctx, f.course.ID, 20)
	if err != nil {
		t.Fatalf("RecentCourseMessages: %v", err)
	}
	if len(recent) != 20 {
		t.Fatalf("got %d messages, want 20", len(recent))
	}
	for i := 1; i < len(recent); i++ {
		if recent[i].CreatedAt.After(recent[i-1].CreatedAt) {
			t.Fatalf("messages not newest first at %d", i)
		}
	}
	if !recent[0].CreatedAt.Equal(base.Add(24 * time.Minute)) {
		t.Errorf("newest = %v", recent[0].CreatedAt)
	}
	for _, msg := range recent {
		if msg.CourseID != f.course.ID {
			t.Errorf("message from course %d leaked into history", msg.CourseID)
		}
		if msg.Sender.Username != "alice" {
			t.Errorf("sender not joined: %+v", msg.Sender)
		}
	}
}

func TestManager_CourseDeleteCascades(t *testing.T) {
	m := setupTestDB(t)
	f := seed(t, m)
	ctx := context.Background()

	if err := m.StoreCourseMessage(ctx, &types.Message{CourseID: f.course.ID, SenderID: f.alice.ID, Content: "bye"}); err != nil {
		t.Fatalf("StoreCourseMessage: %v", err)
	}
	if err := m.DeleteCourse(ctx, f.course.ID); err != nil {
		t.Fatalf("DeleteCourse: %v", err)
	}
	recent, err := m.RecentCourseMessages(ctx, f.course.ID, 0)
	if err != nil {
		t.Fatalf("RecentCourseMessages: %v", err)
	}
	if len(recent) != 0 {
		t.Errorf("expected cascade delete, %d messages remain", len(recent))
	}
}

func TestManager_StoreMessageRejectsBlank(t *testing.T) {
	m := setupTestDB(t)
	f := seed(t, m)

	err := m.StoreCourseMessage(context.Background(), &types.Message{CourseID: f.course.ID, SenderID: f.alice.ID, Content: "  "})
	if !errors.Is(err, types.ErrEmptyContent) {
		t.Errorf("error = %v, want ErrEmptyContent", err)
	}
}

func TestManager_PrivateMessagesAndNotification(t *testing.T) {
	m := setupTestDB(t)
	f := seed(t, m)
	ctx := context.Background()

	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	first := &types.PrivateMessage{SenderID: f.bob.ID, ReceiverID: f.alice.ID, Content: "hi alice", CreatedAt: base}
	note := &types.ChatNotification{RecipientID: f.alice.ID, SenderID: f.bob.ID, Message: "New message from bob"}
	if err := m.StorePrivateMessage(ctx, first, note); err != nil {
		t.Fatalf("StorePrivateMessage: %v", err)
	}
	if first.RoomKey != types.PrivateRoomKey(f.alice.ID, f.bob.ID) {
		t.Errorf("room key = %q", first.RoomKey)
	}
	if note.ID == 0 || !note.CreatedAt.Equal(base) {
		t.Errorf("notification not populated: %+v", note)
	}

	second := &types.PrivateMessage{SenderID: f.alice.ID, ReceiverID: f.bob.ID, Content: "hi bob", CreatedAt: base.Add(time.Minute)}
	if err := m.StorePrivateMessage(ctx, second, nil); err != nil {
		t.Fatalf("StorePrivateMessage: %v", err)
	}

	history, err := m.PrivateRoomHistory(ctx, types.PrivateRoomKey(f.bob.ID, f.alice.ID), 50)
	if err != nil {
		t.Fatalf("PrivateRoomHistory: %v", err)
	}
	if len(history) != 2 || history[0].Content != "hi alice" || history[1].Content != "hi bob" {
		t.Fatalf("unexpected history order: %+v", history)
	}
	if history[0].Sender.Username != "bob" || history[0].Receiver.Username != "alice" {
		t.Errorf("participants not joined: %+v", history[0])
	}

	latest, err := m.LatestPrivateMessages(ctx, f.bob.ID, 50)
	if err != nil {
		t.Fatalf("LatestPrivateMessages: %v", err)
	}
	if len(latest) != 2 || latest[0].Content != "hi bob" {
		t.Errorf("latest not newest first: %+v", latest)
	}
	if none, _ := m.LatestPrivateMessages(ctx, f.carol.ID, 50); len(none) != 0 {
		t.Errorf("carol sees %d private messages", len(none))
	}

	notes, err := m.ListChatNotifications(ctx, f.alice.ID, 30)
	if err != nil {
		t.Fatalf("ListChatNotifications: %v", err)
	}
	if len(notes) != 1 || notes[0].SenderUsername != "bob" || notes[0].IsRead {
		t.Errorf("unexpected chat notifications: %+v", notes)
	}
}

func TestManager_PrivateMessageRollsBackOnNotificationFailure(t *testing.T) {
	m := setupTestDB(t)
	f := seed(t, m)
	ctx := context.Background()

	msg := &types.PrivateMessage{SenderID: f.bob.ID, ReceiverID: f.alice.ID, Content: "hello"}
	bad := &types.ChatNotification{RecipientID: 9999, SenderID: f.bob.ID, Message: "dangling"}
	if err := m.StorePrivateMessage(ctx, msg, bad); err == nil {
		t.Fatal("expected foreign key failure")
	}

	history, err := m.PrivateRoomHistory(ctx, types.PrivateRoomKey(f.alice.ID, f.bob.ID), 0)
	if err != nil {
		t.Fatalf("PrivateRoomHistory: %v", err)
	}
	if len(history) != 0 {
		t.Errorf("message must roll back with its notification, found %d", len(history))
	}
}

func TestManager_NotificationReadState(t *testing.T) {
	m := setupTestDB(t)
	f := seed(t, m)
	ctx := context.Background()

	courseID := f.course.ID
	sys := []*types.Notification{
		{RecipientID: f.alice.ID, CourseID: &courseID, Message: "enrolled", Type: types.NotificationTypeEnrolment},
		{RecipientID: f.alice.ID, Message: "untyped"},
		{RecipientID: f.bob.ID, Message: "not alice's"},
	}
	for _, n := range sys {
		if err := m.CreateNotification(ctx, n); err != nil {
			t.Fatalf("CreateNotification: %v", err)
		}
	}

	list, err := m.ListNotifications(ctx, f.alice.ID, 0)
	if err != nil {
		t.Fatalf("ListNotifications: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("got %d notifications, want 2", len(list))
	}
	var untyped *types.Notification
	for _, n := range list {
		if n.Message == "untyped" {
			untyped = n
		}
	}
	if untyped == nil || untyped.Type != "" || untyped.CourseID != nil {
		t.Errorf("nullable columns not preserved: %+v", untyped)
	}

	if n, _ := m.CountUnreadNotifications(ctx, f.alice.ID); n != 2 {
		t.Errorf("unread = %d, want 2", n)
	}

	// Bob's id in alice's mark request must not touch bob's row.
	if err := m.MarkNotificationsRead(ctx, f.alice.ID, []int64{sys[0].ID, sys[2].ID}); err != nil {
		t.Fatalf("MarkNotificationsRead: %v", err)
	}
	if n, _ := m.CountUnreadNotifications(ctx, f.alice.ID); n != 1 {
		t.Errorf("alice unread = %d, want 1", n)
	}
	if n, _ := m.CountUnreadNotifications(ctx, f.bob.ID); n != 1 {
		t.Errorf("bob unread = %d, want 1", n)
	}
}

func TestManager_MarkChatNotificationsReadFrom(t *testing.T) {
	m := setupTestDB(t)
	f := seed(t, m)
	ctx := context.Background()

	for _, sender := range []*types.User{f.bob, f.bob, f.carol} {
		msg := &types.PrivateMessage{SenderID: sender.ID, ReceiverID: f.alice.ID, Content: "ping"}
		note := &types.ChatNotification{RecipientID: f.alice.ID, SenderID: sender.ID, Message: "New message from " + sender.Username}
		if err := m.StorePrivateMessage(ctx, msg, note); err != nil {
			t.Fatalf("StorePrivateMessage: %v", err)
		}
	}

	changed, err := m.MarkChatNotificationsReadFrom(ctx, f.alice.ID, f.bob.ID)
	if err != nil {
		t.Fatalf("MarkChatNotificationsReadFrom: %v", err)
	}
	if changed != 2 {
		t.Errorf("changed = %d, want 2", changed)
	}
	if n, _ := m.CountUnreadChatNotifications(ctx, f.alice.ID); n != 1 {
		t.Errorf("unread = %d, want 1 (carol's)", n)
	}
}

func TestManager_MarkFeedReadBothSources(t *testing.T) {
	m := setupTestDB(t)
	f := seed(t, m)
	ctx := context.Background()

	sys := &types.Notification{RecipientID: f.alice.ID, Message: "sys"}
	if err := m.CreateNotification(ctx, sys); err != nil {
		t.Fatalf("CreateNotification: %v", err)
	}
	note := &types.ChatNotification{RecipientID: f.alice.ID, SenderID: f.bob.ID, Message: "chat"}
	if err := m.StorePrivateMessage(ctx, &types.PrivateMessage{SenderID: f.bob.ID, ReceiverID: f.alice.ID, Content: "x"}, note); err != nil {
		t.Fatalf("StorePrivateMessage: %v", err)
	}

	if err := m.MarkFeedRead(ctx, f.alice.ID, []int64{sys.ID}, []int64{note.ID}); err != nil {
		t.Fatalf("MarkFeedRead: %v", err)
	}
	a, _ := m.CountUnreadNotifications(ctx, f.alice.ID)
	b, _ := m.CountUnreadChatNotifications(ctx, f.alice.ID)
	if a+b != 0 {
		t.Errorf("unread after MarkFeedRead = %d", a+b)
	}
	if err := m.MarkFeedRead(ctx, f.alice.ID, nil, nil); err != nil {
		t.Errorf("empty MarkFeedRead should be a no-op: %v", err)
	}
}

func TestManager_SingleWriterPattern(t *testing.T) {
	m := setupTestDB(t)
	f := seed(t, m)
	ctx := context.Background()

	const writers = 10
	const perWriter = 20
	var wg sync.WaitGroup
	errs := make(chan error, writers*perWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				errs <- m.StoreCourseMessage(ctx, &types.Message{CourseID: f.course.ID, SenderID: f.alice.ID, Content: "concurrent"})
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent write failed: %v", err)
		}
	}

	all, err := m.RecentCourseMessages(ctx, f.course.ID, 0)
	if err != nil {
		t.Fatalf("RecentCourseMessages: %v", err)
	}
	if len(all) != writers*perWriter {
		t.Errorf("stored %d messages, want %d", len(all), writers*perWriter)
	}
}

func TestManager_HealthCheckAndClose(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()

	if err := m.HealthCheck(ctx); err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Errorf("second Close should be a no-op: %v", err)
	}
	err := m.CreateUser(ctx, &types.User{Username: "late"})
	if !errors.Is(err, ErrManagerClosed) {
		t.Errorf("write after close error = %v, want ErrManagerClosed", err)
	}
}

func TestManager_PrivateHistoryKeepsNewest(t *testing.T) {
	m := setupTestDB(t)
	f := seed(t, m)
	ctx := context.Background()

	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		msg := &types.PrivateMessage{SenderID: f.alice.ID, ReceiverID: f.bob.ID, Content: string(rune('a' + i)), CreatedAt: base.Add(time.Duration(i) * time.Second)}
		if err := m.StorePrivateMessage(ctx, msg, nil); err != nil {
			t.Fatalf("StorePrivateMessage: %v", err)
		}
	}

	history, err := m.PrivateRoomHistory(ctx, types.PrivateRoomKey(f.alice.ID, f.bob.ID), 3)
	if err != nil {
		t.Fatalf("PrivateRoomHistory: %v", err)
	}
	var got string
	for _, msg := range history {
		got += msg.Content
	}
	if got != "cde" {
		t.Errorf("history = %q, want newest three oldest first (cde)", got)
	}
}
