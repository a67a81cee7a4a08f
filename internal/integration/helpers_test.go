package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"coursechat/internal/api"
	"coursechat/internal/app"
	"coursechat/internal/auth"
	"coursechat/internal/config"
	"coursechat/pkg/types"
)

const jwtSecret = "integration-secret"

type world struct {
	app                        *app.Application
	base                       string
	teacher, alice, bob, carol *types.User
	course                     *types.Course
}

func newWorld(t *testing.T) *world {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Auth.JWTSecret = jwtSecret
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Database.DatabasePath = filepath.Join(t.TempDir(), "coursechat.db")

	application, err := app.NewApplication(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewApplication() error = %v", err)
	}
	if err := application.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = application.Stop(ctx)
	})

	w := &world{app: application, base: application.GetAddr()}
	db := application.Database()
	ctx := context.Background()
	w.teacher = &types.User{Username: "prof"}
	w.alice = &types.User{Username: "alice", ProfilePicture: "profile_pics/alice.png"}
	w.bob = &types.User{Username: "bob"}
	w.carol = &types.User{Username: "carol"}
	for _, u := range []*types.User{w.teacher, w.alice, w.bob, w.carol} {
		if err := db.CreateUser(ctx, u); err != nil {
			t.Fatalf("CreateUser(%s): %v", u.Username, err)
		}
	}
	w.course = &types.Course{Title: "Networks", TeacherID: w.teacher.ID}
	if err := db.CreateCourse(ctx, w.course); err != nil {
		t.Fatal(err)
	}
	for _, u := range []*types.User{w.alice, w.bob} {
		if err := db.EnrollStudent(ctx, w.course.ID, u.ID); err != nil {
			t.Fatal(err)
		}
	}
	return w
}

func (w *world) token(t *testing.T, u *types.User) string {
	t.Helper()
	tok, err := auth.GenerateAccessToken(u.ID, jwtSecret, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func (w *world) dial(t *testing.T, u *types.User, path string) *websocket.Conn {
	t.Helper()
	url := fmt.Sprintf("ws://%s%s", w.base, path)
	if u != nil {
		url += "?token=" + w.token(t, u)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial %s: %v (status %d)", path, err, status)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (w *world) courseRoom() string {
	return fmt.Sprintf("/ws/chat/%d", w.course.ID)
}

func privateRoom(peer *types.User) string {
	return fmt.Sprintf("/ws/private/%d", peer.ID)
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]string {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var frame map[string]string
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("invalid frame %q: %v", data, err)
	}
	return frame
}

// expectSilence fails if a frame arrives within d. The connection is not
// usable for reads afterwards.
func expectSilence(t *testing.T, conn *websocket.Conn, d time.Duration) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(d))
	if _, data, err := conn.ReadMessage(); err == nil {
		t.Fatalf("unexpected frame %s", data)
	}
}

func send(t *testing.T, conn *websocket.Conn, text string) {
	t.Helper()
	if err := conn.WriteJSON(map[string]string{"message": text}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func (w *world) health(t *testing.T) api.HealthResponse {
	t.Helper()
	resp, err := http.Get("http://" + w.base + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var h api.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		t.Fatal(err)
	}
	return h
}

func (w *world) waitForSessions(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if w.health(t).Connections["total_connections"] == n {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("expected %d live sessions, have %d", n, w.health(t).Connections["total_connections"])
}

func (w *world) feed(t *testing.T, method, path string, u *types.User) types.Feed {
	t.Helper()
	req, err := http.NewRequest(method, "http://"+w.base+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+w.token(t, u))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("%s %s status = %d", method, path, resp.StatusCode)
	}
	var f types.Feed
	if err := json.NewDecoder(resp.Body).Decode(&f); err != nil {
		t.Fatal(err)
	}
	return f
}

func expectClosed(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("expected the server to close the session, got frame %s", data)
	}
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) && !strings.Contains(err.Error(), "EOF") {
		t.Fatalf("unexpected close: %v", err)
	}
}
