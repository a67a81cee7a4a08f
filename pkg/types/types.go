package types

import (
	"encoding/json"
	"time"
)

// Notification kinds as rendered by clients. System notifications carry their
// stored type; chat notifications always project to KindChat.
const (
	KindChat    = "chat"
	KindGeneral = "general"
)

// Known system notification types written by course and dashboard collaborators.
const (
	NotificationTypeEnrolment            = "enrolment"
	NotificationTypeMaterialUpload       = "material_upload"
	NotificationTypeAssignmentSubmission = "assignment_submission"
	NotificationTypeCourseDrop           = "course_drop"
	NotificationTypeStatusPost           = "status_post"
	NotificationTypeStatusComment        = "status_comment"
)

// User is the read-only profile view the messaging core needs.
// ProfilePicture is a media-relative path, empty when the user has none.
type User struct {
	ID             int64  `json:"id"`
	Username       string `json:"username"`
	ProfilePicture string `json:"profile_picture,omitempty"`
}

// PicturePath returns the stored picture path and whether one is set.
func (u *User) PicturePath() (string, bool) {
	if u == nil || u.ProfilePicture == "" {
		return "", false
	}
	return u.ProfilePicture, true
}

// Course is the subset of a course the room authorization needs.
type Course struct {
	ID        int64  `json:"id"`
	Title     string `json:"title"`
	TeacherID int64  `json:"teacher_id"`
}

// IsTeacher reports whether userID teaches the course.
func (c *Course) IsTeacher(userID int64) bool {
	return c != nil && c.TeacherID == userID
}

// Message is a course-scoped chat message. Immutable after creation.
// Sender is populated on reads and by the router on writes.
type Message struct {
	ID        int64     `json:"id"`
	CourseID  int64     `json:"course_id"`
	SenderID  int64     `json:"sender_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	Sender    User      `json:"sender"`
}

// PrivateMessage is a 1:1 chat message. RoomKey is computed once at write time.
type PrivateMessage struct {
	ID         int64     `json:"id"`
	SenderID   int64     `json:"sender_id"`
	ReceiverID int64     `json:"receiver_id"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
	RoomKey    RoomKey   `json:"room_key"`
	Sender     User      `json:"sender"`
	Receiver   User      `json:"receiver"`
}

// ChatNotification is written as a side effect of a private message when the
// sender and receiver differ.
type ChatNotification struct {
	ID             int64     `json:"id"`
	RecipientID    int64     `json:"recipient_id"`
	SenderID       int64     `json:"sender_id"`
	SenderUsername string    `json:"sender_username,omitempty"`
	Message        string    `json:"message"`
	CreatedAt      time.Time `json:"created_at"`
	IsRead         bool      `json:"is_read"`
}

// Notification is a course or system notification produced by collaborators.
// CourseID is nil and Type is empty when the collaborator did not set them.
type Notification struct {
	ID          int64     `json:"id"`
	RecipientID int64     `json:"recipient_id"`
	CourseID    *int64    `json:"course_id,omitempty"`
	Message     string    `json:"message"`
	Type        string    `json:"notification_type,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	IsRead      bool      `json:"is_read"`
}

// FeedItem is the common projection both notification sources are reduced to
// before merging.
type FeedItem struct {
	ID          int64     `json:"id"`
	RecipientID int64     `json:"recipient_id"`
	Message     string    `json:"message"`
	CreatedAt   time.Time `json:"created_at"`
	IsRead      bool      `json:"is_read"`
	Kind        string    `json:"kind"`
	CourseID    *int64    `json:"course_id,omitempty"`
	SenderID    *int64    `json:"sender_id,omitempty"`
}

// FeedItem projects a system notification.
func (n *Notification) FeedItem() FeedItem {
	kind := n.Type
	if kind == "" {
		kind = KindGeneral
	}
	return FeedItem{
		ID:          n.ID,
		RecipientID: n.RecipientID,
		Message:     n.Message,
		CreatedAt:   n.CreatedAt,
		IsRead:      n.IsRead,
		Kind:        kind,
		CourseID:    n.CourseID,
	}
}

// FeedItem projects a chat notification.
func (c *ChatNotification) FeedItem() FeedItem {
	sender := c.SenderID
	return FeedItem{
		ID:          c.ID,
		RecipientID: c.RecipientID,
		Message:     c.Message,
		CreatedAt:   c.CreatedAt,
		IsRead:      c.IsRead,
		Kind:        KindChat,
		SenderID:    &sender,
	}
}

// Feed is a merged notification view plus the unread total across both
// sources. UnreadCount never depends on how many Items were returned.
type Feed struct {
	Items       []FeedItem `json:"notifications"`
	UnreadCount int        `json:"unread_count"`
}

// ChatEvent is the outbound frame for both live and replayed messages.
// Course rooms name the author "username", private rooms name it "sender".
type ChatEvent struct {
	RoomKind   RoomKind
	Author     string
	Message    string
	Timestamp  string
	ProfilePic string
}

// MarshalJSON emits the room-kind specific wire schema.
func (e ChatEvent) MarshalJSON() ([]byte, error) {
	authorField := "username"
	if e.RoomKind == RoomKindPrivate {
		authorField = "sender"
	}
	return json.Marshal(map[string]string{
		authorField:   e.Author,
		"message":     e.Message,
		"timestamp":   e.Timestamp,
		"profile_pic": e.ProfilePic,
	})
}

// RoomEvent is an encoded frame handed to the registry for fan-out.
// MessageID identifies the persisted row so history replay can skip
// frames the joining session already received.
type RoomEvent struct {
	MessageID int64
	Payload   []byte
}

// InboundFrame is the only accepted client frame.
type InboundFrame struct {
	Message *string `json:"message"`
}

// MessageEvent describes a persisted and broadcast message for downstream sinks.
type MessageEvent struct {
	ID         string    `json:"id"`
	RoomKey    RoomKey   `json:"room_key"`
	RoomKind   RoomKind  `json:"room_kind"`
	MessageID  int64     `json:"message_id"`
	SenderID   int64     `json:"sender_id"`
	ReceiverID int64     `json:"receiver_id,omitempty"`
	CourseID   int64     `json:"course_id,omitempty"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
	Delivered  int       `json:"delivered"`
}

// PresenceEvent records a session joining or leaving a room.
type PresenceEvent struct {
	RoomKey      RoomKey   `json:"room_key"`
	UserID       int64     `json:"user_id"`
	ConnectionID string    `json:"connection_id"`
	Online       bool      `json:"online"`
	At           time.Time `json:"at"`
}

// ClockFormat is the HH:MM layout used for every outbound timestamp.
const ClockFormat = "15:04"

// FormatClock renders t as HH:MM in UTC.
func FormatClock(t time.Time) string {
	return t.UTC().Format(ClockFormat)
}
