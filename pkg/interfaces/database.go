package interfaces

import (
	"context"

	"coursechat/pkg/types"
)

// MessageStore persists chat messages and serves room history.
type MessageStore interface {
	// StoreCourseMessage assigns ID and CreatedAt on success.
	StoreCourseMessage(ctx context.Context, message *types.Message) error

	// RecentCourseMessages returns at most limit messages, newest first.
	RecentCourseMessages(ctx context.Context, courseID int64, limit int) ([]*types.Message, error)

	// StorePrivateMessage writes the message and, when notification is
	// non-nil, the receiver's chat notification in one transaction.
	StorePrivateMessage(ctx context.Context, message *types.PrivateMessage, notification *types.ChatNotification) error

	// PrivateRoomHistory returns the newest limit messages of a room, oldest first.
	PrivateRoomHistory(ctx context.Context, room types.RoomKey, limit int) ([]*types.PrivateMessage, error)

	// LatestPrivateMessages returns the newest messages the user sent or received.
	LatestPrivateMessages(ctx context.Context, userID int64, limit int) ([]*types.PrivateMessage, error)
}

// CourseDirectory answers the course membership questions of room authorization.
type CourseDirectory interface {
	// GetCourse returns ErrNotFound when the course does not exist.
	GetCourse(ctx context.Context, courseID int64) (*types.Course, error)
	IsEnrolled(ctx context.Context, courseID, userID int64) (bool, error)
}

// ProfileDirectory resolves users. GetUser returns ErrNotFound for unknown IDs.
type ProfileDirectory interface {
	GetUser(ctx context.Context, userID int64) (*types.User, error)
}

// NotificationStore holds system and course notifications.
// List orders by created_at DESC, id DESC; a limit of 0 means no limit.
type NotificationStore interface {
	CreateNotification(ctx context.Context, notification *types.Notification) error
	ListNotifications(ctx context.Context, recipientID int64, limit int) ([]*types.Notification, error)
	CountUnreadNotifications(ctx context.Context, recipientID int64) (int, error)
	MarkNotificationsRead(ctx context.Context, recipientID int64, ids []int64) error
}

// ChatNotificationStore holds the notifications written alongside private messages.
type ChatNotificationStore interface {
	ListChatNotifications(ctx context.Context, recipientID int64, limit int) ([]*types.ChatNotification, error)
	CountUnreadChatNotifications(ctx context.Context, recipientID int64) (int, error)
	MarkChatNotificationsRead(ctx context.Context, recipientID int64, ids []int64) error

	// MarkChatNotificationsReadFrom marks everything senderID sent to recipientID
	// and returns the number of rows changed.
	MarkChatNotificationsReadFrom(ctx context.Context, recipientID, senderID int64) (int64, error)
}

// FeedStore is what the notification merge engine needs. MarkFeedRead
// updates both sources in a single transaction.
type FeedStore interface {
	NotificationStore
	ChatNotificationStore
	MarkFeedRead(ctx context.Context, recipientID int64, notificationIDs, chatIDs []int64) error
}

// DatabaseManager handles all database operations
type DatabaseManager interface {
	MessageStore
	CourseDirectory
	ProfileDirectory
	FeedStore

	// HealthCheck verifies database connectivity and basic operations
	HealthCheck(ctx context.Context) error

	// Close closes the database connection and cleans up resources
	Close() error
}
