package database

import (
	"context"
	"database/sql"
	"fmt"
	"slices"

	"coursechat/pkg/types"
)

// StoreCourseMessage persists a course message and fills ID and CreatedAt.
func (m *Manager) StoreCourseMessage(ctx context.Context, message *types.Message) error {
	if err := types.ValidateContent(message.Content); err != nil {
		return err
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = now()
	}

	return m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			`INSERT INTO messages (course_id, sender_id, content, created_at) VALUES (?, ?, ?, ?)`,
			message.CourseID, message.SenderID, message.Content, message.CreatedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
		message.ID, err = res.LastInsertId()
		return err
	})
}

// RecentCourseMessages returns the newest messages of a course, newest first.
func (m *Manager) RecentCourseMessages(ctx context.Context, courseID int64, limit int) ([]*types.Message, error) {
	query := `
		SELECT m.id, m.course_id, m.sender_id, m.content, m.created_at,
		       u.id, u.username, u.profile_picture
		FROM messages m
		JOIN users u ON u.id = m.sender_id
		WHERE m.course_id = ?
		ORDER BY m.created_at DESC, m.id DESC` + limitClause(limit)

	rows, err := m.db.QueryContext(ctx, query, courseID)
	if err != nil {
		return nil, fmt.Errorf("failed to query course history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []*types.Message
	for rows.Next() {
		var msg types.Message
		if err := rows.Scan(
			&msg.ID, &msg.CourseID, &msg.SenderID, &msg.Content, &msg.CreatedAt,
			&msg.Sender.ID, &msg.Sender.Username, &msg.Sender.ProfilePicture,
		); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating message rows: %w", err)
	}
	return messages, nil
}

// StorePrivateMessage writes the message and the optional chat notification
// atomically. The room key is derived from the two parties here.
func (m *Manager) StorePrivateMessage(ctx context.Context, message *types.PrivateMessage, notification *types.ChatNotification) error {
	if err := types.ValidateContent(message.Content); err != nil {
		return err
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = now()
	}
	message.RoomKey = types.PrivateRoomKey(message.SenderID, message.ReceiverID)
	if notification != nil && notification.CreatedAt.IsZero() {
		notification.CreatedAt = message.CreatedAt
	}

	return m.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO private_messages (sender_id, receiver_id, room_key, content, created_at) VALUES (?, ?, ?, ?, ?)`,
			message.SenderID, message.ReceiverID, string(message.RoomKey), message.Content, message.CreatedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert private message: %w", err)
		}
		if message.ID, err = res.LastInsertId(); err != nil {
			return err
		}

		if notification == nil {
			return nil
		}
		res, err = tx.ExecContext(ctx,
			`INSERT INTO chat_notifications (recipient_id, sender_id, message, created_at, is_read) VALUES (?, ?, ?, ?, 0)`,
			notification.RecipientID, notification.SenderID, notification.Message, notification.CreatedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert chat notification: %w", err)
		}
		notification.ID, err = res.LastInsertId()
		return err
	})
}

const privateMessageColumns = `
		SELECT p.id, p.sender_id, p.receiver_id, p.room_key, p.content, p.created_at,
		       s.id, s.username, s.profile_picture,
		       r.id, r.username, r.profile_picture
		FROM private_messages p
		JOIN users s ON s.id = p.sender_id
		JOIN users r ON r.id = p.receiver_id`

// PrivateRoomHistory returns the newest limit messages of a room, oldest first.
func (m *Manager) PrivateRoomHistory(ctx context.Context, room types.RoomKey, limit int) ([]*types.PrivateMessage, error) {
	query := privateMessageColumns + `
		WHERE p.room_key = ?
		ORDER BY p.created_at DESC, p.id DESC` + limitClause(limit)
	messages, err := m.queryPrivateMessages(ctx, query, string(room))
	if err != nil {
		return nil, err
	}
	slices.Reverse(messages)
	return messages, nil
}

// LatestPrivateMessages returns the newest messages userID sent or received.
func (m *Manager) LatestPrivateMessages(ctx context.Context, userID int64, limit int) ([]*types.PrivateMessage, error) {
	query := privateMessageColumns + `
		WHERE p.sender_id = ? OR p.receiver_id = ?
		ORDER BY p.created_at DESC, p.id DESC` + limitClause(limit)
	return m.queryPrivateMessages(ctx, query, userID, userID)
}

func (m *Manager) queryPrivateMessages(ctx context.Context, query string, args ...any) ([]*types.PrivateMessage, error) {
	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query private messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []*types.PrivateMessage
	for rows.Next() {
		var msg types.PrivateMessage
		var roomKey string
		if err := rows.Scan(
			&msg.ID, &msg.SenderID, &msg.ReceiverID, &roomKey, &msg.Content, &msg.CreatedAt,
			&msg.Sender.ID, &msg.Sender.Username, &msg.Sender.ProfilePicture,
			&msg.Receiver.ID, &msg.Receiver.Username, &msg.Receiver.ProfilePicture,
		); err != nil {
			return nil, fmt.Errorf("failed to scan private message row: %w", err)
		}
		msg.RoomKey = types.RoomKey(roomKey)
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating private message rows: %w", err)
	}
	return messages, nil
}
