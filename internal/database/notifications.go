package database

import (
	"context"
	"database/sql"
	"fmt"

	"coursechat/pkg/types"
)

// CreateNotification writes a system notification on behalf of a collaborator.
func (m *Manager) CreateNotification(ctx context.Context, n *types.Notification) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now()
	}
	var notificationType sql.NullString
	if n.Type != "" {
		notificationType = sql.NullString{String: n.Type, Valid: true}
	}

	return m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			`INSERT INTO notifications (recipient_id, course_id, message, notification_type, created_at, is_read)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			n.RecipientID, n.CourseID, n.Message, notificationType, n.CreatedAt.UTC(), n.IsRead,
		)
		if err != nil {
			return fmt.Errorf("failed to insert notification: %w", err)
		}
		n.ID, err = res.LastInsertId()
		return err
	})
}

// ListNotifications returns a recipient's system notifications, newest first.
func (m *Manager) ListNotifications(ctx context.Context, recipientID int64, limit int) ([]*types.Notification, error) {
	query := `
		SELECT id, recipient_id, course_id, message, notification_type, created_at, is_read
		FROM notifications
		WHERE recipient_id = ?
		ORDER BY created_at DESC, id DESC` + limitClause(limit)

	rows, err := m.db.QueryContext(ctx, query, recipientID)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Notification
	for rows.Next() {
		var n types.Notification
		var courseID sql.NullInt64
		var notificationType sql.NullString
		if err := rows.Scan(&n.ID, &n.RecipientID, &courseID, &n.Message, &notificationType, &n.CreatedAt, &n.IsRead); err != nil {
			return nil, fmt.Errorf("failed to scan notification row: %w", err)
		}
		if courseID.Valid {
			id := courseID.Int64
			n.CourseID = &id
		}
		n.Type = notificationType.String
		out = append(out, &n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating notification rows: %w", err)
	}
	return out, nil
}

func (m *Manager) CountUnreadNotifications(ctx context.Context, recipientID int64) (int, error) {
	return m.countUnread(ctx, "notifications", recipientID)
}

func (m *Manager) MarkNotificationsRead(ctx context.Context, recipientID int64, ids []int64) error {
	return m.MarkFeedRead(ctx, recipientID, ids, nil)
}

// ListChatNotifications returns a recipient's chat notifications, newest first.
func (m *Manager) ListChatNotifications(ctx context.Context, recipientID int64, limit int) ([]*types.ChatNotification, error) {
	query := `
		SELECT c.id, c.recipient_id, c.sender_id, u.username, c.message, c.created_at, c.is_read
		FROM chat_notifications c
		JOIN users u ON u.id = c.sender_id
		WHERE c.recipient_id = ?
		ORDER BY c.created_at DESC, c.id DESC` + limitClause(limit)

	rows, err := m.db.QueryContext(ctx, query, recipientID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chat notifications: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.ChatNotification
	for rows.Next() {
		var c types.ChatNotification
		if err := rows.Scan(&c.ID, &c.RecipientID, &c.SenderID, &c.SenderUsername, &c.Message, &c.CreatedAt, &c.IsRead); err != nil {
			return nil, fmt.Errorf("failed to scan chat notification row: %w", err)
		}
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating chat notification rows: %w", err)
	}
	return out, nil
}

func (m *Manager) CountUnreadChatNotifications(ctx context.Context, recipientID int64) (int, error) {
	return m.countUnread(ctx, "chat_notifications", recipientID)
}

func (m *Manager) MarkChatNotificationsRead(ctx context.Context, recipientID int64, ids []int64) error {
	return m.MarkFeedRead(ctx, recipientID, nil, ids)
}

// MarkChatNotificationsReadFrom marks every unread notification senderID
// produced for recipientID.
func (m *Manager) MarkChatNotificationsReadFrom(ctx context.Context, recipientID, senderID int64) (int64, error) {
	var changed int64
	err := m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			`UPDATE chat_notifications SET is_read = 1 WHERE recipient_id = ? AND sender_id = ? AND is_read = 0`,
			recipientID, senderID,
		)
		if err != nil {
			return fmt.Errorf("failed to mark chat notifications read: %w", err)
		}
		changed, err = res.RowsAffected()
		return err
	})
	return changed, err
}

// MarkFeedRead marks the given rows of both sources read in one transaction.
// Rows not owned by recipientID are left untouched.
func (m *Manager) MarkFeedRead(ctx context.Context, recipientID int64, notificationIDs, chatIDs []int64) error {
	if len(notificationIDs) == 0 && len(chatIDs) == 0 {
		return nil
	}

	return m.withTx(ctx, func(tx *sql.Tx) error {
		if err := markRead(ctx, tx, "notifications", recipientID, notificationIDs); err != nil {
			return err
		}
		return markRead(ctx, tx, "chat_notifications", recipientID, chatIDs)
	})
}

func markRead(ctx context.Context, tx *sql.Tx, table string, recipientID int64, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders, args := inClause(ids)
	query := fmt.Sprintf(`UPDATE %s SET is_read = 1 WHERE recipient_id = ? AND id IN (%s)`, table, placeholders)
	if _, err := tx.ExecContext(ctx, query, append([]any{recipientID}, args...)...); err != nil {
		return fmt.Errorf("failed to mark %s read: %w", table, err)
	}
	return nil
}

func (m *Manager) countUnread(ctx context.Context, table string, recipientID int64) (int, error) {
	var n int
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE recipient_id = ? AND is_read = 0`, table)
	if err := m.db.QueryRowContext(ctx, query, recipientID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count unread %s: %w", table, err)
	}
	return n, nil
}
