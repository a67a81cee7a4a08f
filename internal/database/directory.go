package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"coursechat/pkg/interfaces"
	"coursechat/pkg/types"
)

// GetUser returns interfaces.ErrNotFound for unknown ids.
func (m *Manager) GetUser(ctx context.Context, userID int64) (*types.User, error) {
	var u types.User
	err := m.db.QueryRowContext(ctx,
		`SELECT id, username, profile_picture FROM users WHERE id = ?`, userID,
	).Scan(&u.ID, &u.Username, &u.ProfilePicture)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %d: %w", userID, interfaces.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return &u, nil
}

// GetCourse returns interfaces.ErrNotFound for unknown ids.
func (m *Manager) GetCourse(ctx context.Context, courseID int64) (*types.Course, error) {
	var c types.Course
	err := m.db.QueryRowContext(ctx,
		`SELECT id, title, teacher_id FROM courses WHERE id = ?`, courseID,
	).Scan(&c.ID, &c.Title, &c.TeacherID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("course %d: %w", courseID, interfaces.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query course: %w", err)
	}
	return &c, nil
}

func (m *Manager) IsEnrolled(ctx context.Context, courseID, userID int64) (bool, error) {
	var exists int
	err := m.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM enrollments WHERE course_id = ? AND student_id = ?)`,
		courseID, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to query enrollment: %w", err)
	}
	return exists == 1, nil
}

// CreateUser, CreateCourse and EnrollStudent stand in for the account and
// course collaborators when seeding a database.

func (m *Manager) CreateUser(ctx context.Context, user *types.User) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			`INSERT INTO users (username, profile_picture) VALUES (?, ?)`,
			user.Username, user.ProfilePicture,
		)
		if err != nil {
			return fmt.Errorf("failed to insert user: %w", err)
		}
		user.ID, err = res.LastInsertId()
		return err
	})
}

func (m *Manager) CreateCourse(ctx context.Context, course *types.Course) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			`INSERT INTO courses (title, teacher_id) VALUES (?, ?)`,
			course.Title, course.TeacherID,
		)
		if err != nil {
			return fmt.Errorf("failed to insert course: %w", err)
		}
		course.ID, err = res.LastInsertId()
		return err
	})
}

// EnrollStudent is idempotent.
func (m *Manager) EnrollStudent(ctx context.Context, courseID, studentID int64) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`INSERT OR IGNORE INTO enrollments (course_id, student_id) VALUES (?, ?)`,
			courseID, studentID,
		)
		if err != nil {
			return fmt.Errorf("failed to insert enrollment: %w", err)
		}
		return nil
	})
}

// DeleteCourse removes a course; its chat history goes with it.
func (m *Manager) DeleteCourse(ctx context.Context, courseID int64) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `DELETE FROM courses WHERE id = ?`, courseID)
		if err != nil {
			return fmt.Errorf("failed to delete course: %w", err)
		}
		return nil
	})
}
