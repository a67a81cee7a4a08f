package database

import (
	"database/sql"
	"fmt"
)

// SchemaValidator checks a live database against the structure the
// messaging stores expect.
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// ValidateTablesExist verifies that all required tables exist
func (v *SchemaValidator) ValidateTablesExist() error {
	requiredTables := map[string]string{
		"users":              "Profile directory",
		"courses":            "Course directory",
		"enrollments":        "Course membership",
		"messages":           "Course chat history",
		"private_messages":   "Private chat history",
		"chat_notifications": "Private message notifications",
		"notifications":      "System notifications",
		"schema_migrations":  "Migration tracking",
	}

	for table, description := range requiredTables {
		exists, err := v.objectExists("table", table)
		if err != nil {
			return fmt.Errorf("error checking table %s (%s): %w", table, description, err)
		}
		if !exists {
			return fmt.Errorf("required table %s (%s) does not exist", table, description)
		}
	}

	return nil
}

// ValidateTableStructure verifies column types of the message and
// notification tables.
func (v *SchemaValidator) ValidateTableStructure() error {
	expected := map[string]map[string]string{
		"messages": {
			"id":         "INTEGER",
			"course_id":  "INTEGER",
			"sender_id":  "INTEGER",
			"content":    "TEXT",
			"created_at": "DATETIME",
		},
		"private_messages": {
			"id":          "INTEGER",
			"sender_id":   "INTEGER",
			"receiver_id": "INTEGER",
			"room_key":    "TEXT",
			"content":     "TEXT",
			"created_at":  "DATETIME",
		},
		"chat_notifications": {
			"recipient_id": "INTEGER",
			"sender_id":    "INTEGER",
			"message":      "TEXT",
			"created_at":   "DATETIME",
			"is_read":      "INTEGER",
		},
		"notifications": {
			"recipient_id":      "INTEGER",
			"course_id":         "INTEGER",
			"message":           "TEXT",
			"notification_type": "TEXT",
			"created_at":        "DATETIME",
			"is_read":           "INTEGER",
		},
	}

	for table, columns := range expected {
		if err := v.validateColumns(table, columns); err != nil {
			return fmt.Errorf("%s table structure invalid: %w", table, err)
		}
	}
	return nil
}

// ValidateIndexes verifies that the history and feed indexes exist
func (v *SchemaValidator) ValidateIndexes() error {
	requiredIndexes := map[string]string{
		"idx_messages_course_time":         "Course history retrieval",
		"idx_private_messages_room_time":   "Private history retrieval",
		"idx_chat_notifications_recipient": "Chat notification feed",
		"idx_notifications_recipient":      "System notification feed",
	}

	for index, purpose := range requiredIndexes {
		exists, err := v.objectExists("index", index)
		if err != nil {
			return fmt.Errorf("error checking index %s (%s): %w", index, purpose, err)
		}
		if !exists {
			return fmt.Errorf("required index %s (%s) does not exist", index, purpose)
		}
	}

	return nil
}

// ValidateConstraints verifies foreign keys and content checks are enforced.
// Every probe runs inside a transaction that is rolled back.
func (v *SchemaValidator) ValidateConstraints() error {
	tx, err := v.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(`INSERT INTO messages (course_id, sender_id, content, created_at) VALUES (-1, -1, 'x', CURRENT_TIMESTAMP)`)
	if err == nil {
		return fmt.Errorf("foreign key constraint not enforced: messages.course_id")
	}

	res, err := tx.Exec(`INSERT INTO users (username) VALUES ('__schema_probe__')`)
	if err != nil {
		return fmt.Errorf("failed to create probe user: %w", err)
	}
	userID, err := res.LastInsertId()
	if err != nil {
		return err
	}

	_, err = tx.Exec(`INSERT INTO private_messages (sender_id, receiver_id, room_key, content, created_at) VALUES (?, ?, 'private:0:0', '   ', CURRENT_TIMESTAMP)`, userID, userID)
	if err == nil {
		return fmt.Errorf("check constraint not enforced: private_messages.content")
	}

	return nil
}

func (v *SchemaValidator) objectExists(kind, name string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type=? AND name=?",
		kind, name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// validateColumns checks that a table has the expected columns with correct types
func (v *SchemaValidator) validateColumns(tableName string, expectedColumns map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	foundColumns := make(map[string]string)
	for rows.Next() {
		var cid, notNull, pk int
		var name, dataType string
		var defaultValue any

		if err := rows.Scan(&cid, &name, &dataType, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		foundColumns[name] = dataType
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for expectedCol, expectedType := range expectedColumns {
		foundType, exists := foundColumns[expectedCol]
		if !exists {
			return fmt.Errorf("column %s not found", expectedCol)
		}
		if foundType != expectedType {
			return fmt.Errorf("column %s has type %s, expected %s", expectedCol, foundType, expectedType)
		}
	}

	return nil
}
