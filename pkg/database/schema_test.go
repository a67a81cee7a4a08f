package database

import (
	"strings"
	"testing"
)

func migratedDB(t *testing.T) *SchemaValidator {
	t.Helper()
	db := openTestDB(t)
	if err := NewMigrationManager(db, nil).ApplyMigrations(); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}
	return NewSchemaValidator(db)
}

func TestSchemaValidator_ValidateTablesExist(t *testing.T) {
	empty := NewSchemaValidator(openTestDB(t))
	err := empty.ValidateTablesExist()
	if err == nil {
		t.Fatal("expected missing tables on empty database")
	}
	if !strings.Contains(err.Error(), "does not exist") {
		t.Errorf("unexpected error: %v", err)
	}

	if err := migratedDB(t).ValidateTablesExist(); err != nil {
		t.Errorf("ValidateTablesExist after migration: %v", err)
	}
}

func TestSchemaValidator_ValidateTableStructure(t *testing.T) {
	if err := migratedDB(t).ValidateTableStructure(); err != nil {
		t.Errorf("ValidateTableStructure: %v", err)
	}
}

func TestSchemaValidator_ValidateIndexes(t *testing.T) {
	if err := migratedDB(t).ValidateIndexes(); err != nil {
		t.Errorf("ValidateIndexes: %v", err)
	}
}

func TestSchemaValidator_ValidateConstraints(t *testing.T) {
	v := migratedDB(t)
	if err := v.ValidateConstraints(); err != nil {
		t.Fatalf("ValidateConstraints: %v", err)
	}

	var count int
	if err := v.db.QueryRow("SELECT COUNT(*) FROM users").Scan(&count); err != nil {
		t.Fatalf("count users: %v", err)
	}
	if count != 0 {
		t.Errorf("constraint probes must roll back, found %d users", count)
	}
}

func TestSchema_EnrollmentUnique(t *testing.T) {
	v := migratedDB(t)
	db := v.db

	if _, err := db.Exec(`INSERT INTO users (id, username) VALUES (1, 'teacher'), (2, 'student')`); err != nil {
		t.Fatalf("seed users: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO courses (id, title, teacher_id) VALUES (1, 'Go', 1)`); err != nil {
		t.Fatalf("seed course: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO enrollments (course_id, student_id) VALUES (1, 2)`); err != nil {
		t.Fatalf("enroll: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO enrollments (course_id, student_id) VALUES (1, 2)`); err == nil {
		t.Error("duplicate enrollment should violate the unique constraint")
	}
}
