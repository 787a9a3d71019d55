package store_test

import (
	"database/sql"
	"os"
	"testing"

	"github.com/crossbus/crossbus/internal/store"
)

// newTestStore creates a temporary SQLite database and runs the migrations.
// The database file is cleaned up when the test ends.
func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "crossbus-test-*.db")
	if err != nil {
		t.Fatalf("create temp db file: %v", err)
	}
	f.Close()

	s, err := store.New(f.Name())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func nullableString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: true}
}
