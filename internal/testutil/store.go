package testutil

import (
	"context"
	"testing"

	"fpsync/internal/database"
	"fpsync/internal/fp"
)

// TestAccount is the account most fixtures are built for.
var TestAccount = fp.Account{
	Account: fp.AccountKey("alice", "https://cloud.example.com"),
	URLBase: "https://cloud.example.com",
	User:    "alice",
	UserID:  "alice",
	Active:  true,
}

// NewTestStore creates a new in-memory metadata store with migrations
// applied. The store is automatically closed when the test completes.
func NewTestStore(t *testing.T) *database.SQLiteStore {
	t.Helper()

	s, err := database.NewSQLiteStore(":memory:", nil)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() {
		s.Close()
	})
	return s
}

// NewTestStoreWithAccount returns a store in which TestAccount is active.
func NewTestStoreWithAccount(t *testing.T) *database.SQLiteStore {
	t.Helper()

	s := NewTestStore(t)
	if err := s.AddAccount(context.Background(), TestAccount); err != nil {
		t.Fatalf("failed to add account: %v", err)
	}
	return s
}
