// Package helpers holds fixtures shared by package tests.
package helpers

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/xiaot623/chatrelay/internal/config"
	"github.com/xiaot623/chatrelay/internal/repository"
)

func NewTestSQLiteStore(t *testing.T) *repository.SQLiteStore {
	t.Helper()

	s, err := repository.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}

	t.Cleanup(func() {
		_ = s.Close()
	})

	return s
}

// NewTestFileStore opens a store on a database file in a temporary directory.
func NewTestFileStore(t *testing.T) *repository.SQLiteStore {
	t.Helper()

	s, err := repository.NewSQLiteStore(repository.FileDSN(filepath.Join(t.TempDir(), "chatrelay.db")))
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}

	t.Cleanup(func() {
		_ = s.Close()
	})

	return s
}

// NewTestConfig returns a config with short timeouts and no context window.
func NewTestConfig() *config.Config {
	return &config.Config{
		CORSAllowOrigins: []string{"http://localhost:5173"},
		DefaultModel:     "default/model",
		FinalizeTimeout:  time.Second,
		FinalizeRetries:  1,
		PingInterval:     time.Minute,
		WriteTimeout:     time.Second,
		ReadTimeout:      time.Minute,
		MaxMessageSize:   1 << 20,
	}
}
