// Package repository defines the conversation storage interface and its SQLite implementation.
package repository

import (
	"context"

	"github.com/xiaot623/chatrelay/internal/domain"
)

// Store defines the interface for conversation persistence.
type Store interface {
	// Session operations
	CreateSession(ctx context.Context, session *domain.Session) error
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	ListSessions(ctx context.Context) ([]domain.Session, error)
	DeleteSession(ctx context.Context, sessionID string) (bool, error)

	// Message operations
	CreateMessage(ctx context.Context, message *domain.Message) error
	GetMessages(ctx context.Context, sessionID string) ([]domain.Message, error)

	// Acquire pins a dedicated connection, independent of the pooled ones
	// used by the other methods. The caller must Close it.
	Acquire(ctx context.Context) (Scope, error)

	// Lifecycle
	Close() error
}

// Scope is a store bound to a single acquired connection.
type Scope interface {
	CreateMessage(ctx context.Context, message *domain.Message) error
	Close() error
}
