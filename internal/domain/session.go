// Package domain defines the core domain models for the chat relay.
package domain

import "time"

// DefaultSessionTitle is used when the first message has no words to title from.
const DefaultSessionTitle = "New Chat"

// Session is a conversation thread grouping an ordered sequence of turns.
type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is one persisted turn half. ModelUsed is only set on assistant messages.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	ModelUsed string    `json:"model_used,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ModelInfo describes a selectable upstream model.
type ModelInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}
