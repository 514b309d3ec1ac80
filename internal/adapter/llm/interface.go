// Package llm provides the upstream streaming chat-completion client.
package llm

import "context"

// Completer opens streaming chat completions.
type Completer interface {
	// StreamChatCompletion prepares a streaming completion. No network I/O
	// happens until the first Recv on the returned stream; errors returned
	// here are construction errors (e.g. a missing credential).
	StreamChatCompletion(ctx context.Context, req *ChatCompletionRequest) (ChatStream, error)
}

// ChatStream is a single-pass, forward-only sequence of text fragments.
type ChatStream interface {
	// Recv returns the next non-empty fragment. It returns io.EOF once the
	// upstream signals the end of the stream.
	Recv() (string, error)

	// Close releases the upstream connection. It is safe to call at any time
	// and more than once.
	Close() error
}

// Ensure Client implements Completer interface.
var _ Completer = (*Client)(nil)
