package llm

import (
	"context"
	"fmt"
	"io"
)

// MockClient is a Completer that streams a canned reply without network access.
type MockClient struct {
	chunkSize int
}

// NewMockClient creates a new mock LLM client.
func NewMockClient() *MockClient {
	return &MockClient{chunkSize: 10}
}

// Ensure MockClient implements Completer interface.
var _ Completer = (*MockClient)(nil)

// StreamChatCompletion simulates a streaming response.
func (m *MockClient) StreamChatCompletion(ctx context.Context, req *ChatCompletionRequest) (ChatStream, error) {
	reply := m.generateMockResponse(req)
	return &mockStream{ctx: ctx, chunks: m.splitIntoChunks(reply, m.chunkSize)}, nil
}

// generateMockResponse echoes the last user message.
func (m *MockClient) generateMockResponse(req *ChatCompletionRequest) string {
	var lastUser string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			lastUser = req.Messages[i].Content.Text
			break
		}
	}
	if n := len(req.Messages); n > 0 && req.Messages[n-1].Content.IsComposite() {
		return fmt.Sprintf("This is a mock response from %s to your message and image: %q", req.Model, lastUser)
	}
	return fmt.Sprintf("This is a mock response from %s to: %q", req.Model, lastUser)
}

func (m *MockClient) splitIntoChunks(s string, size int) []string {
	var chunks []string
	runes := []rune(s)
	for len(runes) > 0 {
		n := size
		if n > len(runes) {
			n = len(runes)
		}
		chunks = append(chunks, string(runes[:n]))
		runes = runes[n:]
	}
	return chunks
}

type mockStream struct {
	ctx    context.Context
	chunks []string
}

func (s *mockStream) Recv() (string, error) {
	if err := s.ctx.Err(); err != nil {
		return "", err
	}
	if len(s.chunks) == 0 {
		return "", io.EOF
	}
	next := s.chunks[0]
	s.chunks = s.chunks[1:]
	return next, nil
}

func (s *mockStream) Close() error {
	s.chunks = nil
	return nil
}
