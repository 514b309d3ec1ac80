package service

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/xiaot623/chatrelay/internal/adapter/llm"
	"github.com/xiaot623/chatrelay/internal/domain"
	"github.com/xiaot623/chatrelay/internal/repository"
	"github.com/xiaot623/chatrelay/tests/helpers"
)

// scriptedStream yields fragments, then err (or io.EOF).
type scriptedStream struct {
	mu        sync.Mutex
	fragments []string
	err       error
	closed    bool
}

func (s *scriptedStream) Recv() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", errors.New("recv on closed stream")
	}
	if len(s.fragments) > 0 {
		next := s.fragments[0]
		s.fragments = s.fragments[1:]
		return next, nil
	}
	if s.err != nil {
		return "", s.err
	}
	return "", io.EOF
}

func (s *scriptedStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *scriptedStream) remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fragments)
}

// fakeCompleter records requests and replays a script for every stream.
type fakeCompleter struct {
	mu        sync.Mutex
	fragments []string
	streamErr error
	openErr   error
	requests  []*llm.ChatCompletionRequest
	streams   []*scriptedStream
}

func (f *fakeCompleter) StreamChatCompletion(ctx context.Context, req *llm.ChatCompletionRequest) (llm.ChatStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.openErr != nil {
		return nil, f.openErr
	}
	s := &scriptedStream{fragments: append([]string(nil), f.fragments...), err: f.streamErr}
	f.streams = append(f.streams, s)
	return s, nil
}

func (f *fakeCompleter) lastRequest(t *testing.T) *llm.ChatCompletionRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		t.Fatalf("no upstream request was made")
	}
	return f.requests[len(f.requests)-1]
}

func newTestService(t *testing.T, completer llm.Completer) (*Service, *repository.SQLiteStore) {
	t.Helper()
	store := helpers.NewTestSQLiteStore(t)
	return New(store, completer, helpers.NewTestConfig(), nil, nil), store
}

// runTurn submits and fully relays one turn, returning what the caller saw.
func runTurn(t *testing.T, svc *Service, req TurnRequest) (*Turn, string) {
	t.Helper()
	turn, err := svc.SubmitTurn(context.Background(), req)
	if err != nil {
		t.Fatalf("SubmitTurn failed: %v", err)
	}
	var out string
	if err := turn.Relay(context.Background(), func(fragment string) error {
		out += fragment
		return nil
	}); err != nil {
		t.Fatalf("Relay failed: %v", err)
	}
	return turn, out
}

func mustMessages(t *testing.T, store repository.Store, sessionID string) []domain.Message {
	t.Helper()
	messages, err := store.GetMessages(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	return messages
}
