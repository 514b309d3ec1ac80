package ws

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/chatrelay/internal/adapter/llm"
	"github.com/xiaot623/chatrelay/internal/domain"
	"github.com/xiaot623/chatrelay/internal/hub"
	"github.com/xiaot623/chatrelay/internal/repository"
	"github.com/xiaot623/chatrelay/internal/service"
	"github.com/xiaot623/chatrelay/tests/helpers"
)

type frame struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	MessageID string `json:"message_id"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

func newTestServer(t *testing.T) (*httptest.Server, repository.Store) {
	t.Helper()
	server, store, _ := newTestServerWith(t, llm.NewMockClient())
	return server, store
}

func newTestServerWith(t *testing.T, completer llm.Completer) (*httptest.Server, repository.Store, *Server) {
	t.Helper()
	cfg := helpers.NewTestConfig()
	store := helpers.NewTestSQLiteStore(t)

	svc := service.New(store, completer, cfg, nil, nil)

	h := hub.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	wsServer := NewServer(cfg, h, svc)
	e := echo.New()
	wsServer.RegisterRoutes(e)
	server := httptest.NewServer(e)
	t.Cleanup(func() {
		server.Close()
		cancel()
	})
	return server, store, wsServer
}

// stallingCompleter streams "one", then blocks until released or cancelled.
type stallingCompleter struct {
	release chan struct{}
}

func (c *stallingCompleter) StreamChatCompletion(ctx context.Context, req *llm.ChatCompletionRequest) (llm.ChatStream, error) {
	return &stallingStream{ctx: ctx, release: c.release}, nil
}

type stallingStream struct {
	ctx     context.Context
	release chan struct{}
	sent    bool
}

func (s *stallingStream) Recv() (string, error) {
	if !s.sent {
		s.sent = true
		return "one", nil
	}
	select {
	case <-s.release:
		return "", io.EOF
	case <-s.ctx.Done():
		return "", s.ctx.Err()
	}
}

func (s *stallingStream) Close() error { return nil }

// startStalledTurn sends a chat and reads up to the first delta.
func startStalledTurn(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	hello(t, conn, "")
	require.NoError(t, conn.WriteJSON(map[string]string{"type": TypeChat, "content": "hi", "model": "m1"}))
	session := readFrame(t, conn)
	require.Equal(t, TypeSession, session.Type, "unexpected frame: %+v", session)
	delta := readFrame(t, conn)
	require.Equal(t, TypeDelta, delta.Type, "unexpected frame: %+v", delta)
	require.Equal(t, "one", delta.Text)
	return session.SessionID
}

func dial(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func hello(t *testing.T, conn *websocket.Conn, sessionID string) frame {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]string{"type": TypeHello, "session_id": sessionID}))
	return readFrame(t, conn)
}

// chat sends a turn and collects frames until done.
func chat(t *testing.T, conn *websocket.Conn, msg map[string]string) (session frame, text string, done frame) {
	t.Helper()
	msg["type"] = TypeChat
	require.NoError(t, conn.WriteJSON(msg))

	session = readFrame(t, conn)
	require.Equal(t, TypeSession, session.Type, "unexpected frame: %+v", session)
	for {
		f := readFrame(t, conn)
		switch f.Type {
		case TypeDelta:
			text += f.Text
		case TypeDone:
			return session, text, f
		default:
			t.Fatalf("unexpected frame: %+v", f)
		}
	}
}

func TestChatOverWebSocket(t *testing.T) {
	server, store := newTestServer(t)
	conn := dial(t, server)

	ack := hello(t, conn, "")
	assert.Equal(t, TypeHelloAck, ack.Type)

	session, text, done := chat(t, conn, map[string]string{"request_id": "r1", "content": "hi there", "model": "m1"})
	assert.Equal(t, "r1", session.RequestID)
	require.True(t, strings.HasPrefix(session.SessionID, "sess_"))
	assert.Equal(t, `This is a mock response from m1 to: "hi there"`, text)
	assert.Equal(t, session.SessionID, done.SessionID)
	assert.NotEmpty(t, done.MessageID)

	messages, err := store.GetMessages(context.Background(), session.SessionID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, text, messages[1].Content)
	assert.Equal(t, done.MessageID, messages[1].ID)

	// The connection stays bound; the next turn continues the session.
	next, _, _ := chat(t, conn, map[string]string{"request_id": "r2", "content": "again"})
	assert.Equal(t, session.SessionID, next.SessionID)
}

func TestMessageSavedReachesOtherConnections(t *testing.T) {
	server, _ := newTestServer(t)
	writer := dial(t, server)
	hello(t, writer, "")
	session, _, _ := chat(t, writer, map[string]string{"content": "start"})

	watcher := dial(t, server)
	ack := hello(t, watcher, session.SessionID)
	require.Equal(t, TypeHelloAck, ack.Type)
	assert.Equal(t, session.SessionID, ack.SessionID)

	_, _, done := chat(t, writer, map[string]string{"content": "more"})

	saved := readFrame(t, watcher)
	assert.Equal(t, TypeMessageSaved, saved.Type)
	assert.Equal(t, session.SessionID, saved.SessionID)
	assert.Equal(t, done.MessageID, saved.MessageID)
}

func TestChatRequiresHello(t *testing.T) {
	server, _ := newTestServer(t)
	conn := dial(t, server)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": TypeChat, "request_id": "r1", "content": "hi"}))
	f := readFrame(t, conn)
	assert.Equal(t, TypeError, f.Type)
	assert.Equal(t, ErrorCodeSessionRequired, f.Code)
	assert.Equal(t, "r1", f.RequestID)
}

func TestHelloUnknownSession(t *testing.T) {
	server, _ := newTestServer(t)
	conn := dial(t, server)

	f := hello(t, conn, "sess_missing")
	assert.Equal(t, TypeError, f.Type)
	assert.Equal(t, ErrorCodeSessionNotFound, f.Code)
}

func TestChatErrors(t *testing.T) {
	server, _ := newTestServer(t)
	conn := dial(t, server)
	hello(t, conn, "")

	require.NoError(t, conn.WriteJSON(map[string]string{"type": TypeChat, "request_id": "r1", "content": "  "}))
	f := readFrame(t, conn)
	assert.Equal(t, ErrorCodeInvalidMessage, f.Code)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": TypeChat, "request_id": "r2", "content": "x", "image_base64": "%%%"}))
	f = readFrame(t, conn)
	assert.Equal(t, ErrorCodeInvalidAttachment, f.Code)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": TypeChat, "request_id": "r3", "session_id": "sess_missing", "content": "x"}))
	f = readFrame(t, conn)
	assert.Equal(t, ErrorCodeSessionNotFound, f.Code)
	assert.Equal(t, "r3", f.RequestID)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "cancel_run"}))
	f = readFrame(t, conn)
	assert.Equal(t, ErrorCodeInvalidMessage, f.Code)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	f = readFrame(t, conn)
	assert.Equal(t, ErrorCodeInvalidMessage, f.Code)
}

func TestCheckOrigin(t *testing.T) {
	server, _ := newTestServer(t)
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"

	header := map[string][]string{"Origin": {"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 403, resp.StatusCode)

	header = map[string][]string{"Origin": {"http://localhost:5173"}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	conn.Close()
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, ErrorCodeUpstreamUnavailable, errorCode(service.ErrUpstreamUnavailable))
	assert.Equal(t, ErrorCodeRejected, errorCode(service.ErrTurnRejected))
	assert.Equal(t, ErrorCodeInternalError, errorCode(context.Canceled))
}

func TestBareHelloStartsNewSession(t *testing.T) {
	server, _ := newTestServer(t)
	conn := dial(t, server)
	hello(t, conn, "")

	first, _, _ := chat(t, conn, map[string]string{"content": "first"})
	same, _, _ := chat(t, conn, map[string]string{"content": "again"})
	assert.Equal(t, first.SessionID, same.SessionID)

	ack := hello(t, conn, "")
	assert.Equal(t, TypeHelloAck, ack.Type)
	fresh, _, _ := chat(t, conn, map[string]string{"content": "fresh start"})
	assert.NotEqual(t, first.SessionID, fresh.SessionID)
}

func TestShutdownWaitsForRunningTurn(t *testing.T) {
	release := make(chan struct{})
	server, store, wsServer := newTestServerWith(t, &stallingCompleter{release: release})
	conn := dial(t, server)
	sessionID := startStalledTurn(t, conn)

	result := make(chan error, 1)
	go func() {
		result <- wsServer.Shutdown(context.Background())
	}()

	select {
	case err := <-result:
		t.Fatalf("Shutdown returned before the turn finished: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("Shutdown did not return after the turn finished")
	}

	messages, err := store.GetMessages(context.Background(), sessionID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "one", messages[1].Content)

	done := readFrame(t, conn)
	assert.Equal(t, TypeDone, done.Type)
	assert.Equal(t, messages[1].ID, done.MessageID)

	// No new turns once shutdown started.
	require.NoError(t, conn.WriteJSON(map[string]string{"type": TypeChat, "content": "again"}))
	refused := readFrame(t, conn)
	assert.Equal(t, TypeError, refused.Type)
	assert.Equal(t, ErrorCodeShuttingDown, refused.Code)
}

func TestShutdownDeadlineCancelsTurnAndStoresReply(t *testing.T) {
	server, store, wsServer := newTestServerWith(t, &stallingCompleter{release: make(chan struct{})})
	conn := dial(t, server)
	sessionID := startStalledTurn(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := wsServer.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	messages, err := store.GetMessages(context.Background(), sessionID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, domain.RoleAssistant, messages[1].Role)
	assert.Equal(t, "one", messages[1].Content)
}
