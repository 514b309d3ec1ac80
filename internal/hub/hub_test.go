package hub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(cancel)
	return h
}

func registered(t *testing.T, h *Hub, n int) {
	t.Helper()
	assert.Eventually(t, func() bool { return h.GetConnectionCount() == n }, time.Second, 5*time.Millisecond)
}

func receive(t *testing.T, conn *Connection) []byte {
	t.Helper()
	select {
	case data := <-conn.Send:
		return data
	case <-time.After(time.Second):
		t.Fatalf("no frame for connection %s", conn.ID)
		return nil
	}
}

func TestBroadcastSkipsSenderAndOtherSessions(t *testing.T) {
	h := startHub(t)

	a := h.NewConnection(nil)
	b := h.NewConnection(nil)
	other := h.NewConnection(nil)
	for _, c := range []*Connection{a, b, other} {
		require.NoError(t, h.Register(c))
	}
	registered(t, h, 3)

	h.BindSession(a, "sess_1")
	h.BindSession(b, "sess_1")
	h.BindSession(other, "sess_2")
	assert.Equal(t, 2, h.GetSessionCount())
	assert.Equal(t, "sess_1", a.SessionID())

	require.NoError(t, h.BroadcastJSON("sess_1", a.ID, map[string]string{"type": "message_saved"}))

	assert.JSONEq(t, `{"type":"message_saved"}`, string(receive(t, b)))
	select {
	case data := <-a.Send:
		t.Fatalf("sender received its own broadcast: %s", data)
	case data := <-other.Send:
		t.Fatalf("other session received broadcast: %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRebindMovesConnection(t *testing.T) {
	h := startHub(t)
	c := h.NewConnection(nil)
	require.NoError(t, h.Register(c))
	registered(t, h, 1)

	h.BindSession(c, "sess_old")
	h.BindSession(c, "sess_new")
	assert.Equal(t, 1, h.GetSessionCount())
	assert.Equal(t, "sess_new", c.SessionID())

	h.UnbindSession(c)
	assert.Equal(t, 0, h.GetSessionCount())
	assert.Equal(t, "", c.SessionID())
}

func TestUnregisterClosesConnection(t *testing.T) {
	h := startHub(t)
	c := h.NewConnection(nil)
	require.NoError(t, h.Register(c))
	registered(t, h, 1)
	h.BindSession(c, "sess_1")

	h.Unregister(c)
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatalf("connection not marked done")
	}
	assert.Equal(t, 0, h.GetConnectionCount())
	assert.Equal(t, 0, h.GetSessionCount())

	assert.ErrorIs(t, c.Enqueue(context.Background(), []byte("x")), ErrConnectionClosed)
	assert.ErrorIs(t, c.TrySend([]byte("x")), ErrConnectionClosed)
}

func TestEnqueueWaitsForRoom(t *testing.T) {
	h := NewHub()
	c := h.NewConnection(nil)
	for i := 0; i < SendBufferSize; i++ {
		require.NoError(t, c.TrySend([]byte("x")))
	}
	assert.ErrorIs(t, c.TrySend([]byte("x")), ErrBufferFull)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Enqueue(ctx, []byte("late")), context.DeadlineExceeded)

	sent := make(chan error, 1)
	go func() { sent <- c.Enqueue(context.Background(), []byte("next")) }()
	<-c.Send
	select {
	case err := <-sent:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatalf("Enqueue did not resume after the writer drained a frame")
	}
}

func TestRunStopShutsDownConnections(t *testing.T) {
	h := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(stopped)
	}()

	c := h.NewConnection(nil)
	require.NoError(t, h.Register(c))
	registered(t, h, 1)

	cancel()
	<-stopped
	<-c.Done()

	assert.ErrorIs(t, h.Register(h.NewConnection(nil)), ErrHubStopped)
	h.Unregister(c)
	h.Broadcast("sess_1", "", []byte("x"))
}
