// Package ws provides the WebSocket chat transport.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/xiaot623/chatrelay/internal/config"
	"github.com/xiaot623/chatrelay/internal/hub"
	"github.com/xiaot623/chatrelay/internal/service"
)

// Server handles WebSocket connections.
type Server struct {
	cfg      *config.Config
	hub      *hub.Hub
	service  *service.Service
	upgrader websocket.Upgrader

	// greeted holds the IDs of connections that completed hello.
	greeted sync.Map

	// baseCtx parents every connection context; cancelling it stops all turns.
	baseCtx   context.Context
	cancelAll context.CancelFunc
	mu        sync.Mutex
	turns     sync.WaitGroup
	shutting  bool
}

// NewServer creates a new WebSocket server.
func NewServer(cfg *config.Config, h *hub.Hub, svc *service.Service) *Server {
	s := &Server{
		cfg:     cfg,
		hub:     h,
		service: svc,
	}
	s.baseCtx, s.cancelAll = context.WithCancel(context.Background())
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// RegisterRoutes registers the WebSocket endpoint.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.GET("/ws", s.HandleWebSocket)
}

// checkOrigin accepts non-browser clients and the configured CORS origins.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.CORSAllowOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// HandleWebSocket handles WebSocket upgrade and connection lifecycle.
func (s *Server) HandleWebSocket(c echo.Context) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Printf("Failed to upgrade WebSocket: %v", err)
		return err
	}

	conn := s.hub.NewConnection(ws)
	if err := s.hub.Register(conn); err != nil {
		ws.Close()
		return nil
	}

	ws.SetReadLimit(s.cfg.MaxMessageSize)

	// Turns outlive this handler; the request context ends when it returns.
	ctx, cancelConn := context.WithCancel(context.WithoutCancel(c.Request().Context()))
	stopAfter := context.AfterFunc(s.baseCtx, cancelConn)
	cancel := func() {
		stopAfter()
		cancelConn()
	}

	go s.writePump(conn)
	go s.readPump(ctx, cancel, conn)

	return nil
}

// readPump reads messages from the WebSocket connection.
func (s *Server) readPump(ctx context.Context, cancel context.CancelFunc, conn *hub.Connection) {
	defer func() {
		cancel()
		s.greeted.Delete(conn.ID)
		s.hub.Unregister(conn)
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		return nil
	})

	for {
		_, message, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}
		// Any client frame proves the peer is alive.
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))

		s.handleMessage(ctx, conn, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (s *Server) writePump(conn *hub.Connection) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case <-conn.Done():
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-conn.Send:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("Failed to write message: %v", err)
				s.hub.Unregister(conn)
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.hub.Unregister(conn)
				return
			}
		}
	}
}

// handleMessage dispatches incoming messages to appropriate handlers.
func (s *Server) handleMessage(ctx context.Context, conn *hub.Connection, data []byte) {
	var baseMsg BaseMessage
	if err := json.Unmarshal(data, &baseMsg); err != nil {
		s.sendError(ctx, conn, "", ErrorCodeInvalidMessage, "invalid JSON message")
		return
	}

	switch baseMsg.Type {
	case TypeHello:
		s.handleHello(ctx, conn, data)
	case TypeChat:
		s.handleChat(ctx, conn, data)
	default:
		s.sendError(ctx, conn, baseMsg.RequestID, ErrorCodeInvalidMessage, "unknown message type: "+baseMsg.Type)
	}
}

// handleHello handles the hello handshake message. A session id, if given,
// must name an existing session. Hello may be repeated to switch sessions.
func (s *Server) handleHello(ctx context.Context, conn *hub.Connection, data []byte) {
	var msg HelloMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(ctx, conn, "", ErrorCodeInvalidMessage, "invalid hello message")
		return
	}

	if msg.SessionID != "" {
		if _, err := s.service.GetSession(ctx, msg.SessionID); err != nil {
			s.sendError(ctx, conn, msg.RequestID, errorCode(err), err.Error())
			return
		}
		s.hub.BindSession(conn, msg.SessionID)
	} else {
		// A bare hello starts over: the next chat opens a new session.
		s.hub.UnbindSession(conn)
	}
	s.greeted.Store(conn.ID, true)

	ack := HelloAckMessage{
		BaseMessage: BaseMessage{
			Type:      TypeHelloAck,
			Ts:        time.Now().UnixMilli(),
			RequestID: msg.RequestID,
			SessionID: msg.SessionID,
		},
	}
	conn.EnqueueJSON(ctx, ack)

	log.Printf("Hello handshake completed for connection %s (session: %s)", conn.ID, msg.SessionID)
}

// handleChat runs one turn in its own goroutine so the reader keeps serving
// the connection. Frames of concurrent turns are told apart by request_id.
func (s *Server) handleChat(ctx context.Context, conn *hub.Connection, data []byte) {
	var msg ChatMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(ctx, conn, "", ErrorCodeInvalidMessage, "invalid chat message")
		return
	}

	if _, ok := s.greeted.Load(conn.ID); !ok {
		s.sendError(ctx, conn, msg.RequestID, ErrorCodeSessionRequired, "must send hello first")
		return
	}

	sessionID := msg.SessionID
	if sessionID == "" {
		sessionID = conn.SessionID()
	}

	s.mu.Lock()
	if s.shutting {
		s.mu.Unlock()
		s.sendError(ctx, conn, msg.RequestID, ErrorCodeShuttingDown, "server is shutting down")
		return
	}
	s.turns.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.turns.Done()
		s.runTurn(ctx, conn, msg, sessionID)
	}()
}

// Shutdown stops accepting turns and waits for running ones to store their
// replies. When ctx ends first, running turns are cancelled and finalize with
// what they have; Shutdown then waits for that and returns ctx's error.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shutting = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.turns.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		log.Printf("WARN: cancelling in-flight WebSocket turns: %v", ctx.Err())
		s.cancelAll()
		<-done
		return ctx.Err()
	}
}

func (s *Server) runTurn(ctx context.Context, conn *hub.Connection, msg ChatMessage, sessionID string) {
	turn, err := s.service.SubmitTurn(ctx, service.TurnRequest{
		SessionID:   sessionID,
		Content:     msg.Content,
		Model:       msg.Model,
		ImageBase64: msg.ImageBase64,
	})
	if err != nil {
		log.Printf("WARN: chat turn rejected on connection %s: %v", conn.ID, err)
		s.sendError(ctx, conn, msg.RequestID, errorCode(err), err.Error())
		return
	}
	defer turn.Close()

	if conn.SessionID() != turn.SessionID {
		s.hub.BindSession(conn, turn.SessionID)
	}

	base := func(typ string) BaseMessage {
		return BaseMessage{Type: typ, Ts: time.Now().UnixMilli(), RequestID: msg.RequestID, SessionID: turn.SessionID}
	}

	if err := conn.EnqueueJSON(ctx, SessionMessage{BaseMessage: base(TypeSession)}); err != nil {
		return
	}

	err = turn.Relay(ctx, func(fragment string) error {
		return conn.EnqueueJSON(ctx, DeltaMessage{BaseMessage: base(TypeDelta), Text: fragment})
	})
	if err != nil {
		log.Printf("WARN: connection %s went away during turn on session %s: %v", conn.ID, turn.SessionID, err)
	}

	var messageID string
	if reply := turn.AssistantMessage(); reply != nil {
		messageID = reply.ID
	}
	if err == nil {
		conn.EnqueueJSON(ctx, DoneMessage{BaseMessage: base(TypeDone), MessageID: messageID})
	}
	if messageID != "" {
		s.hub.BroadcastJSON(turn.SessionID, conn.ID, MessageSavedMessage{BaseMessage: base(TypeMessageSaved), MessageID: messageID})
	}
}

// sendError sends an error message to a connection.
func (s *Server) sendError(ctx context.Context, conn *hub.Connection, requestID, code, message string) {
	errMsg := ErrorMessage{
		BaseMessage: BaseMessage{
			Type:      TypeError,
			Ts:        time.Now().UnixMilli(),
			RequestID: requestID,
			SessionID: conn.SessionID(),
		},
		Code:    code,
		Message: message,
	}
	conn.EnqueueJSON(ctx, errMsg)
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, service.ErrSessionNotFound):
		return ErrorCodeSessionNotFound
	case errors.Is(err, service.ErrTurnRejected):
		return ErrorCodeRejected
	case errors.Is(err, service.ErrInvalidAttachment):
		return ErrorCodeInvalidAttachment
	case errors.Is(err, service.ErrValidation):
		return ErrorCodeInvalidMessage
	case errors.Is(err, service.ErrUpstreamUnavailable):
		return ErrorCodeUpstreamUnavailable
	default:
		return ErrorCodeInternalError
	}
}
