// Package main provides a simple CLI chat client for the WebSocket endpoint.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xiaot623/chatrelay/internal/transport/ws"
)

// Client represents a WebSocket client.
type Client struct {
	conn  *websocket.Conn
	model string

	mu        sync.Mutex
	sessionID string
	done      chan struct{}
	closeOnce sync.Once
}

// NewClient creates a new client and connects to the server.
func NewClient(addr, model string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.Dial(addr, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	return &Client{
		conn:  conn,
		model: model,
		done:  make(chan struct{}),
	}, nil
}

// Close closes the client connection.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return c.conn.Close()
}

// Session returns the current session id.
func (c *Client) Session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Client) setSession(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = id
}

// SendHello sends a hello message and waits for hello_ack.
func (c *Client) SendHello(sessionID string) error {
	msg := ws.HelloMessage{
		BaseMessage: ws.BaseMessage{
			Type:      ws.TypeHello,
			Ts:        time.Now().UnixMilli(),
			SessionID: sessionID,
		},
	}

	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write hello: %w", err)
	}

	// Wait for hello_ack
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read hello_ack: %w", err)
	}

	var base ws.BaseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		return fmt.Errorf("unmarshal hello_ack: %w", err)
	}

	if base.Type == ws.TypeError {
		var errMsg ws.ErrorMessage
		json.Unmarshal(data, &errMsg)
		return fmt.Errorf("hello failed: %s - %s", errMsg.Code, errMsg.Message)
	}

	if base.Type != ws.TypeHelloAck {
		return fmt.Errorf("expected hello_ack, got: %s", base.Type)
	}

	c.setSession(base.SessionID)
	return nil
}

// Reset sends a bare hello so the next turn opens a new session. The ack is
// picked up by ReadMessages.
func (c *Client) Reset() error {
	return c.conn.WriteJSON(ws.HelloMessage{
		BaseMessage: ws.BaseMessage{Type: ws.TypeHello, Ts: time.Now().UnixMilli()},
	})
}

// SendChat sends one turn on the current session.
func (c *Client) SendChat(content string) error {
	msg := ws.ChatMessage{
		BaseMessage: ws.BaseMessage{
			Type:      ws.TypeChat,
			Ts:        time.Now().UnixMilli(),
			SessionID: c.Session(),
			RequestID: fmt.Sprintf("req_%d", time.Now().UnixNano()),
		},
		Content: content,
		Model:   c.model,
	}

	return c.conn.WriteJSON(msg)
}

// ReadMessages reads server frames and prints the streamed reply.
// A value is sent on turnDone after every hello_ack, done or error frame.
func (c *Client) ReadMessages(turnDone chan<- struct{}) {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				log.Printf("Read error: %v", err)
			}
			c.Close()
			return
		}

		var base ws.BaseMessage
		if err := json.Unmarshal(data, &base); err != nil {
			log.Printf("Unmarshal error: %v", err)
			continue
		}

		switch base.Type {
		case ws.TypeHelloAck:
			c.setSession(base.SessionID)
			turnDone <- struct{}{}
		case ws.TypeSession:
			if base.SessionID != c.Session() {
				c.setSession(base.SessionID)
				fmt.Printf("[session %s]\n", base.SessionID)
			}
		case ws.TypeDelta:
			var msg ws.DeltaMessage
			if err := json.Unmarshal(data, &msg); err == nil {
				fmt.Print(msg.Text)
			}
		case ws.TypeDone:
			fmt.Println()
			turnDone <- struct{}{}
		case ws.TypeError:
			var msg ws.ErrorMessage
			json.Unmarshal(data, &msg)
			fmt.Printf("\n[error] %s: %s\n", msg.Code, msg.Message)
			turnDone <- struct{}{}
		case ws.TypeMessageSaved:
			fmt.Printf("\n[session %s updated elsewhere]\n", base.SessionID)
		}
	}
}

func main() {
	addr := flag.String("addr", "ws://localhost:8000/ws", "WebSocket server address")
	model := flag.String("model", "", "Model to use (server default when empty)")
	session := flag.String("session", "", "Existing session to continue")
	flag.Parse()

	log.SetFlags(log.Ltime)

	fmt.Printf("Connecting to %s...\n", *addr)

	client, err := NewClient(*addr, *model)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer client.Close()

	if err := client.SendHello(*session); err != nil {
		log.Fatalf("Hello failed: %v", err)
	}

	if s := client.Session(); s != "" {
		fmt.Printf("Continuing session: %s\n", s)
	}
	fmt.Println("\nType a message and press Enter to send.")
	fmt.Println("Commands: /new to start a new session, /quit to exit")

	turnDone := make(chan struct{}, 1)
	go client.ReadMessages(turnDone)

	// Handle Ctrl+C
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	go func() {
		<-interrupt
		fmt.Println("\nInterrupted")
		client.Close()
		os.Exit(0)
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}

		input := strings.TrimSpace(scanner.Text())
		switch input {
		case "":
			continue
		case "/quit":
			fmt.Println("Bye!")
			return
		case "/new":
			if err := client.Reset(); err != nil {
				log.Printf("Send error: %v", err)
				return
			}
			<-turnDone
			fmt.Println("Next message starts a new session.")
			continue
		}

		if err := client.SendChat(input); err != nil {
			log.Printf("Send error: %v", err)
			return
		}

		select {
		case <-turnDone:
		case <-client.done:
			return
		}
	}
}
