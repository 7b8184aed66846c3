package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/rs/zerolog"

	"ginger/server/internal/vibe"
)

const (
	pongWait     = 60 * time.Second
	pingInterval = 54 * time.Second
	writeWait    = 10 * time.Second
)

// Dispatcher executes client commands on behalf of a user
type Dispatcher interface {
	Dispatch(ctx context.Context, userID string, msg IncomingMessage) error
}

// Client represents a WebSocket client connection
type Client struct {
	ID   string // User ID
	Conn *websocket.Conn
	Hub  *Hub
	Send chan []byte

	media      *RemoteMedia
	dispatcher Dispatcher
	commands   chan IncomingMessage
	log        zerolog.Logger

	mu     sync.Mutex
	closed bool
}

// NewClient creates a new WebSocket client
func NewClient(userID string, conn *websocket.Conn, hub *Hub, media *RemoteMedia, dispatcher Dispatcher) *Client {
	return &Client{
		ID:         userID,
		Conn:       conn,
		Hub:        hub,
		Send:       make(chan []byte, 256),
		media:      media,
		dispatcher: dispatcher,
		commands:   make(chan IncomingMessage, 32),
		log:        hub.log.With().Str("user_id", userID).Logger(),
	}
}

// ReadPump handles incoming messages from the client
func (c *Client) ReadPump() {
	go c.dispatchLoop()
	defer func() {
		close(c.commands)
		c.Hub.Unregister <- c
		c.Conn.Close()
	}()

	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn().Err(err).Msg("websocket read error")
			}
			break
		}

		var incoming IncomingMessage
		if err := json.Unmarshal(message, &incoming); err != nil {
			c.log.Debug().Err(err).Msg("failed to parse message")
			continue
		}
		c.handleIncomingMessage(incoming)
	}
}

// WritePump handles outgoing messages to the client
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Debug().Err(err).Msg("websocket write error")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleIncomingMessage answers media round trips inline, since a pending
// command may be waiting on them, and queues everything else.
func (c *Client) handleIncomingMessage(msg IncomingMessage) {
	switch msg.Type {
	case EventMediaReady, EventMediaError:
		var reply MediaReplyPayload
		if err := json.Unmarshal(msg.Payload, &reply); err != nil {
			c.log.Debug().Err(err).Msg("bad media reply")
			return
		}
		if c.media != nil {
			c.media.Resolve(c.ID, msg.Type, reply)
		}
	default:
		select {
		case c.commands <- msg:
		default:
			c.log.Warn().Str("type", string(msg.Type)).Msg("command backlog full, dropping")
		}
	}
}

// dispatchLoop runs commands one at a time, in arrival order
func (c *Client) dispatchLoop() {
	for msg := range c.commands {
		if c.dispatcher == nil {
			continue
		}
		if err := c.dispatcher.Dispatch(context.Background(), c.ID, msg); err != nil {
			code, text := vibe.Describe(err)
			c.SendMessage(newMessage(EventError, ErrorPayload{Code: code, Message: text}))
		}
	}
}

// SendMessage sends a message to the client
func (c *Client) SendMessage(msg WSMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.send(data)
	return nil
}

func (c *Client) send(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.Send <- data:
		return true
	default:
		c.log.Warn().Msg("send buffer full, dropping message")
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.Send)
	}
}
