package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/internal/observability"
	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/pkg/execution"
	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/pkg/protocol"
	"github.com/gorilla/websocket"
)

// ErrClientClosed is returned when sending to a disconnected client
var ErrClientClosed = errors.New("client connection closed")

// TurnService is the orchestration core the gateway feeds
type TurnService interface {
	Submit(ctx context.Context, req execution.Request, sink protocol.Sink) (*execution.Context, error)
	ResolveToolCall(sessionID, requestID string, data protocol.ToolCallResponseData) bool
	Interrupt(sessionID, requestID string) bool
	CloseSession(sessionID string)
}

// Client is one websocket connection. It is the protocol.Sink of every turn it starts.
type Client struct {
	ID           string
	Conn         *websocket.Conn
	ConnectedAt  time.Time
	LastActivity time.Time
	IPAddress    string
	RateLimiter  *ClientRateLimiter

	writeTimeout time.Duration
	writeMu      sync.Mutex
	closed       bool
}

// ClientInfo represents public client information
type ClientInfo struct {
	ID           string    `json:"id"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastActivity time.Time `json:"lastActivity"`
	IPAddress    string    `json:"ipAddress"`
	Sessions     []string  `json:"sessions"`
	Idle         bool      `json:"idle"`
}

// Send writes env to the connection. Writes are serialized.
func (c *Client) Send(env protocol.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed {
		return ErrClientClosed
	}
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := c.Conn.WriteJSON(env); err != nil {
		return err
	}
	observability.RecordMessage("out", string(env.Type))
	return nil
}

// close marks the client closed and closes the socket
func (c *Client) close() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	_ = c.Conn.Close()
}
