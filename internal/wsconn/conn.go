// Package wsconn is the bidirectional event transport (spec §1: "any
// bidirectional message transport with per-connection identity and
// broadcast is acceptable"). It upgrades an echo request to a WebSocket via
// nhooyr.io/websocket and exposes a Conn with typed Send/Receive, letting
// internal/eventrouter stay transport-thin — the same separation the
// teacher draws between its echo handlers (stream-service/api/handlers.go)
// and the updateBroker they drive.
package wsconn

import (
	"context"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"nhooyr.io/websocket"

	"github.com/mistervvp/board-coordinator/internal/domain"
)

// Envelope is the wire shape for every event in both directions: a type tag
// plus its still-encoded payload (spec §6 event protocol).
type Envelope struct {
	Type    string            `json:"type"`
	Payload domain.RawMessage `json:"payload"`
}

// Conn wraps one upgraded WebSocket connection, identified by a
// server-generated connection id (spec §3 UserPresence.userId = connection id).
type Conn struct {
	ID string
	ws *websocket.Conn
}

// Accept upgrades an incoming HTTP request to a WebSocket connection.
func Accept(c echo.Context, allowedOrigin string) (*Conn, error) {
	opts := &websocket.AcceptOptions{}
	if allowedOrigin != "" && allowedOrigin != "*" {
		opts.OriginPatterns = []string{allowedOrigin}
	}
	ws, err := websocket.Accept(c.Response(), c.Request(), opts)
	if err != nil {
		return nil, fmt.Errorf("wsconn: accept: %w", err)
	}
	return &Conn{ID: uuid.NewString(), ws: ws}, nil
}

// Send writes one typed event to this connection.
func (c *Conn) Send(ctx context.Context, eventType string, payload any) error {
	raw, err := sonic.Marshal(payload)
	if err != nil {
		return fmt.Errorf("wsconn: marshal %s payload: %w", eventType, err)
	}
	env := Envelope{Type: eventType, Payload: domain.RawMessage(raw)}
	data, err := sonic.Marshal(env)
	if err != nil {
		return fmt.Errorf("wsconn: marshal envelope: %w", err)
	}
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("wsconn: write to %s: %w", c.ID, err)
	}
	return nil
}

// Receive blocks for the next inbound envelope, or returns an error when the
// connection closes.
func (c *Conn) Receive(ctx context.Context) (Envelope, error) {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		return Envelope{}, err
	}
	var env Envelope
	if err := sonic.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("wsconn: unmarshal envelope: %w", err)
	}
	return env, nil
}

// Close closes the underlying connection with a normal-closure code.
func (c *Conn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "closed")
}
