// Package tui is a terminal chat client for the bridge. It speaks the same
// socket commands as the web client over one WebSocket session.
package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Event is one frame pushed by the bridge.
type Event struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type request struct {
	Command string `json:"command"`
	Payload any    `json:"payload,omitempty"`
}

// Conn is the session the chat model talks through.
type Conn interface {
	Send(ctx context.Context, command string, payload any) error
	Next(ctx context.Context) (Event, error)
}

// Client is a WebSocket session with the bridge.
type Client struct {
	conn *websocket.Conn
}

// Dial opens a session at url, e.g. ws://localhost:3000/ws. An empty token
// relies on the server's development user.
func Dial(ctx context.Context, url, token string) (*Client, error) {
	opts := &websocket.DialOptions{}
	if token != "" {
		opts.HTTPHeader = http.Header{"Authorization": {"Bearer " + token}}
	}
	conn, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	conn.SetReadLimit(4 << 20)
	return &Client{conn: conn}, nil
}

// Send writes one socket command.
func (c *Client) Send(ctx context.Context, command string, payload any) error {
	return wsjson.Write(ctx, c.conn, request{Command: command, Payload: payload})
}

// Next blocks for the next event.
func (c *Client) Next(ctx context.Context) (Event, error) {
	var ev Event
	err := wsjson.Read(ctx, c.conn, &ev)
	return ev, err
}

// Close ends the session.
func (c *Client) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}
