// Package relayclient is the Worker-side half of the Relay wire protocol
// (§4.6, §6.4): it dials the Relay as a "pylon" device, authenticates,
// and exchanges Frames over the same WebSocket connection the Relay's
// internal Client/Hub serve on the other end. Grounded on the teacher's
// agent_chat_client.go WebSocket dial/auth/RPC pattern, generalized from
// a one-shot chat client into a long-lived duplex frame pump.
package relayclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/pylonrelay/pkg/protocol"
)

// Client is a Worker's authenticated connection to the Relay.
type Client struct {
	conn   *websocket.Conn
	Frames <-chan protocol.Frame // inbound frames (send_message, permission_response, etc.)

	frames chan protocol.Frame
}

// Dial connects to the Relay at addr (host:port) and authenticates as
// the pylon identified by deviceIndex (§4.6 auth step).
func Dial(addr string, deviceIndex int) (*Client, error) {
	url := fmt.Sprintf("ws://%s/ws", addr)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("relayclient: dial: %w", err)
	}

	var connected protocol.Frame
	if err := conn.ReadJSON(&connected); err != nil {
		conn.Close()
		return nil, fmt.Errorf("relayclient: read connected frame: %w", err)
	}

	authPayload, _ := json.Marshal(protocol.AuthPayload{DeviceType: protocol.DevicePylon, DeviceIndex: deviceIndex})
	if err := conn.WriteJSON(protocol.Frame{Type: protocol.FrameAuth, Payload: authPayload}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("relayclient: send auth: %w", err)
	}

	var authResult protocol.Frame
	if err := conn.ReadJSON(&authResult); err != nil {
		conn.Close()
		return nil, fmt.Errorf("relayclient: read auth result: %w", err)
	}
	var result struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(authResult.Payload, &result); err != nil || !result.Success {
		conn.Close()
		return nil, fmt.Errorf("relayclient: auth rejected: %s", result.Error)
	}

	c := &Client{conn: conn, frames: make(chan protocol.Frame, 64)}
	c.Frames = c.frames
	return c, nil
}

// Run pumps inbound frames into c.Frames until ctx is cancelled or the
// connection drops.
func (c *Client) Run(ctx context.Context) {
	defer close(c.frames)
	go func() {
		<-ctx.Done()
		c.conn.Close()
	}()
	for {
		var f protocol.Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			select {
			case <-ctx.Done():
			default:
				slog.Warn("relayclient: connection closed", "error", err)
			}
			return
		}
		select {
		case c.frames <- f:
		case <-ctx.Done():
			return
		}
	}
}

// Send writes a frame to the Relay, addressed per its To/Broadcast fields.
func (c *Client) Send(f protocol.Frame) error {
	return c.conn.WriteJSON(f)
}

// SendEvent wraps payload as a broadcast "session_event" frame to the app devices.
func (c *Client) SendEvent(eventType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("relayclient: marshal event: %w", err)
	}
	return c.Send(protocol.Frame{Type: eventType, Payload: raw, Broadcast: string(protocol.DeviceApp)})
}

func (c *Client) Close() error { return c.conn.Close() }

// KeepAlive pings the Relay on interval until ctx is cancelled, detecting
// a dead connection sooner than TCP keepalive would.
func (c *Client) KeepAlive(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := c.Send(protocol.Frame{Type: protocol.FramePing}); err != nil {
				return
			}
		}
	}
}
