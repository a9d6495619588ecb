package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/pylonrelay/internal/ids"
	"github.com/nextlevelbuilder/pylonrelay/pkg/protocol"
)

// Client is one authenticated (or not-yet-authenticated) Relay connection.
type Client struct {
	conn *websocket.Conn
	hub  *Hub

	authenticated bool
	deviceType    protocol.DeviceType
	deviceIndex   int
	shareID       string

	limiter *rate.Limiter // nil when the hub's RateLimitRPS is unset (unlimited)

	sendCh chan protocol.Frame
	mu     sync.Mutex
	closed bool
}

func NewClient(conn *websocket.Conn, hub *Hub) *Client {
	c := &Client{conn: conn, hub: hub, sendCh: make(chan protocol.Frame, 64)}
	if rps := hub.rateLimitRPS(); rps > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(rps), burstFor(rps))
	}
	return c
}

// burstFor sizes the token bucket to roughly one second of headroom above
// the steady rate, so a brief burst of routed frames isn't punished as
// harshly as a sustained flood.
func burstFor(rps float64) int {
	b := int(rps * 2)
	if b < 1 {
		b = 1
	}
	return b
}

// send enqueues a frame for delivery; drops it if the client is slow/closed.
func (c *Client) send(f protocol.Frame) {
	select {
	case c.sendCh <- f:
	default:
		slog.Warn("relay: client send buffer full, dropping frame", "type", f.Type)
	}
}

// SendEvent is sugar for send, matching the gateway.Server call-site shape.
func (c *Client) SendEvent(f protocol.Frame) { c.send(f) }

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.sendCh)
	return c.conn.Close()
}

// Run drives the read and write pumps until ctx is cancelled or the
// connection errors; it registers/unregisters the client with the hub.
func (c *Client) Run(ctx context.Context) {
	c.hub.register(c)
	defer c.hub.unregister(c)

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		c.writePump()
	}()

	c.send(protocol.Frame{Type: protocol.FrameConnected})
	c.readPump(ctx)
	<-writeDone
}

func (c *Client) writePump() {
	for f := range c.sendCh {
		data, err := json.Marshal(f)
		if err != nil {
			continue
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

func (c *Client) readPump(ctx context.Context) {
	remoteIP := c.conn.RemoteAddr().String()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var frame protocol.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.send(protocol.Frame{Type: protocol.FrameError, Payload: mustJSON(map[string]string{"error": "invalid frame"})})
			continue
		}

		if err := c.handleFrame(remoteIP, frame); err != nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (c *Client) handleFrame(remoteIP string, frame protocol.Frame) error {
	switch frame.Type {
	case protocol.FrameAuth:
		var p protocol.AuthPayload
		json.Unmarshal(frame.Payload, &p)
		if err := c.hub.authenticate(c, remoteIP, p); err != nil {
			c.send(protocol.Frame{Type: protocol.FrameAuthResult, Payload: mustJSON(map[string]any{"success": false, "error": err.Error()})})
			return nil
		}
		c.send(protocol.Frame{Type: protocol.FrameAuthResult, Payload: mustJSON(map[string]any{
			"success": true,
			"device":  protocol.Device{DeviceID: deviceID(c), DeviceType: c.deviceType, DeviceIndex: c.deviceIndex},
		})})
		c.hub.broadcastDeviceStatus()
		return nil

	case protocol.FrameGetDevices, protocol.FrameGetDevicesCamel:
		c.send(c.hub.deviceListFrame())
		return nil

	case protocol.FramePing:
		c.send(protocol.Frame{Type: protocol.FramePong})
		return nil

	default:
		if !c.authenticated {
			c.send(protocol.Frame{Type: protocol.FrameError, Payload: mustJSON(map[string]string{"error": "Not authenticated"})})
			return nil
		}
		if c.limiter != nil && !c.limiter.Allow() {
			c.send(protocol.Frame{Type: protocol.FrameError, Payload: mustJSON(map[string]string{"error": "rate limit exceeded"})})
			return nil
		}
		c.hub.route(c, frame)
		return nil
	}
}

// deviceID returns the 7-bit packed device identity for a client (§4.6).
func deviceID(c *Client) int {
	switch c.deviceType {
	case protocol.DevicePylon:
		id, _ := ids.EncodePylon(ids.EnvDev, c.deviceIndex)
		return int(id)
	default:
		id, _ := ids.EncodeClient(ids.EnvDev, c.deviceIndex)
		return int(id)
	}
}

func (h *Hub) deviceListFrame() protocol.Frame {
	h.mu.RLock()
	devices := make([]protocol.Device, 0, len(h.clients))
	for c := range h.clients {
		if c.authenticated {
			devices = append(devices, protocol.Device{DeviceID: deviceID(c), DeviceType: c.deviceType, DeviceIndex: c.deviceIndex})
		}
	}
	h.mu.RUnlock()
	return protocol.Frame{Type: protocol.FrameDeviceList, Payload: mustJSON(map[string]any{"devices": devices})}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return b
}

// indexAllocator finds the smallest free index in [0, max) (§4.6, §3.1 pattern).
type indexAllocator struct {
	mu   sync.Mutex
	used map[int]bool
	max  int
}

func newIndexAllocator(max int) *indexAllocator {
	return &indexAllocator{used: make(map[int]bool), max: max}
}

func (a *indexAllocator) allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := 0; i < a.max; i++ {
		if !a.used[i] {
			a.used[i] = true
			return i, nil
		}
	}
	return 0, fmt.Errorf("relay: no free device index (max %d)", a.max)
}

func (a *indexAllocator) free(i int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.used, i)
}
