// Package relay implements the Relay WebSocket hub (§4.6): the
// unauthenticated→authenticated connection state machine, IP-whitelisted
// Pylon auth, auto-allocated app deviceIndex with optional Google OAuth,
// viewer shareId admission, and the routing/broadcast rules between
// device types. Client/Hub are extrapolated from gateway.Server's call
// sites (client.id, client.SendEvent, client.Run, client.Close) since no
// client.go template survived retrieval from the teacher pack.
package relay

import (
	"net"
	"sync"

	"github.com/nextlevelbuilder/pylonrelay/internal/config"
	"github.com/nextlevelbuilder/pylonrelay/pkg/protocol"
)

// IDVerifier verifies a Google OAuth idToken and returns the verified email.
type IDVerifier interface {
	Verify(idToken string) (email string, err error)
}

// Hub tracks authenticated connections and routes frames between them (§4.6).
type Hub struct {
	cfg      *config.RelayConfig
	verifier IDVerifier

	mu          sync.RWMutex
	clients     map[*Client]struct{}
	appIndex    *indexAllocator
}

func NewHub(cfg *config.RelayConfig, verifier IDVerifier) *Hub {
	return &Hub{
		cfg:      cfg,
		verifier: verifier,
		clients:  make(map[*Client]struct{}),
		appIndex: newIndexAllocator(16),
	}
}

// UpdateConfig swaps in a freshly reloaded config (fsnotify hot-reload, §4.6).
func (h *Hub) UpdateConfig(cfg *config.RelayConfig) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cfg = cfg
}

// rateLimitRPS reads the current config's per-connection routed-frame
// rate limit; zero means unlimited.
func (h *Hub) rateLimitRPS() float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg.RateLimitRPS
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	if c.deviceType == protocol.DeviceApp {
		h.appIndex.free(c.deviceIndex)
	}
	h.mu.Unlock()

	h.broadcastDeviceStatus()
	if c.deviceType != protocol.DevicePylon {
		h.sendToPylons(protocol.Frame{Type: protocol.FrameClientDisconnect, Payload: mustJSON(map[string]any{
			"deviceIndex": c.deviceIndex, "deviceType": c.deviceType,
		})})
	}
}

// authenticate validates an "auth" frame and assigns device identity (§4.6).
func (h *Hub) authenticate(c *Client, remoteIP string, p protocol.AuthPayload) error {
	switch p.DeviceType {
	case protocol.DevicePylon:
		h.mu.RLock()
		allowed := h.cfg.PylonAllowlist[p.DeviceIndex]
		h.mu.RUnlock()
		if !ipAllowed(remoteIP, allowed) {
			return errAuthFailed("pylon ip not whitelisted")
		}
		c.deviceType = protocol.DevicePylon
		c.deviceIndex = p.DeviceIndex

	case protocol.DeviceApp:
		idx, err := h.appIndex.allocate()
		if err != nil {
			return errAuthFailed("no free device index")
		}
		if p.IDToken != "" && h.verifier != nil {
			email, err := h.verifier.Verify(p.IDToken)
			if err != nil || !h.emailAllowed(email) {
				h.appIndex.free(idx)
				return errAuthFailed("oauth verification failed")
			}
		}
		c.deviceType = protocol.DeviceApp
		c.deviceIndex = idx

	case protocol.DeviceViewer:
		if p.ShareID == "" {
			return errAuthFailed("shareId required")
		}
		c.deviceType = protocol.DeviceViewer
		c.shareID = p.ShareID

	default:
		return errAuthFailed("unknown deviceType")
	}

	c.authenticated = true
	return nil
}

func (h *Hub) emailAllowed(email string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.cfg.GoogleClientIDs) == 0 {
		return true
	}
	for _, allowed := range h.cfg.GoogleClientIDs {
		if allowed == email {
			return true
		}
	}
	return false
}

func ipAllowed(remoteIP string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	host, _, err := net.SplitHostPort(remoteIP)
	if err != nil {
		host = remoteIP
	}
	for _, a := range allowed {
		if a == host || a == "*" {
			return true
		}
	}
	return false
}

// route applies the §4.6 routing rules for an authenticated sender's frame.
func (h *Hub) route(sender *Client, frame protocol.Frame) {
	frame.From = itoa(deviceID(sender))

	if sender.deviceType == protocol.DeviceViewer && !viewerAllowed(h.cfg.ViewerAllowList, frame.Type) {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	// frame.To addresses a peer by the packed deviceId it was actually
	// given in auth_result/device_list (§6.5), not an internal key never
	// sent over the wire.
	if frame.To != "" {
		for c := range h.clients {
			if itoa(deviceID(c)) == frame.To {
				c.send(frame)
			}
		}
		return
	}

	if frame.Broadcast == "app" || frame.Broadcast == "pylon" {
		target := protocol.DeviceType(frame.Broadcast)
		for c := range h.clients {
			if c.deviceType == target {
				c.send(frame)
			}
		}
		return
	}

	switch sender.deviceType {
	case protocol.DevicePylon:
		h.sendToType(frame, protocol.DeviceApp)
	case protocol.DeviceApp:
		h.sendToType(frame, protocol.DevicePylon)
	case protocol.DeviceViewer:
		h.sendToType(frame, protocol.DevicePylon)
	}
}

func (h *Hub) sendToType(frame protocol.Frame, t protocol.DeviceType) {
	for c := range h.clients {
		if c.deviceType == t {
			c.send(frame)
		}
	}
}

func (h *Hub) sendToPylons(frame protocol.Frame) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	h.sendToType(frame, protocol.DevicePylon)
}

func (h *Hub) broadcastDeviceStatus() {
	h.mu.RLock()
	devices := make([]protocol.Device, 0, len(h.clients))
	for c := range h.clients {
		if c.authenticated {
			devices = append(devices, protocol.Device{DeviceID: deviceID(c), DeviceType: c.deviceType, DeviceIndex: c.deviceIndex})
		}
	}
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	frame := protocol.Frame{Type: protocol.FrameDeviceStatus, Payload: mustJSON(map[string]any{"devices": devices})}
	for _, c := range clients {
		c.send(frame)
	}
}

func viewerAllowed(allowList []string, msgType string) bool {
	if len(allowList) == 0 {
		allowList = []string{"share_history"}
	}
	for _, t := range allowList {
		if t == msgType {
			return true
		}
	}
	return false
}

type authError string

func errAuthFailed(reason string) error { return authError(reason) }
func (e authError) Error() string       { return string(e) }

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
