// Package beaconclient implements provideradapter.Adapter over a TCP
// connection to the Beacon (§4.5, §6.2): it is the Worker-side half of
// the query/permission_request round trip that beacon.Server's
// handleQuery implements. Grounded on the same netutil.FrameConn framing
// beacon.go uses, generalized to the client side of the same protocol.
package beaconclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/nextlevelbuilder/pylonrelay/internal/ids"
	"github.com/nextlevelbuilder/pylonrelay/internal/netutil"
	"github.com/nextlevelbuilder/pylonrelay/internal/provideradapter"
	"github.com/nextlevelbuilder/pylonrelay/pkg/protocol"
)

// Client is a provideradapter.Adapter that proxies Query calls to a
// Beacon over TCP, so one Worker process never holds the LLM SDK
// connection directly.
type Client struct {
	addr string

	mu sync.Mutex
	fc *netutil.FrameConn
}

// Dial connects to the Beacon at addr and registers this Pylon.
func Dial(addr string, pylonID int, mcpHost string, mcpPort int) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("beaconclient: dial: %w", err)
	}
	fc := netutil.NewFrameConn(conn)
	c := &Client{addr: addr, fc: fc}

	if err := fc.WriteJSON(protocol.BeaconRequest{Action: protocol.ActionRegister, PylonID: pylonID, MCPHost: mcpHost, MCPPort: mcpPort}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("beaconclient: register: %w", err)
	}
	var resp protocol.BeaconResponse
	if err := fc.ReadJSON(&resp); err != nil {
		conn.Close()
		return nil, fmt.Errorf("beaconclient: register response: %w", err)
	}
	if resp.Type == protocol.ResponseError {
		conn.Close()
		return nil, fmt.Errorf("beaconclient: register rejected: %s", resp.Error)
	}
	return c, nil
}

func (c *Client) Close() error { return c.fc.Close() }

// Query issues a single query request and translates the Beacon's
// streamed event/permission_request/error frames into an Envelope
// channel, matching provideradapter.Adapter's contract.
func (c *Client) Query(ctx context.Context, params provideradapter.QueryParams) (<-chan provideradapter.Envelope, error) {
	out := make(chan provideradapter.Envelope, 16)

	reqConvID, ok := convIDFromContext(ctx)
	if !ok {
		reqConvID = 0
	}

	c.mu.Lock()
	if err := c.fc.WriteJSON(protocol.BeaconRequest{Action: protocol.ActionQuery, ConvID: reqConvID}); err != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("beaconclient: query: %w", err)
	}
	c.mu.Unlock()

	go c.readLoop(ctx, reqConvID, params, out)
	return out, nil
}

func (c *Client) readLoop(ctx context.Context, convID uint32, params provideradapter.QueryParams, out chan<- provideradapter.Envelope) {
	defer close(out)
	for {
		var resp protocol.BeaconResponse
		if err := c.fc.ReadJSON(&resp); err != nil {
			out <- provideradapter.Envelope{Err: fmt.Errorf("beaconclient: read: %w", err)}
			return
		}
		if resp.ConvID != convID {
			continue
		}

		switch resp.Type {
		case protocol.ResponseError:
			out <- provideradapter.Envelope{Err: fmt.Errorf("%s", resp.Error)}
			return

		case protocol.ResponsePermissionRequest:
			c.handlePermissionRequest(ctx, resp, params)

		case protocol.ResponseEvent:
			var env provideradapter.Envelope
			if err := json.Unmarshal(resp.Message, &env); err != nil {
				out <- provideradapter.Envelope{Err: fmt.Errorf("beaconclient: decode event: %w", err)}
				continue
			}
			out <- env
			if env.Result != nil {
				return
			}
		}
	}
}

func (c *Client) handlePermissionRequest(ctx context.Context, resp protocol.BeaconResponse, params provideradapter.QueryParams) {
	if params.CanUseTool == nil {
		c.sendDeny(resp.ToolUseID, "no permission handler configured")
		return
	}
	var input map[string]any
	json.Unmarshal(resp.ToolInput, &input)

	decision, err := params.CanUseTool(ctx, resp.ToolName, input, resp.ToolUseID)
	if err != nil {
		c.sendDeny(resp.ToolUseID, err.Error())
		return
	}

	updated, _ := json.Marshal(decision.UpdatedInput)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fc.WriteJSON(protocol.BeaconRequest{
		Action:       protocol.ActionPermissionResponse,
		ToolUseID:    resp.ToolUseID,
		Behavior:     decision.Behavior,
		Message:      decision.Message,
		UpdatedInput: updated,
	})
}

func (c *Client) sendDeny(toolUseID, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fc.WriteJSON(protocol.BeaconRequest{Action: protocol.ActionPermissionResponse, ToolUseID: toolUseID, Behavior: "deny", Message: reason})
}

// Lookup resolves a toolUseId to its originating conversation. It opens
// its own short-lived connection rather than sharing the Query
// connection's read loop, matching how beacon.Server's lookup action
// tolerates a one-request-per-socket client (§4.5 graceful degradation).
func (c *Client) Lookup(ctx context.Context, toolUseID string) (ids.ConvId, error) {
	conn, err := net.Dial("tcp", c.addr)
	if err != nil {
		return 0, fmt.Errorf("beaconclient: lookup dial: %w", err)
	}
	defer conn.Close()
	fc := netutil.NewFrameConn(conn)

	if err := fc.WriteJSON(protocol.BeaconRequest{Action: protocol.ActionLookup, ToolUseID: toolUseID}); err != nil {
		return 0, fmt.Errorf("beaconclient: lookup: %w", err)
	}
	var resp protocol.BeaconResponse
	if err := fc.ReadJSON(&resp); err != nil {
		return 0, fmt.Errorf("beaconclient: lookup response: %w", err)
	}
	if !resp.Success {
		return 0, fmt.Errorf("beaconclient: lookup miss: %s", resp.Error)
	}
	return ids.ConvId(resp.ConvID), nil
}

type convIDKey struct{}

// WithConvID annotates a context with the conversation id a Query call
// is issued for. Query reads the id only from the context, not from
// provideradapter.QueryParams.ConversationID, and sends 0 when the
// context carries none.
func WithConvID(ctx context.Context, convID ids.ConvId) context.Context {
	return context.WithValue(ctx, convIDKey{}, uint32(convID))
}

func convIDFromContext(ctx context.Context) (uint32, bool) {
	v, ok := ctx.Value(convIDKey{}).(uint32)
	return v, ok
}
