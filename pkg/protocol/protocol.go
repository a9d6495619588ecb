// Package protocol defines the wire formats shared by the Relay
// WebSocket hub and the Beacon TCP multiplexer (§4.5, §4.6, §6.2–§6.5):
// newline-delimited JSON frames plus the 7-bit deviceId / 24-bit
// conversationId wire encodings.
package protocol

import "encoding/json"

// ProtocolVersion is reported by the Relay's /health endpoint.
const ProtocolVersion = 1

// DeviceType tags a Relay connection's role (§4.6).
type DeviceType string

const (
	DevicePylon  DeviceType = "pylon"
	DeviceApp    DeviceType = "app"
	DeviceViewer DeviceType = "viewer"
)

// Frame is the Relay's WebSocket envelope: {type, payload, to?, broadcast?, from?} (§4.6).
type Frame struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	To        string          `json:"to,omitempty"`
	Broadcast string          `json:"broadcast,omitempty"`
	From      string          `json:"from,omitempty"`
}

// Relay server-internal and response frame types (§4.6).
const (
	FrameAuth             = "auth"
	FrameAuthResult       = "auth_result"
	FrameGetDevices       = "get_devices"
	FrameGetDevicesCamel  = "getDevices"
	FramePing             = "ping"
	FramePong             = "pong"
	FrameConnected        = "connected"
	FrameDeviceList       = "device_list"
	FrameDeviceStatus     = "device_status"
	FrameClientDisconnect = "client_disconnect"
	FrameError            = "error"
)

// AuthPayload is the body of an "auth" frame.
type AuthPayload struct {
	DeviceType  DeviceType `json:"deviceType"`
	DeviceIndex int        `json:"deviceIndex,omitempty"`
	ShareID     string     `json:"shareId,omitempty"`
	IDToken     string     `json:"idToken,omitempty"`
}

// Device describes one authenticated Relay connection.
type Device struct {
	DeviceID    int        `json:"deviceId"` // 7-bit packed clientId/pylonId
	DeviceType  DeviceType `json:"deviceType"`
	DeviceIndex int        `json:"deviceIndex"`
}

// NewEvent builds a Frame carrying an arbitrary payload under the given type.
func NewEvent(eventType string, payload any) (*Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Frame{Type: eventType, Payload: raw}, nil
}

// --- Beacon TCP protocol (§4.5) ---

// BeaconRequest is one newline-delimited JSON request sent to the Beacon.
type BeaconRequest struct {
	Action             string          `json:"action"`
	PylonID            int             `json:"pylonId,omitempty"`
	MCPHost            string          `json:"mcpHost,omitempty"`
	MCPPort            int             `json:"mcpPort,omitempty"`
	Env                string          `json:"env,omitempty"`
	Force              bool            `json:"force,omitempty"`
	ConvID             uint32          `json:"convId,omitempty"`
	Options            json.RawMessage `json:"options,omitempty"`
	ToolUseID          string          `json:"toolUseId,omitempty"`
	Behavior           string          `json:"behavior,omitempty"`
	Message            string          `json:"message,omitempty"`
	UpdatedInput       json.RawMessage `json:"updatedInput,omitempty"`
}

// Beacon request action names.
const (
	ActionRegister           = "register"
	ActionUnregister         = "unregister"
	ActionQuery              = "query"
	ActionPermissionResponse = "permission_response"
	ActionLookup             = "lookup"
	ActionPing               = "ping"
)

// BeaconResponse is one newline-delimited JSON frame sent back by the Beacon.
type BeaconResponse struct {
	Type         string          `json:"type"`
	Success      bool            `json:"success,omitempty"`
	ConvID       uint32          `json:"convId,omitempty"`
	Message      json.RawMessage `json:"message,omitempty"`
	Error        string          `json:"error,omitempty"`
	MCPHost      string          `json:"mcpHost,omitempty"`
	MCPPort      int             `json:"mcpPort,omitempty"`
	Raw          json.RawMessage `json:"raw,omitempty"`
	ToolUseID    string          `json:"toolUseId,omitempty"`
	ToolName     string          `json:"toolName,omitempty"`
	ToolInput    json.RawMessage `json:"toolInput,omitempty"`
}

// Beacon response frame types.
const (
	ResponseEvent              = "event"
	ResponseError              = "error"
	ResponsePong                = "pong"
	ResponsePermissionRequest  = "permission_request"
	ResponseOK                 = "ok"
)

// --- Worker tool server protocol (§6.3) ---

// ToolServerRequest is one newline-delimited JSON request from an MCP tool.
type ToolServerRequest struct {
	Action      string `json:"action"`
	ConvID      uint32 `json:"convId,omitempty"`
	ToolUseID   string `json:"toolUseId,omitempty"`
	Path        string `json:"path,omitempty"`
	Description string `json:"description,omitempty"`
	Name        string `json:"name,omitempty"`
}

// Worker tool server action names (§6.3).
const (
	ToolActionLink                     = "link"
	ToolActionUnlink                   = "unlink"
	ToolActionList                     = "list"
	ToolActionSendFile                 = "send_file"
	ToolActionGetStatus                = "get_status"
	ToolActionLookupAndLink            = "lookup_and_link"
	ToolActionLookupAndUnlink          = "lookup_and_unlink"
	ToolActionLookupAndList            = "lookup_and_list"
	ToolActionLookupAndSendFile        = "lookup_and_send_file"
	ToolActionLookupAndGetStatus       = "lookup_and_get_status"
	ToolActionLookupAndCreateConversation = "lookup_and_create_conversation"
)

// ToolServerResponse is one newline-delimited JSON response to an MCP tool.
type ToolServerResponse struct {
	Success bool     `json:"success"`
	Error   string   `json:"error,omitempty"`
	ConvID  uint32   `json:"convId,omitempty"`
	Status  string   `json:"status,omitempty"`
	Paths   []string `json:"paths"`
}
