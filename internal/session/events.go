// Package session implements the Worker's per-conversation session
// manager (§4.4): at-most-one active turn per conversation, the
// canUseTool permission FSM, and the event stream consumed by the
// Relay/UI layer.
package session

import "time"

// EventType tags the outward event stream (§4.4).
type EventType string

const (
	EventInit              EventType = "init"
	EventStateUpdate       EventType = "stateUpdate"
	EventText              EventType = "text"
	EventTextComplete      EventType = "textComplete"
	EventToolInfo          EventType = "toolInfo"
	EventToolProgress      EventType = "toolProgress"
	EventToolComplete      EventType = "toolComplete"
	EventAskQuestion       EventType = "askQuestion"
	EventPermissionRequest EventType = "permission_request"
	EventUsageUpdate       EventType = "usage_update"
	EventCompactStart      EventType = "compactStart"
	EventCompactComplete   EventType = "compactComplete"
	EventResult            EventType = "result"
	EventClaudeAborted     EventType = "claudeAborted"
	EventError             EventType = "error"
	EventState             EventType = "state"
)

// State is the session's coarse activity tag (§3.2).
type State string

const (
	StateIdle       State = "idle"
	StateThinking   State = "thinking"
	StateResponding State = "responding"
	StateTool       State = "tool" // carries the active tool name in Event.ToolName
	StateWaiting    State = "waiting"
	StateWorking    State = "working"
)

// Event is one frame of the outward session event stream.
type Event struct {
	Type            EventType `json:"type"`
	ConvID          uint32    `json:"convId"`
	Timestamp       time.Time `json:"timestamp"`
	State           State     `json:"state,omitempty"`
	Text            string    `json:"text,omitempty"`
	ToolName        string    `json:"toolName,omitempty"`
	ToolUseID       string    `json:"toolUseId,omitempty"`
	ToolInput       any       `json:"toolInput,omitempty"`
	Success         *bool     `json:"success,omitempty"`
	Output          string    `json:"output,omitempty"`
	Error           string    `json:"error,omitempty"`
	ElapsedSeconds  float64   `json:"elapsedSeconds,omitempty"`
	Question        string    `json:"question,omitempty"`
	Options         []string  `json:"options,omitempty"`
	InputTokens     int       `json:"inputTokens,omitempty"`
	OutputTokens    int       `json:"outputTokens,omitempty"`
	Reason          string    `json:"reason,omitempty"`
}
