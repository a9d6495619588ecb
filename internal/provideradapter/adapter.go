// Package provideradapter defines the narrow contract the Session
// Manager and Beacon consume to drive the LLM SDK (§6.1) — the SDK
// itself is out of scope; only the adapter boundary is specified here —
// plus an HTTP-backed Anthropic implementation of it.
package provideradapter

import "context"

// Usage carries running token totals (§3.2 Session Manager fields).
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// ContentBlock is one block of an assistant message's content array.
type ContentBlock struct {
	Type      string // "text" | "tool_use" | "thinking"
	Text      string
	ToolUseID string
	ToolName  string
	Input     map[string]any
}

// SystemMessage corresponds to system{subtype: init|status|compact_boundary, ...}.
type SystemMessage struct {
	Subtype         string
	SessionID       string
	Model           string
	Tools           []string
	Status          string
	CompactMetadata map[string]any
}

// AssistantMessage corresponds to assistant{message:{content, usage}, parent_tool_use_id}.
type AssistantMessage struct {
	Content         []ContentBlock
	Usage           *Usage
	ParentToolUseID string
}

// ToolResult is one tool_result block inside a user-role message.
type ToolResult struct {
	ToolUseID string
	IsError   bool
	Content   string
}

// UserMessage corresponds to user{message:{content:[tool_result,...]}, parent_tool_use_id}.
type UserMessage struct {
	ToolResults     []ToolResult
	ParentToolUseID string
}

// StreamEvent corresponds to stream_event{event, ...} partial-message frames.
type StreamEvent struct {
	Event      string // message_start | content_block_start | content_block_delta | content_block_stop | message_delta
	BlockIndex int
	BlockType  string // for content_block_start: "text" | "tool_use"
	TextDelta  string
	ToolUseID  string
	ToolName   string
	Usage      *Usage
}

// ToolProgress corresponds to tool_progress{tool_name, elapsed_time_seconds}.
type ToolProgress struct {
	ToolName       string
	ElapsedSeconds float64
}

// ResultMessage corresponds to result{subtype, total_cost_usd, num_turns, usage}.
type ResultMessage struct {
	Subtype      string
	TotalCostUSD float64
	NumTurns     int
	Usage        *Usage
}

// Envelope wraps exactly one observed SDK message shape (§6.1).
type Envelope struct {
	System       *SystemMessage
	Assistant    *AssistantMessage
	User         *UserMessage
	Stream       *StreamEvent
	ToolProgress *ToolProgress
	Result       *ResultMessage
	Err          error
}

// Decision is the result of a canUseTool permission check.
type Decision struct {
	Behavior     string // "allow" | "deny"
	UpdatedInput map[string]any
	Message      string
}

// CanUseToolFunc is invoked by the adapter once per candidate tool call;
// the caller's context carries cancellation (§5 suspension point b).
type CanUseToolFunc func(ctx context.Context, toolName string, input map[string]any, toolUseID string) (Decision, error)

// QueryParams mirrors the `query(...)` parameters observed in §6.1.
type QueryParams struct {
	Prompt                 string
	Cwd                    string
	ConversationID         int
	IncludePartialMessages bool
	SettingSources         []string
	Resume                 string
	MCPServers             map[string]any
	Env                    map[string]string
	CanUseTool             CanUseToolFunc
}

// Adapter is the narrow interface the core consumes from the LLM SDK (§6.1).
// Query returns a channel of Envelopes; the channel is closed when the
// turn concludes (terminal Result or Err envelope) or ctx is cancelled.
type Adapter interface {
	Query(ctx context.Context, params QueryParams) (<-chan Envelope, error)
}
