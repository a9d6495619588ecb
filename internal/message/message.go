// Package message implements the append-only, per-conversation message
// log (§4.3): on-write tool input/output summarization, paging reads, the
// 200-message retention cap, and migration from a legacy per-conversation
// JSON layout.
package message

import (
	"encoding/json"
	"time"

	"github.com/nextlevelbuilder/pylonrelay/internal/ids"
)

// Type tags the Message sum type (§3.2).
type Type string

const (
	TypeUserText       Type = "userText"
	TypeAssistantText  Type = "assistantText"
	TypeToolStart      Type = "toolStart"
	TypeToolComplete   Type = "toolComplete"
	TypeSystemError    Type = "systemError"
	TypeResult         Type = "result"
	TypeAborted        Type = "aborted"
	TypeFileAttachment Type = "fileAttachment"
	TypeUserResponse   Type = "userResponse"
	TypeSystemNote     Type = "systemNote"
)

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is an immutable append record (§3.2).
type Message struct {
	ID              string          `json:"id"`
	ConvID          ids.ConvId      `json:"convId"`
	Role            Role            `json:"role"`
	Type            Type            `json:"type"`
	Timestamp       time.Time       `json:"timestamp"`
	Text            string          `json:"text,omitempty"`
	ToolName        string          `json:"toolName,omitempty"`
	ToolInput       json.RawMessage `json:"toolInput,omitempty"`
	ParentToolUseID string          `json:"parentToolUseId,omitempty"`
	Success         *bool           `json:"success,omitempty"`
	Output          string          `json:"output,omitempty"`
	Error           string          `json:"error,omitempty"`
	FilePath        string          `json:"filePath,omitempty"`
}
