package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/pylonrelay/internal/ids"
	"github.com/nextlevelbuilder/pylonrelay/internal/message"
	"github.com/nextlevelbuilder/pylonrelay/internal/relayclient"
	"github.com/nextlevelbuilder/pylonrelay/internal/session"
	"github.com/nextlevelbuilder/pylonrelay/internal/workspace"
	"github.com/nextlevelbuilder/pylonrelay/pkg/protocol"
)

// forwardSessionEvents relays every session.Event as a broadcast frame
// to the app devices connected to the Relay.
func forwardSessionEvents(ctx context.Context, relay *relayclient.Client, events <-chan session.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := relay.SendEvent("session_event", e); err != nil {
				slog.Warn("worker: failed to forward session event", "error", err)
			}
		}
	}
}

// sendMessagePayload is the body of a "send_message" frame routed to this Pylon.
type sendMessagePayload struct {
	ConvID          uint32 `json:"convId"`
	Prompt          string `json:"prompt"`
	WorkingDir      string `json:"workingDir"`
	ClaudeSessionID string `json:"claudeSessionId"`
	SystemPrompt    string `json:"systemPrompt"`
	SystemReminder  string `json:"systemReminder"`
	PermissionMode  string `json:"permissionMode"`
}

type convActionPayload struct {
	ConvID    uint32 `json:"convId"`
	ToolUseID string `json:"toolUseId"`
	Decision  string `json:"decision"`
	Answer    string `json:"answer"`
}

// switchWorkspacePayload is the body of a "switch_workspace" frame (§4.2
// Workspace Store.setActiveWorkspace exposed over the wire).
type switchWorkspacePayload struct {
	WorkspaceID uint32 `json:"workspaceId"`
	ConvID      uint32 `json:"convId"`
}

// runAutorunIfLinked triggers the active conversation's autorun document,
// if any, after a switch_workspace — the Supplemented Features "Autorun
// doc execution" hook on Workspace Store.SetActiveWorkspace.
func runAutorunIfLinked(ctx context.Context, manager *session.Manager, store *workspace.Store) {
	wsID, convID, ok := store.ActiveConversation()
	if !ok {
		return
	}
	conv, err := store.GetConversation(convID)
	if err != nil {
		return
	}
	ws, err := store.GetWorkspace(wsID)
	if err != nil {
		return
	}
	readDoc := func(path string) (string, error) {
		b, err := os.ReadFile(filepath.Join(ws.WorkingDir, path))
		return string(b), err
	}
	if err := manager.TriggerAutorun(ctx, convID, conv.LinkedDocuments, readDoc); err != nil {
		slog.Warn("worker: autorun failed", "error", err, "convId", convID)
	}
}

// dispatchInboundFrames routes frames addressed to this Pylon (send_message,
// stop, permission_response, question_response) to the session Manager,
// persisting the user's prompt to the message Store before each
// send_message turn. History is not read back from the Store here.
func dispatchInboundFrames(ctx context.Context, relay *relayclient.Client, manager *session.Manager, store *workspace.Store, msgs *message.Store) {
	for f := range relay.Frames {
		switch f.Type {
		case "send_message":
			var p sendMessagePayload
			if err := json.Unmarshal(f.Payload, &p); err != nil {
				slog.Warn("worker: malformed send_message frame", "error", err)
				continue
			}
			convID := ids.ConvId(p.ConvID)
			if _, err := msgs.AddUserText(convID, uuid.NewString(), p.Prompt); err != nil {
				slog.Warn("worker: failed to persist user message", "error", err)
			}
			store.SetStatus(convID, workspace.StatusWorking)
			if err := manager.SendMessage(ctx, convID, p.Prompt, session.SendOptions{
				WorkingDir:      p.WorkingDir,
				ClaudeSessionID: p.ClaudeSessionID,
				SystemPrompt:    p.SystemPrompt,
				SystemReminder:  p.SystemReminder,
				PermissionMode:  p.PermissionMode,
			}); err != nil {
				slog.Warn("worker: sendMessage failed", "error", err, "convId", convID)
			}

		case "stop":
			var p convActionPayload
			if err := json.Unmarshal(f.Payload, &p); err == nil {
				manager.Stop(ids.ConvId(p.ConvID))
			}

		case "permission_response":
			var p convActionPayload
			if err := json.Unmarshal(f.Payload, &p); err == nil {
				manager.RespondPermission(ids.ConvId(p.ConvID), p.ToolUseID, p.Decision)
			}

		case "question_response":
			var p convActionPayload
			if err := json.Unmarshal(f.Payload, &p); err == nil {
				manager.RespondQuestion(ids.ConvId(p.ConvID), p.ToolUseID, p.Answer)
			}

		case "switch_workspace":
			var p switchWorkspacePayload
			if err := json.Unmarshal(f.Payload, &p); err != nil {
				slog.Warn("worker: malformed switch_workspace frame", "error", err)
				continue
			}
			if err := store.SetActiveWorkspace(ids.WorkspaceId(p.WorkspaceID), ids.ConvId(p.ConvID)); err != nil {
				slog.Warn("worker: switch_workspace failed", "error", err)
				continue
			}
			runAutorunIfLinked(ctx, manager, store)

		case protocol.FramePong:
			// keepalive acknowledgment, nothing to do

		default:
			slog.Debug("worker: ignoring unrecognized frame", "type", f.Type)
		}
	}
}
