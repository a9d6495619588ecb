// Package toolserver implements the Worker's local TCP tool server
// (§6.3): MCP tool callbacks talk to this listener to manipulate a
// conversation's linked documents and status, either addressing the
// conversation directly or resolving it from a toolUseId via an
// injected lookup callback (the Beacon round trip happens one level up,
// in whatever wires ResolveToolUse to beacon.Server's lookup action).
// Modeled on beacon.Server's accept-loop/dispatch shape, generalized to
// a simpler single-purpose action set.
package toolserver

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/nextlevelbuilder/pylonrelay/internal/ids"
	"github.com/nextlevelbuilder/pylonrelay/internal/netutil"
	"github.com/nextlevelbuilder/pylonrelay/internal/workspace"
	"github.com/nextlevelbuilder/pylonrelay/pkg/protocol"
)

// ResolveToolUse maps a toolUseId (from an MCP tool invocation) to the
// conversation it originated from, typically by calling the Beacon's
// lookup action.
type ResolveToolUse func(ctx context.Context, toolUseID string) (ids.ConvId, error)

// OnConversationCreate is invoked after lookup_and_create_conversation
// allocates a new conversation, so the caller can wire it into whatever
// resolver maps future toolUseIds for that conversation.
type OnConversationCreate func(convID ids.ConvId)

// Server is the Worker's local tool server.
type Server struct {
	store    *workspace.Store
	resolve  ResolveToolUse
	onCreate OnConversationCreate
}

func New(store *workspace.Store, resolve ResolveToolUse, onCreate OnConversationCreate) *Server {
	return &Server{store: store, resolve: resolve, onCreate: onCreate}
}

// Serve accepts connections on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("toolserver: accept: %w", err)
			}
		}
		fc := netutil.NewFrameConn(conn)
		go s.handleConn(ctx, fc)
	}
}

func (s *Server) handleConn(ctx context.Context, fc *netutil.FrameConn) {
	defer fc.Close()
	for {
		var req protocol.ToolServerRequest
		err := fc.ReadJSON(&req)
		if err == io.EOF {
			return
		}
		if err != nil {
			fc.WriteJSON(protocol.ToolServerResponse{Success: false, Error: fmt.Sprintf("invalid json: %v", err)})
			continue
		}
		fc.WriteJSON(s.dispatch(ctx, req))
	}
}

func (s *Server) dispatch(ctx context.Context, req protocol.ToolServerRequest) protocol.ToolServerResponse {
	convID, ok, errResp := s.resolveConv(ctx, req)
	if !ok {
		return errResp
	}

	switch req.Action {
	case protocol.ToolActionLink, protocol.ToolActionLookupAndLink:
		if err := s.store.LinkDocument(convID, req.Path); err != nil {
			return errorResponse(err)
		}
		return protocol.ToolServerResponse{Success: true, ConvID: uint32(convID)}

	case protocol.ToolActionUnlink, protocol.ToolActionLookupAndUnlink:
		if err := s.store.UnlinkDocument(convID, req.Path); err != nil {
			return errorResponse(err)
		}
		return protocol.ToolServerResponse{Success: true, ConvID: uint32(convID)}

	case protocol.ToolActionList, protocol.ToolActionLookupAndList:
		paths, err := s.store.ListDocuments(convID)
		if err != nil {
			return errorResponse(err)
		}
		return protocol.ToolServerResponse{Success: true, ConvID: uint32(convID), Paths: paths}

	case protocol.ToolActionSendFile, protocol.ToolActionLookupAndSendFile:
		if err := s.store.LinkDocument(convID, req.Path); err != nil {
			return errorResponse(err)
		}
		return protocol.ToolServerResponse{Success: true, ConvID: uint32(convID)}

	case protocol.ToolActionGetStatus, protocol.ToolActionLookupAndGetStatus:
		conv, err := s.store.GetConversation(convID)
		if err != nil {
			return errorResponse(err)
		}
		return protocol.ToolServerResponse{Success: true, ConvID: uint32(convID), Status: string(conv.Status)}

	case protocol.ToolActionLookupAndCreateConversation:
		return s.handleCreateConversation(convID, req)

	default:
		return protocol.ToolServerResponse{Success: false, Error: "Unknown action: " + req.Action}
	}
}

// resolveConv determines the target conversation: directly from req.ConvID
// for plain actions, or via s.resolve for lookup_and_* actions (and for
// lookup_and_create_conversation, whose own target is a new conversation
// in the resolved conversation's workspace).
func (s *Server) resolveConv(ctx context.Context, req protocol.ToolServerRequest) (ids.ConvId, bool, protocol.ToolServerResponse) {
	if req.Action == protocol.ToolActionLookupAndCreateConversation {
		convID, err := s.resolve(ctx, req.ToolUseID)
		if err != nil {
			return 0, false, errorResponse(err)
		}
		return convID, true, protocol.ToolServerResponse{}
	}

	isLookup := req.Action == protocol.ToolActionLookupAndLink ||
		req.Action == protocol.ToolActionLookupAndUnlink ||
		req.Action == protocol.ToolActionLookupAndList ||
		req.Action == protocol.ToolActionLookupAndSendFile ||
		req.Action == protocol.ToolActionLookupAndGetStatus

	if !isLookup {
		return ids.ConvId(req.ConvID), true, protocol.ToolServerResponse{}
	}

	if s.resolve == nil {
		return 0, false, protocol.ToolServerResponse{Success: false, Error: "toolserver: no resolver configured"}
	}
	convID, err := s.resolve(ctx, req.ToolUseID)
	if err != nil {
		return 0, false, errorResponse(err)
	}
	return convID, true, protocol.ToolServerResponse{}
}

func (s *Server) handleCreateConversation(resolvedConv ids.ConvId, req protocol.ToolServerRequest) protocol.ToolServerResponse {
	wsID, _, err := ids.DecodeConversation(resolvedConv)
	if err != nil {
		return errorResponse(err)
	}
	conv, err := s.store.CreateConversation(wsID, req.Name)
	if err != nil {
		return errorResponse(err)
	}
	if s.onCreate != nil {
		s.onCreate(conv.ID)
	}
	slog.Info("toolserver: conversation created", "convId", conv.ID, "name", req.Name)
	return protocol.ToolServerResponse{Success: true, ConvID: uint32(conv.ID)}
}

func errorResponse(err error) protocol.ToolServerResponse {
	return protocol.ToolServerResponse{Success: false, Error: err.Error()}
}
