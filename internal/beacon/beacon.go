// Package beacon implements the single-listener TCP multiplexer that
// fronts one LLM SDK instance for many Workers (§4.5): a durable Pylon
// registry decoupled from ephemeral active connections, a tool-context
// map, and a parked-resolver table for cross-socket permission
// round-trips. Modeled on the gateway.Server connection-registry idiom
// (internal/gateway/server.go's clients map) generalized to TCP.
package beacon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/time/rate"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/nextlevelbuilder/pylonrelay/internal/ids"
	"github.com/nextlevelbuilder/pylonrelay/internal/netutil"
	"github.com/nextlevelbuilder/pylonrelay/internal/provideradapter"
	"github.com/nextlevelbuilder/pylonrelay/internal/tracing"
	"github.com/nextlevelbuilder/pylonrelay/pkg/protocol"
)

var (
	ErrAlreadyRegistered = errors.New("beacon: pylon already registered")
	ErrNotRegistered     = errors.New("beacon: pylon not registered")
	ErrLookupMiss        = errors.New("beacon: lookup miss")
)

// Endpoint is the MCP host/port a registered Pylon exposes.
type Endpoint struct {
	MCPHost string
	MCPPort int
	Env     string
}

// ToolContext records where a streamed tool_use originated, so a later
// cross-process tool callback can dial back via lookup (§4.5).
type ToolContext struct {
	ConvID   uint32
	ToolName string
}

type permResolver struct {
	resolve func(provideradapter.Decision)
}

// Server is the Beacon TCP multiplexer.
type Server struct {
	adapter provideradapter.Adapter

	mu       sync.RWMutex
	registry map[int]Endpoint       // pylonId -> endpoint, survives disconnect
	active   map[*netutil.FrameConn]int // conn -> pylonId, cleared on disconnect

	toolCtxMu sync.Mutex
	toolCtx   map[string]ToolContext

	pendingMu sync.Mutex
	pending   map[string]permResolver

	rateLimitRPS float64
	limiterMu    sync.Mutex
	limiters     map[int]*rate.Limiter // pylonId -> query limiter

	ln net.Listener
}

func New(adapter provideradapter.Adapter) *Server {
	return &Server{
		adapter:  adapter,
		registry: make(map[int]Endpoint),
		active:   make(map[*netutil.FrameConn]int),
		toolCtx:  make(map[string]ToolContext),
		pending:  make(map[string]permResolver),
		limiters: make(map[int]*rate.Limiter),
	}
}

// SetRateLimit bounds how many query requests per second each registered
// Pylon may issue; rps <= 0 means unlimited (the default).
func (s *Server) SetRateLimit(rps float64) {
	s.limiterMu.Lock()
	defer s.limiterMu.Unlock()
	s.rateLimitRPS = rps
	s.limiters = make(map[int]*rate.Limiter)
}

// limiterFor returns the query-rate limiter for pylonID, lazily creating
// one from the configured rate. Returns nil when unlimited.
func (s *Server) limiterFor(pylonID int) *rate.Limiter {
	s.limiterMu.Lock()
	defer s.limiterMu.Unlock()
	if s.rateLimitRPS <= 0 {
		return nil
	}
	l, ok := s.limiters[pylonID]
	if !ok {
		burst := int(s.rateLimitRPS * 2)
		if burst < 1 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Limit(s.rateLimitRPS), burst)
		s.limiters[pylonID] = l
	}
	return l
}

// Serve accepts connections on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.ln = ln
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
				return fmt.Errorf("beacon: accept: %w", err)
			}
		}
		fc := netutil.NewFrameConn(conn)
		go s.handleConn(ctx, fc)
	}
}

func (s *Server) handleConn(ctx context.Context, fc *netutil.FrameConn) {
	defer fc.Close()
	defer s.onDisconnect(fc)

	for {
		var req protocol.BeaconRequest
		if err := fc.ReadJSON(&req); err != nil {
			return
		}
		s.dispatch(ctx, fc, req)
	}
}

func (s *Server) onDisconnect(fc *netutil.FrameConn) {
	s.mu.Lock()
	delete(s.active, fc)
	s.mu.Unlock()
}

func (s *Server) dispatch(ctx context.Context, fc *netutil.FrameConn, req protocol.BeaconRequest) {
	switch req.Action {
	case protocol.ActionRegister:
		s.handleRegister(fc, req)
	case protocol.ActionUnregister:
		s.handleUnregister(req)
	case protocol.ActionQuery:
		s.handleQuery(ctx, fc, req)
	case protocol.ActionPermissionResponse:
		s.handlePermissionResponse(req)
	case protocol.ActionLookup:
		s.handleLookup(fc, req)
	case protocol.ActionPing:
		fc.WriteJSON(protocol.BeaconResponse{Type: protocol.ResponsePong})
	default:
		fc.WriteJSON(protocol.BeaconResponse{Type: protocol.ResponseError, Error: "unknown action: " + req.Action})
	}
}

func (s *Server) handleRegister(fc *netutil.FrameConn, req protocol.BeaconRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.registry[req.PylonID]; exists && !req.Force {
		fc.WriteJSON(protocol.BeaconResponse{Type: protocol.ResponseError, Error: ErrAlreadyRegistered.Error()})
		return
	}
	s.registry[req.PylonID] = Endpoint{MCPHost: req.MCPHost, MCPPort: req.MCPPort, Env: req.Env}
	s.active[fc] = req.PylonID
	fc.WriteJSON(protocol.BeaconResponse{Type: protocol.ResponseOK, Success: true})
	slog.Info("beacon: pylon registered", "pylonId", req.PylonID, "mcpHost", req.MCPHost, "mcpPort", req.MCPPort)
}

func (s *Server) handleUnregister(req protocol.BeaconRequest) {
	s.mu.Lock()
	delete(s.registry, req.PylonID)
	s.mu.Unlock()
}

// handleQuery runs the adapter's Query, forwarding every SDK message as
// {type:event, convId, message} and injecting a canUseTool callback that
// round-trips through this socket (§4.5).
func (s *Server) handleQuery(ctx context.Context, fc *netutil.FrameConn, req protocol.BeaconRequest) {
	s.adoptIfUnregistered(fc)

	s.mu.RLock()
	pylonID := s.active[fc]
	s.mu.RUnlock()
	if l := s.limiterFor(pylonID); l != nil && !l.Allow() {
		fc.WriteJSON(protocol.BeaconResponse{Type: protocol.ResponseError, ConvID: req.ConvID, Error: "rate limit exceeded"})
		return
	}

	ctx, span := tracing.Start(ctx, "beacon.query", attribute.Int("pylon_id", pylonID), attribute.Int("conv_id", int(req.ConvID)))
	defer span.End()

	canUseTool := func(toolCtx context.Context, toolName string, input map[string]any, toolUseID string) (provideradapter.Decision, error) {
		result := make(chan provideradapter.Decision, 1)
		s.pendingMu.Lock()
		s.pending[toolUseID] = permResolver{resolve: func(d provideradapter.Decision) { result <- d }}
		s.pendingMu.Unlock()

		payload, _ := json.Marshal(map[string]any{"toolUseId": toolUseID, "toolName": toolName, "input": input})
		fc.WriteJSON(protocol.BeaconResponse{Type: protocol.ResponsePermissionRequest, ConvID: req.ConvID, ToolUseID: toolUseID, ToolName: toolName, ToolInput: payload})

		select {
		case d := <-result:
			return d, nil
		case <-toolCtx.Done():
			return provideradapter.Decision{Behavior: "deny", Message: "Stopped"}, nil
		}
	}

	ch, err := s.adapter.Query(ctx, provideradapter.QueryParams{CanUseTool: canUseTool})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		fc.WriteJSON(protocol.BeaconResponse{Type: protocol.ResponseError, ConvID: req.ConvID, Error: err.Error()})
		return
	}

	for env := range ch {
		if env.Err != nil {
			span.RecordError(env.Err)
			span.SetStatus(codes.Error, env.Err.Error())
			fc.WriteJSON(protocol.BeaconResponse{Type: protocol.ResponseError, ConvID: req.ConvID, Error: env.Err.Error()})
			return
		}
		if env.Stream != nil && env.Stream.Event == "content_block_start" && env.Stream.BlockType == "tool_use" {
			s.toolCtxMu.Lock()
			s.toolCtx[env.Stream.ToolUseID] = ToolContext{ConvID: req.ConvID, ToolName: env.Stream.ToolName}
			s.toolCtxMu.Unlock()
		}
		msg, _ := json.Marshal(env)
		fc.WriteJSON(protocol.BeaconResponse{Type: protocol.ResponseEvent, ConvID: req.ConvID, Message: msg})
	}
}

// adoptIfUnregistered tolerates clients that open a new socket per
// request: if fc never registered but exactly one Pylon is registered,
// treat fc as that Pylon's active connection (§4.5 graceful degradation).
func (s *Server) adoptIfUnregistered(fc *netutil.FrameConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[fc]; ok {
		return
	}
	if len(s.registry) == 1 {
		for pylonID := range s.registry {
			s.active[fc] = pylonID
		}
	}
}

func (s *Server) handlePermissionResponse(req protocol.BeaconRequest) {
	s.pendingMu.Lock()
	resolver, ok := s.pending[req.ToolUseID]
	if ok {
		delete(s.pending, req.ToolUseID)
	}
	s.pendingMu.Unlock()
	if !ok {
		return // silently drop unknown ids
	}

	var updated map[string]any
	if len(req.UpdatedInput) > 0 {
		json.Unmarshal(req.UpdatedInput, &updated)
	}
	resolver.resolve(provideradapter.Decision{Behavior: req.Behavior, Message: req.Message, UpdatedInput: updated})
}

func (s *Server) handleLookup(fc *netutil.FrameConn, req protocol.BeaconRequest) {
	s.toolCtxMu.Lock()
	tc, ok := s.toolCtx[req.ToolUseID]
	s.toolCtxMu.Unlock()
	if !ok {
		fc.WriteJSON(protocol.BeaconResponse{Type: protocol.ResponseEvent, Success: false, Error: ErrLookupMiss.Error()})
		return
	}

	pylonID := int(ids.PylonOf(ids.ConvId(tc.ConvID)))
	s.mu.RLock()
	ep, ok := s.registry[pylonID]
	s.mu.RUnlock()
	if !ok {
		fc.WriteJSON(protocol.BeaconResponse{Type: protocol.ResponseEvent, Success: false, Error: ErrLookupMiss.Error()})
		return
	}

	raw, _ := json.Marshal(tc)
	fc.WriteJSON(protocol.BeaconResponse{Type: protocol.ResponseEvent, Success: true, ConvID: tc.ConvID, MCPHost: ep.MCPHost, MCPPort: ep.MCPPort, Raw: raw})
}
