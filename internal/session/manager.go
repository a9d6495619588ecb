package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/nextlevelbuilder/pylonrelay/internal/ids"
	"github.com/nextlevelbuilder/pylonrelay/internal/message"
	"github.com/nextlevelbuilder/pylonrelay/internal/provideradapter"
	"github.com/nextlevelbuilder/pylonrelay/internal/tracing"
)

// askUserQuestionTool is the SDK's built-in interactive-question tool
// name; it is special-cased in the permission FSM (§4.4 step 2).
const askUserQuestionTool = "AskUserQuestion"

// activeSession is the per-convId session object (§4.4).
type activeSession struct {
	convID      ids.ConvId
	cancel      context.CancelFunc
	sdkToken    string
	state       State
	textBuf     strings.Builder
	startedAt   time.Time
	pendingTool map[string]string // toolUseId -> toolName
	inputTokens int
	outputTok   int

	mu      sync.Mutex
	pending map[string]*pendingEntry // toolUseId -> pending permission/question
	done    chan struct{}
}

// SendOptions carries the optional parameters of sendMessage (§4.4).
type SendOptions struct {
	WorkingDir       string
	ClaudeSessionID  string
	SystemPrompt     string
	SystemReminder   string
	PermissionMode   string
}

// Manager drives the LLM SDK adapter per conversation, enforcing
// at-most-one-active-turn and the canUseTool permission FSM.
type Manager struct {
	adapter  provideradapter.Adapter
	msgs     *message.Store
	rules    *RuleSet
	events   chan<- Event

	mu       sync.Mutex
	sessions map[ids.ConvId]*activeSession
}

func NewManager(adapter provideradapter.Adapter, msgs *message.Store, rules *RuleSet, events chan<- Event) *Manager {
	return &Manager{
		adapter:  adapter,
		msgs:     msgs,
		rules:    rules,
		events:   events,
		sessions: make(map[ids.ConvId]*activeSession),
	}
}

func (m *Manager) emit(e Event) {
	e.Timestamp = time.Now()
	select {
	case m.events <- e:
	default:
	}
}

// SendMessage starts a new turn for convId, pre-empting any running one.
func (m *Manager) SendMessage(ctx context.Context, convID ids.ConvId, prompt string, opts SendOptions) error {
	m.preempt(convID)

	sctx, cancel := context.WithCancel(ctx)
	s := &activeSession{
		convID:      convID,
		cancel:      cancel,
		state:       StateThinking,
		startedAt:   time.Now(),
		pendingTool: make(map[string]string),
		pending:     make(map[string]*pendingEntry),
		done:        make(chan struct{}),
	}
	m.mu.Lock()
	m.sessions[convID] = s
	m.mu.Unlock()

	m.emit(Event{Type: EventState, ConvID: uint32(convID), State: StateWorking})

	fullPrompt := prompt
	if opts.ClaudeSessionID == "" && opts.SystemReminder != "" {
		fullPrompt = fmt.Sprintf("<system-reminder>\n%s\n</system-reminder>\n<prompt>%s</prompt>", opts.SystemReminder, prompt)
	}

	go m.runTurn(sctx, s, fullPrompt, opts)
	return nil
}

// preempt cancels any running turn for convId and waits ~200ms for teardown (§4.4, §5).
func (m *Manager) preempt(convID ids.ConvId) {
	m.mu.Lock()
	s, ok := m.sessions[convID]
	m.mu.Unlock()
	if !ok {
		return
	}
	s.cancel()
	select {
	case <-s.done:
	case <-time.After(200 * time.Millisecond):
	}
}

func (m *Manager) runTurn(ctx context.Context, s *activeSession, prompt string, opts SendOptions) {
	ctx, span := tracing.Start(ctx, "session.turn", attribute.Int("conv_id", int(s.convID)))
	defer span.End()

	defer close(s.done)
	defer func() {
		m.mu.Lock()
		if m.sessions[s.convID] == s {
			delete(m.sessions, s.convID)
		}
		m.mu.Unlock()
		m.emit(Event{Type: EventState, ConvID: uint32(s.convID), State: StateIdle})
	}()

	ch, err := m.adapter.Query(ctx, provideradapter.QueryParams{
		Prompt:     prompt,
		Cwd:        opts.WorkingDir,
		Resume:     opts.ClaudeSessionID,
		CanUseTool: m.canUseTool(ctx, s, opts.PermissionMode),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.emit(Event{Type: EventError, ConvID: uint32(s.convID), Error: err.Error()})
		return
	}

	for env := range ch {
		select {
		case <-ctx.Done():
			m.emit(Event{Type: EventClaudeAborted, ConvID: uint32(s.convID)})
			return
		default:
		}
		if env.Err != nil {
			span.RecordError(env.Err)
			span.SetStatus(codes.Error, env.Err.Error())
		}
		m.handleEnvelope(s, env)
	}
}

func (m *Manager) handleEnvelope(s *activeSession, env provideradapter.Envelope) {
	convID := uint32(s.convID)
	switch {
	case env.Err != nil:
		m.emit(Event{Type: EventError, ConvID: convID, Error: env.Err.Error()})

	case env.System != nil:
		switch env.System.Subtype {
		case "init":
			s.sdkToken = env.System.SessionID
			m.emit(Event{Type: EventInit, ConvID: convID})
		case "compact_boundary":
			m.emit(Event{Type: EventCompactComplete, ConvID: convID})
		}

	case env.Stream != nil:
		if env.Stream.Event == "content_block_delta" && env.Stream.TextDelta != "" {
			s.textBuf.WriteString(env.Stream.TextDelta)
			m.emit(Event{Type: EventText, ConvID: convID, Text: env.Stream.TextDelta})
		}

	case env.Assistant != nil:
		// Text content is sourced solely from streamed deltas accumulated in
		// s.textBuf, never from a content block's own Text field: the
		// adapter's block.Text at message_stop is the full message-joined
		// text, already delivered once via deltas, so using both would
		// double-emit it (and, combined with a tool-only envelope flushing
		// textBuf early, could emit it twice over).
		for _, b := range env.Assistant.Content {
			if b.Type != "tool_use" {
				continue
			}
			s.pendingTool[b.ToolUseID] = b.ToolName
			if b.ToolName == askUserQuestionTool {
				m.emit(Event{Type: EventAskQuestion, ConvID: convID, ToolUseID: b.ToolUseID, ToolName: b.ToolName})
			} else {
				m.emit(Event{Type: EventToolInfo, ConvID: convID, ToolUseID: b.ToolUseID, ToolName: b.ToolName, ToolInput: b.Input})
			}
		}
		if s.textBuf.Len() > 0 {
			m.emit(Event{Type: EventTextComplete, ConvID: convID, Text: s.textBuf.String()})
			s.textBuf.Reset()
		}
		if env.Assistant.Usage != nil {
			s.inputTokens += env.Assistant.Usage.InputTokens
			s.outputTok += env.Assistant.Usage.OutputTokens
			m.emit(Event{Type: EventUsageUpdate, ConvID: convID, InputTokens: s.inputTokens, OutputTokens: s.outputTok})
		}

	case env.User != nil:
		for _, tr := range env.User.ToolResults {
			toolName, ok := s.pendingTool[tr.ToolUseID]
			if !ok {
				continue
			}
			delete(s.pendingTool, tr.ToolUseID)
			success := !tr.IsError
			out := truncate(tr.Content, 1000)
			errOut := ""
			if tr.IsError {
				errOut = truncate(tr.Content, 200)
				out = ""
			}
			m.emit(Event{Type: EventToolComplete, ConvID: convID, ToolUseID: tr.ToolUseID, ToolName: toolName, Success: &success, Output: out, Error: errOut})
		}

	case env.ToolProgress != nil:
		m.emit(Event{Type: EventToolProgress, ConvID: convID, ToolName: env.ToolProgress.ToolName, ElapsedSeconds: env.ToolProgress.ElapsedSeconds})

	case env.Result != nil:
		if env.Result.Usage != nil {
			s.inputTokens += env.Result.Usage.InputTokens
			s.outputTok += env.Result.Usage.OutputTokens
		}
		m.emit(Event{Type: EventResult, ConvID: convID, InputTokens: s.inputTokens, OutputTokens: s.outputTok})
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + fmt.Sprintf("\n... (%d chars total)", len(s))
}

// canUseTool implements the §4.4 permission FSM as a CanUseToolFunc closure.
func (m *Manager) canUseTool(ctx context.Context, s *activeSession, mode string) provideradapter.CanUseToolFunc {
	return func(ctx context.Context, toolName string, input map[string]any, _ string) (provideradapter.Decision, error) {
		d := m.rules.Evaluate(toolName, input, mode)

		switch d.Behavior {
		case "allow":
			return provideradapter.Decision{Behavior: "allow", UpdatedInput: d.UpdatedInput}, nil
		case "deny":
			return provideradapter.Decision{Behavior: "deny", Message: d.Message}, nil
		}

		toolUseID := newToolUseID()
		result := make(chan Decision, 1)
		entry := &pendingEntry{toolName: toolName, toolUseID: toolUseID, input: input, resolve: func(dec Decision) { result <- dec }}

		if toolName == askUserQuestionTool {
			entry.kind = pendingQuestion
			s.mu.Lock()
			s.pending[toolUseID] = entry
			s.mu.Unlock()
			m.emit(Event{Type: EventState, ConvID: uint32(s.convID), State: StateWaiting})
		} else {
			entry.kind = pendingPermission
			s.mu.Lock()
			s.pending[toolUseID] = entry
			s.mu.Unlock()
			m.emit(Event{Type: EventPermissionRequest, ConvID: uint32(s.convID), ToolUseID: toolUseID, ToolName: toolName, ToolInput: input})
			m.emit(Event{Type: EventState, ConvID: uint32(s.convID), State: StateWaiting})
		}

		select {
		case dec := <-result:
			switch dec.Behavior {
			case "deny":
				return provideradapter.Decision{Behavior: "deny", Message: dec.Message}, nil
			default:
				in := input
				if dec.UpdatedInput != nil {
					in = dec.UpdatedInput
				}
				return provideradapter.Decision{Behavior: "allow", UpdatedInput: in}, nil
			}
		case <-ctx.Done():
			return provideradapter.Decision{Behavior: "deny", Message: "Stopped"}, nil
		}
	}
}

// Stop best-effort cancels the active turn for convId, always leaving it
// idle, and denies every pending permission/question with "Stopped" (§4.4).
func (m *Manager) Stop(convID ids.ConvId) {
	m.mu.Lock()
	s, ok := m.sessions[convID]
	m.mu.Unlock()
	if !ok {
		return
	}
	s.cancel()
	m.denyAllPending(s, "Stopped")
}

func (m *Manager) denyAllPending(s *activeSession, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.pending {
		e.resolve(Decision{Behavior: "deny", Message: message})
		delete(s.pending, id)
	}
}

// RespondPermission resolves a waiting permission request (§4.4).
// allow/allowAll return the original input unmodified.
func (m *Manager) RespondPermission(convID ids.ConvId, toolUseID string, decision string) {
	m.mu.Lock()
	s, ok := m.sessions[convID]
	m.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	e, ok := s.pending[toolUseID]
	if !ok || e.kind != pendingPermission {
		s.mu.Unlock()
		return
	}
	delete(s.pending, toolUseID)
	s.mu.Unlock()

	switch decision {
	case "allow", "allowAll":
		e.resolve(Decision{Behavior: "allow", UpdatedInput: e.input})
	default:
		e.resolve(Decision{Behavior: "deny", Message: "Denied"})
	}
}

// RespondQuestion resolves a pending AskUserQuestion, falling back to a
// pending question of the conversation if toolUseID is unmatched (§4.4).
// Pending entries are kept in a map, so when several questions are
// pending, which one the fallback picks is not defined.
func (m *Manager) RespondQuestion(convID ids.ConvId, toolUseID, answer string) {
	m.mu.Lock()
	s, ok := m.sessions[convID]
	m.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	e, ok := s.pending[toolUseID]
	if !ok || e.kind != pendingQuestion {
		e = nil
		for _, candidate := range s.pending {
			if candidate.kind == pendingQuestion {
				e = candidate
				break
			}
		}
	}
	if e == nil {
		s.mu.Unlock()
		return
	}
	delete(s.pending, e.toolUseID)
	s.mu.Unlock()

	updated := make(map[string]any, len(e.input)+1)
	for k, v := range e.input {
		updated[k] = v
	}
	updated["answers"] = map[string]string{"0": answer}
	e.resolve(Decision{Behavior: "allow", UpdatedInput: updated})
}

// HasActiveSession reports whether convId has a running turn.
func (m *Manager) HasActiveSession(convID ids.ConvId) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[convID]
	return ok
}

// GetSessionStartTime returns the active turn's start time, if any.
func (m *Manager) GetSessionStartTime(convID ids.ConvId) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[convID]
	if !ok {
		return time.Time{}, false
	}
	return s.startedAt, true
}

// GetActiveSessionIds returns every convId with a running turn.
func (m *Manager) GetActiveSessionIds() []ids.ConvId {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ids.ConvId, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	return out
}

// GetPendingEvent reports a pending permission/question for convId, if any.
// When several are pending, which one is reported is not defined.
func (m *Manager) GetPendingEvent(convID ids.ConvId) (toolUseID, toolName string, ok bool) {
	m.mu.Lock()
	s, found := m.sessions[convID]
	m.mu.Unlock()
	if !found {
		return "", "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.pending {
		return id, e.toolName, true
	}
	return "", "", false
}

// AbortAllSessions best-effort cancels every active turn (used on
// account/identity switch).
func (m *Manager) AbortAllSessions() {
	m.mu.Lock()
	all := make([]*activeSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()
	for _, s := range all {
		s.cancel()
		m.denyAllPending(s, "Stopped")
	}
}
