package session

import (
	"context"
	"testing"
	"time"

	"github.com/nextlevelbuilder/pylonrelay/internal/ids"
	"github.com/nextlevelbuilder/pylonrelay/internal/provideradapter"
)

type fakeAdapter struct {
	envelopes []provideradapter.Envelope
	params    chan provideradapter.QueryParams
	block     chan struct{} // if non-nil, Query blocks on ctx.Done before returning envelopes
}

func (f *fakeAdapter) Query(ctx context.Context, params provideradapter.QueryParams) (<-chan provideradapter.Envelope, error) {
	if f.params != nil {
		f.params <- params
	}
	out := make(chan provideradapter.Envelope, len(f.envelopes)+1)
	go func() {
		defer close(out)
		if f.block != nil {
			select {
			case <-ctx.Done():
				return
			case <-f.block:
			}
		}
		for _, e := range f.envelopes {
			select {
			case <-ctx.Done():
				return
			case out <- e:
			}
		}
	}()
	return out, nil
}

func testConv(t *testing.T) ids.ConvId {
	t.Helper()
	p, _ := ids.EncodePylon(ids.EnvDev, 1)
	ws, _ := ids.EncodeWorkspace(p, 1)
	conv, _ := ids.EncodeConversation(ws, 1)
	return conv
}

func drainEvents(ch <-chan Event, types ...EventType) map[EventType]Event {
	want := make(map[EventType]bool, len(types))
	for _, t := range types {
		want[t] = true
	}
	got := make(map[EventType]Event)
	timeout := time.After(2 * time.Second)
	for len(got) < len(want) {
		select {
		case e := <-ch:
			if want[e.Type] {
				got[e.Type] = e
			}
		case <-timeout:
			return got
		}
	}
	return got
}

// fakeAdapter envelopes here mirror what provideradapter.Anthropic actually
// emits: content_block_delta Stream envelopes carrying each text chunk,
// followed by the message_stop Assistant envelope whose own block.Text is
// the full joined text (already delivered via deltas).
func TestSendMessageEmitsTextCompleteAndResult(t *testing.T) {
	conv := testConv(t)
	adapter := &fakeAdapter{envelopes: []provideradapter.Envelope{
		{Stream: &provideradapter.StreamEvent{Event: "content_block_delta", TextDelta: "hel"}},
		{Stream: &provideradapter.StreamEvent{Event: "content_block_delta", TextDelta: "lo"}},
		{Assistant: &provideradapter.AssistantMessage{Content: []provideradapter.ContentBlock{{Type: "text", Text: "hello"}}}},
		{Result: &provideradapter.ResultMessage{Subtype: "success"}},
	}}
	events := make(chan Event, 32)
	m := NewManager(adapter, nil, NewRuleSet(), events)

	if err := m.SendMessage(context.Background(), conv, "hi", SendOptions{}); err != nil {
		t.Fatal(err)
	}

	got := drainEvents(events, EventTextComplete, EventResult, EventState)
	if got[EventTextComplete].Text != "hello" {
		t.Fatalf("expected textComplete 'hello', got %+v", got[EventTextComplete])
	}
	if _, ok := got[EventResult]; !ok {
		t.Fatal("expected result event")
	}
}

// TestToolUseInterleavedWithTextEmitsOneTextCompletePerSegment exercises a
// tool call interleaving with text: leading text deltas (flushed as its own
// textComplete by the tool-only Assistant envelope that follows), then a
// tool_use block, then the final message_stop Assistant envelope. Per §8,
// a message's text must never produce more than one textComplete per
// contiguous text segment, and never double-counts text already flushed.
func TestToolUseInterleavedWithTextEmitsOneTextCompletePerSegment(t *testing.T) {
	conv := testConv(t)
	adapter := &fakeAdapter{envelopes: []provideradapter.Envelope{
		{Stream: &provideradapter.StreamEvent{Event: "content_block_delta", TextDelta: "checking the file"}},
		{Assistant: &provideradapter.AssistantMessage{Content: []provideradapter.ContentBlock{
			{Type: "tool_use", ToolUseID: "t1", ToolName: "Read"},
		}}},
		{Assistant: &provideradapter.AssistantMessage{Content: []provideradapter.ContentBlock{}}},
		{Result: &provideradapter.ResultMessage{Subtype: "success"}},
	}}
	events := make(chan Event, 32)
	m := NewManager(adapter, nil, NewRuleSet(), events)

	if err := m.SendMessage(context.Background(), conv, "hi", SendOptions{}); err != nil {
		t.Fatal(err)
	}

	var textCompletes []Event
	timeout := time.After(2 * time.Second)
	done := false
	for !done {
		select {
		case e := <-events:
			if e.Type == EventTextComplete {
				textCompletes = append(textCompletes, e)
			}
			if e.Type == EventResult {
				done = true
			}
		case <-timeout:
			done = true
		}
	}

	if len(textCompletes) != 1 {
		t.Fatalf("expected exactly one textComplete, got %d: %+v", len(textCompletes), textCompletes)
	}
	if textCompletes[0].Text != "checking the file" {
		t.Fatalf("expected textComplete 'checking the file', got %+v", textCompletes[0])
	}
}

func TestAskUserQuestionWaitsThenRespondQuestion(t *testing.T) {
	conv := testConv(t)
	adapter := &fakeAdapter{block: make(chan struct{})}
	events := make(chan Event, 32)
	m := NewManager(adapter, nil, NewRuleSet(), events)
	m.SendMessage(context.Background(), conv, "hi", SendOptions{})

	m.mu.Lock()
	s := m.sessions[conv]
	m.mu.Unlock()

	resultCh := make(chan provideradapter.Decision, 1)
	go func() {
		fn := m.canUseTool(context.Background(), s, "default")
		d, _ := fn(context.Background(), askUserQuestionTool, map[string]any{"question": "pick one"}, "")
		resultCh <- d
	}()

	got := drainEvents(events, EventAskQuestion, EventState)
	if _, ok := got[EventAskQuestion]; !ok {
		t.Fatal("expected askQuestion event, not permission_request")
	}
	if got[EventState].State != StateWaiting {
		t.Fatalf("expected waiting state, got %+v", got[EventState])
	}

	s.mu.Lock()
	var toolUseID string
	for id := range s.pending {
		toolUseID = id
	}
	s.mu.Unlock()

	m.RespondQuestion(conv, toolUseID, "option A")

	select {
	case d := <-resultCh:
		if d.Behavior != "allow" {
			t.Fatalf("expected allow, got %+v", d)
		}
		answers, _ := d.UpdatedInput["answers"].(map[string]string)
		if answers["0"] != "option A" {
			t.Fatalf("expected answers.0=option A, got %+v", d.UpdatedInput)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
	close(adapter.block)
}

func TestStopDeniesPendingWithStoppedMessage(t *testing.T) {
	conv := testConv(t)
	adapter := &fakeAdapter{block: make(chan struct{})}
	events := make(chan Event, 32)
	m := NewManager(adapter, nil, NewRuleSet(), events)

	if err := m.SendMessage(context.Background(), conv, "hi", SendOptions{}); err != nil {
		t.Fatal(err)
	}

	m.mu.Lock()
	s := m.sessions[conv]
	m.mu.Unlock()
	if s == nil {
		t.Fatal("expected active session")
	}

	resultCh := make(chan provideradapter.Decision, 1)
	go func() {
		fn := m.canUseTool(context.Background(), s, "default")
		d, _ := fn(context.Background(), "Edit", map[string]any{"file_path": "f"}, "")
		resultCh <- d
	}()

	drainEvents(events, EventPermissionRequest)
	m.Stop(conv)

	select {
	case d := <-resultCh:
		if d.Behavior != "deny" || d.Message != "Stopped" {
			t.Fatalf("expected deny/Stopped, got %+v", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Stop to resolve pending permission")
	}
}

func TestRespondPermissionAllowPreservesInput(t *testing.T) {
	conv := testConv(t)
	adapter := &fakeAdapter{block: make(chan struct{})}
	events := make(chan Event, 32)
	m := NewManager(adapter, nil, NewRuleSet(), events)
	m.SendMessage(context.Background(), conv, "hi", SendOptions{})

	m.mu.Lock()
	s := m.sessions[conv]
	m.mu.Unlock()

	resultCh := make(chan provideradapter.Decision, 1)
	go func() {
		fn := m.canUseTool(context.Background(), s, "default")
		d, _ := fn(context.Background(), "Edit", map[string]any{"file_path": "f"}, "")
		resultCh <- d
	}()

	got := drainEvents(events, EventPermissionRequest)
	req := got[EventPermissionRequest]
	m.RespondPermission(conv, req.ToolUseID, "allow")

	select {
	case d := <-resultCh:
		if d.Behavior != "allow" || d.UpdatedInput["file_path"] != "f" {
			t.Fatalf("expected allow with original input, got %+v", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
	close(adapter.block)
}
