package session

import (
	"context"
	"errors"
	"testing"

	"github.com/nextlevelbuilder/pylonrelay/internal/provideradapter"
)

func TestParseFrontmatterExtractsFieldsAndBody(t *testing.T) {
	doc := "---\nautorun: true\ntitle: hello\n---\nrun this prompt"
	fields, body := ParseFrontmatter(doc)
	if fields["autorun"] != "true" || fields["title"] != "hello" {
		t.Fatalf("expected autorun/title fields, got %+v", fields)
	}
	if body != "run this prompt" {
		t.Fatalf("expected trimmed body, got %q", body)
	}
}

func TestParseFrontmatterNoDelimiterReturnsWholeDocAsBody(t *testing.T) {
	fields, body := ParseFrontmatter("just a plain document")
	if fields != nil {
		t.Fatalf("expected no fields, got %+v", fields)
	}
	if body != "just a plain document" {
		t.Fatalf("expected body unchanged, got %q", body)
	}
}

func TestIsAutorun(t *testing.T) {
	if !IsAutorun("---\nautorun: true\n---\nbody") {
		t.Fatal("expected autorun: true to be recognized")
	}
	if IsAutorun("---\nautorun: false\n---\nbody") {
		t.Fatal("expected autorun: false to not trigger")
	}
	if IsAutorun("no frontmatter here") {
		t.Fatal("expected a document with no frontmatter to not trigger")
	}
}

func TestTriggerAutorunSendsFirstMatchingDocumentBody(t *testing.T) {
	conv := testConv(t)
	adapter := &fakeAdapter{envelopes: []provideradapter.Envelope{
		{Result: &provideradapter.ResultMessage{Subtype: "success"}},
	}}
	events := make(chan Event, 32)
	m := NewManager(adapter, nil, NewRuleSet(), events)

	docs := map[string]string{
		"notes.md":   "no frontmatter, should be skipped",
		"runbook.md": "---\nautorun: true\n---\ndo the thing",
	}
	readDoc := func(path string) (string, error) {
		d, ok := docs[path]
		if !ok {
			return "", errors.New("not found")
		}
		return d, nil
	}

	if err := m.TriggerAutorun(context.Background(), conv, []string{"notes.md", "runbook.md"}, readDoc); err != nil {
		t.Fatal(err)
	}

	got := drainEvents(events, EventResult)
	if _, ok := got[EventResult]; !ok {
		t.Fatal("expected autorun to start a turn that reaches EventResult")
	}
}

func TestTriggerAutorunNoMatchIsNoop(t *testing.T) {
	conv := testConv(t)
	adapter := &fakeAdapter{envelopes: []provideradapter.Envelope{
		{Result: &provideradapter.ResultMessage{Subtype: "success"}},
	}}
	events := make(chan Event, 1)
	m := NewManager(adapter, nil, NewRuleSet(), events)

	readDoc := func(path string) (string, error) { return "no frontmatter", nil }
	if err := m.TriggerAutorun(context.Background(), conv, []string{"a.md"}, readDoc); err != nil {
		t.Fatal(err)
	}

	select {
	case e := <-events:
		t.Fatalf("expected no turn to start, got event %+v", e)
	default:
	}
}
