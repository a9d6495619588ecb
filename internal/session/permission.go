package session

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"
)

// Decision is the outcome of evaluating a candidate tool call (§4.4 FSM step 1).
type Decision struct {
	Behavior     string // "allow" | "deny" | "ask"
	UpdatedInput map[string]any
	Message      string
}

// Rule evaluates one candidate tool call against policy.
type Rule func(toolName string, input map[string]any, mode string) (Decision, bool)

// RuleSet evaluates an ordered list of rules, first match wins; falls
// back to "ask" if nothing matches (§4.4 step 1 — external contract).
type RuleSet struct {
	rules []Rule
}

func NewRuleSet(rules ...Rule) *RuleSet {
	return &RuleSet{rules: rules}
}

func (rs *RuleSet) Evaluate(toolName string, input map[string]any, mode string) Decision {
	for _, r := range rs.rules {
		if d, matched := r(toolName, input, mode); matched {
			return d
		}
	}
	return Decision{Behavior: "ask"}
}

// ModeRule implements the three PermissionMode semantics used by the
// workspace store (default/acceptEdits/bypassPermissions).
func ModeRule(editTools map[string]bool) Rule {
	return func(toolName string, input map[string]any, mode string) (Decision, bool) {
		switch mode {
		case "bypassPermissions":
			return Decision{Behavior: "allow"}, true
		case "acceptEdits":
			if editTools[toolName] {
				return Decision{Behavior: "allow"}, true
			}
		}
		return Decision{}, false
	}
}

// pendingKind distinguishes a parked permission from a parked question.
type pendingKind int

const (
	pendingPermission pendingKind = iota
	pendingQuestion
)

type pendingEntry struct {
	kind      pendingKind
	toolName  string
	toolUseID string
	input     map[string]any
	resolve   func(Decision)
	question  string
	options   []string
}

// newToolUseID generates a synthetic id for permission prompts (§4.4 step 3).
func newToolUseID() string {
	n, _ := rand.Int(rand.Reader, big.NewInt(1_000_000_000))
	return fmt.Sprintf("perm_%d_%09d", time.Now().UnixMilli(), n.Int64())
}
