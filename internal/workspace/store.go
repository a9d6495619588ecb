// Package workspace implements the durable tree of Workspaces and
// Conversations owned by one Pylon (§4.2). The store itself is I/O-free
// except for the atomic JSON snapshot helpers (Save/Load); callers decide
// when to persist.
package workspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/pylonrelay/internal/ids"
)

var (
	ErrExhausted = errors.New("workspace: index space exhausted")
	ErrNotFound  = errors.New("workspace: not found")
	ErrDuplicate = errors.New("workspace: duplicate")
)

// Status is the externally visible state of a Conversation.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusWorking Status = "working"
	StatusWaiting Status = "waiting"
	StatusOffline Status = "offline"
)

// PermissionMode controls how the Session Manager's permission FSM
// evaluates tool calls for a Conversation.
type PermissionMode string

const (
	PermissionDefault           PermissionMode = "default"
	PermissionAcceptEdits       PermissionMode = "acceptEdits"
	PermissionBypassPermissions PermissionMode = "bypassPermissions"
)

// Conversation belongs to exactly one Workspace (§3.2).
type Conversation struct {
	ID                 ids.ConvId
	Name               string
	ClaudeSessionID     string
	Status             Status
	Unread             bool
	PermissionMode     PermissionMode
	CreatedAt          time.Time
	LinkedDocuments    []string
	CustomSystemPrompt string
}

// Workspace is a named root with a working directory and an ordered
// list of Conversations.
type Workspace struct {
	ID            ids.WorkspaceId
	Name          string
	WorkingDir    string
	Conversations []*Conversation

	convIndex map[int]*Conversation // convIndex -> conversation, for allocation bookkeeping
}

// Store is the in-memory Workspace tree for one Pylon.
type Store struct {
	mu sync.RWMutex

	pylon      ids.PylonId
	workspaces map[int]*Workspace // workspaceIndex -> workspace

	activeWorkspace ids.WorkspaceId
	activeConv      ids.ConvId
	hasActive       bool
}

// New creates an empty Store for the given Pylon.
func New(pylon ids.PylonId) *Store {
	return &Store{
		pylon:      pylon,
		workspaces: make(map[int]*Workspace),
	}
}

// allocateIndex returns the smallest free key in 1..max not present in used.
func allocateIndex(used map[int]bool, max int) (int, error) {
	for i := 1; i <= max; i++ {
		if !used[i] {
			return i, nil
		}
	}
	return 0, ErrExhausted
}

func (s *Store) usedWorkspaceIndices() map[int]bool {
	used := make(map[int]bool, len(s.workspaces))
	for i := range s.workspaces {
		used[i] = true
	}
	return used
}

// AllocateWorkspaceIndex returns the smallest free workspace index (1..127).
func (s *Store) AllocateWorkspaceIndex() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return allocateIndex(s.usedWorkspaceIndices(), 127)
}

// CreateWorkspace allocates a new Workspace with the smallest free index.
func (s *Store) CreateWorkspace(name, workingDir string) (*Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := allocateIndex(s.usedWorkspaceIndices(), 127)
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	wsID, err := ids.EncodeWorkspace(s.pylon, idx)
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	ws := &Workspace{
		ID:         wsID,
		Name:       name,
		WorkingDir: workingDir,
		convIndex:  make(map[int]*Conversation),
	}
	s.workspaces[idx] = ws
	return ws, nil
}

func (s *Store) workspaceByID(wsID ids.WorkspaceId) (*Workspace, int, error) {
	_, idx, err := ids.DecodeWorkspace(wsID)
	if err != nil {
		return nil, 0, err
	}
	ws, ok := s.workspaces[idx]
	if !ok {
		return nil, 0, fmt.Errorf("%w: workspace %d", ErrNotFound, wsID)
	}
	return ws, idx, nil
}

// RenameWorkspace changes a workspace's display name in place.
func (s *Store) RenameWorkspace(wsID ids.WorkspaceId, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, _, err := s.workspaceByID(wsID)
	if err != nil {
		return err
	}
	ws.Name = name
	return nil
}

// DeleteWorkspace removes a workspace and orphans its conversations,
// freeing the workspace index for reuse.
func (s *Store) DeleteWorkspace(wsID ids.WorkspaceId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, idx, err := s.workspaceByID(wsID)
	if err != nil {
		return err
	}
	delete(s.workspaces, idx)
	if s.hasActive && s.activeWorkspace == wsID {
		s.hasActive = false
		s.activeWorkspace = 0
		s.activeConv = 0
	}
	return nil
}

// GetWorkspace returns a workspace by id.
func (s *Store) GetWorkspace(wsID ids.WorkspaceId) (*Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ws, _, err := s.workspaceByID(wsID)
	return ws, err
}

// ListWorkspaces returns all workspaces ordered by workspace index.
func (s *Store) ListWorkspaces() []*Workspace {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idxs := make([]int, 0, len(s.workspaces))
	for i := range s.workspaces {
		idxs = append(idxs, i)
	}
	sort.Ints(idxs)
	out := make([]*Workspace, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, s.workspaces[i])
	}
	return out
}

// AllocateConversationIndex returns the smallest free conversation index
// (1..1023) within the given workspace.
func (s *Store) AllocateConversationIndex(wsID ids.WorkspaceId) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ws, _, err := s.workspaceByID(wsID)
	if err != nil {
		return 0, err
	}
	return allocateIndex(ws.convIndex2used(), 1023)
}

func (ws *Workspace) convIndex2used() map[int]bool {
	used := make(map[int]bool, len(ws.convIndex))
	for i := range ws.convIndex {
		used[i] = true
	}
	return used
}

// CreateConversation allocates a new Conversation in the given workspace.
func (s *Store) CreateConversation(wsID ids.WorkspaceId, name string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ws, _, err := s.workspaceByID(wsID)
	if err != nil {
		return nil, err
	}
	idx, err := allocateIndex(ws.convIndex2used(), 1023)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	convID, err := ids.EncodeConversation(wsID, idx)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	conv := &Conversation{
		ID:             convID,
		Name:           name,
		Status:         StatusIdle,
		PermissionMode: PermissionDefault,
		CreatedAt:      time.Now(),
	}
	ws.convIndex[idx] = conv
	ws.Conversations = append(ws.Conversations, conv)

	if !s.hasActive {
		s.hasActive = true
		s.activeWorkspace = wsID
		s.activeConv = convID
	}
	return conv, nil
}

func (s *Store) findConversation(convID ids.ConvId) (*Workspace, *Conversation, error) {
	wsID, _, err := ids.DecodeConversation(convID)
	if err != nil {
		return nil, nil, err
	}
	ws, _, err := s.workspaceByID(wsID)
	if err != nil {
		return nil, nil, err
	}
	for _, c := range ws.Conversations {
		if c.ID == convID {
			return ws, c, nil
		}
	}
	return nil, nil, fmt.Errorf("%w: conversation %d", ErrNotFound, convID)
}

// GetConversation returns a conversation by id.
func (s *Store) GetConversation(convID ids.ConvId) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, c, err := s.findConversation(convID)
	return c, err
}

// DeleteConversation removes a conversation, freeing its index for reuse.
func (s *Store) DeleteConversation(convID ids.ConvId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, _, err := s.findConversation(convID)
	if err != nil {
		return err
	}
	_, idx, _ := ids.DecodeConversation(convID)
	delete(ws.convIndex, idx)
	for i, c := range ws.Conversations {
		if c.ID == convID {
			ws.Conversations = append(ws.Conversations[:i], ws.Conversations[i+1:]...)
			break
		}
	}
	if s.hasActive && s.activeConv == convID {
		s.hasActive = false
		s.activeConv = 0
	}
	return nil
}

func (s *Store) mutateConversation(convID ids.ConvId, f func(*Conversation)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, c, err := s.findConversation(convID)
	if err != nil {
		return err
	}
	f(c)
	return nil
}

// SetStatus sets a conversation's status.
func (s *Store) SetStatus(convID ids.ConvId, status Status) error {
	return s.mutateConversation(convID, func(c *Conversation) { c.Status = status })
}

// SetUnread sets a conversation's unread flag.
func (s *Store) SetUnread(convID ids.ConvId, unread bool) error {
	return s.mutateConversation(convID, func(c *Conversation) { c.Unread = unread })
}

// SetClaudeSessionID sets a conversation's opaque SDK resume token.
func (s *Store) SetClaudeSessionID(convID ids.ConvId, sessionID string) error {
	return s.mutateConversation(convID, func(c *Conversation) { c.ClaudeSessionID = sessionID })
}

// SetPermissionMode sets a conversation's permission mode.
func (s *Store) SetPermissionMode(convID ids.ConvId, mode PermissionMode) error {
	return s.mutateConversation(convID, func(c *Conversation) { c.PermissionMode = mode })
}

// SetCustomSystemPrompt sets a conversation's optional system prompt override.
func (s *Store) SetCustomSystemPrompt(convID ids.ConvId, prompt string) error {
	return s.mutateConversation(convID, func(c *Conversation) { c.CustomSystemPrompt = prompt })
}

// normalizeDocPath trims whitespace and normalizes path separators to backslash,
// matching the teacher's sessions.Manager.sanitizeFilename convention of a
// single canonical separator for stored paths.
func normalizeDocPath(path string) string {
	path = strings.TrimSpace(path)
	return strings.ReplaceAll(path, "/", `\`)
}

// LinkDocument adds a normalized, de-duplicated document path to a
// conversation's linked-document set.
func (s *Store) LinkDocument(convID ids.ConvId, path string) error {
	norm := normalizeDocPath(path)
	if norm == "" {
		return fmt.Errorf("%w: empty path after normalization", ErrInvalidDocPath)
	}
	return s.mutateConversation(convID, func(c *Conversation) {
		for _, existing := range c.LinkedDocuments {
			if existing == norm {
				return // already linked: no-op, no mutation
			}
		}
		c.LinkedDocuments = append(c.LinkedDocuments, norm)
	})
}

// ErrInvalidDocPath is returned when a linked-document path normalizes to empty.
var ErrInvalidDocPath = errors.New("workspace: invalid document path")

// UnlinkDocument removes a document path (normalized) from a conversation.
func (s *Store) UnlinkDocument(convID ids.ConvId, path string) error {
	norm := normalizeDocPath(path)
	return s.mutateConversation(convID, func(c *Conversation) {
		for i, existing := range c.LinkedDocuments {
			if existing == norm {
				c.LinkedDocuments = append(c.LinkedDocuments[:i], c.LinkedDocuments[i+1:]...)
				return
			}
		}
	})
}

// ListDocuments returns a conversation's linked documents.
func (s *Store) ListDocuments(convID ids.ConvId) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, c, err := s.findConversation(convID)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(c.LinkedDocuments))
	copy(out, c.LinkedDocuments)
	return out, nil
}

// SetActiveWorkspace sets the single active (workspace, conversation) pair
// for this Pylon. If convID is zero or not found in the workspace, the
// workspace's first conversation becomes active (or none, if empty).
func (s *Store) SetActiveWorkspace(wsID ids.WorkspaceId, convID ids.ConvId) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ws, _, err := s.workspaceByID(wsID)
	if err != nil {
		return err
	}

	if convID != 0 {
		for _, c := range ws.Conversations {
			if c.ID == convID {
				s.hasActive = true
				s.activeWorkspace = wsID
				s.activeConv = convID
				return nil
			}
		}
	}

	if len(ws.Conversations) > 0 {
		s.hasActive = true
		s.activeWorkspace = wsID
		s.activeConv = ws.Conversations[0].ID
		return nil
	}

	s.hasActive = true
	s.activeWorkspace = wsID
	s.activeConv = 0
	return nil
}

// ActiveConversation returns the currently active (workspace, conversation)
// pair. ok is false if nothing is active.
func (s *Store) ActiveConversation() (wsID ids.WorkspaceId, convID ids.ConvId, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeWorkspace, s.activeConv, s.hasActive
}

// ResetActiveConversations transitions every working/waiting conversation
// to idle (called at Worker startup) and returns the affected conv ids.
func (s *Store) ResetActiveConversations() []ids.ConvId {
	s.mu.Lock()
	defer s.mu.Unlock()

	var affected []ids.ConvId
	for _, ws := range s.workspaces {
		for _, c := range ws.Conversations {
			if c.Status == StatusWorking || c.Status == StatusWaiting {
				c.Status = StatusIdle
				affected = append(affected, c.ID)
			}
		}
	}
	return affected
}

// --- JSON projection ---

type docSnapshot struct {
	Pylon      ids.PylonId         `json:"pylon"`
	Workspaces []workspaceSnapshot `json:"workspaces"`
	ActiveWS   ids.WorkspaceId     `json:"activeWorkspace,omitempty"`
	ActiveConv ids.ConvId          `json:"activeConversation,omitempty"`
	HasActive  bool                `json:"hasActive"`
}

type workspaceSnapshot struct {
	ID            ids.WorkspaceId     `json:"id"`
	Name          string              `json:"name"`
	WorkingDir    string              `json:"workingDir"`
	Conversations []*Conversation     `json:"conversations"`
}

// Snapshot renders the store to a JSON-serializable structure.
func (s *Store) Snapshot() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc := docSnapshot{Pylon: s.pylon, ActiveWS: s.activeWorkspace, ActiveConv: s.activeConv, HasActive: s.hasActive}
	idxs := make([]int, 0, len(s.workspaces))
	for i := range s.workspaces {
		idxs = append(idxs, i)
	}
	sort.Ints(idxs)
	for _, i := range idxs {
		ws := s.workspaces[i]
		doc.Workspaces = append(doc.Workspaces, workspaceSnapshot{
			ID: ws.ID, Name: ws.Name, WorkingDir: ws.WorkingDir, Conversations: ws.Conversations,
		})
	}
	data, _ := json.MarshalIndent(doc, "", "  ")
	return data
}

// Save atomically persists the store's JSON projection via a temp-file +
// rename, matching the teacher's sessions.Manager.Save idiom.
func (s *Store) Save(path string) error {
	data := s.Snapshot()

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "workspace-*.tmp")
	if err != nil {
		return fmt.Errorf("workspace save: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("workspace save: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("workspace save: %w", err)
	}
	tmp.Close()

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("workspace save: %w", err)
	}
	cleanup = false
	return nil
}

// Load reconstructs a Store from a JSON projection written by Save.
func Load(path string, pylon ids.PylonId) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(pylon), nil
		}
		return nil, fmt.Errorf("workspace load: %w", err)
	}

	var doc docSnapshot
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("workspace load: %w", err)
	}

	s := New(pylon)
	for _, wsSnap := range doc.Workspaces {
		_, idx, err := ids.DecodeWorkspace(wsSnap.ID)
		if err != nil {
			continue
		}
		ws := &Workspace{
			ID: wsSnap.ID, Name: wsSnap.Name, WorkingDir: wsSnap.WorkingDir,
			Conversations: wsSnap.Conversations,
			convIndex:     make(map[int]*Conversation),
		}
		for _, c := range ws.Conversations {
			_, cidx, err := ids.DecodeConversation(c.ID)
			if err == nil {
				ws.convIndex[cidx] = c
			}
		}
		s.workspaces[idx] = ws
	}
	s.activeWorkspace = doc.ActiveWS
	s.activeConv = doc.ActiveConv
	s.hasActive = doc.HasActive
	return s, nil
}
