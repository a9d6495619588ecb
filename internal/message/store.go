package message

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go sqlite driver, registers as "sqlite"

	"github.com/nextlevelbuilder/pylonrelay/internal/ids"
)

// MaxMessagesPerConversation is the §4.3 / open-question retention cap.
// This implementation picks the JSON-backing's cap-enforcing policy
// (rather than SQLite's traditionally uncapped one) and enforces it
// on every write via TrimMessages, per the Open Question in spec.md §9:
// a bounded log keeps per-conversation memory and query cost predictable
// regardless of how long a session lives.
const MaxMessagesPerConversation = 200

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	conv_id      INTEGER NOT NULL,
	id           TEXT NOT NULL,
	role         TEXT NOT NULL,
	type         TEXT NOT NULL,
	timestamp    INTEGER NOT NULL,
	text         TEXT,
	tool_name    TEXT,
	tool_input   TEXT,
	parent_tool_use_id TEXT,
	success      INTEGER,
	output       TEXT,
	error        TEXT,
	file_path    TEXT
);
CREATE INDEX IF NOT EXISTS idx_messages_conv_seq ON messages(conv_id, seq);
`

// Store is a per-process durable message log backed by SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) a SQLite-backed Store at path.
// path may be ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("message: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: single-writer, avoid SQLITE_BUSY
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("message: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func boolPtr(b bool) *bool { return &b }

func (s *Store) insert(m *Message) error {
	var inputJSON []byte
	if m.ToolInput != nil {
		inputJSON = m.ToolInput
	}
	var success sql.NullInt64
	if m.Success != nil {
		if *m.Success {
			success = sql.NullInt64{Int64: 1, Valid: true}
		} else {
			success = sql.NullInt64{Int64: 0, Valid: true}
		}
	}
	_, err := s.db.Exec(
		`INSERT INTO messages (conv_id, id, role, type, timestamp, text, tool_name, tool_input, parent_tool_use_id, success, output, error, file_path)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(m.ConvID), m.ID, string(m.Role), string(m.Type), m.Timestamp.UnixNano(),
		nullStr(m.Text), nullStr(m.ToolName), string(inputJSON), nullStr(m.ParentToolUseID),
		success, nullStr(m.Output), nullStr(m.Error), nullStr(m.FilePath),
	)
	if err != nil {
		return fmt.Errorf("message: insert: %w", err)
	}
	return nil
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// AddUserText appends a user-authored text message.
func (s *Store) AddUserText(convID ids.ConvId, id, text string) (*Message, error) {
	m := &Message{ID: id, ConvID: convID, Role: RoleUser, Type: TypeUserText, Timestamp: time.Now(), Text: text}
	if err := s.insert(m); err != nil {
		return nil, err
	}
	s.TrimMessages(convID)
	return m, nil
}

// AddAssistantText appends an assistant-authored text message. text should
// already be the aggregated join of all text blocks (§4.4 textComplete).
func (s *Store) AddAssistantText(convID ids.ConvId, id, text string) (*Message, error) {
	m := &Message{ID: id, ConvID: convID, Role: RoleAssistant, Type: TypeAssistantText, Timestamp: time.Now(), Text: text}
	if err := s.insert(m); err != nil {
		return nil, err
	}
	s.TrimMessages(convID)
	return m, nil
}

// AddSystemNote appends a system-authored note message.
func (s *Store) AddSystemNote(convID ids.ConvId, id, text string) (*Message, error) {
	m := &Message{ID: id, ConvID: convID, Role: RoleSystem, Type: TypeSystemNote, Timestamp: time.Now(), Text: text}
	if err := s.insert(m); err != nil {
		return nil, err
	}
	s.TrimMessages(convID)
	return m, nil
}

// AddSystemError appends a system-authored error message.
func (s *Store) AddSystemError(convID ids.ConvId, id, errText string) (*Message, error) {
	m := &Message{ID: id, ConvID: convID, Role: RoleSystem, Type: TypeSystemError, Timestamp: time.Now(), Error: errText}
	if err := s.insert(m); err != nil {
		return nil, err
	}
	s.TrimMessages(convID)
	return m, nil
}

// AddAborted appends an "aborted" marker (emitted when stop() pre-empts a turn).
func (s *Store) AddAborted(convID ids.ConvId, id string) (*Message, error) {
	m := &Message{ID: id, ConvID: convID, Role: RoleSystem, Type: TypeAborted, Timestamp: time.Now()}
	if err := s.insert(m); err != nil {
		return nil, err
	}
	s.TrimMessages(convID)
	return m, nil
}

// AddToolStart appends a toolStart record, summarizing input per §4.3.
func (s *Store) AddToolStart(convID ids.ConvId, id, toolName string, input map[string]any, parentToolUseID string) (*Message, error) {
	summarized := SummarizeToolInput(toolName, input)
	raw, err := json.Marshal(summarized)
	if err != nil {
		return nil, fmt.Errorf("message: marshal tool input: %w", err)
	}
	m := &Message{
		ID: id, ConvID: convID, Role: RoleAssistant, Type: TypeToolStart,
		Timestamp: time.Now(), ToolName: toolName, ToolInput: raw, ParentToolUseID: parentToolUseID,
	}
	if err := s.insert(m); err != nil {
		return nil, err
	}
	s.TrimMessages(convID)
	return m, nil
}

// UpdateToolComplete locates the most recent toolStart with matching
// toolName in the conversation and rewrites it in place to toolComplete,
// preserving the original id/timestamp/parentToolUseId. No-op if none found.
func (s *Store) UpdateToolComplete(convID ids.ConvId, toolName string, success bool, output, errText string) error {
	row := s.db.QueryRow(
		`SELECT seq FROM messages WHERE conv_id = ? AND tool_name = ? AND type = ? ORDER BY seq DESC LIMIT 1`,
		int64(convID), toolName, string(TypeToolStart),
	)
	var seq int64
	if err := row.Scan(&seq); err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return fmt.Errorf("message: locate toolStart: %w", err)
	}

	out := SummarizeToolOutput(output)
	errOut := SummarizeToolOutput(errText)

	_, err := s.db.Exec(
		`UPDATE messages SET type = ?, success = ?, output = ?, error = ? WHERE seq = ?`,
		string(TypeToolComplete), boolToInt(success), nullStr(out), nullStr(errOut), seq,
	)
	if err != nil {
		return fmt.Errorf("message: update toolComplete: %w", err)
	}
	return nil
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func (s *Store) scanRows(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var (
			m                                                                     Message
			convID                                                                int64
			tsNano                                                                int64
			text, toolName, toolInput, parentToolUseID, output, errText, filePath sql.NullString
			success                                                               sql.NullInt64
		)
		if err := rows.Scan(&convID, &m.ID, &m.Role, &m.Type, &tsNano, &text, &toolName, &toolInput, &parentToolUseID, &success, &output, &errText, &filePath); err != nil {
			return nil, fmt.Errorf("message: scan: %w", err)
		}
		m.ConvID = ids.ConvId(convID)
		m.Timestamp = time.Unix(0, tsNano)
		m.Text = text.String
		m.ToolName = toolName.String
		if toolInput.Valid && toolInput.String != "" {
			m.ToolInput = json.RawMessage(toolInput.String)
		}
		m.ParentToolUseID = parentToolUseID.String
		if success.Valid {
			m.Success = boolPtr(success.Int64 != 0)
		}
		m.Output = output.String
		m.Error = errText.String
		m.FilePath = filePath.String
		out = append(out, m)
	}
	return out, rows.Err()
}

const selectCols = "conv_id, id, role, type, timestamp, text, tool_name, tool_input, parent_tool_use_id, success, output, error, file_path"

// PageOptions controls GetMessages windowing.
type PageOptions struct {
	Limit      int
	Offset     int  // messages to skip from the tail, newest-last semantics
	LoadBefore int  // if set (>0), return the `Limit` messages immediately preceding this seq-equivalent count from the tail
}

// GetMessages returns a contiguous window from the tail of the log in
// newest-last (chronological) order.
func (s *Store) GetMessages(convID ids.ConvId, opts PageOptions) ([]Message, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = MaxMessagesPerConversation
	}
	offset := opts.Offset
	if opts.LoadBefore > 0 {
		offset = opts.LoadBefore
	}

	// Fetch the tail window by ordering DESC with offset/limit, then reverse
	// to chronological order.
	rows, err := s.db.Query(
		fmt.Sprintf(`SELECT %s FROM messages WHERE conv_id = ? ORDER BY seq DESC LIMIT ? OFFSET ?`, selectCols),
		int64(convID), limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("message: query: %w", err)
	}
	msgs, err := s.scanRows(rows)
	if err != nil {
		return nil, err
	}
	reverse(msgs)
	return msgs, nil
}

func reverse(m []Message) {
	for i, j := 0, len(m)-1; i < j; i, j = i+1, j-1 {
		m[i], m[j] = m[j], m[i]
	}
}

// GetLatestMessages is sugar for GetMessages with no offset.
func (s *Store) GetLatestMessages(convID ids.ConvId, limit int) ([]Message, error) {
	return s.GetMessages(convID, PageOptions{Limit: limit})
}

// GetSharedMessageHistory returns the entire log in chronological order,
// for read-only viewers (§4.6 share_history).
func (s *Store) GetSharedMessageHistory(convID ids.ConvId) ([]Message, error) {
	rows, err := s.db.Query(
		fmt.Sprintf(`SELECT %s FROM messages WHERE conv_id = ? ORDER BY seq ASC`, selectCols),
		int64(convID),
	)
	if err != nil {
		return nil, fmt.Errorf("message: query: %w", err)
	}
	return s.scanRows(rows)
}

// TrimMessages enforces the MaxMessagesPerConversation cap by dropping the
// oldest rows for a conversation, never the most recent
// MaxMessagesPerConversation.
func (s *Store) TrimMessages(convID ids.ConvId) error {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE conv_id = ?`, int64(convID)).Scan(&count); err != nil {
		return fmt.Errorf("message: count: %w", err)
	}
	if count <= MaxMessagesPerConversation {
		return nil
	}
	toDrop := count - MaxMessagesPerConversation
	_, err := s.db.Exec(
		`DELETE FROM messages WHERE seq IN (SELECT seq FROM messages WHERE conv_id = ? ORDER BY seq ASC LIMIT ?)`,
		int64(convID), toDrop,
	)
	if err != nil {
		return fmt.Errorf("message: trim: %w", err)
	}
	return nil
}
