package message

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/pylonrelay/internal/ids"
)

func testConvID(t *testing.T) ids.ConvId {
	t.Helper()
	p, _ := ids.EncodePylon(ids.EnvDev, 1)
	ws, _ := ids.EncodeWorkspace(p, 1)
	conv, _ := ids.EncodeConversation(ws, 1)
	return conv
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAddAndGetMessages(t *testing.T) {
	s := openTestStore(t)
	conv := testConvID(t)

	if _, err := s.AddUserText(conv, "m1", "hello"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddAssistantText(conv, "m2", "hi there"); err != nil {
		t.Fatal(err)
	}

	msgs, err := s.GetLatestMessages(conv, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].ID != "m1" || msgs[1].ID != "m2" {
		t.Fatalf("got %+v", msgs)
	}
}

func TestToolStartSummarizationBash(t *testing.T) {
	s := openTestStore(t)
	conv := testConvID(t)

	_, err := s.AddToolStart(conv, "t1", "Bash", map[string]any{
		"command":     "cmd1\ncmd2\ncmd3",
		"description": "d",
	}, "")
	if err != nil {
		t.Fatal(err)
	}

	msgs, _ := s.GetLatestMessages(conv, 10)
	var got map[string]any
	json.Unmarshal(msgs[0].ToolInput, &got)
	if got["command"] != "cmd1" || got["description"] != "d" {
		t.Fatalf("got %+v", got)
	}
}

func TestToolStartSummarizationRead(t *testing.T) {
	s := openTestStore(t)
	conv := testConvID(t)

	long := strings.Repeat("x", 2000)
	_, err := s.AddToolStart(conv, "t1", "Read", map[string]any{
		"file_path": "f",
		"extra":     long,
	}, "")
	if err != nil {
		t.Fatal(err)
	}

	msgs, _ := s.GetLatestMessages(conv, 10)
	var got map[string]any
	json.Unmarshal(msgs[0].ToolInput, &got)
	if len(got) != 1 || got["file_path"] != "f" {
		t.Fatalf("got %+v", got)
	}
}

func TestUpdateToolCompleteRewritesInPlace(t *testing.T) {
	s := openTestStore(t)
	conv := testConvID(t)

	start, err := s.AddToolStart(conv, "tu1", "Read", map[string]any{"file_path": "f"}, "parent1")
	if err != nil {
		t.Fatal(err)
	}

	if err := s.UpdateToolComplete(conv, "Read", true, "contents", ""); err != nil {
		t.Fatal(err)
	}

	msgs, _ := s.GetLatestMessages(conv, 10)
	if len(msgs) != 1 {
		t.Fatalf("expected in-place rewrite, got %d messages", len(msgs))
	}
	got := msgs[0]
	if got.ID != start.ID || got.ParentToolUseID != "parent1" {
		t.Fatalf("id/parent not preserved: %+v", got)
	}
	if got.Type != TypeToolComplete || got.Success == nil || !*got.Success {
		t.Fatalf("not rewritten to toolComplete: %+v", got)
	}
}

func TestUpdateToolCompleteNoMatchIsNoop(t *testing.T) {
	s := openTestStore(t)
	conv := testConvID(t)

	if err := s.UpdateToolComplete(conv, "Read", true, "out", ""); err != nil {
		t.Fatal(err)
	}
	msgs, _ := s.GetLatestMessages(conv, 10)
	if len(msgs) != 0 {
		t.Fatalf("expected no-op, got %+v", msgs)
	}
}

func TestToolOutputTruncation(t *testing.T) {
	s := openTestStore(t)
	conv := testConvID(t)

	s.AddToolStart(conv, "tu1", "Bash", map[string]any{"command": "c"}, "")
	longOutput := strings.Repeat("y", 2000)
	if err := s.UpdateToolComplete(conv, "Bash", true, longOutput, ""); err != nil {
		t.Fatal(err)
	}
	msgs, _ := s.GetLatestMessages(conv, 10)
	if !strings.Contains(msgs[0].Output, "chars total") {
		t.Fatalf("expected truncation marker, got %q", msgs[0].Output)
	}
	if !strings.Contains(msgs[0].Output, "(2000 chars total)") {
		t.Fatalf("expected suffix to report the true original length 2000, got %q", msgs[0].Output)
	}
}

func TestTrimMessagesKeepsNewest200(t *testing.T) {
	s := openTestStore(t)
	conv := testConvID(t)

	for i := 0; i < 250; i++ {
		if _, err := s.AddUserText(conv, "m"+strconv.Itoa(i), "text"); err != nil {
			t.Fatal(err)
		}
	}
	msgs, err := s.GetMessages(conv, PageOptions{Limit: 1000})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != MaxMessagesPerConversation {
		t.Fatalf("expected %d messages, got %d", MaxMessagesPerConversation, len(msgs))
	}
	if msgs[len(msgs)-1].ID != "m249" {
		t.Fatalf("expected newest message retained, got %s", msgs[len(msgs)-1].ID)
	}
	if msgs[0].ID != "m50" {
		t.Fatalf("expected oldest-retained to be m50, got %s", msgs[0].ID)
	}
}

func TestMigrateLegacyJSON(t *testing.T) {
	dir := t.TempDir()
	legacyDir := filepath.Join(dir, "legacy")
	backupDir := filepath.Join(dir, "legacy-backup")
	os.MkdirAll(legacyDir, 0o755)

	conv := testConvID(t)
	lf := legacyFile{Messages: []Message{
		{ID: "a", Role: RoleUser, Type: TypeUserText, Text: "hi"},
		{ID: "b", Role: RoleAssistant, Type: TypeAssistantText, Text: "hello"},
	}}
	data, _ := json.Marshal(lf)
	os.WriteFile(filepath.Join(legacyDir, strconv.FormatUint(uint64(conv), 10)+".json"), data, 0o644)

	s := openTestStore(t)
	if err := s.MigrateLegacyJSON(legacyDir, backupDir); err != nil {
		t.Fatal(err)
	}

	msgs, _ := s.GetLatestMessages(conv, 10)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 migrated messages, got %d", len(msgs))
	}

	if _, err := os.Stat(filepath.Join(backupDir, strconv.FormatUint(uint64(conv), 10)+".json")); err != nil {
		t.Fatalf("expected legacy file moved to backup dir: %v", err)
	}
	if _, err := os.Stat(filepath.Join(legacyDir, strconv.FormatUint(uint64(conv), 10)+".json")); !os.IsNotExist(err) {
		t.Fatal("expected legacy file removed from original location")
	}

	// Idempotent: running again is a no-op since backupDir now exists.
	if err := s.MigrateLegacyJSON(legacyDir, backupDir); err != nil {
		t.Fatal(err)
	}
	msgs, _ = s.GetLatestMessages(conv, 10)
	if len(msgs) != 2 {
		t.Fatalf("expected idempotent migration, got %d messages", len(msgs))
	}
}
