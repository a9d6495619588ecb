package message

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/nextlevelbuilder/pylonrelay/internal/ids"
)

// legacyFile mirrors the pre-SQLite per-conversation JSON layout:
// one file per conversation, named "<convId>.json", holding an object
// whose "messages" field is an array of messages in chronological order.
type legacyFile struct {
	Messages []Message `json:"messages"`
}

// MigrateLegacyJSON detects a legacy per-conversation JSON layout under
// legacyDir on first open, imports each file's messages into the store,
// and relocates the originals into backupDir. Idempotent: if backupDir
// already exists, migration is skipped entirely (§4.3).
func (s *Store) MigrateLegacyJSON(legacyDir, backupDir string) error {
	if _, err := os.Stat(backupDir); err == nil {
		return nil // already migrated
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("message: stat backup dir: %w", err)
	}

	entries, err := os.ReadDir(legacyDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // nothing to migrate
		}
		return fmt.Errorf("message: read legacy dir: %w", err)
	}

	var toMove []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		convIDStr := strings.TrimSuffix(e.Name(), ".json")
		convIDNum, err := strconv.ParseUint(convIDStr, 10, 32)
		if err != nil {
			continue // not a conversation file
		}
		convID := ids.ConvId(convIDNum)

		path := filepath.Join(legacyDir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("message: read legacy file %s: %w", e.Name(), err)
		}

		var lf legacyFile
		if err := json.Unmarshal(data, &lf); err != nil {
			return fmt.Errorf("message: parse legacy file %s: %w", e.Name(), err)
		}

		for i := range lf.Messages {
			m := lf.Messages[i]
			m.ConvID = convID
			if err := s.insert(&m); err != nil {
				return fmt.Errorf("message: import %s: %w", e.Name(), err)
			}
		}
		if err := s.TrimMessages(convID); err != nil {
			return err
		}
		toMove = append(toMove, e.Name())
	}

	if len(toMove) == 0 {
		return nil
	}

	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return fmt.Errorf("message: create backup dir: %w", err)
	}
	for _, name := range toMove {
		src := filepath.Join(legacyDir, name)
		dst := filepath.Join(backupDir, name)
		if err := os.Rename(src, dst); err != nil {
			return fmt.Errorf("message: move legacy file %s: %w", name, err)
		}
	}
	return nil
}
