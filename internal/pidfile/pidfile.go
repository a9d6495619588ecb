// Package pidfile manages a process's PID file, extrapolated from the
// teacher's atomic temp-file-then-rename persistence idiom (seen in
// sessions.Manager.Save and workspace.Store.Save) since no pidfile
// utility exists in the retrieved teacher pack.
package pidfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ExistingPIDFunc is invoked with the PID found in an already-present
// pidfile before it is overwritten, letting the caller decide whether to
// signal/kill the old process.
type ExistingPIDFunc func(pid int)

// Create writes the current process's PID to path, invoking onExisting
// first if a pidfile is already present and parses to a valid PID.
func Create(path string, onExisting ExistingPIDFunc) error {
	if data, err := os.ReadFile(path); err == nil {
		if pid, perr := strconv.Atoi(strings.TrimSpace(string(data))); perr == nil && pid > 0 {
			if onExisting != nil {
				onExisting(pid)
			}
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("pidfile: read %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "pidfile-*.tmp")
	if err != nil {
		return fmt.Errorf("pidfile: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := fmt.Fprintf(tmp, "%d", os.Getpid()); err != nil {
		tmp.Close()
		return fmt.Errorf("pidfile: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("pidfile: sync: %w", err)
	}
	tmp.Close()

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("pidfile: rename: %w", err)
	}
	cleanup = false
	return nil
}

// Remove deletes the pidfile, ignoring a not-found error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("pidfile: remove %s: %w", path, err)
	}
	return nil
}
