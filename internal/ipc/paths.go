// Package ipc implements the file-drop directory layout shared by the
// dispatch queue, container supervisor, and IPC watcher: the
// temp-file-then-rename handoff primitive that lets a host process and a
// sandboxed agent container exchange JSON without ever observing a
// partially-written file.
package ipc

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Subdirectory names under <data>/ipc/<folder>/.
const (
	DirMessages = "messages"
	DirTasks    = "tasks"
	DirInput    = "input"
	DirErrors   = "errors"
)

// CloseSentinel is the filename the host writes into input/ to signal the
// agent should exit.
const CloseSentinel = "_close"

// FolderRoot returns <data>/ipc/<folder>.
func FolderRoot(dataDir, folder string) string {
	return filepath.Join(dataDir, "ipc", folder)
}

// SubDir returns <data>/ipc/<folder>/<sub>.
func SubDir(dataDir, folder, sub string) string {
	return filepath.Join(FolderRoot(dataDir, folder), sub)
}

// EnsureDirs creates the messages/, tasks/, input/ subdirectories (each with
// an errors/ subdirectory of its own) for folder, idempotently.
func EnsureDirs(dataDir, folder string) error {
	for _, sub := range []string{DirMessages, DirTasks, DirInput} {
		if err := os.MkdirAll(SubDir(dataDir, folder, sub), 0o755); err != nil {
			return fmt.Errorf("create ipc dir %s/%s: %w", folder, sub, err)
		}
		if err := os.MkdirAll(filepath.Join(SubDir(dataDir, folder, sub), DirErrors), 0o755); err != nil {
			return fmt.Errorf("create ipc errors dir %s/%s: %w", folder, sub, err)
		}
	}
	return nil
}

// NewFilename mints a lexicographically-sortable filename: a millisecond
// timestamp prefix (so readers can sort by arrival order) plus a random
// suffix (so concurrent writers never collide).
func NewFilename() string {
	return fmt.Sprintf("%d-%s.json", time.Now().UnixMilli(), uuid.NewString()[:8])
}

// WriteAtomic writes data to <dir>/<filename> via a temp-file-then-rename,
// the cross-process handoff primitive: readers polling dir never observe a
// partially-written file, because the rename is atomic on the same
// filesystem.
func WriteAtomic(dir, filename string, data []byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create ipc dir %s: %w", dir, err)
	}
	tmp := filepath.Join(dir, filename+".tmp")
	final := filepath.Join(dir, filename)
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp ipc file %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename ipc file %s: %w", final, err)
	}
	return nil
}

// WriteInput drops a host-to-agent follow-up message into folder's input/ directory.
func WriteInput(dataDir, folder string, payload []byte) error {
	return WriteAtomic(SubDir(dataDir, folder, DirInput), NewFilename(), payload)
}

// WriteCloseSentinel drops the empty _close file into folder's input/
// directory, telling a live agent process to exit rather than block for
// more stdin.
func WriteCloseSentinel(dataDir, folder string) error {
	return WriteAtomic(SubDir(dataDir, folder, DirInput), CloseSentinel, []byte{})
}

// MoveToErrors relocates a malformed IPC file to the sibling errors/
// directory instead of deleting it, so an operator can inspect what an
// agent sent that failed to parse.
func MoveToErrors(dir, filename string) error {
	errDir := filepath.Join(dir, DirErrors)
	if err := os.MkdirAll(errDir, 0o755); err != nil {
		return err
	}
	return os.Rename(filepath.Join(dir, filename), filepath.Join(errDir, filename))
}
