package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/Veraticus/the-spice-must-learn/internal/model"
)

// FileLedger stores the seen set as a JSON array of sorted hex hashes.
type FileLedger struct {
	path string
}

var _ Ledger = (*FileLedger)(nil)

// NewFileLedger creates a ledger backed by path.
func NewFileLedger(path string) *FileLedger {
	return &FileLedger{path: path}
}

// Path returns the ledger file location.
func (l *FileLedger) Path() string {
	return l.path
}

// Load reads the ledger. Absent or corrupt files yield an empty set.
func (l *FileLedger) Load(_ context.Context) (SeenSet, error) {
	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return SeenSet{}, nil
	}
	if err != nil {
		slog.Warn("Ledger unreadable, starting empty", "path", l.path, "error", err)
		return SeenSet{}, nil
	}

	var hexes []string
	if err := json.Unmarshal(data, &hexes); err != nil {
		slog.Warn("Ledger corrupt, starting empty", "path", l.path, "error", err)
		return SeenSet{}, nil
	}

	seen := make(SeenSet, len(hexes))
	for _, s := range hexes {
		h, err := model.ParseRecordHash(s)
		if err != nil {
			slog.Warn("Ledger corrupt, starting empty", "path", l.path, "error", err)
			return SeenSet{}, nil
		}
		seen.Add(h)
	}
	return seen, nil
}

// Save replaces the ledger file atomically.
func (l *FileLedger) Save(_ context.Context, seen SeenSet) error {
	data, err := json.Marshal(seen.Sorted())
	if err != nil {
		return fmt.Errorf("failed to marshal ledger: %w", err)
	}

	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create ledger directory: %w", err)
	}

	tmp := filepath.Join(dir, fmt.Sprintf(".%s.%s.tmp", filepath.Base(l.path), uuid.NewString()))
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write ledger: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace ledger: %w", err)
	}
	return nil
}

// Reset removes the ledger file.
func (l *FileLedger) Reset(_ context.Context) error {
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to reset ledger: %w", err)
	}
	return nil
}
