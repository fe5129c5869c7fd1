package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Veraticus/the-spice-must-learn/internal/common"
)

const (
	modelExt          = ".model"
	snapshotTimestamp = "20060102T150405Z"
	pointerPerm       = 0o644
	snapshotPerm      = 0o444
)

// SnapshotInfo describes one snapshot file.
type SnapshotInfo struct {
	CreatedAt time.Time
	Err       error
	Path      string
	ID        string
	Kind      string
	Size      int64
	Version   int64
	Valid     bool
}

// Store manages the files of one model purpose inside a directory.
type Store struct {
	dir     string
	purpose string
}

// NewStore returns a store for purpose, creating dir if needed.
func NewStore(dir, purpose string) (*Store, error) {
	if strings.TrimSpace(purpose) == "" || strings.ContainsAny(purpose, `/\`) || strings.HasPrefix(purpose, ".") {
		return nil, fmt.Errorf("%w: invalid model purpose %q", common.ErrInvalidConfig, purpose)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create model directory: %w", err)
	}
	return &Store{dir: dir, purpose: purpose}, nil
}

// Dir returns the model directory.
func (s *Store) Dir() string { return s.dir }

// Purpose returns the model purpose.
func (s *Store) Purpose() string { return s.purpose }

// PointerPath is the file serving processes read.
func (s *Store) PointerPath() string {
	return filepath.Join(s.dir, s.purpose+modelExt)
}

// LockPath is the file guarding training runs.
func (s *Store) LockPath() string {
	return filepath.Join(s.dir, s.purpose+".lock")
}

func (s *Store) snapshotName(version int64, at time.Time) string {
	return fmt.Sprintf("%s-v%06d-%s%s", s.purpose, version, at.UTC().Format(snapshotTimestamp), modelExt)
}

// parseSnapshotVersion extracts the version from a snapshot file name.
func (s *Store) parseSnapshotVersion(name string) (int64, bool) {
	rest, ok := strings.CutPrefix(name, s.purpose+"-v")
	if !ok || !strings.HasSuffix(rest, modelExt) {
		return 0, false
	}
	digits, _, ok := strings.Cut(rest, "-")
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || v < 1 {
		return 0, false
	}
	return v, true
}

// WriteAtomic assigns the next version to a and publishes it as a new snapshot and
// then as the pointer. It returns both paths.
func (s *Store) WriteAtomic(ctx context.Context, a *Artifact) (string, string, error) {
	if err := ctx.Err(); err != nil {
		return "", "", err
	}
	if a.Purpose != s.purpose {
		return "", "", fmt.Errorf("artifact purpose %q does not match store purpose %q", a.Purpose, s.purpose)
	}

	next, err := s.nextVersion()
	if err != nil {
		return "", "", err
	}
	a.Version = next
	data, err := Encode(a)
	if err != nil {
		return "", "", err
	}

	snapshot := filepath.Join(s.dir, s.snapshotName(a.Version, a.CreatedAt))
	if err := writeFileAtomic(snapshot, data, snapshotPerm); err != nil {
		return "", "", fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := writeFileAtomic(s.PointerPath(), data, pointerPerm); err != nil {
		return "", "", fmt.Errorf("failed to publish pointer: %w", err)
	}

	common.LogInfo("Published model artifact", common.Fields{
		"purpose": s.purpose,
		"version": a.Version,
		"id":      a.ID,
		"kind":    a.Kind,
		"path":    s.PointerPath(),
	})
	return s.PointerPath(), snapshot, nil
}

// nextVersion is one past the highest version named by any snapshot or held by
// the pointer.
func (s *Store) nextVersion() (int64, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to list model directory: %w", err)
	}
	var highest int64
	for _, e := range entries {
		if v, ok := s.parseSnapshotVersion(e.Name()); ok && v > highest {
			highest = v
		}
	}
	if a, _, err := s.ReadLatest(context.Background()); err == nil && a.Version > highest {
		highest = a.Version
	}
	return highest + 1, nil
}

// ReadLatest decodes the pointer. It returns common.ErrNotReady when the
// pointer does not exist and common.ErrCorruptArtifact when it cannot be used.
func (s *Store) ReadLatest(ctx context.Context) (*Artifact, os.FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	f, err := os.Open(s.PointerPath())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, fmt.Errorf("%w: no %s model at %s", common.ErrNotReady, s.purpose, s.PointerPath())
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open model pointer: %w", err)
	}
	defer func() { _ = f.Close() }()

	// Stat the open handle so info describes exactly the bytes decoded below.
	info, err := f.Stat()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to stat model pointer: %w", err)
	}
	data, err := readAll(f, info.Size())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read model pointer: %w", err)
	}
	a, err := Decode(data)
	if err != nil {
		return nil, info, err
	}
	if a.Purpose != s.purpose {
		return nil, info, fmt.Errorf("%w: pointer holds purpose %q", common.ErrCorruptArtifact, a.Purpose)
	}
	return a, info, nil
}

// ListSnapshots returns every snapshot, oldest first. Snapshots that fail to
// decode are included with Valid set to false.
func (s *Store) ListSnapshots(ctx context.Context) ([]SnapshotInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list model directory: %w", err)
	}

	var out []SnapshotInfo
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		version, ok := s.parseSnapshotVersion(e.Name())
		if !ok {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		info := SnapshotInfo{Path: path, Version: version}
		data, err := os.ReadFile(path)
		if err == nil {
			info.Size = int64(len(data))
			var a *Artifact
			a, err = Decode(data)
			if err == nil && (a.Version != version || a.Purpose != s.purpose) {
				err = fmt.Errorf("%w: snapshot name says v%d, content says %s v%d",
					common.ErrCorruptArtifact, version, a.Purpose, a.Version)
			}
			if err == nil {
				info.ID = a.ID
				info.Kind = a.Kind
				info.CreatedAt = a.CreatedAt
				info.Valid = true
			}
		}
		info.Err = err
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Version != out[j].Version {
			return out[i].Version < out[j].Version
		}
		return out[i].Path < out[j].Path
	})
	return out, nil
}

// Repair republishes the newest valid snapshot as the pointer.
func (s *Store) Repair(ctx context.Context) (*SnapshotInfo, error) {
	snaps, err := s.ListSnapshots(ctx)
	if err != nil {
		return nil, err
	}
	for i := len(snaps) - 1; i >= 0; i-- {
		if !snaps[i].Valid {
			slog.Warn("Skipping corrupt snapshot", "path", snaps[i].Path, "error", snaps[i].Err)
			continue
		}
		if err := s.republish(snaps[i]); err != nil {
			return nil, err
		}
		slog.Warn("Repaired model pointer from snapshot",
			"purpose", s.purpose,
			"version", snaps[i].Version,
			"snapshot", snaps[i].Path)
		return &snaps[i], nil
	}
	return nil, fmt.Errorf("%w: no valid %s snapshot to repair from", common.ErrCorruptArtifact, s.purpose)
}

// Rollback republishes the snapshot with the given version as the pointer.
func (s *Store) Rollback(ctx context.Context, version int64) (*SnapshotInfo, error) {
	snaps, err := s.ListSnapshots(ctx)
	if err != nil {
		return nil, err
	}
	for i := range snaps {
		if snaps[i].Version != version {
			continue
		}
		if !snaps[i].Valid {
			return nil, fmt.Errorf("snapshot v%d: %w", version, snaps[i].Err)
		}
		if err := s.republish(snaps[i]); err != nil {
			return nil, err
		}
		slog.Info("Rolled back model pointer", "purpose", s.purpose, "version", version)
		return &snaps[i], nil
	}
	return nil, fmt.Errorf("%w: no %s snapshot with version %d", common.ErrNotReady, s.purpose, version)
}

func (s *Store) republish(snap SnapshotInfo) error {
	data, err := os.ReadFile(snap.Path)
	if err != nil {
		return fmt.Errorf("failed to read snapshot: %w", err)
	}
	if err := writeFileAtomic(s.PointerPath(), data, pointerPerm); err != nil {
		return fmt.Errorf("failed to publish pointer: %w", err)
	}
	return nil
}

// Prune deletes all but the newest keep snapshots. The pointer is never touched.
func (s *Store) Prune(ctx context.Context, keep int) ([]string, error) {
	if keep < 1 {
		return nil, fmt.Errorf("%w: must keep at least one snapshot", common.ErrInvalidConfig)
	}
	snaps, err := s.ListSnapshots(ctx)
	if err != nil {
		return nil, err
	}
	if len(snaps) <= keep {
		return nil, nil
	}
	var removed []string
	for _, snap := range snaps[:len(snaps)-keep] {
		if err := os.Remove(snap.Path); err != nil {
			return removed, fmt.Errorf("failed to remove snapshot: %w", err)
		}
		removed = append(removed, snap.Path)
	}
	slog.Info("Pruned snapshots", "purpose", s.purpose, "removed", len(removed), "kept", keep)
	return removed, nil
}

// writeFileAtomic publishes data at path through a synced temporary file in
// the same directory.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp := filepath.Join(dir, "."+filepath.Base(path)+"."+uuid.NewString()+".tmp")
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(tmp)
	}
	if _, err := f.Write(data); err != nil {
		cleanup()
		return err
	}
	if err := f.Sync(); err != nil {
		cleanup()
		return err
	}
	if err := f.Chmod(perm); err != nil {
		cleanup()
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	syncDir(dir)
	return nil
}

// syncDir flushes a rename to disk where the platform allows it.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

func readAll(f *os.File, size int64) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, size))
	if _, err := buf.ReadFrom(f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
