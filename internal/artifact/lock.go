package artifact

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gofrs/flock"

	"github.com/Veraticus/the-spice-must-learn/internal/common"
)

// Lock takes the exclusive, non-blocking run lock for this purpose. The lock is
// released by the returned function or when the process exits.
func (s *Store) Lock(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fl := flock.New(s.LockPath())
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock %s: %w", s.LockPath(), err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", common.ErrLocked, s.LockPath())
	}
	return func() {
		if err := fl.Unlock(); err != nil {
			slog.Warn("Failed to release run lock", "path", s.LockPath(), "error", err)
		}
	}, nil
}
