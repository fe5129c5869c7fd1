package storage

import (
	"context"
	"fmt"
	"log/slog"

	sq "github.com/Masterminds/squirrel"

	"github.com/Veraticus/the-spice-must-learn/internal/ledger"
	"github.com/Veraticus/the-spice-must-learn/internal/model"
)

// SQLiteLedger keeps one purpose's seen set in the seen_hashes table.
type SQLiteLedger struct {
	storage *SQLiteStorage
	purpose string
}

var _ ledger.Ledger = (*SQLiteLedger)(nil)

// Ledger returns the seen-record ledger for a model purpose.
func (s *SQLiteStorage) Ledger(purpose string) *SQLiteLedger {
	return &SQLiteLedger{storage: s, purpose: purpose}
}

// Load reads the seen set. Query or decode failures yield an empty set.
func (l *SQLiteLedger) Load(ctx context.Context) (ledger.SeenSet, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	rows, err := l.storage.query(ctx, sq.Select("hash").
		From("seen_hashes").
		Where(sq.Eq{"purpose": l.purpose}))
	if err != nil {
		slog.Warn("Ledger unreadable, starting empty", "purpose", l.purpose, "error", err)
		return ledger.SeenSet{}, nil
	}
	defer func() { _ = rows.Close() }()

	seen := ledger.SeenSet{}
	for rows.Next() {
		var hex string
		if err := rows.Scan(&hex); err != nil {
			slog.Warn("Ledger corrupt, starting empty", "purpose", l.purpose, "error", err)
			return ledger.SeenSet{}, nil
		}
		h, err := model.ParseRecordHash(hex)
		if err != nil {
			slog.Warn("Ledger corrupt, starting empty", "purpose", l.purpose, "error", err)
			return ledger.SeenSet{}, nil
		}
		seen.Add(h)
	}
	if err := rows.Err(); err != nil {
		slog.Warn("Ledger unreadable, starting empty", "purpose", l.purpose, "error", err)
		return ledger.SeenSet{}, nil
	}
	return seen, nil
}

// Save merges the set into the table in one transaction.
func (l *SQLiteLedger) Save(ctx context.Context, seen ledger.SeenSet) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	hashes := seen.Sorted()
	return l.storage.write(ctx, func() error {
		return l.save(ctx, hashes)
	})
}

func (l *SQLiteLedger) save(ctx context.Context, hashes []string) error {
	tx, err := l.storage.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO seen_hashes (purpose, hash) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare ledger insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, hex := range hashes {
		if _, err := stmt.ExecContext(ctx, l.purpose, hex); err != nil {
			return fmt.Errorf("failed to save ledger entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit ledger: %w", err)
	}
	return nil
}

// Reset forgets every hash for the purpose.
func (l *SQLiteLedger) Reset(ctx context.Context) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if _, err := l.storage.db.ExecContext(ctx,
		`DELETE FROM seen_hashes WHERE purpose = ?`, l.purpose); err != nil {
		return fmt.Errorf("failed to reset ledger: %w", err)
	}
	return nil
}

// Count returns the number of hashes recorded for the purpose.
func (l *SQLiteLedger) Count(ctx context.Context) (int, error) {
	var n int
	err := l.storage.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM seen_hashes WHERE purpose = ?`, l.purpose).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count ledger entries: %w", err)
	}
	return n, nil
}
