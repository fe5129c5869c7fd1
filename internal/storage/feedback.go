package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/Veraticus/the-spice-must-learn/internal/model"
)

// FeedbackFilter narrows ListFeedback.
type FeedbackFilter struct {
	Kind        model.FeedbackKind
	Since       time.Time
	Limit       uint64
	UnmergedFor string // only rows not yet merged into this target
}

// AppendFeedback inserts a feedback row. Existing rows are never modified.
func (s *SQLiteStorage) AppendFeedback(ctx context.Context, fb *model.Feedback) (int64, error) {
	if err := validateContext(ctx); err != nil {
		return 0, err
	}
	if err := validateFeedback(fb); err != nil {
		return 0, err
	}

	createdAt := fb.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	source := fb.Source
	if source == "" {
		source = "cli"
	}

	var isAnomaly sql.NullInt64
	if fb.IsAnomaly != nil {
		isAnomaly = sql.NullInt64{Valid: true}
		if *fb.IsAnomaly {
			isAnomaly.Int64 = 1
		}
	}

	var res sql.Result
	err := s.write(ctx, func() error {
		var err error
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO feedback (kind, vendor, description, amount, date, category,
				is_anomaly, model_score, source, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			string(fb.Kind), fb.Vendor, fb.Description, nullFloat(fb.Amount), fb.Date,
			fb.Category, isAnomaly, nullFloat(fb.ModelScore), source, createdAt)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to append feedback: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read feedback id: %w", err)
	}
	return id, nil
}

// ListFeedback returns feedback rows in insertion order.
func (s *SQLiteStorage) ListFeedback(ctx context.Context, filter FeedbackFilter) ([]model.Feedback, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	q := sq.Select("f.id", "f.kind", "f.vendor", "f.description", "f.amount", "f.date",
		"f.category", "f.is_anomaly", "f.model_score", "f.source", "f.created_at").
		From("feedback f").
		OrderBy("f.id")
	if filter.Kind != "" {
		q = q.Where(sq.Eq{"f.kind": string(filter.Kind)})
	}
	if !filter.Since.IsZero() {
		q = q.Where(sq.GtOrEq{"f.created_at": filter.Since.UTC()})
	}
	if filter.UnmergedFor != "" {
		q = q.Where("NOT EXISTS (SELECT 1 FROM feedback_merges m WHERE m.feedback_id = f.id AND m.target = ?)",
			filter.UnmergedFor)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	rows, err := s.query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to query feedback: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Feedback
	for rows.Next() {
		var (
			fb         model.Feedback
			kind       string
			amount     sql.NullFloat64
			isAnomaly  sql.NullInt64
			modelScore sql.NullFloat64
		)
		if err := rows.Scan(&fb.ID, &kind, &fb.Vendor, &fb.Description, &amount, &fb.Date,
			&fb.Category, &isAnomaly, &modelScore, &fb.Source, &fb.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan feedback: %w", err)
		}
		fb.Kind = model.FeedbackKind(kind)
		if amount.Valid {
			fb.Amount = model.Float(amount.Float64)
		}
		if modelScore.Valid {
			fb.ModelScore = model.Float(modelScore.Float64)
		}
		if isAnomaly.Valid {
			v := isAnomaly.Int64 == 1
			fb.IsAnomaly = &v
		}
		out = append(out, fb)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate feedback: %w", err)
	}
	return out, nil
}

// MarkMerged records that feedback rows were copied into target.
func (s *SQLiteStorage) MarkMerged(ctx context.Context, target string, ids []int64) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateString(target, "target"); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	return s.write(ctx, func() error {
		return s.markMerged(ctx, target, ids)
	})
}

func (s *SQLiteStorage) markMerged(ctx context.Context, target string, ids []int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO feedback_merges (feedback_id, target, merged_at) VALUES (?, ?, ?)`,
			id, target, now); err != nil {
			return fmt.Errorf("failed to mark feedback %d merged: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit merge marks: %w", err)
	}
	return nil
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}
