package storage

import (
	"context"
	"encoding/json"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/Veraticus/the-spice-must-learn/internal/model"
)

// SaveRun records the outcome of a training run.
func (s *SQLiteStorage) SaveRun(ctx context.Context, run *model.TrainingRun) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateRun(run); err != nil {
		return err
	}

	classes := run.Classes
	if classes == nil {
		classes = []string{}
	}
	classesJSON, err := json.Marshal(classes)
	if err != nil {
		return fmt.Errorf("failed to marshal classes: %w", err)
	}

	err = s.write(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO training_runs (id, purpose, mode, started_at, finished_at, total_records,
				new_records, classes, accuracy, eval_skipped, artifact_id, artifact_version)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID, run.Purpose, string(run.Mode), run.StartedAt.UTC(), run.FinishedAt.UTC(),
			run.TotalRecords, run.NewRecords, string(classesJSON), run.Accuracy, run.EvalSkipped,
			run.ArtifactID, run.ArtifactVersion)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to save training run: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs for a purpose, newest first. An empty
// purpose lists every purpose.
func (s *SQLiteStorage) ListRuns(ctx context.Context, purpose string, limit uint64) ([]model.TrainingRun, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	q := sq.Select("id", "purpose", "mode", "started_at", "finished_at", "total_records",
		"new_records", "classes", "accuracy", "eval_skipped", "artifact_id", "artifact_version").
		From("training_runs").
		OrderBy("started_at DESC", "id")
	if purpose != "" {
		q = q.Where(sq.Eq{"purpose": purpose})
	}
	if limit > 0 {
		q = q.Limit(limit)
	}

	rows, err := s.query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to query training runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []model.TrainingRun
	for rows.Next() {
		var (
			run         model.TrainingRun
			mode        string
			classesJSON string
		)
		if err := rows.Scan(&run.ID, &run.Purpose, &mode, &run.StartedAt, &run.FinishedAt,
			&run.TotalRecords, &run.NewRecords, &classesJSON, &run.Accuracy, &run.EvalSkipped,
			&run.ArtifactID, &run.ArtifactVersion); err != nil {
			return nil, fmt.Errorf("failed to scan training run: %w", err)
		}
		run.Mode = model.TrainingMode(mode)
		if err := json.Unmarshal([]byte(classesJSON), &run.Classes); err != nil {
			return nil, fmt.Errorf("failed to decode classes for run %s: %w", run.ID, err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate training runs: %w", err)
	}
	return runs, nil
}
