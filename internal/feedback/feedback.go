// Package feedback records human corrections and folds category corrections
// back into the training data.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Veraticus/the-spice-must-learn/internal/ingest"
	"github.com/Veraticus/the-spice-must-learn/internal/model"
	"github.com/Veraticus/the-spice-must-learn/internal/storage"
)

// Store is the feedback log.
type Store interface {
	AppendFeedback(ctx context.Context, fb *model.Feedback) (int64, error)
	ListFeedback(ctx context.Context, filter storage.FeedbackFilter) ([]model.Feedback, error)
	MarkMerged(ctx context.Context, target string, ids []int64) error
}

// Recorder appends feedback entries. Entries are never edited once written.
type Recorder struct {
	store  Store
	source string
}

// NewRecorder creates a Recorder tagging entries with source.
func NewRecorder(store Store, source string) *Recorder {
	return &Recorder{store: store, source: source}
}

// Expense identifies the expense a piece of feedback is about.
type Expense struct {
	Amount      *float64
	Vendor      string
	Description string
	Date        string
}

// RecordCategory stores the correct category for an expense.
func (r *Recorder) RecordCategory(ctx context.Context, e Expense, category string) (int64, error) {
	fb := r.entry(model.FeedbackCategory, e)
	fb.Category = strings.TrimSpace(category)
	return r.append(ctx, fb)
}

// RecordAnomaly stores whether an expense really was anomalous, with the
// normal score the model gave it when known.
func (r *Recorder) RecordAnomaly(ctx context.Context, e Expense, isAnomaly bool, modelScore *float64) (int64, error) {
	fb := r.entry(model.FeedbackAnomaly, e)
	fb.IsAnomaly = &isAnomaly
	fb.ModelScore = modelScore
	return r.append(ctx, fb)
}

func (r *Recorder) entry(kind model.FeedbackKind, e Expense) *model.Feedback {
	return &model.Feedback{
		Kind:        kind,
		Vendor:      strings.TrimSpace(e.Vendor),
		Description: strings.TrimSpace(e.Description),
		Amount:      e.Amount,
		Date:        strings.TrimSpace(e.Date),
		Source:      r.source,
	}
}

func (r *Recorder) append(ctx context.Context, fb *model.Feedback) (int64, error) {
	id, err := r.store.AppendFeedback(ctx, fb)
	if err != nil {
		return 0, err
	}
	slog.Info("Recorded feedback",
		"id", id,
		"kind", fb.Kind,
		"vendor", fb.Vendor,
		"category", fb.Category)
	return id, nil
}

// MergeResult summarizes a merge.
type MergeResult struct {
	Target     string
	Pending    int
	Appended   int
	Duplicates int
}

// Merger copies category feedback into a training CSV.
type Merger struct {
	store Store
}

// NewMerger creates a Merger.
func NewMerger(store Store) *Merger {
	return &Merger{store: store}
}

// MergeInto appends every category correction not yet merged into csvPath.
// Rows already present in the file, or repeated within the feedback, are
// skipped. All pending entries are marked merged afterwards, skipped ones
// included, so the next merge does not look at them again.
func (m *Merger) MergeInto(ctx context.Context, csvPath string) (*MergeResult, error) {
	target, err := filepath.Abs(csvPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", csvPath, err)
	}
	res := &MergeResult{Target: target}

	pending, err := m.store.ListFeedback(ctx, storage.FeedbackFilter{
		Kind:        model.FeedbackCategory,
		UnmergedFor: target,
	})
	if err != nil {
		return nil, err
	}
	res.Pending = len(pending)
	if len(pending) == 0 {
		slog.Info("No feedback to merge", "target", target)
		return res, nil
	}

	existing, err := existingKeys(ctx, target)
	if err != nil {
		return nil, err
	}

	var (
		rows []ingest.Row
		ids  = make([]int64, 0, len(pending))
	)
	for _, fb := range pending {
		ids = append(ids, fb.ID)
		row := toRow(fb)
		key := rowKey(row)
		if existing[key] {
			res.Duplicates++
			continue
		}
		existing[key] = true
		rows = append(rows, row)
	}

	if len(rows) > 0 {
		if err := ingest.AppendRows(target, rows); err != nil {
			return nil, err
		}
	}
	res.Appended = len(rows)

	if err := m.store.MarkMerged(ctx, target, ids); err != nil {
		return nil, fmt.Errorf("rows appended to %s but not marked merged: %w", target, err)
	}
	slog.Info("Merged feedback",
		"target", target,
		"appended", res.Appended,
		"duplicates", res.Duplicates)
	return res, nil
}

func existingKeys(ctx context.Context, path string) (map[string]bool, error) {
	keys := make(map[string]bool)
	rows, err := readRows(ctx, path)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		keys[rowKey(row)] = true
	}
	return keys, nil
}

func toRow(fb model.Feedback) ingest.Row {
	row := ingest.Row{
		Vendor:      fb.Vendor,
		Description: fb.Description,
		Category:    fb.Category,
		Amount:      fb.Amount,
	}
	if fb.Date != "" {
		if d, err := ingest.ParseDate(fb.Date); err == nil {
			row.Date = d
		} else {
			slog.Warn("Dropping unparseable feedback date", "id", fb.ID, "date", fb.Date)
		}
	}
	return row
}

// rowKey identifies a row by every column the merge writes.
func rowKey(r ingest.Row) string {
	var amount, date string
	if r.Amount != nil {
		amount = strconv.FormatFloat(*r.Amount, 'f', -1, 64)
	}
	if !r.Date.IsZero() {
		date = r.Date.Format(time.DateOnly)
	}
	return strings.Join([]string{date, amount, r.Vendor, r.Description, r.Category}, "\x1f")
}

// readRows reads the rows already in the training CSV. A missing or empty file
// has none.
func readRows(ctx context.Context, path string) ([]ingest.Row, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.Size() == 0 {
		return nil, nil
	}
	return ingest.NewCSVReader(false).ReadRows(ctx, f)
}
