package feedback

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/the-spice-must-learn/internal/common"
	"github.com/Veraticus/the-spice-must-learn/internal/ingest"
	"github.com/Veraticus/the-spice-must-learn/internal/model"
	"github.com/Veraticus/the-spice-must-learn/internal/storage"
	"github.com/Veraticus/the-spice-must-learn/internal/testutil"
)

func TestRecorder(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	rec := NewRecorder(db, "test")

	id, err := rec.RecordCategory(ctx, Expense{Vendor: " Tim Hortons ", Description: "coffee", Amount: model.Float(5)}, " Coffee ")
	require.NoError(t, err)
	assert.Positive(t, id)

	_, err = rec.RecordAnomaly(ctx, Expense{Vendor: "costco", Amount: model.Float(50000)}, true, model.Float(-3.5))
	require.NoError(t, err)

	all, err := db.ListFeedback(ctx, storage.FeedbackFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)

	assert.Equal(t, model.FeedbackCategory, all[0].Kind)
	assert.Equal(t, "Tim Hortons", all[0].Vendor)
	assert.Equal(t, "Coffee", all[0].Category)
	assert.Equal(t, "test", all[0].Source)

	assert.Equal(t, model.FeedbackAnomaly, all[1].Kind)
	require.NotNil(t, all[1].IsAnomaly)
	assert.True(t, *all[1].IsAnomaly)
	require.NotNil(t, all[1].ModelScore)
	assert.InDelta(t, -3.5, *all[1].ModelScore, 1e-9)
}

func TestRecorder_Invalid(t *testing.T) {
	db := testutil.SetupTestDB(t)
	rec := NewRecorder(db, "test")
	ctx := context.Background()

	_, err := rec.RecordCategory(ctx, Expense{Vendor: "costco"}, "  ")
	assert.ErrorIs(t, err, common.ErrValidation)

	_, err = rec.RecordAnomaly(ctx, Expense{}, false, nil)
	assert.ErrorIs(t, err, common.ErrValidation)

	all, err := db.ListFeedback(ctx, storage.FeedbackFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestMerger_MergeInto(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	rec := NewRecorder(db, "test")

	path := filepath.Join(t.TempDir(), "training.csv")
	require.NoError(t, os.WriteFile(path, []byte("vendor,description,category,amount\nshell,gas,Fuel,40\n"), 0o644))

	for _, e := range []struct {
		expense  Expense
		category string
	}{
		{Expense{Vendor: "tim hortons", Description: "coffee", Amount: model.Float(5)}, "Coffee"},
		{Expense{Vendor: "shell", Description: "gas", Amount: model.Float(40)}, "Fuel"},           // already in file
		{Expense{Vendor: "tim hortons", Description: "coffee", Amount: model.Float(5)}, "Coffee"}, // repeated
		{Expense{Vendor: "costco", Description: "grocery"}, "Groceries"},
	} {
		_, err := rec.RecordCategory(ctx, e.expense, e.category)
		require.NoError(t, err)
	}
	_, err := rec.RecordAnomaly(ctx, Expense{Vendor: "costco", Amount: model.Float(9000)}, true, nil)
	require.NoError(t, err)

	res, err := NewMerger(db).MergeInto(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Pending)
	assert.Equal(t, 2, res.Appended)
	assert.Equal(t, 2, res.Duplicates)

	records, err := ingest.NewCSVReader(true).ReadFile(ctx, path)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "tim hortons coffee", records[1].Text)
	assert.Equal(t, "Coffee", records[1].Label)
	assert.Equal(t, "costco grocery", records[2].Text)
	assert.Nil(t, records[2].Amount)

	again, err := NewMerger(db).MergeInto(ctx, path)
	require.NoError(t, err)
	assert.Zero(t, again.Pending)
	assert.Zero(t, again.Appended)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "vendor,description,category,amount\nshell,gas,Fuel,40\ntim hortons,coffee,Coffee,5\ncostco,grocery,Groceries,\n", string(data))
}

func TestMerger_CreatesMissingFile(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	_, err := NewRecorder(db, "test").RecordCategory(ctx, Expense{Vendor: "netflix", Date: "2026-02-01"}, "Streaming")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "new.csv")
	res, err := NewMerger(db).MergeInto(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Appended)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "date,vendor,description,category,amount\n2026-02-01,netflix,,Streaming,\n", string(data))
}
