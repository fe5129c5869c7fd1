package trainer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/the-spice-must-learn/internal/artifact"
	"github.com/Veraticus/the-spice-must-learn/internal/classifier"
	"github.com/Veraticus/the-spice-must-learn/internal/common"
	"github.com/Veraticus/the-spice-must-learn/internal/ledger"
	"github.com/Veraticus/the-spice-must-learn/internal/model"
	"github.com/Veraticus/the-spice-must-learn/internal/testutil"
)

const testBuckets = 1 << 10

type harness struct {
	store  *artifact.Store
	ledger *ledger.FileLedger
	dir    string
}

func newHarness(t *testing.T, purpose string) harness {
	t.Helper()
	dir := t.TempDir()
	store, err := artifact.NewStore(dir, purpose)
	require.NoError(t, err)
	return harness{
		store:  store,
		ledger: ledger.NewFileLedger(filepath.Join(dir, purpose+".seen.json")),
		dir:    dir,
	}
}

func (h harness) trainer(opts Options) *Trainer {
	return New(h.store, h.ledger, nil, opts)
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.Buckets = testBuckets
	return opts
}

func (h harness) seen(t *testing.T) ledger.SeenSet {
	t.Helper()
	seen, err := h.ledger.Load(context.Background())
	require.NoError(t, err)
	return seen
}

func (h harness) snapshots(t *testing.T) []artifact.SnapshotInfo {
	t.Helper()
	snaps, err := h.store.ListSnapshots(context.Background())
	require.NoError(t, err)
	return snaps
}

func scenarioA() []model.Record {
	return testutil.NewRecordBuilder().
		With("costco", "grocery", testutil.CategoryGroceries, 50).
		With("shell", "gas", testutil.CategoryFuel, 40).
		Records()
}

func TestRun_Bootstrap(t *testing.T) {
	h := newHarness(t, "category")
	ctx := context.Background()

	res, err := h.trainer(testOptions()).Run(ctx, scenarioA())
	require.NoError(t, err)

	assert.Equal(t, model.ModeBootstrap, res.Mode)
	assert.ElementsMatch(t, []string{testutil.CategoryGroceries, testutil.CategoryFuel}, res.Classes)
	assert.Equal(t, 2, res.NewRecords)
	assert.Equal(t, int64(1), res.ArtifactVersion)
	assert.True(t, res.Eval.Skipped)
	assert.Zero(t, res.Eval.Accuracy)

	assert.Len(t, h.seen(t), 2)
	assert.FileExists(t, h.store.PointerPath())
	assert.Len(t, h.snapshots(t), 1)
}

func TestRun_UnseenLabelTriggersFullRefit(t *testing.T) {
	h := newHarness(t, "category")
	ctx := context.Background()
	tr := h.trainer(testOptions())

	_, err := tr.Run(ctx, scenarioA())
	require.NoError(t, err)

	records := append(scenarioA(), model.NewRecord("tim hortons", "coffee", testutil.CategoryCoffee, model.Float(5)))
	res, err := tr.Run(ctx, records)
	require.NoError(t, err)

	assert.Equal(t, model.ModeFullRefit, res.Mode)
	assert.ElementsMatch(t, []string{testutil.CategoryGroceries, testutil.CategoryFuel, testutil.CategoryCoffee}, res.Classes)
	assert.Equal(t, []string{testutil.CategoryCoffee}, res.NewClasses)
	assert.Equal(t, 1, res.NewRecords)
	assert.Equal(t, 3, res.TrainedRecords)
	assert.Equal(t, int64(2), res.ArtifactVersion)
	assert.Len(t, h.seen(t), 3)
}

func TestRun_Idempotent(t *testing.T) {
	h := newHarness(t, "category")
	ctx := context.Background()
	tr := h.trainer(testOptions())

	first, err := tr.Run(ctx, scenarioA())
	require.NoError(t, err)
	before, err := os.ReadFile(h.store.PointerPath())
	require.NoError(t, err)

	second, err := tr.Run(ctx, scenarioA())
	require.NoError(t, err)
	assert.Equal(t, model.ModeUpToDate, second.Mode)
	assert.Equal(t, first.ArtifactID, second.ArtifactID)
	assert.Equal(t, first.ArtifactVersion, second.ArtifactVersion)

	after, err := os.ReadFile(h.store.PointerPath())
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Len(t, h.snapshots(t), 1)
	assert.Len(t, h.seen(t), 2)
}

func TestRun_PartialUpdate(t *testing.T) {
	h := newHarness(t, "category")
	ctx := context.Background()
	tr := h.trainer(testOptions())

	_, err := tr.Run(ctx, scenarioA())
	require.NoError(t, err)

	records := append(scenarioA(), model.NewRecord("kroger", "grocery", testutil.CategoryGroceries, model.Float(30)))
	res, err := tr.Run(ctx, records)
	require.NoError(t, err)
	assert.Equal(t, model.ModePartial, res.Mode)
	assert.Equal(t, 1, res.TrainedRecords)
	assert.Empty(t, res.NewClasses)
	assert.Equal(t, int64(2), res.ArtifactVersion)
	assert.Len(t, h.seen(t), 3)
}

func TestRun_RegisteredClassesNeverShrink(t *testing.T) {
	h := newHarness(t, "category")
	ctx := context.Background()
	tr := h.trainer(testOptions())

	_, err := tr.Run(ctx, scenarioA())
	require.NoError(t, err)

	// The next input no longer mentions Groceries or Fuel at all.
	only := testutil.NewRecordBuilder().With("netflix", "subscription", testutil.CategoryStreaming, 15).Records()
	res, err := tr.Run(ctx, only)
	require.NoError(t, err)
	assert.Equal(t, model.ModeFullRefit, res.Mode)
	assert.Equal(t, []string{testutil.CategoryFuel, testutil.CategoryGroceries, testutil.CategoryStreaming}, res.Classes)

	a, _, err := h.store.ReadLatest(ctx)
	require.NoError(t, err)
	clf, err := classifier.Unmarshal(a.Payload)
	require.NoError(t, err)
	assert.Equal(t, res.Classes, clf.RegisteredClasses())
}

func TestRun_ValidationFailsWholeRun(t *testing.T) {
	tests := []struct {
		name    string
		records []model.Record
		field   string
	}{
		{
			name: "empty label",
			records: []model.Record{
				model.NewRecord("costco", "grocery", "Groceries", nil),
				model.NewRecord("shell", "gas", "", nil),
			},
			field: "category",
		},
		{
			name:    "empty text",
			records: []model.Record{model.NewRecord("  ", "", "Groceries", nil)},
			field:   "text",
		},
		{
			name:    "text without usable tokens",
			records: []model.Record{model.NewRecord("a", "-", "Groceries", nil)},
			field:   "text",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, "category")
			_, err := h.trainer(testOptions()).Run(context.Background(), tt.records)
			require.ErrorIs(t, err, common.ErrValidation)

			var ve *common.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)

			assert.NoFileExists(t, h.store.PointerPath())
			assert.Empty(t, h.seen(t))
		})
	}
}

func TestRun_EvaluatesWithEnoughData(t *testing.T) {
	h := newHarness(t, "category")
	records := testutil.NewRecordBuilder().WithStandardSet().Records()

	res, err := h.trainer(testOptions()).Run(context.Background(), records)
	require.NoError(t, err)
	assert.False(t, res.Eval.Skipped)
	assert.Equal(t, 3, res.Eval.Holdout)
	assert.Greater(t, res.Eval.Accuracy, 0.5)
}

func TestRun_SchemaChangeRefits(t *testing.T) {
	h := newHarness(t, "category")
	ctx := context.Background()

	_, err := h.trainer(testOptions()).Run(ctx, scenarioA())
	require.NoError(t, err)

	wider := testOptions()
	wider.Buckets = testBuckets * 2
	res, err := h.trainer(wider).Run(ctx, scenarioA())
	require.NoError(t, err)
	assert.Equal(t, model.ModeFullRefit, res.Mode)
	assert.Equal(t, 2, res.TrainedRecords)

	a, _, err := h.store.ReadLatest(ctx)
	require.NoError(t, err)
	assert.Equal(t, testBuckets*2, a.Schema.Buckets)
}

func TestRun_StaleLedgerWithoutArtifact(t *testing.T) {
	h := newHarness(t, "category")
	ctx := context.Background()
	records := scenarioA()
	require.NoError(t, h.ledger.Save(ctx, ledger.NewSeenSet(records[0].Hash(), records[1].Hash())))

	res, err := h.trainer(testOptions()).Run(ctx, records)
	require.NoError(t, err)
	assert.Equal(t, model.ModeBootstrap, res.Mode)
	assert.Equal(t, 2, res.TrainedRecords)
	assert.FileExists(t, h.store.PointerPath())
}

func TestRun_RepairsMissingPointer(t *testing.T) {
	h := newHarness(t, "category")
	ctx := context.Background()
	tr := h.trainer(testOptions())

	_, err := tr.Run(ctx, scenarioA())
	require.NoError(t, err)
	require.NoError(t, os.Remove(h.store.PointerPath()))

	records := append(scenarioA(), model.NewRecord("kroger", "grocery", testutil.CategoryGroceries, nil))
	res, err := tr.Run(ctx, records)
	require.NoError(t, err)
	assert.Equal(t, model.ModePartial, res.Mode)
	assert.Equal(t, int64(2), res.ArtifactVersion)
}

func TestRun_CorruptWithoutValidSnapshotIsFatal(t *testing.T) {
	h := newHarness(t, "category")
	ctx := context.Background()
	require.NoError(t, os.WriteFile(h.store.PointerPath(), []byte("junk"), 0o644))

	_, err := h.trainer(testOptions()).Run(ctx, scenarioA())
	assert.ErrorIs(t, err, common.ErrCorruptArtifact)
}

func TestRun_Locked(t *testing.T) {
	h := newHarness(t, "category")
	ctx := context.Background()

	unlock, err := h.store.Lock(ctx)
	require.NoError(t, err)
	defer unlock()

	_, err = h.trainer(testOptions()).Run(ctx, scenarioA())
	assert.ErrorIs(t, err, common.ErrLocked)
}

func TestRun_CancelledPersistsNothing(t *testing.T) {
	h := newHarness(t, "category")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.trainer(testOptions()).Run(ctx, scenarioA())
	assert.ErrorIs(t, err, context.Canceled)
	assert.NoFileExists(t, h.store.PointerPath())
	assert.Empty(t, h.seen(t))
}

func TestRun_NoRecordsIsSkipped(t *testing.T) {
	h := newHarness(t, "category")
	res, err := h.trainer(testOptions()).Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, model.ModeSkipped, res.Mode)
	assert.Contains(t, res.SkipReason, common.ErrInsufficientData.Error())
	assert.NoFileExists(t, h.store.PointerPath())
}

func TestRun_ProgressAndRunHistory(t *testing.T) {
	h := newHarness(t, "category")
	ctx := context.Background()
	db := testutil.SetupTestDB(t)

	var calls [][2]int
	opts := testOptions()
	opts.BatchSize = 5
	opts.Progress = func(done, total int) { calls = append(calls, [2]int{done, total}) }

	records := testutil.NewRecordBuilder().WithStandardSet().Records()
	res, err := New(h.store, db.Ledger("category"), db, opts).Run(ctx, records)
	require.NoError(t, err)
	assert.Equal(t, [][2]int{{5, 12}, {10, 12}, {12, 12}}, calls)

	again, err := New(h.store, db.Ledger("category"), db, opts).Run(ctx, records)
	require.NoError(t, err)
	require.Equal(t, model.ModeUpToDate, again.Mode)

	runs, err := db.ListRuns(ctx, "category", 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	modes := map[model.TrainingMode]model.TrainingRun{}
	for _, r := range runs {
		modes[r.Mode] = r
	}
	require.Contains(t, modes, model.ModeBootstrap)
	require.Contains(t, modes, model.ModeUpToDate)
	assert.Equal(t, res.ArtifactID, modes[model.ModeBootstrap].ArtifactID)
	assert.Equal(t, 12, modes[model.ModeBootstrap].TotalRecords)
	assert.Equal(t, res.ArtifactID, modes[model.ModeUpToDate].ArtifactID)
	assert.Equal(t, 0, modes[model.ModeUpToDate].NewRecords)
	assert.True(t, modes[model.ModeUpToDate].EvalSkipped)

	count, err := db.Ledger("category").Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 12, count)
}

func TestRun_Metrics(t *testing.T) {
	h := newHarness(t, "metrics-check")
	ctx := context.Background()
	tr := h.trainer(testOptions())

	before := promtest.ToFloat64(runsTotal.WithLabelValues("metrics-check", string(model.ModeUpToDate)))
	_, err := tr.Run(ctx, scenarioA())
	require.NoError(t, err)
	_, err = tr.Run(ctx, scenarioA())
	require.NoError(t, err)

	assert.InDelta(t, before+1, promtest.ToFloat64(runsTotal.WithLabelValues("metrics-check", string(model.ModeUpToDate))), 1e-9)
	assert.InDelta(t, 2, promtest.ToFloat64(recordsTrained.WithLabelValues("metrics-check")), 1e-9)
}

func TestStratifiedHoldout(t *testing.T) {
	labels := []string{"a", "a", "a", "a", "a", "b", "b", "b", "b", "b", "c"}
	got := stratifiedHoldout(labels, 0.2, 42)

	counts := map[string]int{}
	for _, i := range got {
		counts[labels[i]]++
	}
	assert.Equal(t, map[string]int{"a": 1, "b": 1}, counts)
	assert.IsIncreasing(t, got)
	assert.Equal(t, got, stratifiedHoldout(labels, 0.2, 42))
}
