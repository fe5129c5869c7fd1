package trainer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/the-spice-must-learn/internal/anomaly"
	"github.com/Veraticus/the-spice-must-learn/internal/common"
	"github.com/Veraticus/the-spice-must-learn/internal/model"
	"github.com/Veraticus/the-spice-must-learn/internal/testutil"
)

func anomalyOptions(detector string) AnomalyOptions {
	opts := DefaultAnomalyOptions()
	opts.Buckets = testBuckets
	opts.Detector = detector
	return opts
}

func TestAnomalyRun_Lifecycle(t *testing.T) {
	h := newHarness(t, "anomaly")
	ctx := context.Background()
	records := testutil.TypicalExpenses(20)

	res, err := NewAnomalyTrainer(h.store, h.ledger, nil, anomalyOptions(anomaly.KindGaussian)).Run(ctx, records)
	require.NoError(t, err)
	assert.Equal(t, model.ModeBootstrap, res.Mode)
	assert.Equal(t, anomaly.KindGaussian, res.Detector)
	assert.Equal(t, 20, res.TrainedRecords)
	assert.True(t, res.Eval.Skipped)
	assert.Len(t, h.seen(t), 20)

	a, _, err := h.store.ReadLatest(ctx)
	require.NoError(t, err)
	assert.Equal(t, anomaly.KindGaussian, a.Kind)
	assert.True(t, a.Schema.UseAmount)

	res, err = NewAnomalyTrainer(h.store, h.ledger, nil, anomalyOptions(anomaly.KindGaussian)).Run(ctx, records)
	require.NoError(t, err)
	assert.Equal(t, model.ModeUpToDate, res.Mode)
	assert.Equal(t, int64(1), res.ArtifactVersion)
	assert.Len(t, h.snapshots(t), 1)

	more := append(records, model.NewRecord("costco", "grocery", "", model.Float(9999)))
	res, err = NewAnomalyTrainer(h.store, h.ledger, nil, anomalyOptions(anomaly.KindGaussian)).Run(ctx, more)
	require.NoError(t, err)
	assert.Equal(t, model.ModeFullRefit, res.Mode)
	assert.Equal(t, 1, res.NewRecords)
	assert.Equal(t, 21, res.TrainedRecords)
	assert.Equal(t, int64(2), res.ArtifactVersion)
}

func TestAnomalyRun_DetectorChangeRefits(t *testing.T) {
	h := newHarness(t, "anomaly")
	ctx := context.Background()
	records := testutil.TypicalExpenses(20)

	_, err := NewAnomalyTrainer(h.store, h.ledger, nil, anomalyOptions(anomaly.KindGaussian)).Run(ctx, records)
	require.NoError(t, err)

	for _, kind := range []string{anomaly.KindECOD, anomaly.KindForest, anomaly.KindFence} {
		res, err := NewAnomalyTrainer(h.store, h.ledger, nil, anomalyOptions(kind)).Run(ctx, records)
		require.NoError(t, err, kind)
		assert.Equal(t, model.ModeFullRefit, res.Mode, kind)

		a, _, err := h.store.ReadLatest(ctx)
		require.NoError(t, err)
		assert.Equal(t, kind, a.Kind)
	}
}

func TestAnomalyRun_TooFewRecordsIsSkipped(t *testing.T) {
	h := newHarness(t, "anomaly")
	db := testutil.SetupTestDB(t)
	records := []model.Record{model.NewRecord("costco", "grocery", "", model.Float(50))}

	res, err := NewAnomalyTrainer(h.store, h.ledger, db, anomalyOptions(anomaly.KindGaussian)).Run(context.Background(), records)
	require.NoError(t, err)
	assert.Equal(t, model.ModeSkipped, res.Mode)
	assert.Contains(t, res.SkipReason, common.ErrInsufficientData.Error())
	assert.NoFileExists(t, h.store.PointerPath())

	runs, err := db.ListRuns(context.Background(), "anomaly", 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, model.ModeSkipped, runs[0].Mode)
}

func TestAnomalyRun_Validation(t *testing.T) {
	h := newHarness(t, "anomaly")
	records := []model.Record{
		model.NewRecord("costco", "grocery", "", model.Float(50)),
		model.NewRecord("", "", "", nil),
	}

	_, err := NewAnomalyTrainer(h.store, h.ledger, nil, anomalyOptions(anomaly.KindGaussian)).Run(context.Background(), records)
	require.ErrorIs(t, err, common.ErrValidation)

	var ve *common.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, 2, ve.Row)
	assert.NoFileExists(t, h.store.PointerPath())
}

func TestAnomalyRun_UnknownDetector(t *testing.T) {
	h := newHarness(t, "anomaly")
	_, err := NewAnomalyTrainer(h.store, h.ledger, nil, anomalyOptions("svm")).Run(context.Background(), testutil.TypicalExpenses(5))
	assert.ErrorIs(t, err, anomaly.ErrUnknownKind)
	assert.NoFileExists(t, h.store.PointerPath())
}

func TestObservationHash(t *testing.T) {
	day := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	base := model.NewRecord("costco", "grocery", "", model.Float(50))
	dated := base
	dated.Date = day
	other := model.NewRecord("costco", "grocery", "", model.Float(51))
	labeled := model.NewRecord("costco", "grocery", "Groceries", model.Float(50))
	noAmount := model.NewRecord("costco", "grocery", "", nil)

	assert.Equal(t, ObservationHash(base), ObservationHash(model.NewRecord("Costco ", "grocery", "", model.Float(50))))
	for name, r := range map[string]model.Record{
		"date":      dated,
		"amount":    other,
		"label":     labeled,
		"no amount": noAmount,
	} {
		assert.NotEqual(t, ObservationHash(base), ObservationHash(r), name)
	}
	assert.NotEqual(t, base.Hash(), ObservationHash(base))
}
