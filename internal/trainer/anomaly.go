package trainer

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/Veraticus/the-spice-must-learn/internal/anomaly"
	"github.com/Veraticus/the-spice-must-learn/internal/artifact"
	"github.com/Veraticus/the-spice-must-learn/internal/common"
	"github.com/Veraticus/the-spice-must-learn/internal/encoder"
	"github.com/Veraticus/the-spice-must-learn/internal/ledger"
	"github.com/Veraticus/the-spice-must-learn/internal/model"
)

// AnomalyOptions configure the anomaly trainer.
type AnomalyOptions struct {
	Progress ProgressFunc
	Detector string
	Anomaly  anomaly.Options
	Buckets  int
}

// DefaultAnomalyOptions mirrors the configuration defaults.
func DefaultAnomalyOptions() AnomalyOptions {
	return AnomalyOptions{
		Detector: anomaly.KindGaussian,
		Anomaly:  anomaly.DefaultOptions(),
		Buckets:  encoder.DefaultBuckets,
	}
}

// AnomalyTrainer fits an expense anomaly detector. Detectors are not
// incremental, so any new record triggers a refit over every record given.
type AnomalyTrainer struct {
	store  *artifact.Store
	ledger ledger.Ledger
	runs   RunRecorder
	opts   AnomalyOptions
}

// NewAnomalyTrainer creates an AnomalyTrainer. runs may be nil.
func NewAnomalyTrainer(store *artifact.Store, l ledger.Ledger, runs RunRecorder, opts AnomalyOptions) *AnomalyTrainer {
	if opts.Buckets == 0 {
		opts.Buckets = encoder.DefaultBuckets
	}
	if opts.Detector == "" {
		opts.Detector = anomaly.KindGaussian
	}
	defaults := anomaly.DefaultOptions()
	if opts.Anomaly.Dims == 0 {
		opts.Anomaly.Dims = defaults.Dims
	}
	if opts.Anomaly.Contamination == 0 {
		opts.Anomaly.Contamination = defaults.Contamination
	}
	return &AnomalyTrainer{store: store, ledger: l, runs: runs, opts: opts}
}

// ObservationHash identifies an unlabeled observation. Unlike Record.Hash it
// includes the amount and date, since the same merchant text recurs with
// different amounts.
func ObservationHash(r model.Record) model.RecordHash {
	var b strings.Builder
	b.WriteString(r.Label)
	b.WriteString("||")
	if r.Amount != nil {
		b.WriteString(strconv.FormatFloat(*r.Amount, 'g', -1, 64))
	}
	b.WriteString("||")
	if !r.Date.IsZero() {
		b.WriteString(r.Date.Format(time.DateOnly))
	}
	return model.HashOf(r.Text, b.String())
}

// Run fits the detector when records contain anything the ledger has not seen.
func (t *AnomalyTrainer) Run(ctx context.Context, records []model.Record) (*Result, error) {
	purpose := t.store.Purpose()
	res := &Result{StartedAt: time.Now().UTC(), TotalRecords: len(records), Detector: t.opts.Detector}

	if err := validateObservations(records); err != nil {
		runsTotal.WithLabelValues(purpose, "invalid").Inc()
		return nil, err
	}

	unlock, err := t.store.Lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := loadLatest(ctx, t.store)
	if err != nil {
		runsTotal.WithLabelValues(purpose, "error").Inc()
		return nil, err
	}
	var prev *anomaly.Model
	if current != nil {
		prev, err = anomaly.Unmarshal(current.Payload)
		if err != nil {
			runsTotal.WithLabelValues(purpose, "error").Inc()
			return nil, fmt.Errorf("%w: %w", common.ErrCorruptArtifact, err)
		}
	}

	seen, err := t.ledger.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger: %w", err)
	}
	if prev == nil && len(seen) > 0 {
		slog.Warn("Ignoring ledger with no published model", "purpose", purpose, "hashes", len(seen))
		seen = ledger.NewSeenSet()
	}

	schema := encoder.NewSchema(t.opts.Buckets, true)
	enc, err := encoder.New(schema)
	if err != nil {
		return nil, err
	}

	fresh := ledger.FilterNewFunc(records, seen, ObservationHash)
	res.NewRecords = len(fresh)
	changed := prev != nil && (prev.Kind != t.opts.Detector || prev.Schema != schema || prev.Dims != t.opts.Anomaly.Dims)

	switch {
	case prev == nil:
		res.Mode = model.ModeBootstrap
	case changed:
		res.Mode = model.ModeFullRefit
		slog.Info("Detector configuration changed, refitting",
			"purpose", purpose,
			"old_detector", prev.Kind,
			"new_detector", t.opts.Detector)
	case len(fresh) == 0:
		res.Mode = model.ModeUpToDate
		res.ArtifactID = current.ID
		res.ArtifactVersion = current.Version
		res.PointerPath = t.store.PointerPath()
		res.Eval = Evaluation{Skipped: true, Reason: "detector is up to date"}
		res.FinishedAt = time.Now().UTC()
		runsTotal.WithLabelValues(purpose, string(res.Mode)).Inc()
		slog.Info("Detector is up to date", "purpose", purpose, "records", len(records))
		recordRun(ctx, purpose, t.runs, res)
		return res, nil
	default:
		res.Mode = model.ModeFullRefit
	}

	train := ledger.FilterNewFunc(records, ledger.NewSeenSet(), ObservationHash)
	if len(train) < anomaly.MinRecords {
		return skipRun(ctx, purpose, t.runs, res, fmt.Errorf("%w: %d distinct records, need %d",
			common.ErrInsufficientData, len(train), anomaly.MinRecords))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	det, err := anomaly.New(t.opts.Detector, schema, t.opts.Anomaly.Dims)
	if err != nil {
		return nil, err
	}
	vecs := make([]encoder.Vector, len(train))
	for i, k := range train {
		v, err := enc.Encode(k.Record.Text, k.Record.Amount)
		if err != nil {
			return nil, err
		}
		vecs[i] = v
	}

	slog.Info("Fitting detector",
		"purpose", purpose,
		"mode", res.Mode,
		"detector", t.opts.Detector,
		"records", len(train),
		"new_records", len(fresh))
	if err := det.Fit(vecs, t.opts.Anomaly); err != nil {
		runsTotal.WithLabelValues(purpose, "error").Inc()
		return nil, err
	}
	if t.opts.Progress != nil {
		t.opts.Progress(len(train), len(train))
	}
	res.TrainedRecords = len(train)
	res.Eval = Evaluation{Skipped: true, Reason: "detectors are unsupervised"}

	payload, err := det.Marshal()
	if err != nil {
		return nil, err
	}
	a := artifact.New(purpose, det.Kind, schema, payload)
	if err := publishRun(ctx, t.store, t.ledger, t.runs, res, a, seen, train); err != nil {
		runsTotal.WithLabelValues(purpose, "error").Inc()
		return nil, err
	}
	recordsTrained.WithLabelValues(purpose).Add(float64(len(train)))
	return res, nil
}

// validateObservations requires text or an amount on every record.
func validateObservations(records []model.Record) error {
	for i, r := range records {
		if !encoder.HasTokens(r.Text) && r.Amount == nil {
			return &common.ValidationError{Row: i + 1, Field: "text", Reason: "has no usable tokens and amount is empty"}
		}
	}
	return nil
}
