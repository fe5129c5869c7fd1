// Package trainer runs incremental training: it dedups input against a ledger,
// picks between bootstrap, full refit, partial update and no-op, evaluates the
// result and publishes the new artifact before recording the new ledger.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Veraticus/the-spice-must-learn/internal/artifact"
	"github.com/Veraticus/the-spice-must-learn/internal/classifier"
	"github.com/Veraticus/the-spice-must-learn/internal/common"
	"github.com/Veraticus/the-spice-must-learn/internal/encoder"
	"github.com/Veraticus/the-spice-must-learn/internal/ledger"
	"github.com/Veraticus/the-spice-must-learn/internal/model"
)

// RunRecorder stores the audit row of a finished run.
type RunRecorder interface {
	SaveRun(ctx context.Context, run *model.TrainingRun) error
}

// ProgressFunc is called after each training batch.
type ProgressFunc func(done, total int)

// Options configure the category trainer.
type Options struct {
	Progress   ProgressFunc
	Classifier classifier.Options
	Buckets    int
	BatchSize  int
	TestSize   float64
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{
		Classifier: classifier.DefaultOptions(),
		Buckets:    encoder.DefaultBuckets,
		BatchSize:  2048,
		TestSize:   0.2,
	}
}

// Result describes what a run did.
type Result struct {
	StartedAt       time.Time
	FinishedAt      time.Time
	Mode            model.TrainingMode
	SkipReason      string
	Detector        string
	ArtifactID      string
	PointerPath     string
	SnapshotPath    string
	Classes         []string
	NewClasses      []string
	Eval            Evaluation
	TotalRecords    int
	NewRecords      int
	TrainedRecords  int
	ArtifactVersion int64
}

// Trainer incrementally trains the category classifier.
type Trainer struct {
	store  *artifact.Store
	ledger ledger.Ledger
	runs   RunRecorder
	opts   Options
}

// New creates a Trainer. runs may be nil.
func New(store *artifact.Store, l ledger.Ledger, runs RunRecorder, opts Options) *Trainer {
	if opts.BatchSize < 1 {
		opts.BatchSize = DefaultOptions().BatchSize
	}
	if opts.Buckets == 0 {
		opts.Buckets = encoder.DefaultBuckets
	}
	return &Trainer{store: store, ledger: l, runs: runs, opts: opts}
}

// Run trains on records. Invalid input fails the whole run before anything is
// touched. A cancelled context aborts between batches and persists nothing.
func (t *Trainer) Run(ctx context.Context, records []model.Record) (*Result, error) {
	purpose := t.store.Purpose()
	res := &Result{StartedAt: time.Now().UTC(), TotalRecords: len(records)}

	if err := validateLabeled(records); err != nil {
		runsTotal.WithLabelValues(purpose, "invalid").Inc()
		return nil, err
	}

	unlock, err := t.store.Lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	prev, current, err := t.loadClassifier(ctx)
	if err != nil {
		runsTotal.WithLabelValues(purpose, "error").Inc()
		return nil, err
	}

	seen, err := t.ledger.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger: %w", err)
	}
	if prev == nil && len(seen) > 0 {
		slog.Warn("Ignoring ledger with no published model",
			"purpose", purpose,
			"hashes", len(seen))
		seen = ledger.NewSeenSet()
	}

	schema := encoder.NewSchema(t.opts.Buckets, false)
	enc, err := encoder.New(schema)
	if err != nil {
		return nil, err
	}

	fresh := ledger.FilterNew(records, seen)
	res.NewRecords = len(fresh)

	var (
		clf   *classifier.Classifier
		train []ledger.Keyed
	)
	switch {
	case prev == nil:
		if len(records) == 0 {
			return skipRun(ctx, purpose, t.runs, res, fmt.Errorf("%w: no records to bootstrap from", common.ErrInsufficientData))
		}
		res.Mode = model.ModeBootstrap
		clf = classifier.New(schema, t.opts.Classifier)
		res.NewClasses = clf.Register(labels(records)...)
		if err := t.seed(clf, enc, records); err != nil {
			return nil, err
		}
		train = fresh

	case prev.Schema != schema || len(unseenLabels(fresh, prev)) > 0:
		res.Mode = model.ModeFullRefit
		if prev.Schema != schema {
			slog.Info("Feature schema changed, refitting from scratch",
				"purpose", purpose,
				"old_buckets", prev.Schema.Buckets,
				"new_buckets", schema.Buckets)
		}
		clf = classifier.New(schema, t.opts.Classifier)
		clf.Register(prev.RegisteredClasses()...)
		res.NewClasses = clf.Register(labels(records)...)
		train = ledger.FilterNew(records, ledger.NewSeenSet())

	case len(fresh) == 0:
		res.Mode = model.ModeUpToDate
		res.Classes = prev.RegisteredClasses()
		res.ArtifactID = current.ID
		res.ArtifactVersion = current.Version
		res.PointerPath = t.store.PointerPath()
		res.Eval = Evaluation{Skipped: true, Reason: "model is up to date"}
		res.FinishedAt = time.Now().UTC()
		runsTotal.WithLabelValues(purpose, string(res.Mode)).Inc()
		slog.Info("Model is up to date", "purpose", purpose, "records", len(records))
		recordRun(ctx, purpose, t.runs, res)
		return res, nil

	default:
		res.Mode = model.ModePartial
		clf = prev
		train = fresh
	}

	slog.Info("Training",
		"purpose", purpose,
		"mode", res.Mode,
		"records", len(records),
		"new_records", len(fresh),
		"train_records", len(train),
		"new_classes", res.NewClasses)

	if err := t.stream(ctx, clf, enc, train); err != nil {
		runsTotal.WithLabelValues(purpose, "error").Inc()
		return nil, err
	}
	res.TrainedRecords = len(train)
	res.Classes = clf.RegisteredClasses()
	res.Eval = evaluate(clf, enc, records, t.opts.TestSize, t.opts.Classifier.Seed)
	if res.Eval.Skipped {
		slog.Info("Skipping evaluation", "purpose", purpose, "reason", res.Eval.Reason)
	} else {
		evalAccuracy.WithLabelValues(purpose).Set(res.Eval.Accuracy)
	}

	payload, err := clf.Marshal()
	if err != nil {
		return nil, err
	}
	a := artifact.New(purpose, classifier.Kind, schema, payload)
	if err := publishRun(ctx, t.store, t.ledger, t.runs, res, a, seen, train); err != nil {
		runsTotal.WithLabelValues(purpose, "error").Inc()
		return nil, err
	}
	recordsTrained.WithLabelValues(purpose).Add(float64(len(train)))
	return res, nil
}

// loadClassifier returns the published classifier, or nil when none exists.
func (t *Trainer) loadClassifier(ctx context.Context) (*classifier.Classifier, *artifact.Artifact, error) {
	a, err := loadLatest(ctx, t.store)
	if err != nil || a == nil {
		return nil, nil, err
	}
	if a.Kind != classifier.Kind {
		return nil, nil, fmt.Errorf("%w: %s holds a %q artifact", common.ErrCorruptArtifact, t.store.PointerPath(), a.Kind)
	}
	clf, err := classifier.Unmarshal(a.Payload)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", common.ErrCorruptArtifact, err)
	}
	return clf, a, nil
}

// seed fits one example per label so every registered class has been observed
// before streaming.
func (t *Trainer) seed(clf *classifier.Classifier, enc *encoder.Encoder, records []model.Record) error {
	var (
		x    []encoder.Vector
		y    []string
		have = make(map[string]bool)
	)
	for _, r := range records {
		if have[r.Label] {
			continue
		}
		have[r.Label] = true
		v, err := enc.Encode(r.Text, r.Amount)
		if err != nil {
			return err
		}
		x = append(x, v)
		y = append(y, r.Label)
	}
	return clf.PartialFit(x, y)
}

// stream feeds records to the classifier in batches.
func (t *Trainer) stream(ctx context.Context, clf *classifier.Classifier, enc *encoder.Encoder, train []ledger.Keyed) error {
	total := len(train)
	for start := 0; start < total; start += t.opts.BatchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+t.opts.BatchSize, total)
		x := make([]encoder.Vector, 0, end-start)
		y := make([]string, 0, end-start)
		for _, k := range train[start:end] {
			v, err := enc.Encode(k.Record.Text, k.Record.Amount)
			if err != nil {
				return err
			}
			x = append(x, v)
			y = append(y, k.Record.Label)
		}
		if err := clf.PartialFit(x, y); err != nil {
			return fmt.Errorf("failed to fit batch %d-%d: %w", start, end, err)
		}
		if t.opts.Progress != nil {
			t.opts.Progress(end, total)
		}
	}
	return nil
}

// loadLatest returns the published artifact, repairing a missing or corrupt
// pointer from the newest valid snapshot. It returns nil when nothing has ever
// been published.
func loadLatest(ctx context.Context, store *artifact.Store) (*artifact.Artifact, error) {
	a, _, err := store.ReadLatest(ctx)
	switch {
	case err == nil:
		return a, nil
	case errors.Is(err, common.ErrNotReady):
		snaps, lerr := store.ListSnapshots(ctx)
		if lerr != nil {
			return nil, lerr
		}
		if len(snaps) == 0 {
			return nil, nil
		}
		slog.Warn("Model pointer missing, repairing from snapshots", "purpose", store.Purpose())
	case errors.Is(err, common.ErrCorruptArtifact):
		slog.Warn("Model pointer corrupt, repairing from snapshots", "purpose", store.Purpose(), "error", err)
	default:
		return nil, err
	}

	if _, err := store.Repair(ctx); err != nil {
		return nil, err
	}
	a, _, err = store.ReadLatest(ctx)
	return a, err
}

// publishRun writes the artifact, then the extended ledger, then the audit row.
func publishRun(ctx context.Context, store *artifact.Store, l ledger.Ledger, runs RunRecorder,
	res *Result, a *artifact.Artifact, seen ledger.SeenSet, train []ledger.Keyed,
) error {
	pointer, snapshot, err := store.WriteAtomic(ctx, a)
	if err != nil {
		return fmt.Errorf("failed to publish artifact: %w", err)
	}
	res.ArtifactID = a.ID
	res.ArtifactVersion = a.Version
	res.PointerPath = pointer
	res.SnapshotPath = snapshot

	// The artifact is live; finish the bookkeeping even if the caller gives up now.
	ctx = context.WithoutCancel(ctx)

	next := seen.Clone()
	next.Add(ledger.Hashes(train)...)
	if err := l.Save(ctx, next); err != nil {
		return fmt.Errorf("artifact v%d published but ledger not saved: %w", a.Version, err)
	}

	res.FinishedAt = time.Now().UTC()
	runsTotal.WithLabelValues(store.Purpose(), string(res.Mode)).Inc()
	runDuration.WithLabelValues(store.Purpose()).Observe(res.FinishedAt.Sub(res.StartedAt).Seconds())
	recordRun(ctx, store.Purpose(), runs, res)
	return nil
}

func skipRun(ctx context.Context, purpose string, runs RunRecorder, res *Result, reason error) (*Result, error) {
	res.Mode = model.ModeSkipped
	res.SkipReason = reason.Error()
	res.FinishedAt = time.Now().UTC()
	runsTotal.WithLabelValues(purpose, string(res.Mode)).Inc()
	slog.Warn("Training skipped", "purpose", purpose, "reason", res.SkipReason)
	recordRun(ctx, purpose, runs, res)
	return res, nil
}

// recordRun stores the audit row. Failures are logged, never returned.
func recordRun(ctx context.Context, purpose string, runs RunRecorder, res *Result) {
	if runs == nil {
		return
	}
	run := &model.TrainingRun{
		ID:              uuid.NewString(),
		Purpose:         purpose,
		Mode:            res.Mode,
		StartedAt:       res.StartedAt,
		FinishedAt:      res.FinishedAt,
		TotalRecords:    res.TotalRecords,
		NewRecords:      res.NewRecords,
		Classes:         res.Classes,
		Accuracy:        res.Eval.Accuracy,
		EvalSkipped:     res.Eval.Skipped,
		ArtifactID:      res.ArtifactID,
		ArtifactVersion: res.ArtifactVersion,
	}
	if err := runs.SaveRun(ctx, run); err != nil {
		common.LogError(err, "Failed to record training run", common.Fields{"purpose": purpose, "mode": string(res.Mode)})
	}
}

// validateLabeled rejects records that cannot be trained on.
func validateLabeled(records []model.Record) error {
	for i, r := range records {
		if strings.TrimSpace(r.Text) == "" {
			return &common.ValidationError{Row: i + 1, Field: "text", Reason: "is empty"}
		}
		if !encoder.HasTokens(r.Text) {
			return &common.ValidationError{Row: i + 1, Field: "text", Reason: "has no usable tokens"}
		}
		if strings.TrimSpace(r.Label) == "" {
			return &common.ValidationError{Row: i + 1, Field: "category", Reason: "is empty"}
		}
	}
	return nil
}

// labels returns the distinct labels of records, sorted.
func labels(records []model.Record) []string {
	set := make(map[string]struct{})
	for _, r := range records {
		set[r.Label] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for l := range set {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

func unseenLabels(fresh []ledger.Keyed, clf *classifier.Classifier) []string {
	var out []string
	added := make(map[string]bool)
	for _, k := range fresh {
		if !clf.HasClass(k.Record.Label) && !added[k.Record.Label] {
			added[k.Record.Label] = true
			out = append(out, k.Record.Label)
		}
	}
	return out
}
