// Package serving answers prediction and scoring requests from the published
// model, reloading it in place when a trainer replaces the pointer file.
package serving

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Veraticus/the-spice-must-learn/internal/anomaly"
	"github.com/Veraticus/the-spice-must-learn/internal/artifact"
	"github.com/Veraticus/the-spice-must-learn/internal/classifier"
	"github.com/Veraticus/the-spice-must-learn/internal/common"
	"github.com/Veraticus/the-spice-must-learn/internal/encoder"
	"github.com/Veraticus/the-spice-must-learn/internal/model"
)

// ErrWrongKind means the loaded artifact cannot answer the requested operation,
// for example Score against a classifier.
var ErrWrongKind = errors.New("artifact kind does not support this operation")

// Options configure a Cache.
type Options struct {
	// Threshold is the anomaly cutoff on the normalized score.
	Threshold float64
	// TopK is used when Predict is called with k <= 0.
	TopK int
	// Repair lets the cache republish the newest valid snapshot when the
	// pointer is corrupt. The repair is skipped while a trainer holds the lock.
	Repair bool
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{TopK: 3}
}

// loaded is an immutable view of one decoded artifact. It is swapped whole.
type loaded struct {
	info       os.FileInfo
	identity   model.ArtifactIdentity
	kind       string
	enc        *encoder.Encoder
	classifier *classifier.Classifier
	detector   *anomaly.Model
}

func (l *loaded) matches(info os.FileInfo) bool {
	return sameFile(l.info, info)
}

func sameFile(a, b os.FileInfo) bool {
	return a != nil && b != nil &&
		os.SameFile(a, b) &&
		a.Size() == b.Size() &&
		a.ModTime().Equal(b.ModTime())
}

// Cache holds the currently served model for one purpose. Requests read it
// without locking; reloads replace it atomically.
type Cache struct {
	store   *artifact.Store
	opts    Options
	current atomic.Pointer[loaded]
	flight  singleflight.Group

	// rejected is the pointer file that last failed to load, so a bad file is
	// not re-read on every request.
	mu       sync.Mutex
	rejected os.FileInfo
	lastErr  error
}

// NewCache creates a Cache over store. Nothing is read until the first request
// or MaybeReload.
func NewCache(store *artifact.Store, opts Options) *Cache {
	if opts.TopK < 1 {
		opts.TopK = DefaultOptions().TopK
	}
	return &Cache{store: store, opts: opts}
}

// Purpose returns the purpose this cache serves.
func (c *Cache) Purpose() string {
	return c.store.Purpose()
}

// MaybeReload reloads the model when the pointer file changed since the last
// load. It reports whether a different artifact is now being served. When a
// model is already loaded, failures keep it in service and are only logged.
func (c *Cache) MaybeReload(ctx context.Context) (bool, error) {
	cur := c.current.Load()
	info, err := os.Stat(c.store.PointerPath())
	switch {
	case errors.Is(err, os.ErrNotExist):
		if cur != nil {
			return false, nil
		}
		return false, fmt.Errorf("%w: no %s model published", common.ErrNotReady, c.Purpose())
	case err != nil:
		if cur != nil {
			slog.Warn("Failed to stat model pointer", "purpose", c.Purpose(), "error", err)
			return false, nil
		}
		return false, fmt.Errorf("failed to stat model pointer: %w", err)
	}
	if cur != nil && cur.matches(info) {
		return false, nil
	}
	if c.isRejected(info) {
		if cur != nil {
			return false, nil
		}
		return false, c.lastError()
	}

	v, err, _ := c.flight.Do(c.Purpose(), func() (any, error) {
		return c.reload(ctx)
	})
	if err != nil {
		if c.current.Load() != nil {
			return false, nil
		}
		return false, err
	}
	return v.(bool), nil
}

// reload reads and swaps in the pointer. It runs inside the singleflight group.
func (c *Cache) reload(ctx context.Context) (bool, error) {
	purpose := c.Purpose()
	next, err := c.load(ctx)
	if err != nil && errors.Is(err, common.ErrCorruptArtifact) && c.opts.Repair {
		slog.Warn("Model pointer corrupt, attempting repair", "purpose", purpose, "error", err)
		switch rerr := c.repair(ctx); {
		case errors.Is(rerr, common.ErrLocked):
			slog.Info("Training in progress, leaving the pointer to the trainer", "purpose", purpose)
			// Retry on the next request rather than waiting for a new file.
			c.reject(nil, err)
		case rerr != nil:
			slog.Error("Model repair failed", "purpose", purpose, "error", rerr)
		default:
			reloadsTotal.WithLabelValues(purpose, "repaired").Inc()
			next, err = c.load(ctx)
		}
	}
	if err != nil {
		reloadsTotal.WithLabelValues(purpose, "error").Inc()
		if cur := c.current.Load(); cur != nil {
			slog.Error("Model reload failed, serving previous version",
				"purpose", purpose,
				"version", cur.identity.Version,
				"error", err)
		} else {
			slog.Error("Model load failed", "purpose", purpose, "error", err)
		}
		return false, err
	}

	c.mu.Lock()
	c.rejected = nil
	c.lastErr = nil
	c.mu.Unlock()

	prev := c.current.Load()
	if prev != nil && prev.identity.ID == next.identity.ID {
		// Same artifact republished; only the file identity moved.
		next.identity.LoadedAt = prev.identity.LoadedAt
		c.current.Store(next)
		reloadsTotal.WithLabelValues(purpose, "unchanged").Inc()
		return false, nil
	}
	c.current.Store(next)
	reloadsTotal.WithLabelValues(purpose, "loaded").Inc()
	loadedVersion.WithLabelValues(purpose).Set(float64(next.identity.Version))
	slog.Info("Loaded model",
		"purpose", purpose,
		"kind", next.kind,
		"version", next.identity.Version,
		"id", next.identity.ID)
	return true, nil
}

// repair republishes the newest valid snapshot under the run lock, so it never
// races a trainer publishing a newer version.
func (c *Cache) repair(ctx context.Context) error {
	unlock, err := c.store.Lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	// The pointer may have been replaced while the lock was held elsewhere.
	if _, _, err := c.store.ReadLatest(ctx); err == nil {
		return nil
	}
	_, err = c.store.Repair(ctx)
	return err
}

// load decodes the pointer into a fresh view.
func (c *Cache) load(ctx context.Context) (*loaded, error) {
	a, info, err := c.store.ReadLatest(ctx)
	if err != nil {
		if info != nil {
			c.reject(info, err)
		}
		return nil, err
	}
	next, err := decode(a)
	if err != nil {
		err = fmt.Errorf("%w: %w", common.ErrCorruptArtifact, err)
		c.reject(info, err)
		return nil, err
	}
	next.info = info
	next.identity = model.ArtifactIdentity{
		ID:       a.ID,
		Purpose:  a.Purpose,
		Path:     c.store.PointerPath(),
		Version:  a.Version,
		LoadedAt: time.Now().UTC(),
	}
	return next, nil
}

// decode picks the model implementation from the artifact kind.
func decode(a *artifact.Artifact) (*loaded, error) {
	enc, err := encoder.New(a.Schema)
	if err != nil {
		return nil, err
	}
	l := &loaded{kind: a.Kind, enc: enc}
	switch a.Kind {
	case classifier.Kind:
		l.classifier, err = classifier.Unmarshal(a.Payload)
		if err == nil && l.classifier.Schema != a.Schema {
			err = fmt.Errorf("classifier schema %+v does not match artifact schema %+v", l.classifier.Schema, a.Schema)
		}
	case anomaly.KindGaussian, anomaly.KindForest, anomaly.KindECOD, anomaly.KindFence:
		l.detector, err = anomaly.Unmarshal(a.Payload)
		if err == nil && l.detector.Schema != a.Schema {
			err = fmt.Errorf("detector schema %+v does not match artifact schema %+v", l.detector.Schema, a.Schema)
		}
	default:
		err = fmt.Errorf("unknown artifact kind %q", a.Kind)
	}
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (c *Cache) reject(info os.FileInfo, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejected = info
	c.lastErr = err
}

func (c *Cache) isRejected(info os.FileInfo) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sameFile(c.rejected, info)
}

func (c *Cache) lastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastErr == nil {
		return fmt.Errorf("%w: %s pointer was rejected", common.ErrCorruptArtifact, c.Purpose())
	}
	return c.lastErr
}

// ready reloads if needed and returns the model to serve from.
func (c *Cache) ready(ctx context.Context) (*loaded, error) {
	if _, err := c.MaybeReload(ctx); err != nil {
		return nil, err
	}
	cur := c.current.Load()
	if cur == nil {
		return nil, fmt.Errorf("%w: no %s model loaded", common.ErrNotReady, c.Purpose())
	}
	return cur, nil
}

// Predict returns the most likely category and the k best rankings for a
// vendor/description pair. k <= 0 uses Options.TopK.
func (c *Cache) Predict(ctx context.Context, vendor, description string, k int) (*model.Prediction, error) {
	text := model.BuildText(vendor, description)
	if err := ValidatePredictInput(vendor, description); err != nil {
		requestsTotal.WithLabelValues(c.Purpose(), "predict", "invalid").Inc()
		return nil, err
	}
	if k <= 0 {
		k = c.opts.TopK
	}

	cur, err := c.ready(ctx)
	if err != nil {
		requestsTotal.WithLabelValues(c.Purpose(), "predict", resultLabel(err)).Inc()
		return nil, err
	}
	if cur.classifier == nil {
		requestsTotal.WithLabelValues(c.Purpose(), "predict", "error").Inc()
		return nil, fmt.Errorf("%w: %s model is %q", ErrWrongKind, c.Purpose(), cur.kind)
	}

	v, err := cur.enc.Encode(text, nil)
	if err != nil {
		requestsTotal.WithLabelValues(c.Purpose(), "predict", resultLabel(err)).Inc()
		return nil, err
	}
	top, err := cur.classifier.TopK(v, k)
	if err == nil && len(top) == 0 {
		err = classifier.ErrNoClasses
	}
	if err != nil {
		requestsTotal.WithLabelValues(c.Purpose(), "predict", "error").Inc()
		return nil, err
	}
	requestsTotal.WithLabelValues(c.Purpose(), "predict", "ok").Inc()
	return &model.Prediction{
		Category: top[0].Category,
		Top:      top,
		Artifact: cur.identity,
	}, nil
}

// Score rates how anomalous an expense is. Either the text or the amount may
// be missing, not both.
func (c *Cache) Score(ctx context.Context, vendor, description string, amount *float64) (*model.AnomalyScore, error) {
	text := model.BuildText(vendor, description)
	if err := ValidateScoreInput(vendor, description, amount); err != nil {
		requestsTotal.WithLabelValues(c.Purpose(), "score", "invalid").Inc()
		return nil, err
	}

	cur, err := c.ready(ctx)
	if err != nil {
		requestsTotal.WithLabelValues(c.Purpose(), "score", resultLabel(err)).Inc()
		return nil, err
	}
	if cur.detector == nil {
		requestsTotal.WithLabelValues(c.Purpose(), "score", "error").Inc()
		return nil, fmt.Errorf("%w: %s model is %q", ErrWrongKind, c.Purpose(), cur.kind)
	}

	v, err := cur.enc.Encode(text, amount)
	if err != nil {
		requestsTotal.WithLabelValues(c.Purpose(), "score", resultLabel(err)).Inc()
		return nil, err
	}
	raw, err := cur.detector.Score(v)
	if err != nil {
		requestsTotal.WithLabelValues(c.Purpose(), "score", "error").Inc()
		return nil, err
	}
	n, err := anomaly.Normalize(raw, c.opts.Threshold)
	if err != nil {
		requestsTotal.WithLabelValues(c.Purpose(), "score", "error").Inc()
		return nil, err
	}
	requestsTotal.WithLabelValues(c.Purpose(), "score", "ok").Inc()
	return &model.AnomalyScore{
		Detector:    cur.kind,
		Style:       n.Style.String(),
		Artifact:    cur.identity,
		RawScore:    n.Raw,
		NormalScore: n.Normal,
		Threshold:   n.Threshold,
		IsAnomaly:   n.IsAnomaly,
	}, nil
}

// ValidatePredictInput reports the ValidationError Predict would return for
// the input, without touching any model.
func ValidatePredictInput(vendor, description string) error {
	if model.BuildText(vendor, description) == "" {
		return &common.ValidationError{Field: "text", Reason: "vendor and description are both empty"}
	}
	return nil
}

// ValidateScoreInput is ValidatePredictInput for Score.
func ValidateScoreInput(vendor, description string, amount *float64) error {
	text := model.BuildText(vendor, description)
	if amount != nil && (math.IsNaN(*amount) || math.IsInf(*amount, 0)) {
		return &common.ValidationError{Field: "amount", Reason: "is not a finite number"}
	}
	if text == "" && amount == nil {
		return &common.ValidationError{Field: "text", Reason: "and amount are both empty"}
	}
	return nil
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, common.ErrValidation):
		return "invalid"
	case errors.Is(err, common.ErrNotReady):
		return "not_ready"
	case errors.Is(err, common.ErrCorruptArtifact):
		return "corrupt"
	default:
		return "error"
	}
}

// Status describes what the cache is serving.
type Status struct {
	Artifact  model.ArtifactIdentity
	Kind      string
	Style     string
	LastError string
	Classes   []string
	Ready     bool
	Degraded  bool // a newer pointer failed to load; an older model is served
}

// Status reports the loaded artifact, or why nothing is loaded. It does not
// trigger a reload.
func (c *Cache) Status() Status {
	var s Status
	c.mu.Lock()
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	c.mu.Unlock()

	cur := c.current.Load()
	if cur == nil {
		return s
	}
	s.Ready = true
	s.Degraded = s.LastError != ""
	s.Artifact = cur.identity
	s.Kind = cur.kind
	if cur.classifier != nil {
		s.Classes = cur.classifier.RegisteredClasses()
	}
	if cur.detector != nil {
		s.Style = cur.detector.Style().String()
	}
	return s
}
