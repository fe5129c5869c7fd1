package anomaly

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/Veraticus/the-spice-must-learn/internal/common"
	"github.com/Veraticus/the-spice-must-learn/internal/encoder"
)

// Detector kinds.
const (
	KindGaussian = "gaussian"
	KindForest   = "iforest"
	KindECOD     = "ecod"
	KindFence    = "fence"
)

// Kinds lists every supported detector.
var Kinds = []string{KindGaussian, KindForest, KindECOD, KindFence}

// MinRecords is the smallest training set any detector accepts.
const MinRecords = 2

// ErrUnknownKind is returned for a detector name that is not in Kinds.
var ErrUnknownKind = errors.New("unknown detector kind")

// Options configure detector fitting.
type Options struct {
	Dims          int
	Contamination float64
	Trees         int
	SampleSize    int
	Seed          int64
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{Dims: 32, Contamination: 0.05, Trees: 100, SampleSize: 256, Seed: 42}
}

type detector interface {
	fit(x [][]float64, opts Options) error
	score(x []float64) Raw
	style() Style
}

// Model is a fitted detector together with the feature layout it was fitted on.
// Exactly one of the detector fields is set, matching Kind.
type Model struct {
	Kind     string
	Schema   encoder.Schema
	Dims     int
	Records  int
	Gaussian *Gaussian
	Forest   *Forest
	ECOD     *ECOD
	Fence    *Fence
}

// New returns an unfitted model of the given kind.
func New(kind string, schema encoder.Schema, dims int) (*Model, error) {
	if dims < 1 {
		return nil, fmt.Errorf("%w: fold dims must be positive, got %d", common.ErrInvalidConfig, dims)
	}
	m := &Model{Kind: kind, Schema: schema, Dims: dims}
	switch kind {
	case KindGaussian:
		m.Gaussian = &Gaussian{}
	case KindForest:
		m.Forest = &Forest{}
	case KindECOD:
		m.ECOD = &ECOD{}
	case KindFence:
		m.Fence = &Fence{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return m, nil
}

func (m *Model) detector() (detector, error) {
	switch {
	case m.Kind == KindGaussian && m.Gaussian != nil:
		return m.Gaussian, nil
	case m.Kind == KindForest && m.Forest != nil:
		return m.Forest, nil
	case m.Kind == KindECOD && m.ECOD != nil:
		return m.ECOD, nil
	case m.Kind == KindFence && m.Fence != nil:
		return m.Fence, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, m.Kind)
	}
}

// Style reports how the fitted detector scores.
func (m *Model) Style() Style {
	d, err := m.detector()
	if err != nil {
		return 0
	}
	return d.style()
}

// Features folds an encoded vector into the detector's dense input.
func (m *Model) Features(v encoder.Vector) []float64 {
	return encoder.Fold(v, m.Dims)
}

// Fit trains the detector from scratch on all vectors.
func (m *Model) Fit(vecs []encoder.Vector, opts Options) error {
	if len(vecs) < MinRecords {
		return fmt.Errorf("%w: need at least %d records, got %d", common.ErrInsufficientData, MinRecords, len(vecs))
	}
	d, err := m.detector()
	if err != nil {
		return err
	}
	x := make([][]float64, len(vecs))
	for i, v := range vecs {
		x[i] = m.Features(v)
	}
	if err := d.fit(x, opts); err != nil {
		return err
	}
	m.Records = len(vecs)
	return nil
}

// Score returns the raw detector output for one vector.
func (m *Model) Score(v encoder.Vector) (Raw, error) {
	d, err := m.detector()
	if err != nil {
		return Raw{}, err
	}
	return d.score(m.Features(v)), nil
}

// Marshal gob-encodes the model.
func (m *Model) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(m); err != nil {
		return nil, fmt.Errorf("failed to encode detector: %w", err)
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes a model produced by Marshal.
func Unmarshal(data []byte) (*Model, error) {
	var m Model
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to decode detector: %w", err)
	}
	if _, err := m.detector(); err != nil {
		return nil, err
	}
	return &m, nil
}

// quantile returns the q-quantile of values using linear interpolation.
func quantile(values []float64, q float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
