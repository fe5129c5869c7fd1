// Package classifier implements an incrementally trainable multinomial logistic
// regression over encoder vectors.
//
// The class set is registered explicitly and only ever grows. A PartialFit call
// may only use registered labels, so the output space of a model never changes
// behind the trainer's back.
package classifier

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/Veraticus/the-spice-must-learn/internal/encoder"
	"github.com/Veraticus/the-spice-must-learn/internal/model"
)

// Kind tags classifier payloads inside artifacts.
const Kind = "softmax-sgd"

// Classifier errors.
var (
	ErrUnknownClass   = errors.New("label is not a registered class")
	ErrNoClasses      = errors.New("classifier has no registered classes")
	ErrWidthMismatch  = errors.New("vector width does not match classifier schema")
	ErrLengthMismatch = errors.New("features and labels differ in length")
)

// Options are the SGD hyperparameters.
type Options struct {
	Alpha  float64 // L2 penalty
	Eta0   float64 // initial learning rate
	Epochs int     // passes over each PartialFit batch
	Seed   int64   // shuffle seed
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{Alpha: 1e-5, Eta0: 0.5, Epochs: 5, Seed: 42}
}

// Classifier is the trained state. Fields are exported for gob.
//
// Weights are stored as Scale*Weights so that the L2 shrink step is O(1)
// instead of touching every bucket on every update.
type Classifier struct {
	Schema     encoder.Schema
	Classes    []string
	Weights    [][]float64
	Intercepts []float64
	Options    Options
	Scale      float64
	Steps      int64
	Fits       int64
}

// New returns an empty classifier for the schema.
func New(schema encoder.Schema, opts Options) *Classifier {
	if opts.Epochs < 1 {
		opts.Epochs = 1
	}
	return &Classifier{Schema: schema, Options: opts, Scale: 1}
}

// Register adds classes that are not yet known. Existing classes keep their
// position; new ones are appended in the order given.
func (c *Classifier) Register(classes ...string) []string {
	known := make(map[string]struct{}, len(c.Classes))
	for _, cl := range c.Classes {
		known[cl] = struct{}{}
	}
	var added []string
	for _, cl := range classes {
		if cl == "" {
			continue
		}
		if _, ok := known[cl]; ok {
			continue
		}
		known[cl] = struct{}{}
		added = append(added, cl)
	}
	for _, cl := range added {
		c.Classes = append(c.Classes, cl)
		c.Weights = append(c.Weights, make([]float64, c.Schema.Width()))
		c.Intercepts = append(c.Intercepts, 0)
	}
	return added
}

// RegisteredClasses returns a copy of the class list in output order.
func (c *Classifier) RegisteredClasses() []string {
	out := make([]string, len(c.Classes))
	copy(out, c.Classes)
	return out
}

// HasClass reports whether label is registered.
func (c *Classifier) HasClass(label string) bool {
	return c.classIndex(label) >= 0
}

func (c *Classifier) classIndex(label string) int {
	for i, cl := range c.Classes {
		if cl == label {
			return i
		}
	}
	return -1
}

// PartialFit runs Options.Epochs passes of SGD over the batch.
func (c *Classifier) PartialFit(x []encoder.Vector, y []string) error {
	if len(x) != len(y) {
		return fmt.Errorf("%w: %d vectors, %d labels", ErrLengthMismatch, len(x), len(y))
	}
	if len(c.Classes) == 0 {
		return ErrNoClasses
	}
	targets := make([]int, len(y))
	for i, label := range y {
		k := c.classIndex(label)
		if k < 0 {
			return fmt.Errorf("%w: %q", ErrUnknownClass, label)
		}
		targets[i] = k
		if x[i].Width != c.Schema.Width() {
			return fmt.Errorf("%w: got %d, want %d", ErrWidthMismatch, x[i].Width, c.Schema.Width())
		}
	}

	rng := rand.New(rand.NewSource(c.Options.Seed + c.Fits))
	c.Fits++
	order := make([]int, len(x))
	for i := range order {
		order[i] = i
	}
	probs := make([]float64, len(c.Classes))
	for epoch := 0; epoch < c.Options.Epochs; epoch++ {
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		for _, i := range order {
			c.step(x[i], targets[i], probs)
		}
	}
	return nil
}

func (c *Classifier) step(x encoder.Vector, target int, probs []float64) {
	eta := c.Options.Eta0 / (1 + c.Options.Eta0*c.Options.Alpha*float64(c.Steps))
	c.Steps++

	c.scores(x, probs)
	softmax(probs)

	c.Scale *= 1 - eta*c.Options.Alpha
	if c.Scale < 1e-9 {
		c.rescale()
	}
	for k := range c.Classes {
		g := probs[k]
		if k == target {
			g--
		}
		if g == 0 {
			continue
		}
		w := c.Weights[k]
		for j, idx := range x.Indices {
			w[idx] -= eta * g * x.Values[j] / c.Scale
		}
		c.Intercepts[k] -= eta * g
	}
}

// rescale folds Scale back into the weights.
func (c *Classifier) rescale() {
	for _, w := range c.Weights {
		for i := range w {
			w[i] *= c.Scale
		}
	}
	c.Scale = 1
}

func (c *Classifier) scores(x encoder.Vector, out []float64) {
	for k := range c.Classes {
		out[k] = c.Scale*x.Dot(c.Weights[k]) + c.Intercepts[k]
	}
}

func softmax(z []float64) {
	maxZ := math.Inf(-1)
	for _, v := range z {
		maxZ = math.Max(maxZ, v)
	}
	var sum float64
	for i, v := range z {
		z[i] = math.Exp(v - maxZ)
		sum += z[i]
	}
	for i := range z {
		z[i] /= sum
	}
}

// PredictProba returns one probability per registered class, in class order.
func (c *Classifier) PredictProba(x encoder.Vector) ([]float64, error) {
	if len(c.Classes) == 0 {
		return nil, ErrNoClasses
	}
	if x.Width != c.Schema.Width() {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrWidthMismatch, x.Width, c.Schema.Width())
	}
	probs := make([]float64, len(c.Classes))
	c.scores(x, probs)
	softmax(probs)
	return probs, nil
}

// Predict returns the most likely class. Ties go to the earlier registered class.
func (c *Classifier) Predict(x encoder.Vector) (string, error) {
	probs, err := c.PredictProba(x)
	if err != nil {
		return "", err
	}
	best := 0
	for k, p := range probs {
		if p > probs[best] {
			best = k
		}
	}
	return c.Classes[best], nil
}

// TopK returns the k most likely classes, best first. k <= 0 returns all of them.
func (c *Classifier) TopK(x encoder.Vector, k int) (model.CategoryRankings, error) {
	probs, err := c.PredictProba(x)
	if err != nil {
		return nil, err
	}
	rankings := make(model.CategoryRankings, len(probs))
	for i, p := range probs {
		rankings[i] = model.CategoryRanking{Category: c.Classes[i], Score: p}
	}
	if err := rankings.Validate(); err != nil {
		return nil, err
	}
	rankings.Sort()
	if k > 0 {
		rankings = rankings.TopN(k)
	}
	return rankings, nil
}

// Marshal gob-encodes the classifier.
func (c *Classifier) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(c); err != nil {
		return nil, fmt.Errorf("failed to encode classifier: %w", err)
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes a classifier produced by Marshal.
func Unmarshal(data []byte) (*Classifier, error) {
	var c Classifier
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&c); err != nil {
		return nil, fmt.Errorf("failed to decode classifier: %w", err)
	}
	if len(c.Weights) != len(c.Classes) || len(c.Intercepts) != len(c.Classes) {
		return nil, fmt.Errorf("classifier payload has %d classes but %d weight rows", len(c.Classes), len(c.Weights))
	}
	for _, w := range c.Weights {
		if len(w) != c.Schema.Width() {
			return nil, fmt.Errorf("%w: weight row has %d entries", ErrWidthMismatch, len(w))
		}
	}
	if c.Scale == 0 {
		c.Scale = 1
	}
	return &c, nil
}
