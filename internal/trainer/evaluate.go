package trainer

import (
	"math"
	"math/rand"
	"sort"

	"github.com/Veraticus/the-spice-must-learn/internal/classifier"
	"github.com/Veraticus/the-spice-must-learn/internal/encoder"
	"github.com/Veraticus/the-spice-must-learn/internal/model"
)

// Evaluation thresholds below which accuracy is not computed.
const (
	minEvalRecords = 10
	minEvalLabels  = 2
)

// Evaluation is the quick holdout sanity check run after training.
type Evaluation struct {
	Reason   string
	Accuracy float64
	Holdout  int
	Skipped  bool
}

// evaluate scores clf on a stratified holdout of records. It is a smoke test of
// the trained model, not a validation: the holdout rows were trained on too.
func evaluate(clf *classifier.Classifier, enc *encoder.Encoder, records []model.Record, testSize float64, seed int64) Evaluation {
	labels := make([]string, len(records))
	distinct := make(map[string]struct{})
	for i, r := range records {
		labels[i] = r.Label
		distinct[r.Label] = struct{}{}
	}
	if len(records) < minEvalRecords || len(distinct) < minEvalLabels {
		return Evaluation{Skipped: true, Reason: "not enough records or labels for evaluation"}
	}

	holdout := stratifiedHoldout(labels, testSize, seed)
	if len(holdout) == 0 {
		return Evaluation{Skipped: true, Reason: "holdout is empty"}
	}

	var correct int
	for _, i := range holdout {
		v, err := enc.Encode(records[i].Text, records[i].Amount)
		if err != nil {
			continue
		}
		got, err := clf.Predict(v)
		if err == nil && got == records[i].Label {
			correct++
		}
	}
	return Evaluation{
		Accuracy: float64(correct) / float64(len(holdout)),
		Holdout:  len(holdout),
	}
}

// stratifiedHoldout picks about testSize of each label's rows, keeping at least
// one row of every label in the training side. Indices are returned sorted.
func stratifiedHoldout(labels []string, testSize float64, seed int64) []int {
	groups := make(map[string][]int)
	for i, l := range labels {
		groups[l] = append(groups[l], i)
	}
	names := make([]string, 0, len(groups))
	for l := range groups {
		names = append(names, l)
	}
	sort.Strings(names)

	rng := rand.New(rand.NewSource(seed))
	var out []int
	for _, l := range names {
		idx := groups[l]
		rng.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })
		n := int(math.Round(float64(len(idx)) * testSize))
		if n == 0 && len(idx) >= 2 {
			n = 1
		}
		if n >= len(idx) {
			n = len(idx) - 1
		}
		out = append(out, idx[:n]...)
	}
	sort.Ints(out)
	return out
}
