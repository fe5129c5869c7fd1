package anomaly

import (
	"math"
	"sort"
)

// ECOD scores records by how far into the tails of each feature's empirical
// distribution they fall. Higher is more anomalous.
type ECOD struct {
	Sorted [][]float64 // per-dimension training values, ascending
	Skew   []float64
	Cutoff float64
}

func (e *ECOD) style() Style { return DensityScored }

func (e *ECOD) fit(x [][]float64, opts Options) error {
	dims := len(x[0])
	n := float64(len(x))
	e.Sorted = make([][]float64, dims)
	e.Skew = make([]float64, dims)
	for j := 0; j < dims; j++ {
		col := make([]float64, len(x))
		var mean float64
		for i, row := range x {
			col[i] = row[j]
			mean += row[j] / n
		}
		var m2, m3 float64
		for _, v := range col {
			d := v - mean
			m2 += d * d / n
			m3 += d * d * d / n
		}
		if m2 > 0 {
			e.Skew[j] = m3 / math.Pow(m2, 1.5)
		}
		sort.Float64s(col)
		e.Sorted[j] = col
	}

	scores := make([]float64, len(x))
	for i, row := range x {
		scores[i] = e.outlierScore(row)
	}
	e.Cutoff = quantile(scores, 1-opts.Contamination)
	return nil
}

func (e *ECOD) outlierScore(x []float64) float64 {
	var left, right, auto float64
	for j, v := range x {
		col := e.Sorted[j]
		n := float64(len(col))
		below := float64(sort.Search(len(col), func(i int) bool { return col[i] > v }))
		above := n - float64(sort.Search(len(col), func(i int) bool { return col[i] >= v }))
		pl := -math.Log((below + 1) / (n + 1))
		pr := -math.Log((above + 1) / (n + 1))
		left += pl
		right += pr
		if e.Skew[j] < 0 {
			auto += pl
		} else {
			auto += pr
		}
	}
	return math.Max(auto, math.Max(left, right))
}

func (e *ECOD) score(x []float64) Raw {
	return Raw{Style: DensityScored, Score: e.outlierScore(x), Cutoff: e.Cutoff, HigherIsAnomalous: true}
}
