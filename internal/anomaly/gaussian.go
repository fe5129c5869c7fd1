package anomaly

import "math"

// minVariance keeps near-constant dimensions from dominating the likelihood.
const minVariance = 1e-2

// Gaussian models each feature as an independent normal distribution and
// scores records by log-likelihood. Higher is more normal.
type Gaussian struct {
	Mean     []float64
	Variance []float64
	Cutoff   float64
}

func (g *Gaussian) style() Style { return DensityScored }

func (g *Gaussian) fit(x [][]float64, opts Options) error {
	dims := len(x[0])
	g.Mean = make([]float64, dims)
	g.Variance = make([]float64, dims)
	n := float64(len(x))
	for _, row := range x {
		for j, v := range row {
			g.Mean[j] += v / n
		}
	}
	for _, row := range x {
		for j, v := range row {
			d := v - g.Mean[j]
			g.Variance[j] += d * d / n
		}
	}
	for j := range g.Variance {
		g.Variance[j] = math.Max(g.Variance[j], minVariance)
	}

	scores := make([]float64, len(x))
	for i, row := range x {
		scores[i] = g.logLikelihood(row)
	}
	g.Cutoff = quantile(scores, opts.Contamination)
	return nil
}

func (g *Gaussian) logLikelihood(x []float64) float64 {
	var ll float64
	for j, v := range x {
		d := v - g.Mean[j]
		ll -= 0.5 * (d*d/g.Variance[j] + math.Log(2*math.Pi*g.Variance[j]))
	}
	return ll
}

func (g *Gaussian) score(x []float64) Raw {
	return Raw{Style: DensityScored, Score: g.logLikelihood(x), Cutoff: g.Cutoff}
}
