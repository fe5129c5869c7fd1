package anomaly

import "math"

// fenceK is the Tukey multiplier.
const fenceK = 1.5

// Fence flags records whose amount or text distance from the training centroid
// falls outside Tukey's fences. It only produces labels.
type Fence struct {
	Centroid     []float64
	AmountLow    float64
	AmountHigh   float64
	DistanceHigh float64
}

func (f *Fence) style() Style { return LabelOnly }

func (f *Fence) fit(x [][]float64, _ Options) error {
	dims := len(x[0])
	textDims := dims - 1
	f.Centroid = make([]float64, textDims)
	n := float64(len(x))
	amounts := make([]float64, len(x))
	for i, row := range x {
		for j := 0; j < textDims; j++ {
			f.Centroid[j] += row[j] / n
		}
		amounts[i] = row[textDims]
	}

	distances := make([]float64, len(x))
	for i, row := range x {
		distances[i] = f.distance(row)
	}

	q1, q3 := quantile(amounts, 0.25), quantile(amounts, 0.75)
	iqr := q3 - q1
	f.AmountLow = q1 - fenceK*iqr
	f.AmountHigh = q3 + fenceK*iqr

	d1, d3 := quantile(distances, 0.25), quantile(distances, 0.75)
	f.DistanceHigh = d3 + fenceK*(d3-d1)
	return nil
}

func (f *Fence) distance(x []float64) float64 {
	var sum float64
	for j, c := range f.Centroid {
		d := x[j] - c
		sum += d * d
	}
	return math.Sqrt(sum)
}

func (f *Fence) score(x []float64) Raw {
	amount := x[len(x)-1]
	label := 1.0
	if amount < f.AmountLow || amount > f.AmountHigh || f.distance(x) > f.DistanceHigh {
		label = -1
	}
	return Raw{Style: LabelOnly, Score: label}
}
