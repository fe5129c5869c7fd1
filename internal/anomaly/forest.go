package anomaly

import (
	"math"
	"math/rand"
)

const eulerGamma = 0.5772156649015329

// Node is one isolation tree node. Leaves have Left == -1.
type Node struct {
	Feature int
	Split   float64
	Left    int
	Right   int
	Size    int
}

// Tree is an isolation tree stored as a flat node slice rooted at index 0.
// Lo and Hi bound the tree's training sample per feature.
type Tree struct {
	Nodes []Node
	Lo    []float64
	Hi    []float64
}

// Forest is an isolation forest. Its raw output is a decision margin: positive
// when a record takes longer to isolate than the contamination cutoff allows.
type Forest struct {
	Trees      []Tree
	SampleSize int
	Cutoff     float64
}

func (f *Forest) style() Style { return MarginScored }

func (f *Forest) fit(x [][]float64, opts Options) error {
	trees := opts.Trees
	if trees < 1 {
		trees = 1
	}
	f.SampleSize = opts.SampleSize
	if f.SampleSize < 2 || f.SampleSize > len(x) {
		f.SampleSize = len(x)
	}
	maxDepth := int(math.Ceil(math.Log2(float64(f.SampleSize))))

	rng := rand.New(rand.NewSource(opts.Seed))
	f.Trees = make([]Tree, trees)
	for t := range f.Trees {
		sample := rng.Perm(len(x))[:f.SampleSize]
		var tree Tree
		tree.box(x, sample)
		tree.grow(x, sample, 0, maxDepth, rng)
		f.Trees[t] = tree
	}

	scores := make([]float64, len(x))
	for i, row := range x {
		scores[i] = f.anomalyScore(row)
	}
	f.Cutoff = quantile(scores, 1-opts.Contamination)
	return nil
}

func (t *Tree) grow(x [][]float64, idx []int, depth, maxDepth int, rng *rand.Rand) int {
	self := len(t.Nodes)
	t.Nodes = append(t.Nodes, Node{Left: -1, Right: -1, Size: len(idx)})
	if depth >= maxDepth || len(idx) <= 1 {
		return self
	}

	// Only split on features that vary within this node.
	dims := len(x[idx[0]])
	candidates := make([]int, 0, dims)
	for j := 0; j < dims; j++ {
		lo, hi := bounds(x, idx, j)
		if hi > lo {
			candidates = append(candidates, j)
		}
	}
	if len(candidates) == 0 {
		return self
	}
	feature := candidates[rng.Intn(len(candidates))]
	lo, hi := bounds(x, idx, feature)
	split := lo + rng.Float64()*(hi-lo)

	var left, right []int
	for _, i := range idx {
		if x[i][feature] < split {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	l := t.grow(x, left, depth+1, maxDepth, rng)
	r := t.grow(x, right, depth+1, maxDepth, rng)
	t.Nodes[self].Feature = feature
	t.Nodes[self].Split = split
	t.Nodes[self].Left = l
	t.Nodes[self].Right = r
	return self
}

func (t *Tree) box(x [][]float64, idx []int) {
	dims := len(x[idx[0]])
	t.Lo = make([]float64, dims)
	t.Hi = make([]float64, dims)
	for j := 0; j < dims; j++ {
		t.Lo[j], t.Hi[j] = bounds(x, idx, j)
	}
}

func bounds(x [][]float64, idx []int, j int) (float64, float64) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, i := range idx {
		lo = math.Min(lo, x[i][j])
		hi = math.Max(hi, x[i][j])
	}
	return lo, hi
}

func (t *Tree) pathLength(x []float64) float64 {
	n := 0
	depth := 0
	for t.Nodes[n].Left >= 0 {
		node := t.Nodes[n]
		// A value outside the sample's range is separated by the first cut on
		// that feature.
		if t.outside(x, node.Feature) {
			return float64(depth + 1)
		}
		if x[node.Feature] < node.Split {
			n = node.Left
		} else {
			n = node.Right
		}
		depth++
	}
	return float64(depth) + averagePath(t.Nodes[n].Size)
}

func (t *Tree) outside(x []float64, f int) bool {
	if f >= len(t.Lo) {
		return false
	}
	return x[f] < t.Lo[f] || x[f] > t.Hi[f]
}

// averagePath is the expected path length of an unsuccessful BST search over n points.
func averagePath(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	default:
		fn := float64(n)
		return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
	}
}

// anomalyScore is in (0, 1]; values near 1 are easy to isolate.
func (f *Forest) anomalyScore(x []float64) float64 {
	var total float64
	for i := range f.Trees {
		total += f.Trees[i].pathLength(x)
	}
	mean := total / float64(len(f.Trees))
	c := averagePath(f.SampleSize)
	if c == 0 {
		return 0.5
	}
	return math.Pow(2, -mean/c)
}

func (f *Forest) score(x []float64) Raw {
	return Raw{Style: MarginScored, Score: f.Cutoff - f.anomalyScore(x)}
}
