package model

import (
	"errors"
	"fmt"
	"sort"
)

// ErrInvalidRanking marks rankings a classifier must not serve, such as the
// NaN probabilities of a diverged model.
var ErrInvalidRanking = errors.New("invalid category ranking")

// CategoryRanking is one class and the probability the classifier gives it.
type CategoryRanking struct {
	Category string
	Score    float64
}

// Validate checks that the ranking names a class and holds a probability.
func (r CategoryRanking) Validate() error {
	if r.Category == "" {
		return fmt.Errorf("%w: empty category", ErrInvalidRanking)
	}
	// Written this way so NaN fails too.
	if !(r.Score >= 0 && r.Score <= 1) {
		return fmt.Errorf("%w: %q has score %v outside [0, 1]", ErrInvalidRanking, r.Category, r.Score)
	}
	return nil
}

// CategoryRankings is a ranked list of classes, best first once sorted.
type CategoryRankings []CategoryRanking

// Sort orders by descending score; equal scores fall back to the category name
// so output is stable across runs.
func (r CategoryRankings) Sort() {
	sort.SliceStable(r, func(i, j int) bool {
		if r[i].Score != r[j].Score {
			return r[i].Score > r[j].Score
		}
		return r[i].Category < r[j].Category
	})
}

// TopN returns a sorted copy of the n best rankings.
func (r CategoryRankings) TopN(n int) CategoryRankings {
	if n <= 0 {
		return CategoryRankings{}
	}
	r.Sort()
	n = min(n, len(r))
	out := make(CategoryRankings, n)
	copy(out, r[:n])
	return out
}

// Validate checks every ranking and rejects a class listed twice.
func (r CategoryRankings) Validate() error {
	seen := make(map[string]struct{}, len(r))
	for i, ranking := range r {
		if err := ranking.Validate(); err != nil {
			return fmt.Errorf("rank %d: %w", i+1, err)
		}
		if _, dup := seen[ranking.Category]; dup {
			return fmt.Errorf("%w: %q listed twice", ErrInvalidRanking, ranking.Category)
		}
		seen[ranking.Category] = struct{}{}
	}
	return nil
}
