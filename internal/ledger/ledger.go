// Package ledger records which raw records have already been trained on.
package ledger

import (
	"context"
	"sort"

	"github.com/Veraticus/the-spice-must-learn/internal/model"
)

// Ledger persists a SeenSet between training runs.
//
// Load never fails because of a missing or unreadable ledger: it logs and returns an
// empty set, trading a redundant retrain for never blocking training.
type Ledger interface {
	Load(ctx context.Context) (SeenSet, error)
	Save(ctx context.Context, seen SeenSet) error
	Reset(ctx context.Context) error
}

// SeenSet is a set of record hashes.
type SeenSet map[model.RecordHash]struct{}

// NewSeenSet creates a set holding the given hashes.
func NewSeenSet(hashes ...model.RecordHash) SeenSet {
	s := make(SeenSet, len(hashes))
	for _, h := range hashes {
		s[h] = struct{}{}
	}
	return s
}

// Has reports membership.
func (s SeenSet) Has(h model.RecordHash) bool {
	_, ok := s[h]
	return ok
}

// Add inserts hashes.
func (s SeenSet) Add(hashes ...model.RecordHash) {
	for _, h := range hashes {
		s[h] = struct{}{}
	}
}

// Clone returns an independent copy.
func (s SeenSet) Clone() SeenSet {
	out := make(SeenSet, len(s))
	for h := range s {
		out[h] = struct{}{}
	}
	return out
}

// Sorted returns the hex forms in ascending order.
func (s SeenSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for h := range s {
		out = append(out, h.String())
	}
	sort.Strings(out)
	return out
}

// Keyed pairs a record with its hash.
type Keyed struct {
	Record model.Record
	Hash   model.RecordHash
}

// FilterNew returns the records whose hash is not in seen, in input order. A record
// repeated within records is returned once.
func FilterNew(records []model.Record, seen SeenSet) []Keyed {
	return FilterNewFunc(records, seen, model.Record.Hash)
}

// FilterNewFunc is FilterNew with a caller-supplied record identity.
func FilterNewFunc(records []model.Record, seen SeenSet, hash func(model.Record) model.RecordHash) []Keyed {
	var out []Keyed
	emitted := make(map[model.RecordHash]struct{})
	for _, r := range records {
		h := hash(r)
		if seen.Has(h) {
			continue
		}
		if _, dup := emitted[h]; dup {
			continue
		}
		emitted[h] = struct{}{}
		out = append(out, Keyed{Record: r, Hash: h})
	}
	return out
}

// Hashes extracts the hashes of keyed records.
func Hashes(keyed []Keyed) []model.RecordHash {
	out := make([]model.RecordHash, len(keyed))
	for i, k := range keyed {
		out[i] = k.Hash
	}
	return out
}
