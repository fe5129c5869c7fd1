// Package model defines the core domain models used throughout the application.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Record is one raw observation: a short text built from vendor and description,
// an optional amount, and an optional category label.
type Record struct {
	Date   time.Time
	Amount *float64
	Text   string // lower-cased "vendor description"
	Label  string // category; empty for unlabeled records
	Source string // where the record came from (csv path, ofx account, feedback)
}

// BuildText joins vendor and description the same way for training and serving.
func BuildText(vendor, description string) string {
	text := strings.TrimSpace(vendor) + " " + strings.TrimSpace(description)
	return strings.ToLower(strings.TrimSpace(text))
}

// NewRecord creates a record from raw vendor/description fields.
func NewRecord(vendor, description, label string, amount *float64) Record {
	return Record{
		Text:   BuildText(vendor, description),
		Label:  strings.TrimSpace(label),
		Amount: amount,
	}
}

// HasAmount reports whether the record carries a usable amount.
func (r Record) HasAmount() bool {
	return r.Amount != nil
}

// Hash returns the dedup identity of the record. Only text and label participate,
// so changes to the feature representation never invalidate the ledger.
func (r Record) Hash() RecordHash {
	return HashOf(r.Text, r.Label)
}

// RecordHash is a SHA-256 digest over (text, label).
type RecordHash [sha256.Size]byte

// HashOf computes the RecordHash of a text/label pair.
func HashOf(text, label string) RecordHash {
	return RecordHash(sha256.Sum256([]byte(text + "||" + label)))
}

// String returns the lowercase hex form used in ledger files.
func (h RecordHash) String() string {
	return hex.EncodeToString(h[:])
}

// ParseRecordHash parses the hex form produced by String.
func ParseRecordHash(s string) (RecordHash, error) {
	var h RecordHash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("invalid record hash %q: %w", s, err)
	}
	if len(b) != len(h) {
		return h, fmt.Errorf("invalid record hash %q: want %d bytes, got %d", s, len(h), len(b))
	}
	copy(h[:], b)
	return h, nil
}

// Float returns a pointer to f. Handy for optional amounts.
func Float(f float64) *float64 {
	return &f
}
