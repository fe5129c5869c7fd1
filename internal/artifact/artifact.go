// Package artifact persists trained models as a mutable pointer file plus
// immutable, versioned snapshots.
//
// Every file is published by writing a temporary file in the same directory,
// syncing it, and renaming it into place, so a reader opening the pointer sees
// either the previous complete artifact or the new one.
package artifact

import (
	"bytes"
	"crypto/sha256"
	"encoding/gob"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Veraticus/the-spice-must-learn/internal/common"
	"github.com/Veraticus/the-spice-must-learn/internal/encoder"
)

// FormatVersion identifies the envelope layout.
const FormatVersion = 1

// Artifact is the envelope around a serialized model.
type Artifact struct {
	CreatedAt time.Time
	ID        string
	Purpose   string
	Kind      string
	Payload   []byte
	Schema    encoder.Schema
	Checksum  [sha256.Size]byte
	Format    int
	Version   int64
}

// New wraps payload in a fresh envelope. Version is assigned on write.
func New(purpose, kind string, schema encoder.Schema, payload []byte) *Artifact {
	return &Artifact{
		Format:    FormatVersion,
		ID:        uuid.NewString(),
		Purpose:   purpose,
		Kind:      kind,
		CreatedAt: time.Now().UTC(),
		Schema:    schema,
		Checksum:  sha256.Sum256(payload),
		Payload:   payload,
	}
}

// Encode serializes the envelope.
func Encode(a *Artifact) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(a); err != nil {
		return nil, fmt.Errorf("failed to encode artifact: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode parses and verifies an envelope. Every failure wraps ErrCorruptArtifact.
func Decode(data []byte) (*Artifact, error) {
	var a Artifact
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&a); err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrCorruptArtifact, err)
	}
	if a.Format != FormatVersion {
		return nil, fmt.Errorf("%w: unsupported format %d", common.ErrCorruptArtifact, a.Format)
	}
	if sha256.Sum256(a.Payload) != a.Checksum {
		return nil, fmt.Errorf("%w: payload checksum mismatch", common.ErrCorruptArtifact)
	}
	return &a, nil
}
