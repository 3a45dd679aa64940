// Package uuid provides job ID generation and validation helpers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates random UUID strings. Job ids double as anonymous
// access capabilities, so they use v4 (fully random) rather than the
// time-ordered variants.
type Generator struct{}

// NewUUIDGenerator creates a new Generator.
func NewUUIDGenerator() *Generator {
	return &Generator{}
}

// NewID returns a UUIDv4 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate uuid4: %w", err)
	}
	return id.String(), nil
}

// IsValid reports whether s is a canonical 36-character UUID. Job ids
// are only ever issued in that form, so the urn:uuid:, braced, and
// bare-hex variants uuid.Parse tolerates are rejected before any store
// lookup.
func IsValid(s string) bool {
	if len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}
