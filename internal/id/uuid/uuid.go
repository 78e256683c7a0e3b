// Package uuid generates run identifiers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates time-ordered UUID v7 strings, falling back to v4.
type Generator struct{}

// NewGenerator creates a Generator.
func NewGenerator() Generator {
	return Generator{}
}

// NewID returns a UUIDv7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// MustRunID returns a v7 ID, or a v4 ID if the v7 source fails.
func (g Generator) MustRunID() string {
	if id, err := g.NewID(); err == nil {
		return id
	}
	return uuid.NewString()
}
