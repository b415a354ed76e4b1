// Package uuid provides task ID generation backed by UUIDv7.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates time-ordered task identifiers.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUIDv7 string. Task ids sort by creation time, which keeps
// task listings in the stores roughly chronological.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate task id: %w", err)
	}
	return id.String(), nil
}

// Valid reports whether raw parses as a UUID.
func Valid(raw string) bool {
	_, err := uuid.Parse(raw)
	return err == nil
}
