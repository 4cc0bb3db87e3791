package storage

import "github.com/google/uuid"

// UUIDv7Generator produces time-ordered UUID v7 identifiers, keeping the
// (CreatedAt, ID) keyset ordering aligned with insertion order.
type UUIDv7Generator struct{}

// NewUUIDv7Generator creates the default ID generator.
func NewUUIDv7Generator() UUIDv7Generator {
	return UUIDv7Generator{}
}

// New returns a fresh UUID v7, falling back to a random v4 if the
// entropy source fails.
func (UUIDv7Generator) New() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}
