package db

import (
	"database/sql"
	"errors"
	"fmt"
)

// Common storage errors.
var (
	ErrNotFound = errors.New("not found")

	// ErrServiceMismatch is returned when an embedding write would place the
	// same content hash under a second service. Vector spaces must not mix
	// under one hash.
	ErrServiceMismatch = errors.New("hash already embedded under a different service")
)

// ServiceNotEmptyError is returned when deleting a service that still owns
// data without force.
type ServiceNotEmptyError struct {
	Name       string
	Embeddings int64
	Chunks     int64
}

func (e *ServiceNotEmptyError) Error() string {
	return fmt.Sprintf("service %q still has %d embeddings and %d chunks (use force to cascade)",
		e.Name, e.Embeddings, e.Chunks)
}

func classifyNotFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return err
}
