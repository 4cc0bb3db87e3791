package storage

import "errors"

var (
	// ErrTaskNotFound is returned when a task lookup matches no row.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskAlreadyExists is returned when persisting a task whose ID is
	// already stored.
	ErrTaskAlreadyExists = errors.New("task already exists")

	// ErrNilTask is returned when a nil task is passed to a write operation.
	ErrNilTask = errors.New("task cannot be nil")

	// ErrInvalidTransition is returned when a status change violates the
	// task status machine.
	ErrInvalidTransition = errors.New("invalid status transition")
)
