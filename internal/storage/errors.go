package storage

import "errors"

// Storage errors shared by all backends.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned when inserting a record whose key
	// already exists.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")

	// ErrPositionConflict is returned by Open when an OPEN or CLOSING
	// position already exists for the instrument. Never a silent overwrite.
	ErrPositionConflict = errors.New("position already open or closing for instrument")

	// ErrNoOpenPosition is returned by MarkClosing when the instrument
	// has no OPEN position to exit.
	ErrNoOpenPosition = errors.New("no open position for instrument")

	// ErrNoClosingPosition is returned by Close when no CLOSING position
	// matches the exit signal id.
	ErrNoClosingPosition = errors.New("no closing position for exit signal")
)
