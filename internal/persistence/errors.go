package persistence

import "errors"

var (
	// ErrPoolClosed is returned when acquiring from a closed pool.
	ErrPoolClosed = errors.New("persistence: pool closed")

	// ErrUnknownDriver is returned for a database driver name with no dialect.
	ErrUnknownDriver = errors.New("persistence: unknown database driver")
)
