package storage

import "errors"

var (
	ErrWrongType  = errors.New("WRONGTYPE Operation against a key holding the wrong kind of value")
	ErrNotInteger = errors.New("value is not an integer or out of range")

	// Stream errors
	ErrIDNonPositive = errors.New("The ID specified in XADD must be greater than 0-0")
	ErrIDTooSmall    = errors.New("The ID specified in XADD is equal or smaller than the target stream top item")
	ErrInvalidID     = errors.New("Invalid stream ID specified as stream command argument")

	ErrBadPattern = errors.New("invalid glob pattern")
)
