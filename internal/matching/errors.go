package matching

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidCriteria is returned for missing or empty request fields.
	ErrInvalidCriteria = errors.New("matching: invalid criteria")

	// ErrAlreadySearching is returned when the user already has an active search.
	ErrAlreadySearching = errors.New("matching: user is already in a matching queue")

	// ErrSessionNotFound is returned for unknown session IDs.
	ErrSessionNotFound = errors.New("matching: session not found")

	// ErrStoreUnavailable marks failures talking to Redis.
	ErrStoreUnavailable = errors.New("matching: store unavailable")
)

func storeErr(op string, err error) error {
	return fmt.Errorf("matching: %s: %w", op, errors.Join(ErrStoreUnavailable, err))
}
