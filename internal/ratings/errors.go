package ratings

import (
	"errors"
	"fmt"
)

var (
	// ErrOutOfRange is matched by every *OutOfRangeError.
	ErrOutOfRange = errors.New("rating index out of range")
	// ErrDuplicate is matched by every *DuplicateError.
	ErrDuplicate = errors.New("duplicate rating")
)

// OutOfRangeError reports an event whose user or item index does not fit the
// declared capacity. Indices are never truncated or wrapped.
type OutOfRangeError struct {
	Event    Event
	Capacity Capacity
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("rating (user=%d, item=%d) exceeds capacity (users=%d, items=%d)",
		e.Event.UserID, e.Event.ItemID, e.Capacity.Users, e.Capacity.Items)
}

func (e *OutOfRangeError) Is(target error) bool {
	return target == ErrOutOfRange
}

// DuplicateError is returned under the Reject policy when a (user, item) pair
// is rated more than once.
type DuplicateError struct {
	UserID int
	ItemID int
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("duplicate rating for user=%d item=%d", e.UserID, e.ItemID)
}

func (e *DuplicateError) Is(target error) bool {
	return target == ErrDuplicate
}
