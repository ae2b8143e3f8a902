package settlement

import "errors"

var (
	// ErrPriceUnavailable means the feed or the adjustment store could not
	// produce a price. The affected evaluation is skipped until the next pass.
	ErrPriceUnavailable = errors.New("price unavailable")
	ErrNotFound         = errors.New("position not found")
	// ErrAlreadySettled is returned when a position left RUNNING before the
	// caller could settle it, usually because a concurrent close or sweep won.
	ErrAlreadySettled  = errors.New("position already settled")
	ErrInvalidPosition = errors.New("invalid position")
	ErrNoPriceMovement = errors.New("price has not moved since entry")
)
