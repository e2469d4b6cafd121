package lidex

import "errors"

var (
	// Store errors.
	ErrNoStore = errors.New("lidex: no store configured")
	ErrClosed  = errors.New("lidex: store closed")

	// Not found errors.
	ErrInstanceNotFound = errors.New("lidex: instance not found")

	// Argument errors.
	ErrLeaseNotInFuture = errors.New("lidex: lease expiry must be after now")
)
