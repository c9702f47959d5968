package discussion

import (
	"errors"
)

var (
	// no connection at call time. No optimistic projection was created.
	ErrChannelUnavailable = errors.New("Channel unavailable.")
	// an optimistic projection existed but was never confirmed
	ErrConfirmationTimeout = errors.New("Confirmation timeout.")
	// a mutation was attempted on an entity that is still pending
	ErrConcurrentMutation = errors.New("Concurrent mutation.")
	// fingerprint reconciliation matched more than one pending entity
	ErrReconciliationAmbiguous = errors.New("Reconciliation ambiguous.")

	// the server rejected the mutation with a `comment:error` event
	ErrChannelRejected = errors.New("Channel rejected.")
	// the channel disconnected while the mutation was in flight
	ErrChannelDisconnected = errors.New("Channel disconnected.")

	// no snapshot arrived for an opening thread within the load timeout
	ErrLoadTimeout = errors.New("Thread load timeout.")

	ErrCommentNotFound = errors.New("Comment not found.")
	ErrNotOwner        = errors.New("Only the author can delete a comment.")
	ErrEmptyBody       = errors.New("Comment body is empty.")
	ErrNotFailed       = errors.New("Comment is not failed.")
)

// IsConfirmationFailure reports whether err resolved an optimistic projection to `failed`.
func IsConfirmationFailure(err error) bool {
	return errors.Is(err, ErrConfirmationTimeout) ||
		errors.Is(err, ErrChannelRejected) ||
		errors.Is(err, ErrChannelDisconnected)
}
