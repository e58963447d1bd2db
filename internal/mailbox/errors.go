package mailbox

import "errors"

var (
	// ErrPollTimeout is returned by Await when the poll deadline elapsed
	// before any event arrived for the recipient.
	ErrPollTimeout = errors.New("poll timed out")
	// ErrRecipientGone is returned to suspended polls when the recipient is
	// forgotten (its session was deleted).
	ErrRecipientGone = errors.New("recipient gone")
	ErrClosed        = errors.New("dispatcher closed")
)
