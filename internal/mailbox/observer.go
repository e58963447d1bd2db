package mailbox

// PollOutcome labels how a poll finished.
type PollOutcome string

const (
	// PollImmediate: events were already buffered when the poll arrived.
	PollImmediate PollOutcome = "immediate"
	// PollDelivered: the poll was suspended and later received a batch.
	PollDelivered PollOutcome = "delivered"
	PollTimeout   PollOutcome = "timeout"
	PollCancelled PollOutcome = "cancelled"
	PollGone      PollOutcome = "gone"
	PollClosed    PollOutcome = "closed"
)

// Observer receives dispatcher events for metrics. Implementations must be
// cheap and must not call back into the Dispatcher; most methods run with a
// recipient lock held.
type Observer interface {
	EventSubmitted()
	PollFinished(outcome PollOutcome, batchSize int)
	PendingDelta(delta int)
	ZombiesPruned(n int)
}

type nopObserver struct{}

func (nopObserver) EventSubmitted() {}
func (nopObserver) PollFinished(PollOutcome, int) {}
func (nopObserver) PendingDelta(int) {}
func (nopObserver) ZombiesPruned(int) {}
