package mailbox

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Batch is the ordered set of events accumulated for one recipient since the
// last successful delivery. A nil or empty Batch means nothing was buffered.
type Batch []json.RawMessage

// Accumulator buffers events per recipient until they are taken.
//
// Implementations must make TakeBatch a take-and-clear: a second call
// immediately after a non-empty result returns an empty batch. Append stores
// all of its events or none of them.
type Accumulator interface {
	Append(ctx context.Context, recipient string, events ...json.RawMessage) error
	TakeBatch(ctx context.Context, recipient string) (Batch, error)
	// Forget drops anything buffered for recipient.
	Forget(ctx context.Context, recipient string) error
	// Sweep evicts events older than the configured max age and returns how
	// many were dropped.
	Sweep(ctx context.Context) (int, error)
}

type storedEvent struct {
	at   time.Time
	data json.RawMessage
}

// MemoryConfig configures a MemoryAccumulator.
type MemoryConfig struct {
	Clock Clock

	// MaxEventAge drops buffered events older than this on take or sweep.
	// Zero disables age-based eviction.
	MaxEventAge time.Duration

	// OnEvict is called with the number of events dropped due to age.
	OnEvict func(n int)
}

// MemoryAccumulator is a process-local Accumulator.
type MemoryAccumulator struct {
	clock   Clock
	maxAge  time.Duration
	onEvict func(int)

	mu      sync.Mutex
	batches map[string][]storedEvent
}

func NewMemoryAccumulator(cfg MemoryConfig) *MemoryAccumulator {
	if cfg.Clock == nil {
		cfg.Clock = RealClock{}
	}
	return &MemoryAccumulator{
		clock:   cfg.Clock,
		maxAge:  cfg.MaxEventAge,
		onEvict: cfg.OnEvict,
		batches: make(map[string][]storedEvent),
	}
}

func (a *MemoryAccumulator) Append(_ context.Context, recipient string, events ...json.RawMessage) error {
	if len(events) == 0 {
		return nil
	}
	now := a.clock.Now()
	stored := make([]storedEvent, len(events))
	for i, event := range events {
		// The caller may reuse its buffers once Append returns.
		data := make(json.RawMessage, len(event))
		copy(data, event)
		stored[i] = storedEvent{at: now, data: data}
	}

	a.mu.Lock()
	a.batches[recipient] = append(a.batches[recipient], stored...)
	a.mu.Unlock()
	return nil
}

func (a *MemoryAccumulator) TakeBatch(_ context.Context, recipient string) (Batch, error) {
	a.mu.Lock()
	stored := a.batches[recipient]
	delete(a.batches, recipient)
	a.mu.Unlock()

	if len(stored) == 0 {
		return nil, nil
	}

	now := a.clock.Now()
	batch := make(Batch, 0, len(stored))
	evicted := 0
	for _, ev := range stored {
		if a.expired(ev.at, now) {
			evicted++
			continue
		}
		batch = append(batch, ev.data)
	}
	a.evicted(evicted)
	if len(batch) == 0 {
		return nil, nil
	}
	return batch, nil
}

func (a *MemoryAccumulator) Forget(_ context.Context, recipient string) error {
	a.mu.Lock()
	delete(a.batches, recipient)
	a.mu.Unlock()
	return nil
}

func (a *MemoryAccumulator) Sweep(_ context.Context) (int, error) {
	if a.maxAge <= 0 {
		return 0, nil
	}
	now := a.clock.Now()

	evicted := 0
	a.mu.Lock()
	for recipient, stored := range a.batches {
		// Events are appended in arrival order, so everything expired sits at
		// the front.
		n := 0
		for n < len(stored) && a.expired(stored[n].at, now) {
			n++
		}
		if n == 0 {
			continue
		}
		evicted += n
		if n == len(stored) {
			delete(a.batches, recipient)
			continue
		}
		a.batches[recipient] = append([]storedEvent(nil), stored[n:]...)
	}
	a.mu.Unlock()

	a.evicted(evicted)
	return evicted, nil
}

// Len reports how many events are buffered for recipient.
func (a *MemoryAccumulator) Len(recipient string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.batches[recipient])
}

func (a *MemoryAccumulator) expired(at, now time.Time) bool {
	return a.maxAge > 0 && now.Sub(at) > a.maxAge
}

func (a *MemoryAccumulator) evicted(n int) {
	if n > 0 && a.onEvict != nil {
		a.onEvict(n)
	}
}
