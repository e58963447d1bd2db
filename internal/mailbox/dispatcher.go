package mailbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	DefaultPollTimeout   = 60 * time.Second
	DefaultSweepInterval = 30 * time.Second
)

// Notifier fans recipient notifications out to other dispatcher instances
// sharing the same Accumulator.
type Notifier interface {
	Publish(ctx context.Context, recipient string) error
	// Listen blocks until ctx is done, calling fn for every recipient
	// published by another instance.
	Listen(ctx context.Context, fn func(recipient string)) error
}

// Config wires the Dispatcher's collaborators. Only Accumulator is required
// in practice; the zero value of every other field has a usable default.
type Config struct {
	Accumulator Accumulator
	Notifier    Notifier
	Clock       Clock
	Logger      *slog.Logger
	Observer    Observer

	// PollTimeout is the default deadline for a suspended poll.
	PollTimeout time.Duration
	// SweepInterval is how often Run evicts aged events.
	SweepInterval time.Duration
}

// Dispatcher pairs submitted events with suspended polls.
type Dispatcher struct {
	acc      Accumulator
	notifier Notifier
	clock    Clock
	log      *slog.Logger
	obs      Observer

	pollTimeout   time.Duration
	sweepInterval time.Duration

	ids      IDAllocator
	registry *registry
	closed   atomic.Bool
}

func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.Clock == nil {
		cfg.Clock = RealClock{}
	}
	if cfg.Accumulator == nil {
		cfg.Accumulator = NewMemoryAccumulator(MemoryConfig{Clock: cfg.Clock})
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	return &Dispatcher{
		acc:           cfg.Accumulator,
		notifier:      cfg.Notifier,
		clock:         cfg.Clock,
		log:           cfg.Logger,
		obs:           cfg.Observer,
		pollTimeout:   cfg.PollTimeout,
		sweepInterval: cfg.SweepInterval,
		registry:      newRegistry(),
	}
}

func (d *Dispatcher) PollTimeout() time.Duration { return d.pollTimeout }

// Submit buffers event for recipient and hands the accumulated batch to the
// oldest live poll, if any. It never waits on a poll.
func (d *Dispatcher) Submit(ctx context.Context, recipient string, event json.RawMessage) error {
	return d.SubmitBatch(ctx, recipient, Batch{event})
}

// SubmitBatch buffers events in order and notifies once, so a waiting poll
// sees all of them in the same batch. On error none of the events were
// buffered and the caller may retry.
func (d *Dispatcher) SubmitBatch(ctx context.Context, recipient string, events Batch) error {
	if d.closed.Load() {
		return ErrClosed
	}
	if len(events) == 0 {
		return nil
	}

	s := d.registry.shardFor(recipient)
	s.mu.Lock()
	if err := d.acc.Append(ctx, recipient, events...); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("append events: %w", err)
	}
	for range events {
		d.obs.EventSubmitted()
	}
	err := d.notifyLocked(ctx, s, recipient)
	s.mu.Unlock()

	if d.notifier != nil {
		if perr := d.notifier.Publish(ctx, recipient); perr != nil {
			d.log.Warn("failed to publish recipient notification", "recipient", recipient, "err", perr)
		}
	}
	return err
}

// Notify delivers any buffered batch for recipient to its oldest live poll.
func (d *Dispatcher) Notify(ctx context.Context, recipient string) error {
	s := d.registry.shardFor(recipient)
	s.mu.Lock()
	defer s.mu.Unlock()
	return d.notifyLocked(ctx, s, recipient)
}

// notifyLocked scans recipient's registry in FIFO order. Zombies are dropped;
// the first live request receives the batch (if one is buffered) and is
// removed. Since the batch is consumed by that first delivery, every later
// live request keeps waiting, while zombies further down are still pruned.
func (d *Dispatcher) notifyLocked(ctx context.Context, s *shard, recipient string) error {
	list := s.pending[recipient]
	if len(list) == 0 {
		return nil
	}

	kept := make([]*PendingRequest, 0, len(list))
	pruned := 0
	taken := false
	var takeErr error
	for _, req := range list {
		if !req.live {
			pruned++
			continue
		}
		if taken {
			kept = append(kept, req)
			continue
		}
		taken = true

		batch, err := d.acc.TakeBatch(ctx, recipient)
		if err != nil {
			takeErr = fmt.Errorf("take batch: %w", err)
			kept = append(kept, req)
			continue
		}
		if len(batch) == 0 {
			kept = append(kept, req)
			continue
		}

		req.resolveLocked(pollResult{batch: batch})
		d.obs.PendingDelta(-1)
		d.log.Debug("delivered batch to pending poll",
			"recipient", recipient,
			"request_id", req.ID,
			"batch_size", len(batch),
		)
	}
	s.storeLocked(recipient, kept)

	if pruned > 0 {
		d.obs.ZombiesPruned(pruned)
	}
	return takeErr
}

// Await returns the events buffered for recipient, suspending for up to the
// default poll timeout when there are none.
func (d *Dispatcher) Await(ctx context.Context, recipient string) (Batch, error) {
	return d.AwaitTimeout(ctx, recipient, d.pollTimeout)
}

// AwaitTimeout is Await with an explicit deadline.
//
// It returns ErrPollTimeout when the deadline fires first, ErrRecipientGone
// when the recipient is forgotten while waiting, and ctx.Err() when ctx is
// done. A cancelled poll is left in the registry as a zombie so it is never
// delivered to.
func (d *Dispatcher) AwaitTimeout(ctx context.Context, recipient string, timeout time.Duration) (Batch, error) {
	if timeout <= 0 {
		timeout = d.pollTimeout
	}
	id := d.ids.Next()

	s := d.registry.shardFor(recipient)
	s.mu.Lock()
	if d.closed.Load() {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	batch, err := d.acc.TakeBatch(ctx, recipient)
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("take batch: %w", err)
	}
	if len(batch) > 0 {
		s.mu.Unlock()
		d.obs.PollFinished(PollImmediate, len(batch))
		return batch, nil
	}
	req := s.registerLocked(d.clock, recipient, id, timeout, d.expire)
	// Counted before unlocking so a delivery racing in can't report its -1
	// first.
	d.obs.PendingDelta(1)
	s.mu.Unlock()

	d.log.Debug("poll suspended", "recipient", recipient, "request_id", id, "timeout", timeout)

	select {
	case res := <-req.done:
		return d.finish(req, res)
	case <-ctx.Done():
	}

	s.mu.Lock()
	if req.live {
		req.clearLocked()
		s.mu.Unlock()
		d.obs.PendingDelta(-1)
		d.obs.PollFinished(PollCancelled, 0)
		d.log.Debug("poll cancelled by client", "recipient", recipient, "request_id", id)
		return nil, ctx.Err()
	}
	s.mu.Unlock()

	// The request was resolved while the cancellation raced in.
	return d.finish(req, <-req.done)
}

func (d *Dispatcher) finish(req *PendingRequest, res pollResult) (Batch, error) {
	switch {
	case res.err == nil:
		d.obs.PollFinished(PollDelivered, len(res.batch))
	case res.err == ErrPollTimeout:
		d.obs.PollFinished(PollTimeout, 0)
		d.log.Debug("poll timed out", "recipient", req.Recipient, "request_id", req.ID)
	case res.err == ErrRecipientGone:
		d.obs.PollFinished(PollGone, 0)
	default:
		d.obs.PollFinished(PollClosed, 0)
	}
	return res.batch, res.err
}

// expire is the deadline callback. The entry stays in the registry as a
// zombie until the recipient is next scanned.
func (d *Dispatcher) expire(req *PendingRequest) {
	s := d.registry.shardFor(req.Recipient)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !req.live {
		return
	}
	req.resolveLocked(pollResult{err: ErrPollTimeout})
	d.obs.PendingDelta(-1)
}

// Pending prunes recipient's registry and returns the number of live polls.
func (d *Dispatcher) Pending(recipient string) int {
	s := d.registry.shardFor(recipient)
	s.mu.Lock()
	live, pruned := s.listAndPruneLocked(recipient)
	s.mu.Unlock()
	if pruned > 0 {
		d.obs.ZombiesPruned(pruned)
	}
	return len(live)
}

// Forget drops everything buffered for recipient and releases its suspended
// polls with ErrRecipientGone.
func (d *Dispatcher) Forget(ctx context.Context, recipient string) error {
	s := d.registry.shardFor(recipient)
	s.mu.Lock()
	defer s.mu.Unlock()

	released := d.releaseLocked(s, recipient, ErrRecipientGone)
	if released > 0 {
		d.log.Debug("released polls for forgotten recipient", "recipient", recipient, "count", released)
	}
	if err := d.acc.Forget(ctx, recipient); err != nil {
		return fmt.Errorf("forget recipient: %w", err)
	}
	return nil
}

func (d *Dispatcher) releaseLocked(s *shard, recipient string, err error) int {
	live, pruned := s.listAndPruneLocked(recipient)
	for _, req := range live {
		req.resolveLocked(pollResult{err: err})
	}
	delete(s.pending, recipient)
	if len(live) > 0 {
		d.obs.PendingDelta(-len(live))
	}
	if pruned > 0 {
		d.obs.ZombiesPruned(pruned)
	}
	return len(live)
}

// Run evicts aged events every sweep interval and, when a Notifier is
// configured, relays notifications published by other instances. It returns
// when ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.sweepLoop(ctx)
	})
	if d.notifier != nil {
		g.Go(func() error {
			return d.notifier.Listen(ctx, d.remoteNotify)
		})
	}
	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (d *Dispatcher) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(d.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := d.acc.Sweep(ctx)
			if err != nil {
				d.log.Warn("event sweep failed", "err", err)
				continue
			}
			if n > 0 {
				d.log.Debug("evicted aged events", "count", n)
			}
		}
	}
}

func (d *Dispatcher) remoteNotify(recipient string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Notify(ctx, recipient); err != nil {
		d.log.Warn("remote notify failed", "recipient", recipient, "err", err)
	}
}

// Close releases every suspended poll with ErrClosed. Later calls to Submit
// and Await fail with ErrClosed.
func (d *Dispatcher) Close() {
	if d.closed.Swap(true) {
		return
	}
	for i := range d.registry.shards {
		s := &d.registry.shards[i]
		s.mu.Lock()
		for recipient := range s.pending {
			d.releaseLocked(s, recipient, ErrClosed)
		}
		s.mu.Unlock()
	}
}
