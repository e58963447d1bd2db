package mailbox

import (
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 64

// PendingRequest is a suspended poll waiting for events.
//
// A request leaves the waiting state exactly once: it is completed (a batch
// was handed to it and it was removed from the registry), expired (its
// deadline fired) or cancelled (its client went away). Expired and cancelled
// requests stay in the registry as zombies until the next scan of their
// recipient prunes them.
type PendingRequest struct {
	ID        uint64
	Recipient string
	Deadline  time.Time

	// done is buffered so the side resolving the request never blocks on the
	// waiter.
	done chan pollResult

	// Guarded by the owning shard's mutex.
	live  bool
	timer Timer
}

type pollResult struct {
	batch Batch
	err   error
}

func (p *PendingRequest) resolveLocked(res pollResult) {
	p.live = false
	if p.timer != nil {
		p.timer.Stop()
	}
	p.done <- res
}

// clearLocked turns the request into a zombie without notifying the waiter.
func (p *PendingRequest) clearLocked() {
	p.live = false
	if p.timer != nil {
		p.timer.Stop()
	}
}

// shard owns the registry entries and the critical section of every
// recipient that hashes to it.
type shard struct {
	mu      sync.Mutex
	pending map[string][]*PendingRequest
}

type registry struct {
	shards [shardCount]shard
}

func newRegistry() *registry {
	r := &registry{}
	for i := range r.shards {
		r.shards[i].pending = make(map[string][]*PendingRequest)
	}
	return r
}

func (r *registry) shardFor(recipient string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(recipient))
	return &r.shards[h.Sum32()%shardCount]
}

// registerLocked appends a new waiting request and arms its deadline. onExpire
// runs on the clock's goroutine and must take the shard lock itself.
func (s *shard) registerLocked(clock Clock, recipient string, id uint64, timeout time.Duration, onExpire func(*PendingRequest)) *PendingRequest {
	req := &PendingRequest{
		ID:        id,
		Recipient: recipient,
		Deadline:  clock.Now().Add(timeout),
		done:      make(chan pollResult, 1),
		live:      true,
	}
	s.pending[recipient] = append(s.pending[recipient], req)
	req.timer = clock.AfterFunc(timeout, func() { onExpire(req) })
	return req
}

// listAndPruneLocked drops zombies from recipient's list, persists the pruned
// list and returns the live entries in FIFO order along with the number of
// zombies removed.
func (s *shard) listAndPruneLocked(recipient string) ([]*PendingRequest, int) {
	list := s.pending[recipient]
	if len(list) == 0 {
		return nil, 0
	}
	live := make([]*PendingRequest, 0, len(list))
	for _, req := range list {
		if req.live {
			live = append(live, req)
		}
	}
	s.storeLocked(recipient, live)
	return live, len(list) - len(live)
}

func (s *shard) storeLocked(recipient string, list []*PendingRequest) {
	if len(list) == 0 {
		delete(s.pending, recipient)
		return
	}
	s.pending[recipient] = list
}
