package relay

import (
	"sync"
	"sync/atomic"
)

type outbound struct {
	messageType int
	data        []byte
}

// sendQueue is a byte-bounded FIFO of outbound WebSocket messages.
//
// Broadcasts enqueue without blocking so one slow reader never holds up the
// sender or the other peers; the peer's write loop drains it.
type sendQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	closed   bool

	maxBytes int
	curBytes int
	pending  []outbound

	drops atomic.Uint64
}

func newSendQueue(maxBytes int) *sendQueue {
	q := &sendQueue{maxBytes: maxBytes}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

func (q *sendQueue) DropCount() uint64 {
	return q.drops.Load()
}

// Enqueue appends msg if it fits within the byte budget. It never blocks.
// data is shared between peers and must not be modified afterwards.
func (q *sendQueue) Enqueue(messageType int, data []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || q.curBytes+len(data) > q.maxBytes {
		q.drops.Add(1)
		return false
	}

	q.pending = append(q.pending, outbound{messageType: messageType, data: data})
	q.curBytes += len(data)
	q.notEmpty.Signal()
	return true
}

// Dequeue blocks until a message is available. It returns false once the
// queue is closed; anything still queued at that point is discarded.
func (q *sendQueue) Dequeue() (outbound, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.pending) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if q.closed {
		return outbound{}, false
	}
	msg := q.pending[0]
	q.pending[0] = outbound{}
	q.pending = q.pending[1:]
	q.curBytes -= len(msg.data)
	return msg, true
}

func (q *sendQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *sendQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.pending = nil
	q.curBytes = 0
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}
