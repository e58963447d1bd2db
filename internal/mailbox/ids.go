package mailbox

import "sync/atomic"

// IDAllocator hands out unique, monotonically increasing request ids. The
// zero value is ready to use; the first id is 1.
type IDAllocator struct {
	last atomic.Uint64
}

func (a *IDAllocator) Next() uint64 {
	return a.last.Add(1)
}
