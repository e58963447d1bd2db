// Package mailbox delivers signaling events to long-polling HTTP clients.
//
// Events posted for a recipient are buffered in an Accumulator until a poll
// for that recipient collects them. Polls that find nothing buffered are
// parked in a per-recipient FIFO registry with a deadline; the Dispatcher
// hands the next batch to the oldest live poll and reclaims polls whose
// deadline fired or whose client went away.
//
// All state for one recipient is guarded by a single lock stripe. Distinct
// recipients never contend unless they hash to the same stripe, and no lock is
// held while a poll is suspended.
package mailbox
