// Package spool holds pending requests until the dispatcher is ready for
// them. An entry only points at a request's send channel; the request itself
// travels through the channel.
//
// The spool is an unordered work set, not a FIFO. Claiming is atomic: an
// entry handed to one caller of Claim is never handed to another, even when
// several dispatchers drain the same spool.
package spool

import (
	"context"
	"time"
)

// Entry is one claimed spool entry.
type Entry struct {
	ID string
	// Channel is the send channel path exactly as the client wrote it.
	// It is untrusted and may be empty if the entry was unreadable.
	Channel string
}

// Queue is the work queue between clients and the dispatcher.
type Queue interface {
	// Enqueue adds an entry pointing at channelPath.
	Enqueue(ctx context.Context, channelPath string) error

	// Claim removes one entry from the queue and returns it. The bool is
	// false when the queue is empty.
	Claim(ctx context.Context) (Entry, bool, error)

	// Pending returns the number of unclaimed entries.
	Pending(ctx context.Context) (int, error)
}

// Trigger tells the dispatcher that work is pending.
type Trigger interface {
	Wake() error
}

// TriggerFunc adapts a function to Trigger.
type TriggerFunc func() error

// Wake calls f.
func (f TriggerFunc) Wake() error {
	return f()
}

// nowFunc is replaced in tests.
var nowFunc = time.Now
