package resilient

import (
	"sync"
	"time"

	"github.com/crosspost-io/crosspost/publish"
)

type (
	// DeadLetter is the out-of-band recovery queue for terminally failed
	// publishes. Enqueue never blocks the orchestrator: when the queue is
	// full the oldest entry is dropped.
	DeadLetter struct {
		mu      sync.Mutex
		entries []Entry
		cap     int
		dropped int
	}

	// Entry is one dead-lettered publish.
	Entry struct {
		// Artifact is the payload that failed to publish.
		Artifact publish.Artifact
		// Channel is the destination channel id.
		Channel string
		// LastError is the final failure message.
		LastError string
		// Attempts counts the publish attempts made.
		Attempts int
		// Timestamp records when the entry was enqueued (UTC).
		Timestamp time.Time
	}
)

// NewDeadLetter constructs a DeadLetter bounded at capacity. A non-positive
// capacity defaults to 1024.
func NewDeadLetter(capacity int) *DeadLetter {
	if capacity <= 0 {
		capacity = 1024
	}
	return &DeadLetter{cap: capacity}
}

// Enqueue appends an entry, evicting the oldest when full.
func (d *DeadLetter) Enqueue(e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.entries) >= d.cap {
		d.entries = d.entries[1:]
		d.dropped++
	}
	d.entries = append(d.entries, e)
}

// Entries returns a snapshot of the queued entries, oldest first.
func (d *DeadLetter) Entries() []Entry {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Entry(nil), d.entries...)
}

// Drain removes and returns all queued entries.
func (d *DeadLetter) Drain() []Entry {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.entries
	d.entries = nil
	return out
}

// Len returns the number of queued entries.
func (d *DeadLetter) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}
