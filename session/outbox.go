package session

import (
	"sync"

	"github.com/oklog/ulid/v2"
)

// outboxEntry is a message accepted for delivery but not yet confirmed
// sent on the current connection.
type outboxEntry struct {
	// ID is assigned client-side at enqueue time. A resubmission after
	// a connection failure reuses it, so the server deduplicates and
	// the message cannot double-post.
	ID           string
	RoomID       string
	Body         string
	ThreadRootID string

	// attempts counts delivery tries across connections. An entry is
	// resubmitted at most once.
	attempts int
}

const outboxMaxAttempts = 2

// outbox holds messages composed while the connection was down, or
// in flight when it dropped. FIFO: on reconnect entries are resubmitted
// in their original compose order. Enqueues come straight from callers
// so sends never block on the event loop; delivery stays loop-only.
type outbox struct {
	mu      sync.Mutex
	entries []*outboxEntry
}

// Enqueue accepts a message for delivery, assigning its permanent
// client id. Returns the entry so the caller can report the id.
func (o *outbox) Enqueue(roomID, body, threadRootID string) *outboxEntry {
	o.mu.Lock()
	defer o.mu.Unlock()

	e := &outboxEntry{
		ID:           ulid.Make().String(),
		RoomID:       roomID,
		Body:         body,
		ThreadRootID: threadRootID,
	}
	o.entries = append(o.entries, e)
	return e
}

// Next returns the oldest pending entry without removing it, or nil
// when the outbox is empty.
func (o *outbox) Next() *outboxEntry {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.entries) == 0 {
		return nil
	}
	return o.entries[0]
}

// Ack removes the oldest entry after a confirmed send.
func (o *outbox) Ack() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.entries) == 0 {
		return
	}
	o.entries = o.entries[1:]
}

// NoteAttempt records a delivery try on the oldest entry and reports
// whether the entry has exhausted its attempts. Exhausted entries are
// dropped so one poisoned message cannot wedge the queue.
func (o *outbox) NoteAttempt() (exhausted bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.entries) == 0 {
		return false
	}
	e := o.entries[0]
	e.attempts++
	if e.attempts >= outboxMaxAttempts {
		o.entries = o.entries[1:]
		return true
	}
	return false
}

// Len reports the number of pending entries.
func (o *outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}
