package bridge

import (
	"sync"
	"time"
)

// queuedEnvelope is one deferred send: the envelope id for logs and the
// already-encoded bytes, so a flush never re-encrypts
type queuedEnvelope struct {
	id   string
	data []byte
	at   time.Time
}

// sendQueue is a bounded FIFO of envelopes waiting for their peer to
// connect. Overflow drops the oldest entry; recency wins. The drop is
// best-effort policy, not a delivery guarantee.
type sendQueue struct {
	mu    sync.Mutex
	items []*queuedEnvelope
	max   int
}

func newSendQueue(max int) *sendQueue {
	if max <= 0 {
		max = 100
	}
	return &sendQueue{max: max}
}

// push appends an envelope and returns the dropped oldest entry, if the
// queue was full
func (q *sendQueue) push(item *queuedEnvelope) *queuedEnvelope {
	q.mu.Lock()
	defer q.mu.Unlock()

	var dropped *queuedEnvelope
	if len(q.items) >= q.max {
		dropped = q.items[0]
		q.items = q.items[1:]
	}
	q.items = append(q.items, item)
	return dropped
}

// drain empties the queue and returns its contents in enqueue order
func (q *sendQueue) drain() []*queuedEnvelope {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.items
	q.items = nil
	return items
}

func (q *sendQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
