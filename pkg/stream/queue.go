package stream

import "sync"

// Queue is a bounded FIFO of encoded messages. When full, Push evicts the
// oldest message so a slow consumer never blocks the producer; the consumer
// sees a gap in reading sequence numbers instead.
type Queue struct {
	mu      sync.Mutex
	items   [][]byte
	head    int
	size    int
	closed  bool
	dropped uint64
	notify  chan struct{}
}

// NewQueue creates a queue holding at most capacity messages.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		items:  make([][]byte, capacity),
		notify: make(chan struct{}, 1),
	}
}

// Push appends msg. It reports whether an older message was dropped to make
// room. Pushing to a closed queue is a no-op.
func (q *Queue) Push(msg []byte) (dropped bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if q.size == len(q.items) {
		q.items[q.head] = nil
		q.head = (q.head + 1) % len(q.items)
		q.size--
		q.dropped++
		dropped = true
	}
	q.items[(q.head+q.size)%len(q.items)] = msg
	q.size++
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return dropped
}

// Next blocks until a message is available, the queue is closed and drained,
// or done is closed. ok is false in the latter two cases.
func (q *Queue) Next(done <-chan struct{}) (msg []byte, ok bool) {
	for {
		q.mu.Lock()
		if q.size > 0 {
			msg = q.items[q.head]
			q.items[q.head] = nil
			q.head = (q.head + 1) % len(q.items)
			q.size--
			q.mu.Unlock()
			return msg, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, false
		}

		select {
		case <-q.notify:
		case <-done:
			return nil, false
		}
	}
}

// Close wakes the consumer. Messages already queued are still delivered.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Dropped returns the number of messages evicted so far.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
