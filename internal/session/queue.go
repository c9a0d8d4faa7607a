package session

import "sync"

// outQueue is the bounded per-session outbound queue. Frames are split
// into two tiers: control frames the client depends on, and
// loss-tolerant state updates. On overflow the oldest state update is
// dropped first; a control frame is only ever dropped when the queue
// holds nothing but control frames.
type outQueue struct {
	mu      sync.Mutex
	control [][]byte
	state   [][]byte
	limit   int
	closed  bool
	dropped uint64

	notify chan struct{}
}

func newOutQueue(limit int) *outQueue {
	return &outQueue{
		limit:  limit,
		notify: make(chan struct{}, 1),
	}
}

// push enqueues one frame without ever blocking. reliable selects the
// control tier. Returns false when the frame was dropped (overflow on an
// unreliable frame with no room to make) or the queue is closed.
func (q *outQueue) push(frame []byte, reliable bool) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}

	if len(q.control)+len(q.state) >= q.limit {
		switch {
		case len(q.state) > 0:
			// Evict the oldest state update; newest game state matters
			// more than history.
			q.state = q.state[1:]
			q.dropped++
		case !reliable:
			q.dropped++
			q.mu.Unlock()
			return false
		default:
			// Queue is all control and the new frame is control too.
			// Evict the oldest rather than lose the newest.
			q.control = q.control[1:]
			q.dropped++
		}
	}

	if reliable {
		q.control = append(q.control, frame)
	} else {
		q.state = append(q.state, frame)
	}
	// Notified under the lock so close() can never close the channel
	// between the closed check above and this send.
	select {
	case q.notify <- struct{}{}:
	default:
	}
	q.mu.Unlock()
	return true
}

// pop blocks until a frame is available or the queue is closed and
// drained. Control frames are delivered ahead of queued state updates.
func (q *outQueue) pop() ([]byte, bool) {
	for {
		q.mu.Lock()
		if len(q.control) > 0 {
			frame := q.control[0]
			q.control = q.control[1:]
			q.mu.Unlock()
			return frame, true
		}
		if len(q.state) > 0 {
			frame := q.state[0]
			q.state = q.state[1:]
			q.mu.Unlock()
			return frame, true
		}
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		q.mu.Unlock()

		<-q.notify
	}
}

// close stops accepting frames. Already-queued frames remain poppable so
// the drain loop can flush them.
func (q *outQueue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.notify)
	q.mu.Unlock()
}

// discard drops all pending frames.
func (q *outQueue) discard() {
	q.mu.Lock()
	q.control = nil
	q.state = nil
	q.mu.Unlock()
}

// depth returns the number of queued frames.
func (q *outQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.control) + len(q.state)
}

// droppedCount returns the number of frames lost to overflow.
func (q *outQueue) droppedCount() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
