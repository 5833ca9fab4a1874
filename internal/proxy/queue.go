package proxy

import "sync"

// DefaultQueueCapacity bounds the offline queue. Overflowing replies are
// dropped so payments degrade instead of pausing arbitrarily.
const DefaultQueueCapacity = 10

// OfflineQueue is a bounded FIFO of serialized reply frames held while the
// tunnel is down, flushed on the next successful connect.
type OfflineQueue struct {
	mu       sync.Mutex
	frames   [][]byte
	capacity int
}

func NewOfflineQueue(capacity int) *OfflineQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &OfflineQueue{capacity: capacity}
}

// Enqueue appends frame. Non-blocking: reports false and drops the frame
// when the queue is full.
func (q *OfflineQueue) Enqueue(frame []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.frames) >= q.capacity {
		return false
	}
	q.frames = append(q.frames, frame)
	return true
}

// Pop removes and returns the oldest frame.
func (q *OfflineQueue) Pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.frames) == 0 {
		return nil, false
	}
	frame := q.frames[0]
	q.frames = q.frames[1:]
	return frame, true
}

// PushFront reinserts a frame at the head after a failed flush send.
// Best-effort: the frame is dropped when the queue refilled meanwhile.
func (q *OfflineQueue) PushFront(frame []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.frames) >= q.capacity {
		return false
	}
	q.frames = append([][]byte{frame}, q.frames...)
	return true
}

// Len reports the number of queued frames.
func (q *OfflineQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Capacity reports the queue bound.
func (q *OfflineQueue) Capacity() int {
	return q.capacity
}
