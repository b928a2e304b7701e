package stream

import (
	"sync"

	"github.com/coachpo/meltica-streams/internal/infra/transport"
)

// frameQueue is a bounded ring between the socket reader and the processing goroutine.
// When full, push overwrites the oldest frame.
type frameQueue struct {
	mu      sync.Mutex
	buf     []transport.Frame
	head    int
	size    int
	dropped uint64
	notify  chan struct{}
}

func newFrameQueue(capacity int) *frameQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &frameQueue{
		buf:    make([]transport.Frame, capacity),
		notify: make(chan struct{}, 1),
	}
}

// push enqueues f and reports whether an older frame was dropped to make room.
func (q *frameQueue) push(f transport.Frame) bool {
	q.mu.Lock()
	dropped := false
	if q.size == len(q.buf) {
		q.buf[q.head] = transport.Frame{}
		q.head = (q.head + 1) % len(q.buf)
		q.size--
		q.dropped++
		dropped = true
	}
	q.buf[(q.head+q.size)%len(q.buf)] = f
	q.size++
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return dropped
}

// drain moves every queued frame into dst and returns it.
func (q *frameQueue) drain(dst []transport.Frame) []transport.Frame {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.size > 0 {
		dst = append(dst, q.buf[q.head])
		q.buf[q.head] = transport.Frame{}
		q.head = (q.head + 1) % len(q.buf)
		q.size--
	}
	return dst
}

func (q *frameQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

func (q *frameQueue) droppedCount() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
