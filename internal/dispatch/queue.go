// SPDX-License-Identifier: MIT

// Package dispatch routes finished results back toward their originating
// stream and fans them out to local sinks without ever blocking the
// network return path.
package dispatch

import (
	"sync"

	"github.com/fovealabs/fovea/internal/frame"
	"github.com/fovealabs/fovea/internal/ingress"
	"github.com/fovealabs/fovea/internal/metrics"
)

// Queue is a bounded per-stream outbound result queue. Results are
// delivered in the order they were pushed; when the consumer falls behind
// the oldest queued result is evicted so the freshest ones survive.
type Queue struct {
	mu     sync.Mutex
	buf    []frame.Result
	head   int
	count  int
	closed bool

	// ready carries one pulse while the queue is non-empty. The consumer
	// blocks on it instead of polling.
	ready chan struct{}
}

func newQueue(depth int) *Queue {
	return &Queue{
		buf:   make([]frame.Result, depth),
		ready: make(chan struct{}, 1),
	}
}

// Ready signals that at least one result may be available. A pulse can be
// spurious after a concurrent Pop; consumers must tolerate an empty Pop.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// Push appends a result, evicting the oldest entry when full. The evicted
// result is returned so callers can account for it. Pushing to a closed
// queue drops the result.
func (q *Queue) Push(r frame.Result) (evicted *frame.Result, ok bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, false
	}
	if q.count == len(q.buf) {
		old := q.buf[q.head]
		q.head = (q.head + 1) % len(q.buf)
		q.count--
		evicted = &old
	}
	q.buf[(q.head+q.count)%len(q.buf)] = r
	q.count++
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return evicted, true
}

// Pop removes the oldest queued result. ok is false when the queue is
// empty or closed.
func (q *Queue) Pop() (frame.Result, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || q.count == 0 {
		return frame.Result{}, false
	}
	r := q.buf[q.head]
	q.buf[q.head] = frame.Result{}
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	if q.count > 0 {
		select {
		case q.ready <- struct{}{}:
		default:
		}
	}
	return r, true
}

// Depth reports the number of queued results.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Close drops all queued results and rejects further pushes. The ready
// channel is pulsed once so a blocked consumer wakes up and observes the
// closed state.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	for i := range q.buf {
		q.buf[i] = frame.Result{}
	}
	q.count = 0
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *Queue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func accountEviction(r *frame.Result) {
	if r != nil {
		metrics.IncFrameDropped(r.StreamID, ingress.DropQueueFull)
	}
}
