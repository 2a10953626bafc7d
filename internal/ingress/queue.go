// SPDX-License-Identifier: MIT

// Package ingress manages per-stream bounded frame queues and the registry of
// connected streams. Each queue is touched by exactly two actors: the
// transport session enqueues, the scheduler dequeues.
package ingress

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/fovealabs/fovea/internal/frame"
	"github.com/fovealabs/fovea/internal/metrics"
)

// State is the lifecycle state of a stream.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateDraining
	StateClosed
)

// String returns the state as a metric/log label.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Drop reasons reported by Enqueue.
const (
	DropQueueFull    = "queue_full"
	DropDuplicate    = "duplicate"
	DropStreamClosed = "stream_closed"
)

// Admission is the outcome of an enqueue attempt. Overflow is an expected
// operating condition, not an error: callers count it and move on.
type Admission struct {
	Accepted bool
	// Dropped names the frame discarded to admit (or instead of) the new
	// one; nil when nothing was dropped.
	Dropped *frame.Frame
	Reason  string
}

// Stream is one logical video source with its own ordering and queue.
type Stream struct {
	ID string

	mu    sync.Mutex
	buf   []frame.Frame // ring, capacity = max queue depth
	head  int
	count int

	state     atomic.Int32
	lastSeen  atomic.Int64 // unix nanos of last received message
	finalized atomic.Int64 // highest seq delivered or expired; -1 initially

	received atomic.Uint64
	dropped  atomic.Uint64

	dropOldest bool
}

func newStream(id string, depth int, dropOldest bool, now time.Time) *Stream {
	s := &Stream{
		ID:         id,
		buf:        make([]frame.Frame, depth),
		dropOldest: dropOldest,
	}
	s.state.Store(int32(StateConnecting))
	s.finalized.Store(-1)
	s.lastSeen.Store(now.UnixNano())
	return s
}

// State reports the stream's current lifecycle state.
func (s *Stream) State() State {
	return State(s.state.Load())
}

// Touch updates the liveness timestamp. Called by the transport on every
// successful receive.
func (s *Stream) Touch(now time.Time) {
	s.lastSeen.Store(now.UnixNano())
}

// LastSeen returns the liveness timestamp.
func (s *Stream) LastSeen() time.Time {
	return time.Unix(0, s.lastSeen.Load())
}

// Finalized returns the highest sequence number already delivered or expired,
// or -1 when none is.
func (s *Stream) Finalized() int64 {
	return s.finalized.Load()
}

// Finalize raises the finalized watermark to seq if it is higher. Returns
// false when seq was already finalized, which makes duplicate suppression a
// single compare-and-swap loop.
func (s *Stream) Finalize(seq uint64) bool {
	for {
		cur := s.finalized.Load()
		if int64(seq) <= cur {
			return false
		}
		if s.finalized.CompareAndSwap(cur, int64(seq)) {
			return true
		}
	}
}

// Enqueue admits a frame under the drop policy. Single producer.
func (s *Stream) Enqueue(f frame.Frame) Admission {
	if st := s.State(); st == StateDraining || st == StateClosed {
		s.dropped.Add(1)
		metrics.IncFrameDropped(s.ID, DropStreamClosed)
		return Admission{Reason: DropStreamClosed, Dropped: &f}
	}
	if int64(f.Seq) <= s.finalized.Load() {
		s.dropped.Add(1)
		metrics.IncFrameDropped(s.ID, DropDuplicate)
		return Admission{Reason: DropDuplicate, Dropped: &f}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.received.Add(1)
	metrics.FramesReceived.WithLabelValues(s.ID).Inc()

	if s.count < len(s.buf) {
		s.buf[(s.head+s.count)%len(s.buf)] = f
		s.count++
		metrics.QueueDepth.WithLabelValues(s.ID).Set(float64(s.count))
		return Admission{Accepted: true}
	}

	s.dropped.Add(1)
	metrics.IncFrameDropped(s.ID, DropQueueFull)
	if !s.dropOldest {
		// Drop-newest: the incoming frame is discarded.
		return Admission{Reason: DropQueueFull, Dropped: &f}
	}
	// Drop-oldest: evict the stalest frame, admit the fresh one.
	evicted := s.buf[s.head]
	s.buf[s.head] = f
	s.head = (s.head + 1) % len(s.buf)
	return Admission{Accepted: true, Reason: DropQueueFull, Dropped: &evicted}
}

// Dequeue pops the oldest queued frame. Single consumer.
func (s *Stream) Dequeue() (frame.Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count == 0 {
		return frame.Frame{}, false
	}
	f := s.buf[s.head]
	s.buf[s.head] = frame.Frame{} // release the pixel buffer
	s.head = (s.head + 1) % len(s.buf)
	s.count--
	metrics.QueueDepth.WithLabelValues(s.ID).Set(float64(s.count))
	return f, true
}

// Depth reports the number of queued frames.
func (s *Stream) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Stats is a point-in-time snapshot of one stream's counters.
type Stats struct {
	ID        string `json:"id"`
	State     string `json:"state"`
	Depth     int    `json:"depth"`
	Received  uint64 `json:"received"`
	Dropped   uint64 `json:"dropped"`
	Finalized int64  `json:"finalized_seq"`
}

// Snapshot captures the stream's counters.
func (s *Stream) Snapshot() Stats {
	return Stats{
		ID:        s.ID,
		State:     s.State().String(),
		Depth:     s.Depth(),
		Received:  s.received.Load(),
		Dropped:   s.dropped.Load(),
		Finalized: s.finalized.Load(),
	}
}
