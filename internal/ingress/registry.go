// SPDX-License-Identifier: MIT

package ingress

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/fovealabs/fovea/internal/config"
	"github.com/fovealabs/fovea/internal/frame"
	"github.com/fovealabs/fovea/internal/log"
	"github.com/fovealabs/fovea/internal/metrics"
)

// Registry tracks the dynamic set of connected streams. The registry lock
// covers insert/remove and lookups only; per-stream queue operations take no
// cross-stream lock.
type Registry struct {
	mu      sync.Mutex
	streams map[string]*Stream

	depth      int
	dropOldest bool
	idle       time.Duration

	clk    clock.Clock
	logger zerolog.Logger

	// wake is pulsed when a frame lands in any queue so the scheduler can
	// assemble a batch before its next tick.
	wake chan struct{}
}

// NewRegistry creates a stream registry.
func NewRegistry(cfg config.PipelineConfig, clk clock.Clock) *Registry {
	return &Registry{
		streams:    make(map[string]*Stream),
		depth:      cfg.MaxQueueDepth,
		dropOldest: cfg.DropPolicy != config.DropNewest,
		idle:       cfg.StreamIdle,
		clk:        clk,
		logger:     log.WithComponent("ingress"),
		wake:       make(chan struct{}, 1),
	}
}

// Wake returns the channel pulsed when any stream receives a frame.
func (r *Registry) Wake() <-chan struct{} {
	return r.wake
}

// Register creates (or revives) the stream and moves it to ACTIVE. A client
// reconnecting to an existing live stream resumes it; a stream currently
// draining is rejected until the reaper removes it.
func (r *Registry) Register(id string) (*Stream, error) {
	if id == "" {
		return nil, fmt.Errorf("empty stream id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.streams[id]
	if ok {
		if st := s.State(); st == StateDraining || st == StateClosed {
			return nil, fmt.Errorf("stream %q is draining", id)
		}
		s.Touch(r.clk.Now())
		return s, nil
	}

	s = newStream(id, r.depth, r.dropOldest, r.clk.Now())
	r.streams[id] = s
	metrics.ActiveStreams.WithLabelValues(StateConnecting.String()).Inc()
	r.transition(s, StateActive)
	r.logger.Info().
		Str(log.FieldStreamID, id).
		Str(log.FieldEvent, "stream.registered").
		Msg("stream registered")
	return s, nil
}

// Get returns the stream if registered.
func (r *Registry) Get(id string) (*Stream, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streams[id]
	return s, ok
}

// Enqueue routes a frame to its stream's queue and pulses the scheduler.
func (r *Registry) Enqueue(f frame.Frame) (Admission, error) {
	s, ok := r.Get(f.StreamID)
	if !ok {
		return Admission{}, fmt.Errorf("unknown stream %q", f.StreamID)
	}
	adm := s.Enqueue(f)
	if adm.Accepted {
		select {
		case r.wake <- struct{}{}:
		default:
		}
	}
	return adm, nil
}

// DequeueBatch pulls at most one frame per listed stream, in list order, up
// to maxBatch frames total. Streams with empty queues are skipped without
// blocking the rest; callers control fairness by rotating the list.
func (r *Registry) DequeueBatch(streams []*Stream, maxBatch int) []frame.Frame {
	if maxBatch <= 0 {
		return nil
	}
	out := make([]frame.Frame, 0, maxBatch)
	for _, s := range streams {
		if len(out) == maxBatch {
			break
		}
		if f, ok := s.Dequeue(); ok {
			out = append(out, f)
		}
	}
	return out
}

// Active returns the ACTIVE streams in stable (sorted) order so the
// scheduler's round-robin cursor lands on a deterministic rotation.
func (r *Registry) Active() []*Stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Stream, 0, len(r.streams))
	for _, s := range r.streams {
		if s.State() == StateActive {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Drain moves a stream to DRAINING: its queued and in-flight frames will be
// discarded, other streams are unaffected.
func (r *Registry) Drain(id, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streams[id]
	if !ok || s.State() != StateActive {
		return
	}
	r.transition(s, StateDraining)
	r.logger.Info().
		Str(log.FieldStreamID, id).
		Str(log.FieldReason, reason).
		Str(log.FieldEvent, "stream.draining").
		Msg("stream draining")
}

// Remove closes and deletes a stream.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streams[id]
	if !ok {
		return
	}
	// The stream leaves the registry entirely, so decrement its current
	// state gauge instead of moving it to a "closed" bucket that would
	// only ever grow.
	metrics.ActiveStreams.WithLabelValues(s.State().String()).Dec()
	s.state.Store(int32(StateClosed))
	delete(r.streams, id)
	metrics.QueueDepth.DeleteLabelValues(id)
	r.logger.Info().
		Str(log.FieldStreamID, id).
		Str(log.FieldEvent, "stream.closed").
		Msg("stream closed")
}

// Snapshot returns per-stream stats for the admin API.
func (r *Registry) Snapshot() []Stats {
	r.mu.Lock()
	streams := make([]*Stream, 0, len(r.streams))
	for _, s := range r.streams {
		streams = append(streams, s)
	}
	r.mu.Unlock()

	out := make([]Stats, 0, len(streams))
	for _, s := range streams {
		out = append(out, s.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RunReaper closes streams that have been idle longer than the configured
// interval. Blocks until ctx is done.
func (r *Registry) RunReaper(ctx context.Context) {
	if r.idle <= 0 {
		<-ctx.Done()
		return
	}
	ticker := r.clk.Ticker(r.idle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reapIdle()
		}
	}
}

func (r *Registry) reapIdle() {
	now := r.clk.Now()
	r.mu.Lock()
	var stale []string
	for id, s := range r.streams {
		if now.Sub(s.LastSeen()) > r.idle {
			stale = append(stale, id)
		}
	}
	r.mu.Unlock()

	for _, id := range stale {
		r.Drain(id, "idle_timeout")
		r.Remove(id)
	}
}

func (r *Registry) transition(s *Stream, to State) {
	from := s.State()
	if from == to {
		return
	}
	s.state.Store(int32(to))
	metrics.ActiveStreams.WithLabelValues(from.String()).Dec()
	metrics.ActiveStreams.WithLabelValues(to.String()).Inc()
	r.logger.Debug().
		Str(log.FieldStreamID, s.ID).
		Str(log.FieldOldState, from.String()).
		Str(log.FieldNewState, to.String()).
		Msg("stream state transition")
}
