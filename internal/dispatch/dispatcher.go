// SPDX-License-Identifier: MIT

package dispatch

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/fovealabs/fovea/internal/config"
	"github.com/fovealabs/fovea/internal/frame"
	"github.com/fovealabs/fovea/internal/log"
	"github.com/fovealabs/fovea/internal/metrics"
)

// Dispatcher routes each result to its stream's outbound queue and fans a
// copy out to local sinks. Dispatch never blocks: a slow consumer loses its
// oldest results, a slow sink loses the overflow.
type Dispatcher struct {
	mu     sync.Mutex
	queues map[string]*Queue

	depth  int
	sinks  []Sink
	sinkCh chan frame.Result
	logger zerolog.Logger
}

// New creates a dispatcher. Sinks are optional; with none registered the
// fan-out path is idle.
func New(cfg config.PipelineConfig, sinks ...Sink) *Dispatcher {
	return &Dispatcher{
		queues: make(map[string]*Queue),
		depth:  cfg.OutboundDepth,
		sinks:  sinks,
		sinkCh: make(chan frame.Result, cfg.OutboundDepth),
		logger: log.WithComponent("dispatch"),
	}
}

// Attach creates (or replaces) the outbound queue for a stream and returns
// it. The transport session consumes the queue on its write loop.
func (d *Dispatcher) Attach(streamID string) *Queue {
	q := newQueue(d.depth)
	d.mu.Lock()
	if old, ok := d.queues[streamID]; ok {
		old.Close()
	}
	d.queues[streamID] = q
	d.mu.Unlock()
	return q
}

// Detach closes and removes the stream's outbound queue. Results dispatched
// afterwards are dropped.
func (d *Dispatcher) Detach(streamID string) {
	d.mu.Lock()
	q, ok := d.queues[streamID]
	if ok {
		delete(d.queues, streamID)
	}
	d.mu.Unlock()
	if ok {
		q.Close()
	}
}

// Dispatch routes one result. Results for unattached streams are dropped
// with a metric; the producing side does not care whether anyone is
// listening.
func (d *Dispatcher) Dispatch(r frame.Result) {
	d.mu.Lock()
	q, ok := d.queues[r.StreamID]
	d.mu.Unlock()

	if !ok {
		metrics.IncFrameDropped(r.StreamID, "no_consumer")
		d.logger.Debug().
			Str(log.FieldStreamID, r.StreamID).
			Uint64(log.FieldSeq, r.Seq).
			Msg("result for unattached stream dropped")
	} else {
		evicted, pushed := q.Push(r)
		accountEviction(evicted)
		if pushed {
			metrics.ResultsDelivered.WithLabelValues(r.StreamID, string(r.Status)).Inc()
		} else {
			metrics.IncFrameDropped(r.StreamID, "no_consumer")
		}
	}

	if len(d.sinks) == 0 {
		return
	}
	select {
	case d.sinkCh <- r:
	default:
		metrics.IncSinkWrite("fanout", "overflow")
	}
}

// Run drains the sink fan-out queue until ctx is done, then closes the
// sinks. Must be running whenever sinks are registered or the fan-out
// buffer will fill and overflow.
func (d *Dispatcher) Run(ctx context.Context) {
	defer func() {
		for _, s := range d.sinks {
			if err := s.Close(); err != nil {
				d.logger.Warn().Err(err).Msg("sink close failed")
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case r := <-d.sinkCh:
			for _, s := range d.sinks {
				if err := s.Write(ctx, r); err != nil {
					d.logger.Warn().
						Err(err).
						Str(log.FieldStreamID, r.StreamID).
						Uint64(log.FieldSeq, r.Seq).
						Msg("sink write failed")
				}
			}
		}
	}
}
