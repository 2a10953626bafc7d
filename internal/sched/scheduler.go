// SPDX-License-Identifier: MIT

// Package sched turns queued frames into inference calls while bounding
// end-to-end latency. It pulls fairly across active streams, batches frames
// for the engine, and gates engine concurrency with a weighted semaphore.
package sched

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/fovealabs/fovea/internal/config"
	"github.com/fovealabs/fovea/internal/engine"
	"github.com/fovealabs/fovea/internal/frame"
	"github.com/fovealabs/fovea/internal/ingress"
	"github.com/fovealabs/fovea/internal/log"
	"github.com/fovealabs/fovea/internal/metrics"
)

// Dispatcher receives finished results. Implemented by the result
// dispatcher; narrow here so the scheduler stays testable in isolation.
type Dispatcher interface {
	Dispatch(frame.Result)
}

// Scheduler owns batch assembly and engine dispatch.
type Scheduler struct {
	cfg    config.PipelineConfig
	reg    *ingress.Registry
	eng    engine.Engine
	disp   Dispatcher
	clk    clock.Clock
	sem    *semaphore.Weighted
	logger zerolog.Logger

	// cursor rotates which active stream is serviced first each round,
	// bounding worst-case per-stream staleness when streams outnumber the
	// batch cap.
	cursor int

	wg sync.WaitGroup
}

// New creates a scheduler. The engine is treated as a single logical
// resource with at most cfg.MaxInflight concurrent calls.
func New(cfg config.PipelineConfig, reg *ingress.Registry, eng engine.Engine, disp Dispatcher, clk clock.Clock) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		reg:    reg,
		eng:    eng,
		disp:   disp,
		clk:    clk,
		sem:    semaphore.NewWeighted(int64(cfg.MaxInflight)),
		logger: log.WithComponent("sched"),
	}
}

// Run drives the scheduling loop until ctx is done, then waits for in-flight
// batches to finish.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info().
		Int("max_batch_size", s.cfg.MaxBatchSize).
		Int("max_inflight", s.cfg.MaxInflight).
		Dur("batch_interval", s.cfg.BatchInterval).
		Dur("batch_deadline", s.cfg.BatchDeadline).
		Str(log.FieldEvent, "sched.started").
		Msg("scheduler started")

	ticker := s.clk.Ticker(s.cfg.BatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.logger.Info().Str(log.FieldEvent, "sched.stopped").Msg("scheduler stopped")
			return
		case <-ticker.C:
		case <-s.reg.Wake():
		}
		s.runRound(ctx)
	}
}

// runRound assembles one batch and hands it to the engine.
func (s *Scheduler) runRound(ctx context.Context) {
	b := s.assemble()
	if b == nil {
		return
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		// Shutdown while waiting for an engine slot: the batch frames
		// are discarded as expired, results for them never existed.
		s.expireBatch(b, "shutdown")
		return
	}
	b.state = batchDispatched
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.sem.Release(1)
		s.dispatchBatch(ctx, b)
	}()
}

// assemble pulls up to MaxBatchSize frames, one per active stream, starting
// at the fairness cursor. Frames past their staleness deadline are expired
// on the spot and never reach the engine.
func (s *Scheduler) assemble() *batch {
	streams := s.reg.Active()
	if len(streams) == 0 {
		return nil
	}
	s.cursor %= len(streams)
	rotated := make([]*ingress.Stream, 0, len(streams))
	rotated = append(rotated, streams[s.cursor:]...)
	rotated = append(rotated, streams[:s.cursor]...)
	s.cursor++

	byID := make(map[string]*ingress.Stream, len(rotated))
	for _, st := range rotated {
		byID[st.ID] = st
	}

	frames := s.reg.DequeueBatch(rotated, s.cfg.MaxBatchSize)
	if len(frames) == 0 {
		return nil
	}

	now := s.clk.Now()
	items := make([]item, 0, len(frames))
	for _, f := range frames {
		st := byID[f.StreamID]
		if f.Age(now) > s.cfg.FrameStaleness {
			s.expireFrame(st, f, "stale")
			continue
		}
		items = append(items, item{f: f, s: st})
	}
	if len(items) == 0 {
		return nil
	}
	return &batch{id: uuid.NewString(), items: items, state: batchAssembled}
}

// dispatchBatch runs one engine call and routes the outcome.
func (s *Scheduler) dispatchBatch(ctx context.Context, b *batch) {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.BatchDeadline)
	defer cancel()

	start := s.clk.Now()
	dets, err := s.eng.Infer(callCtx, b.frames())
	elapsed := s.clk.Now().Sub(start)

	switch {
	case err == nil && len(dets) == len(b.items):
		b.state = batchCompleted
		metrics.ObserveInference(len(b.items), elapsed)
		if elapsed > s.cfg.BatchDeadline {
			// Engine answered but blew the deadline: results are still
			// delivered best-effort, the violation is only counted.
			metrics.SLAViolations.Inc()
		}
		s.completeBatch(b, dets, elapsed)

	case errors.Is(err, context.DeadlineExceeded):
		b.state = batchExpired
		metrics.SLAViolations.Inc()
		s.expireBatch(b, "deadline")

	case err == nil:
		// Contract violation: detection count mismatch. Treat like an
		// engine failure for the whole batch.
		s.logger.Error().
			Str(log.FieldBatchID, b.id).
			Int("frames", len(b.items)).
			Int("detections", len(dets)).
			Msg("engine returned wrong detection count")
		b.state = batchCompleted
		s.failBatch(b, elapsed)

	default:
		// Engine failure: per-frame Failed results, streams continue.
		b.state = batchCompleted
		s.logger.Warn().
			Err(err).
			Str(log.FieldBatchID, b.id).
			Msg("engine call failed")
		s.failBatch(b, elapsed)
	}

	s.logger.Debug().
		Str(log.FieldBatchID, b.id).
		Str(log.FieldNewState, b.state.String()).
		Int("frames", len(b.items)).
		Dur("inference_ms", elapsed).
		Msg("batch settled")
}

// completeBatch delivers results with per-frame granularity: a stream that
// went draining mid-batch has its frames discarded without touching the
// other streams' results from the same call.
func (s *Scheduler) completeBatch(b *batch, dets [][]frame.Detection, elapsed time.Duration) {
	for i, it := range b.items {
		if st := it.s.State(); st == ingress.StateDraining || st == ingress.StateClosed {
			s.expireFrame(it.s, it.f, "stream_closed")
			continue
		}
		s.deliver(it, frame.Result{
			StreamID:         it.f.StreamID,
			Seq:              it.f.Seq,
			Detections:       dets[i],
			Status:           frame.StatusOK,
			InferenceLatency: elapsed,
		})
	}
}

func (s *Scheduler) failBatch(b *batch, elapsed time.Duration) {
	for _, it := range b.items {
		if st := it.s.State(); st == ingress.StateDraining || st == ingress.StateClosed {
			s.expireFrame(it.s, it.f, "stream_closed")
			continue
		}
		metrics.FramesFailed.WithLabelValues(it.f.StreamID).Inc()
		s.deliver(it, frame.Result{
			StreamID:         it.f.StreamID,
			Seq:              it.f.Seq,
			Status:           frame.StatusFailed,
			InferenceLatency: elapsed,
		})
	}
}

// expireBatch silently drops every frame of a timed-out batch. Stale frames
// are not worth re-inferring; they are finalized so a re-submission of the
// same identifier is a no-op.
func (s *Scheduler) expireBatch(b *batch, reason string) {
	for _, it := range b.items {
		s.expireFrame(it.s, it.f, reason)
	}
	s.logger.Debug().
		Str(log.FieldBatchID, b.id).
		Str(log.FieldReason, reason).
		Int("frames", len(b.items)).
		Msg("batch expired")
}

func (s *Scheduler) expireFrame(st *ingress.Stream, f frame.Frame, reason string) {
	st.Finalize(f.Seq)
	metrics.FramesExpired.WithLabelValues(f.StreamID).Inc()
	s.logger.Debug().
		Str(log.FieldStreamID, f.StreamID).
		Uint64(log.FieldSeq, f.Seq).
		Str(log.FieldReason, reason).
		Msg("frame expired")
}

// deliver finalizes the sequence number and hands the result to the
// dispatcher. With more than one batch in flight a later round can finish
// first; finalization losing the race means a fresher result for the stream
// was already out, so the stale one is dropped to keep per-stream delivery
// in non-decreasing order.
func (s *Scheduler) deliver(it item, r frame.Result) {
	if !it.s.Finalize(r.Seq) {
		metrics.FramesExpired.WithLabelValues(r.StreamID).Inc()
		return
	}
	metrics.ObserveEndToEnd(s.clk.Now().Sub(it.f.CapturedAt))
	s.disp.Dispatch(r)
}
