// SPDX-License-Identifier: MIT

package capture

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/fovealabs/fovea/internal/frame"
	"github.com/fovealabs/fovea/internal/log"
	"github.com/fovealabs/fovea/internal/transport"
)

// Sender ships one frame toward the server. Satisfied by
// *transport.Client; a send failure means that frame is gone, nothing more.
type Sender interface {
	Send(f frame.Frame) error
}

// Worker paces a source at a target frame rate and ships each image with a
// stream-scoped, monotonically increasing sequence number. Sequence numbers
// survive reconnects; they belong to capture, not to the connection.
type Worker struct {
	streamID string
	src      Source
	sender   Sender
	limiter  *rate.Limiter
	clk      clock.Clock
	interval time.Duration
	logger   zerolog.Logger

	seq     atomic.Uint64
	sent    atomic.Uint64
	skipped atomic.Uint64
}

// NewWorker creates a capture worker targeting fps frames per second.
// statsInterval controls the periodic summary log line.
func NewWorker(streamID string, src Source, sender Sender, fps float64, statsInterval time.Duration, clk clock.Clock) *Worker {
	return &Worker{
		streamID: streamID,
		src:      src,
		sender:   sender,
		limiter:  rate.NewLimiter(rate.Limit(fps), 1),
		clk:      clk,
		interval: statsInterval,
		logger:   log.WithStream("capture", streamID),
	}
}

// Run captures until the source drains or ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	defer w.src.Close()

	statsCtx, stopStats := context.WithCancel(ctx)
	defer stopStats()
	go w.statsLoop(statsCtx)

	for {
		if err := w.limiter.Wait(ctx); err != nil {
			return nil
		}
		img, err := w.src.Next(ctx)
		if err != nil {
			if errors.Is(err, ErrSourceDrained) {
				w.logger.Info().Uint64(log.FieldSeq, w.seq.Load()).Msg("source drained")
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		f := frame.Frame{
			StreamID:   w.streamID,
			Seq:        w.seq.Load(),
			CapturedAt: w.clk.Now(),
			Pixels:     img.Pixels,
			Width:      img.Width,
			Height:     img.Height,
		}
		w.seq.Add(1)

		if err := w.sender.Send(f); err != nil {
			// Dropped on the floor; the next frame matters more than this
			// one ever will.
			w.skipped.Add(1)
			if !errors.Is(err, transport.ErrNotConnected) {
				w.logger.Debug().Err(err).Uint64(log.FieldSeq, f.Seq).Msg("frame not delivered")
			}
			continue
		}
		w.sent.Add(1)
	}
}

func (w *Worker) statsLoop(ctx context.Context) {
	if w.interval <= 0 {
		return
	}
	ticker := w.clk.Ticker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.logger.Info().
				Uint64("sent", w.sent.Load()).
				Uint64("skipped", w.skipped.Load()).
				Uint64(log.FieldSeq, w.seq.Load()).
				Str(log.FieldEvent, "capture.stats").
				Msg("capture stats")
		}
	}
}
