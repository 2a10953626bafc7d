// SPDX-License-Identifier: MIT

package engine

import (
	"context"
	"hash/fnv"
	"sync/atomic"
	"time"

	"github.com/fovealabs/fovea/internal/config"
	"github.com/fovealabs/fovea/internal/frame"
)

// Stub is a deterministic in-process engine for development and tests. It
// synthesises detections from the frame identity and sleeps a configurable
// per-call latency so scheduler behavior under load can be exercised without
// a model.
type Stub struct {
	conf    float32
	latency atomic.Int64 // nanoseconds per call
	closed  atomic.Bool
}

var stubClasses = []string{"person", "car", "dog", "bicycle"}

// NewStub creates a stub engine honoring the configured confidence threshold.
func NewStub(cfg config.EngineConfig) *Stub {
	return &Stub{conf: float32(cfg.ConfThreshold)}
}

// SetLatency fixes the simulated per-call latency.
func (s *Stub) SetLatency(d time.Duration) {
	s.latency.Store(int64(d))
}

// Infer returns one synthetic detection per frame after the simulated delay.
func (s *Stub) Infer(ctx context.Context, frames []frame.Frame) ([][]frame.Detection, error) {
	if s.closed.Load() {
		return nil, ErrEngineClosed
	}
	if d := time.Duration(s.latency.Load()); d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	out := make([][]frame.Detection, len(frames))
	for i, f := range frames {
		h := fnv.New32a()
		h.Write([]byte(f.StreamID))
		var seqBytes [8]byte
		for b := 0; b < 8; b++ {
			seqBytes[b] = byte(f.Seq >> (8 * b))
		}
		h.Write(seqBytes[:])
		sum := h.Sum32()

		conf := 0.5 + float32(sum%50)/100 // in [0.5, 1.0)
		if conf < s.conf {
			out[i] = []frame.Detection{}
			continue
		}
		out[i] = []frame.Detection{{
			Class:      stubClasses[sum%uint32(len(stubClasses))],
			Confidence: conf,
			Box: frame.BBox{
				X: float32(sum % 320),
				Y: float32((sum >> 8) % 320),
				W: 64,
				H: 64,
			},
		}}
	}
	return out, nil
}

// Close marks the stub closed.
func (s *Stub) Close() error {
	s.closed.Store(true)
	return nil
}
