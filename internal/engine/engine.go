// SPDX-License-Identifier: MIT

// Package engine abstracts the detection model behind a batch inference
// interface. The engine is a black box to the pipeline: frames in, one
// detection set per frame out, input order preserved.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/fovealabs/fovea/internal/config"
	"github.com/fovealabs/fovea/internal/frame"
)

// ErrModelMissing is returned when the weights file is absent at startup.
// This is a fatal precondition, not a runtime error.
var ErrModelMissing = errors.New("engine: model weights file not found")

// ErrEngineClosed is returned after Close.
var ErrEngineClosed = errors.New("engine: closed")

// Engine runs detection over a batch of frames. Implementations must return
// exactly one detection set per input frame, preserving input order, or an
// error covering the whole call. Latency is a property of batch size and
// resolution, not of frame content.
type Engine interface {
	Infer(ctx context.Context, frames []frame.Frame) ([][]frame.Detection, error)
	Close() error
}

// New builds the engine selected by the configuration. For process mode the
// weights file must already exist; absence fails startup with ErrModelMissing.
func New(cfg config.EngineConfig) (Engine, error) {
	switch cfg.Mode {
	case config.EngineStub:
		return NewStub(cfg), nil
	case config.EngineProcess:
		if _, err := os.Stat(cfg.ModelPath); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrModelMissing, cfg.ModelPath)
		}
		return NewProcess(cfg)
	default:
		return nil, fmt.Errorf("engine: unknown mode %q", cfg.Mode)
	}
}

// Warmup runs dummy inferences so the first real batch does not pay model
// initialisation cost.
func Warmup(ctx context.Context, e Engine, cfg config.EngineConfig) error {
	if cfg.WarmupRuns <= 0 {
		return nil
	}
	dummy := []frame.Frame{{
		StreamID: "warmup",
		Pixels:   warmupJPEG,
		Width:    cfg.InputSize,
		Height:   cfg.InputSize,
	}}
	for i := 0; i < cfg.WarmupRuns; i++ {
		if _, err := e.Infer(ctx, dummy); err != nil {
			return fmt.Errorf("warmup run %d: %w", i+1, err)
		}
	}
	return nil
}

// warmupJPEG is a minimal valid JPEG header; engines that decode pixels may
// reject it, which warmup treats as an error the same way a real frame would.
var warmupJPEG = []byte{0xff, 0xd8, 0xff, 0xd9}
