// SPDX-License-Identifier: MIT

package engine

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/fovealabs/fovea/internal/config"
	"github.com/fovealabs/fovea/internal/frame"
	"github.com/fovealabs/fovea/internal/log"
	"github.com/fovealabs/fovea/internal/wire"
)

// Process runs the detector as a sidecar child process and speaks the wire
// codec over its stdin/stdout: one FrameMessage per input frame, answered by
// one ResultMessage per frame in the same order. The sidecar owns the model;
// this side owns batching and deadlines.
type Process struct {
	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	logger zerolog.Logger
	closed bool
}

// NewProcess launches the detector sidecar. Model path and thresholds are
// handed over as argv so the sidecar needs no config file of its own.
func NewProcess(cfg config.EngineConfig) (*Process, error) {
	parts := strings.Fields(cfg.Command)
	if len(parts) == 0 {
		return nil, fmt.Errorf("engine: empty detector command")
	}
	args := append(parts[1:],
		"--model", cfg.ModelPath,
		"--conf", strconv.FormatFloat(cfg.ConfThreshold, 'f', -1, 64),
		"--iou", strconv.FormatFloat(cfg.IOUThreshold, 'f', -1, 64),
		"--size", strconv.Itoa(cfg.InputSize),
	)
	cmd := exec.Command(parts[0], args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("engine: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("engine: stdout pipe: %w", err)
	}
	logger := log.WithComponent("engine")
	cmd.Stderr = logger.With().Str("source", "detector").Logger()

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("engine: start detector %q: %w", parts[0], err)
	}
	logger.Info().
		Str("command", parts[0]).
		Str("model", cfg.ModelPath).
		Str(log.FieldEvent, "engine.started").
		Msg("detector sidecar started")

	return &Process{cmd: cmd, stdin: stdin, stdout: stdout, logger: logger}, nil
}

// Infer ships the batch to the sidecar and collects one result per frame.
// The sidecar is a single serial resource; calls are serialised here and the
// scheduler's semaphore bounds how many callers wait.
func (p *Process) Infer(ctx context.Context, frames []frame.Frame) ([][]frame.Detection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrEngineClosed
	}

	for _, f := range frames {
		if err := wire.WriteMessage(p.stdin, wire.KindFrame, wire.MessageFromFrame(f)); err != nil {
			return nil, fmt.Errorf("engine: send frame %s/%d: %w", f.StreamID, f.Seq, err)
		}
	}

	// ReadMessage on the sidecar pipe has no deadline, so a wedged sidecar
	// would hold the inference slot until it felt like answering. The reads
	// run aside so the context can interrupt the wait; once it does, the
	// stream is mid-message and cannot be resynced, so the sidecar is killed.
	type read struct {
		msg wire.Message
		err error
	}
	reads := make(chan read, len(frames))
	go func() {
		for range frames {
			msg, err := wire.ReadMessage(p.stdout)
			reads <- read{msg, err}
			if err != nil {
				return
			}
		}
	}()

	out := make([][]frame.Detection, len(frames))
	for i, f := range frames {
		var r read
		select {
		case <-ctx.Done():
			p.kill()
			return nil, ctx.Err()
		case r = <-reads:
		}
		if r.err != nil {
			return nil, fmt.Errorf("engine: read result: %w", r.err)
		}
		msg := r.msg
		if msg.Kind != wire.KindResult {
			p.kill()
			return nil, fmt.Errorf("engine: unexpected message kind %s", msg.Kind)
		}
		rm, err := msg.Result()
		if err != nil {
			p.kill()
			return nil, err
		}
		if rm.StreamID != f.StreamID || rm.Seq != f.Seq {
			p.kill()
			return nil, fmt.Errorf("engine: result for %s/%d, expected %s/%d",
				rm.StreamID, rm.Seq, f.StreamID, f.Seq)
		}
		out[i] = wire.ResultFromMessage(rm).Detections
	}
	return out, nil
}

// kill tears down a sidecar whose stdout can no longer be trusted. The
// caller holds p.mu.
func (p *Process) kill() {
	p.closed = true
	_ = p.cmd.Process.Kill()
	_ = p.stdin.Close()
	_ = p.cmd.Wait()
	p.logger.Warn().
		Str(log.FieldEvent, "engine.killed").
		Msg("detector sidecar killed, result stream unusable")
}

// Close terminates the sidecar.
func (p *Process) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	_ = p.stdin.Close()
	if err := p.cmd.Wait(); err != nil {
		p.logger.Warn().Err(err).Msg("detector sidecar exited with error")
		return err
	}
	return nil
}
