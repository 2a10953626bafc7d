// SPDX-License-Identifier: MIT

package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fovealabs/fovea/internal/config"
	"github.com/fovealabs/fovea/internal/frame"
)

func stubConfig() config.EngineConfig {
	cfg := config.Default().Engine
	cfg.Mode = config.EngineStub
	return cfg
}

func TestNewRejectsMissingModel(t *testing.T) {
	cfg := stubConfig()
	cfg.Mode = config.EngineProcess
	cfg.Command = "detector"
	cfg.ModelPath = filepath.Join(t.TempDir(), "absent.onnx")

	_, err := New(cfg)
	assert.ErrorIs(t, err, ErrModelMissing)
}

func TestNewRejectsUnknownMode(t *testing.T) {
	cfg := stubConfig()
	cfg.Mode = "tensor"
	_, err := New(cfg)
	assert.Error(t, err)
}

func TestStubInferOneSetPerFrameInOrder(t *testing.T) {
	s := NewStub(stubConfig())
	frames := []frame.Frame{
		{StreamID: "cam-a", Seq: 0},
		{StreamID: "cam-a", Seq: 1},
		{StreamID: "cam-b", Seq: 0},
	}

	dets, err := s.Infer(context.Background(), frames)
	require.NoError(t, err)
	require.Len(t, dets, len(frames))
}

func TestStubInferIsDeterministic(t *testing.T) {
	s := NewStub(stubConfig())
	frames := []frame.Frame{{StreamID: "cam-a", Seq: 3}}

	first, err := s.Infer(context.Background(), frames)
	require.NoError(t, err)
	second, err := s.Infer(context.Background(), frames)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestStubHonoursContextCancellation(t *testing.T) {
	s := NewStub(stubConfig())
	s.SetLatency(time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := s.Infer(ctx, []frame.Frame{{StreamID: "cam-a"}})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStubClosedReturnsError(t *testing.T) {
	s := NewStub(stubConfig())
	require.NoError(t, s.Close())
	_, err := s.Infer(context.Background(), []frame.Frame{{}})
	assert.ErrorIs(t, err, ErrEngineClosed)
}

func TestWarmupRunsConfiguredCount(t *testing.T) {
	cfg := stubConfig()
	cfg.WarmupRuns = 3
	s := NewStub(cfg)
	require.NoError(t, Warmup(context.Background(), s, cfg))
}

func TestProcessInferStalledSidecarHonoursDeadline(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "detector.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nsleep 300\n"), 0o700))

	cfg := stubConfig()
	cfg.Mode = config.EngineProcess
	cfg.Command = script

	p, err := NewProcess(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	// The sidecar never answers; Infer must give up with the context rather
	// than sit on the read.
	start := time.Now()
	_, err = p.Infer(ctx, []frame.Frame{{StreamID: "cam-a", Seq: 0}})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)

	// The stalled sidecar was killed along the way.
	_, err = p.Infer(context.Background(), []frame.Frame{{StreamID: "cam-a", Seq: 1}})
	assert.ErrorIs(t, err, ErrEngineClosed)
}

func TestManagerReloadSwapsEngine(t *testing.T) {
	cfg := stubConfig()
	cfg.WarmupRuns = 1
	m, err := NewManager(context.Background(), cfg)
	require.NoError(t, err)
	defer func() { _ = m.Close() }()

	before := m.active
	require.NoError(t, m.Reload(context.Background(), "manual"))
	assert.NotSame(t, before, m.active)

	// Old engine is closed, new engine serves.
	_, err = m.Infer(context.Background(), []frame.Frame{{StreamID: "cam-a"}})
	assert.NoError(t, err)
}

func TestManagerWatchReloadsOnWeightsChange(t *testing.T) {
	dir := t.TempDir()
	model := filepath.Join(dir, "weights.onnx")
	require.NoError(t, os.WriteFile(model, []byte("v1"), 0o600))

	cfg := stubConfig()
	cfg.ModelPath = model
	cfg.WatchWeights = true
	cfg.WarmupRuns = 0

	m, err := NewManager(context.Background(), cfg)
	require.NoError(t, err)
	defer func() { _ = m.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()

	before := currentEngine(m)
	// Give the watcher a moment to install, then rewrite the weights.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(model, []byte("v2"), 0o600))

	require.Eventually(t, func() bool {
		return currentEngine(m) != before
	}, 2*time.Second, 20*time.Millisecond, "engine should reload after weights rewrite")

	cancel()
	require.NoError(t, <-done)
}

func currentEngine(m *Manager) Engine {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}
