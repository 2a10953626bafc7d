// SPDX-License-Identifier: MIT

package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/fovealabs/fovea/internal/config"
	"github.com/fovealabs/fovea/internal/frame"
	"github.com/fovealabs/fovea/internal/log"
	"github.com/fovealabs/fovea/internal/metrics"
)

// Manager wraps the live engine and swaps it when the weights file changes
// on disk. Inference calls in flight finish against the old engine; the swap
// happens between batches.
type Manager struct {
	cfg    config.EngineConfig
	logger zerolog.Logger

	mu     sync.RWMutex
	active Engine
}

// NewManager builds the initial engine (including warmup) and returns the
// reloadable wrapper.
func NewManager(ctx context.Context, cfg config.EngineConfig) (*Manager, error) {
	e, err := New(cfg)
	if err != nil {
		return nil, err
	}
	if err := Warmup(ctx, e, cfg); err != nil {
		_ = e.Close()
		return nil, fmt.Errorf("engine warmup: %w", err)
	}
	return &Manager{cfg: cfg, logger: log.WithComponent("engine"), active: e}, nil
}

// Infer delegates to the currently active engine.
func (m *Manager) Infer(ctx context.Context, frames []frame.Frame) ([][]frame.Detection, error) {
	m.mu.RLock()
	e := m.active
	m.mu.RUnlock()
	return e.Infer(ctx, frames)
}

// Close shuts the active engine down.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active.Close()
}

// Reload rebuilds the engine from the current configuration and swaps it in.
func (m *Manager) Reload(ctx context.Context, trigger string) error {
	next, err := New(m.cfg)
	if err != nil {
		return fmt.Errorf("engine reload: %w", err)
	}
	if err := Warmup(ctx, next, m.cfg); err != nil {
		_ = next.Close()
		return fmt.Errorf("engine reload warmup: %w", err)
	}

	m.mu.Lock()
	old := m.active
	m.active = next
	m.mu.Unlock()

	_ = old.Close()
	metrics.EngineReloads.WithLabelValues(trigger).Inc()
	m.logger.Info().
		Str("trigger", trigger).
		Str(log.FieldEvent, "engine.reloaded").
		Msg("detection engine reloaded")
	return nil
}

// Watch reloads the engine whenever the weights file is rewritten. Blocks
// until ctx is done. A no-op when watching is disabled or no model path is
// configured.
func (m *Manager) Watch(ctx context.Context) error {
	if !m.cfg.WatchWeights || m.cfg.ModelPath == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("engine watch: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	// Watch the directory: editors and downloaders typically replace the
	// file via rename, which drops a watch set on the file itself.
	dir := filepath.Dir(m.cfg.ModelPath)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("engine watch %s: %w", dir, err)
	}

	target := filepath.Clean(m.cfg.ModelPath)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if err := m.Reload(ctx, "watch"); err != nil {
				m.logger.Error().Err(err).Msg("weights changed but reload failed, keeping previous engine")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.logger.Warn().Err(err).Msg("weights watcher error")
		}
	}
}
