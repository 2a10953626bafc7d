// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := NewLoader("").Load()
	require.NoError(t, err)

	assert.Equal(t, ":5555", cfg.ListenAddr)
	assert.Equal(t, DropOldest, cfg.Pipeline.DropPolicy)
	assert.Equal(t, 20, cfg.Pipeline.MaxQueueDepth)
	assert.Equal(t, EngineStub, cfg.Engine.Mode)
	assert.Equal(t, 3, cfg.Engine.WarmupRuns)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
listenAddr: ":6000"
pipeline:
  maxQueueDepth: 4
  batchDeadline: "500ms"
engine:
  mode: stub
  confThreshold: 0.5
`)

	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)

	assert.Equal(t, ":6000", cfg.ListenAddr)
	assert.Equal(t, 4, cfg.Pipeline.MaxQueueDepth)
	assert.Equal(t, 500*time.Millisecond, cfg.Pipeline.BatchDeadline)
	assert.InDelta(t, 0.5, cfg.Engine.ConfThreshold, 1e-9)
	// Untouched fields keep defaults.
	assert.Equal(t, 8, cfg.Pipeline.MaxBatchSize)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `listenAddr: ":6000"`)
	t.Setenv("FOVEA_LISTEN_ADDR", ":7000")
	t.Setenv("FOVEA_MAX_BATCH_SIZE", "2")
	t.Setenv("FOVEA_FRAME_STALENESS", "250ms")

	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.ListenAddr)
	assert.Equal(t, 2, cfg.Pipeline.MaxBatchSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Pipeline.FrameStaleness)
}

func TestLoadRejectsUnknownFileKeys(t *testing.T) {
	path := writeConfig(t, `listenAdr: ":6000"`)

	_, err := NewLoader(path).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config file")
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero queue depth", func(c *Config) { c.Pipeline.MaxQueueDepth = 0 }},
		{"unknown drop policy", func(c *Config) { c.Pipeline.DropPolicy = "weighted" }},
		{"zero inflight", func(c *Config) { c.Pipeline.MaxInflight = 0 }},
		{"negative staleness", func(c *Config) { c.Pipeline.FrameStaleness = -time.Second }},
		{"unknown engine mode", func(c *Config) { c.Engine.Mode = "onnx" }},
		{"process mode without model", func(c *Config) { c.Engine.Mode = EngineProcess; c.Engine.Command = "detector" }},
		{"confidence out of range", func(c *Config) { c.Engine.ConfThreshold = 1.5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidateAcceptsDropNewest(t *testing.T) {
	cfg := Default()
	cfg.Pipeline.DropPolicy = DropNewest
	assert.NoError(t, cfg.Validate())
}
