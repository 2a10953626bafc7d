// SPDX-License-Identifier: MIT

package health

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fovealabs/fovea/internal/config"
)

func staticChecker(name string, status Status) Checker {
	return CheckerFunc{
		CheckerName: name,
		Fn: func(context.Context) CheckResult {
			return CheckResult{Status: status}
		},
	}
}

func TestHealthWithoutVerboseIsAlwaysHealthy(t *testing.T) {
	m := NewManager("1.2.3")
	m.RegisterChecker(staticChecker("engine", StatusUnhealthy))

	resp := m.Health(context.Background(), false)
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.Equal(t, "1.2.3", resp.Version)
	assert.Nil(t, resp.Checks)
}

func TestHealthVerboseAggregatesWorstStatus(t *testing.T) {
	m := NewManager("dev")
	m.RegisterChecker(staticChecker("engine", StatusHealthy))
	m.RegisterChecker(staticChecker("sink", StatusDegraded))

	resp := m.Health(context.Background(), true)
	assert.Equal(t, StatusDegraded, resp.Status)
	require.Len(t, resp.Checks, 2)

	m.RegisterChecker(staticChecker("transport", StatusUnhealthy))
	resp = m.Health(context.Background(), true)
	assert.Equal(t, StatusUnhealthy, resp.Status)
}

func TestReadyRequiresNoUnhealthyComponent(t *testing.T) {
	m := NewManager("dev")
	m.RegisterChecker(staticChecker("engine", StatusHealthy))
	assert.True(t, m.Ready(context.Background()).Ready)

	m.RegisterChecker(staticChecker("sink", StatusDegraded))
	resp := m.Ready(context.Background())
	assert.True(t, resp.Ready, "degraded still serves traffic")
	assert.Equal(t, StatusDegraded, resp.Status)

	m.RegisterChecker(staticChecker("transport", StatusUnhealthy))
	assert.False(t, m.Ready(context.Background()).Ready)
}

func TestStartupChecksCreateOutputDir(t *testing.T) {
	cfg := config.Default()
	cfg.OutputDir = filepath.Join(t.TempDir(), "results")
	require.NoError(t, PerformStartupChecks(context.Background(), cfg))
	assert.DirExists(t, cfg.OutputDir)
}

func TestStartupChecksRejectMissingModel(t *testing.T) {
	cfg := config.Default()
	cfg.Engine.Mode = config.EngineProcess
	cfg.Engine.ModelPath = filepath.Join(t.TempDir(), "missing.onnx")
	cfg.Engine.Command = "detector"

	err := PerformStartupChecks(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model")
}
