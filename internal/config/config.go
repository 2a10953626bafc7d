// SPDX-License-Identifier: MIT

// Package config loads daemon configuration with precedence ENV > file > defaults.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Drop policies for bounded queues.
const (
	DropOldest = "oldest"
	DropNewest = "newest"
)

// Engine modes.
const (
	EngineStub    = "stub"
	EngineProcess = "process"
)

// Config is the fully resolved daemon configuration.
type Config struct {
	ListenAddr string // TCP address for the stream transport
	APIAddr    string // HTTP address for health/metrics/stats
	OutputDir  string // per-stream result sink root; empty disables the sink

	LogLevel   string
	LogService string

	Pipeline PipelineConfig
	Engine   EngineConfig
}

// PipelineConfig bounds the ingress queues and the scheduler.
type PipelineConfig struct {
	MaxQueueDepth  int           // per-stream ingress queue capacity
	OutboundDepth  int           // per-stream outbound result queue capacity
	DropPolicy     string        // "oldest" or "newest"
	MaxBatchSize   int           // frames per engine call, upper bound
	MaxInflight    int           // concurrent engine calls (K)
	BatchInterval  time.Duration // scheduler cadence when no frame wakes it sooner
	BatchDeadline  time.Duration // per-batch inference deadline
	FrameStaleness time.Duration // max frame age from capture to dispatch
	StreamIdle     time.Duration // idle interval after which a stream is closed
	StatsInterval  time.Duration // period of the operator summary log line
}

// EngineConfig describes the detection engine collaborator.
type EngineConfig struct {
	Mode          string  // "stub" or "process"
	ModelPath     string  // weights file; must exist at startup for mode=process
	Command       string  // detector sidecar command line (mode=process)
	ConfThreshold float64 // detection confidence cutoff
	IOUThreshold  float64 // NMS overlap cutoff
	InputSize     int     // square model input resolution
	WarmupRuns    int     // dummy inferences before serving
	WatchWeights  bool    // reload the engine when the weights file changes
}

// Default returns the built-in configuration defaults.
func Default() Config {
	return Config{
		ListenAddr: ":5555",
		APIAddr:    ":8080",
		OutputDir:  "",
		LogLevel:   "info",
		LogService: "fovea",
		Pipeline: PipelineConfig{
			MaxQueueDepth:  20,
			OutboundDepth:  20,
			DropPolicy:     DropOldest,
			MaxBatchSize:   8,
			MaxInflight:    1,
			BatchInterval:  20 * time.Millisecond,
			BatchDeadline:  2 * time.Second,
			FrameStaleness: 1 * time.Second,
			StreamIdle:     30 * time.Second,
			StatsInterval:  5 * time.Second,
		},
		Engine: EngineConfig{
			Mode:          EngineStub,
			ModelPath:     "",
			Command:       "",
			ConfThreshold: 0.25,
			IOUThreshold:  0.45,
			InputSize:     640,
			WarmupRuns:    3,
			WatchWeights:  false,
		},
	}
}

// Validate rejects configurations the pipeline cannot run with. Validation
// failures are startup failures, never runtime degradation.
func (c *Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen address must not be empty"))
	}
	p := c.Pipeline
	if p.MaxQueueDepth < 1 {
		errs = append(errs, fmt.Errorf("max queue depth must be >= 1, got %d", p.MaxQueueDepth))
	}
	if p.OutboundDepth < 1 {
		errs = append(errs, fmt.Errorf("outbound queue depth must be >= 1, got %d", p.OutboundDepth))
	}
	if p.DropPolicy != DropOldest && p.DropPolicy != DropNewest {
		errs = append(errs, fmt.Errorf("unknown drop policy %q", p.DropPolicy))
	}
	if p.MaxBatchSize < 1 {
		errs = append(errs, fmt.Errorf("max batch size must be >= 1, got %d", p.MaxBatchSize))
	}
	if p.MaxInflight < 1 {
		errs = append(errs, fmt.Errorf("max inflight must be >= 1, got %d", p.MaxInflight))
	}
	if p.BatchDeadline <= 0 {
		errs = append(errs, errors.New("batch deadline must be positive"))
	}
	if p.FrameStaleness <= 0 {
		errs = append(errs, errors.New("frame staleness deadline must be positive"))
	}
	switch c.Engine.Mode {
	case EngineStub:
	case EngineProcess:
		if c.Engine.ModelPath == "" {
			errs = append(errs, errors.New("engine mode \"process\" requires a model path"))
		}
		if c.Engine.Command == "" {
			errs = append(errs, errors.New("engine mode \"process\" requires a detector command"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown engine mode %q", c.Engine.Mode))
	}
	if c.Engine.ConfThreshold < 0 || c.Engine.ConfThreshold > 1 {
		errs = append(errs, fmt.Errorf("confidence threshold must be in [0,1], got %v", c.Engine.ConfThreshold))
	}
	return errors.Join(errs...)
}
