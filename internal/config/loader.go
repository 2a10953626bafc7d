// SPDX-License-Identifier: MIT

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// FileConfig is the YAML shape of the configuration file. All fields are
// optional; absent values fall through to environment variables and defaults.
type FileConfig struct {
	ListenAddr string `yaml:"listenAddr,omitempty"`
	APIAddr    string `yaml:"apiAddr,omitempty"`
	OutputDir  string `yaml:"outputDir,omitempty"`
	LogLevel   string `yaml:"logLevel,omitempty"`
	LogService string `yaml:"logService,omitempty"`

	Pipeline PipelineFileConfig `yaml:"pipeline,omitempty"`
	Engine   EngineFileConfig   `yaml:"engine,omitempty"`
}

// PipelineFileConfig mirrors PipelineConfig with YAML-friendly types.
type PipelineFileConfig struct {
	MaxQueueDepth  int    `yaml:"maxQueueDepth,omitempty"`
	OutboundDepth  int    `yaml:"outboundDepth,omitempty"`
	DropPolicy     string `yaml:"dropPolicy,omitempty"`
	MaxBatchSize   int    `yaml:"maxBatchSize,omitempty"`
	MaxInflight    int    `yaml:"maxInflight,omitempty"`
	BatchInterval  string `yaml:"batchInterval,omitempty"`  // e.g. "20ms"
	BatchDeadline  string `yaml:"batchDeadline,omitempty"`  // e.g. "2s"
	FrameStaleness string `yaml:"frameStaleness,omitempty"` // e.g. "1s"
	StreamIdle     string `yaml:"streamIdle,omitempty"`     // e.g. "30s"
	StatsInterval  string `yaml:"statsInterval,omitempty"`
}

// EngineFileConfig mirrors EngineConfig.
type EngineFileConfig struct {
	Mode          string   `yaml:"mode,omitempty"`
	ModelPath     string   `yaml:"modelPath,omitempty"`
	Command       string   `yaml:"command,omitempty"`
	ConfThreshold *float64 `yaml:"confThreshold,omitempty"`
	IOUThreshold  *float64 `yaml:"iouThreshold,omitempty"`
	InputSize     int      `yaml:"inputSize,omitempty"`
	WarmupRuns    *int     `yaml:"warmupRuns,omitempty"`
	WatchWeights  *bool    `yaml:"watchWeights,omitempty"`
}

// Loader resolves configuration with precedence ENV > file > defaults.
type Loader struct {
	configPath string
}

// NewLoader creates a configuration loader. An empty path skips the file layer.
func NewLoader(configPath string) *Loader {
	return &Loader{configPath: configPath}
}

// Load resolves and validates the configuration.
func (l *Loader) Load() (Config, error) {
	cfg := Default()

	if l.configPath != "" {
		raw, err := os.ReadFile(l.configPath)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		var file FileConfig
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
			return cfg, fmt.Errorf("parse config file %s: %w", l.configPath, err)
		}
		if err := mergeFile(&cfg, file); err != nil {
			return cfg, fmt.Errorf("merge config file %s: %w", l.configPath, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func mergeFile(cfg *Config, file FileConfig) error {
	setString(&cfg.ListenAddr, file.ListenAddr)
	setString(&cfg.APIAddr, file.APIAddr)
	setString(&cfg.OutputDir, file.OutputDir)
	setString(&cfg.LogLevel, file.LogLevel)
	setString(&cfg.LogService, file.LogService)

	p := file.Pipeline
	setInt(&cfg.Pipeline.MaxQueueDepth, p.MaxQueueDepth)
	setInt(&cfg.Pipeline.OutboundDepth, p.OutboundDepth)
	setString(&cfg.Pipeline.DropPolicy, p.DropPolicy)
	setInt(&cfg.Pipeline.MaxBatchSize, p.MaxBatchSize)
	setInt(&cfg.Pipeline.MaxInflight, p.MaxInflight)
	if err := setDuration(&cfg.Pipeline.BatchInterval, p.BatchInterval); err != nil {
		return err
	}
	if err := setDuration(&cfg.Pipeline.BatchDeadline, p.BatchDeadline); err != nil {
		return err
	}
	if err := setDuration(&cfg.Pipeline.FrameStaleness, p.FrameStaleness); err != nil {
		return err
	}
	if err := setDuration(&cfg.Pipeline.StreamIdle, p.StreamIdle); err != nil {
		return err
	}
	if err := setDuration(&cfg.Pipeline.StatsInterval, p.StatsInterval); err != nil {
		return err
	}

	e := file.Engine
	setString(&cfg.Engine.Mode, e.Mode)
	setString(&cfg.Engine.ModelPath, e.ModelPath)
	setString(&cfg.Engine.Command, e.Command)
	if e.ConfThreshold != nil {
		cfg.Engine.ConfThreshold = *e.ConfThreshold
	}
	if e.IOUThreshold != nil {
		cfg.Engine.IOUThreshold = *e.IOUThreshold
	}
	setInt(&cfg.Engine.InputSize, e.InputSize)
	if e.WarmupRuns != nil {
		cfg.Engine.WarmupRuns = *e.WarmupRuns
	}
	if e.WatchWeights != nil {
		cfg.Engine.WatchWeights = *e.WatchWeights
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.ListenAddr = ParseString("FOVEA_LISTEN_ADDR", cfg.ListenAddr)
	cfg.APIAddr = ParseString("FOVEA_API_ADDR", cfg.APIAddr)
	cfg.OutputDir = ParseString("FOVEA_OUTPUT_DIR", cfg.OutputDir)
	cfg.LogLevel = ParseString("FOVEA_LOG_LEVEL", cfg.LogLevel)
	cfg.LogService = ParseString("FOVEA_LOG_SERVICE", cfg.LogService)

	cfg.Pipeline.MaxQueueDepth = ParseInt("FOVEA_MAX_QUEUE_DEPTH", cfg.Pipeline.MaxQueueDepth)
	cfg.Pipeline.OutboundDepth = ParseInt("FOVEA_OUTBOUND_DEPTH", cfg.Pipeline.OutboundDepth)
	cfg.Pipeline.DropPolicy = ParseString("FOVEA_DROP_POLICY", cfg.Pipeline.DropPolicy)
	cfg.Pipeline.MaxBatchSize = ParseInt("FOVEA_MAX_BATCH_SIZE", cfg.Pipeline.MaxBatchSize)
	cfg.Pipeline.MaxInflight = ParseInt("FOVEA_MAX_INFLIGHT", cfg.Pipeline.MaxInflight)
	cfg.Pipeline.BatchInterval = ParseDuration("FOVEA_BATCH_INTERVAL", cfg.Pipeline.BatchInterval)
	cfg.Pipeline.BatchDeadline = ParseDuration("FOVEA_BATCH_DEADLINE", cfg.Pipeline.BatchDeadline)
	cfg.Pipeline.FrameStaleness = ParseDuration("FOVEA_FRAME_STALENESS", cfg.Pipeline.FrameStaleness)
	cfg.Pipeline.StreamIdle = ParseDuration("FOVEA_STREAM_IDLE", cfg.Pipeline.StreamIdle)
	cfg.Pipeline.StatsInterval = ParseDuration("FOVEA_STATS_INTERVAL", cfg.Pipeline.StatsInterval)

	cfg.Engine.Mode = ParseString("FOVEA_ENGINE_MODE", cfg.Engine.Mode)
	cfg.Engine.ModelPath = ParseString("FOVEA_MODEL_PATH", cfg.Engine.ModelPath)
	cfg.Engine.Command = ParseString("FOVEA_ENGINE_COMMAND", cfg.Engine.Command)
	cfg.Engine.ConfThreshold = ParseFloat("FOVEA_CONF_THRESHOLD", cfg.Engine.ConfThreshold)
	cfg.Engine.IOUThreshold = ParseFloat("FOVEA_IOU_THRESHOLD", cfg.Engine.IOUThreshold)
	cfg.Engine.InputSize = ParseInt("FOVEA_INPUT_SIZE", cfg.Engine.InputSize)
	cfg.Engine.WarmupRuns = ParseInt("FOVEA_WARMUP_RUNS", cfg.Engine.WarmupRuns)
	cfg.Engine.WatchWeights = ParseBool("FOVEA_WATCH_WEIGHTS", cfg.Engine.WatchWeights)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v string) error {
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", v, err)
	}
	*dst = d
	return nil
}
