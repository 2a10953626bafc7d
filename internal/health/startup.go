// SPDX-License-Identifier: MIT

package health

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/fovealabs/fovea/internal/config"
	"github.com/fovealabs/fovea/internal/log"
)

// PerformStartupChecks validates the environment before the server starts
// accepting streams. Failures here are fatal preconditions.
func PerformStartupChecks(_ context.Context, cfg config.Config) error {
	logger := log.WithComponent("startup-check")
	logger.Info().Msg("running pre-flight startup checks")

	if cfg.OutputDir != "" {
		if err := checkWritableDir(logger, cfg.OutputDir); err != nil {
			return fmt.Errorf("output directory check failed: %w", err)
		}
	}
	if cfg.Engine.Mode == config.EngineProcess {
		if err := checkModelFile(logger, cfg.Engine.ModelPath); err != nil {
			return fmt.Errorf("model check failed: %w", err)
		}
	}

	logger.Info().Msg("all startup checks passed")
	return nil
}

func checkWritableDir(logger zerolog.Logger, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			if err := os.MkdirAll(path, 0o755); err != nil {
				return fmt.Errorf("cannot create directory %s: %w", path, err)
			}
			logger.Debug().Str("path", path).Msg("created output directory")
			return probeWrite(path)
		}
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", path)
	}
	return probeWrite(path)
}

func probeWrite(path string) error {
	testFile := filepath.Join(path, ".write_test")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return fmt.Errorf("directory is not writable: %s: %w", path, err)
	}
	return os.Remove(testFile)
}

func checkModelFile(logger zerolog.Logger, path string) error {
	if path == "" {
		return fmt.Errorf("model path is empty")
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("model weights not found: %s", path)
		}
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("model path is a directory: %s", path)
	}
	logger.Debug().Str("path", path).Int64("bytes", info.Size()).Msg("model weights found")
	return nil
}
