// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"strconv"
	"time"

	"github.com/fovealabs/fovea/internal/log"
)

// ParseString reads a string from an environment variable or returns the
// default value. The source is logged at debug level for observability.
func ParseString(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		logEnv(key, value, "environment")
		return value
	}
	logEnv(key, defaultValue, "default")
	return defaultValue
}

// ParseBool reads a boolean environment variable or returns the default.
func ParseBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			logger := log.WithComponent("config")
			logger.Warn().
				Str("key", key).
				Str("value", value).
				Msg("invalid boolean environment variable, using default")
			return defaultValue
		}
		logEnv(key, value, "environment")
		return parsed
	}
	return defaultValue
}

// ParseInt reads an integer environment variable or returns the default.
func ParseInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			logger := log.WithComponent("config")
			logger.Warn().
				Str("key", key).
				Str("value", value).
				Msg("invalid integer environment variable, using default")
			return defaultValue
		}
		logEnv(key, value, "environment")
		return parsed
	}
	return defaultValue
}

// ParseFloat reads a float environment variable or returns the default.
func ParseFloat(key string, defaultValue float64) float64 {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		parsed, err := strconv.ParseFloat(value, 64)
		if err != nil {
			logger := log.WithComponent("config")
			logger.Warn().
				Str("key", key).
				Str("value", value).
				Msg("invalid float environment variable, using default")
			return defaultValue
		}
		logEnv(key, value, "environment")
		return parsed
	}
	return defaultValue
}

// ParseDuration reads a duration environment variable (e.g. "500ms", "30s")
// or returns the default.
func ParseDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			logger := log.WithComponent("config")
			logger.Warn().
				Str("key", key).
				Str("value", value).
				Msg("invalid duration environment variable, using default")
			return defaultValue
		}
		logEnv(key, value, "environment")
		return parsed
	}
	return defaultValue
}

func logEnv(key, value, source string) {
	logger := log.WithComponent("config")
	logger.Debug().
		Str("key", key).
		Str("value", value).
		Str("source", source).
		Msg("resolved configuration value")
}
