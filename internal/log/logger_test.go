// SPDX-License-Identifier: MIT

package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfigureAttachesServiceAndVersion(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Level: "debug", Output: &buf, Service: "fovea-test", Version: "v0.0.0-test"})

	logger := WithComponent("unit")
	logger.Info().Msg("hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "fovea-test", entry["service"])
	require.Equal(t, "v0.0.0-test", entry["version"])
	require.Equal(t, "unit", entry[FieldComponent])
	require.Equal(t, "hello", entry["message"])
}

func TestWithStreamAddsStreamID(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Level: "debug", Output: &buf})

	logger := WithStream("transport", "cam-1")
	logger.Warn().Msg("gap")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "cam-1", entry[FieldStreamID])
}
