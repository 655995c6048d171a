package log

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})

	logger := WithPool("coordinator", "pool.log.tld")
	logger.Info().Msg("planned")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "coordinator", line["component"])
	assert.Equal(t, "pool.log.tld", line["pool"])
	assert.Equal(t, "planned", line["message"])
}

func TestInitLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: WarnLevel, JSONOutput: true, Output: &buf})

	Info("hidden")
	assert.Empty(t, buf.String())

	Warn("shown")
	assert.Contains(t, buf.String(), "shown")

	Init(Config{Level: InfoLevel, JSONOutput: true, Output: &buf})
}

func TestInitFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lifeguard.log")
	var buf bytes.Buffer
	Init(Config{Level: InfoLevel, Output: &buf, File: path})

	logger := WithTaskID("t-1")
	logger.Info().Msg("task started")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"task_id":"t-1"`)
	assert.Contains(t, buf.String(), "task started")
}
