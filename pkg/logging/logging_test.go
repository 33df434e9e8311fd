package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/baderanaas/hushmesh/pkg/config"
)

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]zapcore.Level{
		"debug":   zap.DebugLevel,
		"":        zap.InfoLevel,
		"WARNING": zap.WarnLevel,
		"error":   zap.ErrorLevel,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("verbose")
	require.Error(t, err)
}

func TestSetupWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "node.log")
	logger, err := Setup(config.LogConfig{
		Level:   "info",
		Format:  "json",
		Outputs: []string{path},
	})
	require.NoError(t, err)
	t.Cleanup(func() { zap.ReplaceGlobals(zap.NewNop()) })

	logger.Debug("hidden")
	logger.Info("relayed", zap.Uint64("id", 42))
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "relayed", entry["msg"])
	assert.EqualValues(t, 42, entry["id"])
}

func TestSetupRotatedFile(t *testing.T) {
	dir := t.TempDir()
	rotated := filepath.Join(dir, "rotated.log")
	logger, err := Setup(config.LogConfig{
		Level:   "debug",
		Outputs: []string{"file"},
		Rotation: config.RotationConfig{
			Enable:   true,
			Filename: rotated,
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { zap.ReplaceGlobals(zap.NewNop()) })

	logger.Debug("fragment reassembled")
	_ = logger.Sync()

	data, err := os.ReadFile(rotated)
	require.NoError(t, err)
	assert.Contains(t, string(data), "fragment reassembled")
}

func TestSetupRejectsUnknownLevel(t *testing.T) {
	_, err := Setup(config.LogConfig{Level: "chatty"})
	require.Error(t, err)
}
