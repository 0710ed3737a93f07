package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitFormats(t *testing.T) {
	t.Cleanup(func() { _ = Close() })
	require.NoError(t, Init(Config{Level: "debug", Format: "console"}))
	require.NotNil(t, Get())
	require.NoError(t, Init(Config{Level: "info", Format: "json"}))
	require.NotNil(t, Get())
}

func TestInitUnknownLevelFallsBackToInfo(t *testing.T) {
	t.Cleanup(func() { _ = Close() })
	require.NoError(t, Init(Config{Level: "loud", Format: "json"}))
}

func TestInitWritesToFile(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "dominds.log")
	require.NoError(t, Init(Config{Level: "debug", Format: "json", File: logPath}))

	Info().Str("dialog", "d-1").Msg("round started")
	require.NoError(t, Close())

	content, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(content), "round started")
	assert.Contains(t, string(content), "d-1")
}

func TestInitBadFilePathFails(t *testing.T) {
	err := Init(Config{Level: "info", Format: "json", File: "/nonexistent/dir/dominds.log"})
	require.Error(t, err)
}

func TestWithDialogCarriesIDs(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "dominds.log")
	require.NoError(t, Init(Config{Level: "debug", Format: "json", File: logPath}))

	WithDialog("sub-7", "root-3").Warn().Msg("sub stalled")
	require.NoError(t, Close())

	content, err := os.ReadFile(logPath)
	require.NoError(t, err)
	line := string(content)
	assert.True(t, strings.Contains(line, `"self_id":"sub-7"`), "got: %s", line)
	assert.True(t, strings.Contains(line, `"root_id":"root-3"`), "got: %s", line)
}

func TestGetBeforeInit(t *testing.T) {
	assert.NotNil(t, Get())
}
