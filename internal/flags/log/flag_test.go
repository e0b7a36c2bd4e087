package log

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func command(t *testing.T, args ...string) (*cobra.Command, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := &cobra.Command{Use: "test"}
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	RegisterLoggingFlags(cmd.Flags())
	require.NoError(t, cmd.ParseFlags(args))
	return cmd, &out, &errOut
}

func TestGetBaseLoggerDefaults(t *testing.T) {
	cmd, out, errOut := command(t)
	logger, err := GetBaseLogger(cmd)
	require.NoError(t, err)

	assert.True(t, logger.Enabled(context.Background(), slog.LevelInfo))
	assert.False(t, logger.Enabled(context.Background(), slog.LevelDebug))

	logger.Info("installing", "package", "pkg@1.0.0")
	assert.Empty(t, out.String())
	assert.Contains(t, errOut.String(), "msg=installing")
	assert.Contains(t, errOut.String(), "package=pkg@1.0.0")
}

func TestGetBaseLoggerJSONToStdout(t *testing.T) {
	cmd, out, _ := command(t, "--logformat", FormatJSON, "--loglevel", LevelDebug, "--logoutput", OutputStdout)
	logger, err := GetBaseLogger(cmd)
	require.NoError(t, err)

	logger.Debug("extracting", "archive", "a.tgz")
	var entry map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &entry))
	assert.Equal(t, "DEBUG", entry["level"])
	assert.Equal(t, "a.tgz", entry["archive"])
}

func TestLevels(t *testing.T) {
	for value, level := range map[string]slog.Level{
		LevelDebug: slog.LevelDebug,
		LevelInfo:  slog.LevelInfo,
		LevelWarn:  slog.LevelWarn,
		LevelError: slog.LevelError,
	} {
		cmd, _, _ := command(t, "--loglevel", value)
		got, err := levelFromCommand(cmd)
		require.NoError(t, err)
		assert.Equal(t, level, got)
	}

	cmd := &cobra.Command{Use: "test"}
	_, err := GetBaseLogger(cmd)
	assert.Error(t, err, "flags must be registered")
}
