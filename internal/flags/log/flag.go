// Package log registers the logging flags of the installer and builds the
// slog.Logger they describe.
package log

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/zeshanziya/rhdh/internal/flags/enum"
)

const (
	FormatFlagName = "logformat"

	FormatText = "text"
	FormatJSON = "json"
)

const (
	LevelFlagName = "loglevel"

	LevelInfo  = "info"
	LevelDebug = "debug"
	LevelWarn  = "warn"
	LevelError = "error"
)

const (
	OutputFlagName = "logoutput"

	OutputStderr = "stderr"
	OutputStdout = "stdout"
)

// RegisterLoggingFlags adds the logformat, loglevel and logoutput flags to flagset.
//
//	--logformat json --loglevel debug --logoutput stdout
func RegisterLoggingFlags(flagset *pflag.FlagSet) {
	enum.Var(flagset, FormatFlagName, []string{
		FormatText,
		FormatJSON,
	}, `set the log output format
   text: human-readable output for the container log
   json: one JSON object per line`)

	enum.Var(flagset, LevelFlagName, []string{
		LevelInfo,
		LevelDebug,
		LevelWarn,
		LevelError,
	}, `sets the logging level
   info:  progress of every plugin (default)
   debug: include extracted archives, commands and descriptors
   warn:  warnings and errors only
   error: errors only`)

	enum.Var(flagset, OutputFlagName, []string{
		OutputStderr,
		OutputStdout,
	}, `set the log output destination
   stderr: keep logs apart from command output (default)
   stdout: mix logs into command output`)
}

// GetBaseLogger builds the logger selected by the logging flags of cmd.
func GetBaseLogger(cmd *cobra.Command) (*slog.Logger, error) {
	level, err := levelFromCommand(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to get log level: %w", err)
	}
	format, err := enum.Get(cmd.Flags(), FormatFlagName)
	if err != nil {
		return nil, fmt.Errorf("failed to get the log format from the command flag: %w", err)
	}
	output, err := enum.Get(cmd.Flags(), OutputFlagName)
	if err != nil {
		return nil, fmt.Errorf("failed to get the log output from the command flag: %w", err)
	}

	var w io.Writer
	switch output {
	case OutputStdout:
		w = cmd.OutOrStdout()
	default:
		w = cmd.ErrOrStderr()
	}

	opts := &slog.HandlerOptions{Level: level}
	switch format {
	case FormatJSON:
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case FormatText:
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
}

func levelFromCommand(cmd *cobra.Command) (slog.Level, error) {
	value, err := enum.Get(cmd.Flags(), LevelFlagName)
	if err != nil {
		return slog.LevelInfo, err
	}
	switch value {
	case LevelDebug:
		return slog.LevelDebug, nil
	case LevelInfo:
		return slog.LevelInfo, nil
	case LevelWarn:
		return slog.LevelWarn, nil
	case LevelError:
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", value)
	}
}
