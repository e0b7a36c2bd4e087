// Package test runs installer commands in tests and parses their JSON log output.
package test

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"testing"

	"github.com/spf13/cobra"

	"github.com/zeshanziya/rhdh/cmd"
	"github.com/zeshanziya/rhdh/internal/flags/log"
)

// Options configure a test invocation.
type Options struct {
	args   []string
	out    io.Writer
	logs   io.Writer
	format string
}

type Option func(*Options)

// WithArgs sets the command line arguments.
func WithArgs(args ...string) Option {
	return func(o *Options) {
		o.args = args
	}
}

// WithOutput captures the command output.
func WithOutput(out io.Writer) Option {
	return func(o *Options) {
		o.out = out
	}
}

// WithLogs captures the log output, which is written to stderr.
func WithLogs(logs io.Writer) Option {
	return func(o *Options) {
		o.logs = logs
	}
}

// WithLogFormat sets the log format, json by default.
func WithLogFormat(format string) Option {
	return func(o *Options) {
		o.format = format
	}
}

// Installer executes the root command with the given options.
func Installer(tb testing.TB, opts ...Option) (*cobra.Command, error) {
	tb.Helper()

	opt := Options{}
	for _, o := range opts {
		o(&opt)
	}
	instance := cmd.New()
	if len(opt.args) == 0 {
		opt.args = []string{"help"}
	}
	if opt.out != nil {
		instance.SetOut(opt.out)
	}
	if opt.logs != nil {
		instance.SetErr(opt.logs)
	}

	if opt.format == "" {
		opt.format = log.FormatJSON
	}
	f := instance.PersistentFlags().Lookup(log.FormatFlagName)
	if err := f.Value.Set(opt.format); err != nil {
		return nil, fmt.Errorf("failed to set format: %w", err)
	}

	instance.SetArgs(opt.args)
	return instance.ExecuteContextC(tb.Context())
}

// JSONLogReader collects JSON log lines. Lines that are not JSON end up in Discarded.
type JSONLogReader struct {
	*bytes.Buffer
	Discarded *bytes.Buffer
}

func NewJSONLogReader() *JSONLogReader {
	return &JSONLogReader{
		Buffer:    bytes.NewBuffer(make([]byte, 0, 1024)),
		Discarded: bytes.NewBuffer(make([]byte, 0, 1024)),
	}
}

// JSONLogEntry is a single log line. Attributes other than time, level and msg are in Extras.
type JSONLogEntry struct {
	Time   string         `json:"time"`
	Level  string         `json:"level"`
	Msg    string         `json:"msg"`
	Extras map[string]any `json:"-"`
}

func (l *JSONLogEntry) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	l.Time, _ = raw["time"].(string)
	l.Level, _ = raw["level"].(string)
	l.Msg, _ = raw["msg"].(string)
	delete(raw, "time")
	delete(raw, "level")
	delete(raw, "msg")
	l.Extras = raw
	return nil
}

// List parses all buffered log lines.
func (logs *JSONLogReader) List() ([]*JSONLogEntry, error) {
	scanner := bufio.NewScanner(logs.Buffer)
	var entries []*JSONLogEntry
	for scanner.Scan() {
		data := scanner.Bytes()
		entry := JSONLogEntry{}
		if err := json.Unmarshal(data, &entry); err == nil {
			entries = append(entries, &entry)
		} else if _, err := logs.Discarded.Write(append(data, '\n')); err != nil {
			return nil, err
		}
	}
	return entries, scanner.Err()
}
