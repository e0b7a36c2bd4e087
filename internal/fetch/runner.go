// Package fetch downloads plugin packages: npm packages through `npm pack`, and
// OCI images through skopeo or an in-process registry client.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	slogcontext "github.com/veqryn/slog-context"
)

// Runner runs an external command in dir and returns its standard output.
type Runner func(ctx context.Context, dir, name string, args ...string) ([]byte, error)

// CommandError is returned by ExecRunner when the command exits unsuccessfully.
type CommandError struct {
	Command string
	Stderr  string
	Err     error
}

func (e *CommandError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s: %v", e.Command, e.Err)
	}
	return fmt.Sprintf("%s: %v: %s", e.Command, e.Err, e.Stderr)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// ExecRunner runs the command as a subprocess.
func ExecRunner(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	slogcontext.Debug(ctx, "running command", "command", name, "args", args, "dir", dir)
	if err := cmd.Run(); err != nil {
		return nil, &CommandError{
			Command: strings.Join(append([]string{name}, args...), " "),
			Stderr:  strings.TrimSpace(stderr.String()),
			Err:     err,
		}
	}
	return stdout.Bytes(), nil
}

// stderrOf returns the captured standard error of a failed command, or the error text.
func stderrOf(err error) string {
	var cerr *CommandError
	if errors.As(err, &cerr) && cerr.Stderr != "" {
		return cerr.Stderr
	}
	return err.Error()
}
