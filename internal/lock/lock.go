// Package lock serializes installer runs against the same installation root
// with an exclusively created lock file.
package lock

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	slogcontext "github.com/veqryn/slog-context"
)

// FileName is the name of the lock file inside the installation root.
const FileName = "install-dynamic-plugins.lock"

// DefaultPollInterval is how often a waiting run checks whether the lock is gone.
const DefaultPollInterval = time.Second

// Lock is a held lock file. Release is safe to call more than once and from
// several goroutines.
type Lock struct {
	path string

	once sync.Once
	err  error
}

// Options configure Acquire.
type Options struct {
	// PollInterval overrides DefaultPollInterval.
	PollInterval time.Duration
}

// Path returns the lock file path for the installation root.
func Path(root string) string {
	return filepath.Join(root, FileName)
}

// Acquire creates the lock file at path, waiting for another holder to remove it
// if it already exists. It only returns early if ctx is done.
func Acquire(ctx context.Context, path string, opts Options) (*Lock, error) {
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, werr := f.WriteString(strconv.Itoa(os.Getpid()))
			if err := errors.Join(werr, f.Close()); err != nil {
				return nil, errors.Join(fmt.Errorf("unable to write lock file %s: %w", path, err), os.Remove(path))
			}
			slogcontext.Info(ctx, "created lock file", slog.String("path", path))
			return &Lock{path: path}, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("unable to create lock file %s: %w", path, err)
		}
		if err := waitForRelease(ctx, path, interval); err != nil {
			return nil, err
		}
	}
}

// waitForRelease blocks until the file at path no longer exists. Removal events
// wake it up early, the poll interval covers filesystems without notifications.
func waitForRelease(ctx context.Context, path string, interval time.Duration) error {
	slogcontext.Info(ctx, "waiting for lock release", slog.String("path", path))

	var events chan fsnotify.Event
	if watcher, err := fsnotify.NewWatcher(); err != nil {
		slogcontext.Debug(ctx, "lock file notifications unavailable, polling", slog.String("error", err.Error()))
	} else {
		defer func() {
			_ = watcher.Close()
		}()
		if err := watcher.Add(filepath.Dir(path)); err != nil {
			slogcontext.Debug(ctx, "could not watch lock directory, polling", slog.String("error", err.Error()))
		} else {
			events = watcher.Events
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			slogcontext.Info(ctx, "lock released", slog.String("path", path))
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for lock %s: %w", path, ctx.Err())
		case <-ticker.C:
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(event.Name) != filepath.Clean(path) || !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
		}
	}
}

// Release removes the lock file. A lock file that is already gone is not an error.
func (l *Lock) Release() error {
	l.once.Do(func() {
		err := os.Remove(l.path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			l.err = fmt.Errorf("unable to remove lock file %s: %w", l.path, err)
			return
		}
		slog.Info("removed lock file", slog.String("path", l.path))
	})
	return l.err
}
