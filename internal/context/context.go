// Package context carries the state shared by all commands of a single
// invocation through the cobra command context.
package context

import (
	"context"
	"sync"

	"github.com/spf13/cobra"

	"github.com/zeshanziya/rhdh/internal/config"
)

type ctxKey string

const key ctxKey = "github.com/zeshanziya/rhdh/internal/context"

// Context holds pointers to state that is set up once in the pre-run hook and
// read by the commands.
type Context struct {
	mu sync.RWMutex

	// settings are the environment tunables, parsed once per invocation.
	settings *config.Settings

	// workingDirectory resolves the manifest, its includes and local packages.
	workingDirectory string

	// tempFolder is the parent directory for staged images.
	tempFolder string
}

// WithSettings stores the environment settings in ctx.
func WithSettings(ctx context.Context, settings *config.Settings) context.Context {
	ctx, c := retrieveOrCreate(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings = settings
	return ctx
}

// WithWorkingDirectory stores the working directory in ctx.
func WithWorkingDirectory(ctx context.Context, dir string) context.Context {
	ctx, c := retrieveOrCreate(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.workingDirectory = dir
	return ctx
}

// WithTempFolder stores the temporary folder in ctx.
func WithTempFolder(ctx context.Context, dir string) context.Context {
	ctx, c := retrieveOrCreate(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tempFolder = dir
	return ctx
}

// Register makes sure the context of cmd carries a Context.
func Register(cmd *cobra.Command) {
	ctx, _ := retrieveOrCreate(cmd.Context())
	cmd.SetContext(ctx)
}

func (c *Context) Settings() *config.Settings {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings
}

func (c *Context) WorkingDirectory() string {
	if c == nil {
		return ""
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.workingDirectory
}

func (c *Context) TempFolder() string {
	if c == nil {
		return ""
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tempFolder
}

// FromContext returns the Context stored in ctx, or nil.
func FromContext(ctx context.Context) *Context {
	if ctx == nil {
		return nil
	}
	if v, ok := ctx.Value(key).(*Context); ok {
		return v
	}
	return nil
}

func retrieveOrCreate(ctx context.Context) (context.Context, *Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	c := FromContext(ctx)
	if c == nil {
		c = &Context{}
		ctx = context.WithValue(ctx, key, c)
	}
	return ctx, c
}
