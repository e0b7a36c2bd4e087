package hooks

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	slogcontext "github.com/veqryn/slog-context"

	rhdhcmd "github.com/zeshanziya/rhdh/cmd/internal/cmd"
	"github.com/zeshanziya/rhdh/internal/config"
	rhdhctx "github.com/zeshanziya/rhdh/internal/context"
	"github.com/zeshanziya/rhdh/internal/flags/log"
)

// Option adjusts the pre-run setup.
type Option interface {
	Apply(b *Builder) error
}

type optionFunc func(*Builder) error

func (f optionFunc) Apply(b *Builder) error { return f(b) }

// Builder accumulates the state the pre-run hook stores in the command context.
type Builder struct {
	settings         *config.Settings
	environment      map[string]string
	workingDirectory string
	tempFolder       string
}

// WithEnvironment reads the settings from the given variables instead of the process environment.
func WithEnvironment(environment map[string]string) Option {
	return optionFunc(func(b *Builder) error {
		b.environment = environment
		return nil
	})
}

// WithSettings uses settings as they are instead of reading the environment.
func WithSettings(settings *config.Settings) Option {
	return optionFunc(func(b *Builder) error {
		b.settings = settings
		return nil
	})
}

// WithWorkingDirectory sets the default working directory.
func WithWorkingDirectory(dir string) Option {
	return optionFunc(func(b *Builder) error {
		b.workingDirectory = dir
		return nil
	})
}

// PreRunE sets up the command with defaults.
func PreRunE(cmd *cobra.Command, args []string) error {
	return PreRunEWithOptions(cmd, args)
}

// PreRunEWithOptions applies opts, then lets command line flags override them.
func PreRunEWithOptions(cmd *cobra.Command, _ []string, opts ...Option) error {
	logger, err := log.GetBaseLogger(cmd)
	if err != nil {
		return fmt.Errorf("could not retrieve logger: %w", err)
	}
	slog.SetDefault(logger)

	b := &Builder{}
	for _, opt := range opts {
		if err := opt.Apply(b); err != nil {
			return fmt.Errorf("apply option: %w", err)
		}
	}

	if b.settings == nil {
		if b.environment != nil {
			b.settings, err = config.LoadFrom(b.environment)
		} else {
			b.settings, err = config.Load()
		}
		if err != nil {
			return fmt.Errorf("could not read settings: %w", err)
		}
	}

	if flag := cmd.Flags().Lookup(rhdhcmd.WorkingDirectoryFlag); flag != nil && flag.Changed {
		if v, err := cmd.Flags().GetString(rhdhcmd.WorkingDirectoryFlag); err == nil && v != "" {
			b.workingDirectory = v
		}
	}
	if b.workingDirectory == "" {
		if b.workingDirectory, err = os.Getwd(); err != nil {
			return fmt.Errorf("could not determine working directory: %w", err)
		}
	}
	if flag := cmd.Flags().Lookup(rhdhcmd.TempFolderFlag); flag != nil && flag.Changed {
		if v, err := cmd.Flags().GetString(rhdhcmd.TempFolderFlag); err == nil && v != "" {
			b.tempFolder = v
		}
	}

	ctx := slogcontext.NewCtx(cmd.Context(), logger)
	ctx = rhdhctx.WithSettings(ctx, b.settings)
	ctx = rhdhctx.WithWorkingDirectory(ctx, b.workingDirectory)
	ctx = rhdhctx.WithTempFolder(ctx, b.tempFolder)
	cmd.SetContext(ctx)
	rhdhctx.Register(cmd)

	if parent := cmd.Parent(); parent != nil {
		cmd.SetOut(parent.OutOrStdout())
		cmd.SetErr(parent.ErrOrStderr())
	}
	return nil
}
