package install

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	slogcontext "github.com/veqryn/slog-context"

	"github.com/zeshanziya/rhdh/internal/appconfig"
	"github.com/zeshanziya/rhdh/internal/archive"
	"github.com/zeshanziya/rhdh/internal/config"
	"github.com/zeshanziya/rhdh/internal/fetch"
	"github.com/zeshanziya/rhdh/internal/lock"
	"github.com/zeshanziya/rhdh/internal/manifest"
	"github.com/zeshanziya/rhdh/internal/plugin"
	"github.com/zeshanziya/rhdh/internal/state"
)

// Action is what a run did with a plugin.
type Action string

const (
	ActionInstalled Action = "installed"
	ActionSkipped   Action = "skipped"
	ActionDisabled  Action = "disabled"
	ActionRemoved   Action = "removed"
)

// Result records the outcome for one plugin.
type Result struct {
	Package   string `json:"package,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Action    Action `json:"action"`
	Reason    Reason `json:"reason,omitempty"`
	Directory string `json:"directory,omitempty"`
}

// Summary lists the outcome of a run.
type Summary struct {
	Results []Result `json:"plugins"`
}

// ImageSourceFunc opens the image source. It is only called once an image plugin
// has to be fetched or inspected.
type ImageSourceFunc func(ctx context.Context) (fetch.ImageSource, error)

// Options configure Run.
type Options struct {
	// Root is the dynamic plugins root directory.
	Root string
	// Manifest is the manifest path, relative paths are resolved against WorkingDir.
	Manifest string
	// WorkingDir resolves the manifest, its includes and local packages.
	WorkingDir string
	Settings   *config.Settings
	Packages   fetch.PackageFetcher
	Images     ImageSourceFunc
	Lock       lock.Options
	// Exit is called after releasing the lock on a termination signal.
	// Signals are not handled if nil.
	Exit func(code int)
}

// Run installs the plugins declared in the manifest into the root directory,
// removes plugins that are no longer declared and writes the global config.
func Run(ctx context.Context, opts Options) (summary *Summary, err error) {
	if opts.Settings == nil {
		opts.Settings = &config.Settings{MaxEntrySize: archive.DefaultMaxEntrySize}
	}
	if err := os.MkdirAll(opts.Root, 0o755); err != nil {
		return nil, fmt.Errorf("unable to create %s: %w", opts.Root, err)
	}
	l, err := lock.Acquire(ctx, lock.Path(opts.Root), opts.Lock)
	if err != nil {
		return nil, err
	}
	defer func() {
		err = errors.Join(err, l.Release())
	}()
	if opts.Exit != nil {
		stop := lock.ReleaseOnSignal(l, opts.Exit)
		defer stop()
	}

	plugins, err := manifest.Load(ctx, opts.Manifest, opts.WorkingDir)
	if err != nil {
		return nil, err
	}
	if plugins == nil {
		return &Summary{}, appconfig.WriteEmpty(opts.Root)
	}
	if opts.Settings.SkipIntegrityCheck {
		slogcontext.Warn(ctx, "SKIP_INTEGRITY_CHECK has been set, skipping integrity check of packages")
	}

	images := &lazyImages{open: opts.Images}
	defer func() {
		err = errors.Join(err, images.Close())
	}()
	installers := map[plugin.Kind]Installer{
		plugin.KindRegistry: &Registry{Root: opts.Root, Settings: opts.Settings, Packages: opts.Packages},
		plugin.KindImage:    &Image{Root: opts.Root, Settings: opts.Settings, Images: images},
	}
	return reconcile(ctx, opts, plugins, installers)
}

func reconcile(ctx context.Context, opts Options, plugins plugin.Plugins, installers map[plugin.Kind]Installer) (*Summary, error) {
	keys := plugins.Keys()
	for _, key := range keys {
		d := plugins[key]
		hash, err := plugin.Fingerprint(d, opts.WorkingDir)
		if err != nil {
			return nil, err
		}
		d.Hash = hash
	}

	idx, err := state.Scan(opts.Root)
	if err != nil {
		return nil, err
	}

	summary := &Summary{}
	global := appconfig.New()
	for _, key := range keys {
		d := plugins[key]
		pctx := slogcontext.With(ctx, "package", d.Package())
		result := Result{Package: d.Package(), Kind: d.Kind().String()}

		if d.Disabled() {
			slogcontext.Info(pctx, "skipping disabled dynamic plugin")
			result.Action = ActionDisabled
			summary.Results = append(summary.Results, result)
			continue
		}

		installer := installers[d.Kind()]
		decision, err := installer.ShouldSkip(pctx, d, idx)
		if err != nil {
			return nil, err
		}
		result.Reason = decision.Reason
		if decision.Skip {
			slogcontext.Info(pctx, "skipping download of already installed dynamic plugin", "reason", decision.Reason)
			result.Action = ActionSkipped
		} else {
			slogcontext.Info(pctx, "installing dynamic plugin", "reason", decision.Reason)
			dir, err := installer.Install(pctx, d, idx)
			if err != nil {
				return nil, err
			}
			result.Action = ActionInstalled
			result.Directory = dir
		}

		if cfg := d.PluginConfig(); cfg != nil {
			slogcontext.Debug(pctx, "merging plugin-specific configuration")
			if err := global.Merge(cfg); err != nil {
				return nil, err
			}
		}
		summary.Results = append(summary.Results, result)
	}

	removed, err := state.Prune(ctx, opts.Root, idx)
	if err != nil {
		return nil, err
	}
	for _, dir := range removed {
		summary.Results = append(summary.Results, Result{Action: ActionRemoved, Directory: dir})
	}

	if err := appconfig.Write(opts.Root, global); err != nil {
		return nil, err
	}
	return summary, nil
}

// lazyImages defers opening the image source until an image is needed, so that
// a missing skopeo only fails runs that install image plugins.
type lazyImages struct {
	open   ImageSourceFunc
	source fetch.ImageSource
	err    error
}

func (l *lazyImages) get(ctx context.Context) (fetch.ImageSource, error) {
	if l.source == nil && l.err == nil {
		if l.open == nil {
			l.err = errors.New("no image source configured")
		} else {
			l.source, l.err = l.open(ctx)
		}
	}
	return l.source, l.err
}

func (l *lazyImages) Layer(ctx context.Context, image string) (string, error) {
	source, err := l.get(ctx)
	if err != nil {
		return "", err
	}
	return source.Layer(ctx, image)
}

func (l *lazyImages) Digest(ctx context.Context, image string) (string, error) {
	source, err := l.get(ctx)
	if err != nil {
		return "", err
	}
	return source.Digest(ctx, image)
}

func (l *lazyImages) Close() error {
	if closer, ok := l.source.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
