// Package install decides, per merged plugin declaration, whether the plugin has to
// be fetched and installs it into the dynamic plugins root.
package install

import (
	"context"
	"log/slog"
	"path/filepath"

	slogcontext "github.com/veqryn/slog-context"

	"github.com/zeshanziya/rhdh/internal/archive"
	"github.com/zeshanziya/rhdh/internal/config"
	"github.com/zeshanziya/rhdh/internal/fetch"
	"github.com/zeshanziya/rhdh/internal/installerr"
	"github.com/zeshanziya/rhdh/internal/integrity"
	"github.com/zeshanziya/rhdh/internal/log"
	"github.com/zeshanziya/rhdh/internal/plugin"
	"github.com/zeshanziya/rhdh/internal/state"
)

// Reason explains an install decision.
type Reason string

const (
	ReasonNotInstalled     Reason = "not_installed"
	ReasonAlreadyInstalled Reason = "already_installed"
	ReasonForceDownload    Reason = "force_download"
	ReasonDigestUnchanged  Reason = "digest_unchanged"
	ReasonDigestChanged    Reason = "digest_changed"
)

// Decision is the outcome of Installer.ShouldSkip.
type Decision struct {
	Skip   bool
	Reason Reason
}

// Installer installs plugins of one package kind.
type Installer interface {
	// ShouldSkip decides whether d is already installed. An index entry matching
	// the fingerprint of d is consumed.
	ShouldSkip(ctx context.Context, d *plugin.Declaration, idx state.Index) (Decision, error)
	// Install fetches and extracts d and returns its directory relative to the root.
	Install(ctx context.Context, d *plugin.Declaration, idx state.Index) (string, error)
}

// Registry installs packages fetched with npm.
type Registry struct {
	Root     string
	Settings *config.Settings
	Packages fetch.PackageFetcher
}

var _ Installer = (*Registry)(nil)

func (r *Registry) ShouldSkip(ctx context.Context, d *plugin.Declaration, idx state.Index) (Decision, error) {
	if _, installed := idx[d.Hash]; !installed {
		return Decision{Reason: ReasonNotInstalled}, nil
	}
	delete(idx, d.Hash)
	if d.PullPolicy() == plugin.PullAlways || d.ForceDownload() {
		slogcontext.Info(ctx, "forcing download of already installed dynamic plugin")
		return Decision{Reason: ReasonForceDownload}, nil
	}
	return Decision{Skip: true, Reason: ReasonAlreadyInstalled}, nil
}

// Install fetches, verifies and extracts the package. The directory it extracts
// into may still be claimed by an earlier declaration of the same package in idx,
// that claim is released so the fresh installation is not pruned.
func (r *Registry) Install(ctx context.Context, d *plugin.Declaration, idx state.Index) (_ string, err error) {
	pkg := d.Package()
	verify := !d.IsLocal() && !bool(r.Settings.SkipIntegrityCheck)
	if _, ok := d.Integrity(); verify && !ok {
		return "", installerr.Errorf("No integrity hash provided for Package %s", pkg)
	}

	done := log.Operation(ctx, "install npm package", slog.String("package", pkg))
	defer func() { done(err) }()

	archivePath, err := r.Packages.Pack(ctx, pkg, r.Root)
	if err != nil {
		return "", err
	}
	if verify {
		slogcontext.Debug(ctx, "verifying package integrity", "archive", archivePath)
		value, present := d.Integrity()
		if err := integrity.Verify(pkg, value, present, archivePath); err != nil {
			return "", err
		}
	}

	dir, err := archive.ExtractPackage(ctx, archivePath, r.Settings.MaxEntrySize)
	if err != nil {
		return "", err
	}
	rel := filepath.Base(dir)
	if err := state.WriteConfigHash(r.Root, rel, d.Hash); err != nil {
		return "", err
	}
	idx.DropDirectory(rel, d.Hash)
	return rel, nil
}

// Image installs plugins extracted from OCI image layers.
type Image struct {
	Root     string
	Settings *config.Settings
	Images   fetch.ImageSource
}

var _ Installer = (*Image)(nil)

func (i *Image) ShouldSkip(ctx context.Context, d *plugin.Declaration, idx state.Index) (Decision, error) {
	dir, installed := idx[d.Hash]
	if !installed {
		return Decision{Reason: ReasonNotInstalled}, nil
	}
	delete(idx, d.Hash)
	if d.PullPolicy() != plugin.PullAlways && !d.ForceDownload() {
		return Decision{Skip: true, Reason: ReasonAlreadyInstalled}, nil
	}

	local, err := state.ReadImageDigest(i.Root, dir)
	if err != nil {
		return Decision{}, err
	}
	image, _ := plugin.SplitImagePackage(d.Package())
	remote, err := i.Images.Digest(ctx, image)
	if err != nil {
		return Decision{}, installerr.Errorf("Error while adding OCI plugin %s to downloader: %w", d.Package(), err)
	}
	if remote == local {
		return Decision{Skip: true, Reason: ReasonDigestUnchanged}, nil
	}
	slogcontext.Info(ctx, "image digest changed", "installed", local, "remote", remote)
	return Decision{Reason: ReasonDigestChanged}, nil
}

func (i *Image) Install(ctx context.Context, d *plugin.Declaration, idx state.Index) (_ string, err error) {
	pkg := d.Package()
	if d.Version == "" {
		return "", installerr.Errorf("Tag or Digest is not set for %s", pkg)
	}

	done := log.Operation(ctx, "install oci plugin", slog.String("package", pkg))
	defer func() { done(err) }()

	image, inner := plugin.SplitImagePackage(pkg)
	layer, err := i.Images.Layer(ctx, image)
	if err != nil {
		return "", installerr.Errorf("Error while adding OCI plugin %s to downloader: %w", pkg, err)
	}
	if err := archive.ExtractLayer(ctx, layer, i.Root, inner, i.Settings.MaxEntrySize); err != nil {
		return "", err
	}
	digest, err := i.Images.Digest(ctx, image)
	if err != nil {
		return "", installerr.Errorf("Error while adding OCI plugin %s to downloader: %w", pkg, err)
	}

	dir := filepath.ToSlash(filepath.Clean(inner))
	if err := state.WriteImageDigest(i.Root, dir, digest); err != nil {
		return "", err
	}
	if err := state.WriteConfigHash(i.Root, dir, d.Hash); err != nil {
		return "", err
	}
	// a version bump changes the fingerprint but reuses the directory
	idx.DropDirectory(dir, d.Hash)
	return dir, nil
}
