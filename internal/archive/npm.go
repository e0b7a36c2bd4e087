package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	slogcontext "github.com/veqryn/slog-context"

	"github.com/zeshanziya/rhdh/internal/installerr"
)

// PackagePrefix is the directory every member of an npm package tarball lives in.
const PackagePrefix = "package/"

// PackageDirectory returns the directory an npm package archive is extracted to:
// the archive path without its .tgz extension.
func PackageDirectory(archivePath string) string {
	return strings.TrimSuffix(archivePath, ".tgz")
}

// ExtractPackage extracts the npm package tarball at archivePath into
// PackageDirectory(archivePath), replacing whatever was there before.
// The archive is removed after a successful extraction.
//
// Regular files must live under PackagePrefix and be at most maxEntrySize bytes.
// Links must name and target paths under PackagePrefix and must resolve inside
// the extraction directory. Any other member type is rejected.
func ExtractPackage(ctx context.Context, archivePath string, maxEntrySize int64) (dir string, err error) {
	dir = PackageDirectory(archivePath)
	if dir == archivePath {
		return "", installerr.Errorf("NPM package archive %s does not have the .tgz extension", archivePath)
	}
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("unable to remove previous installation at %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("unable to create directory %s: %w", dir, err)
	}

	root, err := os.OpenRoot(dir)
	if err != nil {
		return "", fmt.Errorf("unable to open %s: %w", dir, err)
	}
	defer func() {
		err = errors.Join(err, root.Close())
	}()

	reader, cleanup, err := open(ctx, archivePath)
	if err != nil {
		return "", err
	}
	defer func() {
		err = errors.Join(err, cleanup())
	}()

	if err := extractPackage(ctx, reader, root, archivePath, maxEntrySize); err != nil {
		return "", err
	}

	if err := os.Remove(archivePath); err != nil {
		return "", fmt.Errorf("unable to remove archive %s: %w", archivePath, err)
	}
	slogcontext.Debug(ctx, "extracted npm package", "archive", archivePath, "directory", dir)
	return dir, nil
}

func extractPackage(ctx context.Context, reader *tar.Reader, root *os.Root, archivePath string, maxEntrySize int64) error {
	for {
		header, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("unable to read archive %s: %w", archivePath, err)
		}

		switch header.Typeflag {
		case tar.TypeReg:
			name, ok := strings.CutPrefix(header.Name, PackagePrefix)
			if !ok {
				return installerr.Errorf("NPM package archive %s does not start with '%s' as it should: %s", archivePath, PackagePrefix, header.Name)
			}
			if header.Size > maxEntrySize {
				return installerr.Errorf("Zip bomb detected in %s", header.Name)
			}
			if err := writeFile(root, name, reader, header); err != nil {
				return installerr.Errorf("unable to extract %s from %s: %w", header.Name, archivePath, err)
			}
		case tar.TypeDir:
			continue
		case tar.TypeSymlink, tar.TypeLink:
			if err := extractPackageLink(ctx, root, header); err != nil {
				if installerr.Is(err) {
					return err
				}
				return installerr.Errorf("unable to extract %s from %s: %w", header.Name, archivePath, err)
			}
		default:
			return installerr.Errorf("NPM package archive %s contains a non regular file: %s - %s", archivePath, header.Name, typeName(header.Typeflag))
		}
	}
}

func extractPackageLink(ctx context.Context, root *os.Root, header *tar.Header) error {
	outside := func() error {
		return installerr.Errorf("NPM package archive contains a link outside of the archive: %s -> %s", header.Name, header.Linkname)
	}

	name, nameOK := strings.CutPrefix(header.Name, PackagePrefix)
	target, targetOK := strings.CutPrefix(header.Linkname, PackagePrefix)
	if !nameOK || !targetOK {
		return outside()
	}

	// both the name and the link target are relative to the package root
	name = path.Clean(name)
	target = path.Clean(target)
	if !filepath.IsLocal(filepath.FromSlash(name)) || !filepath.IsLocal(filepath.FromSlash(target)) {
		return outside()
	}

	if err := root.MkdirAll(filepath.Dir(filepath.FromSlash(name)), 0o755); err != nil {
		return err
	}
	if err := root.RemoveAll(filepath.FromSlash(name)); err != nil {
		return err
	}

	if header.Typeflag == tar.TypeLink {
		return root.Link(filepath.FromSlash(target), filepath.FromSlash(name))
	}

	relative, err := filepath.Rel(filepath.Dir(filepath.FromSlash(name)), filepath.FromSlash(target))
	if err != nil {
		return outside()
	}
	slogcontext.Debug(ctx, "creating symbolic link", "name", name, "target", relative)
	return root.Symlink(relative, filepath.FromSlash(name))
}

// writeFile writes a regular member to name inside root.
func writeFile(root *os.Root, name string, src io.Reader, header *tar.Header) (err error) {
	name = filepath.FromSlash(path.Clean(name))
	if !filepath.IsLocal(name) {
		return fmt.Errorf("path %s escapes the extraction directory", header.Name)
	}
	if dir := filepath.Dir(name); dir != "." {
		if err := root.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	mode := fs.FileMode(header.Mode).Perm() | 0o600
	f, err := root.OpenFile(name, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, f.Close())
	}()

	if _, err := io.CopyN(f, src, header.Size); err != nil {
		return err
	}
	return nil
}
