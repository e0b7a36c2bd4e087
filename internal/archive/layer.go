package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	slogcontext "github.com/veqryn/slog-context"

	"github.com/zeshanziya/rhdh/internal/installerr"
)

// ExtractLayer extracts the members of the image layer at layerPath that live under
// innerPath into destination, keeping their paths. A previous extraction of innerPath
// is removed first.
//
// Members larger than maxEntrySize fail the extraction. Links whose target leaves
// innerPath are skipped with a warning. Devices and FIFOs are rejected.
func ExtractLayer(ctx context.Context, layerPath, destination, innerPath string, maxEntrySize int64) (err error) {
	inner := path.Clean(strings.TrimPrefix(filepath.ToSlash(innerPath), "./"))
	// "." would make the plugin directory the destination itself
	if inner == "." || !filepath.IsLocal(filepath.FromSlash(inner)) {
		return installerr.Errorf("plugin path %s inside the image must be a relative path below the image root", innerPath)
	}

	pluginDir := filepath.Join(destination, filepath.FromSlash(inner))
	if _, err := os.Stat(pluginDir); err == nil {
		slogcontext.Info(ctx, "removing previous plugin directory", "directory", pluginDir)
		if err := os.RemoveAll(pluginDir); err != nil {
			return fmt.Errorf("unable to remove previous plugin directory %s: %w", pluginDir, err)
		}
	}

	root, err := os.OpenRoot(destination)
	if err != nil {
		return fmt.Errorf("unable to open %s: %w", destination, err)
	}
	defer func() {
		err = errors.Join(err, root.Close())
	}()

	reader, cleanup, err := open(ctx, layerPath)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, cleanup())
	}()

	extracted, err := extractLayer(ctx, reader, root, inner, maxEntrySize)
	if err != nil {
		return err
	}
	if extracted == 0 {
		available, lerr := TopLevelDirs(layerPath)
		if lerr != nil {
			slogcontext.Debug(ctx, "could not list image layer content", "error", lerr)
		}
		return installerr.Errorf("plugin path %s was not found in the image, available directories: %s", inner, strings.Join(available, ", "))
	}
	return nil
}

func within(name, inner string) bool {
	return name == inner || strings.HasPrefix(name, inner+"/")
}

func extractLayer(ctx context.Context, reader *tar.Reader, root *os.Root, inner string, maxEntrySize int64) (int, error) {
	extracted := 0
	for {
		header, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return extracted, nil
		}
		if err != nil {
			return extracted, fmt.Errorf("unable to read image layer: %w", err)
		}

		name := path.Clean(strings.TrimPrefix(header.Name, "./"))
		if !within(name, inner) {
			continue
		}
		if !filepath.IsLocal(filepath.FromSlash(name)) {
			return extracted, installerr.Errorf("image layer member %s escapes the plugin directory", header.Name)
		}
		if header.Size > maxEntrySize {
			return extracted, installerr.Errorf("Zip bomb detected in %s", header.Name)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := root.MkdirAll(filepath.FromSlash(name), 0o755); err != nil {
				return extracted, fmt.Errorf("unable to create directory %s: %w", name, err)
			}
		case tar.TypeReg:
			if err := writeFile(root, name, reader, header); err != nil {
				return extracted, installerr.Errorf("unable to extract %s: %w", header.Name, err)
			}
		case tar.TypeSymlink, tar.TypeLink:
			var resolved string
			if header.Typeflag == tar.TypeSymlink {
				resolved = path.Join(path.Dir(name), header.Linkname)
			} else {
				resolved = path.Clean(strings.TrimPrefix(header.Linkname, "./"))
			}
			if path.IsAbs(header.Linkname) || !within(resolved, inner) {
				slogcontext.Warn(ctx, "skipping file containing link outside of the archive", "name", header.Name, "target", header.Linkname)
				continue
			}
			if err := extractLayerLink(root, name, resolved, header); err != nil {
				return extracted, installerr.Errorf("unable to extract %s: %w", header.Name, err)
			}
		default:
			return extracted, installerr.Errorf("image layer contains a non regular file: %s - %s", header.Name, typeName(header.Typeflag))
		}
		extracted++
	}
}

func extractLayerLink(root *os.Root, name, resolved string, header *tar.Header) error {
	local := filepath.FromSlash(name)
	if dir := filepath.Dir(local); dir != "." {
		if err := root.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	if err := root.RemoveAll(local); err != nil {
		return err
	}
	if header.Typeflag == tar.TypeLink {
		return root.Link(filepath.FromSlash(resolved), local)
	}
	return root.Symlink(header.Linkname, local)
}
