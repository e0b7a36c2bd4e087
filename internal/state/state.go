// Package state reads and writes the marker files that record which plugin
// declaration (and which image digest) produced an installed plugin directory.
package state

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	slogcontext "github.com/veqryn/slog-context"
)

const (
	// ConfigHashFile holds the fingerprint of the declaration a plugin directory was installed from.
	ConfigHashFile = "dynamic-plugin-config.hash"
	// ImageHashFile holds the digest of the image an image plugin was extracted from.
	ImageHashFile = "dynamic-plugin-image.hash"
)

// Index maps declaration fingerprints to the plugin directory, relative to the
// installation root, they were installed into.
type Index map[string]string

// Record describes an installed plugin directory.
type Record struct {
	Directory   string `json:"directory"`
	ConfigHash  string `json:"configHash"`
	ImageDigest string `json:"imageDigest,omitempty"`
}

// List returns every plugin directory below root that carries a ConfigHashFile,
// sorted by directory. Directories with a marker are not descended into.
func List(root string) ([]Record, error) {
	var records []Record
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		switch {
		case !d.IsDir() || path == root:
			return nil
		case d.Name() == "node_modules":
			return filepath.SkipDir
		}
		data, err := os.ReadFile(filepath.Join(path, ConfigHashFile))
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("unable to read %s: %w", ConfigHashFile, err)
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		record := Record{Directory: filepath.ToSlash(rel), ConfigHash: strings.TrimSpace(string(data))}
		if digest, err := os.ReadFile(filepath.Join(path, ImageHashFile)); err == nil {
			record.ImageDigest = strings.TrimSpace(string(digest))
		}
		records = append(records, record)
		return filepath.SkipDir
	})
	if err != nil {
		return nil, fmt.Errorf("unable to scan %s for installed plugins: %w", root, err)
	}
	slices.SortFunc(records, func(a, b Record) int {
		return strings.Compare(a.Directory, b.Directory)
	})
	return records, nil
}

// Scan builds the index of installed plugins below root.
func Scan(root string) (Index, error) {
	records, err := List(root)
	if err != nil {
		return nil, err
	}
	index := make(Index, len(records))
	for _, record := range records {
		index[record.ConfigHash] = record.Directory
	}
	return index, nil
}

// DropDirectory removes all entries pointing at dir except the one for keep.
func (idx Index) DropDirectory(dir, keep string) {
	for hash, d := range idx {
		if d == dir && hash != keep {
			delete(idx, hash)
		}
	}
}

// Directories returns the directories still referenced by the index, sorted.
func (idx Index) Directories() []string {
	dirs := slices.Sorted(maps.Values(idx))
	return slices.Compact(dirs)
}

// WriteConfigHash records the declaration fingerprint of the plugin in dir.
func WriteConfigHash(root, dir, hash string) error {
	return writeMarker(root, dir, ConfigHashFile, hash)
}

// WriteImageDigest records the digest of the image the plugin in dir was extracted from.
func WriteImageDigest(root, dir, digest string) error {
	return writeMarker(root, dir, ImageHashFile, digest)
}

// ReadImageDigest returns the recorded image digest of the plugin in dir.
// A missing marker yields an empty digest.
func ReadImageDigest(root, dir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(dir), ImageHashFile))
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("unable to read %s of %s: %w", ImageHashFile, dir, err)
	}
	return strings.TrimSpace(string(data)), nil
}

func writeMarker(root, dir, name, content string) error {
	path := filepath.Join(root, filepath.FromSlash(dir), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("unable to write %s: %w", path, err)
	}
	return nil
}

// Prune removes every directory left in the index from root and returns them.
func Prune(ctx context.Context, root string, idx Index) ([]string, error) {
	removed := idx.Directories()
	for _, dir := range removed {
		path := filepath.Join(root, filepath.FromSlash(dir))
		slogcontext.Info(ctx, "removing plugin that is not configured anymore", "directory", dir)
		if err := os.RemoveAll(path); err != nil {
			return nil, fmt.Errorf("unable to remove %s: %w", path, err)
		}
	}
	return removed, nil
}
