package archive

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"slices"

	"github.com/nlepage/go-tarfs"
)

// TopLevelDirs lists the directories at the root of the tar (or tar.gz) file at path.
func TopLevelDirs(path string) (dirs []string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("unable to open archive: %w", err)
	}
	defer func() {
		err = errors.Join(err, f.Close())
	}()

	var src io.Reader = f
	if gz, gzErr := gzip.NewReader(f); gzErr == nil {
		defer func() {
			err = errors.Join(err, gz.Close())
		}()
		src = gz
	} else if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("unable to rewind archive: %w", err)
	}

	tfs, err := tarfs.New(src)
	if err != nil {
		return nil, fmt.Errorf("unable to index archive: %w", err)
	}
	entries, err := fs.ReadDir(tfs, ".")
	if err != nil {
		return nil, fmt.Errorf("unable to list archive root: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			dirs = append(dirs, entry.Name())
		}
	}
	slices.Sort(dirs)
	return dirs, nil
}
