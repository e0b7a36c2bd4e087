// Package archive extracts untrusted plugin archives: npm package tarballs and
// OCI image layers. Every write goes through an os.Root opened on the
// destination, and each member is checked against size, type and link
// containment rules before it is written.
package archive

import (
	"archive/tar"
	"bufio"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
)

// DefaultMaxEntrySize is the largest archive member accepted when nothing else is configured.
const DefaultMaxEntrySize int64 = 20_000_000

var gzipMagic = []byte{0x1f, 0x8b}

// open returns a tar reader over the file at path. Gzip compression is detected
// from the leading magic bytes. cleanup must be called when done.
func open(ctx context.Context, path string) (reader *tar.Reader, cleanup func() error, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to open archive: %w", err)
	}
	closers := []func() error{f.Close}
	cleanup = func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i]())
		}
		return errors.Join(errs...)
	}

	buffered := bufio.NewReader(cancelable{ctx: ctx, r: f})
	header, err := buffered.Peek(len(gzipMagic))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, nil, errors.Join(fmt.Errorf("failed to read data for gzip detection: %w", err), cleanup())
	}

	if len(header) == len(gzipMagic) && header[0] == gzipMagic[0] && header[1] == gzipMagic[1] {
		gz, err := gzip.NewReader(buffered)
		if err != nil {
			return nil, nil, errors.Join(fmt.Errorf("unable to create gzip reader: %w", err), cleanup())
		}
		closers = append(closers, gz.Close)
		return tar.NewReader(gz), cleanup, nil
	}
	return tar.NewReader(buffered), cleanup, nil
}

// typeName describes a tar member type for error messages.
func typeName(flag byte) string {
	switch flag {
	case tar.TypeReg:
		return "regular file"
	case tar.TypeDir:
		return "directory"
	case tar.TypeSymlink:
		return "symbolic link"
	case tar.TypeLink:
		return "hard link"
	case tar.TypeChar:
		return "character device"
	case tar.TypeBlock:
		return "block device"
	case tar.TypeFifo:
		return "FIFO"
	default:
		return fmt.Sprintf("type %q", flag)
	}
}

// cancelable stops reading an archive once ctx is done. Archives are regular
// files, so cancellation is checked between reads instead of through deadlines.
type cancelable struct {
	ctx context.Context
	r   io.Reader
}

func (c cancelable) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, fmt.Errorf("reading archive: %w", err)
	}
	return c.r.Read(p)
}
