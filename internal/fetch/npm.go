package fetch

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/zeshanziya/rhdh/internal/installerr"
)

// PackageFetcher downloads a registry package into a directory as a single archive.
type PackageFetcher interface {
	// Pack downloads pkg into dir and returns the path of the archive.
	Pack(ctx context.Context, pkg, dir string) (string, error)
}

// NPM fetches packages with `npm pack`.
type NPM struct {
	// Binary is the npm executable, "npm" if empty.
	Binary string
	// WorkingDir is the directory local "./" packages are resolved against.
	WorkingDir string
	// Run executes the command, ExecRunner if nil.
	Run Runner
}

var _ PackageFetcher = (*NPM)(nil)

// Pack runs `npm pack` for pkg inside dir. npm prints the file name of the
// created archive as the last line of its output, it must be a .tgz file in dir.
func (n *NPM) Pack(ctx context.Context, pkg, dir string) (string, error) {
	ref := pkg
	if rel, ok := strings.CutPrefix(pkg, "./"); ok {
		ref = filepath.Join(n.WorkingDir, rel)
		if abs, err := filepath.Abs(ref); err == nil {
			ref = abs
		}
	}

	binary := n.Binary
	if binary == "" {
		binary = "npm"
	}
	run := n.Run
	if run == nil {
		run = ExecRunner
	}

	out, err := run(ctx, dir, binary, "pack", ref)
	if err != nil {
		return "", installerr.Errorf("Error while installing plugin %s with 'npm pack' : %s", pkg, stderrOf(err))
	}

	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	name := strings.TrimSpace(lines[len(lines)-1])
	if !strings.HasSuffix(name, ".tgz") || !filepath.IsLocal(name) {
		return "", installerr.Errorf("Error while installing plugin %s with 'npm pack' : unexpected archive name %q", pkg, name)
	}
	return filepath.Join(dir, name), nil
}
