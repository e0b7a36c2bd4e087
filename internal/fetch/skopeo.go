package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/opencontainers/go-digest"
	ociImageSpecV1 "github.com/opencontainers/image-spec/specs-go/v1"
	slogcontext "github.com/veqryn/slog-context"

	"github.com/zeshanziya/rhdh/internal/installerr"
)

// Skopeo stages images with `skopeo copy` into a directory transport and reads
// digests with `skopeo inspect`.
type Skopeo struct {
	binary  string
	staging string
	run     Runner
	cache   *lru.Cache[string, staged]
}

var _ ImageSource = (*Skopeo)(nil)

// SkopeoOption configures NewSkopeo.
type SkopeoOption func(*Skopeo)

// WithSkopeoBinary uses the given executable instead of looking up skopeo in PATH.
func WithSkopeoBinary(binary string) SkopeoOption {
	return func(s *Skopeo) {
		s.binary = binary
	}
}

// WithSkopeoRunner replaces the subprocess runner.
func WithSkopeoRunner(run Runner) SkopeoOption {
	return func(s *Skopeo) {
		s.run = run
	}
}

// NewSkopeo returns an ImageSource staging images below the staging directory.
func NewSkopeo(staging string, opts ...SkopeoOption) (*Skopeo, error) {
	s := &Skopeo{staging: staging, run: ExecRunner}
	for _, opt := range opts {
		opt(s)
	}
	if s.binary == "" {
		path, err := exec.LookPath("skopeo")
		if err != nil {
			return nil, installerr.Errorf("skopeo executable not found in PATH")
		}
		s.binary = path
	}
	cache, err := newStagingCache(DefaultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("unable to create image cache: %w", err)
	}
	s.cache = cache
	return s, nil
}

func (s *Skopeo) skopeo(ctx context.Context, args ...string) ([]byte, error) {
	out, err := s.run(ctx, "", s.binary, args...)
	if err != nil {
		return nil, installerr.Errorf("Error while running skopeo command: %s", stderrOf(err))
	}
	return out, nil
}

// Layer copies image to the staging directory once per run and returns the path
// of its first layer.
func (s *Skopeo) Layer(ctx context.Context, image string) (string, error) {
	if cached, ok := s.cache.Get(image); ok {
		return cached.layer, nil
	}

	dir := filepath.Join(s.staging, stagingName(image))
	slogcontext.Info(ctx, "copying image to local filesystem", "image", image)
	if _, err := s.skopeo(ctx, "copy", dockerReference(image), "dir:"+dir); err != nil {
		return "", err
	}

	layer, err := firstLayer(dir)
	if err != nil {
		return "", errors.Join(installerr.Errorf("unable to read image %s: %w", image, err), os.RemoveAll(dir))
	}
	s.cache.Add(image, staged{dir: dir, layer: layer})
	return layer, nil
}

// firstLayer reads the manifest of a skopeo directory transport and returns the
// path of the first layer blob.
func firstLayer(dir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err != nil {
		return "", err
	}
	var manifest ociImageSpecV1.Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return "", fmt.Errorf("invalid manifest: %w", err)
	}
	if len(manifest.Layers) == 0 {
		return "", fmt.Errorf("manifest has no layers")
	}
	dgst := manifest.Layers[0].Digest
	if err := dgst.Validate(); err != nil {
		return "", fmt.Errorf("invalid layer digest %q: %w", dgst, err)
	}
	return filepath.Join(dir, dgst.Encoded()), nil
}

type inspectOutput struct {
	Digest digest.Digest `json:"Digest"`
}

// Digest returns the hex part of the manifest digest reported by `skopeo inspect`.
func (s *Skopeo) Digest(ctx context.Context, image string) (string, error) {
	out, err := s.skopeo(ctx, "inspect", dockerReference(image))
	if err != nil {
		return "", err
	}
	var inspected inspectOutput
	if err := json.Unmarshal(out, &inspected); err != nil {
		return "", installerr.Errorf("unable to parse skopeo inspect output for %s: %w", image, err)
	}
	_, hex, ok := strings.Cut(inspected.Digest.String(), ":")
	if !ok || hex == "" {
		return "", installerr.Errorf("skopeo inspect reported no digest for %s", image)
	}
	return hex, nil
}

// Close removes all staged images.
func (s *Skopeo) Close() error {
	s.cache.Purge()
	return nil
}
