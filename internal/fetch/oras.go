package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru/v2"
	ociImageSpecV1 "github.com/opencontainers/image-spec/specs-go/v1"
	slogcontext "github.com/veqryn/slog-context"
	"oras.land/oras-go/v2"
	"oras.land/oras-go/v2/content"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/credentials"
	"oras.land/oras-go/v2/registry/remote/retry"

	"github.com/zeshanziya/rhdh/internal/installerr"
	"github.com/zeshanziya/rhdh/internal/log"
)

// UserAgent is sent to registries.
const UserAgent = "install-dynamic-plugins"

// TargetFunc resolves a repository (registry host and path) to a readable target.
type TargetFunc func(ctx context.Context, repository string) (oras.ReadOnlyTarget, error)

// Oras stages image layers by talking to the registry directly.
type Oras struct {
	staging string
	target  TargetFunc
	cache   *lru.Cache[string, staged]
}

var _ ImageSource = (*Oras)(nil)

// OrasOptions configures NewOras.
type OrasOptions struct {
	// PlainHTTP talks to registries over http instead of https.
	PlainHTTP bool
	// Target overrides how repositories are opened, e.g. with an in-memory store.
	Target TargetFunc
}

// NewOras returns an ImageSource staging layers below the staging directory.
// Without a Target override, credentials are taken from the docker config.
func NewOras(staging string, opts OrasOptions) (*Oras, error) {
	target := opts.Target
	if target == nil {
		client := &auth.Client{
			Client: retry.DefaultClient,
			Header: map[string][]string{
				"User-Agent": {UserAgent},
			},
			Cache: auth.NewCache(),
		}
		if store, err := credentials.NewStoreFromDocker(credentials.StoreOptions{
			DetectDefaultNativeStore: true,
		}); err == nil {
			client.Credential = credentials.Credential(store)
		}
		target = func(_ context.Context, repository string) (oras.ReadOnlyTarget, error) {
			repo, err := remote.NewRepository(repository)
			if err != nil {
				return nil, err
			}
			repo.PlainHTTP = opts.PlainHTTP
			repo.Client = client
			return repo, nil
		}
	}
	cache, err := newStagingCache(DefaultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("unable to create image cache: %w", err)
	}
	return &Oras{staging: staging, target: target, cache: cache}, nil
}

func (o *Oras) open(ctx context.Context, image string) (oras.ReadOnlyTarget, string, error) {
	ref, err := parseImage(image)
	if err != nil {
		return nil, "", err
	}
	target, err := o.target(ctx, ref.Registry+"/"+ref.Repository)
	if err != nil {
		return nil, "", installerr.Errorf("unable to open repository of %s: %w", image, err)
	}
	return target, ref.Reference, nil
}

// Layer downloads the first layer of image once per run and returns its path.
func (o *Oras) Layer(ctx context.Context, image string) (_ string, err error) {
	if cached, ok := o.cache.Get(image); ok {
		return cached.layer, nil
	}
	done := log.Operation(ctx, "stage image", slog.String("image", image))
	defer func() { done(err) }()

	target, reference, err := o.open(ctx, image)
	if err != nil {
		return "", err
	}
	manifest, err := resolveManifest(ctx, target, reference)
	if err != nil {
		return "", installerr.Errorf("Error while installing OCI plugin %s: %w", image, err)
	}
	if len(manifest.Layers) == 0 {
		return "", installerr.Errorf("Error while installing OCI plugin %s: manifest has no layers", image)
	}

	dir := filepath.Join(o.staging, stagingName(image))
	layer, err := download(ctx, target, manifest.Layers[0], dir)
	if err != nil {
		return "", errors.Join(installerr.Errorf("Error while installing OCI plugin %s: %w", image, err), os.RemoveAll(dir))
	}
	o.cache.Add(image, staged{dir: dir, layer: layer})
	return layer, nil
}

// Digest resolves image and returns the hex part of its manifest digest.
func (o *Oras) Digest(ctx context.Context, image string) (string, error) {
	target, reference, err := o.open(ctx, image)
	if err != nil {
		return "", err
	}
	desc, err := target.Resolve(ctx, reference)
	if err != nil {
		return "", installerr.Errorf("failed to resolve reference %q: %w", image, err)
	}
	return desc.Digest.Encoded(), nil
}

// Close removes all staged images.
func (o *Oras) Close() error {
	o.cache.Purge()
	return nil
}

// resolveManifest resolves reference to an image manifest. For an index the
// first manifest is used.
func resolveManifest(ctx context.Context, store oras.ReadOnlyTarget, reference string) (manifest ociImageSpecV1.Manifest, err error) {
	slogcontext.Debug(ctx, "resolving descriptor", "reference", reference)
	base, err := store.Resolve(ctx, reference)
	if err != nil {
		return manifest, fmt.Errorf("failed to resolve reference %q: %w", reference, err)
	}

	desc := base
	if base.MediaType == ociImageSpecV1.MediaTypeImageIndex {
		var index ociImageSpecV1.Index
		if err := fetchJSON(ctx, store, base, &index); err != nil {
			return manifest, err
		}
		if len(index.Manifests) == 0 {
			return manifest, fmt.Errorf("index has no manifests")
		}
		desc = index.Manifests[0]
	}
	if desc.MediaType != ociImageSpecV1.MediaTypeImageManifest {
		return manifest, fmt.Errorf("unsupported media type %q", desc.MediaType)
	}
	err = fetchJSON(ctx, store, desc, &manifest)
	return manifest, err
}

func fetchJSON(ctx context.Context, store content.ReadOnlyStorage, desc ociImageSpecV1.Descriptor, v any) error {
	slogcontext.Log(ctx, slog.LevelDebug, "fetching descriptor", log.DescriptorLogAttr(desc))
	data, err := content.FetchAll(ctx, store, desc)
	if err != nil {
		return fmt.Errorf("failed to fetch %s: %w", desc.Digest, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", desc.Digest, err)
	}
	return nil
}

// download writes the verified blob of desc into dir and returns its path.
func download(ctx context.Context, store content.ReadOnlyStorage, desc ociImageSpecV1.Descriptor, dir string) (_ string, err error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	rc, err := store.Fetch(ctx, desc)
	if err != nil {
		return "", fmt.Errorf("failed to fetch layer %s: %w", desc.Digest, err)
	}
	defer func() { err = errors.Join(err, rc.Close()) }()

	path := filepath.Join(dir, desc.Digest.Encoded())
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer func() { err = errors.Join(err, f.Close()) }()

	verify := content.NewVerifyReader(rc, desc)
	if _, err := io.Copy(f, verify); err != nil {
		return "", err
	}
	if err := verify.Verify(); err != nil {
		return "", err
	}
	return path, nil
}
