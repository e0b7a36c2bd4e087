package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"oras.land/oras-go/v2/registry"

	"github.com/zeshanziya/rhdh/internal/installerr"
	"github.com/zeshanziya/rhdh/internal/plugin"
)

// ImageSource provides the plugin layer of OCI images.
// Images are given as the package reference part before '!', e.g. oci://quay.io/org/image:tag.
type ImageSource interface {
	// Layer returns the local path of the first layer of image.
	Layer(ctx context.Context, image string) (string, error)
	// Digest returns the hex encoded manifest digest of image in the registry.
	Digest(ctx context.Context, image string) (string, error)
}

// DefaultCacheSize is the number of staged images kept per run.
const DefaultCacheSize = 32

// staged is an image copied into the staging directory.
type staged struct {
	dir   string
	layer string
}

// newStagingCache returns a cache of staged images that deletes the staged copy
// of an image when it is evicted.
func newStagingCache(size int) (*lru.Cache[string, staged], error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	return lru.NewWithEvict(size, func(_ string, s staged) {
		_ = os.RemoveAll(s.dir)
	})
}

// stagingName is the directory name an image is staged under.
func stagingName(image string) string {
	sum := sha256.Sum256([]byte(image))
	return hex.EncodeToString(sum[:])
}

// parseImage turns an oci:// image into a registry reference.
func parseImage(image string) (registry.Reference, error) {
	raw, ok := strings.CutPrefix(image, plugin.ImageScheme)
	if !ok {
		return registry.Reference{}, installerr.Errorf("image %s does not start with %s", image, plugin.ImageScheme)
	}
	ref, err := registry.ParseReference(raw)
	if err != nil {
		return registry.Reference{}, installerr.Errorf("image %s is not a valid reference: %w", image, err)
	}
	if ref.Reference == "" {
		return registry.Reference{}, installerr.Errorf("Tag or Digest is not set for %s", image)
	}
	return ref, nil
}

// dockerReference returns the image in the transport syntax skopeo expects.
func dockerReference(image string) string {
	return "docker://" + strings.TrimPrefix(image, plugin.ImageScheme)
}
