// Package integrity verifies downloaded package archives against the
// subresource-integrity style hashes declared in the manifest.
package integrity

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/zeshanziya/rhdh/internal/installerr"
)

// RecognizedAlgorithms are the algorithms accepted in an integrity string.
var RecognizedAlgorithms = []digest.Algorithm{digest.SHA512, digest.SHA384, digest.SHA256}

// Integrity is a parsed "<algorithm>-<base64 hash>" string.
type Integrity struct {
	Algorithm digest.Algorithm
	Hash      string
}

func (i Integrity) String() string {
	return fmt.Sprintf("%s-%s", i.Algorithm, i.Hash)
}

// Parse validates the integrity value declared for pkg. present tells whether the
// manifest contained the field at all. No hashing happens here.
func Parse(pkg string, value any, present bool) (Integrity, error) {
	if !present {
		return Integrity{}, installerr.Errorf("Package integrity for %s is missing", pkg)
	}
	raw, ok := value.(string)
	if !ok {
		return Integrity{}, installerr.Errorf("Package integrity for %s must be a string", pkg)
	}
	parts := strings.Split(raw, "-")
	if len(parts) != 2 {
		return Integrity{}, installerr.Errorf("Package integrity for %s must be a string of the form <algorithm>-<hash>", pkg)
	}

	algorithm := digest.Algorithm(parts[0])
	if !slices.Contains(RecognizedAlgorithms, algorithm) {
		return Integrity{}, installerr.Errorf("%s: Provided Package integrity algorithm %s is not supported, please use one of following algorithms %v instead",
			pkg, algorithm, RecognizedAlgorithms)
	}
	if _, err := base64.StdEncoding.Strict().DecodeString(parts[1]); err != nil {
		return Integrity{}, installerr.Errorf("%s: Provided Package integrity hash %s is not a valid base64 encoding", pkg, parts[1])
	}
	return Integrity{Algorithm: algorithm, Hash: parts[1]}, nil
}

// Sum returns the base64 encoded digest of r using the integrity algorithm.
func (i Integrity) Sum(r io.Reader) (string, error) {
	if !i.Algorithm.Available() {
		return "", fmt.Errorf("digest algorithm %s is not available", i.Algorithm)
	}
	h := i.Algorithm.Hash()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("could not hash archive: %w", err)
	}
	return base64.StdEncoding.EncodeToString(h.Sum(nil)), nil
}

// VerifyFile checks that the archive at path hashes to the declared value.
func (i Integrity) VerifyFile(pkg, path string) (err error) {
	f, err := os.Open(path)
	if err != nil {
		return installerr.Errorf("could not open archive of %s: %w", pkg, err)
	}
	defer func() {
		err = errors.Join(err, f.Close())
	}()

	actual, err := i.Sum(f)
	if err != nil {
		return installerr.Errorf("%s: %w", pkg, err)
	}
	if actual != i.Hash {
		return installerr.Errorf("%s: The hash of the downloaded package %s does not match the provided integrity hash %s provided in the configuration file",
			pkg, actual, i.Hash)
	}
	return nil
}

// Verify parses the declared integrity of pkg and checks the archive at path against it.
func Verify(pkg string, value any, present bool, path string) error {
	i, err := Parse(pkg, value, present)
	if err != nil {
		return err
	}
	return i.VerifyFile(pkg, path)
}
