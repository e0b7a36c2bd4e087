package plugin

import (
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"strings"

	"github.com/zeshanziya/rhdh/internal/installerr"
)

// ImageScheme marks a package reference as an OCI image reference.
const ImageScheme = "oci://"

// InheritTag is the tag that takes over the version resolved by a previous
// declaration of the same image plugin.
const InheritTag = "{{inherit}}"

// RecognizedImageDigestAlgorithms are the digest algorithms accepted in image references.
var RecognizedImageDigestAlgorithms = []string{"sha256", "sha384", "sha512", "blake3"}

// ImageReferenceFormat is the grammar reported when an image reference cannot be parsed.
const ImageReferenceFormat = "oci://<registry-path>:<tag>!<inner-path> or oci://<registry-path>@<algorithm>:<digest>!<inner-path>"

var (
	imageReferencePattern = regexp.MustCompile(
		`^(` + regexp.QuoteMeta(ImageScheme) + `[^\s/:@!]+(?::\d+)?(?:/[^\s:@!]+)+)` +
			`(?::([^\s!@:]+)|@((?:` + strings.Join(RecognizedImageDigestAlgorithms, "|") + `):[^\s!@:]+))` +
			`!(\S+)$`)

	aliasPattern     = regexp.MustCompile(`^([^@:/\s]+)(:@npm:|@npm:)(\S+)$`)
	versionPattern   = regexp.MustCompile(`^(@[^@/\s]+/[^@/\s]+|[^@/\s]+)@\S*$`)
	shorthandPattern = regexp.MustCompile(`^[A-Za-z0-9][\w.-]*/[\w.-]+(#\S*)?$`)
	scpPattern       = regexp.MustCompile(`^git@[^:\s/]+:`)

	gitPrefixes = []string{
		"git+https://", "git+http://", "git+ssh://", "git+file://", "git://",
		"github:", "gitlab:", "bitbucket:", "gist:",
	}
)

// RegistryKey strips the version, tag or ref from a registry-style package reference.
// Local paths and tarballs are their own key.
func RegistryKey(pkg string) string {
	if isLocal(pkg) || isTarball(pkg) {
		return pkg
	}
	if m := aliasPattern.FindStringSubmatch(pkg); m != nil {
		return m[1] + m[2] + stripVersion(m[3])
	}
	if isGit(pkg) {
		base, _, _ := strings.Cut(pkg, "#")
		return base
	}
	return stripVersion(pkg)
}

func stripVersion(pkg string) string {
	if m := versionPattern.FindStringSubmatch(pkg); m != nil {
		return m[1]
	}
	return pkg
}

func isLocal(pkg string) bool {
	return strings.HasPrefix(pkg, "./") || strings.HasPrefix(pkg, "../") || strings.HasPrefix(pkg, "/")
}

func isTarball(pkg string) bool {
	return strings.HasSuffix(pkg, ".tgz") || strings.HasSuffix(pkg, ".tar.gz")
}

func isGit(pkg string) bool {
	for _, prefix := range gitPrefixes {
		if strings.HasPrefix(pkg, prefix) {
			return true
		}
	}
	if scpPattern.MatchString(pkg) {
		return true
	}
	if strings.HasPrefix(pkg, "https://") || strings.HasPrefix(pkg, "http://") {
		base, _, _ := strings.Cut(pkg, "#")
		return strings.HasSuffix(base, ".git")
	}
	return shorthandPattern.MatchString(pkg)
}

// ImageRef is a parsed image package reference.
type ImageRef struct {
	// Key is the reference with the version slot emptied.
	Key string
	// Version is the tag or the algorithm:digest pair.
	Version string
	// Inherit is set when the tag is InheritTag.
	Inherit bool
	// Repository is the registry path including the scheme.
	Repository string
	// InnerPath is the directory inside the image holding the plugin.
	InnerPath string
}

// ParseImageRef parses an image package reference.
func ParseImageRef(pkg string) (ImageRef, error) {
	m := imageReferencePattern.FindStringSubmatch(pkg)
	if m == nil {
		return ImageRef{}, installerr.Errorf("oci package %q is not in the expected format %q", pkg, ImageReferenceFormat)
	}
	if inner := path.Clean(strings.TrimPrefix(m[4], "./")); inner == "." || !fs.ValidPath(inner) {
		return ImageRef{}, installerr.Errorf("oci package %q is not in the expected format %q: <inner-path> must name a directory inside the image",
			pkg, ImageReferenceFormat)
	}
	ref := ImageRef{
		Key:        m[1] + ":!" + m[4],
		Repository: m[1],
		InnerPath:  m[4],
	}
	if m[2] != "" {
		ref.Version = m[2]
		ref.Inherit = m[2] == InheritTag
	} else {
		ref.Version = m[3]
	}
	return ref, nil
}

// IsDigest reports whether the version is an algorithm:digest pair rather than a tag.
func (r ImageRef) IsDigest() bool {
	return strings.Contains(r.Version, ":")
}

// String reassembles the reference from its parts.
func (r ImageRef) String() string {
	if r.IsDigest() {
		return fmt.Sprintf("%s@%s!%s", r.Repository, r.Version, r.InnerPath)
	}
	return fmt.Sprintf("%s:%s!%s", r.Repository, r.Version, r.InnerPath)
}

// SplitImagePackage splits an image package reference at the first '!' into the
// image and the path inside of it.
func SplitImagePackage(pkg string) (image, innerPath string) {
	image, innerPath, _ = strings.Cut(pkg, "!")
	return image, innerPath
}
