// Package plugin holds the dynamic plugin declaration model: package reference
// parsing, merging of declarations across configuration layers and the
// fingerprint used to detect changed declarations.
package plugin

import (
	"fmt"
	"maps"
	"strings"

	"github.com/zeshanziya/rhdh/internal/installerr"
)

// Declaration field names as they appear in the manifest.
const (
	FieldPackage       = "package"
	FieldIntegrity     = "integrity"
	FieldPluginConfig  = "pluginConfig"
	FieldDisabled      = "disabled"
	FieldPullPolicy    = "pullPolicy"
	FieldForceDownload = "forceDownload"
)

// PullPolicy decides whether an installed plugin is fetched again.
type PullPolicy string

const (
	PullIfNotPresent PullPolicy = "IfNotPresent"
	PullAlways       PullPolicy = "Always"
)

// Level identifies the configuration layer a declaration was last taken from.
type Level int

const (
	// LevelInclude is the level of declarations from included files.
	LevelInclude Level = 0
	// LevelMain is the level of declarations from the main manifest.
	LevelMain Level = 1
)

// Kind discriminates how a package is resolved and installed.
type Kind int

const (
	KindRegistry Kind = iota
	KindImage
)

func (k Kind) String() string {
	switch k {
	case KindImage:
		return "oci"
	default:
		return "npm"
	}
}

// KindOf returns the kind of the given package reference.
func KindOf(pkg string) Kind {
	if strings.HasPrefix(pkg, ImageScheme) {
		return KindImage
	}
	return KindRegistry
}

// Declaration is a single plugin entry of the manifest.
// The manifest fields are kept as decoded so that unknown fields survive merging
// and take part in the fingerprint.
type Declaration struct {
	// Fields holds the manifest fields of the declaration.
	Fields map[string]any

	// Version is the resolved tag or digest of an image plugin.
	Version string
	// Hash is the fingerprint of the declaration, see Fingerprint.
	Hash string
	// LastModifiedLevel is the level the declaration was last merged from.
	LastModifiedLevel Level
}

// NewDeclaration validates the shape of a decoded manifest entry.
// file is only used for error messages.
func NewDeclaration(fields map[string]any, file string) (*Declaration, error) {
	pkg, ok := fields[FieldPackage].(string)
	if !ok {
		return nil, installerr.Errorf("content of the 'plugins.%s' field must be a string in %s", FieldPackage, file)
	}
	if pkg == "" {
		return nil, installerr.Errorf("content of the 'plugins.%s' field must not be empty in %s", FieldPackage, file)
	}
	for _, field := range []string{FieldDisabled, FieldForceDownload} {
		if v, ok := fields[field]; ok {
			if _, ok := v.(bool); !ok {
				return nil, installerr.Errorf("content of the 'plugins.%s' field of %s must be a boolean in %s", field, pkg, file)
			}
		}
	}
	if v, ok := fields[FieldPullPolicy]; ok {
		switch PullPolicy(fmt.Sprint(v)) {
		case PullAlways, PullIfNotPresent:
		default:
			return nil, installerr.Errorf("content of the 'plugins.%s' field of %s must be one of %q or %q in %s",
				FieldPullPolicy, pkg, PullIfNotPresent, PullAlways, file)
		}
	}
	if v, ok := fields[FieldPluginConfig]; ok && v != nil {
		if _, ok := v.(map[string]any); !ok {
			return nil, installerr.Errorf("content of the 'plugins.%s' field of %s must be a map in %s", FieldPluginConfig, pkg, file)
		}
	}
	return &Declaration{Fields: maps.Clone(fields)}, nil
}

// Package returns the package reference.
func (d *Declaration) Package() string {
	pkg, _ := d.Fields[FieldPackage].(string)
	return pkg
}

// Kind returns the kind of the package reference.
func (d *Declaration) Kind() Kind {
	return KindOf(d.Package())
}

// Disabled reports whether the plugin is switched off.
func (d *Declaration) Disabled() bool {
	v, _ := d.Fields[FieldDisabled].(bool)
	return v
}

// ForceDownload reports whether the plugin must be fetched again even if installed.
func (d *Declaration) ForceDownload() bool {
	v, _ := d.Fields[FieldForceDownload].(bool)
	return v
}

// PullPolicy returns the declared pull policy, or the default for the package kind.
// Image plugins tagged latest are pulled always by default.
func (d *Declaration) PullPolicy() PullPolicy {
	if v, ok := d.Fields[FieldPullPolicy]; ok {
		return PullPolicy(fmt.Sprint(v))
	}
	if d.Kind() == KindImage && strings.Contains(d.Package(), ":latest!") {
		return PullAlways
	}
	return PullIfNotPresent
}

// Integrity returns the raw integrity field and whether it is present.
func (d *Declaration) Integrity() (any, bool) {
	v, ok := d.Fields[FieldIntegrity]
	return v, ok
}

// PluginConfig returns the configuration fragment of the plugin, nil if absent.
func (d *Declaration) PluginConfig() map[string]any {
	cfg, _ := d.Fields[FieldPluginConfig].(map[string]any)
	return cfg
}

// IsLocal reports whether the package is a path relative to the working directory.
func (d *Declaration) IsLocal() bool {
	return strings.HasPrefix(d.Package(), "./")
}
