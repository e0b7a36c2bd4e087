// Package appconfig builds the application configuration contributed by the
// installed dynamic plugins.
package appconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"

	"sigs.k8s.io/yaml"

	"github.com/zeshanziya/rhdh/internal/installerr"
)

const (
	// FileName is the global config file written into the destination root.
	FileName = "app-config.dynamic-plugins.yaml"
	// DefaultRootDirectory is the value seeded under dynamicPlugins.rootDirectory.
	DefaultRootDirectory = "dynamic-plugins-root"
)

// Config is the merged configuration of all enabled plugins.
type Config map[string]any

// New returns a Config seeded with the plugin root directory.
func New() Config {
	return Config{
		"dynamicPlugins": map[string]any{
			"rootDirectory": DefaultRootDirectory,
		},
	}
}

// Merge deep merges fragment into c. A leaf already set to a different value is
// a conflict.
func (c Config) Merge(fragment map[string]any) error {
	return merge(fragment, c, "")
}

func merge(src, dst map[string]any, prefix string) error {
	for key, value := range src {
		path := prefix + key
		if nested, ok := asMap(value); ok {
			existing, found := dst[key]
			if !found {
				existing = map[string]any{}
				dst[key] = existing
			}
			node, ok := asMap(existing)
			if !ok {
				return conflict(path)
			}
			dst[key] = node
			if err := merge(nested, node, path+"."); err != nil {
				return err
			}
			continue
		}
		if existing, found := dst[key]; found && !reflect.DeepEqual(existing, value) {
			return conflict(path)
		}
		dst[key] = value
	}
	return nil
}

func conflict(path string) error {
	return installerr.Errorf("Config key '%s' defined differently for 2 dynamic plugins", path)
}

// asMap returns value as a string keyed map. Maps decoded from YAML with
// non-string keys are converted.
func asMap(value any) (map[string]any, bool) {
	switch m := value.(type) {
	case map[string]any:
		return m, true
	case Config:
		return m, true
	case map[any]any:
		converted := make(map[string]any, len(m))
		for k, v := range m {
			converted[fmt.Sprint(k)] = v
		}
		return converted, true
	default:
		return nil, false
	}
}

// Write stores c as YAML in the destination root.
func Write(root string, c Config) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", FileName, err)
	}
	return write(root, data)
}

// WriteEmpty truncates the global config file in the destination root.
func WriteEmpty(root string) error {
	return write(root, nil)
}

func write(root string, data []byte) error {
	if err := os.WriteFile(filepath.Join(root, FileName), data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", FileName, err)
	}
	return nil
}
