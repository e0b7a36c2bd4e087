// Package manifest reads the dynamic plugins manifest and its included files
// into merged plugin declarations.
package manifest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	slogcontext "github.com/veqryn/slog-context"
	"gopkg.in/yaml.v3"

	"github.com/zeshanziya/rhdh/internal/installerr"
	"github.com/zeshanziya/rhdh/internal/plugin"
)

// DefaultFileName is the manifest looked up in the working directory.
const DefaultFileName = "dynamic-plugins.yaml"

const (
	fieldIncludes = "includes"
	fieldPlugins  = "plugins"
)

// Document is the decoded content of a manifest or included file.
type Document struct {
	// Path is the file the document was read from.
	Path     string
	Includes []string
	Plugins  []*plugin.Declaration
}

// Read decodes the file at path. A missing file or a file without content yields
// a nil Document.
func Read(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return Decode(path, data)
}

// Decode validates the shape of data read from path.
func Decode(path string, data []byte) (*Document, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, installerr.Errorf("failed to parse %s: %w", path, err)
	}
	if len(root.Content) == 0 {
		return nil, nil
	}
	node := root.Content[0]
	if node.Kind == yaml.ScalarNode && (isNull(node) || node.Value == "") {
		return nil, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, installerr.Errorf("%s content must be a YAML object", at(path, node))
	}

	doc := &Document{Path: path}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		switch key.Value {
		case fieldIncludes:
			includes, err := decodeIncludes(path, value)
			if err != nil {
				return nil, err
			}
			doc.Includes = includes
		case fieldPlugins:
			plugins, err := decodePlugins(path, value)
			if err != nil {
				return nil, err
			}
			doc.Plugins = plugins
		}
	}
	return doc, nil
}

func decodeIncludes(path string, node *yaml.Node) ([]string, error) {
	if isNull(node) {
		return nil, nil
	}
	if node.Kind != yaml.SequenceNode {
		return nil, installerr.Errorf("content of the '%s' field must be a list in %s", fieldIncludes, at(path, node))
	}
	includes := make([]string, 0, len(node.Content))
	for _, item := range node.Content {
		if item.Kind != yaml.ScalarNode || item.ShortTag() != "!!str" {
			return nil, installerr.Errorf("content of the '%s' field must be a list of strings in %s", fieldIncludes, at(path, item))
		}
		includes = append(includes, item.Value)
	}
	return includes, nil
}

func decodePlugins(path string, node *yaml.Node) ([]*plugin.Declaration, error) {
	if isNull(node) {
		return nil, nil
	}
	if node.Kind != yaml.SequenceNode {
		return nil, installerr.Errorf("content of the '%s' field must be a list in %s", fieldPlugins, at(path, node))
	}
	plugins := make([]*plugin.Declaration, 0, len(node.Content))
	for _, item := range node.Content {
		if item.Kind != yaml.MappingNode {
			return nil, installerr.Errorf("content of the '%s' field must be a list of objects in %s", fieldPlugins, at(path, item))
		}
		var fields map[string]any
		if err := item.Decode(&fields); err != nil {
			return nil, installerr.Errorf("invalid plugin declaration in %s: %w", at(path, item), err)
		}
		d, err := plugin.NewDeclaration(fields, at(path, item))
		if err != nil {
			return nil, err
		}
		plugins = append(plugins, d)
	}
	return plugins, nil
}

func isNull(node *yaml.Node) bool {
	return node.Kind == yaml.ScalarNode && node.ShortTag() == "!!null"
}

// at names a position in a file for error messages.
func at(path string, node *yaml.Node) string {
	if node.Line == 0 {
		return path
	}
	return fmt.Sprintf("%s:%d", path, node.Line)
}

// Load reads the manifest at path and merges the plugins of its included files
// and its own plugins. Relative paths are resolved against workingDir.
// A missing or empty manifest yields nil Plugins.
func Load(ctx context.Context, path, workingDir string) (plugin.Plugins, error) {
	path = resolve(workingDir, path)
	doc, err := Read(path)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		if _, statErr := os.Stat(path); statErr != nil {
			slogcontext.Info(ctx, "no manifest found, skipping dynamic plugins installation", "file", path)
		} else {
			slogcontext.Info(ctx, "manifest is empty, skipping dynamic plugins installation", "file", path)
		}
		return nil, nil
	}

	plugins := plugin.Plugins{}
	for _, include := range doc.Includes {
		includePath := resolve(workingDir, include)
		logger := slogcontext.FromCtx(ctx).With(slog.String("include", include))
		logger.InfoContext(ctx, "including dynamic plugins")

		included, err := Read(includePath)
		if err != nil {
			return nil, err
		}
		if included == nil {
			if _, statErr := os.Stat(includePath); errors.Is(statErr, fs.ErrNotExist) {
				logger.WarnContext(ctx, "included file does not exist, skipping")
			}
			continue
		}
		for _, d := range included.Plugins {
			if err := plugins.Merge(ctx, d, include, plugin.LevelInclude); err != nil {
				return nil, err
			}
		}
	}
	for _, d := range doc.Plugins {
		if err := plugins.Merge(ctx, d, path, plugin.LevelMain); err != nil {
			return nil, err
		}
	}
	return plugins, nil
}

func resolve(dir, path string) string {
	if filepath.IsAbs(path) || dir == "" {
		return path
	}
	return filepath.Join(dir, path)
}
