package plugin

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// lock files whose modification time is part of the local package signature.
var localLockFiles = []string{"package-lock.json", "yarn.lock"}

// LocalPackageInfo describes the on-disk state of a local package so that edits to
// it change the fingerprint of its declaration. Paths starting with "./" are
// resolved against workingDir.
func LocalPackageInfo(pkg, workingDir string) map[string]any {
	path := pkg
	if rel, ok := strings.CutPrefix(pkg, "./"); ok {
		path = filepath.Join(workingDir, rel)
	}

	dir, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]any{"_not_found": true}
		}
		return map[string]any{"_error": err.Error()}
	}

	manifestPath := filepath.Join(path, "package.json")
	manifest, err := os.Stat(manifestPath)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]any{"_directory_mtime": dir.ModTime().UnixNano()}
	}
	if err != nil {
		return map[string]any{"_error": err.Error()}
	}

	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return map[string]any{"_error": err.Error()}
	}
	var content map[string]any
	if err := json.Unmarshal(data, &content); err != nil {
		return map[string]any{"_error": err.Error()}
	}

	info := map[string]any{
		"_package_json":       content,
		"_package_json_mtime": manifest.ModTime().UnixNano(),
	}
	for _, lock := range localLockFiles {
		if fi, err := os.Stat(filepath.Join(path, lock)); err == nil {
			info["_"+lock+"_mtime"] = fi.ModTime().UnixNano()
		}
	}
	return info
}
