package plugin

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/cyberphone/json-canonicalization/go/src/webpki.org/jsoncanonicalizer"
)

// Fingerprint computes the hash of a declaration that decides whether an installed
// plugin still matches its declaration. The plugin configuration and the resolved
// version are left out; local packages get their on-disk state folded in, read
// relative to workingDir.
func Fingerprint(d *Declaration, workingDir string) (string, error) {
	content := make(map[string]any, len(d.Fields)+1)
	for field, value := range d.Fields {
		if field == FieldPluginConfig || field == "version" {
			continue
		}
		content[field] = deepCopy(value)
	}
	if d.IsLocal() {
		content["_local_package_info"] = LocalPackageInfo(d.Package(), workingDir)
	}

	raw, err := json.Marshal(content)
	if err != nil {
		return "", fmt.Errorf("could not encode declaration of %s: %w", d.Package(), err)
	}
	canonical, err := jsoncanonicalizer.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("could not canonicalize declaration of %s: %w", d.Package(), err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func deepCopy(v any) any {
	switch v := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[k] = deepCopy(val)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = deepCopy(val)
		}
		return out
	default:
		return v
	}
}
