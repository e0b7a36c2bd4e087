package plugin

import (
	"context"
	"log/slog"
	"maps"
	"slices"

	slogcontext "github.com/veqryn/slog-context"

	"github.com/zeshanziya/rhdh/internal/installerr"
)

// Plugins maps merge keys to the merged declaration of each plugin.
type Plugins map[string]*Declaration

// Keys returns the merge keys in sorted order.
func (p Plugins) Keys() []string {
	return slices.Sorted(maps.Keys(p))
}

// Merge folds a declaration read from file at the given level into p.
//
// A declaration whose key is not yet known is recorded as is. A known key declared
// again on the same level is a duplicate. A known key from a lower level is
// overridden field by field; image plugins keep their resolved version when the
// new declaration uses the InheritTag.
func (p Plugins) Merge(ctx context.Context, d *Declaration, file string, level Level) error {
	pkg, ok := d.Fields[FieldPackage].(string)
	if !ok {
		return installerr.Errorf("content of the 'plugins.%s' field must be a string in %s", FieldPackage, file)
	}
	switch KindOf(pkg) {
	case KindImage:
		return p.mergeImage(ctx, d, pkg, file, level)
	default:
		return p.mergeRegistry(ctx, d, pkg, file, level)
	}
}

func (p Plugins) mergeRegistry(ctx context.Context, d *Declaration, pkg, file string, level Level) error {
	key := RegistryKey(pkg)
	existing, ok := p[key]
	if !ok {
		d.LastModifiedLevel = level
		p[key] = d
		return nil
	}
	if existing.LastModifiedLevel == level {
		return duplicate(pkg, file)
	}

	slogcontext.Log(ctx, slog.LevelInfo, "overriding dynamic plugin configuration", slog.String("key", key), slog.String("file", file))
	maps.Copy(existing.Fields, d.Fields)
	existing.LastModifiedLevel = level
	return nil
}

func (p Plugins) mergeImage(ctx context.Context, d *Declaration, pkg, file string, level Level) error {
	ref, err := ParseImageRef(pkg)
	if err != nil {
		return err
	}
	existing, ok := p[ref.Key]
	if !ok {
		if ref.Inherit {
			return installerr.Errorf("%s uses %q as tag, but no resolved tag or digest was found for %s in the included configuration of %s",
				pkg, InheritTag, ref.Key, file)
		}
		d.Version = ref.Version
		d.LastModifiedLevel = level
		p[ref.Key] = d
		return nil
	}
	if existing.LastModifiedLevel == level {
		return duplicate(pkg, file)
	}

	slogcontext.Log(ctx, slog.LevelInfo, "overriding dynamic plugin configuration", slog.String("key", ref.Key), slog.String("file", file))
	if !ref.Inherit {
		if existing.Version != ref.Version {
			slogcontext.Log(ctx, slog.LevelInfo, "Overriding version",
				slog.String("key", ref.Key), slog.String("from", existing.Version), slog.String("to", ref.Version))
		}
		existing.Version = ref.Version
		existing.Fields[FieldPackage] = pkg
	}
	for field, value := range d.Fields {
		if field == FieldPackage {
			continue
		}
		existing.Fields[field] = value
	}
	existing.LastModifiedLevel = level
	return nil
}

func duplicate(pkg, file string) error {
	return installerr.Errorf("Duplicate plugin configuration for %s found in %s", pkg, file)
}
