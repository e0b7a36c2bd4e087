// Package config reads the tunables of the installer from the environment.
package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// Settings are the environment tunables, read once per run.
type Settings struct {
	// MaxEntrySize is the largest archive member in bytes accepted during extraction.
	MaxEntrySize int64 `env:"MAX_ENTRY_SIZE" envDefault:"20000000"`
	// SkipIntegrityCheck disables the integrity verification of registry packages.
	SkipIntegrityCheck Switch `env:"SKIP_INTEGRITY_CHECK"`
}

// Switch is a boolean that is only on for the (case insensitive) value "true".
// Any other value, including garbage, leaves it off.
type Switch bool

func (s *Switch) UnmarshalText(text []byte) error {
	*s = Switch(strings.EqualFold(strings.TrimSpace(string(text)), "true"))
	return nil
}

// Load parses the settings from the process environment.
func Load() (*Settings, error) {
	return parse(env.Options{})
}

// LoadFrom parses the settings from the given variables instead of the process environment.
func LoadFrom(environment map[string]string) (*Settings, error) {
	return parse(env.Options{Environment: environment})
}

func parse(opts env.Options) (*Settings, error) {
	var s Settings
	if err := env.ParseWithOptions(&s, opts); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if s.MaxEntrySize <= 0 {
		return nil, fmt.Errorf("parse env: MAX_ENTRY_SIZE must be positive, got %d", s.MaxEntrySize)
	}
	return &s, nil
}
