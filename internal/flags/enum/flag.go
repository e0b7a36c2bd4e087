// Package enum provides a pflag value restricted to a fixed set of options.
package enum

import (
	"fmt"
	"slices"

	"github.com/spf13/pflag"
)

const Type = "enum"

// Flag is a pflag.Value accepting one of a fixed set of options.
// The first option is the default value.
type Flag struct {
	value   string
	options []string
}

var _ pflag.Value = (*Flag)(nil)

func (f *Flag) Type() string {
	return Type
}

// New returns a Flag for the given options, defaulting to the first one.
func New(options ...string) *Flag {
	if len(options) == 0 {
		panic("options must not be empty")
	}
	return &Flag{value: options[0], options: slices.Clone(options)}
}

func (f *Flag) String() string {
	return f.value
}

func (f *Flag) Set(value string) error {
	if !slices.Contains(f.options, value) {
		return fmt.Errorf("expected one of %q", f.options)
	}
	f.value = value
	return nil
}

// Get returns the value of the enum flag name in f.
func Get(f *pflag.FlagSet, name string) (string, error) {
	flag := f.Lookup(name)
	if flag == nil {
		return "", fmt.Errorf("flag accessed but not defined: %s", name)
	}
	if flag.Value.Type() != Type {
		return "", fmt.Errorf("trying to get %s value of flag of type %s", Type, flag.Value.Type())
	}
	return flag.Value.String(), nil
}

// Var defines an enum flag in f. The usage lists the sorted options.
func Var(f *pflag.FlagSet, name string, options []string, usage string) {
	VarP(f, name, "", options, usage)
}

// VarP is like Var, but accepts a shorthand letter.
func VarP(f *pflag.FlagSet, name, shorthand string, options []string, usage string) {
	flag := New(options...)
	sorted := slices.Clone(options)
	slices.Sort(sorted)
	f.VarP(flag, name, shorthand, fmt.Sprintf("%s\n(must be one of %v)", usage, sorted))
}
