package magick

import (
	"errors"
	"fmt"
)

// ErrDependencyDisabled is returned by Enable when some flag that lists
// this flag as a dependency is itself disabled. The blocked flag is left
// untouched.
var ErrDependencyDisabled = errors.New("magick: flag is a dependency of a disabled flag")

// InvalidFeatureTypeError reports an unknown flag type.
type InvalidFeatureTypeError struct {
	Type string
}

func (e *InvalidFeatureTypeError) Error() string {
	return fmt.Sprintf("magick: invalid feature type %q", e.Type)
}

// InvalidFeatureValueError reports a value that does not match the flag's
// declared type, or enable/disable misuse on a non-boolean flag.
type InvalidFeatureValueError struct {
	Name   string
	Type   FlagType
	Value  interface{}
	Reason string
}

func (e *InvalidFeatureValueError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("magick: invalid value for %s flag %q: %s", e.Type, e.Name, e.Reason)
	}
	return fmt.Sprintf("magick: invalid value %v for %s flag %q", e.Value, e.Type, e.Name)
}

// FeatureNotFoundError reports a missing flag to callers that require a
// strict lookup. Engine.Get never returns it; it returns a transient
// default-valued flag instead.
type FeatureNotFoundError struct {
	Name string
}

func (e *FeatureNotFoundError) Error() string {
	return fmt.Sprintf("magick: feature %q not found", e.Name)
}
