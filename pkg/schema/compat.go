package schema

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// Compat decides whether a persisted payload version is still drainable by
// the running build. Constraints are per kind ("guest" → "^1.0"); a kind
// without a constraint accepts every version.
type Compat struct {
	constraints map[string]*semver.Constraints
}

// NewCompat compiles the kind → constraint table. Invalid constraint
// expressions fail here, at configuration time.
func NewCompat(specs map[string]string) (*Compat, error) {
	constraints := make(map[string]*semver.Constraints, len(specs))
	for kind, spec := range specs {
		c, err := semver.NewConstraint(spec)
		if err != nil {
			return nil, fmt.Errorf("invalid version constraint %q for kind %q: %w", spec, kind, err)
		}
		constraints[kind] = c
	}
	return &Compat{constraints: constraints}, nil
}

// Check reports whether a payload written at the given version can be
// drained now. A failure is permanent for that action: retrying does not
// change the version it was persisted with.
func (c *Compat) Check(kind, version string) error {
	constraint, ok := c.constraints[kind]
	if !ok {
		return nil
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("kind %q: invalid payload version %q: %w", kind, version, err)
	}
	if !constraint.Check(v) {
		return fmt.Errorf("kind %q: payload version %s does not satisfy %s", kind, version, constraint.String())
	}
	return nil
}
