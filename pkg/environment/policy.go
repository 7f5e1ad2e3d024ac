package environment

import (
	"fmt"
	"strings"

	"github.com/sidkik/provision/pkg/content"
	"github.com/sidkik/provision/pkg/errors"
)

// Policy controls what happens when a file's content has drifted from what an
// instruction expects.
type Policy string

const (
	// Conditioned fails the apply. It's the default.
	Conditioned Policy = "CONDITIONED"

	// Forced applies the change anyway, overwriting the local modification.
	Forced Policy = "FORCED"

	// Ignored skips the change, keeping the local modification.
	Ignored Policy = "IGNORED"
)

// ParsePolicy parses a policy name. Names are case insensitive.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToUpper(strings.TrimSpace(s))); p {
	case Conditioned, Forced, Ignored:
		return p, nil
	default:
		return "", errors.MalformedError{
			Path:   s,
			Reason: fmt.Sprintf("unknown policy, expected one of %s, %s, %s", Forced, Conditioned, Ignored),
		}
	}
}

// UnitPolicy is the update policy of a unit. Path policies override the
// unit's default.
type UnitPolicy struct {
	Default Policy
	Paths   map[content.Path]Policy
}

// Policy returns the effective policy for a path in the given unit. Path
// overrides take precedence over the unit's default, which takes precedence
// over the environment's default. The result is Conditioned if nothing is
// set.
func (env *Environment) Policy(unitName string, p content.Path) Policy {
	if up, ok := env.Policies[unitName]; ok {
		if policy, ok := up.Paths[p]; ok && policy != "" {
			return policy
		}
		if up.Default != "" {
			return up.Default
		}
	}
	if env.DefaultPolicy != "" {
		return env.DefaultPolicy
	}
	return Conditioned
}

// SetUnitPolicy sets the default policy of a unit.
func (env *Environment) SetUnitPolicy(unitName string, policy Policy) {
	up := env.Policies[unitName]
	up.Default = policy
	env.Policies[unitName] = up
}

// SetPathPolicy overrides the policy of a single path in a unit.
func (env *Environment) SetPathPolicy(unitName string, p content.Path, policy Policy) {
	up := env.Policies[unitName]
	if up.Paths == nil {
		up.Paths = map[content.Path]Policy{}
	}
	up.Paths[p] = policy
	env.Policies[unitName] = up
}
