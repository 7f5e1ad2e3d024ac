package instruction

import (
	"sort"

	"github.com/sidkik/provision/pkg/errors"
)

// Environment is the set of unit instructions that are applied together,
// keyed by unit name. It's the unit of work that's distributed as a package.
type Environment map[string]Unit

// NewEnvironment returns an Environment containing the given units.
func NewEnvironment(units ...Unit) Environment {
	env := Environment{}
	for _, u := range units {
		env[u.Name] = u
	}
	return env
}

// Names returns the unit names in sorted order. Units are always processed
// in this order so that applies are deterministic.
func (env Environment) Names() []string {
	var names []string
	for name := range env {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Units returns the unit instructions ordered by name.
func (env Environment) Units() []Unit {
	var units []Unit
	for _, name := range env.Names() {
		units = append(units, env[name])
	}
	return units
}

// Validate checks every unit instruction.
func (env Environment) Validate() error {
	if len(env) == 0 {
		return errors.New("instruction contains no units")
	}

	for _, name := range env.Names() {
		u := env[name]
		if u.Name != name {
			return errors.MalformedError{
				Path:   name,
				Reason: "unit is stored under the wrong name " + u.Name,
			}
		}
		if err := u.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Rollback returns the instruction that undoes every unit in env.
func (env Environment) Rollback() Environment {
	rollback := Environment{}
	for name, u := range env {
		rollback[name] = u.Rollback()
	}
	return rollback
}

// Subset returns the instructions for the named units.
func (env Environment) Subset(names []string) Environment {
	subset := Environment{}
	for _, name := range names {
		if u, ok := env[name]; ok {
			subset[name] = u
		}
	}
	return subset
}
