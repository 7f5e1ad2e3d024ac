// Package unit describes the identity of an installed unit: its name, the
// version that's currently installed, and the patches applied on top of it.
package unit

import (
	"strings"
)

// Undefined is used as the name or version of units that don't have a managed
// identity, such as ad-hoc installs.
const Undefined = "UNDEFINED"

// Info is the recorded state of an installed unit.
type Info struct {
	Name    string
	Version string

	// Patches lists the IDs of the patches applied since the version was
	// installed, oldest first.
	Patches []string
}

// New returns the Info for a freshly installed unit. Empty names and versions
// are replaced with Undefined.
func New(name, version string) Info {
	if name == "" {
		name = Undefined
	}
	if version == "" {
		version = Undefined
	}
	return Info{Name: name, Version: version}
}

// HasPatch returns whether the patch with the given ID is applied.
func (info Info) HasPatch(id string) bool {
	for _, patch := range info.Patches {
		if patch == id {
			return true
		}
	}
	return false
}

// WithPatch returns a copy of info with the patch appended. Patches that are
// already applied aren't duplicated.
func (info Info) WithPatch(id string) Info {
	if info.HasPatch(id) {
		return info.Copy()
	}
	copied := info.Copy()
	copied.Patches = append(copied.Patches, id)
	return copied
}

// WithoutPatch returns a copy of info with the patch removed.
func (info Info) WithoutPatch(id string) Info {
	copied := Info{Name: info.Name, Version: info.Version}
	for _, patch := range info.Patches {
		if patch != id {
			copied.Patches = append(copied.Patches, patch)
		}
	}
	return copied
}

// Copy returns a deep copy of info.
func (info Info) Copy() Info {
	copied := Info{Name: info.Name, Version: info.Version}
	if len(info.Patches) != 0 {
		copied.Patches = append([]string{}, info.Patches...)
	}
	return copied
}

func (info Info) String() string {
	if len(info.Patches) == 0 {
		return info.Name + "@" + info.Version
	}
	return info.Name + "@" + info.Version + "+" + strings.Join(info.Patches, "+")
}
