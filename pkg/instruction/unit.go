package instruction

import (
	"fmt"
	"strings"

	goVersion "github.com/hashicorp/go-version"

	"github.com/sidkik/provision/pkg/condition"
	"github.com/sidkik/provision/pkg/errors"
)

// rollbackPatchPrefix is prepended to a patch's ID to name the patch that
// undoes it.
const rollbackPatchPrefix = "rollback-"

// patchIDSeparators can't appear in patch IDs because the environment stores
// a unit's patches as a single list.
const patchIDSeparators = ",\n"

// UnitKind classifies a unit instruction. It's derived from the versions, and
// never stored.
type UnitKind int

const (
	// Install provisions a unit that isn't installed.
	Install UnitKind = iota + 1
	// Uninstall removes a unit.
	Uninstall
	// Patch changes a unit's content without changing its version.
	Patch
	// Update moves a unit from one version to another.
	Update
)

func (kind UnitKind) String() string {
	switch kind {
	case Install:
		return "install"
	case Uninstall:
		return "uninstall"
	case Patch:
		return "patch"
	case Update:
		return "update"
	default:
		return "invalid"
	}
}

// Task is a hook that's run after a unit is applied. Tasks are opaque to the
// engine, and are handed to a runner after the apply commits.
type Task struct {
	Name   string
	Params map[string]string
}

// Unit is the instruction for provisioning a single unit.
type Unit struct {
	Name string

	// Version is the version the unit will be at after the instruction is
	// applied. It's empty for uninstalls.
	Version string

	// ReplacedVersion is the version the unit must be at before the
	// instruction is applied. It's empty for installs.
	ReplacedVersion string

	// PatchID identifies a patch. It may only be set when Version and
	// ReplacedVersion are equal.
	PatchID string

	// Reverts is the ID of the patch that this patch undoes. Applying it
	// removes that ID from the unit's patches instead of adding PatchID.
	Reverts string

	// Required marks every item in the unit as required.
	Required bool

	// Conditions are checked in addition to the implicit version condition.
	Conditions []condition.Condition

	Items []Item
	Tasks []Task
}

// Kind classifies the instruction.
func (u Unit) Kind() UnitKind {
	switch {
	case u.ReplacedVersion == "":
		return Install
	case u.Version == "":
		return Uninstall
	case u.Version == u.ReplacedVersion:
		return Patch
	default:
		return Update
	}
}

// Validate checks the instruction and all of its items.
func (u Unit) Validate() error {
	if u.Name == "" {
		return errors.MissingFieldError{Field: "name"}
	}
	if u.Version == "" && u.ReplacedVersion == "" {
		return errors.MissingFieldError{Field: "version"}
	}
	if (u.PatchID != "" || u.Reverts != "") && u.Kind() != Patch {
		return errors.MalformedError{
			Path:   u.Name,
			Reason: "patch ids are only allowed when the version doesn't change",
		}
	}
	for _, id := range []string{u.PatchID, u.Reverts} {
		if strings.ContainsAny(id, patchIDSeparators) {
			return errors.MalformedError{
				Path:   u.Name,
				Reason: fmt.Sprintf("patch id %q contains one of %q", id, patchIDSeparators),
			}
		}
	}

	seen := map[string]struct{}{}
	for _, item := range u.Items {
		if err := item.Validate(); err != nil {
			return errors.WithContext(err, fmt.Sprintf("unit %s", u.Name))
		}

		key := item.Path.String()
		if _, ok := seen[key]; ok {
			return errors.MalformedError{
				Path:   key,
				Reason: fmt.Sprintf("duplicate item in unit %s", u.Name),
			}
		}
		seen[key] = struct{}{}
	}

	for _, c := range u.Conditions {
		if c == nil {
			return errors.MalformedError{Path: u.Name, Reason: "nil condition"}
		}
	}
	return nil
}

// VersionCondition returns the implicit condition that the unit is at
// ReplacedVersion.
func (u Unit) VersionCondition() condition.UnitVersion {
	return condition.UnitVersion{Unit: u.Name, Version: u.ReplacedVersion}
}

// AllConditions returns the implicit version condition followed by the
// instruction's own conditions.
func (u Unit) AllConditions() []condition.Condition {
	conds := []condition.Condition{u.VersionCondition()}
	return append(conds, u.Conditions...)
}

// ItemRequired returns whether violations of the item's condition are always
// fatal.
func (u Unit) ItemRequired(item Item) bool {
	return u.Required || item.Required
}

// Rollback returns the instruction that undoes u.
//
// Installs become uninstalls of the same version and vice versa, updates swap
// their versions, and patches become a patch tagged with the original patch
// ID prefixed by "rollback-" that reverts the original. Rolling back such a
// patch reapplies the original patch. Items are inverted and reversed so that nested
// files are removed before the directories that contain them.
func (u Unit) Rollback() Unit {
	rollback := Unit{
		Name:     u.Name,
		Required: u.Required,
	}

	switch u.Kind() {
	case Install:
		rollback.ReplacedVersion = u.Version
	case Uninstall:
		rollback.Version = u.ReplacedVersion
	case Patch:
		rollback.Version = u.Version
		rollback.ReplacedVersion = u.ReplacedVersion
		if u.Reverts != "" {
			rollback.PatchID = u.Reverts
		} else if u.PatchID != "" {
			rollback.PatchID = rollbackPatchPrefix + u.PatchID
			rollback.Reverts = u.PatchID
		}
	default:
		rollback.Version = u.ReplacedVersion
		rollback.ReplacedVersion = u.Version
	}

	for i := len(u.Items) - 1; i >= 0; i-- {
		rollback.Items = append(rollback.Items, u.Items[i].Rollback())
	}

	for _, c := range u.Conditions {
		switch c := c.(type) {
		case condition.ContentHash:
			rollback.Conditions = append(rollback.Conditions, c.Invert())
		case condition.UnitVersion:
			// The unit's own version is checked by the implicit condition.
			if c.Unit != u.Name {
				rollback.Conditions = append(rollback.Conditions, c)
			}
		}
	}
	return rollback
}

// Direction describes how an update moves a unit's version.
type Direction int

const (
	// Unordered is used when the versions can't be compared.
	Unordered Direction = iota
	// Upgrade moves to a newer version.
	Upgrade
	// Downgrade moves to an older version.
	Downgrade
	// Same is used for patches.
	Same
)

func (d Direction) String() string {
	switch d {
	case Upgrade:
		return "upgrade"
	case Downgrade:
		return "downgrade"
	case Same:
		return "same version"
	default:
		return "unordered"
	}
}

// Direction compares the versions of an update. Versions are free-form, so
// the result is Unordered when either isn't a semantic version.
func (u Unit) Direction() Direction {
	switch u.Kind() {
	case Patch:
		return Same
	case Update:
	default:
		return Unordered
	}

	from, err := goVersion.NewVersion(u.ReplacedVersion)
	if err != nil {
		return Unordered
	}
	to, err := goVersion.NewVersion(u.Version)
	if err != nil {
		return Unordered
	}

	switch {
	case to.GreaterThan(from):
		return Upgrade
	case to.LessThan(from):
		return Downgrade
	default:
		return Same
	}
}

func (u Unit) String() string {
	switch u.Kind() {
	case Install:
		return fmt.Sprintf("install %s %s", u.Name, u.Version)
	case Uninstall:
		return fmt.Sprintf("uninstall %s %s", u.Name, u.ReplacedVersion)
	case Patch:
		if u.Reverts != "" {
			return fmt.Sprintf("patch %s %s (reverts %s)", u.Name, u.Version, u.Reverts)
		}
		if u.PatchID == "" {
			return fmt.Sprintf("patch %s %s", u.Name, u.Version)
		}
		return fmt.Sprintf("patch %s %s (%s)", u.Name, u.Version, u.PatchID)
	default:
		return fmt.Sprintf("update %s %s -> %s", u.Name, u.ReplacedVersion, u.Version)
	}
}

// UnitBuilder assembles a Unit. Each method returns a new builder, so
// builders can be shared and extended without affecting each other.
type UnitBuilder struct {
	unit Unit
}

// NewUnit starts building the instruction for the named unit.
func NewUnit(name string) UnitBuilder {
	return UnitBuilder{unit: Unit{Name: name}}
}

// Version sets the version the unit will be at.
func (b UnitBuilder) Version(version string) UnitBuilder {
	b.unit.Version = version
	return b
}

// ReplacedVersion sets the version the unit must currently be at.
func (b UnitBuilder) ReplacedVersion(version string) UnitBuilder {
	b.unit.ReplacedVersion = version
	return b
}

// Patch sets the patch ID.
func (b UnitBuilder) Patch(id string) UnitBuilder {
	b.unit.PatchID = id
	return b
}

// Reverts marks the patch as undoing the patch with the given ID.
func (b UnitBuilder) Reverts(id string) UnitBuilder {
	b.unit.Reverts = id
	return b
}

// Required marks all items as required.
func (b UnitBuilder) Required(required bool) UnitBuilder {
	b.unit.Required = required
	return b
}

// Condition adds extra conditions.
func (b UnitBuilder) Condition(conds ...condition.Condition) UnitBuilder {
	b.unit.Conditions = append(append([]condition.Condition{}, b.unit.Conditions...), conds...)
	return b
}

// Items adds content items.
func (b UnitBuilder) Items(items ...Item) UnitBuilder {
	b.unit.Items = append(append([]Item{}, b.unit.Items...), items...)
	return b
}

// Task adds a post-apply task.
func (b UnitBuilder) Task(tasks ...Task) UnitBuilder {
	b.unit.Tasks = append(append([]Task{}, b.unit.Tasks...), tasks...)
	return b
}

// Build validates and returns the instruction.
func (b UnitBuilder) Build() (Unit, error) {
	u := b.unit.copy()
	if err := u.Validate(); err != nil {
		return Unit{}, err
	}
	return u, nil
}

func (u Unit) copy() Unit {
	copied := u
	copied.Conditions = append([]condition.Condition(nil), u.Conditions...)
	copied.Items = append([]Item(nil), u.Items...)
	copied.Tasks = append([]Task(nil), u.Tasks...)
	return copied
}
