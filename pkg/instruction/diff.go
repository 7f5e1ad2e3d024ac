package instruction

import (
	"github.com/sidkik/provision/pkg/content"
)

// Diff returns the items that transform a tree in state `base` into
// `target`. Paths only in target are added, paths only in base are removed,
// and paths whose contents differ are replaced. Either snapshot may be nil,
// which stands in for an empty tree.
//
// The items are ordered by path so that diffs of the same snapshots are
// identical.
func Diff(base, target content.Snapshot) []Item {
	all := content.Snapshot{}
	for p, item := range base {
		all[p] = item
	}
	for p, item := range target {
		all[p] = item
	}

	var items []Item
	for _, p := range all.Paths() {
		baseItem, inBase := base[p]
		targetItem, inTarget := target[p]
		switch {
		case !inBase:
			items = append(items, AddItem(p, targetItem.Hash))
		case !inTarget:
			items = append(items, RemoveItem(p, baseItem.Hash))
		case baseItem.Hash != targetItem.Hash:
			items = append(items, ReplaceItem(p, baseItem.Hash, targetItem.Hash))
		}
	}
	return items
}

// InstallUnit returns the instruction that installs `target` as the given
// version of a unit.
func InstallUnit(name, version string, target content.Snapshot) (Unit, error) {
	return NewUnit(name).
		Version(version).
		Items(Diff(nil, target)...).
		Build()
}

// UninstallUnit returns the instruction that removes the given version of a
// unit, whose tree is `base`.
func UninstallUnit(name, version string, base content.Snapshot) (Unit, error) {
	return NewUnit(name).
		ReplacedVersion(version).
		Items(Diff(base, nil)...).
		Build()
}

// UpdateUnit returns the instruction that moves a unit from one version to
// another.
func UpdateUnit(name, from, to string, base, target content.Snapshot) (Unit, error) {
	return NewUnit(name).
		ReplacedVersion(from).
		Version(to).
		Items(Diff(base, target)...).
		Build()
}

// PatchUnit returns the instruction that patches a unit without changing its
// version.
func PatchUnit(name, version, id string, base, target content.Snapshot) (Unit, error) {
	return NewUnit(name).
		ReplacedVersion(version).
		Version(version).
		Patch(id).
		Items(Diff(base, target)...).
		Build()
}
