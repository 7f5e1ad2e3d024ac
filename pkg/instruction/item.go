package instruction

import (
	"fmt"

	"github.com/sidkik/provision/pkg/condition"
	"github.com/sidkik/provision/pkg/content"
	"github.com/sidkik/provision/pkg/errors"
)

// ItemKind is the kind of change an Item makes.
type ItemKind int

const (
	// Add creates a file that doesn't exist yet.
	Add ItemKind = iota + 1
	// Remove deletes a file.
	Remove
	// Replace changes the content of an existing file.
	Replace
)

func (kind ItemKind) String() string {
	switch kind {
	case Add:
		return "add"
	case Remove:
		return "remove"
	case Replace:
		return "replace"
	default:
		return "invalid"
	}
}

// Item is the change to a single file. The kind of change is determined by
// which of the hashes are set.
type Item struct {
	Path content.Path

	// Hash is the content the path should have after the change. It's empty
	// when the path is removed.
	Hash content.Hash

	// ReplacedHash is the content the path is expected to have before the
	// change. It's empty when the path is added.
	ReplacedHash content.Hash

	// Required items always fail the apply when their condition is violated,
	// regardless of the update policy.
	Required bool
}

// AddItem returns an Item that creates path with the given content.
func AddItem(path content.Path, hash content.Hash) Item {
	return Item{Path: path, Hash: hash}
}

// RemoveItem returns an Item that deletes path, which is expected to have
// the given content.
func RemoveItem(path content.Path, replaced content.Hash) Item {
	return Item{Path: path, ReplacedHash: replaced}
}

// ReplaceItem returns an Item that changes path's content from replaced to
// hash.
func ReplaceItem(path content.Path, replaced, hash content.Hash) Item {
	return Item{Path: path, Hash: hash, ReplacedHash: replaced}
}

// Kind returns the kind of change. Items that fail Validate have a zero kind.
func (item Item) Kind() ItemKind {
	switch {
	case item.Hash.IsZero() && item.ReplacedHash.IsZero():
		return 0
	case item.ReplacedHash.IsZero():
		return Add
	case item.Hash.IsZero():
		return Remove
	default:
		return Replace
	}
}

// Validate checks that the item describes a change.
func (item Item) Validate() error {
	if item.Path.RelativePath == "" {
		return errors.MissingFieldError{Field: "relative-path"}
	}
	if item.Kind() == 0 {
		return errors.MissingFieldError{Field: "hash"}
	}
	return nil
}

// Rollback returns the item that undoes this one. Adds become removes, and
// replaces swap their hashes.
func (item Item) Rollback() Item {
	return Item{
		Path:         item.Path,
		Hash:         item.ReplacedHash,
		ReplacedHash: item.Hash,
		Required:     item.Required,
	}
}

// Condition returns the content condition that must hold for the item to be
// applied.
func (item Item) Condition() condition.ContentHash {
	return condition.ContentHash{
		Path:     item.Path,
		Expected: item.ReplacedHash,
		New:      item.Hash,
	}
}

func (item Item) String() string {
	return fmt.Sprintf("%s %s", item.Kind(), item.Path)
}
