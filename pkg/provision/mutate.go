package provision

import (
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/sidkik/provision/pkg/backup"
	"github.com/sidkik/provision/pkg/condition"
	"github.com/sidkik/provision/pkg/content"
	"github.com/sidkik/provision/pkg/environment"
	"github.com/sidkik/provision/pkg/errors"
	"github.com/sidkik/provision/pkg/fsutil"
	"github.com/sidkik/provision/pkg/instruction"
)

// defaultFileMode is the mode of files that are added.
const defaultFileMode os.FileMode = 0644

// decide evaluates the content condition of an item, and returns whether the
// item should be applied. Content conflicts on items that aren't required
// are resolved according to the unit's update policy. All other violations
// are returned as errors.
func (e *Engine) decide(env *environment.Environment, unitName string, required bool,
	cond condition.ContentHash) (bool, error) {
	log := e.log.WithFields(logrus.Fields{
		"unit": unitName,
		"path": cond.Path.String(),
	})

	satisfied, err := condition.Evaluate(e.fs, env, cond)
	if err == nil {
		if !satisfied {
			log.Info("Skipping path: already in the desired state")
		}
		return satisfied, nil
	}

	var conflict errors.ConflictError
	if !errors.As(err, &conflict) || required {
		return false, err
	}

	switch policy := env.Policy(unitName, cond.Path); policy {
	case environment.Forced:
		log.WithError(err).Warn("Overwriting local modification because of the FORCED policy")
		return true, nil
	case environment.Ignored:
		log.WithError(err).Warn("Keeping local modification because of the IGNORED policy")
		return false, nil
	default:
		return false, err
	}
}

// applyItem backs up the item's path and applies the item, if its condition
// allows it. It returns whether anything was changed.
func (e *Engine) applyItem(env *environment.Environment, sess *backup.Session,
	u instruction.Unit, item instruction.Item, src content.Source) (bool, error) {
	apply, err := e.decide(env, u.Name, u.ItemRequired(item), item.Condition())
	if err != nil || !apply {
		return false, err
	}

	root, err := env.Root(item.Path.Location)
	if err != nil {
		return false, err
	}

	target, err := env.Resolve(item.Path)
	if err != nil {
		return false, err
	}

	if err := sess.Capture(u.Name, item, root, target); err != nil {
		return false, errors.WithContext(err, "back up "+item.Path.String())
	}

	if err := e.mutate(item, root, target, src); err != nil {
		return false, errors.WithContext(err, item.String())
	}

	e.log.WithFields(logrus.Fields{
		"unit": u.Name,
		"path": item.Path.String(),
		"kind": item.Kind(),
	}).Debug("Applied item")
	return true, nil
}

// mutate changes target to match item. Added and replaced files are written
// atomically, and their content is verified against the item's hash.
// Removing a file also removes any ancestor directories that become empty,
// up to root.
func (e *Engine) mutate(item instruction.Item, root, target string, src content.Source) error {
	if item.Kind() == instruction.Remove {
		if err := e.fs.Remove(target); err != nil && !os.IsNotExist(err) {
			return errors.WithContext(err, "remove")
		}
		fsutil.PruneEmptyDirs(e.fs, filepath.Dir(target), root)
		return nil
	}

	mode := defaultFileMode
	if fi, err := e.fs.Stat(target); err == nil {
		mode = fi.Mode().Perm()
	}

	rc, err := src.Open(item.Hash)
	if err != nil {
		return errors.WithContext(err, "open content")
	}
	defer rc.Close()

	return fsutil.WriteAtomic(e.fs, target, content.VerifyReader(rc, item.Hash), mode)
}
