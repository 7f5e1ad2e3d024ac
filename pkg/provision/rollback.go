package provision

import (
	"github.com/sirupsen/logrus"

	"github.com/sidkik/provision/pkg/backup"
	"github.com/sidkik/provision/pkg/environment"
	"github.com/sidkik/provision/pkg/errors"
	"github.com/sidkik/provision/pkg/history"
	"github.com/sidkik/provision/pkg/instruction"
)

// RollbackLast undoes the most recently applied instruction. Files are
// restored byte for byte from the backup taken when the instruction was
// applied, and the units go back to their recorded versions and patches.
//
// Files that were changed again since the apply are conflicts, and are
// resolved with the same update policies as an apply. If anything fails, the
// files that were already restored are put back, and env is left untouched.
// ErrNothingToRollback is returned if the history is empty.
func (e *Engine) RollbackLast(env *environment.Environment) (Result, error) {
	if err := e.checkInterrupted(env); err != nil {
		return Result{}, err
	}

	entry, ok := env.History.Peek()
	if !ok {
		return Result{}, errors.ErrNothingToRollback
	}

	log := e.log.WithField("entry", entry.ID)
	store := backup.NewStore(e.fs, env.BackupDir())
	applied, err := store.Load(entry.Session)
	if err != nil {
		return Result{}, errors.WithContext(err, "load backup session")
	}

	inverse := entry.Instruction.Rollback()
	result := &resultBuilder{}
	for _, u := range inverse.Units() {
		ur := result.add(u)
		if err := e.checkCondition(env, u.VersionCondition()); err != nil {
			ur.State = Failed
			return result.Result, errors.WithContext(err, "check unit "+u.Name)
		}
		ur.State = ConditionsChecked
	}

	undo, err := store.CreateUndo(e.newID(), entry.ID)
	if err != nil {
		return result.Result, errors.WithContext(err, "create backup session")
	}

	for i := len(applied.Records) - 1; i >= 0; i-- {
		r := applied.Records[i]
		ur := result.unit(r.Unit)

		changed, err := e.restoreRecord(env, applied, undo, inverse[r.Unit], r)
		if err != nil {
			ur.State = Failed
			e.unwind(undo)
			return result.Result, errors.WithContext(err, "roll back unit "+r.Unit)
		}

		if changed {
			ur.Changed = append(ur.Changed, r.Item.Path)
		} else {
			ur.Unchanged = append(ur.Unchanged, r.Item.Path)
		}
	}

	for i := range result.Units {
		result.Units[i].State = ContentApplied
	}

	if err := e.commitRollback(env, entry, undo); err != nil {
		for i := range result.Units {
			result.Units[i].State = Failed
		}
		return result.Result, errors.WithContext(err, "commit")
	}

	if err := applied.Discard(); err != nil {
		log.WithError(err).Warn("Failed to remove backup session")
	}

	result.Entry = entry.ID
	for i := range result.Units {
		result.Units[i].State = Committed
	}

	log.WithFields(logrus.Fields{
		"changed": result.Changed(),
	}).Info("Rolled back instruction")
	return result.Result, nil
}

// restoreRecord puts the file captured by r back the way it was before the
// apply, after checking that it hasn't changed since.
func (e *Engine) restoreRecord(env *environment.Environment, applied, undo *backup.Session,
	u instruction.Unit, r backup.Record) (bool, error) {
	inverse := r.Item.Rollback()
	apply, err := e.decide(env, r.Unit, u.ItemRequired(inverse), inverse.Condition())
	if err != nil || !apply {
		return false, err
	}

	if err := undo.Capture(r.Unit, inverse, r.Root, r.Target); err != nil {
		return false, errors.WithContext(err, "back up "+r.Item.Path.String())
	}

	if err := applied.RestoreRecord(r); err != nil {
		return false, err
	}
	return true, nil
}

// commitRollback records that entry was rolled back. The environment is
// saved before the history entry is popped. Until the entry is gone, Recover
// treats the rollback as interrupted and undoes it.
func (e *Engine) commitRollback(env *environment.Environment, entry history.Entry,
	undo *backup.Session) error {
	revertUnits(env, entry.Prior)
	err := env.Save()
	if err == nil {
		_, err = env.History.Pop()
	}

	if err != nil {
		reapplyUnits(env, entry)
		if saveErr := env.Save(); saveErr != nil {
			e.log.WithError(saveErr).Error("Failed to restore environment")
		}
		e.unwind(undo)
		return err
	}

	if err := undo.Discard(); err != nil {
		e.log.WithError(err).Warn("Failed to remove backup session")
	}
	return nil
}

// reapplyUnits sets the units changed by entry to the state they were in
// right after it was applied.
func reapplyUnits(env *environment.Environment, entry history.Entry) {
	revertUnits(env, entry.Prior)
	for _, u := range entry.Instruction.Units() {
		updateUnit(env, u)
	}
}
