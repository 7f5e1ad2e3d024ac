package provision

import (
	"fmt"

	"github.com/sidkik/provision/pkg/backup"
	"github.com/sidkik/provision/pkg/environment"
	"github.com/sidkik/provision/pkg/errors"
)

// Recover undoes operations that were interrupted, for example by a crash,
// and returns the IDs of the sessions it restored.
//
// An interrupted apply is undone entirely: its files are restored, and if
// its history entry was already pushed, the entry is removed and the units
// go back to their prior state. An interrupted rollback is undone the same
// way unless it had already popped its history entry, in which case it was
// committed and only its bookkeeping is left to clean up.
//
// Backup sessions that no history entry refers to are removed.
//
// A session whose metadata can't be read fails recovery with a
// MalformedSessionError, unless DiscardMalformed is passed, in which case it
// is removed without restoring anything.
func (e *Engine) Recover(env *environment.Environment, opts ...RecoverOption) ([]string, error) {
	var ro recoverOptions
	for _, opt := range opts {
		opt(&ro)
	}

	store := backup.NewStore(e.fs, env.BackupDir())
	incomplete, err := store.Incomplete()
	if err != nil {
		return nil, errors.WithContext(err, "list interrupted operations")
	}

	var recovered []string
	for _, id := range incomplete {
		ok, err := e.recoverSession(env, store, id, ro)
		if err != nil {
			return recovered, errors.WithContext(err, "recover session "+id)
		}
		if ok {
			recovered = append(recovered, id)
		}
	}

	if err := e.removeOrphans(env, store); err != nil {
		return recovered, err
	}
	return recovered, nil
}

// recoverSession undoes the operation that created the session. It returns
// whether any files were restored.
func (e *Engine) recoverSession(env *environment.Environment, store backup.Store, id string,
	ro recoverOptions) (bool, error) {
	log := e.log.WithField("session", id)

	abandoned, err := store.Abandoned(id)
	if err != nil {
		return false, err
	}
	if abandoned {
		log.Info("Removing session that never captured any files")
		return false, store.Remove(id)
	}

	sess, err := store.Load(id)
	if err != nil {
		var malformed errors.MalformedError
		if !errors.As(err, &malformed) {
			return false, err
		}
		if !ro.discardMalformed {
			return false, MalformedSessionError{ID: id, Dir: store.Dir(id), Err: malformed}
		}

		log.WithError(err).Warn("Discarding malformed session without restoring its files")
		return false, store.Remove(id)
	}

	top, hasTop := env.History.Peek()
	if sess.Reverts != "" && (!hasTop || top.ID != sess.Reverts) {
		log.Info("Rollback was already committed. Removing its backup.")
		return false, sess.Discard()
	}

	log.WithField("files", len(sess.Records)).Warn("Restoring files of interrupted operation")
	if err := sess.Restore(); err != nil {
		return false, err
	}

	switch {
	case sess.Reverts != "":
		// The rollback may have saved the environment before it was
		// interrupted.
		reapplyUnits(env, top)
		if err := env.Save(); err != nil {
			return false, errors.WithContext(err, "save environment")
		}
	case hasTop && top.Session == id:
		revertUnits(env, top.Prior)
		if err := env.Save(); err != nil {
			return false, errors.WithContext(err, "save environment")
		}
		if _, err := env.History.Pop(); err != nil {
			return false, errors.WithContext(err, "pop history")
		}
	}

	return true, sess.Discard()
}

func (e *Engine) removeOrphans(env *environment.Environment, store backup.Store) error {
	ids, err := store.List()
	if err != nil {
		return errors.WithContext(err, "list backup sessions")
	}

	for _, id := range ids {
		if env.History.References(id) {
			continue
		}

		e.log.WithField("session", id).Info("Removing unreferenced backup session")
		if err := store.Remove(id); err != nil {
			return err
		}
	}
	return nil
}

// RecoverOption changes how Recover treats sessions it can't restore.
type RecoverOption func(*recoverOptions)

type recoverOptions struct {
	discardMalformed bool
}

// DiscardMalformed makes Recover remove sessions whose metadata is
// unreadable. The files those sessions captured are not restored.
func DiscardMalformed() RecoverOption {
	return func(ro *recoverOptions) {
		ro.discardMalformed = true
	}
}

// MalformedSessionError is returned by Recover when an interrupted session
// can't be read, so its files can't be restored automatically.
type MalformedSessionError struct {
	ID  string
	Dir string
	Err errors.MalformedError
}

func (err MalformedSessionError) Error() string {
	return fmt.Sprintf("session %s can't be restored: %s", err.ID, err.Err)
}

// FriendlyMessage implements errors.Friendly.
func (err MalformedSessionError) FriendlyMessage() string {
	return fmt.Sprintf("The interrupted operation %s can't be restored because its "+
		"backup is damaged:\n  %s\n\n"+
		"Inspect %s and restore any files you need by hand, then run "+
		"`provision recover --discard-malformed` to remove it.", err.ID, err.Err, err.Dir)
}

func (err MalformedSessionError) Unwrap() error {
	return err.Err
}
