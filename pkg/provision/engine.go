// Package provision applies instructions to an environment, and rolls them
// back.
//
// An apply is all or nothing. Every unit's version is checked before any
// file is touched, each file is backed up right before it's changed, and any
// failure restores the backed up files before the error is returned. The
// environment is only updated once every unit has been applied.
package provision

import (
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/provision/pkg/backup"
	"github.com/sidkik/provision/pkg/condition"
	"github.com/sidkik/provision/pkg/content"
	"github.com/sidkik/provision/pkg/environment"
	"github.com/sidkik/provision/pkg/errors"
	"github.com/sidkik/provision/pkg/history"
	"github.com/sidkik/provision/pkg/instruction"
	"github.com/sidkik/provision/pkg/unit"
)

// TaskRunner runs the post-apply tasks of a unit.
type TaskRunner interface {
	Run(u instruction.Unit, task instruction.Task) error
}

// Engine applies and rolls back instructions. It's not safe to run multiple
// operations against the same environment concurrently.
type Engine struct {
	fs    afero.Fs
	clock clockwork.Clock
	log   logrus.FieldLogger
	tasks TaskRunner
	newID func() string
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock used to timestamp history entries.
func WithClock(clock clockwork.Clock) Option {
	return func(e *Engine) {
		e.clock = clock
	}
}

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(e *Engine) {
		e.log = log
	}
}

// WithTaskRunner sets the runner for post-apply tasks. Without a runner,
// tasks are only logged.
func WithTaskRunner(runner TaskRunner) Option {
	return func(e *Engine) {
		e.tasks = runner
	}
}

// New returns an Engine that operates on fs.
func New(fs afero.Fs, opts ...Option) *Engine {
	e := &Engine{
		fs:    fs,
		clock: clockwork.NewRealClock(),
		log:   logrus.StandardLogger(),
		newID: func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Apply applies instr to env, reading new content from src. On success, the
// applied units are recorded in env and a history entry is pushed so that
// the apply can be rolled back. On failure, every file that was changed is
// restored, and env is left untouched.
//
// Units that are already in the state that instr describes are skipped. If
// every unit is skipped, nothing is recorded.
func (e *Engine) Apply(env *environment.Environment, instr instruction.Environment,
	src content.Source) (Result, error) {
	if err := instr.Validate(); err != nil {
		return Result{}, errors.WithContext(err, "validate instruction")
	}

	if err := e.checkInterrupted(env); err != nil {
		return Result{}, err
	}

	result, pending, err := e.checkUnits(env, instr)
	if err != nil {
		return result.Result, err
	}

	if len(pending) == 0 {
		e.log.Info("All units are already up to date")
		return result.Result, nil
	}

	sess, err := backup.NewStore(e.fs, env.BackupDir()).Create(e.newID())
	if err != nil {
		return result.Result, errors.WithContext(err, "create backup session")
	}

	for _, u := range pending {
		ur := result.unit(u.Name)
		log := e.log.WithField("unit", u.Name)
		log.WithField("kind", u.Kind()).Info("Applying unit")

		for _, item := range u.Items {
			changed, err := e.applyItem(env, sess, u, item, src)
			if err != nil {
				ur.State = Failed
				e.unwind(sess)
				return result.Result, errors.WithContext(err, "apply unit "+u.Name)
			}

			if changed {
				ur.Changed = append(ur.Changed, item.Path)
			} else {
				ur.Unchanged = append(ur.Unchanged, item.Path)
			}
		}
		ur.State = ContentApplied
	}

	entry, err := e.commit(env, sess, pending)
	if err != nil {
		for _, u := range pending {
			result.unit(u.Name).State = Failed
		}
		return result.Result, errors.WithContext(err, "commit")
	}

	result.Entry = entry.ID
	for _, u := range pending {
		result.unit(u.Name).State = Committed
	}
	result.TaskErrors = e.runTasks(pending)

	e.log.WithFields(logrus.Fields{
		"entry":   entry.ID,
		"changed": result.Changed(),
	}).Info("Applied instruction")
	return result.Result, nil
}

// Check reports what Apply would do without changing anything. Conflicts
// that Apply would fail on are returned as errors.
func (e *Engine) Check(env *environment.Environment, instr instruction.Environment) (Result, error) {
	if err := instr.Validate(); err != nil {
		return Result{}, errors.WithContext(err, "validate instruction")
	}

	result, pending, err := e.checkUnits(env, instr)
	if err != nil {
		return result.Result, err
	}

	for _, u := range pending {
		ur := result.unit(u.Name)
		for _, item := range u.Items {
			apply, err := e.decide(env, u.Name, u.ItemRequired(item), item.Condition())
			if err != nil {
				ur.State = Failed
				return result.Result, errors.WithContext(err, "check unit "+u.Name)
			}

			if apply {
				ur.Changed = append(ur.Changed, item.Path)
			} else {
				ur.Unchanged = append(ur.Unchanged, item.Path)
			}
		}
	}
	return result.Result, nil
}

// checkUnits evaluates the version and extra conditions of every unit before
// anything is changed. It returns the units that need to be applied.
func (e *Engine) checkUnits(env *environment.Environment, instr instruction.Environment) (
	*resultBuilder, []instruction.Unit, error) {
	result := &resultBuilder{}
	var pending []instruction.Unit
	for _, u := range instr.Units() {
		ur := result.add(u)

		if alreadyApplied(env, u) {
			e.log.WithField("unit", u.Name).Infof("Skipping %s: already applied", u)
			ur.State = Skipped
			continue
		}

		for _, c := range u.AllConditions() {
			if err := e.checkCondition(env, c); err != nil {
				ur.State = Failed
				return result, nil, errors.WithContext(err, "check unit "+u.Name)
			}
		}

		ur.State = ConditionsChecked
		pending = append(pending, u)
	}
	return result, pending, nil
}

func (e *Engine) checkCondition(env *environment.Environment, c condition.Condition) error {
	satisfied, err := condition.Evaluate(e.fs, env, c)
	if err != nil {
		return err
	}
	if !satisfied {
		return errors.Errorf("condition not met: %s", c)
	}
	return nil
}

// alreadyApplied returns whether env is already at the state that u
// describes.
func alreadyApplied(env *environment.Environment, u instruction.Unit) bool {
	info, installed := env.Unit(u.Name)
	switch u.Kind() {
	case instruction.Uninstall:
		return !installed
	case instruction.Patch:
		if !installed || info.Version != u.Version {
			return false
		}
		if u.Reverts != "" {
			return !info.HasPatch(u.Reverts)
		}
		return u.PatchID != "" && info.HasPatch(u.PatchID)
	default:
		return installed && info.Version == u.Version
	}
}

// commit records the applied units. The history entry is pushed before the
// environment is saved, and the session is only marked complete once both
// have succeeded, so an interrupted commit is always detected and undone by
// Recover.
func (e *Engine) commit(env *environment.Environment, sess *backup.Session,
	applied []instruction.Unit) (history.Entry, error) {
	var names []string
	prior := map[string]*unit.Info{}
	for _, u := range applied {
		names = append(names, u.Name)
		prior[u.Name] = nil
		if info, ok := env.Unit(u.Name); ok {
			prior[u.Name] = &info
		}
	}

	entry := history.Entry{
		ID:          e.newID(),
		AppliedAt:   e.clock.Now(),
		Session:     sess.ID,
		Instruction: instruction.NewEnvironment(applied...),
		Prior:       prior,
	}

	if err := env.History.Push(entry); err != nil {
		e.unwind(sess)
		return history.Entry{}, errors.WithContext(err, "push history")
	}

	for _, u := range applied {
		updateUnit(env, u)
	}

	err := env.Save()
	if err == nil {
		err = sess.Finalize()
	}
	if err != nil {
		revertUnits(env, prior)
		if saveErr := env.Save(); saveErr != nil {
			e.log.WithError(saveErr).Error("Failed to restore environment")
		}
		if _, popErr := env.History.Pop(); popErr != nil {
			e.log.WithError(popErr).Error("Failed to remove history entry")
		}
		e.unwind(sess)
		return history.Entry{}, errors.WithContext(err, "save environment")
	}

	e.log.WithField("units", names).Debug("Committed units")
	return entry, nil
}

// updateUnit records that u was applied.
func updateUnit(env *environment.Environment, u instruction.Unit) {
	switch u.Kind() {
	case instruction.Uninstall:
		env.RemoveUnit(u.Name)
	case instruction.Patch:
		info, ok := env.Unit(u.Name)
		if !ok {
			info = unit.New(u.Name, u.Version)
		}
		if u.Reverts != "" {
			info = info.WithoutPatch(u.Reverts)
		} else if u.PatchID != "" {
			info = info.WithPatch(u.PatchID)
		}
		env.SetUnit(info)
	default:
		env.SetUnit(unit.New(u.Name, u.Version))
	}
}

// revertUnits sets units back to the given prior states.
func revertUnits(env *environment.Environment, prior map[string]*unit.Info) {
	for name, info := range prior {
		if info == nil {
			env.RemoveUnit(name)
		} else {
			env.SetUnit(*info)
		}
	}
}

// unwind restores the files captured by sess, and discards it. Failures are
// logged, and leave the session in place so that Recover can retry.
func (e *Engine) unwind(sess *backup.Session) {
	e.log.WithField("session", sess.ID).Warn("Restoring changed files")
	if err := sess.Restore(); err != nil {
		e.log.WithError(err).Error("Failed to restore files. " +
			"Run `provision recover` to retry.")
		return
	}

	if err := sess.Discard(); err != nil {
		e.log.WithError(err).Warn("Failed to remove backup session")
	}
}

func (e *Engine) runTasks(units []instruction.Unit) []error {
	var errs []error
	for _, u := range units {
		for _, task := range u.Tasks {
			log := e.log.WithFields(logrus.Fields{"unit": u.Name, "task": task.Name})
			if e.tasks == nil {
				log.Info("No task runner configured. Skipping task.")
				continue
			}

			if err := e.tasks.Run(u, task); err != nil {
				log.WithError(err).Error("Task failed")
				errs = append(errs, errors.WithContext(err, "run task "+task.Name))
			}
		}
	}
	return errs
}

func (e *Engine) checkInterrupted(env *environment.Environment) error {
	incomplete, err := backup.NewStore(e.fs, env.BackupDir()).Incomplete()
	if err != nil {
		return errors.WithContext(err, "check for interrupted operations")
	}
	if len(incomplete) != 0 {
		return errors.InterruptedError{Sessions: incomplete}
	}
	return nil
}

type resultBuilder struct {
	Result
}

func (rb *resultBuilder) add(u instruction.Unit) *UnitResult {
	rb.Units = append(rb.Units, UnitResult{Name: u.Name, Kind: u.Kind(), State: Pending})
	return &rb.Units[len(rb.Units)-1]
}

func (rb *resultBuilder) unit(name string) *UnitResult {
	for i := range rb.Units {
		if rb.Units[i].Name == name {
			return &rb.Units[i]
		}
	}
	panic("unknown unit " + name)
}
