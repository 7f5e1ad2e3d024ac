package provision

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/provision/pkg/backup"
	"github.com/sidkik/provision/pkg/condition"
	"github.com/sidkik/provision/pkg/content"
	"github.com/sidkik/provision/pkg/environment"
	"github.com/sidkik/provision/pkg/errors"
	"github.com/sidkik/provision/pkg/instruction"
	"github.com/sidkik/provision/pkg/unit"
)

const home = "/opt/app"

type tree map[string]string

var (
	v10 = tree{"a.txt": "a", "b/b.txt": "b"}
	v11 = tree{"a.txt": "a2", "b/b.txt": "b", "d/d.txt": "d"}
)

type fixture struct {
	fs     afero.Fs
	env    *environment.Environment
	engine *Engine
	clock  clockwork.FakeClock
}

func newFixture(t *testing.T) *fixture {
	fs := afero.NewMemMapFs()
	env, err := environment.New(fs, home, "")
	require.NoError(t, err)

	logger, _ := logtest.NewNullLogger()
	clock := clockwork.NewFakeClockAt(time.Date(2019, 6, 1, 0, 0, 0, 0, time.UTC))
	engine := New(fs, WithClock(clock), WithLogger(logger))

	var ids int
	engine.newID = func() string {
		ids++
		return fmt.Sprintf("id-%d", ids)
	}
	return &fixture{fs: fs, env: env, engine: engine, clock: clock}
}

// stage writes files into a staging directory, and returns its snapshot and
// a source for its content.
func (f *fixture) stage(t *testing.T, name string, files tree) (content.Snapshot, content.Source) {
	root := filepath.Join("/staging", name)
	writeTree(t, f.fs, root, files)

	snapshot, err := content.SnapshotDir(f.fs, root, "")
	require.NoError(t, err)
	return snapshot, content.NewSnapshotSource(f.fs, root, snapshot)
}

func (f *fixture) apply(t *testing.T, src content.Source, units ...instruction.Unit) Result {
	res, err := f.engine.Apply(f.env, instruction.NewEnvironment(units...), src)
	require.NoError(t, err)
	return res
}

// installV10 installs version 1.0 of the unit "app".
func (f *fixture) installV10(t *testing.T) content.Snapshot {
	snapshot, src := f.stage(t, "1.0", v10)
	install, err := instruction.InstallUnit("app", "1.0", snapshot)
	require.NoError(t, err)
	f.apply(t, src, install)
	return snapshot
}

// updateUnit returns the instruction that updates "app" from 1.0 to 1.1.
func (f *fixture) updateUnit(t *testing.T, base content.Snapshot) (instruction.Unit, content.Source) {
	target, src := f.stage(t, "1.1", v11)
	update, err := instruction.UpdateUnit("app", "1.0", "1.1", base, target)
	require.NoError(t, err)
	return update, src
}

func (f *fixture) assertHome(t *testing.T, exp tree) {
	assert.Equal(t, exp, readTree(t, f.fs, home, f.env.SnapshotExclusions()...))
}

func (f *fixture) assertVersion(t *testing.T, exp string) {
	version, ok := f.env.UnitVersion("app")
	if exp == "" {
		assert.False(t, ok, "app should not be installed")
		return
	}
	assert.True(t, ok, "app should be installed")
	assert.Equal(t, exp, version)
}

func (f *fixture) assertNoSessions(t *testing.T) {
	incomplete, err := backup.NewStore(f.fs, f.env.BackupDir()).Incomplete()
	require.NoError(t, err)
	assert.Empty(t, incomplete)
}

func writeTree(t *testing.T, fs afero.Fs, root string, files tree) {
	for path, contents := range files {
		require.NoError(t, afero.WriteFile(fs, filepath.Join(root, path), []byte(contents), 0644))
	}
}

func readTree(t *testing.T, fs afero.Fs, root string, except ...string) tree {
	files := tree{}
	err := afero.Walk(fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == root {
				return nil
			}
			return err
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		for _, name := range except {
			if rel == name {
				return filepath.SkipDir
			}
		}

		if info.Mode().IsRegular() {
			contents, err := afero.ReadFile(fs, path)
			if err != nil {
				return err
			}
			files[filepath.ToSlash(rel)] = string(contents)
		}
		return nil
	})
	require.NoError(t, err)
	return files
}

func TestApplyUpdateAndRollback(t *testing.T) {
	f := newFixture(t)
	base := f.installV10(t)
	f.assertHome(t, v10)
	f.assertVersion(t, "1.0")

	update, src := f.updateUnit(t, base)
	res := f.apply(t, src, update)
	f.assertHome(t, v11)
	f.assertVersion(t, "1.1")
	assert.Equal(t, 2, f.env.History.Len())
	assert.Equal(t, 2, res.Changed())

	appRes, ok := res.Unit("app")
	require.True(t, ok)
	assert.Equal(t, Committed, appRes.State)
	assert.Equal(t, []content.Path{content.MustPath("", "a.txt"), content.MustPath("", "d/d.txt")},
		appRes.Changed)

	res, err := f.engine.RollbackLast(f.env)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Changed())
	f.assertHome(t, v10)
	f.assertVersion(t, "1.0")
	assert.Equal(t, 1, f.env.History.Len())

	// The directory that was only created for the update should be gone.
	exists, err := afero.DirExists(f.fs, filepath.Join(home, "d"))
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = f.engine.RollbackLast(f.env)
	require.NoError(t, err)
	f.assertHome(t, tree{})
	f.assertVersion(t, "")

	_, err = f.engine.RollbackLast(f.env)
	assert.Equal(t, errors.ErrNothingToRollback, err)
	f.assertNoSessions(t)
}

func TestRollbackRestoresModes(t *testing.T) {
	f := newFixture(t)
	base := f.installV10(t)
	require.NoError(t, f.fs.Chmod(filepath.Join(home, "a.txt"), 0755))

	update, src := f.updateUnit(t, base)
	f.apply(t, src, update)

	fi, err := f.fs.Stat(filepath.Join(home, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0755), fi.Mode().Perm())

	_, err = f.engine.RollbackLast(f.env)
	require.NoError(t, err)

	fi, err = f.fs.Stat(filepath.Join(home, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0755), fi.Mode().Perm())
	f.assertHome(t, v10)
}

func TestApplyPersistsEnvironment(t *testing.T) {
	f := newFixture(t)
	base := f.installV10(t)
	update, src := f.updateUnit(t, base)
	f.apply(t, src, update)

	loaded, err := environment.Load(f.fs, home, "")
	require.NoError(t, err)
	version, ok := loaded.UnitVersion("app")
	assert.True(t, ok)
	assert.Equal(t, "1.1", version)
	require.Equal(t, 2, loaded.History.Len())

	entry, _ := loaded.History.Peek()
	assert.True(t, f.clock.Now().Equal(entry.AppliedAt))
	assert.Equal(t, "1.0", entry.Prior["app"].Version)

	// Rolling back with the reloaded environment should work the same.
	_, err = f.engine.RollbackLast(loaded)
	require.NoError(t, err)
	f.assertHome(t, v10)
}

func TestUninstallAndRollback(t *testing.T) {
	f := newFixture(t)
	base := f.installV10(t)

	uninstall, err := instruction.UninstallUnit("app", "1.0", base)
	require.NoError(t, err)
	f.apply(t, content.Sources{}, uninstall)
	f.assertHome(t, tree{})
	f.assertVersion(t, "")

	_, err = f.engine.RollbackLast(f.env)
	require.NoError(t, err)
	f.assertHome(t, v10)
	f.assertVersion(t, "1.0")
}

func TestPatchAndRollback(t *testing.T) {
	f := newFixture(t)
	base := f.installV10(t)

	target, src := f.stage(t, "1.0-p1", tree{"a.txt": "patched", "b/b.txt": "b"})
	patch, err := instruction.PatchUnit("app", "1.0", "p1", base, target)
	require.NoError(t, err)

	f.apply(t, src, patch)
	f.assertHome(t, tree{"a.txt": "patched", "b/b.txt": "b"})
	info, ok := f.env.Unit("app")
	require.True(t, ok)
	assert.Equal(t, []string{"p1"}, info.Patches)
	assert.Equal(t, "1.0", info.Version)

	// Applying the same patch again is a no-op.
	res := f.apply(t, src, patch)
	assert.Empty(t, res.Entry)
	appRes, _ := res.Unit("app")
	assert.Equal(t, Skipped, appRes.State)

	_, err = f.engine.RollbackLast(f.env)
	require.NoError(t, err)
	f.assertHome(t, v10)
	info, _ = f.env.Unit("app")
	assert.Empty(t, info.Patches)
	assert.Equal(t, "1.0", info.Version)
}

func TestApplyPatchNamedLikeRollback(t *testing.T) {
	f := newFixture(t)
	base := f.installV10(t)

	target, src := f.stage(t, "1.0-safety", tree{"a.txt": "patched", "b/b.txt": "b"})
	patch, err := instruction.PatchUnit("app", "1.0", "rollback-safety", base, target)
	require.NoError(t, err)

	res := f.apply(t, src, patch)
	assert.NotEmpty(t, res.Entry)
	assert.Equal(t, 1, res.Changed())
	f.assertHome(t, tree{"a.txt": "patched", "b/b.txt": "b"})
	info, _ := f.env.Unit("app")
	assert.Equal(t, []string{"rollback-safety"}, info.Patches)

	_, err = f.engine.RollbackLast(f.env)
	require.NoError(t, err)
	f.assertHome(t, v10)
	info, _ = f.env.Unit("app")
	assert.Empty(t, info.Patches)
}

func TestApplyRollbackInstruction(t *testing.T) {
	f := newFixture(t)
	base := f.installV10(t)

	target, src := f.stage(t, "1.0-p1", tree{"a.txt": "patched", "b/b.txt": "b"})
	patch, err := instruction.PatchUnit("app", "1.0", "p1", base, target)
	require.NoError(t, err)
	f.apply(t, src, patch)

	// The inverse instruction can also be applied directly, as a new entry.
	f.apply(t, content.Sources{src, content.NewSnapshotSource(f.fs, "/staging/1.0", base)},
		patch.Rollback())
	f.assertHome(t, v10)
	info, _ := f.env.Unit("app")
	assert.Empty(t, info.Patches)
	assert.Equal(t, 3, f.env.History.Len())
}

func TestApplyAlreadyApplied(t *testing.T) {
	f := newFixture(t)
	snapshot, src := f.stage(t, "1.0", v10)
	install, err := instruction.InstallUnit("app", "1.0", snapshot)
	require.NoError(t, err)

	f.apply(t, src, install)
	res := f.apply(t, src, install)
	assert.Empty(t, res.Entry)
	assert.Equal(t, 0, res.Changed())
	appRes, _ := res.Unit("app")
	assert.Equal(t, Skipped, appRes.State)
	assert.Equal(t, 1, f.env.History.Len())
	f.assertHome(t, v10)
}

func TestApplySkipsPathsInDesiredState(t *testing.T) {
	f := newFixture(t)
	base := f.installV10(t)

	// Someone already copied over the new version of a.txt.
	writeTree(t, f.fs, home, tree{"a.txt": "a2"})

	update, src := f.updateUnit(t, base)
	res := f.apply(t, src, update)
	appRes, _ := res.Unit("app")
	assert.Equal(t, []content.Path{content.MustPath("", "d/d.txt")}, appRes.Changed)
	assert.Equal(t, []content.Path{content.MustPath("", "a.txt")}, appRes.Unchanged)

	// The skipped file wasn't backed up, so it's left alone by the rollback.
	_, err := f.engine.RollbackLast(f.env)
	require.NoError(t, err)
	f.assertHome(t, tree{"a.txt": "a2", "b/b.txt": "b"})
}

func TestAddAndRemoveConditions(t *testing.T) {
	f := newFixture(t)
	base := f.installV10(t)
	f.env.SetUnitPolicy("app", environment.Forced)

	// A file that's already gone is treated as removed.
	require.NoError(t, f.fs.Remove(filepath.Join(home, "b/b.txt")))
	uninstall, err := instruction.UninstallUnit("app", "1.0", base)
	require.NoError(t, err)
	res := f.apply(t, content.Sources{}, uninstall)
	appRes, _ := res.Unit("app")
	assert.Equal(t, []content.Path{content.MustPath("", "a.txt")}, appRes.Changed)
	assert.Equal(t, []content.Path{content.MustPath("", "b/b.txt")}, appRes.Unchanged)
	f.assertHome(t, tree{})

	// A file that already exists can't be added, even with the same content
	// and regardless of policy.
	writeTree(t, f.fs, home, tree{"b/b.txt": "b"})
	install, err := instruction.InstallUnit("app", "1.0", base)
	require.NoError(t, err)
	_, err = f.engine.Apply(f.env, instruction.NewEnvironment(install),
		content.NewSnapshotSource(f.fs, "/staging/1.0", base))
	var exists errors.PathExistsError
	assert.True(t, errors.As(err, &exists), "unexpected error: %v", err)
	f.assertHome(t, tree{"b/b.txt": "b"})
	f.assertVersion(t, "")
}

func TestVersionGating(t *testing.T) {
	tests := []struct {
		name      string
		installed string
		expErr    error
	}{
		{
			name:      "WrongVersion",
			installed: "1.0.ALT",
			expErr:    errors.VersionMismatchError{Unit: "app", Expected: "1.0", Actual: "1.0.ALT"},
		},
		{
			name:   "NotInstalled",
			expErr: errors.VersionMismatchError{Unit: "app", Expected: "1.0", Actual: ""},
		},
		{
			name:      "RightVersion",
			installed: "1.0",
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			f := newFixture(t)
			base, src := f.stage(t, "1.0", v10)
			if test.installed != "" {
				install, err := instruction.InstallUnit("app", test.installed, base)
				require.NoError(t, err)
				f.apply(t, src, install)
			}

			update, src := f.updateUnit(t, base)
			_, err := f.engine.Apply(f.env, instruction.NewEnvironment(update), src)
			if test.expErr == nil {
				assert.NoError(t, err)
				f.assertVersion(t, "1.1")
				f.assertHome(t, v11)
				return
			}

			var mismatch errors.VersionMismatchError
			require.True(t, errors.As(err, &mismatch), "unexpected error: %v", err)
			assert.Equal(t, test.expErr, mismatch)
			f.assertVersion(t, test.installed)
			f.assertNoSessions(t)
		})
	}
}

func TestVersionsCheckedBeforeChanges(t *testing.T) {
	f := newFixture(t)
	base := f.installV10(t)

	update, src := f.updateUnit(t, base)
	other, err := instruction.UpdateUnit("other", "1.0", "2.0", nil, nil)
	require.NoError(t, err)

	_, err = f.engine.Apply(f.env, instruction.NewEnvironment(update, other), src)
	var mismatch errors.VersionMismatchError
	assert.True(t, errors.As(err, &mismatch))
	f.assertHome(t, v10)
	f.assertVersion(t, "1.0")
}

func TestExtraConditions(t *testing.T) {
	f := newFixture(t)
	base := f.installV10(t)

	update, src := f.updateUnit(t, base)
	update.Conditions = []condition.Condition{condition.UnitVersion{Unit: "runtime", Version: "2.0"}}

	_, err := f.engine.Apply(f.env, instruction.NewEnvironment(update), src)
	assert.Error(t, err)
	f.assertHome(t, v10)
	f.assertVersion(t, "1.0")

	f.env.SetUnit(unit.New("runtime", "2.0"))
	f.apply(t, src, update)
	f.assertHome(t, v11)
}

func TestConflictPolicies(t *testing.T) {
	tests := []struct {
		name     string
		policy   environment.Policy
		required bool
		expErr   bool
		expHome  tree
	}{
		{
			name:    "Conditioned",
			expErr:  true,
			expHome: tree{"a.txt": "local", "b/b.txt": "b"},
		},
		{
			name:    "Forced",
			policy:  environment.Forced,
			expHome: v11,
		},
		{
			name:    "Ignored",
			policy:  environment.Ignored,
			expHome: tree{"a.txt": "local", "b/b.txt": "b", "d/d.txt": "d"},
		},
		{
			name:     "RequiredIgnoresPolicy",
			policy:   environment.Forced,
			required: true,
			expErr:   true,
			expHome:  tree{"a.txt": "local", "b/b.txt": "b"},
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			f := newFixture(t)
			base := f.installV10(t)
			writeTree(t, f.fs, home, tree{"a.txt": "local"})
			if test.policy != "" {
				f.env.SetUnitPolicy("app", test.policy)
			}

			update, src := f.updateUnit(t, base)
			update.Required = test.required

			_, err := f.engine.Apply(f.env, instruction.NewEnvironment(update), src)
			if test.expErr {
				var conflict errors.ConflictError
				assert.True(t, errors.As(err, &conflict), "unexpected error: %v", err)
				f.assertVersion(t, "1.0")
			} else {
				assert.NoError(t, err)
				f.assertVersion(t, "1.1")
			}
			f.assertHome(t, test.expHome)
			f.assertNoSessions(t)
		})
	}
}

func TestPathPolicyOverridesUnitPolicy(t *testing.T) {
	f := newFixture(t)
	base := f.installV10(t)
	writeTree(t, f.fs, home, tree{"a.txt": "local"})
	f.env.SetUnitPolicy("app", environment.Forced)
	f.env.SetPathPolicy("app", content.MustPath("", "a.txt"), environment.Ignored)

	update, src := f.updateUnit(t, base)
	f.apply(t, src, update)
	f.assertHome(t, tree{"a.txt": "local", "b/b.txt": "b", "d/d.txt": "d"})
}

func TestRollbackConflict(t *testing.T) {
	f := newFixture(t)
	base := f.installV10(t)
	update, src := f.updateUnit(t, base)
	f.apply(t, src, update)

	// Modify files after the update. The rollback processes d/d.txt first,
	// so it's restored before the conflict on a.txt is found.
	writeTree(t, f.fs, home, tree{"a.txt": "local"})

	_, err := f.engine.RollbackLast(f.env)
	var conflict errors.ConflictError
	assert.True(t, errors.As(err, &conflict), "unexpected error: %v", err)
	f.assertHome(t, tree{"a.txt": "local", "b/b.txt": "b", "d/d.txt": "d"})
	f.assertVersion(t, "1.1")
	assert.Equal(t, 2, f.env.History.Len())
	f.assertNoSessions(t)

	f.env.SetUnitPolicy("app", environment.Forced)
	_, err = f.engine.RollbackLast(f.env)
	require.NoError(t, err)
	f.assertHome(t, v10)
	f.assertVersion(t, "1.0")
}

func TestApplyFailureRestoresFiles(t *testing.T) {
	tests := []struct {
		name    string
		corrupt func(t *testing.T, fs afero.Fs)
		expErr  error
	}{
		{
			name: "MissingContent",
			corrupt: func(t *testing.T, fs afero.Fs) {
				require.NoError(t, fs.Remove("/staging/1.1/d/d.txt"))
			},
		},
		{
			name: "ContentMismatch",
			corrupt: func(t *testing.T, fs afero.Fs) {
				writeTree(t, fs, "/staging/1.1", tree{"d/d.txt": "corrupted"})
			},
			expErr: errors.ErrContentMismatch,
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			f := newFixture(t)
			base := f.installV10(t)
			update, src := f.updateUnit(t, base)
			test.corrupt(t, f.fs)

			_, err := f.engine.Apply(f.env, instruction.NewEnvironment(update), src)
			require.Error(t, err)
			if test.expErr != nil {
				assert.True(t, errors.Is(err, test.expErr), "unexpected error: %v", err)
			}

			// a.txt was already replaced when d/d.txt failed.
			f.assertHome(t, v10)
			f.assertVersion(t, "1.0")
			assert.Equal(t, 1, f.env.History.Len())
			f.assertNoSessions(t)
		})
	}
}

func TestCheck(t *testing.T) {
	f := newFixture(t)
	base := f.installV10(t)
	writeTree(t, f.fs, home, tree{"a.txt": "a2"})

	update, _ := f.updateUnit(t, base)
	res, err := f.engine.Check(f.env, instruction.NewEnvironment(update))
	require.NoError(t, err)

	appRes, _ := res.Unit("app")
	assert.Equal(t, ConditionsChecked, appRes.State)
	assert.Equal(t, []content.Path{content.MustPath("", "d/d.txt")}, appRes.Changed)
	assert.Equal(t, []content.Path{content.MustPath("", "a.txt")}, appRes.Unchanged)
	f.assertHome(t, tree{"a.txt": "a2", "b/b.txt": "b"})
	f.assertVersion(t, "1.0")
	assert.Equal(t, 1, f.env.History.Len())

	writeTree(t, f.fs, home, tree{"a.txt": "local"})
	_, err = f.engine.Check(f.env, instruction.NewEnvironment(update))
	var conflict errors.ConflictError
	assert.True(t, errors.As(err, &conflict))
}

type mockTaskRunner struct {
	ran  []string
	fail map[string]bool
}

func (runner *mockTaskRunner) Run(u instruction.Unit, task instruction.Task) error {
	runner.ran = append(runner.ran, u.Name+"/"+task.Name)
	if runner.fail[task.Name] {
		return errors.Errorf("task %s failed", task.Name)
	}
	return nil
}

func TestTasks(t *testing.T) {
	f := newFixture(t)
	runner := &mockTaskRunner{fail: map[string]bool{"restart": true}}
	f.engine.tasks = runner

	snapshot, src := f.stage(t, "1.0", v10)
	install, err := instruction.NewUnit("app").
		Version("1.0").
		Items(instruction.Diff(nil, snapshot)...).
		Task(instruction.Task{Name: "reload"}, instruction.Task{Name: "restart"}).
		Build()
	require.NoError(t, err)

	res := f.apply(t, src, install)
	assert.Equal(t, []string{"app/reload", "app/restart"}, runner.ran)
	require.Len(t, res.TaskErrors, 1)
	assert.True(t, strings.Contains(res.TaskErrors[0].Error(), "restart"))

	// Task failures don't undo the apply.
	f.assertHome(t, v10)
	f.assertVersion(t, "1.0")

	// Tasks aren't run for rollbacks.
	_, err = f.engine.RollbackLast(f.env)
	require.NoError(t, err)
	assert.Len(t, runner.ran, 2)
}

func TestMultipleUnits(t *testing.T) {
	f := newFixture(t)
	f.env.Locations["conf"] = "/etc/app"

	appSnapshot, appSrc := f.stage(t, "app", tree{"bin/app": "app"})
	confRoot := "/staging/conf"
	writeTree(t, f.fs, confRoot, tree{"app.conf": "conf"})
	confSnapshot, err := content.SnapshotDir(f.fs, confRoot, "conf")
	require.NoError(t, err)
	confSrc := content.NewSnapshotSource(f.fs, confRoot, confSnapshot)

	app, err := instruction.InstallUnit("app", "1.0", appSnapshot)
	require.NoError(t, err)
	conf, err := instruction.InstallUnit("conf", "3", confSnapshot)
	require.NoError(t, err)

	f.apply(t, content.Sources{appSrc, confSrc}, app, conf)
	f.assertHome(t, tree{"bin/app": "app"})
	assert.Equal(t, tree{"app.conf": "conf"}, readTree(t, f.fs, "/etc/app"))
	assert.Equal(t, 1, f.env.History.Len())

	_, err = f.engine.RollbackLast(f.env)
	require.NoError(t, err)
	f.assertHome(t, tree{})
	assert.Equal(t, tree{}, readTree(t, f.fs, "/etc/app"))
	assert.Empty(t, f.env.Units)
}
