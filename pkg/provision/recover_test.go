package provision

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/provision/pkg/backup"
	"github.com/sidkik/provision/pkg/content"
	"github.com/sidkik/provision/pkg/errors"
	"github.com/sidkik/provision/pkg/instruction"
)

func TestRecoverInterruptedApply(t *testing.T) {
	f := newFixture(t)
	f.installV10(t)

	// Simulate an apply that crashed right after overwriting a.txt.
	store := backup.NewStore(f.fs, f.env.BackupDir())
	sess, err := store.Create("crashed")
	require.NoError(t, err)
	replace := instruction.ReplaceItem(content.MustPath("", "a.txt"),
		content.HashBytes([]byte("a")), content.HashBytes([]byte("a2")))
	require.NoError(t, sess.Capture("app", replace, home, filepath.Join(home, "a.txt")))
	writeTree(t, f.fs, home, tree{"a.txt": "a2"})

	update, src := f.updateUnit(t, nil)
	_, err = f.engine.Apply(f.env, instruction.NewEnvironment(update), src)
	assert.Equal(t, errors.InterruptedError{Sessions: []string{"crashed"}}, err)

	_, err = f.engine.RollbackLast(f.env)
	assert.Equal(t, errors.InterruptedError{Sessions: []string{"crashed"}}, err)

	recovered, err := f.engine.Recover(f.env)
	require.NoError(t, err)
	assert.Equal(t, []string{"crashed"}, recovered)
	f.assertHome(t, v10)
	f.assertVersion(t, "1.0")
	assert.Equal(t, 1, f.env.History.Len())
	f.assertNoSessions(t)

	// Operations work again once the environment is recovered.
	_, err = f.engine.RollbackLast(f.env)
	require.NoError(t, err)
	f.assertHome(t, tree{})
}

func TestRecoverInterruptedCommit(t *testing.T) {
	f := newFixture(t)
	base := f.installV10(t)
	update, src := f.updateUnit(t, base)
	f.apply(t, src, update)

	// Simulate a crash after the environment was saved, but before the
	// session was finalized.
	entry, ok := f.env.History.Peek()
	require.True(t, ok)
	sessionPath := filepath.Join(f.env.BackupDir(), entry.Session, "session.yaml")
	data, err := afero.ReadFile(f.fs, sessionPath)
	require.NoError(t, err)
	data = bytes.Replace(data, []byte("complete: true"), []byte("complete: false"), 1)
	require.NoError(t, afero.WriteFile(f.fs, sessionPath, data, 0644))

	recovered, err := f.engine.Recover(f.env)
	require.NoError(t, err)
	assert.Equal(t, []string{entry.Session}, recovered)
	f.assertHome(t, v10)
	f.assertVersion(t, "1.0")
	assert.Equal(t, 1, f.env.History.Len())
	f.assertNoSessions(t)
}

func TestRecoverInterruptedRollback(t *testing.T) {
	f := newFixture(t)
	base := f.installV10(t)
	update, src := f.updateUnit(t, base)
	f.apply(t, src, update)
	entry, _ := f.env.History.Peek()

	// Simulate a rollback that crashed after restoring a.txt and saving the
	// environment, but before popping the history entry.
	store := backup.NewStore(f.fs, f.env.BackupDir())
	undo, err := store.CreateUndo("undo", entry.ID)
	require.NoError(t, err)
	restore := instruction.ReplaceItem(content.MustPath("", "a.txt"),
		content.HashBytes([]byte("a2")), content.HashBytes([]byte("a")))
	require.NoError(t, undo.Capture("app", restore, home, filepath.Join(home, "a.txt")))
	writeTree(t, f.fs, home, tree{"a.txt": "a"})
	revertUnits(f.env, entry.Prior)
	require.NoError(t, f.env.Save())

	recovered, err := f.engine.Recover(f.env)
	require.NoError(t, err)
	assert.Equal(t, []string{"undo"}, recovered)
	f.assertHome(t, v11)
	f.assertVersion(t, "1.1")
	assert.Equal(t, 2, f.env.History.Len())
	f.assertNoSessions(t)

	// The rollback can be retried.
	_, err = f.engine.RollbackLast(f.env)
	require.NoError(t, err)
	f.assertHome(t, v10)
	f.assertVersion(t, "1.0")
}

func TestRecoverCleansUp(t *testing.T) {
	f := newFixture(t)
	f.installV10(t)
	store := backup.NewStore(f.fs, f.env.BackupDir())

	// A rollback that committed but crashed before removing its session.
	_, err := store.CreateUndo("committed-rollback", "popped-entry")
	require.NoError(t, err)

	// An apply that crashed before its session was written.
	require.NoError(t, f.fs.MkdirAll(filepath.Join(f.env.BackupDir(), "abandoned"), 0755))

	// A finalized session that no history entry refers to.
	orphan, err := store.Create("orphan")
	require.NoError(t, err)
	require.NoError(t, orphan.Finalize())

	recovered, err := f.engine.Recover(f.env)
	require.NoError(t, err)
	assert.Empty(t, recovered)
	f.assertHome(t, v10)

	entry, _ := f.env.History.Peek()
	ids, err := store.List()
	require.NoError(t, err)
	assert.Equal(t, []string{entry.Session}, ids)
}

func TestRecoverNothingToDo(t *testing.T) {
	f := newFixture(t)
	recovered, err := f.engine.Recover(f.env)
	assert.NoError(t, err)
	assert.Empty(t, recovered)

	f.installV10(t)
	recovered, err = f.engine.Recover(f.env)
	assert.NoError(t, err)
	assert.Empty(t, recovered)
	assert.Equal(t, 1, f.env.History.Len())
}

func TestRecoverMalformedSession(t *testing.T) {
	f := newFixture(t)
	f.installV10(t)

	dir := filepath.Join(f.env.BackupDir(), "damaged")
	require.NoError(t, afero.WriteFile(f.fs, filepath.Join(dir, "session.yaml"),
		[]byte("records: {"), 0644))

	_, err := f.engine.Recover(f.env)
	var malformed MalformedSessionError
	require.True(t, errors.As(err, &malformed), "unexpected error: %v", err)
	assert.Equal(t, "damaged", malformed.ID)
	assert.Equal(t, dir, malformed.Dir)
	_, friendly := errors.RootCause(err).(errors.Friendly)
	assert.True(t, friendly)

	// The session still blocks other operations.
	_, err = f.engine.RollbackLast(f.env)
	assert.Equal(t, errors.InterruptedError{Sessions: []string{"damaged"}}, err)

	recovered, err := f.engine.Recover(f.env, DiscardMalformed())
	require.NoError(t, err)
	assert.Empty(t, recovered)
	f.assertNoSessions(t)
	f.assertHome(t, v10)
	assert.Equal(t, 1, f.env.History.Len())

	_, err = f.engine.RollbackLast(f.env)
	assert.NoError(t, err)
}
