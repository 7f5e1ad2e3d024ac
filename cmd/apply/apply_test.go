package apply

import (
	"bytes"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/provision/cmd/util"
	"github.com/sidkik/provision/pkg/content"
	"github.com/sidkik/provision/pkg/environment"
	"github.com/sidkik/provision/pkg/errors"
	"github.com/sidkik/provision/pkg/instruction"
	"github.com/sidkik/provision/pkg/pack"
)

const home = "/opt/app"

// buildPack writes a package that installs files as version 1.0 of "app".
func buildPack(t *testing.T, fs afero.Fs, dir string, files map[string]string) {
	staging := filepath.Join("/staging", filepath.Base(dir))
	for path, contents := range files {
		require.NoError(t, afero.WriteFile(fs, filepath.Join(staging, path), []byte(contents), 0644))
	}

	snapshot, err := content.SnapshotDir(fs, staging, "")
	require.NoError(t, err)
	install, err := instruction.InstallUnit("app", "1.0", snapshot)
	require.NoError(t, err)

	src := content.NewSnapshotSource(fs, staging, snapshot)
	require.NoError(t, pack.Build(fs, dir, instruction.NewEnvironment(install), src))
}

func envFlags(t *testing.T) (util.EnvironmentFlags, func()) {
	dir, err := ioutil.TempDir("", "provision-apply")
	require.NoError(t, err)
	flags := util.EnvironmentFlags{Home: home, StateDir: filepath.Join(dir, "state")}
	return flags, func() { os.RemoveAll(dir) }
}

func TestRun(t *testing.T) {
	files := map[string]string{"a.txt": "a", "b/b.txt": "b"}

	tests := []struct {
		name      string
		dryRun    bool
		existing  map[string]string
		expFiles  map[string]string
		expError  bool
		expUnitAt string
	}{
		{
			name:      "Apply",
			expFiles:  files,
			expUnitAt: "1.0",
		},
		{
			name:     "DryRun",
			dryRun:   true,
			expFiles: map[string]string{},
		},
		{
			name:     "DryRunConflict",
			dryRun:   true,
			existing: map[string]string{"a.txt": "local"},
			expFiles: map[string]string{"a.txt": "local"},
			expError: true,
		},
		{
			name:     "Conflict",
			existing: map[string]string{"a.txt": "local"},
			expFiles: map[string]string{"a.txt": "local"},
			expError: true,
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			flags, cleanup := envFlags(t)
			defer cleanup()

			fs := afero.NewMemMapFs()
			buildPack(t, fs, "/pkg", files)
			for path, contents := range test.existing {
				require.NoError(t, afero.WriteFile(fs, filepath.Join(home, path), []byte(contents), 0644))
			}

			err := run(fs, flags, "/pkg", test.dryRun)
			if test.expError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}

			for path, contents := range test.expFiles {
				actual, err := afero.ReadFile(fs, filepath.Join(home, path))
				require.NoError(t, err)
				assert.Equal(t, contents, string(actual))
			}
			if len(test.expFiles) == 0 {
				exists, err := afero.Exists(fs, filepath.Join(home, "a.txt"))
				require.NoError(t, err)
				assert.False(t, exists)
			}

			env, err := environment.Load(fs, flags.Home, flags.StateDir)
			require.NoError(t, err)
			version, _ := env.UnitVersion("app")
			assert.Equal(t, test.expUnitAt, version)
		})
	}
}

func TestRunTwice(t *testing.T) {
	flags, cleanup := envFlags(t)
	defer cleanup()

	fs := afero.NewMemMapFs()
	buildPack(t, fs, "/pkg", map[string]string{"a.txt": "a"})
	require.NoError(t, run(fs, flags, "/pkg", false))
	require.NoError(t, run(fs, flags, "/pkg", false))

	env, err := environment.Load(fs, flags.Home, flags.StateDir)
	require.NoError(t, err)
	assert.Equal(t, 1, env.History.Len())
}

func TestRunMissingPackage(t *testing.T) {
	flags, cleanup := envFlags(t)
	defer cleanup()

	err := run(afero.NewMemMapFs(), flags, "/missing", false)
	var notFound errors.FileNotFound
	assert.True(t, errors.As(err, &notFound), "unexpected error: %v", err)
}

func TestTaskPrinter(t *testing.T) {
	out := bytes.NewBuffer(nil)
	u := instruction.Unit{Name: "app", Version: "1.0"}
	task := instruction.Task{
		Name:   "restart",
		Params: map[string]string{"service": "app", "delay": "5s"},
	}

	require.NoError(t, taskPrinter{out}.Run(u, task))
	assert.Equal(t, "Run task \"restart\" for app delay=5s service=app\n", out.String())
}
