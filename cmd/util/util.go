package util

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"

	homedir "github.com/mitchellh/go-homedir"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/pflag"

	"github.com/sidkik/provision/pkg/config"
	"github.com/sidkik/provision/pkg/environment"
	"github.com/sidkik/provision/pkg/errors"
	"github.com/sidkik/provision/pkg/lock"
)

// HandleFatalError handles errors that are severe enough to terminate the
// program. Friendly errors are printed as is, everything else is logged.
func HandleFatalError(err error) {
	if friendly, ok := errors.RootCause(err).(errors.Friendly); ok {
		fmt.Fprintln(os.Stderr, friendly.FriendlyMessage())
		log.WithError(err).Debug("Fatal error")
	} else {
		log.WithError(err).Error("Fatal error")
	}
	os.Exit(1)
}

// HandlePanic logs the stack trace of a panic before exiting. It must be
// deferred.
func HandlePanic() {
	if r := recover(); r != nil {
		log.WithField("stack", string(debug.Stack())).Errorf("Panic: %v", r)
		os.Exit(1)
	}
}

// parseUserConfig is mocked in unit tests.
var parseUserConfig = config.ParseUser

// EnvironmentFlags select the environment a command operates on. Flags that
// aren't set fall back to the user config.
type EnvironmentFlags struct {
	Home     string
	StateDir string
}

// Register adds the flags to a command.
func (f *EnvironmentFlags) Register(flags *pflag.FlagSet) {
	flags.StringVar(&f.Home, "home", "",
		"The installation directory. Defaults to the home in "+config.UserConfigPath)
	flags.StringVar(&f.StateDir, "state-dir", "",
		"Where the environment's state is kept. Defaults to <home>/"+
			environment.DefaultStateDirName)
}

// Load reads the selected environment from disk.
func (f EnvironmentFlags) Load(fs afero.Fs) (*environment.Environment, error) {
	home, stateDir, err := f.resolve()
	if err != nil {
		return nil, err
	}

	env, err := environment.Load(fs, home, stateDir)
	if err != nil {
		return nil, errors.WithContext(err, "load environment")
	}
	return env, nil
}

// LoadLocked takes the environment's lock before reading it. The caller must
// release the lock once it's done with the environment.
func (f EnvironmentFlags) LoadLocked(fs afero.Fs) (*environment.Environment, *lock.Lock, error) {
	home, stateDir, err := f.resolve()
	if err != nil {
		return nil, nil, err
	}

	l, err := lock.Acquire(stateDir)
	if err != nil {
		return nil, nil, err
	}

	env, err := environment.Load(fs, home, stateDir)
	if err != nil {
		if releaseErr := l.Release(); releaseErr != nil {
			log.WithError(releaseErr).Warn("Failed to release lock")
		}
		return nil, nil, errors.WithContext(err, "load environment")
	}
	return env, l, nil
}

// resolve returns the home and state directory, falling back to the user
// config for anything that wasn't passed as a flag.
func (f EnvironmentFlags) resolve() (string, string, error) {
	home, stateDir := f.Home, f.StateDir
	if home == "" || stateDir == "" {
		userConfig, err := parseUserConfig()
		if err != nil {
			return "", "", errors.WithContext(err, "parse user config")
		}
		if home == "" {
			home = userConfig.Home
		}
		if stateDir == "" {
			stateDir = userConfig.StateDir
		}
	}

	if home == "" {
		return "", "", errors.NewFriendlyError("No installation directory is configured.\n" +
			"Pass --home, or set `home` in " + config.UserConfigPath + ".")
	}

	home, err := homedir.Expand(home)
	if err != nil {
		return "", "", errors.WithContext(err, "expand home")
	}
	if stateDir == "" {
		stateDir = filepath.Join(home, environment.DefaultStateDirName)
	}
	return home, stateDir, nil
}
