package location

import (
	"fmt"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/sidkik/provision/cmd/util"
	"github.com/sidkik/provision/pkg/errors"
)

// New creates a new `location` command.
func New() *cobra.Command {
	var envFlags util.EnvironmentFlags
	cmd := &cobra.Command{
		Use:   "location <name> <path>",
		Short: "Map a location name to a directory",
		Long: "Packages refer to files outside of the installation directory " +
			"through named locations. This sets the directory that a location " +
			"refers to on this machine.",
		Args: cobra.ExactArgs(2),
		Run: func(_ *cobra.Command, args []string) {
			if err := run(afero.NewOsFs(), envFlags, args[0], args[1]); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	envFlags.Register(cmd.Flags())
	return cmd
}

func run(fs afero.Fs, envFlags util.EnvironmentFlags, name, path string) error {
	if name == "" || strings.ContainsAny(name, "=:") {
		return errors.NewFriendlyError("Location names can't be empty, "+
			"or contain '=' or ':'. Got %q.", name)
	}

	env, l, err := envFlags.LoadLocked(fs)
	if err != nil {
		return err
	}
	defer func() {
		if err := l.Release(); err != nil {
			log.WithError(err).Warn("Failed to release lock")
		}
	}()

	if !strings.HasPrefix(path, "~") {
		if path, err = filepath.Abs(path); err != nil {
			return errors.WithContext(err, "get absolute path")
		}
	}

	env.Locations[name] = path
	if err := env.Save(); err != nil {
		return errors.WithContext(err, "save environment")
	}
	fmt.Printf("Location %s now refers to %s.\n", name, path)
	return nil
}
