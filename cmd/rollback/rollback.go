package rollback

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/sidkik/provision/cmd/util"
	"github.com/sidkik/provision/pkg/errors"
	"github.com/sidkik/provision/pkg/provision"
)

var errNothingToRollback = errors.NewFriendlyError("Nothing to roll back. " +
	"No applied packages are recorded for this environment.")

// New creates a new `rollback` command.
func New() *cobra.Command {
	var envFlags util.EnvironmentFlags
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Undo the most recently applied package",
		Long: "Restores the files changed by the most recently applied package " +
			"to exactly what they were before, and resets the versions of its " +
			"units.",
		Args: cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			if err := run(afero.NewOsFs(), envFlags); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	envFlags.Register(cmd.Flags())
	return cmd
}

func run(fs afero.Fs, envFlags util.EnvironmentFlags) error {
	env, l, err := envFlags.LoadLocked(fs)
	if err != nil {
		return err
	}
	defer func() {
		if err := l.Release(); err != nil {
			log.WithError(err).Warn("Failed to release lock")
		}
	}()

	res, err := provision.New(fs).RollbackLast(env)
	if errors.Is(err, errors.ErrNothingToRollback) {
		return errNothingToRollback
	}

	util.PrintResult(os.Stdout, res)
	if err != nil {
		return errors.WithContext(err, "roll back")
	}
	fmt.Printf("Rolled back %s.\n", res.Entry)
	return nil
}
