package recover

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/sidkik/provision/cmd/util"
	"github.com/sidkik/provision/pkg/errors"
	"github.com/sidkik/provision/pkg/provision"
)

// New creates a new `recover` command.
func New() *cobra.Command {
	var envFlags util.EnvironmentFlags
	var discardMalformed bool
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Undo operations that were interrupted",
		Long: "Restores the files changed by applies and rollbacks that didn't " +
			"finish, for example because the machine crashed. Other commands " +
			"refuse to run until this is done.",
		Args: cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			if err := run(afero.NewOsFs(), envFlags, discardMalformed); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	envFlags.Register(cmd.Flags())
	cmd.Flags().BoolVar(&discardMalformed, "discard-malformed", false,
		"Remove damaged backups that can't be restored, instead of failing")
	return cmd
}

func run(fs afero.Fs, envFlags util.EnvironmentFlags, discardMalformed bool) error {
	env, l, err := envFlags.LoadLocked(fs)
	if err != nil {
		return err
	}
	defer func() {
		if err := l.Release(); err != nil {
			log.WithError(err).Warn("Failed to release lock")
		}
	}()

	var opts []provision.RecoverOption
	if discardMalformed {
		opts = append(opts, provision.DiscardMalformed())
	}

	recovered, err := provision.New(fs).Recover(env, opts...)
	for _, id := range recovered {
		fmt.Printf("Recovered interrupted operation %s.\n", id)
	}
	if err != nil {
		return errors.WithContext(err, "recover")
	}

	if len(recovered) == 0 {
		fmt.Println("Nothing to recover.")
	}
	return nil
}
