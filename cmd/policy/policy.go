package policy

import (
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/sidkik/provision/cmd/util"
	"github.com/sidkik/provision/pkg/content"
	"github.com/sidkik/provision/pkg/environment"
	"github.com/sidkik/provision/pkg/errors"
)

// New creates a new `policy` command.
func New() *cobra.Command {
	var envFlags util.EnvironmentFlags
	var path string
	cmd := &cobra.Command{
		Use:   "policy <unit> <FORCED|CONDITIONED|IGNORED>",
		Short: "Set how local modifications to a unit's files are handled",
		Long: "Sets the update policy of a unit, or of a single path within it.\n\n" +
			"CONDITIONED fails the apply when a file was modified locally. " +
			"FORCED overwrites the modification, and IGNORED keeps it. " +
			"Files that the package marks as required always fail.",
		Args: cobra.ExactArgs(2),
		Run: func(_ *cobra.Command, args []string) {
			if err := run(afero.NewOsFs(), envFlags, args[0], args[1], path); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	envFlags.Register(cmd.Flags())
	cmd.Flags().StringVar(&path, "path", "",
		"Only set the policy for this path, written as [location:]relative-path")
	return cmd
}

func run(fs afero.Fs, envFlags util.EnvironmentFlags, unitName, policyStr, path string) error {
	policy, err := environment.ParsePolicy(policyStr)
	if err != nil {
		return err
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

	if err := setPolicy(env, unitName, policy, path); err != nil {
		return err
	}

	if err := env.Save(); err != nil {
		return errors.WithContext(err, "save environment")
	}
	fmt.Printf("Set the policy of %s to %s.\n", unitName, policy)
	return nil
}

func setPolicy(env *environment.Environment, unitName string, policy environment.Policy,
	path string) error {
	if path == "" {
		env.SetUnitPolicy(unitName, policy)
		return nil
	}

	var location string
	relativePath := path
	if parts := strings.SplitN(path, ":", 2); len(parts) == 2 {
		location, relativePath = parts[0], parts[1]
	}

	p, err := content.NewPath(location, relativePath)
	if err != nil {
		return errors.WithContext(err, "parse path")
	}
	env.SetPathPolicy(unitName, p, policy)
	return nil
}
