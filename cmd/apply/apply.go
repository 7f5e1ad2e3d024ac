package apply

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/sidkik/provision/cmd/util"
	"github.com/sidkik/provision/pkg/errors"
	"github.com/sidkik/provision/pkg/instruction"
	"github.com/sidkik/provision/pkg/pack"
	"github.com/sidkik/provision/pkg/provision"
)

// New creates a new `apply` command.
func New() *cobra.Command {
	var envFlags util.EnvironmentFlags
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "apply <package>",
		Short: "Apply a package to the installation",
		Long: "Applies the instruction in the package to the installation. " +
			"Files that were modified locally are conflicts, and are handled " +
			"according to the unit's update policy.\n\n" +
			"If anything fails, every file that was changed is restored.",
		Args: cobra.ExactArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			if err := run(afero.NewOsFs(), envFlags, args[0], dryRun); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	envFlags.Register(cmd.Flags())
	cmd.Flags().BoolVar(&dryRun, "dry-run", false,
		"Check the package against the installation without changing anything")
	return cmd
}

func run(fs afero.Fs, envFlags util.EnvironmentFlags, dir string, dryRun bool) error {
	env, l, err := envFlags.LoadLocked(fs)
	if err != nil {
		return err
	}
	defer func() {
		if err := l.Release(); err != nil {
			log.WithError(err).Warn("Failed to release lock")
		}
	}()

	instr, src, err := pack.Open(fs, dir)
	if err != nil {
		return errors.WithContext(err, "open package")
	}

	engine := provision.New(fs, provision.WithTaskRunner(taskPrinter{os.Stdout}))
	if dryRun {
		res, err := engine.Check(env, instr)
		util.PrintResult(os.Stdout, res)
		if err != nil {
			return errors.WithContext(err, "check")
		}
		fmt.Println("Dry run. Nothing was changed.")
		return nil
	}

	res, err := engine.Apply(env, instr, src)
	util.PrintResult(os.Stdout, res)
	if err != nil {
		return errors.WithContext(err, "apply")
	}

	if res.Entry == "" {
		fmt.Println("Nothing to do.")
	}
	return nil
}

// taskPrinter hands post-apply tasks off to the user by printing them.
type taskPrinter struct {
	out io.Writer
}

func (tp taskPrinter) Run(u instruction.Unit, task instruction.Task) error {
	var params []string
	for k, v := range task.Params {
		params = append(params, k+"="+v)
	}
	sort.Strings(params)

	_, err := fmt.Fprintf(tp.out, "Run task %q for %s %s\n", task.Name, u.Name,
		strings.Join(params, " "))
	return err
}
