package diff

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/sidkik/provision/cmd/util"
	"github.com/sidkik/provision/pkg/content"
	"github.com/sidkik/provision/pkg/errors"
	"github.com/sidkik/provision/pkg/instruction"
	"github.com/sidkik/provision/pkg/pack"
)

type options struct {
	unit     string
	from     string
	to       string
	patch    string
	location string
	base     string
	target   string
	out      string
}

// New creates a new `diff` command.
func New() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:   "diff",
		Short: "Build the instruction that moves a unit between two trees",
		Long: "Compares the base and target directories, and builds the " +
			"instruction that turns the base into the target.\n\n" +
			"Without --from, the instruction installs the target. Without --to, " +
			"it uninstalls the base. With --patch, the version stays the same.\n\n" +
			"If --out is set, the instruction is written as a package along with " +
			"the content it needs. Otherwise, it's printed.",
		Run: func(_ *cobra.Command, _ []string) {
			if err := run(afero.NewOsFs(), opts); err != nil {
				util.HandleFatalError(err)
			}
		},
	}

	cmd.Flags().StringVar(&opts.unit, "unit", "", "The name of the unit")
	cmd.Flags().StringVar(&opts.from, "from", "", "The version of the base tree")
	cmd.Flags().StringVar(&opts.to, "to", "", "The version of the target tree")
	cmd.Flags().StringVar(&opts.patch, "patch", "", "The ID of the patch")
	cmd.Flags().StringVar(&opts.location, "location", "",
		"The location that the unit is installed to. Defaults to the home directory")
	cmd.Flags().StringVar(&opts.base, "base", "", "The directory containing the base tree")
	cmd.Flags().StringVar(&opts.target, "target", "", "The directory containing the target tree")
	cmd.Flags().StringVarP(&opts.out, "out", "o", "", "The directory to write the package to")
	return cmd
}

func run(fs afero.Fs, opts options) error {
	if opts.unit == "" {
		return errors.NewFriendlyError("The --unit flag is required.")
	}

	base, err := snapshot(fs, opts.base, opts.location)
	if err != nil {
		return errors.WithContext(err, "snapshot base")
	}

	target, err := snapshot(fs, opts.target, opts.location)
	if err != nil {
		return errors.WithContext(err, "snapshot target")
	}

	u, err := buildUnit(opts, base, target)
	if err != nil {
		return errors.WithContext(err, "build instruction")
	}
	log.WithField("items", len(u.Items)).Debugf("Built %s", u)

	instr := instruction.NewEnvironment(u)
	if opts.out == "" {
		instrBytes, err := instruction.Marshal(instr)
		if err != nil {
			return errors.WithContext(err, "marshal")
		}
		_, err = os.Stdout.Write(instrBytes)
		return err
	}

	src := content.NewSnapshotSource(fs, opts.target, target)
	if err := pack.Build(fs, opts.out, instr, src); err != nil {
		return errors.WithContext(err, "build package")
	}
	fmt.Printf("Wrote %s with %d change(s) to %s\n", u, len(u.Items), opts.out)
	return nil
}

func buildUnit(opts options, base, target content.Snapshot) (instruction.Unit, error) {
	switch {
	case opts.patch != "":
		version := opts.to
		if version == "" {
			version = opts.from
		}
		return instruction.PatchUnit(opts.unit, version, opts.patch, base, target)
	case opts.from == "":
		return instruction.InstallUnit(opts.unit, opts.to, target)
	case opts.to == "":
		return instruction.UninstallUnit(opts.unit, opts.from, base)
	default:
		return instruction.UpdateUnit(opts.unit, opts.from, opts.to, base, target)
	}
}

// snapshot returns the snapshot of dir, or an empty snapshot if dir isn't
// set.
func snapshot(fs afero.Fs, dir, location string) (content.Snapshot, error) {
	if dir == "" {
		return content.Snapshot{}, nil
	}
	return content.SnapshotDir(fs, dir, location)
}
