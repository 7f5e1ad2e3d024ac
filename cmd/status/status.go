package status

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/buger/goterm"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/sidkik/provision/cmd/util"
	"github.com/sidkik/provision/pkg/backup"
	"github.com/sidkik/provision/pkg/environment"
	"github.com/sidkik/provision/pkg/errors"
	"github.com/sidkik/provision/pkg/instruction"
)

// New creates a new `status` command.
func New() *cobra.Command {
	var envFlags util.EnvironmentFlags
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the installed units and the history of applied packages",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			fs := afero.NewOsFs()
			env, err := envFlags.Load(fs)
			if err != nil {
				util.HandleFatalError(err)
			}

			if err := printStatus(os.Stdout, env); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	envFlags.Register(cmd.Flags())
	return cmd
}

func printStatus(w io.Writer, env *environment.Environment) error {
	fmt.Fprintf(w, "Home:      %s\n", env.Home)
	fmt.Fprintf(w, "State:     %s\n", env.StateDir)
	policy := env.DefaultPolicy
	if policy == "" {
		policy = environment.Conditioned
	}
	fmt.Fprintf(w, "Policy:    %s\n", policy)

	var locations []string
	for name := range env.Locations {
		locations = append(locations, name)
	}
	sort.Strings(locations)
	for _, name := range locations {
		fmt.Fprintf(w, "Location:  %s = %s\n", name, env.Locations[name])
	}

	incomplete, err := backup.NewStore(env.Fs(), env.BackupDir()).Incomplete()
	if err != nil {
		return errors.WithContext(err, "check for interrupted operations")
	}
	if len(incomplete) != 0 {
		fmt.Fprintln(w, goterm.Color(fmt.Sprintf("\n%d interrupted operation(s). "+
			"Run `provision recover`.", len(incomplete)), goterm.RED))
	}

	fmt.Fprintln(w)
	units := goterm.NewTable(0, 8, 2, ' ', 0)
	fmt.Fprintln(units, "UNIT\tVERSION\tPATCHES\tPOLICY")
	var names []string
	for name := range env.Units {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		info := env.Units[name]
		patches := strings.Join(info.Patches, ",")
		if patches == "" {
			patches = "-"
		}
		fmt.Fprintf(units, "%s\t%s\t%s\t%s\n", name, info.Version, patches, unitPolicy(env, name))
	}
	fmt.Fprint(w, units)

	fmt.Fprintln(w)
	history := goterm.NewTable(0, 8, 2, ' ', 0)
	fmt.Fprintln(history, "ENTRY\tAPPLIED\tCHANGES")
	entries := env.History.Entries()
	for i := len(entries) - 1; i >= 0; i-- {
		entry := entries[i]
		fmt.Fprintf(history, "%s\t%s\t%s\n", entry.ID,
			entry.AppliedAt.Local().Format("2006-01-02 15:04:05"),
			describe(entry.Instruction))
	}
	fmt.Fprint(w, history)
	return nil
}

func unitPolicy(env *environment.Environment, name string) string {
	up := env.Policies[name]
	policy := string(up.Default)
	if policy == "" {
		policy = "-"
	}
	if len(up.Paths) != 0 {
		policy += fmt.Sprintf(" (+%d path override(s))", len(up.Paths))
	}
	return policy
}

func describe(instr instruction.Environment) string {
	var changes []string
	for _, u := range instr.Units() {
		desc := u.String()
		if u.Kind() == instruction.Update {
			desc += fmt.Sprintf(" (%s)", u.Direction())
		}
		changes = append(changes, desc)
	}
	return strings.Join(changes, "; ")
}
