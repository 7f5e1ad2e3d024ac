package version

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sidkik/provision/pkg/version"
)

// New creates a new `version` command.
func New() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of provision",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("provision version: %s\n", version.String())
		},
	}
}
