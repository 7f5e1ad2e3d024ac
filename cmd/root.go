package cmd

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sidkik/provision/cmd/apply"
	configCmd "github.com/sidkik/provision/cmd/config"
	"github.com/sidkik/provision/cmd/diff"
	"github.com/sidkik/provision/cmd/location"
	"github.com/sidkik/provision/cmd/policy"
	recoverCmd "github.com/sidkik/provision/cmd/recover"
	"github.com/sidkik/provision/cmd/rollback"
	"github.com/sidkik/provision/cmd/status"
	"github.com/sidkik/provision/cmd/util"
	"github.com/sidkik/provision/cmd/version"
	"github.com/sidkik/provision/pkg/config"
)

// verboseLogKey is the environment variable used to enable verbose logging.
// When it's set to `true`, Debug events are logged, rather than just Info and
// above.
const verboseLogKey = "PROVISION_LOG_VERBOSE"

// Execute runs the main CLI process.
func Execute() {
	if os.Getenv(verboseLogKey) == "true" {
		log.SetLevel(log.DebugLevel)
	}

	rootCmd := &cobra.Command{
		Use:   "provision",
		Short: "Apply and roll back versioned file trees",
		Long: "provision installs, updates, patches and removes units, which are " +
			"versioned trees of files, in an installation directory. Locally " +
			"modified files are never silently overwritten, and every change " +
			"can be rolled back exactly.",
		SilenceUsage: true,

		// The call to rootCmd.Execute prints the error, so we silence errors
		// here to avoid double printing.
		SilenceErrors:    true,
		PersistentPreRun: setupLogging,
	}
	rootCmd.AddCommand(
		apply.New(),
		configCmd.New(),
		diff.New(),
		location.New(),
		policy.New(),
		recoverCmd.New(),
		rollback.New(),
		status.New(),
		version.New(),
	)

	if err := rootCmd.Execute(); err != nil {
		util.HandleFatalError(err)
	}
}

func setupLogging(_ *cobra.Command, _ []string) {
	if log.IsLevelEnabled(log.DebugLevel) {
		return
	}

	userConfig, err := config.ParseUser()
	if err != nil {
		log.WithError(err).Debug("Failed to parse user config")
		return
	}
	if userConfig.Verbose {
		log.SetLevel(log.DebugLevel)
	}
}
