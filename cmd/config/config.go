package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sidkik/provision/cmd/util"
	"github.com/sidkik/provision/pkg/config"
	"github.com/sidkik/provision/pkg/environment"
	"github.com/sidkik/provision/pkg/errors"
)

// Mocked for unit testing.
var (
	stdout              io.Writer = os.Stdout
	stdin               io.Reader = os.Stdin
	parseUserConfig               = config.ParseUser
	writeUserConfig               = config.WriteUser
	stat                          = os.Stat
	getWorkingDirectory           = os.Getwd
)

// New creates a new `config` command.
func New() *cobra.Command {
	var cliOpts config.User
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Setup the provision user configuration",
		Run: func(_ *cobra.Command, _ []string) {
			if err := SetupConfig(cliOpts); err != nil {
				err = errors.NewFriendlyError("Failed to setup configuration:\n%s", err)
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVar(&cliOpts.Home, "home", "",
		"Set the installation directory in the config. "+
			"Optional: If not set, `provision config` will interactively prompt.")
	cmd.Flags().StringVar(&cliOpts.StateDir, "state-dir", "",
		"Set the state directory in the config. "+
			"Optional: Defaults to <home>/"+environment.DefaultStateDirName+".")
	cmd.Flags().BoolVar(&cliOpts.Verbose, "verbose", false,
		"Enable debug logging for every command.")

	cmd.AddCommand(&cobra.Command{
		Use:   "get-home",
		Short: "Get the currently configured installation directory",
		Run: func(_ *cobra.Command, _ []string) {
			cfg, err := parseUserConfig()
			if err != nil {
				err = errors.WithContext(err, "read config")
				util.HandleFatalError(err)
			}

			fmt.Fprintln(stdout, cfg.Home)
		},
	})

	return cmd
}

// SetupConfig writes the user config, prompting for anything that isn't set
// in cliOpts.
func SetupConfig(cliOpts config.User) error {
	cfg, err := generateConfig(cliOpts)
	if err != nil {
		return errors.WithContext(err, "generate config")
	}

	if err := writeUserConfig(cfg); err != nil {
		return errors.WithContext(err, "write config")
	}

	path, err := config.GetUserConfigPath()
	if err != nil {
		return errors.WithContext(err, "get user config path")
	}

	fmt.Fprintf(stdout, "Wrote config to %s\n", path)
	return nil
}

func homeValidationFn(home string) (string, bool) {
	if home == "" {
		return "The installation directory can't be empty.", false
	}

	if !filepath.IsAbs(home) && !strings.HasPrefix(home, "~") {
		return "Please use an absolute path for the installation directory.", false
	}

	if fi, err := stat(home); err == nil && !fi.IsDir() {
		return fmt.Sprintf("%s is not a directory.", home), false
	}
	return "", true
}

type prompt struct {
	helpString, prompt, defaultAnswer, currAnswer string
	field                                         *string
	validationFn                                  func(string) (string, bool)
}

// generateConfig interacts with the user to decide what the user's desired
// configuration is.
func generateConfig(cliOpts config.User) (config.User, error) {
	currConfig, err := parseUserConfig()
	if err != nil {
		currConfig = config.User{}
		log.WithError(err).Debug("Failed to read current config")
	}

	cfg := cliOpts
	if cfg.StateDir == "" {
		cfg.StateDir = currConfig.StateDir
	}
	if !cfg.Verbose {
		cfg.Verbose = currConfig.Verbose
	}

	if cliOpts.Home != "" {
		if msg, ok := homeValidationFn(cliOpts.Home); !ok {
			return config.User{}, errors.New(msg)
		}
		return cfg, nil
	}

	var defaultHome string
	if wd, err := getWorkingDirectory(); err == nil {
		defaultHome = wd
	} else {
		log.WithError(err).Info("Failed to get working directory")
	}

	p := prompt{
		helpString: "Enter the installation directory that provision manages.\n" +
			"It defaults to the current directory.",
		prompt:        "Installation directory",
		defaultAnswer: defaultHome,
		currAnswer:    currConfig.Home,
		field:         &cfg.Home,
		validationFn:  homeValidationFn,
	}

	for {
		resp, err := promptUser(p.helpString, p.prompt, p.defaultAnswer, p.currAnswer)
		if err != nil {
			return config.User{}, errors.WithContext(err, "read response")
		}

		validationErr, ok := p.validationFn(resp)
		if ok {
			*p.field = resp
			break
		}

		fmt.Fprintln(stdout, validationErr)
	}

	return cfg, nil
}

func promptUser(helpString, prompt, defaultAnswer, currAnswer string) (string, error) {
	// Display a new line at the end to separate different fields to make it
	// look clearer.
	defer fmt.Fprintln(stdout)

	options := []string{}
	if defaultAnswer != "" {
		options = append(options, defaultAnswer)
	}
	if currAnswer != "" && currAnswer != defaultAnswer {
		options = append(options, currAnswer)
	}
	options = append(options, "(Enter manually)")

	fmt.Fprintln(stdout, helpString+"\n"+prompt+":")

	stdinReader := bufio.NewReader(stdin)

	if nOptions := len(options); nOptions > 1 {
		// defaultAnswer or currAnswer exists.
		fmt.Fprintln(stdout)
		for i, option := range options {
			if i == 0 {
				option = fmt.Sprintf("%s (recommended)", option)
			}
			fmt.Fprintf(stdout, "\t%d. %s\n", i+1, option)
		}
		fmt.Fprintln(stdout)

		for {
			fmt.Fprintf(stdout, "Please choose one [1-%d]: ", nOptions)
			choiceStr, err := stdinReader.ReadString('\n')
			if err != nil {
				return "", err
			}

			var choice int
			choiceStr = strings.TrimRight(choiceStr, "\n")

			// Default to the first choice if user doesn't enter anything.
			if choiceStr == "" {
				choice = 1
			} else {
				choice, err = strconv.Atoi(choiceStr)
				if err != nil || choice < 1 || choice > nOptions {
					// Try again if the input is invalid.
					continue
				}
			}

			if choice == nOptions {
				// Enter manually.
				break
			}

			return options[choice-1], nil
		}
	}

	fmt.Fprint(stdout, "Please enter manually: ")
	resp, err := stdinReader.ReadString('\n')
	if err != nil {
		return "", err
	}

	return strings.TrimRight(resp, "\n"), nil
}
