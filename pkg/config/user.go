// Package config parses the user's provision configuration.
package config

import (
	"path/filepath"

	"github.com/ghodss/yaml"
	homedir "github.com/mitchellh/go-homedir"
	log "github.com/sirupsen/logrus"

	"github.com/sidkik/provision/pkg/errors"
	"github.com/sidkik/provision/pkg/fsutil"
)

const (
	// UserConfigPath is the default path to the provision user config.
	UserConfigPath = "~/.provision.yaml"

	// InitialUserConfigVersion is the first version of the user config.
	// Config files that do not specify a version will default to this
	// version.
	InitialUserConfigVersion = "v1alpha1"

	// SupportedUserConfigVersion is the supported version of the user config
	// of the current binary.
	SupportedUserConfigVersion = "v1alpha1"
)

// User contains the defaults for commands that aren't given explicitly on
// the command line.
type User struct {
	Version string `json:"version,omitempty"`

	// Home is the installation directory to operate on.
	Home string `json:"home,omitempty"`

	// StateDir overrides where the environment's state is kept.
	StateDir string `json:"stateDir,omitempty"`

	// Verbose enables debug logging.
	Verbose bool `json:"verbose,omitempty"`
}

func (u User) getVersion() string {
	return u.Version
}

// homedirExpand will be overridden in mock tests
var homedirExpand = homedir.Expand

// ParseUser parses the User stored in the default path. A missing file is
// not an error, and results in an empty config.
func ParseUser() (User, error) {
	path, err := GetUserConfigPath()
	if err != nil {
		return User{}, errors.WithContext(err, "expand config path")
	}

	config := User{Version: InitialUserConfigVersion}
	if err := parseConfig(path, &config, SupportedUserConfigVersion); err != nil {
		if _, ok := err.(errors.FileNotFound); ok {
			log.WithField("path", path).Debug("No user config")
			return User{Version: SupportedUserConfigVersion}, nil
		}
		return User{}, errors.WithContext(err, "parse")
	}

	// Evaluate relative paths relative to the config path.
	for _, dir := range []*string{&config.Home, &config.StateDir} {
		if *dir == "" {
			continue
		}

		*dir, err = homedir.Expand(*dir)
		if err != nil {
			return User{}, errors.WithContext(err, "expand path")
		}

		if !filepath.IsAbs(*dir) {
			*dir = filepath.Join(filepath.Dir(path), *dir)
		}
	}
	return config, nil
}

// WriteUser writes the given user config to disk.
func WriteUser(cfg User) error {
	cfg.Version = SupportedUserConfigVersion
	path, err := GetUserConfigPath()
	if err != nil {
		return errors.WithContext(err, "expand config path")
	}

	yamlBytes, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.WithContext(err, "marshal")
	}

	if err := fsutil.WriteFileAtomic(fs, path, yamlBytes, 0644); err != nil {
		return errors.WithContext(err, "write")
	}
	return nil
}

// GetUserConfigPath returns the path to the user's provision configuration.
// This path is expanded, so it can be directly passed to file operations.
func GetUserConfigPath() (string, error) {
	return homedirExpand(UserConfigPath)
}
