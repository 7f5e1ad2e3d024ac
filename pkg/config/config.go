package config

import (
	"fmt"
	"os"

	"github.com/ghodss/yaml"
	"github.com/spf13/afero"

	"github.com/sidkik/provision/pkg/errors"
)

// parseConfigErrTemplate is shown when a config file isn't valid YAML for
// its type. The parser's message is included verbatim.
const parseConfigErrTemplate = "Failed to parse the provision config at %q.\n" +
	"Check that every field has the right type, and that there are no " +
	"fields besides version, home, stateDir and verbose.\n\n" +
	"Parser error:\n" +
	"%s"

// versioned is implemented by every config file type, so that files written
// for another release are rejected before their fields are interpreted.
type versioned interface {
	getVersion() string
}

type incompatibleVersionError struct {
	path, exp, actual string
}

func (err incompatibleVersionError) Error() string {
	return err.FriendlyMessage()
}

func (err incompatibleVersionError) FriendlyMessage() string {
	return fmt.Sprintf("The provision config at %q has version %q, but this "+
		"release of provision only reads version %q.\n"+
		"Run `provision config` to rewrite it.", err.path, err.actual, err.exp)
}

// parseConfig reads the file at path into config. A missing file is reported
// as errors.FileNotFound.
func parseConfig(path string, config versioned, expVersion string) error {
	configBytes, err := afero.ReadFile(fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.FileNotFound{Path: path}
		}
		return errors.WithContext(err, "read file")
	}

	err = yaml.Unmarshal(configBytes, config)
	if err != nil {
		return errors.NewFriendlyError(parseConfigErrTemplate, path, err)
	}

	if config.getVersion() != expVersion {
		return incompatibleVersionError{path, expVersion, config.getVersion()}
	}

	// Unknown fields are only rejected once the version matches, since other
	// versions are expected to have different fields.
	err = yaml.UnmarshalStrict(configBytes, config, yaml.DisallowUnknownFields)
	if err != nil {
		return errors.NewFriendlyError(parseConfigErrTemplate, path, err)
	}
	return nil
}
