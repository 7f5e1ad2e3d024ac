// Package environment is the durable state of an installation: where it
// lives, the named locations that content paths can refer to, which version
// of each unit is installed, and the history of applied instructions.
//
// The environment is loaded at the start of an operation and saved when the
// operation commits. State is kept in flat properties files under the state
// directory, which defaults to `<home>/.provision`:
//
//	environment.properties   home, default policy, locations
//	units/<name>.properties  version, patches and policies of a unit
//	history/                 see package history
//	backup/                  see package backup
package environment

import (
	"bytes"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/magiconair/properties"
	"github.com/mitchellh/go-homedir"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/provision/pkg/content"
	"github.com/sidkik/provision/pkg/errors"
	"github.com/sidkik/provision/pkg/fsutil"
	"github.com/sidkik/provision/pkg/history"
	"github.com/sidkik/provision/pkg/unit"
)

// DefaultStateDirName is the name of the state directory within the home
// when no other directory is configured.
const DefaultStateDirName = ".provision"

const (
	environmentFile = "environment.properties"
	unitsDir        = "units"
	historyDir      = "history"
	backupDir       = "backup"
	unitFileExt     = ".properties"

	keyHome          = "home"
	keyPolicy        = "policy"
	keyLocation      = "location."
	keyName          = "name"
	keyVersion       = "version"
	keyPatches       = "patches"
	keyPathPolicy    = "path-policy."
	patchesSeparator = ","
)

// Mocked out for unit testing.
var homedirExpand = homedir.Expand

// Environment is the state of an installation.
type Environment struct {
	// Home is the installation directory. Content paths without a location
	// are relative to it.
	Home string

	// StateDir holds the environment's own bookkeeping. It's never included
	// in snapshots of the home.
	StateDir string

	// Locations maps location names to their physical roots.
	Locations map[string]string

	DefaultPolicy Policy
	Policies      map[string]UnitPolicy

	// Units are the currently installed units.
	Units map[string]unit.Info

	History *history.Stack

	fs afero.Fs
}

// New returns an empty environment. The environment isn't persisted until
// Save is called. An empty stateDir defaults to `<home>/.provision`.
func New(fs afero.Fs, home, stateDir string) (*Environment, error) {
	if home == "" {
		return nil, errors.MissingFieldError{Field: keyHome}
	}
	if stateDir == "" {
		stateDir = filepath.Join(home, DefaultStateDirName)
	}

	stack, err := history.Load(fs, filepath.Join(stateDir, historyDir))
	if err != nil {
		return nil, errors.WithContext(err, "load history")
	}

	return &Environment{
		Home:      home,
		StateDir:  stateDir,
		Locations: map[string]string{},
		Policies:  map[string]UnitPolicy{},
		Units:     map[string]unit.Info{},
		History:   stack,
		fs:        fs,
	}, nil
}

// Load reads the environment from stateDir. If the environment hasn't been
// saved yet, an empty environment rooted at home is returned. The home
// recorded in the state takes precedence over the one passed in.
func Load(fs afero.Fs, home, stateDir string) (*Environment, error) {
	if stateDir == "" {
		if home == "" {
			return nil, errors.MissingFieldError{Field: keyHome}
		}
		stateDir = filepath.Join(home, DefaultStateDirName)
	}

	envPath := filepath.Join(stateDir, environmentFile)
	exists, err := fsutil.Exists(fs, envPath)
	if err != nil {
		return nil, errors.WithContext(err, "stat environment")
	}
	if !exists {
		log.WithField("stateDir", stateDir).Debug("No saved environment. Starting fresh.")
		return New(fs, home, stateDir)
	}

	props, err := readProperties(fs, envPath)
	if err != nil {
		return nil, err
	}

	if savedHome, ok := props.Get(keyHome); ok && savedHome != "" {
		home = savedHome
	}

	env, err := New(fs, home, stateDir)
	if err != nil {
		return nil, err
	}

	if policy, ok := props.Get(keyPolicy); ok {
		if env.DefaultPolicy, err = ParsePolicy(policy); err != nil {
			return nil, errors.WithContext(err, "parse "+envPath)
		}
	}

	locations := props.FilterStripPrefix(keyLocation)
	locations.DisableExpansion = true
	for _, name := range locations.Keys() {
		env.Locations[name], _ = locations.Get(name)
	}

	if err := env.loadUnits(); err != nil {
		return nil, errors.WithContext(err, "load units")
	}
	return env, nil
}

func (env *Environment) loadUnits() error {
	dir := filepath.Join(env.StateDir, unitsDir)
	exists, err := afero.DirExists(env.fs, dir)
	if err != nil || !exists {
		return err
	}

	infos, err := afero.ReadDir(env.fs, dir)
	if err != nil {
		return err
	}

	for _, info := range infos {
		if info.IsDir() || !strings.HasSuffix(info.Name(), unitFileExt) {
			continue
		}

		path := filepath.Join(dir, info.Name())
		props, err := readProperties(env.fs, path)
		if err != nil {
			return err
		}

		if err := env.loadUnit(props); err != nil {
			return errors.WithContext(err, "parse "+path)
		}
	}
	return nil
}

func (env *Environment) loadUnit(props *properties.Properties) error {
	name, ok := props.Get(keyName)
	if !ok || name == "" {
		return errors.MissingFieldError{Field: keyName}
	}

	if version, ok := props.Get(keyVersion); ok {
		info := unit.Info{Name: name, Version: version}
		if patches, ok := props.Get(keyPatches); ok && patches != "" {
			info.Patches = strings.Split(patches, patchesSeparator)
		}
		env.Units[name] = info
	}

	if policy, ok := props.Get(keyPolicy); ok {
		parsed, err := ParsePolicy(policy)
		if err != nil {
			return err
		}
		env.SetUnitPolicy(name, parsed)
	}

	pathPolicies := props.FilterStripPrefix(keyPathPolicy)
	pathPolicies.DisableExpansion = true
	for _, key := range pathPolicies.Keys() {
		value, _ := pathPolicies.Get(key)
		parts := strings.SplitN(value, ",", 3)
		if len(parts) != 3 {
			return errors.MalformedError{
				Path:   keyPathPolicy + key,
				Reason: "expected POLICY,location,relative-path",
			}
		}

		policy, err := ParsePolicy(parts[0])
		if err != nil {
			return err
		}

		p, err := content.NewPath(parts[1], parts[2])
		if err != nil {
			return err
		}
		env.SetPathPolicy(name, p, policy)
	}
	return nil
}

// Save persists the environment's properties and units. The history is
// persisted separately as entries are pushed and popped.
func (env *Environment) Save() error {
	props := newProperties()
	mustSet(props, keyHome, env.Home)
	if env.DefaultPolicy != "" {
		mustSet(props, keyPolicy, string(env.DefaultPolicy))
	}
	for _, name := range sortedKeys(env.Locations) {
		mustSet(props, keyLocation+name, env.Locations[name])
	}

	if err := writeProperties(env.fs, filepath.Join(env.StateDir, environmentFile), props); err != nil {
		return errors.WithContext(err, "save environment")
	}

	names := map[string]struct{}{}
	for name := range env.Units {
		names[name] = struct{}{}
	}
	for name := range env.Policies {
		names[name] = struct{}{}
	}

	for name := range names {
		if err := validUnitName(name); err != nil {
			return err
		}
		if err := writeProperties(env.fs, env.unitPath(name), env.unitProperties(name)); err != nil {
			return errors.WithContext(err, "save unit "+name)
		}
	}

	return env.removeStaleUnits(names)
}

func (env *Environment) unitProperties(name string) *properties.Properties {
	props := newProperties()
	mustSet(props, keyName, name)

	if info, ok := env.Units[name]; ok {
		mustSet(props, keyVersion, info.Version)
		mustSet(props, keyPatches, strings.Join(info.Patches, patchesSeparator))
	}

	up := env.Policies[name]
	if up.Default != "" {
		mustSet(props, keyPolicy, string(up.Default))
	}

	var paths []content.Path
	for p := range up.Paths {
		paths = append(paths, p)
	}
	sort.Slice(paths, func(i, j int) bool { return paths[i].Less(paths[j]) })
	for i, p := range paths {
		mustSet(props, keyPathPolicy+strconv.Itoa(i),
			fmt.Sprintf("%s,%s,%s", up.Paths[p], p.Location, p.RelativePath))
	}
	return props
}

func (env *Environment) removeStaleUnits(keep map[string]struct{}) error {
	dir := filepath.Join(env.StateDir, unitsDir)
	exists, err := afero.DirExists(env.fs, dir)
	if err != nil || !exists {
		return err
	}

	infos, err := afero.ReadDir(env.fs, dir)
	if err != nil {
		return errors.WithContext(err, "list units")
	}

	for _, info := range infos {
		name := strings.TrimSuffix(info.Name(), unitFileExt)
		if _, ok := keep[name]; ok || info.IsDir() || name == info.Name() {
			continue
		}

		if err := env.fs.Remove(filepath.Join(dir, info.Name())); err != nil {
			return errors.WithContext(err, "remove unit "+name)
		}
	}
	return nil
}

// UnitVersion returns the version the unit is installed at.
func (env *Environment) UnitVersion(name string) (string, bool) {
	info, ok := env.Units[name]
	return info.Version, ok
}

// Unit returns the state of an installed unit.
func (env *Environment) Unit(name string) (unit.Info, bool) {
	info, ok := env.Units[name]
	return info.Copy(), ok
}

// SetUnit records the state of a unit.
func (env *Environment) SetUnit(info unit.Info) {
	env.Units[info.Name] = info.Copy()
}

// RemoveUnit forgets a unit.
func (env *Environment) RemoveUnit(name string) {
	delete(env.Units, name)
}

// Root returns the physical root of a location. The empty location is the
// home directory.
func (env *Environment) Root(location string) (string, error) {
	root := env.Home
	if location != "" {
		var ok bool
		root, ok = env.Locations[location]
		if !ok {
			return "", errors.Errorf("unknown location %q", location)
		}
	}

	expanded, err := homedirExpand(root)
	if err != nil {
		return "", errors.WithContext(err, "expand "+root)
	}
	return filepath.Clean(expanded), nil
}

// Resolve returns the physical path of p.
func (env *Environment) Resolve(p content.Path) (string, error) {
	root, err := env.Root(p.Location)
	if err != nil {
		return "", err
	}

	path := p.Join(root)
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.MalformedError{Path: p.String(), Reason: "path escapes its location"}
	}

	stateDir, err := homedirExpand(env.StateDir)
	if err != nil {
		return "", errors.WithContext(err, "expand "+env.StateDir)
	}
	rel, err = filepath.Rel(filepath.Clean(stateDir), path)
	if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.MalformedError{
			Path:   p.String(),
			Reason: "path is inside the state directory",
		}
	}
	return path, nil
}

// BackupDir is where backup sessions are stored.
func (env *Environment) BackupDir() string {
	return filepath.Join(env.StateDir, backupDir)
}

// Fs returns the filesystem the environment is stored on.
func (env *Environment) Fs() afero.Fs {
	return env.fs
}

// SnapshotExclusions returns the top level names within the home directory
// that aren't part of any unit.
func (env *Environment) SnapshotExclusions() []string {
	rel, err := filepath.Rel(env.Home, env.StateDir)
	if err != nil || strings.HasPrefix(rel, "..") || rel == "." {
		return nil
	}
	return []string{strings.SplitN(filepath.ToSlash(rel), "/", 2)[0]}
}

func (env *Environment) unitPath(name string) string {
	return filepath.Join(env.StateDir, unitsDir, name+unitFileExt)
}

func validUnitName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return errors.MalformedError{Path: name, Reason: "invalid unit name"}
	}
	return nil
}

func newProperties() *properties.Properties {
	props := properties.NewProperties()
	props.DisableExpansion = true
	return props
}

func mustSet(props *properties.Properties, key, value string) {
	if _, _, err := props.Set(key, value); err != nil {
		panic(err)
	}
}

func readProperties(fs afero.Fs, path string) (*properties.Properties, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.WithContext(err, "read "+path)
	}

	loader := properties.Loader{Encoding: properties.UTF8, DisableExpansion: true}
	props, err := loader.LoadBytes(data)
	if err != nil {
		return nil, errors.MalformedError{Path: path, Reason: err.Error()}
	}
	return props, nil
}

func writeProperties(fs afero.Fs, path string, props *properties.Properties) error {
	var buf bytes.Buffer
	if _, err := props.Write(&buf, properties.UTF8); err != nil {
		return errors.WithContext(err, "encode")
	}
	return fsutil.WriteFileAtomic(fs, path, buf.Bytes(), 0644)
}

func sortedKeys(m map[string]string) []string {
	var keys []string
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
