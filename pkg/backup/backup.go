// Package backup captures the state of files before they're changed, so that
// the changes can be undone.
//
// A Session corresponds to a single apply or rollback operation. Each file
// is captured right before it's mutated, and the session is persisted after
// every capture so that an interrupted operation can always be undone. A
// session is stored in its own directory:
//
//	<dir>/<id>/session.yaml
//	<dir>/<id>/files/<n>
package backup

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/ghodss/yaml"
	"github.com/go-playground/validator/v10"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/provision/pkg/content"
	"github.com/sidkik/provision/pkg/errors"
	"github.com/sidkik/provision/pkg/fsutil"
	"github.com/sidkik/provision/pkg/instruction"
)

const (
	sessionFile = "session.yaml"
	filesDir    = "files"
)

// Record is the captured state of a single file.
type Record struct {
	// Unit is the name of the unit whose instruction changed the file.
	Unit string

	// Item is the instruction that was applied to the file.
	Item instruction.Item

	// Root is the physical root of the item's location. Directories are never
	// pruned above it.
	Root string

	// Target is the physical path of the file.
	Target string

	// Mode is the permission of the file before it was changed.
	Mode os.FileMode

	// Backup is the name of the saved copy within the session. It's empty if
	// the file didn't exist before the change.
	Backup string
}

// Existed returns whether the file existed before it was changed.
func (r Record) Existed() bool {
	return r.Backup != ""
}

type sessionRecord struct {
	ID       string         `json:"id" validate:"required"`
	Complete bool           `json:"complete"`
	Reverts  string         `json:"reverts,omitempty"`
	Records  []recordRecord `json:"records" validate:"dive"`
}

type recordRecord struct {
	Unit         string `json:"unit" validate:"required"`
	Location     string `json:"location,omitempty"`
	RelativePath string `json:"relative-path" validate:"required"`
	Hash         string `json:"hash,omitempty" validate:"omitempty,len=64,hexadecimal"`
	ReplacedHash string `json:"replaced-hash,omitempty" validate:"omitempty,len=64,hexadecimal"`
	Required     bool   `json:"required,omitempty"`
	Root         string `json:"root" validate:"required"`
	Target       string `json:"target" validate:"required"`
	Mode         uint32 `json:"mode"`
	Backup       string `json:"backup,omitempty"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		return strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
	})
	return v
}

// Store manages the sessions in a directory.
type Store struct {
	fs  afero.Fs
	dir string
}

// NewStore returns a Store for the sessions in dir.
func NewStore(fs afero.Fs, dir string) Store {
	return Store{fs: fs, dir: dir}
}

// Session is the backup of a single operation.
type Session struct {
	ID       string
	Complete bool

	// Reverts is the ID of the history entry being rolled back, for sessions
	// created by a rollback.
	Reverts string

	Records []Record

	fs  afero.Fs
	dir string
}

// Create starts a new, empty session. The session is persisted before Create
// returns.
func (store Store) Create(id string) (*Session, error) {
	return store.create(id, "")
}

// CreateUndo starts a session that backs up the files changed while rolling
// back the given history entry.
func (store Store) CreateUndo(id, entryID string) (*Session, error) {
	return store.create(id, entryID)
}

func (store Store) create(id, reverts string) (*Session, error) {
	if id == "" || strings.ContainsAny(id, `/\`) {
		return nil, errors.MalformedError{Path: id, Reason: "invalid session id"}
	}

	dir := filepath.Join(store.dir, id)
	exists, err := fsutil.Exists(store.fs, dir)
	if err != nil {
		return nil, errors.WithContext(err, "stat session")
	}
	if exists {
		return nil, errors.Errorf("session %s already exists", id)
	}

	sess := &Session{ID: id, Reverts: reverts, fs: store.fs, dir: dir}
	if err := sess.save(); err != nil {
		return nil, err
	}
	return sess, nil
}

// Load reads a persisted session. Sessions whose metadata is missing,
// unparseable, or refers to missing backup files are reported as a
// MalformedError.
func (store Store) Load(id string) (*Session, error) {
	dir := filepath.Join(store.dir, id)
	sessionPath := filepath.Join(dir, sessionFile)

	data, err := afero.ReadFile(store.fs, sessionPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.MalformedError{Path: dir, Reason: "missing " + sessionFile}
		}
		return nil, errors.WithContext(err, "read session")
	}

	var record sessionRecord
	if err := yaml.UnmarshalStrict(data, &record, yaml.DisallowUnknownFields); err != nil {
		return nil, errors.MalformedError{Path: sessionPath, Reason: err.Error()}
	}

	if err := validate.Struct(record); err != nil {
		return nil, errors.MalformedError{Path: sessionPath, Reason: err.Error()}
	}

	if record.ID != id {
		return nil, errors.MalformedError{
			Path:   sessionPath,
			Reason: fmt.Sprintf("session id %q doesn't match its directory", record.ID),
		}
	}

	sess := &Session{
		ID:       id,
		Complete: record.Complete,
		Reverts:  record.Reverts,
		fs:       store.fs,
		dir:      dir,
	}
	for _, rr := range record.Records {
		r, err := rr.toRecord()
		if err != nil {
			return nil, errors.MalformedError{Path: sessionPath, Reason: err.Error()}
		}

		if r.Existed() {
			exists, err := fsutil.Exists(store.fs, sess.backupPath(r.Backup))
			if err != nil {
				return nil, errors.WithContext(err, "stat backup")
			}
			if !exists {
				return nil, errors.MalformedError{
					Path:   sess.backupPath(r.Backup),
					Reason: "backup file is missing",
				}
			}
		}
		sess.Records = append(sess.Records, r)
	}
	return sess, nil
}

// List returns the IDs of all sessions in the store.
func (store Store) List() ([]string, error) {
	exists, err := afero.DirExists(store.fs, store.dir)
	if err != nil {
		return nil, errors.WithContext(err, "stat backups")
	}
	if !exists {
		return nil, nil
	}

	infos, err := afero.ReadDir(store.fs, store.dir)
	if err != nil {
		return nil, errors.WithContext(err, "list backups")
	}

	var ids []string
	for _, info := range infos {
		if info.IsDir() {
			ids = append(ids, info.Name())
		}
	}
	return ids, nil
}

// Incomplete returns the IDs of the sessions that were never finalized,
// which means that the operation that created them was interrupted.
func (store Store) Incomplete() ([]string, error) {
	ids, err := store.List()
	if err != nil {
		return nil, err
	}

	var incomplete []string
	for _, id := range ids {
		sess, err := store.Load(id)
		if err != nil {
			var malformed errors.MalformedError
			if !errors.As(err, &malformed) {
				return nil, err
			}

			// Let recovery decide what to do with it.
			log.WithError(err).WithField("session", id).Warn("Found malformed backup session")
			incomplete = append(incomplete, id)
			continue
		}

		if !sess.Complete {
			incomplete = append(incomplete, id)
		}
	}
	return incomplete, nil
}

// Abandoned returns whether the session was interrupted before its metadata
// was written. Such sessions never captured anything, and can simply be
// removed.
func (store Store) Abandoned(id string) (bool, error) {
	exists, err := fsutil.Exists(store.fs, filepath.Join(store.dir, id, sessionFile))
	if err != nil {
		return false, errors.WithContext(err, "stat session")
	}
	return !exists, nil
}

// Dir returns the directory that holds the session with the given ID.
func (store Store) Dir(id string) string {
	return filepath.Join(store.dir, id)
}

// Remove deletes the session with the given ID, whether or not it's complete.
func (store Store) Remove(id string) error {
	if err := store.fs.RemoveAll(filepath.Join(store.dir, id)); err != nil {
		return errors.WithContext(err, "remove session "+id)
	}
	return nil
}

// Capture saves the current state of target before it's changed by item.
// The session is persisted before Capture returns.
func (sess *Session) Capture(unitName string, item instruction.Item, root, target string) error {
	r := Record{Unit: unitName, Item: item, Root: root, Target: target}

	fi, err := sess.fs.Stat(target)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return errors.WithContext(err, "stat "+target)
	case !fi.Mode().IsRegular():
		return errors.MalformedError{Path: target, Reason: "not a regular file"}
	default:
		r.Mode = fi.Mode().Perm()
		r.Backup = fmt.Sprintf("%d", len(sess.Records))
		if err := sess.copyIn(target, r.Backup); err != nil {
			return errors.WithContext(err, "back up "+target)
		}
	}

	sess.Records = append(sess.Records, r)
	if err := sess.save(); err != nil {
		sess.Records = sess.Records[:len(sess.Records)-1]
		return err
	}
	return nil
}

func (sess *Session) copyIn(target, name string) error {
	f, err := sess.fs.Open(target)
	if err != nil {
		return errors.WithContext(err, "open")
	}
	defer f.Close()

	return fsutil.WriteAtomic(sess.fs, sess.backupPath(name), f, 0600)
}

// Open returns the saved copy of the file captured by r.
func (sess *Session) Open(r Record) (io.ReadCloser, error) {
	if !r.Existed() {
		return nil, errors.Errorf("%s didn't exist before the change", r.Target)
	}

	f, err := sess.fs.Open(sess.backupPath(r.Backup))
	if err != nil {
		return nil, errors.WithContext(err, "open backup")
	}
	return f, nil
}

// Finalize marks the session as complete.
func (sess *Session) Finalize() error {
	sess.Complete = true
	if err := sess.save(); err != nil {
		sess.Complete = false
		return err
	}
	return nil
}

// Restore undoes every captured change, most recent first. It keeps going
// after failures so that as much as possible is restored, and returns the
// first error.
func (sess *Session) Restore() error {
	var firstErr error
	for i := len(sess.Records) - 1; i >= 0; i-- {
		r := sess.Records[i]
		if err := sess.RestoreRecord(r); err != nil {
			log.WithError(err).WithField("path", r.Target).Error("Failed to restore file")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// RestoreRecord puts the file captured by r back the way it was. Files that
// didn't exist are removed, along with any directories that were only
// created for them.
func (sess *Session) RestoreRecord(r Record) error {
	if !r.Existed() {
		err := sess.fs.Remove(r.Target)
		if err != nil && !os.IsNotExist(err) {
			return errors.WithContext(err, "remove "+r.Target)
		}
		fsutil.PruneEmptyDirs(sess.fs, filepath.Dir(r.Target), r.Root)
		return nil
	}

	f, err := sess.Open(r)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := fsutil.WriteAtomic(sess.fs, r.Target, f, r.Mode); err != nil {
		return errors.WithContext(err, "restore "+r.Target)
	}
	return nil
}

// Discard deletes the session.
func (sess *Session) Discard() error {
	if err := sess.fs.RemoveAll(sess.dir); err != nil {
		return errors.WithContext(err, "remove session "+sess.ID)
	}
	return nil
}

func (sess *Session) save() error {
	record := sessionRecord{ID: sess.ID, Complete: sess.Complete, Reverts: sess.Reverts}
	for _, r := range sess.Records {
		record.Records = append(record.Records, recordRecord{
			Unit:         r.Unit,
			Location:     r.Item.Path.Location,
			RelativePath: r.Item.Path.RelativePath,
			Hash:         r.Item.Hash.String(),
			ReplacedHash: r.Item.ReplacedHash.String(),
			Required:     r.Item.Required,
			Root:         r.Root,
			Target:       r.Target,
			Mode:         uint32(r.Mode),
			Backup:       r.Backup,
		})
	}

	data, err := yaml.Marshal(record)
	if err != nil {
		return errors.WithContext(err, "marshal session")
	}

	if err := fsutil.WriteFileAtomic(sess.fs, filepath.Join(sess.dir, sessionFile), data, 0644); err != nil {
		return errors.WithContext(err, "write session")
	}
	return nil
}

func (sess *Session) backupPath(name string) string {
	return filepath.Join(sess.dir, filesDir, name)
}

func (rr recordRecord) toRecord() (Record, error) {
	path, err := content.NewPath(rr.Location, rr.RelativePath)
	if err != nil {
		return Record{}, err
	}

	hash, err := content.ParseHash(rr.Hash)
	if err != nil {
		return Record{}, err
	}

	replaced, err := content.ParseHash(rr.ReplacedHash)
	if err != nil {
		return Record{}, err
	}

	if strings.ContainsAny(rr.Backup, `/\`) || rr.Backup == "." || rr.Backup == ".." {
		return Record{}, errors.Errorf("invalid backup name %q", rr.Backup)
	}

	item := instruction.Item{Path: path, Hash: hash, ReplacedHash: replaced, Required: rr.Required}
	if err := item.Validate(); err != nil {
		return Record{}, err
	}

	return Record{
		Unit:   rr.Unit,
		Item:   item,
		Root:   rr.Root,
		Target: rr.Target,
		Mode:   os.FileMode(rr.Mode),
		Backup: rr.Backup,
	}, nil
}
