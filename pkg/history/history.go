// Package history persists the stack of instructions that have been applied
// to an environment, most recent last. Each entry records what the units
// looked like before the instruction was applied, and which backup session
// holds the files it overwrote, so that entries can be undone in order.
//
// Entries are stored as directories named `<sequence>-<id>` containing
// `entry.yaml` and `instruction.yaml`.
package history

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ghodss/yaml"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/provision/pkg/errors"
	"github.com/sidkik/provision/pkg/fsutil"
	"github.com/sidkik/provision/pkg/instruction"
	"github.com/sidkik/provision/pkg/unit"
)

const (
	entryFile       = "entry.yaml"
	instructionFile = "instruction.yaml"
)

// Entry is a single applied instruction.
type Entry struct {
	ID        string
	AppliedAt time.Time

	// Session is the ID of the backup session that captured the files the
	// instruction changed.
	Session string

	// Instruction contains the units that were applied.
	Instruction instruction.Environment

	// Prior maps each applied unit to its state before the apply. A nil
	// value means the unit wasn't installed.
	Prior map[string]*unit.Info

	sequence int
}

type entryRecord struct {
	ID        string            `json:"id"`
	AppliedAt time.Time         `json:"applied-at"`
	Session   string            `json:"session"`
	Prior     []unitStateRecord `json:"prior"`
}

type unitStateRecord struct {
	Name      string   `json:"name"`
	Installed bool     `json:"installed"`
	Version   string   `json:"version,omitempty"`
	Patches   []string `json:"patches,omitempty"`
}

// Stack is the history of an environment.
type Stack struct {
	fs      afero.Fs
	dir     string
	entries []Entry
}

// Load reads the history stored in dir. A missing directory is an empty
// history.
func Load(fs afero.Fs, dir string) (*Stack, error) {
	stack := &Stack{fs: fs, dir: dir}

	exists, err := afero.DirExists(fs, dir)
	if err != nil {
		return nil, errors.WithContext(err, "stat history")
	}
	if !exists {
		return stack, nil
	}

	infos, err := afero.ReadDir(fs, dir)
	if err != nil {
		return nil, errors.WithContext(err, "list history")
	}

	for _, info := range infos {
		if !info.IsDir() {
			continue
		}

		complete, err := fsutil.Exists(fs, filepath.Join(dir, info.Name(), entryFile))
		if err != nil {
			return nil, errors.WithContext(err, "stat history entry")
		}
		if !complete {
			log.WithField("entry", info.Name()).Warn("Ignoring incomplete history entry")
			continue
		}

		entry, err := stack.readEntry(info.Name())
		if err != nil {
			return nil, errors.WithContext(err, "read history entry "+info.Name())
		}
		stack.entries = append(stack.entries, entry)
	}

	sort.Slice(stack.entries, func(i, j int) bool {
		return stack.entries[i].sequence < stack.entries[j].sequence
	})
	return stack, nil
}

func (stack *Stack) readEntry(name string) (Entry, error) {
	parts := strings.SplitN(name, "-", 2)
	sequence, err := strconv.Atoi(parts[0])
	if err != nil || len(parts) != 2 {
		return Entry{}, errors.MalformedError{Path: name, Reason: "unexpected directory name"}
	}

	entryDir := filepath.Join(stack.dir, name)
	recordBytes, err := afero.ReadFile(stack.fs, filepath.Join(entryDir, entryFile))
	if err != nil {
		return Entry{}, errors.WithContext(err, "read")
	}

	var record entryRecord
	if err := yaml.Unmarshal(recordBytes, &record); err != nil {
		return Entry{}, errors.MalformedError{Path: entryFile, Reason: err.Error()}
	}
	if record.ID != parts[1] {
		return Entry{}, errors.MalformedError{
			Path:   entryFile,
			Reason: fmt.Sprintf("id %q doesn't match directory", record.ID),
		}
	}

	instrBytes, err := afero.ReadFile(stack.fs, filepath.Join(entryDir, instructionFile))
	if err != nil {
		return Entry{}, errors.WithContext(err, "read")
	}

	instr, err := instruction.Unmarshal(instrBytes)
	if err != nil {
		return Entry{}, errors.WithContext(err, "parse instruction")
	}

	entry := Entry{
		ID:          record.ID,
		AppliedAt:   record.AppliedAt,
		Session:     record.Session,
		Instruction: instr,
		Prior:       map[string]*unit.Info{},
		sequence:    sequence,
	}
	for _, state := range record.Prior {
		if !state.Installed {
			entry.Prior[state.Name] = nil
			continue
		}
		entry.Prior[state.Name] = &unit.Info{
			Name:    state.Name,
			Version: state.Version,
			Patches: state.Patches,
		}
	}
	return entry, nil
}

// Push persists entry as the most recent entry.
func (stack *Stack) Push(entry Entry) error {
	if entry.ID == "" {
		return errors.MissingFieldError{Field: "id"}
	}
	if err := entry.Instruction.Validate(); err != nil {
		return errors.WithContext(err, "validate instruction")
	}

	entry.sequence = 1
	if top, ok := stack.Peek(); ok {
		entry.sequence = top.sequence + 1
	}

	instrBytes, err := instruction.Marshal(entry.Instruction)
	if err != nil {
		return errors.WithContext(err, "marshal instruction")
	}

	record := entryRecord{
		ID:        entry.ID,
		AppliedAt: entry.AppliedAt,
		Session:   entry.Session,
	}
	var names []string
	for name := range entry.Prior {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		state := unitStateRecord{Name: name}
		if info := entry.Prior[name]; info != nil {
			state.Installed = true
			state.Version = info.Version
			state.Patches = info.Patches
		}
		record.Prior = append(record.Prior, state)
	}

	recordBytes, err := yaml.Marshal(record)
	if err != nil {
		return errors.WithContext(err, "marshal entry")
	}

	entryDir := stack.entryDir(entry)
	if err := fsutil.WriteFileAtomic(stack.fs, filepath.Join(entryDir, instructionFile),
		instrBytes, 0644); err != nil {
		return errors.WithContext(err, "write instruction")
	}

	// The entry file is written last, since its presence marks the entry as
	// complete.
	if err := fsutil.WriteFileAtomic(stack.fs, filepath.Join(entryDir, entryFile),
		recordBytes, 0644); err != nil {
		stack.removeDir(entryDir)
		return errors.WithContext(err, "write entry")
	}

	stack.entries = append(stack.entries, entry)
	log.WithFields(log.Fields{
		"id":      entry.ID,
		"session": entry.Session,
	}).Debug("Pushed history entry")
	return nil
}

// Peek returns the most recent entry.
func (stack *Stack) Peek() (Entry, bool) {
	if len(stack.entries) == 0 {
		return Entry{}, false
	}
	return stack.entries[len(stack.entries)-1], true
}

// Pop removes and returns the most recent entry. It returns
// ErrNothingToRollback if the stack is empty.
func (stack *Stack) Pop() (Entry, error) {
	entry, ok := stack.Peek()
	if !ok {
		return Entry{}, errors.ErrNothingToRollback
	}

	if err := stack.fs.RemoveAll(stack.entryDir(entry)); err != nil {
		return Entry{}, errors.WithContext(err, "remove history entry")
	}
	stack.entries = stack.entries[:len(stack.entries)-1]
	return entry, nil
}

// Entries returns all entries, oldest first.
func (stack *Stack) Entries() []Entry {
	return append([]Entry(nil), stack.entries...)
}

// Len returns the number of entries.
func (stack *Stack) Len() int {
	return len(stack.entries)
}

// References returns whether any entry refers to the given backup session.
func (stack *Stack) References(session string) bool {
	for _, entry := range stack.entries {
		if entry.Session == session {
			return true
		}
	}
	return false
}

func (stack *Stack) entryDir(entry Entry) string {
	return filepath.Join(stack.dir, fmt.Sprintf("%06d-%s", entry.sequence, entry.ID))
}

func (stack *Stack) removeDir(dir string) {
	if err := stack.fs.RemoveAll(dir); err != nil && !os.IsNotExist(err) {
		log.WithError(err).WithField("dir", dir).Warn("Failed to clean up history entry")
	}
}
