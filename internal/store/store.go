// Package store implements the directory-encoded task lifecycle store. A
// task lives in exactly one of the five vault directories; moving a document
// between directories is the state transition. The store never deletes task
// data, never holds locks, and treats physical location as authoritative
// whenever the document's internal state field disagrees with it.

package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mhollis/deskhand/internal/audit"
	"github.com/mhollis/deskhand/internal/task"
)

var (
	// ErrNotFound indicates no document with the given id exists in any state.
	ErrNotFound = errors.New("store: task not found")
	// ErrIllegalTransition indicates the requested edge is not in the
	// lifecycle table.
	ErrIllegalTransition = errors.New("store: illegal transition")
	// ErrDuplicateSignal indicates a task with the same (source, source_ref)
	// already exists somewhere in the vault.
	ErrDuplicateSignal = errors.New("store: duplicate signal")
)

// SkipFunc is invoked for documents whose header cannot be parsed. The scan
// continues; a broken file must never fail the whole read.
type SkipFunc func(path string, err error)

// Store manages task documents rooted at the vault directory.
type Store struct {
	root string
	now  func() time.Time
	log  *audit.Log
	skip SkipFunc
}

// Option customizes a Store during construction.
type Option func(*Store)

// WithClock overrides the clock used for transition timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.now = clock
		}
	}
}

// WithAuditLog wires transition and recovery events into the audit log.
func WithAuditLog(log *audit.Log) Option {
	return func(s *Store) { s.log = log }
}

// WithSkipFunc installs a callback for skipped malformed documents.
func WithSkipFunc(fn SkipFunc) Option {
	return func(s *Store) { s.skip = fn }
}

// New builds a store for a vault root.
func New(root string, opts ...Option) *Store {
	s := &Store{root: filepath.Clean(root), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Root returns the vault root directory.
func (s *Store) Root() string { return s.root }

// Path returns the document location implied by the task's state.
func (s *Store) Path(t task.Task) string {
	dir, ok := t.State.Dir()
	if !ok {
		return ""
	}
	return filepath.Join(s.root, dir, t.Filename())
}

// Create persists a brand-new task into the directory for its state via a
// temporary file plus atomic rename. Ingestion uses it with state "new";
// manual producers may create tasks in any non-terminal state.
func (s *Store) Create(t task.Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if existing, err := s.FindBySignal(t.Source, t.SourceRef); err == nil {
		return fmt.Errorf("%w: %s already tracked as %s", ErrDuplicateSignal, t.SourceRef, existing.ID)
	}
	path := s.Path(t)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("store: document %s already exists", path)
	}
	return s.writeDocument(path, t)
}

// Save rewrites a task document in place. The state must not change here;
// state changes go through Transition.
func (s *Store) Save(t task.Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	path := s.Path(t)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, t.ID)
		}
		return err
	}
	return s.writeDocument(path, t)
}

// Transition moves a task along a lifecycle edge. The internal state field
// is rewritten first (atomically, in the source directory), then the
// document is renamed into the destination directory. A crash between the
// two steps leaves the document in its original directory with an advanced
// field; Repair resolves that in favor of the location.
func (s *Store) Transition(t *task.Task, to task.State) error {
	if t == nil {
		return fmt.Errorf("store: nil task")
	}
	from := t.State
	if !task.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s for %s", ErrIllegalTransition, from, to, t.ID)
	}
	oldPath := s.Path(*t)
	if _, err := os.Stat(oldPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, t.ID)
		}
		return err
	}

	now := s.now().UTC()
	updated := *t
	updated.State = to
	updated.TransitionedAt = now
	if to.Terminal() {
		updated.CompletedAt = now
	}

	// Step 1: field update, atomic within the source directory.
	if err := s.writeDocument(oldPath, updated); err != nil {
		return err
	}
	// Step 2: atomic relocation into the destination directory.
	newPath := s.Path(updated)
	if err := os.MkdirAll(filepath.Dir(newPath), 0o755); err != nil {
		return err
	}
	if err := os.Rename(oldPath, newPath); err != nil {
		return fmt.Errorf("store: relocate %s: %w", t.ID, err)
	}
	*t = updated
	if s.log != nil {
		s.log.Record(audit.ActorStore, audit.EventTransition, t.ID, string(to), fmt.Sprintf("%s -> %s", from, to))
	}
	return nil
}

// Load finds a task by id, scanning every state directory. The returned
// task's state reflects its physical location.
func (s *Store) Load(id string) (task.Task, error) {
	for _, state := range task.States() {
		t, err := s.loadFrom(state, id)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return task.Task{}, err
		}
	}
	return task.Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// List returns all tasks at rest in the given states (all states when none
// are named), ordered by creation time then id. Malformed documents are
// reported to the skip callback and omitted.
func (s *Store) List(states ...task.State) ([]task.Task, error) {
	if len(states) == 0 {
		states = task.States()
	}
	var tasks []task.Task
	for _, state := range states {
		dir, ok := state.Dir()
		if !ok {
			return nil, fmt.Errorf("store: unknown state %q", state)
		}
		entries, err := os.ReadDir(filepath.Join(s.root, dir))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("store: read %s: %w", dir, err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !isDocument(entry.Name()) {
				continue
			}
			path := filepath.Join(s.root, dir, entry.Name())
			t, err := s.readDocument(path, state)
			if err != nil {
				s.reportSkip(path, err)
				continue
			}
			tasks = append(tasks, t)
		}
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks, nil
}

// FindBySignal locates the task created for a given (source, source_ref)
// pair, in any state. This is the de-duplication index: because it is
// derived from the store itself, it survives restarts.
func (s *Store) FindBySignal(source, sourceRef string) (task.Task, error) {
	tasks, err := s.List()
	if err != nil {
		return task.Task{}, err
	}
	for _, t := range tasks {
		if t.Source == source && t.SourceRef == sourceRef {
			return t, nil
		}
	}
	return task.Task{}, fmt.Errorf("%w: signal %s/%s", ErrNotFound, source, sourceRef)
}

// Repair scans for documents whose internal state field disagrees with their
// containing directory, rewrites the field to match the location, and audits
// each discrepancy. Location wins: the rename is the commit point of a
// transition, so a mismatched field is a torn write from a crash.
func (s *Store) Repair() (int, error) {
	repaired := 0
	for _, state := range task.States() {
		dir, _ := state.Dir()
		entries, err := os.ReadDir(filepath.Join(s.root, dir))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return repaired, fmt.Errorf("store: read %s: %w", dir, err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !isDocument(entry.Name()) {
				continue
			}
			path := filepath.Join(s.root, dir, entry.Name())
			data, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			t, err := task.ParseDocument(data)
			if err != nil {
				s.reportSkip(path, err)
				continue
			}
			if t.State == state {
				continue
			}
			recorded := t.State
			t.State = state
			if err := s.writeDocument(path, t); err != nil {
				return repaired, err
			}
			repaired++
			if s.log != nil {
				s.log.Record(audit.ActorStore, audit.EventCorruptionRepair, t.ID, string(state),
					fmt.Sprintf("field said %s, directory %s wins", recorded, dir))
			}
		}
	}
	return repaired, nil
}

func (s *Store) loadFrom(state task.State, id string) (task.Task, error) {
	dir, ok := state.Dir()
	if !ok {
		return task.Task{}, fmt.Errorf("store: unknown state %q", state)
	}
	path := filepath.Join(s.root, dir, id+".md")
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return task.Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return task.Task{}, err
	}
	return s.readDocument(path, state)
}

// readDocument parses a document and normalizes its state to the directory
// it was found in. Readers never observe a location/field disagreement; the
// discrepancy is surfaced through Repair, not through reads.
func (s *Store) readDocument(path string, state task.State) (task.Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return task.Task{}, err
	}
	t, err := task.ParseDocument(data)
	if err != nil {
		return task.Task{}, err
	}
	t.State = state
	return t, nil
}

func (s *Store) writeDocument(path string, t task.Task) error {
	content, err := task.EncodeDocument(t)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".deskhand-*")
	if err != nil {
		return fmt.Errorf("store: temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("store: write %s: %w", t.ID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("store: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("store: commit %s: %w", t.ID, err)
	}
	return nil
}

func (s *Store) reportSkip(path string, err error) {
	if s.skip != nil {
		s.skip(path, err)
	}
	if s.log != nil {
		s.log.Record(audit.ActorStore, audit.EventDocumentSkipped, "", "", fmt.Sprintf("%s: %v", filepath.Base(path), err))
	}
}

// isDocument filters out temp files and anything hidden.
func isDocument(name string) bool {
	return strings.HasSuffix(name, ".md") && !strings.HasPrefix(name, ".")
}
