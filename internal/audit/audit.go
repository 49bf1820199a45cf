// Package audit maintains the append-only record of every state transition
// and action outcome. Entries are self-contained JSON objects, one per line,
// grouped into one file per UTC day. The log is safe for concurrent appends
// from every component and read-only for the snapshot generator.

package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Actor names the component that produced an entry.
const (
	ActorWatcher    = "watcher"
	ActorStore      = "store"
	ActorLoop       = "loop"
	ActorGate       = "gate"
	ActorDispatcher = "dispatcher"
	ActorSnapshot   = "snapshot"
	ActorHuman      = "human"
)

// Event types written across the system.
const (
	EventTaskCreated       = "task_created"
	EventSignalDiscarded   = "signal_discarded"
	EventTransition        = "state_transition"
	EventCorruptionRepair  = "corruption_repaired"
	EventDocumentSkipped   = "document_skipped"
	EventWatcherError      = "watcher_error"
	EventActionRequested   = "action_requested"
	EventActionExecuted    = "action_executed"
	EventActionRejected    = "action_rejected"
	EventLoopStep          = "loop_step"
	EventLoopCheckpoint    = "loop_checkpoint"
	EventLoopExhausted     = "loop_exhausted"
	EventSnapshotWritten   = "snapshot_written"
	EventSnapshotRecovered = "snapshot_recovered"
)

// Entry is one audit record. No cross-entry invariants exist, which is what
// makes concurrent appends safe.
type Entry struct {
	TS      time.Time `json:"ts"`
	Actor   string    `json:"actor"`
	Event   string    `json:"event"`
	TaskID  string    `json:"task_id,omitempty"`
	Outcome string    `json:"outcome,omitempty"`
	Detail  string    `json:"detail,omitempty"`
}

// Log appends entries to daily files under a logs directory.
type Log struct {
	dir string
	mu  sync.Mutex
	now func() time.Time
}

// Option customizes a Log.
type Option func(*Log)

// WithClock overrides the clock used for timestamps and day rollover.
func WithClock(clock func() time.Time) Option {
	return func(l *Log) {
		if clock != nil {
			l.now = clock
		}
	}
}

// New creates an audit log rooted at dir.
func New(dir string, opts ...Option) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("audit: ensure log dir: %w", err)
	}
	l := &Log{dir: dir, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Append writes a single entry. The timestamp is stamped here when unset so
// callers can pass literal structs.
func (l *Log) Append(e Entry) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if e.TS.IsZero() {
		e.TS = l.now().UTC()
	} else {
		e.TS = e.TS.UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("audit: encode entry: %w", err)
	}
	path := l.fileFor(e.TS)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("audit: open %s: %w", path, err)
	}
	defer file.Close()
	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("audit: append: %w", err)
	}
	return nil
}

// Record is the fire-and-forget form used by components whose own failure
// handling must not depend on the audit log being writable.
func (l *Log) Record(actor, event, taskID, outcome, detail string) {
	_ = l.Append(Entry{Actor: actor, Event: event, TaskID: taskID, Outcome: outcome, Detail: detail})
}

// Tail returns up to maxEntries of the most recent records, walking backwards
// from today's file into the previous day when needed. Lines that fail to
// parse are skipped; the audit log must stay readable even when a line is
// torn by a crash.
func (l *Log) Tail(maxEntries int) []Entry {
	if l == nil || maxEntries <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	today := l.now().UTC()
	var entries []Entry
	for _, day := range []time.Time{today.AddDate(0, 0, -1), today} {
		entries = append(entries, l.readDay(day)...)
	}
	if len(entries) > maxEntries {
		entries = entries[len(entries)-maxEntries:]
	}
	return entries
}

func (l *Log) readDay(day time.Time) []Entry {
	file, err := os.Open(l.fileFor(day))
	if err != nil {
		return nil
	}
	defer file.Close()
	var entries []Entry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries
}

func (l *Log) fileFor(ts time.Time) string {
	return filepath.Join(l.dir, "audit-"+ts.UTC().Format("2006-01-02")+".jsonl")
}
