// Package watcher turns external and local signals into tasks. Each watcher
// polls one source on its own timer; a watcher failure is contained to that
// watcher and surfaces only in the audit log. Ingestion is idempotent over
// the (source, source_ref) pair, with the store itself as the index, so
// duplicate deliveries and restarts never create duplicate tasks.

package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mhollis/deskhand/internal/audit"
	"github.com/mhollis/deskhand/internal/store"
	"github.com/mhollis/deskhand/internal/task"
)

// RawSignal is one observation from a source, not yet a task.
type RawSignal struct {
	Source    string
	SourceRef string
	Title     string
	Body      string
	Kind      task.Kind
}

// Watcher polls a single signal source.
type Watcher interface {
	Name() string
	Poll(ctx context.Context) ([]RawSignal, error)
}

// Logger matches logging.Logger's signature.
type Logger interface {
	Printf(format string, args ...any)
}

// Ingestor converts raw signals into Inbox tasks.
type Ingestor struct {
	store *store.Store
	log   *audit.Log
	now   func() time.Time
}

// NewIngestor wires an ingestor to the store and audit log.
func NewIngestor(st *store.Store, log *audit.Log) *Ingestor {
	return &Ingestor{store: st, log: log, now: time.Now}
}

// WithClock overrides the ingestor clock, primarily for tests.
func (i *Ingestor) WithClock(clock func() time.Time) *Ingestor {
	if clock != nil {
		i.now = clock
	}
	return i
}

// Ingest files each signal into the store, discarding duplicates. It returns
// how many tasks were created; per-signal failures are audited and skipped.
func (i *Ingestor) Ingest(signals []RawSignal) int {
	created := 0
	for _, sig := range signals {
		ok, err := i.ingestOne(sig)
		if err != nil {
			i.log.Record(audit.ActorWatcher, audit.EventWatcherError, "", "error",
				fmt.Sprintf("%s/%s: %v", sig.Source, sig.SourceRef, err))
			continue
		}
		if ok {
			created++
		}
	}
	return created
}

func (i *Ingestor) ingestOne(sig RawSignal) (bool, error) {
	if strings.TrimSpace(sig.Source) == "" || strings.TrimSpace(sig.SourceRef) == "" {
		return false, fmt.Errorf("watcher: signal missing source identity")
	}
	if _, err := i.store.FindBySignal(sig.Source, sig.SourceRef); err == nil {
		i.log.Record(audit.ActorWatcher, audit.EventSignalDiscarded, "", "duplicate",
			fmt.Sprintf("%s/%s already tracked", sig.Source, sig.SourceRef))
		return false, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return false, err
	}

	kind := sig.Kind
	if !kind.Valid() {
		kind = task.KindInternalOperation
	}
	now := i.now().UTC()
	t := task.Task{
		ID:        task.NewID(sig.Title, now),
		Title:     strings.TrimSpace(sig.Title),
		Kind:      kind,
		State:     task.StateNew,
		Source:    sig.Source,
		SourceRef: sig.SourceRef,
		CreatedAt: now,
		Body:      []byte(sig.Body),
	}
	err := i.store.Create(t)
	if err != nil && strings.Contains(err.Error(), "already exists") {
		// Same slug in the same second; disambiguate with the signal ref.
		t.ID = t.ID + "-" + shortRef(sig.SourceRef)
		err = i.store.Create(t)
	}
	if err != nil {
		if errors.Is(err, store.ErrDuplicateSignal) {
			i.log.Record(audit.ActorWatcher, audit.EventSignalDiscarded, "", "duplicate",
				fmt.Sprintf("%s/%s raced an earlier ingest", sig.Source, sig.SourceRef))
			return false, nil
		}
		return false, err
	}
	i.log.Record(audit.ActorWatcher, audit.EventTaskCreated, t.ID, "", fmt.Sprintf("from %s/%s", sig.Source, sig.SourceRef))
	return true, nil
}

func shortRef(ref string) string {
	sum := sha256.Sum256([]byte(ref))
	return hex.EncodeToString(sum[:4])
}

// Runner drives one watcher on a ticker. Poll errors and panics are caught
// and audited; the watcher retries on its next tick with unchanged state.
type Runner struct {
	watcher  Watcher
	ingestor *Ingestor
	log      *audit.Log
	plog     Logger
	interval time.Duration
	timeout  time.Duration
}

// NewRunner builds a runner for one watcher.
func NewRunner(w Watcher, ing *Ingestor, log *audit.Log, plog Logger, interval time.Duration) *Runner {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	timeout := interval
	if timeout > 30*time.Second {
		timeout = 30 * time.Second
	}
	return &Runner{watcher: w, ingestor: ing, log: log, plog: plog, interval: interval, timeout: timeout}
}

// Run polls until the context is cancelled. It always returns nil on
// cancellation: a watcher never takes the daemon down with it.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	r.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

// Tick runs one poll+ingest pass. Exposed so the daemon and tests can drive
// a watcher without the timer.
func (r *Runner) Tick(ctx context.Context) { r.tick(ctx) }

func (r *Runner) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	pollCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	signals, err := r.poll(pollCtx)
	if err != nil {
		r.log.Record(audit.ActorWatcher, audit.EventWatcherError, "", "error",
			fmt.Sprintf("%s: %v", r.watcher.Name(), err))
		if r.plog != nil {
			r.plog.Printf("watcher %s: %v", r.watcher.Name(), err)
		}
		return
	}
	if len(signals) > 0 {
		r.ingestor.Ingest(signals)
	}
}

// poll isolates the recover so one panicking watcher behaves like one that
// returned an error.
func (r *Runner) poll(ctx context.Context) (signals []RawSignal, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			signals = nil
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return r.watcher.Poll(ctx)
}
