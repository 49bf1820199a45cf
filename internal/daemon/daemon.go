// Package daemon assembles and supervises the long-running process: the
// watchers, the execution loop, the approval dispatcher, and the snapshot
// generator, all sharing one store and one audit log. Components are
// isolated; a failing watcher degrades its health row, it does not stop the
// daemon.

package daemon

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mhollis/deskhand/internal/agent"
	"github.com/mhollis/deskhand/internal/audit"
	"github.com/mhollis/deskhand/internal/config"
	"github.com/mhollis/deskhand/internal/executor"
	"github.com/mhollis/deskhand/internal/gate"
	"github.com/mhollis/deskhand/internal/logging"
	"github.com/mhollis/deskhand/internal/loop"
	"github.com/mhollis/deskhand/internal/snapshot"
	"github.com/mhollis/deskhand/internal/store"
	"github.com/mhollis/deskhand/internal/watcher"
	"github.com/mhollis/deskhand/internal/watcher/gcal"
	"github.com/mhollis/deskhand/internal/watcher/localdrop"
)

// pumpInterval paces the claim/step/dispatch cycle between watcher polls.
const pumpInterval = 5 * time.Second

// Daemon is the assembled process.
type Daemon struct {
	cfg        *config.Config
	plog       *logging.Logger
	log        *audit.Log
	store      *store.Store
	loop       *loop.Loop
	dispatcher *executor.Dispatcher
	snap       *snapshot.Writer
	runners    []*watcher.Runner
	health     *healthBoard
	pump       time.Duration
}

// New wires a daemon for the given vault.
func New(cfg *config.Config) (*Daemon, error) {
	if err := config.InitVault(cfg.VaultDir); err != nil {
		return nil, fmt.Errorf("daemon: prepare vault: %w", err)
	}
	plog, err := logging.New(cfg.LogsDir())
	if err != nil {
		return nil, err
	}
	log, err := audit.New(cfg.LogsDir())
	if err != nil {
		return nil, err
	}
	st := store.New(cfg.VaultDir,
		store.WithAuditLog(log),
		store.WithSkipFunc(func(path string, cause error) {
			log.Record(audit.ActorStore, audit.EventDocumentSkipped, "", "error",
				fmt.Sprintf("%s: %v", filepath.Base(path), cause))
		}),
	)

	health := newHealthBoard()
	d := &Daemon{
		cfg:    cfg,
		plog:   plog,
		log:    log,
		store:  st,
		health: health,
		pump:   pumpInterval,
	}

	ag, err := d.buildAgent()
	if err != nil {
		return nil, err
	}
	policy := gate.Default()
	exec := executor.NewDryRun(plog)
	d.loop = loop.New(st, ag, policy, exec, log, plog, cfg.Vault.Loop)
	d.dispatcher = executor.NewDispatcher(st, policy, exec, log, cfg.Vault.Loop.StepTimeout.Std())
	d.snap = snapshot.NewWriter(st, log, cfg.VaultDir, cfg.SnapshotPath(), cfg.StateDir(), health.report)

	ing := watcher.NewIngestor(st, log)
	for _, ref := range cfg.Vault.Watchers {
		w, err := d.buildWatcher(ref)
		if err != nil {
			// A watcher that cannot start stays visible on the board rather
			// than silently vanishing from the roster.
			health.set("watcher:"+ref.Name, false, err.Error())
			plog.Printf("daemon: watcher %s disabled: %v", ref.Name, err)
			continue
		}
		health.set("watcher:"+ref.Name, true, "")
		d.runners = append(d.runners, watcher.NewRunner(w, ing, log, plog, ref.Interval.Std()))
	}
	return d, nil
}

func (d *Daemon) buildAgent() (agent.Agent, error) {
	if cmd := d.cfg.Vault.AgentCommand; cmd != "" {
		return agent.NewExec(cmd)
	}
	if !d.cfg.Vault.DryRun {
		return nil, fmt.Errorf("daemon: agent_command is empty; set it or enable dry_run")
	}
	return agent.NewScripted(), nil
}

func (d *Daemon) buildWatcher(ref config.WatcherRef) (watcher.Watcher, error) {
	switch ref.Name {
	case localdrop.Source:
		return localdrop.New(d.cfg.DropDirPath()), nil
	case gcal.Source:
		svc, err := gcal.NewService(context.Background(),
			filepath.Join(d.cfg.DeskhandVaultDir, "gcal-credentials.json"),
			filepath.Join(d.cfg.DeskhandVaultDir, "gcal-token.json"))
		if err != nil {
			return nil, err
		}
		return gcal.New(svc, ref.Calendar), nil
	default:
		return nil, fmt.Errorf("daemon: unknown watcher %q", ref.Name)
	}
}

// Run supervises all components until the context is cancelled. Startup
// begins with a store repair pass so documents moved while the daemon was
// down are reconciled before anything reads them.
func (d *Daemon) Run(ctx context.Context) error {
	defer d.plog.Close()
	d.plog.Printf("daemon: starting in %s", d.cfg.VaultDir)

	if repaired, err := d.store.Repair(); err != nil {
		return fmt.Errorf("daemon: startup repair: %w", err)
	} else if repaired > 0 {
		d.plog.Printf("daemon: repaired %d document(s) on startup", repaired)
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, r := range d.runners {
		r := r
		g.Go(func() error { return r.Run(ctx) })
	}
	g.Go(func() error { return d.runPump(ctx) })
	g.Go(func() error { return d.snapshots(ctx) })

	err := g.Wait()
	d.plog.Printf("daemon: stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// runPump alternates loop passes and dispatch passes on a fixed cadence.
func (d *Daemon) runPump(ctx context.Context) error {
	ticker := time.NewTicker(d.pump)
	defer ticker.Stop()
	for {
		if err := d.loop.RunPass(ctx); err != nil && ctx.Err() == nil {
			d.health.set("loop", false, err.Error())
			d.plog.Printf("daemon: loop pass: %v", err)
		} else if ctx.Err() == nil {
			d.health.set("loop", true, "")
		}
		if err := d.dispatcher.DispatchApproved(ctx); err != nil && ctx.Err() == nil {
			d.health.set("dispatcher", false, err.Error())
			d.plog.Printf("daemon: dispatch pass: %v", err)
		} else if ctx.Err() == nil {
			d.health.set("dispatcher", true, "")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (d *Daemon) snapshots(ctx context.Context) error {
	interval := d.cfg.Vault.SnapshotInterval.Std()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := d.snap.WriteSnapshot(); err != nil {
			d.health.set("snapshot", false, err.Error())
			d.plog.Printf("daemon: snapshot: %v", err)
		} else {
			d.health.set("snapshot", true, "")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Store exposes the daemon's store for callers that embed it.
func (d *Daemon) Store() *store.Store { return d.store }

// healthBoard tracks last-known component status for the snapshot.
type healthBoard struct {
	mu   sync.Mutex
	rows map[string]snapshot.ComponentStatus
}

func newHealthBoard() *healthBoard {
	return &healthBoard{rows: make(map[string]snapshot.ComponentStatus)}
}

func (h *healthBoard) set(name string, ok bool, detail string) {
	h.mu.Lock()
	h.rows[name] = snapshot.ComponentStatus{Name: name, OK: ok, Detail: detail}
	h.mu.Unlock()
}

func (h *healthBoard) report() []snapshot.ComponentStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]snapshot.ComponentStatus, 0, len(h.rows))
	for _, row := range h.rows {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
