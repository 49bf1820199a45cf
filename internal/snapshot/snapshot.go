// Package snapshot renders the vault's STATUS.md board. The board is a pure
// function of store and audit state rendered into a fixed section layout, so
// two runs over the same data produce byte-identical output. Writes are
// elided when nothing changed, and a render that fails its own structural
// check is discarded rather than written.

package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mhollis/deskhand/internal/audit"
	"github.com/mhollis/deskhand/internal/store"
	"github.com/mhollis/deskhand/internal/task"
)

const (
	maxPending   = 10
	maxActive    = 15
	maxNew       = 10
	maxCompleted = 10

	hashFile = "status.sha256"
)

// sectionMarkers is the required layout, in order. A rendered board missing
// any of these, or carrying them out of order, is structurally invalid.
var sectionMarkers = []string{
	"# Deskhand Status",
	"## Component Health",
	"## Pending Approvals",
	"## Active Tasks",
	"## New Signals",
	"## Recently Completed",
	"## Metrics",
	"## Period Summary",
	"## Quick Reference",
}

// ComponentStatus is one row of the health section.
type ComponentStatus struct {
	Name   string
	OK     bool
	Detail string
}

// HealthFunc reports component health at render time.
type HealthFunc func() []ComponentStatus

// Writer renders and maintains the status board.
type Writer struct {
	store    *store.Store
	log      *audit.Log
	vaultDir string
	path     string
	stateDir string
	health   HealthFunc
	now      func() time.Time
}

// NewWriter wires a snapshot writer. path is the board location, stateDir
// holds the content hash used for write elision.
func NewWriter(st *store.Store, log *audit.Log, vaultDir, path, stateDir string, health HealthFunc) *Writer {
	return &Writer{
		store:    st,
		log:      log,
		vaultDir: vaultDir,
		path:     path,
		stateDir: stateDir,
		health:   health,
		now:      time.Now,
	}
}

// WithClock overrides the writer clock, primarily for tests.
func (w *Writer) WithClock(clock func() time.Time) *Writer {
	if clock != nil {
		w.now = clock
	}
	return w
}

// WriteSnapshot renders the board and writes it if its content changed. The
// generated-at line is excluded from the change check so an unchanged vault
// does not churn the file.
func (w *Writer) WriteSnapshot() error {
	content, err := w.renderValid()
	if err != nil {
		return err
	}
	sum := contentHash(content)

	prev, prevErr := os.ReadFile(filepath.Join(w.stateDir, hashFile))
	if prevErr == nil && strings.TrimSpace(string(prev)) == sum {
		if onDisk, err := os.ReadFile(w.path); err == nil && contentHash(string(onDisk)) == sum {
			return nil
		}
		// Hash says unchanged but the file disagrees: someone edited the
		// board by hand. It is generated output, so regenerate it.
		w.log.Record(audit.ActorSnapshot, audit.EventSnapshotRecovered, "", "", "external edit overwritten")
	}

	if err := w.writeAtomic(w.path, []byte(content)); err != nil {
		return err
	}
	if err := os.MkdirAll(w.stateDir, 0o755); err != nil {
		return fmt.Errorf("snapshot: prepare %s: %w", w.stateDir, err)
	}
	if err := w.writeAtomic(filepath.Join(w.stateDir, hashFile), []byte(sum+"\n")); err != nil {
		return err
	}
	w.log.Record(audit.ActorSnapshot, audit.EventSnapshotWritten, "", "", sum[:12])
	return nil
}

// renderValid renders once, validates, and on structural failure discards
// the output and tries once more before giving up.
func (w *Writer) renderValid() (string, error) {
	content, err := w.render()
	if err != nil {
		return "", err
	}
	if verr := Validate(content); verr != nil {
		w.log.Record(audit.ActorSnapshot, audit.EventSnapshotRecovered, "", "error", verr.Error())
		content, err = w.render()
		if err != nil {
			return "", err
		}
		if verr := Validate(content); verr != nil {
			return "", fmt.Errorf("snapshot: render invalid twice: %w", verr)
		}
	}
	return content, nil
}

// Validate checks the fixed section layout.
func Validate(content string) error {
	rest := content
	for _, marker := range sectionMarkers {
		idx := strings.Index(rest, marker+"\n")
		if idx < 0 {
			return fmt.Errorf("snapshot: missing or misordered section %q", marker)
		}
		rest = rest[idx+len(marker):]
	}
	return nil
}

func contentHash(content string) string {
	var kept []string
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(line, "Generated: ") {
			continue
		}
		kept = append(kept, line)
	}
	sum := sha256.Sum256([]byte(strings.Join(kept, "\n")))
	return hex.EncodeToString(sum[:])
}

func (w *Writer) writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".deskhand-*")
	if err != nil {
		return fmt.Errorf("snapshot: temp file in %s: %w", dir, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("snapshot: write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("snapshot: close temp for %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("snapshot: replace %s: %w", path, err)
	}
	return nil
}

func (w *Writer) render() (string, error) {
	now := w.now().UTC()
	pending, err := w.store.List(task.StateAwaitingApproval)
	if err != nil {
		return "", err
	}
	approved, err := w.store.List(task.StateApproved)
	if err != nil {
		return "", err
	}
	active, err := w.store.List(task.StateActive)
	if err != nil {
		return "", err
	}
	fresh, err := w.store.List(task.StateNew)
	if err != nil {
		return "", err
	}
	done, err := w.store.List(task.StateDone)
	if err != nil {
		return "", err
	}
	sort.Slice(done, func(i, j int) bool {
		if !done[i].CompletedAt.Equal(done[j].CompletedAt) {
			return done[i].CompletedAt.After(done[j].CompletedAt)
		}
		return done[i].ID < done[j].ID
	})

	var b strings.Builder
	b.WriteString("# Deskhand Status\n\n")
	fmt.Fprintf(&b, "Generated: %s\n", now.Format(time.RFC3339))
	fmt.Fprintf(&b, "Vault: %s\n\n", w.vaultDir)

	w.renderHealth(&b)
	w.renderPending(&b, pending, approved)
	w.renderActive(&b, active)
	w.renderNew(&b, fresh)
	w.renderCompleted(&b, done, now)
	w.renderMetrics(&b, fresh, active, pending, approved, done, now)
	w.renderPeriodSummary(&b, now)
	renderQuickReference(&b)

	return b.String(), nil
}

func (w *Writer) renderHealth(b *strings.Builder) {
	b.WriteString("## Component Health\n\n")
	var rows []ComponentStatus
	if w.health != nil {
		rows = w.health()
	}
	if len(rows) == 0 {
		b.WriteString("No components reporting.\n\n")
		return
	}
	b.WriteString("| Component | Status | Detail |\n|---|---|---|\n")
	for _, row := range rows {
		status := "ok"
		if !row.OK {
			status = "degraded"
		}
		fmt.Fprintf(b, "| %s | %s | %s |\n", row.Name, status, cell(row.Detail))
	}
	b.WriteString("\n")
}

func (w *Writer) renderPending(b *strings.Builder, pending, approved []task.Task) {
	b.WriteString("## Pending Approvals\n\n")
	if len(pending) == 0 && len(approved) == 0 {
		b.WriteString("Nothing awaiting approval.\n\n")
		return
	}
	if len(pending) > 0 {
		b.WriteString("Move a document to Approved/ to authorize, or to Done/ to reject.\n\n")
		b.WriteString("| Task | Action | Requested |\n|---|---|---|\n")
		for _, t := range capTasks(pending, maxPending) {
			kind := ""
			if t.Action != nil {
				kind = string(t.Action.Kind)
			}
			fmt.Fprintf(b, "| %s | %s | %s |\n", cell(t.Title), kind, t.TransitionedAt.Format("Jan 2 15:04"))
		}
		overflowLine(b, len(pending), maxPending)
		b.WriteString("\n")
	}
	if len(approved) > 0 {
		fmt.Fprintf(b, "%d approved task(s) queued for dispatch.\n\n", len(approved))
	}
}

func (w *Writer) renderActive(b *strings.Builder, active []task.Task) {
	b.WriteString("## Active Tasks\n\n")
	if len(active) == 0 {
		b.WriteString("No tasks in progress.\n\n")
		return
	}
	b.WriteString("| Task | Kind | Steps | Note |\n|---|---|---|---|\n")
	for _, t := range capTasks(active, maxActive) {
		note := ""
		if t.Checkpoint != nil {
			note = fmt.Sprintf("checkpoint at step %d, run `deskhand continue %s`", t.Checkpoint.Step, t.ID)
		}
		fmt.Fprintf(b, "| %s | %s | %d | %s |\n", cell(t.Title), t.Kind, t.StepCount, cell(note))
	}
	overflowLine(b, len(active), maxActive)
	b.WriteString("\n")
}

func (w *Writer) renderNew(b *strings.Builder, fresh []task.Task) {
	b.WriteString("## New Signals\n\n")
	if len(fresh) == 0 {
		b.WriteString("Inbox is clear.\n\n")
		return
	}
	b.WriteString("| Task | Source | Received |\n|---|---|---|\n")
	for _, t := range capTasks(fresh, maxNew) {
		fmt.Fprintf(b, "| %s | %s | %s |\n", cell(t.Title), t.Source, t.CreatedAt.Format("Jan 2 15:04"))
	}
	overflowLine(b, len(fresh), maxNew)
	b.WriteString("\n")
}

func (w *Writer) renderCompleted(b *strings.Builder, done []task.Task, now time.Time) {
	b.WriteString("## Recently Completed\n\n")
	var recent []task.Task
	for _, t := range done {
		if now.Sub(t.CompletedAt) <= 7*24*time.Hour {
			recent = append(recent, t)
		}
	}
	if len(recent) == 0 {
		b.WriteString("Nothing completed in the last 7 days.\n\n")
		return
	}
	b.WriteString("| Task | Outcome | Completed |\n|---|---|---|\n")
	for _, t := range capTasks(recent, maxCompleted) {
		outcome := string(t.Outcome)
		if t.Outcome == task.OutcomeFailed && t.FailureReason != "" {
			outcome = fmt.Sprintf("failed (%s)", t.FailureReason)
		}
		fmt.Fprintf(b, "| %s | %s | %s |\n", cell(t.Title), cell(outcome), t.CompletedAt.Format("Jan 2 15:04"))
	}
	overflowLine(b, len(recent), maxCompleted)
	b.WriteString("\n")
}

func (w *Writer) renderMetrics(b *strings.Builder, fresh, active, pending, approved, done []task.Task, now time.Time) {
	b.WriteString("## Metrics\n\n")
	doneToday, failedToday := 0, 0
	dayStart := now.Truncate(24 * time.Hour)
	for _, t := range done {
		if t.CompletedAt.Before(dayStart) {
			continue
		}
		if t.Outcome == task.OutcomeFailed {
			failedToday++
		} else {
			doneToday++
		}
	}
	fmt.Fprintf(b, "- Inbox: %d\n", len(fresh))
	fmt.Fprintf(b, "- In progress: %d\n", len(active))
	fmt.Fprintf(b, "- Awaiting approval: %d\n", len(pending))
	fmt.Fprintf(b, "- Approved, not yet dispatched: %d\n", len(approved))
	fmt.Fprintf(b, "- Completed today: %d\n", doneToday)
	fmt.Fprintf(b, "- Failed today: %d\n", failedToday)
	b.WriteString("\n")
}

func (w *Writer) renderPeriodSummary(b *strings.Builder, now time.Time) {
	b.WriteString("## Period Summary\n\n")
	b.WriteString("<details>\n<summary>Last 24h activity</summary>\n\n")
	counts := map[string]int{}
	cutoff := now.Add(-24 * time.Hour)
	for _, e := range w.log.Tail(1000) {
		if e.TS.Before(cutoff) {
			continue
		}
		// The board's own write events would make every render differ from
		// the last one and defeat write elision.
		if e.Actor == audit.ActorSnapshot {
			continue
		}
		counts[e.Event]++
	}
	if len(counts) == 0 {
		b.WriteString("No activity recorded.\n")
	} else {
		events := make([]string, 0, len(counts))
		for ev := range counts {
			events = append(events, ev)
		}
		sort.Strings(events)
		for _, ev := range events {
			fmt.Fprintf(b, "- %s: %d\n", ev, counts[ev])
		}
	}
	b.WriteString("\n</details>\n\n")
}

func renderQuickReference(b *strings.Builder) {
	b.WriteString("## Quick Reference\n\n")
	b.WriteString("- `Inbox/` new signals, not yet claimed\n")
	b.WriteString("- `Needs_Action/` tasks being worked\n")
	b.WriteString("- `Pending_Approval/` move to `Approved/` to authorize, `Done/` to reject\n")
	b.WriteString("- `Approved/` authorized, queued for dispatch\n")
	b.WriteString("- `Done/` terminal, with outcome recorded in the document\n")
	b.WriteString("- `Drop/` drop a text file here to create a task\n")
	b.WriteString("- `deskhand list` / `deskhand status` / `deskhand continue <id>`\n")
}

func capTasks(tasks []task.Task, max int) []task.Task {
	if len(tasks) > max {
		return tasks[:max]
	}
	return tasks
}

func overflowLine(b *strings.Builder, total, max int) {
	if total > max {
		fmt.Fprintf(b, "\n... and %d more\n", total-max)
	}
}

// cell strips characters that would break a markdown table row.
func cell(s string) string {
	s = strings.ReplaceAll(s, "|", "/")
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > 80 {
		s = s[:77] + "..."
	}
	return s
}
