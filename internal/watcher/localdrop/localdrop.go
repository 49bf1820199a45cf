// Package localdrop watches the vault's Drop directory. Any text file
// placed there becomes a signal: the filename is the source ref, the first
// line the title, the rest the body. Consumed files move to Drop/.seen/ so
// the same file is not re-read every poll; the store's signal index remains
// the real duplicate guard.
package localdrop

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mhollis/deskhand/internal/task"
	"github.com/mhollis/deskhand/internal/watcher"
)

// Source is the signal source name stamped on every localdrop task.
const Source = "localdrop"

const seenDir = ".seen"

// Watcher polls a single drop directory.
type Watcher struct {
	dir string
}

// New builds a watcher over the given drop directory.
func New(dir string) *Watcher {
	return &Watcher{dir: dir}
}

// Name identifies the watcher in audit entries.
func (w *Watcher) Name() string { return Source }

// Poll reads every unconsumed file in the drop directory.
func (w *Watcher) Poll(ctx context.Context) ([]watcher.RawSignal, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("localdrop: read %s: %w", w.dir, err)
	}
	var signals []watcher.RawSignal
	for _, entry := range entries {
		if ctx.Err() != nil {
			return signals, ctx.Err()
		}
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		path := filepath.Join(w.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return signals, fmt.Errorf("localdrop: read %s: %w", name, err)
		}
		sig := parseSignal(name, data)
		if err := w.markSeen(name, path); err != nil {
			return signals, err
		}
		signals = append(signals, sig)
	}
	return signals, nil
}

// markSeen moves a consumed file under .seen/. If a file with the same name
// was dropped before, the old copy is overwritten; the ref already exists in
// the store so no new task results either way.
func (w *Watcher) markSeen(name, path string) error {
	dir := filepath.Join(w.dir, seenDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("localdrop: prepare %s: %w", dir, err)
	}
	if err := os.Rename(path, filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("localdrop: archive %s: %w", name, err)
	}
	return nil
}

// parseSignal splits a drop file into title and body. A "kind:" line at the
// very top selects the task kind, letting a human pre-classify work they
// drop in by hand.
func parseSignal(name string, data []byte) watcher.RawSignal {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	kind := task.Kind("")
	if rest, ok := strings.CutPrefix(text, "kind:"); ok {
		line, tail, _ := strings.Cut(rest, "\n")
		if k := task.Kind(strings.TrimSpace(line)); k.Valid() {
			kind = k
			text = tail
		}
	}
	title, body, _ := strings.Cut(strings.TrimLeft(text, "\n"), "\n")
	title = strings.TrimSpace(strings.TrimPrefix(title, "#"))
	if title == "" {
		title = strings.TrimSuffix(name, filepath.Ext(name))
	}
	return watcher.RawSignal{
		Source:    Source,
		SourceRef: name,
		Title:     title,
		Body:      strings.TrimSpace(body),
		Kind:      kind,
	}
}
