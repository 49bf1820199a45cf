package localdrop

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/mhollis/deskhand/internal/task"
)

func TestPollReadsAndArchives(t *testing.T) {
	dir := t.TempDir()
	content := "Reply to Dana\n\nShe asked about the invoice.\n"
	if err := os.WriteFile(filepath.Join(dir, "note.txt"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	w := New(dir)
	signals, err := w.Poll(context.Background())
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(signals) != 1 {
		t.Fatalf("signals = %d", len(signals))
	}
	sig := signals[0]
	if sig.Source != Source || sig.SourceRef != "note.txt" {
		t.Fatalf("identity = %s/%s", sig.Source, sig.SourceRef)
	}
	if sig.Title != "Reply to Dana" {
		t.Fatalf("title = %q", sig.Title)
	}
	if sig.Body != "She asked about the invoice." {
		t.Fatalf("body = %q", sig.Body)
	}

	if _, err := os.Stat(filepath.Join(dir, "note.txt")); !os.IsNotExist(err) {
		t.Fatal("consumed file still in drop dir")
	}
	if _, err := os.Stat(filepath.Join(dir, seenDir, "note.txt")); err != nil {
		t.Fatalf("consumed file not archived: %v", err)
	}

	// Next poll sees nothing.
	again, err := w.Poll(context.Background())
	if err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("second poll = %d signals", len(again))
	}
}

func TestPollParsesKindHeader(t *testing.T) {
	dir := t.TempDir()
	content := "kind: financial\nPay the hosting bill\n\ndue friday\n"
	if err := os.WriteFile(filepath.Join(dir, "bill.txt"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	signals, err := New(dir).Poll(context.Background())
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(signals) != 1 {
		t.Fatalf("signals = %d", len(signals))
	}
	if signals[0].Kind != task.KindFinancial {
		t.Fatalf("kind = %q", signals[0].Kind)
	}
	if signals[0].Title != "Pay the hosting bill" {
		t.Fatalf("title = %q", signals[0].Title)
	}
}

func TestPollFallsBackToFilenameTitle(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "empty-note.txt"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	signals, err := New(dir).Poll(context.Background())
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(signals) != 1 || signals[0].Title != "empty-note" {
		t.Fatalf("signals = %+v", signals)
	}
}

func TestPollIgnoresHiddenAndDirs(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".hidden"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(dir, "subdir"), 0o755); err != nil {
		t.Fatal(err)
	}
	signals, err := New(dir).Poll(context.Background())
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(signals) != 0 {
		t.Fatalf("signals = %+v", signals)
	}
}

func TestPollMissingDirIsQuiet(t *testing.T) {
	signals, err := New(filepath.Join(t.TempDir(), "nope")).Poll(context.Background())
	if err != nil || len(signals) != 0 {
		t.Fatalf("poll = %v, %v", signals, err)
	}
}
