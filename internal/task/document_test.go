package task

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func sampleTask() Task {
	return Task{
		ID:             "send-invoice-20260310T110000Z",
		Title:          "Send invoice",
		Kind:           KindFinancial,
		State:          StateAwaitingApproval,
		Source:         "localdrop",
		SourceRef:      "invoice.txt",
		CreatedAt:      time.Date(2026, 3, 10, 11, 0, 0, 0, time.UTC),
		TransitionedAt: time.Date(2026, 3, 10, 11, 5, 0, 0, time.UTC),
		StepCount:      4,
		Action: &Action{
			ID:       "3f1c2e04-7a61-4f7e-9f4e-000000000001",
			Kind:     KindFinancial,
			Payload:  map[string]string{"amount": "120.00", "recipient": "acme"},
			Approval: ApprovalPending,
		},
		Body: []byte("Drafted the invoice.\n"),
	}
}

func TestDocumentRoundTrip(t *testing.T) {
	want := sampleTask()
	data, err := EncodeDocument(want)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := ParseDocument(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.ID != want.ID || got.Title != want.Title || got.Kind != want.Kind || got.State != want.State {
		t.Fatalf("identity fields lost: %+v", got)
	}
	if got.Source != want.Source || got.SourceRef != want.SourceRef {
		t.Fatalf("signal identity lost: %+v", got)
	}
	if !got.CreatedAt.Equal(want.CreatedAt) || !got.TransitionedAt.Equal(want.TransitionedAt) {
		t.Fatalf("timestamps lost: created=%v transitioned=%v", got.CreatedAt, got.TransitionedAt)
	}
	if got.StepCount != want.StepCount {
		t.Fatalf("step count = %d, want %d", got.StepCount, want.StepCount)
	}
	if got.Action == nil || got.Action.ID != want.Action.ID || got.Action.Approval != ApprovalPending {
		t.Fatalf("action block lost: %+v", got.Action)
	}
	if got.Action.Payload["recipient"] != "acme" {
		t.Fatalf("payload lost: %+v", got.Action.Payload)
	}
	if string(got.Body) != string(want.Body) {
		t.Fatalf("body = %q, want %q", got.Body, want.Body)
	}
}

func TestDocumentRoundTripCheckpoint(t *testing.T) {
	want := sampleTask()
	want.State = StateActive
	want.Action = nil
	want.Checkpoint = &Checkpoint{Step: 10, RequestedAt: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	data, err := EncodeDocument(want)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := ParseDocument(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Checkpoint == nil || got.Checkpoint.Step != 10 {
		t.Fatalf("checkpoint lost: %+v", got.Checkpoint)
	}
	if !got.Checkpoint.RequestedAt.Equal(want.Checkpoint.RequestedAt) {
		t.Fatalf("checkpoint timestamp = %v", got.Checkpoint.RequestedAt)
	}
}

func TestParseDocumentMissingFrontMatter(t *testing.T) {
	for _, content := range []string{"", "just a note\n", "--\nnope\n"} {
		if _, err := ParseDocument([]byte(content)); !errors.Is(err, ErrMissingFrontMatter) {
			t.Errorf("content %q: err = %v, want ErrMissingFrontMatter", content, err)
		}
	}
}

func TestParseDocumentMalformed(t *testing.T) {
	unterminated := "---\ndeskhand:\n  id: x\n"
	if _, err := ParseDocument([]byte(unterminated)); !errors.Is(err, ErrMalformedFrontMatter) {
		t.Fatalf("unterminated fence: err = %v, want ErrMalformedFrontMatter", err)
	}
	missingID := "---\ndeskhand:\n  title: no id\n  kind: communication\n  state: new\n---\n\nbody\n"
	if _, err := ParseDocument([]byte(missingID)); !errors.Is(err, ErrMalformedFrontMatter) {
		t.Fatalf("missing id: err = %v, want ErrMalformedFrontMatter", err)
	}
}

func TestParseDocumentRequiresCreated(t *testing.T) {
	doc := strings.Join([]string{
		"---",
		"deskhand:",
		"  id: x-20260310T110000Z",
		"  title: x",
		"  kind: communication",
		"  state: new",
		"  source: localdrop",
		"  source_ref: x.txt",
		"---",
		"",
		"body",
		"",
	}, "\n")
	if _, err := ParseDocument([]byte(doc)); err == nil {
		t.Fatal("document without created timestamp should fail")
	}
}

func TestEncodeDocumentRejectsInvalid(t *testing.T) {
	bad := sampleTask()
	bad.Source = ""
	if _, err := EncodeDocument(bad); err == nil {
		t.Fatal("encoding an invalid task should fail")
	}
}
