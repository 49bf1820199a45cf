package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/mhollis/deskhand/internal/task"
)

func TestDecisionValidate(t *testing.T) {
	ok := []Decision{
		{Kind: DecisionComplete},
		{Kind: DecisionBlocked, Note: "missing credentials"},
		{Kind: DecisionContinue, Note: "drafted reply"},
		{Kind: DecisionAct, Actions: []ProposedAction{{Kind: task.KindCommunication}}},
	}
	for _, d := range ok {
		if err := d.Validate(); err != nil {
			t.Errorf("%s: unexpected error %v", d.Kind, err)
		}
	}
	bad := []Decision{
		{Kind: "ponder"},
		{Kind: DecisionAct},
		{Kind: DecisionAct, Actions: []ProposedAction{{Kind: "telepathy"}}},
	}
	for _, d := range bad {
		if err := d.Validate(); err == nil {
			t.Errorf("%+v should fail validation", d)
		}
	}
}

func TestScriptedReplaysThenCompletes(t *testing.T) {
	s := NewScripted(
		Decision{Kind: DecisionContinue, Note: "one"},
		Decision{Kind: DecisionContinue, Note: "two"},
	)
	ctx := context.Background()
	for _, want := range []string{"one", "two"} {
		d, err := s.Next(ctx, Request{})
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if d.Kind != DecisionContinue || d.Note != want {
			t.Fatalf("decision = %+v, want continue %q", d, want)
		}
	}
	d, err := s.Next(ctx, Request{})
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if d.Kind != DecisionComplete {
		t.Fatalf("exhausted script = %+v, want complete", d)
	}
	if s.Calls() != 3 {
		t.Fatalf("calls = %d", s.Calls())
	}
}

func TestScriptedFailFirst(t *testing.T) {
	transient := errors.New("agent offline")
	s := NewScripted(Decision{Kind: DecisionComplete}).FailFirst(2, transient)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := s.Next(ctx, Request{}); !errors.Is(err, transient) {
			t.Fatalf("call %d: err = %v, want transient", i, err)
		}
	}
	d, err := s.Next(ctx, Request{})
	if err != nil || d.Kind != DecisionComplete {
		t.Fatalf("after failures: %+v, %v", d, err)
	}
}

func TestSplitCommand(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"my-agent --json", 2},
		{"  solo  ", 1},
		{"", 0},
	}
	for _, tc := range cases {
		if got := SplitCommand(tc.in); len(got) != tc.want {
			t.Errorf("SplitCommand(%q) = %v", tc.in, got)
		}
	}
	if _, err := NewExec(""); err == nil {
		t.Fatal("empty command should be rejected")
	}
}
