// Package agent defines the contract with the external reasoning agent. The
// agent is opaque to the orchestrator: given task context it either signals
// completion, proposes actions, declares itself blocked, or just continues.

package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/mhollis/deskhand/internal/task"
)

// DecisionKind enumerates the responses the loop knows how to interpret.
type DecisionKind string

const (
	// DecisionComplete marks the task finished.
	DecisionComplete DecisionKind = "complete"
	// DecisionBlocked declares the agent cannot make progress.
	DecisionBlocked DecisionKind = "blocked"
	// DecisionContinue records a step with no side effect.
	DecisionContinue DecisionKind = "continue"
	// DecisionAct proposes one or more side-effecting actions.
	DecisionAct DecisionKind = "act"
)

// ProposedAction is an action the agent wants performed on the task's behalf.
type ProposedAction struct {
	Kind    task.Kind         `json:"kind"`
	Payload map[string]string `json:"payload,omitempty"`
}

// Decision is the interpreted agent response.
type Decision struct {
	Kind    DecisionKind     `json:"decision"`
	Note    string           `json:"note,omitempty"`
	Actions []ProposedAction `json:"actions,omitempty"`
}

// Validate rejects responses the loop cannot act on.
func (d Decision) Validate() error {
	switch d.Kind {
	case DecisionComplete, DecisionBlocked, DecisionContinue:
		return nil
	case DecisionAct:
		if len(d.Actions) == 0 {
			return fmt.Errorf("agent: act decision carries no actions")
		}
		for i, a := range d.Actions {
			if !a.Kind.Valid() {
				return fmt.Errorf("agent: actions[%d] has unknown kind %q", i, a.Kind)
			}
		}
		return nil
	default:
		return fmt.Errorf("agent: unknown decision %q", d.Kind)
	}
}

// Request is the context handed to the agent on each iteration.
type Request struct {
	TaskID  string      `json:"task_id"`
	Title   string      `json:"title"`
	Kind    task.Kind   `json:"kind"`
	Step    int         `json:"step"`
	Body    string      `json:"body"`
	History []string    `json:"history,omitempty"`
	Menu    []task.Kind `json:"allowed_actions"`
}

// Agent is the opaque reasoning call. Implementations must honor the
// context deadline; the loop treats any returned error as transient and
// retries with backoff.
type Agent interface {
	Next(ctx context.Context, req Request) (Decision, error)
}

// Scripted replays a fixed sequence of decisions. It backs tests and dry
// runs; once the script is exhausted it completes the task.
type Scripted struct {
	decisions []Decision
	errs      []error
	calls     int
}

// NewScripted builds a scripted agent from the given decisions.
func NewScripted(decisions ...Decision) *Scripted {
	return &Scripted{decisions: decisions}
}

// FailFirst prepends n transient failures before the script plays.
func (s *Scripted) FailFirst(n int, err error) *Scripted {
	for i := 0; i < n; i++ {
		s.errs = append(s.errs, err)
	}
	return s
}

// Calls reports how many times Next ran.
func (s *Scripted) Calls() int { return s.calls }

// Next pops the next scripted response.
func (s *Scripted) Next(_ context.Context, _ Request) (Decision, error) {
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return Decision{}, err
	}
	if len(s.decisions) == 0 {
		return Decision{Kind: DecisionComplete, Note: "script exhausted"}, nil
	}
	d := s.decisions[0]
	s.decisions = s.decisions[1:]
	return d, nil
}

// SplitCommand breaks a configured agent command line into argv. Quoting is
// deliberately not supported; complex launchers belong in a wrapper script.
func SplitCommand(command string) []string {
	return strings.Fields(strings.TrimSpace(command))
}
