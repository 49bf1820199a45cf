// Package loop drives tasks through their working phase. A session claims a
// task from the inbox, feeds it to the reasoning agent one bounded step at a
// time, and parks or closes the task according to what comes back. Every
// exit from the loop is explicit: completion, a pending approval, a
// checkpoint awaiting human review, or a stamped failure reason.

package loop

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mhollis/deskhand/internal/agent"
	"github.com/mhollis/deskhand/internal/audit"
	"github.com/mhollis/deskhand/internal/config"
	"github.com/mhollis/deskhand/internal/executor"
	"github.com/mhollis/deskhand/internal/gate"
	"github.com/mhollis/deskhand/internal/store"
	"github.com/mhollis/deskhand/internal/task"
)

const historyWindow = 10

// Logger matches logging.Logger's signature.
type Logger interface {
	Printf(format string, args ...any)
}

// Loop owns the claim-and-step cycle for every non-terminal task.
type Loop struct {
	store  *store.Store
	agent  agent.Agent
	policy *gate.Policy
	exec   executor.ActionExecutor
	log    *audit.Log
	plog   Logger
	bounds config.LoopBounds
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	running map[string]bool
}

// Option adjusts loop construction.
type Option func(*Loop)

// WithClock overrides the loop clock, primarily for tests.
func WithClock(clock func() time.Time) Option {
	return func(l *Loop) {
		if clock != nil {
			l.now = clock
		}
	}
}

// WithSleep overrides the retry backoff sleeper, primarily for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(l *Loop) {
		if sleep != nil {
			l.sleep = sleep
		}
	}
}

// New wires a loop over the store, agent, and action executor.
func New(st *store.Store, ag agent.Agent, policy *gate.Policy, exec executor.ActionExecutor, log *audit.Log, plog Logger, bounds config.LoopBounds, opts ...Option) *Loop {
	l := &Loop{
		store:   st,
		agent:   ag,
		policy:  policy,
		exec:    exec,
		log:     log,
		plog:    plog,
		bounds:  bounds,
		now:     time.Now,
		sleep:   sleepCtx,
		running: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RunPass claims every inbox task and steps every runnable active task once
// through a full session. Per-task errors are audited and do not stop the
// pass.
func (l *Loop) RunPass(ctx context.Context) error {
	if err := l.claimNew(ctx); err != nil {
		return err
	}
	active, err := l.store.List(task.StateActive)
	if err != nil {
		return err
	}
	for i := range active {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		t := &active[i]
		if t.Checkpoint != nil {
			continue
		}
		if !l.acquire(t.ID) {
			continue
		}
		err := l.runSession(ctx, t)
		l.release(t.ID)
		if err != nil && !errors.Is(err, context.Canceled) {
			l.log.Record(audit.ActorLoop, audit.EventWatcherError, t.ID, "error", err.Error())
		}
	}
	return nil
}

// claimNew moves every inbox task to Needs_Action.
func (l *Loop) claimNew(ctx context.Context) error {
	fresh, err := l.store.List(task.StateNew)
	if err != nil {
		return err
	}
	for i := range fresh {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := l.store.Transition(&fresh[i], task.StateActive); err != nil {
			l.log.Record(audit.ActorLoop, audit.EventWatcherError, fresh[i].ID, "error", err.Error())
		}
	}
	return nil
}

func (l *Loop) acquire(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running[id] {
		return false
	}
	l.running[id] = true
	return true
}

func (l *Loop) release(id string) {
	l.mu.Lock()
	delete(l.running, id)
	l.mu.Unlock()
}

// runSession iterates one task until it parks or terminates. Cancellation is
// honored only at iteration boundaries so a step never tears mid-write.
func (l *Loop) runSession(ctx context.Context, t *task.Task) error {
	history := lastNotes(t.Body, historyWindow)
	for {
		if err := ctx.Err(); err != nil {
			// The document already reflects every completed step; the
			// session just resumes on the next pass.
			return err
		}
		if t.StepCount >= l.bounds.MaxSteps {
			return l.fail(t, task.ReasonMaxSteps,
				fmt.Sprintf("no completion after %d steps", t.StepCount))
		}

		decision, err := l.step(ctx, t, history)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return l.fail(t, task.ReasonStepTimeout,
					fmt.Sprintf("step %d exceeded %s", t.StepCount+1, l.bounds.StepTimeout.Std()))
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return l.fail(t, task.ReasonRetriesExhausted,
				fmt.Sprintf("agent failed %d times: %v", t.RetryCount, err))
		}
		t.RetryCount = 0
		t.StepCount++

		note := stepNote(t.StepCount, decision)
		history = appendHistory(history, note)
		t.Body = appendNote(t.Body, l.now().UTC(), note)
		l.log.Record(audit.ActorLoop, audit.EventLoopStep, t.ID, string(decision.Kind), decision.Note)

		switch decision.Kind {
		case agent.DecisionComplete:
			t.Outcome = task.OutcomeSuccess
			return l.store.Transition(t, task.StateDone)
		case agent.DecisionBlocked:
			return l.fail(t, task.ReasonAgentBlocked, decision.Note)
		case agent.DecisionAct:
			parked, err := l.handleAct(ctx, t, decision)
			if err != nil || parked {
				return err
			}
		case agent.DecisionContinue:
			if err := l.store.Save(*t); err != nil {
				return err
			}
		}

		if l.bounds.CheckpointInterval > 0 && t.StepCount%l.bounds.CheckpointInterval == 0 {
			return l.checkpoint(t)
		}
	}
}

// step calls the agent once under the step timeout, retrying transient
// failures with exponential backoff up to the retry bound.
func (l *Loop) step(ctx context.Context, t *task.Task, history []string) (agent.Decision, error) {
	req := agent.Request{
		TaskID:  t.ID,
		Title:   t.Title,
		Kind:    t.Kind,
		Step:    t.StepCount + 1,
		Body:    string(t.Body),
		History: history,
		Menu:    task.Kinds(),
	}
	backoff := time.Second
	for {
		stepCtx, cancel := context.WithTimeout(ctx, l.bounds.StepTimeout.Std())
		decision, err := l.agent.Next(stepCtx, req)
		cancel()
		if err == nil {
			return decision, nil
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return agent.Decision{}, context.DeadlineExceeded
		}
		if ctx.Err() != nil {
			return agent.Decision{}, ctx.Err()
		}
		t.RetryCount++
		if t.RetryCount > l.bounds.MaxRetries {
			return agent.Decision{}, err
		}
		if l.plog != nil {
			l.plog.Printf("loop: %s retry %d/%d after %s: %v", t.ID, t.RetryCount, l.bounds.MaxRetries, backoff, err)
		}
		if err := l.sleep(ctx, backoff); err != nil {
			return agent.Decision{}, err
		}
		backoff *= 2
	}
}

// handleAct records the agent's first proposed action on the task. Actions
// whose kind needs sign-off park the task in Pending_Approval; the rest are
// executed inline. The reported park result tells runSession whether the
// session ends here.
func (l *Loop) handleAct(ctx context.Context, t *task.Task, decision agent.Decision) (parked bool, err error) {
	proposed := decision.Actions[0]
	if len(decision.Actions) > 1 {
		t.Body = appendNote(t.Body, l.now().UTC(),
			fmt.Sprintf("deferring %d additional proposed action(s)", len(decision.Actions)-1))
	}
	t.Action = &task.Action{
		ID:       uuid.NewString(),
		Kind:     proposed.Kind,
		Payload:  proposed.Payload,
		Approval: task.ApprovalPending,
	}

	required, err := l.policy.RequiresApproval(proposed.Kind)
	if err != nil {
		return false, fmt.Errorf("loop: %s: %w", t.ID, err)
	}
	if required {
		l.log.Record(audit.ActorLoop, audit.EventActionRequested, t.ID, "", string(proposed.Kind))
		return true, l.store.Transition(t, task.StateAwaitingApproval)
	}

	if err := l.policy.Authorize(t.Action); err != nil {
		return false, fmt.Errorf("loop: authorize %s: %w", t.ID, err)
	}
	execCtx, cancel := context.WithTimeout(ctx, l.bounds.StepTimeout.Std())
	result, err := l.exec.Execute(execCtx, t.ID, *t.Action)
	cancel()
	if err != nil {
		return true, l.fail(t, "", fmt.Sprintf("action failed: %v", err))
	}
	t.Action.ExecutedAt = l.now().UTC()
	t.Action.Result = result.Detail
	t.Body = appendNote(t.Body, l.now().UTC(), fmt.Sprintf("executed %s: %s", t.Action.Kind, result.Detail))
	l.log.Record(audit.ActorLoop, audit.EventActionExecuted, t.ID, string(task.OutcomeSuccess), result.Detail)
	return false, l.store.Save(*t)
}

// checkpoint parks the task for human review at the interval boundary.
func (l *Loop) checkpoint(t *task.Task) error {
	t.Checkpoint = &task.Checkpoint{Step: t.StepCount, RequestedAt: l.now().UTC()}
	if err := l.store.Save(*t); err != nil {
		return err
	}
	l.log.Record(audit.ActorLoop, audit.EventLoopCheckpoint, t.ID, "", fmt.Sprintf("after step %d", t.StepCount))
	return nil
}

// fail closes the task with a failure reason. An empty reason keeps only the
// detail.
func (l *Loop) fail(t *task.Task, reason, detail string) error {
	t.Outcome = task.OutcomeFailed
	switch {
	case reason == "":
		t.FailureReason = detail
	case detail == "":
		t.FailureReason = reason
	default:
		t.FailureReason = reason + ": " + detail
	}
	l.log.Record(audit.ActorLoop, audit.EventLoopExhausted, t.ID, string(task.OutcomeFailed), t.FailureReason)
	return l.store.Transition(t, task.StateDone)
}

// Resume clears a task's checkpoint so the next pass picks it back up.
func (l *Loop) Resume(t *task.Task) error {
	if t.Checkpoint == nil {
		return fmt.Errorf("loop: %s has no checkpoint to clear", t.ID)
	}
	t.Checkpoint = nil
	return l.store.Save(*t)
}

func stepNote(step int, d agent.Decision) string {
	note := strings.TrimSpace(d.Note)
	if note == "" {
		note = string(d.Kind)
	}
	return fmt.Sprintf("step %d: %s", step, note)
}

func appendNote(body []byte, ts time.Time, note string) []byte {
	line := fmt.Sprintf("- %s %s\n", ts.Format("2006-01-02 15:04:05"), note)
	if len(body) > 0 && body[len(body)-1] != '\n' {
		line = "\n" + line
	}
	return append(body, []byte(line)...)
}

func appendHistory(history []string, note string) []string {
	history = append(history, note)
	if len(history) > historyWindow {
		history = history[len(history)-historyWindow:]
	}
	return history
}

// lastNotes recovers recent step notes from a document body so a resumed
// session hands the agent the same context a continuous one would.
func lastNotes(body []byte, n int) []string {
	var notes []string
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "- ") && strings.Contains(line, "step ") {
			notes = append(notes, strings.TrimPrefix(line, "- "))
		}
	}
	if len(notes) > n {
		notes = notes[len(notes)-n:]
	}
	return notes
}
