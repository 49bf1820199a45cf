package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/mhollis/deskhand/internal/audit"
	"github.com/mhollis/deskhand/internal/gate"
	"github.com/mhollis/deskhand/internal/store"
	"github.com/mhollis/deskhand/internal/task"
)

// Dispatcher drains the Approved directory: for each task whose document a
// human relocated there, it records the approval, invokes the action
// executor once, and moves the task to Done with the outcome. It also stamps
// tasks whose pending action was rejected by relocating straight to Done.
type Dispatcher struct {
	store   *store.Store
	policy  *gate.Policy
	exec    ActionExecutor
	log     *audit.Log
	timeout time.Duration
}

// NewDispatcher wires the dispatcher.
func NewDispatcher(st *store.Store, policy *gate.Policy, exec ActionExecutor, log *audit.Log, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Dispatcher{store: st, policy: policy, exec: exec, log: log, timeout: timeout}
}

// DispatchApproved runs one dispatch pass. Errors on individual tasks are
// audited and do not stop the pass; the returned error covers only store
// scan failures.
func (d *Dispatcher) DispatchApproved(ctx context.Context) error {
	approved, err := d.store.List(task.StateApproved)
	if err != nil {
		return err
	}
	for i := range approved {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := d.dispatchOne(ctx, &approved[i]); err != nil {
			d.log.Record(audit.ActorDispatcher, audit.EventWatcherError, approved[i].ID, "error", err.Error())
		}
	}
	return d.stampRejections()
}

// dispatchOne handles a single approved task.
//
// Exactly-once is best-effort: the executed_at marker is persisted before
// the terminal transition, so a crash after the side effect but before the
// marker write can re-execute on restart. This is documented behavior, not
// a guarantee.
func (d *Dispatcher) dispatchOne(ctx context.Context, t *task.Task) error {
	if t.Action == nil {
		// A document relocated to Approved without a recorded action has
		// nothing to dispatch; close it out so it cannot linger forever.
		t.Outcome = task.OutcomeFailed
		t.FailureReason = "approved without a recorded action"
		return d.store.Transition(t, task.StateDone)
	}

	// The relocation into Approved is the human approval signal; record it
	// in the document before the gate check so the decision is durable.
	if t.Action.Approval != task.ApprovalApproved {
		t.Action.Approval = task.ApprovalApproved
		if err := d.store.Save(*t); err != nil {
			return err
		}
	}
	if err := d.policy.Authorize(t.Action); err != nil {
		return fmt.Errorf("executor: refusing dispatch for %s: %w", t.ID, err)
	}

	if !t.Action.Executed() {
		execCtx, cancel := context.WithTimeout(ctx, d.timeout)
		result, err := d.exec.Execute(execCtx, t.ID, *t.Action)
		cancel()
		if err != nil {
			t.Outcome = task.OutcomeFailed
			t.FailureReason = fmt.Sprintf("action failed: %v", err)
			d.log.Record(audit.ActorDispatcher, audit.EventActionExecuted, t.ID, string(task.OutcomeFailed), err.Error())
			return d.store.Transition(t, task.StateDone)
		}
		t.Action.ExecutedAt = time.Now().UTC()
		t.Action.Result = result.Detail
		if err := d.store.Save(*t); err != nil {
			return err
		}
		d.log.Record(audit.ActorDispatcher, audit.EventActionExecuted, t.ID, string(task.OutcomeSuccess), result.Detail)
	}

	t.Outcome = task.OutcomeSuccess
	return d.store.Transition(t, task.StateDone)
}

// stampRejections closes out documents a human relocated from
// Pending_Approval directly to Done: a still-pending action there means the
// request was rejected, and the outcome field should say so.
func (d *Dispatcher) stampRejections() error {
	done, err := d.store.List(task.StateDone)
	if err != nil {
		return err
	}
	for i := range done {
		t := done[i]
		if t.Outcome != "" || t.Action == nil || t.Action.Executed() {
			continue
		}
		if t.Action.Approval != task.ApprovalPending {
			continue
		}
		t.Action.Approval = task.ApprovalRejected
		t.Outcome = task.OutcomeRejected
		if t.CompletedAt.IsZero() {
			t.CompletedAt = time.Now().UTC()
		}
		if err := d.store.Save(t); err != nil {
			return err
		}
		d.log.Record(audit.ActorHuman, audit.EventActionRejected, t.ID, string(task.OutcomeRejected), string(t.Action.Kind))
	}
	return nil
}
