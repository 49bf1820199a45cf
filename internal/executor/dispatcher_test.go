package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mhollis/deskhand/internal/gate"
	"github.com/mhollis/deskhand/internal/store"
	"github.com/mhollis/deskhand/internal/task"
)

type fakeExec struct {
	calls []string
	err   error
}

func (f *fakeExec) Execute(_ context.Context, taskID string, action task.Action) (Result, error) {
	f.calls = append(f.calls, action.ID)
	if f.err != nil {
		return Result{}, f.err
	}
	return Result{Detail: "sent"}, nil
}

func approvedTask(id string) task.Task {
	return task.Task{
		ID:        id,
		Title:     "Send reply",
		Kind:      task.KindCommunication,
		State:     task.StateApproved,
		Source:    "localdrop",
		SourceRef: id + ".txt",
		CreatedAt: time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC),
		Action: &task.Action{
			ID:       "act-" + id,
			Kind:     task.KindCommunication,
			Approval: task.ApprovalPending,
		},
	}
}

func TestDispatchExecutesApprovedOnce(t *testing.T) {
	st := store.New(t.TempDir())
	exec := &fakeExec{}
	d := NewDispatcher(st, gate.Default(), exec, nil, time.Second)

	tk := approvedTask("reply-20260310T100000Z")
	if err := st.Create(tk); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := d.DispatchApproved(context.Background()); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(exec.calls) != 1 || exec.calls[0] != tk.Action.ID {
		t.Fatalf("calls = %v", exec.calls)
	}

	got, err := st.Load(tk.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.State != task.StateDone || got.Outcome != task.OutcomeSuccess {
		t.Fatalf("state=%s outcome=%s", got.State, got.Outcome)
	}
	if got.Action.Approval != task.ApprovalApproved {
		t.Fatalf("approval = %s, want approved (relocation recorded)", got.Action.Approval)
	}
	if !got.Action.Executed() || got.Action.Result != "sent" {
		t.Fatalf("action = %+v", got.Action)
	}

	// A second pass finds no approved work and performs no side effect.
	if err := d.DispatchApproved(context.Background()); err != nil {
		t.Fatalf("second dispatch: %v", err)
	}
	if len(exec.calls) != 1 {
		t.Fatalf("re-executed: %v", exec.calls)
	}
}

func TestDispatchSkipsAlreadyExecuted(t *testing.T) {
	st := store.New(t.TempDir())
	exec := &fakeExec{}
	d := NewDispatcher(st, gate.Default(), exec, nil, time.Second)

	tk := approvedTask("resend-20260310T100000Z")
	tk.Action.Approval = task.ApprovalApproved
	tk.Action.ExecutedAt = time.Date(2026, 3, 10, 10, 30, 0, 0, time.UTC)
	tk.Action.Result = "sent earlier"
	if err := st.Create(tk); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := d.DispatchApproved(context.Background()); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(exec.calls) != 0 {
		t.Fatalf("executed marker ignored: %v", exec.calls)
	}
	got, err := st.Load(tk.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.State != task.StateDone || got.Outcome != task.OutcomeSuccess {
		t.Fatalf("state=%s outcome=%s", got.State, got.Outcome)
	}
}

func TestDispatchClosesActionlessApproval(t *testing.T) {
	st := store.New(t.TempDir())
	exec := &fakeExec{}
	d := NewDispatcher(st, gate.Default(), exec, nil, time.Second)

	tk := approvedTask("odd-20260310T100000Z")
	tk.Action = nil
	if err := st.Create(tk); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := d.DispatchApproved(context.Background()); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(exec.calls) != 0 {
		t.Fatalf("nothing should execute: %v", exec.calls)
	}
	got, err := st.Load(tk.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.State != task.StateDone || got.Outcome != task.OutcomeFailed {
		t.Fatalf("state=%s outcome=%s", got.State, got.Outcome)
	}
}

func TestDispatchRecordsExecutionFailure(t *testing.T) {
	st := store.New(t.TempDir())
	exec := &fakeExec{err: errors.New("smtp refused")}
	d := NewDispatcher(st, gate.Default(), exec, nil, time.Second)

	tk := approvedTask("bounce-20260310T100000Z")
	if err := st.Create(tk); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := d.DispatchApproved(context.Background()); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	got, err := st.Load(tk.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.State != task.StateDone || got.Outcome != task.OutcomeFailed {
		t.Fatalf("state=%s outcome=%s", got.State, got.Outcome)
	}
	if got.Action.Executed() {
		t.Fatal("failed action carries an executed marker")
	}
}

func TestDispatchNeverTouchesPendingApproval(t *testing.T) {
	st := store.New(t.TempDir())
	exec := &fakeExec{}
	d := NewDispatcher(st, gate.Default(), exec, nil, time.Second)

	tk := approvedTask("waiting-20260310T100000Z")
	tk.State = task.StateAwaitingApproval
	if err := st.Create(tk); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := d.DispatchApproved(context.Background()); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(exec.calls) != 0 {
		t.Fatalf("unapproved action executed: %v", exec.calls)
	}
	got, err := st.Load(tk.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.State != task.StateAwaitingApproval || got.Action.Approval != task.ApprovalPending {
		t.Fatalf("pending task disturbed: %+v", got)
	}
}

func TestDispatchStampsRejections(t *testing.T) {
	st := store.New(t.TempDir())
	exec := &fakeExec{}
	d := NewDispatcher(st, gate.Default(), exec, nil, time.Second)

	// A human relocating Pending_Approval -> Done is a rejection.
	tk := approvedTask("nope-20260310T100000Z")
	tk.State = task.StateAwaitingApproval
	if err := st.Create(tk); err != nil {
		t.Fatalf("create: %v", err)
	}
	loaded, err := st.Load(tk.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := st.Transition(&loaded, task.StateDone); err != nil {
		t.Fatalf("relocate: %v", err)
	}

	if err := d.DispatchApproved(context.Background()); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(exec.calls) != 0 {
		t.Fatalf("rejected action executed: %v", exec.calls)
	}
	got, err := st.Load(tk.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Outcome != task.OutcomeRejected || got.Action.Approval != task.ApprovalRejected {
		t.Fatalf("outcome=%s approval=%s", got.Outcome, got.Action.Approval)
	}
	if got.CompletedAt.IsZero() {
		t.Fatal("completed timestamp missing on rejection")
	}
}

func TestDryRunExecutorHasNoSideEffects(t *testing.T) {
	d := NewDryRun(nil)
	res, err := d.Execute(context.Background(), "t1", task.Action{ID: "a1", Kind: task.KindFinancial})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Detail == "" {
		t.Fatal("dry run should describe what it would do")
	}
}
