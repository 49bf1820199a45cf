// Package executor carries approved actions across the boundary to the
// service adapters. It is the imperative shell: the only component allowed
// to perform side effects outside the vault, and it refuses to do so unless
// the approval gate signs off.

package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/mhollis/deskhand/internal/task"
)

// Result reports what an adapter did.
type Result struct {
	Detail string
}

// ActionExecutor performs one approved action via a service adapter. The
// idempotency key (the action ID) travels with the call so adapters that can
// de-duplicate get the chance to; exactly-once remains best-effort.
type ActionExecutor interface {
	Execute(ctx context.Context, taskID string, action task.Action) (Result, error)
}

// Logger matches logging.Logger's signature.
type Logger interface {
	Printf(format string, args ...any)
}

// DryRun satisfies ActionExecutor without side effects. It backs the
// dry-run configuration flag and is the default when no adapters are wired.
type DryRun struct {
	log Logger
}

// NewDryRun builds the log-only executor.
func NewDryRun(log Logger) *DryRun {
	return &DryRun{log: log}
}

// Execute logs the action and reports success.
func (d *DryRun) Execute(_ context.Context, taskID string, action task.Action) (Result, error) {
	if d.log != nil {
		d.log.Printf("dry-run: would execute %s action %s for task %s", action.Kind, action.ID, taskID)
	}
	return Result{Detail: fmt.Sprintf("dry-run %s at %s", action.Kind, time.Now().UTC().Format(time.RFC3339))}, nil
}
