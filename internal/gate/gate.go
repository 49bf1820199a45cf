// Package gate decides whether a proposed action may execute without human
// sign-off. The policy is a static table over the closed action-kind
// enumeration, so the decision is total: an unknown kind is a programming
// error, not a permissive default.

package gate

import (
	"errors"
	"fmt"

	"github.com/mhollis/deskhand/internal/task"
)

var (
	// ErrUnknownKind indicates an action kind outside the closed enumeration.
	ErrUnknownKind = errors.New("gate: unknown action kind")
	// ErrUnapproved indicates an attempt to execute an approval-required
	// action before approval was observed. This is a contract violation in
	// the caller and is never silently allowed.
	ErrUnapproved = errors.New("gate: action requires approval")
	// ErrRejected indicates the human rejected the action.
	ErrRejected = errors.New("gate: action was rejected")
)

// Policy maps action kinds to their approval requirement.
type Policy struct {
	table map[task.Kind]bool
}

// Default returns the standing policy: anything that leaves the vault
// (messages, posts, money) needs a human; internal bookkeeping does not.
func Default() *Policy {
	return &Policy{table: map[task.Kind]bool{
		task.KindCommunication:     true,
		task.KindPublication:       true,
		task.KindFinancial:         true,
		task.KindInternalOperation: false,
	}}
}

// RequiresApproval answers for a single kind. The error branch only fires
// for kinds outside the enumeration.
func (p *Policy) RequiresApproval(kind task.Kind) (bool, error) {
	required, ok := p.table[kind]
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return required, nil
}

// Authorize is the executor-side check: it returns nil only when the action
// may be handed to the action executor right now.
func (p *Policy) Authorize(action *task.Action) error {
	if action == nil {
		return fmt.Errorf("gate: nil action")
	}
	required, err := p.RequiresApproval(action.Kind)
	if err != nil {
		return err
	}
	if !required {
		return nil
	}
	switch action.Approval {
	case task.ApprovalApproved:
		return nil
	case task.ApprovalRejected:
		return fmt.Errorf("%w: %s", ErrRejected, action.ID)
	default:
		return fmt.Errorf("%w: %s (%s)", ErrUnapproved, action.ID, action.Kind)
	}
}
