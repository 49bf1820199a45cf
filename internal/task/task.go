// Package task defines the unit of work tracked through the lifecycle state
// machine, the closed action-kind enumeration, and the document codec used to
// persist tasks as markdown files with YAML frontmatter.

package task

import (
	"fmt"
	"strings"
	"time"
)

// State enumerates the lifecycle states. Each state corresponds to exactly
// one vault directory; the two encodings must agree for a task at rest.
type State string

const (
	StateNew              State = "new"
	StateActive           State = "active"
	StateAwaitingApproval State = "awaiting-approval"
	StateApproved         State = "approved"
	StateDone             State = "done"
)

// Vault directory names, one per state. These are part of the external
// interface: humans approve or reject a task by relocating its document.
const (
	DirInbox           = "Inbox"
	DirNeedsAction     = "Needs_Action"
	DirPendingApproval = "Pending_Approval"
	DirApproved        = "Approved"
	DirDone            = "Done"
)

var stateDirs = map[State]string{
	StateNew:              DirInbox,
	StateActive:           DirNeedsAction,
	StateAwaitingApproval: DirPendingApproval,
	StateApproved:         DirApproved,
	StateDone:             DirDone,
}

var dirStates = map[string]State{
	DirInbox:           StateNew,
	DirNeedsAction:     StateActive,
	DirPendingApproval: StateAwaitingApproval,
	DirApproved:        StateApproved,
	DirDone:            StateDone,
}

// Dir returns the vault directory that encodes this state.
func (s State) Dir() (string, bool) {
	dir, ok := stateDirs[s]
	return dir, ok
}

// StateForDir returns the canonical state implied by a vault directory name.
func StateForDir(dir string) (State, bool) {
	state, ok := dirStates[dir]
	return state, ok
}

// States lists every lifecycle state in scan order.
func States() []State {
	return []State{StateNew, StateActive, StateAwaitingApproval, StateApproved, StateDone}
}

// Terminal reports whether no further automated transition occurs.
func (s State) Terminal() bool { return s == StateDone }

// allowedTransitions is the closed transition table. Active reappears as its
// own target to model the bounded retry edge; the retry counter, not the
// table, is what keeps the machine terminating.
var allowedTransitions = map[State]map[State]struct{}{
	StateNew: {
		StateActive: {},
		StateDone:   {},
	},
	StateActive: {
		StateActive:           {},
		StateAwaitingApproval: {},
		StateDone:             {},
	},
	StateAwaitingApproval: {
		StateApproved: {},
		StateDone:     {},
	},
	StateApproved: {
		StateDone: {},
	},
}

// CanTransition reports whether from → to is a legal lifecycle edge.
func CanTransition(from, to State) bool {
	targets, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = targets[to]
	return ok
}

// Kind is the closed enumeration shared by tasks and proposed actions. The
// approval policy is total over this set.
type Kind string

const (
	KindCommunication     Kind = "communication"
	KindPublication       Kind = "publication"
	KindInternalOperation Kind = "internal-operation"
	KindFinancial         Kind = "financial"
)

// Kinds lists every kind in policy order.
func Kinds() []Kind {
	return []Kind{KindCommunication, KindPublication, KindInternalOperation, KindFinancial}
}

// Valid reports whether the kind belongs to the closed enumeration.
func (k Kind) Valid() bool {
	switch k {
	case KindCommunication, KindPublication, KindInternalOperation, KindFinancial:
		return true
	}
	return false
}

// Outcome records how a terminal task ended.
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeRejected Outcome = "rejected"
	OutcomeFailed   Outcome = "failed"
)

// ApprovalState tracks a gated action request.
type ApprovalState string

const (
	ApprovalPending  ApprovalState = "pending"
	ApprovalApproved ApprovalState = "approved"
	ApprovalRejected ApprovalState = "rejected"
)

// Terminal reason codes written into the failure block when the execution
// loop exhausts a bound.
const (
	ReasonMaxSteps         = "MAX_STEPS_EXCEEDED"
	ReasonStepTimeout      = "STEP_TIMEOUT"
	ReasonRetriesExhausted = "RETRIES_EXHAUSTED"
	ReasonAgentBlocked     = "AGENT_BLOCKED"
)

// Action is a side effect proposed on behalf of a task. Whether it needs
// approval is recomputed from the policy table, never stored.
type Action struct {
	ID         string
	Kind       Kind
	Payload    map[string]string
	Approval   ApprovalState
	ExecutedAt time.Time
	Result     string
}

// Executed reports whether the dispatcher already marked this action done.
func (a *Action) Executed() bool {
	return a != nil && !a.ExecutedAt.IsZero()
}

// Checkpoint parks a task until a human sends an explicit continuation.
type Checkpoint struct {
	Step        int
	RequestedAt time.Time
}

// Task is the unit of work.
type Task struct {
	ID             string
	Title          string
	Kind           Kind
	State          State
	Source         string
	SourceRef      string
	CreatedAt      time.Time
	TransitionedAt time.Time
	CompletedAt    time.Time
	StepCount      int
	RetryCount     int
	Outcome        Outcome
	FailureReason  string
	Action         *Action
	Checkpoint     *Checkpoint
	Body           []byte
}

// DedupeKey identifies the originating signal for idempotent ingestion.
func (t Task) DedupeKey() string {
	return t.Source + "\x00" + t.SourceRef
}

// Filename returns the document name used inside the state directory.
func (t Task) Filename() string { return t.ID + ".md" }

// Validate enforces the fields every stored task must carry.
func (t Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task: id is required")
	}
	if !t.Kind.Valid() {
		return fmt.Errorf("task: %s has unknown kind %q", t.ID, t.Kind)
	}
	if _, ok := t.State.Dir(); !ok {
		return fmt.Errorf("task: %s has unknown state %q", t.ID, t.State)
	}
	if t.Source == "" || t.SourceRef == "" {
		return fmt.Errorf("task: %s is missing source identity", t.ID)
	}
	if t.CreatedAt.IsZero() {
		return fmt.Errorf("task: %s is missing created timestamp", t.ID)
	}
	return nil
}

const idTimeLayout = "20060102T150405Z"

// NewID derives a stable identifier from a title slug plus creation time.
func NewID(title string, createdAt time.Time) string {
	slug := Slugify(title)
	if slug == "" {
		slug = "task"
	}
	return slug + "-" + createdAt.UTC().Format(idTimeLayout)
}

// Slugify lowercases a title and keeps a bounded run of [a-z0-9-].
func Slugify(title string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(strings.TrimSpace(title)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
		if b.Len() >= 40 {
			break
		}
	}
	return strings.Trim(b.String(), "-")
}
