package gate

import (
	"errors"
	"testing"

	"github.com/mhollis/deskhand/internal/task"
)

func TestDefaultPolicyIsTotal(t *testing.T) {
	p := Default()
	for _, kind := range task.Kinds() {
		if _, err := p.RequiresApproval(kind); err != nil {
			t.Errorf("kind %q not covered: %v", kind, err)
		}
	}
}

func TestDefaultPolicyTable(t *testing.T) {
	p := Default()
	want := map[task.Kind]bool{
		task.KindCommunication:     true,
		task.KindPublication:       true,
		task.KindFinancial:         true,
		task.KindInternalOperation: false,
	}
	for kind, required := range want {
		got, err := p.RequiresApproval(kind)
		if err != nil {
			t.Fatalf("%s: %v", kind, err)
		}
		if got != required {
			t.Errorf("RequiresApproval(%s) = %v, want %v", kind, got, required)
		}
	}
}

func TestRequiresApprovalUnknownKind(t *testing.T) {
	if _, err := Default().RequiresApproval("telepathy"); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("err = %v, want ErrUnknownKind", err)
	}
}

func TestAuthorize(t *testing.T) {
	p := Default()
	cases := []struct {
		name   string
		action *task.Action
		want   error
	}{
		{"nil action", nil, nil},
		{"unknown kind", &task.Action{ID: "a", Kind: "telepathy"}, ErrUnknownKind},
		{"gated pending", &task.Action{ID: "a", Kind: task.KindCommunication, Approval: task.ApprovalPending}, ErrUnapproved},
		{"gated unset", &task.Action{ID: "a", Kind: task.KindFinancial}, ErrUnapproved},
		{"gated rejected", &task.Action{ID: "a", Kind: task.KindPublication, Approval: task.ApprovalRejected}, ErrRejected},
		{"gated approved", &task.Action{ID: "a", Kind: task.KindCommunication, Approval: task.ApprovalApproved}, nil},
		{"ungated pending", &task.Action{ID: "a", Kind: task.KindInternalOperation, Approval: task.ApprovalPending}, nil},
	}
	for _, tc := range cases {
		err := p.Authorize(tc.action)
		if tc.action == nil {
			if err == nil {
				t.Errorf("%s: nil action must not authorize", tc.name)
			}
			continue
		}
		if tc.want == nil && err != nil {
			t.Errorf("%s: unexpected error %v", tc.name, err)
		}
		if tc.want != nil && !errors.Is(err, tc.want) {
			t.Errorf("%s: err = %v, want %v", tc.name, err, tc.want)
		}
	}
}
