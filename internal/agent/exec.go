package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
)

// Exec shells out to a configured command for each reasoning step. The
// request is fed as JSON on stdin; the command must print a JSON decision on
// stdout. Anything else (non-zero exit, unparseable output) is returned as
// an error and handled by the loop's retry policy.
type Exec struct {
	argv []string
}

// NewExec builds an exec-backed agent from a command line.
func NewExec(command string) (*Exec, error) {
	argv := SplitCommand(command)
	if len(argv) == 0 {
		return nil, fmt.Errorf("agent: empty command")
	}
	return &Exec{argv: argv}, nil
}

// Next runs one agent invocation under the caller's deadline.
func (e *Exec) Next(ctx context.Context, req Request) (Decision, error) {
	input, err := json.Marshal(req)
	if err != nil {
		return Decision{}, fmt.Errorf("agent: encode request: %w", err)
	}
	cmd := exec.CommandContext(ctx, e.argv[0], e.argv[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Decision{}, fmt.Errorf("agent: %s: %w", e.argv[0], ctx.Err())
		}
		return Decision{}, fmt.Errorf("agent: %s: %w (%s)", e.argv[0], err, firstLine(stderr.Bytes()))
	}
	var decision Decision
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &decision); err != nil {
		return Decision{}, fmt.Errorf("agent: parse decision: %w", err)
	}
	if err := decision.Validate(); err != nil {
		return Decision{}, err
	}
	return decision, nil
}

func firstLine(out []byte) string {
	trimmed := bytes.TrimSpace(out)
	if i := bytes.IndexByte(trimmed, '\n'); i >= 0 {
		trimmed = trimmed[:i]
	}
	if len(trimmed) > 200 {
		trimmed = trimmed[:200]
	}
	return string(trimmed)
}
