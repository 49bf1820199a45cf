package task

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	// ErrMissingFrontMatter indicates the document did not start with a YAML fence.
	ErrMissingFrontMatter = errors.New("task: missing frontmatter")
	// ErrMalformedFrontMatter indicates the YAML block could not be parsed.
	ErrMalformedFrontMatter = errors.New("task: malformed frontmatter")
)

const timeLayout = "2006-01-02T15:04:05Z07:00"

// ParseDocument extracts a task from a document that starts with `---` YAML
// fences. Optional blocks may be absent; required fields may not.
func ParseDocument(content []byte) (Task, error) {
	if len(content) == 0 {
		return Task{}, ErrMissingFrontMatter
	}
	normalized := bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
	if !bytes.HasPrefix(normalized, []byte("---\n")) {
		return Task{}, ErrMissingFrontMatter
	}
	rest := normalized[4:]
	parts := bytes.SplitN(rest, []byte("\n---\n"), 2)
	if len(parts) < 2 {
		return Task{}, ErrMalformedFrontMatter
	}
	var envelope documentEnvelope
	if err := yaml.Unmarshal(parts[0], &envelope); err != nil {
		return Task{}, fmt.Errorf("task: parse frontmatter: %w", err)
	}
	t, err := envelope.toTask()
	if err != nil {
		return Task{}, err
	}
	t.Body = bytes.TrimPrefix(parts[1], []byte("\n"))
	return t, nil
}

// EncodeDocument renders the task as frontmatter + body.
func EncodeDocument(t Task) ([]byte, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	var envelope documentEnvelope
	envelope.fromTask(t)
	data, err := yaml.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("task: encode frontmatter: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(bytes.TrimRight(data, "\n"))
	buf.WriteString("\n---\n\n")
	buf.Write(t.Body)
	return buf.Bytes(), nil
}

type documentEnvelope struct {
	Deskhand documentMeta `yaml:"deskhand"`
}

type documentMeta struct {
	ID           string           `yaml:"id"`
	Title        string           `yaml:"title"`
	Kind         string           `yaml:"kind"`
	State        string           `yaml:"state"`
	Source       string           `yaml:"source"`
	SourceRef    string           `yaml:"source_ref"`
	Created      string           `yaml:"created"`
	Transitioned string           `yaml:"transitioned,omitempty"`
	Completed    string           `yaml:"completed,omitempty"`
	StepCount    int              `yaml:"step_count,omitempty"`
	RetryCount   int              `yaml:"retry_count,omitempty"`
	Outcome      string           `yaml:"outcome,omitempty"`
	Failure      string           `yaml:"failure,omitempty"`
	Action       *actionBlock     `yaml:"action,omitempty"`
	Checkpoint   *checkpointBlock `yaml:"checkpoint,omitempty"`
}

type actionBlock struct {
	ID       string            `yaml:"id"`
	Kind     string            `yaml:"kind"`
	Payload  map[string]string `yaml:"payload,omitempty"`
	Approval string            `yaml:"approval,omitempty"`
	Executed string            `yaml:"executed_at,omitempty"`
	Result   string            `yaml:"result,omitempty"`
}

type checkpointBlock struct {
	Step      int    `yaml:"step"`
	Requested string `yaml:"requested_at"`
}

func (e documentEnvelope) toTask() (Task, error) {
	m := e.Deskhand
	if m.ID == "" || m.State == "" || m.Kind == "" {
		return Task{}, ErrMalformedFrontMatter
	}
	created, err := parseTime(m.Created)
	if err != nil {
		return Task{}, fmt.Errorf("task: parse created timestamp: %w", err)
	}
	t := Task{
		ID:            m.ID,
		Title:         m.Title,
		Kind:          Kind(m.Kind),
		State:         State(m.State),
		Source:        m.Source,
		SourceRef:     m.SourceRef,
		CreatedAt:     created,
		StepCount:     m.StepCount,
		RetryCount:    m.RetryCount,
		Outcome:       Outcome(m.Outcome),
		FailureReason: m.Failure,
	}
	// Optional timestamps are tolerated when absent or unparseable; the
	// required created timestamp is not.
	t.TransitionedAt = parseOptionalTime(m.Transitioned)
	t.CompletedAt = parseOptionalTime(m.Completed)
	if m.Action != nil {
		t.Action = &Action{
			ID:         m.Action.ID,
			Kind:       Kind(m.Action.Kind),
			Payload:    clonePayload(m.Action.Payload),
			Approval:   ApprovalState(m.Action.Approval),
			ExecutedAt: parseOptionalTime(m.Action.Executed),
			Result:     m.Action.Result,
		}
	}
	if m.Checkpoint != nil {
		t.Checkpoint = &Checkpoint{
			Step:        m.Checkpoint.Step,
			RequestedAt: parseOptionalTime(m.Checkpoint.Requested),
		}
	}
	return t, nil
}

func (e *documentEnvelope) fromTask(t Task) {
	m := &e.Deskhand
	m.ID = t.ID
	m.Title = t.Title
	m.Kind = string(t.Kind)
	m.State = string(t.State)
	m.Source = t.Source
	m.SourceRef = t.SourceRef
	m.Created = formatTime(t.CreatedAt)
	m.Transitioned = formatOptionalTime(t.TransitionedAt)
	m.Completed = formatOptionalTime(t.CompletedAt)
	m.StepCount = t.StepCount
	m.RetryCount = t.RetryCount
	m.Outcome = string(t.Outcome)
	m.Failure = t.FailureReason
	if t.Action != nil {
		m.Action = &actionBlock{
			ID:       t.Action.ID,
			Kind:     string(t.Action.Kind),
			Payload:  clonePayload(t.Action.Payload),
			Approval: string(t.Action.Approval),
			Executed: formatOptionalTime(t.Action.ExecutedAt),
			Result:   t.Action.Result,
		}
	}
	if t.Checkpoint != nil {
		m.Checkpoint = &checkpointBlock{
			Step:      t.Checkpoint.Step,
			Requested: formatOptionalTime(t.Checkpoint.RequestedAt),
		}
	}
}

func clonePayload(payload map[string]string) map[string]string {
	if len(payload) == 0 {
		return nil
	}
	cloned := make(map[string]string, len(payload))
	for k, v := range payload {
		cloned[k] = v
	}
	return cloned
}

func parseTime(value string) (time.Time, error) {
	if strings.TrimSpace(value) == "" {
		return time.Time{}, fmt.Errorf("task: empty timestamp")
	}
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func parseOptionalTime(value string) time.Time {
	t, err := parseTime(value)
	if err != nil {
		return time.Time{}
	}
	return t
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatOptionalTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return formatTime(t)
}
