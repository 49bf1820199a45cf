// internal/tui/app.go
//
// Interactive status board for a deskhand vault, built on bubbletea's
// Elm-style model/update/view cycle. It renders the same queues the STATUS.md
// snapshot shows and lets the operator resolve them in place: approve or
// reject a pending action, or clear a checkpoint, all through the same store
// primitives the file moves would exercise.

package tui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mhollis/deskhand/internal/store"
	"github.com/mhollis/deskhand/internal/task"
)

const refreshInterval = 3 * time.Second

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	sectionStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	selectedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("229")).Background(lipgloss.Color("57"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	helpStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).MarginTop(1)
)

type refreshMsg struct {
	pending []task.Task
	active  []task.Task
	recent  []task.Task
	err     error
}

type tickMsg time.Time

// App is the board model. Selection spans the pending and active lists; the
// recent list is display only.
type App struct {
	store *store.Store
	spin  spinner.Model

	pending []task.Task
	active  []task.Task
	recent  []task.Task

	cursor    int
	statusMsg string
	err       error
	width     int
	height    int
}

// NewApp builds the board over an open store.
func NewApp(st *store.Store) *App {
	return &App{
		store: st,
		spin:  spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(dimStyle)),
	}
}

// Run starts the bubbletea program and blocks until quit.
func (a *App) Run() error {
	_, err := tea.NewProgram(a, tea.WithAltScreen()).Run()
	return err
}

// Init kicks off the first refresh and the timer.
func (a *App) Init() tea.Cmd {
	return tea.Batch(a.refresh, tick(), a.spin.Tick)
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// refresh re-reads the queues from disk.
func (a *App) refresh() tea.Msg {
	msg := refreshMsg{}
	msg.pending, msg.err = a.store.List(task.StateAwaitingApproval)
	if msg.err == nil {
		msg.active, msg.err = a.store.List(task.StateActive)
	}
	if msg.err == nil {
		var done []task.Task
		done, msg.err = a.store.List(task.StateDone)
		if n := len(done); n > 10 {
			done = done[n-10:]
		}
		msg.recent = done
	}
	return msg
}

// selectable returns the task under the cursor, pending first then active.
func (a *App) selectable() *task.Task {
	if a.cursor < len(a.pending) {
		return &a.pending[a.cursor]
	}
	if i := a.cursor - len(a.pending); i < len(a.active) {
		return &a.active[i]
	}
	return nil
}

func (a *App) selectableCount() int {
	return len(a.pending) + len(a.active)
}

// Update handles messages: keyboard, resize, timer, refresh results.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width, a.height = msg.Width, msg.Height
		return a, nil

	case tickMsg:
		return a, tea.Batch(a.refresh, tick())

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spin, cmd = a.spin.Update(msg)
		return a, cmd

	case refreshMsg:
		if msg.err != nil {
			a.err = msg.err
			return a, nil
		}
		a.err = nil
		a.pending, a.active, a.recent = msg.pending, msg.active, msg.recent
		if max := a.selectableCount(); a.cursor >= max && max > 0 {
			a.cursor = max - 1
		}
		return a, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return a, tea.Quit
		case "up", "k":
			if a.cursor > 0 {
				a.cursor--
			}
		case "down", "j":
			if a.cursor < a.selectableCount()-1 {
				a.cursor++
			}
		case "a":
			return a, a.approveSelected()
		case "r":
			return a, a.rejectSelected()
		case "c":
			return a, a.clearCheckpoint()
		}
	}
	return a, nil
}

// approveSelected relocates a pending task to Approved, same as a human
// moving the file.
func (a *App) approveSelected() tea.Cmd {
	t := a.selectable()
	if t == nil || t.State != task.StateAwaitingApproval {
		a.statusMsg = "select a task under Pending Approvals"
		return nil
	}
	if err := a.store.Transition(t, task.StateApproved); err != nil {
		a.statusMsg = fmt.Sprintf("approve %s: %v", t.ID, err)
		return nil
	}
	a.statusMsg = fmt.Sprintf("approved %s", t.ID)
	return a.refresh
}

// rejectSelected relocates a pending task straight to Done; the dispatcher
// stamps the rejected outcome on its next pass.
func (a *App) rejectSelected() tea.Cmd {
	t := a.selectable()
	if t == nil || t.State != task.StateAwaitingApproval {
		a.statusMsg = "select a task under Pending Approvals"
		return nil
	}
	if err := a.store.Transition(t, task.StateDone); err != nil {
		a.statusMsg = fmt.Sprintf("reject %s: %v", t.ID, err)
		return nil
	}
	a.statusMsg = fmt.Sprintf("rejected %s", t.ID)
	return a.refresh
}

// clearCheckpoint releases a parked active task back to the loop.
func (a *App) clearCheckpoint() tea.Cmd {
	t := a.selectable()
	if t == nil || t.Checkpoint == nil {
		a.statusMsg = "select a checkpointed task under Active"
		return nil
	}
	t.Checkpoint = nil
	if err := a.store.Save(*t); err != nil {
		a.statusMsg = fmt.Sprintf("continue %s: %v", t.ID, err)
		return nil
	}
	a.statusMsg = fmt.Sprintf("continuing %s", t.ID)
	return a.refresh
}

// View renders the board.
func (a *App) View() string {
	var out string
	out += titleStyle.Render("deskhand") + " " + a.spin.View() + "\n\n"
	if a.err != nil {
		out += errStyle.Render("error: "+a.err.Error()) + "\n\n"
	}

	out += sectionStyle.Render("Pending Approvals") + "\n"
	if len(a.pending) == 0 {
		out += dimStyle.Render("  none") + "\n"
	}
	for i, t := range a.pending {
		kind := ""
		if t.Action != nil {
			kind = string(t.Action.Kind)
		}
		line := fmt.Sprintf("  %s  [%s]", t.Title, kind)
		out += a.renderRow(line, i) + "\n"
	}

	out += "\n" + sectionStyle.Render("Active") + "\n"
	if len(a.active) == 0 {
		out += dimStyle.Render("  none") + "\n"
	}
	for i, t := range a.active {
		note := fmt.Sprintf("step %d", t.StepCount)
		if t.Checkpoint != nil {
			note = fmt.Sprintf("checkpoint at step %d", t.Checkpoint.Step)
		}
		line := fmt.Sprintf("  %s  (%s)", t.Title, note)
		out += a.renderRow(line, len(a.pending)+i) + "\n"
	}

	out += "\n" + sectionStyle.Render("Recently Done") + "\n"
	if len(a.recent) == 0 {
		out += dimStyle.Render("  none") + "\n"
	}
	for _, t := range a.recent {
		out += dimStyle.Render(fmt.Sprintf("  %s  %s", t.Title, t.Outcome)) + "\n"
	}

	if a.statusMsg != "" {
		out += "\n" + dimStyle.Render(a.statusMsg) + "\n"
	}
	out += helpStyle.Render("a approve  r reject  c continue  j/k move  q quit")
	return out
}

func (a *App) renderRow(line string, index int) string {
	if index == a.cursor {
		return selectedStyle.Render(line)
	}
	return line
}
