// Package gcal turns upcoming Google Calendar events into preparation
// tasks. Each event within the lookahead horizon yields one signal keyed by
// the event ID, so reschedules and repeat polls collapse onto the task
// already tracked for that event.
package gcal

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/api/calendar/v3"

	"github.com/mhollis/deskhand/internal/task"
	"github.com/mhollis/deskhand/internal/watcher"
)

// Source is the signal source name stamped on every calendar task.
const Source = "gcal"

// DefaultHorizon is how far ahead Poll looks for events.
const DefaultHorizon = 24 * time.Hour

// EventLister is the slice of the Calendar API the watcher needs. The real
// implementation wraps calendar.Service; tests supply a stub.
type EventLister interface {
	Upcoming(ctx context.Context, calendarID string, from, until time.Time) ([]*calendar.Event, error)
}

// Watcher polls one calendar for upcoming events.
type Watcher struct {
	svc        EventLister
	calendarID string
	horizon    time.Duration
	now        func() time.Time
}

// New builds a watcher over one calendar. An empty calendarID means the
// account's primary calendar.
func New(svc EventLister, calendarID string) *Watcher {
	if calendarID == "" {
		calendarID = "primary"
	}
	return &Watcher{svc: svc, calendarID: calendarID, horizon: DefaultHorizon, now: time.Now}
}

// WithHorizon overrides the lookahead window.
func (w *Watcher) WithHorizon(h time.Duration) *Watcher {
	if h > 0 {
		w.horizon = h
	}
	return w
}

// WithClock overrides the watcher clock, primarily for tests.
func (w *Watcher) WithClock(clock func() time.Time) *Watcher {
	if clock != nil {
		w.now = clock
	}
	return w
}

// Name identifies the watcher in audit entries.
func (w *Watcher) Name() string { return Source }

// Poll lists events inside the horizon and maps each to a signal.
func (w *Watcher) Poll(ctx context.Context) ([]watcher.RawSignal, error) {
	from := w.now().UTC()
	events, err := w.svc.Upcoming(ctx, w.calendarID, from, from.Add(w.horizon))
	if err != nil {
		return nil, fmt.Errorf("gcal: list %s: %w", w.calendarID, err)
	}
	var signals []watcher.RawSignal
	for _, ev := range events {
		if ev == nil || ev.Id == "" || ev.Status == "cancelled" {
			continue
		}
		signals = append(signals, watcher.RawSignal{
			Source:    Source,
			SourceRef: ev.Id,
			Title:     "Prepare for: " + eventSummary(ev),
			Body:      eventBody(ev),
			Kind:      task.KindInternalOperation,
		})
	}
	return signals, nil
}

func eventSummary(ev *calendar.Event) string {
	if s := strings.TrimSpace(ev.Summary); s != "" {
		return s
	}
	return "(untitled event)"
}

func eventBody(ev *calendar.Event) string {
	var b strings.Builder
	if when := eventStart(ev); when != "" {
		fmt.Fprintf(&b, "When: %s\n", when)
	}
	if ev.Location != "" {
		fmt.Fprintf(&b, "Where: %s\n", ev.Location)
	}
	if len(ev.Attendees) > 0 {
		names := make([]string, 0, len(ev.Attendees))
		for _, a := range ev.Attendees {
			if a.DisplayName != "" {
				names = append(names, a.DisplayName)
			} else if a.Email != "" {
				names = append(names, a.Email)
			}
		}
		if len(names) > 0 {
			fmt.Fprintf(&b, "With: %s\n", strings.Join(names, ", "))
		}
	}
	if ev.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", strings.TrimSpace(ev.Description))
	}
	return strings.TrimSpace(b.String())
}

func eventStart(ev *calendar.Event) string {
	if ev.Start == nil {
		return ""
	}
	if ev.Start.DateTime != "" {
		if t, err := time.Parse(time.RFC3339, ev.Start.DateTime); err == nil {
			return t.Format("Mon Jan 2 15:04 MST")
		}
		return ev.Start.DateTime
	}
	if ev.Start.Date != "" {
		return ev.Start.Date + " (all day)"
	}
	return ""
}
