package gcal

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"google.golang.org/api/calendar/v3"

	"github.com/mhollis/deskhand/internal/task"
)

type stubLister struct {
	events []*calendar.Event
	err    error
	from   time.Time
	until  time.Time
}

func (s *stubLister) Upcoming(_ context.Context, _ string, from, until time.Time) ([]*calendar.Event, error) {
	s.from, s.until = from, until
	return s.events, s.err
}

func TestPollMapsEventsToSignals(t *testing.T) {
	svc := &stubLister{events: []*calendar.Event{
		{
			Id:      "evt-1",
			Summary: "Quarterly review",
			Start:   &calendar.EventDateTime{DateTime: "2026-03-11T09:00:00Z"},
			Location: "Room 4",
			Attendees: []*calendar.EventAttendee{
				{DisplayName: "Dana"},
				{Email: "sam@example.com"},
			},
			Description: "Bring the numbers.",
		},
		{Id: "evt-2", Status: "cancelled", Summary: "Old sync"},
		{Id: "", Summary: "no id"},
	}}
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	w := New(svc, "").WithClock(func() time.Time { return now })

	signals, err := w.Poll(context.Background())
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(signals) != 1 {
		t.Fatalf("signals = %d, want 1 (cancelled and id-less skipped)", len(signals))
	}
	sig := signals[0]
	if sig.Source != Source || sig.SourceRef != "evt-1" {
		t.Fatalf("identity = %s/%s", sig.Source, sig.SourceRef)
	}
	if sig.Title != "Prepare for: Quarterly review" {
		t.Fatalf("title = %q", sig.Title)
	}
	if sig.Kind != task.KindInternalOperation {
		t.Fatalf("kind = %s", sig.Kind)
	}
	for _, want := range []string{"Room 4", "Dana", "sam@example.com", "Bring the numbers."} {
		if !strings.Contains(sig.Body, want) {
			t.Errorf("body missing %q:\n%s", want, sig.Body)
		}
	}
	if !svc.from.Equal(now) || !svc.until.Equal(now.Add(DefaultHorizon)) {
		t.Fatalf("window = [%v, %v]", svc.from, svc.until)
	}
}

func TestPollHonorsHorizon(t *testing.T) {
	svc := &stubLister{}
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	w := New(svc, "work").WithHorizon(2 * time.Hour).WithClock(func() time.Time { return now })
	if _, err := w.Poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if !svc.until.Equal(now.Add(2 * time.Hour)) {
		t.Fatalf("until = %v", svc.until)
	}
}

func TestPollWrapsListerError(t *testing.T) {
	svc := &stubLister{err: errors.New("quota exceeded")}
	if _, err := New(svc, "").Poll(context.Background()); err == nil {
		t.Fatal("lister error not surfaced")
	}
}

func TestUntitledEvent(t *testing.T) {
	svc := &stubLister{events: []*calendar.Event{{Id: "evt-3", Summary: "  "}}}
	signals, err := New(svc, "").Poll(context.Background())
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if signals[0].Title != "Prepare for: (untitled event)" {
		t.Fatalf("title = %q", signals[0].Title)
	}
}

func TestAllDayEventStart(t *testing.T) {
	ev := &calendar.Event{Start: &calendar.EventDateTime{Date: "2026-03-12"}}
	if got := eventStart(ev); got != "2026-03-12 (all day)" {
		t.Fatalf("eventStart = %q", got)
	}
}
