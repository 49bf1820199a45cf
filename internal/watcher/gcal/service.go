package gcal

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

// Service wraps the real Calendar API behind EventLister.
type Service struct {
	svc *calendar.Service
}

// NewService builds a Calendar client from an OAuth credentials file and a
// previously stored token. Obtaining the token (the one-time browser consent
// dance) is out of band; a missing token file yields an error that names the
// path to fill in.
func NewService(ctx context.Context, credentialsPath, tokenPath string) (*Service, error) {
	creds, err := os.ReadFile(credentialsPath)
	if err != nil {
		return nil, fmt.Errorf("gcal: read credentials: %w", err)
	}
	cfg, err := google.ConfigFromJSON(creds, calendar.CalendarReadonlyScope)
	if err != nil {
		return nil, fmt.Errorf("gcal: parse credentials: %w", err)
	}
	tok, err := tokenFromFile(tokenPath)
	if err != nil {
		return nil, fmt.Errorf("gcal: no stored token at %s, authorize first: %w", tokenPath, err)
	}
	svc, err := calendar.NewService(ctx, option.WithHTTPClient(cfg.Client(ctx, tok)))
	if err != nil {
		return nil, fmt.Errorf("gcal: build service: %w", err)
	}
	return &Service{svc: svc}, nil
}

// Upcoming lists non-recurring-expanded events in [from, until).
func (s *Service) Upcoming(ctx context.Context, calendarID string, from, until time.Time) ([]*calendar.Event, error) {
	resp, err := s.svc.Events.List(calendarID).
		TimeMin(from.Format(time.RFC3339)).
		TimeMax(until.Format(time.RFC3339)).
		SingleEvents(true).
		OrderBy("startTime").
		MaxResults(50).
		Context(ctx).
		Do()
	if err != nil {
		return nil, err
	}
	return resp.Items, nil
}

func tokenFromFile(path string) (*oauth2.Token, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tok := &oauth2.Token{}
	if err := json.NewDecoder(f).Decode(tok); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	return tok, nil
}
