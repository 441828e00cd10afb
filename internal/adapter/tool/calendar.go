package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"edith/internal/domain"
	"edith/internal/infra/config"
)

// CalendarEvent is the event shape surfaced to the model.
type CalendarEvent struct {
	ID      string `json:"id,omitempty"`
	Summary string `json:"summary"`
	Start   string `json:"start"`
	End     string `json:"end"`
}

// CalendarBackend abstracts the calendar API.
type CalendarBackend interface {
	ListEvents(ctx context.Context, from, to time.Time) ([]CalendarEvent, error)
	CreateEvent(ctx context.Context, summary string, start, end time.Time, attendees []string) (*CalendarEvent, error)
	UpdateEvent(ctx context.Context, id string, fields map[string]any) error
	DeleteEvent(ctx context.Context, id string) error
}

// MockCalendarBackend is a no-op backend for testing/development.
type MockCalendarBackend struct{}

func (MockCalendarBackend) ListEvents(_ context.Context, _, _ time.Time) ([]CalendarEvent, error) {
	return nil, nil
}
func (MockCalendarBackend) CreateEvent(_ context.Context, summary string, start, end time.Time, _ []string) (*CalendarEvent, error) {
	return &CalendarEvent{ID: "mock", Summary: summary, Start: start.Format(time.RFC3339), End: end.Format(time.RFC3339)}, nil
}
func (MockCalendarBackend) UpdateEvent(_ context.Context, _ string, _ map[string]any) error {
	return nil
}
func (MockCalendarBackend) DeleteEvent(_ context.Context, _ string) error { return nil }

// GoogleCalendarBackend talks to the Google Calendar REST API using an
// OAuth refresh token. Access tokens are minted lazily and cached until
// shortly before expiry.
type GoogleCalendarBackend struct {
	cfg    config.CalendarConfig
	client *http.Client

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// NewGoogleCalendarBackend creates a backend from config.
func NewGoogleCalendarBackend(cfg config.CalendarConfig) *GoogleCalendarBackend {
	return &GoogleCalendarBackend{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (b *GoogleCalendarBackend) token(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.accessToken != "" && time.Now().Before(b.tokenExpiry) {
		return b.accessToken, nil
	}

	form := url.Values{
		"client_id":     {b.cfg.ClientID},
		"client_secret": {b.cfg.ClientSecret},
		"refresh_token": {b.cfg.RefreshToken},
		"grant_type":    {"refresh_token"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		"https://oauth2.googleapis.com/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := b.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("%w: token refresh %d: %s", domain.ErrAuthInvalid, resp.StatusCode, msg)
	}

	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}

	b.accessToken = out.AccessToken
	b.tokenExpiry = time.Now().Add(time.Duration(out.ExpiresIn-60) * time.Second)
	return b.accessToken, nil
}

func (b *GoogleCalendarBackend) calendarID() string {
	if b.cfg.CalendarID != "" {
		return b.cfg.CalendarID
	}
	return "primary"
}

func (b *GoogleCalendarBackend) ListEvents(ctx context.Context, from, to time.Time) ([]CalendarEvent, error) {
	token, err := b.token(ctx)
	if err != nil {
		return nil, err
	}

	q := url.Values{
		"timeMin":      {from.Format(time.RFC3339)},
		"timeMax":      {to.Format(time.RFC3339)},
		"singleEvents": {"true"},
		"orderBy":      {"startTime"},
	}
	u := fmt.Sprintf("https://www.googleapis.com/calendar/v3/calendars/%s/events?%s",
		url.PathEscape(b.calendarID()), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("calendar API %d: %s", resp.StatusCode, msg)
	}

	var out struct {
		Items []struct {
			ID      string `json:"id"`
			Summary string `json:"summary"`
			Start   struct {
				DateTime string `json:"dateTime"`
				Date     string `json:"date"`
			} `json:"start"`
			End struct {
				DateTime string `json:"dateTime"`
				Date     string `json:"date"`
			} `json:"end"`
		} `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}

	events := make([]CalendarEvent, len(out.Items))
	for i, item := range out.Items {
		start := item.Start.DateTime
		if start == "" {
			start = item.Start.Date
		}
		end := item.End.DateTime
		if end == "" {
			end = item.End.Date
		}
		events[i] = CalendarEvent{ID: item.ID, Summary: item.Summary, Start: start, End: end}
	}
	return events, nil
}

func (b *GoogleCalendarBackend) CreateEvent(ctx context.Context, summary string, start, end time.Time, attendees []string) (*CalendarEvent, error) {
	token, err := b.token(ctx)
	if err != nil {
		return nil, err
	}

	type dateTime struct {
		DateTime string `json:"dateTime"`
	}
	body := map[string]any{
		"summary": summary,
		"start":   dateTime{start.Format(time.RFC3339)},
		"end":     dateTime{end.Format(time.RFC3339)},
	}
	if len(attendees) > 0 {
		var list []map[string]string
		for _, a := range attendees {
			list = append(list, map[string]string{"email": a})
		}
		body["attendees"] = list
	}

	buf, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	u := fmt.Sprintf("https://www.googleapis.com/calendar/v3/calendars/%s/events",
		url.PathEscape(b.calendarID()))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(string(buf)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("calendar API %d: %s", resp.StatusCode, msg)
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &CalendarEvent{
		ID:      out.ID,
		Summary: summary,
		Start:   start.Format(time.RFC3339),
		End:     end.Format(time.RFC3339),
	}, nil
}

func (b *GoogleCalendarBackend) UpdateEvent(ctx context.Context, id string, fields map[string]any) error {
	token, err := b.token(ctx)
	if err != nil {
		return err
	}

	buf, err := json.Marshal(fields)
	if err != nil {
		return err
	}

	u := fmt.Sprintf("https://www.googleapis.com/calendar/v3/calendars/%s/events/%s",
		url.PathEscape(b.calendarID()), url.PathEscape(id))
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, u, strings.NewReader(string(buf)))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("calendar API %d: %s", resp.StatusCode, msg)
	}
	return nil
}

func (b *GoogleCalendarBackend) DeleteEvent(ctx context.Context, id string) error {
	token, err := b.token(ctx)
	if err != nil {
		return err
	}

	u := fmt.Sprintf("https://www.googleapis.com/calendar/v3/calendars/%s/events/%s",
		url.PathEscape(b.calendarID()), url.PathEscape(id))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("calendar API %d: %s", resp.StatusCode, msg)
	}
	return nil
}

// CalendarTools returns the scheduling tools.
func CalendarTools(backend CalendarBackend, logger *slog.Logger) []domain.Tool {
	if backend == nil {
		backend = MockCalendarBackend{}
	}
	return []domain.Tool{
		&apiTool{
			name: "calendar_list_events",
			desc: "List calendar events in a time range. Defaults to the next 7 days.",
			params: json.RawMessage(`{
				"type": "object",
				"properties": {
					"from": {"type": "string", "description": "RFC3339 start, default now"},
					"to": {"type": "string", "description": "RFC3339 end, default now+7d"}
				}
			}`),
			run: func(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
				var p struct {
					From string `json:"from"`
					To   string `json:"to"`
				}
				if err := json.Unmarshal(params, &p); err != nil {
					return errResult(err), nil
				}

				from := time.Now()
				to := from.Add(7 * 24 * time.Hour)
				if p.From != "" {
					t, err := time.Parse(time.RFC3339, p.From)
					if err != nil {
						return errResult(fmt.Errorf("bad from: %w", err)), nil
					}
					from = t
				}
				if p.To != "" {
					t, err := time.Parse(time.RFC3339, p.To)
					if err != nil {
						return errResult(fmt.Errorf("bad to: %w", err)), nil
					}
					to = t
				}

				events, err := backend.ListEvents(ctx, from, to)
				if err != nil {
					logger.Warn("calendar list failed", "error", err)
					return errResult(err), nil
				}
				if len(events) == 0 {
					return okText("No events in that range.")
				}
				return okJSON(events)
			},
		},
		&apiTool{
			name: "calendar_create_event",
			desc: "Create a calendar event, optionally inviting attendees by email.",
			params: json.RawMessage(`{
				"type": "object",
				"properties": {
					"summary": {"type": "string"},
					"start": {"type": "string", "description": "RFC3339"},
					"end": {"type": "string", "description": "RFC3339"},
					"attendees": {"type": "array", "items": {"type": "string"}}
				},
				"required": ["summary", "start", "end"]
			}`),
			run: func(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
				var p struct {
					Summary   string   `json:"summary"`
					Start     string   `json:"start"`
					End       string   `json:"end"`
					Attendees []string `json:"attendees"`
				}
				if err := json.Unmarshal(params, &p); err != nil {
					return errResult(err), nil
				}
				start, err := time.Parse(time.RFC3339, p.Start)
				if err != nil {
					return errResult(fmt.Errorf("bad start: %w", err)), nil
				}
				end, err := time.Parse(time.RFC3339, p.End)
				if err != nil {
					return errResult(fmt.Errorf("bad end: %w", err)), nil
				}

				event, err := backend.CreateEvent(ctx, p.Summary, start, end, p.Attendees)
				if err != nil {
					logger.Warn("calendar create failed", "error", err)
					return errResult(err), nil
				}
				return okJSON(event)
			},
		},
		&apiTool{
			name: "calendar_update_event",
			desc: "Update an existing calendar event's summary or times.",
			params: json.RawMessage(`{
				"type": "object",
				"properties": {
					"id": {"type": "string", "description": "Event id from calendar_list_events"},
					"summary": {"type": "string"},
					"start": {"type": "string", "description": "RFC3339"},
					"end": {"type": "string", "description": "RFC3339"}
				},
				"required": ["id"]
			}`),
			run: func(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
				var p struct {
					ID      string `json:"id"`
					Summary string `json:"summary"`
					Start   string `json:"start"`
					End     string `json:"end"`
				}
				if err := json.Unmarshal(params, &p); err != nil {
					return errResult(err), nil
				}

				fields := map[string]any{}
				if p.Summary != "" {
					fields["summary"] = p.Summary
				}
				if p.Start != "" {
					if _, err := time.Parse(time.RFC3339, p.Start); err != nil {
						return errResult(fmt.Errorf("bad start: %w", err)), nil
					}
					fields["start"] = map[string]string{"dateTime": p.Start}
				}
				if p.End != "" {
					if _, err := time.Parse(time.RFC3339, p.End); err != nil {
						return errResult(fmt.Errorf("bad end: %w", err)), nil
					}
					fields["end"] = map[string]string{"dateTime": p.End}
				}

				if err := backend.UpdateEvent(ctx, p.ID, fields); err != nil {
					logger.Warn("calendar update failed", "error", err)
					return errResult(err), nil
				}
				return okText("Updated event " + p.ID)
			},
		},
		&apiTool{
			name: "calendar_delete_event",
			desc: "Delete a calendar event by id.",
			params: json.RawMessage(`{
				"type": "object",
				"properties": {
					"id": {"type": "string"}
				},
				"required": ["id"]
			}`),
			run: func(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
				var p struct {
					ID string `json:"id"`
				}
				if err := json.Unmarshal(params, &p); err != nil {
					return errResult(err), nil
				}
				if err := backend.DeleteEvent(ctx, p.ID); err != nil {
					return errResult(err), nil
				}
				return okText("Deleted event " + p.ID)
			},
		},
	}
}
