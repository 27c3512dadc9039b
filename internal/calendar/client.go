// Package calendar implements internal/meeting.CalendarProvider against
// the Google Calendar v3 REST API, in the same stdlib-http style
// internal/llm and internal/slackapi use for their provider clients.
package calendar

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nugget/botfleet/internal/httpkit"
	"github.com/nugget/botfleet/internal/meeting"
)

const baseURL = "https://www.googleapis.com/calendar/v3"

// Client implements meeting.CalendarProvider against the Google
// Calendar API using a bearer access token.
type Client struct {
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// New constructs a Client authenticated with an OAuth2 access token.
// Token refresh is the caller's responsibility — botfleet expects an
// already-valid token from config.CalendarConfig.Token, refreshed out
// of band by whatever credential helper populates the config.
func New(token string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		token:  token,
		logger: logger.With("provider", "calendar"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(20 * time.Second),
		),
	}
}

type calendarListResponse struct {
	Items []struct {
		ID string `json:"id"`
	} `json:"items"`
	NextPageToken string `json:"nextPageToken"`
}

// ListCalendars implements meeting.CalendarProvider.
func (c *Client) ListCalendars(ctx context.Context) ([]string, error) {
	var out []string
	pageToken := ""
	for {
		values := url.Values{"maxResults": {"250"}}
		if pageToken != "" {
			values.Set("pageToken", pageToken)
		}

		var resp calendarListResponse
		if err := c.get(ctx, "/users/me/calendarList?"+values.Encode(), &resp); err != nil {
			return nil, err
		}
		for _, item := range resp.Items {
			out = append(out, item.ID)
		}

		pageToken = resp.NextPageToken
		if pageToken == "" {
			break
		}
	}
	return out, nil
}

type eventsListResponse struct {
	Items []calendarEvent `json:"items"`
	NextPageToken string  `json:"nextPageToken"`
}

type calendarEvent struct {
	ID          string `json:"id"`
	Summary     string `json:"summary"`
	Status      string `json:"status"`
	HangoutLink string `json:"hangoutLink"`
	Organizer   struct {
		Email string `json:"email"`
	} `json:"organizer"`
	Start struct {
		DateTime string `json:"dateTime"`
		Date     string `json:"date"`
	} `json:"start"`
	End struct {
		DateTime string `json:"dateTime"`
		Date     string `json:"date"`
	} `json:"end"`
	ConferenceData struct {
		EntryPoints []struct {
			EntryPointType string `json:"entryPointType"`
			URI            string `json:"uri"`
		} `json:"entryPoints"`
	} `json:"conferenceData"`
}

func (e calendarEvent) meetURL() string {
	if e.HangoutLink != "" {
		return e.HangoutLink
	}
	for _, ep := range e.ConferenceData.EntryPoints {
		if ep.EntryPointType == "video" && ep.URI != "" {
			return ep.URI
		}
	}
	return ""
}

func parseEventTime(dateTime, date string) (time.Time, error) {
	if dateTime != "" {
		return time.Parse(time.RFC3339, dateTime)
	}
	if date != "" {
		return time.Parse("2006-01-02", date)
	}
	return time.Time{}, fmt.Errorf("calendar: event has neither dateTime nor date")
}

// ListEvents implements meeting.CalendarProvider, returning only
// confirmed events carrying a recognized video-conferencing link — an
// event with no MeetURL is filtered by the caller, per spec.md §4.8.1,
// so this already narrows to entries worth returning.
func (c *Client) ListEvents(ctx context.Context, calendarID string, timeMin, timeMax time.Time) ([]meeting.CalendarEvent, error) {
	var out []meeting.CalendarEvent
	pageToken := ""
	for {
		values := url.Values{
			"timeMin":      {timeMin.UTC().Format(time.RFC3339)},
			"timeMax":      {timeMax.UTC().Format(time.RFC3339)},
			"singleEvents": {"true"},
			"orderBy":      {"startTime"},
			"maxResults":   {"250"},
		}
		if pageToken != "" {
			values.Set("pageToken", pageToken)
		}

		var resp eventsListResponse
		path := fmt.Sprintf("/calendars/%s/events?%s", url.PathEscape(calendarID), values.Encode())
		if err := c.get(ctx, path, &resp); err != nil {
			return nil, err
		}

		for _, ev := range resp.Items {
			if strings.EqualFold(ev.Status, "cancelled") {
				continue
			}
			start, err := parseEventTime(ev.Start.DateTime, ev.Start.Date)
			if err != nil {
				c.logger.Warn("skipping event with unparseable start", "event", ev.ID, "error", err)
				continue
			}
			end, err := parseEventTime(ev.End.DateTime, ev.End.Date)
			if err != nil {
				c.logger.Warn("skipping event with unparseable end", "event", ev.ID, "error", err)
				continue
			}
			out = append(out, meeting.CalendarEvent{
				ID:         ev.ID,
				CalendarID: calendarID,
				Title:      ev.Summary,
				Organizer:  ev.Organizer.Email,
				Start:      start,
				End:        end,
				MeetURL:    ev.meetURL(),
			})
		}

		pageToken = resp.NextPageToken
		if pageToken == "" {
			break
		}
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calendar: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 2048)
		return fmt.Errorf("calendar: API error %d: %s", resp.StatusCode, body)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("calendar: decode response: %w", err)
	}
	return nil
}

// Ping verifies the token against the calendar list endpoint,
// mirroring internal/llm's Client.Ping contract for connwatch probes.
func (c *Client) Ping(ctx context.Context) error {
	var resp calendarListResponse
	return c.get(ctx, "/users/me/calendarList?maxResults=1", &resp)
}
