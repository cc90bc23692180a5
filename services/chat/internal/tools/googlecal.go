package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	googleTokenURL   = "https://oauth2.googleapis.com/token"
	googleCalBaseURL = "https://www.googleapis.com/calendar/v3"
)

// GoogleCalendarClient talks to the Google Calendar REST API on behalf of
// a workspace connector. Base URLs are injectable for tests.
type GoogleCalendarClient struct {
	httpClient   *http.Client
	tokenURL     string
	baseURL      string
	clientID     string
	clientSecret string
}

func NewGoogleCalendarClient(clientID, clientSecret string) *GoogleCalendarClient {
	return &GoogleCalendarClient{
		httpClient:   &http.Client{Timeout: 15 * time.Second},
		tokenURL:     googleTokenURL,
		baseURL:      googleCalBaseURL,
		clientID:     clientID,
		clientSecret: clientSecret,
	}
}

// WithBaseURLs overrides the OAuth and API endpoints. Test hook.
func (g *GoogleCalendarClient) WithBaseURLs(tokenURL, baseURL string) *GoogleCalendarClient {
	clone := *g
	clone.tokenURL = strings.TrimSuffix(tokenURL, "/")
	clone.baseURL = strings.TrimSuffix(baseURL, "/")
	return &clone
}

// RefreshAccessToken exchanges a refresh token for a fresh access token.
func (g *GoogleCalendarClient) RefreshAccessToken(ctx context.Context, refreshToken string) (string, time.Time, error) {
	form := url.Values{
		"client_id":     {g.clientID},
		"client_secret": {g.clientSecret},
		"refresh_token": {refreshToken},
		"grant_type":    {"refresh_token"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", time.Time{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("refresh token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", time.Time{}, fmt.Errorf("refresh token: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", time.Time{}, fmt.Errorf("decode token response: %w", err)
	}
	if payload.AccessToken == "" {
		return "", time.Time{}, fmt.Errorf("token response missing access_token")
	}
	return payload.AccessToken, time.Now().Add(time.Duration(payload.ExpiresIn) * time.Second), nil
}

// BusyInterval is one occupied slot returned by the free/busy check.
type BusyInterval struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// FreeBusy queries the primary calendar for busy intervals in [start, end).
func (g *GoogleCalendarClient) FreeBusy(ctx context.Context, accessToken string, start, end time.Time) ([]BusyInterval, error) {
	body := map[string]any{
		"timeMin": start.UTC().Format(time.RFC3339),
		"timeMax": end.UTC().Format(time.RFC3339),
		"items":   []map[string]string{{"id": "primary"}},
	}
	var result struct {
		Calendars map[string]struct {
			Busy []BusyInterval `json:"busy"`
		} `json:"calendars"`
	}
	if err := g.doJSON(ctx, accessToken, http.MethodPost, g.baseURL+"/freeBusy", body, &result); err != nil {
		return nil, err
	}
	return result.Calendars["primary"].Busy, nil
}

// EventRequest describes the meeting to create.
type EventRequest struct {
	Summary       string
	Description   string
	Start         time.Time
	End           time.Time
	AttendeeEmail string
	WithMeet      bool
}

// EventResult is the created event's identifiers.
type EventResult struct {
	ID       string `json:"id"`
	HTMLLink string `json:"htmlLink"`
	MeetLink string `json:"meetLink,omitempty"`
}

// CreateEvent books the event on the primary calendar, optionally with a
// Meet conference link and an attendee invitation.
func (g *GoogleCalendarClient) CreateEvent(ctx context.Context, accessToken string, event EventRequest) (EventResult, error) {
	body := map[string]any{
		"summary":     event.Summary,
		"description": event.Description,
		"start":       map[string]string{"dateTime": event.Start.UTC().Format(time.RFC3339)},
		"end":         map[string]string{"dateTime": event.End.UTC().Format(time.RFC3339)},
	}
	endpoint := g.baseURL + "/calendars/primary/events?sendUpdates=all"
	if event.AttendeeEmail != "" {
		body["attendees"] = []map[string]string{{"email": event.AttendeeEmail}}
	}
	if event.WithMeet {
		endpoint += "&conferenceDataVersion=1"
		body["conferenceData"] = map[string]any{
			"createRequest": map[string]any{
				"requestId":             uuid.NewString(),
				"conferenceSolutionKey": map[string]string{"type": "hangoutsMeet"},
			},
		}
	}
	var created struct {
		ID             string `json:"id"`
		HTMLLink       string `json:"htmlLink"`
		HangoutLink    string `json:"hangoutLink"`
		ConferenceData struct {
			EntryPoints []struct {
				EntryPointType string `json:"entryPointType"`
				URI            string `json:"uri"`
			} `json:"entryPoints"`
		} `json:"conferenceData"`
	}
	if err := g.doJSON(ctx, accessToken, http.MethodPost, endpoint, body, &created); err != nil {
		return EventResult{}, err
	}
	result := EventResult{ID: created.ID, HTMLLink: created.HTMLLink, MeetLink: created.HangoutLink}
	if result.MeetLink == "" {
		for _, ep := range created.ConferenceData.EntryPoints {
			if ep.EntryPointType == "video" {
				result.MeetLink = ep.URI
				break
			}
		}
	}
	return result, nil
}

func (g *GoogleCalendarClient) doJSON(ctx context.Context, accessToken, method, endpoint string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calendar api: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("calendar api: %s: %s", resp.Status, strings.TrimSpace(string(raw)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
