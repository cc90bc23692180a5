package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"botsmith/internal/ratelimit"
	"botsmith/internal/util"
	"botsmith/pkg/ai"
	"botsmith/pkg/domain"
)

const (
	scheduleToolName = "schedule_meeting"

	// toolRateLimit caps bookings per identity per window, independent of
	// the chat message limit.
	toolRateLimit = 2

	defaultDurationMinutes = 30
	minDurationMinutes     = 5
	maxDurationMinutes     = 480

	// tokenRefreshLeeway forces a refresh when the access token is this
	// close to expiry.
	tokenRefreshLeeway = 60 * time.Second
)

// Limiter is the rate-limiting slice used by the tool executor.
type Limiter interface {
	Allow(key string, limit int) bool
}

// TokenWriter persists refreshed Google access tokens back to the
// connector row.
type TokenWriter interface {
	UpdateConnectorToken(workspaceID string, provider domain.ConnectorProvider, accessToken string, expiresAt time.Time) error
}

// Toolset builds the per-request tool surface for a bot.
type Toolset struct {
	connectors ConnectorLister
	tokens     TokenWriter
	limiter    Limiter
	gcal       *GoogleCalendarClient
	now        func() time.Time
}

func NewToolset(connectors ConnectorLister, tokens TokenWriter, limiter Limiter, gcal *GoogleCalendarClient) *Toolset {
	return &Toolset{
		connectors: connectors,
		tokens:     tokens,
		limiter:    limiter,
		gcal:       gcal,
		now:        time.Now,
	}
}

// BotTools is the assembled tool surface for one request: the definitions
// handed to the model, the system-prompt instruction block, and the
// executor for calls the model makes.
type BotTools struct {
	Defs        []ai.Tool
	Instruction string

	set        *Toolset
	bot        domain.Bot
	google     *domain.WorkspaceConnector
	calendly   *domain.WorkspaceConnector
	testMode   bool
	requestIP  string
	onToolUsed func(ok bool, provider string)
}

// Assemble resolves the bot's connectors into callable tools. The
// schedule_meeting tool registers when either a usable Google Calendar
// connector (and a calendar client) or a usable Calendly connector applies
// to the bot. onToolUsed may be nil.
func (t *Toolset) Assemble(bot domain.Bot, testMode bool, requestIP string, onToolUsed func(ok bool, provider string)) (*BotTools, error) {
	connectors, err := ConnectorsForBot(t.connectors, bot.WorkspaceID, bot.ID)
	if err != nil {
		return nil, fmt.Errorf("list connectors: %w", err)
	}
	bt := &BotTools{
		set:        t,
		bot:        bot,
		testMode:   testMode,
		requestIP:  requestIP,
		onToolUsed: onToolUsed,
	}
	// Without a calendar client there is no way to act on a Google
	// connector; test mode simulates and never reaches the client.
	googleReady := t.gcal != nil || testMode
	for i := range connectors {
		c := connectors[i]
		switch {
		case googleReady && googleUsable(c) && bt.google == nil:
			bt.google = &c
		case calendlyUsable(c) && bt.calendly == nil:
			bt.calendly = &c
		}
	}
	if bt.google == nil && bt.calendly == nil {
		return bt, nil
	}
	active := make([]domain.WorkspaceConnector, 0, 2)
	if bt.google != nil {
		active = append(active, *bt.google)
	}
	if bt.calendly != nil {
		active = append(active, *bt.calendly)
	}
	bt.Instruction = InstructionBlock(active)
	bt.Defs = []ai.Tool{scheduleToolDef()}
	return bt, nil
}

func scheduleToolDef() ai.Tool {
	return ai.Tool{
		Name:        scheduleToolName,
		Description: "Schedule a meeting for the user. Checks availability and books on the connected calendar, or returns a booking link.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"provider": map[string]any{
					"type":        "string",
					"enum":        []string{"google_calendar", "calendly"},
					"description": "Which connected provider to use. Omit to let the system choose.",
				},
				"title":            map[string]any{"type": "string", "description": "Meeting title."},
				"description":      map[string]any{"type": "string", "description": "Meeting agenda or notes."},
				"start_time":       map[string]any{"type": "string", "description": "Start time, RFC3339 or local time like 2026-06-15T14:00."},
				"end_time":         map[string]any{"type": "string", "description": "Optional end time in the same format."},
				"duration_minutes": map[string]any{"type": "integer", "description": "Meeting length in minutes when end_time is omitted."},
				"timezone":         map[string]any{"type": "string", "description": "IANA timezone for local times, e.g. America/New_York."},
				"attendee_email":   map[string]any{"type": "string", "description": "Email address to invite."},
			},
			"required": []string{"title", "start_time"},
		},
	}
}

type scheduleArgs struct {
	Provider        string `json:"provider"`
	Title           string `json:"title"`
	Description     string `json:"description"`
	StartTime       string `json:"start_time"`
	EndTime         string `json:"end_time"`
	DurationMinutes int    `json:"duration_minutes"`
	Timezone        string `json:"timezone"`
	AttendeeEmail   string `json:"attendee_email"`
}

// Execute runs one tool call and returns the JSON result handed back to
// the model. Failures are reported in-band so the model can recover;
// Execute itself never errors the request.
func (b *BotTools) Execute(ctx context.Context, call ai.ToolCall) string {
	if call.Name != scheduleToolName {
		return b.report(false, "", map[string]any{"error": "unknown_tool", "tool": call.Name})
	}
	if !b.testMode && !b.set.limiter.Allow(ratelimit.ToolKey(scheduleToolName, b.requestIP), toolRateLimit) {
		return b.report(false, "", map[string]any{
			"error":   "rate_limited",
			"message": "Too many scheduling attempts, please try again in a little while.",
		})
	}
	var args scheduleArgs
	if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
		return b.report(false, "", map[string]any{"error": "invalid_arguments", "detail": err.Error()})
	}
	provider := b.pickProvider(args.Provider)
	switch provider {
	case domain.ProviderGoogleCalendar:
		return b.executeGoogle(ctx, args)
	case domain.ProviderCalendly:
		return b.executeCalendly(args)
	default:
		return b.report(false, "", map[string]any{"error": "no_calendar_connected"})
	}
}

// pickProvider honors a valid explicit choice, then prefers Google
// Calendar over Calendly.
func (b *BotTools) pickProvider(explicit string) domain.ConnectorProvider {
	switch domain.ConnectorProvider(explicit) {
	case domain.ProviderGoogleCalendar:
		if b.google != nil {
			return domain.ProviderGoogleCalendar
		}
	case domain.ProviderCalendly:
		if b.calendly != nil {
			return domain.ProviderCalendly
		}
	}
	if b.google != nil {
		return domain.ProviderGoogleCalendar
	}
	if b.calendly != nil {
		return domain.ProviderCalendly
	}
	return ""
}

func (b *BotTools) executeGoogle(ctx context.Context, args scheduleArgs) string {
	const provider = "google_calendar"
	start, err := ResolveDateTime(args.StartTime, args.Timezone)
	if err != nil {
		return b.report(false, provider, map[string]any{"error": "invalid_start_time", "detail": err.Error()})
	}
	end, err := b.resolveEnd(args, start)
	if err != nil {
		return b.report(false, provider, map[string]any{"error": "invalid_end_time", "detail": err.Error()})
	}

	if b.testMode {
		return b.report(true, provider, map[string]any{
			"status":    "simulated",
			"title":     args.Title,
			"startTime": start.Format(time.RFC3339),
			"endTime":   end.Format(time.RFC3339),
			"note":      "Test mode: no real calendar event was created.",
		})
	}

	accessToken, err := b.freshAccessToken(ctx)
	if err != nil {
		return b.report(false, provider, map[string]any{"error": "calendar_auth_failed", "detail": err.Error()})
	}
	busy, err := b.set.gcal.FreeBusy(ctx, accessToken, start, end)
	if err != nil {
		return b.report(false, provider, map[string]any{"error": "availability_check_failed", "detail": err.Error()})
	}
	if len(busy) > 0 {
		return b.report(false, provider, map[string]any{"error": "time_slot_unavailable", "busy": busy})
	}
	event, err := b.set.gcal.CreateEvent(ctx, accessToken, EventRequest{
		Summary:       args.Title,
		Description:   args.Description,
		Start:         start,
		End:           end,
		AttendeeEmail: args.AttendeeEmail,
		WithMeet:      args.AttendeeEmail != "",
	})
	if err != nil {
		return b.report(false, provider, map[string]any{"error": "event_creation_failed", "detail": err.Error()})
	}
	result := map[string]any{
		"status":    "booked",
		"eventId":   event.ID,
		"eventLink": event.HTMLLink,
		"startTime": start.Format(time.RFC3339),
		"endTime":   end.Format(time.RFC3339),
	}
	if event.MeetLink != "" {
		result["meetLink"] = event.MeetLink
	}
	return b.report(true, provider, result)
}

func (b *BotTools) resolveEnd(args scheduleArgs, start time.Time) (time.Time, error) {
	if args.EndTime != "" {
		end, err := ResolveDateTime(args.EndTime, args.Timezone)
		if err != nil {
			return time.Time{}, err
		}
		if !end.After(start) {
			return time.Time{}, fmt.Errorf("end time %s is not after start", args.EndTime)
		}
		return end, nil
	}
	duration := args.DurationMinutes
	if duration <= 0 {
		duration = defaultDurationMinutes
	}
	if duration < minDurationMinutes {
		duration = minDurationMinutes
	}
	if duration > maxDurationMinutes {
		duration = maxDurationMinutes
	}
	return start.Add(time.Duration(duration) * time.Minute), nil
}

// freshAccessToken returns a usable access token, refreshing and
// persisting it when expired or within the refresh leeway.
func (b *BotTools) freshAccessToken(ctx context.Context) (string, error) {
	c := b.google
	now := b.set.now()
	if c.AccessToken != "" && c.TokenExpiresAt.After(now.Add(tokenRefreshLeeway)) {
		return c.AccessToken, nil
	}
	if c.RefreshToken == "" {
		if c.AccessToken != "" {
			return c.AccessToken, nil
		}
		return "", fmt.Errorf("connector has no usable credentials")
	}
	token, expiresAt, err := b.set.gcal.RefreshAccessToken(ctx, c.RefreshToken)
	if err != nil {
		return "", err
	}
	c.AccessToken = token
	c.TokenExpiresAt = expiresAt
	if err := b.set.tokens.UpdateConnectorToken(c.WorkspaceID, c.Provider, token, expiresAt); err != nil {
		util.LoggerFromContext(ctx).Warn("failed to persist refreshed calendar token",
			"workspace_id", c.WorkspaceID, "err", err)
	}
	return token, nil
}

// executeCalendly hands the static booking link back to the model. No
// availability check: Calendly owns slot selection.
func (b *BotTools) executeCalendly(args scheduleArgs) string {
	return b.report(true, "calendly", map[string]any{
		"status":        "booking_link",
		"schedulingUrl": b.calendly.SchedulingURL,
		"note":          "Share this link with the user so they can pick a time.",
	})
}

func (b *BotTools) report(ok bool, provider string, result map[string]any) string {
	if b.onToolUsed != nil {
		b.onToolUsed(ok, provider)
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return `{"error":"internal"}`
	}
	return string(raw)
}
