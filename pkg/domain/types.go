package domain

import "time"

type SourceType string

const (
	SourcePDF  SourceType = "pdf"
	SourceURL  SourceType = "url"
	SourceText SourceType = "text"
)

type SourceStatus string

const (
	SourceProcessing SourceStatus = "processing"
	SourceIndexed    SourceStatus = "indexed"
	SourceFailed     SourceStatus = "failed"
)

type ConnectorProvider string

const (
	ProviderGoogleCalendar ConnectorProvider = "google_calendar"
	ProviderCalendly       ConnectorProvider = "calendly"
)

// Bot is a configured assistant persona owned by a workspace.
// It is read-only input to the answer pipeline.
type Bot struct {
	ID               string    `json:"id"`
	OwnerID          string    `json:"ownerId"`
	WorkspaceID      string    `json:"workspaceId"`
	Name             string    `json:"name"`
	Tone             string    `json:"tone,omitempty"`
	Model            string    `json:"model,omitempty"`
	SystemPrompt     string    `json:"systemPrompt,omitempty"`
	FallbackBehavior string    `json:"fallbackBehavior,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// BotSettings carries per-bot request limits. One row per bot; when the row
// is missing the pipeline uses DefaultRateLimit.
type BotSettings struct {
	BotID               string `json:"botId"`
	RateLimit           int    `json:"rateLimit"`
	RateLimitHitMessage string `json:"rateLimitHitMessage,omitempty"`
}

// DefaultRateLimit applies when a bot has no settings row.
const DefaultRateLimit = 20

// KnowledgeSource is an ingested document/URL/text blob a bot can draw
// answers from. DocURLs may hold the original file and/or an extracted-text
// companion; entries are absolute URLs or "storage:<key>" object references.
type KnowledgeSource struct {
	ID        string       `json:"id"`
	BotID     string       `json:"botId"`
	Name      string       `json:"name"`
	Type      SourceType   `json:"type"`
	Status    SourceStatus `json:"status"`
	DocURLs   []string     `json:"docUrls"`
	CreatedAt time.Time    `json:"createdAt"`
}

// Document is one indexed chunk of a knowledge source with its embedding.
// Produced by the ingestion pipeline, consumed read-only here.
type Document struct {
	ID         string            `json:"id"`
	BotID      string            `json:"botId"`
	SourceID   string            `json:"sourceId"`
	Content    string            `json:"content"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Similarity float64           `json:"similarity,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// SourceName returns the human-readable provenance label for a chunk.
func (d Document) SourceName() string {
	if d.Metadata != nil {
		if name := d.Metadata["sourceName"]; name != "" {
			return name
		}
	}
	return "knowledge base"
}

// WorkspaceConnector is a workspace-level third-party integration record.
// BotIDs empty means the connector applies to every bot in the workspace.
// Credential fields are sealed at rest and opened by the store.
type WorkspaceConnector struct {
	WorkspaceID      string            `json:"workspaceId"`
	Provider         ConnectorProvider `json:"provider"`
	AccessToken      string            `json:"-"`
	RefreshToken     string            `json:"-"`
	TokenExpiresAt   time.Time         `json:"-"`
	Scopes           string            `json:"scopes,omitempty"`
	APIToken         string            `json:"-"`
	SchedulingURL    string            `json:"schedulingUrl,omitempty"`
	BotIDs           []string          `json:"botIds,omitempty"`
	ToolInstructions string            `json:"toolInstructions,omitempty"`
	UpdatedAt        time.Time         `json:"updatedAt"`
}

// AppliesTo reports whether the connector is usable by the given bot.
func (c WorkspaceConnector) AppliesTo(botID string) bool {
	if len(c.BotIDs) == 0 {
		return true
	}
	for _, id := range c.BotIDs {
		if id == botID {
			return true
		}
	}
	return false
}

// ChatTurn is one prior turn of the widget conversation as sent by clients.
type ChatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatLog is the write-only analytics sink row recorded after each
// non-test request, success or failure.
type ChatLog struct {
	ID          string         `json:"id"`
	BotID       string         `json:"botId"`
	Question    string         `json:"question"`
	Answer      string         `json:"answer"`
	Environment string         `json:"environment,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
}
