package store

import (
	"time"

	"github.com/pgvector/pgvector-go"
	"gorm.io/datatypes"
)

// GORM models used for persistence.
type BotModel struct {
	ID               string `gorm:"primaryKey"`
	OwnerID          string `gorm:"not null;index"`
	WorkspaceID      string `gorm:"not null;index"`
	Name             string `gorm:"not null"`
	Tone             string
	Model            string
	SystemPrompt     string    `gorm:"type:text"`
	FallbackBehavior string    `gorm:"type:text"`
	CreatedAt        time.Time `gorm:"not null"`
	UpdatedAt        time.Time `gorm:"not null"`
}

type BotSettingsModel struct {
	BotID               string `gorm:"primaryKey"`
	RateLimit           int    `gorm:"not null"`
	RateLimitHitMessage string
	UpdatedAt           time.Time
}

type KnowledgeSourceModel struct {
	ID        string         `gorm:"primaryKey"`
	BotID     string         `gorm:"not null;index"`
	Name      string         `gorm:"not null"`
	Type      string         `gorm:"not null"`
	Status    string         `gorm:"not null;index"`
	DocURLs   datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt time.Time      `gorm:"not null"`
}

type DocumentModel struct {
	ID         string           `gorm:"primaryKey"`
	BotID      string           `gorm:"not null;index"`
	SourceID   string           `gorm:"not null;index"`
	Content    string           `gorm:"type:text;not null"`
	Metadata   datatypes.JSON   `gorm:"type:jsonb"`
	Embedding  *pgvector.Vector `gorm:"type:vector(3072)"`
	Similarity float64          `gorm:"->;-:migration"`
	CreatedAt  time.Time        `gorm:"not null;index"`
}

type WorkspaceConnectorModel struct {
	WorkspaceID      string `gorm:"primaryKey"`
	Provider         string `gorm:"primaryKey"`
	AccessToken      string `gorm:"type:text"`
	RefreshToken     string `gorm:"type:text"`
	TokenExpiresAt   *time.Time
	Scopes           string
	APIToken         string `gorm:"type:text"`
	SchedulingURL    string
	BotIDs           datatypes.JSON `gorm:"type:jsonb"`
	ToolInstructions string         `gorm:"type:text"`
	UpdatedAt        time.Time
}

type CreditBalanceModel struct {
	UserID    string `gorm:"primaryKey"`
	Balance   int64  `gorm:"not null;default:0"`
	UpdatedAt time.Time
}

type ChatLogModel struct {
	ID          string `gorm:"primaryKey"`
	BotID       string `gorm:"not null;index"`
	Question    string `gorm:"type:text;not null"`
	Answer      string `gorm:"type:text"`
	Environment string
	Metadata    datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt   time.Time      `gorm:"not null;index"`
}
