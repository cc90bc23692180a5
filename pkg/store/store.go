package store

import (
	"time"

	"botsmith/pkg/domain"
)

// Store defines persistence operations used by the answer pipeline.
// All reads are narrow and typed; the only writes the pipeline performs are
// the credit debit, the chat log append, and the Google token refresh.
type Store interface {
	// bots
	GetBot(id string) (domain.Bot, bool, error)
	GetBotSettings(botID string) (domain.BotSettings, bool, error)

	// knowledge
	ListSourcesByBot(botID string) ([]domain.KnowledgeSource, error)
	SearchDocuments(botID string, embedding []float32, limit int, threshold float64) ([]domain.Document, error)

	// connectors
	ListConnectorsByWorkspace(workspaceID string) ([]domain.WorkspaceConnector, error)
	UpdateConnectorToken(workspaceID string, provider domain.ConnectorProvider, accessToken string, expiresAt time.Time) error

	// credits
	ConsumeCredits(ownerID string, amount int) (int64, error)
	GetCreditBalance(ownerID string) (int64, bool, error)

	// analytics sink
	AppendChatLog(entry domain.ChatLog) error
}
