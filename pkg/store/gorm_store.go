package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pgvector/pgvector-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"botsmith/pkg/domain"
	"botsmith/pkg/secretbox"
)

const migrateLockID int64 = 92410471

const (
	defaultEmbeddingDim      = 1536
	canonicalEmbeddingDimEnv = "BOTSMITH_EMBEDDING_DIM"
)

type GormStoreOptions struct {
	EmbeddingDim int
	Secrets      *secretbox.Box
}

type GormStoreOption func(*GormStoreOptions)

// WithEmbeddingDim sets the canonical embedding dimension used by storage.
func WithEmbeddingDim(dim int) GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.EmbeddingDim = dim
	}
}

// WithSecrets sets the box used to seal connector credentials at rest.
func WithSecrets(box *secretbox.Box) GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.Secrets = box
	}
}

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db           *gorm.DB
	embeddingDim int
	secrets      *secretbox.Box
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string, options ...GormStoreOption) (*GormStore, error) {
	opts := GormStoreOptions{}
	for _, option := range options {
		if option != nil {
			option(&opts)
		}
	}
	embeddingDim, err := resolveEmbeddingDim(opts.EmbeddingDim)
	if err != nil {
		return nil, err
	}

	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
			return fmt.Errorf("create pgvector extension: %w", err)
		}
		if err := tx.AutoMigrate(
			&BotModel{},
			&BotSettingsModel{},
			&KnowledgeSourceModel{},
			&DocumentModel{},
			&WorkspaceConnectorModel{},
			&CreditBalanceModel{},
			&ChatLogModel{},
		); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := tx.Exec(fmt.Sprintf(`
			DO $$
			BEGIN
			IF EXISTS (
				SELECT 1 FROM information_schema.columns
				WHERE table_name = 'document_models' AND column_name = 'embedding'
			) THEN
				ALTER TABLE document_models ALTER COLUMN embedding TYPE vector(%d);
			END IF;
			END $$;
		`, embeddingDim)).Error; err != nil {
			return fmt.Errorf("alter document embedding type: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db, embeddingDim: embeddingDim, secrets: opts.Secrets}, nil
}

func resolveEmbeddingDim(configValue int) (int, error) {
	if configValue > 0 {
		return configValue, nil
	}
	raw := strings.TrimSpace(os.Getenv(canonicalEmbeddingDimEnv))
	if raw == "" {
		return defaultEmbeddingDim, nil
	}
	dim, err := strconv.Atoi(raw)
	if err != nil || dim <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", canonicalEmbeddingDimEnv, raw)
	}
	return dim, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// GetBot retrieves a bot.
func (s *GormStore) GetBot(id string) (domain.Bot, bool, error) {
	var model BotModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Bot{}, false, nil
		}
		return domain.Bot{}, false, err
	}
	return botFromModel(model), true, nil
}

// GetBotSettings returns the settings row for a bot when present.
func (s *GormStore) GetBotSettings(botID string) (domain.BotSettings, bool, error) {
	var model BotSettingsModel
	if err := s.db.First(&model, "bot_id = ?", botID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.BotSettings{}, false, nil
		}
		return domain.BotSettings{}, false, err
	}
	return domain.BotSettings{
		BotID:               model.BotID,
		RateLimit:           model.RateLimit,
		RateLimitHitMessage: model.RateLimitHitMessage,
	}, true, nil
}

// ListSourcesByBot returns the bot's knowledge sources, excluding failed ones.
func (s *GormStore) ListSourcesByBot(botID string) ([]domain.KnowledgeSource, error) {
	var models []KnowledgeSourceModel
	if err := s.db.Where("bot_id = ? AND status <> ?", botID, string(domain.SourceFailed)).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	sources := make([]domain.KnowledgeSource, 0, len(models))
	for _, model := range models {
		sources = append(sources, sourceFromModel(model))
	}
	return sources, nil
}

// SearchDocuments finds similar chunks by cosine distance, keeping only rows
// at or above the similarity threshold. Results come back in the order the
// index returns them (similarity descending); no re-ranking is applied.
func (s *GormStore) SearchDocuments(botID string, embedding []float32, limit int, threshold float64) ([]domain.Document, error) {
	if limit <= 0 {
		return []domain.Document{}, nil
	}
	if err := s.validateEmbeddingDim(embedding); err != nil {
		return nil, err
	}
	vec := pgvector.NewVector(embedding)
	var models []DocumentModel
	query := s.db.Model(&DocumentModel{}).
		Select("*, 1 - (embedding <=> ?) AS similarity", vec).
		Where("bot_id = ? AND embedding IS NOT NULL", botID)
	if threshold > 0 {
		query = query.Where("1 - (embedding <=> ?) >= ?", vec, threshold)
	}
	if err := query.
		Order(clause.Expr{SQL: "embedding <=> ?", Vars: []any{vec}}).
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	docs := make([]domain.Document, 0, len(models))
	for _, model := range models {
		docs = append(docs, documentFromModel(model))
	}
	return docs, nil
}

// ListConnectorsByWorkspace returns all connector rows for a workspace with
// credentials opened.
func (s *GormStore) ListConnectorsByWorkspace(workspaceID string) ([]domain.WorkspaceConnector, error) {
	var models []WorkspaceConnectorModel
	if err := s.db.Where("workspace_id = ?", workspaceID).Find(&models).Error; err != nil {
		return nil, err
	}
	connectors := make([]domain.WorkspaceConnector, 0, len(models))
	for _, model := range models {
		connector, err := s.connectorFromModel(model)
		if err != nil {
			return nil, fmt.Errorf("open connector credentials (%s/%s): %w", model.WorkspaceID, model.Provider, err)
		}
		connectors = append(connectors, connector)
	}
	return connectors, nil
}

// UpdateConnectorToken persists a refreshed access token back to the
// connector row. This is the pipeline's only connector mutation.
func (s *GormStore) UpdateConnectorToken(workspaceID string, provider domain.ConnectorProvider, accessToken string, expiresAt time.Time) error {
	sealed, err := s.seal(accessToken)
	if err != nil {
		return fmt.Errorf("seal access token: %w", err)
	}
	updates := map[string]any{
		"access_token": sealed,
		"updated_at":   time.Now().UTC(),
	}
	if !expiresAt.IsZero() {
		at := expiresAt.UTC()
		updates["token_expires_at"] = &at
	}
	return s.db.Model(&WorkspaceConnectorModel{}).
		Where("workspace_id = ? AND provider = ?", workspaceID, string(provider)).
		Updates(updates).Error
}

// ConsumeCredits atomically debits the owner's balance. The conditional
// update runs as a single statement so concurrent debits against a balance
// of 1 cannot both succeed. Returns the post-debit balance.
func (s *GormStore) ConsumeCredits(ownerID string, amount int) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("credit amount must be positive, got %d", amount)
	}
	var balance int64
	row := s.db.Raw(`
		UPDATE credit_balance_models
		SET balance = balance - ?, updated_at = ?
		WHERE user_id = ? AND balance >= ?
		RETURNING balance
	`, amount, time.Now().UTC(), ownerID, amount).Row()
	if err := row.Scan(&balance); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrOutOfCredits
		}
		return 0, fmt.Errorf("debit credits: %w", err)
	}
	return balance, nil
}

// GetCreditBalance is the privileged read used for stream pre-flight checks.
// The second return is false when the owner has no balance row.
func (s *GormStore) GetCreditBalance(ownerID string) (int64, bool, error) {
	var model CreditBalanceModel
	if err := s.db.First(&model, "user_id = ?", ownerID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return 0, false, nil
		}
		return 0, false, err
	}
	return model.Balance, true, nil
}

// AppendChatLog records one analytics row.
func (s *GormStore) AppendChatLog(entry domain.ChatLog) error {
	model, err := chatLogToModel(entry)
	if err != nil {
		return err
	}
	return s.db.Create(&model).Error
}

func (s *GormStore) validateEmbeddingDim(embedding []float32) error {
	if len(embedding) == 0 {
		return fmt.Errorf("embedding vector is empty")
	}
	if s.embeddingDim > 0 && len(embedding) != s.embeddingDim {
		return fmt.Errorf("embedding dimension mismatch: got %d, want %d", len(embedding), s.embeddingDim)
	}
	return nil
}

func (s *GormStore) seal(value string) (string, error) {
	if s.secrets == nil {
		return value, nil
	}
	return s.secrets.Seal(value)
}

func (s *GormStore) open(value string) (string, error) {
	if s.secrets == nil {
		return value, nil
	}
	return s.secrets.Open(value)
}

func botFromModel(m BotModel) domain.Bot {
	return domain.Bot{
		ID:               m.ID,
		OwnerID:          m.OwnerID,
		WorkspaceID:      m.WorkspaceID,
		Name:             m.Name,
		Tone:             m.Tone,
		Model:            m.Model,
		SystemPrompt:     m.SystemPrompt,
		FallbackBehavior: m.FallbackBehavior,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

func sourceFromModel(m KnowledgeSourceModel) domain.KnowledgeSource {
	var urls []string
	if len(m.DocURLs) > 0 {
		_ = json.Unmarshal(m.DocURLs, &urls)
	}
	return domain.KnowledgeSource{
		ID:        m.ID,
		BotID:     m.BotID,
		Name:      m.Name,
		Type:      domain.SourceType(m.Type),
		Status:    domain.SourceStatus(m.Status),
		DocURLs:   urls,
		CreatedAt: m.CreatedAt,
	}
}

func documentFromModel(m DocumentModel) domain.Document {
	var meta map[string]string
	if len(m.Metadata) > 0 {
		_ = json.Unmarshal(m.Metadata, &meta)
	}
	return domain.Document{
		ID:         m.ID,
		BotID:      m.BotID,
		SourceID:   m.SourceID,
		Content:    m.Content,
		Metadata:   meta,
		Similarity: m.Similarity,
		CreatedAt:  m.CreatedAt,
	}
}

func (s *GormStore) connectorFromModel(m WorkspaceConnectorModel) (domain.WorkspaceConnector, error) {
	accessToken, err := s.open(m.AccessToken)
	if err != nil {
		return domain.WorkspaceConnector{}, err
	}
	refreshToken, err := s.open(m.RefreshToken)
	if err != nil {
		return domain.WorkspaceConnector{}, err
	}
	apiToken, err := s.open(m.APIToken)
	if err != nil {
		return domain.WorkspaceConnector{}, err
	}
	var botIDs []string
	if len(m.BotIDs) > 0 {
		_ = json.Unmarshal(m.BotIDs, &botIDs)
	}
	var expiresAt time.Time
	if m.TokenExpiresAt != nil {
		expiresAt = *m.TokenExpiresAt
	}
	return domain.WorkspaceConnector{
		WorkspaceID:      m.WorkspaceID,
		Provider:         domain.ConnectorProvider(m.Provider),
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		TokenExpiresAt:   expiresAt,
		Scopes:           m.Scopes,
		APIToken:         apiToken,
		SchedulingURL:    m.SchedulingURL,
		BotIDs:           botIDs,
		ToolInstructions: m.ToolInstructions,
		UpdatedAt:        m.UpdatedAt,
	}, nil
}

func chatLogToModel(entry domain.ChatLog) (ChatLogModel, error) {
	meta, err := json.Marshal(entry.Metadata)
	if err != nil {
		return ChatLogModel{}, fmt.Errorf("marshal chat log metadata: %w", err)
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return ChatLogModel{
		ID:          entry.ID,
		BotID:       entry.BotID,
		Question:    entry.Question,
		Answer:      entry.Answer,
		Environment: entry.Environment,
		Metadata:    meta,
		CreatedAt:   createdAt,
	}, nil
}
