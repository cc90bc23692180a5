package store

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"botsmith/pkg/domain"
)

// MemoryStore keeps pipeline data in-process. It backs tests and local
// development and mirrors the GormStore contract, including the atomic
// credit debit under lock.
type MemoryStore struct {
	mu         sync.RWMutex
	bots       map[string]domain.Bot
	settings   map[string]domain.BotSettings
	sources    map[string][]domain.KnowledgeSource    // bot id -> sources
	documents  map[string][]memoryDocument            // bot id -> chunks
	connectors map[string][]domain.WorkspaceConnector // workspace id -> connectors
	credits    map[string]int64                       // owner id -> balance
	chatLogs   []domain.ChatLog
}

type memoryDocument struct {
	doc       domain.Document
	embedding []float32
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bots:       make(map[string]domain.Bot),
		settings:   make(map[string]domain.BotSettings),
		sources:    make(map[string][]domain.KnowledgeSource),
		documents:  make(map[string][]memoryDocument),
		connectors: make(map[string][]domain.WorkspaceConnector),
		credits:    make(map[string]int64),
	}
}

// SaveBot stores or replaces a bot record.
func (m *MemoryStore) SaveBot(b domain.Bot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bots[b.ID] = b
}

// SaveBotSettings stores or replaces a bot settings row.
func (m *MemoryStore) SaveBotSettings(s domain.BotSettings) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[s.BotID] = s
}

// AddSource appends a knowledge source for its bot.
func (m *MemoryStore) AddSource(s domain.KnowledgeSource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources[s.BotID] = append(m.sources[s.BotID], s)
}

// AddDocument stores an indexed chunk with its embedding.
func (m *MemoryStore) AddDocument(doc domain.Document, embedding []float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.documents[doc.BotID] = append(m.documents[doc.BotID], memoryDocument{doc: doc, embedding: embedding})
}

// SaveConnector stores or replaces a workspace connector.
func (m *MemoryStore) SaveConnector(c domain.WorkspaceConnector) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.connectors[c.WorkspaceID]
	for i, existing := range list {
		if existing.Provider == c.Provider {
			list[i] = c
			return
		}
	}
	m.connectors[c.WorkspaceID] = append(list, c)
}

// SetCreditBalance seeds an owner's balance.
func (m *MemoryStore) SetCreditBalance(ownerID string, balance int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credits[ownerID] = balance
}

// ChatLogs returns a copy of recorded chat logs.
func (m *MemoryStore) ChatLogs() []domain.ChatLog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.ChatLog, len(m.chatLogs))
	copy(out, m.chatLogs)
	return out
}

// GetBot retrieves a bot.
func (m *MemoryStore) GetBot(id string) (domain.Bot, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bot, ok := m.bots[id]
	return bot, ok, nil
}

// GetBotSettings returns the settings row for a bot when present.
func (m *MemoryStore) GetBotSettings(botID string) (domain.BotSettings, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	settings, ok := m.settings[botID]
	return settings, ok, nil
}

// ListSourcesByBot returns the bot's knowledge sources, excluding failed ones.
func (m *MemoryStore) ListSourcesByBot(botID string) ([]domain.KnowledgeSource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sources := make([]domain.KnowledgeSource, 0, len(m.sources[botID]))
	for _, s := range m.sources[botID] {
		if s.Status == domain.SourceFailed {
			continue
		}
		sources = append(sources, s)
	}
	return sources, nil
}

// SearchDocuments ranks stored chunks by cosine similarity.
func (m *MemoryStore) SearchDocuments(botID string, embedding []float32, limit int, threshold float64) ([]domain.Document, error) {
	if limit <= 0 {
		return []domain.Document{}, nil
	}
	if len(embedding) == 0 {
		return nil, fmt.Errorf("embedding vector is empty")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	scored := make([]domain.Document, 0, len(m.documents[botID]))
	for _, entry := range m.documents[botID] {
		if len(entry.embedding) == 0 {
			continue
		}
		similarity := cosineSimilarity(embedding, entry.embedding)
		if threshold > 0 && similarity < threshold {
			continue
		}
		doc := entry.doc
		doc.Similarity = similarity
		scored = append(scored, doc)
	}
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Similarity > scored[j].Similarity
	})
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

// ListConnectorsByWorkspace returns all connector rows for a workspace.
func (m *MemoryStore) ListConnectorsByWorkspace(workspaceID string) ([]domain.WorkspaceConnector, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.WorkspaceConnector, len(m.connectors[workspaceID]))
	copy(out, m.connectors[workspaceID])
	return out, nil
}

// UpdateConnectorToken persists a refreshed access token.
func (m *MemoryStore) UpdateConnectorToken(workspaceID string, provider domain.ConnectorProvider, accessToken string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.connectors[workspaceID]
	for i := range list {
		if list[i].Provider == provider {
			list[i].AccessToken = accessToken
			if !expiresAt.IsZero() {
				list[i].TokenExpiresAt = expiresAt.UTC()
			}
			list[i].UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return fmt.Errorf("connector %s/%s not found", workspaceID, provider)
}

// ConsumeCredits debits the owner's balance under the store lock so
// concurrent callers observe check-and-decrement as one step.
func (m *MemoryStore) ConsumeCredits(ownerID string, amount int) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("credit amount must be positive, got %d", amount)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	balance, ok := m.credits[ownerID]
	if !ok || balance < int64(amount) {
		return 0, ErrOutOfCredits
	}
	balance -= int64(amount)
	m.credits[ownerID] = balance
	return balance, nil
}

// GetCreditBalance is the privileged read used for stream pre-flight checks.
func (m *MemoryStore) GetCreditBalance(ownerID string) (int64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	balance, ok := m.credits[ownerID]
	return balance, ok, nil
}

// AppendChatLog records one analytics row.
func (m *MemoryStore) AppendChatLog(entry domain.ChatLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	m.chatLogs = append(m.chatLogs, entry)
	return nil
}

func cosineSimilarity(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
