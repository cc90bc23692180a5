package knowledge

import (
	"context"
	"fmt"
	"strings"

	"botsmith/internal/util"
	"botsmith/pkg/ai"
	"botsmith/pkg/domain"
)

const (
	defaultMatchCount     = 8
	defaultMatchThreshold = 0.35
	defaultMaxPerDocChars = 8000
	defaultMaxTotalChars  = 24000

	noExtractsPlaceholder = "(no readable extracts)"
)

// DocumentSearcher is the vector-search slice of the store.
type DocumentSearcher interface {
	SearchDocuments(botID string, embedding []float32, limit int, threshold float64) ([]domain.Document, error)
}

// Context is the assembled knowledge text plus retrieval telemetry.
type Context struct {
	Text      string
	Matched   int
	Fetched   int
	Failed    int
	TotalURLs int
	// FellBack reports that the vector path was skipped or yielded nothing
	// and raw document extraction was used instead.
	FellBack bool
}

// RetrieverConfig tunes context assembly. Zero values take defaults.
type RetrieverConfig struct {
	MatchCount     int
	MatchThreshold float64
	MaxPerDocChars int
	MaxTotalChars  int
}

// Retriever assembles the bounded knowledge context for a query.
// The vector path is primary; the raw-extraction path is the fallback.
// Retrieval never fails the request: every degradation produces a
// well-formed, possibly thinner, context.
type Retriever struct {
	searcher DocumentSearcher
	embedder ai.Embedder
	fetcher  *Fetcher

	matchCount     int
	matchThreshold float64
	maxPerDocChars int
	maxTotalChars  int
}

// NewRetriever builds a retriever. embedder may be nil when no embeddings
// provider is configured; the fallback path then always applies.
func NewRetriever(searcher DocumentSearcher, embedder ai.Embedder, fetcher *Fetcher, cfg RetrieverConfig) *Retriever {
	if cfg.MatchCount <= 0 {
		cfg.MatchCount = defaultMatchCount
	}
	if cfg.MatchThreshold <= 0 {
		cfg.MatchThreshold = defaultMatchThreshold
	}
	if cfg.MaxPerDocChars <= 0 {
		cfg.MaxPerDocChars = defaultMaxPerDocChars
	}
	if cfg.MaxTotalChars <= 0 {
		cfg.MaxTotalChars = defaultMaxTotalChars
	}
	return &Retriever{
		searcher:       searcher,
		embedder:       embedder,
		fetcher:        fetcher,
		matchCount:     cfg.MatchCount,
		matchThreshold: cfg.MatchThreshold,
		maxPerDocChars: cfg.MaxPerDocChars,
		maxTotalChars:  cfg.MaxTotalChars,
	}
}

// BuildContext produces the knowledge context for a bot and query.
func (r *Retriever) BuildContext(ctx context.Context, botID, query string, sources []domain.KnowledgeSource) Context {
	result := Context{}
	refs := collectRefs(sources)
	result.TotalURLs = len(refs)

	extracted := ""
	if r.embedder != nil {
		snippets, err := r.searchSnippets(ctx, botID, query)
		if err != nil {
			util.LoggerFromContext(ctx).Warn("vector search failed, falling back to raw extraction", "bot_id", botID, "err", err)
		} else if len(snippets) > 0 {
			extracted = r.joinBounded(snippets)
			result.Matched = len(snippets)
		}
	}
	if extracted == "" {
		result.FellBack = true
		extracted = r.extractFromRefs(ctx, refs, &result)
	}
	if extracted == "" {
		extracted = noExtractsPlaceholder
	}

	var sb strings.Builder
	sb.WriteString("Knowledge sources (URLs):\n")
	if len(refs) == 0 {
		sb.WriteString("(none)\n")
	} else {
		for _, ref := range refs {
			sb.WriteString("- ")
			sb.WriteString(ref)
			sb.WriteString("\n")
		}
	}
	sb.WriteString("\n")
	sb.WriteString(extracted)
	result.Text = sb.String()
	return result
}

func (r *Retriever) searchSnippets(ctx context.Context, botID, query string) ([]string, error) {
	embedding, err := r.embedder.EmbedText(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	docs, err := r.searcher.SearchDocuments(botID, embedding, r.matchCount, r.matchThreshold)
	if err != nil {
		return nil, fmt.Errorf("search documents: %w", err)
	}
	snippets := make([]string, 0, len(docs))
	for _, doc := range docs {
		snippets = append(snippets, fmt.Sprintf("[Match: %s]\n%s", doc.SourceName(), doc.Content))
	}
	return snippets, nil
}

// joinBounded concatenates snippets under the total character budget,
// slicing the final snippet to fit exactly. Truncation is a direct string
// slice with no word-boundary snapping.
func (r *Retriever) joinBounded(snippets []string) string {
	var sb strings.Builder
	for _, snippet := range snippets {
		if sb.Len() >= r.maxTotalChars {
			break
		}
		remaining := r.maxTotalChars - sb.Len()
		if len(snippet) > remaining {
			snippet = snippet[:remaining]
		}
		sb.WriteString(snippet)
	}
	return sb.String()
}

// extractFromRefs fetches each declared document ref, truncates it to the
// per-document budget, and concatenates under the total budget. Individual
// failures are counted and skipped; the loop never aborts.
func (r *Retriever) extractFromRefs(ctx context.Context, refs []string, result *Context) string {
	if r.fetcher == nil {
		return ""
	}
	var sb strings.Builder
	for _, ref := range refs {
		if sb.Len() >= r.maxTotalChars {
			break
		}
		text, err := r.fetcher.FetchText(ctx, ref)
		if err != nil || text == "" {
			result.Failed++
			continue
		}
		result.Fetched++
		if len(text) > r.maxPerDocChars {
			text = text[:r.maxPerDocChars]
		}
		remaining := r.maxTotalChars - sb.Len()
		if len(text) > remaining {
			text = text[:remaining]
		}
		sb.WriteString(text)
	}
	return sb.String()
}

func collectRefs(sources []domain.KnowledgeSource) []string {
	var refs []string
	for _, source := range sources {
		if source.Status == domain.SourceFailed {
			continue
		}
		refs = append(refs, source.DocURLs...)
	}
	return refs
}
