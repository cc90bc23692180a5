package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"botsmith/internal/ratelimit"
	"botsmith/internal/util"
	"botsmith/pkg/ai"
	"botsmith/pkg/domain"
	"botsmith/pkg/store"
	"botsmith/services/chat/internal/knowledge"
	"botsmith/services/chat/internal/tools"
)

const (
	// creditCost is the number of credits debited per generated answer.
	creditCost = 1

	// maxToolRounds bounds the generate → tool → generate loop.
	maxToolRounds = 4

	defaultRateLimitMessage = "You're sending messages too quickly. Please wait a moment and try again."

	logWriteTimeout = 10 * time.Second
)

// Limiter is the rate-limiting dependency of the orchestrator.
type Limiter interface {
	Allow(key string, limit int) bool
}

// App orchestrates one answer request: rate limit, credit debit, knowledge
// retrieval, tool assembly, generation, delivery, and detached logging.
type App struct {
	store       store.Store
	limiter     Limiter
	retriever   *knowledge.Retriever
	toolset     *tools.Toolset
	generator   ai.Generator
	environment string
}

// Config wires the orchestrator's collaborators.
type Config struct {
	Store       store.Store
	Limiter     Limiter
	Retriever   *knowledge.Retriever
	Toolset     *tools.Toolset
	Generator   ai.Generator
	Environment string
}

func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store required")
	}
	if cfg.Limiter == nil {
		return nil, fmt.Errorf("rate limiter required")
	}
	if cfg.Retriever == nil {
		return nil, fmt.Errorf("retriever required")
	}
	if cfg.Generator == nil {
		return nil, fmt.Errorf("generator required")
	}
	return &App{
		store:       cfg.Store,
		limiter:     cfg.Limiter,
		retriever:   cfg.Retriever,
		toolset:     cfg.Toolset,
		generator:   cfg.Generator,
		environment: cfg.Environment,
	}, nil
}

// Request is one incoming chat question.
type Request struct {
	BotID    string
	Message  string
	History  []domain.ChatTurn
	TestMode bool
	ClientIP string
}

// Answer is the buffered response. CreditsBalance is nil when no debit
// occurred (test mode).
type Answer struct {
	Text           string
	CreditsBalance *int64
}

// Answer runs the buffered pipeline. The credit debit happens strictly
// before the model call so a generation is never given away for free.
func (a *App) Answer(ctx context.Context, req Request) (Answer, error) {
	bot, err := a.admit(ctx, req)
	if err != nil {
		return Answer{}, err
	}

	var balance *int64
	if !req.TestMode {
		newBalance, err := a.store.ConsumeCredits(bot.OwnerID, creditCost)
		if err != nil {
			if errors.Is(err, store.ErrOutOfCredits) {
				a.logRequest(req, bot, "", map[string]any{"error": "out_of_credits"})
				return Answer{}, err
			}
			return Answer{}, fmt.Errorf("consume credits: %w", err)
		}
		balance = &newBalance
	}

	prep := a.prepare(ctx, bot, req)
	text, err := a.generate(ctx, prep, nil)
	if err != nil {
		a.logRequest(req, bot, "", map[string]any{"error": "generation_failed"})
		return Answer{}, fmt.Errorf("generate answer: %w", err)
	}

	a.logRequest(req, bot, text, map[string]any{"apps_used": prep.appsUsed()})
	return Answer{Text: text, CreditsBalance: balance}, nil
}

// AnswerStream runs the streaming pipeline, calling send for each content
// chunk. It only checks the balance up front; the debit lands in the
// finalize step together with the log write, which runs exactly once no
// matter how the stream ends. Two concurrent streams can therefore both
// pass the pre-check against a balance of one credit; the buffered path
// does not share this gap.
func (a *App) AnswerStream(ctx context.Context, req Request, send func(chunk string) error) error {
	bot, err := a.admit(ctx, req)
	if err != nil {
		return err
	}

	if !req.TestMode {
		balance, ok, err := a.store.GetCreditBalance(bot.OwnerID)
		if err != nil {
			return fmt.Errorf("check credits: %w", err)
		}
		if !ok || balance <= 0 {
			return store.ErrOutOfCredits
		}
	}

	prep := a.prepare(ctx, bot, req)

	var (
		once     sync.Once
		answer   strings.Builder
		metadata = map[string]any{}
	)
	finalize := func() {
		once.Do(func() {
			if req.TestMode {
				return
			}
			metadata["apps_used"] = prep.appsUsed()
			if _, err := a.store.ConsumeCredits(bot.OwnerID, creditCost); err != nil {
				util.LoggerFromContext(ctx).Warn("post-stream credit debit failed",
					"owner_id", bot.OwnerID, "err", err)
				metadata["debit_failed"] = true
			}
			a.logRequest(req, bot, answer.String(), metadata)
		})
	}
	defer finalize()

	relay := func(chunk string) error {
		answer.WriteString(chunk)
		if err := send(chunk); err != nil {
			metadata["cancelled"] = true
			metadata["cancel_reason"] = err.Error()
			return err
		}
		return nil
	}
	if _, err := a.generate(ctx, prep, relay); err != nil {
		if ctx.Err() != nil || metadata["cancelled"] == true {
			metadata["cancelled"] = true
			if metadata["cancel_reason"] == nil {
				metadata["cancel_reason"] = ctx.Err().Error()
			}
			return nil
		}
		metadata["stream_error"] = err.Error()
		// Headers are committed once streaming starts; report in-band.
		_ = send("\n\n[The answer was interrupted by an error.]")
		return nil
	}
	return nil
}

// admit validates the request, loads the bot, and applies the chat rate
// limit. Test mode skips the limit.
func (a *App) admit(ctx context.Context, req Request) (domain.Bot, error) {
	if strings.TrimSpace(req.BotID) == "" || strings.TrimSpace(req.Message) == "" {
		return domain.Bot{}, ErrInvalidInput
	}
	bot, ok, err := a.store.GetBot(req.BotID)
	if err != nil {
		return domain.Bot{}, fmt.Errorf("load bot: %w", err)
	}
	if !ok {
		return domain.Bot{}, ErrBotNotFound
	}
	if req.TestMode {
		return bot, nil
	}

	limit := domain.DefaultRateLimit
	message := defaultRateLimitMessage
	settings, ok, err := a.store.GetBotSettings(bot.ID)
	if err != nil {
		util.LoggerFromContext(ctx).Warn("failed to load bot settings, using defaults",
			"bot_id", bot.ID, "err", err)
	} else if ok {
		if settings.RateLimit > 0 {
			limit = settings.RateLimit
		}
		if strings.TrimSpace(settings.RateLimitHitMessage) != "" {
			message = settings.RateLimitHitMessage
		}
	}
	if !a.limiter.Allow(ratelimit.ChatKey(bot.ID, req.ClientIP), limit) {
		a.logRequest(req, bot, "", map[string]any{"error": "rate_limited"})
		return domain.Bot{}, &RateLimitedError{Message: message}
	}
	return bot, nil
}

// preparation is the per-request generation input assembled concurrently.
type preparation struct {
	systemPrompt string
	history      []ai.Message
	question     string
	model        string
	botTools     *tools.BotTools

	mu   sync.Mutex
	used []string
}

func (p *preparation) recordToolUse(ok bool, provider string) {
	if !ok || provider == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.used = append(p.used, provider)
}

func (p *preparation) appsUsed() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.used...)
}

// prepare runs knowledge retrieval and tool assembly concurrently. Both
// degrade rather than fail: retrieval falls back internally, and a tool
// assembly error just yields a tool-less request.
func (a *App) prepare(ctx context.Context, bot domain.Bot, req Request) *preparation {
	prep := &preparation{
		question: req.Message,
		history:  historyMessages(req.History),
		model:    strings.TrimSpace(bot.Model),
	}

	var knowledgeCtx knowledge.Context
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sources, err := a.store.ListSourcesByBot(bot.ID)
		if err != nil {
			util.LoggerFromContext(gctx).Warn("failed to list knowledge sources",
				"bot_id", bot.ID, "err", err)
		}
		knowledgeCtx = a.retriever.BuildContext(gctx, bot.ID, req.Message, sources)
		return nil
	})
	g.Go(func() error {
		if a.toolset == nil {
			return nil
		}
		botTools, err := a.toolset.Assemble(bot, req.TestMode, req.ClientIP, prep.recordToolUse)
		if err != nil {
			util.LoggerFromContext(gctx).Warn("tool assembly failed, continuing without tools",
				"bot_id", bot.ID, "err", err)
			return nil
		}
		prep.botTools = botTools
		return nil
	})
	_ = g.Wait()

	toolInstruction := ""
	if prep.botTools != nil {
		toolInstruction = prep.botTools.Instruction
	}
	prep.systemPrompt = buildSystemPrompt(bot, toolInstruction, knowledgeCtx.Text)
	return prep
}

// generate drives the model, executing tool calls between rounds. When
// relay is non-nil each content chunk is forwarded as it arrives; the
// final round's full text is returned either way.
func (a *App) generate(ctx context.Context, prep *preparation, relay func(string) error) (string, error) {
	messages := make([]ai.Message, 0, len(prep.history)+2)
	messages = append(messages, ai.Message{Role: "system", Content: prep.systemPrompt})
	messages = append(messages, prep.history...)
	messages = append(messages, ai.Message{Role: "user", Content: prep.question})

	var defs []ai.Tool
	if prep.botTools != nil {
		defs = prep.botTools.Defs
	}

	// A bot may pin its own model id; generators that cannot rebind keep
	// the configured default.
	gen := a.generator
	if prep.model != "" {
		if selector, ok := gen.(ai.ModelSelector); ok {
			gen = selector.WithModel(prep.model)
		}
	}

	for round := 0; ; round++ {
		text, calls, err := a.drainStream(ctx, gen, messages, defs, relay)
		if err != nil {
			return "", err
		}
		if len(calls) == 0 || prep.botTools == nil || round >= maxToolRounds {
			return text, nil
		}
		messages = append(messages, ai.Message{Role: "assistant", Content: text, ToolCalls: calls})
		for _, call := range calls {
			result := prep.botTools.Execute(ctx, call)
			messages = append(messages, ai.Message{
				Role:       "tool",
				Content:    result,
				Name:       call.Name,
				ToolCallID: call.ID,
			})
		}
	}
}

func (a *App) drainStream(ctx context.Context, gen ai.Generator, messages []ai.Message, defs []ai.Tool, relay func(string) error) (string, []ai.ToolCall, error) {
	stream, err := gen.Complete(ctx, messages, defs)
	if err != nil {
		return "", nil, err
	}
	defer stream.Close()

	var (
		text  strings.Builder
		calls []ai.ToolCall
	)
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", nil, err
		}
		if chunk.Content != "" {
			text.WriteString(chunk.Content)
			if relay != nil {
				if err := relay(chunk.Content); err != nil {
					return "", nil, err
				}
			}
		}
		if len(chunk.ToolCalls) > 0 {
			calls = ai.MergeToolCalls(calls, chunk.ToolCalls)
		}
	}
	return text.String(), calls, nil
}

// logRequest fires the best-effort analytics write. It never blocks or
// fails the response, and test-mode requests are never logged.
func (a *App) logRequest(req Request, bot domain.Bot, answer string, metadata map[string]any) {
	if req.TestMode {
		return
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata["ip"] = req.ClientIP
	entry := domain.ChatLog{
		ID:          util.NewID(),
		BotID:       bot.ID,
		Question:    req.Message,
		Answer:      answer,
		Environment: a.environment,
		Metadata:    metadata,
		CreatedAt:   time.Now().UTC(),
	}
	util.Detach("chat_log", logWriteTimeout, func(context.Context) error {
		return a.store.AppendChatLog(entry)
	})
}
