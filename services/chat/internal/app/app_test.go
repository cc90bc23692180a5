package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"botsmith/pkg/ai"
	"botsmith/pkg/domain"
	"botsmith/pkg/store"
	"botsmith/services/chat/internal/knowledge"
	"botsmith/services/chat/internal/tools"
)

type scriptedRound struct {
	chunks  []ai.Chunk
	termErr error // nil means clean end of stream
}

type scriptedStream struct {
	round scriptedRound
	pos   int
}

func (s *scriptedStream) Recv() (ai.Chunk, error) {
	if s.pos < len(s.round.chunks) {
		chunk := s.round.chunks[s.pos]
		s.pos++
		return chunk, nil
	}
	if s.round.termErr != nil {
		return ai.Chunk{}, s.round.termErr
	}
	return ai.Chunk{}, io.EOF
}

func (s *scriptedStream) Close() error { return nil }

type scriptedGenerator struct {
	mu     sync.Mutex
	rounds []scriptedRound
	calls  [][]ai.Message
}

func (g *scriptedGenerator) Complete(ctx context.Context, messages []ai.Message, defs []ai.Tool) (ai.Stream, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, append([]ai.Message(nil), messages...))
	if len(g.rounds) == 0 {
		return nil, errors.New("no scripted rounds left")
	}
	round := g.rounds[0]
	g.rounds = g.rounds[1:]
	return &scriptedStream{round: round}, nil
}

func (g *scriptedGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

func (g *scriptedGenerator) systemPrompt(t *testing.T) string {
	t.Helper()
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.calls) == 0 || len(g.calls[0]) == 0 || g.calls[0][0].Role != "system" {
		t.Fatal("no system message recorded")
	}
	return g.calls[0][0].Content
}

func textRound(chunks ...string) scriptedRound {
	round := scriptedRound{}
	for _, c := range chunks {
		round.chunks = append(round.chunks, ai.Chunk{Content: c})
	}
	return round
}

// modelAwareGenerator records rebind requests and serves them with the
// wrapped scripted generator.
type modelAwareGenerator struct {
	*scriptedGenerator
	bound []string
}

func (g *modelAwareGenerator) WithModel(model string) ai.Generator {
	g.bound = append(g.bound, model)
	return g.scriptedGenerator
}

type allowAll struct{}

func (allowAll) Allow(key string, limit int) bool { return true }

type denyAll struct{}

func (denyAll) Allow(key string, limit int) bool { return false }

func seedBot(st *store.MemoryStore) domain.Bot {
	bot := domain.Bot{
		ID:               "bot-1",
		OwnerID:          "owner-1",
		WorkspaceID:      "ws",
		Name:             "Acme Helper",
		FallbackBehavior: "say you can only answer questions about Acme",
	}
	st.SaveBot(bot)
	return bot
}

func newTestApp(t *testing.T, st *store.MemoryStore, gen ai.Generator, limiter Limiter, toolset *tools.Toolset) *App {
	t.Helper()
	a, err := New(Config{
		Store:       st,
		Limiter:     limiter,
		Retriever:   knowledge.NewRetriever(st, nil, knowledge.NewFetcher(nil, time.Second), knowledge.RetrieverConfig{}),
		Toolset:     toolset,
		Generator:   gen,
		Environment: "test",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

// waitLogs polls for detached log writes to land.
func waitLogs(t *testing.T, st *store.MemoryStore, want int) []domain.ChatLog {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		logs := st.ChatLogs()
		if len(logs) >= want {
			return logs
		}
		if time.Now().After(deadline) {
			t.Fatalf("chat logs = %d, want %d", len(logs), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAnswerDebitsBeforeGenerating(t *testing.T) {
	st := store.NewMemoryStore()
	bot := seedBot(st)
	st.SetCreditBalance(bot.OwnerID, 2)
	gen := &scriptedGenerator{rounds: []scriptedRound{textRound("The answer.")}}
	a := newTestApp(t, st, gen, allowAll{}, nil)

	got, err := a.Answer(context.Background(), Request{BotID: bot.ID, Message: "hi", ClientIP: "1.2.3.4"})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if got.Text != "The answer." {
		t.Errorf("Text = %q", got.Text)
	}
	if got.CreditsBalance == nil || *got.CreditsBalance != 1 {
		t.Errorf("CreditsBalance = %v, want 1", got.CreditsBalance)
	}
	logs := waitLogs(t, st, 1)
	if logs[0].Question != "hi" || logs[0].Answer != "The answer." {
		t.Errorf("log = %+v", logs[0])
	}
	if logs[0].Metadata["ip"] != "1.2.3.4" {
		t.Errorf("log metadata = %v", logs[0].Metadata)
	}
}

func TestAnswerOutOfCreditsSkipsGeneration(t *testing.T) {
	st := store.NewMemoryStore()
	bot := seedBot(st)
	st.SetCreditBalance(bot.OwnerID, 0)
	gen := &scriptedGenerator{rounds: []scriptedRound{textRound("never")}}
	a := newTestApp(t, st, gen, allowAll{}, nil)

	_, err := a.Answer(context.Background(), Request{BotID: bot.ID, Message: "hi"})
	if !errors.Is(err, store.ErrOutOfCredits) {
		t.Fatalf("err = %v, want ErrOutOfCredits", err)
	}
	if gen.callCount() != 0 {
		t.Error("model must not be called when the debit fails")
	}
	logs := waitLogs(t, st, 1)
	if logs[0].Metadata["error"] != "out_of_credits" {
		t.Errorf("log metadata = %v", logs[0].Metadata)
	}
}

func TestAnswerRateLimitedUsesConfiguredMessage(t *testing.T) {
	st := store.NewMemoryStore()
	bot := seedBot(st)
	st.SetCreditBalance(bot.OwnerID, 5)
	st.SaveBotSettings(domain.BotSettings{BotID: bot.ID, RateLimit: 3, RateLimitHitMessage: "Slow down, partner."})
	gen := &scriptedGenerator{rounds: []scriptedRound{textRound("never")}}
	a := newTestApp(t, st, gen, denyAll{}, nil)

	_, err := a.Answer(context.Background(), Request{BotID: bot.ID, Message: "hi"})
	var limited *RateLimitedError
	if !errors.As(err, &limited) {
		t.Fatalf("err = %v, want RateLimitedError", err)
	}
	if limited.Message != "Slow down, partner." {
		t.Errorf("Message = %q", limited.Message)
	}
	if balance, _, _ := st.GetCreditBalance(bot.OwnerID); balance != 5 {
		t.Errorf("balance = %d, credits must not be touched on 429", balance)
	}
}

func TestAnswerBotNotFound(t *testing.T) {
	st := store.NewMemoryStore()
	a := newTestApp(t, st, &scriptedGenerator{}, allowAll{}, nil)
	if _, err := a.Answer(context.Background(), Request{BotID: "ghost", Message: "hi"}); !errors.Is(err, ErrBotNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestAnswerInvalidInput(t *testing.T) {
	st := store.NewMemoryStore()
	a := newTestApp(t, st, &scriptedGenerator{}, allowAll{}, nil)
	if _, err := a.Answer(context.Background(), Request{BotID: "", Message: "hi"}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("missing bot id: err = %v", err)
	}
	if _, err := a.Answer(context.Background(), Request{BotID: "b", Message: "  "}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("blank message: err = %v", err)
	}
}

func TestAnswerExecutesToolRounds(t *testing.T) {
	st := store.NewMemoryStore()
	bot := seedBot(st)
	st.SetCreditBalance(bot.OwnerID, 5)
	st.SaveConnector(domain.WorkspaceConnector{
		WorkspaceID:   "ws",
		Provider:      domain.ProviderCalendly,
		APIToken:      "token",
		SchedulingURL: "https://calendly.com/acme/intro",
	})
	args, _ := json.Marshal(map[string]any{"title": "Intro", "start_time": "2026-06-15T15:00:00Z"})
	gen := &scriptedGenerator{rounds: []scriptedRound{
		{chunks: []ai.Chunk{{ToolCalls: []ai.ToolCall{{ID: "call-1", Name: "schedule_meeting", Arguments: string(args)}}}}},
		textRound("Here is the booking link."),
	}}
	toolset := tools.NewToolset(st, st, allowAll{}, nil)
	a := newTestApp(t, st, gen, allowAll{}, toolset)

	got, err := a.Answer(context.Background(), Request{BotID: bot.ID, Message: "book a call"})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if got.Text != "Here is the booking link." {
		t.Errorf("Text = %q", got.Text)
	}
	if gen.callCount() != 2 {
		t.Fatalf("model calls = %d, want a second round after the tool result", gen.callCount())
	}
	second := gen.calls[1]
	last := second[len(second)-1]
	if last.Role != "tool" || last.ToolCallID != "call-1" || !strings.Contains(last.Content, "calendly.com/acme/intro") {
		t.Errorf("tool result message = %+v", last)
	}
	logs := waitLogs(t, st, 1)
	used, _ := logs[0].Metadata["apps_used"].([]string)
	if len(used) != 1 || used[0] != "calendly" {
		t.Errorf("apps_used = %v", logs[0].Metadata["apps_used"])
	}
}

func TestAnswerUsesBotPinnedModel(t *testing.T) {
	st := store.NewMemoryStore()
	bot := domain.Bot{ID: "bot-1", OwnerID: "owner-1", WorkspaceID: "ws", Name: "Acme Helper", Model: "fast-mini"}
	st.SaveBot(bot)
	st.SetCreditBalance(bot.OwnerID, 5)
	inner := &scriptedGenerator{rounds: []scriptedRound{textRound("ok")}}
	gen := &modelAwareGenerator{scriptedGenerator: inner}
	a := newTestApp(t, st, gen, allowAll{}, nil)

	if _, err := a.Answer(context.Background(), Request{BotID: bot.ID, Message: "hi"}); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if len(gen.bound) != 1 || gen.bound[0] != "fast-mini" {
		t.Fatalf("bound models = %v, want the bot's pinned model", gen.bound)
	}
	if inner.callCount() != 1 {
		t.Errorf("rebound generator calls = %d, want 1", inner.callCount())
	}
}

func TestAnswerWithoutPinnedModelKeepsDefault(t *testing.T) {
	st := store.NewMemoryStore()
	bot := seedBot(st) // no Model set
	st.SetCreditBalance(bot.OwnerID, 5)
	inner := &scriptedGenerator{rounds: []scriptedRound{textRound("ok")}}
	gen := &modelAwareGenerator{scriptedGenerator: inner}
	a := newTestApp(t, st, gen, allowAll{}, nil)

	if _, err := a.Answer(context.Background(), Request{BotID: bot.ID, Message: "hi"}); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if len(gen.bound) != 0 {
		t.Errorf("bound models = %v, want no rebind", gen.bound)
	}
}

func TestAnswerTestModeSkipsGates(t *testing.T) {
	st := store.NewMemoryStore()
	bot := seedBot(st)
	st.SetCreditBalance(bot.OwnerID, 5)
	gen := &scriptedGenerator{rounds: []scriptedRound{textRound("Hello!")}}
	limiter := denyAll{} // would 429 any normal request
	a := newTestApp(t, st, gen, limiter, nil)

	got, err := a.Answer(context.Background(), Request{BotID: bot.ID, Message: "hello", TestMode: true})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if got.CreditsBalance != nil {
		t.Errorf("CreditsBalance = %v, want nil in test mode", *got.CreditsBalance)
	}
	if balance, _, _ := st.GetCreditBalance(bot.OwnerID); balance != 5 {
		t.Errorf("balance = %d, want untouched", balance)
	}
	if prompt := gen.systemPrompt(t); !strings.Contains(prompt, bot.FallbackBehavior) {
		t.Errorf("system prompt missing fallback instruction:\n%s", prompt)
	}
	time.Sleep(30 * time.Millisecond)
	if logs := st.ChatLogs(); len(logs) != 0 {
		t.Errorf("logs = %d, test mode must not log", len(logs))
	}
}

func TestHistoryMessages(t *testing.T) {
	var history []domain.ChatTurn
	for i := 0; i < 15; i++ {
		history = append(history, domain.ChatTurn{Role: "user", Content: "q"}, domain.ChatTurn{Role: "bot", Content: "a"})
	}
	history = append(history, domain.ChatTurn{Role: "bot", Content: "   "})
	got := historyMessages(history)
	if len(got) != 11 {
		t.Fatalf("len = %d, want last 12 turns minus the empty one", len(got))
	}
	for _, msg := range got {
		if msg.Role != "user" && msg.Role != "assistant" {
			t.Errorf("role = %q", msg.Role)
		}
	}
	if got[len(got)-1].Role != "assistant" || got[len(got)-1].Content != "a" {
		t.Errorf("unexpected tail %+v", got[len(got)-1])
	}
}
