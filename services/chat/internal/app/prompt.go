package app

import (
	"strings"

	"botsmith/pkg/ai"
	"botsmith/pkg/domain"
)

const (
	// historyTurnLimit bounds how many prior turns reach the model.
	historyTurnLimit = 12

	defaultInstructions = "You are a helpful assistant. Answer clearly and concisely."

	defaultFallback = "politely say you don't have that information and offer to help with something else"
)

// buildSystemPrompt composes the deterministic system prompt: persona,
// knowledge-use directive with the bot's fallback behavior, the tool
// instruction block when present, and the knowledge context last.
func buildSystemPrompt(bot domain.Bot, toolInstruction, knowledgeContext string) string {
	var sb strings.Builder
	sb.WriteString("You are ")
	sb.WriteString(strings.TrimSpace(bot.Name))
	sb.WriteString(", an assistant for this website.\n\n")

	instructions := strings.TrimSpace(bot.SystemPrompt)
	if instructions == "" {
		instructions = defaultInstructions
	}
	sb.WriteString(instructions)
	sb.WriteString("\n")
	if tone := strings.TrimSpace(bot.Tone); tone != "" {
		sb.WriteString("Tone: ")
		sb.WriteString(tone)
		sb.WriteString("\n")
	}

	fallback := strings.TrimSpace(bot.FallbackBehavior)
	if fallback == "" {
		fallback = defaultFallback
	}
	sb.WriteString("\nAnswer using the knowledge context below. If the answer is not in the context, ")
	sb.WriteString(fallback)
	sb.WriteString("\n")

	if toolInstruction != "" {
		sb.WriteString("\n")
		sb.WriteString(toolInstruction)
		sb.WriteString("\n")
	}

	sb.WriteString("\n--- Knowledge context ---\n")
	sb.WriteString(knowledgeContext)
	return sb.String()
}

// historyMessages converts client-supplied turns into model messages:
// last 12 turns, "bot" remapped to "assistant", anything else to "user",
// empty turns dropped.
func historyMessages(history []domain.ChatTurn) []ai.Message {
	if len(history) > historyTurnLimit {
		history = history[len(history)-historyTurnLimit:]
	}
	messages := make([]ai.Message, 0, len(history))
	for _, turn := range history {
		content := strings.TrimSpace(turn.Content)
		if content == "" {
			continue
		}
		role := "user"
		if strings.EqualFold(strings.TrimSpace(turn.Role), "bot") {
			role = "assistant"
		}
		messages = append(messages, ai.Message{Role: role, Content: content})
	}
	return messages
}
