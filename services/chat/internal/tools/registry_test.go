package tools

import (
	"strings"
	"testing"

	"botsmith/pkg/domain"
)

type staticConnectors []domain.WorkspaceConnector

func (s staticConnectors) ListConnectorsByWorkspace(workspaceID string) ([]domain.WorkspaceConnector, error) {
	return s, nil
}

func TestConnectorsForBotScoping(t *testing.T) {
	lister := staticConnectors{
		{WorkspaceID: "ws", Provider: domain.ProviderGoogleCalendar, RefreshToken: "rt", BotIDs: []string{"B1"}},
		{WorkspaceID: "ws", Provider: domain.ProviderCalendly, APIToken: "at", SchedulingURL: "https://calendly.com/x"},
	}

	forB1, err := ConnectorsForBot(lister, "ws", "B1")
	if err != nil {
		t.Fatal(err)
	}
	if len(forB1) != 2 {
		t.Fatalf("B1 connectors = %d, want 2", len(forB1))
	}

	forB2, err := ConnectorsForBot(lister, "ws", "B2")
	if err != nil {
		t.Fatal(err)
	}
	if len(forB2) != 1 || forB2[0].Provider != domain.ProviderCalendly {
		t.Fatalf("B2 connectors = %+v, want only the unscoped calendly connector", forB2)
	}
}

func TestInstructionBlock(t *testing.T) {
	block := InstructionBlock([]domain.WorkspaceConnector{
		{Provider: domain.ProviderGoogleCalendar, RefreshToken: "rt"},
		{Provider: domain.ProviderCalendly, APIToken: "at", SchedulingURL: "https://calendly.com/x", ToolInstructions: "Offer our demo booking link when asked about pricing."},
	})
	if !strings.Contains(block, "Google Calendar") {
		t.Errorf("missing default google instruction in %q", block)
	}
	if !strings.Contains(block, "Offer our demo booking link") {
		t.Errorf("custom instructions must win over the default in %q", block)
	}
	if !strings.HasSuffix(block, closingInstruction) {
		t.Errorf("missing closing directive in %q", block)
	}
}

func TestInstructionBlockEmptyWithoutUsableConnectors(t *testing.T) {
	block := InstructionBlock([]domain.WorkspaceConnector{
		{Provider: domain.ProviderGoogleCalendar},           // no tokens
		{Provider: domain.ProviderCalendly, APIToken: "at"}, // no scheduling url
	})
	if block != "" {
		t.Errorf("block = %q, want empty", block)
	}
}

func TestInstructionBlockIgnoresCustomLineWithoutCredentials(t *testing.T) {
	block := InstructionBlock([]domain.WorkspaceConnector{
		{Provider: domain.ProviderGoogleCalendar, ToolInstructions: "Book on our team calendar."},
		{Provider: domain.ProviderCalendly, APIToken: "at", SchedulingURL: "https://calendly.com/x"},
	})
	if strings.Contains(block, "Book on our team calendar") {
		t.Errorf("custom line from a credential-less connector leaked into %q", block)
	}
	if !strings.Contains(block, "Calendly") {
		t.Errorf("missing calendly instruction in %q", block)
	}
}
