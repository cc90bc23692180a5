package tools

import (
	"strings"

	"botsmith/pkg/domain"
)

// ConnectorLister is the connector-read slice of the store.
type ConnectorLister interface {
	ListConnectorsByWorkspace(workspaceID string) ([]domain.WorkspaceConnector, error)
}

const (
	defaultGoogleInstruction = "You can schedule meetings on the team's Google Calendar with the schedule_meeting tool. Always confirm date, time and timezone with the user before booking."

	defaultCalendlyInstruction = "You can help the user book a meeting through Calendly with the schedule_meeting tool. Share the booking link it returns instead of picking a time yourself."

	closingInstruction = "Before using any tool, briefly tell the user what you are about to do."
)

// ConnectorsForBot returns the workspace connectors applicable to a bot.
// A connector with no bot scoping applies to every bot in the workspace.
func ConnectorsForBot(lister ConnectorLister, workspaceID, botID string) ([]domain.WorkspaceConnector, error) {
	all, err := lister.ListConnectorsByWorkspace(workspaceID)
	if err != nil {
		return nil, err
	}
	var applicable []domain.WorkspaceConnector
	for _, connector := range all {
		if connector.AppliesTo(botID) {
			applicable = append(applicable, connector)
		}
	}
	return applicable, nil
}

// InstructionBlock renders the system-prompt section describing the bot's
// enabled tools. Connectors without usable credentials contribute nothing,
// custom instructions included: the model must never be told about a tool
// it cannot call. Returns "" when no connector contributes anything.
func InstructionBlock(connectors []domain.WorkspaceConnector) string {
	var lines []string
	for _, connector := range connectors {
		if !googleUsable(connector) && !calendlyUsable(connector) {
			continue
		}
		if line := strings.TrimSpace(connector.ToolInstructions); line != "" {
			lines = append(lines, line)
			continue
		}
		switch connector.Provider {
		case domain.ProviderGoogleCalendar:
			lines = append(lines, defaultGoogleInstruction)
		case domain.ProviderCalendly:
			lines = append(lines, defaultCalendlyInstruction)
		}
	}
	if len(lines) == 0 {
		return ""
	}
	lines = append(lines, closingInstruction)
	return strings.Join(lines, "\n")
}

// googleUsable reports whether a Google Calendar connector carries enough
// credentials to act: a refresh token, or a still-valid access token.
func googleUsable(c domain.WorkspaceConnector) bool {
	return c.Provider == domain.ProviderGoogleCalendar && (c.RefreshToken != "" || c.AccessToken != "")
}

func calendlyUsable(c domain.WorkspaceConnector) bool {
	return c.Provider == domain.ProviderCalendly && c.APIToken != "" && c.SchedulingURL != ""
}
