package updates

import (
	"strings"
)

// ReleaseNotes holds the structured notes for a release.
type ReleaseNotes struct {
	Title           string   `json:"title"`
	Summary         string   `json:"summary"`
	Description     string   `json:"description,omitempty"`
	BreakingChanges []string `json:"breaking_changes,omitempty"`
	Features        []string `json:"features,omitempty"`
	Fixes           []string `json:"fixes,omitempty"`
	KnownIssues     []string `json:"known_issues,omitempty"`
	UpgradeNotes    string   `json:"upgrade_notes,omitempty"`
}

// Markdown renders the release notes for display.
func (n *ReleaseNotes) Markdown() string {
	var sb strings.Builder

	sb.WriteString("# " + n.Title + "\n\n" + n.Summary + "\n\n")

	if n.Description != "" {
		sb.WriteString(n.Description + "\n\n")
	}

	writeSection := func(title string, items []string) {
		if len(items) == 0 {
			return
		}

		sb.WriteString("## " + title + "\n\n")

		for _, item := range items {
			sb.WriteString("- " + item + "\n")
		}

		sb.WriteString("\n")
	}

	writeSection("Breaking Changes", n.BreakingChanges)
	writeSection("New Features", n.Features)
	writeSection("Bug Fixes", n.Fixes)
	writeSection("Known Issues", n.KnownIssues)

	if n.UpgradeNotes != "" {
		sb.WriteString("## Upgrade Notes\n\n" + n.UpgradeNotes + "\n")
	}

	return sb.String()
}
