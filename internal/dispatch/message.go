package dispatch

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Message is the channel-independent summary of an incident transition.
// Adapters render it into their wire format.
type Message struct {
	Action      string            `json:"action"` // created, acknowledged, resolved, reopened, note_added
	IncidentID  string            `json:"incident_id"`
	AlertName   string            `json:"alert_name"`
	Severity    string            `json:"severity"`
	Summary     string            `json:"summary,omitempty"`
	Description string            `json:"description,omitempty"`
	Note        string            `json:"note,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
	StartsAt    time.Time         `json:"starts_at"`
}

// Text returns the summary and description joined for channels that take
// a single free-form body.
func (m *Message) Text() string {
	if m.Summary != "" && m.Description != "" && m.Summary != m.Description {
		return m.Summary + "\n" + m.Description
	}
	if m.Summary != "" {
		return m.Summary
	}
	if m.Description != "" {
		return m.Description
	}
	return "No description"
}

// Title returns a one-line headline for the transition.
func (m *Message) Title() string {
	name := m.AlertName
	if name == "" {
		name = "Alert"
	}
	return fmt.Sprintf("[%s] %s", strings.ToUpper(m.Action), name)
}

// Body renders the full plain-text form: headline, key fields, then the
// label set in stable order.
func (m *Message) Body() string {
	lines := []string{
		"Alert: " + orUnknown(m.AlertName),
		"Status: " + m.Action,
		"Severity: " + orUnknown(m.Severity),
		"Started: " + m.StartsAt.UTC().Format(time.RFC3339),
	}
	if m.Note != "" {
		lines = append(lines, "", "Note:", m.Note)
	}
	lines = append(lines, "", "Summary:", valueOr(m.Summary, "No summary"))
	lines = append(lines, "", "Description:", valueOr(m.Description, "No description"))

	if len(m.Labels) > 0 {
		lines = append(lines, "", "Labels:")
		keys := make([]string, 0, len(m.Labels))
		for k := range m.Labels {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			lines = append(lines, "  "+k+": "+m.Labels[k])
		}
	}
	return strings.Join(lines, "\n")
}

func orUnknown(s string) string {
	return valueOr(s, "unknown")
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
