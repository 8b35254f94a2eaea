// Package teams sends incident notifications to Microsoft Teams
// incoming webhooks as MessageCards.
package teams

import (
	"context"
	"net/http"
	"time"

	"github.com/linnemanlabs/pager/internal/dispatch"
	"github.com/linnemanlabs/pager/internal/notify"
)

// Adapter posts MessageCard payloads to Teams webhook URLs.
type Adapter struct {
	client *http.Client
}

// New creates a Teams webhook adapter. A nil client gets the package
// default.
func New(client *http.Client) *Adapter {
	if client == nil {
		client = notify.NewClient()
	}
	return &Adapter{client: client}
}

// Kind returns the channel kind this adapter serves.
func (a *Adapter) Kind() string { return "teams" }

// Send posts the message to the channel's webhook URL.
func (a *Adapter) Send(ctx context.Context, ch dispatch.Channel, msg dispatch.Message) (dispatch.Outcome, error) {
	return notify.PostJSON(ctx, a.client, ch.URL, buildCard(msg))
}

func buildCard(msg dispatch.Message) map[string]any {
	facts := []map[string]string{
		{"name": "Severity", "value": valueOr(msg.Severity, "unknown")},
		{"name": "Status", "value": msg.Action},
		{"name": "Incident", "value": msg.IncidentID},
		{"name": "Started", "value": msg.StartsAt.UTC().Format(time.RFC3339)},
	}
	if msg.Note != "" {
		facts = append(facts, map[string]string{"name": "Note", "value": msg.Note})
	}

	return map[string]any{
		"@type":      "MessageCard",
		"@context":   "https://schema.org/extensions",
		"themeColor": themeColor(msg),
		"title":      msg.Title(),
		"text":       msg.Text(),
		"sections":   []map[string]any{{"facts": facts}},
	}
}

func themeColor(msg dispatch.Message) string {
	switch msg.Action {
	case "created", "reopened":
		if msg.Severity == "warning" {
			return "FFA500"
		}
		return "FF0000"
	case "resolved", "closed":
		return "00FF00"
	default:
		return "FFA500"
	}
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
