// Package slackhook sends incident notifications to Slack incoming
// webhooks.
package slackhook

import (
	"context"
	"net/http"

	"github.com/linnemanlabs/pager/internal/dispatch"
	"github.com/linnemanlabs/pager/internal/notify"
)

// Adapter posts attachment-style messages to Slack webhook URLs.
type Adapter struct {
	client *http.Client
}

// New creates a Slack webhook adapter. A nil client gets the package
// default.
func New(client *http.Client) *Adapter {
	if client == nil {
		client = notify.NewClient()
	}
	return &Adapter{client: client}
}

// Kind returns the channel kind this adapter serves.
func (a *Adapter) Kind() string { return "slackhook" }

// Send posts the message to the channel's webhook URL.
func (a *Adapter) Send(ctx context.Context, ch dispatch.Channel, msg dispatch.Message) (dispatch.Outcome, error) {
	return notify.PostJSON(ctx, a.client, ch.URL, buildPayload(msg))
}

func buildPayload(msg dispatch.Message) map[string]any {
	attachment := map[string]any{
		"color": actionColor(msg.Action),
		"title": msg.Title(),
		"text":  msg.Text(),
		"fields": []map[string]any{
			{"title": "Severity", "value": valueOr(msg.Severity, "unknown"), "short": true},
			{"title": "Status", "value": msg.Action, "short": true},
			{"title": "Incident", "value": msg.IncidentID, "short": true},
			{"title": "Summary", "value": valueOr(msg.Summary, "(none)"), "short": false},
			{"title": "Description", "value": valueOr(msg.Description, "(none)"), "short": false},
		},
		"footer": "Started: " + msg.StartsAt.UTC().Format("2006-01-02 15:04:05 UTC"),
	}
	if msg.Note != "" {
		attachment["fields"] = append(attachment["fields"].([]map[string]any),
			map[string]any{"title": "Note", "value": msg.Note, "short": false})
	}
	if !msg.StartsAt.IsZero() {
		attachment["ts"] = msg.StartsAt.Unix()
	}
	return map[string]any{"attachments": []map[string]any{attachment}}
}

func actionColor(action string) string {
	switch action {
	case "created", "reopened":
		return "danger"
	case "resolved", "closed":
		return "good"
	default:
		return "warning"
	}
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
