// Package pagerduty sends incident notifications through the PagerDuty
// Events API v2.
package pagerduty

import (
	"context"
	"net/http"

	"github.com/linnemanlabs/pager/internal/dispatch"
	"github.com/linnemanlabs/pager/internal/notify"
)

// DefaultEndpoint is the Events API v2 enqueue URL, used when the
// channel has no URL of its own.
const DefaultEndpoint = "https://events.pagerduty.com/v2/enqueue"

// severityMap normalizes label severities to the four levels the Events
// API accepts.
var severityMap = map[string]string{
	"critical": "critical",
	"high":     "critical",
	"error":    "error",
	"warning":  "warning",
	"info":     "info",
}

// Adapter enqueues events keyed by the channel's routing key. The
// incident ID serves as the dedup key, so every transition of one
// incident lands on the same PagerDuty alert.
type Adapter struct {
	client   *http.Client
	endpoint string
}

// New creates a PagerDuty adapter. A nil client gets the package
// default.
func New(client *http.Client) *Adapter {
	if client == nil {
		client = notify.NewClient()
	}
	return &Adapter{client: client, endpoint: DefaultEndpoint}
}

// Kind returns the channel kind this adapter serves.
func (a *Adapter) Kind() string { return "pagerduty" }

// Send enqueues an event for the message's transition.
func (a *Adapter) Send(ctx context.Context, ch dispatch.Channel, msg dispatch.Message) (dispatch.Outcome, error) {
	url := a.endpoint
	if ch.URL != "" {
		url = ch.URL
	}
	return notify.PostJSON(ctx, a.client, url, buildEvent(ch.RoutingKey, msg))
}

func buildEvent(routingKey string, msg dispatch.Message) map[string]any {
	summary := msg.Summary
	if summary == "" {
		summary = msg.Description
	}
	if summary == "" {
		summary = msg.AlertName
	}
	if summary == "" {
		summary = "Alert"
	}

	source := "unknown"
	if v, ok := msg.Labels["instance"]; ok && v != "" {
		source = v
	}

	return map[string]any{
		"routing_key":  routingKey,
		"event_action": eventAction(msg.Action),
		"dedup_key":    msg.IncidentID,
		"payload": map[string]any{
			"summary":  summary,
			"severity": normalizeSeverity(msg.Severity),
			"source":   source,
			"custom_details": map[string]any{
				"incident_id": msg.IncidentID,
				"alert_name":  msg.AlertName,
				"labels":      msg.Labels,
				"note":        msg.Note,
			},
		},
	}
}

func eventAction(action string) string {
	switch action {
	case "resolved", "closed":
		return "resolve"
	case "acknowledged":
		return "acknowledge"
	default:
		return "trigger"
	}
}

func normalizeSeverity(raw string) string {
	if s, ok := severityMap[raw]; ok {
		return s
	}
	return "warning"
}
