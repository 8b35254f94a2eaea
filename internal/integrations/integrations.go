// Package integrations mirrors incident transitions to external systems
// on a best-effort basis. Failures are logged and never block or retry;
// the notification pipeline is the reliable path.
package integrations

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/pager/internal/incident"
)

const postTimeout = 5 * time.Second

// Mirror posts a JSON record of every transition to a configured
// endpoint (a ticketing bridge, an audit sink, similar).
type Mirror struct {
	url    string
	client *http.Client
	logger log.Logger
}

// NewMirror creates a transition mirror. An empty URL makes it inert.
func NewMirror(url string, logger log.Logger) *Mirror {
	if logger == nil {
		logger = log.Nop()
	}
	return &Mirror{
		url:    url,
		client: &http.Client{Timeout: postTimeout},
		logger: logger,
	}
}

// Hooks returns service hooks that mirror each committed transition.
func (m *Mirror) Hooks() incident.Hooks {
	if m.url == "" {
		return incident.Hooks{}
	}
	return incident.Hooks{
		OnTransition: func(in *incident.Incident, ev *incident.Event) {
			go m.post(in, ev)
		},
	}
}

func (m *Mirror) post(in *incident.Incident, ev *incident.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), postTimeout)
	defer cancel()

	body, err := json.Marshal(map[string]any{
		"incident_id": in.ID,
		"status":      string(in.Status),
		"event":       string(ev.Kind),
		"actor":       ev.Actor,
		"occurred_at": ev.OccurredAt,
	})
	if err != nil {
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.url, bytes.NewReader(body))
	if err != nil {
		m.logger.Error(ctx, err, "transition mirror request failed", "incident_id", in.ID)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req) //nolint:gosec // G704: mirror URL is operator config
	if err != nil {
		m.logger.Error(ctx, err, "transition mirror post failed", "incident_id", in.ID)
		return
	}
	_ = resp.Body.Close()
}
