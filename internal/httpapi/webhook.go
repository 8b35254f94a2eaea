package httpapi

import (
	"encoding/json"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/pager/internal/alert"
)

// rejectedAlert reports why one observation in a delivery was not
// accepted.
type rejectedAlert struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// handleWebhook ingests an Alertmanager-style delivery. Malformed
// observations are rejected individually; the rest of the batch is
// still correlated (partial success).
func (a *API) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var wh alert.Webhook
	if err := json.NewDecoder(r.Body).Decode(&wh); err != nil {
		http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("pager.webhook.group_key", wh.GroupKey),
		attribute.Int("pager.webhook.alerts", len(wh.Alerts)),
	)

	var (
		accepted []*alert.Alert
		index    []int
		rejected []rejectedAlert
	)
	for i := range wh.Alerts {
		al := &wh.Alerts[i]
		if err := al.Normalize(); err != nil {
			rejected = append(rejected, rejectedAlert{Index: i, Error: err.Error()})
			continue
		}
		accepted = append(accepted, al)
		index = append(index, i)
	}

	if len(accepted) == 0 {
		a.writeJSON(w, http.StatusBadRequest, map[string]any{
			"accepted": []any{},
			"rejected": rejected,
		})
		return
	}

	// an identical delivery already applied is acknowledged without
	// re-correlating
	key := deliveryKey(&wh, accepted)
	seen, err := a.svc.SeenDelivery(r.Context(), key)
	if err != nil {
		a.writeError(r.Context(), w, err, "webhook")
		return
	}
	if seen {
		a.logger.Info(r.Context(), "duplicate webhook delivery ignored", "group_key", wh.GroupKey)
		a.writeJSON(w, http.StatusAccepted, map[string]any{
			"accepted":  []any{},
			"rejected":  rejected,
			"duplicate": true,
		})
		return
	}

	results, err := a.svc.IngestBatch(r.Context(), accepted)
	if err != nil {
		a.writeError(r.Context(), w, err, "webhook")
		return
	}

	// the key is recorded only once correlation committed; a failure
	// above leaves it unrecorded so the sender's retry is re-correlated
	// instead of dropped as a duplicate
	if err := a.svc.RecordDelivery(r.Context(), key); err != nil {
		a.logger.Error(r.Context(), err, "record delivery key", "group_key", wh.GroupKey)
	}

	type acceptedAlert struct {
		Index      int    `json:"index"`
		IncidentID string `json:"incident_id,omitempty"`
		Action     string `json:"action"`
	}
	out := make([]acceptedAlert, len(results))
	for j, res := range results {
		out[j] = acceptedAlert{Index: index[j], IncidentID: res.IncidentID, Action: res.Action}
	}

	a.writeJSON(w, http.StatusAccepted, map[string]any{
		"accepted": out,
		"rejected": rejected,
	})
}

// deliveryKey identifies the delivery by its normalized alerts, so a
// retransmission with the same content replays as a duplicate.
func deliveryKey(wh *alert.Webhook, accepted []*alert.Alert) string {
	normalized := alert.Webhook{GroupKey: wh.GroupKey}
	normalized.Alerts = make([]alert.Alert, len(accepted))
	for i, al := range accepted {
		normalized.Alerts[i] = *al
	}
	return normalized.DeliveryKey()
}
