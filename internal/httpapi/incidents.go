package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/pager/internal/authmw"
	"github.com/linnemanlabs/pager/internal/incident"
)

func (a *API) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := incident.ListFilter{
		Status:      incident.Status(q.Get("status")),
		Fingerprint: q.Get("fingerprint"),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			http.Error(w, `{"error":"invalid limit"}`, http.StatusBadRequest)
			return
		}
		f.Limit = limit
	}

	incidents, err := a.svc.List(r.Context(), f)
	if err != nil {
		a.writeError(r.Context(), w, err, "list incidents")
		return
	}
	if incidents == nil {
		incidents = []*incident.Incident{}
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"incidents": incidents})
}

func (a *API) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("pager.incident.id", id))

	in, ok, err := a.svc.Get(r.Context(), id)
	if err != nil {
		a.writeError(r.Context(), w, err, "get incident")
		return
	}
	if !ok {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}

	span.SetAttributes(attribute.String("pager.incident.status", string(in.Status)))
	a.writeJSON(w, http.StatusOK, in)
}

func (a *API) handleListEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, ok, err := a.svc.Get(r.Context(), id); err != nil {
		a.writeError(r.Context(), w, err, "list events")
		return
	} else if !ok {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}

	events, err := a.svc.Events(r.Context(), id)
	if err != nil {
		a.writeError(r.Context(), w, err, "list events")
		return
	}
	if events == nil {
		events = []*incident.Event{}
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (a *API) handleListAttempts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, ok, err := a.svc.Get(r.Context(), id); err != nil {
		a.writeError(r.Context(), w, err, "list attempts")
		return
	} else if !ok {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}

	attempts, err := a.svc.Attempts(r.Context(), id)
	if err != nil {
		a.writeError(r.Context(), w, err, "list attempts")
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"attempts": attempts})
}

func (a *API) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	a.handleTransition(w, r, "acknowledge", a.svc.Acknowledge)
}

func (a *API) handleResolve(w http.ResponseWriter, r *http.Request) {
	a.handleTransition(w, r, "resolve", a.svc.Resolve)
}

func (a *API) handleReopen(w http.ResponseWriter, r *http.Request) {
	a.handleTransition(w, r, "reopen", a.svc.Reopen)
}

func (a *API) handleClose(w http.ResponseWriter, r *http.Request) {
	a.handleTransition(w, r, "close", a.svc.Close)
}

func (a *API) handleTransition(w http.ResponseWriter, r *http.Request, op string, apply func(ctx context.Context, id, actor string) (*incident.Incident, error)) {
	id := chi.URLParam(r, "id")
	actor := authmw.Actor(r.Context())

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("pager.incident.id", id),
		attribute.String("pager.incident.op", op),
	)

	in, err := apply(r.Context(), id, actor)
	if err != nil {
		a.writeError(r.Context(), w, err, op)
		return
	}
	a.writeJSON(w, http.StatusOK, in)
}

func (a *API) handleAddNote(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	actor := authmw.Actor(r.Context())

	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
		return
	}
	if body.Text == "" {
		http.Error(w, `{"error":"note text is required"}`, http.StatusBadRequest)
		return
	}

	in, err := a.svc.AddNote(r.Context(), id, actor, body.Text)
	if err != nil {
		a.writeError(r.Context(), w, err, "add note")
		return
	}
	a.writeJSON(w, http.StatusOK, in)
}

func (a *API) handleSetVisibility(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	actor := authmw.Actor(r.Context())

	var body struct {
		Visibility string `json:"visibility"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
		return
	}
	vis := incident.Visibility(body.Visibility)
	switch vis {
	case incident.VisibilityPrivate, incident.VisibilityGroup, incident.VisibilityTenant:
	default:
		http.Error(w, `{"error":"visibility must be private, group, or tenant"}`, http.StatusBadRequest)
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("pager.incident.id", id),
		attribute.String("pager.incident.visibility", body.Visibility),
	)

	in, err := a.svc.SetVisibility(r.Context(), id, actor, vis)
	if err != nil {
		a.writeError(r.Context(), w, err, "set visibility")
		return
	}
	a.writeJSON(w, http.StatusOK, in)
}
