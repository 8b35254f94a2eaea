// Package httpapi serves the webhook ingestion endpoint and the
// internal incident API.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"github.com/linnemanlabs/pager/internal/alert"
	"github.com/linnemanlabs/pager/internal/authmw"
	"github.com/linnemanlabs/pager/internal/dispatch"
	"github.com/linnemanlabs/pager/internal/incident"
)

// IncidentService defines the business operations httpapi needs.
type IncidentService interface {
	SeenDelivery(ctx context.Context, key string) (bool, error)
	RecordDelivery(ctx context.Context, key string) error
	IngestBatch(ctx context.Context, alerts []*alert.Alert) ([]*incident.IngestResult, error)
	Get(ctx context.Context, id string) (*incident.Incident, bool, error)
	List(ctx context.Context, f incident.ListFilter) ([]*incident.Incident, error)
	Events(ctx context.Context, id string) ([]*incident.Event, error)
	Attempts(ctx context.Context, id string) ([]*dispatch.Attempt, error)
	Acknowledge(ctx context.Context, id, actor string) (*incident.Incident, error)
	Resolve(ctx context.Context, id, actor string) (*incident.Incident, error)
	Reopen(ctx context.Context, id, actor string) (*incident.Incident, error)
	Close(ctx context.Context, id, actor string) (*incident.Incident, error)
	AddNote(ctx context.Context, id, author, text string) (*incident.Incident, error)
	SetVisibility(ctx context.Context, id, actor string, vis incident.Visibility) (*incident.Incident, error)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	svc    IncidentService

	webhookSecret string
	internalToken string
}

// New creates a new API handler.
func New(logger log.Logger, svc IncidentService, webhookSecret, internalToken string) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("incident service is required"))
	}
	return &API{
		logger:        logger,
		svc:           svc,
		webhookSecret: webhookSecret,
		internalToken: internalToken,
	}
}

// RegisterRoutes attaches API endpoints to the router. The webhook and
// the internal API authenticate with separate tokens.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(authmw.BearerToken(a.webhookSecret))
			r.Post("/webhook", a.handleWebhook)
		})

		r.Group(func(r chi.Router) {
			r.Use(authmw.BearerToken(a.internalToken))
			r.Use(authmw.WithActor)
			r.Get("/incidents", a.handleListIncidents)
			r.Get("/incidents/{id}", a.handleGetIncident)
			r.Get("/incidents/{id}/events", a.handleListEvents)
			r.Get("/incidents/{id}/attempts", a.handleListAttempts)
			r.Post("/incidents/{id}/ack", a.handleAcknowledge)
			r.Post("/incidents/{id}/resolve", a.handleResolve)
			r.Post("/incidents/{id}/reopen", a.handleReopen)
			r.Post("/incidents/{id}/close", a.handleClose)
			r.Post("/incidents/{id}/notes", a.handleAddNote)
			r.Post("/incidents/{id}/visibility", a.handleSetVisibility)
		})
	})
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps service errors onto HTTP statuses.
func (a *API) writeError(ctx context.Context, w http.ResponseWriter, err error, op string) {
	switch {
	case errors.Is(err, incident.ErrNotFound):
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
	case errors.Is(err, incident.ErrInvalidTransition):
		a.writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, incident.ErrConflict):
		http.Error(w, `{"error":"concurrent modification, retry"}`, http.StatusConflict)
	default:
		a.logger.Error(ctx, err, "request failed", "op", op)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
	}
}
