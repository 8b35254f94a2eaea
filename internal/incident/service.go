package incident

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/pager/internal/alert"
	"github.com/linnemanlabs/pager/internal/dispatch"
)

// maxTransitionRetries bounds the internal optimistic-conflict retry
// loop before ErrConflict is surfaced to the caller.
const maxTransitionRetries = 5

// ResolvePolicy decides when a multi-fingerprint incident moves to
// resolved from source observations.
type ResolvePolicy string

const (
	// ResolveAll waits for every owned fingerprint to report resolved.
	ResolveAll ResolvePolicy = "all"

	// ResolveAny resolves as soon as any fingerprint reports resolved.
	ResolveAny ResolvePolicy = "any"
)

// Hooks receives post-commit callbacks. Errors and panics are the
// implementer's problem; the service never blocks a transition on them.
type Hooks struct {
	OnIngest       func(action string)
	OnTransition   func(in *Incident, ev *Event)
	OnEnqueued     func(kind string, n int)
	OnStaleResolve func(fingerprint string)
	OnConflict     func()
}

// IngestResult is the outcome of correlating one observation.
type IngestResult struct {
	IncidentID string `json:"incident_id,omitempty"`
	Action     string `json:"action"` // created, refired, observed, resolved, ignored
}

// Service is the business boundary for incident operations: the
// correlator, the lifecycle state machine, and the dispatcher handoff.
type Service struct {
	store      Store
	dispatcher *dispatch.Dispatcher
	logger     log.Logger
	policy     ResolvePolicy
	hooks      []Hooks
}

// NewService creates an incident service.
func NewService(store Store, dispatcher *dispatch.Dispatcher, logger log.Logger, policy ResolvePolicy, hooks ...Hooks) *Service {
	if logger == nil {
		logger = log.Nop()
	}
	if policy == "" {
		policy = ResolveAll
	}
	return &Service{
		store:      store,
		dispatcher: dispatcher,
		logger:     logger,
		policy:     policy,
		hooks:      hooks,
	}
}

// SeenDelivery reports whether an identical webhook delivery was
// already applied (replay detection). It does not record the key;
// callers record with RecordDelivery once the delivery is correlated,
// so a failed ingest never consumes the sender's retry.
func (s *Service) SeenDelivery(ctx context.Context, key string) (bool, error) {
	return s.store.SeenDelivery(ctx, key)
}

// RecordDelivery marks a webhook delivery key as applied. A concurrent
// identical delivery that slipped past the check lands here too; the
// record is idempotent and its alerts already folded as re-fires.
func (s *Service) RecordDelivery(ctx context.Context, key string) error {
	_, err := s.store.RememberDelivery(ctx, key, time.Now().UTC())
	return err
}

// IngestBatch correlates one webhook delivery's observations. Firing
// observations that open fresh conditions within the same delivery are
// grouped into a single incident owning all their fingerprints; resolved
// observations and re-fires fold into their owning incidents one by one.
func (s *Service) IngestBatch(ctx context.Context, alerts []*alert.Alert) ([]*IngestResult, error) {
	results := make([]*IngestResult, len(alerts))

	// fresh firing conditions, grouped; everything else goes through the
	// single-observation path
	var freshIdx []int
	for i, al := range alerts {
		if al.Resolved() {
			continue
		}
		_, ok, err := s.store.FindOpenByFingerprint(ctx, al.Fingerprint)
		if err != nil {
			return nil, err
		}
		if !ok {
			freshIdx = append(freshIdx, i)
		}
	}

	if len(freshIdx) > 1 {
		fresh := make([]*alert.Alert, len(freshIdx))
		for j, i := range freshIdx {
			fresh[j] = alerts[i]
		}
		res, err := s.createGroup(ctx, fresh)
		if err != nil {
			return nil, err
		}
		if res != nil {
			for _, i := range freshIdx {
				results[i] = res
				s.fireIngest(res.Action)
			}
		}
		// res == nil: lost the creation race, fall through to the
		// single path below for every alert still unhandled
	}

	for i, al := range alerts {
		if results[i] != nil {
			continue
		}
		res, err := s.Ingest(ctx, al)
		if err != nil {
			return nil, err
		}
		results[i] = res
	}
	return results, nil
}

// createGroup opens one incident owning every given fingerprint.
// Returns nil result when a concurrent winner took any fingerprint.
func (s *Service) createGroup(ctx context.Context, fresh []*alert.Alert) (*IngestResult, error) {
	now := time.Now().UTC()
	in := &Incident{
		ID:         ulid.Make().String(),
		Status:     StatusOpen,
		Visibility: VisibilityTenant,
		Alerts:     make(map[string]*Observation, len(fresh)),
		CreatedAt:  now,
		UpdatedAt:  now,
		Version:    1,
	}
	for _, al := range fresh {
		in.Alerts[al.Fingerprint] = observationFrom(al, now)
	}
	ev := s.newEvent(in.ID, EventCreated, "", now)
	attempts := s.buildAttempts(in, EventCreated, "", now)

	winner, created, err := s.store.Create(ctx, in, ev, attempts)
	if err != nil {
		return nil, err
	}
	if !created {
		s.logger.Info(ctx, "grouped incident creation lost race", "winner", winner.ID)
		return nil, nil
	}

	s.fireTransition(in, ev, len(attempts))
	s.logger.Info(ctx, "incident created",
		"incident_id", in.ID,
		"fingerprints", len(in.Alerts),
	)
	return &IngestResult{IncidentID: in.ID, Action: "created"}, nil
}

// Ingest correlates one normalized observation into the incident set.
func (s *Service) Ingest(ctx context.Context, al *alert.Alert) (*IngestResult, error) {
	res, err := s.ingest(ctx, al)
	if err == nil {
		s.fireIngest(res.Action)
	}
	return res, err
}

func (s *Service) ingest(ctx context.Context, al *alert.Alert) (*IngestResult, error) {
	for try := 0; try < maxTransitionRetries; try++ {
		owner, ok, err := s.store.FindOpenByFingerprint(ctx, al.Fingerprint)
		if err != nil {
			return nil, err
		}

		if !ok {
			if al.Resolved() {
				// stale or duplicate resolve for a closed or never-opened
				// condition: observable, but no state change
				s.fireStaleResolve(al.Fingerprint)
				s.logger.Info(ctx, "stale resolve ignored", "fingerprint", al.Fingerprint)
				return &IngestResult{Action: "ignored"}, nil
			}
			res, retry, err := s.createFromFiring(ctx, al)
			if err != nil {
				return nil, err
			}
			if retry {
				continue
			}
			return res, nil
		}

		res, err := s.applyObservation(ctx, owner, al)
		if errors.Is(err, ErrConflict) {
			s.fireConflict()
			continue
		}
		return res, err
	}
	return nil, fmt.Errorf("ingest %s: %w", al.Fingerprint, ErrConflict)
}

// createFromFiring opens a new incident for an unmatched firing
// observation. The store makes the existence check and insert atomic; a
// concurrent winner makes us retry the update path instead.
func (s *Service) createFromFiring(ctx context.Context, al *alert.Alert) (*IngestResult, bool, error) {
	now := time.Now().UTC()
	in := &Incident{
		ID:         ulid.Make().String(),
		Status:     StatusOpen,
		Visibility: VisibilityTenant,
		Alerts: map[string]*Observation{
			al.Fingerprint: observationFrom(al, now),
		},
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
	}
	ev := s.newEvent(in.ID, EventCreated, "", now)
	attempts := s.buildAttempts(in, EventCreated, "", now)

	winner, created, err := s.store.Create(ctx, in, ev, attempts)
	if err != nil {
		return nil, false, err
	}
	if !created {
		// lost the race: fall back to the winning incident
		s.logger.Info(ctx, "incident creation lost race",
			"fingerprint", al.Fingerprint,
			"winner", winner.ID,
		)
		return nil, true, nil
	}

	s.fireTransition(in, ev, len(attempts))
	s.logger.Info(ctx, "incident created",
		"incident_id", in.ID,
		"fingerprint", al.Fingerprint,
		"alert", al.Name(),
	)
	return &IngestResult{IncidentID: in.ID, Action: "created"}, false, nil
}

// applyObservation folds an observation into an existing incident.
func (s *Service) applyObservation(ctx context.Context, owner *Incident, al *alert.Alert) (*IngestResult, error) {
	in := owner.Clone()
	now := time.Now().UTC()
	in.Alerts[al.Fingerprint] = observationFrom(al, now)
	in.UpdatedAt = now

	if !al.Resolved() {
		// re-firing updates the latest-known state but does not reset
		// acknowledgement and does not notify
		ev := s.newEvent(in.ID, EventRefired, "", now)
		if err := s.store.Update(ctx, in, ev, nil); err != nil {
			return nil, err
		}
		return &IngestResult{IncidentID: in.ID, Action: "refired"}, nil
	}

	allClear := in.AllResolved()
	if s.policy == ResolveAny {
		allClear = in.AnyResolved()
	}
	if !allClear || !CanTransition(in.Status, EventResolved) {
		// record the source resolve; the incident stays put until every
		// fingerprint it owns reports resolved
		ev := s.newEvent(in.ID, EventRefired, "", now)
		if err := s.store.Update(ctx, in, ev, nil); err != nil {
			return nil, err
		}
		return &IngestResult{IncidentID: in.ID, Action: "observed"}, nil
	}

	in.Status = StatusResolved
	in.ResolvedAt = now
	ev := s.newEvent(in.ID, EventResolved, "", now)
	attempts := s.buildAttempts(in, EventResolved, "", now)
	if err := s.store.Update(ctx, in, ev, attempts); err != nil {
		return nil, err
	}

	s.fireTransition(in, ev, len(attempts))
	s.logger.Info(ctx, "incident resolved by source", "incident_id", in.ID)
	return &IngestResult{IncidentID: in.ID, Action: "resolved"}, nil
}

// Acknowledge marks an open incident as owned by actor.
func (s *Service) Acknowledge(ctx context.Context, id, actor string) (*Incident, error) {
	return s.transition(ctx, id, EventAcknowledged, actor, func(in *Incident) {
		if in.Assignee == "" {
			in.Assignee = actor
		}
	})
}

// Resolve applies a human resolve regardless of per-fingerprint state.
func (s *Service) Resolve(ctx context.Context, id, actor string) (*Incident, error) {
	return s.transition(ctx, id, EventResolved, actor, func(in *Incident) {
		now := time.Now().UTC()
		for _, obs := range in.Alerts {
			if obs.Status != "resolved" {
				obs.Status = "resolved"
				obs.ObservedAt = now
			}
		}
	})
}

// Reopen returns an acknowledged or resolved incident to open.
func (s *Service) Reopen(ctx context.Context, id, actor string) (*Incident, error) {
	return s.transition(ctx, id, EventReopened, actor, nil)
}

// Close moves a resolved incident to its terminal state. Closed
// incidents stop generating notification attempts; a later firing on
// the same fingerprint opens a brand-new incident.
func (s *Service) Close(ctx context.Context, id, actor string) (*Incident, error) {
	return s.transition(ctx, id, EventClosed, actor, nil)
}

// SetVisibility changes the notification audience of a non-closed
// incident. Private incidents notify only channels whose audience is
// the assignee; nothing already enqueued is recalled.
func (s *Service) SetVisibility(ctx context.Context, id, actor string, vis Visibility) (*Incident, error) {
	switch vis {
	case VisibilityPrivate, VisibilityGroup, VisibilityTenant:
	default:
		return nil, fmt.Errorf("unknown visibility %q", vis)
	}

	for try := 0; try < maxTransitionRetries; try++ {
		cur, ok, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrNotFound
		}
		if cur.Status == StatusClosed {
			return nil, fmt.Errorf("%w: visibility change on closed incident", ErrInvalidTransition)
		}
		if cur.Visibility == vis {
			return cur, nil
		}

		in := cur.Clone()
		now := time.Now().UTC()
		in.Visibility = vis
		in.UpdatedAt = now

		ev := s.newEvent(in.ID, EventVisibilityChanged, actor, now)
		err = s.store.Update(ctx, in, ev, nil)
		if errors.Is(err, ErrConflict) {
			s.fireConflict()
			continue
		}
		if err != nil {
			return nil, err
		}
		s.fireTransition(in, ev, 0)
		s.logger.Info(ctx, "incident visibility changed",
			"incident_id", in.ID,
			"visibility", string(vis),
			"actor", actor,
		)
		return in, nil
	}
	return nil, fmt.Errorf("set visibility %s: %w", id, ErrConflict)
}

// AddNote appends a note without changing status. Allowed in any
// status, including closed.
func (s *Service) AddNote(ctx context.Context, id, author, text string) (*Incident, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("empty note text")
	}

	for try := 0; try < maxTransitionRetries; try++ {
		cur, ok, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrNotFound
		}

		in := cur.Clone()
		now := time.Now().UTC()
		in.Notes = append(in.Notes, Note{Author: author, Text: text, CreatedAt: now})
		in.UpdatedAt = now

		ev := s.newEvent(in.ID, EventNoteAdded, author, now)
		var attempts []*dispatch.Attempt
		if in.Status != StatusClosed {
			attempts = s.buildAttempts(in, EventNoteAdded, text, now)
		}

		err = s.store.Update(ctx, in, ev, attempts)
		if errors.Is(err, ErrConflict) {
			s.fireConflict()
			continue
		}
		if err != nil {
			return nil, err
		}
		s.fireTransition(in, ev, len(attempts))
		return in, nil
	}
	return nil, fmt.Errorf("add note %s: %w", id, ErrConflict)
}

// Get retrieves an incident by ID.
func (s *Service) Get(ctx context.Context, id string) (*Incident, bool, error) {
	return s.store.Get(ctx, id)
}

// List queries incidents.
func (s *Service) List(ctx context.Context, f ListFilter) ([]*Incident, error) {
	return s.store.List(ctx, f)
}

// Events returns an incident's transition history.
func (s *Service) Events(ctx context.Context, id string) ([]*Event, error) {
	return s.store.ListEvents(ctx, id)
}

// Attempts returns an incident's notification attempts.
func (s *Service) Attempts(ctx context.Context, id string) ([]*dispatch.Attempt, error) {
	if q, ok := s.store.(dispatch.Queue); ok {
		return q.ListAttempts(ctx, id)
	}
	return nil, nil
}

// CloseExpired closes incidents that have sat resolved longer than the
// given age. Run periodically; each close goes through the normal
// transition path so it is persisted and observable like any other.
func (s *Service) CloseExpired(ctx context.Context, age time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-age)
	resolved, err := s.store.List(ctx, ListFilter{Status: StatusResolved})
	if err != nil {
		return 0, err
	}

	closed := 0
	for _, in := range resolved {
		// age off the time of the resolve itself; notes and late
		// observations bump UpdatedAt but must not defer the close
		resolvedAt := in.ResolvedAt
		if resolvedAt.IsZero() {
			resolvedAt = in.UpdatedAt
		}
		if resolvedAt.After(cutoff) {
			continue
		}
		if _, err := s.Close(ctx, in.ID, "system"); err != nil {
			// a concurrent human action is fine; anything else is logged
			if !errors.Is(err, ErrInvalidTransition) && !errors.Is(err, ErrConflict) {
				s.logger.Error(ctx, err, "auto-close failed", "incident_id", in.ID)
			}
			continue
		}
		closed++
	}
	return closed, nil
}

// transition runs one optimistic read-modify-write of a lifecycle
// action, retrying on concurrent modification.
func (s *Service) transition(ctx context.Context, id string, kind EventKind, actor string, mutate func(*Incident)) (*Incident, error) {
	for try := 0; try < maxTransitionRetries; try++ {
		cur, ok, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrNotFound
		}

		next, err := Next(cur.Status, kind)
		if err != nil {
			return nil, err
		}

		in := cur.Clone()
		now := time.Now().UTC()
		in.Status = next
		in.UpdatedAt = now
		switch {
		case next == StatusResolved && cur.Status != StatusResolved:
			in.ResolvedAt = now
		case next == StatusOpen:
			in.ResolvedAt = time.Time{}
		}
		if mutate != nil {
			mutate(in)
		}

		ev := s.newEvent(in.ID, kind, actor, now)
		var attempts []*dispatch.Attempt
		if kind != EventClosed {
			attempts = s.buildAttempts(in, kind, "", now)
		}

		err = s.store.Update(ctx, in, ev, attempts)
		if errors.Is(err, ErrConflict) {
			s.fireConflict()
			continue
		}
		if err != nil {
			return nil, err
		}

		s.fireTransition(in, ev, len(attempts))
		s.logger.Info(ctx, "incident transition",
			"incident_id", in.ID,
			"kind", string(kind),
			"status", string(in.Status),
			"actor", actor,
		)
		return in, nil
	}
	return nil, fmt.Errorf("%s %s: %w", kind, id, ErrConflict)
}

func (s *Service) newEvent(incidentID string, kind EventKind, actor string, now time.Time) *Event {
	return &Event{
		ID:         ulid.Make().String(),
		IncidentID: incidentID,
		Kind:       kind,
		Actor:      actor,
		OccurredAt: now,
	}
}

func (s *Service) buildAttempts(in *Incident, kind EventKind, note string, now time.Time) []*dispatch.Attempt {
	if s.dispatcher == nil {
		return nil
	}
	msg := buildMessage(in, kind, note)
	return s.dispatcher.BuildAttempts(in.ID, string(kind), string(in.Visibility), in.Assignee, msg, now)
}

// buildMessage summarizes the transition from the incident's
// representative observation.
func buildMessage(in *Incident, kind EventKind, note string) dispatch.Message {
	msg := dispatch.Message{
		Action:     string(kind),
		IncidentID: in.ID,
		Note:       note,
	}
	if obs := in.Primary(); obs != nil {
		msg.AlertName = obs.Labels["alertname"]
		msg.Severity = obs.Labels["severity"]
		msg.Summary = obs.Annotations["summary"]
		msg.Description = obs.Annotations["description"]
		msg.Labels = obs.Labels
		msg.StartsAt = obs.StartsAt
	}
	return msg
}

func observationFrom(al *alert.Alert, now time.Time) *Observation {
	return &Observation{
		Fingerprint: al.Fingerprint,
		Status:      al.Status,
		Labels:      al.Labels,
		Annotations: al.Annotations,
		StartsAt:    al.StartsAt,
		EndsAt:      al.EndsAt,
		ObservedAt:  now,
	}
}

func (s *Service) fireIngest(action string) {
	for _, h := range s.hooks {
		if h.OnIngest != nil {
			h.OnIngest(action)
		}
	}
}

func (s *Service) fireTransition(in *Incident, ev *Event, enqueued int) {
	for _, h := range s.hooks {
		if h.OnTransition != nil {
			h.OnTransition(in, ev)
		}
		if h.OnEnqueued != nil && enqueued > 0 {
			h.OnEnqueued(string(ev.Kind), enqueued)
		}
	}
}

func (s *Service) fireStaleResolve(fp string) {
	for _, h := range s.hooks {
		if h.OnStaleResolve != nil {
			h.OnStaleResolve(fp)
		}
	}
}

func (s *Service) fireConflict() {
	for _, h := range s.hooks {
		if h.OnConflict != nil {
			h.OnConflict()
		}
	}
}
