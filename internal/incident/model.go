// Package incident owns the incident lifecycle: correlation of alert
// observations into incidents, the state machine over their statuses,
// and the transactional enqueue of notification work.
package incident

import (
	"sort"
	"time"
)

// Status tracks where an incident is in its lifecycle.
type Status string

const (
	// StatusOpen means firing, nobody has taken ownership.
	StatusOpen Status = "open"

	// StatusAcknowledged means a human has taken ownership.
	StatusAcknowledged Status = "acknowledged"

	// StatusResolved means every fingerprint reported resolved, or a
	// human resolved it.
	StatusResolved Status = "resolved"

	// StatusClosed is terminal. Closed incidents are retained for
	// history and never mutated again.
	StatusClosed Status = "closed"
)

// Visibility determines the notification audience.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityGroup   Visibility = "group"
	VisibilityTenant  Visibility = "tenant"
)

// Observation is the latest known upstream state for one fingerprint an
// incident owns.
type Observation struct {
	Fingerprint string            `json:"fingerprint"`
	Status      string            `json:"status"` // firing | resolved
	Labels      map[string]string `json:"labels"`
	Annotations map[string]string `json:"annotations,omitempty"`
	StartsAt    time.Time         `json:"starts_at"`
	EndsAt      time.Time         `json:"ends_at,omitempty"`
	ObservedAt  time.Time         `json:"observed_at"`
}

// Note is an append-only comment on an incident. Never edited or removed.
type Note struct {
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Incident is the unit of human tracking, aggregating one or more alert
// fingerprints. At most one non-closed incident exists per fingerprint.
type Incident struct {
	ID         string     `json:"id"`
	Status     Status     `json:"status"`
	Visibility Visibility `json:"visibility"`
	Assignee   string     `json:"assignee,omitempty"`

	// Alerts maps each owned fingerprint to its latest observation.
	Alerts map[string]*Observation `json:"alerts"`

	Notes []Note `json:"notes,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// ResolvedAt is when the incident last entered resolved; zero while
	// firing and cleared on reopen. Auto-close ages off this rather than
	// UpdatedAt, so note and observation activity on a resolved incident
	// does not keep deferring the sweep.
	ResolvedAt time.Time `json:"resolved_at,omitzero"`

	// Version increments on every persisted mutation; stores reject a
	// write whose version does not match the stored row.
	Version int64 `json:"version"`
}

// Fingerprints returns the owned fingerprints in stable order.
func (in *Incident) Fingerprints() []string {
	fps := make([]string, 0, len(in.Alerts))
	for fp := range in.Alerts {
		fps = append(fps, fp)
	}
	sort.Strings(fps)
	return fps
}

// AllResolved reports whether every owned fingerprint has reported
// resolved (the all-clear condition).
func (in *Incident) AllResolved() bool {
	for _, obs := range in.Alerts {
		if obs.Status != "resolved" {
			return false
		}
	}
	return len(in.Alerts) > 0
}

// AnyResolved reports whether at least one owned fingerprint has
// reported resolved.
func (in *Incident) AnyResolved() bool {
	for _, obs := range in.Alerts {
		if obs.Status == "resolved" {
			return true
		}
	}
	return false
}

// Primary returns the observation whose alert started first, used as the
// representative alert when rendering notifications.
func (in *Incident) Primary() *Observation {
	var first *Observation
	for _, fp := range in.Fingerprints() {
		obs := in.Alerts[fp]
		if first == nil || obs.StartsAt.Before(first.StartsAt) {
			first = obs
		}
	}
	return first
}

// Clone returns a deep copy, safe to mutate without aliasing stored state.
func (in *Incident) Clone() *Incident {
	cp := *in
	cp.Alerts = make(map[string]*Observation, len(in.Alerts))
	for fp, obs := range in.Alerts {
		o := *obs
		o.Labels = copyMap(obs.Labels)
		o.Annotations = copyMap(obs.Annotations)
		cp.Alerts[fp] = &o
	}
	cp.Notes = make([]Note, len(in.Notes))
	copy(cp.Notes, in.Notes)
	return &cp
}

func copyMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// EventKind names an accepted transition or recorded incident change.
type EventKind string

const (
	EventCreated      EventKind = "created"
	EventAcknowledged EventKind = "acknowledged"
	EventResolved     EventKind = "resolved"
	EventReopened     EventKind = "reopened"
	EventClosed       EventKind = "closed"
	EventNoteAdded    EventKind = "note_added"

	// EventVisibilityChanged records a change of notification audience.
	// Not a status transition and never notified by itself; it redirects
	// the attempts the next transition builds.
	EventVisibilityChanged EventKind = "visibility_changed"

	// EventRefired records a repeat firing observation on an existing
	// incident. Not a status transition and never notified.
	EventRefired EventKind = "refired"
)

// Event is the persisted record of one accepted incident change. Events
// are written in the same transaction as the incident mutation and any
// notification attempts, so dispatch work is recoverable after a crash.
type Event struct {
	ID         string    `json:"id"`
	IncidentID string    `json:"incident_id"`
	Kind       EventKind `json:"kind"`
	Actor      string    `json:"actor,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}
