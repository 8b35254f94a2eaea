// Package memstore provides an in-memory implementation of
// incident.Store and dispatch.Queue. Suitable for dev/testing; the
// mutex gives the same serialization the Postgres store gets from
// transactions and constraints.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/linnemanlabs/pager/internal/dispatch"
	"github.com/linnemanlabs/pager/internal/incident"
)

// deliveryWindow bounds how long webhook delivery keys are remembered.
const deliveryWindow = 24 * time.Hour

// Store holds incidents, events, attempts, and delivery keys in memory.
type Store struct {
	mu         sync.Mutex
	incidents  map[string]*incident.Incident
	openByFp   map[string]string // fingerprint -> non-closed incident ID
	events     map[string][]*incident.Event
	attempts   map[string]*dispatch.Attempt
	deliveries map[string]time.Time
}

// New initializes an empty in-memory Store.
func New() *Store {
	return &Store{
		incidents:  make(map[string]*incident.Incident),
		openByFp:   make(map[string]string),
		events:     make(map[string][]*incident.Event),
		attempts:   make(map[string]*dispatch.Attempt),
		deliveries: make(map[string]time.Time),
	}
}

// Get retrieves an incident by ID. Returns a copy.
func (s *Store) Get(_ context.Context, id string) (*incident.Incident, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.incidents[id]
	if !ok {
		return nil, false, nil
	}
	return in.Clone(), true, nil
}

// FindOpenByFingerprint returns the non-closed incident owning the
// fingerprint. Returns a copy.
func (s *Store) FindOpenByFingerprint(_ context.Context, fp string) (*incident.Incident, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.openByFp[fp]
	if !ok {
		return nil, false, nil
	}
	return s.incidents[id].Clone(), true, nil
}

// List returns incidents matching the filter, newest first.
func (s *Store) List(_ context.Context, f incident.ListFilter) ([]*incident.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*incident.Incident
	for _, in := range s.incidents {
		if f.Status != "" && in.Status != f.Status {
			continue
		}
		if f.Fingerprint != "" {
			if _, owns := in.Alerts[f.Fingerprint]; !owns {
				continue
			}
		}
		out = append(out, in.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Create atomically checks fingerprint ownership and inserts the
// incident with its event and attempts. A fingerprint already owned by
// a non-closed incident makes the whole create a no-op; the winning
// incident is returned instead.
func (s *Store) Create(_ context.Context, in *incident.Incident, ev *incident.Event, attempts []*dispatch.Attempt) (*incident.Incident, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for fp := range in.Alerts {
		if winnerID, taken := s.openByFp[fp]; taken {
			return s.incidents[winnerID].Clone(), false, nil
		}
	}

	cp := in.Clone()
	s.incidents[cp.ID] = cp
	for fp := range cp.Alerts {
		s.openByFp[fp] = cp.ID
	}
	s.appendEvent(ev)
	s.insertAttempts(attempts)
	return in.Clone(), true, nil
}

// Update persists a mutated incident guarded by its version, together
// with the event and attempts.
func (s *Store) Update(_ context.Context, in *incident.Incident, ev *incident.Event, attempts []*dispatch.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.incidents[in.ID]
	if !ok {
		return incident.ErrNotFound
	}
	if cur.Version != in.Version {
		return incident.ErrConflict
	}

	cp := in.Clone()
	cp.Version = cur.Version + 1
	s.incidents[cp.ID] = cp
	in.Version = cp.Version

	// maintain the uniqueness index: closed incidents release their
	// fingerprints, anything else (re)claims them
	for fp := range cp.Alerts {
		if cp.Status == incident.StatusClosed {
			delete(s.openByFp, fp)
		} else {
			s.openByFp[fp] = cp.ID
		}
	}

	s.appendEvent(ev)
	s.insertAttempts(attempts)
	return nil
}

// ListEvents returns the transition history, oldest first.
func (s *Store) ListEvents(_ context.Context, incidentID string) ([]*incident.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	evs := s.events[incidentID]
	out := make([]*incident.Event, len(evs))
	for i, ev := range evs {
		cp := *ev
		out[i] = &cp
	}
	return out, nil
}

// SeenDelivery reports whether the key is present within the retention
// window, without recording it.
func (s *Store) SeenDelivery(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.deliveries[key]
	return ok && time.Now().UTC().Sub(at) < deliveryWindow, nil
}

// RememberDelivery records a delivery key; seen=true if it is already
// present within the retention window.
func (s *Store) RememberDelivery(_ context.Context, key string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if at, ok := s.deliveries[key]; ok && now.Sub(at) < deliveryWindow {
		return true, nil
	}
	s.deliveries[key] = now
	return false, nil
}

// PruneDeliveries drops delivery keys received before the cutoff.
func (s *Store) PruneDeliveries(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, at := range s.deliveries {
		if at.Before(cutoff) {
			delete(s.deliveries, k)
			n++
		}
	}
	return n, nil
}

// ClaimDue implements dispatch.Queue: atomically claims due pending
// attempts and in-flight attempts whose lease lapsed.
func (s *Store) ClaimDue(_ context.Context, now time.Time, token string, lease time.Duration, limit int) ([]*dispatch.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*dispatch.Attempt
	for _, a := range s.attempts {
		if len(due) >= limit {
			break
		}
		claimable := (a.Status == dispatch.AttemptPending && !a.NextAttemptAt.After(now)) ||
			(a.Status == dispatch.AttemptInFlight && !a.LeaseUntil.After(now))
		if !claimable {
			continue
		}
		a.Status = dispatch.AttemptInFlight
		a.ClaimToken = token
		a.LeaseUntil = now.Add(lease)
		a.UpdatedAt = now
		cp := *a
		due = append(due, &cp)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextAttemptAt.Before(due[j].NextAttemptAt) })
	return due, nil
}

// MarkDelivered terminates a claimed attempt as delivered.
func (s *Store) MarkDelivered(_ context.Context, id, token string, now time.Time) error {
	return s.completeClaim(id, token, func(a *dispatch.Attempt) {
		a.Status = dispatch.AttemptDelivered
		a.Attempts++
		a.LastError = ""
		a.UpdatedAt = now
	})
}

// Reschedule returns a claimed attempt to pending for a later retry.
func (s *Store) Reschedule(_ context.Context, id, token string, attempts int, nextAt time.Time, lastErr string, now time.Time) error {
	return s.completeClaim(id, token, func(a *dispatch.Attempt) {
		a.Status = dispatch.AttemptPending
		a.Attempts = attempts
		a.NextAttemptAt = nextAt
		a.LastError = lastErr
		a.ClaimToken = ""
		a.UpdatedAt = now
	})
}

// MarkFailed terminates a claimed attempt as failed.
func (s *Store) MarkFailed(_ context.Context, id, token string, attempts int, lastErr string, now time.Time) error {
	return s.completeClaim(id, token, func(a *dispatch.Attempt) {
		a.Status = dispatch.AttemptFailed
		a.Attempts = attempts
		a.LastError = lastErr
		a.UpdatedAt = now
	})
}

// ListAttempts returns attempts for an incident, newest first.
func (s *Store) ListAttempts(_ context.Context, incidentID string) ([]*dispatch.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*dispatch.Attempt
	for _, a := range s.attempts {
		if a.IncidentID != incidentID {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) completeClaim(id, token string, apply func(*dispatch.Attempt)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[id]
	if !ok {
		return incident.ErrNotFound
	}
	// a lapsed worker whose claim was taken over must not clobber it
	if a.Status != dispatch.AttemptInFlight || a.ClaimToken != token {
		return incident.ErrConflict
	}
	apply(a)
	return nil
}

func (s *Store) appendEvent(ev *incident.Event) {
	if ev == nil {
		return
	}
	cp := *ev
	s.events[ev.IncidentID] = append(s.events[ev.IncidentID], &cp)
}

func (s *Store) insertAttempts(attempts []*dispatch.Attempt) {
	for _, a := range attempts {
		cp := *a
		s.attempts[a.ID] = &cp
	}
}
