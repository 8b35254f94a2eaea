package memstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/pager/internal/dispatch"
	"github.com/linnemanlabs/pager/internal/incident"
)

func newIncident(fps ...string) *incident.Incident {
	now := time.Now().UTC()
	in := &incident.Incident{
		ID:         ulid.Make().String(),
		Status:     incident.StatusOpen,
		Visibility: incident.VisibilityTenant,
		Alerts:     make(map[string]*incident.Observation, len(fps)),
		CreatedAt:  now,
		UpdatedAt:  now,
		Version:    1,
	}
	for _, fp := range fps {
		in.Alerts[fp] = &incident.Observation{
			Fingerprint: fp,
			Status:      "firing",
			Labels:      map[string]string{"alertname": "X"},
			StartsAt:    now,
			ObservedAt:  now,
		}
	}
	return in
}

func newEvent(incidentID string, kind incident.EventKind) *incident.Event {
	return &incident.Event{
		ID:         ulid.Make().String(),
		IncidentID: incidentID,
		Kind:       kind,
		OccurredAt: time.Now().UTC(),
	}
}

func newAttempt(incidentID string) *dispatch.Attempt {
	now := time.Now().UTC()
	return &dispatch.Attempt{
		ID:            ulid.Make().String(),
		IncidentID:    incidentID,
		ChannelID:     "team-slack",
		Kind:          "created",
		Status:        dispatch.AttemptPending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Create / fingerprint uniqueness

func TestCreate_ClaimsFingerprints(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	in := newIncident("fp1")
	winner, created, err := s.Create(ctx, in, newEvent(in.ID, incident.EventCreated), nil)
	if err != nil {
		t.Fatalf("Create() = %v", err)
	}
	if !created || winner.ID != in.ID {
		t.Fatalf("created = %v, winner = %s, want true/%s", created, winner.ID, in.ID)
	}

	got, ok, err := s.FindOpenByFingerprint(ctx, "fp1")
	if err != nil || !ok {
		t.Fatalf("FindOpenByFingerprint() = %v, %v", ok, err)
	}
	if got.ID != in.ID {
		t.Errorf("fingerprint owner = %s, want %s", got.ID, in.ID)
	}
}

func TestCreate_LoserGetsWinner(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	first := newIncident("fp1")
	if _, _, err := s.Create(ctx, first, newEvent(first.ID, incident.EventCreated), nil); err != nil {
		t.Fatal(err)
	}

	second := newIncident("fp1")
	winner, created, err := s.Create(ctx, second, newEvent(second.ID, incident.EventCreated), nil)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Fatal("second create for the same fingerprint succeeded")
	}
	if winner.ID != first.ID {
		t.Errorf("winner = %s, want %s", winner.ID, first.ID)
	}

	// the losing incident left no trace
	if _, ok, _ := s.Get(ctx, second.ID); ok {
		t.Error("losing incident was stored")
	}
	if evs, _ := s.ListEvents(ctx, second.ID); len(evs) != 0 {
		t.Error("losing incident recorded events")
	}
}

func TestCreate_ConcurrentSameFingerprint(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	const writers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners = map[string]int{}
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			in := newIncident("contended")
			winner, _, err := s.Create(ctx, in, newEvent(in.ID, incident.EventCreated), nil)
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			winners[winner.ID]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(winners) != 1 {
		t.Fatalf("%d distinct winners for one fingerprint, want 1", len(winners))
	}
}

// Update / optimistic concurrency

func TestUpdate_VersionConflict(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	in := newIncident("fp1")
	if _, _, err := s.Create(ctx, in, newEvent(in.ID, incident.EventCreated), nil); err != nil {
		t.Fatal(err)
	}

	a := in.Clone()
	a.Status = incident.StatusAcknowledged
	if err := s.Update(ctx, a, newEvent(in.ID, incident.EventAcknowledged), nil); err != nil {
		t.Fatalf("first Update() = %v", err)
	}
	if a.Version != 2 {
		t.Errorf("version after update = %d, want 2", a.Version)
	}

	// a writer still holding version 1 must lose
	b := in.Clone()
	b.Status = incident.StatusResolved
	if err := s.Update(ctx, b, newEvent(in.ID, incident.EventResolved), nil); !errors.Is(err, incident.ErrConflict) {
		t.Fatalf("stale Update() err = %v, want ErrConflict", err)
	}

	got, _, _ := s.Get(ctx, in.ID)
	if got.Status != incident.StatusAcknowledged {
		t.Errorf("status = %s, want acknowledged (stale writer must not win)", got.Status)
	}
}

func TestUpdate_CloseReleasesFingerprints(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	in := newIncident("fp1", "fp2")
	if _, _, err := s.Create(ctx, in, newEvent(in.ID, incident.EventCreated), nil); err != nil {
		t.Fatal(err)
	}

	closed := in.Clone()
	closed.Status = incident.StatusClosed
	if err := s.Update(ctx, closed, newEvent(in.ID, incident.EventClosed), nil); err != nil {
		t.Fatal(err)
	}

	for _, fp := range []string{"fp1", "fp2"} {
		if _, ok, _ := s.FindOpenByFingerprint(ctx, fp); ok {
			t.Errorf("fingerprint %s still owned after close", fp)
		}
	}
}

func TestUpdate_NotFound(t *testing.T) {
	t.Parallel()

	s := New()
	in := newIncident("fp1")
	if err := s.Update(context.Background(), in, nil, nil); !errors.Is(err, incident.ErrNotFound) {
		t.Fatalf("Update(missing) err = %v, want ErrNotFound", err)
	}
}

// List

func TestList_Filters(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	open := newIncident("fp-open")
	if _, _, err := s.Create(ctx, open, newEvent(open.ID, incident.EventCreated), nil); err != nil {
		t.Fatal(err)
	}
	res := newIncident("fp-res")
	if _, _, err := s.Create(ctx, res, newEvent(res.ID, incident.EventCreated), nil); err != nil {
		t.Fatal(err)
	}
	resolved := res.Clone()
	resolved.Status = incident.StatusResolved
	if err := s.Update(ctx, resolved, newEvent(res.ID, incident.EventResolved), nil); err != nil {
		t.Fatal(err)
	}

	byStatus, err := s.List(ctx, incident.ListFilter{Status: incident.StatusResolved})
	if err != nil {
		t.Fatal(err)
	}
	if len(byStatus) != 1 || byStatus[0].ID != res.ID {
		t.Errorf("status filter returned %d results", len(byStatus))
	}

	byFp, err := s.List(ctx, incident.ListFilter{Fingerprint: "fp-open"})
	if err != nil {
		t.Fatal(err)
	}
	if len(byFp) != 1 || byFp[0].ID != open.ID {
		t.Errorf("fingerprint filter returned %d results", len(byFp))
	}

	limited, err := s.List(ctx, incident.ListFilter{Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 {
		t.Errorf("limit 1 returned %d results", len(limited))
	}
}

// Attempt queue

func TestClaimDue_ClaimsOnlyDue(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	in := newIncident("fp1")
	due := newAttempt(in.ID)
	due.NextAttemptAt = now
	future := newAttempt(in.ID)
	future.NextAttemptAt = now.Add(time.Hour)
	if _, _, err := s.Create(ctx, in, newEvent(in.ID, incident.EventCreated), []*dispatch.Attempt{due, future}); err != nil {
		t.Fatal(err)
	}

	claimed, err := s.ClaimDue(ctx, now, "tok", time.Minute, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 1 || claimed[0].ID != due.ID {
		t.Fatalf("claimed %d attempts, want just the due one", len(claimed))
	}
	if claimed[0].Status != dispatch.AttemptInFlight {
		t.Errorf("claimed status = %s, want in_flight", claimed[0].Status)
	}

	// an in-flight attempt with a live lease is not claimable again
	again, err := s.ClaimDue(ctx, now, "tok2", time.Minute, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 0 {
		t.Errorf("double-claimed %d attempts", len(again))
	}
}

func TestClaimDue_ReclaimsLapsedLease(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	in := newIncident("fp1")
	a := newAttempt(in.ID)
	if _, _, err := s.Create(ctx, in, newEvent(in.ID, incident.EventCreated), []*dispatch.Attempt{a}); err != nil {
		t.Fatal(err)
	}

	if _, err := s.ClaimDue(ctx, now, "dead-worker", time.Minute, 10); err != nil {
		t.Fatal(err)
	}

	// after the lease lapses another worker takes over
	later := now.Add(2 * time.Minute)
	reclaimed, err := s.ClaimDue(ctx, later, "live-worker", time.Minute, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(reclaimed) != 1 {
		t.Fatalf("reclaimed %d attempts, want 1", len(reclaimed))
	}

	// the dead worker's completion must now be rejected
	if err := s.MarkDelivered(ctx, a.ID, "dead-worker", later); !errors.Is(err, incident.ErrConflict) {
		t.Fatalf("lapsed worker completion err = %v, want ErrConflict", err)
	}
	if err := s.MarkDelivered(ctx, a.ID, "live-worker", later); err != nil {
		t.Fatalf("live worker completion err = %v, want nil", err)
	}
}

func TestReschedule_ReturnsToPending(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	in := newIncident("fp1")
	a := newAttempt(in.ID)
	a.NextAttemptAt = now
	if _, _, err := s.Create(ctx, in, newEvent(in.ID, incident.EventCreated), []*dispatch.Attempt{a}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ClaimDue(ctx, now, "tok", time.Minute, 10); err != nil {
		t.Fatal(err)
	}

	nextAt := now.Add(30 * time.Second)
	if err := s.Reschedule(ctx, a.ID, "tok", 1, nextAt, "connection refused", now); err != nil {
		t.Fatalf("Reschedule() = %v", err)
	}

	attempts, err := s.ListAttempts(ctx, in.ID)
	if err != nil {
		t.Fatal(err)
	}
	got := attempts[0]
	if got.Status != dispatch.AttemptPending {
		t.Errorf("status = %s, want pending", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}
	if got.LastError != "connection refused" {
		t.Errorf("last error = %q", got.LastError)
	}
	if !got.NextAttemptAt.Equal(nextAt) {
		t.Errorf("next attempt at = %v, want %v", got.NextAttemptAt, nextAt)
	}

	// not claimable before its retry time
	early, _ := s.ClaimDue(ctx, now, "tok2", time.Minute, 10)
	if len(early) != 0 {
		t.Error("rescheduled attempt claimed before its retry time")
	}
	late, _ := s.ClaimDue(ctx, nextAt, "tok2", time.Minute, 10)
	if len(late) != 1 {
		t.Error("rescheduled attempt not claimable at its retry time")
	}
}

// Delivery keys

func TestRememberDelivery(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	seen, err := s.RememberDelivery(ctx, "k", now)
	if err != nil || seen {
		t.Fatalf("first RememberDelivery = %v, %v", seen, err)
	}
	seen, err = s.RememberDelivery(ctx, "k", now.Add(time.Minute))
	if err != nil || !seen {
		t.Fatalf("replay RememberDelivery = %v, %v, want seen", seen, err)
	}

	// outside the retention window the key is forgotten
	seen, err = s.RememberDelivery(ctx, "k", now.Add(25*time.Hour))
	if err != nil || seen {
		t.Fatalf("expired RememberDelivery = %v, %v, want not seen", seen, err)
	}
}

func TestSeenDelivery(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	// the read-only check never records
	seen, err := s.SeenDelivery(ctx, "k")
	if err != nil || seen {
		t.Fatalf("SeenDelivery(unrecorded) = %v, %v", seen, err)
	}
	seen, err = s.SeenDelivery(ctx, "k")
	if err != nil || seen {
		t.Fatalf("second SeenDelivery(unrecorded) = %v, %v", seen, err)
	}

	if _, err := s.RememberDelivery(ctx, "k", now); err != nil {
		t.Fatal(err)
	}
	seen, err = s.SeenDelivery(ctx, "k")
	if err != nil || !seen {
		t.Fatalf("SeenDelivery(recorded) = %v, %v, want seen", seen, err)
	}

	// expired keys are not seen
	if _, err := s.RememberDelivery(ctx, "stale", now.Add(-25*time.Hour)); err != nil {
		t.Fatal(err)
	}
	seen, err = s.SeenDelivery(ctx, "stale")
	if err != nil || seen {
		t.Fatalf("SeenDelivery(expired) = %v, %v, want not seen", seen, err)
	}
}

func TestPruneDeliveries(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := s.RememberDelivery(ctx, "old", now.Add(-2*time.Hour)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RememberDelivery(ctx, "new", now); err != nil {
		t.Fatal(err)
	}

	n, err := s.PruneDeliveries(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("pruned %d keys, want 1", n)
	}

	seen, _ := s.RememberDelivery(ctx, "new", now)
	if !seen {
		t.Error("surviving key was pruned")
	}
}
