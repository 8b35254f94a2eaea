package incident

import (
	"context"
	"time"

	"github.com/linnemanlabs/pager/internal/dispatch"
)

// ListFilter narrows a List query. Zero values mean "any".
type ListFilter struct {
	Status      Status
	Fingerprint string
	Limit       int
}

// Store is the persistence boundary for incidents. Implementations must
// make Create atomic with the per-fingerprint existence check, persist
// Update conditionally on the incident version, and write the event and
// attempts in the same transaction as the incident row.
type Store interface {
	// Get returns an incident by ID.
	Get(ctx context.Context, id string) (*Incident, bool, error)

	// FindOpenByFingerprint returns the non-closed incident owning the
	// fingerprint, if any.
	FindOpenByFingerprint(ctx context.Context, fingerprint string) (*Incident, bool, error)

	// List returns incidents matching the filter, newest first.
	List(ctx context.Context, f ListFilter) ([]*Incident, error)

	// Create persists a new incident together with its creation event
	// and pending attempts. If another non-closed incident already owns
	// one of the fingerprints, nothing is written and the winning
	// incident is returned with created=false.
	Create(ctx context.Context, in *Incident, ev *Event, attempts []*dispatch.Attempt) (winner *Incident, created bool, err error)

	// Update persists a mutated incident, its event, and any attempts in
	// one transaction, guarded by in.Version matching the stored row.
	// Returns ErrConflict on a version mismatch.
	Update(ctx context.Context, in *Incident, ev *Event, attempts []*dispatch.Attempt) error

	// ListEvents returns the persisted transition history, oldest first.
	ListEvents(ctx context.Context, incidentID string) ([]*Event, error)

	// SeenDelivery reports whether a webhook delivery key was already
	// recorded within the retention window, without recording it.
	SeenDelivery(ctx context.Context, key string) (seen bool, err error)

	// RememberDelivery records a webhook delivery key. seen=true means
	// the identical delivery was already applied within the retention
	// window and must be treated as a replay.
	RememberDelivery(ctx context.Context, key string, now time.Time) (seen bool, err error)

	// PruneDeliveries drops delivery keys received before the cutoff and
	// returns how many were removed.
	PruneDeliveries(ctx context.Context, cutoff time.Time) (int, error)
}
