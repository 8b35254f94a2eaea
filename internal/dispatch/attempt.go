package dispatch

import (
	"context"
	"time"
)

// AttemptStatus tracks where a notification attempt is in its lifecycle.
// The lifecycle is monotonic: pending -> in_flight -> delivered|failed,
// with in_flight falling back to pending only through a reschedule.
type AttemptStatus string

const (
	// AttemptPending means created, waiting for a scheduler worker.
	AttemptPending AttemptStatus = "pending"

	// AttemptInFlight means claimed by a worker, send in progress.
	AttemptInFlight AttemptStatus = "in_flight"

	// AttemptDelivered means the channel accepted the message. Terminal.
	AttemptDelivered AttemptStatus = "delivered"

	// AttemptFailed means the retry budget is exhausted or the failure
	// was permanent. Terminal, surfaced to operators, never retried.
	AttemptFailed AttemptStatus = "failed"
)

// Attempt is one obligation to deliver a message about an incident
// transition to one channel. Created by the Dispatcher, mutated only by
// the Scheduler.
type Attempt struct {
	ID         string        `json:"id"`
	IncidentID string        `json:"incident_id"`
	ChannelID  string        `json:"channel_id"`
	Kind       string        `json:"kind"` // transition kind that caused it
	Message    Message       `json:"message"`
	Status     AttemptStatus `json:"status"`

	Attempts      int       `json:"attempts"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
	LastError     string    `json:"last_error,omitempty"`

	// Claim fields let a crashed worker's attempt be reclaimed once the
	// lease lapses. Completion checks the token so a lapsed worker
	// cannot clobber a reclaimed attempt.
	ClaimToken string    `json:"-"`
	LeaseUntil time.Time `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Queue is the persistence boundary for the attempt outbox. It is safe
// for concurrent use by multiple scheduler workers.
type Queue interface {
	// ClaimDue atomically claims up to limit due attempts: pending ones
	// whose next-attempt time has passed, plus in-flight ones whose
	// lease expired (a crashed worker's leftovers).
	ClaimDue(ctx context.Context, now time.Time, token string, lease time.Duration, limit int) ([]*Attempt, error)

	// MarkDelivered terminates a claimed attempt as delivered. The token
	// must still hold the claim.
	MarkDelivered(ctx context.Context, id, token string, now time.Time) error

	// Reschedule returns a claimed attempt to pending with the given
	// retry accounting.
	Reschedule(ctx context.Context, id, token string, attempts int, nextAt time.Time, lastErr string, now time.Time) error

	// MarkFailed terminates a claimed attempt as failed.
	MarkFailed(ctx context.Context, id, token string, attempts int, lastErr string, now time.Time) error

	// ListAttempts returns attempts for an incident, newest first.
	ListAttempts(ctx context.Context, incidentID string) ([]*Attempt, error)
}
