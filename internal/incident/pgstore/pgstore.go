// Package pgstore provides a PostgreSQL implementation of
// incident.Store and dispatch.Queue.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/pager/internal/dispatch"
	"github.com/linnemanlabs/pager/internal/incident"
)

var tracer = otel.Tracer("github.com/linnemanlabs/pager/internal/incident/pgstore")

//go:embed schema.sql
var schema string

const incidentColumns = `id, status, visibility, assignee, alerts, notes, created_at, updated_at, resolved_at, version`

const attemptColumns = `id, incident_id, channel_id, kind, message, status, attempts,
	next_attempt_at, last_error, claim_token, lease_until, created_at, updated_at`

// Store persists incidents and the notification outbox in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on the given pool and returns a ready Store.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Get retrieves an incident by ID.
func (s *Store) Get(ctx context.Context, id string) (*incident.Incident, bool, error) {
	ctx, span := s.startSpan(ctx, "pgstore.Get", "SELECT")
	defer span.End()

	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE id = $1`
	in, err := scanIncident(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, false, s.recordErr(span, err)
	}
	if in == nil {
		return nil, false, nil
	}
	return in, true, nil
}

// FindOpenByFingerprint returns the non-closed incident owning the
// fingerprint, resolved through the uniqueness table.
func (s *Store) FindOpenByFingerprint(ctx context.Context, fp string) (*incident.Incident, bool, error) {
	ctx, span := s.startSpan(ctx, "pgstore.FindOpenByFingerprint", "SELECT")
	defer span.End()

	query := `SELECT ` + prefixColumns("i.", incidentColumns) + `
		FROM incidents i
		JOIN open_fingerprints f ON f.incident_id = i.id
		WHERE f.fingerprint = $1`
	in, err := scanIncident(s.pool.QueryRow(ctx, query, fp))
	if err != nil {
		return nil, false, s.recordErr(span, err)
	}
	if in == nil {
		return nil, false, nil
	}
	return in, true, nil
}

// List returns incidents matching the filter, newest first.
func (s *Store) List(ctx context.Context, f incident.ListFilter) ([]*incident.Incident, error) {
	ctx, span := s.startSpan(ctx, "pgstore.List", "SELECT")
	defer span.End()

	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE ($1 = '' OR status = $1)
		AND ($2 = '' OR alerts ? $2)
		ORDER BY created_at DESC`
	args := []any{string(f.Status), f.Fingerprint}
	if f.Limit > 0 {
		query += ` LIMIT $3`
		args = append(args, f.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, s.recordErr(span, fmt.Errorf("query incidents: %w", err))
	}
	defer rows.Close()

	var out []*incident.Incident
	for rows.Next() {
		in, err := scanIncident(rows)
		if err != nil {
			return nil, s.recordErr(span, err)
		}
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, s.recordErr(span, fmt.Errorf("iterate incidents: %w", err))
	}
	return out, nil
}

// Create inserts the incident, its fingerprint claims, the creation
// event, and the pending attempts in one transaction. A fingerprint
// already claimed by a non-closed incident aborts the insert; the
// winning incident is returned instead.
func (s *Store) Create(ctx context.Context, in *incident.Incident, ev *incident.Event, attempts []*dispatch.Attempt) (*incident.Incident, bool, error) {
	ctx, span := s.startSpan(ctx, "pgstore.Create", "INSERT")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, s.recordErr(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	if err := insertIncident(ctx, tx, in); err != nil {
		return nil, false, s.recordErr(span, err)
	}

	for _, fp := range in.Fingerprints() {
		tag, err := tx.Exec(ctx,
			`INSERT INTO open_fingerprints (fingerprint, incident_id) VALUES ($1, $2)
			 ON CONFLICT (fingerprint) DO NOTHING`,
			fp, in.ID,
		)
		if err != nil {
			return nil, false, s.recordErr(span, fmt.Errorf("claim fingerprint: %w", err))
		}
		if tag.RowsAffected() == 0 {
			// lost the race: abandon the insert and return the winner
			_ = tx.Rollback(ctx)
			winner, ok, err := s.FindOpenByFingerprint(ctx, fp)
			if err != nil {
				return nil, false, err
			}
			if !ok {
				// winner closed between our conflict and the lookup;
				// caller retries the whole correlation
				return nil, false, incident.ErrConflict
			}
			return winner, false, nil
		}
	}

	if err := insertEvent(ctx, tx, ev); err != nil {
		return nil, false, s.recordErr(span, err)
	}
	if err := insertAttempts(ctx, tx, attempts); err != nil {
		return nil, false, s.recordErr(span, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, s.recordErr(span, fmt.Errorf("commit: %w", err))
	}
	return in, true, nil
}

// Update persists the incident guarded by its version, plus the event
// and attempts, in one transaction. Returns incident.ErrConflict when a
// concurrent writer got there first.
func (s *Store) Update(ctx context.Context, in *incident.Incident, ev *incident.Event, attempts []*dispatch.Attempt) error {
	ctx, span := s.startSpan(ctx, "pgstore.Update", "UPDATE")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return s.recordErr(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	alertsJSON, notesJSON, err := marshalIncident(in)
	if err != nil {
		return s.recordErr(span, err)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE incidents SET
			status = $2, visibility = $3, assignee = $4, alerts = $5,
			notes = $6, updated_at = $7, resolved_at = $8, version = version + 1
		 WHERE id = $1 AND version = $9`,
		in.ID, string(in.Status), string(in.Visibility), in.Assignee,
		alertsJSON, notesJSON, in.UpdatedAt, nullTime(in.ResolvedAt), in.Version,
	)
	if err != nil {
		return s.recordErr(span, fmt.Errorf("update incident: %w", err))
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM incidents WHERE id = $1)`, in.ID).Scan(&exists); err != nil {
			return s.recordErr(span, fmt.Errorf("check incident: %w", err))
		}
		if !exists {
			return incident.ErrNotFound
		}
		return incident.ErrConflict
	}
	in.Version++

	// maintain the uniqueness table: closing releases every claim,
	// anything else claims newly attached fingerprints
	if in.Status == incident.StatusClosed {
		if _, err := tx.Exec(ctx, `DELETE FROM open_fingerprints WHERE incident_id = $1`, in.ID); err != nil {
			return s.recordErr(span, fmt.Errorf("release fingerprints: %w", err))
		}
	} else {
		for _, fp := range in.Fingerprints() {
			if _, err := tx.Exec(ctx,
				`INSERT INTO open_fingerprints (fingerprint, incident_id) VALUES ($1, $2)
				 ON CONFLICT (fingerprint) DO NOTHING`,
				fp, in.ID,
			); err != nil {
				return s.recordErr(span, fmt.Errorf("claim fingerprint: %w", err))
			}
		}
	}

	if err := insertEvent(ctx, tx, ev); err != nil {
		return s.recordErr(span, err)
	}
	if err := insertAttempts(ctx, tx, attempts); err != nil {
		return s.recordErr(span, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return s.recordErr(span, fmt.Errorf("commit: %w", err))
	}
	return nil
}

// ListEvents returns the transition history, oldest first.
func (s *Store) ListEvents(ctx context.Context, incidentID string) ([]*incident.Event, error) {
	ctx, span := s.startSpan(ctx, "pgstore.ListEvents", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT id, incident_id, kind, actor, occurred_at
		 FROM incident_events WHERE incident_id = $1 ORDER BY occurred_at`,
		incidentID,
	)
	if err != nil {
		return nil, s.recordErr(span, fmt.Errorf("query events: %w", err))
	}
	defer rows.Close()

	var out []*incident.Event
	for rows.Next() {
		var ev incident.Event
		var kind string
		if err := rows.Scan(&ev.ID, &ev.IncidentID, &kind, &ev.Actor, &ev.OccurredAt); err != nil {
			return nil, s.recordErr(span, fmt.Errorf("scan event: %w", err))
		}
		ev.Kind = incident.EventKind(kind)
		out = append(out, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, s.recordErr(span, fmt.Errorf("iterate events: %w", err))
	}
	return out, nil
}

// SeenDelivery reports whether the key was already recorded, without
// recording it. Expiry is handled by PruneDeliveries.
func (s *Store) SeenDelivery(ctx context.Context, key string) (bool, error) {
	ctx, span := s.startSpan(ctx, "pgstore.SeenDelivery", "SELECT")
	defer span.End()

	var seen bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM webhook_deliveries WHERE key = $1)`, key,
	).Scan(&seen)
	if err != nil {
		return false, s.recordErr(span, fmt.Errorf("seen delivery: %w", err))
	}
	return seen, nil
}

// RememberDelivery records a delivery key; seen=true means it was
// already present.
func (s *Store) RememberDelivery(ctx context.Context, key string, now time.Time) (bool, error) {
	ctx, span := s.startSpan(ctx, "pgstore.RememberDelivery", "INSERT")
	defer span.End()

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO webhook_deliveries (key, received_at) VALUES ($1, $2)
		 ON CONFLICT (key) DO NOTHING`,
		key, now,
	)
	if err != nil {
		return false, s.recordErr(span, fmt.Errorf("remember delivery: %w", err))
	}
	return tag.RowsAffected() == 0, nil
}

// PruneDeliveries drops delivery keys received before the cutoff.
func (s *Store) PruneDeliveries(ctx context.Context, cutoff time.Time) (int, error) {
	ctx, span := s.startSpan(ctx, "pgstore.PruneDeliveries", "DELETE")
	defer span.End()

	tag, err := s.pool.Exec(ctx, `DELETE FROM webhook_deliveries WHERE received_at < $1`, cutoff)
	if err != nil {
		return 0, s.recordErr(span, fmt.Errorf("prune deliveries: %w", err))
	}
	return int(tag.RowsAffected()), nil
}

// ClaimDue implements dispatch.Queue: one statement claims due pending
// attempts and expired in-flight ones, so no two workers ever hold the
// same attempt.
func (s *Store) ClaimDue(ctx context.Context, now time.Time, token string, lease time.Duration, limit int) ([]*dispatch.Attempt, error) {
	ctx, span := s.startSpan(ctx, "pgstore.ClaimDue", "UPDATE")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`UPDATE notification_attempts SET
			status = 'in_flight', claim_token = $1, lease_until = $2, updated_at = $3
		 WHERE id IN (
			SELECT id FROM notification_attempts
			WHERE (status = 'pending' AND next_attempt_at <= $3)
			   OR (status = 'in_flight' AND lease_until <= $3)
			ORDER BY next_attempt_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+attemptColumns,
		token, now.Add(lease), now, limit,
	)
	if err != nil {
		return nil, s.recordErr(span, fmt.Errorf("claim due: %w", err))
	}
	defer rows.Close()

	var out []*dispatch.Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, s.recordErr(span, err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, s.recordErr(span, fmt.Errorf("iterate claims: %w", err))
	}
	return out, nil
}

// MarkDelivered terminates a claimed attempt as delivered.
func (s *Store) MarkDelivered(ctx context.Context, id, token string, now time.Time) error {
	return s.completeClaim(ctx, "pgstore.MarkDelivered",
		`UPDATE notification_attempts SET
			status = 'delivered', attempts = attempts + 1, last_error = '', updated_at = $3
		 WHERE id = $1 AND status = 'in_flight' AND claim_token = $2`,
		id, token, now,
	)
}

// Reschedule returns a claimed attempt to pending for a later retry.
func (s *Store) Reschedule(ctx context.Context, id, token string, attempts int, nextAt time.Time, lastErr string, now time.Time) error {
	return s.completeClaim(ctx, "pgstore.Reschedule",
		`UPDATE notification_attempts SET
			status = 'pending', attempts = $4, next_attempt_at = $5,
			last_error = $6, claim_token = '', updated_at = $3
		 WHERE id = $1 AND status = 'in_flight' AND claim_token = $2`,
		id, token, now, attempts, nextAt, lastErr,
	)
}

// MarkFailed terminates a claimed attempt as failed.
func (s *Store) MarkFailed(ctx context.Context, id, token string, attempts int, lastErr string, now time.Time) error {
	return s.completeClaim(ctx, "pgstore.MarkFailed",
		`UPDATE notification_attempts SET
			status = 'failed', attempts = $4, last_error = $5, updated_at = $3
		 WHERE id = $1 AND status = 'in_flight' AND claim_token = $2`,
		id, token, now, attempts, lastErr,
	)
}

// ListAttempts returns attempts for an incident, newest first.
func (s *Store) ListAttempts(ctx context.Context, incidentID string) ([]*dispatch.Attempt, error) {
	ctx, span := s.startSpan(ctx, "pgstore.ListAttempts", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT `+attemptColumns+` FROM notification_attempts
		 WHERE incident_id = $1 ORDER BY created_at DESC`,
		incidentID,
	)
	if err != nil {
		return nil, s.recordErr(span, fmt.Errorf("query attempts: %w", err))
	}
	defer rows.Close()

	var out []*dispatch.Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, s.recordErr(span, err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, s.recordErr(span, fmt.Errorf("iterate attempts: %w", err))
	}
	return out, nil
}

func (s *Store) completeClaim(ctx context.Context, op, query string, id, token string, now time.Time, extra ...any) error {
	ctx, span := s.startSpan(ctx, op, "UPDATE")
	defer span.End()

	args := append([]any{id, token, now}, extra...)
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return s.recordErr(span, fmt.Errorf("%s: %w", op, err))
	}
	if tag.RowsAffected() == 0 {
		// claim lapsed and was taken over, or the id is unknown
		return incident.ErrConflict
	}
	return nil
}

func (s *Store) startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func (s *Store) recordErr(span trace.Span, err error) error {
	if err == nil {
		return nil
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func insertIncident(ctx context.Context, tx pgx.Tx, in *incident.Incident) error {
	alertsJSON, notesJSON, err := marshalIncident(in)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO incidents (id, status, visibility, assignee, alerts, notes, created_at, updated_at, resolved_at, version)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		in.ID, string(in.Status), string(in.Visibility), in.Assignee,
		alertsJSON, notesJSON, in.CreatedAt, in.UpdatedAt, nullTime(in.ResolvedAt), in.Version,
	)
	if err != nil {
		return fmt.Errorf("insert incident: %w", err)
	}
	return nil
}

func insertEvent(ctx context.Context, tx pgx.Tx, ev *incident.Event) error {
	if ev == nil {
		return nil
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO incident_events (id, incident_id, kind, actor, occurred_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		ev.ID, ev.IncidentID, string(ev.Kind), ev.Actor, ev.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func insertAttempts(ctx context.Context, tx pgx.Tx, attempts []*dispatch.Attempt) error {
	for _, a := range attempts {
		msgJSON, err := json.Marshal(a.Message)
		if err != nil {
			return fmt.Errorf("marshal message: %w", err)
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO notification_attempts
				(id, incident_id, channel_id, kind, message, status, attempts,
				 next_attempt_at, last_error, claim_token, lease_until, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			a.ID, a.IncidentID, a.ChannelID, a.Kind, msgJSON, string(a.Status), a.Attempts,
			a.NextAttemptAt, a.LastError, a.ClaimToken, nullTime(a.LeaseUntil), a.CreatedAt, a.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert attempt: %w", err)
		}
	}
	return nil
}

func marshalIncident(in *incident.Incident) (alertsJSON, notesJSON []byte, err error) {
	alertsJSON, err = json.Marshal(in.Alerts)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal alerts: %w", err)
	}
	notes := in.Notes
	if notes == nil {
		notes = []incident.Note{}
	}
	notesJSON, err = json.Marshal(notes)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal notes: %w", err)
	}
	return alertsJSON, notesJSON, nil
}

// scanIncident scans a single row into an Incident.
// Returns (nil, nil) when no row is found.
func scanIncident(row pgx.Row) (*incident.Incident, error) {
	var (
		in         incident.Incident
		status     string
		visibility string
		alertsJSON []byte
		notesJSON  []byte
		resolvedAt *time.Time
	)

	err := row.Scan(&in.ID, &status, &visibility, &in.Assignee, &alertsJSON, &notesJSON,
		&in.CreatedAt, &in.UpdatedAt, &resolvedAt, &in.Version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan incident: %w", err)
	}

	in.Status = incident.Status(status)
	in.Visibility = incident.Visibility(visibility)
	if resolvedAt != nil {
		in.ResolvedAt = *resolvedAt
	}

	if err := json.Unmarshal(alertsJSON, &in.Alerts); err != nil {
		return nil, fmt.Errorf("unmarshal alerts: %w", err)
	}
	if err := json.Unmarshal(notesJSON, &in.Notes); err != nil {
		return nil, fmt.Errorf("unmarshal notes: %w", err)
	}
	return &in, nil
}

func scanAttempt(row pgx.Row) (*dispatch.Attempt, error) {
	var (
		a          dispatch.Attempt
		status     string
		msgJSON    []byte
		leaseUntil *time.Time
	)

	err := row.Scan(&a.ID, &a.IncidentID, &a.ChannelID, &a.Kind, &msgJSON, &status, &a.Attempts,
		&a.NextAttemptAt, &a.LastError, &a.ClaimToken, &leaseUntil, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan attempt: %w", err)
	}

	a.Status = dispatch.AttemptStatus(status)
	if leaseUntil != nil {
		a.LeaseUntil = *leaseUntil
	}
	if err := json.Unmarshal(msgJSON, &a.Message); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}
	return &a, nil
}

func prefixColumns(prefix, cols string) string {
	return prefix + strings.ReplaceAll(cols, ", ", ", "+prefix)
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
