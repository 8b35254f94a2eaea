package dispatch

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Visibility scopes an incident can carry. Kept as plain strings here so
// the incident package owns the type without an import cycle.
const (
	ScopePrivate = "private"
	ScopeGroup   = "group"
	ScopeTenant  = "tenant"
)

// Dispatcher decides which channels a transition notifies and builds the
// pending attempts. It holds the configured channel set, read-only.
type Dispatcher struct {
	channels []Channel
}

// NewDispatcher creates a dispatcher over the configured channels.
func NewDispatcher(channels []Channel) *Dispatcher {
	return &Dispatcher{channels: channels}
}

// Channel looks up a configured channel by ID.
func (d *Dispatcher) Channel(id string) (Channel, bool) {
	for _, ch := range d.channels {
		if ch.ID == id {
			return ch, true
		}
	}
	return Channel{}, false
}

// ChannelsFor returns the enabled channels subscribed to the given
// visibility scope. Private visibility restricts the audience to the
// assignee's personal channel; group and tenant broaden to every channel
// subscribed to that scope.
func (d *Dispatcher) ChannelsFor(visibility, assignee string) []Channel {
	var out []Channel
	for _, ch := range d.channels {
		if !ch.Enabled || !ch.SubscribesTo(visibility) {
			continue
		}
		if visibility == ScopePrivate && ch.Audience != assignee {
			continue
		}
		out = append(out, ch)
	}
	return out
}

// BuildAttempts creates one pending attempt per (transition, channel)
// pair for the incident's audience. The caller persists them in the same
// transaction as the transition itself, so a crash between persistence
// and dispatch loses nothing.
func (d *Dispatcher) BuildAttempts(incidentID, kind, visibility, assignee string, msg Message, now time.Time) []*Attempt {
	channels := d.ChannelsFor(visibility, assignee)
	attempts := make([]*Attempt, 0, len(channels))
	for _, ch := range channels {
		attempts = append(attempts, &Attempt{
			ID:            ulid.Make().String(),
			IncidentID:    incidentID,
			ChannelID:     ch.ID,
			Kind:          kind,
			Message:       msg,
			Status:        AttemptPending,
			NextAttemptAt: now,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}
	return attempts
}
