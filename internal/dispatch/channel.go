// Package dispatch fans incident transitions out to notification
// channels and guarantees at-least-once delivery with bounded retries.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strings"
)

// Channel describes one configured delivery target. Channels are owned
// by configuration and read-only at dispatch time.
type Channel struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
	Name string `json:"name"`

	// URL is the delivery endpoint for webhook-style kinds.
	URL string `json:"url,omitempty"`

	// RoutingKey is the integration key for paging kinds.
	RoutingKey string `json:"routing_key,omitempty"`

	// Audience names the person a personal channel belongs to. Incidents
	// with private visibility only notify the assignee's personal channel.
	Audience string `json:"audience,omitempty"`

	// Scopes lists the visibility scopes the channel subscribes to.
	Scopes []string `json:"scopes"`

	Enabled bool `json:"enabled"`
}

// SubscribesTo reports whether the channel receives notifications for
// the given visibility scope.
func (c *Channel) SubscribesTo(scope string) bool {
	return slices.Contains(c.Scopes, scope)
}

// Outcome classifies the result of one send through a channel adapter.
type Outcome int

const (
	// OutcomeDelivered means the channel accepted the message.
	OutcomeDelivered Outcome = iota

	// OutcomeRetriable means a transient failure worth retrying.
	OutcomeRetriable

	// OutcomePermanent means the send can never succeed (e.g. an invalid
	// destination) and must not be retried.
	OutcomePermanent
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeRetriable:
		return "retriable"
	case OutcomePermanent:
		return "permanent"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Adapter is the send boundary for one channel kind. The core never
// branches on kind; it looks the adapter up in the Registry and calls
// Send. The returned error carries detail for the attempt record.
type Adapter interface {
	Kind() string
	Send(ctx context.Context, ch Channel, msg Message) (Outcome, error)
}

// Registry holds the available channel adapters keyed by kind.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter, keyed by its Kind.
func (r *Registry) Register(a Adapter) {
	r.adapters[a.Kind()] = a
}

// Get retrieves an adapter by channel kind.
func (r *Registry) Get(kind string) (Adapter, bool) {
	a, ok := r.adapters[kind]
	return a, ok
}

// LoadChannels reads channel configuration from a JSON file and
// validates each entry against the registered adapter kinds.
func LoadChannels(path string, reg *Registry) ([]Channel, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read channels file: %w", err)
	}

	var channels []Channel
	if err := json.Unmarshal(raw, &channels); err != nil {
		return nil, fmt.Errorf("parse channels file: %w", err)
	}

	for i := range channels {
		ch := &channels[i]
		if strings.TrimSpace(ch.ID) == "" {
			return nil, fmt.Errorf("channel %d: missing id", i)
		}
		if _, ok := reg.Get(ch.Kind); !ok {
			return nil, fmt.Errorf("channel %q: unknown kind %q", ch.ID, ch.Kind)
		}
		if len(ch.Scopes) == 0 {
			return nil, fmt.Errorf("channel %q: no visibility scopes", ch.ID)
		}
	}
	return channels, nil
}
