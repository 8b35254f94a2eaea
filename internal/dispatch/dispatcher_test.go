package dispatch

import (
	"testing"
	"time"
)

func routingChannels() []Channel {
	return []Channel{
		{ID: "team-slack", Kind: "slackhook", Scopes: []string{"group", "tenant"}, Enabled: true},
		{ID: "oncall-pd", Kind: "pagerduty", Scopes: []string{"tenant"}, Enabled: true},
		{ID: "alice-dm", Kind: "slackhook", Audience: "alice", Scopes: []string{"private"}, Enabled: true},
		{ID: "bob-dm", Kind: "slackhook", Audience: "bob", Scopes: []string{"private"}, Enabled: true},
		{ID: "muted", Kind: "webhook", Scopes: []string{"tenant"}, Enabled: false},
	}
}

func TestChannelsFor(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(routingChannels())

	tests := []struct {
		name       string
		visibility string
		assignee   string
		wantIDs    []string
	}{
		{"tenant broadcasts to subscribed enabled channels", ScopeTenant, "", []string{"team-slack", "oncall-pd"}},
		{"group hits group subscribers only", ScopeGroup, "", []string{"team-slack"}},
		{"private targets the assignee's channel", ScopePrivate, "alice", []string{"alice-dm"}},
		{"private with other assignee", ScopePrivate, "bob", []string{"bob-dm"}},
		{"private without assignee hits nothing", ScopePrivate, "", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := d.ChannelsFor(tt.visibility, tt.assignee)
			if len(got) != len(tt.wantIDs) {
				t.Fatalf("got %d channels, want %d", len(got), len(tt.wantIDs))
			}
			for i, ch := range got {
				if ch.ID != tt.wantIDs[i] {
					t.Errorf("channel[%d] = %s, want %s", i, ch.ID, tt.wantIDs[i])
				}
			}
		})
	}
}

func TestBuildAttempts(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(routingChannels())
	now := time.Now().UTC()
	msg := Message{Action: "created", IncidentID: "inc1", AlertName: "DiskFull"}

	attempts := d.BuildAttempts("inc1", "created", ScopeTenant, "", msg, now)
	if len(attempts) != 2 {
		t.Fatalf("got %d attempts, want 2", len(attempts))
	}

	ids := map[string]bool{}
	for _, a := range attempts {
		if a.IncidentID != "inc1" || a.Kind != "created" {
			t.Errorf("attempt %+v carries wrong incident or kind", a)
		}
		if a.Status != AttemptPending {
			t.Errorf("attempt status = %s, want pending", a.Status)
		}
		if !a.NextAttemptAt.Equal(now) {
			t.Errorf("attempt due at %v, want immediately", a.NextAttemptAt)
		}
		if ids[a.ID] {
			t.Error("duplicate attempt ID")
		}
		ids[a.ID] = true
	}
}

func TestChannelLookup(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(routingChannels())
	if ch, ok := d.Channel("oncall-pd"); !ok || ch.Kind != "pagerduty" {
		t.Errorf("Channel(oncall-pd) = %+v, %v", ch, ok)
	}
	if _, ok := d.Channel("gone"); ok {
		t.Error("Channel(gone) = ok")
	}
}
