package dispatch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type stubAdapter struct{ kind string }

func (s *stubAdapter) Kind() string { return s.kind }
func (s *stubAdapter) Send(context.Context, Channel, Message) (Outcome, error) {
	return OutcomeDelivered, nil
}

func writeChannels(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "channels.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadChannels_Valid(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	reg.Register(&stubAdapter{kind: "slackhook"})
	reg.Register(&stubAdapter{kind: "pagerduty"})

	path := writeChannels(t, `[
		{"id": "team", "kind": "slackhook", "url": "https://hooks.example/x", "scopes": ["group", "tenant"], "enabled": true},
		{"id": "oncall", "kind": "pagerduty", "routing_key": "rk", "scopes": ["tenant"], "enabled": true}
	]`)

	channels, err := LoadChannels(path, reg)
	if err != nil {
		t.Fatalf("LoadChannels() = %v", err)
	}
	if len(channels) != 2 {
		t.Fatalf("loaded %d channels, want 2", len(channels))
	}
	if !channels[0].SubscribesTo("group") || channels[0].SubscribesTo("private") {
		t.Error("scope subscription parsed wrong")
	}
}

func TestLoadChannels_Errors(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	reg.Register(&stubAdapter{kind: "slackhook"})

	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"bad json", `{not json`, "parse"},
		{"missing id", `[{"kind": "slackhook", "scopes": ["tenant"]}]`, "missing id"},
		{"unknown kind", `[{"id": "x", "kind": "carrier-pigeon", "scopes": ["tenant"]}]`, "unknown kind"},
		{"no scopes", `[{"id": "x", "kind": "slackhook"}]`, "scopes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			path := writeChannels(t, tt.content)
			_, err := LoadChannels(path, reg)
			if err == nil {
				t.Fatal("LoadChannels() = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want substring %q", err, tt.wantErr)
			}
		})
	}

	if _, err := LoadChannels(filepath.Join(t.TempDir(), "absent.json"), reg); err == nil {
		t.Error("LoadChannels(absent file) = nil, want error")
	}
}
