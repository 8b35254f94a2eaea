package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/pager/internal/dispatch"
)

func TestSend_PostsMessageWithRenderedBody(t *testing.T) {
	t.Parallel()

	var payload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	adapter := New(srv.Client())
	if adapter.Kind() != "webhook" {
		t.Errorf("Kind() = %q", adapter.Kind())
	}
	ch := dispatch.Channel{ID: "ops-hook", Kind: "webhook", URL: srv.URL}
	msg := dispatch.Message{
		Action:     "resolved",
		IncidentID: "inc1",
		AlertName:  "DiskFull",
		Severity:   "critical",
		Summary:    "disk is full",
		StartsAt:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	outcome, err := adapter.Send(context.Background(), ch, msg)
	if err != nil {
		t.Fatalf("Send() = %v", err)
	}
	if outcome != dispatch.OutcomeDelivered {
		t.Fatalf("outcome = %s, want delivered", outcome)
	}

	// raw message fields pass through untouched
	if payload["action"] != "resolved" || payload["incident_id"] != "inc1" {
		t.Errorf("payload = %v", payload)
	}
	// plus the rendered forms for receivers that just relay text
	if payload["title"] != msg.Title() {
		t.Errorf("title = %v, want %q", payload["title"], msg.Title())
	}
	body, _ := payload["body"].(string)
	if !strings.Contains(body, "DiskFull") {
		t.Errorf("body = %q", body)
	}
}

func TestSend_EndpointRejection(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "no such hook", http.StatusGone)
	}))
	defer srv.Close()

	adapter := New(srv.Client())
	ch := dispatch.Channel{ID: "ops-hook", Kind: "webhook", URL: srv.URL}

	outcome, err := adapter.Send(context.Background(), ch, dispatch.Message{Action: "created"})
	if outcome != dispatch.OutcomePermanent {
		t.Errorf("outcome = %s, want permanent for 410", outcome)
	}
	if err == nil {
		t.Error("rejected send returned nil error")
	}
}
