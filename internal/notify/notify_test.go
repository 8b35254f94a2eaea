package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/linnemanlabs/pager/internal/dispatch"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status int
		want   dispatch.Outcome
	}{
		{200, dispatch.OutcomeDelivered},
		{202, dispatch.OutcomeDelivered},
		{299, dispatch.OutcomeDelivered},
		{400, dispatch.OutcomePermanent},
		{401, dispatch.OutcomePermanent},
		{404, dispatch.OutcomePermanent},
		{408, dispatch.OutcomeRetriable},
		{429, dispatch.OutcomeRetriable},
		{500, dispatch.OutcomeRetriable},
		{502, dispatch.OutcomeRetriable},
		{503, dispatch.OutcomeRetriable},
	}

	for _, tt := range tests {
		if got := Classify(tt.status); got != tt.want {
			t.Errorf("Classify(%d) = %s, want %s", tt.status, got, tt.want)
		}
	}
}

func TestPostJSON_Delivered(t *testing.T) {
	t.Parallel()

	var gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	outcome, err := PostJSON(context.Background(), srv.Client(), srv.URL, map[string]string{"k": "v"})
	if err != nil {
		t.Fatalf("PostJSON() = %v", err)
	}
	if outcome != dispatch.OutcomeDelivered {
		t.Errorf("outcome = %s, want delivered", outcome)
	}
	if gotContentType != "application/json" {
		t.Errorf("content type = %q", gotContentType)
	}
}

func TestPostJSON_ErrorCarriesBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "invalid routing key", http.StatusBadRequest)
	}))
	defer srv.Close()

	outcome, err := PostJSON(context.Background(), srv.Client(), srv.URL, nil)
	if outcome != dispatch.OutcomePermanent {
		t.Errorf("outcome = %s, want permanent", outcome)
	}
	if err == nil || !strings.Contains(err.Error(), "invalid routing key") {
		t.Errorf("error = %v, want the response body included", err)
	}
}

func TestPostJSON_NetworkErrorIsRetriable(t *testing.T) {
	t.Parallel()

	// a server that is already gone
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	outcome, err := PostJSON(context.Background(), &http.Client{}, url, nil)
	if outcome != dispatch.OutcomeRetriable {
		t.Errorf("outcome = %s, want retriable", outcome)
	}
	if err == nil {
		t.Error("expected a transport error")
	}
}
