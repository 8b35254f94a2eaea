// Package notify holds the shared HTTP plumbing for channel adapters:
// posting a JSON payload and classifying the response into a delivery
// outcome.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/linnemanlabs/pager/internal/dispatch"
)

const (
	// DefaultTimeout bounds a single send when the adapter's client has
	// no timeout of its own.
	DefaultTimeout = 10 * time.Second

	maxErrBody = 512
)

// PostJSON marshals the payload, posts it to url, and classifies the
// response. Network errors are retriable; HTTP statuses classify per
// Classify.
func PostJSON(ctx context.Context, client *http.Client, url string, payload any) (dispatch.Outcome, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return dispatch.OutcomePermanent, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return dispatch.OutcomePermanent, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req) //nolint:gosec // G704: destination URLs come from operator config
	if err != nil {
		return dispatch.OutcomeRetriable, fmt.Errorf("post: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	outcome := Classify(resp.StatusCode)
	if outcome == dispatch.OutcomeDelivered {
		return outcome, nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrBody))
	return outcome, fmt.Errorf("endpoint returned %d: %s", resp.StatusCode, string(respBody))
}

// Classify maps an HTTP status to a delivery outcome. 2xx is delivered.
// Client errors are permanent, except 408 and 429 which the endpoint
// can recover from. Everything else is retriable.
func Classify(status int) dispatch.Outcome {
	switch {
	case status >= 200 && status < 300:
		return dispatch.OutcomeDelivered
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return dispatch.OutcomeRetriable
	case status >= 400 && status < 500:
		return dispatch.OutcomePermanent
	default:
		return dispatch.OutcomeRetriable
	}
}

// NewClient returns an HTTP client with the adapter default timeout.
func NewClient() *http.Client {
	return &http.Client{Timeout: DefaultTimeout}
}
