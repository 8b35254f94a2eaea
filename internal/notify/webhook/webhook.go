// Package webhook sends incident notifications to arbitrary HTTP
// endpoints as plain JSON.
package webhook

import (
	"context"
	"net/http"

	"github.com/linnemanlabs/pager/internal/dispatch"
	"github.com/linnemanlabs/pager/internal/notify"
)

// Adapter posts the message verbatim plus a rendered text body, so
// generic receivers can use either form.
type Adapter struct {
	client *http.Client
}

// New creates a generic webhook adapter. A nil client gets the package
// default.
func New(client *http.Client) *Adapter {
	if client == nil {
		client = notify.NewClient()
	}
	return &Adapter{client: client}
}

// Kind returns the channel kind this adapter serves.
func (a *Adapter) Kind() string { return "webhook" }

// Send posts the message to the channel URL.
func (a *Adapter) Send(ctx context.Context, ch dispatch.Channel, msg dispatch.Message) (dispatch.Outcome, error) {
	payload := struct {
		dispatch.Message
		Title string `json:"title"`
		Body  string `json:"body"`
	}{
		Message: msg,
		Title:   msg.Title(),
		Body:    msg.Body(),
	}
	return notify.PostJSON(ctx, a.client, ch.URL, payload)
}
