// Package alert models inbound alert observations from the upstream
// alert router and normalizes them into a canonical form.
package alert

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/common/model"
)

// Alert statuses as reported by the upstream router.
const (
	StatusFiring   = "firing"
	StatusResolved = "resolved"
)

// Webhook is the batch payload delivered by the upstream alert router.
type Webhook struct {
	GroupKey string  `json:"groupKey"`
	Receiver string  `json:"receiver"`
	Status   string  `json:"status"`
	Alerts   []Alert `json:"alerts"`
}

// Alert is one observation of a firing or resolved condition. It is
// immutable once normalized; the fingerprint identifies the underlying
// condition across time.
type Alert struct {
	Status       string            `json:"status"`
	Labels       map[string]string `json:"labels"`
	Annotations  map[string]string `json:"annotations"`
	StartsAt     time.Time         `json:"startsAt"`
	EndsAt       time.Time         `json:"endsAt,omitempty"`
	GeneratorURL string            `json:"generatorURL,omitempty"`
	Fingerprint  string            `json:"fingerprint,omitempty"`
}

// Name returns the alertname label.
func (a *Alert) Name() string {
	return a.Labels["alertname"]
}

// Resolved reports whether the observation carries resolved status.
func (a *Alert) Resolved() bool {
	return a.Status == StatusResolved
}

// Normalize validates an observation in place: trims label and annotation
// keys/values, checks the status and mandatory identifying labels, and
// computes the fingerprint from the label set when the sender did not
// supply one. The computed digest matches the upstream router's own
// fingerprinting, so both paths agree on identity.
func (a *Alert) Normalize() error {
	a.Labels = cleanSet(a.Labels)
	a.Annotations = cleanSet(a.Annotations)

	switch a.Status {
	case StatusFiring, StatusResolved:
	case "":
		return errors.New("missing status")
	default:
		return fmt.Errorf("unknown status %q", a.Status)
	}

	if a.Labels["alertname"] == "" {
		return errors.New("missing mandatory label alertname")
	}
	if a.StartsAt.IsZero() {
		return errors.New("missing startsAt")
	}

	if a.Fingerprint == "" {
		a.Fingerprint = fingerprint(a.Labels)
	}
	return nil
}

// DeliveryKey derives the idempotency key for a webhook delivery: the
// group key plus a digest over the observation set, so a replayed
// delivery hashes identically regardless of alert ordering.
func (w *Webhook) DeliveryKey() string {
	parts := make([]string, 0, len(w.Alerts))
	for i := range w.Alerts {
		al := &w.Alerts[i]
		parts = append(parts, al.Fingerprint+"|"+al.Status+"|"+al.StartsAt.UTC().Format(time.RFC3339Nano))
	}
	sort.Strings(parts)

	h := sha256.New()
	h.Write([]byte(w.GroupKey))
	for _, p := range parts {
		h.Write([]byte{0})
		h.Write([]byte(p))
	}
	return w.GroupKey + ":" + hex.EncodeToString(h.Sum(nil))[:16]
}

func cleanSet(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		out[k] = strings.TrimSpace(v)
	}
	return out
}

func fingerprint(labels map[string]string) string {
	ls := make(model.LabelSet, len(labels))
	for k, v := range labels {
		ls[model.LabelName(k)] = model.LabelValue(v)
	}
	return ls.Fingerprint().String()
}
