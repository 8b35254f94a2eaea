package alert

import (
	"strings"
	"testing"
	"time"
)

func firingAlert(name string) Alert {
	return Alert{
		Status:      StatusFiring,
		Labels:      map[string]string{"alertname": name, "severity": "critical"},
		Annotations: map[string]string{"summary": "it broke"},
		StartsAt:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

// Normalize

func TestNormalize_Valid(t *testing.T) {
	t.Parallel()

	al := firingAlert("DiskFull")
	if err := al.Normalize(); err != nil {
		t.Fatalf("Normalize() = %v, want nil", err)
	}
	if al.Fingerprint == "" {
		t.Fatal("Normalize() left fingerprint empty")
	}
}

func TestNormalize_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Alert)
		wantErr string
	}{
		{"missing status", func(a *Alert) { a.Status = "" }, "missing status"},
		{"unknown status", func(a *Alert) { a.Status = "flapping" }, "unknown status"},
		{"missing alertname", func(a *Alert) { delete(a.Labels, "alertname") }, "alertname"},
		{"blank alertname", func(a *Alert) { a.Labels["alertname"] = "   " }, "alertname"},
		{"missing startsAt", func(a *Alert) { a.StartsAt = time.Time{} }, "startsAt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			al := firingAlert("DiskFull")
			tt.mutate(&al)
			err := al.Normalize()
			if err == nil {
				t.Fatal("Normalize() = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Normalize() = %q, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestNormalize_TrimsLabelsAndAnnotations(t *testing.T) {
	t.Parallel()

	al := Alert{
		Status:      StatusFiring,
		Labels:      map[string]string{" alertname ": " DiskFull ", "  ": "dropped"},
		Annotations: map[string]string{"summary": "  padded  "},
		StartsAt:    time.Now(),
	}
	if err := al.Normalize(); err != nil {
		t.Fatalf("Normalize() = %v, want nil", err)
	}
	if got := al.Labels["alertname"]; got != "DiskFull" {
		t.Errorf("alertname = %q, want %q", got, "DiskFull")
	}
	if _, ok := al.Labels[""]; ok {
		t.Error("blank label key survived normalization")
	}
	if got := al.Annotations["summary"]; got != "padded" {
		t.Errorf("summary = %q, want %q", got, "padded")
	}
}

func TestNormalize_KeepsSuppliedFingerprint(t *testing.T) {
	t.Parallel()

	al := firingAlert("DiskFull")
	al.Fingerprint = "deadbeef"
	if err := al.Normalize(); err != nil {
		t.Fatalf("Normalize() = %v, want nil", err)
	}
	if al.Fingerprint != "deadbeef" {
		t.Errorf("fingerprint = %q, want the sender-supplied value", al.Fingerprint)
	}
}

// Fingerprint

func TestFingerprint_DependsOnlyOnLabels(t *testing.T) {
	t.Parallel()

	a := firingAlert("DiskFull")
	b := firingAlert("DiskFull")
	b.Annotations = map[string]string{"summary": "a different summary"}
	b.StartsAt = a.StartsAt.Add(time.Hour)

	if err := a.Normalize(); err != nil {
		t.Fatal(err)
	}
	if err := b.Normalize(); err != nil {
		t.Fatal(err)
	}
	if a.Fingerprint != b.Fingerprint {
		t.Errorf("same labels gave different fingerprints: %q vs %q", a.Fingerprint, b.Fingerprint)
	}

	c := firingAlert("DiskFull")
	c.Labels["instance"] = "db-1"
	if err := c.Normalize(); err != nil {
		t.Fatal(err)
	}
	if c.Fingerprint == a.Fingerprint {
		t.Error("different label sets gave the same fingerprint")
	}
}

// DeliveryKey

func TestDeliveryKey_OrderIndependent(t *testing.T) {
	t.Parallel()

	a := firingAlert("A")
	b := firingAlert("B")
	for _, al := range []*Alert{&a, &b} {
		if err := al.Normalize(); err != nil {
			t.Fatal(err)
		}
	}

	wh1 := Webhook{GroupKey: "gk", Alerts: []Alert{a, b}}
	wh2 := Webhook{GroupKey: "gk", Alerts: []Alert{b, a}}
	if wh1.DeliveryKey() != wh2.DeliveryKey() {
		t.Error("alert ordering changed the delivery key")
	}
}

func TestDeliveryKey_SensitiveToContent(t *testing.T) {
	t.Parallel()

	a := firingAlert("A")
	if err := a.Normalize(); err != nil {
		t.Fatal(err)
	}

	base := Webhook{GroupKey: "gk", Alerts: []Alert{a}}

	resolved := a
	resolved.Status = StatusResolved
	changed := Webhook{GroupKey: "gk", Alerts: []Alert{resolved}}
	if base.DeliveryKey() == changed.DeliveryKey() {
		t.Error("status change did not change the delivery key")
	}

	otherGroup := Webhook{GroupKey: "gk2", Alerts: []Alert{a}}
	if base.DeliveryKey() == otherGroup.DeliveryKey() {
		t.Error("group key change did not change the delivery key")
	}
}
