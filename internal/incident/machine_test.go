package incident

import (
	"errors"
	"testing"
)

func TestNext_AllowedTransitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from Status
		kind EventKind
		want Status
	}{
		{StatusOpen, EventAcknowledged, StatusAcknowledged},
		{StatusOpen, EventResolved, StatusResolved},
		{StatusAcknowledged, EventResolved, StatusResolved},
		{StatusAcknowledged, EventReopened, StatusOpen},
		{StatusResolved, EventReopened, StatusOpen},
		{StatusResolved, EventClosed, StatusClosed},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"_"+string(tt.kind), func(t *testing.T) {
			t.Parallel()

			got, err := Next(tt.from, tt.kind)
			if err != nil {
				t.Fatalf("Next(%s, %s) = %v, want nil", tt.from, tt.kind, err)
			}
			if got != tt.want {
				t.Errorf("Next(%s, %s) = %s, want %s", tt.from, tt.kind, got, tt.want)
			}
		})
	}
}

func TestNext_RejectedTransitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from Status
		kind EventKind
	}{
		{StatusOpen, EventReopened},
		{StatusOpen, EventClosed},
		{StatusAcknowledged, EventAcknowledged},
		{StatusAcknowledged, EventClosed},
		{StatusResolved, EventAcknowledged},
		{StatusResolved, EventResolved},
		{StatusClosed, EventAcknowledged},
		{StatusClosed, EventResolved},
		{StatusClosed, EventReopened},
		{StatusClosed, EventClosed},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"_"+string(tt.kind), func(t *testing.T) {
			t.Parallel()

			got, err := Next(tt.from, tt.kind)
			if !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("Next(%s, %s) err = %v, want ErrInvalidTransition", tt.from, tt.kind, err)
			}
			if got != tt.from {
				t.Errorf("Next(%s, %s) moved status to %s on error", tt.from, tt.kind, got)
			}
			if CanTransition(tt.from, tt.kind) {
				t.Errorf("CanTransition(%s, %s) = true, want false", tt.from, tt.kind)
			}
		})
	}
}

func TestClosedIsTerminal(t *testing.T) {
	t.Parallel()

	for _, kind := range []EventKind{EventCreated, EventAcknowledged, EventResolved, EventReopened, EventClosed, EventNoteAdded, EventVisibilityChanged, EventRefired} {
		if CanTransition(StatusClosed, kind) {
			t.Errorf("closed accepts %s; closed must be terminal", kind)
		}
	}
}
