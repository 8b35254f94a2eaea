package incident

import "fmt"

// transitions is the lifecycle table: for each current status, the event
// kinds that may be applied and the status they lead to. Anything absent
// is an invalid transition. Terminal state is closed; the only path
// there is from resolved.
var transitions = map[Status]map[EventKind]Status{
	StatusOpen: {
		EventAcknowledged: StatusAcknowledged,
		EventResolved:     StatusResolved,
	},
	StatusAcknowledged: {
		EventResolved: StatusResolved,
		EventReopened: StatusOpen,
	},
	StatusResolved: {
		EventReopened: StatusOpen,
		EventClosed:   StatusClosed,
	},
	StatusClosed: {},
}

// Next returns the status reached by applying kind to the current
// status, or ErrInvalidTransition.
func Next(current Status, kind EventKind) (Status, error) {
	if to, ok := transitions[current][kind]; ok {
		return to, nil
	}
	return current, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, kind, current)
}

// CanTransition reports whether kind is a legal trigger in the current
// status.
func CanTransition(current Status, kind EventKind) bool {
	_, ok := transitions[current][kind]
	return ok
}
