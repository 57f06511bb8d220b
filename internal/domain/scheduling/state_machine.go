package scheduling

import (
	"fmt"
	"strings"
)

// Action is a lifecycle operation on an appointment.
type Action string

const (
	ActionCreate     Action = "create"
	ActionReschedule Action = "reschedule"
	ActionConfirm    Action = "confirm"
	ActionCheckIn    Action = "check_in"
	ActionComplete   Action = "complete"
	ActionCancel     Action = "cancel"
	ActionNoShow     Action = "no_show"
)

// transitions lists every legal edge. Terminal statuses have none.
var transitions = map[Status]map[Action]Status{
	StatusScheduled: {
		ActionConfirm: StatusConfirmed,
		ActionCheckIn: StatusCheckedIn,
		ActionCancel:  StatusCancelled,
		ActionNoShow:  StatusNoShow,
	},
	StatusConfirmed: {
		ActionCheckIn: StatusCheckedIn,
		ActionCancel:  StatusCancelled,
		ActionNoShow:  StatusNoShow,
	},
	StatusCheckedIn: {
		ActionComplete: StatusCompleted,
		ActionCancel:   StatusCancelled,
		ActionNoShow:   StatusNoShow,
	},
}

// NextStatus returns the status reached by applying a to from.
func NextStatus(from Status, a Action) (Status, error) {
	to, ok := transitions[from][a]
	if !ok {
		return from, fmt.Errorf("%w: cannot %s an appointment that is %s", ErrInvalidTransition, a, from)
	}
	return to, nil
}

// canReschedule reports whether the time of an appointment in s may change.
func canReschedule(s Status) bool {
	return s == StatusScheduled || s == StatusConfirmed
}

// ParseAction accepts the transition actions in snake or kebab case.
func ParseAction(s string) (Action, error) {
	a := Action(strings.ReplaceAll(strings.ToLower(s), "-", "_"))
	switch a {
	case ActionConfirm, ActionCheckIn, ActionComplete, ActionCancel, ActionNoShow:
		return a, nil
	}
	return "", fmt.Errorf("%w: unknown action %q", ErrInvalidTransition, s)
}
