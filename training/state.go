package training

import "fmt"

// State is the lifecycle position of a Trainer.
type State int

const (
	Initialized State = iota
	Training
	Converged
	EarlyStopped
	Evaluated
	Aborted
)

var stateNames = map[State]string{
	Initialized:  "initialized",
	Training:     "training",
	Converged:    "converged",
	EarlyStopped: "early_stopped",
	Evaluated:    "evaluated",
	Aborted:      "aborted",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// IsTerminal reports whether no further transition is possible.
func IsTerminal(s State) bool {
	return s == Evaluated || s == Aborted
}

// transition moves *cur from `from` to `to`, failing on an unexpected
// current state or a disallowed edge.
func transition(cur *State, from, to State) error {
	if *cur != from {
		return fmt.Errorf("invalid trainer transition: expected %s, got %s", from, *cur)
	}
	if !isAllowedTransition(from, to) {
		return fmt.Errorf("disallowed trainer transition: %s -> %s", from, to)
	}
	*cur = to
	return nil
}

func isAllowedTransition(from, to State) bool {
	switch from {
	case Initialized:
		return to == Training
	case Training:
		return to == Converged || to == EarlyStopped || to == Aborted
	case Converged, EarlyStopped:
		return to == Evaluated
	default:
		return false
	}
}
