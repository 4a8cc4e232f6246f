package schema

// State is the lifecycle state shared by workflow runs and their steps.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateWaiting   State = "waiting"
	StateRetrying  State = "retrying"
	StateFailed    State = "failed"
	StateCompleted State = "completed"
)

// ValidTransitions defines the allowed lifecycle transitions for both
// workflow runs and steps. Completed is terminal: only the idempotent
// self-transition is legal.
var ValidTransitions = map[State][]State{
	StatePending:   {StateRunning, StateFailed, StateRetrying},
	StateRunning:   {StateCompleted, StateFailed, StateWaiting, StateRetrying},
	StateWaiting:   {StateRunning, StateFailed},
	StateRetrying:  {StateRunning, StateFailed},
	StateFailed:    {StateRetrying, StateFailed},
	StateCompleted: {StateCompleted},
}

// CanTransition reports whether a transition from one state to another is legal.
func CanTransition(from, to State) bool {
	allowed, ok := ValidTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a state admits no further progress.
// Failed is not terminal for steps under a retry policy (failed -> retrying),
// but a run left in failed with no correction applied stays failed.
func (s State) IsTerminal() bool {
	return s == StateCompleted
}

// Valid reports whether the state is one of the known lifecycle states.
func (s State) Valid() bool {
	_, ok := ValidTransitions[s]
	return ok
}
