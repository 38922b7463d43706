package models

// SessionState is the controller-owned lifecycle state of a session.
type SessionState string

const (
	StateLoading                  SessionState = "loading"
	StateRunning                  SessionState = "running"
	StateAwaitingUserInput        SessionState = "awaiting_user_input"
	StateAwaitingUserConfirmation SessionState = "awaiting_user_confirmation"
	StateUserConfirmed            SessionState = "user_confirmed"
	StateUserRejected             SessionState = "user_rejected"
	StatePaused                   SessionState = "paused"
	StateRateLimited              SessionState = "rate_limited"
	StateFinished                 SessionState = "finished"
	StateError                    SessionState = "error"
	StateStopped                  SessionState = "stopped"
	StateRejected                 SessionState = "rejected"
)

// Terminal reports whether the state has no outgoing transitions.
func (s SessionState) Terminal() bool {
	switch s {
	case StateFinished, StateError, StateStopped, StateRejected:
		return true
	}
	return false
}

// transitions is the legal transition table. ERROR and STOPPED are reachable
// from every non-terminal state and are added in CanTransition rather than
// repeated per row.
var transitions = map[SessionState][]SessionState{
	StateLoading: {StateRunning},
	StateRunning: {
		StateAwaitingUserInput,
		StateAwaitingUserConfirmation,
		StateFinished,
		StateRateLimited,
		StatePaused,
	},
	StateAwaitingUserInput:        {StateRunning},
	StateAwaitingUserConfirmation: {StateUserConfirmed, StateUserRejected},
	StateUserConfirmed:            {StateRunning},
	StateUserRejected:             {StateRunning},
	StatePaused:                   {StateRunning},
	StateRateLimited:              {StateRunning},
}

// CanTransition reports whether moving from one state to another is legal.
func CanTransition(from, to SessionState) bool {
	if from.Terminal() {
		return false
	}
	if to == StateError || to == StateStopped {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// NextStates returns every state reachable from the given state in one step.
func NextStates(from SessionState) []SessionState {
	if from.Terminal() {
		return nil
	}
	next := append([]SessionState{}, transitions[from]...)
	return append(next, StateError, StateStopped)
}
