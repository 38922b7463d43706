package controller

import "errors"

var (
	// ErrIterationLimit indicates the step loop hit max iterations.
	ErrIterationLimit = errors.New("iteration limit exceeded")

	// ErrBudgetExceeded indicates the token budget is spent.
	ErrBudgetExceeded = errors.New("budget exceeded")

	// ErrNotWaitingForInput is returned when input arrives in a state that
	// cannot accept it.
	ErrNotWaitingForInput = errors.New("session is not waiting for this input")

	// ErrSessionTerminal is returned for operations on a finished session.
	ErrSessionTerminal = errors.New("session is in a terminal state")
)
