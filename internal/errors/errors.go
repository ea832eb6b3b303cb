package errors

import (
	"errors"
	"fmt"
)

// Error taxonomy. Every error returned by the client wraps one of these so
// callers can branch with errors.Is.
var (
	ErrAuthFailure    = errors.New("authentication failed")
	ErrNetworkFailure = errors.New("network request failed")
	ErrConnectionLost = errors.New("live connection lost")
	ErrProtocol       = errors.New("malformed payload")
	ErrPrecondition   = errors.New("precondition failed")
)

// Precondition failures. Each one also matches ErrPrecondition.
var (
	ErrNoSession      = fmt.Errorf("no active session: %w", ErrPrecondition)
	ErrNoPeer         = fmt.Errorf("no peer selected: %w", ErrPrecondition)
	ErrNoConversation = fmt.Errorf("conversation not loaded: %w", ErrPrecondition)
	ErrNotConnected   = fmt.Errorf("live connection not open: %w", ErrPrecondition)
)
