package services

import (
	"errors"
	"fmt"
	"strings"

	"MarketEscrow/internal/fees"
)

var (
	ErrUnauthorized          = errors.New("actor is not allowed to perform this action")
	ErrRevisionLimitExceeded = errors.New("revision limit exceeded")
	ErrOfferExpired          = errors.New("offer has expired")
	ErrEmptyDelivery         = errors.New("delivery requires a non-empty message")
	ErrInvalidTransition     = errors.New("invalid transition")
	// ErrConflict means the row changed underneath a transition; the caller
	// should reload and decide again.
	ErrConflict = errors.New("entity was modified concurrently")

	ErrInvalidAmount = fees.ErrInvalidAmount
)

// TransitionError is a rejected transition. It carries the entity's current
// state, the attempted event, and the events legal from that state, so the
// caller can retry, surface the conflict, or escalate.
type TransitionError struct {
	Entity  string
	ID      string
	Current string
	Event   string
	Legal   []string
}

func (e *TransitionError) Error() string {
	if len(e.Legal) == 0 {
		return fmt.Sprintf("%s %s: cannot apply %q in state %q; state is terminal", e.Entity, e.ID, e.Event, e.Current)
	}
	return fmt.Sprintf("%s %s: cannot apply %q in state %q; legal events: %s", e.Entity, e.ID, e.Event, e.Current, strings.Join(e.Legal, ", "))
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
