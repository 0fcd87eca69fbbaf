package model

import (
	"errors"
	"fmt"
)

// Validation and phase errors returned synchronously to callers. Phase errors
// are caller-correctable ("run setup first"); none of these is retried.
var (
	ErrInvalidConfig     = errors.New("invalid raffle configuration")
	ErrNoActiveRaffle    = errors.New("no active raffle for this chat")
	ErrRaffleClosed      = errors.New("raffle is not accepting entries")
	ErrNotOpen           = errors.New("raffle is not open")
	ErrNotClosed         = errors.New("raffle is not closed")
	ErrNotDrawn          = errors.New("raffle has no pending draw")
	ErrNoEligibleEntries = errors.New("no eligible entries to draw from")
	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrAmbiguousMatch    = errors.New("sender address pending in more than one open raffle")
	ErrPayoutsPending    = errors.New("payouts in flight, raffle cannot be replaced")
	ErrDuplicateTransfer = errors.New("transfer already applied")
)

// StorageError wraps a storage failure. Retryable failures during event
// processing must not advance the dedup cursor.
type StorageError struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// PayoutError wraps a failed payment attempt for one leg.
type PayoutError struct {
	Leg       PayoutLeg
	Retryable bool
	Err       error
}

func (e *PayoutError) Error() string {
	return fmt.Sprintf("payout %s: %v", e.Leg, e.Err)
}

func (e *PayoutError) Unwrap() error { return e.Err }
