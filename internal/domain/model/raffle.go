package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Phase is the lifecycle phase of a raffle instance.
type Phase string

const (
	PhaseOpen      Phase = "OPEN"
	PhaseClosed    Phase = "CLOSED"
	PhaseDrawn     Phase = "DRAWN"
	PhaseSettled   Phase = "SETTLED"
	PhaseCancelled Phase = "CANCELLED" // closed with no eligible entries, terminal
)

// AdminSplitPct is the fixed platform share of every pool. The winner share is
// 90 - hostSplit, so hostSplit must stay below 90.
const AdminSplitPct = 10

// RaffleConfig holds the declared parameters of one raffle instance.
// Immutable once the instance has left the OPEN phase.
type RaffleConfig struct {
	ChatID      string
	EntryFee    decimal.Decimal
	HostSplit   int // percent, [0, 90)
	Duration    int // hours
	HostAddress string
	StartTime   int64 // UTC epoch seconds
}

// WinnerSplit returns the winner percentage implied by the host split.
func (c RaffleConfig) WinnerSplit() int {
	return 100 - AdminSplitPct - c.HostSplit
}

// EndTime returns the epoch second at which the raffle duration elapses.
func (c RaffleConfig) EndTime() int64 {
	return c.StartTime + int64(c.Duration)*3600
}

// Entry is one participant's registration plus its running confirmed contribution.
// Amount only grows while the raffle is OPEN; the ledger is its sole mutator.
type Entry struct {
	ChatID        string
	ParticipantID string
	SourceAddress string
	Amount        decimal.Decimal
	Seq           int // registration order, drives deterministic tie-breaks
	RegisteredAt  time.Time
}

// Confirmed reports whether the entry has paid at least the entry fee.
func (e *Entry) Confirmed(fee decimal.Decimal) bool {
	return e.Amount.GreaterThanOrEqual(fee)
}

// RaffleInstance composes one config with its phase and entries. Exactly one
// instance is addressable per chat at a time.
type RaffleInstance struct {
	InstanceID string
	Config     RaffleConfig
	Phase      Phase
	Entries    []*Entry
	NextSeq    int

	Draw    *DrawResult
	Payouts []*PayoutRecord
}

// EntryFor returns the entry registered by the given participant, or nil.
func (r *RaffleInstance) EntryFor(participantID string) *Entry {
	for _, e := range r.Entries {
		if e.ParticipantID == participantID {
			return e
		}
	}
	return nil
}

// GrossPool is the sum of every credited amount, confirmed or not. Status
// reports use it, matching what the original bot showed in chat.
func (r *RaffleInstance) GrossPool() decimal.Decimal {
	total := decimal.Zero
	for _, e := range r.Entries {
		total = total.Add(e.Amount)
	}
	return total
}

// ConfirmedPool is the sum of amounts credited to confirmed entries. The draw
// splits this pool.
func (r *RaffleInstance) ConfirmedPool() decimal.Decimal {
	total := decimal.Zero
	for _, e := range r.Entries {
		if e.Confirmed(r.Config.EntryFee) {
			total = total.Add(e.Amount)
		}
	}
	return total
}

// EligibleEntries returns confirmed entries in registration order. The stable
// order makes a draw reproducible given the same entropy.
func (r *RaffleInstance) EligibleEntries() []*Entry {
	eligible := make([]*Entry, 0, len(r.Entries))
	for _, e := range r.Entries {
		if e.Confirmed(r.Config.EntryFee) {
			eligible = append(eligible, e)
		}
	}
	return eligible
}

// TransferEvent is an on-chain transfer observed by the chain client.
// TxID is unique per transaction and is the deduplication key.
type TransferEvent struct {
	TxID      string
	From      string
	To        string
	Amount    decimal.Decimal
	BlockTime int64 // epoch milliseconds
}

// DrawResult records the outcome of one draw. Created once at draw time,
// immutable thereafter.
type DrawResult struct {
	DrawID        string
	ChatID        string
	InstanceID    string
	WinnerID      string
	WinnerAddress string
	Pool          decimal.Decimal
	WinnerAmount  decimal.Decimal
	HostAmount    decimal.Decimal
	AdminAmount   decimal.Decimal
	EligibleCount int
	Entropy       uint64 // raw beacon value, kept for audit
	DrawnAt       time.Time
}

// PayoutLeg identifies one of the three payment legs of a settled raffle.
type PayoutLeg string

const (
	LegWinner PayoutLeg = "WINNER"
	LegHost   PayoutLeg = "HOST"
	LegAdmin  PayoutLeg = "ADMIN"
)

// PayoutStatus is the dispatch state of a single payout leg.
type PayoutStatus string

const (
	PayoutPending   PayoutStatus = "PENDING"
	PayoutConfirmed PayoutStatus = "CONFIRMED"
	PayoutFailed    PayoutStatus = "FAILED"
)

// PayoutRecord tracks one payment leg of a drawn raffle.
type PayoutRecord struct {
	PayoutID  string
	DrawID    string
	ChatID    string
	Leg       PayoutLeg
	ToAddress string
	Amount    decimal.Decimal
	Status    PayoutStatus
	Attempts  int
	TxID      string
	LastError string
	UpdatedAt time.Time
}

// StatusReport is the answer to a status query. Exists is false when no raffle
// has been set up for the chat; the zero report is not an error.
type StatusReport struct {
	Exists        bool
	Config        RaffleConfig
	Phase         Phase
	Participants  int
	Confirmed     int
	Pool          decimal.Decimal
	TimeRemaining time.Duration
}

// SetupResult reports a setup outcome. Replaced is true when a prior
// non-settled instance was discarded; callers must surface the warning.
type SetupResult struct {
	Instance         *RaffleInstance
	Replaced         bool
	DiscardedEntries int
}

// CreditResult reports what a transfer event did to the ledger.
type CreditResult struct {
	Matched        bool
	AlreadyApplied bool // transfer ledger row existed, replayed event
	Late           bool // matched a raffle that is no longer OPEN
	Ambiguous      bool // sender pending in several OPEN raffles, tie-break applied
	ChatID         string
	ParticipantID  string
	Credited       decimal.Decimal
	NewTotal       decimal.Decimal
	Confirmed      bool // entry crossed the fee threshold with this credit
}
