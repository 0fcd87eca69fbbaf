// Package repository defines all the repository interfaces used by domain services.
// Following the dependency inversion principle, domain logic depends on these interfaces,
// and infrastructure implementations provide concrete implementations.
package repository

import (
	"context"

	"tronraffle/internal/domain/model"
)

// RaffleStore is the durable system of record for raffles, entries, draw
// results and payout statuses. Implementations must make RecordTransfer
// idempotent on the transfer ID so a replayed event is a no-op at the store
// level even if the dedup set was lost.
type RaffleStore interface {
	// SaveRaffle upserts the raffle row for the instance's chat.
	SaveRaffle(ctx context.Context, inst *model.RaffleInstance) error

	// ListRaffles loads every stored instance with its entries, draw and
	// payouts, used to rebuild in-memory state at startup.
	ListRaffles(ctx context.Context) ([]*model.RaffleInstance, error)

	// SaveEntry upserts one entry keyed by (chat, participant).
	SaveEntry(ctx context.Context, entry *model.Entry) error

	// DeleteEntries removes all entries of a chat's current instance, used
	// when a setup call replaces a non-settled raffle.
	DeleteEntries(ctx context.Context, chatID string) error

	// RecordTransfer appends the credit ledger row for a matched transfer.
	// Returns model.ErrDuplicateTransfer when the transfer ID was already
	// recorded.
	RecordTransfer(ctx context.Context, ev model.TransferEvent, chatID, participantID string) error

	// SaveDrawResult persists the immutable draw outcome.
	SaveDrawResult(ctx context.Context, res *model.DrawResult) error

	// SavePayout upserts one payout leg's status row.
	SavePayout(ctx context.Context, rec *model.PayoutRecord) error
}

// ProcessedTransferSet is the durable deduplication set of transfer IDs the
// matcher has fully processed. Marking must happen only after the credit is
// committed, so a crash in between re-delivers instead of double-crediting.
type ProcessedTransferSet interface {
	// IsProcessed reports whether the transfer ID was already handled.
	IsProcessed(ctx context.Context, txID string) (bool, error)

	// MarkProcessed records the transfer ID. Returns false if it was
	// already present.
	MarkProcessed(ctx context.Context, txID string) (bool, error)
}

// StatusCache keeps hot status snapshots for quick status queries.
// Implementations should prioritize speed over durability.
type StatusCache interface {
	SaveStatus(ctx context.Context, chatID string, report *model.StatusReport) error
	GetStatus(ctx context.Context, chatID string) (*model.StatusReport, error)
}

// EventArchive is an append-only audit log of every observed transfer,
// matched or not. Optional: the engine runs without one.
type EventArchive interface {
	// ArchiveTransfer appends one observed transfer with its match outcome
	// ("credited", "unmatched", "late", "duplicate").
	ArchiveTransfer(ctx context.Context, ev model.TransferEvent, chatID, outcome string) error
}
