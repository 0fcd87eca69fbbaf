package useCases

import (
	"context"

	"github.com/shopspring/decimal"

	"tronraffle/internal/domain/model"
)

// RaffleService defines the raffle lifecycle operations exposed to the
// command front end. Inputs are validated here, not in the transport layer.
type RaffleService interface {
	Setup(ctx context.Context, chatID string, entryFee decimal.Decimal, hostSplit, durationHours int, hostAddress string) (*model.SetupResult, error)
	Register(ctx context.Context, chatID, participantID, sourceAddress string) (*model.Entry, error)
	Status(ctx context.Context, chatID string) (*model.StatusReport, error)
	Close(ctx context.Context, chatID string) error

	// ApplyTransfer matches an observed transfer to a pending entry across
	// all open raffles and credits it. Used by the payment matcher, not by
	// the front end.
	ApplyTransfer(ctx context.Context, ev model.TransferEvent) (*model.CreditResult, error)
}

// DrawService selects a winner and computes the payout split for a closed raffle.
type DrawService interface {
	Draw(ctx context.Context, chatID string) (*model.DrawResult, error)
}

// PayoutService dispatches the three payment legs of a drawn raffle.
type PayoutService interface {
	Dispatch(ctx context.Context, chatID string) ([]*model.PayoutRecord, error)
}

// ChainClient is the external wallet/chain collaborator.
type ChainClient interface {
	// OperatorAddress returns the pool address entry fees are sent to.
	OperatorAddress() string

	// PollTransfers returns confirmed transfers observed since the cursor,
	// plus the cursor to resume from.
	PollTransfers(ctx context.Context, cursor int64) ([]model.TransferEvent, int64, error)

	// SendPayment submits a payment and returns the transaction ID.
	SendPayment(ctx context.Context, toAddress string, amount decimal.Decimal) (string, error)
}

// EntropySource produces one uniformly distributed value per draw. The
// reduction to a winner index happens in the draw engine, so selection stays
// testable with injected values.
type EntropySource interface {
	RandomValue(ctx context.Context) (uint64, error)
}

// Notifier pushes user-facing updates to the chat front end. Failures are
// non-fatal and never roll back the triggering operation.
type Notifier interface {
	NotifyCredit(res *model.CreditResult)
	NotifyWinner(res *model.DrawResult)
	NotifyPayout(rec *model.PayoutRecord)
	NotifyAlert(chatID, message string)
}
