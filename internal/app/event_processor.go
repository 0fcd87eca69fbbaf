package app

import (
	"context"
	"errors"
	"log/slog"

	"tronraffle/internal/app/dto"
	"tronraffle/internal/domain/model"
	"tronraffle/internal/domain/repository"
	"tronraffle/internal/domain/useCases"
)

// ErrContextCancelled is returned when the context is cancelled during processing
var ErrContextCancelled = errors.New("context cancelled during processing")

// EventProcessor is the payment matcher: it consumes transfer events from a
// channel, deduplicates them durably, matches each to a pending entry and
// applies the credit. The processed marker is written only after the credit
// commits, so a crash in between re-delivers the event instead of losing it;
// the store-level transfer ledger keeps the replay from double-crediting.
type EventProcessor struct {
	TransferCh   chan *dto.TransferDTO
	Ledger       useCases.RaffleService
	Processed    repository.ProcessedTransferSet
	Archive      repository.EventArchive // optional
	Notifier     useCases.Notifier       // optional
	OperatorAddr string
	Log          *slog.Logger
}

func NewEventProcessor(transferCh chan *dto.TransferDTO, ledger useCases.RaffleService, processed repository.ProcessedTransferSet, operatorAddr string, log *slog.Logger) *EventProcessor {
	if log == nil {
		log = slog.Default()
	}
	return &EventProcessor{
		TransferCh:   transferCh,
		Ledger:       ledger,
		Processed:    processed,
		OperatorAddr: operatorAddr,
		Log:          log,
	}
}

func (p *EventProcessor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case transfer := <-p.TransferCh:
			if err := p.ProcessTransfer(ctx, transfer); err != nil {
				if errors.Is(err, ErrContextCancelled) {
					p.Log.Info("context cancelled, stopping event processor")
					return ctx.Err()
				}
				// Retryable failures surface again on the next poll window;
				// processing continues with the next event.
				p.Log.Error("error processing transfer", "err", err)
			}
		}
	}
}

// ProcessTransfer handles a single transfer event. A returned error means the
// event was not marked processed and will be retried on redelivery.
func (p *EventProcessor) ProcessTransfer(ctx context.Context, transfer *dto.TransferDTO) error {
	if ctx.Err() != nil {
		return ErrContextCancelled
	}
	if transfer == nil {
		return nil
	}
	ev := transfer.ToModel()
	if ev.To != p.OperatorAddr {
		return nil
	}

	seen, err := p.Processed.IsProcessed(ctx, ev.TxID)
	if err != nil {
		return &model.StorageError{Op: "dedup check", Retryable: true, Err: err}
	}
	if seen {
		return nil
	}

	res, err := p.Ledger.ApplyTransfer(ctx, ev)
	if err != nil {
		if errors.Is(err, model.ErrInvalidAmount) {
			// Malformed event; mark it so it does not loop forever.
			p.Log.Warn("dropping transfer with non-positive amount", "tx", ev.TxID)
			_, _ = p.Processed.MarkProcessed(ctx, ev.TxID)
			return nil
		}
		// Credit did not commit. Leave the tx unmarked for retry.
		return err
	}

	if _, err := p.Processed.MarkProcessed(ctx, ev.TxID); err != nil {
		// The credit committed; the transfer ledger absorbs the replay.
		p.Log.Warn("failed to mark transfer processed", "tx", ev.TxID, "err", err)
	}
	p.archive(ctx, ev, res)

	switch {
	case res.Late:
		p.Log.Warn("transfer arrived after close, not credited",
			"tx", ev.TxID, "chat", res.ChatID, "from", ev.From)
	case !res.Matched:
		// Unmatched payments are an operator-visible event, never silent.
		p.Log.Warn("unmatched transfer", "tx", ev.TxID, "from", ev.From,
			"amount", ev.Amount.String())
	case res.AlreadyApplied:
		p.Log.Info("duplicate transfer ignored", "tx", ev.TxID, "chat", res.ChatID)
	default:
		if p.Notifier != nil {
			p.Notifier.NotifyCredit(res)
		}
	}
	return nil
}

func (p *EventProcessor) archive(ctx context.Context, ev model.TransferEvent, res *model.CreditResult) {
	if p.Archive == nil {
		return
	}
	outcome := "credited"
	switch {
	case res.AlreadyApplied:
		outcome = "duplicate"
	case res.Late:
		outcome = "late"
	case !res.Matched:
		outcome = "unmatched"
	}
	if err := p.Archive.ArchiveTransfer(ctx, ev, res.ChatID, outcome); err != nil {
		p.Log.Warn("transfer archive write failed", "tx", ev.TxID, "err", err)
	}
}
