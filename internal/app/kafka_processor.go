package app

import (
	"context"
	"errors"
	"log/slog"

	"tronraffle/internal/app/dto"
	"tronraffle/internal/domain/repository"
	"tronraffle/internal/domain/useCases"
	"tronraffle/internal/infrastructure/queue"
)

// KafkaEventProcessor is the matcher fed from Kafka instead of the direct
// poller channel. Each transfer is committed back to Kafka only after the
// matcher handled it, so a crash mid-credit redelivers rather than drops.
type KafkaEventProcessor struct {
	consumer queue.TransferConsumer
	inner    *EventProcessor
	log      *slog.Logger
}

func NewKafkaEventProcessor(consumer queue.TransferConsumer, ledger useCases.RaffleService, processed repository.ProcessedTransferSet, operatorAddr string, log *slog.Logger) *KafkaEventProcessor {
	if log == nil {
		log = slog.Default()
	}
	return &KafkaEventProcessor{
		consumer: consumer,
		inner:    NewEventProcessor(nil, ledger, processed, operatorAddr, log),
		log:      log,
	}
}

// SetArchive forwards the optional audit archive to the wrapped matcher.
func (p *KafkaEventProcessor) SetArchive(archive repository.EventArchive) {
	p.inner.Archive = archive
}

// SetNotifier forwards the optional notifier to the wrapped matcher.
func (p *KafkaEventProcessor) SetNotifier(n useCases.Notifier) {
	p.inner.Notifier = n
}

func (p *KafkaEventProcessor) Run(ctx context.Context) error {
	transferCh, err := p.consumer.Subscribe(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case transfer, ok := <-transferCh:
			if !ok {
				return nil
			}
			if err := p.process(ctx, transfer); err != nil {
				if errors.Is(err, ErrContextCancelled) {
					return ctx.Err()
				}
				p.log.Error("error processing transfer from kafka", "err", err)
			}
		}
	}
}

func (p *KafkaEventProcessor) process(ctx context.Context, transfer *dto.TransferDTO) error {
	if err := p.inner.ProcessTransfer(ctx, transfer); err != nil {
		// Not committed: Kafka redelivers it after restart or rebalance.
		return err
	}
	if err := p.consumer.Commit(ctx, transfer); err != nil {
		// Processing is durable through the dedup set; a redelivery after
		// this failed commit is absorbed there.
		p.log.Warn("kafka commit failed", "tx", transfer.TxID, "err", err)
	}
	return nil
}
