package app

import (
	"context"
	"log/slog"
	"time"

	"tronraffle/internal/app/dto"
	"tronraffle/internal/domain/useCases"
)

// ChainPoller is the supervised polling loop over the chain client. Poll
// errors back off exponentially to a cap and never kill the loop; the cursor
// advances only once a window's events are handed off, so nothing observed is
// dropped on failure.
type ChainPoller struct {
	chain    useCases.ChainClient
	out      chan<- *dto.TransferDTO
	interval time.Duration
	log      *slog.Logger

	cursor int64
}

const maxPollBackoff = 10 * time.Minute

func NewChainPoller(chain useCases.ChainClient, out chan<- *dto.TransferDTO, interval time.Duration, log *slog.Logger) *ChainPoller {
	if log == nil {
		log = slog.Default()
	}
	return &ChainPoller{chain: chain, out: out, interval: interval, log: log}
}

func (p *ChainPoller) Run(ctx context.Context) error {
	delay := p.interval
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		events, next, err := p.chain.PollTransfers(ctx, p.cursor)
		if err != nil {
			delay = min(delay*2, maxPollBackoff)
			p.log.Warn("transfer poll failed, backing off",
				"cursor", p.cursor, "retry_in", delay, "err", err)
			continue
		}
		delay = p.interval

		for _, ev := range events {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case p.out <- dto.FromModel(ev):
			}
		}
		p.cursor = next
		if len(events) > 0 {
			p.log.Debug("transfers polled", "count", len(events), "cursor", next)
		}
	}
}
