package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"tronraffle/internal/domain/model"
	"tronraffle/internal/domain/repository"
	"tronraffle/internal/domain/useCases"
)

// PayoutDispatcher pays out a drawn raffle: three independent legs, each
// retried with exponential backoff up to MaxAttempts. The raffle reaches
// SETTLED only once all legs are CONFIRMED; an exhausted leg raises an
// operator alert and leaves the raffle DRAWN rather than losing funds.
type PayoutDispatcher struct {
	ledger   *RaffleLedgerService
	chain    useCases.ChainClient
	store    repository.RaffleStore
	notifier useCases.Notifier
	log      *slog.Logger

	MaxAttempts int
	BackoffBase time.Duration

	// sleep is context-aware and injectable so retry tests run instantly.
	sleep func(ctx context.Context, d time.Duration) error

	// dispatching serializes whole Dispatch calls per chat. The chat lock
	// alone is not enough: payments run unlocked, so without this two
	// concurrent dispatches could both claim the same PENDING leg.
	mu          sync.Mutex
	dispatching map[string]*sync.Mutex
}

func NewPayoutDispatcher(ledger *RaffleLedgerService, chain useCases.ChainClient, store repository.RaffleStore, notifier useCases.Notifier, log *slog.Logger) *PayoutDispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &PayoutDispatcher{
		ledger:      ledger,
		chain:       chain,
		store:       store,
		notifier:    notifier,
		log:         log,
		MaxAttempts: 5,
		BackoffBase: 2 * time.Second,
		sleep:       sleepCtx,
		dispatching: make(map[string]*sync.Mutex),
	}
}

func (p *PayoutDispatcher) dispatchLock(chatID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.dispatching[chatID]
	if !ok {
		l = &sync.Mutex{}
		p.dispatching[chatID] = l
	}
	return l
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Dispatch pays every non-confirmed leg of the chat's drawn raffle. Safe to
// call again after a partial success: confirmed legs are skipped, the winner
// is never re-selected. Concurrent calls for the same chat serialize on the
// dispatch lock, so a racing operator re-dispatch waits and then finds the
// legs already confirmed instead of paying them a second time. Payments run
// outside the chat lock; only status bookkeeping happens under it.
func (p *PayoutDispatcher) Dispatch(ctx context.Context, chatID string) ([]*model.PayoutRecord, error) {
	dl := p.dispatchLock(chatID)
	dl.Lock()
	defer dl.Unlock()

	lock := p.ledger.chatLock(chatID)

	lock.Lock()
	inst := p.ledger.instance(chatID)
	if inst == nil || inst.Phase != model.PhaseDrawn || inst.Draw == nil {
		lock.Unlock()
		return nil, model.ErrNotDrawn
	}
	pending := make([]*model.PayoutRecord, 0, len(inst.Payouts))
	for _, rec := range inst.Payouts {
		if rec.Status == model.PayoutConfirmed {
			continue
		}
		if rec.Status == model.PayoutFailed {
			// Operator re-dispatch of an exhausted leg starts a fresh
			// attempt budget.
			rec.Status = model.PayoutPending
			rec.Attempts = 0
		}
		pending = append(pending, rec)
	}
	records := inst.Payouts
	lock.Unlock()

	for _, rec := range pending {
		if err := p.dispatchLeg(ctx, lock, rec); err != nil {
			if ctx.Err() != nil {
				return records, err
			}
			// Leg exhausted; keep going so the other legs still settle.
			p.log.Error("payout leg failed", "chat", chatID, "leg", rec.Leg,
				"amount", rec.Amount.String(), "err", err)
		}
	}

	lock.Lock()
	defer lock.Unlock()
	allConfirmed := true
	for _, rec := range records {
		if rec.Status != model.PayoutConfirmed {
			allConfirmed = false
			break
		}
	}
	if allConfirmed && inst.Phase == model.PhaseDrawn {
		inst.Phase = model.PhaseSettled
		if p.store != nil {
			if err := p.store.SaveRaffle(ctx, inst); err != nil {
				inst.Phase = model.PhaseDrawn
				return records, &model.StorageError{Op: "settle", Retryable: true, Err: err}
			}
		}
		p.log.Info("raffle settled", "chat", chatID, "pool", inst.Draw.Pool.String())
	}
	return records, nil
}

// dispatchLeg retries one payment leg with exponential backoff. The payment
// request itself runs unlocked; the record mutates only under the chat lock.
func (p *PayoutDispatcher) dispatchLeg(ctx context.Context, lock interface{ Lock(); Unlock() }, rec *model.PayoutRecord) error {
	backoff := p.BackoffBase
	for {
		lock.Lock()
		rec.Attempts++
		attempts := rec.Attempts
		lock.Unlock()

		txID, err := p.chain.SendPayment(ctx, rec.ToAddress, rec.Amount)

		lock.Lock()
		if err == nil {
			rec.Status = model.PayoutConfirmed
			rec.TxID = txID
			rec.LastError = ""
			rec.UpdatedAt = time.Now().UTC()
			p.persistPayout(ctx, rec)
			lock.Unlock()
			p.log.Info("payout confirmed", "chat", rec.ChatID, "leg", rec.Leg,
				"amount", rec.Amount.String(), "tx", txID, "attempts", attempts)
			if p.notifier != nil {
				p.notifier.NotifyPayout(rec)
			}
			return nil
		}
		rec.LastError = err.Error()
		rec.UpdatedAt = time.Now().UTC()
		exhausted := attempts >= p.MaxAttempts
		if exhausted {
			rec.Status = model.PayoutFailed
		}
		p.persistPayout(ctx, rec)
		lock.Unlock()

		if exhausted {
			if p.notifier != nil {
				p.notifier.NotifyAlert(rec.ChatID, "payout "+string(rec.Leg)+" failed after retries, operator action required")
			}
			return &model.PayoutError{Leg: rec.Leg, Retryable: false, Err: err}
		}
		p.log.Warn("payout attempt failed, retrying", "chat", rec.ChatID,
			"leg", rec.Leg, "attempt", attempts, "backoff", backoff, "err", err)
		if serr := p.sleep(ctx, backoff); serr != nil {
			return &model.PayoutError{Leg: rec.Leg, Retryable: true, Err: serr}
		}
		backoff *= 2
	}
}

func (p *PayoutDispatcher) persistPayout(ctx context.Context, rec *model.PayoutRecord) {
	if p.store == nil {
		return
	}
	if err := p.store.SavePayout(ctx, rec); err != nil {
		// The in-memory record stays authoritative; the next status change
		// writes it again.
		p.log.Warn("payout status write failed", "chat", rec.ChatID, "leg", rec.Leg, "err", err)
	}
}

var _ useCases.PayoutService = (*PayoutDispatcher)(nil)
