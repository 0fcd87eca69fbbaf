package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tronraffle/internal/domain/model"
	"tronraffle/internal/domain/repository"
	"tronraffle/internal/domain/useCases"
)

// amountScale is the USDT (TRC20) decimal precision payouts are rounded to.
const amountScale = 6

// DrawEngine selects a winner from a closed raffle and computes the three-way
// split. Entropy comes from the injected source; the reduction to a winner
// index is pure, so a fixed entropy value reproduces the same draw.
type DrawEngine struct {
	ledger       *RaffleLedgerService
	entropy      useCases.EntropySource
	store        repository.RaffleStore
	notifier     useCases.Notifier
	adminAddress string
	log          *slog.Logger
}

func NewDrawEngine(ledger *RaffleLedgerService, entropy useCases.EntropySource, store repository.RaffleStore, notifier useCases.Notifier, adminAddress string, log *slog.Logger) *DrawEngine {
	if log == nil {
		log = slog.Default()
	}
	return &DrawEngine{ledger: ledger, entropy: entropy, store: store, notifier: notifier, adminAddress: adminAddress, log: log}
}

// Draw runs the draw for a CLOSED raffle: verify eligibility, fetch entropy,
// select the winner, compute the split and move the raffle to DRAWN with
// three PENDING payout legs. A raffle closed with zero eligible entries goes
// to CANCELLED instead of sticking in CLOSED forever.
//
// The entropy fetch happens outside the chat lock; the phase is rechecked
// after it, so two concurrent draws cannot both succeed.
func (d *DrawEngine) Draw(ctx context.Context, chatID string) (*model.DrawResult, error) {
	lock := d.ledger.chatLock(chatID)

	lock.Lock()
	inst := d.ledger.instance(chatID)
	if inst == nil || inst.Phase != model.PhaseClosed {
		lock.Unlock()
		return nil, model.ErrNotClosed
	}
	eligible := inst.EligibleEntries()
	if len(eligible) == 0 {
		inst.Phase = model.PhaseCancelled
		if d.store != nil {
			if err := d.store.SaveRaffle(ctx, inst); err != nil {
				inst.Phase = model.PhaseClosed
				lock.Unlock()
				return nil, &model.StorageError{Op: "cancel", Retryable: true, Err: err}
			}
		}
		lock.Unlock()
		d.log.Warn("raffle cancelled, no eligible entries", "chat", chatID)
		return nil, model.ErrNoEligibleEntries
	}
	lock.Unlock()

	entropy, err := d.entropy.RandomValue(ctx)
	if err != nil {
		return nil, err
	}

	lock.Lock()
	defer lock.Unlock()
	inst = d.ledger.instance(chatID)
	if inst == nil || inst.Phase != model.PhaseClosed {
		return nil, model.ErrNotClosed
	}
	eligible = inst.EligibleEntries()
	if len(eligible) == 0 {
		return nil, model.ErrNoEligibleEntries
	}

	winner := eligible[reduceToIndex(entropy, len(eligible))]
	pool := inst.ConfirmedPool()
	adminAmount, hostAmount, winnerAmount := splitPool(pool, inst.Config.HostSplit)

	res := &model.DrawResult{
		DrawID:        uuid.NewString(),
		ChatID:        chatID,
		InstanceID:    inst.InstanceID,
		WinnerID:      winner.ParticipantID,
		WinnerAddress: winner.SourceAddress,
		Pool:          pool,
		WinnerAmount:  winnerAmount,
		HostAmount:    hostAmount,
		AdminAmount:   adminAmount,
		EligibleCount: len(eligible),
		Entropy:       entropy,
		DrawnAt:       time.Now().UTC(),
	}
	payouts := []*model.PayoutRecord{
		newPayout(res, model.LegWinner, winner.SourceAddress, winnerAmount),
		newPayout(res, model.LegHost, inst.Config.HostAddress, hostAmount),
		newPayout(res, model.LegAdmin, d.adminAddress, adminAmount),
	}

	if d.store != nil {
		if err := d.store.SaveDrawResult(ctx, res); err != nil {
			return nil, &model.StorageError{Op: "draw", Retryable: true, Err: err}
		}
		for _, p := range payouts {
			if err := d.store.SavePayout(ctx, p); err != nil {
				return nil, &model.StorageError{Op: "draw", Retryable: true, Err: err}
			}
		}
	}

	inst.Draw = res
	inst.Payouts = payouts
	inst.Phase = model.PhaseDrawn
	if d.store != nil {
		if err := d.store.SaveRaffle(ctx, inst); err != nil {
			inst.Phase = model.PhaseClosed
			inst.Draw = nil
			inst.Payouts = nil
			return nil, &model.StorageError{Op: "draw", Retryable: true, Err: err}
		}
	}

	d.log.Info("winner drawn", "chat", chatID, "winner", winner.ParticipantID,
		"pool", pool.String(), "eligible", len(eligible), "entropy", entropy)
	if d.notifier != nil {
		d.notifier.NotifyWinner(res)
	}
	return res, nil
}

func newPayout(res *model.DrawResult, leg model.PayoutLeg, to string, amount decimal.Decimal) *model.PayoutRecord {
	return &model.PayoutRecord{
		PayoutID:  uuid.NewString(),
		DrawID:    res.DrawID,
		ChatID:    res.ChatID,
		Leg:       leg,
		ToAddress: to,
		Amount:    amount,
		Status:    model.PayoutPending,
		UpdatedAt: res.DrawnAt,
	}
}

// reduceToIndex maps a beacon value onto a winner index over the eligible
// entries in registration order.
func reduceToIndex(entropy uint64, n int) int {
	return int(entropy % uint64(n))
}

// splitPool computes the three-way split. The winner share is the remainder
// after the rounded admin and host shares, so the three amounts always sum
// exactly to the pool regardless of rounding.
func splitPool(pool decimal.Decimal, hostSplit int) (admin, host, winner decimal.Decimal) {
	hundred := decimal.NewFromInt(100)
	admin = pool.Mul(decimal.NewFromInt(model.AdminSplitPct)).Div(hundred).Round(amountScale)
	host = pool.Mul(decimal.NewFromInt(int64(hostSplit))).Div(hundred).Round(amountScale)
	winner = pool.Sub(admin).Sub(host)
	return admin, host, winner
}

var _ useCases.DrawService = (*DrawEngine)(nil)
