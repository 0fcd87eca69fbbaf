// Package service implements the raffle domain services: the lifecycle state
// machine with its entry ledger, the draw engine and the payout dispatcher.
// It depends only on domain models and repository interfaces.
package service

import (
	"context"
	"log/slog"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tronraffle/internal/domain/model"
	"tronraffle/internal/domain/repository"
	"tronraffle/internal/domain/useCases"
)

// tronAddressRe matches a base58check Tron address as the original bot did.
var tronAddressRe = regexp.MustCompile(`^T[1-9A-HJ-NP-Za-km-z]{33}$`)

// expiryScheduler is the slice of the scheduler the service needs: arm a
// close-on-expiry timer per chat, disarm it on manual close or replacement.
type expiryScheduler interface {
	Arm(chatID string, at time.Time)
	Disarm(chatID string)
}

// RaffleLedgerService owns every raffle instance and is the sole mutator of
// entry amounts. All mutation of one instance is serialized by a per-chat
// mutex; independent chats progress independently. Durable writes go through
// the injected store; both store and cache may be nil in tests.
type RaffleLedgerService struct {
	mu      sync.RWMutex
	raffles map[string]*model.RaffleInstance
	locks   map[string]*sync.Mutex

	store repository.RaffleStore
	cache repository.StatusCache
	sched expiryScheduler
	log   *slog.Logger
	now   func() time.Time
}

// NewRaffleLedgerService creates the lifecycle service. store and cache are
// optional; without a store the service is purely in-memory.
func NewRaffleLedgerService(store repository.RaffleStore, cache repository.StatusCache, log *slog.Logger) *RaffleLedgerService {
	if log == nil {
		log = slog.Default()
	}
	return &RaffleLedgerService{
		raffles: make(map[string]*model.RaffleInstance),
		locks:   make(map[string]*sync.Mutex),
		store:   store,
		cache:   cache,
		log:     log,
		now:     time.Now,
	}
}

// AttachScheduler wires the expiry scheduler. Called once at bootstrap,
// before any raffle is set up.
func (s *RaffleLedgerService) AttachScheduler(sched expiryScheduler) {
	s.sched = sched
}

// Restore rebuilds in-memory state from the store and re-arms expiry timers
// for raffles that were OPEN at shutdown.
func (s *RaffleLedgerService) Restore(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	instances, err := s.store.ListRaffles(ctx)
	if err != nil {
		return &model.StorageError{Op: "restore", Retryable: true, Err: err}
	}
	s.mu.Lock()
	for _, inst := range instances {
		s.raffles[inst.Config.ChatID] = inst
	}
	s.mu.Unlock()
	for _, inst := range instances {
		if inst.Phase == model.PhaseOpen && s.sched != nil {
			s.sched.Arm(inst.Config.ChatID, time.Unix(inst.Config.EndTime(), 0))
		}
	}
	s.log.Info("restored raffles from store", "count", len(instances))
	return nil
}

// chatLock returns the mutex serializing all mutation of one chat's instance.
func (s *RaffleLedgerService) chatLock(chatID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[chatID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[chatID] = l
	}
	return l
}

func (s *RaffleLedgerService) instance(chatID string) *model.RaffleInstance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.raffles[chatID]
}

func (s *RaffleLedgerService) setInstance(chatID string, inst *model.RaffleInstance) {
	s.mu.Lock()
	s.raffles[chatID] = inst
	s.mu.Unlock()
}

// Setup creates or replaces the raffle for a chat and opens it at the current
// time. Replacing a still-open raffle discards its entries; the result says
// so, and the caller must warn the chat. A DRAWN raffle refuses replacement
// because its payouts are already committed.
func (s *RaffleLedgerService) Setup(ctx context.Context, chatID string, entryFee decimal.Decimal, hostSplit, durationHours int, hostAddress string) (*model.SetupResult, error) {
	if hostSplit < 0 || hostSplit >= 100-model.AdminSplitPct {
		return nil, model.ErrInvalidConfig
	}
	if !entryFee.IsPositive() {
		return nil, model.ErrInvalidConfig
	}
	if durationHours <= 0 {
		return nil, model.ErrInvalidConfig
	}
	if !tronAddressRe.MatchString(hostAddress) {
		return nil, model.ErrInvalidConfig
	}

	lock := s.chatLock(chatID)
	lock.Lock()
	defer lock.Unlock()

	prev := s.instance(chatID)
	result := &model.SetupResult{}
	if prev != nil && prev.Phase != model.PhaseSettled && prev.Phase != model.PhaseCancelled {
		if prev.Phase == model.PhaseDrawn {
			return nil, model.ErrPayoutsPending
		}
		result.Replaced = true
		result.DiscardedEntries = len(prev.Entries)
		if s.sched != nil {
			s.sched.Disarm(chatID)
		}
	}

	inst := &model.RaffleInstance{
		InstanceID: uuid.NewString(),
		Config: model.RaffleConfig{
			ChatID:      chatID,
			EntryFee:    entryFee,
			HostSplit:   hostSplit,
			Duration:    durationHours,
			HostAddress: hostAddress,
			StartTime:   s.now().Unix(),
		},
		Phase:   model.PhaseOpen,
		NextSeq: 1,
	}

	if s.store != nil {
		if err := s.store.DeleteEntries(ctx, chatID); err != nil {
			return nil, &model.StorageError{Op: "setup", Retryable: true, Err: err}
		}
		if err := s.store.SaveRaffle(ctx, inst); err != nil {
			return nil, &model.StorageError{Op: "setup", Retryable: true, Err: err}
		}
	}

	s.setInstance(chatID, inst)
	if s.sched != nil {
		s.sched.Arm(chatID, time.Unix(inst.Config.EndTime(), 0))
	}
	if result.Replaced {
		s.log.Warn("replaced active raffle, entries discarded",
			"chat", chatID, "discarded", result.DiscardedEntries)
	}
	s.log.Info("raffle set up", "chat", chatID,
		"fee", entryFee.String(), "host_split", hostSplit, "duration_h", durationHours)
	result.Instance = inst
	return result, nil
}

// Register creates the participant's entry with a zero credited amount. A
// participant registers at most once per instance; registering again updates
// the declared source address and keeps whatever was already credited.
func (s *RaffleLedgerService) Register(ctx context.Context, chatID, participantID, sourceAddress string) (*model.Entry, error) {
	if !tronAddressRe.MatchString(sourceAddress) {
		return nil, model.ErrInvalidConfig
	}

	lock := s.chatLock(chatID)
	lock.Lock()
	defer lock.Unlock()

	inst := s.instance(chatID)
	if inst == nil {
		return nil, model.ErrNoActiveRaffle
	}
	if inst.Phase != model.PhaseOpen {
		return nil, model.ErrRaffleClosed
	}

	entry := inst.EntryFor(participantID)
	if entry != nil {
		entry.SourceAddress = sourceAddress
	} else {
		entry = &model.Entry{
			ChatID:        chatID,
			ParticipantID: participantID,
			SourceAddress: sourceAddress,
			Amount:        decimal.Zero,
			Seq:           inst.NextSeq,
			RegisteredAt:  s.now(),
		}
		inst.NextSeq++
		inst.Entries = append(inst.Entries, entry)
	}

	if s.store != nil {
		if err := s.store.SaveEntry(ctx, entry); err != nil {
			return nil, &model.StorageError{Op: "register", Retryable: true, Err: err}
		}
		if err := s.store.SaveRaffle(ctx, inst); err != nil {
			return nil, &model.StorageError{Op: "register", Retryable: true, Err: err}
		}
	}
	s.log.Info("participant registered", "chat", chatID,
		"participant", participantID, "address", sourceAddress)
	return entry, nil
}

// Status reports the raffle state for a chat. Never an error: with nothing
// set up it returns an empty report with Exists=false.
func (s *RaffleLedgerService) Status(ctx context.Context, chatID string) (*model.StatusReport, error) {
	lock := s.chatLock(chatID)
	lock.Lock()
	defer lock.Unlock()

	inst := s.instance(chatID)
	if inst == nil {
		return &model.StatusReport{Pool: decimal.Zero}, nil
	}

	remaining := time.Duration(inst.Config.EndTime()-s.now().Unix()) * time.Second
	if remaining < 0 || inst.Phase != model.PhaseOpen {
		remaining = 0
	}
	report := &model.StatusReport{
		Exists:        true,
		Config:        inst.Config,
		Phase:         inst.Phase,
		Participants:  len(inst.Entries),
		Confirmed:     len(inst.EligibleEntries()),
		Pool:          inst.GrossPool(),
		TimeRemaining: remaining,
	}
	if s.cache != nil {
		if err := s.cache.SaveStatus(ctx, chatID, report); err != nil {
			s.log.Warn("status cache write failed", "chat", chatID, "err", err)
		}
	}
	return report, nil
}

// Close transitions OPEN -> CLOSED under the chat lock, so a credit racing the
// close can never land after the draw reads the pool. Idempotent against the
// expiry timer firing after an admin close: the second close gets ErrNotOpen.
func (s *RaffleLedgerService) Close(ctx context.Context, chatID string) error {
	lock := s.chatLock(chatID)
	lock.Lock()
	defer lock.Unlock()

	inst := s.instance(chatID)
	if inst == nil || inst.Phase != model.PhaseOpen {
		return model.ErrNotOpen
	}

	inst.Phase = model.PhaseClosed
	if s.store != nil {
		if err := s.store.SaveRaffle(ctx, inst); err != nil {
			// Roll back so a retried close still finds the raffle open.
			inst.Phase = model.PhaseOpen
			return &model.StorageError{Op: "close", Retryable: true, Err: err}
		}
	}
	if s.sched != nil {
		s.sched.Disarm(chatID)
	}
	s.log.Info("raffle closed", "chat", chatID,
		"participants", len(inst.Entries), "pool", inst.GrossPool().String())
	return nil
}

// ApplyTransfer matches one observed transfer to a pending entry and credits
// it. The caller (the payment matcher) has already deduplicated by transfer
// ID; the store-level transfer ledger makes a replay a no-op anyway. A
// returned error means the credit did not commit and the event must be
// retried, so the matcher must not mark it processed.
func (s *RaffleLedgerService) ApplyTransfer(ctx context.Context, ev model.TransferEvent) (*model.CreditResult, error) {
	if !ev.Amount.IsPositive() {
		return nil, model.ErrInvalidAmount
	}

	candidates := s.openRafflesForSender(ev.From)
	if len(candidates) == 0 {
		return &model.CreditResult{}, nil
	}

	result := &model.CreditResult{Matched: true}
	if len(candidates) > 1 {
		// Tie-break: the open raffle with the oldest start time wins.
		result.Ambiguous = true
		s.log.Warn("sender pending in multiple open raffles",
			"from", ev.From, "chosen", candidates[0].chatID,
			"candidates", len(candidates), "err", model.ErrAmbiguousMatch)
	}
	return s.creditFromCandidates(ctx, ev, candidates, result)
}

// creditFromCandidates applies the credit to the first candidate that is
// still OPEN once its lock is taken, oldest start time first. A candidate
// closing between the scan and the lock falls through to the next one; only
// with every candidate closed is the credit reported late.
func (s *RaffleLedgerService) creditFromCandidates(ctx context.Context, ev model.TransferEvent, candidates []senderCandidate, result *model.CreditResult) (*model.CreditResult, error) {
	for _, cand := range candidates {
		lock := s.chatLock(cand.chatID)
		lock.Lock()
		inst := s.instance(cand.chatID)
		if inst == nil || inst.Phase != model.PhaseOpen {
			lock.Unlock()
			continue
		}
		res, err := s.creditEntry(ctx, inst, ev, result)
		lock.Unlock()
		return res, err
	}

	// Every candidate closed between the scan and the lock. The pools are
	// already fixed; report the credit as late instead of mutating a closed
	// ledger.
	result.Late = true
	result.ChatID = candidates[0].chatID
	return result, nil
}

// creditEntry mutates one OPEN instance under its chat lock, held by the caller.
func (s *RaffleLedgerService) creditEntry(ctx context.Context, inst *model.RaffleInstance, ev model.TransferEvent, result *model.CreditResult) (*model.CreditResult, error) {
	chatID := inst.Config.ChatID
	result.ChatID = chatID

	entry := s.entryForAddress(inst, ev.From)
	if entry == nil {
		result.Matched = false
		return result, nil
	}
	result.ParticipantID = entry.ParticipantID

	if s.store != nil {
		if err := s.store.RecordTransfer(ctx, ev, chatID, entry.ParticipantID); err != nil {
			if err == model.ErrDuplicateTransfer {
				result.AlreadyApplied = true
				result.NewTotal = entry.Amount
				return result, nil
			}
			return nil, &model.StorageError{Op: "credit", Retryable: true, Err: err}
		}
	}

	wasConfirmed := entry.Confirmed(inst.Config.EntryFee)
	entry.Amount = entry.Amount.Add(ev.Amount)
	if s.store != nil {
		if err := s.store.SaveEntry(ctx, entry); err != nil {
			return nil, &model.StorageError{Op: "credit", Retryable: true, Err: err}
		}
	}

	result.Credited = ev.Amount
	result.NewTotal = entry.Amount
	result.Confirmed = !wasConfirmed && entry.Confirmed(inst.Config.EntryFee)
	s.log.Info("credit applied", "chat", chatID, "participant", entry.ParticipantID,
		"amount", ev.Amount.String(), "total", entry.Amount.String(), "tx", ev.TxID)
	return result, nil
}

type senderCandidate struct {
	chatID    string
	startTime int64
}

// openRafflesForSender returns the chats whose OPEN instance holds an entry
// declared from the sender address, oldest start time first. Each instance is
// inspected under its own chat lock; only one lock is held at a time.
func (s *RaffleLedgerService) openRafflesForSender(from string) []senderCandidate {
	s.mu.RLock()
	chats := make([]string, 0, len(s.raffles))
	for chatID := range s.raffles {
		chats = append(chats, chatID)
	}
	s.mu.RUnlock()

	var out []senderCandidate
	for _, chatID := range chats {
		lock := s.chatLock(chatID)
		lock.Lock()
		inst := s.instance(chatID)
		if inst != nil && inst.Phase == model.PhaseOpen {
			for _, e := range inst.Entries {
				if e.SourceAddress == from {
					out = append(out, senderCandidate{chatID: chatID, startTime: inst.Config.StartTime})
					break
				}
			}
		}
		lock.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].startTime != out[j].startTime {
			return out[i].startTime < out[j].startTime
		}
		return out[i].chatID < out[j].chatID
	})
	return out
}

// entryForAddress picks the entry a credit from the address belongs to. When
// several entries declared the same address, the earliest-registered one that
// is still below the fee wins; with all of them funded, the earliest wins.
func (s *RaffleLedgerService) entryForAddress(inst *model.RaffleInstance, addr string) *model.Entry {
	var first *model.Entry
	for _, e := range inst.Entries {
		if e.SourceAddress != addr {
			continue
		}
		if first == nil {
			first = e
		}
		if !e.Confirmed(inst.Config.EntryFee) {
			return e
		}
	}
	return first
}

// Interface compliance
var _ useCases.RaffleService = (*RaffleLedgerService)(nil)
