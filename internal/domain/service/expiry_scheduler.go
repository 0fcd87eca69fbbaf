package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"tronraffle/internal/domain/model"
)

// ExpiryScheduler closes raffles whose duration has elapsed. One timer per
// chat; arming replaces any earlier timer, disarming stops it. A timer that
// fires after an admin already closed the raffle is a no-op because Close is
// idempotent.
type ExpiryScheduler struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
	close  func(ctx context.Context, chatID string) error
	log    *slog.Logger
	now    func() time.Time
}

func NewExpiryScheduler(closeFn func(ctx context.Context, chatID string) error, log *slog.Logger) *ExpiryScheduler {
	if log == nil {
		log = slog.Default()
	}
	return &ExpiryScheduler{
		timers: make(map[string]*time.Timer),
		close:  closeFn,
		log:    log,
		now:    time.Now,
	}
}

// Arm schedules a close for the chat at the given time. A deadline already in
// the past fires immediately, which covers raffles restored after downtime.
func (s *ExpiryScheduler) Arm(chatID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[chatID]; ok {
		t.Stop()
	}
	d := at.Sub(s.now())
	if d < 0 {
		d = 0
	}
	s.timers[chatID] = time.AfterFunc(d, func() { s.fire(chatID) })
}

// Disarm cancels the pending close for the chat, if any.
func (s *ExpiryScheduler) Disarm(chatID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[chatID]; ok {
		t.Stop()
		delete(s.timers, chatID)
	}
}

// Stop cancels every pending timer, used at shutdown.
func (s *ExpiryScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for chatID, t := range s.timers {
		t.Stop()
		delete(s.timers, chatID)
	}
}

func (s *ExpiryScheduler) fire(chatID string) {
	s.mu.Lock()
	delete(s.timers, chatID)
	s.mu.Unlock()

	err := s.close(context.Background(), chatID)
	switch {
	case err == nil:
		s.log.Info("raffle duration elapsed, closed", "chat", chatID)
	case errors.Is(err, model.ErrNotOpen):
		// Already closed by an admin; nothing to do.
	default:
		s.log.Error("scheduled close failed", "chat", chatID, "err", err)
	}
}
