package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tronraffle/internal/domain/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testAddr builds a syntactically valid Tron address unique per suffix.
func testAddr(suffix byte) string {
	return "T" + strings.Repeat("a", 32) + string(suffix)
}

func newTestService() *RaffleLedgerService {
	return NewRaffleLedgerService(nil, nil, testLogger())
}

func mustSetup(t *testing.T, svc *RaffleLedgerService, chatID string, fee string, split, duration int) {
	t.Helper()
	_, err := svc.Setup(context.Background(), chatID, decimal.RequireFromString(fee), split, duration, testAddr('h'))
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}
}

func transfer(txID, from, amount string) model.TransferEvent {
	return model.TransferEvent{
		TxID:   txID,
		From:   from,
		To:     testAddr('o'),
		Amount: decimal.RequireFromString(amount),
	}
}

func TestSetupValidation(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()
	one := decimal.NewFromInt(1)

	cases := []struct {
		name     string
		fee      decimal.Decimal
		split    int
		duration int
		host     string
	}{
		{"host split at 90", one, 90, 24, testAddr('h')},
		{"host split above 90", one, 95, 24, testAddr('h')},
		{"negative host split", one, -1, 24, testAddr('h')},
		{"zero entry fee", decimal.Zero, 40, 24, testAddr('h')},
		{"negative entry fee", decimal.NewFromInt(-1), 40, 24, testAddr('h')},
		{"zero duration", one, 40, 0, testAddr('h')},
		{"bad host address", one, 40, 24, "not-an-address"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Setup(ctx, "chatA", tc.fee, tc.split, tc.duration, tc.host)
			if err != model.ErrInvalidConfig {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}

	// No instance may exist after the failed setups.
	report, err := svc.Status(ctx, "chatA")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if report.Exists {
		t.Fatal("failed setup must not create an instance")
	}

	res, err := svc.Setup(ctx, "chatA", one, 89, 1, testAddr('h'))
	if err != nil {
		t.Fatalf("split 89 must be accepted: %v", err)
	}
	if res.Instance.Phase != model.PhaseOpen {
		t.Fatalf("expected OPEN, got %s", res.Instance.Phase)
	}
	if got := res.Instance.Config.WinnerSplit(); got != 1 {
		t.Fatalf("expected winner split 1, got %d", got)
	}
}

func TestSetupReplacesOpenRaffle(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()
	mustSetup(t, svc, "chatA", "1", 40, 24)

	if _, err := svc.Register(ctx, "chatA", "user1", testAddr('x')); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if _, err := svc.Register(ctx, "chatA", "user2", testAddr('y')); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	res, err := svc.Setup(ctx, "chatA", decimal.NewFromInt(2), 30, 12, testAddr('h'))
	if err != nil {
		t.Fatalf("replacing setup failed: %v", err)
	}
	if !res.Replaced {
		t.Fatal("expected Replaced to be true")
	}
	if res.DiscardedEntries != 2 {
		t.Fatalf("expected 2 discarded entries, got %d", res.DiscardedEntries)
	}

	report, _ := svc.Status(ctx, "chatA")
	if report.Participants != 0 {
		t.Fatalf("replacement must discard entries, got %d participants", report.Participants)
	}
}

func TestSetupRefusedWhileDrawn(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()
	mustSetup(t, svc, "chatA", "1", 40, 24)
	svc.instance("chatA").Phase = model.PhaseDrawn

	_, err := svc.Setup(ctx, "chatA", decimal.NewFromInt(1), 40, 24, testAddr('h'))
	if err != model.ErrPayoutsPending {
		t.Fatalf("expected ErrPayoutsPending, got %v", err)
	}
}

func TestRegister(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()

	if _, err := svc.Register(ctx, "chatA", "user1", testAddr('x')); err != model.ErrNoActiveRaffle {
		t.Fatalf("expected ErrNoActiveRaffle, got %v", err)
	}

	mustSetup(t, svc, "chatA", "1", 40, 24)
	entry, err := svc.Register(ctx, "chatA", "user1", testAddr('x'))
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if !entry.Amount.IsZero() {
		t.Fatalf("new entry must start at 0, got %s", entry.Amount)
	}
	if entry.Seq != 1 {
		t.Fatalf("expected seq 1, got %d", entry.Seq)
	}

	if _, err := svc.Register(ctx, "chatA", "user1", "garbage"); err != model.ErrInvalidConfig {
		t.Fatalf("expected ErrInvalidConfig for bad address, got %v", err)
	}

	if err := svc.Close(ctx, "chatA"); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if _, err := svc.Register(ctx, "chatA", "user2", testAddr('y')); err != model.ErrRaffleClosed {
		t.Fatalf("expected ErrRaffleClosed, got %v", err)
	}
}

func TestReRegisterUpdatesAddressKeepsAmount(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()
	mustSetup(t, svc, "chatA", "1", 40, 24)

	if _, err := svc.Register(ctx, "chatA", "user1", testAddr('x')); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if _, err := svc.ApplyTransfer(ctx, transfer("tx1", testAddr('x'), "1")); err != nil {
		t.Fatalf("credit failed: %v", err)
	}

	entry, err := svc.Register(ctx, "chatA", "user1", testAddr('z'))
	if err != nil {
		t.Fatalf("re-register failed: %v", err)
	}
	if entry.SourceAddress != testAddr('z') {
		t.Fatalf("expected updated address, got %s", entry.SourceAddress)
	}
	if !entry.Amount.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("re-registration must keep credited amount, got %s", entry.Amount)
	}

	report, _ := svc.Status(ctx, "chatA")
	if report.Participants != 1 {
		t.Fatalf("re-registration must not add a participant, got %d", report.Participants)
	}
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()

	report, err := svc.Status(ctx, "chatA")
	if err != nil {
		t.Fatalf("status must never error on missing raffle, got %v", err)
	}
	if report.Exists || report.Participants != 0 || !report.Pool.IsZero() {
		t.Fatalf("expected empty report, got %+v", report)
	}

	mustSetup(t, svc, "chatA", "1", 40, 1)
	svc.Register(ctx, "chatA", "user1", testAddr('x'))
	svc.ApplyTransfer(ctx, transfer("tx1", testAddr('x'), "1"))

	report, _ = svc.Status(ctx, "chatA")
	if !report.Exists {
		t.Fatal("expected report for active raffle")
	}
	if report.Participants != 1 {
		t.Fatalf("expected 1 participant, got %d", report.Participants)
	}
	if !report.Pool.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("expected pool 1, got %s", report.Pool)
	}
	if report.Confirmed != 1 {
		t.Fatalf("expected 1 confirmed entry, got %d", report.Confirmed)
	}
	if report.TimeRemaining <= 0 || report.TimeRemaining > time.Hour {
		t.Fatalf("expected remaining time within the hour, got %s", report.TimeRemaining)
	}

	svc.Close(ctx, "chatA")
	report, _ = svc.Status(ctx, "chatA")
	if report.TimeRemaining != 0 {
		t.Fatalf("closed raffle must report 0 remaining, got %s", report.TimeRemaining)
	}
}

func TestCloseIdempotent(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()

	if err := svc.Close(ctx, "chatA"); err != model.ErrNotOpen {
		t.Fatalf("expected ErrNotOpen without a raffle, got %v", err)
	}

	mustSetup(t, svc, "chatA", "1", 40, 24)
	if err := svc.Close(ctx, "chatA"); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	// The expiry timer firing after an admin close hits this path.
	if err := svc.Close(ctx, "chatA"); err != model.ErrNotOpen {
		t.Fatalf("second close must be ErrNotOpen, got %v", err)
	}
}

func TestApplyTransferValidation(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()
	mustSetup(t, svc, "chatA", "1", 40, 24)

	_, err := svc.ApplyTransfer(ctx, transfer("tx1", testAddr('x'), "0"))
	if err != model.ErrInvalidAmount {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}

	res, err := svc.ApplyTransfer(ctx, transfer("tx2", testAddr('x'), "1"))
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if res.Matched {
		t.Fatal("transfer from unknown sender must be unmatched")
	}
}

func TestApplyTransferCreditsAndConfirms(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()
	mustSetup(t, svc, "chatA", "2", 40, 24)
	svc.Register(ctx, "chatA", "user1", testAddr('x'))

	res, err := svc.ApplyTransfer(ctx, transfer("tx1", testAddr('x'), "1.5"))
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if !res.Matched || res.Confirmed {
		t.Fatalf("partial payment must match without confirming: %+v", res)
	}

	res, err = svc.ApplyTransfer(ctx, transfer("tx2", testAddr('x'), "0.5"))
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if !res.Confirmed {
		t.Fatal("crossing the fee must set Confirmed")
	}
	if !res.NewTotal.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("expected total 2, got %s", res.NewTotal)
	}

	// Closed raffles accept no further credits.
	svc.Close(ctx, "chatA")
	res, err = svc.ApplyTransfer(ctx, transfer("tx3", testAddr('x'), "1"))
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if res.Matched {
		t.Fatal("credit after close must not match")
	}
	if got := svc.instance("chatA").GrossPool(); !got.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("pool changed after close: %s", got)
	}
}

func TestSharedSourceAddressTieBreak(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()
	mustSetup(t, svc, "chatA", "1", 40, 24)

	shared := testAddr('s')
	svc.Register(ctx, "chatA", "user1", shared)
	svc.Register(ctx, "chatA", "user2", shared)

	// First credit lands on the earliest-registered unfunded entry.
	res, _ := svc.ApplyTransfer(ctx, transfer("tx1", shared, "1"))
	if res.ParticipantID != "user1" {
		t.Fatalf("expected user1 credited first, got %s", res.ParticipantID)
	}

	// user1 is funded now, so the next credit falls through to user2.
	res, _ = svc.ApplyTransfer(ctx, transfer("tx2", shared, "1"))
	if res.ParticipantID != "user2" {
		t.Fatalf("expected user2 credited second, got %s", res.ParticipantID)
	}

	// Everyone funded: back to the earliest-registered entry.
	res, _ = svc.ApplyTransfer(ctx, transfer("tx3", shared, "1"))
	if res.ParticipantID != "user1" {
		t.Fatalf("expected overflow on user1, got %s", res.ParticipantID)
	}

	inst := svc.instance("chatA")
	if !inst.EntryFor("user1").Amount.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("user1 amount wrong: %s", inst.EntryFor("user1").Amount)
	}
	if !inst.EntryFor("user2").Amount.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("user2 amount wrong: %s", inst.EntryFor("user2").Amount)
	}
}

func TestAmbiguousSenderResolvesToOldestRaffle(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()

	base := time.Now()
	svc.now = func() time.Time { return base }
	mustSetup(t, svc, "chatA", "1", 40, 24)
	svc.now = func() time.Time { return base.Add(10 * time.Second) }
	mustSetup(t, svc, "chatB", "1", 40, 24)

	shared := testAddr('s')
	svc.Register(ctx, "chatA", "alice", shared)
	svc.Register(ctx, "chatB", "bob", shared)

	res, err := svc.ApplyTransfer(ctx, transfer("tx1", shared, "1"))
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if !res.Ambiguous {
		t.Fatal("expected ambiguity to be reported")
	}
	if res.ChatID != "chatA" {
		t.Fatalf("expected oldest raffle chatA, got %s", res.ChatID)
	}
	if got := svc.instance("chatB").GrossPool(); !got.IsZero() {
		t.Fatalf("credit must never apply to both raffles, chatB pool %s", got)
	}
}

func TestCreditFallsThroughWhenOldestRaffleCloses(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()

	base := time.Now()
	svc.now = func() time.Time { return base }
	mustSetup(t, svc, "chatA", "1", 40, 24)
	svc.now = func() time.Time { return base.Add(10 * time.Second) }
	mustSetup(t, svc, "chatB", "1", 40, 24)

	shared := testAddr('s')
	svc.Register(ctx, "chatA", "alice", shared)
	svc.Register(ctx, "chatB", "bob", shared)

	// chatA closes after the candidate scan but before its lock is taken;
	// the credit must fall through to chatB, not get lost as late.
	candidates := svc.openRafflesForSender(shared)
	if len(candidates) != 2 || candidates[0].chatID != "chatA" {
		t.Fatalf("unexpected candidates: %+v", candidates)
	}
	if err := svc.Close(ctx, "chatA"); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	res, err := svc.creditFromCandidates(ctx, transfer("tx1", shared, "1"), candidates, &model.CreditResult{Matched: true})
	if err != nil {
		t.Fatalf("credit failed: %v", err)
	}
	if res.Late {
		t.Fatal("credit must not be reported late while chatB is still open")
	}
	if res.ChatID != "chatB" || res.ParticipantID != "bob" {
		t.Fatalf("expected chatB/bob credited, got %s/%s", res.ChatID, res.ParticipantID)
	}
	if got := svc.instance("chatB").GrossPool(); !got.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("chatB pool wrong: %s", got)
	}
	if got := svc.instance("chatA").GrossPool(); !got.IsZero() {
		t.Fatalf("closed chatA must stay untouched, pool %s", got)
	}

	// With every candidate closed the credit is late, never applied.
	if err := svc.Close(ctx, "chatB"); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	res, err = svc.creditFromCandidates(ctx, transfer("tx2", shared, "1"), candidates, &model.CreditResult{Matched: true})
	if err != nil {
		t.Fatalf("credit failed: %v", err)
	}
	if !res.Late {
		t.Fatal("expected late credit with all candidates closed")
	}
	if got := svc.instance("chatB").GrossPool(); !got.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("closed chatB pool changed: %s", got)
	}
}

func TestConcurrentCreditsSumExactly(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()
	mustSetup(t, svc, "chatA", "100", 40, 24)
	svc.Register(ctx, "chatA", "user1", testAddr('x'))

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := svc.ApplyTransfer(ctx, transfer(fmt.Sprintf("tx%d", i), testAddr('x'), "1")); err != nil {
				t.Errorf("apply failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	got := svc.instance("chatA").EntryFor("user1").Amount
	if !got.Equal(decimal.NewFromInt(n)) {
		t.Fatalf("expected exactly %d credited, got %s", n, got)
	}
}
