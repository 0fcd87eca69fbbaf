package service

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"tronraffle/internal/domain/model"
)

type stubEntropy struct {
	value uint64
	err   error
}

func (s *stubEntropy) RandomValue(ctx context.Context) (uint64, error) {
	return s.value, s.err
}

type recordingNotifier struct {
	mu      sync.Mutex
	winners []*model.DrawResult
	payouts []*model.PayoutRecord
	credits []*model.CreditResult
	alerts  []string
}

func (n *recordingNotifier) NotifyCredit(res *model.CreditResult) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.credits = append(n.credits, res)
}

func (n *recordingNotifier) NotifyWinner(res *model.DrawResult) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.winners = append(n.winners, res)
}

func (n *recordingNotifier) NotifyPayout(rec *model.PayoutRecord) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.payouts = append(n.payouts, rec)
}

func (n *recordingNotifier) NotifyAlert(chatID, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, message)
}

func adminAddr() string { return testAddr('m') }

func newTestDraw(svc *RaffleLedgerService, entropy uint64) (*DrawEngine, *recordingNotifier) {
	notifier := &recordingNotifier{}
	engine := NewDrawEngine(svc, &stubEntropy{value: entropy}, nil, notifier, adminAddr(), testLogger())
	return engine, notifier
}

func TestDrawRequiresClosedRaffle(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()
	engine, _ := newTestDraw(svc, 0)

	if _, err := engine.Draw(ctx, "chatA"); err != model.ErrNotClosed {
		t.Fatalf("expected ErrNotClosed without a raffle, got %v", err)
	}

	mustSetup(t, svc, "chatA", "1", 40, 24)
	if _, err := engine.Draw(ctx, "chatA"); err != model.ErrNotClosed {
		t.Fatalf("expected ErrNotClosed while OPEN, got %v", err)
	}
}

func TestDrawCancelsWithoutEligibleEntries(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()
	engine, _ := newTestDraw(svc, 0)

	mustSetup(t, svc, "chatA", "1", 40, 24)
	svc.Register(ctx, "chatA", "user1", testAddr('x'))
	// user1 never pays the fee.
	svc.ApplyTransfer(ctx, transfer("tx1", testAddr('x'), "0.5"))
	svc.Close(ctx, "chatA")

	if _, err := engine.Draw(ctx, "chatA"); err != model.ErrNoEligibleEntries {
		t.Fatalf("expected ErrNoEligibleEntries, got %v", err)
	}
	if got := svc.instance("chatA").Phase; got != model.PhaseCancelled {
		t.Fatalf("expected CANCELLED, got %s", got)
	}
	// A cancelled raffle does not clear with a retried draw.
	if _, err := engine.Draw(ctx, "chatA"); err != model.ErrNotClosed {
		t.Fatalf("expected ErrNotClosed after cancel, got %v", err)
	}
}

func TestDrawSingleEntrantSplit(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()
	engine, notifier := newTestDraw(svc, 7)

	mustSetup(t, svc, "chatA", "1", 40, 24)
	svc.Register(ctx, "chatA", "user1", testAddr('x'))
	svc.ApplyTransfer(ctx, transfer("tx1", testAddr('x'), "1"))
	svc.Close(ctx, "chatA")

	res, err := engine.Draw(ctx, "chatA")
	if err != nil {
		t.Fatalf("draw failed: %v", err)
	}
	if res.WinnerID != "user1" {
		t.Fatalf("expected user1 to win, got %s", res.WinnerID)
	}
	if !res.AdminAmount.Equal(decimal.RequireFromString("0.1")) {
		t.Fatalf("admin amount wrong: %s", res.AdminAmount)
	}
	if !res.HostAmount.Equal(decimal.RequireFromString("0.4")) {
		t.Fatalf("host amount wrong: %s", res.HostAmount)
	}
	if !res.WinnerAmount.Equal(decimal.RequireFromString("0.5")) {
		t.Fatalf("winner amount wrong: %s", res.WinnerAmount)
	}

	inst := svc.instance("chatA")
	if inst.Phase != model.PhaseDrawn {
		t.Fatalf("expected DRAWN, got %s", inst.Phase)
	}
	if len(inst.Payouts) != 3 {
		t.Fatalf("expected 3 payout legs, got %d", len(inst.Payouts))
	}
	for _, p := range inst.Payouts {
		if p.Status != model.PayoutPending {
			t.Fatalf("leg %s must start PENDING, got %s", p.Leg, p.Status)
		}
	}
	byLeg := map[model.PayoutLeg]string{}
	for _, p := range inst.Payouts {
		byLeg[p.Leg] = p.ToAddress
	}
	if byLeg[model.LegWinner] != testAddr('x') {
		t.Fatalf("winner leg addressed to %s", byLeg[model.LegWinner])
	}
	if byLeg[model.LegHost] != inst.Config.HostAddress {
		t.Fatalf("host leg addressed to %s", byLeg[model.LegHost])
	}
	if byLeg[model.LegAdmin] != adminAddr() {
		t.Fatalf("admin leg addressed to %s", byLeg[model.LegAdmin])
	}
	if len(notifier.winners) != 1 {
		t.Fatalf("expected one winner notification, got %d", len(notifier.winners))
	}

	// A second draw must not run on a DRAWN raffle.
	if _, err := engine.Draw(ctx, "chatA"); err != model.ErrNotClosed {
		t.Fatalf("expected ErrNotClosed on repeat draw, got %v", err)
	}
}

func TestDrawExcludesUnconfirmedEntries(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()
	// 3 eligible entries and entropy 5: 5 % 3 = 2, the third in registration order.
	engine, _ := newTestDraw(svc, 5)

	mustSetup(t, svc, "chatA", "1", 40, 24)
	svc.Register(ctx, "chatA", "user1", testAddr('a'))
	svc.Register(ctx, "chatA", "user2", testAddr('b'))
	svc.Register(ctx, "chatA", "user3", testAddr('c'))
	svc.Register(ctx, "chatA", "user4", testAddr('d'))
	svc.ApplyTransfer(ctx, transfer("tx1", testAddr('a'), "1"))
	// user2 underpays and stays out of the draw.
	svc.ApplyTransfer(ctx, transfer("tx2", testAddr('b'), "0.9"))
	svc.ApplyTransfer(ctx, transfer("tx3", testAddr('c'), "1"))
	svc.ApplyTransfer(ctx, transfer("tx4", testAddr('d'), "1.5"))
	svc.Close(ctx, "chatA")

	res, err := engine.Draw(ctx, "chatA")
	if err != nil {
		t.Fatalf("draw failed: %v", err)
	}
	if res.EligibleCount != 3 {
		t.Fatalf("expected 3 eligible, got %d", res.EligibleCount)
	}
	if res.WinnerID != "user4" {
		t.Fatalf("expected user4 (eligible index 2), got %s", res.WinnerID)
	}
	// Overpayment counts into the pool in full.
	if !res.Pool.Equal(decimal.RequireFromString("3.5")) {
		t.Fatalf("expected pool 3.5 of eligible entries, got %s", res.Pool)
	}
}

func TestReduceToIndex(t *testing.T) {
	cases := []struct {
		entropy uint64
		n       int
		want    int
	}{
		{0, 1, 0},
		{7, 1, 0},
		{5, 3, 2},
		{6, 3, 0},
		{^uint64(0), 10, int(^uint64(0) % 10)},
	}
	for _, tc := range cases {
		if got := reduceToIndex(tc.entropy, tc.n); got != tc.want {
			t.Errorf("reduceToIndex(%d, %d) = %d, want %d", tc.entropy, tc.n, got, tc.want)
		}
	}
}

func TestSplitPoolSumsExactly(t *testing.T) {
	pools := []string{"0.000001", "0.01", "1", "3.333333", "99.999999", "1234.56789"}
	splits := []int{0, 1, 40, 89}

	for _, ps := range pools {
		pool := decimal.RequireFromString(ps)
		for _, split := range splits {
			admin, host, winner := splitPool(pool, split)
			if sum := admin.Add(host).Add(winner); !sum.Equal(pool) {
				t.Errorf("split of %s at %d%% sums to %s", ps, split, sum)
			}
			if admin.IsNegative() || host.IsNegative() || winner.IsNegative() {
				t.Errorf("split of %s at %d%% produced a negative share: %s/%s/%s",
					ps, split, admin, host, winner)
			}
			if admin.Exponent() < -amountScale || host.Exponent() < -amountScale {
				t.Errorf("split of %s at %d%% exceeds %d decimals: %s/%s",
					ps, split, amountScale, admin, host)
			}
		}
	}
}
