package offers

import (
	"context"
	"errors"
	"testing"
	"time"

	"offerbook/core/host"
	"offerbook/native/assets"
)

// restart drops every queued promise and rebuilds the scheduler, registry and
// engine over the same state, as a process restart would.
func (h *harness) restart() {
	h.t.Helper()
	sched := host.NewScheduler(nil)
	reg := assets.NewRegistry(h.st, sched)
	sched.SetExecutor(reg)
	sched.SetNowFunc(func() time.Time { return time.Unix(1_700_000_100, 0) })
	engine := NewEngine(escrowAccount, h.st)
	engine.SetEmitter(h.rec)
	reg.RegisterReceiver(escrowAccount, engine)
	sched.Register(escrowAccount, engine)
	reg.SetFaultHook(func(_ string, transfer host.Transfer) error {
		return h.failures[transfer.Receiver+"/"+transfer.Asset.Contract]
	})
	h.sched, h.reg, h.engine = sched, reg, engine
}

// redispatchAll re-queues every unresolved settlement transfer.
func (h *harness) redispatchAll() int {
	h.t.Helper()
	tokens, err := h.engine.Unresolved()
	if err != nil {
		h.t.Fatalf("unresolved: %v", err)
	}
	queued := 0
	for _, token := range tokens {
		err := h.sched.Invoke(escrowAccount, escrowAccount, h.engine.Params().RequiredGas(), func(inv *host.Invocation) error {
			ok, err := h.engine.Redispatch(inv, token)
			if ok {
				queued++
			}
			return err
		})
		if err != nil {
			h.t.Fatalf("redispatch %d: %v", token, err)
		}
	}
	return queued
}

func TestRedispatchAfterLostQueue(t *testing.T) {
	h := newHarness(t)
	h.create("maker", "carol", fx(100), fy(50), "offer-1")
	h.mint("carol", fy(50))
	if err := h.accept("carol", fy(50), "offer-1"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	h.restart()
	if h.sched.Pending() != 0 {
		t.Fatalf("restart must start with an empty queue")
	}
	if h.status("offer-1") != StatusSettling {
		t.Fatalf("expected settling before recovery, got %s", h.status("offer-1"))
	}
	if got := h.redispatchAll(); got != 1 {
		t.Fatalf("expected one redispatched transfer, got %d", got)
	}
	h.drain()

	if h.status("offer-1") != StatusClosed {
		t.Fatalf("expected closed, got %s", h.status("offer-1"))
	}
	if got := h.balance(tokenX, "carol"); got != 100 {
		t.Fatalf("carol X: got %d", got)
	}
	if got := h.balance(tokenY, "maker"); got != 50 {
		t.Fatalf("maker Y: got %d", got)
	}
	tokens, err := h.engine.Unresolved()
	if err != nil || len(tokens) != 0 {
		t.Fatalf("expected no unresolved settlements, got %v %v", tokens, err)
	}
}

func TestRedispatchSkipsAlreadyExecutedTransfer(t *testing.T) {
	h := newHarness(t)
	h.create("maker", "carol", fx(100), fy(50), "offer-1")
	h.mint("carol", fy(50))
	if err := h.accept("carol", fy(50), "offer-1"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	pending := h.sched.PendingPromises()
	if len(pending) != 1 {
		t.Fatalf("expected one pending promise, got %d", len(pending))
	}
	// The transfer lands but the process stops before its callback runs.
	if err := h.reg.ExecuteTransfer(context.Background(), pending[0].From, pending[0].Transfer); err != nil {
		t.Fatalf("execute: %v", err)
	}

	h.restart()
	h.redispatchAll()
	h.drain()

	if h.status("offer-1") != StatusClosed {
		t.Fatalf("expected closed, got %s", h.status("offer-1"))
	}
	if got := h.balance(tokenX, "carol"); got != 100 {
		t.Fatalf("carol X: got %d", got)
	}
	if got := h.balance(tokenX, escrowAccount); got != 0 {
		t.Fatalf("escrow X: got %d", got)
	}
	if got := h.balance(tokenY, "maker"); got != 50 {
		t.Fatalf("maker Y: got %d", got)
	}
}

func TestRedispatchPendingPayout(t *testing.T) {
	h := newHarness(t)
	h.create("maker", "carol", fx(100), fy(50), "offer-1")
	h.mint("carol", fy(50))
	if err := h.accept("carol", fy(50), "offer-1"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	// Leg A and its callback run; the payout it dispatched is lost.
	if _, err := h.sched.Step(context.Background()); err != nil {
		t.Fatalf("step: %v", err)
	}
	_, token, err := h.engine.Status("offer-1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if s := h.settlement(token); s.State != SettlementFinalized || s.Payout != PayoutPending {
		t.Fatalf("expected finalized with pending payout, got %+v", s)
	}

	h.restart()
	if got := h.redispatchAll(); got != 1 {
		t.Fatalf("expected one redispatched payout, got %d", got)
	}
	h.drain()
	if s := h.settlement(token); s.Payout != PayoutDelivered {
		t.Fatalf("expected payout delivered, got %s", s.Payout)
	}
	if got := h.balance(tokenY, "maker"); got != 50 {
		t.Fatalf("maker Y: got %d", got)
	}
}

func TestRedispatchIsPrivate(t *testing.T) {
	h := newHarness(t)
	h.create("maker", "carol", fx(100), fy(50), "offer-1")
	if _, err := h.withdraw("maker", "offer-1", depositGas); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	err := h.sched.Invoke(escrowAccount, "mallory", depositGas, func(inv *host.Invocation) error {
		_, err := h.engine.Redispatch(inv, 1)
		return err
	})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}
