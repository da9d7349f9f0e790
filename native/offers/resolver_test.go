package offers

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/rlp"

	"offerbook/core/host"
)

func (h *harness) invokeCallback(predecessor, method string, args []byte, result host.Result) error {
	h.t.Helper()
	return h.sched.Invoke(escrowAccount, predecessor, DefaultParams().GasForResolve, func(inv *host.Invocation) error {
		return h.engine.HandleCallback(inv, method, args, []host.Result{result})
	})
}

func (h *harness) pendingCallbackArgs() []byte {
	h.t.Helper()
	pending := h.sched.PendingPromises()
	if len(pending) == 0 || pending[0].Callback == nil {
		h.t.Fatalf("expected a pending promise with callback")
	}
	return pending[0].Callback.Args
}

func TestCallbacksArePrivate(t *testing.T) {
	h := newHarness(t)
	h.create("maker", "carol", fx(100), fy(50), "offer-1")
	if _, err := h.withdraw("maker", "offer-1", depositGas); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	args := h.pendingCallbackArgs()
	err := h.invokeCallback("mallory", MethodResolveWithdraw, args, host.Failed(errors.New("forged")))
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := h.engine.Offer("offer-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("forged callback must not compensate")
	}
}

func TestReplayedCallbackRejected(t *testing.T) {
	h := newHarness(t)
	h.create("maker", "carol", fx(100), fy(50), "offer-1")
	if _, err := h.withdraw("maker", "offer-1", depositGas); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	args := h.pendingCallbackArgs()
	h.drain()

	err := h.invokeCallback(escrowAccount, MethodResolveWithdraw, args, host.Failed(errors.New("late failure")))
	if !errors.Is(err, ErrSettlementMismatch) {
		t.Fatalf("expected ErrSettlementMismatch, got %v", err)
	}
	if _, err := h.engine.Offer("offer-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("replay must not resurrect the offer")
	}
	if h.status("offer-1") != StatusClosed {
		t.Fatalf("replay changed status")
	}
}

func TestForgedCallbackArgumentsRejected(t *testing.T) {
	h := newHarness(t)
	h.create("maker", "carol", fx(100), fy(50), "offer-1")
	if _, err := h.withdraw("maker", "offer-1", depositGas); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	var args ResolveArgs
	if err := rlp.DecodeBytes(h.pendingCallbackArgs(), &args); err != nil {
		t.Fatalf("decode: %v", err)
	}

	inflated := args
	inflated.Terms = args.Terms.Clone()
	inflated.Terms.In.Amount = big.NewInt(1_000_000)
	encoded, _ := rlp.EncodeToBytes(inflated)
	if err := h.invokeCallback(escrowAccount, MethodResolveWithdraw, encoded, host.Failed(errors.New("x"))); !errors.Is(err, ErrSettlementMismatch) {
		t.Fatalf("inflated terms: expected ErrSettlementMismatch, got %v", err)
	}

	wrongKind, _ := rlp.EncodeToBytes(args)
	if err := h.invokeCallback(escrowAccount, MethodResolveAccept, wrongKind, host.Succeeded()); !errors.Is(err, ErrSettlementMismatch) {
		t.Fatalf("wrong method: expected ErrSettlementMismatch, got %v", err)
	}

	if err := h.invokeCallback(escrowAccount, MethodResolveWithdraw, []byte{0xff, 0x01}, host.Succeeded()); !errors.Is(err, ErrSettlementMismatch) {
		t.Fatalf("garbage args: expected ErrSettlementMismatch, got %v", err)
	}

	if err := h.invokeCallback(escrowAccount, "resolve_everything", wrongKind, host.Succeeded()); err == nil {
		t.Fatalf("unknown method must fail")
	}

	// The genuine callback still resolves.
	h.drain()
	if h.balance(tokenX, "maker") != 100 {
		t.Fatalf("genuine settlement did not complete")
	}
}

func TestPayoutCallbackValidated(t *testing.T) {
	h := newHarness(t)
	h.create("maker", "carol", fx(100), fy(50), "offer-1")
	h.mint("carol", fy(50))
	if err := h.accept("carol", fy(50), "offer-1"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := h.sched.Step(context.Background()); err != nil {
		t.Fatalf("step leg A: %v", err)
	}
	var payout PayoutArgs
	if err := rlp.DecodeBytes(h.pendingCallbackArgs(), &payout); err != nil {
		t.Fatalf("decode payout args: %v", err)
	}
	if payout.Receiver != "maker" || !payout.Asset.Equal(fy(50)) {
		t.Fatalf("unexpected payout args %+v", payout)
	}
	redirected := payout
	redirected.Receiver = "mallory"
	encoded, _ := rlp.EncodeToBytes(redirected)
	if err := h.invokeCallback(escrowAccount, MethodResolvePayout, encoded, host.Failed(errors.New("x"))); !errors.Is(err, ErrSettlementMismatch) {
		t.Fatalf("expected ErrSettlementMismatch, got %v", err)
	}
	h.drain()
	if h.settlement(payout.Token).Payout != PayoutDelivered {
		t.Fatalf("expected delivered payout")
	}
}

func TestCallbackRequiresSingleResult(t *testing.T) {
	h := newHarness(t)
	err := h.sched.Invoke(escrowAccount, escrowAccount, host.TGas, func(inv *host.Invocation) error {
		return h.engine.HandleCallback(inv, MethodResolveWithdraw, nil, nil)
	})
	if !errors.Is(err, ErrSettlementMismatch) {
		t.Fatalf("expected ErrSettlementMismatch, got %v", err)
	}
}
