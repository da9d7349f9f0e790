package offers

import (
	"encoding/json"
	"errors"
	"math/rand"
	"strings"
	"testing"
)

func TestSettlementLogChains(t *testing.T) {
	h := newHarness(t)
	h.create("maker", "carol", fx(100), fy(50), "offer-1")
	h.mint("carol", fy(50))
	if err := h.accept("carol", fy(50), "offer-1"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	h.drain()

	entries, err := h.engine.LogEntries(1, 10)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	want := []LogAction{LogOpened, LogFinalized, LogPayoutDispatched, LogPayoutDelivered}
	if len(entries) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(entries))
	}
	for i, entry := range entries {
		if entry.Action != want[i] {
			t.Fatalf("entry %d: got %s want %s", i, entry.Action, want[i])
		}
		if entry.Token != 1 || entry.OfferID != "offer-1" {
			t.Fatalf("entry %d references %d/%s", i, entry.Token, entry.OfferID)
		}
		if i > 0 && entry.Prev != entries[i-1].Hash {
			t.Fatalf("entry %d does not link to its predecessor", i)
		}
	}
	n, err := h.engine.VerifySettlementLog()
	if err != nil || n != 4 {
		t.Fatalf("verify: n=%d err=%v", n, err)
	}
}

func TestSettlementLogDetectsTampering(t *testing.T) {
	h := newHarness(t)
	h.create("maker", "carol", fx(100), fy(50), "offer-1")
	if _, err := h.withdraw("maker", "offer-1", depositGas); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	h.drain()

	log := newSettlementLog(h.st)
	entry, ok, err := log.entry(1)
	if err != nil || !ok {
		t.Fatalf("entry: %v %v", ok, err)
	}
	entry.Detail = "accept"
	if err := h.st.KVPut(logEntryKey(1), entry); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	if _, err := h.engine.VerifySettlementLog(); !errors.Is(err, ErrLogCorrupt) {
		t.Fatalf("expected ErrLogCorrupt, got %v", err)
	}
}

// TestRandomizedLifecycleKeepsInvariants drives random creations,
// acceptances, withdrawals and transfer failures and checks after every step
// that the indices agree with the primary map, that live ids are unique and
// that no asset is created or destroyed.
func TestRandomizedLifecycleKeepsInvariants(t *testing.T) {
	h := newHarness(t)
	rng := rand.New(rand.NewSource(7))
	accounts := []string{"alice", "bob", "carol", "dave"}
	const supply = 1_000
	for _, account := range accounts {
		h.mint(account, fx(supply))
		h.mint(account, fy(supply))
	}
	var ids []string
	pick := func(list []string) string { return list[rng.Intn(len(list))] }

	for step := 0; step < 200; step++ {
		h.clearFailures()
		if rng.Intn(4) == 0 {
			h.failTransfers(pick(accounts), pick([]string{tokenX, tokenY}))
		}
		switch rng.Intn(4) {
		case 0:
			maker := pick(accounts)
			counterparty := pick(accounts)
			in, out := fx(int64(rng.Intn(5)+1)), fy(int64(rng.Intn(5)+1))
			if rng.Intn(2) == 0 {
				in, out = fy(int64(rng.Intn(5)+1)), fx(int64(rng.Intn(5)+1))
			}
			err := h.deposit(maker, in, CreateInstruction(counterparty, out, ""), depositGas)
			if maker == counterparty {
				if !errors.Is(err, ErrSelfDealing) {
					t.Fatalf("step %d: expected ErrSelfDealing, got %v", step, err)
				}
				break
			}
			if err != nil {
				// Running out of balance is the only acceptable failure.
				if h.balance(in.Contract, maker) >= in.Amount.Int64() {
					t.Fatalf("step %d: create: %v", step, err)
				}
				break
			}
			page, _ := h.engine.FindByMaker(maker, 0, DefaultMaxPageSize)
			if len(page) > 0 {
				ids = append(ids, page[len(page)-1].ID)
			}
		case 1:
			if len(ids) == 0 {
				break
			}
			id := pick(ids)
			view, err := h.engine.Offer(id)
			if err != nil {
				break
			}
			_ = h.accept(view.Counterparty, view.Terms.Out, id)
		case 2:
			if len(ids) == 0 {
				break
			}
			id := pick(ids)
			view, err := h.engine.Offer(id)
			if err != nil {
				break
			}
			if _, err := h.withdraw(view.Maker, id, depositGas); err != nil {
				t.Fatalf("step %d: withdraw: %v", step, err)
			}
		default:
			h.drain()
		}
		h.assertConsistent(ids, accounts)
		assertSupply(t, h, append(accounts, escrowAccount), supply*int64(len(accounts)))
	}
	h.clearFailures()
	h.drain()
	h.assertConsistent(ids, accounts)
	if _, err := h.engine.VerifySettlementLog(); err != nil {
		t.Fatalf("verify log: %v", err)
	}
}

func assertSupply(t *testing.T, h *harness, holders []string, want int64) {
	t.Helper()
	for _, contract := range []string{tokenX, tokenY} {
		var total int64
		for _, holder := range holders {
			total += h.balance(contract, holder)
		}
		if total != want {
			t.Fatalf("%s supply drifted: got %d want %d", contract, total, want)
		}
	}
}

func TestSettlementJSONUsesNames(t *testing.T) {
	in := Settlement{Token: 3, Kind: SettlementAccept, State: SettlementCompensated, Payout: PayoutRetained}
	raw, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, want := range []string{`"kind":"accept"`, `"state":"compensated"`, `"payout":"retained"`} {
		if !strings.Contains(string(raw), want) {
			t.Fatalf("expected %s in %s", want, raw)
		}
	}
	var out Settlement
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Kind != in.Kind || out.State != in.State || out.Payout != in.Payout {
		t.Fatalf("decoded %+v", out)
	}
	if err := json.Unmarshal([]byte(`{"kind":"swap"}`), &out); err == nil {
		t.Fatalf("expected unknown kind to fail")
	}
}
