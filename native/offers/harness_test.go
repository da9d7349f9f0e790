package offers

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"offerbook/core/events"
	"offerbook/core/host"
	"offerbook/core/state"
	"offerbook/core/types"
	"offerbook/native/assets"
	"offerbook/storage"
)

const (
	escrowAccount = "escrow.offers"
	tokenX        = "x.token"
	tokenY        = "y.token"
	artNFT        = "art.nft"
	depositGas    = 100 * host.TGas
)

type harness struct {
	t        *testing.T
	st       *state.Manager
	sched    *host.Scheduler
	reg      *assets.Registry
	engine   *Engine
	rec      *events.Recorder
	failures map[string]error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := state.NewManager(storage.NewMemDB())
	sched := host.NewScheduler(nil)
	reg := assets.NewRegistry(st, sched)
	sched.SetExecutor(reg)
	sched.SetNowFunc(func() time.Time { return time.Unix(1_700_000_000, 0) })
	engine := NewEngine(escrowAccount, st)
	rec := &events.Recorder{}
	engine.SetEmitter(rec)
	reg.RegisterReceiver(escrowAccount, engine)
	sched.Register(escrowAccount, engine)
	h := &harness{
		t:        t,
		st:       st,
		sched:    sched,
		reg:      reg,
		engine:   engine,
		rec:      rec,
		failures: make(map[string]error),
	}
	reg.SetFaultHook(func(_ string, transfer host.Transfer) error {
		return h.failures[transfer.Receiver+"/"+transfer.Asset.Contract]
	})
	for name, kind := range map[string]types.AssetKind{tokenX: types.AssetFungible, tokenY: types.AssetFungible, artNFT: types.AssetUnique} {
		if err := reg.RegisterContract(name, kind); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	return h
}

func fx(amount int64) types.Asset { return types.Fungible(tokenX, big.NewInt(amount)) }
func fy(amount int64) types.Asset { return types.Fungible(tokenY, big.NewInt(amount)) }
func nft(id string) types.Asset   { return types.Unique(artNFT, id) }

// failTransfers makes every transfer of contract's asset to receiver fail.
func (h *harness) failTransfers(receiver, contract string) {
	h.failures[receiver+"/"+contract] = errors.New("receiver unavailable")
}

func (h *harness) clearFailures() {
	h.failures = make(map[string]error)
}

func (h *harness) mint(account string, asset types.Asset) {
	h.t.Helper()
	if err := h.reg.Mint(account, asset); err != nil {
		h.t.Fatalf("mint %s to %s: %v", asset, account, err)
	}
}

func (h *harness) deposit(sender string, asset types.Asset, inst Instruction, gas host.Gas) error {
	h.t.Helper()
	msg, err := inst.Encode()
	if err != nil {
		h.t.Fatalf("encode instruction: %v", err)
	}
	return h.reg.TransferCall(sender, escrowAccount, asset, msg, gas)
}

func (h *harness) create(maker, counterparty string, in, out types.Asset, id string) {
	h.t.Helper()
	h.mint(maker, in)
	if err := h.deposit(maker, in, CreateInstruction(counterparty, out, id), depositGas); err != nil {
		h.t.Fatalf("create offer %s: %v", id, err)
	}
}

func (h *harness) accept(counterparty string, deposit types.Asset, id string) error {
	h.t.Helper()
	return h.deposit(counterparty, deposit, AcceptInstruction(id), depositGas)
}

func (h *harness) withdraw(caller, id string, gas host.Gas) (uint64, error) {
	h.t.Helper()
	var token uint64
	err := h.sched.Invoke(escrowAccount, caller, gas, func(inv *host.Invocation) error {
		var err error
		token, err = h.engine.Withdraw(inv, id)
		return err
	})
	return token, err
}

func (h *harness) drain() {
	h.t.Helper()
	if _, err := h.sched.Drain(context.Background()); err != nil {
		h.t.Fatalf("drain: %v", err)
	}
}

func (h *harness) balance(contract, account string) int64 {
	h.t.Helper()
	balance, err := h.reg.BalanceOf(contract, account)
	if err != nil {
		h.t.Fatalf("balance: %v", err)
	}
	return balance.Int64()
}

func (h *harness) owner(tokenID string) string {
	h.t.Helper()
	owner, _, err := h.reg.OwnerOf(artNFT, tokenID)
	if err != nil {
		h.t.Fatalf("owner: %v", err)
	}
	return owner
}

func (h *harness) status(id string) OfferStatus {
	h.t.Helper()
	status, _, err := h.engine.Status(id)
	if err != nil {
		h.t.Fatalf("status: %v", err)
	}
	return status
}

func (h *harness) settlement(token uint64) *Settlement {
	h.t.Helper()
	settlement, err := h.engine.Settlement(token)
	if err != nil {
		h.t.Fatalf("settlement %d: %v", token, err)
	}
	return settlement
}

func (h *harness) eventSeen(eventType string) bool {
	for _, seen := range h.rec.Types() {
		if seen == eventType {
			return true
		}
	}
	return false
}

// assertConsistent checks that the primary map and all four indices agree
// for the given ids and accounts.
func (h *harness) assertConsistent(ids, accounts []string) {
	h.t.Helper()
	store := NewStore(h.st)
	seen := make(map[string]int)
	for _, account := range accounts {
		byMaker, err := store.ByMaker(account)
		if err != nil {
			h.t.Fatalf("by maker: %v", err)
		}
		for _, id := range byMaker {
			offer, ok, err := store.Get(id)
			if err != nil || !ok || offer.Maker != account {
				h.t.Fatalf("maker index of %s lists %s which is not its live offer", account, id)
			}
			seen[id]++
		}
		byCounterparty, err := store.ByCounterparty(account)
		if err != nil {
			h.t.Fatalf("by counterparty: %v", err)
		}
		for _, id := range byCounterparty {
			offer, ok, err := store.Get(id)
			if err != nil || !ok || offer.Counterparty != account {
				h.t.Fatalf("counterparty index of %s lists %s which is not its live offer", account, id)
			}
			seen[id]++
		}
	}
	for _, id := range ids {
		_, ok, err := store.Get(id)
		if err != nil {
			h.t.Fatalf("get %s: %v", id, err)
		}
		status := h.status(id)
		if ok {
			if seen[id] != 2 {
				h.t.Fatalf("live offer %s indexed %d times, want 2", id, seen[id])
			}
			if status != StatusOpen {
				h.t.Fatalf("live offer %s has status %s", id, status)
			}
			continue
		}
		if seen[id] != 0 {
			h.t.Fatalf("removed offer %s still indexed", id)
		}
		if _, found, _ := store.MakerOf(id); found {
			h.t.Fatalf("removed offer %s still has maker_of", id)
		}
		if _, found, _ := store.CounterpartyOf(id); found {
			h.t.Fatalf("removed offer %s still has counterparty_of", id)
		}
		if status == StatusOpen {
			h.t.Fatalf("removed offer %s reported open", id)
		}
	}
}
