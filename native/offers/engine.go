package offers

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"offerbook/core/events"
	"offerbook/core/host"
	"offerbook/core/state"
	"offerbook/core/types"
	nativecommon "offerbook/native/common"
)

// Engine holds deposited assets in custody and settles offers between a maker
// and a fixed counterparty. Every asset movement out of custody is an
// asynchronous transfer resolved by a callback, so the engine removes an offer
// before dispatching and re-inserts it if the transfer fails.
//
// Engine is not safe for concurrent use; the host serialises invocations.
type Engine struct {
	account string
	state   *state.Manager
	params  Params
	emitter events.Emitter
	pauses  nativecommon.PauseView
	logger  *slog.Logger
}

// NewEngine constructs an engine for the contract account persisting in st.
func NewEngine(account string, st *state.Manager) *Engine {
	return &Engine{
		account: account,
		state:   st,
		params:  DefaultParams(),
		emitter: events.NoopEmitter{},
		logger:  slog.Default(),
	}
}

// Account returns the contract account the engine custodies assets for.
func (e *Engine) Account() string { return e.account }

// Params returns the active parameters.
func (e *Engine) Params() Params { return e.params }

// SetParams replaces the engine parameters after validating them.
func (e *Engine) SetParams(p Params) error {
	if err := p.Validate(); err != nil {
		return err
	}
	e.params = p
	return nil
}

// SetEmitter configures the event emitter used by the engine.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetPauses wires the pause gate consulted before creation, acceptance and
// withdrawal.
func (e *Engine) SetPauses(p nativecommon.PauseView) { e.pauses = p }

// SetLogger configures the engine logger.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	e.logger = logger
}

func (e *Engine) emit(evt *types.Event) {
	if e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(offerEvent{evt: evt})
}

func unixNow(env host.Env) uint64 {
	ts := env.Now().Unix()
	if ts < 0 {
		return 0
	}
	return uint64(ts)
}

// DeriveOfferID returns the id assigned to the seq-th offer created by maker.
func DeriveOfferID(maker string, seq uint64) string {
	return hex.EncodeToString(ethcrypto.Keccak256([]byte(maker + ":" + strconv.FormatUint(seq, 10))))
}

// OnAssetArrival handles an asset deposited into custody. The predecessor
// must be the ledger of the deposited asset. The instruction payload either
// creates an offer or accepts one. A returned error makes the ledger send the
// deposit back to its sender.
func (e *Engine) OnAssetArrival(env host.Env, arrival types.Arrival) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if err := nativecommon.Guard(e.pauses, ModuleName); err != nil {
		return err
	}
	deposit, err := arrival.Asset.Sanitize()
	if err != nil {
		return err
	}
	if env.Predecessor() != deposit.Contract {
		return fmt.Errorf("%w: arrival reported by %q for asset %s", ErrUnauthorized, env.Predecessor(), deposit.Contract)
	}
	sender, err := types.NormalizeAccount(arrival.Sender)
	if err != nil {
		return err
	}
	inst, err := ParseInstruction(arrival.Msg)
	if err != nil {
		return err
	}
	switch {
	case inst.IsCreate():
		_, err := e.create(env, sender, deposit, inst)
		return err
	case inst.IsAccept():
		_, err := e.accept(env, sender, deposit, strings.TrimSpace(inst.OfferID))
		return err
	default:
		return fmt.Errorf("%w: payload names neither a counterparty nor an offer", ErrInvalidInstruction)
	}
}

func (e *Engine) create(env host.Env, maker string, in types.Asset, inst Instruction) (*Offer, error) {
	counterparty, err := types.NormalizeAccount(inst.Counterparty)
	if err != nil {
		return nil, fmt.Errorf("%w: counterparty: %w", ErrInvalidInstruction, err)
	}
	if counterparty == maker {
		return nil, ErrSelfDealing
	}
	out, err := inst.RequestedAsset()
	if err != nil {
		return nil, err
	}
	now := unixNow(env)
	var offer *Offer
	err = e.state.Atomic(func(tx *state.Manager) error {
		if err := e.chargeQuota(tx, maker, now); err != nil {
			return err
		}
		store := NewStore(tx)
		id, err := e.assignID(store, maker, inst.OfferID)
		if err != nil {
			return err
		}
		offer = &Offer{
			ID:           id,
			Maker:        maker,
			Counterparty: counterparty,
			Terms:        Terms{In: in.Clone(), Out: out},
		}
		if err := store.Put(offer); err != nil {
			return err
		}
		return store.SetStatus(id, StatusOpen, 0, now)
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("offer created",
		slog.String("offer", offer.ID),
		slog.String("maker", offer.Maker),
		slog.String("counterparty", offer.Counterparty),
		slog.String("shape", offer.Terms.Shape()))
	e.emit(NewCreatedEvent(offer))
	return offer.Clone(), nil
}

// assignID returns the caller-supplied id when it has never been used, or
// derives a fresh one from the maker and the creation sequence.
func (e *Engine) assignID(store *Store, maker, requested string) (string, error) {
	if strings.TrimSpace(requested) != "" {
		id, err := sanitizeOfferID(requested)
		if err != nil {
			return "", err
		}
		status, _, err := store.Status(id)
		if err != nil {
			return "", err
		}
		if status != StatusUnknown {
			return "", fmt.Errorf("%w: %s", ErrOfferExists, id)
		}
		return id, nil
	}
	for {
		seq, err := store.NextSequence()
		if err != nil {
			return "", err
		}
		id := DeriveOfferID(maker, seq)
		status, _, err := store.Status(id)
		if err != nil {
			return "", err
		}
		if status == StatusUnknown {
			return id, nil
		}
	}
}

func (e *Engine) chargeQuota(tx *state.Manager, maker string, now uint64) error {
	quota := e.params.CreationQuota
	if !quota.Enabled() {
		return nil
	}
	key := []byte(prefixQuota + maker)
	var usage nativecommon.Usage
	if _, err := tx.KVGet(key, &usage); err != nil {
		return err
	}
	next, err := nativecommon.CheckQuota(quota, now, usage, 1)
	if err != nil {
		return fmt.Errorf("offers: creation quota for %s: %w", maker, err)
	}
	return tx.KVPut(key, next)
}

func (e *Engine) checkBudget(env host.Env) error {
	required := e.params.RequiredGas()
	if remaining := env.Remaining(); remaining < required {
		return fmt.Errorf("%w: need %d, have %d", ErrInsufficientBudget, required, remaining)
	}
	return nil
}

// Withdraw returns the maker's deposit. The offer is removed before the
// transfer is dispatched; a failed transfer re-inserts it. The returned
// token identifies the settlement.
func (e *Engine) Withdraw(env host.Env, offerID string) (uint64, error) {
	if e == nil || e.state == nil {
		return 0, ErrNilState
	}
	if err := nativecommon.Guard(e.pauses, ModuleName); err != nil {
		return 0, err
	}
	id := strings.TrimSpace(offerID)
	maker, ok, err := NewStore(e.state).MakerOf(id)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if env.Predecessor() != maker {
		return 0, fmt.Errorf("%w: only the maker may withdraw", ErrUnauthorized)
	}
	if err := e.checkBudget(env); err != nil {
		return 0, err
	}
	offer, token, err := e.open(env, id, SettlementWithdraw, types.Asset{})
	if err != nil {
		return 0, err
	}
	e.logger.Info("offer withdrawal dispatched",
		slog.String("offer", id),
		slog.Uint64("token", token))
	e.emit(NewRemovedEvent(offer, token, SettlementWithdraw))
	return token, nil
}

func (e *Engine) accept(env host.Env, sender string, deposit types.Asset, id string) (uint64, error) {
	store := NewStore(e.state)
	counterparty, ok, err := store.CounterpartyOf(id)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if sender != counterparty {
		return 0, fmt.Errorf("%w: only the counterparty may accept", ErrUnauthorized)
	}
	offer, ok, err := store.Get(id)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !deposit.Equal(offer.Terms.Out) {
		return 0, fmt.Errorf("%w: deposited %s, offer requests %s", ErrTermsMismatch, deposit, offer.Terms.Out)
	}
	if err := e.checkBudget(env); err != nil {
		return 0, err
	}
	removed, token, err := e.open(env, id, SettlementAccept, deposit)
	if err != nil {
		return 0, err
	}
	e.logger.Info("offer acceptance dispatched",
		slog.String("offer", id),
		slog.String("counterparty", sender),
		slog.Uint64("token", token))
	e.emit(NewRemovedEvent(removed, token, SettlementAccept))
	return token, nil
}

// open removes the offer, opens a settlement and dispatches the primary
// transfer in one atomic step. Withdrawals return Terms.In to the maker and
// acceptances send it to the counterparty while legB stays in custody.
func (e *Engine) open(env host.Env, id string, kind SettlementKind, legB types.Asset) (*Offer, uint64, error) {
	now := unixNow(env)
	var (
		removed *Offer
		token   uint64
	)
	err := e.state.Atomic(func(tx *state.Manager) error {
		store := NewStore(tx)
		log := newSettlementLog(tx)
		var err error
		removed, err = store.Remove(id)
		if err != nil {
			return err
		}
		token, err = log.nextToken()
		if err != nil {
			return err
		}
		settlement := &Settlement{
			Token:        token,
			Kind:         kind,
			State:        SettlementPending,
			OfferID:      removed.ID,
			Maker:        removed.Maker,
			Counterparty: removed.Counterparty,
			Terms:        removed.Terms.Clone(),
			LegB:         legB.Clone(),
			OpenedAt:     now,
		}
		if err := log.put(settlement); err != nil {
			return err
		}
		if _, err := log.append(token, LogOpened, id, kind.String(), now); err != nil {
			return err
		}
		if err := store.SetStatus(id, StatusSettling, token, now); err != nil {
			return err
		}
		args, err := rlp.EncodeToBytes(ResolveArgs{
			Token:        token,
			OfferID:      removed.ID,
			Maker:        removed.Maker,
			Counterparty: removed.Counterparty,
			Terms:        removed.Terms,
		})
		if err != nil {
			return err
		}
		return e.dispatchPrimary(env, settlement, args)
	})
	if err != nil {
		return nil, 0, err
	}
	return removed, token, nil
}

// dispatchPrimary sends Terms.In to the maker for withdrawals and to the
// counterparty for acceptances, resolved by the matching callback.
func (e *Engine) dispatchPrimary(env host.Env, settlement *Settlement, args []byte) error {
	receiver, method := settlement.Maker, MethodResolveWithdraw
	if settlement.Kind == SettlementAccept {
		receiver, method = settlement.Counterparty, MethodResolveAccept
	}
	_, err := env.Dispatch(host.Transfer{
		Asset:    settlement.Terms.In.Clone(),
		Receiver: receiver,
		Memo:     "offer:" + settlement.OfferID,
		Ref:      primaryRef(settlement.Token),
	}, e.params.GasForTransfer, &host.Callback{
		Receiver: env.CurrentAccount(),
		Method:   method,
		Args:     args,
		Gas:      e.params.GasForResolve,
	})
	return err
}

func primaryRef(token uint64) string {
	return "settlement:" + strconv.FormatUint(token, 10) + ":primary"
}

func payoutRef(token uint64) string {
	return "settlement:" + strconv.FormatUint(token, 10) + ":payout"
}
