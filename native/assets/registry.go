package assets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/holiman/uint256"

	"offerbook/core/events"
	"offerbook/core/host"
	"offerbook/core/state"
	"offerbook/core/types"
)

var (
	ErrUnknownContract     = errors.New("assets: unknown asset contract")
	ErrKindMismatch        = errors.New("assets: asset kind does not match contract")
	ErrInsufficientBalance = errors.New("assets: insufficient balance")
	ErrNotOwner            = errors.New("assets: token not owned by sender")
	ErrTokenExists         = errors.New("assets: token already minted")
	ErrBalanceOverflow     = errors.New("assets: balance overflow")
	ErrNoReceiver          = errors.New("assets: receiver does not accept transfer calls")
	ErrNilState            = errors.New("assets: state not configured")
)

const (
	contractKindPrefix    = "assets/contract/"
	fungibleBalancePrefix = "assets/ft/"
	uniquePrefix          = "assets/nft/"
	transferRefPrefix     = "assets/ref/"
)

var contractListKey = []byte("assets/contracts")

// Receiver is implemented by accounts that accept transfer-and-call deposits.
type Receiver interface {
	OnAssetArrival(env host.Env, arrival types.Arrival) error
}

// FaultHook lets operators and tests fail selected transfers. A non-nil error
// aborts the transfer before any balance moves.
type FaultHook func(from string, transfer host.Transfer) error

// Contract describes a registered asset ledger.
type Contract struct {
	Name string
	Kind types.AssetKind
}

type contractRecord struct {
	Kind uint8
}

// Registry hosts the fungible and unique asset ledgers. It executes the
// transfers dispatched by contracts and delivers transfer-and-call deposits to
// registered receivers.
//
// Registry is not safe for concurrent use; callers serialise access.
type Registry struct {
	state     *state.Manager
	scheduler *host.Scheduler
	receivers map[string]Receiver
	fault     FaultHook
	emitter   events.Emitter
	logger    *slog.Logger
}

// NewRegistry constructs a registry persisting ledgers in st.
func NewRegistry(st *state.Manager, scheduler *host.Scheduler) *Registry {
	return &Registry{
		state:     st,
		scheduler: scheduler,
		receivers: make(map[string]Receiver),
		emitter:   events.NoopEmitter{},
		logger:    slog.Default(),
	}
}

// SetEmitter configures the event emitter used by the registry.
func (r *Registry) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		r.emitter = events.NoopEmitter{}
		return
	}
	r.emitter = emitter
}

// SetLogger configures the registry logger.
func (r *Registry) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	r.logger = logger
}

// SetFaultHook installs hook. Nil disables fault injection.
func (r *Registry) SetFaultHook(hook FaultHook) { r.fault = hook }

// RegisterReceiver binds the transfer-and-call receiver for account.
func (r *Registry) RegisterReceiver(account string, receiver Receiver) {
	r.receivers[account] = receiver
}

// RegisterContract declares an asset ledger. Re-registering with the same
// kind is a no-op.
func (r *Registry) RegisterContract(name string, kind types.AssetKind) error {
	if r.state == nil {
		return ErrNilState
	}
	normalized, err := types.NormalizeAccount(name)
	if err != nil {
		return err
	}
	if kind != types.AssetFungible && kind != types.AssetUnique {
		return fmt.Errorf("%w: kind %s", ErrKindMismatch, kind)
	}
	existing, ok, err := r.contractKind(r.state, normalized)
	if err != nil {
		return err
	}
	if ok {
		if existing != kind {
			return fmt.Errorf("%w: %s is %s", ErrKindMismatch, normalized, existing)
		}
		return nil
	}
	return r.state.Atomic(func(tx *state.Manager) error {
		if err := tx.KVPut(contractKey(normalized), contractRecord{Kind: uint8(kind)}); err != nil {
			return err
		}
		return tx.KVAppend(contractListKey, []byte(normalized))
	})
}

// Batch runs fn against a view of the registry whose writes, together with
// the writes fn makes to tx, commit in one batch. Nothing persists when fn
// fails. Events raised through the view are emitted after the commit.
func (r *Registry) Batch(fn func(view *Registry, tx *state.Manager) error) error {
	if r.state == nil {
		return ErrNilState
	}
	var held heldEvents
	err := r.state.Atomic(func(tx *state.Manager) error {
		view := &Registry{
			state:     tx,
			scheduler: r.scheduler,
			receivers: r.receivers,
			fault:     r.fault,
			emitter:   &held,
			logger:    r.logger,
		}
		return fn(view, tx)
	})
	if err != nil {
		return err
	}
	for _, evt := range held {
		r.emitter.Emit(evt)
	}
	return nil
}

type heldEvents []events.Event

func (h *heldEvents) Emit(evt events.Event) { *h = append(*h, evt) }

// Contracts lists the registered ledgers in registration order.
func (r *Registry) Contracts() ([]Contract, error) {
	if r.state == nil {
		return nil, ErrNilState
	}
	var names [][]byte
	if err := r.state.KVGetList(contractListKey, &names); err != nil {
		return nil, err
	}
	out := make([]Contract, 0, len(names))
	for _, raw := range names {
		kind, _, err := r.contractKind(r.state, string(raw))
		if err != nil {
			return nil, err
		}
		out = append(out, Contract{Name: string(raw), Kind: kind})
	}
	return out, nil
}

// Mint credits asset to account outside of any escrow flow. It is used for
// genesis ledgers and tests.
func (r *Registry) Mint(account string, asset types.Asset) error {
	if r.state == nil {
		return ErrNilState
	}
	to, err := types.NormalizeAccount(account)
	if err != nil {
		return err
	}
	sanitized, err := asset.Sanitize()
	if err != nil {
		return err
	}
	err = r.state.Atomic(func(tx *state.Manager) error {
		if err := r.checkKind(tx, sanitized); err != nil {
			return err
		}
		switch sanitized.Kind {
		case types.AssetFungible:
			return r.credit(tx, sanitized.Contract, to, sanitized.Amount)
		default:
			_, owned, err := r.ownerOf(tx, sanitized.Contract, sanitized.TokenID)
			if err != nil {
				return err
			}
			if owned {
				return fmt.Errorf("%w: %s", ErrTokenExists, sanitized)
			}
			return r.setOwner(tx, sanitized.Contract, sanitized.TokenID, "", to)
		}
	})
	if err != nil {
		return err
	}
	r.emit(newMintedEvent(to, sanitized))
	return nil
}

// BalanceOf returns the fungible balance of account on contract.
func (r *Registry) BalanceOf(contract, account string) (*big.Int, error) {
	if r.state == nil {
		return nil, ErrNilState
	}
	return r.balance(r.state, contract, account)
}

// OwnerOf returns the current owner of a unique token.
func (r *Registry) OwnerOf(contract, tokenID string) (string, bool, error) {
	if r.state == nil {
		return "", false, ErrNilState
	}
	return r.ownerOf(r.state, contract, tokenID)
}

// TokensOf lists the unique tokens account holds on contract.
func (r *Registry) TokensOf(contract, account string) ([]string, error) {
	if r.state == nil {
		return nil, ErrNilState
	}
	var raw [][]byte
	if err := r.state.KVGetList(tokensKey(contract, account), &raw); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(raw))
	for _, id := range raw {
		out = append(out, string(id))
	}
	return out, nil
}

// Transfer moves asset between two accounts.
func (r *Registry) Transfer(from, to string, asset types.Asset) error {
	if r.state == nil {
		return ErrNilState
	}
	src, err := types.NormalizeAccount(from)
	if err != nil {
		return err
	}
	dst, err := types.NormalizeAccount(to)
	if err != nil {
		return err
	}
	sanitized, err := asset.Sanitize()
	if err != nil {
		return err
	}
	if err := r.state.Atomic(func(tx *state.Manager) error {
		return r.move(tx, src, dst, sanitized)
	}); err != nil {
		return err
	}
	r.emit(newTransferredEvent(src, dst, sanitized, ""))
	return nil
}

// ExecuteTransfer implements host.Executor for transfers dispatched by
// contracts out of their custody.
func (r *Registry) ExecuteTransfer(_ context.Context, from string, transfer host.Transfer) error {
	if r.state == nil {
		return ErrNilState
	}
	if transfer.Ref != "" {
		applied, err := r.state.KVHas(transferRefKey(from, transfer.Ref))
		if err != nil {
			return err
		}
		if applied {
			r.logger.Info("transfer already applied",
				slog.String("from", from),
				slog.String("ref", transfer.Ref))
			return nil
		}
	}
	if r.fault != nil {
		if err := r.fault(from, transfer); err != nil {
			return err
		}
	}
	receiver, err := types.NormalizeAccount(transfer.Receiver)
	if err != nil {
		return err
	}
	sanitized, err := transfer.Asset.Sanitize()
	if err != nil {
		return err
	}
	if err := r.state.Atomic(func(tx *state.Manager) error {
		if err := r.move(tx, from, receiver, sanitized); err != nil {
			return err
		}
		if transfer.Ref == "" {
			return nil
		}
		return tx.KVPut(transferRefKey(from, transfer.Ref), true)
	}); err != nil {
		return err
	}
	r.emit(newTransferredEvent(from, receiver, sanitized, transfer.Memo))
	return nil
}

// TransferCall moves asset from sender into receiver's custody and notifies
// the receiver in an invocation whose predecessor is the asset contract. When
// the receiver rejects the deposit the asset is returned to sender and the
// receiver's error is reported.
func (r *Registry) TransferCall(sender, receiver string, asset types.Asset, msg []byte, gas host.Gas) error {
	if r.state == nil {
		return ErrNilState
	}
	if r.scheduler == nil {
		return fmt.Errorf("assets: scheduler not configured")
	}
	from, err := types.NormalizeAccount(sender)
	if err != nil {
		return err
	}
	to, err := types.NormalizeAccount(receiver)
	if err != nil {
		return err
	}
	handler, ok := r.receivers[to]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoReceiver, to)
	}
	sanitized, err := asset.Sanitize()
	if err != nil {
		return err
	}
	if err := r.state.Atomic(func(tx *state.Manager) error {
		return r.move(tx, from, to, sanitized)
	}); err != nil {
		return err
	}
	arrival := types.Arrival{Sender: from, Asset: sanitized.Clone(), Msg: append([]byte(nil), msg...)}
	callErr := r.scheduler.Invoke(to, sanitized.Contract, gas, func(inv *host.Invocation) error {
		return handler.OnAssetArrival(inv, arrival)
	})
	if callErr == nil {
		r.emit(newTransferredEvent(from, to, sanitized, "transfer_call"))
		return nil
	}
	if err := r.state.Atomic(func(tx *state.Manager) error {
		return r.move(tx, to, from, sanitized)
	}); err != nil {
		r.logger.Error("deposit refund failed",
			slog.String("sender", from),
			slog.String("receiver", to),
			slog.String("asset", sanitized.String()),
			slog.String("error", err.Error()))
		return errors.Join(callErr, fmt.Errorf("assets: refund deposit: %w", err))
	}
	r.logger.Info("deposit rejected",
		slog.String("sender", from),
		slog.String("receiver", to),
		slog.String("asset", sanitized.String()),
		slog.String("reason", callErr.Error()))
	return callErr
}

func (r *Registry) move(tx *state.Manager, from, to string, asset types.Asset) error {
	if err := r.checkKind(tx, asset); err != nil {
		return err
	}
	switch asset.Kind {
	case types.AssetFungible:
		if err := r.debit(tx, asset.Contract, from, asset.Amount); err != nil {
			return err
		}
		return r.credit(tx, asset.Contract, to, asset.Amount)
	default:
		owner, owned, err := r.ownerOf(tx, asset.Contract, asset.TokenID)
		if err != nil {
			return err
		}
		if !owned || owner != from {
			return fmt.Errorf("%w: %s held by %q", ErrNotOwner, asset, owner)
		}
		return r.setOwner(tx, asset.Contract, asset.TokenID, from, to)
	}
}

func (r *Registry) checkKind(tx *state.Manager, asset types.Asset) error {
	kind, ok, err := r.contractKind(tx, asset.Contract)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownContract, asset.Contract)
	}
	if kind != asset.Kind {
		return fmt.Errorf("%w: %s is %s", ErrKindMismatch, asset.Contract, kind)
	}
	return nil
}

func (r *Registry) contractKind(st *state.Manager, name string) (types.AssetKind, bool, error) {
	var rec contractRecord
	ok, err := st.KVGet(contractKey(name), &rec)
	if err != nil || !ok {
		return types.AssetNone, ok, err
	}
	return types.AssetKind(rec.Kind), true, nil
}

func (r *Registry) balance(st *state.Manager, contract, account string) (*big.Int, error) {
	balance := new(big.Int)
	if _, err := st.KVGet(balanceKey(contract, account), balance); err != nil {
		return nil, err
	}
	return balance, nil
}

func (r *Registry) credit(tx *state.Manager, contract, account string, amount *big.Int) error {
	current, err := r.balance(tx, contract, account)
	if err != nil {
		return err
	}
	cur, overflow := uint256.FromBig(current)
	if overflow {
		return ErrBalanceOverflow
	}
	delta, overflow := uint256.FromBig(amount)
	if overflow {
		return ErrBalanceOverflow
	}
	sum, overflow := new(uint256.Int).AddOverflow(cur, delta)
	if overflow {
		return ErrBalanceOverflow
	}
	return tx.KVPut(balanceKey(contract, account), sum.ToBig())
}

func (r *Registry) debit(tx *state.Manager, contract, account string, amount *big.Int) error {
	current, err := r.balance(tx, contract, account)
	if err != nil {
		return err
	}
	cur, overflow := uint256.FromBig(current)
	if overflow {
		return ErrBalanceOverflow
	}
	delta, overflow := uint256.FromBig(amount)
	if overflow {
		return ErrBalanceOverflow
	}
	if cur.Lt(delta) {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientBalance, account, cur.Dec(), delta.Dec())
	}
	remaining := new(uint256.Int).Sub(cur, delta)
	if remaining.IsZero() {
		return tx.KVDelete(balanceKey(contract, account))
	}
	return tx.KVPut(balanceKey(contract, account), remaining.ToBig())
}

func (r *Registry) ownerOf(st *state.Manager, contract, tokenID string) (string, bool, error) {
	var owner string
	ok, err := st.KVGet(ownerKey(contract, tokenID), &owner)
	if err != nil || !ok {
		return "", false, err
	}
	return owner, true, nil
}

func (r *Registry) setOwner(tx *state.Manager, contract, tokenID, from, to string) error {
	if from != "" {
		if _, err := tx.KVRemove(tokensKey(contract, from), []byte(tokenID)); err != nil {
			return err
		}
	}
	if err := tx.KVPut(ownerKey(contract, tokenID), to); err != nil {
		return err
	}
	return tx.KVAppend(tokensKey(contract, to), []byte(tokenID))
}

func (r *Registry) emit(evt *types.Event) {
	if r.emitter == nil || evt == nil {
		return
	}
	r.emitter.Emit(assetEvent{evt: evt})
}

func contractKey(name string) []byte {
	return []byte(contractKindPrefix + strings.TrimSpace(name))
}

func balanceKey(contract, account string) []byte {
	return []byte(fungibleBalancePrefix + contract + "/balance/" + account)
}

func ownerKey(contract, tokenID string) []byte {
	return []byte(uniquePrefix + contract + "/owner/" + tokenID)
}

func tokensKey(contract, account string) []byte {
	return []byte(uniquePrefix + contract + "/tokens/" + account)
}

func transferRefKey(from, ref string) []byte {
	return []byte(transferRefPrefix + from + "/" + ref)
}
