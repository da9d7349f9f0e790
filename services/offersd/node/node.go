package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"offerbook/core/events"
	"offerbook/core/host"
	"offerbook/core/state"
	"offerbook/core/types"
	"offerbook/native/assets"
	nativecommon "offerbook/native/common"
	"offerbook/native/offers"
	"offerbook/observability"
	"offerbook/storage"
)

const genesisMarkerKey = "offersd/genesis"

// ErrTransferBlocked is reported for transfers to a blocked receiver.
var ErrTransferBlocked = errors.New("offersd: receiver blocked")

// Options configures a Node.
type Options struct {
	EscrowAccount string
	Database      storage.Database
	CacheSize     int
	Params        offers.Params
	Paused        bool
	DefaultGas    host.Gas
	// Blocked lists receivers whose incoming transfers fail, either as
	// "account" or "account/contract".
	Blocked  []string
	Emitters []events.Emitter
	FeedSize int
	Logger   *slog.Logger
	Now      func() time.Time
}

// Genesis seeds asset ledgers the first time a store is opened.
type Genesis struct {
	Contracts []GenesisContract
	Balances  []GenesisBalance
	Tokens    []GenesisToken
}

type GenesisContract struct {
	Name string
	Kind types.AssetKind
}

type GenesisBalance struct {
	Contract string
	Account  string
	Amount   *big.Int
}

type GenesisToken struct {
	Contract string
	TokenID  string
	Owner    string
}

// OfferState combines the lifecycle status of an offer with its live view.
// View is nil once the offer has left the book.
type OfferState struct {
	ID     string            `json:"id"`
	Status string            `json:"status"`
	Token  uint64            `json:"token,omitempty"`
	View   *offers.OfferView `json:"offer,omitempty"`
}

// Node owns the escrow engine, the asset ledgers and the scheduler executing
// dispatched transfers. Every invocation is serialised behind one mutex.
type Node struct {
	mu         sync.Mutex
	db         storage.Database
	state      *state.Manager
	scheduler  *host.Scheduler
	registry   *assets.Registry
	engine     *offers.Engine
	pauses     *nativecommon.PauseSet
	feed       *Feed
	defaultGas host.Gas
	blocked    map[string]bool
	logger     *slog.Logger
}

// New wires the engine, registry and scheduler over opts.Database.
func New(opts Options) (*Node, error) {
	if opts.Database == nil {
		return nil, fmt.Errorf("offersd: database required")
	}
	account, err := types.NormalizeAccount(opts.EscrowAccount)
	if err != nil {
		return nil, fmt.Errorf("offersd: escrow account: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	defaultGas := opts.DefaultGas
	if defaultGas == 0 {
		defaultGas = 100 * host.TGas
	}
	var stateOpts []state.Option
	if opts.CacheSize != 0 {
		stateOpts = append(stateOpts, state.WithCacheSize(opts.CacheSize))
	}
	st := state.NewManager(opts.Database, stateOpts...)

	n := &Node{
		db:         opts.Database,
		state:      st,
		pauses:     nativecommon.NewPauseSet(),
		feed:       NewFeed(opts.FeedSize),
		defaultGas: defaultGas,
		blocked:    make(map[string]bool),
		logger:     logger,
	}
	for _, entry := range opts.Blocked {
		key, err := normalizeBlocked(entry)
		if err != nil {
			return nil, fmt.Errorf("offersd: blocked receiver %q: %w", entry, err)
		}
		n.blocked[key] = true
	}
	if opts.Paused {
		n.pauses.Pause(offers.ModuleName)
	}

	emitter := events.Tee(append([]events.Emitter{n.feed, metricsEmitter{}}, opts.Emitters...))

	n.scheduler = host.NewScheduler(nil)
	n.scheduler.SetLogger(logger.With(slog.String("component", "scheduler")))
	if opts.Now != nil {
		n.scheduler.SetNowFunc(opts.Now)
	}
	n.registry = assets.NewRegistry(st, n.scheduler)
	n.registry.SetLogger(logger.With(slog.String("component", "assets")))
	n.registry.SetEmitter(emitter)
	n.registry.SetFaultHook(n.checkBlocked)
	n.scheduler.SetExecutor(n.registry)

	n.engine = offers.NewEngine(account, st)
	params := opts.Params
	if params == (offers.Params{}) {
		params = offers.DefaultParams()
	}
	if err := n.engine.SetParams(params); err != nil {
		return nil, err
	}
	n.engine.SetLogger(logger.With(slog.String("component", "offers")))
	n.engine.SetEmitter(emitter)
	n.engine.SetPauses(n.pauses)
	n.registry.RegisterReceiver(account, n.engine)
	n.scheduler.Register(account, n.engine)
	if err := n.requeueUnresolved(); err != nil {
		return nil, fmt.Errorf("offersd: recover settlements: %w", err)
	}
	return n, nil
}

// requeueUnresolved queues again the transfers of settlements left
// unresolved by a previous process. Queued promises are not persisted.
func (n *Node) requeueUnresolved() error {
	tokens, err := n.engine.Unresolved()
	if err != nil {
		return err
	}
	account := n.engine.Account()
	gas := n.engine.Params().RequiredGas()
	for _, token := range tokens {
		err := n.scheduler.Invoke(account, account, gas, func(inv *host.Invocation) error {
			_, err := n.engine.Redispatch(inv, token)
			return err
		})
		if err != nil {
			return fmt.Errorf("token %d: %w", token, err)
		}
	}
	if len(tokens) > 0 {
		n.logger.Info("unresolved settlements requeued", slog.Int("count", len(tokens)))
	}
	return nil
}

// EscrowAccount returns the custody account of the engine.
func (n *Node) EscrowAccount() string { return n.engine.Account() }

// Feed exposes the recent event feed.
func (n *Node) Feed() *Feed { return n.feed }

// Close releases the backing database.
func (n *Node) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.db.Close()
}

// ApplyGenesis registers contracts and mints the seeded ledgers once, in one
// atomic batch with the applied marker. Later calls against the same store
// are no-ops; a failed call leaves the store untouched.
func (n *Node) ApplyGenesis(g Genesis) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	applied, err := n.state.KVHas([]byte(genesisMarkerKey))
	if err != nil {
		return err
	}
	if applied {
		return nil
	}
	return n.registry.Batch(func(reg *assets.Registry, tx *state.Manager) error {
		for _, c := range g.Contracts {
			if err := reg.RegisterContract(c.Name, c.Kind); err != nil {
				return fmt.Errorf("genesis contract %s: %w", c.Name, err)
			}
		}
		for _, b := range g.Balances {
			if err := reg.Mint(b.Account, types.Fungible(b.Contract, b.Amount)); err != nil {
				return fmt.Errorf("genesis balance %s/%s: %w", b.Contract, b.Account, err)
			}
		}
		for _, tok := range g.Tokens {
			if err := reg.Mint(tok.Owner, types.Unique(tok.Contract, tok.TokenID)); err != nil {
				return fmt.Errorf("genesis token %s/%s: %w", tok.Contract, tok.TokenID, err)
			}
		}
		return tx.KVPut([]byte(genesisMarkerKey), true)
	})
}

// Deposit moves asset from sender into custody together with an instruction
// that creates or accepts an offer. A rejected instruction leaves the asset
// with sender.
func (n *Node) Deposit(sender string, asset types.Asset, inst offers.Instruction, gas host.Gas) error {
	msg, err := inst.Encode()
	if err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.registry.TransferCall(sender, n.engine.Account(), asset, msg, n.gas(gas))
}

// Withdraw removes caller's offer and dispatches the refund transfer.
func (n *Node) Withdraw(caller, offerID string, gas host.Gas) (uint64, error) {
	account, err := types.NormalizeAccount(caller)
	if err != nil {
		return 0, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	var token uint64
	err = n.scheduler.Invoke(n.engine.Account(), account, n.gas(gas), func(inv *host.Invocation) error {
		var err error
		token, err = n.engine.Withdraw(inv, offerID)
		return err
	})
	return token, err
}

func (n *Node) gas(requested host.Gas) host.Gas {
	if requested == 0 {
		return n.defaultGas
	}
	return requested
}

// Offer reports the status of id and its view while it is still open.
func (n *Node) Offer(id string) (OfferState, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	status, token, err := n.engine.Status(id)
	if err != nil {
		return OfferState{}, err
	}
	if status == offers.StatusUnknown {
		return OfferState{}, fmt.Errorf("%w: %s", offers.ErrNotFound, id)
	}
	out := OfferState{ID: strings.TrimSpace(id), Status: status.String(), Token: token}
	if status == offers.StatusOpen {
		view, err := n.engine.Offer(id)
		if err != nil {
			return OfferState{}, err
		}
		out.View = view
	}
	return out, nil
}

// FindByMaker pages through open offers made by account.
func (n *Node) FindByMaker(account string, offset, limit uint64) ([]offers.OfferView, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.FindByMaker(account, offset, limit)
}

// FindByCounterparty pages through open offers addressed to account.
func (n *Node) FindByCounterparty(account string, offset, limit uint64) ([]offers.OfferView, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.FindByCounterparty(account, offset, limit)
}

// Settlement returns one settlement record.
func (n *Node) Settlement(token uint64) (*offers.Settlement, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.Settlement(token)
}

// Settlements lists settlement records from token from.
func (n *Node) Settlements(from, limit uint64) ([]offers.Settlement, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.Settlements(from, limit)
}

// LogEntries lists settlement log entries from seq from.
func (n *Node) LogEntries(from, limit uint64) ([]offers.LogEntry, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.LogEntries(from, limit)
}

// VerifyLog checks the settlement log hash chain.
func (n *Node) VerifyLog() (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.VerifySettlementLog()
}

// Balance returns account's fungible balance on contract.
func (n *Node) Balance(contract, account string) (*big.Int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.registry.BalanceOf(contract, account)
}

// Owner returns the owner of a unique token.
func (n *Node) Owner(contract, tokenID string) (string, bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.registry.OwnerOf(contract, tokenID)
}

// Contracts lists the registered asset ledgers.
func (n *Node) Contracts() ([]assets.Contract, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.registry.Contracts()
}

// Pending reports how many dispatched transfers await execution.
func (n *Node) Pending() int {
	return n.scheduler.Pending()
}

// SetPaused pauses or resumes offer creation, acceptance and withdrawal.
// Resolution callbacks keep running while paused.
func (n *Node) SetPaused(paused bool) {
	if paused {
		n.pauses.Pause(offers.ModuleName)
		return
	}
	n.pauses.Resume(offers.ModuleName)
}

// Block makes transfers to entry fail until Unblock is called. Entry is
// either "account" or "account/contract".
func (n *Node) Block(entry string) error {
	key, err := normalizeBlocked(entry)
	if err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.blocked[key] = true
	return nil
}

// Unblock reverts Block.
func (n *Node) Unblock(entry string) error {
	key, err := normalizeBlocked(entry)
	if err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.blocked, key)
	return nil
}

func normalizeBlocked(entry string) (string, error) {
	receiver, contract, scoped := strings.Cut(strings.TrimSpace(entry), "/")
	account, err := types.NormalizeAccount(receiver)
	if err != nil {
		return "", err
	}
	if !scoped {
		return account, nil
	}
	name, err := types.NormalizeAccount(contract)
	if err != nil {
		return "", err
	}
	return account + "/" + name, nil
}

// checkBlocked runs inside scheduler steps, which already hold n.mu.
func (n *Node) checkBlocked(_ string, transfer host.Transfer) error {
	receiver, err := types.NormalizeAccount(transfer.Receiver)
	if err != nil {
		return err
	}
	if n.blocked[receiver] || n.blocked[receiver+"/"+strings.ToLower(transfer.Asset.Contract)] {
		return fmt.Errorf("%w: %s", ErrTransferBlocked, transfer.Receiver)
	}
	return nil
}

// Settle executes every queued transfer and its resolution callback,
// including transfers dispatched by those callbacks.
func (n *Node) Settle(ctx context.Context) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	start := time.Now()
	executed, err := n.scheduler.Drain(ctx)
	observability.Offers().ObserveDrain(executed, err != nil, n.scheduler.Pending(), time.Since(start))
	return executed, err
}

// Run drives Settle on every tick until ctx is cancelled.
func (n *Node) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			executed, err := n.Settle(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				n.logger.Warn("settlement pass reported errors",
					slog.Int("executed", executed),
					slog.String("error", err.Error()))
				continue
			}
			if executed > 0 {
				n.logger.Debug("settlement pass", slog.Int("executed", executed))
			}
		}
	}
}

type metricsEmitter struct{}

func (metricsEmitter) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	payload := evt.Event()
	if payload == nil {
		return
	}
	switch {
	case strings.HasPrefix(payload.Type, "offer."):
		observability.Offers().RecordLifecycle(payload.Type)
	case payload.Type == assets.EventTypeTransferred, payload.Type == assets.EventTypeMinted:
		observability.Ledger().RecordAssetEvent(payload.Type, payload.Attributes["kind"], payload.Attributes["contract"])
	}
}
