package node

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"offerbook/core/types"
	"offerbook/native/assets"
	nativecommon "offerbook/native/common"
	"offerbook/native/offers"
	"offerbook/storage"
)

func newTestNode(t *testing.T, opts Options) *Node {
	t.Helper()
	if opts.Database == nil {
		opts.Database = storage.NewMemDB()
	}
	if opts.EscrowAccount == "" {
		opts.EscrowAccount = "escrow.offers"
	}
	n, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, n.ApplyGenesis(Genesis{
		Contracts: []GenesisContract{
			{Name: "x.token", Kind: types.AssetFungible},
			{Name: "y.token", Kind: types.AssetFungible},
			{Name: "art.nft", Kind: types.AssetUnique},
		},
		Balances: []GenesisBalance{
			{Contract: "x.token", Account: "alice", Amount: big.NewInt(1_000)},
			{Contract: "y.token", Account: "bob", Amount: big.NewInt(1_000)},
		},
		Tokens: []GenesisToken{{Contract: "art.nft", TokenID: "n1", Owner: "bob"}},
	}))
	return n
}

func x(amount int64) types.Asset { return types.Fungible("x.token", big.NewInt(amount)) }
func y(amount int64) types.Asset { return types.Fungible("y.token", big.NewInt(amount)) }

func balance(t *testing.T, n *Node, contract, account string) int64 {
	t.Helper()
	b, err := n.Balance(contract, account)
	require.NoError(t, err)
	return b.Int64()
}

func TestGenesisAppliesOnce(t *testing.T) {
	db := storage.NewMemDB()
	n := newTestNode(t, Options{Database: db})
	require.NoError(t, n.ApplyGenesis(Genesis{
		Balances: []GenesisBalance{{Contract: "x.token", Account: "alice", Amount: big.NewInt(1)}},
	}))
	require.Equal(t, int64(1_000), balance(t, n, "x.token", "alice"))
	contracts, err := n.Contracts()
	require.NoError(t, err)
	require.Len(t, contracts, 3)
}

func TestGenesisFailureCommitsNothing(t *testing.T) {
	n, err := New(Options{Database: storage.NewMemDB(), EscrowAccount: "escrow.offers"})
	require.NoError(t, err)
	genesis := Genesis{
		Contracts: []GenesisContract{{Name: "x.token", Kind: types.AssetFungible}},
		Balances:  []GenesisBalance{{Contract: "x.token", Account: "alice", Amount: big.NewInt(1_000)}},
		Tokens:    []GenesisToken{{Contract: "art.nft", TokenID: "n1", Owner: "bob"}},
	}
	require.ErrorIs(t, n.ApplyGenesis(genesis), assets.ErrUnknownContract)
	require.Equal(t, int64(0), balance(t, n, "x.token", "alice"))
	contracts, err := n.Contracts()
	require.NoError(t, err)
	require.Empty(t, contracts)

	genesis.Contracts = append(genesis.Contracts, GenesisContract{Name: "art.nft", Kind: types.AssetUnique})
	require.NoError(t, n.ApplyGenesis(genesis))
	require.Equal(t, int64(1_000), balance(t, n, "x.token", "alice"))
	owner, ok, err := n.Owner("art.nft", "n1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "bob", owner)
}

func TestNodeResumesSettlementAfterRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state")
	db, err := storage.NewLevelDB(path)
	require.NoError(t, err)
	n := newTestNode(t, Options{Database: db})
	require.NoError(t, n.Deposit("alice", x(100), offers.CreateInstruction("bob", y(40), "swap-1"), 0))
	require.NoError(t, n.Deposit("bob", y(40), offers.AcceptInstruction("swap-1"), 0))
	require.Equal(t, 1, n.Pending())
	n.Close()

	db, err = storage.NewLevelDB(path)
	require.NoError(t, err)
	n, err = New(Options{Database: db, EscrowAccount: "escrow.offers"})
	require.NoError(t, err)
	defer n.Close()
	require.Equal(t, 1, n.Pending())

	_, err = n.Settle(context.Background())
	require.NoError(t, err)
	state, err := n.Offer("swap-1")
	require.NoError(t, err)
	require.Equal(t, "closed", state.Status)
	require.Equal(t, int64(100), balance(t, n, "x.token", "bob"))
	require.Equal(t, int64(40), balance(t, n, "y.token", "alice"))
	require.Equal(t, int64(0), balance(t, n, "x.token", "escrow.offers"))
	require.Equal(t, int64(0), balance(t, n, "y.token", "escrow.offers"))
}

func TestNodeBlockedEntriesAreNormalized(t *testing.T) {
	n := newTestNode(t, Options{Blocked: []string{" Bob / X.Token "}})
	require.NoError(t, n.Deposit("alice", x(10), offers.CreateInstruction("bob", y(5), "swap-3"), 0))
	require.NoError(t, n.Deposit("bob", y(5), offers.AcceptInstruction("swap-3"), 0))
	_, err := n.Settle(context.Background())
	require.NoError(t, err)
	state, err := n.Offer("swap-3")
	require.NoError(t, err)
	require.Equal(t, "open", state.Status)

	require.NoError(t, n.Unblock("BOB/x.token"))
	require.NoError(t, n.Block("Alice"))
	require.Error(t, n.Block("bad account!"))
	_, err = New(Options{Database: storage.NewMemDB(), EscrowAccount: "escrow.offers", Blocked: []string{"bob/"}})
	require.Error(t, err)

	token, err := n.Withdraw("alice", "swap-3", 0)
	require.NoError(t, err)
	_, err = n.Settle(context.Background())
	require.NoError(t, err)
	settlement, err := n.Settlement(token)
	require.NoError(t, err)
	require.Equal(t, offers.SettlementCompensated, settlement.State)
}

func TestNodeSettlesAcceptedOffer(t *testing.T) {
	n := newTestNode(t, Options{})
	require.NoError(t, n.Deposit("alice", x(100), offers.CreateInstruction("bob", y(40), "swap-1"), 0))

	state, err := n.Offer("swap-1")
	require.NoError(t, err)
	require.Equal(t, "open", state.Status)
	require.NotNil(t, state.View)

	require.NoError(t, n.Deposit("bob", y(40), offers.AcceptInstruction("swap-1"), 0))
	require.Equal(t, 1, n.Pending())

	executed, err := n.Settle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, executed)
	require.Equal(t, 0, n.Pending())

	require.Equal(t, int64(100), balance(t, n, "x.token", "bob"))
	require.Equal(t, int64(40), balance(t, n, "y.token", "alice"))
	require.Equal(t, int64(0), balance(t, n, "x.token", "escrow.offers"))

	state, err = n.Offer("swap-1")
	require.NoError(t, err)
	require.Equal(t, "closed", state.Status)
	require.Nil(t, state.View)

	checked, err := n.VerifyLog()
	require.NoError(t, err)
	require.Greater(t, checked, uint64(0))
}

func TestNodeBlockedReceiverCompensates(t *testing.T) {
	n := newTestNode(t, Options{Blocked: []string{"bob/x.token"}})
	require.NoError(t, n.Deposit("alice", x(10), offers.CreateInstruction("bob", y(5), "swap-2"), 0))
	require.NoError(t, n.Deposit("bob", y(5), offers.AcceptInstruction("swap-2"), 0))
	_, err := n.Settle(context.Background())
	require.NoError(t, err)

	state, err := n.Offer("swap-2")
	require.NoError(t, err)
	require.Equal(t, "open", state.Status)
	require.Equal(t, int64(1_000), balance(t, n, "y.token", "bob"))
	require.Equal(t, int64(10), balance(t, n, "x.token", "escrow.offers"))

	require.NoError(t, n.Unblock("bob/x.token"))
	require.NoError(t, n.Deposit("bob", y(5), offers.AcceptInstruction("swap-2"), 0))
	_, err = n.Settle(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(10), balance(t, n, "x.token", "bob"))
}

func TestNodeWithdraw(t *testing.T) {
	n := newTestNode(t, Options{})
	require.NoError(t, n.Deposit("alice", x(30), offers.CreateInstruction("bob", y(1), "w-1"), 0))

	_, err := n.Withdraw("bob", "w-1", 0)
	require.ErrorIs(t, err, offers.ErrUnauthorized)

	token, err := n.Withdraw("alice", "w-1", 0)
	require.NoError(t, err)
	require.Equal(t, uint64(1), token)
	_, err = n.Settle(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1_000), balance(t, n, "x.token", "alice"))

	settlement, err := n.Settlement(token)
	require.NoError(t, err)
	require.Equal(t, offers.SettlementFinalized, settlement.State)
}

func TestNodePauseBlocksNewWork(t *testing.T) {
	n := newTestNode(t, Options{Paused: true})
	err := n.Deposit("alice", x(10), offers.CreateInstruction("bob", y(5), "p-1"), 0)
	require.ErrorIs(t, err, nativecommon.ErrModulePaused)
	require.Equal(t, int64(1_000), balance(t, n, "x.token", "alice"))

	n.SetPaused(false)
	require.NoError(t, n.Deposit("alice", x(10), offers.CreateInstruction("bob", y(5), "p-1"), 0))
}

func TestFeedRecordsAndStreams(t *testing.T) {
	n := newTestNode(t, Options{FeedSize: 4})
	events, cancel := n.Feed().Subscribe(16)
	defer cancel()

	require.NoError(t, n.Deposit("alice", x(10), offers.CreateInstruction("bob", y(5), "f-1"), 0))

	var seen []string
	timeout := time.After(time.Second)
	for len(seen) < 2 {
		select {
		case rec := <-events:
			seen = append(seen, rec.Type)
		case <-timeout:
			t.Fatalf("timed out waiting for events, saw %v", seen)
		}
	}
	require.Contains(t, seen, offers.EventTypeOfferCreated)

	recent := n.Feed().Since(0, 0)
	require.LessOrEqual(t, len(recent), 4)
	last := recent[len(recent)-1]
	require.Empty(t, n.Feed().Since(last.Seq, 10))
}

func TestRunStopsOnCancel(t *testing.T) {
	n := newTestNode(t, Options{})
	require.NoError(t, n.Deposit("alice", x(10), offers.CreateInstruction("bob", y(5), "r-1"), 0))
	_, err := n.Withdraw("alice", "r-1", 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		n.Run(ctx, 5*time.Millisecond)
		close(done)
	}()
	require.Eventually(t, func() bool { return n.Pending() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
	require.Equal(t, int64(1_000), balance(t, n, "x.token", "alice"))
}

func TestRunSkipsSettlementOnceCancelled(t *testing.T) {
	n := newTestNode(t, Options{})
	require.NoError(t, n.Deposit("alice", x(10), offers.CreateInstruction("bob", y(5), "r-2"), 0))
	_, err := n.Withdraw("alice", "r-2", 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		n.Run(ctx, time.Millisecond)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	require.Equal(t, 1, n.Pending())
	n.Close()
}
