package indexer

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"offerbook/core/types"
)

type stubEvent struct{ evt *types.Event }

func (s stubEvent) EventType() string   { return s.evt.Type }
func (s stubEvent) Event() *types.Event { return s.evt }

func setupIndexer(t *testing.T) *Indexer {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	idx, err := Open("sqlite", dsn, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func TestIndexerRecordsEmittedEvents(t *testing.T) {
	idx := setupIndexer(t)
	idx.Emit(stubEvent{evt: &types.Event{Type: "offer.created", Attributes: map[string]string{
		"offerId": "o-1", "maker": "alice", "counterparty": "bob",
	}}})
	idx.Emit(stubEvent{evt: &types.Event{Type: "offer.removed", Attributes: map[string]string{
		"offerId": "o-1", "maker": "alice", "counterparty": "bob", "token": "7",
	}}})
	idx.Emit(stubEvent{evt: &types.Event{Type: "assets.transferred", Attributes: map[string]string{
		"from": "carol", "to": "dave",
	}}})

	ctx := context.Background()
	all, err := idx.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "offer.created", all[0].Type)

	byOffer, err := idx.List(ctx, Filter{OfferID: "o-1"})
	require.NoError(t, err)
	require.Len(t, byOffer, 2)

	byToken, err := idx.List(ctx, Filter{Token: 7})
	require.NoError(t, err)
	require.Len(t, byToken, 1)
	require.Equal(t, "7", byToken[0].Decoded()["token"])

	byAccount, err := idx.List(ctx, Filter{Account: "bob"})
	require.NoError(t, err)
	require.Len(t, byAccount, 2)

	after, err := idx.List(ctx, Filter{AfterID: all[1].ID})
	require.NoError(t, err)
	require.Len(t, after, 1)
	require.Equal(t, "assets.transferred", after[0].Type)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open("mysql", "dsn", nil)
	require.Error(t, err)
}
