package assets

import (
	"offerbook/core/types"
)

const (
	EventTypeMinted      = "assets.minted"
	EventTypeTransferred = "assets.transferred"
)

type assetEvent struct {
	evt *types.Event
}

func (e assetEvent) EventType() string   { return e.evt.Type }
func (e assetEvent) Event() *types.Event { return e.evt }

func newMintedEvent(account string, asset types.Asset) *types.Event {
	attrs := assetAttributes(asset)
	attrs["account"] = account
	return &types.Event{Type: EventTypeMinted, Attributes: attrs}
}

func newTransferredEvent(from, to string, asset types.Asset, memo string) *types.Event {
	attrs := assetAttributes(asset)
	attrs["from"] = from
	attrs["to"] = to
	if memo != "" {
		attrs["memo"] = memo
	}
	return &types.Event{Type: EventTypeTransferred, Attributes: attrs}
}

func assetAttributes(asset types.Asset) map[string]string {
	attrs := map[string]string{
		"kind":     asset.Kind.String(),
		"contract": asset.Contract,
	}
	switch asset.Kind {
	case types.AssetFungible:
		attrs["amount"] = asset.Amount.String()
	case types.AssetUnique:
		attrs["tokenId"] = asset.TokenID
	}
	return attrs
}
