package offers

import (
	"strconv"

	"offerbook/core/types"
)

const (
	EventTypeOfferCreated     = "offer.created"
	EventTypeOfferRemoved     = "offer.removed"
	EventTypeOfferWithdrawn   = "offer.withdrawn"
	EventTypeOfferSettled     = "offer.settled"
	EventTypeOfferCompensated = "offer.compensated"
	EventTypeLegBRefunded     = "offer.leg_b_refunded"
	EventTypePayoutFailed     = "offer.payout_failed"
)

type offerEvent struct {
	evt *types.Event
}

func (e offerEvent) EventType() string   { return e.evt.Type }
func (e offerEvent) Event() *types.Event { return e.evt }

// NewCreatedEvent returns the payload emitted when an offer enters custody.
func NewCreatedEvent(o *Offer) *types.Event {
	return newOfferEvent(EventTypeOfferCreated, o, 0, "")
}

// NewRemovedEvent returns the payload emitted on optimistic removal.
func NewRemovedEvent(o *Offer, token uint64, kind SettlementKind) *types.Event {
	return newOfferEvent(EventTypeOfferRemoved, o, token, kind.String())
}

// NewWithdrawnEvent returns the payload emitted once a withdrawal transfer
// has been delivered to the maker.
func NewWithdrawnEvent(o *Offer, token uint64) *types.Event {
	return newOfferEvent(EventTypeOfferWithdrawn, o, token, "")
}

// NewSettledEvent returns the payload emitted once leg A reached the
// counterparty.
func NewSettledEvent(o *Offer, token uint64) *types.Event {
	return newOfferEvent(EventTypeOfferSettled, o, token, "")
}

// NewCompensatedEvent returns the payload emitted when a failed transfer put
// the offer back.
func NewCompensatedEvent(o *Offer, token uint64, kind SettlementKind) *types.Event {
	return newOfferEvent(EventTypeOfferCompensated, o, token, kind.String())
}

// NewLegBRefundedEvent returns the payload emitted when the counterparty's
// deposit is sent back after leg A failed.
func NewLegBRefundedEvent(o *Offer, token uint64, legB types.Asset) *types.Event {
	evt := newOfferEvent(EventTypeLegBRefunded, o, token, "")
	evt.Attributes["legB"] = legB.String()
	return evt
}

// NewPayoutFailedEvent reports a leg-B transfer that did not arrive. The
// asset stays in custody.
func NewPayoutFailedEvent(token uint64, receiver string, asset types.Asset, reason string) *types.Event {
	attrs := map[string]string{
		"token":    strconv.FormatUint(token, 10),
		"receiver": receiver,
		"asset":    asset.String(),
	}
	if reason != "" {
		attrs["reason"] = reason
	}
	return &types.Event{Type: EventTypePayoutFailed, Attributes: attrs}
}

func newOfferEvent(eventType string, o *Offer, token uint64, kind string) *types.Event {
	attrs := make(map[string]string)
	if o == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["offerId"] = o.ID
	attrs["maker"] = o.Maker
	attrs["counterparty"] = o.Counterparty
	attrs["shape"] = o.Terms.Shape()
	attrs["in"] = o.Terms.In.String()
	attrs["out"] = o.Terms.Out.String()
	if token != 0 {
		attrs["token"] = strconv.FormatUint(token, 10)
	}
	if kind != "" {
		attrs["settlement"] = kind
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}
