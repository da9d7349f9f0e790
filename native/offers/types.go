package offers

import (
	"fmt"
	"strings"

	"offerbook/core/types"
)

// MaxOfferIDLength bounds caller-supplied offer identifiers.
const MaxOfferIDLength = 128

// OfferStatus tracks an offer id through its lifetime. An id with no status
// record has never existed.
type OfferStatus uint8

const (
	StatusUnknown OfferStatus = iota
	StatusOpen
	StatusSettling
	StatusClosed
)

func (s OfferStatus) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusSettling:
		return "settling"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terms is the two-asset exchange an offer proposes: In is the asset the
// maker deposited, Out is the asset the maker expects from the counterparty.
type Terms struct {
	In  types.Asset `json:"in"`
	Out types.Asset `json:"out"`
}

// Shape names the asset kinds of both legs, e.g. "fungible->unique".
func (t Terms) Shape() string {
	return t.In.Kind.String() + "->" + t.Out.Kind.String()
}

// Clone returns a deep copy.
func (t Terms) Clone() Terms {
	return Terms{In: t.In.Clone(), Out: t.Out.Clone()}
}

// Equal reports whether both legs match exactly.
func (t Terms) Equal(other Terms) bool {
	return t.In.Equal(other.In) && t.Out.Equal(other.Out)
}

// Sanitize validates both legs.
func (t Terms) Sanitize() (Terms, error) {
	in, err := t.In.Sanitize()
	if err != nil {
		return Terms{}, fmt.Errorf("in: %w", err)
	}
	out, err := t.Out.Sanitize()
	if err != nil {
		return Terms{}, fmt.Errorf("out: %w", err)
	}
	return Terms{In: in, Out: out}, nil
}

// Offer is a maker's standing proposal held in custody.
type Offer struct {
	ID           string
	Maker        string
	Counterparty string
	Terms        Terms
}

// Clone returns a deep copy of the offer.
func (o *Offer) Clone() *Offer {
	if o == nil {
		return nil
	}
	clone := *o
	clone.Terms = o.Terms.Clone()
	return &clone
}

// OfferView is the hydrated read model returned by queries.
type OfferView struct {
	ID           string `json:"id"`
	Maker        string `json:"maker"`
	Counterparty string `json:"counterparty"`
	Terms        Terms  `json:"terms"`
	Shape        string `json:"shape"`
	// Accepted is always false for a live offer. Accepted offers are deleted.
	Accepted bool `json:"accepted"`
}

// ResolveArgs is the replay state carried from a dispatch to its resolver.
// It is the only source used for compensation.
type ResolveArgs struct {
	Token        uint64
	OfferID      string
	Maker        string
	Counterparty string
	Terms        Terms
}

func (a ResolveArgs) offer() *Offer {
	return &Offer{
		ID:           a.OfferID,
		Maker:        a.Maker,
		Counterparty: a.Counterparty,
		Terms:        a.Terms.Clone(),
	}
}

// PayoutArgs is the replay state of a tracked payout: the leg-B forward to
// the maker or the leg-B refund to the counterparty.
type PayoutArgs struct {
	Token    uint64
	Receiver string
	Asset    types.Asset
}

func sanitizeOfferID(raw string) (string, error) {
	id := strings.TrimSpace(raw)
	if id == "" {
		return "", fmt.Errorf("%w: offer id required", ErrInvalidInstruction)
	}
	if len(id) > MaxOfferIDLength {
		return "", fmt.Errorf("%w: offer id exceeds %d bytes", ErrInvalidInstruction, MaxOfferIDLength)
	}
	for _, r := range id {
		if r < 0x21 || r > 0x7e {
			return "", fmt.Errorf("%w: offer id contains %q", ErrInvalidInstruction, r)
		}
	}
	return id, nil
}
