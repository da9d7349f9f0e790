package offers

import (
	"fmt"
	"strings"

	"offerbook/core/types"
)

// FindByMaker pages through the offers made by account in insertion order.
func (e *Engine) FindByMaker(account string, offset, limit uint64) ([]OfferView, error) {
	return e.findBy(account, offset, limit, (*Store).ByMaker)
}

// FindByCounterparty pages through the offers addressed to account in
// insertion order.
func (e *Engine) FindByCounterparty(account string, offset, limit uint64) ([]OfferView, error) {
	return e.findBy(account, offset, limit, (*Store).ByCounterparty)
}

func (e *Engine) findBy(account string, offset, limit uint64, index func(*Store, string) ([]string, error)) ([]OfferView, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if limit == 0 {
		return nil, ErrInvalidLimit
	}
	if limit > e.params.MaxPageSize {
		limit = e.params.MaxPageSize
	}
	normalized, err := types.NormalizeAccount(account)
	if err != nil {
		return nil, err
	}
	store := NewStore(e.state)
	ids, err := index(store, normalized)
	if err != nil {
		return nil, err
	}
	total := uint64(len(ids))
	if offset >= total {
		return []OfferView{}, nil
	}
	end := offset + limit
	if end > total || end < offset {
		end = total
	}
	page := make([]OfferView, 0, end-offset)
	for _, id := range ids[offset:end] {
		offer, ok, err := store.Get(id)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("offers: index references missing offer %s", id)
		}
		page = append(page, newOfferView(offer))
	}
	return page, nil
}

// Offer returns the live offer stored under id.
func (e *Engine) Offer(id string) (*OfferView, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	trimmed := strings.TrimSpace(id)
	offer, ok, err := NewStore(e.state).Get(trimmed)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, trimmed)
	}
	view := newOfferView(offer)
	return &view, nil
}

// Status reports the lifecycle status of id and the settlement token that
// last moved it. Ids that never existed report StatusUnknown.
func (e *Engine) Status(id string) (OfferStatus, uint64, error) {
	if e == nil || e.state == nil {
		return StatusUnknown, 0, ErrNilState
	}
	return NewStore(e.state).Status(strings.TrimSpace(id))
}

// Settlement returns the record of one settlement token.
func (e *Engine) Settlement(token uint64) (*Settlement, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	settlement, ok, err := newSettlementLog(e.state).get(token)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: settlement %d", ErrNotFound, token)
	}
	return settlement, nil
}

// Settlements lists settlement records starting at token from (1-based).
func (e *Engine) Settlements(from, limit uint64) ([]Settlement, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if limit == 0 {
		return nil, ErrInvalidLimit
	}
	if limit > e.params.MaxPageSize {
		limit = e.params.MaxPageSize
	}
	if from == 0 {
		from = 1
	}
	log := newSettlementLog(e.state)
	latest, err := log.latestToken()
	if err != nil {
		return nil, err
	}
	out := []Settlement{}
	for token := from; token <= latest && uint64(len(out)) < limit; token++ {
		settlement, ok, err := log.get(token)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, *settlement)
		}
	}
	return out, nil
}

// LogEntries lists settlement log entries starting at seq from (1-based).
func (e *Engine) LogEntries(from, limit uint64) ([]LogEntry, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if limit == 0 {
		return nil, ErrInvalidLimit
	}
	if limit > e.params.MaxPageSize {
		limit = e.params.MaxPageSize
	}
	if from == 0 {
		from = 1
	}
	log := newSettlementLog(e.state)
	length, err := log.length()
	if err != nil {
		return nil, err
	}
	out := []LogEntry{}
	for seq := from; seq <= length && uint64(len(out)) < limit; seq++ {
		entry, ok, err := log.entry(seq)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: entry %d missing", ErrLogCorrupt, seq)
		}
		out = append(out, *entry)
	}
	return out, nil
}

// VerifySettlementLog recomputes the hash chain and returns the number of
// entries checked.
func (e *Engine) VerifySettlementLog() (uint64, error) {
	if e == nil || e.state == nil {
		return 0, ErrNilState
	}
	return newSettlementLog(e.state).verify()
}

func newOfferView(o *Offer) OfferView {
	return OfferView{
		ID:           o.ID,
		Maker:        o.Maker,
		Counterparty: o.Counterparty,
		Terms:        o.Terms.Clone(),
		Shape:        o.Terms.Shape(),
		Accepted:     false,
	}
}
