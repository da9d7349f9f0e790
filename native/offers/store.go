package offers

import (
	"fmt"

	"offerbook/core/state"
)

const (
	keyOfferSeq          = "offers/seq"
	prefixTerms          = "offers/terms/"
	prefixMakerOf        = "offers/maker_of/"
	prefixCounterpartyOf = "offers/counterparty_of/"
	prefixByMaker        = "offers/by_maker/"
	prefixByCounterparty = "offers/by_counterparty/"
	prefixStatus         = "offers/status/"
	prefixQuota          = "offers/quota/"
)

type statusRecord struct {
	Status    uint8
	Token     uint64
	UpdatedAt uint64
}

// Store is the authoritative map of open offers and its four indices. Every
// mutation must run inside state.Manager.Atomic so the primary record and its
// index entries commit together.
type Store struct {
	st *state.Manager
}

// NewStore binds a store to st, which is usually an Atomic transaction view.
func NewStore(st *state.Manager) *Store {
	return &Store{st: st}
}

// Put inserts offer together with its index entries.
func (s *Store) Put(offer *Offer) error {
	if s == nil || s.st == nil {
		return ErrNilState
	}
	if offer == nil {
		return fmt.Errorf("offers: nil offer")
	}
	id := []byte(offer.ID)
	if err := s.st.KVPut(termsKey(offer.ID), offer.Terms); err != nil {
		return err
	}
	if err := s.st.KVPut(makerOfKey(offer.ID), offer.Maker); err != nil {
		return err
	}
	if err := s.st.KVPut(counterpartyOfKey(offer.ID), offer.Counterparty); err != nil {
		return err
	}
	if err := s.st.KVAppend(byMakerKey(offer.Maker), id); err != nil {
		return err
	}
	return s.st.KVAppend(byCounterpartyKey(offer.Counterparty), id)
}

// Remove deletes the offer and its index entries and returns what was
// removed. ErrNotFound is returned when no offer exists under id.
func (s *Store) Remove(id string) (*Offer, error) {
	offer, ok, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	for _, key := range [][]byte{termsKey(id), makerOfKey(id), counterpartyOfKey(id)} {
		if err := s.st.KVDelete(key); err != nil {
			return nil, err
		}
	}
	if _, err := s.st.KVRemove(byMakerKey(offer.Maker), []byte(id)); err != nil {
		return nil, err
	}
	if _, err := s.st.KVRemove(byCounterpartyKey(offer.Counterparty), []byte(id)); err != nil {
		return nil, err
	}
	return offer, nil
}

// Get hydrates the offer with three point reads.
func (s *Store) Get(id string) (*Offer, bool, error) {
	if s == nil || s.st == nil {
		return nil, false, ErrNilState
	}
	var terms Terms
	ok, err := s.st.KVGet(termsKey(id), &terms)
	if err != nil || !ok {
		return nil, false, err
	}
	maker, ok, err := s.MakerOf(id)
	if err != nil || !ok {
		return nil, false, err
	}
	counterparty, ok, err := s.CounterpartyOf(id)
	if err != nil || !ok {
		return nil, false, err
	}
	return &Offer{ID: id, Maker: maker, Counterparty: counterparty, Terms: terms}, true, nil
}

// MakerOf resolves the maker of a live offer.
func (s *Store) MakerOf(id string) (string, bool, error) {
	return s.lookup(makerOfKey(id))
}

// CounterpartyOf resolves the counterparty of a live offer.
func (s *Store) CounterpartyOf(id string) (string, bool, error) {
	return s.lookup(counterpartyOfKey(id))
}

func (s *Store) lookup(key []byte) (string, bool, error) {
	if s == nil || s.st == nil {
		return "", false, ErrNilState
	}
	var account string
	ok, err := s.st.KVGet(key, &account)
	if err != nil || !ok {
		return "", false, err
	}
	return account, true, nil
}

// ByMaker returns the offer ids made by account in insertion order.
func (s *Store) ByMaker(account string) ([]string, error) {
	return s.list(byMakerKey(account))
}

// ByCounterparty returns the offer ids addressed to account in insertion
// order.
func (s *Store) ByCounterparty(account string) ([]string, error) {
	return s.list(byCounterpartyKey(account))
}

func (s *Store) list(key []byte) ([]string, error) {
	if s == nil || s.st == nil {
		return nil, ErrNilState
	}
	var raw [][]byte
	if err := s.st.KVGetList(key, &raw); err != nil {
		return nil, err
	}
	ids := make([]string, len(raw))
	for i, id := range raw {
		ids[i] = string(id)
	}
	return ids, nil
}

// Status returns the lifecycle status of id and the settlement token that
// last moved it.
func (s *Store) Status(id string) (OfferStatus, uint64, error) {
	if s == nil || s.st == nil {
		return StatusUnknown, 0, ErrNilState
	}
	var rec statusRecord
	ok, err := s.st.KVGet(statusKey(id), &rec)
	if err != nil || !ok {
		return StatusUnknown, 0, err
	}
	return OfferStatus(rec.Status), rec.Token, nil
}

// SetStatus records the lifecycle status of id.
func (s *Store) SetStatus(id string, status OfferStatus, token, at uint64) error {
	if s == nil || s.st == nil {
		return ErrNilState
	}
	return s.st.KVPut(statusKey(id), statusRecord{Status: uint8(status), Token: token, UpdatedAt: at})
}

// NextSequence bumps the creation counter used to derive offer ids.
func (s *Store) NextSequence() (uint64, error) {
	if s == nil || s.st == nil {
		return 0, ErrNilState
	}
	return s.st.KVIncrement([]byte(keyOfferSeq))
}

func termsKey(id string) []byte          { return []byte(prefixTerms + id) }
func makerOfKey(id string) []byte        { return []byte(prefixMakerOf + id) }
func counterpartyOfKey(id string) []byte { return []byte(prefixCounterpartyOf + id) }
func byMakerKey(account string) []byte   { return []byte(prefixByMaker + account) }
func statusKey(id string) []byte         { return []byte(prefixStatus + id) }

func byCounterpartyKey(account string) []byte {
	return []byte(prefixByCounterparty + account)
}
