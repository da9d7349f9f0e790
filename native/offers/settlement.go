package offers

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/ethereum/go-ethereum/rlp"
	"lukechampine.com/blake3"

	"offerbook/core/state"
	"offerbook/core/types"
)

var ErrLogCorrupt = errors.New("offers: settlement log hash chain broken")

const (
	keySettlementSeq = "offers/settlement/seq"
	keyUnresolved    = "offers/settlement/unresolved"
	prefixSettlement = "offers/settlement/"
	keyLogLength     = "offers/log/len"
	keyLogHead       = "offers/log/head"
	prefixLogEntry   = "offers/log/"
)

// SettlementKind distinguishes withdrawals from acceptances.
type SettlementKind uint8

const (
	SettlementWithdraw SettlementKind = iota + 1
	SettlementAccept
)

func (k SettlementKind) String() string {
	switch k {
	case SettlementWithdraw:
		return "withdraw"
	case SettlementAccept:
		return "accept"
	default:
		return "unknown"
	}
}

// SettlementState is the outcome of the primary transfer of a settlement.
type SettlementState uint8

const (
	SettlementPending SettlementState = iota + 1
	SettlementFinalized
	SettlementCompensated
)

func (s SettlementState) String() string {
	switch s {
	case SettlementPending:
		return "pending"
	case SettlementFinalized:
		return "finalized"
	case SettlementCompensated:
		return "compensated"
	default:
		return "unknown"
	}
}

// PayoutState tracks what happened to the counterparty's deposit (leg B) of
// an acceptance.
type PayoutState uint8

const (
	PayoutNone PayoutState = iota
	PayoutPending
	PayoutDelivered
	PayoutFailed
	PayoutRetained
)

func (p PayoutState) String() string {
	switch p {
	case PayoutPending:
		return "pending"
	case PayoutDelivered:
		return "delivered"
	case PayoutFailed:
		return "failed"
	case PayoutRetained:
		return "retained"
	default:
		return "none"
	}
}

// Settlement is the mutable record of one settlement token.
type Settlement struct {
	Token          uint64          `json:"token"`
	Kind           SettlementKind  `json:"kind"`
	State          SettlementState `json:"state"`
	OfferID        string          `json:"offerId"`
	Maker          string          `json:"maker"`
	Counterparty   string          `json:"counterparty"`
	Terms          Terms           `json:"terms"`
	LegB           types.Asset     `json:"legB"`
	Payout         PayoutState     `json:"payout"`
	PayoutReceiver string          `json:"payoutReceiver,omitempty"`
	OpenedAt       uint64          `json:"openedAt"`
	ClosedAt       uint64          `json:"closedAt,omitempty"`
}

func (s *Settlement) matches(args ResolveArgs) bool {
	return s.Token == args.Token &&
		s.OfferID == args.OfferID &&
		s.Maker == args.Maker &&
		s.Counterparty == args.Counterparty &&
		s.Terms.Equal(args.Terms)
}

// unresolved reports whether a transfer of s is still awaiting its callback.
func (s *Settlement) unresolved() bool {
	return s.State == SettlementPending || s.Payout == PayoutPending
}

// MarshalText encodes the kind by name.
func (k SettlementKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText decodes a kind name.
func (k *SettlementKind) UnmarshalText(text []byte) error {
	for _, candidate := range []SettlementKind{SettlementWithdraw, SettlementAccept} {
		if candidate.String() == string(text) {
			*k = candidate
			return nil
		}
	}
	return fmt.Errorf("offers: unknown settlement kind %q", text)
}

func (s SettlementState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *SettlementState) UnmarshalText(text []byte) error {
	for _, candidate := range []SettlementState{SettlementPending, SettlementFinalized, SettlementCompensated} {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("offers: unknown settlement state %q", text)
}

func (p PayoutState) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *PayoutState) UnmarshalText(text []byte) error {
	for _, candidate := range []PayoutState{PayoutNone, PayoutPending, PayoutDelivered, PayoutFailed, PayoutRetained} {
		if candidate.String() == string(text) {
			*p = candidate
			return nil
		}
	}
	return fmt.Errorf("offers: unknown payout state %q", text)
}

// LogAction names an entry of the append-only settlement log.
type LogAction uint8

const (
	LogOpened LogAction = iota + 1
	LogFinalized
	LogCompensated
	LogPayoutDispatched
	LogPayoutDelivered
	LogPayoutFailed
	LogLegBRetained
)

func (a LogAction) String() string {
	switch a {
	case LogOpened:
		return "opened"
	case LogFinalized:
		return "finalized"
	case LogCompensated:
		return "compensated"
	case LogPayoutDispatched:
		return "payout_dispatched"
	case LogPayoutDelivered:
		return "payout_delivered"
	case LogPayoutFailed:
		return "payout_failed"
	case LogLegBRetained:
		return "leg_b_retained"
	default:
		return "unknown"
	}
}

// LogEntry is one record of the settlement log. Hash chains every entry to
// its predecessor.
type LogEntry struct {
	Seq     uint64
	Token   uint64
	Action  LogAction
	OfferID string
	Detail  string
	At      uint64
	Prev    [32]byte
	Hash    [32]byte
}

type logBody struct {
	Seq     uint64
	Token   uint64
	Action  uint8
	OfferID string
	Detail  string
	At      uint64
}

func (e *LogEntry) digest() ([32]byte, error) {
	body, err := rlp.EncodeToBytes(logBody{
		Seq:     e.Seq,
		Token:   e.Token,
		Action:  uint8(e.Action),
		OfferID: e.OfferID,
		Detail:  e.Detail,
		At:      e.At,
	})
	if err != nil {
		return [32]byte{}, err
	}
	buf := make([]byte, 0, len(e.Prev)+len(body))
	buf = append(buf, e.Prev[:]...)
	buf = append(buf, body...)
	return blake3.Sum256(buf), nil
}

// settlementLog persists settlements and the hash-chained log.
type settlementLog struct {
	st *state.Manager
}

func newSettlementLog(st *state.Manager) *settlementLog {
	return &settlementLog{st: st}
}

func (l *settlementLog) nextToken() (uint64, error) {
	return l.st.KVIncrement([]byte(keySettlementSeq))
}

func (l *settlementLog) get(token uint64) (*Settlement, bool, error) {
	var s Settlement
	ok, err := l.st.KVGet(settlementKey(token), &s)
	if err != nil || !ok {
		return nil, false, err
	}
	return &s, true, nil
}

// put stores s and keeps the unresolved index in step with it.
func (l *settlementLog) put(s *Settlement) error {
	if err := l.st.KVPut(settlementKey(s.Token), s); err != nil {
		return err
	}
	member := tokenBytes(s.Token)
	if _, err := l.st.KVRemove([]byte(keyUnresolved), member); err != nil {
		return err
	}
	if !s.unresolved() {
		return nil
	}
	return l.st.KVAppend([]byte(keyUnresolved), member)
}

// unresolvedTokens lists settlements with a transfer still in flight, in
// token order.
func (l *settlementLog) unresolvedTokens() ([]uint64, error) {
	var raw [][]byte
	if err := l.st.KVGetList([]byte(keyUnresolved), &raw); err != nil {
		return nil, err
	}
	out := make([]uint64, 0, len(raw))
	for _, member := range raw {
		if len(member) != 8 {
			return nil, fmt.Errorf("%w: malformed unresolved entry", ErrLogCorrupt)
		}
		out = append(out, binary.BigEndian.Uint64(member))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func tokenBytes(token uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], token)
	return buf[:]
}

func (l *settlementLog) latestToken() (uint64, error) {
	var token uint64
	if _, err := l.st.KVGet([]byte(keySettlementSeq), &token); err != nil {
		return 0, err
	}
	return token, nil
}

func (l *settlementLog) append(token uint64, action LogAction, offerID, detail string, at uint64) (*LogEntry, error) {
	var length uint64
	if _, err := l.st.KVGet([]byte(keyLogLength), &length); err != nil {
		return nil, err
	}
	var head [32]byte
	if _, err := l.st.KVGet([]byte(keyLogHead), &head); err != nil {
		return nil, err
	}
	entry := &LogEntry{
		Seq:     length + 1,
		Token:   token,
		Action:  action,
		OfferID: offerID,
		Detail:  detail,
		At:      at,
		Prev:    head,
	}
	hash, err := entry.digest()
	if err != nil {
		return nil, err
	}
	entry.Hash = hash
	if err := l.st.KVPut(logEntryKey(entry.Seq), entry); err != nil {
		return nil, err
	}
	if err := l.st.KVPut([]byte(keyLogLength), entry.Seq); err != nil {
		return nil, err
	}
	if err := l.st.KVPut([]byte(keyLogHead), entry.Hash); err != nil {
		return nil, err
	}
	return entry, nil
}

func (l *settlementLog) length() (uint64, error) {
	var length uint64
	if _, err := l.st.KVGet([]byte(keyLogLength), &length); err != nil {
		return 0, err
	}
	return length, nil
}

func (l *settlementLog) entry(seq uint64) (*LogEntry, bool, error) {
	var entry LogEntry
	ok, err := l.st.KVGet(logEntryKey(seq), &entry)
	if err != nil || !ok {
		return nil, false, err
	}
	return &entry, true, nil
}

// verify walks the log from the first entry and recomputes every link.
func (l *settlementLog) verify() (uint64, error) {
	length, err := l.length()
	if err != nil {
		return 0, err
	}
	var prev [32]byte
	for seq := uint64(1); seq <= length; seq++ {
		entry, ok, err := l.entry(seq)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, fmt.Errorf("%w: entry %d missing", ErrLogCorrupt, seq)
		}
		if entry.Seq != seq || entry.Prev != prev {
			return 0, fmt.Errorf("%w: entry %d does not link to its predecessor", ErrLogCorrupt, seq)
		}
		hash, err := entry.digest()
		if err != nil {
			return 0, err
		}
		if hash != entry.Hash {
			return 0, fmt.Errorf("%w: entry %d hash mismatch", ErrLogCorrupt, seq)
		}
		prev = entry.Hash
	}
	var head [32]byte
	if _, err := l.st.KVGet([]byte(keyLogHead), &head); err != nil {
		return 0, err
	}
	if head != prev {
		return 0, fmt.Errorf("%w: head does not match last entry", ErrLogCorrupt)
	}
	return length, nil
}

func settlementKey(token uint64) []byte {
	return []byte(prefixSettlement + strconv.FormatUint(token, 10))
}

func logEntryKey(seq uint64) []byte {
	return []byte(prefixLogEntry + strconv.FormatUint(seq, 10))
}
