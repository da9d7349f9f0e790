package offers

import (
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/rlp"

	"offerbook/core/host"
)

// Unresolved lists the settlements whose primary transfer or leg-B payout was
// dispatched but never resolved, in token order.
func (e *Engine) Unresolved() ([]uint64, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	return newSettlementLog(e.state).unresolvedTokens()
}

// Redispatch queues again the in-flight transfer of settlement token, as it
// was dispatched when the settlement opened or its payout was sent. Dispatched
// promises do not outlive the process; transfers carry a per-settlement ref so
// a transfer that already executed is not applied twice and only its callback
// runs. It reports whether anything was dispatched.
func (e *Engine) Redispatch(env host.Env, token uint64) (bool, error) {
	if e == nil || e.state == nil {
		return false, ErrNilState
	}
	if env.Predecessor() != env.CurrentAccount() {
		return false, fmt.Errorf("%w: redispatch is private", ErrUnauthorized)
	}
	settlement, ok, err := newSettlementLog(e.state).get(token)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, fmt.Errorf("%w: unknown token %d", ErrSettlementMismatch, token)
	}
	switch {
	case settlement.State == SettlementPending:
		args, err := rlp.EncodeToBytes(ResolveArgs{
			Token:        settlement.Token,
			OfferID:      settlement.OfferID,
			Maker:        settlement.Maker,
			Counterparty: settlement.Counterparty,
			Terms:        settlement.Terms,
		})
		if err != nil {
			return false, err
		}
		if err := e.dispatchPrimary(env, settlement, args); err != nil {
			return false, err
		}
	case settlement.Payout == PayoutPending:
		if err := e.sendPayout(env, settlement, settlement.PayoutReceiver); err != nil {
			return false, err
		}
	default:
		return false, nil
	}
	e.logger.Info("settlement transfer redispatched",
		slog.String("offer", settlement.OfferID),
		slog.Uint64("token", token),
		slog.String("state", settlement.State.String()),
		slog.String("payout", settlement.Payout.String()))
	return true, nil
}
