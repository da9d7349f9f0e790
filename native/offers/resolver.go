package offers

import (
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/rlp"

	"offerbook/core/host"
	"offerbook/core/state"
	"offerbook/core/types"
)

// HandleCallback implements host.CallbackHandler. Callbacks are private: only
// the contract itself may invoke them. They are not subject to the pause gate
// so settlements already in flight always resolve.
func (e *Engine) HandleCallback(env host.Env, method string, args []byte, results []host.Result) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if env.Predecessor() != env.CurrentAccount() {
		return fmt.Errorf("%w: %s is private", ErrUnauthorized, method)
	}
	if len(results) != 1 {
		return fmt.Errorf("%w: expected one transfer result, got %d", ErrSettlementMismatch, len(results))
	}
	switch method {
	case MethodResolveAccept, MethodResolveWithdraw:
		var decoded ResolveArgs
		if err := rlp.DecodeBytes(args, &decoded); err != nil {
			return fmt.Errorf("%w: decode args: %v", ErrSettlementMismatch, err)
		}
		var err error
		if method == MethodResolveAccept {
			_, err = e.ResolveAccept(env, decoded, results[0])
		} else {
			_, err = e.ResolveWithdraw(env, decoded, results[0])
		}
		return err
	case MethodResolvePayout:
		var decoded PayoutArgs
		if err := rlp.DecodeBytes(args, &decoded); err != nil {
			return fmt.Errorf("%w: decode args: %v", ErrSettlementMismatch, err)
		}
		_, err := e.ResolvePayout(env, decoded, results[0])
		return err
	default:
		return fmt.Errorf("offers: unknown callback %q", method)
	}
}

// pending loads the settlement named by args and checks that it is still
// awaiting its primary transfer and that args match what was recorded when
// it was opened.
func pending(log *settlementLog, args ResolveArgs, kind SettlementKind) (*Settlement, error) {
	settlement, ok, err := log.get(args.Token)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: unknown token %d", ErrSettlementMismatch, args.Token)
	}
	if settlement.Kind != kind {
		return nil, fmt.Errorf("%w: token %d is a %s settlement", ErrSettlementMismatch, args.Token, settlement.Kind)
	}
	if settlement.State != SettlementPending {
		return nil, fmt.Errorf("%w: token %d already %s", ErrSettlementMismatch, args.Token, settlement.State)
	}
	if !settlement.matches(args) {
		return nil, fmt.Errorf("%w: token %d arguments differ from log", ErrSettlementMismatch, args.Token)
	}
	return settlement, nil
}

// compensate puts the offer back exactly as described by args.
func compensate(tx *state.Manager, log *settlementLog, settlement *Settlement, args ResolveArgs, reason string, now uint64) error {
	store := NewStore(tx)
	if err := store.Put(args.offer()); err != nil {
		return err
	}
	if err := store.SetStatus(args.OfferID, StatusOpen, args.Token, now); err != nil {
		return err
	}
	settlement.State = SettlementCompensated
	settlement.ClosedAt = now
	if _, err := log.append(args.Token, LogCompensated, args.OfferID, reason, now); err != nil {
		return err
	}
	return nil
}

func finalize(tx *state.Manager, log *settlementLog, settlement *Settlement, args ResolveArgs, now uint64) error {
	if err := NewStore(tx).SetStatus(args.OfferID, StatusClosed, args.Token, now); err != nil {
		return err
	}
	settlement.State = SettlementFinalized
	settlement.ClosedAt = now
	_, err := log.append(args.Token, LogFinalized, args.OfferID, settlement.Kind.String(), now)
	return err
}

// ResolveWithdraw settles a withdrawal. It reports whether the settlement
// finalized; false means the offer was compensated.
func (e *Engine) ResolveWithdraw(env host.Env, args ResolveArgs, result host.Result) (bool, error) {
	now := unixNow(env)
	err := e.state.Atomic(func(tx *state.Manager) error {
		log := newSettlementLog(tx)
		settlement, err := pending(log, args, SettlementWithdraw)
		if err != nil {
			return err
		}
		if result.OK {
			err = finalize(tx, log, settlement, args, now)
		} else {
			err = compensate(tx, log, settlement, args, result.Error, now)
		}
		if err != nil {
			return err
		}
		return log.put(settlement)
	})
	if err != nil {
		return false, err
	}
	offer := args.offer()
	if result.OK {
		e.logger.Info("offer withdrawn", slog.String("offer", args.OfferID), slog.Uint64("token", args.Token))
		e.emit(NewWithdrawnEvent(offer, args.Token))
		return true, nil
	}
	e.logger.Warn("withdrawal transfer failed, offer restored",
		slog.String("offer", args.OfferID),
		slog.Uint64("token", args.Token),
		slog.String("error", result.Error))
	e.emit(NewCompensatedEvent(offer, args.Token, SettlementWithdraw))
	return false, nil
}

// ResolveAccept settles an acceptance. When leg A reached the counterparty
// the retained deposit is forwarded to the maker. Otherwise the offer is
// restored and the deposit is refunded or retained according to the leg-B
// policy. It reports whether the settlement finalized.
func (e *Engine) ResolveAccept(env host.Env, args ResolveArgs, result host.Result) (bool, error) {
	now := unixNow(env)
	policy := e.params.LegBPolicy
	var legB types.Asset
	err := e.state.Atomic(func(tx *state.Manager) error {
		log := newSettlementLog(tx)
		settlement, err := pending(log, args, SettlementAccept)
		if err != nil {
			return err
		}
		legB = settlement.LegB.Clone()
		switch {
		case result.OK:
			if err := finalize(tx, log, settlement, args, now); err != nil {
				return err
			}
			if err := e.dispatchPayout(env, log, settlement, args.Maker, now); err != nil {
				return err
			}
		case policy == LegBRetain:
			if err := compensate(tx, log, settlement, args, result.Error, now); err != nil {
				return err
			}
			settlement.Payout = PayoutRetained
			if _, err := log.append(args.Token, LogLegBRetained, args.OfferID, legB.String(), now); err != nil {
				return err
			}
		default:
			if err := compensate(tx, log, settlement, args, result.Error, now); err != nil {
				return err
			}
			if err := e.dispatchPayout(env, log, settlement, args.Counterparty, now); err != nil {
				return err
			}
		}
		return log.put(settlement)
	})
	if err != nil {
		return false, err
	}
	offer := args.offer()
	if result.OK {
		e.logger.Info("offer settled",
			slog.String("offer", args.OfferID),
			slog.Uint64("token", args.Token),
			slog.String("legB", legB.String()))
		e.emit(NewSettledEvent(offer, args.Token))
		return true, nil
	}
	e.logger.Warn("acceptance transfer failed, offer restored",
		slog.String("offer", args.OfferID),
		slog.Uint64("token", args.Token),
		slog.String("policy", policy.String()),
		slog.String("error", result.Error))
	e.emit(NewCompensatedEvent(offer, args.Token, SettlementAccept))
	if policy == LegBRefund {
		e.emit(NewLegBRefundedEvent(offer, args.Token, legB))
	}
	return false, nil
}

// dispatchPayout sends the retained leg-B deposit to receiver with a
// tracking-only callback. A failed payout is recorded, never compensated.
func (e *Engine) dispatchPayout(env host.Env, log *settlementLog, settlement *Settlement, receiver string, now uint64) error {
	if err := e.sendPayout(env, settlement, receiver); err != nil {
		return err
	}
	settlement.Payout = PayoutPending
	settlement.PayoutReceiver = receiver
	_, err := log.append(settlement.Token, LogPayoutDispatched, settlement.OfferID, receiver, now)
	return err
}

func (e *Engine) sendPayout(env host.Env, settlement *Settlement, receiver string) error {
	args, err := rlp.EncodeToBytes(PayoutArgs{
		Token:    settlement.Token,
		Receiver: receiver,
		Asset:    settlement.LegB,
	})
	if err != nil {
		return err
	}
	_, err = env.Dispatch(host.Transfer{
		Asset:    settlement.LegB.Clone(),
		Receiver: receiver,
		Memo:     "offer:" + settlement.OfferID,
		Ref:      payoutRef(settlement.Token),
	}, e.params.GasForTransfer, &host.Callback{
		Receiver: env.CurrentAccount(),
		Method:   MethodResolvePayout,
		Args:     args,
		Gas:      e.params.GasForPayoutResolve,
	})
	return err
}

// ResolvePayout records the outcome of a leg-B transfer. It reports whether
// the asset was delivered.
func (e *Engine) ResolvePayout(env host.Env, args PayoutArgs, result host.Result) (bool, error) {
	now := unixNow(env)
	var offerID string
	err := e.state.Atomic(func(tx *state.Manager) error {
		log := newSettlementLog(tx)
		settlement, ok, err := log.get(args.Token)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: unknown token %d", ErrSettlementMismatch, args.Token)
		}
		if settlement.Kind != SettlementAccept || settlement.Payout != PayoutPending {
			return fmt.Errorf("%w: token %d has no pending payout", ErrSettlementMismatch, args.Token)
		}
		if settlement.PayoutReceiver != args.Receiver || !settlement.LegB.Equal(args.Asset) {
			return fmt.Errorf("%w: token %d payout arguments differ from log", ErrSettlementMismatch, args.Token)
		}
		offerID = settlement.OfferID
		action, detail := LogPayoutDelivered, args.Receiver
		settlement.Payout = PayoutDelivered
		if !result.OK {
			action, detail = LogPayoutFailed, result.Error
			settlement.Payout = PayoutFailed
		}
		if _, err := log.append(args.Token, action, offerID, detail, now); err != nil {
			return err
		}
		return log.put(settlement)
	})
	if err != nil {
		return false, err
	}
	if result.OK {
		e.logger.Debug("payout delivered",
			slog.String("offer", offerID),
			slog.Uint64("token", args.Token),
			slog.String("receiver", args.Receiver))
		return true, nil
	}
	e.logger.Error("payout failed, asset remains in custody",
		slog.String("offer", offerID),
		slog.Uint64("token", args.Token),
		slog.String("receiver", args.Receiver),
		slog.String("asset", args.Asset.String()),
		slog.String("error", result.Error))
	e.emit(NewPayoutFailedEvent(args.Token, args.Receiver, args.Asset, result.Error))
	return false, nil
}
