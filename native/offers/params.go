package offers

import (
	"fmt"
	"strings"

	"offerbook/core/host"
	nativecommon "offerbook/native/common"
)

const (
	ModuleName = "offers"

	MethodResolveAccept   = "resolve_accept"
	MethodResolveWithdraw = "resolve_withdraw"
	MethodResolvePayout   = "resolve_payout"

	DefaultMaxPageSize uint64 = 100
)

// LegBPolicy decides what happens to the counterparty's deposit when leg A of
// an acceptance fails.
type LegBPolicy uint8

const (
	// LegBRefund returns the deposit to the counterparty.
	LegBRefund LegBPolicy = iota
	// LegBRetain keeps the deposit in custody and records it in the log.
	LegBRetain
)

func (p LegBPolicy) String() string {
	switch p {
	case LegBRetain:
		return "retain"
	default:
		return "refund"
	}
}

// ParseLegBPolicy accepts "refund" and "retain". Empty selects refund.
func ParseLegBPolicy(raw string) (LegBPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "refund":
		return LegBRefund, nil
	case "retain":
		return LegBRetain, nil
	default:
		return LegBRefund, fmt.Errorf("offers: unknown leg-b policy %q", raw)
	}
}

// Params tunes the engine's gas reservations and read limits.
type Params struct {
	GasForTransfer      host.Gas
	GasForResolve       host.Gas
	GasForPayoutResolve host.Gas
	GasHeadroom         host.Gas
	LegBPolicy          LegBPolicy
	MaxPageSize         uint64
	// CreationQuota limits offers created per maker per epoch.
	CreationQuota nativecommon.Quota
}

// DefaultParams returns the production defaults.
func DefaultParams() Params {
	return Params{
		GasForTransfer:      10 * host.TGas,
		GasForResolve:       25 * host.TGas,
		GasForPayoutResolve: 5 * host.TGas,
		GasHeadroom:         5 * host.TGas,
		LegBPolicy:          LegBRefund,
		MaxPageSize:         DefaultMaxPageSize,
	}
}

// RequiredGas is the remaining budget acceptance and withdrawal must hold
// before dispatching.
func (p Params) RequiredGas() host.Gas {
	return host.DispatchBaseGas + p.GasForTransfer + p.GasForResolve + p.GasHeadroom
}

// Validate checks that the resolver reservation can pay for its own outbound
// dispatch.
func (p Params) Validate() error {
	if p.GasForTransfer == 0 {
		return fmt.Errorf("offers: transfer gas must be positive")
	}
	if p.MaxPageSize == 0 {
		return fmt.Errorf("offers: max page size must be positive")
	}
	if need := host.DispatchBaseGas + p.GasForTransfer + p.GasForPayoutResolve; p.GasForResolve < need {
		return fmt.Errorf("offers: resolve gas %d below payout dispatch cost %d", p.GasForResolve, need)
	}
	return nil
}
