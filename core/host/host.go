// Package host models the execution environment offer contracts run in: every
// invocation is single-threaded and carries a finite gas budget, and outbound
// asset transfers are asynchronous promises whose outcome is delivered to a
// callback in a later, separate invocation.
package host

import (
	"errors"
	"fmt"
	"time"

	"offerbook/core/types"
)

// Gas is the unit of execution budget.
type Gas uint64

const (
	// TGas is one tera-gas.
	TGas Gas = 1_000_000_000_000
	// DispatchBaseGas is charged for every dispatched promise on top of the
	// gas attached to it.
	DispatchBaseGas Gas = 2 * TGas
)

var (
	ErrBudgetExceeded = errors.New("host: gas budget exceeded")
	ErrNoHandler      = errors.New("host: no callback handler registered")
	ErrNoExecutor     = errors.New("host: transfer executor not configured")
)

// Transfer moves Asset from the dispatching account's custody to Receiver.
// A non-empty Ref makes execution idempotent per dispatching account: a
// transfer whose Ref was already applied succeeds without moving anything.
type Transfer struct {
	Asset    types.Asset
	Receiver string
	Memo     string
	Ref      string
}

// Callback names the method invoked once a dispatched transfer resolves. Args
// is opaque replay state carried across the asynchronous boundary.
type Callback struct {
	Receiver string
	Method   string
	Args     []byte
	Gas      Gas
}

// Result is the outcome of one dispatched transfer as seen by its callback.
type Result struct {
	OK    bool
	Error string
}

// Succeeded builds a successful result.
func Succeeded() Result { return Result{OK: true} }

// Failed builds a failed result from err.
func Failed(err error) Result {
	if err == nil {
		return Result{Error: "unknown failure"}
	}
	return Result{Error: err.Error()}
}

// PromiseID identifies a dispatched transfer.
type PromiseID uint64

// Promise is a transfer waiting to be executed by the scheduler.
type Promise struct {
	ID        PromiseID
	From      string
	Transfer  Transfer
	Gas       Gas
	Callback  *Callback
	CreatedAt time.Time
}

// Env is the view of the running invocation handed to contract code.
type Env interface {
	// CurrentAccount is the account whose code is executing.
	CurrentAccount() string
	// Predecessor is the account that made this call.
	Predecessor() string
	Prepaid() Gas
	Remaining() Gas
	Now() time.Time
	// Dispatch queues t for asynchronous execution. The promise only leaves
	// the invocation if the invocation completes without error.
	Dispatch(t Transfer, attached Gas, cb *Callback) (PromiseID, error)
}

// Invocation is the Env implementation used by the Scheduler.
type Invocation struct {
	account     string
	predecessor string
	prepaid     Gas
	used        Gas
	now         time.Time
	nextID      func() PromiseID
	promises    []*Promise
}

func (inv *Invocation) CurrentAccount() string { return inv.account }
func (inv *Invocation) Predecessor() string    { return inv.predecessor }
func (inv *Invocation) Prepaid() Gas           { return inv.prepaid }
func (inv *Invocation) Now() time.Time         { return inv.now }

// Remaining returns the unused part of the prepaid budget.
func (inv *Invocation) Remaining() Gas {
	if inv.used >= inv.prepaid {
		return 0
	}
	return inv.prepaid - inv.used
}

// Charge consumes gas from the budget.
func (inv *Invocation) Charge(gas Gas) error {
	if gas > inv.Remaining() {
		return fmt.Errorf("%w: need %d, have %d", ErrBudgetExceeded, gas, inv.Remaining())
	}
	inv.used += gas
	return nil
}

// Dispatch implements Env.
func (inv *Invocation) Dispatch(t Transfer, attached Gas, cb *Callback) (PromiseID, error) {
	cost := DispatchBaseGas + attached
	if cb != nil {
		cost += cb.Gas
	}
	if err := inv.Charge(cost); err != nil {
		return 0, err
	}
	promise := &Promise{
		ID:        inv.nextID(),
		From:      inv.account,
		Transfer:  t,
		Gas:       attached,
		CreatedAt: inv.now,
	}
	if cb != nil {
		clone := *cb
		clone.Args = append([]byte(nil), cb.Args...)
		promise.Callback = &clone
	}
	inv.promises = append(inv.promises, promise)
	return promise.ID, nil
}

// Promises returns the promises dispatched so far.
func (inv *Invocation) Promises() []*Promise {
	return inv.promises
}
