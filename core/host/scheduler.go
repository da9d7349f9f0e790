package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Executor performs the transfer behind a promise.
type Executor interface {
	ExecuteTransfer(ctx context.Context, from string, t Transfer) error
}

// CallbackHandler receives the outcome of promises dispatched with a callback.
type CallbackHandler interface {
	HandleCallback(env Env, method string, args []byte, results []Result) error
}

// Scheduler queues promises emitted by successful invocations and later
// executes them, delivering each outcome to the registered callback handler
// in a fresh invocation. It imposes no timeout: a promise that is never
// stepped never resolves.
type Scheduler struct {
	mu       sync.Mutex
	executor Executor
	handlers map[string]CallbackHandler
	queue    []*Promise
	nextID   atomic.Uint64
	nowFn    func() time.Time
	logger   *slog.Logger
}

// NewScheduler constructs a scheduler executing transfers through exec.
func NewScheduler(exec Executor) *Scheduler {
	return &Scheduler{
		executor: exec,
		handlers: make(map[string]CallbackHandler),
		nowFn:    time.Now,
		logger:   slog.Default(),
	}
}

// SetExecutor replaces the transfer executor.
func (s *Scheduler) SetExecutor(exec Executor) {
	s.mu.Lock()
	s.executor = exec
	s.mu.Unlock()
}

// SetLogger configures the logger. Nil restores slog.Default.
func (s *Scheduler) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	s.mu.Lock()
	s.logger = logger
	s.mu.Unlock()
}

// SetNowFunc overrides the clock, primarily for tests.
func (s *Scheduler) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	s.mu.Lock()
	s.nowFn = now
	s.mu.Unlock()
}

// Register binds the callback handler for account.
func (s *Scheduler) Register(account string, handler CallbackHandler) {
	s.mu.Lock()
	s.handlers[account] = handler
	s.mu.Unlock()
}

// Invoke runs fn as one invocation of account called by predecessor with the
// supplied gas. Promises dispatched by fn are queued only when fn succeeds.
func (s *Scheduler) Invoke(account, predecessor string, gas Gas, fn func(*Invocation) error) error {
	s.mu.Lock()
	now := s.nowFn()
	s.mu.Unlock()
	inv := &Invocation{
		account:     account,
		predecessor: predecessor,
		prepaid:     gas,
		now:         now,
		nextID:      func() PromiseID { return PromiseID(s.nextID.Add(1)) },
	}
	if err := fn(inv); err != nil {
		return err
	}
	if len(inv.promises) == 0 {
		return nil
	}
	s.mu.Lock()
	s.queue = append(s.queue, inv.promises...)
	s.mu.Unlock()
	return nil
}

// Pending reports the number of queued promises.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// PendingPromises returns a snapshot of the queue in execution order.
func (s *Scheduler) PendingPromises() []Promise {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Promise, 0, len(s.queue))
	for _, p := range s.queue {
		out = append(out, *p)
	}
	return out
}

// Step executes the oldest queued promise and delivers its outcome. The
// boolean is false when the queue was empty. The returned error reports a
// callback failure; the promise is consumed either way.
func (s *Scheduler) Step(ctx context.Context) (bool, error) {
	s.mu.Lock()
	if len(s.queue) == 0 {
		s.mu.Unlock()
		return false, nil
	}
	promise := s.queue[0]
	s.queue = s.queue[1:]
	exec := s.executor
	logger := s.logger
	var handler CallbackHandler
	if promise.Callback != nil {
		handler = s.handlers[promise.Callback.Receiver]
	}
	s.mu.Unlock()

	result := Succeeded()
	if exec == nil {
		result = Failed(ErrNoExecutor)
	} else if err := exec.ExecuteTransfer(ctx, promise.From, promise.Transfer); err != nil {
		result = Failed(err)
	}
	logger.Debug("promise executed",
		slog.Uint64("promise", uint64(promise.ID)),
		slog.String("from", promise.From),
		slog.String("receiver", promise.Transfer.Receiver),
		slog.String("asset", promise.Transfer.Asset.String()),
		slog.Bool("ok", result.OK),
		slog.String("error", result.Error))

	cb := promise.Callback
	if cb == nil {
		return true, nil
	}
	if handler == nil {
		return true, fmt.Errorf("%w: %s", ErrNoHandler, cb.Receiver)
	}
	err := s.Invoke(cb.Receiver, cb.Receiver, cb.Gas, func(inv *Invocation) error {
		return handler.HandleCallback(inv, cb.Method, cb.Args, []Result{result})
	})
	if err != nil {
		logger.Warn("callback rejected",
			slog.Uint64("promise", uint64(promise.ID)),
			slog.String("method", cb.Method),
			slog.String("error", err.Error()))
		return true, fmt.Errorf("callback %s: %w", cb.Method, err)
	}
	return true, nil
}

// Drain steps until the queue is empty or ctx is cancelled, including
// promises dispatched by callbacks along the way. It returns the number of
// promises processed and every callback error joined together.
func (s *Scheduler) Drain(ctx context.Context) (int, error) {
	var (
		processed int
		errs      []error
	)
	for {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		ok, err := s.Step(ctx)
		if !ok {
			break
		}
		processed++
		if err != nil {
			errs = append(errs, err)
		}
	}
	return processed, errors.Join(errs...)
}
