package pipedrive

import (
	"container/list"
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterConfig encodes the provider's dual limits: a cap on concurrent
// connections and a request budget per window.
type RateLimiterConfig struct {
	// MaxConcurrent caps tasks admitted and not yet finished; <= 0 is unlimited.
	MaxConcurrent int
	// MinTime is the minimum spacing between two dispatches.
	MinTime time.Duration
	// Reservoir is the initial permit balance. The reservoir is enforced when
	// Reservoir > 0 or a refill is configured; with a refill and Reservoir
	// <= 0 the first window waits for the first refill.
	Reservoir int
	// ReservoirRefreshAmount is the balance restored every ReservoirRefreshInterval.
	ReservoirRefreshAmount   int
	ReservoirRefreshInterval time.Duration
}

// DefaultRateLimiterConfig allows 10 concurrent calls spaced 100ms apart and
// a burst of 100 requests refilled every 10 seconds.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		MaxConcurrent:            10,
		MinTime:                  100 * time.Millisecond,
		Reservoir:                100,
		ReservoirRefreshAmount:   100,
		ReservoirRefreshInterval: 10 * time.Second,
	}
}

func (cfg RateLimiterConfig) validate() []string {
	var errs []string
	if cfg.MinTime < 0 {
		errs = append(errs, "rateLimiter MinTime must be non-negative")
	}
	if cfg.ReservoirRefreshAmount < 0 {
		errs = append(errs, "rateLimiter ReservoirRefreshAmount must be non-negative")
	}
	if cfg.ReservoirRefreshAmount > 0 && cfg.ReservoirRefreshInterval <= 0 {
		errs = append(errs, "rateLimiter ReservoirRefreshInterval must be positive when ReservoirRefreshAmount is set")
	}
	if cfg.ReservoirRefreshInterval > 0 && cfg.ReservoirRefreshInterval < time.Millisecond {
		errs = append(errs, "rateLimiter ReservoirRefreshInterval < 1ms may cause excessive CPU usage")
	}
	return errs
}

// StageCounts reports how many tasks sit in each lifecycle stage. Received
// is cumulative and always equals Queued+Running+Executing+Done.
type StageCounts struct {
	Received  int
	Queued    int
	Running   int
	Executing int
	Done      int
}

type admission struct {
	delay time.Duration
	err   error
}

type pendingTask struct {
	admitted chan admission
	elem     *list.Element
}

// RateLimiter admits scheduled tasks in FIFO order once both a concurrency
// slot and a reservoir permit are free. A task admitted but still waiting
// out MinTime is RUNNING; while its body runs it is EXECUTING.
type RateLimiter struct {
	mu        sync.Mutex
	cfg       RateLimiterConfig
	queue     *list.List
	active    int
	reservoir int
	limited   bool
	spacing   *rate.Limiter
	counts    StageCounts
	closed    bool
	observer  func(StageCounts, int)

	stop      chan struct{}
	refillers sync.WaitGroup
	closeOnce sync.Once
}

// NewRateLimiter creates a limiter and, when a refresh interval is
// configured, starts the refill timer. Call Close to stop it.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	refills := cfg.ReservoirRefreshAmount > 0 && cfg.ReservoirRefreshInterval > 0
	rl := &RateLimiter{
		cfg:     cfg,
		queue:   list.New(),
		limited: cfg.Reservoir > 0 || refills,
		stop:    make(chan struct{}),
	}
	if cfg.Reservoir > 0 {
		rl.reservoir = cfg.Reservoir
	}
	if cfg.MinTime > 0 {
		rl.spacing = rate.NewLimiter(rate.Every(cfg.MinTime), 1)
	}
	if refills {
		rl.refillers.Add(1)
		go rl.refillLoop(cfg.ReservoirRefreshInterval)
	}
	return rl
}

// Schedule queues task and blocks until it has run. A ctx that ends while
// the task is still QUEUED withdraws it without consuming a slot or permit;
// once admitted the task runs with ctx and its error is returned.
func (rl *RateLimiter) Schedule(ctx context.Context, task func(ctx context.Context) error) error {
	rl.mu.Lock()
	if rl.closed {
		rl.mu.Unlock()
		return ErrLimiterClosed
	}
	pt := &pendingTask{admitted: make(chan admission, 1)}
	pt.elem = rl.queue.PushBack(pt)
	rl.counts.Received++
	rl.counts.Queued++
	rl.dispatchLocked()
	rl.notifyLocked()
	rl.mu.Unlock()

	var adm admission
	select {
	case adm = <-pt.admitted:
	case <-ctx.Done():
		rl.mu.Lock()
		if pt.elem != nil {
			rl.queue.Remove(pt.elem)
			pt.elem = nil
			rl.counts.Queued--
			rl.counts.Done++
			rl.notifyLocked()
			rl.mu.Unlock()
			return ctx.Err()
		}
		rl.mu.Unlock()
		// admitted concurrently with cancellation; the slot is ours
		adm = <-pt.admitted
	}
	if adm.err != nil {
		return adm.err
	}

	executing := false
	defer func() { rl.finish(executing) }()

	if adm.delay > 0 {
		if err := sleepContext(ctx, adm.delay); err != nil {
			return err
		}
	}

	rl.mu.Lock()
	rl.counts.Running--
	rl.counts.Executing++
	rl.notifyLocked()
	rl.mu.Unlock()
	executing = true

	return task(ctx)
}

// Schedule runs task through rl and returns its result.
func Schedule[T any](ctx context.Context, rl *RateLimiter, task func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := rl.Schedule(ctx, func(ctx context.Context) error {
		var err error
		result, err = task(ctx)
		return err
	})
	return result, err
}

// finish releases the slot of an admitted task, whichever stage it reached.
func (rl *RateLimiter) finish(executing bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if executing {
		rl.counts.Executing--
	} else {
		rl.counts.Running--
	}
	rl.counts.Done++
	rl.active--
	rl.dispatchLocked()
	rl.notifyLocked()
}

// caller holds rl.mu
func (rl *RateLimiter) dispatchLocked() {
	for rl.queue.Len() > 0 {
		if rl.cfg.MaxConcurrent > 0 && rl.active >= rl.cfg.MaxConcurrent {
			return
		}
		if rl.limited && rl.reservoir <= 0 {
			return
		}

		pt := rl.queue.Remove(rl.queue.Front()).(*pendingTask)
		pt.elem = nil
		rl.active++
		if rl.limited {
			rl.reservoir--
		}
		rl.counts.Queued--
		rl.counts.Running++

		var delay time.Duration
		if rl.spacing != nil {
			now := time.Now()
			delay = rl.spacing.ReserveN(now, 1).DelayFrom(now)
		}
		pt.admitted <- admission{delay: delay}
	}
}

func (rl *RateLimiter) refillLoop(interval time.Duration) {
	defer rl.refillers.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.refill()
		case <-rl.stop:
			return
		}
	}
}

func (rl *RateLimiter) refill() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.closed {
		return
	}
	rl.reservoir = rl.cfg.ReservoirRefreshAmount
	rl.dispatchLocked()
	rl.notifyLocked()
}

// caller holds rl.mu
func (rl *RateLimiter) notifyLocked() {
	if rl.observer != nil {
		rl.observer(rl.counts, rl.reservoir)
	}
}

// setObserver registers a callback invoked, under the limiter lock, after
// every stage transition and refill.
func (rl *RateLimiter) setObserver(fn func(StageCounts, int)) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.observer = fn
}

// Counts returns a consistent snapshot of the stage counters.
func (rl *RateLimiter) Counts() StageCounts {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.counts
}

// Reservoir returns the current permit balance; ok is false when no
// reservoir is configured.
func (rl *RateLimiter) Reservoir() (remaining int, ok bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.reservoir, rl.limited
}

// Config returns the limiter configuration.
func (rl *RateLimiter) Config() RateLimiterConfig {
	return rl.cfg
}

// Close stops the refill timer and fails every queued task with
// ErrLimiterClosed. Admitted tasks run to completion. Close is idempotent.
func (rl *RateLimiter) Close() {
	rl.closeOnce.Do(func() {
		rl.mu.Lock()
		rl.closed = true
		for rl.queue.Len() > 0 {
			pt := rl.queue.Remove(rl.queue.Front()).(*pendingTask)
			pt.elem = nil
			rl.counts.Queued--
			rl.counts.Done++
			pt.admitted <- admission{err: ErrLimiterClosed}
		}
		rl.notifyLocked()
		rl.mu.Unlock()

		close(rl.stop)
		rl.refillers.Wait()
	})
}
