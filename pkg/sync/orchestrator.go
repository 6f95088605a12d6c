// Package sync decides when a sync pass runs. It turns connectivity, focus
// and visibility signals into debounced, throttled, single-flight calls of
// an injected callback.
package sync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// SyncFunc runs one sync pass. Its context is cancelled on Destroy.
type SyncFunc func(ctx context.Context) error

// State is the orchestrator phase.
type State int

const (
	StateIdle State = iota
	StateDebouncing
	StateSyncing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDebouncing:
		return "debouncing"
	case StateSyncing:
		return "syncing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Status is a snapshot of the session.
type Status struct {
	State             State
	Online            bool
	Attached          bool
	LastSyncTime      time.Time
	LastTriggerSource Source
}

// Orchestrator is one sync session. All methods are safe for concurrent use.
type Orchestrator struct {
	cfg    Config
	source SignalSource
	sched  Scheduler
	logger *slog.Logger

	mu                sync.Mutex
	callback          SyncFunc
	hooks             TelemetryHooks
	initialized       bool
	destroyed         bool
	unsubscribe       func()
	online            bool
	isSyncing         bool
	lastSyncTime      time.Time
	lastTriggerSource Source
	pendingTimer      Timer
	generation        uint64
	ctx               context.Context
	cancel            context.CancelFunc
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithConfig replaces the whole configuration. Later options override it.
func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) { o.cfg = cfg }
}

func WithDebounce(d time.Duration) Option {
	return func(o *Orchestrator) { o.cfg.Debounce = d }
}

func WithThrottle(d time.Duration) Option {
	return func(o *Orchestrator) { o.cfg.Throttle = d }
}

func WithAutoAttach(auto bool) Option {
	return func(o *Orchestrator) { o.cfg.AutoAttach = auto }
}

func WithScheduler(s Scheduler) Option {
	return func(o *Orchestrator) {
		if s != nil {
			o.sched = s
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger.With("component", "orchestrator")
		}
	}
}

// New creates an orchestrator listening to source. Nothing happens until
// Init supplies the callback.
func New(source SignalSource, opts ...Option) (*Orchestrator, error) {
	if source == nil {
		return nil, fmt.Errorf("signal source must not be nil")
	}
	o := &Orchestrator{
		cfg:    DefaultConfig(),
		source: source,
		sched:  RealScheduler{},
		logger: slog.Default().With("component", "orchestrator"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	if err := o.cfg.Validate(); err != nil {
		return nil, err
	}
	return o, nil
}

// Init installs the callback and hooks and, with AutoAttach, subscribes to
// the signal source.
func (o *Orchestrator) Init(cb SyncFunc, hooks TelemetryHooks) error {
	if cb == nil {
		return ErrNilCallback
	}

	o.mu.Lock()
	switch {
	case o.destroyed:
		o.mu.Unlock()
		return ErrDestroyed
	case o.initialized:
		o.mu.Unlock()
		return ErrAlreadyInitialized
	}
	o.callback = cb
	o.hooks = hooks
	o.initialized = true
	o.ctx, o.cancel = context.WithCancel(context.Background())
	auto := o.cfg.AutoAttach
	o.mu.Unlock()

	o.logger.Debug("initialized", "debounce", o.cfg.Debounce, "throttle", o.cfg.Throttle, "auto_attach", auto)
	if auto {
		return o.Attach()
	}
	return nil
}

// Attach subscribes to the signal source. It is a no-op when already
// attached.
func (o *Orchestrator) Attach() error {
	o.mu.Lock()
	switch {
	case o.destroyed:
		o.mu.Unlock()
		return ErrDestroyed
	case !o.initialized:
		o.mu.Unlock()
		return ErrNotInitialized
	case o.unsubscribe != nil:
		o.mu.Unlock()
		return nil
	}
	o.online = o.source.Online()
	o.unsubscribe = func() {}
	o.mu.Unlock()

	unsubscribe := o.source.Subscribe(o.handle)

	o.mu.Lock()
	if o.destroyed {
		o.mu.Unlock()
		unsubscribe()
		return ErrDestroyed
	}
	o.unsubscribe = unsubscribe
	o.mu.Unlock()
	o.logger.Debug("attached to signal source")
	return nil
}

// Destroy detaches from the source, cancels a pending trigger and cancels
// the context of a running callback. It is idempotent.
func (o *Orchestrator) Destroy() {
	o.mu.Lock()
	if o.destroyed {
		o.mu.Unlock()
		return
	}
	o.destroyed = true
	o.cancelPendingLocked()
	unsubscribe, cancel := o.unsubscribe, o.cancel
	o.unsubscribe = nil
	o.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if cancel != nil {
		cancel()
	}
	o.logger.Debug("destroyed")
}

func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := StateIdle
	switch {
	case o.isSyncing:
		st = StateSyncing
	case o.pendingTimer != nil:
		st = StateDebouncing
	}
	return Status{
		State:             st,
		Online:            o.online,
		Attached:          o.unsubscribe != nil,
		LastSyncTime:      o.lastSyncTime,
		LastTriggerSource: o.lastTriggerSource,
	}
}

func (o *Orchestrator) cancelPendingLocked() {
	if o.pendingTimer != nil {
		o.pendingTimer.Stop()
		o.pendingTimer = nil
	}
	// A timer that already fired but has not taken the lock yet sees a
	// newer generation and gives up.
	o.generation++
}

func (o *Orchestrator) handle(sig Signal) {
	o.mu.Lock()
	if o.destroyed || o.unsubscribe == nil {
		o.mu.Unlock()
		return
	}

	switch sig {
	case SignalOffline:
		o.online = false
		o.cancelPendingLocked()
		o.mu.Unlock()
		o.logger.Debug("host offline, pending trigger cancelled")
		return
	case SignalOnline:
		o.online = true
	case SignalFocus, SignalVisibility:
		if !o.online {
			o.mu.Unlock()
			o.logger.Debug("ignoring signal while offline", "signal", sig)
			return
		}
	default:
		o.mu.Unlock()
		return
	}

	src, _ := sig.Source()
	o.lastTriggerSource = src
	o.cancelPendingLocked()
	gen := o.generation
	o.pendingTimer = o.sched.AfterFunc(o.cfg.Debounce, func() { o.fire(gen, src) })
	hooks := o.hooks
	o.mu.Unlock()

	o.callHook("OnReconnectDetected", func() {
		if hooks.OnReconnectDetected != nil {
			hooks.OnReconnectDetected(src)
		}
	})
}

func (o *Orchestrator) fire(gen uint64, src Source) {
	o.mu.Lock()
	if o.destroyed || gen != o.generation {
		o.mu.Unlock()
		return
	}
	o.pendingTimer = nil

	if o.isSyncing {
		o.mu.Unlock()
		o.logger.Debug("sync in flight, dropping trigger", "source", src)
		return
	}
	now := o.sched.Now()
	if !o.lastSyncTime.IsZero() && now.Sub(o.lastSyncTime) < o.cfg.Throttle {
		o.mu.Unlock()
		o.logger.Debug("throttled, dropping trigger", "source", src, "since_last_sync", now.Sub(o.lastSyncTime))
		return
	}

	o.isSyncing = true
	cb, hooks, ctx := o.callback, o.hooks, o.ctx
	o.mu.Unlock()

	o.callHook("OnSyncStarted", func() {
		if hooks.OnSyncStarted != nil {
			hooks.OnSyncStarted(src)
		}
	})

	err := o.run(ctx, cb, src)

	o.mu.Lock()
	o.isSyncing = false
	if err == nil {
		o.lastSyncTime = o.sched.Now()
	}
	o.mu.Unlock()

	if err != nil {
		o.callHook("OnSyncFailed", func() {
			if hooks.OnSyncFailed != nil {
				hooks.OnSyncFailed(src, err)
			}
		})
		return
	}
	o.callHook("OnSyncSuccess", func() {
		if hooks.OnSyncSuccess != nil {
			hooks.OnSyncSuccess(src)
		}
	})
}

// run invokes cb and turns an error or panic into a SyncCallbackError.
func (o *Orchestrator) run(ctx context.Context, cb SyncFunc, src Source) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &SyncCallbackError{Source: src, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if cbErr := cb(ctx); cbErr != nil {
		return &SyncCallbackError{Source: src, Err: cbErr}
	}
	return nil
}

func (o *Orchestrator) callHook(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("telemetry hook panicked", "hook", name, "panic", r)
		}
	}()
	fn()
}

// WithTimeout bounds fn by d. The returned SyncFunc returns after d even
// when fn ignores its context.
func WithTimeout(fn SyncFunc, d time.Duration) SyncFunc {
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic: %v", r)
				}
			}()
			done <- fn(ctx)
		}()

		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return fmt.Errorf("%w after %s", ErrSyncTimeout, d)
			}
			return ctx.Err()
		}
	}
}
