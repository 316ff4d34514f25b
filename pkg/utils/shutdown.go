package utils

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// ShutdownManager turns SIGINT/SIGTERM into context cancellation and runs the
// registered hooks in reverse registration order.
type ShutdownManager struct {
	ctx            context.Context
	cancel         context.CancelFunc
	wg             sync.WaitGroup
	shutdownHooks  []func() error
	hooksMutex     sync.Mutex
	gracePeriod    time.Duration
	shutdownSignal chan os.Signal
	once           sync.Once
	finished       chan struct{}
	logger         *zap.Logger
}

func NewShutdownManager(parent context.Context, gracePeriod time.Duration, logger *zap.Logger) *ShutdownManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(parent)

	sm := &ShutdownManager{
		ctx:            ctx,
		cancel:         cancel,
		shutdownHooks:  make([]func() error, 0),
		gracePeriod:    gracePeriod,
		shutdownSignal: make(chan os.Signal, 1),
		finished:       make(chan struct{}),
		logger:         logger,
	}

	signal.Notify(sm.shutdownSignal, syscall.SIGINT, syscall.SIGTERM)

	go sm.waitForShutdownSignal()

	return sm
}

func (sm *ShutdownManager) waitForShutdownSignal() {
	select {
	case sig := <-sm.shutdownSignal:
		sm.logger.Info("Received shutdown signal", zap.Stringer("signal", sig))
		sm.InitiateShutdown()
	case <-sm.ctx.Done():
		sm.InitiateShutdown()
	}
}

func (sm *ShutdownManager) RegisterShutdownHook(name string, hook func() error) {
	sm.hooksMutex.Lock()
	defer sm.hooksMutex.Unlock()

	wrappedHook := func() error {
		sm.logger.Debug("Executing shutdown hook", zap.String("hook", name))
		if err := hook(); err != nil {
			sm.logger.Warn("Shutdown hook failed", zap.String("hook", name), zap.Error(err))
			return err
		}
		return nil
	}

	sm.shutdownHooks = append(sm.shutdownHooks, wrappedHook)
}

// InitiateShutdown cancels the context, waits up to the grace period for
// tracked tasks and then runs the hooks. Safe to call more than once.
func (sm *ShutdownManager) InitiateShutdown() {
	sm.once.Do(func() {
		defer close(sm.finished)
		signal.Stop(sm.shutdownSignal)
		sm.logger.Info("Initiating graceful shutdown", zap.Duration("grace_period", sm.gracePeriod))

		sm.cancel()

		done := make(chan struct{})
		go func() {
			sm.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(sm.gracePeriod):
			sm.logger.Warn("Grace period expired, forcing shutdown")
		}

		sm.executeShutdownHooks()
		sm.logger.Info("Shutdown complete")
	})
}

func (sm *ShutdownManager) executeShutdownHooks() {
	sm.hooksMutex.Lock()
	hooks := make([]func() error, len(sm.shutdownHooks))
	copy(hooks, sm.shutdownHooks)
	sm.hooksMutex.Unlock()

	for i := len(hooks) - 1; i >= 0; i-- {
		_ = hooks[i]()
	}
}

func (sm *ShutdownManager) Context() context.Context {
	return sm.ctx
}

// Done is closed once the hooks have run.
func (sm *ShutdownManager) Done() <-chan struct{} {
	return sm.finished
}

func (sm *ShutdownManager) AddTask() {
	sm.wg.Add(1)
}

func (sm *ShutdownManager) TaskDone() {
	sm.wg.Done()
}

// ResourceLimiter bounds the number of concurrently running background tasks.
type ResourceLimiter struct {
	maxGoroutines int
	semaphore     chan struct{}
	active        int
	mutex         sync.Mutex
}

func NewResourceLimiter(maxGoroutines int) *ResourceLimiter {
	if maxGoroutines <= 0 {
		maxGoroutines = 1
	}
	return &ResourceLimiter{
		maxGoroutines: maxGoroutines,
		semaphore:     make(chan struct{}, maxGoroutines),
	}
}

// TryAcquire takes a slot without waiting.
func (rl *ResourceLimiter) TryAcquire() bool {
	select {
	case rl.semaphore <- struct{}{}:
		rl.mutex.Lock()
		rl.active++
		rl.mutex.Unlock()
		return true
	default:
		return false
	}
}

func (rl *ResourceLimiter) Release() {
	<-rl.semaphore
	rl.mutex.Lock()
	rl.active--
	rl.mutex.Unlock()
}

func (rl *ResourceLimiter) GetActiveCount() int {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()
	return rl.active
}

func (rl *ResourceLimiter) GetCapacity() int {
	return rl.maxGoroutines
}

// Go runs task on a recovered goroutine if a slot is free; it reports false
// without running the task otherwise.
func (rl *ResourceLimiter) Go(logger *zap.Logger, component string, task func()) bool {
	if !rl.TryAcquire() {
		return false
	}
	SafeGoroutine(logger, component, func() {
		defer rl.Release()
		task()
	})
	return true
}
