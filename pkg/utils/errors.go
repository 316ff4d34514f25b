package utils

import (
	"runtime/debug"

	"go.uber.org/zap"
)

// RecoverFromPanic logs a recovered panic with its stack. Deferred by
// SafeGoroutine; a panicking background task must not take the node down.
func RecoverFromPanic(logger *zap.Logger, component string) {
	if r := recover(); r != nil {
		logger.Error("panic recovered",
			zap.String("component", component),
			zap.Any("panic", r),
			zap.ByteString("stack", debug.Stack()))
	}
}

// SafeGoroutine runs fn on its own goroutine with panic recovery.
func SafeGoroutine(logger *zap.Logger, component string, fn func()) {
	if logger == nil {
		logger = zap.NewNop()
	}
	go func() {
		defer RecoverFromPanic(logger, component)
		fn()
	}()
}
