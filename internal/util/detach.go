package util

import (
	"context"
	"log/slog"
	"time"
)

// Detach runs fn on its own goroutine with a fresh context, detached from
// the caller's request lifecycle. Failures and panics are logged and
// dropped; the caller never observes them. Used for best-effort side
// effects (analytics writes) that must not block or fail a response.
func Detach(name string, timeout time.Duration, fn func(ctx context.Context) error) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("detached task panicked", "task", name, "panic", r)
			}
		}()
		ctx := context.Background()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		if err := fn(ctx); err != nil {
			slog.Warn("detached task failed", "task", name, "err", err)
		}
	}()
}
