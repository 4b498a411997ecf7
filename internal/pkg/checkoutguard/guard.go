// Package checkoutguard throttles checkout initiation per user so duplicate
// clicks do not open several provider checkouts for one purchase intent.
package checkoutguard

import (
	"context"
	"time"

	"github.com/ManuelReschke/LLMReady/internal/pkg/metrics"
)

const (
	DefaultWindow = time.Minute
	DefaultLimit  = 1
)

// Guard decides whether a user may start another checkout now.
type Guard interface {
	TryAcquire(ctx context.Context, userID uint) bool
}

// Instrument wraps a guard with decision metrics.
func Instrument(g Guard) Guard {
	return instrumented{next: g}
}

type instrumented struct {
	next Guard
}

func (i instrumented) TryAcquire(ctx context.Context, userID uint) bool {
	ok := i.next.TryAcquire(ctx, userID)
	decision := "throttled"
	if ok {
		decision = "acquired"
	}
	metrics.CheckoutGuardTotal.WithLabelValues(decision).Inc()
	return ok
}

func normalize(window time.Duration, limit int) (time.Duration, int) {
	if window <= 0 {
		window = DefaultWindow
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	return window, limit
}
