package checkoutguard

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// MemoryGuard is a per-process guard with one token bucket per user. The
// bucket holds limit tokens and refills one token every window/limit.
type MemoryGuard struct {
	mu        sync.Mutex
	visitors  map[uint]*visitor
	every     rate.Limit
	burst     int
	idle      time.Duration
	lastSweep time.Time
	now       func() time.Time
}

// NewMemoryGuard creates an in-memory guard allowing limit checkouts per
// window and user.
func NewMemoryGuard(window time.Duration, limit int) *MemoryGuard {
	window, limit = normalize(window, limit)
	return &MemoryGuard{
		visitors: make(map[uint]*visitor),
		every:    rate.Every(window / time.Duration(limit)),
		burst:    limit,
		idle:     3 * window,
		now:      time.Now,
	}
}

func (g *MemoryGuard) TryAcquire(_ context.Context, userID uint) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.sweep(now)

	v, ok := g.visitors[userID]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(g.every, g.burst)}
		g.visitors[userID] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

// sweep drops users idle for longer than three windows. Runs at most once per
// idle period.
func (g *MemoryGuard) sweep(now time.Time) {
	if now.Sub(g.lastSweep) < g.idle {
		return
	}
	g.lastSweep = now
	for id, v := range g.visitors {
		if now.Sub(v.lastSeen) > g.idle {
			delete(g.visitors, id)
		}
	}
}

func (g *MemoryGuard) size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.visitors)
}
