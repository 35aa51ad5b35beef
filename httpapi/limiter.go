package httpapi

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/time/rate"
)

const limiterSweepInterval = time.Minute

// clientLimiter keeps one token bucket per client IP.
type clientLimiter struct {
	limit   rate.Limit
	burst   int
	clients sync.Map // ip -> *rate.Limiter
	onLimit func()
}

func newClientLimiter(rps float64, burst int, onLimit func()) *clientLimiter {
	if onLimit == nil {
		onLimit = func() {}
	}
	return &clientLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		onLimit: onLimit,
	}
}

func (l *clientLimiter) allow(ip string) bool {
	lim, ok := l.clients.Load(ip)
	if !ok {
		lim, _ = l.clients.LoadOrStore(ip, rate.NewLimiter(l.limit, l.burst))
	}
	return lim.(*rate.Limiter).Allow()
}

func (l *clientLimiter) middleware(c *fiber.Ctx) error {
	if !l.allow(c.IP()) {
		l.onLimit()
		return fiber.NewError(fiber.StatusTooManyRequests, "Too many requests")
	}
	return c.Next()
}

// sweep drops clients whose bucket has refilled by now. A full bucket is
// indistinguishable from a new one, so eviction never loosens the limit.
func (l *clientLimiter) sweep(now time.Time) int {
	evicted := 0
	l.clients.Range(func(ip, lim any) bool {
		if lim.(*rate.Limiter).TokensAt(now) >= float64(l.burst) {
			l.clients.Delete(ip)
			evicted++
		}
		return true
	})
	return evicted
}

// run sweeps every interval until ctx is done.
func (l *clientLimiter) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.sweep(now)
		}
	}
}
