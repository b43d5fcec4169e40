package zele

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/TrunderHunter/fe-appchat-zele-sub000/internal/metrics"
)

// GuardConfig configures a Guard.
type GuardConfig struct {
	// Wait bounds how long a caller waits on another caller's in-flight work.
	Wait time.Duration
	// Timeout bounds shared work. It runs detached from the callers'
	// contexts so one caller giving up does not fail the others.
	Timeout time.Duration
	// SeenTTL is how long MarkSeen remembers an id.
	SeenTTL time.Duration
	Logger  *zap.Logger
}

func (c *GuardConfig) defaults() {
	if c.Wait == 0 {
		c.Wait = 3 * time.Second
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.SeenTTL == 0 {
		c.SeenTTL = 2 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Guard prevents duplicate work under concurrent triggers. Do collapses
// concurrent calls for one key into a single invocation; MarkSeen remembers
// ids for a short window.
//
// Exclusion is best-effort: a caller that waits longer than the configured
// bound releases the key and runs the work itself.
type Guard struct {
	group   singleflight.Group
	wait    time.Duration
	timeout time.Duration
	log     *zap.Logger

	mu      sync.Mutex
	seen    map[string]time.Time
	seenTTL time.Duration
	now     func() time.Time
}

// NewGuard creates a guard.
func NewGuard(config *GuardConfig) *Guard {
	if config == nil {
		config = &GuardConfig{}
	}
	cfg := *config
	cfg.defaults()
	return &Guard{
		wait:    cfg.Wait,
		timeout: cfg.Timeout,
		log:     cfg.Logger.Named("guard"),
		seen:    make(map[string]time.Time),
		seenTTL: cfg.SeenTTL,
		now:     time.Now,
	}
}

// PersonalKey is the guard key of the personal conversation between two users.
// It is symmetric in its arguments.
func PersonalKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return "personal:" + a + ":" + b
}

// Do runs fn for key unless a call for key is already in flight, in which
// case it waits for that call's result. The wait is bounded; when it expires
// the key is released and fn runs for this caller too. shared reports
// whether the result came from another caller's invocation.
//
// fn receives a context that keeps the values of the first caller's ctx but
// not its cancellation; it is bounded by the configured Timeout. Each caller
// still returns early when its own ctx is done.
func (g *Guard) Do(ctx context.Context, key string, fn func(ctx context.Context) (interface{}, error)) (v interface{}, shared bool, err error) {
	var ran atomic.Bool
	ch := g.group.DoChan(key, func() (interface{}, error) {
		ran.Store(true)
		workCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.timeout)
		defer cancel()
		return fn(workCtx)
	})

	timer := time.NewTimer(g.wait)
	defer timer.Stop()

	for {
		select {
		case res := <-ch:
			if ran.Load() {
				metrics.GuardCalls.WithLabelValues("leader").Inc()
				return res.Val, false, res.Err
			}
			metrics.GuardCalls.WithLabelValues("joined").Inc()
			return res.Val, true, res.Err
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-timer.C:
			if ran.Load() {
				// Our own invocation; keep waiting on ctx.
				continue
			}
			g.group.Forget(key)
			metrics.GuardCalls.WithLabelValues("fail_open").Inc()
			g.log.Warn("guard wait expired, proceeding without exclusion", zap.String("key", key), zap.Duration("wait", g.wait))
			v, err := fn(ctx)
			return v, false, err
		}
	}
}

// MarkSeen records id and reports whether it was not already seen within the TTL.
func (g *Guard) MarkSeen(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if len(g.seen) > 1024 {
		for k, at := range g.seen {
			if now.Sub(at) > g.seenTTL {
				delete(g.seen, k)
			}
		}
	}
	if at, ok := g.seen[id]; ok && now.Sub(at) <= g.seenTTL {
		return false
	}
	g.seen[id] = now
	return true
}
