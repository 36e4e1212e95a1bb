// Package admission gates how many fetch jobs may run, globally and per
// client identity.
package admission

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"mediafetch/internal/apperrors"
)

// Token is a lease proving a job is authorized to run under the concurrency
// limits. It is held by the owning worker for the duration of the job and
// must be released exactly once; Release is idempotent so the worker's defer
// and the controller's TTL expiry cannot double-free the permit.
type Token struct {
	identity string
	acquired time.Time
	once     sync.Once
	ctrl     *Controller
}

// Identity returns the client identity the token was issued for.
func (t *Token) Identity() string {
	return t.identity
}

// Release returns the token's permit and identity slot. Safe to call more
// than once; only the first call has effect.
func (t *Token) Release() {
	t.once.Do(func() {
		t.ctrl.release(t)
	})
}

// Controller issues admission tokens. Two independent limits apply: at most
// one outstanding token per identity, and at most maxConcurrent tokens
// globally. A stuck lease is force-released once its TTL elapses; this is a
// safety net for skipped release paths, not the normal mechanism.
type Controller struct {
	permits chan struct{}
	wait    time.Duration
	ttl     time.Duration
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.Mutex
	active map[string]*Token

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a controller with the given global capacity, bounded wait for
// a free slot, and lease TTL. The TTL expiry loop runs until Close.
func New(maxConcurrent int, acquireWait, leaseTTL time.Duration) *Controller {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	c := &Controller{
		permits: make(chan struct{}, maxConcurrent),
		wait:    acquireWait,
		ttl:     leaseTTL,
		logger:  slog.With("component", "admission"),
		now:     time.Now,
		active:  make(map[string]*Token),
		stop:    make(chan struct{}),
	}
	if leaseTTL > 0 {
		go c.expiryLoop()
	}
	return c
}

// TryAcquire attempts to lease a slot for the identity. The identity slot is
// claimed first so a concurrent submission from the same client is rejected
// as busy even while this one is still waiting for a global permit.
func (c *Controller) TryAcquire(ctx context.Context, identity string) (*Token, error) {
	t := &Token{identity: identity, ctrl: c}

	c.mu.Lock()
	if _, busy := c.active[identity]; busy {
		c.mu.Unlock()
		return nil, apperrors.Rejected("busy", "a fetch for this client is already running")
	}
	c.active[identity] = t
	c.mu.Unlock()

	timer := time.NewTimer(c.wait)
	defer timer.Stop()

	select {
	case c.permits <- struct{}{}:
		t.acquired = c.now()
		return t, nil
	case <-timer.C:
		c.unclaim(identity, t)
		return nil, apperrors.Rejected("capacity", "server is at maximum concurrent fetches")
	case <-ctx.Done():
		c.unclaim(identity, t)
		return nil, ctx.Err()
	}
}

// InUse returns the number of outstanding global permits.
func (c *Controller) InUse() int {
	return len(c.permits)
}

// Capacity returns the global concurrency limit.
func (c *Controller) Capacity() int {
	return cap(c.permits)
}

// Close stops the TTL expiry loop. Outstanding tokens remain valid.
func (c *Controller) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// release is called exactly once per issued token, via Token.Release.
func (c *Controller) release(t *Token) {
	c.unclaim(t.identity, t)
	<-c.permits
}

// unclaim removes the identity slot if it is still held by this token. A
// force-released identity may have been re-acquired by a newer token, which
// must not be evicted.
func (c *Controller) unclaim(identity string, t *Token) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.active[identity]; ok && cur == t {
		delete(c.active, identity)
	}
}

func (c *Controller) expiryLoop() {
	interval := c.ttl / 4
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.expireStale()
		}
	}
}

// expireStale force-releases leases older than the TTL.
func (c *Controller) expireStale() {
	cutoff := c.now().Add(-c.ttl)

	c.mu.Lock()
	var stale []*Token
	for _, t := range c.active {
		if !t.acquired.IsZero() && t.acquired.Before(cutoff) {
			stale = append(stale, t)
		}
	}
	c.mu.Unlock()

	for _, t := range stale {
		c.logger.Warn("Force-releasing expired admission lease",
			"identity", t.identity,
			"held", c.now().Sub(t.acquired),
		)
		t.Release()
	}
}
