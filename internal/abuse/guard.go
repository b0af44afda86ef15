// Package abuse tracks failure patterns with sliding-window counters in the
// shared cache. It is the first line of defense against credential stuffing:
// callers consult it before doing expensive verification work. The guard
// never blocks requests itself; it hands back a cooldown for the caller to
// enforce.
package abuse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/madfam-io/plinto-sub006/internal/audit"
	"github.com/madfam-io/plinto-sub006/internal/cache"
	"github.com/madfam-io/plinto-sub006/internal/obs"
)

// ErrRateLimited carries no retry-after itself; the Guard returns the
// cooldown alongside it.
var ErrRateLimited = errors.New("abuse: rate limited")

// Key identifies one counter: a subject (identity id or client IP) doing one
// kind of action.
type Key struct {
	Subject string
	Action  string
}

func (k Key) counter() string  { return "abuse:cnt:" + k.Action + ":" + k.Subject }
func (k Key) cooldown() string { return "abuse:cool:" + k.Action + ":" + k.Subject }

// Guard implements the sliding-window policy. State lives in the shared cache
// so horizontally scaled replicas enforce one combined limit.
type Guard struct {
	cache     cache.Cache
	ledger    *audit.Ledger
	window    time.Duration
	threshold int64
	cooldown  time.Duration
}

// Config tunes the guard.
type Config struct {
	Window    time.Duration // counting window
	Threshold int           // failures tolerated within the window
	Cooldown  time.Duration // lockout duration once tripped
}

// NewGuard constructs a Guard.
func NewGuard(c cache.Cache, ledger *audit.Ledger, cfg Config) (*Guard, error) {
	if c == nil {
		return nil, errors.New("abuse: cache is required")
	}
	if cfg.Window <= 0 || cfg.Threshold <= 0 || cfg.Cooldown <= 0 {
		return nil, fmt.Errorf("abuse: window, threshold, and cooldown must be positive")
	}
	return &Guard{
		cache:     c,
		ledger:    ledger,
		window:    cfg.Window,
		threshold: int64(cfg.Threshold),
		cooldown:  cfg.Cooldown,
	}, nil
}

// Check reports the remaining cooldown for the key, zero when the caller may
// proceed.
func (g *Guard) Check(ctx context.Context, key Key) (time.Duration, error) {
	ttl, err := g.cache.TTL(ctx, key.cooldown())
	if errors.Is(err, cache.ErrMiss) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if ttl <= 0 {
		// Cooldown key without expiry should not happen; treat as tripped for
		// the full duration.
		ttl = g.cooldown
	}
	return ttl, nil
}

// RecordFailure increments the window counter and, once the threshold is
// exceeded, arms the cooldown, emits an audit event, and returns the
// non-zero cooldown.
func (g *Guard) RecordFailure(ctx context.Context, key Key) (time.Duration, error) {
	n, err := g.cache.Incr(ctx, key.counter(), g.window)
	if err != nil {
		return 0, err
	}
	if n <= g.threshold {
		return 0, nil
	}

	armed, err := g.cache.SetNX(ctx, key.cooldown(), "1", g.cooldown)
	if err != nil {
		return 0, err
	}
	if armed {
		obs.LockoutsTotal.Inc()
		if g.ledger != nil {
			g.ledger.Observe(audit.Record{
				Actor:    key.Subject,
				Action:   "abuse.lockout",
				Target:   key.Action,
				Severity: audit.SeverityWarning,
				Metadata: map[string]string{"cooldown": g.cooldown.String()},
			})
		}
		return g.cooldown, nil
	}
	// Another replica armed it first; report the remaining time.
	return g.Check(ctx, key)
}

// Reset clears both counter and cooldown, typically after a successful
// authentication.
func (g *Guard) Reset(ctx context.Context, key Key) error {
	return g.cache.Del(ctx, key.counter(), key.cooldown())
}
