package cache

import (
	"time"

	"github.com/smallbiznis/hungerpay/internal/clock"
	"github.com/smallbiznis/hungerpay/internal/config"
)

const defaultStatusQueryInterval = 3 * time.Second

// StatusQueryThrottle limits provider status queries to one per checkout
// request within the configured interval.
type StatusQueryThrottle struct {
	seen     Cache[string, struct{}]
	interval time.Duration
}

func NewStatusQueryThrottle(cfg config.Config, clk clock.Clock) *StatusQueryThrottle {
	interval := cfg.MPesa.PollMinInterval
	if interval <= 0 {
		interval = defaultStatusQueryInterval
	}
	now := time.Now
	if clk != nil {
		now = clk.Now
	}
	return &StatusQueryThrottle{
		seen:     NewTTLCacheWithClock[string, struct{}](now),
		interval: interval,
	}
}

// Allow reports whether a provider query for checkoutRequestID may be sent
// now, and if so reserves the slot.
func (t *StatusQueryThrottle) Allow(checkoutRequestID string) bool {
	if t == nil {
		return true
	}
	key := cacheKey("status", checkoutRequestID)
	if key == "" {
		return true
	}
	return t.seen.Add(key, struct{}{}, t.interval)
}

// Forget drops the reservation, typically once the record is terminal.
func (t *StatusQueryThrottle) Forget(checkoutRequestID string) {
	if t == nil {
		return
	}
	t.seen.Delete(cacheKey("status", checkoutRequestID))
}
