package cache

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smallbiznis/hungerpay/internal/clock"
	"github.com/smallbiznis/hungerpay/internal/config"
)

func TestTTLCacheExpiry(t *testing.T) {
	fake := clock.NewFakeClock(time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC))
	c := NewTTLCacheWithClock[string, int](fake.Now)

	c.Set("a", 1, time.Second)
	if v, ok := c.Get("a"); !ok || v != 1 {
		t.Fatalf("expected cached value, got %v %v", v, ok)
	}

	fake.Advance(time.Second)
	if _, ok := c.Get("a"); ok {
		t.Fatalf("expected entry to expire")
	}
	if c.Len() != 0 {
		t.Fatalf("expected expired entry to be evicted on read")
	}
}

func TestTTLCacheAdd(t *testing.T) {
	fake := clock.NewFakeClock(time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC))
	c := NewTTLCacheWithClock[string, int](fake.Now)

	if !c.Add("k", 1, time.Minute) {
		t.Fatalf("first add must succeed")
	}
	if c.Add("k", 2, time.Minute) {
		t.Fatalf("second add must fail while entry is live")
	}
	if v, _ := c.Get("k"); v != 1 {
		t.Fatalf("expected original value, got %d", v)
	}

	fake.Advance(time.Minute)
	if !c.Add("k", 3, time.Minute) {
		t.Fatalf("add must succeed after expiry")
	}
}

func TestStatusQueryThrottle(t *testing.T) {
	fake := clock.NewFakeClock(time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC))
	throttle := NewStatusQueryThrottle(config.Config{MPesa: config.MPesaConfig{PollMinInterval: 3 * time.Second}}, fake)

	if !throttle.Allow("ws_CO_1") {
		t.Fatalf("first query must be allowed")
	}
	if throttle.Allow("WS_CO_1 ") {
		t.Fatalf("repeat query inside interval must be throttled")
	}
	if !throttle.Allow("ws_CO_2") {
		t.Fatalf("other checkout ids are independent")
	}

	fake.Advance(3 * time.Second)
	if !throttle.Allow("ws_CO_1") {
		t.Fatalf("query must be allowed after interval")
	}

	throttle.Forget("ws_CO_1")
	if !throttle.Allow("ws_CO_1") {
		t.Fatalf("query must be allowed after forget")
	}

	var nilThrottle *StatusQueryThrottle
	if !nilThrottle.Allow("x") {
		t.Fatalf("nil throttle allows everything")
	}
}

func TestStatusQueryThrottleConcurrent(t *testing.T) {
	throttle := NewStatusQueryThrottle(config.Config{MPesa: config.MPesaConfig{PollMinInterval: time.Minute}}, nil)

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if throttle.Allow("ws_CO_race") {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if allowed.Load() != 1 {
		t.Fatalf("expected exactly one query to be allowed, got %d", allowed.Load())
	}
}
