package ratelimit

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/hungerpay/internal/config"
	paymentdomain "github.com/smallbiznis/hungerpay/internal/payment/domain"
	"go.uber.org/zap"
)

const (
	keyInitiationRate = "hungerpay:initiate:rate:%s"
	keyInitiationLock = "hungerpay:initiate:lock:%s"

	releaseTimeout = 2 * time.Second

	// An initiation makes at most two token fetches and two pushes, each
	// bounded by the provider request timeout.
	providerCallsPerInitiation = 4
	defaultRequestTimeout      = 15 * time.Second
	inFlightMargin             = 10 * time.Second
)

// InitiationGuard rate limits STK push prompts per phone and rejects a new
// prompt while one for the same phone is still being sent. Redis failures
// let the request through.
type InitiationGuard struct {
	bucket *TokenBucket
	locker *Locker
	log    *zap.Logger

	ratePerSecond float64
	burst         int
	lockTTL       time.Duration
}

// NewInitiationGuard returns a nil interface when redis is not configured so
// the payment service skips the guard entirely.
func NewInitiationGuard(client *redis.Client, cfg config.Config, log *zap.Logger) paymentdomain.InitiationGuard {
	if client == nil {
		return nil
	}
	return newInitiationGuard(client, cfg, log)
}

func newInitiationGuard(client *redis.Client, cfg config.Config, log *zap.Logger) *InitiationGuard {
	perMinute := cfg.RateLimit.InitiationPerMinute
	if perMinute <= 0 {
		perMinute = 2
	}
	burst := cfg.RateLimit.InitiationBurst
	if burst <= 0 {
		burst = 3
	}
	return &InitiationGuard{
		bucket:        NewTokenBucket(client),
		locker:        NewLocker(client),
		log:           log.Named("ratelimit.initiation"),
		ratePerSecond: perMinute / 60,
		burst:         burst,
		lockTTL:       inFlightTTL(cfg),
	}
}

// inFlightTTL outlives the slowest possible initiation so the lock cannot
// expire while a prompt is still being sent. A longer configured TTL wins.
func inFlightTTL(cfg config.Config) time.Duration {
	timeout := cfg.MPesa.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	ttl := providerCallsPerInitiation*timeout + inFlightMargin
	if cfg.RateLimit.InFlightTTL > ttl {
		ttl = cfg.RateLimit.InFlightTTL
	}
	return ttl
}

func (g *InitiationGuard) Acquire(ctx context.Context, phone string) (func(), error) {
	noop := func() {}

	result, err := g.bucket.Allow(ctx, fmt.Sprintf(keyInitiationRate, phone), g.ratePerSecond, g.burst)
	switch {
	case err != nil:
		g.log.Warn("rate limit check failed, allowing", zap.Error(err))
	case !result.Allowed:
		return noop, fmt.Errorf("%w: retry after %s", paymentdomain.ErrInitiationRateLimited, result.RetryAfter.Round(time.Second))
	}

	key := fmt.Sprintf(keyInitiationLock, phone)
	token, ok, err := g.locker.TryLock(ctx, key, g.lockTTL)
	if err != nil {
		g.log.Warn("in-flight lock failed, allowing", zap.Error(err))
		return noop, nil
	}
	if !ok {
		return noop, paymentdomain.ErrInitiationInFlight
	}

	return func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if err := g.locker.Release(releaseCtx, key, token); err != nil {
			g.log.Warn("in-flight lock release failed", zap.Error(err))
		}
	}, nil
}
