package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/creditmeter/internal/config"
	obsmetrics "github.com/smallbiznis/creditmeter/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	keyChatUser    = "creditmeter:chat:user:%s"
	keyBillingUser = "creditmeter:billing:lock:%s"
)

// NewRedisClient returns nil when REDIS_ADDR is unset. Every consumer treats a
// nil client as "no coordination".
func NewRedisClient(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) *redis.Client {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		log.Info("redis not configured, per-user billing lock and chat rate limit disabled")
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(cfg.RedisPassword),
		DB:       cfg.RedisDB,
	})
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		},
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})
	return client
}

type GuardParams struct {
	fx.In

	Config  config.Config
	Client  *redis.Client                `optional:"true"`
	Metrics *obsmetrics.SchedulerMetrics `optional:"true"`
}

// BillingGuard serialises balance mutations per user and throttles chat turns.
// A guard without Redis lets everything through.
type BillingGuard struct {
	bucket  *TokenBucket
	locker  *Locker
	metrics *obsmetrics.SchedulerMetrics

	chatRate  float64
	chatBurst int
	lockTTL   time.Duration
	lockWait  time.Duration
}

func NewBillingGuard(p GuardParams) *BillingGuard {
	return &BillingGuard{
		bucket:    NewTokenBucket(p.Client),
		locker:    NewLocker(p.Client),
		metrics:   p.Metrics,
		chatRate:  p.Config.RateLimit.ChatRate,
		chatBurst: p.Config.RateLimit.ChatBurst,
		lockTTL:   p.Config.Billing.LockTTL,
		lockWait:  p.Config.Billing.LockWait,
	}
}

func (g *BillingGuard) Enabled() bool {
	return g != nil && g.locker != nil
}

// AllowChat consumes one token from the user's chat bucket.
func (g *BillingGuard) AllowChat(ctx context.Context, userID string) (*RateLimitResult, error) {
	if !g.Enabled() || g.bucket == nil || g.chatRate <= 0 || g.chatBurst <= 0 {
		return &RateLimitResult{Allowed: true}, nil
	}
	return g.bucket.Allow(ctx, fmt.Sprintf(keyChatUser, strings.TrimSpace(userID)), g.chatRate, g.chatBurst)
}

// WithUserLock runs fn while holding the user's billing lock.
func (g *BillingGuard) WithUserLock(ctx context.Context, userID string, fn func(ctx context.Context) error) error {
	if !g.Enabled() {
		return fn(ctx)
	}
	key := fmt.Sprintf(keyBillingUser, strings.TrimSpace(userID))

	start := time.Now()
	token, err := g.locker.Lock(ctx, key, g.lockTTL, g.lockWait)
	g.metrics.ObserveLockWait(obsmetrics.LockResourceUserBilling, time.Since(start))
	if err != nil {
		return fmt.Errorf("acquire billing lock: %w", err)
	}
	defer func() {
		_ = g.locker.Release(context.WithoutCancel(ctx), key, token)
	}()

	return fn(ctx)
}
