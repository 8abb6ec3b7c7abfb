package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/smallbiznis/creditmeter/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuardWithoutRedisRunsInline(t *testing.T) {
	g := NewBillingGuard(GuardParams{Config: config.Config{}})
	assert.False(t, g.Enabled())

	called := false
	err := g.WithUserLock(context.Background(), "42", func(ctx context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)

	res, err := g.AllowChat(context.Background(), "42")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestGuardPropagatesCallbackError(t *testing.T) {
	g := NewBillingGuard(GuardParams{})
	boom := errors.New("boom")

	err := g.WithUserLock(context.Background(), "42", func(ctx context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestNilLocker(t *testing.T) {
	var l *Locker
	_, ok, err := l.TryLock(context.Background(), "k", time.Second)
	assert.Error(t, err)
	assert.False(t, ok)
	assert.NoError(t, l.Release(context.Background(), "k", "t"))
}

func TestDefaultBucketTTL(t *testing.T) {
	assert.Equal(t, 20*time.Second, defaultBucketTTL(0.5, 5))
	assert.Equal(t, time.Second, defaultBucketTTL(100, 1))
	assert.Equal(t, time.Second, defaultBucketTTL(0, 0))
}

func TestCastHelpers(t *testing.T) {
	assert.Equal(t, int64(3), castToInt(int64(3)))
	assert.Equal(t, int64(0), castToInt("x"))
	assert.Equal(t, 2.5, castToFloat("2.5"))
	assert.Equal(t, 0.0, castToFloat("nan-ish"))
}
