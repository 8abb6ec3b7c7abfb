package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditmeter/internal/clock"
	subscriptiondomain "github.com/smallbiznis/creditmeter/internal/subscription/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSubscriptions struct {
	subscriptiondomain.Service

	resetBatches  []int
	resetErr      error
	resetCalls    int
	expireBatches []int
	expireCalls   int
}

func (f *fakeSubscriptions) SweepDueResets(ctx context.Context, limit int) (int, error) {
	f.resetCalls++
	if f.resetErr != nil {
		return 0, f.resetErr
	}
	if len(f.resetBatches) == 0 {
		return 0, nil
	}
	n := f.resetBatches[0]
	f.resetBatches = f.resetBatches[1:]
	return n, nil
}

func (f *fakeSubscriptions) SweepElapsedTerms(ctx context.Context, limit int) (int, error) {
	f.expireCalls++
	if len(f.expireBatches) == 0 {
		return 0, nil
	}
	n := f.expireBatches[0]
	f.expireBatches = f.expireBatches[1:]
	return n, nil
}

func newTestScheduler(t *testing.T, subs subscriptiondomain.Service, cfg Config) *Scheduler {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	s, err := New(Params{
		Log:             zap.NewNop(),
		GenID:           node,
		Clock:           clock.NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)),
		SubscriptionSvc: subs,
		Config:          cfg,
	})
	require.NoError(t, err)
	return s
}

func TestResetSweepDrainsUntilShortBatch(t *testing.T) {
	subs := &fakeSubscriptions{resetBatches: []int{2, 2, 1}}
	s := newTestScheduler(t, subs, Config{BatchSize: 2})

	require.NoError(t, s.RunOnce(context.Background()))
	assert.Equal(t, 3, subs.resetCalls)
	assert.Equal(t, 0, subs.expireCalls)
}

func TestExpireElapsedRunsWhenEnabled(t *testing.T) {
	subs := &fakeSubscriptions{expireBatches: []int{1}}
	s := newTestScheduler(t, subs, Config{BatchSize: 5, ExpireElapsed: true})

	require.NoError(t, s.RunOnce(context.Background()))
	assert.Equal(t, 1, subs.resetCalls)
	assert.Equal(t, 1, subs.expireCalls)
}

func TestSweepFailureStopsJob(t *testing.T) {
	boom := errors.New("boom")
	subs := &fakeSubscriptions{resetErr: boom}
	s := newTestScheduler(t, subs, Config{BatchSize: 2})

	err := s.RunOnce(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), JobResetSweep)
	assert.Equal(t, 1, subs.resetCalls)
}

func TestRunJobTimeoutIsSoft(t *testing.T) {
	s := newTestScheduler(t, &fakeSubscriptions{}, Config{})

	err := s.runJob(context.Background(), "timeout_job", 0, 5*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.NoError(t, err)
}

func TestNewRejectsMissingDependencies(t *testing.T) {
	_, err := New(Params{Log: zap.NewNop()})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultConfig().RunInterval, cfg.RunInterval)
	assert.Equal(t, DefaultConfig().BatchSize, cfg.BatchSize)
	assert.False(t, cfg.ExpireElapsed)
}
