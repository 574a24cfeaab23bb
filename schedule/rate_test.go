package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crosspost-io/crosspost/publish"
)

func TestAcquireUnlimitedChannel(t *testing.T) {
	l := NewRateLimiter(time.Second)
	assert.NoError(t, l.Acquire(context.Background(), "email"))
}

func TestAcquireBurstThenDeferralExceeded(t *testing.T) {
	l := NewRateLimiter(50 * time.Millisecond)
	// One token per hour: the burst is consumable immediately, refill is far
	// beyond the deferral bound.
	l.SetChannel("twitter", 1, 2)
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx, "twitter"))
	require.NoError(t, l.Acquire(ctx, "twitter"))

	err := l.Acquire(ctx, "twitter")
	require.Error(t, err)
	var perr *publish.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, publish.KindRateLimited, perr.Kind)
	assert.Contains(t, perr.Message, "twitter")
}

func TestAcquireCancelledContext(t *testing.T) {
	l := NewRateLimiter(time.Hour)
	l.SetChannel("twitter", 1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, l.Acquire(ctx, "twitter"))

	cancel()
	err := l.Acquire(ctx, "twitter")
	require.Error(t, err)
	var perr *publish.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, publish.KindCancelled, perr.Kind)
}

func TestSetChannelZeroRateRemovesBucket(t *testing.T) {
	l := NewRateLimiter(10 * time.Millisecond)
	l.SetChannel("web", 1, 1)
	require.NoError(t, l.Acquire(context.Background(), "web"))

	l.SetChannel("web", 0, 0)
	// Unlimited again: repeated acquires never defer.
	for i := 0; i < 10; i++ {
		require.NoError(t, l.Acquire(context.Background(), "web"))
	}
}
