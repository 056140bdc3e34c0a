package admission

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/navi-crwn/pixelhop-sub000/internal/config"
)

func newLimiter(t *testing.T, cfg config.AdmissionConfig, now *time.Time) (*RedisLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLimiter(client, cfg, zerolog.Nop()).WithClock(func() time.Time { return *now }), mr
}

func TestRedisLimiterHourlyWindow(t *testing.T) {
	now := time.Date(2024, 6, 1, 10, 15, 0, 0, time.UTC)
	l, mr := newLimiter(t, config.AdmissionConfig{HourlyLimit: 3}, &now)
	mr.SetTime(now)
	guest := Identity{IP: "203.0.113.9"}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := l.Check(ctx, guest, 100)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, 2-i, d.Remaining)
	}

	d, err := l.Check(ctx, guest, 100)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonRateLimited, d.Reason)
	assert.Equal(t, 45*time.Minute, d.RetryAfter)

	other := Identity{IP: "198.51.100.7"}
	d, err = l.Check(ctx, other, 100)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "limits are per identity")

	now = now.Add(time.Hour)
	mr.SetTime(now)
	mr.FastForward(time.Hour)
	d, err = l.Check(ctx, guest, 100)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "a new window resets the count")
}

func TestRedisLimiterGuestRules(t *testing.T) {
	now := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	owner := "user-42"

	l, _ := newLimiter(t, config.AdmissionConfig{HourlyLimit: 10, GuestMaxBytes: 1000}, &now)
	d, err := l.Check(context.Background(), Identity{IP: "203.0.113.9"}, 1001)
	require.NoError(t, err)
	assert.Equal(t, ReasonTooLarge, d.Reason)

	d, err = l.Check(context.Background(), Identity{OwnerID: &owner, IP: "203.0.113.9"}, 1001)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	closed, _ := newLimiter(t, config.AdmissionConfig{GuestsDisabled: true}, &now)
	d, err = closed.Check(context.Background(), Identity{IP: "203.0.113.9"}, 1)
	require.NoError(t, err)
	assert.Equal(t, ReasonGuestsDisabled, d.Reason)
}

func TestRedisLimiterCounterIgnoresRedisClock(t *testing.T) {
	// The limiter clock sits years before the redis clock; the counter must survive.
	now := time.Date(2024, 6, 1, 10, 15, 0, 0, time.UTC)
	l, mr := newLimiter(t, config.AdmissionConfig{HourlyLimit: 2}, &now)
	guest := Identity{IP: "203.0.113.9"}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := l.Check(ctx, guest, 1)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
	d, err := l.Check(ctx, guest, 1)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 45*time.Minute, d.RetryAfter)

	key := keyPrefix + guest.key() + ":" + strconv.FormatInt(now.Truncate(time.Hour).Unix(), 10)
	assert.Equal(t, 46*time.Minute, mr.TTL(key))

	mr.FastForward(46 * time.Minute)
	assert.False(t, mr.Exists(key))
}

func TestRedisLimiterSurfacesRedisErrors(t *testing.T) {
	now := time.Now()
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
	defer client.Close()
	l := NewRedisLimiter(client, config.AdmissionConfig{HourlyLimit: 1}, zerolog.Nop()).WithClock(func() time.Time { return now })

	_, err := l.Check(context.Background(), Identity{IP: "203.0.113.9"}, 1)
	assert.Error(t, err)
}

func TestAllowAll(t *testing.T) {
	d, err := AllowAll{}.Check(context.Background(), Identity{}, 1<<40)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}
