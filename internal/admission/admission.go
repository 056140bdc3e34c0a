// Package admission decides whether an upload may enter the pipeline.
package admission

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/navi-crwn/pixelhop-sub000/internal/config"
)

const (
	ReasonRateLimited    = "rate_limited"
	ReasonTooLarge       = "too_large"
	ReasonGuestsDisabled = "guests_disabled"

	window    = time.Hour
	keyPrefix = "pixelhop:admission:"
)

// Identity is who is uploading. OwnerID is nil for guests.
type Identity struct {
	OwnerID *string
	IP      string
}

func (i Identity) key() string {
	if i.OwnerID != nil {
		return "user:" + *i.OwnerID
	}
	sum := sha256.Sum256([]byte(i.IP))
	return "ip:" + hex.EncodeToString(sum[:8])
}

type Decision struct {
	Allowed    bool
	Reason     string
	Remaining  int
	RetryAfter time.Duration
}

type Checker interface {
	Check(ctx context.Context, id Identity, size int64) (Decision, error)
}

type AllowAll struct{}

func (AllowAll) Check(context.Context, Identity, int64) (Decision, error) {
	return Decision{Allowed: true, Remaining: -1}, nil
}

// RedisLimiter counts uploads per identity in fixed hourly windows.
type RedisLimiter struct {
	client *redis.Client
	cfg    config.AdmissionConfig
	now    func() time.Time
	log    zerolog.Logger
}

func NewRedisLimiter(client *redis.Client, cfg config.AdmissionConfig, log zerolog.Logger) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		cfg:    cfg,
		now:    time.Now,
		log:    log.With().Str("component", "admission").Logger(),
	}
}

func (l *RedisLimiter) WithClock(now func() time.Time) *RedisLimiter {
	l.now = now
	return l
}

func (l *RedisLimiter) Check(ctx context.Context, id Identity, size int64) (Decision, error) {
	guest := id.OwnerID == nil
	if guest && l.cfg.GuestsDisabled {
		return Decision{Reason: ReasonGuestsDisabled}, nil
	}
	if guest && l.cfg.GuestMaxBytes > 0 && size > l.cfg.GuestMaxBytes {
		return Decision{Reason: ReasonTooLarge}, nil
	}
	if l.cfg.HourlyLimit <= 0 {
		return Decision{Allowed: true, Remaining: -1}, nil
	}

	now := l.now()
	start := now.Truncate(window)
	key := fmt.Sprintf("%s%s:%d", keyPrefix, id.key(), start.Unix())

	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, start.Add(window+time.Minute).Sub(now))
		return nil
	})
	if err != nil {
		return Decision{}, fmt.Errorf("admission counter: %w", err)
	}

	count := int(incr.Val())
	if count > l.cfg.HourlyLimit {
		retry := start.Add(window).Sub(now)
		l.log.Warn().Str("identity", id.key()).Int("count", count).Dur("retry_after", retry).Msg("upload rate limited")
		return Decision{Reason: ReasonRateLimited, RetryAfter: retry}, nil
	}
	return Decision{Allowed: true, Remaining: l.cfg.HourlyLimit - count}, nil
}
