package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// recordTTL bounds how long an idle tracking record survives in Redis.
const recordTTL = time.Hour

// RedisStore implements Store on Redis so tracking state is shared across
// instances. The window is a sorted set of request timestamps; counters and
// flags live in a hash alongside it. All updates run in a pipeline so
// interleaved requests cannot lose increments.
type RedisStore struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedisStore creates a Redis-backed tracking store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

func hitsKey(key Key) string  { return key.String() + ":hits" }
func metaKey(key Key) string  { return key.String() + ":meta" }
func blockKey(key Key) string { return key.String() + ":blocked" }

// Hit records one request and evaluates the policy.
func (s *RedisStore) Hit(ctx context.Context, key Key, policy Policy) (Decision, error) {
	if err := policy.Validate(); err != nil {
		return Decision{}, err
	}

	now := s.now()

	// Active block short-circuits before the window is touched.
	ttl, err := s.client.TTL(ctx, blockKey(key)).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("read block state: %w", err)
	}
	if ttl > 0 {
		required, _ := s.captchaRequired(ctx, key)
		retry := int(ttl.Seconds())
		if retry <= 0 {
			retry = 1
		}
		return Decision{Allowed: false, RequiresCaptcha: required, RetryAfter: retry}, nil
	}

	cutoff := now.Add(-policy.Window)
	member := strconv.FormatInt(now.UnixNano(), 10)

	pipe := s.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, hitsKey(key), "-inf", strconv.FormatInt(cutoff.UnixNano(), 10))
	pipe.ZAdd(ctx, hitsKey(key), redis.Z{Score: float64(now.UnixNano()), Member: member})
	countCmd := pipe.ZCard(ctx, hitsKey(key))
	pipe.Expire(ctx, hitsKey(key), recordTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("record hit: %w", err)
	}

	count := int(countCmd.Val())

	if count > policy.BlockThreshold {
		if err := s.client.Set(ctx, blockKey(key), "1", policy.Window).Err(); err != nil {
			return Decision{}, fmt.Errorf("set block: %w", err)
		}
		required, _ := s.captchaRequired(ctx, key)
		return Decision{
			Allowed:         false,
			RequiresCaptcha: required,
			RetryAfter:      int(policy.Window.Seconds()),
			Count:           count,
		}, nil
	}

	required := false
	if policy.CaptchaThreshold > 0 && count > policy.CaptchaThreshold {
		required = true
		pipe := s.client.TxPipeline()
		pipe.HSet(ctx, metaKey(key), "captcha_required", 1)
		pipe.Expire(ctx, metaKey(key), recordTTL)
		if _, err := pipe.Exec(ctx); err != nil {
			return Decision{}, fmt.Errorf("set captcha flag: %w", err)
		}
	} else {
		required, err = s.captchaRequired(ctx, key)
		if err != nil {
			return Decision{}, err
		}
	}

	return Decision{Allowed: true, RequiresCaptcha: required, Count: count}, nil
}

// CaptchaFailed records a failed CAPTCHA solve attempt.
func (s *RedisStore) CaptchaFailed(ctx context.Context, key Key) (int, error) {
	pipe := s.client.TxPipeline()
	incr := pipe.HIncrBy(ctx, metaKey(key), "captcha_attempts", 1)
	pipe.Expire(ctx, metaKey(key), recordTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("record captcha failure: %w", err)
	}
	return int(incr.Val()), nil
}

// CaptchaSolved clears the record after a verified solve.
func (s *RedisStore) CaptchaSolved(ctx context.Context, key Key) error {
	if err := s.client.Del(ctx, hitsKey(key), metaKey(key)).Err(); err != nil {
		return fmt.Errorf("reset record: %w", err)
	}
	return nil
}

// FailedAttempts reads the failed CAPTCHA attempt count.
func (s *RedisStore) FailedAttempts(ctx context.Context, key Key) (int, error) {
	val, err := s.client.HGet(ctx, metaKey(key), "captcha_attempts").Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read captcha attempts: %w", err)
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("parse captcha attempts: %w", err)
	}
	return n, nil
}

func (s *RedisStore) captchaRequired(ctx context.Context, key Key) (bool, error) {
	val, err := s.client.HGet(ctx, metaKey(key), "captcha_required").Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read captcha flag: %w", err)
	}
	return val == "1", nil
}
