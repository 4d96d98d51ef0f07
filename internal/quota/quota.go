package quota

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"mailpipe/internal/models"
)

const (
	countKeyPrefix = "mail:quota:count:"
	pauseKey       = "mail:quota:paused"

	// Counter keys outlive their quota day so yesterday's usage stays
	// inspectable, then fall away on their own.
	countKeyTTL = 48 * time.Hour
)

// Store tracks the daily send counter and the sticky pause flag in redis so
// every worker instance observes the same quota state. The counter key is
// dated with the UTC quota day; a new day means a fresh key starting at zero.
type Store struct {
	client     *redis.Client
	dailyLimit int
}

func New(addr, password string, db, dailyLimit int) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Store{client: client, dailyLimit: dailyLimit}, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func quotaDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func (s *Store) countKey(now time.Time) string {
	return countKeyPrefix + quotaDay(now)
}

// GetStats returns the current quota snapshot.
func (s *Store) GetStats(ctx context.Context) (models.QuotaStats, error) {
	now := time.Now()

	count, err := s.currentCount(ctx, now)
	if err != nil {
		return models.QuotaStats{}, err
	}

	paused, err := s.IsPaused(ctx)
	if err != nil {
		return models.QuotaStats{}, err
	}

	remaining := s.dailyLimit - count
	if remaining < 0 {
		remaining = 0
	}

	pct := 0.0
	if s.dailyLimit > 0 {
		pct = float64(count) / float64(s.dailyLimit) * 100
	}

	return models.QuotaStats{
		CurrentCount:   count,
		DailyLimit:     s.dailyLimit,
		Remaining:      remaining,
		PercentageUsed: pct,
		IsPaused:       paused,
	}, nil
}

func (s *Store) currentCount(ctx context.Context, now time.Time) (int, error) {
	val, err := s.client.Get(ctx, s.countKey(now)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("quota count read failed: %w", err)
	}
	count, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("quota count malformed: %w", err)
	}
	return count, nil
}

// CanSend reports whether count more sends still fit under the daily limit.
// It may race with concurrent callers; admission safety comes from the
// worker's increment step, not from this read.
func (s *Store) CanSend(ctx context.Context, count int) (bool, error) {
	current, err := s.currentCount(ctx, time.Now())
	if err != nil {
		return false, err
	}
	return current+count <= s.dailyLimit, nil
}

// IncrementCount atomically advances the daily counter without an admission
// check. Workers admit through ReserveSend instead; this remains for
// operational adjustments.
func (s *Store) IncrementCount(ctx context.Context, count int) error {
	key := s.countKey(time.Now())

	pipe := s.client.TxPipeline()
	pipe.IncrBy(ctx, key, int64(count))
	pipe.Expire(ctx, key, countKeyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("quota increment failed: %w", err)
	}
	return nil
}

// reserveScript is the admission step: bound-check and increment in one
// server-side operation, so concurrent workers cannot both claim the last
// slot. Increment-and-check, not check-then-increment.
var reserveScript = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
local count = tonumber(ARGV[1])
if current + count > tonumber(ARGV[2]) then
	return 0
end
redis.call("INCRBY", KEYS[1], count)
redis.call("EXPIRE", KEYS[1], ARGV[3])
return 1
`)

// releaseScript hands a reservation back after a failed transmit, clamping
// at zero in case the quota day rolled over mid-send.
var releaseScript = redis.NewScript(`
local v = redis.call("DECRBY", KEYS[1], tonumber(ARGV[1]))
if v < 0 then
	redis.call("SET", KEYS[1], "0")
end
redis.call("EXPIRE", KEYS[1], ARGV[2])
return v
`)

// ReserveSend atomically claims count sends from today's budget. False means
// the budget cannot absorb the request and nothing was consumed.
func (s *Store) ReserveSend(ctx context.Context, count int) (bool, error) {
	key := s.countKey(time.Now())

	res, err := reserveScript.Run(ctx, s.client,
		[]string{key},
		count,
		s.dailyLimit,
		int(countKeyTTL.Seconds()),
	).Int()
	if err != nil {
		return false, fmt.Errorf("quota reserve failed: %w", err)
	}
	return res == 1, nil
}

// ReleaseSend returns a reservation claimed by ReserveSend whose transmit
// did not happen.
func (s *Store) ReleaseSend(ctx context.Context, count int) error {
	key := s.countKey(time.Now())

	if err := releaseScript.Run(ctx, s.client,
		[]string{key},
		count,
		int(countKeyTTL.Seconds()),
	).Err(); err != nil {
		return fmt.Errorf("quota release failed: %w", err)
	}
	return nil
}

// IsPaused reports the sticky pause flag. The flag stores the quota day it
// was set on; a stale value means the day rolled over, so it is cleared and
// sending resumes.
func (s *Store) IsPaused(ctx context.Context) (bool, error) {
	val, err := s.client.Get(ctx, pauseKey).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("pause flag read failed: %w", err)
	}

	if val != quotaDay(time.Now()) {
		if err := s.client.Del(ctx, pauseKey).Err(); err != nil {
			return false, fmt.Errorf("pause flag clear failed: %w", err)
		}
		return false, nil
	}
	return true, nil
}

// PauseWorker marks sending paused for the rest of the current quota day.
func (s *Store) PauseWorker(ctx context.Context) error {
	if err := s.client.Set(ctx, pauseKey, quotaDay(time.Now()), countKeyTTL).Err(); err != nil {
		return fmt.Errorf("pause flag set failed: %w", err)
	}
	return nil
}

// ResumeWorker clears the pause flag.
func (s *Store) ResumeWorker(ctx context.Context) error {
	if err := s.client.Del(ctx, pauseKey).Err(); err != nil {
		return fmt.Errorf("pause flag clear failed: %w", err)
	}
	return nil
}

// NextDayStartTime returns the start of the next quota period: the upcoming
// UTC midnight.
func (s *Store) NextDayStartTime(now time.Time) time.Time {
	u := now.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}
