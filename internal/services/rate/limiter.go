package rate

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

const (
	withdrawMinuteWindow = time.Minute
	withdrawHourWindow   = time.Hour
)

type WindowStore interface {
	IncrementWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
	WindowState(ctx context.Context, key string) (int64, time.Duration, error)
}

// Limiter throttles withdrawal requests per account. A zero limit disables
// the corresponding window.
type Limiter struct {
	store     WindowStore
	perMinute int
	perHour   int
}

func NewLimiter(store WindowStore, perMinute, perHour int) *Limiter {
	if perMinute < 0 {
		perMinute = 0
	}
	if perHour < 0 {
		perHour = 0
	}

	return &Limiter{
		store:     store,
		perMinute: perMinute,
		perHour:   perHour,
	}
}

func (l *Limiter) AllowWithdrawal(ctx context.Context, accountID int64) (int64, bool, error) {
	if accountID <= 0 {
		return 0, false, fmt.Errorf("invalid account id")
	}
	if l.store == nil {
		return 0, false, fmt.Errorf("rate limiter store is nil")
	}

	retryAfterSec := int64(0)

	if l.perMinute > 0 {
		count, ttl, err := l.store.IncrementWindow(ctx, minuteKey(accountID), withdrawMinuteWindow)
		if err != nil {
			return 0, false, err
		}
		if count > int64(l.perMinute) {
			retryAfterSec = maxInt64(retryAfterSec, ceilSeconds(ttl))
		}
	}

	if l.perHour > 0 {
		count, ttl, err := l.store.IncrementWindow(ctx, hourKey(accountID), withdrawHourWindow)
		if err != nil {
			return 0, false, err
		}
		if count > int64(l.perHour) {
			retryAfterSec = maxInt64(retryAfterSec, ceilSeconds(ttl))
		}
	}

	if retryAfterSec > 0 {
		return retryAfterSec, false, nil
	}

	return 0, true, nil
}

func (l *Limiter) RetryAfterWithdrawal(ctx context.Context, accountID int64) (int64, error) {
	if accountID <= 0 {
		return 0, fmt.Errorf("invalid account id")
	}
	if l.store == nil {
		return 0, fmt.Errorf("rate limiter store is nil")
	}

	retryAfterSec := int64(0)

	if l.perMinute > 0 {
		count, ttl, err := l.store.WindowState(ctx, minuteKey(accountID))
		if err != nil {
			return 0, err
		}
		if count >= int64(l.perMinute) {
			retryAfterSec = maxInt64(retryAfterSec, ceilSeconds(ttl))
		}
	}

	if l.perHour > 0 {
		count, ttl, err := l.store.WindowState(ctx, hourKey(accountID))
		if err != nil {
			return 0, err
		}
		if count >= int64(l.perHour) {
			retryAfterSec = maxInt64(retryAfterSec, ceilSeconds(ttl))
		}
	}

	return retryAfterSec, nil
}

func minuteKey(accountID int64) string {
	return "rate:withdraw:min:" + strconv.FormatInt(accountID, 10)
}

func hourKey(accountID int64) string {
	return "rate:withdraw:hr:" + strconv.FormatInt(accountID, 10)
}

func ceilSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	sec := int64(d / time.Second)
	if d%time.Second != 0 {
		sec++
	}
	if sec <= 0 {
		sec = 1
	}
	return sec
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
