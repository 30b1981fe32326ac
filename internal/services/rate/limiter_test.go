package rate

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	redrepo "github.com/omarrayhanuddin/spineai-backend/internal/repo/redis"
)

func TestLimiterBlocksOnMinuteWindow(t *testing.T) {
	mr, client := newMiniRedisClient(t)
	defer mr.Close()
	defer func() { _ = client.Close() }()

	repo := redrepo.NewRateRepo(client)
	limiter := NewLimiter(repo, 3, 100)

	ctx := context.Background()
	accountID := int64(42)

	for i := 0; i < 3; i++ {
		retryAfter, allowed, err := limiter.AllowWithdrawal(ctx, accountID)
		if err != nil {
			t.Fatalf("allow withdrawal #%d: %v", i+1, err)
		}
		if !allowed || retryAfter != 0 {
			t.Fatalf("unexpected result on allow #%d: allowed=%v retry_after=%d", i+1, allowed, retryAfter)
		}
	}

	retryAfter, allowed, err := limiter.AllowWithdrawal(ctx, accountID)
	if err != nil {
		t.Fatalf("allow withdrawal #4: %v", err)
	}
	if allowed {
		t.Fatalf("expected limiter block on fourth request in minute window")
	}
	if retryAfter <= 0 {
		t.Fatalf("expected positive retry_after, got %d", retryAfter)
	}

	currentRetry, err := limiter.RetryAfterWithdrawal(ctx, accountID)
	if err != nil {
		t.Fatalf("retry_after state: %v", err)
	}
	if currentRetry <= 0 {
		t.Fatalf("expected positive retry_after state, got %d", currentRetry)
	}

	mr.FastForward(61 * time.Second)

	retryAfter, allowed, err = limiter.AllowWithdrawal(ctx, accountID)
	if err != nil {
		t.Fatalf("allow withdrawal after minute window: %v", err)
	}
	if !allowed || retryAfter != 0 {
		t.Fatalf("unexpected result after fast forward: allowed=%v retry_after=%d", allowed, retryAfter)
	}
}

func TestLimiterBlocksOnHourWindow(t *testing.T) {
	mr, client := newMiniRedisClient(t)
	defer mr.Close()
	defer func() { _ = client.Close() }()

	repo := redrepo.NewRateRepo(client)
	limiter := NewLimiter(repo, 100, 5)

	ctx := context.Background()
	accountID := int64(77)

	for i := 0; i < 5; i++ {
		retryAfter, allowed, err := limiter.AllowWithdrawal(ctx, accountID)
		if err != nil {
			t.Fatalf("allow withdrawal #%d: %v", i+1, err)
		}
		if !allowed || retryAfter != 0 {
			t.Fatalf("unexpected result on allow #%d: allowed=%v retry_after=%d", i+1, allowed, retryAfter)
		}
	}

	retryAfter, allowed, err := limiter.AllowWithdrawal(ctx, accountID)
	if err != nil {
		t.Fatalf("allow withdrawal #6: %v", err)
	}
	if allowed {
		t.Fatalf("expected limiter block on sixth request in hour window")
	}
	if retryAfter <= 0 {
		t.Fatalf("expected positive retry_after, got %d", retryAfter)
	}
}

func TestLimiterDisabledWindows(t *testing.T) {
	mr, client := newMiniRedisClient(t)
	defer mr.Close()
	defer func() { _ = client.Close() }()

	repo := redrepo.NewRateRepo(client)
	limiter := NewLimiter(repo, 0, 0)

	ctx := context.Background()

	for i := 0; i < 20; i++ {
		retryAfter, allowed, err := limiter.AllowWithdrawal(ctx, 9)
		if err != nil {
			t.Fatalf("allow withdrawal #%d: %v", i+1, err)
		}
		if !allowed || retryAfter != 0 {
			t.Fatalf("expected unlimited requests with zero limits, got allowed=%v retry_after=%d", allowed, retryAfter)
		}
	}
}

func newMiniRedisClient(t *testing.T) (*miniredis.Miniredis, *goredis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}

	client := goredis.NewClient(&goredis.Options{
		Addr: mr.Addr(),
	})

	return mr, client
}
