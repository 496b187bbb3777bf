package middleware

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/hitoshi/canvassync/internal/model"
)

// TriggerRateLimiterConfig は手動同期要求のレート制限設定。
type TriggerRateLimiterConfig struct {
	Rate            rate.Limit    // プリンシパルごとの許可レート（req/sec）
	Burst           int           // バーストサイズ
	CleanupInterval time.Duration // 使われなくなったエントリの削除間隔
}

// NewTriggerRateLimiterConfig は1分あたりの回数から設定を作る。
func NewTriggerRateLimiterConfig(perMinute int) TriggerRateLimiterConfig {
	if perMinute <= 0 {
		perMinute = 6
	}
	return TriggerRateLimiterConfig{
		Rate:            rate.Limit(float64(perMinute) / 60.0),
		Burst:           perMinute,
		CleanupInterval: 5 * time.Minute,
	}
}

type principalLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// TriggerRateLimiter はURLの principalID ごとに手動同期要求を制限する。
type TriggerRateLimiter struct {
	config TriggerRateLimiterConfig
	logger *slog.Logger

	mu       sync.Mutex
	limiters map[string]*principalLimiter

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewTriggerRateLimiter は TriggerRateLimiter を生成し、エントリ削除のゴルーチンを開始する。
func NewTriggerRateLimiter(config TriggerRateLimiterConfig, logger *slog.Logger) *TriggerRateLimiter {
	rl := &TriggerRateLimiter{
		config:   config,
		logger:   logger,
		limiters: make(map[string]*principalLimiter),
		stopCh:   make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Stop はエントリ削除のゴルーチンを停止する。
func (rl *TriggerRateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// Middleware はレート制限ミドルウェアを返す。chi のルート内で使う。
func (rl *TriggerRateLimiter) Middleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principalID := chi.URLParam(r, "principalID")
			if principalID == "" {
				next.ServeHTTP(w, r)
				return
			}

			if !rl.limiterFor(principalID).Allow() {
				rl.logger.Warn("rate limit exceeded",
					slog.String("principal_id", principalID),
					slog.String("limit_type", "sync_trigger"),
				)
				retryAfter := max(int(math.Ceil(1.0/float64(rl.config.Rate))), 1)
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				WriteErrorResponse(w, http.StatusTooManyRequests, model.NewRateLimitExceededError())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Len は管理しているエントリ数を返す。
func (rl *TriggerRateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

func (rl *TriggerRateLimiter) limiterFor(principalID string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	pl, ok := rl.limiters[principalID]
	if !ok {
		pl = &principalLimiter{limiter: rate.NewLimiter(rl.config.Rate, rl.config.Burst)}
		rl.limiters[principalID] = pl
	}
	pl.lastAccess = time.Now()
	return pl.limiter
}

func (rl *TriggerRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.cleanup(time.Now())
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup は最終アクセスから CleanupInterval の2倍を超えたエントリを削除する。
func (rl *TriggerRateLimiter) cleanup(now time.Time) {
	ttl := rl.config.CleanupInterval * 2
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for id, pl := range rl.limiters {
		if now.Sub(pl.lastAccess) > ttl {
			delete(rl.limiters, id)
		}
	}
}
