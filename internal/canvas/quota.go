package canvas

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Canvasが返すレート制限ヘッダー。
const (
	HeaderRateLimit     = "X-Rate-Limit-Limit"
	HeaderRateRemaining = "X-Rate-Limit-Remaining"
	HeaderRateReset     = "X-Rate-Limit-Reset"
)

// RateQuota はサーバーから通知された直近のレート制限状態。
type RateQuota struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Exhausted は残数が0で、リセット時刻がまだ来ていないかを返す。
func (q RateQuota) Exhausted(now time.Time) bool {
	return q.Remaining <= 0 && q.ResetAt.After(now)
}

// ParseRateQuota はレスポンスヘッダーからクォータを読み取る。
// 3つのヘッダーがすべて揃い数値として解釈できる場合のみ ok を返す。
// Remaining は "699.5" のような小数も受け付け、0未満は0に丸める。
// リセット時刻の小数秒は切り上げ、サーバーのリセットより前に再開しないようにする。
func ParseRateQuota(h http.Header) (RateQuota, bool) {
	limitStr := h.Get(HeaderRateLimit)
	remainingStr := h.Get(HeaderRateRemaining)
	resetStr := h.Get(HeaderRateReset)
	if limitStr == "" || remainingStr == "" || resetStr == "" {
		return RateQuota{}, false
	}

	limit, err := strconv.ParseFloat(limitStr, 64)
	if err != nil {
		return RateQuota{}, false
	}
	remaining, err := strconv.ParseFloat(remainingStr, 64)
	if err != nil {
		return RateQuota{}, false
	}
	reset, err := strconv.ParseFloat(resetStr, 64)
	if err != nil {
		return RateQuota{}, false
	}

	return RateQuota{
		Limit:     int(limit),
		Remaining: max(int(math.Floor(remaining)), 0),
		ResetAt:   time.Unix(int64(math.Ceil(reset)), 0),
	}, true
}

// RateLimiter はリクエストの最小間隔とサーバー通知のクォータを管理する。
// 1つのアクセストークン（プリンシパル）につき1つ持つ。
type RateLimiter struct {
	pacer *rate.Limiter

	mu    sync.Mutex
	quota RateQuota
	known bool

	now func() time.Time // テスト用に差し替え可能
}

// NewRateLimiter は最小リクエスト間隔を指定して RateLimiter を生成する。
// minInterval が0以下の場合は間隔制御を行わない。
func NewRateLimiter(minInterval time.Duration) *RateLimiter {
	limit := rate.Inf
	if minInterval > 0 {
		limit = rate.Every(minInterval)
	}
	return &RateLimiter{
		pacer: rate.NewLimiter(limit, 1),
		now:   time.Now,
	}
}

// Wait は次のリクエストを送ってよくなるまでブロックする。
// クォータが枯渇していればリセット時刻まで待ち、その後最小間隔を守る。
// 待機中はロックを保持しない。戻り値はクォータ待ちに費やした時間。
func (l *RateLimiter) Wait(ctx context.Context) (time.Duration, error) {
	var waited time.Duration
	for {
		l.mu.Lock()
		now := l.now()
		var wait time.Duration
		if l.known && l.quota.Exhausted(now) {
			wait = l.quota.ResetAt.Sub(now)
		}
		l.mu.Unlock()

		if wait <= 0 {
			break
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return waited, ctx.Err()
		case <-timer.C:
		}
		waited += wait
	}

	if err := l.pacer.Wait(ctx); err != nil {
		return waited, err
	}
	return waited, nil
}

// Observe はレスポンスヘッダーからクォータを更新する。
// ヘッダーが揃っていない場合は直前の状態を維持する。
func (l *RateLimiter) Observe(h http.Header) (RateQuota, bool) {
	q, ok := ParseRateQuota(h)
	if !ok {
		return RateQuota{}, false
	}
	l.mu.Lock()
	l.quota = q
	l.known = true
	l.mu.Unlock()
	return q, true
}

// Quota は直近のクォータを返す。一度も観測していなければ false。
func (l *RateLimiter) Quota() (RateQuota, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.quota, l.known
}
