package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/canvassync/internal/middleware"
)

// CacheAdmin はレスポンスキャッシュの管理操作。canvas.ResponseCache が満たす。
type CacheAdmin interface {
	Clear() int
	SetTTL(ttl time.Duration)
	TTL() time.Duration
	Len() int
}

// CacheHandler はキャッシュ管理のHTTPハンドラー。
type CacheHandler struct {
	cache  CacheAdmin
	logger *slog.Logger
}

// NewCacheHandler はCacheHandlerを生成する。
func NewCacheHandler(cache CacheAdmin, logger *slog.Logger) *CacheHandler {
	return &CacheHandler{cache: cache, logger: logger}
}

type cacheStatusResponse struct {
	TTLMinutes int `json:"ttl_minutes"`
	Entries    int `json:"entries"`
}

type setTTLRequest struct {
	TTLMinutes *int `json:"ttl_minutes" validate:"required,gte=0,lte=1440"`
}

// GetCache は現在のTTLとエントリ数を返す。
// GET /api/cache
func (h *CacheHandler) GetCache(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, h.status())
}

// ClearCache は全エントリを削除する。
// DELETE /api/cache
func (h *CacheHandler) ClearCache(w http.ResponseWriter, r *http.Request) {
	cleared := h.cache.Clear()
	h.logger.Info("レスポンスキャッシュを削除しました", slog.Int("entries", cleared))
	middleware.WriteJSON(w, http.StatusOK, map[string]int{"cleared": cleared})
}

// SetTTL はキャッシュTTLを分単位で変更する。0 はキャッシュ無効を意味する。
// 既存エントリの有効性も新しいTTLで判定される。
// PUT /api/cache/ttl
func (h *CacheHandler) SetTTL(w http.ResponseWriter, r *http.Request) {
	var req setTTLRequest
	if err := decodeAndValidate(w, r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	ttl := time.Duration(*req.TTLMinutes) * time.Minute
	h.cache.SetTTL(ttl)
	h.logger.Info("キャッシュTTLを変更しました", slog.Duration("ttl", ttl))
	middleware.WriteJSON(w, http.StatusOK, h.status())
}

func (h *CacheHandler) status() cacheStatusResponse {
	return cacheStatusResponse{
		TTLMinutes: int(h.cache.TTL() / time.Minute),
		Entries:    h.cache.Len(),
	}
}
