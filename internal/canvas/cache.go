package canvas

import (
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"
)

// CacheEntry はキャッシュされたレスポンスペイロード。
type CacheEntry struct {
	Key      string
	Value    []byte
	StoredAt time.Time
}

// ResponseCache は読み取り系リクエストの結果を一定時間保持するキャッシュ。
// TTLはプロセス全体で1つで、実行中に変更できる。
// 期限切れエントリは参照時に削除する。件数の上限は設けていない。
type ResponseCache struct {
	mu      sync.RWMutex
	entries map[string]CacheEntry
	ttl     time.Duration

	now func() time.Time // テスト用に差し替え可能
}

// NewResponseCache はTTLを指定して ResponseCache を生成する。
func NewResponseCache(ttl time.Duration) *ResponseCache {
	return &ResponseCache{
		entries: make(map[string]CacheEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get はキーに対応する有効なペイロードを返す。
// 期限切れの場合はエントリを削除して false を返す。
func (c *ResponseCache) Get(key string) ([]byte, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	ttl := c.ttl
	now := c.now()
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}
	if now.Sub(entry.StoredAt) < ttl {
		return entry.Value, true
	}

	c.mu.Lock()
	// 読み取りロック解放後に上書きされた新しいエントリは消さない
	if cur, ok := c.entries[key]; ok && cur.StoredAt.Equal(entry.StoredAt) {
		delete(c.entries, key)
	}
	c.mu.Unlock()
	return nil, false
}

// Put はペイロードを現在時刻で保存する。
func (c *ResponseCache) Put(key string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = CacheEntry{Key: key, Value: value, StoredAt: c.now()}
}

// Clear はすべてのエントリを削除し、削除した件数（期限切れを含む）を返す。
func (c *ResponseCache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.entries)
	c.entries = make(map[string]CacheEntry)
	return n
}

// SetTTL はTTLを変更する。既存エントリにも新しいTTLが適用される。
func (c *ResponseCache) SetTTL(ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ttl = ttl
}

// TTL は現在のTTLを返す。
func (c *ResponseCache) TTL() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ttl
}

// Len は保持しているエントリ数を返す（期限切れを含む）。
func (c *ResponseCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// CacheKey はプリンシパル・パス・パラメータから決定的なキャッシュキーを作る。
// パラメータはキー順、同一キー内の値も順序を揃えてから連結する。
func CacheKey(principalID, path string, params url.Values) string {
	var b strings.Builder
	b.WriteString(principalID)
	b.WriteByte('|')
	b.WriteString(strings.TrimPrefix(path, "/"))
	if len(params) > 0 {
		normalized := make(url.Values, len(params))
		for k, vs := range params {
			sorted := slices.Clone(vs)
			slices.Sort(sorted)
			normalized[k] = sorted
		}
		b.WriteByte('?')
		b.WriteString(normalized.Encode())
	}
	return b.String()
}
