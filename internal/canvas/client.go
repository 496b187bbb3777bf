// Package canvas はCanvas LMS REST APIのクライアントを提供する。
// リクエスト間隔の制御、サーバー通知のクォータ待ち、読み取り結果のキャッシュ、
// ステータスコードに基づくエラー分類を行う。自動リトライはしない。
package canvas

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	apiPrefix = "/api/v1/"
	userAgent = "canvassync/1.0"

	// DefaultPerPage はページングの既定件数。
	DefaultPerPage = 50
	// MaxPerPage はCanvasが受け付けるper_pageの上限。
	MaxPerPage = 100
	// defaultMaxPages はLinkヘッダーが壊れている場合に備えたページ数の上限。
	defaultMaxPages = 500
	// maxBodySize はレスポンスボディの最大読み取りサイズ（32MB）。
	maxBodySize = 32 << 20
	// maxErrorBody はエラーメッセージに含めるボディの最大文字数。
	maxErrorBody = 256

	tracerName = "github.com/hitoshi/canvassync/internal/canvas"
)

// TokenSource はプリンシパルのBearerトークンを提供する。
type TokenSource interface {
	BearerToken(ctx context.Context, principalID string) (string, error)
}

// Recorder はクライアントの動作をメトリクスとして記録する。
type Recorder interface {
	RecordCanvasRequest(outcome string, duration time.Duration)
	RecordCacheLookup(hit bool)
	RecordQuotaRemaining(remaining int)
	RecordQuotaWait(duration time.Duration)
	RecordBreakerState(state string)
}

type nopRecorder struct{}

func (nopRecorder) RecordCanvasRequest(string, time.Duration) {}
func (nopRecorder) RecordCacheLookup(bool)                    {}
func (nopRecorder) RecordQuotaRemaining(int)                  {}
func (nopRecorder) RecordQuotaWait(time.Duration)             {}
func (nopRecorder) RecordBreakerState(string)                 {}

// Config はクライアントプールの設定。
type Config struct {
	BaseURL            string
	MinRequestInterval time.Duration
	PerPage            int
}

// Option はプールの任意設定。
type Option func(*Pool)

// WithRecorder はメトリクスの記録先を設定する。
func WithRecorder(r Recorder) Option {
	return func(p *Pool) {
		if r != nil {
			p.recorder = r
		}
	}
}

// Response はCanvas APIのレスポンス。
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Pool はプリンシパルごとの Client を保持する。
// キャッシュとサーキットブレーカーは全プリンシパルで共有し、
// クォータはアクセストークン単位で管理されるためクライアントごとに持つ。
type Pool struct {
	httpClient *http.Client
	baseURL    string
	tokens     TokenSource
	cache      *ResponseCache
	breaker    *gobreaker.CircuitBreaker[*Response]
	logger     *slog.Logger
	recorder   Recorder
	tracer     trace.Tracer

	minInterval time.Duration
	perPage     int
	maxPages    int

	mu      sync.Mutex
	clients map[string]*Client
}

// NewPool は Pool の新しいインスタンスを生成する。
func NewPool(httpClient *http.Client, tokens TokenSource, cache *ResponseCache, logger *slog.Logger, cfg Config, opts ...Option) *Pool {
	perPage := cfg.PerPage
	if perPage <= 0 {
		perPage = DefaultPerPage
	}
	perPage = min(perPage, MaxPerPage)

	p := &Pool{
		httpClient:  httpClient,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		tokens:      tokens,
		cache:       cache,
		logger:      logger,
		recorder:    nopRecorder{},
		tracer:      otel.Tracer(tracerName),
		minInterval: cfg.MinRequestInterval,
		perPage:     perPage,
		maxPages:    defaultMaxPages,
		clients:     make(map[string]*Client),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.breaker = gobreaker.NewCircuitBreaker[*Response](gobreaker.Settings{
		Name:        "canvas-api",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !countsAsFailure(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.logger.Warn("Canvas APIのサーキットブレーカー状態が変化しました",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
			p.recorder.RecordBreakerState(to.String())
		},
	})

	return p
}

// For はプリンシパル用の Client を返す。同じIDには同じ Client を返す。
func (p *Pool) For(principalID string) *Client {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[principalID]; ok {
		return c
	}
	c := &Client{
		pool:        p,
		principalID: principalID,
		limiter:     NewRateLimiter(p.minInterval),
	}
	p.clients[principalID] = c
	return c
}

// Cache は共有キャッシュを返す。
func (p *Pool) Cache() *ResponseCache {
	return p.cache
}

// Client は1プリンシパル分のCanvas APIクライアント。
type Client struct {
	pool        *Pool
	principalID string
	limiter     *RateLimiter
}

// PrincipalID はこのクライアントのプリンシパルIDを返す。
func (c *Client) PrincipalID() string {
	return c.principalID
}

// Quota は直近に観測したクォータを返す。
func (c *Client) Quota() (RateQuota, bool) {
	return c.limiter.Quota()
}

// Request はCanvas APIにリクエストを1回送る。
// path は "/api/v1/" 以降の相対パス。2xx以外は *APIError を返す。
func (c *Client) Request(ctx context.Context, method, path string, params url.Values) (*Response, error) {
	p := c.pool
	path = strings.TrimPrefix(path, "/")

	ctx, span := p.tracer.Start(ctx, "canvas.request",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("canvas.path", path),
			attribute.String("canvas.principal_id", c.principalID),
		),
	)
	defer span.End()

	waited, err := c.limiter.Wait(ctx)
	if waited > 0 {
		p.recorder.RecordQuotaWait(waited)
		p.logger.Info("クォータ枯渇のためリセット時刻まで待機しました",
			slog.String("principal_id", c.principalID),
			slog.Int64("waited_ms", waited.Milliseconds()),
		)
	}
	if err != nil {
		return nil, c.fail(span, &APIError{Kind: classifyTransportError(err), Method: method, Path: path, Err: err})
	}

	token, err := p.tokens.BearerToken(ctx, c.principalID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "token unavailable")
		return nil, fmt.Errorf("アクセストークンの取得に失敗しました: %w", err)
	}

	reqURL := p.baseURL + apiPrefix + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	start := time.Now()
	resp, err := p.breaker.Execute(func() (*Response, error) {
		resp, err := c.roundTrip(ctx, method, path, reqURL, token)
		var apiErr *APIError
		if err != nil && ctx.Err() != nil && errors.As(err, &apiErr) {
			apiErr.callerDone = true
		}
		return resp, err
	})
	elapsed := time.Since(start)

	if resp != nil {
		span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
		if q, ok := c.limiter.Observe(resp.Header); ok {
			p.recorder.RecordQuotaRemaining(q.Remaining)
		}
	}

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = &APIError{Kind: KindConnection, Method: method, Path: path, Err: err}
		}
		kind := KindOf(err)
		p.recorder.RecordCanvasRequest(string(kind), elapsed)
		p.logger.Warn("Canvas APIリクエストが失敗しました",
			slog.String("principal_id", c.principalID),
			slog.String("method", method),
			slog.String("path", path),
			slog.String("kind", string(kind)),
			slog.String("error", err.Error()),
			slog.Int64("duration_ms", elapsed.Milliseconds()),
		)
		return nil, c.fail(span, err)
	}

	p.recorder.RecordCanvasRequest("ok", elapsed)
	p.logger.Debug("Canvas APIリクエストが完了しました",
		slog.String("principal_id", c.principalID),
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
		slog.Int64("duration_ms", elapsed.Milliseconds()),
	)
	return resp, nil
}

func (c *Client) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// roundTrip はHTTPリクエストを実行する。
// 2xx以外の場合もヘッダーを観測できるようにレスポンスを返す。
func (c *Client) roundTrip(ctx context.Context, method, path, reqURL, token string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
	if err != nil {
		return nil, &APIError{Kind: KindConnection, Method: method, Path: path, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	httpResp, err := c.pool.httpClient.Do(req)
	if err != nil {
		return nil, &APIError{Kind: classifyTransportError(err), Method: method, Path: path, Err: err}
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodySize))
	resp := &Response{StatusCode: httpResp.StatusCode, Header: httpResp.Header, Body: body}
	if err != nil {
		return resp, &APIError{Kind: classifyTransportError(err), Method: method, Path: path, Err: err}
	}

	if kind := ClassifyHTTPStatus(httpResp.StatusCode); kind != "" {
		msg := string(body)
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		return resp, &APIError{
			Kind:       kind,
			StatusCode: httpResp.StatusCode,
			Method:     method,
			Path:       path,
			Message:    msg,
		}
	}
	return resp, nil
}

// listAll はコレクションエンドポイントを最後のページまで取得する。
// 結合した配列を論理クエリ（ページ番号を含まないパラメータ）のキーでキャッシュする。
// fresh が true の場合はキャッシュを読まずに取得し直す。
func (c *Client) listAll(ctx context.Context, path string, params url.Values, fresh bool) ([]json.RawMessage, error) {
	p := c.pool
	key := CacheKey(c.principalID, path, params)

	if !fresh {
		if body, ok := p.cache.Get(key); ok {
			var items []json.RawMessage
			if err := json.Unmarshal(body, &items); err == nil {
				p.recorder.RecordCacheLookup(true)
				return items, nil
			}
		}
		p.recorder.RecordCacheLookup(false)
	}

	q := cloneValues(params)
	q.Set("page", "1")
	q.Set("per_page", strconv.Itoa(p.perPage))
	nextPath := path

	var all []json.RawMessage
	complete := false
	for page := 0; page < p.maxPages; page++ {
		resp, err := c.Request(ctx, http.MethodGet, nextPath, q)
		if err != nil {
			return nil, err
		}

		var items []json.RawMessage
		if err := json.Unmarshal(resp.Body, &items); err != nil {
			return nil, fmt.Errorf("%s のレスポンスを配列として解釈できません: %w", path, err)
		}
		all = append(all, items...)

		if len(items) == 0 {
			complete = true
			break
		}
		next, ok := nextLink(resp.Header.Get("Link"))
		if !ok {
			complete = true
			break
		}
		nextPath, q, err = c.splitNext(next)
		if err != nil {
			return nil, err
		}
	}
	if !complete {
		return nil, fmt.Errorf("%s のページ数が上限 %d を超えました", path, p.maxPages)
	}

	if encoded, err := json.Marshal(all); err == nil {
		p.cache.Put(key, encoded)
	}
	return all, nil
}

// getOne は単一オブジェクトを返すエンドポイントを取得する。キャッシュは使わない。
func (c *Client) getOne(ctx context.Context, path string, out any) error {
	resp, err := c.Request(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("%s のレスポンスのパースに失敗しました: %w", path, err)
	}
	return nil
}

// splitNext はLinkヘッダーの次ページURLを相対パスとクエリに分解する。
func (c *Client) splitNext(next string) (string, url.Values, error) {
	u, err := url.Parse(next)
	if err != nil {
		return "", nil, fmt.Errorf("次ページURLのパースに失敗しました: %w", err)
	}
	idx := strings.Index(u.Path, apiPrefix)
	if idx < 0 {
		return "", nil, fmt.Errorf("次ページURLがAPIパスではありません: %s", next)
	}
	return u.Path[idx+len(apiPrefix):], u.Query(), nil
}

// nextLink はRFC 5988形式のLinkヘッダーから rel="next" のURLを取り出す。
func nextLink(header string) (string, bool) {
	if header == "" {
		return "", false
	}
	for _, part := range strings.Split(header, ",") {
		segments := strings.Split(part, ";")
		if len(segments) < 2 {
			continue
		}
		target := strings.TrimSpace(segments[0])
		if !strings.HasPrefix(target, "<") || !strings.HasSuffix(target, ">") {
			continue
		}
		for _, attr := range segments[1:] {
			attr = strings.TrimSpace(attr)
			if attr == `rel="next"` || attr == "rel=next" {
				return target[1 : len(target)-1], true
			}
		}
	}
	return "", false
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vs := range v {
		out[k] = append([]string(nil), vs...)
	}
	return out
}
