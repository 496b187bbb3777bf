package canvas

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorKind はCanvas API呼び出しの失敗分類を表す。
type ErrorKind string

const (
	KindUnauthorized ErrorKind = "unauthorized"
	KindNotFound     ErrorKind = "not_found"
	KindRateLimited  ErrorKind = "rate_limited"
	KindServerError  ErrorKind = "server_error"
	KindTimeout      ErrorKind = "timeout"
	KindConnection   ErrorKind = "connection_error"
	KindCanceled     ErrorKind = "canceled"
)

// errors.Is で分類を判定するためのセンチネル。
var (
	ErrUnauthorized = errors.New("canvas: unauthorized")
	ErrNotFound     = errors.New("canvas: not found")
	ErrRateLimited  = errors.New("canvas: rate limited")
	ErrServerError  = errors.New("canvas: server error")
	ErrTimeout      = errors.New("canvas: timeout")
	ErrConnection   = errors.New("canvas: connection error")
	ErrCanceled     = errors.New("canvas: canceled")
)

var sentinels = map[ErrorKind]error{
	KindUnauthorized: ErrUnauthorized,
	KindNotFound:     ErrNotFound,
	KindRateLimited:  ErrRateLimited,
	KindServerError:  ErrServerError,
	KindTimeout:      ErrTimeout,
	KindConnection:   ErrConnection,
	KindCanceled:     ErrCanceled,
}

// APIError はCanvas API呼び出しの失敗を表す。
// StatusCode はトランスポート層の失敗では0になる。
type APIError struct {
	Kind       ErrorKind
	StatusCode int
	Method     string
	Path       string
	Message    string
	Err        error

	// callerDone は呼び出し側のコンテキストが先に終了したことを示す。
	// この失敗はCanvas側の異常ではないためブレーカーに数えない。
	callerDone bool
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("canvas %s %s: %s (status %d)", e.Method, e.Path, e.Kind, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("canvas %s %s: %s: %v", e.Method, e.Path, e.Kind, e.Err)
	default:
		return fmt.Sprintf("canvas %s %s: %s", e.Method, e.Path, e.Kind)
	}
}

// Unwrap は元のトランスポートエラーを返す。
func (e *APIError) Unwrap() error { return e.Err }

// Is は同じ分類のセンチネルと一致する。
func (e *APIError) Is(target error) bool {
	return sentinels[e.Kind] == target
}

// ClassifyHTTPStatus はHTTPステータスコードを失敗分類に変換する。
// 2xx の場合は空文字を返す。
func ClassifyHTTPStatus(statusCode int) ErrorKind {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return ""
	case statusCode == http.StatusUnauthorized:
		return KindUnauthorized
	case statusCode == http.StatusNotFound:
		return KindNotFound
	case statusCode == http.StatusTooManyRequests:
		return KindRateLimited
	default:
		return KindServerError
	}
}

// classifyTransportError はHTTPクライアントのエラーを Canceled・Timeout・ConnectionError に分類する。
func classifyTransportError(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	return KindConnection
}

// KindOf はエラーから失敗分類を取り出す。APIError でなければ空文字を返す。
func KindOf(err error) ErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return ""
}

// countsAsFailure はサーキットブレーカーの失敗として数えるエラーかどうかを返す。
// 401/404/429 は相手が応答できているため失敗に数えない。
// 呼び出し側のキャンセルや期限切れによる失敗も数えない。
func countsAsFailure(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.callerDone {
		return false
	}
	switch apiErr.Kind {
	case KindServerError, KindTimeout, KindConnection:
		return true
	default:
		return false
	}
}
