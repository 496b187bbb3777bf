package model

import "fmt"

// APIError は制御APIの統一エラーフォーマットを表す。
// 原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, sync, system
	Action   string // 利用者向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeRateLimitExceeded  = "RATE_LIMIT_EXCEEDED"
	ErrCodeInvalidRequest     = "INVALID_REQUEST"
	ErrCodeInvalidSyncKind    = "INVALID_SYNC_KIND"
	ErrCodeSyncAlreadyRunning = "SYNC_ALREADY_RUNNING"
	ErrCodeJobNotFound        = "JOB_NOT_FOUND"
	ErrCodePrincipalNotFound  = "PRINCIPAL_NOT_FOUND"
	ErrCodeInternal           = "INTERNAL_ERROR"
)

// NewUnauthorizedError は管理トークン不正エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "Authorization ヘッダーに管理APIトークンを指定してください。",
	}
}

// NewRateLimitExceededError はレート制限超過エラーを生成する。
func NewRateLimitExceededError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimitExceeded,
		Message:  "リクエスト数が上限を超えました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewInvalidRequestError はリクエスト内容の検証エラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "リクエストの形式を確認してください。",
	}
}

// NewInvalidSyncKindError は同期種別が不正な場合のエラーを生成する。
func NewInvalidSyncKindError(kind string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidSyncKind,
		Message:  fmt.Sprintf("無効な同期種別です: %s", kind),
		Category: "validation",
		Action:   "kind には courses または full を指定してください。",
	}
}

// NewSyncAlreadyRunningError は同一プリンシパルの同期が実行中の場合のエラーを生成する。
func NewSyncAlreadyRunningError(principalID string) *APIError {
	return &APIError{
		Code:     ErrCodeSyncAlreadyRunning,
		Message:  fmt.Sprintf("このプリンシパルの同期は既に実行中です: %s", principalID),
		Category: "sync",
		Action:   "実行中のジョブの完了を待ってから再度お試しください。",
	}
}

// NewJobNotFoundError はジョブ未検出エラーを生成する。
func NewJobNotFoundError(jobID string) *APIError {
	return &APIError{
		Code:     ErrCodeJobNotFound,
		Message:  fmt.Sprintf("指定されたジョブが見つかりません: %s", jobID),
		Category: "sync",
		Action:   "ジョブIDを確認してください。",
	}
}

// NewPrincipalNotFoundError はプリンシパル未検出エラーを生成する。
func NewPrincipalNotFoundError(principalID string) *APIError {
	return &APIError{
		Code:     ErrCodePrincipalNotFound,
		Message:  fmt.Sprintf("指定されたプリンシパルが見つかりません: %s", principalID),
		Category: "auth",
		Action:   "プリンシパルの資格情報を登録してください。",
	}
}

// NewInternalError は内部エラーを生成する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
