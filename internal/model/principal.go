package model

import "time"

// Principal は同期対象となるCanvasユーザーとその資格情報を表す。
// アクセストークンは暗号化された状態でのみ保持する。
type Principal struct {
	ID                   string
	CanvasUserID         *int64
	EncryptedAccessToken string
	TokenExpiresAt       *time.Time
	InvalidatedAt        *time.Time // 401を受けた時刻。再登録までは同期対象外
	LastSyncAt           *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// HasUsableToken はトークンが無効化されておらず、期限切れでもないかを返す。
func (p *Principal) HasUsableToken(now time.Time) bool {
	if p.EncryptedAccessToken == "" || p.InvalidatedAt != nil {
		return false
	}
	return p.TokenExpiresAt == nil || p.TokenExpiresAt.After(now)
}
