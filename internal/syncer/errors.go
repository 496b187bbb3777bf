package syncer

import (
	"errors"
	"fmt"
)

// cancelledPrefix はキャンセルまたはタイムアウトで終了したジョブのエラーメッセージ接頭辞。
const cancelledPrefix = "sync cancelled: "

var (
	// ErrAlreadyRunning は同じプリンシパルの同期が実行中であることを示す。
	ErrAlreadyRunning = errors.New("同期はすでに実行中です")
	// ErrNoValidCredential はプリンシパルに有効なトークンがないことを示す。
	ErrNoValidCredential = errors.New("有効なアクセストークンがありません")
	// ErrUnsupportedKind は非同期実行できない同期種別を示す。
	ErrUnsupportedKind = errors.New("非同期実行できない同期種別です")
)

// SyncError はジョブが failed で終了したことを示す。
// JobID でジョブ記録を参照できる。
type SyncError struct {
	JobID  string
	Reason string
	Err    error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("同期ジョブ %s が失敗しました: %s", e.JobID, e.Reason)
}

func (e *SyncError) Unwrap() error { return e.Err }
