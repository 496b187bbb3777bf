// Package repository はデータ永続化のインターフェースとPostgreSQL実装を提供する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/canvassync/internal/model"
)

// PrincipalRepository はプリンシパルと資格情報の永続化インターフェース。
type PrincipalRepository interface {
	// FindByID は指定IDのプリンシパルを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Principal, error)

	// Upsert はプリンシパルを作成または更新する。
	// 更新時はトークンと有効期限を置き換え、無効化状態を解除する。
	Upsert(ctx context.Context, p *model.Principal) error

	// ListUsableIDs は now 時点で有効なトークンを持つプリンシパルIDをID順に返す。
	ListUsableIDs(ctx context.Context, now time.Time) ([]string, error)

	// MarkInvalidated はトークンを無効化済みとして記録する。
	MarkInvalidated(ctx context.Context, id string, at time.Time) error
}

// MirrorRepository はCanvasから取得したデータのミラーを永続化する。
// すべての書き込みは安定IDによるupsertで、何度実行しても結果は同じになる。
type MirrorRepository interface {
	// UpsertCourse はコースを保存し、プリンシパルとの関連付けを記録する。
	UpsertCourse(ctx context.Context, principalID string, course *model.Course) error

	// UpsertAssignment は課題を保存する。
	UpsertAssignment(ctx context.Context, assignment *model.Assignment) error

	// UpsertSubmission は提出物を保存する。
	UpsertSubmission(ctx context.Context, submission *model.Submission) error

	// GetCoursesForPrincipal はプリンシパルに関連付いたコースをCanvasのコースID順に返す。
	GetCoursesForPrincipal(ctx context.Context, principalID string) ([]*model.Course, error)
}

// SyncJobRepository は同期ジョブ記録の永続化インターフェース。
type SyncJobRepository interface {
	// Save はジョブのスナップショットを作成または更新する。
	Save(ctx context.Context, job *model.SyncJob) error

	// FindByID は指定IDのジョブを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.SyncJob, error)
}
