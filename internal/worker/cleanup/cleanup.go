// Package cleanup は同期ジョブ記録の自動削除ジョブを提供する。
// 保持期間を超えた終了済みの sync_jobs 行を日次で削除する。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// DefaultRetentionDays はジョブ記録の既定の保持日数。
const DefaultRetentionDays = 30

// Executor はSQLのExecContextを抽象化するインターフェース。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// JobHistoryCleaner は保持期間を超えた同期ジョブ記録を削除する。
type JobHistoryCleaner struct {
	db            Executor
	logger        *slog.Logger
	RetentionDays int
}

// NewJobHistoryCleaner は JobHistoryCleaner を生成する。
// retentionDays が0以下なら既定値を使う。
func NewJobHistoryCleaner(db Executor, logger *slog.Logger, retentionDays int) *JobHistoryCleaner {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &JobHistoryCleaner{
		db:            db,
		logger:        logger,
		RetentionDays: retentionDays,
	}
}

// Run は completed_at が保持期間より古い終了済みジョブを削除する。
// 実行中・未開始のジョブは対象にしない。
func (j *JobHistoryCleaner) Run(ctx context.Context) error {
	start := time.Now()
	interval := fmt.Sprintf("%d days", j.RetentionDays)

	query := `DELETE FROM sync_jobs
		WHERE status IN ('completed', 'failed')
		  AND completed_at < now() - $1::interval`
	result, err := j.db.ExecContext(ctx, query, interval)
	if err != nil {
		j.logger.Error("ジョブ記録のクリーンアップに失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("ジョブ記録のクリーンアップに失敗: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("削除件数の取得に失敗: %w", err)
	}

	j.logger.Info("ジョブ記録のクリーンアップが完了しました",
		slog.Int64("deleted_count", deleted),
		slog.Int("retention_days", j.RetentionDays),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return nil
}

// Start は起動直後と interval ごとに Run を実行する。
// ctx がキャンセルされるまで戻らない。
func (j *JobHistoryCleaner) Start(ctx context.Context, interval time.Duration) {
	if err := j.Run(ctx); err != nil && ctx.Err() == nil {
		j.logger.Warn("クリーンアップを次回に持ち越します", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.Run(ctx); err != nil && ctx.Err() == nil {
				j.logger.Warn("クリーンアップを次回に持ち越します", slog.String("error", err.Error()))
			}
		}
	}
}
