// Package scheduler は有効なプリンシパルのコース同期を定期的に起動する。
// 同時実行数は Limiter で制限し、枠がなければそのサイクルでは起動しない。
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/canvassync/internal/syncer"
)

// DefaultBatchSize は1サイクルで扱うプリンシパル数の既定値。
const DefaultBatchSize = 50

// PrincipalLister は有効なトークンを持つプリンシパルを列挙する。
type PrincipalLister interface {
	ListValidPrincipals(ctx context.Context) ([]string, error)
}

// CourseSyncer はコース同期の実行インターフェース。
type CourseSyncer interface {
	SyncCourses(ctx context.Context, principalID string, forceRefresh bool) (string, error)
	IsRunning(principalID string) bool
}

// MetricsRecorder はスケジューラのサイクル結果を記録する。
type MetricsRecorder interface {
	RecordSchedulerCycle(dispatched, skipped, dropped int)
	SetSchedulerInFlight(n int)
}

type nopMetrics struct{}

func (nopMetrics) RecordSchedulerCycle(int, int, int) {}
func (nopMetrics) SetSchedulerInFlight(int)           {}

// CycleResult は1サイクルの結果。
type CycleResult struct {
	Dispatched int // 起動した同期の数
	Skipped    int // 実行中のため見送った数
	Dropped    int // 並列数の上限により次回へ回した数
}

// Scheduler は定期同期のスケジューラ。
type Scheduler struct {
	lister    PrincipalLister
	syncer    CourseSyncer
	limiter   *Limiter
	logger    *slog.Logger
	metrics   MetricsRecorder
	batchSize int

	mu sync.Mutex
	// cursor は前回のサイクルで最後に扱ったプリンシパルID。
	// 次のサイクルはその次のIDから始めるため、上限で落としたプリンシパルが優先される。
	cursor string

	wg sync.WaitGroup
}

// NewScheduler は Scheduler を生成する。metrics が nil の場合は記録しない。
func NewScheduler(
	lister PrincipalLister,
	syncer CourseSyncer,
	limiter *Limiter,
	logger *slog.Logger,
	metrics MetricsRecorder,
	batchSize int,
) *Scheduler {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Scheduler{
		lister:    lister,
		syncer:    syncer,
		limiter:   limiter,
		logger:    logger,
		metrics:   metrics,
		batchSize: batchSize,
	}
}

// Start は interval ごとに RunOnce を実行する。最初の実行は1インターバル後。
// ctx がキャンセルされると、実行中の同期の終了を待ってから戻る。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("同期スケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Int("max_concurrency", s.limiter.Cap()),
		slog.Int("batch_size", s.batchSize),
	)

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.logger.Info("同期スケジューラを停止しました")
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("同期サイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce は対象プリンシパルの同期を起動して、完了を待たずに戻る。
// 実行中のプリンシパルは見送り、枠が尽きた時点で残りは次のサイクルに回す。
func (s *Scheduler) RunOnce(ctx context.Context) (CycleResult, error) {
	var res CycleResult

	principals, err := s.lister.ListValidPrincipals(ctx)
	if err != nil {
		return res, err
	}
	if len(principals) == 0 {
		s.logger.Debug("同期対象のプリンシパルはありません")
		return res, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batch := rotate(principals, s.cursor, s.batchSize)
	for i, p := range batch {
		if s.syncer.IsRunning(p) {
			res.Skipped++
			s.cursor = p
			continue
		}
		if !s.limiter.TryAcquire() {
			res.Dropped = len(batch) - i
			break
		}
		s.cursor = p
		res.Dispatched++
		s.dispatch(ctx, p)
	}

	s.metrics.RecordSchedulerCycle(res.Dispatched, res.Skipped, res.Dropped)
	s.logger.Info("同期サイクルを実行しました",
		slog.Int("principal_count", len(principals)),
		slog.Int("dispatched", res.Dispatched),
		slog.Int("skipped", res.Skipped),
		slog.Int("dropped", res.Dropped),
	)
	return res, nil
}

// Wait は起動済みの同期がすべて終了するまで待つ。
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) dispatch(ctx context.Context, principalID string) {
	s.wg.Add(1)
	s.metrics.SetSchedulerInFlight(s.limiter.InUse())
	go func() {
		defer s.wg.Done()
		defer func() {
			s.limiter.Release()
			s.metrics.SetSchedulerInFlight(s.limiter.InUse())
		}()

		jobID, err := s.syncer.SyncCourses(ctx, principalID, false)
		switch {
		case err == nil:
		case errors.Is(err, syncer.ErrAlreadyRunning):
			// IsRunning の確認後に手動同期が始まった場合
			s.logger.Debug("同期が実行中のため見送りました",
				slog.String("principal_id", principalID),
			)
		default:
			s.logger.Warn("定期同期が失敗しました",
				slog.String("principal_id", principalID),
				slog.String("job_id", jobID),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// rotate はID順に並べたプリンシパルを cursor の次から最大 n 件返す。
func rotate(principals []string, cursor string, n int) []string {
	sorted := append([]string(nil), principals...)
	sort.Strings(sorted)

	start := sort.SearchStrings(sorted, cursor)
	if start < len(sorted) && sorted[start] == cursor {
		start++
	}

	n = min(n, len(sorted))
	out := make([]string, 0, n)
	for i := range n {
		out = append(out, sorted[(start+i)%len(sorted)])
	}
	return out
}
