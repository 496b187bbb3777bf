package syncer

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/canvassync/internal/model"
)

const (
	// DefaultHistoryLimit は GetHistory の既定件数。
	DefaultHistoryLimit = 10
	// JobIDPrefix はジョブIDの接頭辞。後ろにUUIDが続く。
	JobIDPrefix = "sync_"
	// defaultRetainedPerPrincipal はプリンシパルごとにメモリ上に保持する終了済みジョブ数。
	defaultRetainedPerPrincipal = 100
)

var (
	// ErrJobNotFound はジョブが存在しないことを示す。
	ErrJobNotFound = errors.New("ジョブが見つかりません")
	// ErrInvalidTransition は許可されていない状態遷移を示す。
	ErrInvalidTransition = errors.New("不正なジョブ状態遷移です")
)

// JobRegistry は同期ジョブをメモリ上で管理する。
// 読み出しは常に深いコピーを返すため、呼び出し元が内部状態を変更することはない。
type JobRegistry struct {
	mu          sync.RWMutex
	jobs        map[string]*model.SyncJob
	byPrincipal map[string][]string // 作成順
	retain      int

	now func() time.Time
}

// NewJobRegistry は JobRegistry を生成する。
// retainPerPrincipal を超えた古い終了済みジョブは破棄する。
func NewJobRegistry(retainPerPrincipal int) *JobRegistry {
	if retainPerPrincipal <= 0 {
		retainPerPrincipal = defaultRetainedPerPrincipal
	}
	return &JobRegistry{
		jobs:        make(map[string]*model.SyncJob),
		byPrincipal: make(map[string][]string),
		retain:      retainPerPrincipal,
		now:         time.Now,
	}
}

// Create は pending 状態のジョブを作成する。
func (r *JobRegistry) Create(principalID string, kind model.SyncKind, attrs map[string]string) model.SyncJob {
	job := &model.SyncJob{
		ID:          JobIDPrefix + uuid.NewString(),
		PrincipalID: principalID,
		Kind:        kind,
		Status:      model.SyncStatusPending,
		Attributes:  maps.Clone(attrs),
		CreatedAt:   r.now(),
	}
	if job.Attributes == nil {
		job.Attributes = map[string]string{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = job
	r.byPrincipal[principalID] = append(r.byPrincipal[principalID], job.ID)
	r.pruneLocked(principalID)
	return job.Clone()
}

// Start は pending → running に遷移させる。
func (r *JobRegistry) Start(id string) (model.SyncJob, error) {
	return r.update(id, func(j *model.SyncJob) error {
		if j.Status != model.SyncStatusPending {
			return fmt.Errorf("%w: %s → running", ErrInvalidTransition, j.Status)
		}
		now := r.now()
		j.Status = model.SyncStatusRunning
		j.StartedAt = &now
		return nil
	})
}

// Progress は処理件数と総件数を更新する。running 以外では無視してエラーを返す。
// 処理件数は減らさない。
func (r *JobRegistry) Progress(id string, processed, total int) (model.SyncJob, error) {
	return r.update(id, func(j *model.SyncJob) error {
		if j.Status != model.SyncStatusRunning {
			return fmt.Errorf("%w: %s のジョブの進捗は更新できません", ErrInvalidTransition, j.Status)
		}
		j.ItemsProcessed = max(j.ItemsProcessed, processed)
		j.ItemsTotal = max(total, j.ItemsProcessed)
		return nil
	})
}

// SetAttributes は running のジョブの属性を追加・上書きする。
func (r *JobRegistry) SetAttributes(id string, attrs map[string]string) (model.SyncJob, error) {
	return r.update(id, func(j *model.SyncJob) error {
		if j.Status != model.SyncStatusRunning {
			return fmt.Errorf("%w: %s のジョブの属性は更新できません", ErrInvalidTransition, j.Status)
		}
		maps.Copy(j.Attributes, attrs)
		return nil
	})
}

// Complete は running → completed に遷移させる。
func (r *JobRegistry) Complete(id string) (model.SyncJob, error) {
	return r.update(id, func(j *model.SyncJob) error {
		if j.Status != model.SyncStatusRunning {
			return fmt.Errorf("%w: %s → completed", ErrInvalidTransition, j.Status)
		}
		now := r.now()
		j.Status = model.SyncStatusCompleted
		j.CompletedAt = &now
		return nil
	})
}

// Fail は running → failed に遷移させる。メッセージが空の場合は既定の文言を入れる。
func (r *JobRegistry) Fail(id, message string) (model.SyncJob, error) {
	if message == "" {
		message = "unknown error"
	}
	return r.update(id, func(j *model.SyncJob) error {
		if j.Status != model.SyncStatusRunning {
			return fmt.Errorf("%w: %s → failed", ErrInvalidTransition, j.Status)
		}
		now := r.now()
		j.Status = model.SyncStatusFailed
		j.CompletedAt = &now
		j.ErrorMessage = message
		return nil
	})
}

// Get はジョブのスナップショットを返す。
func (r *JobRegistry) Get(id string) (model.SyncJob, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[id]
	if !ok {
		return model.SyncJob{}, false
	}
	return j.Clone(), true
}

// History はプリンシパルのジョブを開始時刻の新しい順に最大 limit 件返す。
// 未開始のジョブは末尾に並べる。
func (r *JobRegistry) History(principalID string, limit int) []model.SyncJob {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	r.mu.RLock()
	ids := r.byPrincipal[principalID]
	out := make([]model.SyncJob, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.jobs[id].Clone())
	}
	r.mu.RUnlock()

	slices.SortStableFunc(out, func(a, b model.SyncJob) int {
		switch {
		case a.StartedAt == nil && b.StartedAt == nil:
			return b.CreatedAt.Compare(a.CreatedAt)
		case a.StartedAt == nil:
			return 1
		case b.StartedAt == nil:
			return -1
		default:
			return b.StartedAt.Compare(*a.StartedAt)
		}
	})

	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (r *JobRegistry) update(id string, fn func(*model.SyncJob) error) (model.SyncJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return model.SyncJob{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err := fn(j); err != nil {
		return j.Clone(), err
	}
	return j.Clone(), nil
}

// pruneLocked は保持数を超えた古い終了済みジョブを削除する。
// 実行中・未開始のジョブは削除しない。
func (r *JobRegistry) pruneLocked(principalID string) {
	ids := r.byPrincipal[principalID]
	excess := len(ids) - r.retain
	if excess <= 0 {
		return
	}
	kept := ids[:0]
	for _, id := range ids {
		if excess > 0 && r.jobs[id].Status.IsTerminal() {
			delete(r.jobs, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	r.byPrincipal[principalID] = kept
}
