package model

import (
	"maps"
	"time"
)

// SyncKind は同期ジョブの種類を表す。
type SyncKind string

const (
	SyncKindCourses     SyncKind = "courses"
	SyncKindAssignments SyncKind = "assignments"
	SyncKindSubmissions SyncKind = "submissions"
	SyncKindFull        SyncKind = "full"
)

// ParseSyncKind は文字列を SyncKind に変換する。未知の値は false を返す。
func ParseSyncKind(s string) (SyncKind, bool) {
	switch SyncKind(s) {
	case SyncKindCourses, SyncKindAssignments, SyncKindSubmissions, SyncKindFull:
		return SyncKind(s), true
	default:
		return "", false
	}
}

// SyncStatus は同期ジョブの状態を表す。
// pending → running → completed|failed の順にのみ遷移する。
type SyncStatus string

const (
	SyncStatusPending   SyncStatus = "pending"
	SyncStatusRunning   SyncStatus = "running"
	SyncStatusCompleted SyncStatus = "completed"
	SyncStatusFailed    SyncStatus = "failed"
)

// IsTerminal は完了または失敗の終端状態かどうかを返す。
func (s SyncStatus) IsTerminal() bool {
	return s == SyncStatusCompleted || s == SyncStatusFailed
}

// SyncJob は1回の同期処理の記録を表す。
type SyncJob struct {
	ID             string
	PrincipalID    string
	Kind           SyncKind
	Status         SyncStatus
	StartedAt      *time.Time
	CompletedAt    *time.Time
	ItemsProcessed int
	ItemsTotal     int
	ErrorMessage   string
	Attributes     map[string]string
	CreatedAt      time.Time
}

// Clone はポインタとマップを含めて深いコピーを返す。
// ジョブのスナップショットを呼び出し元に渡すときに使う。
func (j *SyncJob) Clone() SyncJob {
	c := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	c.Attributes = maps.Clone(j.Attributes)
	if c.Attributes == nil {
		c.Attributes = map[string]string{}
	}
	return c
}
