package syncer

import (
	"errors"
	"testing"
	"time"

	"github.com/hitoshi/canvassync/internal/model"
)

func newClockedRegistry(retain int) (*JobRegistry, *time.Time) {
	r := NewJobRegistry(retain)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time {
		now = now.Add(time.Second)
		return now
	}
	return r, &now
}

func TestJobRegistry_Lifecycle(t *testing.T) {
	r, _ := newClockedRegistry(0)

	job := r.Create("u1", model.SyncKindCourses, map[string]string{"k": "v"})
	if job.Status != model.SyncStatusPending || job.StartedAt != nil {
		t.Fatalf("作成直後のジョブ = %+v", job)
	}

	if _, err := r.Start(job.ID); err != nil {
		t.Fatalf("Start がエラーを返した: %v", err)
	}
	if _, err := r.Progress(job.ID, 1, 3); err != nil {
		t.Fatalf("Progress がエラーを返した: %v", err)
	}
	done, err := r.Complete(job.ID)
	if err != nil {
		t.Fatalf("Complete がエラーを返した: %v", err)
	}
	if done.Status != model.SyncStatusCompleted || done.CompletedAt == nil {
		t.Errorf("完了後のジョブ = %+v", done)
	}
	if !done.CompletedAt.After(*done.StartedAt) {
		t.Error("CompletedAt が StartedAt より後になっていない")
	}
}

func TestJobRegistry_RejectsInvalidTransitions(t *testing.T) {
	r, _ := newClockedRegistry(0)
	job := r.Create("u1", model.SyncKindCourses, nil)

	if _, err := r.Complete(job.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("pending → completed: error = %v, want ErrInvalidTransition", err)
	}
	if _, err := r.Progress(job.ID, 1, 1); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("pending の進捗更新: error = %v, want ErrInvalidTransition", err)
	}

	r.Start(job.ID)
	r.Fail(job.ID, "")
	if _, err := r.Start(job.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("failed → running: error = %v, want ErrInvalidTransition", err)
	}
	if _, err := r.Complete(job.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("failed → completed: error = %v, want ErrInvalidTransition", err)
	}

	got, _ := r.Get(job.ID)
	if got.Status != model.SyncStatusFailed || got.ErrorMessage != "unknown error" {
		t.Errorf("ジョブ = %+v, want failed / unknown error", got)
	}

	if _, err := r.Start("missing"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("error = %v, want ErrJobNotFound", err)
	}
}

func TestJobRegistry_ProgressNeverDecreases(t *testing.T) {
	r, _ := newClockedRegistry(0)
	job := r.Create("u1", model.SyncKindAssignments, nil)
	r.Start(job.ID)

	r.Progress(job.ID, 3, 5)
	got, _ := r.Progress(job.ID, 1, 5)
	if got.ItemsProcessed != 3 {
		t.Errorf("ItemsProcessed = %d, want 3", got.ItemsProcessed)
	}
	got, _ = r.Progress(job.ID, 4, 2)
	if got.ItemsTotal < got.ItemsProcessed {
		t.Errorf("ItemsTotal %d < ItemsProcessed %d", got.ItemsTotal, got.ItemsProcessed)
	}
}

func TestJobRegistry_HistoryOrdersPendingLast(t *testing.T) {
	r, _ := newClockedRegistry(0)

	first := r.Create("u1", model.SyncKindCourses, nil)
	r.Start(first.ID)
	r.Complete(first.ID)

	pending := r.Create("u1", model.SyncKindCourses, nil)

	second := r.Create("u1", model.SyncKindFull, nil)
	r.Start(second.ID)

	history := r.History("u1", 0)
	if len(history) != 3 {
		t.Fatalf("len(history) = %d, want 3", len(history))
	}
	want := []string{second.ID, first.ID, pending.ID}
	for i, id := range want {
		if history[i].ID != id {
			t.Errorf("history[%d] = %s, want %s", i, history[i].ID, id)
		}
	}
}

func TestJobRegistry_PrunesOnlyTerminalJobs(t *testing.T) {
	r, _ := newClockedRegistry(2)

	running := r.Create("u1", model.SyncKindCourses, nil)
	r.Start(running.ID)

	var finished []string
	for range 3 {
		j := r.Create("u1", model.SyncKindCourses, nil)
		r.Start(j.ID)
		r.Complete(j.ID)
		finished = append(finished, j.ID)
	}

	if _, ok := r.Get(running.ID); !ok {
		t.Error("実行中のジョブが削除された")
	}
	if _, ok := r.Get(finished[0]); ok {
		t.Error("最も古い終了済みジョブが削除されていない")
	}
	if _, ok := r.Get(finished[2]); !ok {
		t.Error("最新のジョブが削除された")
	}
}

func TestJobRegistry_AttributesOnlyWhileRunning(t *testing.T) {
	r, _ := newClockedRegistry(0)
	job := r.Create("u1", model.SyncKindFull, nil)
	r.Start(job.ID)

	got, err := r.SetAttributes(job.ID, map[string]string{"a": "1"})
	if err != nil || got.Attributes["a"] != "1" {
		t.Errorf("SetAttributes = %v, %v", got.Attributes, err)
	}

	r.Complete(job.ID)
	if _, err := r.SetAttributes(job.ID, map[string]string{"a": "2"}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("error = %v, want ErrInvalidTransition", err)
	}
}
