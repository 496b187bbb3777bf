package syncer

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/canvassync/internal/canvas"
	"github.com/hitoshi/canvassync/internal/model"
	"github.com/hitoshi/canvassync/internal/security"
)

// --- モック ---

type mockRemote struct {
	listCoursesFn     func(ctx context.Context, fresh bool) ([]canvas.Entry[canvas.Course], error)
	listAssignmentsFn func(ctx context.Context, courseID int64) ([]canvas.Entry[canvas.Assignment], error)
	listSubmissionsFn func(ctx context.Context, courseID, assignmentID int64) ([]canvas.Entry[canvas.Submission], error)
}

func (m *mockRemote) ListCourses(ctx context.Context, fresh bool) ([]canvas.Entry[canvas.Course], error) {
	if m.listCoursesFn != nil {
		return m.listCoursesFn(ctx, fresh)
	}
	return nil, nil
}

func (m *mockRemote) ListAssignments(ctx context.Context, courseID int64) ([]canvas.Entry[canvas.Assignment], error) {
	if m.listAssignmentsFn != nil {
		return m.listAssignmentsFn(ctx, courseID)
	}
	return nil, nil
}

func (m *mockRemote) ListSubmissions(ctx context.Context, courseID, assignmentID int64) ([]canvas.Entry[canvas.Submission], error) {
	if m.listSubmissionsFn != nil {
		return m.listSubmissionsFn(ctx, courseID, assignmentID)
	}
	return nil, nil
}

type memStorage struct {
	mu               sync.Mutex
	courses          map[string]*model.Course
	principalCourses map[string]map[string]bool
	assignments      map[string]*model.Assignment
	submissions      map[string]*model.Submission

	upsertAssignmentErr error
}

func newMemStorage() *memStorage {
	return &memStorage{
		courses:          make(map[string]*model.Course),
		principalCourses: make(map[string]map[string]bool),
		assignments:      make(map[string]*model.Assignment),
		submissions:      make(map[string]*model.Submission),
	}
}

func (s *memStorage) UpsertCourse(ctx context.Context, principalID string, c *model.Course) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.courses[c.ID] = c
	if s.principalCourses[principalID] == nil {
		s.principalCourses[principalID] = make(map[string]bool)
	}
	s.principalCourses[principalID][c.ID] = true
	return nil
}

func (s *memStorage) UpsertAssignment(ctx context.Context, a *model.Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upsertAssignmentErr != nil {
		return s.upsertAssignmentErr
	}
	s.assignments[a.ID] = a
	return nil
}

func (s *memStorage) UpsertSubmission(ctx context.Context, sub *model.Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submissions[sub.ID] = sub
	return nil
}

func (s *memStorage) GetCoursesForPrincipal(ctx context.Context, principalID string) ([]*model.Course, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Course
	for id := range s.principalCourses[principalID] {
		out = append(out, s.courses[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CanvasCourseID < out[j].CanvasCourseID })
	return out, nil
}

type mockCreds struct {
	mu        sync.Mutex
	invalid   map[string]bool
	refreshed []string
}

func (m *mockCreds) IsValid(ctx context.Context, principalID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.invalid[principalID], nil
}

func (m *mockCreds) Refresh(ctx context.Context, principalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshed = append(m.refreshed, principalID)
	return nil
}

func (m *mockCreds) refreshedIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.refreshed...)
}

type mockJobRecorder struct {
	mu       sync.Mutex
	statuses []model.SyncStatus
}

func (m *mockJobRecorder) Save(ctx context.Context, job *model.SyncJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, job.Status)
	return nil
}

// --- ヘルパー ---

func ptr[T any](v T) *T { return &v }

func courseEntries(ids ...int64) []canvas.Entry[canvas.Course] {
	out := make([]canvas.Entry[canvas.Course], 0, len(ids))
	for _, id := range ids {
		out = append(out, canvas.Entry[canvas.Course]{Value: canvas.Course{
			ID:            id,
			Name:          "コース",
			CourseCode:    "C",
			WorkflowState: "available",
		}})
	}
	return out
}

func assignmentEntries(ids ...int64) []canvas.Entry[canvas.Assignment] {
	out := make([]canvas.Entry[canvas.Assignment], 0, len(ids))
	for _, id := range ids {
		out = append(out, canvas.Entry[canvas.Assignment]{Value: canvas.Assignment{
			ID:            id,
			Name:          "課題",
			DueAt:         ptr("2026-01-15T23:59:00Z"),
			WorkflowState: "published",
		}})
	}
	return out
}

// newU1Remote は2コース(課題2件と3件)を持つプリンシパルを模したAPIを返す。
func newU1Remote() *mockRemote {
	return &mockRemote{
		listCoursesFn: func(ctx context.Context, fresh bool) ([]canvas.Entry[canvas.Course], error) {
			return courseEntries(101, 102), nil
		},
		listAssignmentsFn: func(ctx context.Context, courseID int64) ([]canvas.Entry[canvas.Assignment], error) {
			switch courseID {
			case 101:
				return assignmentEntries(1, 2), nil
			case 102:
				return assignmentEntries(3, 4, 5), nil
			}
			return nil, nil
		},
	}
}

type testEnv struct {
	orch    *Orchestrator
	storage *memStorage
	creds   *mockCreds
	remote  *mockRemote
}

func newTestEnv(t *testing.T, remote *mockRemote, cfg Config, opts ...Option) *testEnv {
	t.Helper()
	storage := newMemStorage()
	creds := &mockCreds{invalid: map[string]bool{}}
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	orch := NewOrchestrator(
		func(string) RemoteAPI { return remote },
		storage, creds, security.NewHTMLSanitizer(), logger, cfg, opts...,
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		orch.Shutdown(ctx)
	})
	return &testEnv{orch: orch, storage: storage, creds: creds, remote: remote}
}

func mustJob(t *testing.T, o *Orchestrator, id string) model.SyncJob {
	t.Helper()
	job, ok := o.GetJobStatus(id)
	if !ok {
		t.Fatalf("ジョブ %s が見つからない", id)
	}
	return job
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("条件が時間内に満たされなかった")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// --- SyncCourses ---

func TestSyncCourses_StoresCoursesAndCompletes(t *testing.T) {
	env := newTestEnv(t, newU1Remote(), Config{})

	jobID, err := env.orch.SyncCourses(context.Background(), "u1", false)
	if err != nil {
		t.Fatalf("SyncCourses がエラーを返した: %v", err)
	}
	if !strings.HasPrefix(jobID, "sync_") {
		t.Errorf("jobID = %q, want sync_ prefix", jobID)
	}

	job := mustJob(t, env.orch, jobID)
	if job.Status != model.SyncStatusCompleted {
		t.Errorf("Status = %q, want completed", job.Status)
	}
	if job.ItemsProcessed != 2 || job.ItemsTotal != 2 {
		t.Errorf("進捗 = %d/%d, want 2/2", job.ItemsProcessed, job.ItemsTotal)
	}
	if job.StartedAt == nil || job.CompletedAt == nil {
		t.Error("StartedAt / CompletedAt が設定されていない")
	}
	if _, ok := env.storage.courses["course_101"]; !ok {
		t.Error("course_101 が保存されていない")
	}
	if env.orch.IsRunning("u1") {
		t.Error("終了後も実行中として扱われている")
	}
}

func TestSyncCourses_PassesForceRefreshToClient(t *testing.T) {
	var got []bool
	remote := &mockRemote{
		listCoursesFn: func(ctx context.Context, fresh bool) ([]canvas.Entry[canvas.Course], error) {
			got = append(got, fresh)
			return nil, nil
		},
	}
	env := newTestEnv(t, remote, Config{})

	env.orch.SyncCourses(context.Background(), "u1", false)
	env.orch.SyncCourses(context.Background(), "u1", true)

	if len(got) != 2 || got[0] || !got[1] {
		t.Errorf("fresh = %v, want [false true]", got)
	}
}

func TestSyncCourses_IsIdempotent(t *testing.T) {
	env := newTestEnv(t, newU1Remote(), Config{})

	for range 2 {
		if _, err := env.orch.SyncFull(context.Background(), "u1"); err != nil {
			t.Fatalf("SyncFull がエラーを返した: %v", err)
		}
	}
	if len(env.storage.courses) != 2 {
		t.Errorf("コース数 = %d, want 2", len(env.storage.courses))
	}
	if len(env.storage.assignments) != 5 {
		t.Errorf("課題数 = %d, want 5", len(env.storage.assignments))
	}
}

func TestSyncCourses_RemoteFailureFailsJob(t *testing.T) {
	remote := &mockRemote{
		listCoursesFn: func(ctx context.Context, fresh bool) ([]canvas.Entry[canvas.Course], error) {
			return nil, &canvas.APIError{Kind: canvas.KindServerError, StatusCode: 502}
		},
	}
	env := newTestEnv(t, remote, Config{})

	jobID, err := env.orch.SyncCourses(context.Background(), "u1", false)
	var syncErr *SyncError
	if !errors.As(err, &syncErr) {
		t.Fatalf("error = %v, want *SyncError", err)
	}
	if syncErr.JobID != jobID {
		t.Errorf("SyncError.JobID = %q, want %q", syncErr.JobID, jobID)
	}
	if !errors.Is(err, canvas.ErrServerError) {
		t.Errorf("error = %v, want ErrServerError を含む", err)
	}

	job := mustJob(t, env.orch, jobID)
	if job.Status != model.SyncStatusFailed || job.ErrorMessage == "" {
		t.Errorf("job = %+v, want failed with message", job)
	}
	if len(env.creds.refreshedIDs()) != 0 {
		t.Error("401以外で資格情報が更新された")
	}
}

func TestSyncCourses_UnauthorizedRefreshesCredentials(t *testing.T) {
	remote := &mockRemote{
		listCoursesFn: func(ctx context.Context, fresh bool) ([]canvas.Entry[canvas.Course], error) {
			return nil, &canvas.APIError{Kind: canvas.KindUnauthorized, StatusCode: 401}
		},
	}
	env := newTestEnv(t, remote, Config{})

	_, err := env.orch.SyncCourses(context.Background(), "u1", false)
	if !errors.Is(err, canvas.ErrUnauthorized) {
		t.Fatalf("error = %v, want ErrUnauthorized", err)
	}
	if got := env.creds.refreshedIDs(); len(got) != 1 || got[0] != "u1" {
		t.Errorf("refreshed = %v, want [u1]", got)
	}
}

func TestSyncAssignments_UnauthorizedDoesNotRefresh(t *testing.T) {
	remote := &mockRemote{
		listAssignmentsFn: func(ctx context.Context, courseID int64) ([]canvas.Entry[canvas.Assignment], error) {
			return nil, &canvas.APIError{Kind: canvas.KindUnauthorized, StatusCode: 401}
		},
	}
	env := newTestEnv(t, remote, Config{})

	if _, err := env.orch.SyncAssignments(context.Background(), "u1", 101); err == nil {
		t.Fatal("エラーにならなかった")
	}
	if len(env.creds.refreshedIDs()) != 0 {
		t.Error("コース配下の401で資格情報が更新された")
	}
}

func TestSync_InvalidCredentialFailsJob(t *testing.T) {
	called := false
	remote := &mockRemote{
		listCoursesFn: func(ctx context.Context, fresh bool) ([]canvas.Entry[canvas.Course], error) {
			called = true
			return nil, nil
		},
	}
	env := newTestEnv(t, remote, Config{})
	env.creds.invalid["u1"] = true

	jobID, err := env.orch.SyncCourses(context.Background(), "u1", false)
	if !errors.Is(err, ErrNoValidCredential) {
		t.Fatalf("error = %v, want ErrNoValidCredential", err)
	}
	if called {
		t.Error("無効な資格情報でAPIが呼ばれた")
	}
	if job := mustJob(t, env.orch, jobID); job.Status != model.SyncStatusFailed {
		t.Errorf("Status = %q, want failed", job.Status)
	}
}

// --- SyncAssignments / SyncSubmissions ---

func TestSyncAssignments_SkipsBadItems(t *testing.T) {
	remote := &mockRemote{
		listAssignmentsFn: func(ctx context.Context, courseID int64) ([]canvas.Entry[canvas.Assignment], error) {
			entries := assignmentEntries(1, 2, 3, 4)
			bad := canvas.Entry[canvas.Assignment]{Err: errors.New("decode failed")}
			return append(entries[:2], append([]canvas.Entry[canvas.Assignment]{bad}, entries[2:]...)...), nil
		},
	}
	env := newTestEnv(t, remote, Config{})

	jobID, err := env.orch.SyncAssignments(context.Background(), "u1", 101)
	if err != nil {
		t.Fatalf("SyncAssignments がエラーを返した: %v", err)
	}

	job := mustJob(t, env.orch, jobID)
	if job.Status != model.SyncStatusCompleted {
		t.Errorf("Status = %q, want completed", job.Status)
	}
	if job.ItemsProcessed != 4 || job.ItemsTotal != 5 {
		t.Errorf("進捗 = %d/%d, want 4/5", job.ItemsProcessed, job.ItemsTotal)
	}
	if job.Attributes[AttrItemsFailed] != "1" {
		t.Errorf("items_failed = %q, want 1", job.Attributes[AttrItemsFailed])
	}
	if job.Attributes[AttrCanvasCourseID] != "101" {
		t.Errorf("canvas_course_id = %q, want 101", job.Attributes[AttrCanvasCourseID])
	}

	a := env.storage.assignments["assign_1"]
	if a == nil {
		t.Fatal("assign_1 が保存されていない")
	}
	if a.CourseID != "course_101" || a.Status != model.AssignmentStatusPublished {
		t.Errorf("assignment = %+v", a)
	}
	if a.DueAt == nil || !a.DueAt.Equal(time.Date(2026, 1, 15, 23, 59, 0, 0, time.UTC)) {
		t.Errorf("DueAt = %v", a.DueAt)
	}
}

func TestSyncAssignments_CountsDueSoonAndOverdue(t *testing.T) {
	due := func(id int64, at *string) canvas.Entry[canvas.Assignment] {
		return canvas.Entry[canvas.Assignment]{Value: canvas.Assignment{ID: id, Name: "課題", DueAt: at}}
	}
	remote := &mockRemote{
		listAssignmentsFn: func(ctx context.Context, courseID int64) ([]canvas.Entry[canvas.Assignment], error) {
			return []canvas.Entry[canvas.Assignment]{
				due(1, ptr("2026-01-14T12:00:00Z")), // 超過
				due(2, ptr("2026-01-15T18:00:00Z")), // 6時間後
				due(3, ptr("2026-01-16T11:00:00Z")), // 23時間後
				due(4, ptr("2026-01-20T00:00:00Z")),
				due(5, nil),
			}, nil
		},
	}
	env := newTestEnv(t, remote, Config{})
	env.orch.now = func() time.Time { return time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC) }

	jobID, err := env.orch.SyncAssignments(context.Background(), "u1", 101)
	if err != nil {
		t.Fatalf("SyncAssignments がエラーを返した: %v", err)
	}

	job := mustJob(t, env.orch, jobID)
	if job.Attributes[AttrAssignmentsDueSoon] != "2" {
		t.Errorf("assignments_due_soon = %q, want 2", job.Attributes[AttrAssignmentsDueSoon])
	}
	if job.Attributes[AttrAssignmentsOverdue] != "1" {
		t.Errorf("assignments_overdue = %q, want 1", job.Attributes[AttrAssignmentsOverdue])
	}
}

func TestSyncAssignments_StorageFailureSkipsItem(t *testing.T) {
	remote := &mockRemote{
		listAssignmentsFn: func(ctx context.Context, courseID int64) ([]canvas.Entry[canvas.Assignment], error) {
			return assignmentEntries(1, 2), nil
		},
	}
	env := newTestEnv(t, remote, Config{})
	env.storage.upsertAssignmentErr = errors.New("db down")

	jobID, err := env.orch.SyncAssignments(context.Background(), "u1", 101)
	if err != nil {
		t.Fatalf("SyncAssignments がエラーを返した: %v", err)
	}
	job := mustJob(t, env.orch, jobID)
	if job.ItemsProcessed != 0 || job.ItemsTotal != 2 {
		t.Errorf("進捗 = %d/%d, want 0/2", job.ItemsProcessed, job.ItemsTotal)
	}
}

func TestSyncSubmissions_StoresSanitizedSubmissions(t *testing.T) {
	remote := &mockRemote{
		listSubmissionsFn: func(ctx context.Context, courseID, assignmentID int64) ([]canvas.Entry[canvas.Submission], error) {
			if courseID != 101 || assignmentID != 7 {
				t.Errorf("引数 = %d, %d, want 101, 7", courseID, assignmentID)
			}
			return []canvas.Entry[canvas.Submission]{{Value: canvas.Submission{
				ID:            900,
				UserID:        42,
				SubmittedAt:   ptr("2026-01-10T10:00:00Z"),
				Score:         ptr(9.5),
				Grade:         ptr("A"),
				WorkflowState: "graded",
				Body:          ptr(`<p>答え</p><script>alert(1)</script>`),
				Attachments:   []canvas.Attachment{{ID: 1, DisplayName: "report.pdf"}},
			}}}, nil
		},
	}
	env := newTestEnv(t, remote, Config{})

	jobID, err := env.orch.SyncSubmissions(context.Background(), "u1", 101, 7)
	if err != nil {
		t.Fatalf("SyncSubmissions がエラーを返した: %v", err)
	}
	if job := mustJob(t, env.orch, jobID); job.Kind != model.SyncKindSubmissions || job.ItemsProcessed != 1 {
		t.Errorf("job = %+v", job)
	}

	sub := env.storage.submissions["sub_900"]
	if sub == nil {
		t.Fatal("sub_900 が保存されていない")
	}
	if sub.AssignmentID != "assign_7" || sub.Grade != "A" {
		t.Errorf("submission = %+v", sub)
	}
	if strings.Contains(sub.Body, "script") {
		t.Errorf("Body がサニタイズされていない: %q", sub.Body)
	}
	if len(sub.Attachments) != 1 || sub.Attachments[0] != "report.pdf" {
		t.Errorf("Attachments = %v", sub.Attachments)
	}
	if sub.DerivedStatus() != model.SubmissionStatusGraded {
		t.Errorf("DerivedStatus = %q, want graded", sub.DerivedStatus())
	}
}

// --- SyncFull ---

func TestSyncFull_SyncsCoursesThenAssignments(t *testing.T) {
	env := newTestEnv(t, newU1Remote(), Config{})
	env.orch.now = func() time.Time { return time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC) }

	jobID, err := env.orch.SyncFull(context.Background(), "u1")
	if err != nil {
		t.Fatalf("SyncFull がエラーを返した: %v", err)
	}

	job := mustJob(t, env.orch, jobID)
	if job.Kind != model.SyncKindFull || job.Status != model.SyncStatusCompleted {
		t.Errorf("job = %+v", job)
	}
	if job.ItemsProcessed != 2 || job.ItemsTotal != 2 {
		t.Errorf("コース進捗 = %d/%d, want 2/2", job.ItemsProcessed, job.ItemsTotal)
	}
	if job.Attributes[AttrAssignmentsProcessed] != "5" || job.Attributes[AttrAssignmentsTotal] != "5" {
		t.Errorf("attributes = %v", job.Attributes)
	}
	if job.Attributes[AttrAssignmentsDueSoon] != "5" || job.Attributes[AttrAssignmentsOverdue] != "0" {
		t.Errorf("締め切り集計 = %v", job.Attributes)
	}
	if len(env.storage.assignments) != 5 {
		t.Errorf("課題数 = %d, want 5", len(env.storage.assignments))
	}
}

func TestSyncFull_ContinuesAfterCourseFailure(t *testing.T) {
	remote := newU1Remote()
	remote.listAssignmentsFn = func(ctx context.Context, courseID int64) ([]canvas.Entry[canvas.Assignment], error) {
		if courseID == 101 {
			return nil, &canvas.APIError{Kind: canvas.KindNotFound, StatusCode: 404}
		}
		return assignmentEntries(3, 4, 5), nil
	}
	env := newTestEnv(t, remote, Config{})

	jobID, err := env.orch.SyncFull(context.Background(), "u1")
	if err != nil {
		t.Fatalf("SyncFull がエラーを返した: %v", err)
	}

	job := mustJob(t, env.orch, jobID)
	if job.Status != model.SyncStatusCompleted {
		t.Errorf("Status = %q, want completed", job.Status)
	}
	if job.Attributes[AttrFailedCourses] != "101" {
		t.Errorf("failed courses = %q, want 101", job.Attributes[AttrFailedCourses])
	}
	if job.Attributes[AttrAssignmentsProcessed] != "3" {
		t.Errorf("assignments_processed = %q, want 3", job.Attributes[AttrAssignmentsProcessed])
	}
}

// --- 排他制御 ---

func TestSync_RejectsConcurrentSyncForSamePrincipal(t *testing.T) {
	release := make(chan struct{})
	remote := &mockRemote{
		listCoursesFn: func(ctx context.Context, fresh bool) ([]canvas.Entry[canvas.Course], error) {
			<-release
			return courseEntries(101), nil
		},
	}
	env := newTestEnv(t, remote, Config{})

	done := make(chan error, 1)
	go func() {
		_, err := env.orch.SyncCourses(context.Background(), "u1", false)
		done <- err
	}()
	waitUntil(t, func() bool { return env.orch.IsRunning("u1") })

	if _, err := env.orch.SyncFull(context.Background(), "u1"); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("SyncFull error = %v, want ErrAlreadyRunning", err)
	}
	if _, err := env.orch.TriggerSync(context.Background(), "u1", model.SyncKindCourses); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("TriggerSync error = %v, want ErrAlreadyRunning", err)
	}
	if got := len(env.orch.GetHistory("u1", 10)); got != 1 {
		t.Errorf("拒否された同期でジョブが作成された: len = %d, want 1", got)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("最初の同期がエラーを返した: %v", err)
	}
	if _, err := env.orch.SyncCourses(context.Background(), "u1", false); err != nil {
		t.Errorf("終了後の同期がエラーを返した: %v", err)
	}
}

func TestSync_SimultaneousCallsCreateExactlyOneJob(t *testing.T) {
	const n = 20
	release := make(chan struct{})
	remote := &mockRemote{
		listCoursesFn: func(ctx context.Context, fresh bool) ([]canvas.Entry[canvas.Course], error) {
			<-release
			return courseEntries(101), nil
		},
	}
	env := newTestEnv(t, remote, Config{})

	start := make(chan struct{})
	results := make(chan error, n)
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := env.orch.SyncCourses(context.Background(), "u1", false)
			results <- err
		}()
	}
	close(start)

	// 実行中の1件以外はすぐに拒否される
	for range n - 1 {
		if err := <-results; !errors.Is(err, ErrAlreadyRunning) {
			t.Errorf("error = %v, want ErrAlreadyRunning", err)
		}
	}
	close(release)
	wg.Wait()
	close(results)

	for err := range results {
		if err != nil {
			t.Errorf("実行された同期がエラーを返した: %v", err)
		}
	}
	if got := len(env.orch.GetHistory("u1", n)); got != 1 {
		t.Errorf("作成されたジョブ数 = %d, want 1", got)
	}
}

func TestSync_DifferentPrincipalsRunConcurrently(t *testing.T) {
	release := make(chan struct{})
	remote := &mockRemote{
		listCoursesFn: func(ctx context.Context, fresh bool) ([]canvas.Entry[canvas.Course], error) {
			<-release
			return nil, nil
		},
	}
	env := newTestEnv(t, remote, Config{})

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, p := range []string{"u1", "u2"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.orch.SyncCourses(context.Background(), p, false)
			errs <- err
		}()
	}
	waitUntil(t, func() bool { return env.orch.IsRunning("u1") && env.orch.IsRunning("u2") })
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("同期がエラーを返した: %v", err)
		}
	}
}

// --- キャンセル / タイムアウト / パニック ---

func TestSync_CancellationFailsJob(t *testing.T) {
	started := make(chan struct{})
	remote := &mockRemote{
		listCoursesFn: func(ctx context.Context, fresh bool) ([]canvas.Entry[canvas.Course], error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	env := newTestEnv(t, remote, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		jobID string
		err   error
	}
	done := make(chan result, 1)
	go func() {
		id, err := env.orch.SyncCourses(ctx, "u1", false)
		done <- result{id, err}
	}()
	<-started
	cancel()

	res := <-done
	if !errors.Is(res.err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", res.err)
	}
	job := mustJob(t, env.orch, res.jobID)
	if job.Status != model.SyncStatusFailed {
		t.Errorf("Status = %q, want failed", job.Status)
	}
	if !strings.HasPrefix(job.ErrorMessage, "sync cancelled:") {
		t.Errorf("ErrorMessage = %q, want sync cancelled: prefix", job.ErrorMessage)
	}
	if env.orch.IsRunning("u1") {
		t.Error("キャンセル後も実行中として扱われている")
	}
}

func TestSync_JobTimeout(t *testing.T) {
	remote := &mockRemote{
		listCoursesFn: func(ctx context.Context, fresh bool) ([]canvas.Entry[canvas.Course], error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	env := newTestEnv(t, remote, Config{JobTimeout: 20 * time.Millisecond})

	jobID, err := env.orch.SyncCourses(context.Background(), "u1", false)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want DeadlineExceeded", err)
	}
	if job := mustJob(t, env.orch, jobID); !strings.Contains(job.ErrorMessage, "deadline exceeded") {
		t.Errorf("ErrorMessage = %q", job.ErrorMessage)
	}
}

func TestSync_PanicFailsJobAndReleasesPrincipal(t *testing.T) {
	remote := &mockRemote{
		listCoursesFn: func(ctx context.Context, fresh bool) ([]canvas.Entry[canvas.Course], error) {
			panic("boom")
		},
	}
	env := newTestEnv(t, remote, Config{})

	jobID, err := env.orch.SyncCourses(context.Background(), "u1", false)
	if err == nil {
		t.Fatal("パニックがエラーとして返されなかった")
	}
	job := mustJob(t, env.orch, jobID)
	if job.Status != model.SyncStatusFailed || !strings.Contains(job.ErrorMessage, "boom") {
		t.Errorf("job = %+v", job)
	}
	if env.orch.IsRunning("u1") {
		t.Error("パニック後も実行中として扱われている")
	}
}

// --- TriggerSync ---

func TestTriggerSync_RunsInBackground(t *testing.T) {
	var fresh bool
	remote := newU1Remote()
	inner := remote.listCoursesFn
	remote.listCoursesFn = func(ctx context.Context, f bool) ([]canvas.Entry[canvas.Course], error) {
		fresh = f
		return inner(ctx, f)
	}
	recorder := &mockJobRecorder{}
	env := newTestEnv(t, remote, Config{}, WithJobRecorder(recorder))

	reqCtx, cancel := context.WithCancel(context.Background())
	jobID, err := env.orch.TriggerSync(reqCtx, "u1", model.SyncKindCourses)
	cancel()
	if err != nil {
		t.Fatalf("TriggerSync がエラーを返した: %v", err)
	}
	env.orch.Wait()

	job := mustJob(t, env.orch, jobID)
	if job.Status != model.SyncStatusCompleted {
		t.Errorf("Status = %q, want completed (リクエストのキャンセルに影響されない)", job.Status)
	}
	if !fresh {
		t.Error("手動同期でキャッシュが迂回されていない")
	}

	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	want := []model.SyncStatus{model.SyncStatusPending, model.SyncStatusRunning, model.SyncStatusCompleted}
	if len(recorder.statuses) != len(want) {
		t.Fatalf("保存された状態 = %v, want %v", recorder.statuses, want)
	}
	for i := range want {
		if recorder.statuses[i] != want[i] {
			t.Errorf("statuses[%d] = %q, want %q", i, recorder.statuses[i], want[i])
		}
	}
}

func TestTriggerSync_RejectsUnsupportedKind(t *testing.T) {
	env := newTestEnv(t, &mockRemote{}, Config{})

	if _, err := env.orch.TriggerSync(context.Background(), "u1", model.SyncKindSubmissions); !errors.Is(err, ErrUnsupportedKind) {
		t.Errorf("error = %v, want ErrUnsupportedKind", err)
	}
	if env.orch.IsRunning("u1") {
		t.Error("拒否した種別で実行中になった")
	}
}

func TestShutdown_CancelsBackgroundJobs(t *testing.T) {
	remote := &mockRemote{
		listCoursesFn: func(ctx context.Context, fresh bool) ([]canvas.Entry[canvas.Course], error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	env := newTestEnv(t, remote, Config{})

	jobID, err := env.orch.TriggerSync(context.Background(), "u1", model.SyncKindFull)
	if err != nil {
		t.Fatalf("TriggerSync がエラーを返した: %v", err)
	}
	waitUntil(t, func() bool {
		job, _ := env.orch.GetJobStatus(jobID)
		return job.Status == model.SyncStatusRunning
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := env.orch.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown がエラーを返した: %v", err)
	}
	if job := mustJob(t, env.orch, jobID); !strings.HasPrefix(job.ErrorMessage, "sync cancelled:") {
		t.Errorf("ErrorMessage = %q", job.ErrorMessage)
	}
}

// --- 履歴 ---

func TestGetHistory_NewestFirstAndImmutable(t *testing.T) {
	env := newTestEnv(t, newU1Remote(), Config{})

	var ids []string
	for range 3 {
		id, err := env.orch.SyncCourses(context.Background(), "u1", false)
		if err != nil {
			t.Fatalf("SyncCourses がエラーを返した: %v", err)
		}
		ids = append(ids, id)
		time.Sleep(2 * time.Millisecond)
	}

	history := env.orch.GetHistory("u1", 2)
	if len(history) != 2 {
		t.Fatalf("len(history) = %d, want 2", len(history))
	}
	if history[0].ID != ids[2] || history[1].ID != ids[1] {
		t.Errorf("順序 = [%s %s], want [%s %s]", history[0].ID, history[1].ID, ids[2], ids[1])
	}

	history[0].Attributes["tampered"] = "yes"
	history[0].Status = model.SyncStatusPending
	again := mustJob(t, env.orch, ids[2])
	if again.Status != model.SyncStatusCompleted || again.Attributes["tampered"] != "" {
		t.Error("履歴のスナップショットを変更すると内部状態が変わった")
	}

	if got := env.orch.GetHistory("nobody", 10); len(got) != 0 {
		t.Errorf("未知のプリンシパルの履歴 = %v, want empty", got)
	}
}
