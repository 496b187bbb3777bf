// Package syncer はCanvasのコース・課題・提出物をローカルのミラーに同期する。
// プリンシパルごとに同時に1つのジョブだけを実行し、各ジョブの進捗を記録する。
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hitoshi/canvassync/internal/canvas"
	"github.com/hitoshi/canvassync/internal/model"
	"github.com/hitoshi/canvassync/internal/repository"
	"github.com/hitoshi/canvassync/internal/security"
)

const tracerName = "github.com/hitoshi/canvassync/internal/syncer"

// 完全同期ジョブの課題フェーズの集計を保持する属性キー。
const (
	AttrAssignmentsProcessed = "assignments_processed"
	AttrAssignmentsTotal     = "assignments_total"
	AttrCoursesVisited       = "courses_visited"
	AttrFailedCourses        = "assignment_failed_courses"
	AttrCanvasCourseID       = "canvas_course_id"
	AttrCanvasAssignmentID   = "canvas_assignment_id"
	AttrItemsFailed          = "items_failed"
	AttrAssignmentsDueSoon   = "assignments_due_soon"
	AttrAssignmentsOverdue   = "assignments_overdue"
)

// DefaultDueSoonWindow は締め切りが近いとみなす既定の期間。
const DefaultDueSoonWindow = 24 * time.Hour

// RemoteAPI はプリンシパル1人分のCanvas APIの読み取り操作。
type RemoteAPI interface {
	ListCourses(ctx context.Context, fresh bool) ([]canvas.Entry[canvas.Course], error)
	ListAssignments(ctx context.Context, courseID int64) ([]canvas.Entry[canvas.Assignment], error)
	ListSubmissions(ctx context.Context, courseID, assignmentID int64) ([]canvas.Entry[canvas.Submission], error)
}

// ClientProvider はプリンシパルIDに対応する RemoteAPI を返す。
type ClientProvider func(principalID string) RemoteAPI

// CredentialProvider はプリンシパルの資格情報の状態を扱う。
type CredentialProvider interface {
	IsValid(ctx context.Context, principalID string) (bool, error)
	Refresh(ctx context.Context, principalID string) error
}

// JobRecorder はジョブの状態遷移を永続化する。
type JobRecorder interface {
	Save(ctx context.Context, job *model.SyncJob) error
}

// MetricsRecorder は同期処理のメトリクスを記録する。
type MetricsRecorder interface {
	RecordSyncJob(kind, status string, d time.Duration)
	RecordItemsSynced(kind string, processed, failed int)
	RecordSyncRejected(kind string)
}

type nopMetrics struct{}

func (nopMetrics) RecordSyncJob(string, string, time.Duration) {}
func (nopMetrics) RecordItemsSynced(string, int, int)          {}
func (nopMetrics) RecordSyncRejected(string)                   {}

type nopJobRecorder struct{}

func (nopJobRecorder) Save(context.Context, *model.SyncJob) error { return nil }

// Config は Orchestrator の設定。
type Config struct {
	// JobTimeout は1ジョブの最大実行時間。0以下なら無制限。
	JobTimeout time.Duration
	// RetainedJobsPerPrincipal はメモリ上に保持する終了済みジョブ数。
	RetainedJobsPerPrincipal int
	// DueSoonWindow は締め切り間近として数える期間。0以下なら DefaultDueSoonWindow。
	DueSoonWindow time.Duration
}

// Option は Orchestrator の任意設定。
type Option func(*Orchestrator)

// WithJobRecorder はジョブ記録の永続化先を設定する。
func WithJobRecorder(r JobRecorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithMetrics はメトリクスの記録先を設定する。
func WithMetrics(m MetricsRecorder) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// Orchestrator は同期ジョブを実行・管理する。
type Orchestrator struct {
	clients   ClientProvider
	storage   repository.MirrorRepository
	creds     CredentialProvider
	sanitizer security.HTMLSanitizer
	logger    *slog.Logger
	recorder  JobRecorder
	metrics   MetricsRecorder
	tracer    trace.Tracer
	cfg       Config
	now       func() time.Time

	jobs    *JobRegistry
	running *runningSet

	// バックグラウンドジョブの寿命を管理する。
	bgCtx    context.Context
	bgCancel context.CancelFunc
	wg       sync.WaitGroup
}

// NewOrchestrator は Orchestrator の新しいインスタンスを生成する。
func NewOrchestrator(
	clients ClientProvider,
	storage repository.MirrorRepository,
	creds CredentialProvider,
	sanitizer security.HTMLSanitizer,
	logger *slog.Logger,
	cfg Config,
	opts ...Option,
) *Orchestrator {
	bgCtx, bgCancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		clients:   clients,
		storage:   storage,
		creds:     creds,
		sanitizer: sanitizer,
		logger:    logger,
		recorder:  nopJobRecorder{},
		metrics:   nopMetrics{},
		tracer:    otel.Tracer(tracerName),
		cfg:       cfg,
		now:       time.Now,
		jobs:      NewJobRegistry(cfg.RetainedJobsPerPrincipal),
		running:   newRunningSet(),
		bgCtx:     bgCtx,
		bgCancel:  bgCancel,
	}
	if o.cfg.DueSoonWindow <= 0 {
		o.cfg.DueSoonWindow = DefaultDueSoonWindow
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SyncCourses はプリンシパルの受講コースを同期し、ジョブIDを返す。
// forceRefresh はAPIキャッシュのみを迂回する。
func (o *Orchestrator) SyncCourses(ctx context.Context, principalID string, forceRefresh bool) (string, error) {
	return o.runExclusive(ctx, principalID, model.SyncKindCourses, nil, o.coursesBody(forceRefresh))
}

// SyncAssignments は1コースの課題を同期する。courseID はCanvasのコースID。
func (o *Orchestrator) SyncAssignments(ctx context.Context, principalID string, courseID int64) (string, error) {
	attrs := map[string]string{AttrCanvasCourseID: strconv.FormatInt(courseID, 10)}
	return o.runExclusive(ctx, principalID, model.SyncKindAssignments, attrs,
		func(ctx context.Context, run *jobRun) error {
			res, err := o.assignmentsPhase(ctx, run.api, principalID, courseID, run.progress)
			run.noteFailures(res)
			run.annotate(deadlineAttrs(res.dueSoon, res.overdue))
			return err
		})
}

// SyncSubmissions は1課題の提出物を同期する。
func (o *Orchestrator) SyncSubmissions(ctx context.Context, principalID string, courseID, assignmentID int64) (string, error) {
	attrs := map[string]string{
		AttrCanvasCourseID:     strconv.FormatInt(courseID, 10),
		AttrCanvasAssignmentID: strconv.FormatInt(assignmentID, 10),
	}
	return o.runExclusive(ctx, principalID, model.SyncKindSubmissions, attrs,
		func(ctx context.Context, run *jobRun) error {
			res, err := o.submissionsPhase(ctx, run.api, courseID, assignmentID, run.progress)
			run.noteFailures(res)
			return err
		})
}

// SyncFull はコースを同期したあと、保存済みの全コースの課題を同期する。
// 1コースの課題取得の失敗はジョブを失敗させず、属性に記録して次のコースへ進む。
func (o *Orchestrator) SyncFull(ctx context.Context, principalID string) (string, error) {
	return o.runExclusive(ctx, principalID, model.SyncKindFull, nil, o.fullBody)
}

// TriggerSync はバックグラウンドで同期を開始し、すぐにジョブIDを返す。
// 受け付けるのは courses(キャッシュ迂回) と full のみ。
// ジョブは呼び出し元のコンテキストではなく Shutdown で終了する。
func (o *Orchestrator) TriggerSync(ctx context.Context, principalID string, kind model.SyncKind) (string, error) {
	var body jobBody
	switch kind {
	case model.SyncKindCourses:
		body = o.coursesBody(true)
	case model.SyncKindFull:
		body = o.fullBody
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedKind, kind)
	}

	job, err := o.begin(ctx, principalID, kind, nil)
	if err != nil {
		return "", err
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.running.Release(principalID)
		_ = o.execute(o.bgCtx, job, body)
	}()

	return job.ID, nil
}

// GetJobStatus はジョブのスナップショットを返す。
func (o *Orchestrator) GetJobStatus(jobID string) (model.SyncJob, bool) {
	return o.jobs.Get(jobID)
}

// GetHistory はプリンシパルのジョブを新しい順に最大 limit 件返す。
func (o *Orchestrator) GetHistory(principalID string, limit int) []model.SyncJob {
	return o.jobs.History(principalID, limit)
}

// IsRunning はプリンシパルの同期が実行中かどうかを返す。
func (o *Orchestrator) IsRunning(principalID string) bool {
	return o.running.Contains(principalID)
}

// Wait はバックグラウンドジョブがすべて終了するまで待つ。
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Shutdown はバックグラウンドジョブをキャンセルし、終了を待つ。
// ctx が先に終了した場合はそのエラーを返す。
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.bgCancel()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// --- ジョブ実行 ---

type jobBody func(ctx context.Context, run *jobRun) error

// jobRun は実行中の1ジョブへの更新操作をまとめる。
type jobRun struct {
	o           *Orchestrator
	jobID       string
	principalID string
	api         RemoteAPI
}

func (r *jobRun) progress(processed, total int) {
	if _, err := r.o.jobs.Progress(r.jobID, processed, total); err != nil {
		r.o.logger.Debug("ジョブ進捗の更新をスキップしました",
			slog.String("job_id", r.jobID),
			slog.String("error", err.Error()),
		)
	}
}

func (r *jobRun) annotate(attrs map[string]string) {
	if _, err := r.o.jobs.SetAttributes(r.jobID, attrs); err != nil {
		r.o.logger.Debug("ジョブ属性の更新をスキップしました",
			slog.String("job_id", r.jobID),
			slog.String("error", err.Error()),
		)
	}
}

// deadlineAttrs は締め切り間近・締め切り超過の課題数を属性にする。
func deadlineAttrs(dueSoon, overdue int) map[string]string {
	return map[string]string{
		AttrAssignmentsDueSoon: strconv.Itoa(dueSoon),
		AttrAssignmentsOverdue: strconv.Itoa(overdue),
	}
}

func (r *jobRun) noteFailures(res phaseResult) {
	if res.failed > 0 {
		r.annotate(map[string]string{AttrItemsFailed: strconv.Itoa(res.failed)})
	}
}

func (o *Orchestrator) runExclusive(ctx context.Context, principalID string, kind model.SyncKind, attrs map[string]string, body jobBody) (string, error) {
	job, err := o.begin(ctx, principalID, kind, attrs)
	if err != nil {
		return "", err
	}
	defer o.running.Release(principalID)
	return job.ID, o.execute(ctx, job, body)
}

// begin は実行中集合への登録とジョブ作成を行う。
// 登録できなかった場合はジョブを作らない。
func (o *Orchestrator) begin(ctx context.Context, principalID string, kind model.SyncKind, attrs map[string]string) (model.SyncJob, error) {
	if !o.running.TryAcquire(principalID) {
		o.metrics.RecordSyncRejected(string(kind))
		o.logger.Info("同期が実行中のため新しいジョブを拒否しました",
			slog.String("principal_id", principalID),
			slog.String("kind", string(kind)),
		)
		return model.SyncJob{}, fmt.Errorf("%w: %s", ErrAlreadyRunning, principalID)
	}
	job := o.jobs.Create(principalID, kind, attrs)
	o.persist(ctx, job)
	return job, nil
}

// execute はジョブを running にして body を実行し、終端状態に遷移させる。
// body のパニックはジョブの失敗として扱う。
func (o *Orchestrator) execute(ctx context.Context, job model.SyncJob, body jobBody) (err error) {
	if o.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.JobTimeout)
		defer cancel()
	}

	ctx, span := o.tracer.Start(ctx, "sync.job",
		trace.WithAttributes(
			attribute.String("sync.job_id", job.ID),
			attribute.String("sync.kind", string(job.Kind)),
			attribute.String("sync.principal_id", job.PrincipalID),
		),
	)
	defer span.End()

	start := time.Now()
	if started, serr := o.jobs.Start(job.ID); serr == nil {
		o.persist(ctx, started)
	}
	o.logger.Info("同期ジョブを開始しました",
		slog.String("job_id", job.ID),
		slog.String("principal_id", job.PrincipalID),
		slog.String("kind", string(job.Kind)),
	)

	defer func() {
		if rec := recover(); rec != nil {
			o.logger.Error("同期ジョブでパニックが発生しました",
				slog.String("job_id", job.ID),
				slog.Any("panic", rec),
				slog.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("panic: %v", rec)
		}
		err = o.finish(ctx, job, err, time.Since(start))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	valid, verr := o.creds.IsValid(ctx, job.PrincipalID)
	if verr != nil {
		return fmt.Errorf("資格情報の確認に失敗しました: %w", verr)
	}
	if !valid {
		return ErrNoValidCredential
	}

	run := &jobRun{o: o, jobID: job.ID, principalID: job.PrincipalID, api: o.clients(job.PrincipalID)}
	return body(ctx, run)
}

// finish はジョブを completed または failed に遷移させる。
// 失敗時は *SyncError を返す。
func (o *Orchestrator) finish(ctx context.Context, job model.SyncJob, cause error, elapsed time.Duration) error {
	if cause == nil {
		done, err := o.jobs.Complete(job.ID)
		if err == nil {
			o.persist(ctx, done)
		}
		o.metrics.RecordSyncJob(string(job.Kind), string(model.SyncStatusCompleted), elapsed)
		o.logger.Info("同期ジョブが完了しました",
			slog.String("job_id", job.ID),
			slog.String("principal_id", job.PrincipalID),
			slog.String("kind", string(job.Kind)),
			slog.Int("items_processed", done.ItemsProcessed),
			slog.Int("items_total", done.ItemsTotal),
			slog.Int64("duration_ms", elapsed.Milliseconds()),
		)
		return nil
	}

	reason := cause.Error()
	if ctxErr := ctx.Err(); ctxErr != nil {
		reason = cancelledPrefix + ctxErr.Error()
	}

	failed, err := o.jobs.Fail(job.ID, reason)
	if err == nil {
		o.persist(ctx, failed)
	}
	o.metrics.RecordSyncJob(string(job.Kind), string(model.SyncStatusFailed), elapsed)
	o.logger.Error("同期ジョブが失敗しました",
		slog.String("job_id", job.ID),
		slog.String("principal_id", job.PrincipalID),
		slog.String("kind", string(job.Kind)),
		slog.String("error", reason),
		slog.Int64("duration_ms", elapsed.Milliseconds()),
	)

	if errors.Is(cause, canvas.ErrUnauthorized) && refreshesOnUnauthorized(job.Kind) {
		if rerr := o.creds.Refresh(context.WithoutCancel(ctx), job.PrincipalID); rerr != nil {
			o.logger.Error("資格情報の更新に失敗しました",
				slog.String("principal_id", job.PrincipalID),
				slog.String("error", rerr.Error()),
			)
		}
	}

	return &SyncError{JobID: job.ID, Reason: reason, Err: cause}
}

// refreshesOnUnauthorized はジョブ種別の401がトークン自体の失効を意味するかを返す。
// コース一覧は本人のリソースなので401はトークンの問題だが、
// 個別コース配下の401は権限不足でも返る。
func refreshesOnUnauthorized(kind model.SyncKind) bool {
	return kind == model.SyncKindCourses || kind == model.SyncKindFull
}

// persist はジョブのスナップショットを永続化する。失敗してもジョブは継続する。
func (o *Orchestrator) persist(ctx context.Context, job model.SyncJob) {
	if err := o.recorder.Save(context.WithoutCancel(ctx), &job); err != nil {
		o.logger.Warn("同期ジョブ記録の保存に失敗しました",
			slog.String("job_id", job.ID),
			slog.String("status", string(job.Status)),
			slog.String("error", err.Error()),
		)
	}
}

// --- 同期フェーズ ---

type progressFunc func(processed, total int)

type phaseResult struct {
	processed int
	failed    int
	total     int

	// 課題フェーズのみ
	dueSoon int
	overdue int
}

func (o *Orchestrator) coursesBody(fresh bool) jobBody {
	return func(ctx context.Context, run *jobRun) error {
		res, err := o.coursesPhase(ctx, run.api, run.principalID, fresh, run.progress)
		run.noteFailures(res)
		return err
	}
}

func (o *Orchestrator) fullBody(ctx context.Context, run *jobRun) error {
	res, err := o.coursesPhase(ctx, run.api, run.principalID, true, run.progress)
	run.noteFailures(res)
	if err != nil {
		return err
	}

	courses, err := o.storage.GetCoursesForPrincipal(ctx, run.principalID)
	if err != nil {
		return fmt.Errorf("保存済みコースの取得に失敗しました: %w", err)
	}

	var processed, total, dueSoon, overdue int
	var failedCourses []string
	for i, c := range courses {
		if err := ctx.Err(); err != nil {
			return err
		}

		res, err := o.assignmentsPhase(ctx, run.api, run.principalID, c.CanvasCourseID, nil)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			failedCourses = append(failedCourses, strconv.FormatInt(c.CanvasCourseID, 10))
			o.logger.Warn("コースの課題同期に失敗しました。次のコースへ進みます",
				slog.String("job_id", run.jobID),
				slog.Int64("canvas_course_id", c.CanvasCourseID),
				slog.String("error", err.Error()),
			)
		}
		processed += res.processed
		total += res.total
		dueSoon += res.dueSoon
		overdue += res.overdue

		attrs := deadlineAttrs(dueSoon, overdue)
		attrs[AttrAssignmentsProcessed] = strconv.Itoa(processed)
		attrs[AttrAssignmentsTotal] = strconv.Itoa(total)
		attrs[AttrCoursesVisited] = strconv.Itoa(i + 1)
		if len(failedCourses) > 0 {
			attrs[AttrFailedCourses] = strings.Join(failedCourses, ",")
		}
		run.annotate(attrs)
	}
	return nil
}

func (o *Orchestrator) coursesPhase(ctx context.Context, api RemoteAPI, principalID string, fresh bool, report progressFunc) (phaseResult, error) {
	entries, err := api.ListCourses(ctx, fresh)
	if err != nil {
		return phaseResult{}, fmt.Errorf("コース一覧の取得に失敗しました: %w", err)
	}
	return ingest(ctx, o, entries, model.SyncKindCourses, report, func(ctx context.Context, c canvas.Course) error {
		course, err := convertCourse(c, o.sanitizer)
		if err != nil {
			return err
		}
		return o.storage.UpsertCourse(ctx, principalID, course)
	})
}

func (o *Orchestrator) assignmentsPhase(ctx context.Context, api RemoteAPI, principalID string, courseID int64, report progressFunc) (phaseResult, error) {
	entries, err := api.ListAssignments(ctx, courseID)
	if err != nil {
		return phaseResult{}, fmt.Errorf("コース %d の課題一覧の取得に失敗しました: %w", courseID, err)
	}
	now := o.now()
	var dueSoon, overdue int
	res, err := ingest(ctx, o, entries, model.SyncKindAssignments, report, func(ctx context.Context, a canvas.Assignment) error {
		assignment, err := convertAssignment(a, courseID, o.sanitizer)
		if err != nil {
			return err
		}
		if err := o.storage.UpsertAssignment(ctx, assignment); err != nil {
			return err
		}
		switch {
		case assignment.IsOverdue(now):
			overdue++
		case assignment.IsDueSoon(now, o.cfg.DueSoonWindow):
			dueSoon++
		}
		return nil
	})
	res.dueSoon, res.overdue = dueSoon, overdue
	return res, err
}

func (o *Orchestrator) submissionsPhase(ctx context.Context, api RemoteAPI, courseID, assignmentID int64, report progressFunc) (phaseResult, error) {
	entries, err := api.ListSubmissions(ctx, courseID, assignmentID)
	if err != nil {
		return phaseResult{}, fmt.Errorf("課題 %d の提出物一覧の取得に失敗しました: %w", assignmentID, err)
	}
	return ingest(ctx, o, entries, model.SyncKindSubmissions, report, func(ctx context.Context, s canvas.Submission) error {
		submission, err := convertSubmission(s, assignmentID, o.sanitizer)
		if err != nil {
			return err
		}
		return o.storage.UpsertSubmission(ctx, submission)
	})
}

// ingest は取得した要素を1件ずつ保存する。
// デコードや保存に失敗した要素は記録して読み飛ばし、残りの処理を続ける。
// キャンセルされた場合は処理済み件数を保ったまま中断する。
func ingest[T any](
	ctx context.Context,
	o *Orchestrator,
	entries []canvas.Entry[T],
	kind model.SyncKind,
	report progressFunc,
	store func(context.Context, T) error,
) (phaseResult, error) {
	res := phaseResult{total: len(entries)}
	if report != nil {
		report(0, res.total)
	}
	defer func() {
		o.metrics.RecordItemsSynced(string(kind), res.processed, res.failed)
	}()

	for i, e := range entries {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		err := e.Err
		if err == nil {
			err = store(ctx, e.Value)
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return res, ctxErr
			}
			res.failed++
			o.logger.Warn("要素の同期に失敗しました。読み飛ばします",
				slog.String("kind", string(kind)),
				slog.Int("index", i),
				slog.String("error", err.Error()),
			)
			continue
		}

		res.processed++
		if report != nil {
			report(res.processed, res.total)
		}
	}
	return res, nil
}
