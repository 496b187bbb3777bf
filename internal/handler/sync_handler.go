package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hitoshi/canvassync/internal/middleware"
	"github.com/hitoshi/canvassync/internal/model"
	"github.com/hitoshi/canvassync/internal/syncer"
)

// maxHistoryLimit は履歴APIで指定できる件数の上限。
const maxHistoryLimit = 100

// SyncService は同期ハンドラーが必要とする同期オーケストレーターの操作。
type SyncService interface {
	TriggerSync(ctx context.Context, principalID string, kind model.SyncKind) (string, error)
	GetJobStatus(jobID string) (model.SyncJob, bool)
	GetHistory(principalID string, limit int) []model.SyncJob
}

// JobFinder は永続化されたジョブを取得する。
// プロセス再起動後やメモリから追い出された後のジョブ参照に使う。
type JobFinder interface {
	FindByID(ctx context.Context, id string) (*model.SyncJob, error)
}

// SyncHandler は同期ジョブのHTTPハンドラー。
type SyncHandler struct {
	service SyncService
	jobs    JobFinder
	logger  *slog.Logger
}

// NewSyncHandler はSyncHandlerを生成する。jobs は nil でもよい。
func NewSyncHandler(service SyncService, jobs JobFinder, logger *slog.Logger) *SyncHandler {
	return &SyncHandler{service: service, jobs: jobs, logger: logger}
}

// jobResponse は同期ジョブのAPIレスポンス。
type jobResponse struct {
	JobID          string            `json:"job_id"`
	PrincipalID    string            `json:"principal_id"`
	Kind           string            `json:"kind"`
	Status         string            `json:"status"`
	ItemsProcessed int               `json:"items_processed"`
	ItemsTotal     int               `json:"items_total"`
	ErrorMessage   string            `json:"error_message,omitempty"`
	Attributes     map[string]string `json:"attributes,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	StartedAt      *time.Time        `json:"started_at,omitempty"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
}

func toJobResponse(j model.SyncJob) jobResponse {
	resp := jobResponse{
		JobID:          j.ID,
		PrincipalID:    j.PrincipalID,
		Kind:           string(j.Kind),
		Status:         string(j.Status),
		ItemsProcessed: j.ItemsProcessed,
		ItemsTotal:     j.ItemsTotal,
		ErrorMessage:   j.ErrorMessage,
		CreatedAt:      j.CreatedAt,
		StartedAt:      j.StartedAt,
		CompletedAt:    j.CompletedAt,
	}
	if len(j.Attributes) > 0 {
		resp.Attributes = j.Attributes
	}
	return resp
}

// TriggerSync はプリンシパルの同期をバックグラウンドで開始する。
// kind は courses（キャッシュを使わない）または full。省略時は courses。
// POST /api/principals/{principalID}/sync?kind=courses|full
func (h *SyncHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	principalID := chi.URLParam(r, "principalID")

	raw := r.URL.Query().Get("kind")
	if raw == "" {
		raw = string(model.SyncKindCourses)
	}
	kind, ok := model.ParseSyncKind(raw)
	if !ok || (kind != model.SyncKindCourses && kind != model.SyncKindFull) {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidSyncKindError(raw))
		return
	}

	jobID, err := h.service.TriggerSync(r.Context(), principalID, kind)
	switch {
	case err == nil:
	case errors.Is(err, syncer.ErrAlreadyRunning):
		middleware.WriteErrorResponse(w, http.StatusConflict, model.NewSyncAlreadyRunningError(principalID))
		return
	case errors.Is(err, syncer.ErrUnsupportedKind):
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidSyncKindError(raw))
		return
	default:
		h.logger.Error("同期の開始に失敗しました",
			slog.String("principal_id", principalID),
			slog.String("kind", string(kind)),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return
	}

	w.Header().Set("Location", "/api/sync-jobs/"+jobID)
	middleware.WriteJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

// ListJobs はプリンシパルの同期履歴を新しい順に返す。
// GET /api/principals/{principalID}/sync-jobs?limit=10
func (h *SyncHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	principalID := chi.URLParam(r, "principalID")

	limit := syncer.DefaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxHistoryLimit {
			writeBadRequest(w, "limit は1から"+strconv.Itoa(maxHistoryLimit)+"の整数で指定してください")
			return
		}
		limit = n
	}

	history := h.service.GetHistory(principalID, limit)
	resp := make([]jobResponse, 0, len(history))
	for _, j := range history {
		resp = append(resp, toJobResponse(j))
	}
	middleware.WriteJSON(w, http.StatusOK, resp)
}

// GetJob はジョブの状態を返す。メモリにない場合は永続化された記録を参照する。
// GET /api/sync-jobs/{jobID}
func (h *SyncHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if !validJobID(jobID) {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewJobNotFoundError(jobID))
		return
	}

	if job, ok := h.service.GetJobStatus(jobID); ok {
		middleware.WriteJSON(w, http.StatusOK, toJobResponse(job))
		return
	}

	if h.jobs != nil {
		job, err := h.jobs.FindByID(r.Context(), jobID)
		if err != nil {
			h.logger.Error("ジョブの取得に失敗しました",
				slog.String("job_id", jobID),
				slog.String("error", err.Error()),
			)
			middleware.WriteInternalServerError(w)
			return
		}
		if job != nil {
			middleware.WriteJSON(w, http.StatusOK, toJobResponse(*job))
			return
		}
	}

	middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewJobNotFoundError(jobID))
}

// validJobID は "sync_" + UUID 形式かどうかを返す。
func validJobID(id string) bool {
	rest, ok := strings.CutPrefix(id, syncer.JobIDPrefix)
	if !ok {
		return false
	}
	_, err := uuid.Parse(rest)
	return err == nil
}
