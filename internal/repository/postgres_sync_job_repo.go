package repository

import (
	"context"
	"database/sql"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/hitoshi/canvassync/internal/model"
)

// PostgresSyncJobRepo は同期ジョブの記録をPostgreSQLに保存する。
type PostgresSyncJobRepo struct {
	db *sql.DB
}

// NewPostgresSyncJobRepo はPostgresSyncJobRepoを生成する。
func NewPostgresSyncJobRepo(db *sql.DB) *PostgresSyncJobRepo {
	return &PostgresSyncJobRepo{db: db}
}

var _ SyncJobRepository = (*PostgresSyncJobRepo)(nil)

// Save はジョブのスナップショットを作成または更新する。
// 終端状態の行は後から届いた古いスナップショットで上書きしない。
func (r *PostgresSyncJobRepo) Save(ctx context.Context, job *model.SyncJob) error {
	attrs, err := json.Marshal(job.Attributes)
	if err != nil {
		return fmt.Errorf("failed to encode job attributes: %w", err)
	}
	if job.Attributes == nil {
		attrs = []byte("{}")
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO sync_jobs (id, principal_id, kind, status, started_at, completed_at,
		                        items_processed, items_total, error_message, attributes, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO UPDATE SET
		     status = EXCLUDED.status,
		     started_at = EXCLUDED.started_at,
		     completed_at = EXCLUDED.completed_at,
		     items_processed = EXCLUDED.items_processed,
		     items_total = EXCLUDED.items_total,
		     error_message = EXCLUDED.error_message,
		     attributes = EXCLUDED.attributes
		 WHERE sync_jobs.status NOT IN ('completed', 'failed')`,
		job.ID, job.PrincipalID, string(job.Kind), string(job.Status), job.StartedAt, job.CompletedAt,
		job.ItemsProcessed, job.ItemsTotal, nullString(job.ErrorMessage), attrs, job.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save sync job: %w", err)
	}
	return nil
}

// FindByID は指定IDのジョブを取得する。見つからない場合はnilを返す。
func (r *PostgresSyncJobRepo) FindByID(ctx context.Context, id string) (*model.SyncJob, error) {
	job := &model.SyncJob{}
	var kind, status string
	var startedAt, completedAt sql.NullTime
	var errMsg sql.NullString
	var attrs []byte

	err := r.db.QueryRowContext(ctx,
		`SELECT id, principal_id, kind, status, started_at, completed_at,
		        items_processed, items_total, error_message, attributes, created_at
		 FROM sync_jobs WHERE id = $1`,
		id,
	).Scan(&job.ID, &job.PrincipalID, &kind, &status, &startedAt, &completedAt,
		&job.ItemsProcessed, &job.ItemsTotal, &errMsg, &attrs, &job.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find sync job by ID: %w", err)
	}

	job.Kind = model.SyncKind(kind)
	job.Status = model.SyncStatus(status)
	job.StartedAt = nullTimePtr(startedAt)
	job.CompletedAt = nullTimePtr(completedAt)
	job.ErrorMessage = nullStringValue(errMsg)
	job.Attributes = map[string]string{}
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &job.Attributes); err != nil {
			return nil, fmt.Errorf("failed to decode job attributes: %w", err)
		}
	}
	return job, nil
}
