package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/canvassync/internal/model"
	"github.com/lib/pq"
)

// PostgresMirrorRepo はCanvasデータのミラーをPostgreSQLに保存する。
type PostgresMirrorRepo struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresMirrorRepo はPostgresMirrorRepoを生成する。
func NewPostgresMirrorRepo(db *sql.DB) *PostgresMirrorRepo {
	return &PostgresMirrorRepo{db: db, now: time.Now}
}

var _ MirrorRepository = (*PostgresMirrorRepo)(nil)

// UpsertCourse はコースを保存し、プリンシパルとの関連付けを同一トランザクションで記録する。
func (r *PostgresMirrorRepo) UpsertCourse(ctx context.Context, principalID string, c *model.Course) error {
	now := r.now()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO courses (id, canvas_course_id, name, course_code, description,
		                      start_at, end_at, enrollment_term_id, workflow_state,
		                      created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		 ON CONFLICT (id) DO UPDATE SET
		     name = EXCLUDED.name,
		     course_code = EXCLUDED.course_code,
		     description = EXCLUDED.description,
		     start_at = EXCLUDED.start_at,
		     end_at = EXCLUDED.end_at,
		     enrollment_term_id = EXCLUDED.enrollment_term_id,
		     workflow_state = EXCLUDED.workflow_state,
		     updated_at = EXCLUDED.updated_at`,
		c.ID, c.CanvasCourseID, c.Name, c.CourseCode, nullString(c.Description),
		c.StartAt, c.EndAt, c.EnrollmentTermID, c.WorkflowState, now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert course: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO principal_courses (principal_id, course_id, linked_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (principal_id, course_id) DO NOTHING`,
		principalID, c.ID, now,
	)
	if err != nil {
		return fmt.Errorf("failed to link course to principal: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// UpsertAssignment は課題を保存する。
func (r *PostgresMirrorRepo) UpsertAssignment(ctx context.Context, a *model.Assignment) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO assignments (id, canvas_assignment_id, course_id, canvas_course_id, name,
		                          description, due_at, lock_at, unlock_at, points_possible,
		                          grading_type, submission_types, allowed_extensions, status,
		                          created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $15)
		 ON CONFLICT (id) DO UPDATE SET
		     course_id = EXCLUDED.course_id,
		     canvas_course_id = EXCLUDED.canvas_course_id,
		     name = EXCLUDED.name,
		     description = EXCLUDED.description,
		     due_at = EXCLUDED.due_at,
		     lock_at = EXCLUDED.lock_at,
		     unlock_at = EXCLUDED.unlock_at,
		     points_possible = EXCLUDED.points_possible,
		     grading_type = EXCLUDED.grading_type,
		     submission_types = EXCLUDED.submission_types,
		     allowed_extensions = EXCLUDED.allowed_extensions,
		     status = EXCLUDED.status,
		     updated_at = EXCLUDED.updated_at`,
		a.ID, a.CanvasAssignmentID, a.CourseID, a.CanvasCourseID, a.Name,
		nullString(a.Description), a.DueAt, a.LockAt, a.UnlockAt, a.PointsPossible,
		a.GradingType, pq.Array(nonNil(a.SubmissionTypes)), pq.Array(nonNil(a.AllowedExtensions)),
		string(a.Status), r.now(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert assignment: %w", err)
	}
	return nil
}

// UpsertSubmission は提出物を保存する。status 列には導出した提出状態を保存する。
func (r *PostgresMirrorRepo) UpsertSubmission(ctx context.Context, s *model.Submission) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO submissions (id, canvas_submission_id, assignment_id, canvas_assignment_id,
		                          user_id, submitted_at, score, grade, workflow_state, late,
		                          excused, attempt, body, url, attachments, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $17)
		 ON CONFLICT (id) DO UPDATE SET
		     submitted_at = EXCLUDED.submitted_at,
		     score = EXCLUDED.score,
		     grade = EXCLUDED.grade,
		     workflow_state = EXCLUDED.workflow_state,
		     late = EXCLUDED.late,
		     excused = EXCLUDED.excused,
		     attempt = EXCLUDED.attempt,
		     body = EXCLUDED.body,
		     url = EXCLUDED.url,
		     attachments = EXCLUDED.attachments,
		     status = EXCLUDED.status,
		     updated_at = EXCLUDED.updated_at`,
		s.ID, s.CanvasSubmissionID, s.AssignmentID, s.CanvasAssignmentID,
		s.UserID, s.SubmittedAt, s.Score, nullString(s.Grade), s.WorkflowState, s.Late,
		s.Excused, s.Attempt, nullString(s.Body), nullString(s.URL),
		pq.Array(nonNil(s.Attachments)), string(s.DerivedStatus()), r.now(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert submission: %w", err)
	}
	return nil
}

// GetCoursesForPrincipal はプリンシパルに関連付いたコースをCanvasのコースID順に返す。
func (r *PostgresMirrorRepo) GetCoursesForPrincipal(ctx context.Context, principalID string) ([]*model.Course, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT c.id, c.canvas_course_id, c.name, c.course_code, c.description,
		        c.start_at, c.end_at, c.enrollment_term_id, c.workflow_state,
		        c.created_at, c.updated_at
		 FROM courses c
		 INNER JOIN principal_courses pc ON pc.course_id = c.id
		 WHERE pc.principal_id = $1
		 ORDER BY c.canvas_course_id`,
		principalID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list courses for principal: %w", err)
	}
	defer rows.Close()

	var courses []*model.Course
	for rows.Next() {
		c := &model.Course{}
		var description sql.NullString
		var startAt, endAt sql.NullTime
		var termID sql.NullInt64
		if err := rows.Scan(&c.ID, &c.CanvasCourseID, &c.Name, &c.CourseCode, &description,
			&startAt, &endAt, &termID, &c.WorkflowState, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan course: %w", err)
		}
		c.Description = nullStringValue(description)
		c.StartAt = nullTimePtr(startAt)
		c.EndAt = nullTimePtr(endAt)
		c.EnrollmentTermID = nullInt64Ptr(termID)
		courses = append(courses, c)
	}
	return courses, rows.Err()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
