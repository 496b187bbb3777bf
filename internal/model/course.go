// Package model はドメインモデルを定義する。
package model

import "time"

// Course はCanvasから取得したコースのミラーを表す。
// IDは "course_<CanvasのコースID>" 形式で、再同期しても変わらない。
type Course struct {
	ID               string
	CanvasCourseID   int64
	Name             string
	CourseCode       string
	Description      string // サニタイズ済みHTML
	StartAt          *time.Time
	EndAt            *time.Time
	EnrollmentTermID *int64
	WorkflowState    string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// AssignmentStatus は課題の公開状態を表す。
type AssignmentStatus string

const (
	// AssignmentStatusPublished は公開済みの課題。
	AssignmentStatusPublished AssignmentStatus = "published"
	// AssignmentStatusUnpublished は非公開の課題。
	AssignmentStatusUnpublished AssignmentStatus = "unpublished"
	// AssignmentStatusDraft はそれ以外（下書き）の課題。
	AssignmentStatusDraft AssignmentStatus = "draft"
)

// AssignmentStatusFromWorkflowState はCanvasのworkflow_stateを課題状態に変換する。
// published/unpublished 以外はすべて下書き扱いにする。
func AssignmentStatusFromWorkflowState(state string) AssignmentStatus {
	switch state {
	case "published":
		return AssignmentStatusPublished
	case "unpublished":
		return AssignmentStatusUnpublished
	default:
		return AssignmentStatusDraft
	}
}

// Assignment はCanvasから取得した課題のミラーを表す。
type Assignment struct {
	ID                 string
	CanvasAssignmentID int64
	CourseID           string // ローカルのCourse.ID
	CanvasCourseID     int64
	Name               string
	Description        string // サニタイズ済みHTML
	DueAt              *time.Time
	LockAt             *time.Time
	UnlockAt           *time.Time
	PointsPossible     *float64
	GradingType        string
	SubmissionTypes    []string
	AllowedExtensions  []string
	Status             AssignmentStatus
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// IsDueSoon は締め切りが now から window 以内に迫っているかを返す。
// 締め切りを過ぎた課題や締め切りのない課題は false。
func (a *Assignment) IsDueSoon(now time.Time, window time.Duration) bool {
	if a.DueAt == nil {
		return false
	}
	return !a.DueAt.Before(now) && a.DueAt.Sub(now) <= window
}

// IsOverdue は締め切りを過ぎているかを返す。
func (a *Assignment) IsOverdue(now time.Time) bool {
	return a.DueAt != nil && a.DueAt.Before(now)
}

// SubmissionStatus は提出物から導出した状態を表す。
type SubmissionStatus string

const (
	SubmissionStatusSubmitted SubmissionStatus = "submitted"
	SubmissionStatusLate      SubmissionStatus = "late"
	SubmissionStatusGraded    SubmissionStatus = "graded"
	SubmissionStatusMissing   SubmissionStatus = "missing"
)

// Submission はCanvasから取得した提出物のミラーを表す。
type Submission struct {
	ID                 string
	CanvasSubmissionID int64
	AssignmentID       string // ローカルのAssignment.ID
	CanvasAssignmentID int64
	UserID             int64
	SubmittedAt        *time.Time
	Score              *float64
	Grade              string
	WorkflowState      string
	Late               bool
	Excused            bool
	Attempt            *int
	Body               string // サニタイズ済みHTML
	URL                string
	Attachments        []string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// DerivedStatus は採点状況・遅延・提出有無から提出物の状態を導出する。
func (s *Submission) DerivedStatus() SubmissionStatus {
	switch {
	case s.WorkflowState == "graded" || s.Score != nil:
		return SubmissionStatusGraded
	case s.SubmittedAt == nil:
		return SubmissionStatusMissing
	case s.Late:
		return SubmissionStatusLate
	default:
		return SubmissionStatusSubmitted
	}
}
