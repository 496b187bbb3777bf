package syncer

import (
	"fmt"
	"strconv"

	"github.com/hitoshi/canvassync/internal/canvas"
	"github.com/hitoshi/canvassync/internal/model"
	"github.com/hitoshi/canvassync/internal/security"
)

// ミラーの安定ID。CanvasのIDから決まるため再同期しても変わらない。

func CourseMirrorID(canvasID int64) string     { return "course_" + strconv.FormatInt(canvasID, 10) }
func AssignmentMirrorID(canvasID int64) string { return "assign_" + strconv.FormatInt(canvasID, 10) }
func SubmissionMirrorID(canvasID int64) string { return "sub_" + strconv.FormatInt(canvasID, 10) }

func convertCourse(c canvas.Course, sanitizer security.HTMLSanitizer) (*model.Course, error) {
	startAt, err := canvas.ParseTime(c.StartAt)
	if err != nil {
		return nil, fmt.Errorf("start_at: %w", err)
	}
	endAt, err := canvas.ParseTime(c.EndAt)
	if err != nil {
		return nil, fmt.Errorf("end_at: %w", err)
	}

	return &model.Course{
		ID:               CourseMirrorID(c.ID),
		CanvasCourseID:   c.ID,
		Name:             c.Name,
		CourseCode:       c.CourseCode,
		Description:      sanitizeOptional(sanitizer, c.PublicDescription),
		StartAt:          startAt,
		EndAt:            endAt,
		EnrollmentTermID: c.EnrollmentTermID,
		WorkflowState:    c.WorkflowState,
	}, nil
}

func convertAssignment(a canvas.Assignment, canvasCourseID int64, sanitizer security.HTMLSanitizer) (*model.Assignment, error) {
	dueAt, err := canvas.ParseTime(a.DueAt)
	if err != nil {
		return nil, fmt.Errorf("due_at: %w", err)
	}
	lockAt, err := canvas.ParseTime(a.LockAt)
	if err != nil {
		return nil, fmt.Errorf("lock_at: %w", err)
	}
	unlockAt, err := canvas.ParseTime(a.UnlockAt)
	if err != nil {
		return nil, fmt.Errorf("unlock_at: %w", err)
	}

	return &model.Assignment{
		ID:                 AssignmentMirrorID(a.ID),
		CanvasAssignmentID: a.ID,
		CourseID:           CourseMirrorID(canvasCourseID),
		CanvasCourseID:     canvasCourseID,
		Name:               a.Name,
		Description:        sanitizeOptional(sanitizer, a.Description),
		DueAt:              dueAt,
		LockAt:             lockAt,
		UnlockAt:           unlockAt,
		PointsPossible:     a.PointsPossible,
		GradingType:        a.GradingType,
		SubmissionTypes:    a.SubmissionTypes,
		AllowedExtensions:  a.AllowedExtensions,
		Status:             model.AssignmentStatusFromWorkflowState(a.State()),
	}, nil
}

func convertSubmission(s canvas.Submission, canvasAssignmentID int64, sanitizer security.HTMLSanitizer) (*model.Submission, error) {
	submittedAt, err := canvas.ParseTime(s.SubmittedAt)
	if err != nil {
		return nil, fmt.Errorf("submitted_at: %w", err)
	}

	attachments := make([]string, 0, len(s.Attachments))
	for _, a := range s.Attachments {
		if a.DisplayName != "" {
			attachments = append(attachments, a.DisplayName)
		}
	}

	sub := &model.Submission{
		ID:                 SubmissionMirrorID(s.ID),
		CanvasSubmissionID: s.ID,
		AssignmentID:       AssignmentMirrorID(canvasAssignmentID),
		CanvasAssignmentID: canvasAssignmentID,
		UserID:             s.UserID,
		SubmittedAt:        submittedAt,
		Score:              s.Score,
		WorkflowState:      s.WorkflowState,
		Late:               s.Late,
		Excused:            s.Excused != nil && *s.Excused,
		Attempt:            s.Attempt,
		Body:               sanitizeOptional(sanitizer, s.Body),
		Attachments:        attachments,
	}
	if s.Grade != nil {
		sub.Grade = *s.Grade
	}
	if s.URL != nil {
		sub.URL = *s.URL
	}
	return sub, nil
}

func sanitizeOptional(sanitizer security.HTMLSanitizer, s *string) string {
	if s == nil || *s == "" {
		return ""
	}
	return sanitizer.Sanitize(*s)
}
