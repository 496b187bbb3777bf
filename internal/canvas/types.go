package canvas

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	json "github.com/goccy/go-json"
)

// Entry はコレクション内の1要素のデコード結果。
// 1要素の解釈に失敗してもコレクション全体は失敗させない。
type Entry[T any] struct {
	Value T
	Err   error
}

// User は users/self のレスポンス。
type User struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	LoginID string `json:"login_id"`
}

// Course は courses のレスポンス要素。
type Course struct {
	ID                int64   `json:"id"`
	Name              string  `json:"name"`
	CourseCode        string  `json:"course_code"`
	PublicDescription *string `json:"public_description"`
	StartAt           *string `json:"start_at"`
	EndAt             *string `json:"end_at"`
	EnrollmentTermID  *int64  `json:"enrollment_term_id"`
	WorkflowState     string  `json:"workflow_state"`
}

func (c *Course) validate() error {
	if c.ID <= 0 {
		return errors.New("course id がありません")
	}
	return nil
}

// Assignment は courses/{id}/assignments のレスポンス要素。
type Assignment struct {
	ID                int64    `json:"id"`
	CourseID          int64    `json:"course_id"`
	Name              string   `json:"name"`
	Description       *string  `json:"description"`
	DueAt             *string  `json:"due_at"`
	LockAt            *string  `json:"lock_at"`
	UnlockAt          *string  `json:"unlock_at"`
	PointsPossible    *float64 `json:"points_possible"`
	GradingType       string   `json:"grading_type"`
	SubmissionTypes   []string `json:"submission_types"`
	AllowedExtensions []string `json:"allowed_extensions"`
	WorkflowState     string   `json:"workflow_state"`
	Published         *bool    `json:"published"`
}

func (a *Assignment) validate() error {
	if a.ID <= 0 {
		return errors.New("assignment id がありません")
	}
	return nil
}

// State は workflow_state を返す。空の場合は published フラグから補う。
func (a *Assignment) State() string {
	if a.WorkflowState != "" {
		return a.WorkflowState
	}
	if a.Published == nil {
		return ""
	}
	if *a.Published {
		return "published"
	}
	return "unpublished"
}

// Attachment は提出物の添付ファイル。
type Attachment struct {
	ID          int64  `json:"id"`
	DisplayName string `json:"display_name"`
	URL         string `json:"url"`
}

// Submission は courses/{id}/assignments/{id}/submissions のレスポンス要素。
type Submission struct {
	ID            int64        `json:"id"`
	AssignmentID  int64        `json:"assignment_id"`
	UserID        int64        `json:"user_id"`
	SubmittedAt   *string      `json:"submitted_at"`
	Score         *float64     `json:"score"`
	Grade         *string      `json:"grade"`
	WorkflowState string       `json:"workflow_state"`
	Late          bool         `json:"late"`
	Excused       *bool        `json:"excused"`
	Attempt       *int         `json:"attempt"`
	Body          *string      `json:"body"`
	URL           *string      `json:"url"`
	Attachments   []Attachment `json:"attachments"`
}

func (s *Submission) validate() error {
	if s.ID <= 0 {
		return errors.New("submission id がありません")
	}
	return nil
}

// GetSelf はトークン所有者のユーザー情報を取得する。
func (c *Client) GetSelf(ctx context.Context) (*User, error) {
	var u User
	if err := c.getOne(ctx, "users/self", &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// CanvasUserID はプリンシパルのトークン所有者のCanvasユーザーIDを返す。
func (p *Pool) CanvasUserID(ctx context.Context, principalID string) (int64, error) {
	u, err := p.For(principalID).GetSelf(ctx)
	if err != nil {
		return 0, err
	}
	return u.ID, nil
}

// ListCourses はプリンシパルが受講・担当するコース一覧を取得する。
// fresh が true の場合はキャッシュを使わない。
func (c *Client) ListCourses(ctx context.Context, fresh bool) ([]Entry[Course], error) {
	raws, err := c.listAll(ctx, "courses", url.Values{"include[]": {"public_description"}}, fresh)
	if err != nil {
		return nil, err
	}
	return decodeEach[Course](raws), nil
}

// ListAssignments はコースの課題一覧を取得する。
func (c *Client) ListAssignments(ctx context.Context, courseID int64) ([]Entry[Assignment], error) {
	raws, err := c.listAll(ctx, fmt.Sprintf("courses/%d/assignments", courseID), nil, false)
	if err != nil {
		return nil, err
	}
	return decodeEach[Assignment](raws), nil
}

// ListSubmissions は課題の提出物一覧を取得する。
func (c *Client) ListSubmissions(ctx context.Context, courseID, assignmentID int64) ([]Entry[Submission], error) {
	path := fmt.Sprintf("courses/%d/assignments/%d/submissions", courseID, assignmentID)
	raws, err := c.listAll(ctx, path, nil, false)
	if err != nil {
		return nil, err
	}
	return decodeEach[Submission](raws), nil
}

func decodeEach[T any](raws []json.RawMessage) []Entry[T] {
	entries := make([]Entry[T], 0, len(raws))
	for i, raw := range raws {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			entries = append(entries, Entry[T]{Err: fmt.Errorf("要素 %d のパースに失敗しました: %w", i, err)})
			continue
		}
		if vv, ok := any(&v).(interface{ validate() error }); ok {
			if err := vv.validate(); err != nil {
				entries = append(entries, Entry[T]{Err: fmt.Errorf("要素 %d が不正です: %w", i, err)})
				continue
			}
		}
		entries = append(entries, Entry[T]{Value: v})
	}
	return entries
}

// ParseTime はCanvasのISO 8601形式の日時を解釈する。nil や空文字は nil を返す。
func ParseTime(s *string) (*time.Time, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, *s)
	if err != nil {
		return nil, fmt.Errorf("日時の形式が不正です: %q: %w", *s, err)
	}
	t = t.UTC()
	return &t, nil
}
