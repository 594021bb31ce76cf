package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// User represents an administrator account.
type User struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

type userCtxKey struct{}

// ContextWithUser stores a user in the request context.
func ContextWithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userCtxKey{}, u)
}

// UserFromContext retrieves the authenticated user from context, or nil.
func UserFromContext(ctx context.Context) *User {
	u, _ := ctx.Value(userCtxKey{}).(*User)
	return u
}

// Level represents topic difficulty.
type Level string

const (
	LevelBeginner     Level = "beginner"
	LevelIntermediate Level = "intermediate"
	LevelAdvanced     Level = "advanced"
)

// Valid reports whether l is a known level.
func (l Level) Valid() bool {
	switch l {
	case LevelBeginner, LevelIntermediate, LevelAdvanced:
		return true
	}
	return false
}

// ExamStatus represents the lifecycle state of an exam.
type ExamStatus string

const (
	StatusWaiting    ExamStatus = "waiting"
	StatusInProgress ExamStatus = "in_progress"
	StatusAttended   ExamStatus = "attended"
	// StatusExpired is never persisted. See Exam.EffectiveStatus.
	StatusExpired ExamStatus = "expired"
)

// OptionCount is the number of answer options every question carries.
const OptionCount = 4

// Topic groups questions under a difficulty level.
type Topic struct {
	ID            string    `json:"id"`
	Code          string    `json:"code"`
	Title         string    `json:"title"`
	Description   string    `json:"description"`
	Level         Level     `json:"level"`
	AssignedExams []string  `json:"assigned_exams"`
	CreatedBy     string    `json:"created_by,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// TopicSummary is a topic row in the paginated catalog listing.
type TopicSummary struct {
	Topic
	QuestionsCount int `json:"questions_count"`
}

// TopicRef is the short form of a topic embedded in exam views.
type TopicRef struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Code  string `json:"code"`
}

// Question is a reusable catalog question.
type Question struct {
	ID           string    `json:"id"`
	TopicID      string    `json:"topic_id"`
	Text         string    `json:"question"`
	Options      []string  `json:"options"`
	CorrectIndex int       `json:"correct_index"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// QuestionSnapshot is a copy of a catalog question frozen into an exam at start.
type QuestionSnapshot struct {
	QuestionID          string   `json:"question_id"`
	Text                string   `json:"question_text"`
	Options             []string `json:"options"`
	CorrectIndex        int      `json:"correct_index"`
	TopicID             string   `json:"original_topic_id"`
	SelectedOptionIndex *int     `json:"selected_option_index,omitempty"`
	IsCorrect           *bool    `json:"is_correct,omitempty"`
}

// Snapshot copies q by value so later catalog edits cannot reach the exam.
func (q Question) Snapshot() QuestionSnapshot {
	opts := make([]string, len(q.Options))
	copy(opts, q.Options)
	return QuestionSnapshot{
		QuestionID:   q.ID,
		Text:         q.Text,
		Options:      opts,
		CorrectIndex: q.CorrectIndex,
		TopicID:      q.TopicID,
	}
}

// CandidateQuestion is the candidate-facing form of a snapshot. It has no correct answer.
type CandidateQuestion struct {
	ID      string   `json:"id"`
	Text    string   `json:"question_text"`
	Options []string `json:"options"`
}

// ForCandidate strips the answer key.
func (s QuestionSnapshot) ForCandidate() CandidateQuestion {
	return CandidateQuestion{ID: s.QuestionID, Text: s.Text, Options: s.Options}
}

// ActivityLog is a client-reported event such as a tab switch. Stored verbatim, never interpreted.
type ActivityLog struct {
	Action    string    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
	Details   string    `json:"details,omitempty"`
}

// UnmarshalJSON accepts the timestamp as an RFC 3339 string or as epoch milliseconds.
// A missing or null timestamp stays zero.
func (l *ActivityLog) UnmarshalJSON(data []byte) error {
	type plain ActivityLog
	aux := struct {
		*plain
		Timestamp json.RawMessage `json:"timestamp"`
	}{plain: (*plain)(l)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	raw := bytes.TrimSpace(aux.Timestamp)
	switch {
	case len(raw) == 0 || bytes.Equal(raw, []byte("null")):
		l.Timestamp = time.Time{}
	case raw[0] == '"':
		if err := l.Timestamp.UnmarshalJSON(raw); err != nil {
			return fmt.Errorf("activity log timestamp: %w", err)
		}
	default:
		var ms float64
		if err := json.Unmarshal(raw, &ms); err != nil {
			return fmt.Errorf("activity log timestamp: %w", err)
		}
		l.Timestamp = time.UnixMilli(int64(ms)).UTC()
	}
	return nil
}

// OTP is the single-slot one-time code attached to an exam.
type OTP struct {
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CandidateInfo holds contact details and uploaded file paths captured from the candidate.
type CandidateInfo struct {
	Name       string   `json:"name,omitempty"`
	Email      string   `json:"email,omitempty"`
	Phone      string   `json:"phone,omitempty"`
	ProfilePic string   `json:"profile_pic,omitempty"`
	Resume     string   `json:"resume,omitempty"`
	Documents  []string `json:"documents,omitempty"`
	IP         string   `json:"ip,omitempty"`
	UserAgent  string   `json:"user_agent,omitempty"`
}

// ExamConfig is the administrator-editable part of an exam.
type ExamConfig struct {
	Title           string     `json:"title" validate:"required"`
	Description     string     `json:"description"`
	CandidateEmail  string     `json:"candidate_email" validate:"required,email"`
	CandidateName   string     `json:"candidate_name"`
	TopicIDs        []string   `json:"topic_ids" validate:"min=1,dive,required"`
	QuestionCount   int        `json:"question_count" validate:"gt=0"`
	DurationMinutes int        `json:"duration_minutes" validate:"gt=0"`
	ExpiryDate      *time.Time `json:"expiry_date,omitempty"`
}

// Exam is the aggregate root of the lifecycle engine.
type Exam struct {
	ID string `json:"id"`
	ExamConfig
	AccessCode    string             `json:"access_code"`
	Status        ExamStatus         `json:"status"`
	Questions     []QuestionSnapshot `json:"questions"`
	StartedAt     *time.Time         `json:"started_at,omitempty"`
	CompletedAt   *time.Time         `json:"completed_at,omitempty"`
	Score         *int               `json:"score,omitempty"`
	Logs          []ActivityLog      `json:"logs"`
	OTP           *OTP               `json:"-"`
	CandidateInfo CandidateInfo      `json:"candidate_info"`
	CreatedBy     string             `json:"created_by,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// Expired reports whether the exam link is past its expiry date at now.
func (e *Exam) Expired(now time.Time) bool {
	return e.ExpiryDate != nil && now.After(*e.ExpiryDate)
}

// EffectiveStatus derives the expired state on top of the persisted status.
func (e *Exam) EffectiveStatus(now time.Time) ExamStatus {
	if e.Status != StatusAttended && e.Expired(now) {
		return StatusExpired
	}
	return e.Status
}

// ExamView is the administrator view of an exam with populated topics.
type ExamView struct {
	*Exam
	EffectiveStatus ExamStatus `json:"effective_status"`
	Topics          []TopicRef `json:"topics"`
}

// ExamSummary is the candidate-safe projection returned by access verification.
type ExamSummary struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	Description     string     `json:"description"`
	DurationMinutes int        `json:"duration_minutes"`
	CandidateName   string     `json:"candidate_name"`
	Status          ExamStatus `json:"status"`
	ExpiryDate      *time.Time `json:"expiry_date,omitempty"`
}

// Summary builds the candidate-safe projection.
func (e *Exam) Summary() ExamSummary {
	return ExamSummary{
		ID:              e.ID,
		Title:           e.Title,
		Description:     e.Description,
		DurationMinutes: e.DurationMinutes,
		CandidateName:   e.CandidateName,
		Status:          e.Status,
		ExpiryDate:      e.ExpiryDate,
	}
}

// TopicImport is used for loading topics with inline questions from JSON.
type TopicImport struct {
	Title       string           `json:"title"`
	Description string           `json:"description"`
	Level       Level            `json:"level"`
	Questions   []QuestionImport `json:"questions"`
}

// QuestionImport is a question row in an import file.
type QuestionImport struct {
	Question     string   `json:"question"`
	Options      []string `json:"options"`
	CorrectIndex int      `json:"correct_index"`
}

// CandidateFiles carries stored upload paths. Empty fields leave the existing value in place.
type CandidateFiles struct {
	ProfilePic string   `json:"profile_pic,omitempty"`
	Resume     string   `json:"resume,omitempty"`
	Documents  []string `json:"documents,omitempty"`
}

// Empty reports whether no file slot is set.
func (f CandidateFiles) Empty() bool {
	return f.ProfilePic == "" && f.Resume == "" && len(f.Documents) == 0
}
