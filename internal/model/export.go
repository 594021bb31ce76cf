package model

import "time"

// ResultsExport is the top-level JSON structure for exam result export.
type ResultsExport struct {
	GeneratedAt time.Time         `json:"generated_at"`
	Results     []CandidateResult `json:"results"`
}

// CandidateResult holds one graded exam for export.
type CandidateResult struct {
	ExamID          string           `json:"exam_id"`
	Title           string           `json:"title"`
	CandidateName   string           `json:"candidate_name"`
	CandidateEmail  string           `json:"candidate_email"`
	Status          ExamStatus       `json:"status"`
	StartedAt       *time.Time       `json:"started_at,omitempty"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
	Score           *int             `json:"score,omitempty"`
	TotalQuestions  int              `json:"total_questions"`
	CorrectAnswers  int              `json:"correct_answers"`
	Questions       []QuestionResult `json:"questions"`
	ActivityEntries int              `json:"activity_entries"`
}

// QuestionResult holds per-question data for export.
type QuestionResult struct {
	Text          string   `json:"text"`
	Options       []string `json:"options"`
	CorrectIndex  int      `json:"correct_index"`
	SelectedIndex *int     `json:"selected_index,omitempty"`
	Correct       bool     `json:"correct"`
}
