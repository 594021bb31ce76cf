package exam

import (
	"math"

	"github.com/pavelanni/examlink/internal/model"
)

// SubmitResult is the outcome returned to the candidate after grading.
type SubmitResult struct {
	Score          int `json:"score"`
	TotalQuestions int `json:"total_questions"`
	CorrectAnswers int `json:"correct_answers"`
}

// grade records each answer on a copy of questions and scores the attempt.
// A nil or missing answer counts as unanswered. questions must not be empty.
func grade(questions []model.QuestionSnapshot, answers map[string]*int) ([]model.QuestionSnapshot, SubmitResult) {
	graded := make([]model.QuestionSnapshot, len(questions))
	var correct int
	for i, q := range questions {
		q.SelectedOptionIndex = nil
		if sel, ok := answers[q.QuestionID]; ok && sel != nil {
			v := *sel
			q.SelectedOptionIndex = &v
		}
		isCorrect := q.SelectedOptionIndex != nil && *q.SelectedOptionIndex == q.CorrectIndex
		q.IsCorrect = &isCorrect
		if isCorrect {
			correct++
		}
		graded[i] = q
	}
	return graded, SubmitResult{
		Score:          score(correct, len(questions)),
		TotalQuestions: len(questions),
		CorrectAnswers: correct,
	}
}

// score is the rounded percentage of correct answers, halves rounded away from zero.
func score(correct, total int) int {
	return int(math.Round(float64(correct) / float64(total) * 100))
}
