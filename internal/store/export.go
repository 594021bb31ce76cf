package store

import (
	"context"
	"fmt"

	"github.com/pavelanni/examlink/internal/model"
)

// ExportResults builds export-ready results from every exam that has been started.
func (s *Store) ExportResults(ctx context.Context) ([]model.CandidateResult, error) {
	exams, err := s.ListExams(ctx)
	if err != nil {
		return nil, fmt.Errorf("list exams: %w", err)
	}

	results := []model.CandidateResult{}
	for _, e := range exams {
		if e.Status == model.StatusWaiting {
			continue
		}

		var correct int
		questions := make([]model.QuestionResult, 0, len(e.Questions))
		for _, q := range e.Questions {
			qr := model.QuestionResult{
				Text:          q.Text,
				Options:       q.Options,
				CorrectIndex:  q.CorrectIndex,
				SelectedIndex: q.SelectedOptionIndex,
			}
			if q.IsCorrect != nil && *q.IsCorrect {
				qr.Correct = true
				correct++
			}
			questions = append(questions, qr)
		}

		results = append(results, model.CandidateResult{
			ExamID:          e.ID,
			Title:           e.Title,
			CandidateName:   e.CandidateName,
			CandidateEmail:  e.CandidateEmail,
			Status:          e.Status,
			StartedAt:       e.StartedAt,
			CompletedAt:     e.CompletedAt,
			Score:           e.Score,
			TotalQuestions:  len(e.Questions),
			CorrectAnswers:  correct,
			Questions:       questions,
			ActivityEntries: len(e.Logs),
		})
	}
	return results, nil
}
