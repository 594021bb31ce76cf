package catalog

import (
	"fmt"
	"strings"

	"github.com/pavelanni/examlink/internal/model"
)

// validateQuestion returns one message per problem, prefixed with "Question #n" when n > 0.
func validateQuestion(n int, q QuestionInput) []string {
	prefix := "Question"
	if n > 0 {
		prefix = fmt.Sprintf("Question #%d", n)
	}
	var errs []string
	if strings.TrimSpace(q.Question) == "" {
		errs = append(errs, prefix+": text is required.")
	}
	if len(q.Options) != model.OptionCount {
		errs = append(errs, fmt.Sprintf("%s: exactly %d options are required.", prefix, model.OptionCount))
	} else {
		for _, opt := range q.Options {
			if strings.TrimSpace(opt) == "" {
				errs = append(errs, prefix+": options must be non-empty strings.")
				break
			}
		}
	}
	if q.CorrectIndex == nil || *q.CorrectIndex < 0 || *q.CorrectIndex >= model.OptionCount {
		errs = append(errs, fmt.Sprintf("%s: correct_index must be an integer between 0 and %d.", prefix, model.OptionCount-1))
	}
	return errs
}

func validateTopic(in TopicInput) []string {
	var errs []string
	if strings.TrimSpace(in.Title) == "" {
		errs = append(errs, "Title is required.")
	}
	if !in.Level.Valid() {
		errs = append(errs, "Level must be one of: beginner, intermediate, advanced.")
	}
	for i, q := range in.Questions {
		errs = append(errs, validateQuestion(i+1, q)...)
	}
	return errs
}
