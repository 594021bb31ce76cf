// Package catalog manages topics and their question banks.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"

	"github.com/pavelanni/examlink/internal/apperr"
	"github.com/pavelanni/examlink/internal/model"
	"github.com/pavelanni/examlink/internal/store"
)

const (
	DefaultPage  = 1
	DefaultLimit = 10

	codeAttempts = 5
)

// Store is the persistence the catalog needs.
type Store interface {
	CreateTopic(ctx context.Context, t *model.Topic, questions []model.Question) error
	GetTopic(ctx context.Context, id string) (*model.Topic, error)
	ListTopics(ctx context.Context, offset, limit int) ([]model.TopicSummary, int, error)
	UpdateTopic(ctx context.Context, t *model.Topic, incoming []model.Question, syncQuestions bool) error
	DeleteTopic(ctx context.Context, id string) error
	ListQuestionsByTopic(ctx context.Context, topicID string) ([]model.Question, error)
	InsertQuestions(ctx context.Context, questions []model.Question) error
	GetImportedFileHash(ctx context.Context, path string) (string, error)
	SetImportedFileHash(ctx context.Context, path, hash string) error
}

// QuestionInput is a question as submitted by an administrator.
// ID is only meaningful during a topic sync.
type QuestionInput struct {
	ID           string   `json:"id,omitempty"`
	Question     string   `json:"question"`
	Options      []string `json:"options"`
	CorrectIndex *int     `json:"correct_index"`
}

// TopicInput is the create/update payload of a topic. A nil Questions slice means
// "not provided": creation adds no questions and updates leave the question set alone.
type TopicInput struct {
	Title         string          `json:"title"`
	Description   string          `json:"description"`
	Level         model.Level     `json:"level"`
	AssignedExams []string        `json:"assigned_exams"`
	Questions     []QuestionInput `json:"questions"`
}

// TopicPage is one page of the topic listing.
type TopicPage struct {
	Items      []model.TopicSummary `json:"items"`
	Page       int                  `json:"page"`
	Limit      int                  `json:"limit"`
	TotalItems int                  `json:"total_items"`
	TotalPages int                  `json:"total_pages"`
}

// TopicDetail is a topic together with its questions.
type TopicDetail struct {
	*model.Topic
	Questions []model.Question `json:"questions"`
}

// BulkResult reports a bulk question upload. Errors lists the rows that were skipped.
type BulkResult struct {
	Created int      `json:"created"`
	Errors  []string `json:"errors,omitempty"`
}

type Service struct {
	store Store
	intN  func(n int) int
}

func NewService(s Store) *Service {
	return &Service{store: s, intN: rand.IntN}
}

// ListTopics returns a page of topics. Non-positive page or limit fall back to the defaults.
func (s *Service) ListTopics(ctx context.Context, page, limit int) (*TopicPage, error) {
	if page < 1 {
		page = DefaultPage
	}
	if limit < 1 {
		limit = DefaultLimit
	}
	items, total, err := s.store.ListTopics(ctx, (page-1)*limit, limit)
	if err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}
	pages := (total + limit - 1) / limit
	if pages < 1 {
		pages = 1
	}
	return &TopicPage{Items: items, Page: page, Limit: limit, TotalItems: total, TotalPages: pages}, nil
}

func (s *Service) GetTopic(ctx context.Context, id string) (*TopicDetail, error) {
	t, err := s.store.GetTopic(ctx, id)
	if err != nil {
		return nil, err
	}
	qs, err := s.store.ListQuestionsByTopic(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list questions of topic %s: %w", id, err)
	}
	return &TopicDetail{Topic: t, Questions: qs}, nil
}

// CreateTopic validates in, generates a unique code and stores the topic with its questions.
func (s *Service) CreateTopic(ctx context.Context, adminID string, in TopicInput) (*TopicDetail, error) {
	if errs := validateTopic(in); len(errs) > 0 {
		return nil, apperr.Validation("Validation failed", errs...)
	}

	questions := toQuestions(in.Questions, false)
	for attempt := 0; attempt < codeAttempts; attempt++ {
		t := &model.Topic{
			Code:          s.topicCode(in.Title),
			Title:         strings.TrimSpace(in.Title),
			Description:   in.Description,
			Level:         in.Level,
			AssignedExams: in.AssignedExams,
			CreatedBy:     adminID,
		}
		err := s.store.CreateTopic(ctx, t, questions)
		if errors.Is(err, store.ErrDuplicate) {
			slog.Debug("topic code collision, retrying", "code", t.Code)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create topic: %w", err)
		}
		slog.Info("created topic", "id", t.ID, "code", t.Code, "questions", len(questions))
		return &TopicDetail{Topic: t, Questions: questions}, nil
	}
	return nil, apperr.New(apperr.KindConflict, "could not allocate a unique topic code")
}

// UpdateTopic replaces the topic fields and, when in.Questions is set, reconciles the question set.
func (s *Service) UpdateTopic(ctx context.Context, id string, in TopicInput) (*TopicDetail, error) {
	if errs := validateTopic(in); len(errs) > 0 {
		return nil, apperr.Validation("Validation failed", errs...)
	}
	t, err := s.store.GetTopic(ctx, id)
	if err != nil {
		return nil, err
	}
	t.Title = strings.TrimSpace(in.Title)
	t.Description = in.Description
	t.Level = in.Level
	t.AssignedExams = in.AssignedExams

	syncQuestions := in.Questions != nil
	if err := s.store.UpdateTopic(ctx, t, toQuestions(in.Questions, true), syncQuestions); err != nil {
		return nil, err
	}
	qs, err := s.store.ListQuestionsByTopic(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list questions of topic %s: %w", id, err)
	}
	return &TopicDetail{Topic: t, Questions: qs}, nil
}

func (s *Service) DeleteTopic(ctx context.Context, id string) error {
	if err := s.store.DeleteTopic(ctx, id); err != nil {
		return err
	}
	slog.Info("deleted topic", "id", id)
	return nil
}

// ListQuestions returns a topic's questions, newest first.
func (s *Service) ListQuestions(ctx context.Context, topicID string) ([]model.Question, error) {
	if strings.TrimSpace(topicID) == "" {
		return nil, apperr.Validation("topic_id is required")
	}
	return s.store.ListQuestionsByTopic(ctx, topicID)
}

// CreateQuestion adds a single question to an existing topic.
func (s *Service) CreateQuestion(ctx context.Context, topicID string, in QuestionInput) (*model.Question, error) {
	if strings.TrimSpace(topicID) == "" {
		return nil, apperr.Validation("topic_id is required")
	}
	if errs := validateQuestion(0, in); len(errs) > 0 {
		return nil, apperr.Validation("Validation failed", errs...)
	}
	if _, err := s.store.GetTopic(ctx, topicID); err != nil {
		return nil, err
	}
	qs := toQuestions([]QuestionInput{in}, false)
	qs[0].TopicID = topicID
	if err := s.store.InsertQuestions(ctx, qs); err != nil {
		return nil, fmt.Errorf("insert question: %w", err)
	}
	return &qs[0], nil
}

// BulkCreateQuestions inserts every valid row and reports the invalid ones.
// It fails only when no row is valid.
func (s *Service) BulkCreateQuestions(ctx context.Context, topicID string, in []QuestionInput) (*BulkResult, error) {
	if strings.TrimSpace(topicID) == "" {
		return nil, apperr.Validation("topic_id is required")
	}
	if len(in) == 0 {
		return nil, apperr.Validation("questions must be a non-empty array")
	}
	if _, err := s.store.GetTopic(ctx, topicID); err != nil {
		return nil, err
	}

	var valid []QuestionInput
	var rowErrs []string
	for i, q := range in {
		if errs := validateQuestion(i+1, q); len(errs) > 0 {
			rowErrs = append(rowErrs, errs...)
			continue
		}
		valid = append(valid, q)
	}
	if len(valid) == 0 {
		return nil, apperr.Validation("No valid questions found to upload", rowErrs...)
	}

	qs := toQuestions(valid, false)
	for i := range qs {
		qs[i].TopicID = topicID
	}
	if err := s.store.InsertQuestions(ctx, qs); err != nil {
		return nil, fmt.Errorf("insert questions: %w", err)
	}
	slog.Info("bulk uploaded questions", "topic_id", topicID, "created", len(qs), "skipped", len(in)-len(valid))
	return &BulkResult{Created: len(qs), Errors: rowErrs}, nil
}

// ImportTopics creates topics with inline questions, as read from a seed file.
func (s *Service) ImportTopics(ctx context.Context, adminID string, topics []model.TopicImport) (int, error) {
	var created int
	for i, ti := range topics {
		in := TopicInput{Title: ti.Title, Description: ti.Description, Level: ti.Level, Questions: []QuestionInput{}}
		for _, q := range ti.Questions {
			correct := q.CorrectIndex
			in.Questions = append(in.Questions, QuestionInput{Question: q.Question, Options: q.Options, CorrectIndex: &correct})
		}
		if _, err := s.CreateTopic(ctx, adminID, in); err != nil {
			return created, fmt.Errorf("topic %d (%q): %w", i+1, ti.Title, err)
		}
		created++
	}
	return created, nil
}

// topicCode builds "clue-<first three letters of title>-<four digits>".
func (s *Service) topicCode(title string) string {
	var letters []rune
	for _, r := range strings.ToLower(title) {
		if r >= 'a' && r <= 'z' {
			letters = append(letters, r)
			if len(letters) == 3 {
				break
			}
		}
	}
	prefix := string(letters)
	if prefix == "" {
		prefix = "xxx"
	}
	return fmt.Sprintf("clue-%s-%d", prefix, 1000+s.intN(9000))
}

func toQuestions(in []QuestionInput, keepIDs bool) []model.Question {
	qs := make([]model.Question, 0, len(in))
	for _, q := range in {
		mq := model.Question{
			Text:    strings.TrimSpace(q.Question),
			Options: q.Options,
		}
		if q.CorrectIndex != nil {
			mq.CorrectIndex = *q.CorrectIndex
		}
		if keepIDs {
			mq.ID = q.ID
		}
		qs = append(qs, mq)
	}
	return qs
}
