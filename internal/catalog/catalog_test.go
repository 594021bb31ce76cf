package catalog

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"

	"github.com/pavelanni/examlink/internal/apperr"
	"github.com/pavelanni/examlink/internal/model"
	"github.com/pavelanni/examlink/internal/store"
)

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewService(s), s
}

func intPtr(v int) *int { return &v }

func validQuestion(text string) QuestionInput {
	return QuestionInput{
		Question:     text,
		Options:      []string{"one", "two", "three", "four"},
		CorrectIndex: intPtr(1),
	}
}

func TestTopicCode(t *testing.T) {
	svc := &Service{intN: func(int) int { return 234 }}

	tests := []struct {
		title string
		want  string
	}{
		{"Golang Basics", "clue-gol-1234"},
		{"  Go!", "clue-go-1234"},
		{"123 ###", "clue-xxx-1234"},
		{"", "clue-xxx-1234"},
		{"A-B-C-D", "clue-abc-1234"},
	}
	for _, tt := range tests {
		t.Run(tt.title, func(t *testing.T) {
			if got := svc.topicCode(tt.title); got != tt.want {
				t.Errorf("topicCode(%q) = %q, want %q", tt.title, got, tt.want)
			}
		})
	}

	// Real randomness stays within four digits.
	svc = NewService(nil)
	re := regexp.MustCompile(`^clue-[a-z]{3}-[1-9][0-9]{3}$`)
	for range 100 {
		if code := svc.topicCode("Networking"); !re.MatchString(code) {
			t.Fatalf("unexpected code %q", code)
		}
	}
}

func TestValidateTopic(t *testing.T) {
	tests := []struct {
		name     string
		in       TopicInput
		wantErrs []string
	}{
		{
			name: "valid",
			in:   TopicInput{Title: "Go", Level: model.LevelBeginner, Questions: []QuestionInput{validQuestion("Q")}},
		},
		{
			name:     "missing title and level",
			in:       TopicInput{Title: "   "},
			wantErrs: []string{"Title is required.", "Level must be one of"},
		},
		{
			name: "three options",
			in: TopicInput{Title: "Go", Level: model.LevelAdvanced, Questions: []QuestionInput{
				{Question: "Q", Options: []string{"a", "b", "c"}, CorrectIndex: intPtr(0)},
			}},
			wantErrs: []string{"Question #1: exactly 4 options are required."},
		},
		{
			name: "blank option and bad index",
			in: TopicInput{Title: "Go", Level: model.LevelIntermediate, Questions: []QuestionInput{
				validQuestion("ok"),
				{Question: "Q", Options: []string{"a", " ", "c", "d"}, CorrectIndex: intPtr(4)},
			}},
			wantErrs: []string{"Question #2: options must be non-empty strings.", "Question #2: correct_index must be"},
		},
		{
			name: "missing index and text",
			in: TopicInput{Title: "Go", Level: model.LevelBeginner, Questions: []QuestionInput{
				{Options: []string{"a", "b", "c", "d"}},
			}},
			wantErrs: []string{"Question #1: text is required.", "Question #1: correct_index must be"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := validateTopic(tt.in)
			if len(errs) != len(tt.wantErrs) {
				t.Fatalf("expected %d errors, got %v", len(tt.wantErrs), errs)
			}
			for i, want := range tt.wantErrs {
				if !strings.HasPrefix(errs[i], want) {
					t.Errorf("error %d: expected prefix %q, got %q", i, want, errs[i])
				}
			}
		})
	}
}

func TestCreateAndGetTopic(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	created, err := svc.CreateTopic(ctx, "admin-1", TopicInput{
		Title:     "  Concurrency ",
		Level:     model.LevelAdvanced,
		Questions: []QuestionInput{validQuestion("Q1"), validQuestion("Q2")},
	})
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	if created.Title != "Concurrency" {
		t.Errorf("expected trimmed title, got %q", created.Title)
	}
	if !strings.HasPrefix(created.Code, "clue-con-") {
		t.Errorf("unexpected code %q", created.Code)
	}
	if created.CreatedBy != "admin-1" {
		t.Errorf("expected created_by admin-1, got %q", created.CreatedBy)
	}

	got, err := svc.GetTopic(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetTopic: %v", err)
	}
	if len(got.Questions) != 2 {
		t.Errorf("expected 2 questions, got %d", len(got.Questions))
	}

	_, err = svc.CreateTopic(ctx, "admin-1", TopicInput{Title: "", Level: "expert"})
	var appErr *apperr.Error
	if !errors.As(err, &appErr) || appErr.Kind != apperr.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(appErr.Details) != 2 {
		t.Errorf("expected 2 details, got %v", appErr.Details)
	}

	if _, err := svc.GetTopic(ctx, "missing"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestCreateTopicRetriesCodeCollision(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	// The first two draws collide, the third one is free.
	draws := []int{1, 1, 2}
	svc.intN = func(int) int {
		v := draws[0]
		if len(draws) > 1 {
			draws = draws[1:]
		}
		return v
	}

	first, err := svc.CreateTopic(ctx, "", TopicInput{Title: "Go", Level: model.LevelBeginner})
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	second, err := svc.CreateTopic(ctx, "", TopicInput{Title: "Go", Level: model.LevelBeginner})
	if err != nil {
		t.Fatalf("CreateTopic second: %v", err)
	}
	if first.Code != "clue-go-1001" || second.Code != "clue-go-1002" {
		t.Errorf("unexpected codes %q and %q", first.Code, second.Code)
	}

	// A source that always collides gives up.
	svc.intN = func(int) int { return 1 }
	_, err = svc.CreateTopic(ctx, "", TopicInput{Title: "Go", Level: model.LevelBeginner})
	if !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("expected conflict, got %v", err)
	}
}

func TestListTopics(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	page, err := svc.ListTopics(ctx, 0, 0)
	if err != nil {
		t.Fatalf("ListTopics: %v", err)
	}
	if page.Page != DefaultPage || page.Limit != DefaultLimit || page.TotalPages != 1 || len(page.Items) != 0 {
		t.Errorf("unexpected empty page %+v", page)
	}

	for _, title := range []string{"Alpha", "Beta", "Gamma"} {
		if _, err := svc.CreateTopic(ctx, "", TopicInput{Title: title, Level: model.LevelBeginner,
			Questions: []QuestionInput{validQuestion(title)}}); err != nil {
			t.Fatalf("CreateTopic %s: %v", title, err)
		}
	}

	page, err = svc.ListTopics(ctx, 2, 2)
	if err != nil {
		t.Fatalf("ListTopics: %v", err)
	}
	if page.TotalItems != 3 || page.TotalPages != 2 {
		t.Errorf("expected 3 items over 2 pages, got %d over %d", page.TotalItems, page.TotalPages)
	}
	if len(page.Items) != 1 {
		t.Fatalf("expected 1 item on page 2, got %d", len(page.Items))
	}
	if page.Items[0].QuestionsCount != 1 {
		t.Errorf("expected questions count 1, got %d", page.Items[0].QuestionsCount)
	}
}

func TestUpdateTopicSync(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	created, err := svc.CreateTopic(ctx, "", TopicInput{
		Title:     "Sync",
		Level:     model.LevelBeginner,
		Questions: []QuestionInput{validQuestion("A"), validQuestion("B"), validQuestion("C")},
	})
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	ids := make(map[string]string)
	for _, q := range created.Questions {
		ids[q.Text] = q.ID
	}

	aEdited := validQuestion("A edited")
	aEdited.ID = ids["A"]
	c := validQuestion("C")
	c.ID = ids["C"]

	updated, err := svc.UpdateTopic(ctx, created.ID, TopicInput{
		Title:     "Sync",
		Level:     model.LevelIntermediate,
		Questions: []QuestionInput{aEdited, c, validQuestion("D")},
	})
	if err != nil {
		t.Fatalf("UpdateTopic: %v", err)
	}
	if updated.Level != model.LevelIntermediate {
		t.Errorf("expected level intermediate, got %q", updated.Level)
	}

	got := make(map[string]string)
	for _, q := range updated.Questions {
		got[q.Text] = q.ID
	}
	if len(got) != 3 {
		t.Fatalf("expected exactly 3 questions, got %v", got)
	}
	if got["A edited"] != ids["A"] {
		t.Errorf("expected A edited in place")
	}
	if got["C"] != ids["C"] {
		t.Errorf("expected C kept")
	}
	if _, ok := got["B"]; ok {
		t.Errorf("expected B deleted")
	}
	if _, ok := got["D"]; !ok {
		t.Errorf("expected D inserted")
	}

	// Omitting questions leaves them untouched.
	updated, err = svc.UpdateTopic(ctx, created.ID, TopicInput{Title: "Renamed", Level: model.LevelBeginner})
	if err != nil {
		t.Fatalf("UpdateTopic without questions: %v", err)
	}
	if len(updated.Questions) != 3 {
		t.Errorf("expected 3 questions, got %d", len(updated.Questions))
	}

	if _, err := svc.UpdateTopic(ctx, "missing", TopicInput{Title: "x", Level: model.LevelBeginner}); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestQuestions(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	topic, err := svc.CreateTopic(ctx, "", TopicInput{Title: "Qs", Level: model.LevelBeginner})
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}

	if _, err := svc.ListQuestions(ctx, ""); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}

	q, err := svc.CreateQuestion(ctx, topic.ID, validQuestion("Single"))
	if err != nil {
		t.Fatalf("CreateQuestion: %v", err)
	}
	if q.TopicID != topic.ID || q.ID == "" {
		t.Errorf("unexpected question %+v", q)
	}
	if _, err := svc.CreateQuestion(ctx, "missing", validQuestion("x")); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}

	res, err := svc.BulkCreateQuestions(ctx, topic.ID, []QuestionInput{
		validQuestion("B1"),
		{Question: "bad", Options: []string{"a"}, CorrectIndex: intPtr(0)},
		validQuestion("B2"),
	})
	if err != nil {
		t.Fatalf("BulkCreateQuestions: %v", err)
	}
	if res.Created != 2 {
		t.Errorf("expected 2 created, got %d", res.Created)
	}
	if len(res.Errors) != 1 || !strings.HasPrefix(res.Errors[0], "Question #2") {
		t.Errorf("unexpected errors %v", res.Errors)
	}

	_, err = svc.BulkCreateQuestions(ctx, topic.ID, []QuestionInput{{Question: "bad"}})
	if !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation error when nothing is valid, got %v", err)
	}
	if _, err := svc.BulkCreateQuestions(ctx, topic.ID, nil); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation error for empty upload, got %v", err)
	}

	qs, err := svc.ListQuestions(ctx, topic.ID)
	if err != nil {
		t.Fatalf("ListQuestions: %v", err)
	}
	if len(qs) != 3 {
		t.Errorf("expected 3 questions, got %d", len(qs))
	}
}

func TestImportTopics(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()

	n, err := svc.ImportTopics(ctx, "", []model.TopicImport{
		{Title: "Go", Level: model.LevelBeginner, Questions: []model.QuestionImport{
			{Question: "Q1", Options: []string{"a", "b", "c", "d"}, CorrectIndex: 0},
			{Question: "Q2", Options: []string{"a", "b", "c", "d"}, CorrectIndex: 3},
		}},
		{Title: "SQL", Level: model.LevelAdvanced},
	})
	if err != nil {
		t.Fatalf("ImportTopics: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 topics, got %d", n)
	}
	count, _ := s.QuestionCount(ctx)
	if count != 2 {
		t.Errorf("expected 2 questions, got %d", count)
	}

	_, err = svc.ImportTopics(ctx, "", []model.TopicImport{{Title: "Bad", Level: "unknown"}})
	if !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestImportFile(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()
	data := []byte(`[
		{"title": "Go", "level": "beginner", "questions": [
			{"question": "Q1", "options": ["a", "b", "c", "d"], "correct_index": 2}
		]}
	]`)

	res, err := svc.ImportFile(ctx, "", "topics.json", data)
	if err != nil {
		t.Fatalf("ImportFile: %v", err)
	}
	if res.Skipped || res.Topics != 1 {
		t.Errorf("first import = %+v", res)
	}

	res, err = svc.ImportFile(ctx, "", "topics.json", data)
	if err != nil {
		t.Fatalf("ImportFile again: %v", err)
	}
	if !res.Skipped {
		t.Error("unchanged file should be skipped")
	}
	count, _ := s.QuestionCount(ctx)
	if count != 1 {
		t.Errorf("expected 1 question after re-import, got %d", count)
	}

	if _, err := svc.ImportFile(ctx, "", "broken.json", []byte(`{`)); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation error for malformed file, got %v", err)
	}
}
