package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/pavelanni/examlink/internal/apperr"
	"github.com/pavelanni/examlink/internal/model"
)

const topicColumns = `id, code, title, description, level, assigned_exams, created_by, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTopic(row rowScanner) (*model.Topic, error) {
	var t model.Topic
	var assigned string
	if err := row.Scan(&t.ID, &t.Code, &t.Title, &t.Description, &t.Level, &assigned,
		&t.CreatedBy, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(assigned, &t.AssignedExams); err != nil {
		return nil, fmt.Errorf("decode assigned exams of topic %s: %w", t.ID, err)
	}
	if t.AssignedExams == nil {
		t.AssignedExams = []string{}
	}
	return &t, nil
}

// CreateTopic inserts a topic together with its initial questions.
// It returns ErrDuplicate when the topic code is already taken.
func (s *Store) CreateTopic(ctx context.Context, t *model.Topic, questions []model.Question) error {
	now := s.now()
	if t.ID == "" {
		t.ID = newID()
	}
	if t.AssignedExams == nil {
		t.AssignedExams = []string{}
	}
	t.CreatedAt, t.UpdatedAt = now, now

	assigned, err := marshalJSON(t.AssignedExams)
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO topics (`+topicColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.Code, t.Title, t.Description, t.Level, assigned, t.CreatedBy, now, now,
		)
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		if err != nil {
			return err
		}
		for i := range questions {
			questions[i].TopicID = t.ID
			if err := insertQuestion(ctx, tx, &questions[i], now); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetTopic returns a topic by ID.
func (s *Store) GetTopic(ctx context.Context, id string) (*model.Topic, error) {
	t, err := scanTopic(s.db.QueryRowContext(ctx,
		`SELECT `+topicColumns+` FROM topics WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "topic")
	}
	return t, nil
}

// ListTopics returns one page of topics, newest first, with question counts and the total topic count.
func (s *Store) ListTopics(ctx context.Context, offset, limit int) ([]model.TopicSummary, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM topics`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT t.id, t.code, t.title, t.description, t.level, t.assigned_exams, t.created_by, t.created_at, t.updated_at,
		        (SELECT COUNT(*) FROM questions q WHERE q.topic_id = t.id)
		 FROM topics t ORDER BY t.created_at DESC, t.id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	items := []model.TopicSummary{}
	for rows.Next() {
		var ts model.TopicSummary
		var assigned string
		if err := rows.Scan(&ts.ID, &ts.Code, &ts.Title, &ts.Description, &ts.Level, &assigned,
			&ts.CreatedBy, &ts.CreatedAt, &ts.UpdatedAt, &ts.QuestionsCount); err != nil {
			return nil, 0, err
		}
		if err := unmarshalJSON(assigned, &ts.AssignedExams); err != nil {
			return nil, 0, err
		}
		if ts.AssignedExams == nil {
			ts.AssignedExams = []string{}
		}
		items = append(items, ts)
	}
	return items, total, rows.Err()
}

// UpdateTopic replaces the topic's editable fields. When syncQuestions is set, the topic's
// questions are reconciled against incoming in the same transaction: questions whose IDs are
// missing from incoming are deleted, matching IDs are updated and the rest are inserted.
func (s *Store) UpdateTopic(ctx context.Context, t *model.Topic, incoming []model.Question, syncQuestions bool) error {
	now := s.now()
	if t.AssignedExams == nil {
		t.AssignedExams = []string{}
	}
	assigned, err := marshalJSON(t.AssignedExams)
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE topics SET title = ?, description = ?, level = ?, assigned_exams = ?, updated_at = ? WHERE id = ?`,
			t.Title, t.Description, t.Level, assigned, now, t.ID,
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperr.NotFound("topic")
		}
		t.UpdatedAt = now

		if !syncQuestions {
			return nil
		}
		return syncTopicQuestions(ctx, tx, t.ID, incoming, now)
	})
}

// DeleteTopic removes a topic. Its questions are left in place.
func (s *Store) DeleteTopic(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM topics WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("topic")
	}
	return nil
}

// TopicRefs returns short references for the given topic IDs in the order requested.
// Unknown IDs are skipped, so callers compare lengths to detect missing topics.
func (s *Store) TopicRefs(ctx context.Context, ids []string) ([]model.TopicRef, error) {
	if len(ids) == 0 {
		return []model.TopicRef{}, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, code FROM topics WHERE id IN (`+placeholders(len(ids))+`)`, stringArgs(ids)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := make(map[string]model.TopicRef, len(ids))
	for rows.Next() {
		var ref model.TopicRef
		if err := rows.Scan(&ref.ID, &ref.Title, &ref.Code); err != nil {
			return nil, err
		}
		byID[ref.ID] = ref
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	refs := make([]model.TopicRef, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if ref, ok := byID[id]; ok && !seen[id] {
			refs = append(refs, ref)
			seen[id] = true
		}
	}
	return refs, nil
}

// assignExamToTopics records examID in the assigned_exams list of every topic in topicIDs.
func assignExamToTopics(ctx context.Context, tx *sql.Tx, examID string, topicIDs []string) error {
	for _, topicID := range topicIDs {
		var raw string
		err := tx.QueryRowContext(ctx, `SELECT assigned_exams FROM topics WHERE id = ?`, topicID).Scan(&raw)
		if err != nil {
			return notFound(err, "topic")
		}
		var assigned []string
		if err := unmarshalJSON(raw, &assigned); err != nil {
			return err
		}
		if containsString(assigned, examID) {
			continue
		}
		encoded, err := marshalJSON(append(assigned, examID))
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE topics SET assigned_exams = ? WHERE id = ?`, encoded, topicID); err != nil {
			return err
		}
	}
	return nil
}

// unassignExamFromTopics removes examID from the assigned_exams list of every topic in topicIDs.
// Topics that no longer exist are skipped.
func unassignExamFromTopics(ctx context.Context, tx *sql.Tx, examID string, topicIDs []string) error {
	for _, topicID := range topicIDs {
		var raw string
		err := tx.QueryRowContext(ctx, `SELECT assigned_exams FROM topics WHERE id = ?`, topicID).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return err
		}
		var assigned []string
		if err := unmarshalJSON(raw, &assigned); err != nil {
			return err
		}
		kept := assigned[:0]
		for _, id := range assigned {
			if id != examID {
				kept = append(kept, id)
			}
		}
		if len(kept) == len(assigned) {
			continue
		}
		encoded, err := marshalJSON(kept)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE topics SET assigned_exams = ? WHERE id = ?`, encoded, topicID); err != nil {
			return err
		}
	}
	return nil
}

func containsString(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}
