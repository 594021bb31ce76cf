package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pavelanni/examlink/internal/model"
)

const questionColumns = `id, topic_id, question, options, correct_index, created_at, updated_at`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func scanQuestion(row rowScanner) (model.Question, error) {
	var q model.Question
	var options string
	if err := row.Scan(&q.ID, &q.TopicID, &q.Text, &options, &q.CorrectIndex, &q.CreatedAt, &q.UpdatedAt); err != nil {
		return q, err
	}
	if err := unmarshalJSON(options, &q.Options); err != nil {
		return q, fmt.Errorf("decode options of question %s: %w", q.ID, err)
	}
	return q, nil
}

func insertQuestion(ctx context.Context, db execer, q *model.Question, now time.Time) error {
	if q.ID == "" {
		q.ID = newID()
	}
	q.CreatedAt, q.UpdatedAt = now, now
	options, err := marshalJSON(q.Options)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO questions (`+questionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		q.ID, q.TopicID, q.Text, options, q.CorrectIndex, now, now,
	)
	return err
}

// InsertQuestions adds questions in one transaction. Each question's ID and timestamps are filled in.
func (s *Store) InsertQuestions(ctx context.Context, questions []model.Question) error {
	now := s.now()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for i := range questions {
			if err := insertQuestion(ctx, tx, &questions[i], now); err != nil {
				return fmt.Errorf("insert question %d: %w", i+1, err)
			}
		}
		return nil
	})
}

// ListQuestionsByTopic returns a topic's questions, newest first.
func (s *Store) ListQuestionsByTopic(ctx context.Context, topicID string) ([]model.Question, error) {
	return s.queryQuestions(ctx,
		`SELECT `+questionColumns+` FROM questions WHERE topic_id = ? ORDER BY created_at DESC, id`, topicID)
}

// ListQuestionsByTopics returns every question belonging to any of topicIDs in a stable order.
func (s *Store) ListQuestionsByTopics(ctx context.Context, topicIDs []string) ([]model.Question, error) {
	if len(topicIDs) == 0 {
		return []model.Question{}, nil
	}
	return s.queryQuestions(ctx,
		`SELECT `+questionColumns+` FROM questions WHERE topic_id IN (`+placeholders(len(topicIDs))+`)
		 ORDER BY created_at, id`, stringArgs(topicIDs)...)
}

// QuestionCount returns the total number of catalog questions.
func (s *Store) QuestionCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM questions`).Scan(&count)
	return count, err
}

func (s *Store) queryQuestions(ctx context.Context, query string, args ...any) ([]model.Question, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	questions := []model.Question{}
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, err
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

// syncTopicQuestions reconciles the stored questions of topicID with incoming.
// Incoming IDs that belong to a different topic, or to no question, are inserted under a fresh ID.
func syncTopicQuestions(ctx context.Context, tx *sql.Tx, topicID string, incoming []model.Question, now time.Time) error {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM questions WHERE topic_id = ?`, topicID)
	if err != nil {
		return err
	}
	existing := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		existing[id] = true
	}
	if err := rows.Close(); err != nil {
		return err
	}
	if err := rows.Err(); err != nil {
		return err
	}

	keep := make(map[string]bool, len(incoming))
	for _, q := range incoming {
		if q.ID != "" && existing[q.ID] {
			keep[q.ID] = true
		}
	}

	for id := range existing {
		if keep[id] {
			continue
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM questions WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete question %s: %w", id, err)
		}
	}

	for i := range incoming {
		q := &incoming[i]
		q.TopicID = topicID
		if keep[q.ID] {
			options, err := marshalJSON(q.Options)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE questions SET question = ?, options = ?, correct_index = ?, updated_at = ? WHERE id = ?`,
				q.Text, options, q.CorrectIndex, now, q.ID,
			); err != nil {
				return fmt.Errorf("update question %s: %w", q.ID, err)
			}
			q.UpdatedAt = now
			continue
		}
		q.ID = ""
		if err := insertQuestion(ctx, tx, q, now); err != nil {
			return fmt.Errorf("insert question: %w", err)
		}
	}
	return nil
}
