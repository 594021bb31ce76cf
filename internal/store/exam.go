package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/pavelanni/examlink/internal/apperr"
	"github.com/pavelanni/examlink/internal/model"
)

const examColumns = `id, title, description, candidate_email, candidate_name, topic_ids, question_count,
	duration_minutes, expiry_date, access_code, status, questions, started_at, completed_at, score, logs,
	otp_code, otp_expires_at, candidate_info, created_by, created_at, updated_at`

func scanExam(row rowScanner) (*model.Exam, error) {
	var e model.Exam
	var topicIDs, questions, logs, info string
	var otpCode sql.NullString
	var otpExpires *time.Time
	if err := row.Scan(&e.ID, &e.Title, &e.Description, &e.CandidateEmail, &e.CandidateName, &topicIDs,
		&e.QuestionCount, &e.DurationMinutes, &e.ExpiryDate, &e.AccessCode, &e.Status, &questions,
		&e.StartedAt, &e.CompletedAt, &e.Score, &logs, &otpCode, &otpExpires, &info,
		&e.CreatedBy, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	for _, col := range []struct {
		name string
		raw  string
		dst  any
	}{
		{"topic_ids", topicIDs, &e.TopicIDs},
		{"questions", questions, &e.Questions},
		{"logs", logs, &e.Logs},
		{"candidate_info", info, &e.CandidateInfo},
	} {
		if err := unmarshalJSON(col.raw, col.dst); err != nil {
			return nil, fmt.Errorf("decode %s of exam %s: %w", col.name, e.ID, err)
		}
	}
	if e.TopicIDs == nil {
		e.TopicIDs = []string{}
	}
	if e.Questions == nil {
		e.Questions = []model.QuestionSnapshot{}
	}
	if e.Logs == nil {
		e.Logs = []model.ActivityLog{}
	}
	if otpCode.Valid && otpExpires != nil {
		e.OTP = &model.OTP{Code: otpCode.String, ExpiresAt: *otpExpires}
	}
	return &e, nil
}

// CreateExam inserts a new exam in the waiting state and records it on every referenced topic.
// It returns ErrDuplicate when the access code is already taken.
func (s *Store) CreateExam(ctx context.Context, e *model.Exam) error {
	now := s.now()
	if e.ID == "" {
		e.ID = newID()
	}
	e.Status = model.StatusWaiting
	e.CreatedAt, e.UpdatedAt = now, now
	if e.Questions == nil {
		e.Questions = []model.QuestionSnapshot{}
	}
	if e.Logs == nil {
		e.Logs = []model.ActivityLog{}
	}

	topicIDs, err := marshalJSON(e.TopicIDs)
	if err != nil {
		return err
	}
	questions, err := marshalJSON(e.Questions)
	if err != nil {
		return err
	}
	logs, err := marshalJSON(e.Logs)
	if err != nil {
		return err
	}
	info, err := marshalJSON(e.CandidateInfo)
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO exams (id, title, description, candidate_email, candidate_name, topic_ids, question_count,
			 duration_minutes, expiry_date, access_code, status, questions, logs, candidate_info, created_by, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.Title, e.Description, e.CandidateEmail, e.CandidateName, topicIDs, e.QuestionCount,
			e.DurationMinutes, e.ExpiryDate, e.AccessCode, e.Status, questions, logs, info, e.CreatedBy, now, now,
		)
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		if err != nil {
			return err
		}
		return assignExamToTopics(ctx, tx, e.ID, e.TopicIDs)
	})
}

// GetExam returns an exam by ID.
func (s *Store) GetExam(ctx context.Context, id string) (*model.Exam, error) {
	e, err := scanExam(s.db.QueryRowContext(ctx, `SELECT `+examColumns+` FROM exams WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "exam")
	}
	return e, nil
}

// GetExamByAccessCode returns the exam reachable through a candidate link.
func (s *Store) GetExamByAccessCode(ctx context.Context, code string) (*model.Exam, error) {
	e, err := scanExam(s.db.QueryRowContext(ctx, `SELECT `+examColumns+` FROM exams WHERE access_code = ?`, code))
	if err != nil {
		return nil, notFound(err, "exam")
	}
	return e, nil
}

// ListExams returns all exams, newest first.
func (s *Store) ListExams(ctx context.Context) ([]*model.Exam, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+examColumns+` FROM exams ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	exams := []*model.Exam{}
	for rows.Next() {
		e, err := scanExam(rows)
		if err != nil {
			return nil, err
		}
		exams = append(exams, e)
	}
	return exams, rows.Err()
}

// UpdateExamConfig replaces the configuration of an exam that has not been started yet.
// New topics get the exam added to their assigned list.
func (s *Store) UpdateExamConfig(ctx context.Context, id string, cfg model.ExamConfig) error {
	topicIDs, err := marshalJSON(cfg.TopicIDs)
	if err != nil {
		return err
	}
	now := s.now()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var rawOld string
		err := tx.QueryRowContext(ctx, `SELECT topic_ids FROM exams WHERE id = ?`, id).Scan(&rawOld)
		if err != nil {
			return notFound(err, "exam")
		}
		var oldTopicIDs []string
		if err := unmarshalJSON(rawOld, &oldTopicIDs); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE exams SET title = ?, description = ?, candidate_email = ?, candidate_name = ?, topic_ids = ?,
			 question_count = ?, duration_minutes = ?, expiry_date = ?, updated_at = ?
			 WHERE id = ? AND status = ?`,
			cfg.Title, cfg.Description, cfg.CandidateEmail, cfg.CandidateName, topicIDs,
			cfg.QuestionCount, cfg.DurationMinutes, cfg.ExpiryDate, now, id, model.StatusWaiting,
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			var status model.ExamStatus
			err := tx.QueryRowContext(ctx, `SELECT status FROM exams WHERE id = ?`, id).Scan(&status)
			if err != nil {
				return notFound(err, "exam")
			}
			return apperr.New(apperr.KindInvalidState, "exam is %s and can no longer be edited", status)
		}
		var dropped []string
		for _, topicID := range oldTopicIDs {
			if !containsString(cfg.TopicIDs, topicID) {
				dropped = append(dropped, topicID)
			}
		}
		if err := unassignExamFromTopics(ctx, tx, id, dropped); err != nil {
			return err
		}
		return assignExamToTopics(ctx, tx, id, cfg.TopicIDs)
	})
}

// StartExam freezes e.Questions and the candidate details and moves the exam to in_progress.
// It reports false without writing when the exam is no longer waiting.
func (s *Store) StartExam(ctx context.Context, e *model.Exam) (bool, error) {
	questions, err := marshalJSON(e.Questions)
	if err != nil {
		return false, err
	}
	info, err := marshalJSON(e.CandidateInfo)
	if err != nil {
		return false, err
	}
	now := s.now()

	res, err := s.db.ExecContext(ctx,
		`UPDATE exams SET status = ?, questions = ?, started_at = ?, score = NULL,
		 candidate_name = ?, candidate_email = ?, candidate_info = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		model.StatusInProgress, questions, e.StartedAt, e.CandidateName, e.CandidateEmail, info, now,
		e.ID, model.StatusWaiting,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	e.Status = model.StatusInProgress
	e.Score = nil
	e.UpdatedAt = now
	return true, nil
}

// SubmitExam persists the graded snapshots and score and moves the exam to attended.
// Logs are replaced only when replaceLogs is set. It reports false without writing
// when the exam is not in progress.
func (s *Store) SubmitExam(ctx context.Context, e *model.Exam, replaceLogs bool) (bool, error) {
	questions, err := marshalJSON(e.Questions)
	if err != nil {
		return false, err
	}
	var logs any
	if replaceLogs {
		encoded, err := marshalJSON(e.Logs)
		if err != nil {
			return false, err
		}
		logs = encoded
	}
	now := s.now()

	res, err := s.db.ExecContext(ctx,
		`UPDATE exams SET status = ?, questions = ?, score = ?, completed_at = ?, logs = COALESCE(?, logs), updated_at = ?
		 WHERE id = ? AND status = ?`,
		model.StatusAttended, questions, e.Score, e.CompletedAt, logs, now,
		e.ID, model.StatusInProgress,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	e.Status = model.StatusAttended
	e.UpdatedAt = now
	return true, nil
}

// SetOTP overwrites the single OTP slot of an exam.
func (s *Store) SetOTP(ctx context.Context, id string, otp model.OTP) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE exams SET otp_code = ?, otp_expires_at = ?, updated_at = ? WHERE id = ?`,
		otp.Code, otp.ExpiresAt, s.now(), id,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("exam")
	}
	return nil
}

// SetCandidateFiles stores upload paths into candidate_info. Only the slots set in files change.
func (s *Store) SetCandidateFiles(ctx context.Context, id string, files model.CandidateFiles) error {
	if files.Empty() {
		return nil
	}
	var paths []string
	var args []any
	if files.ProfilePic != "" {
		paths = append(paths, `'$.profile_pic', ?`)
		args = append(args, files.ProfilePic)
	}
	if files.Resume != "" {
		paths = append(paths, `'$.resume', ?`)
		args = append(args, files.Resume)
	}
	if len(files.Documents) > 0 {
		docs, err := marshalJSON(files.Documents)
		if err != nil {
			return err
		}
		paths = append(paths, `'$.documents', json(?)`)
		args = append(args, docs)
	}
	args = append(args, s.now(), id)

	res, err := s.db.ExecContext(ctx,
		`UPDATE exams SET candidate_info = json_set(candidate_info, `+strings.Join(paths, ", ")+`), updated_at = ?
		 WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("exam")
	}
	return nil
}
