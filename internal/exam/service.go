// Package exam implements the exam lifecycle: configuration, access verification,
// question sampling at start, grading at submission and the OTP sub-flow.
package exam

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/pavelanni/examlink/internal/apperr"
	"github.com/pavelanni/examlink/internal/i18n"
	"github.com/pavelanni/examlink/internal/model"
	"github.com/pavelanni/examlink/internal/store"
)

const accessCodeAttempts = 5

// Store is the persistence the engine needs.
type Store interface {
	CreateExam(ctx context.Context, e *model.Exam) error
	GetExam(ctx context.Context, id string) (*model.Exam, error)
	GetExamByAccessCode(ctx context.Context, code string) (*model.Exam, error)
	ListExams(ctx context.Context) ([]*model.Exam, error)
	UpdateExamConfig(ctx context.Context, id string, cfg model.ExamConfig) error
	StartExam(ctx context.Context, e *model.Exam) (bool, error)
	SubmitExam(ctx context.Context, e *model.Exam, replaceLogs bool) (bool, error)
	SetOTP(ctx context.Context, id string, otp model.OTP) error
	SetCandidateFiles(ctx context.Context, id string, files model.CandidateFiles) error
	TopicRefs(ctx context.Context, ids []string) ([]model.TopicRef, error)
	ListQuestionsByTopics(ctx context.Context, topicIDs []string) ([]model.Question, error)
}

// Mailer delivers plain-text email.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// Cache holds candidate-safe summaries keyed by access code. A miss is (nil, nil).
type Cache interface {
	GetSummary(ctx context.Context, accessCode string) (*model.ExamSummary, error)
	SetSummary(ctx context.Context, accessCode string, summary model.ExamSummary) error
	Invalidate(ctx context.Context, accessCode string) error
}

// CandidateDetails are the identity and device fields sent when an attempt starts.
type CandidateDetails struct {
	Name      string `json:"candidate_name"`
	Email     string `json:"candidate_email" validate:"omitempty,email"`
	Phone     string `json:"candidate_phone"`
	IP        string `json:"ip"`
	UserAgent string `json:"user_agent"`
}

// StartedExam is the exam header shown to the candidate.
type StartedExam struct {
	Title           string     `json:"title"`
	DurationMinutes int        `json:"duration_minutes"`
	CandidateName   string     `json:"candidate_name"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
}

// StartResult is returned by StartExam. Questions carry no answer key.
type StartResult struct {
	Exam      StartedExam               `json:"exam"`
	Questions []model.CandidateQuestion `json:"questions"`
}

// Submission carries the candidate's answers keyed by question ID.
// A nil Logs leaves the stored activity log untouched.
type Submission struct {
	Answers map[string]*int
	Logs    []model.ActivityLog
}

type Option func(*Service)

// WithCache serves access verification through c.
func WithCache(c Cache) Option {
	return func(s *Service) { s.cache = c }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithRandom replaces the source used for question sampling. intN(n) must be uniform in [0, n).
func WithRandom(intN func(n int) int) Option {
	return func(s *Service) { s.intN = intN }
}

type Service struct {
	store  Store
	mailer Mailer
	cache  Cache
	now    func() time.Time
	intN   func(n int) int
}

func NewService(st Store, mailer Mailer, opts ...Option) *Service {
	s := &Service{
		store:  st,
		mailer: mailer,
		now:    func() time.Time { return time.Now().UTC() },
		intN:   rand.IntN,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateExam validates cfg and stores a new waiting exam with a fresh access code.
func (s *Service) CreateExam(ctx context.Context, adminID string, cfg model.ExamConfig) (*model.ExamView, error) {
	cfg = normalizeConfig(cfg)
	if err := s.checkConfig(ctx, cfg); err != nil {
		return nil, err
	}

	for attempt := 0; attempt < accessCodeAttempts; attempt++ {
		code, err := newAccessCode()
		if err != nil {
			return nil, err
		}
		e := &model.Exam{ExamConfig: cfg, AccessCode: code, CreatedBy: adminID}
		err = s.store.CreateExam(ctx, e)
		if errors.Is(err, store.ErrDuplicate) {
			slog.Warn("access code collision, retrying")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create exam: %w", err)
		}
		slog.Info("created exam", "exam_id", e.ID, "topics", len(cfg.TopicIDs), "question_count", cfg.QuestionCount)
		return s.view(ctx, e)
	}
	return nil, apperr.New(apperr.KindConflict, "could not allocate a unique access code")
}

// UpdateExam replaces the configuration of an exam that has not been started.
func (s *Service) UpdateExam(ctx context.Context, id string, cfg model.ExamConfig) (*model.ExamView, error) {
	cfg = normalizeConfig(cfg)
	if err := s.checkConfig(ctx, cfg); err != nil {
		return nil, err
	}
	if err := s.store.UpdateExamConfig(ctx, id, cfg); err != nil {
		return nil, err
	}
	e, err := s.store.GetExam(ctx, id)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, e.AccessCode)
	slog.Info("updated exam", "exam_id", id)
	return s.view(ctx, e)
}

// GetExam returns the administrator view of an exam.
func (s *Service) GetExam(ctx context.Context, id string) (*model.ExamView, error) {
	e, err := s.store.GetExam(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, e)
}

// ListExams returns every exam, newest first.
func (s *Service) ListExams(ctx context.Context) ([]*model.ExamView, error) {
	exams, err := s.store.ListExams(ctx)
	if err != nil {
		return nil, fmt.Errorf("list exams: %w", err)
	}
	views := make([]*model.ExamView, 0, len(exams))
	for _, e := range exams {
		v, err := s.view(ctx, e)
		if err != nil {
			return nil, err
		}
		views = append(views, v)
	}
	return views, nil
}

// VerifyAccess returns the candidate-safe summary of the exam behind accessCode.
func (s *Service) VerifyAccess(ctx context.Context, accessCode string) (*model.ExamSummary, error) {
	if s.cache != nil {
		cached, err := s.cache.GetSummary(ctx, accessCode)
		if err != nil {
			slog.Warn("exam cache read failed", "error", err)
		}
		if cached != nil {
			if err := checkAccess(cached.Status, cached.ExpiryDate, s.now()); err != nil {
				return nil, err
			}
			return cached, nil
		}
	}

	e, err := s.store.GetExamByAccessCode(ctx, accessCode)
	if err != nil {
		return nil, err
	}
	if err := checkAccess(e.Status, e.ExpiryDate, s.now()); err != nil {
		return nil, err
	}
	summary := e.Summary()
	if s.cache != nil {
		if err := s.cache.SetSummary(ctx, accessCode, summary); err != nil {
			slog.Warn("exam cache write failed", "exam_id", e.ID, "error", err)
		}
	}
	return &summary, nil
}

// StartExam samples the exam's questions and freezes them. Starting an exam that is
// already in progress returns the frozen questions without resampling.
// Only attended exams are rejected; the expiry date gates access and submission.
func (s *Service) StartExam(ctx context.Context, accessCode string, details CandidateDetails) (*StartResult, error) {
	e, err := s.store.GetExamByAccessCode(ctx, accessCode)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if e.Status == model.StatusAttended {
		return nil, apperr.New(apperr.KindAlreadyCompleted, "Exam has already been completed")
	}
	if e.Status == model.StatusInProgress {
		slog.Info("resuming exam", "exam_id", e.ID)
		return startResult(e), nil
	}

	if err := apperr.ValidateStruct(details); err != nil {
		return nil, err
	}
	mergeCandidate(e, details)

	pool, err := s.store.ListQuestionsByTopics(ctx, e.TopicIDs)
	if err != nil {
		return nil, fmt.Errorf("load question pool: %w", err)
	}
	if len(pool) < e.QuestionCount {
		return nil, apperr.New(apperr.KindInsufficientQuestions,
			"Not enough questions available. Needed %d, found %d.", e.QuestionCount, len(pool))
	}

	picked := sample(pool, e.QuestionCount, s.intN)
	e.Questions = make([]model.QuestionSnapshot, len(picked))
	for i, q := range picked {
		e.Questions[i] = q.Snapshot()
	}
	e.StartedAt = &now

	won, err := s.store.StartExam(ctx, e)
	if err != nil {
		return nil, fmt.Errorf("start exam: %w", err)
	}
	if !won {
		// Another request moved the exam first.
		cur, err := s.store.GetExamByAccessCode(ctx, accessCode)
		if err != nil {
			return nil, err
		}
		switch cur.Status {
		case model.StatusInProgress:
			return startResult(cur), nil
		case model.StatusAttended:
			return nil, apperr.New(apperr.KindAlreadyCompleted, "Exam has already been completed")
		default:
			return nil, apperr.New(apperr.KindInvalidState, "exam could not be started")
		}
	}

	s.invalidate(ctx, accessCode)
	slog.Info("exam started", "exam_id", e.ID, "questions", len(e.Questions), "pool", len(pool))
	return startResult(e), nil
}

// SubmitExam grades the frozen questions against sub.Answers. It succeeds exactly once per exam.
func (s *Service) SubmitExam(ctx context.Context, accessCode string, sub Submission) (*SubmitResult, error) {
	e, err := s.store.GetExamByAccessCode(ctx, accessCode)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if err := checkSubmittable(e.Status, e.ExpiryDate, now); err != nil {
		return nil, err
	}
	if e.Status != model.StatusInProgress || len(e.Questions) == 0 {
		return nil, apperr.New(apperr.KindInvalidState, "exam has no questions to grade; start it first")
	}

	graded, result := grade(e.Questions, sub.Answers)
	e.Questions = graded
	e.Score = &result.Score
	e.CompletedAt = &now

	replaceLogs := sub.Logs != nil
	if replaceLogs {
		e.Logs = make([]model.ActivityLog, len(sub.Logs))
		for i, l := range sub.Logs {
			if l.Timestamp.IsZero() {
				l.Timestamp = now
			}
			e.Logs[i] = l
		}
	}

	won, err := s.store.SubmitExam(ctx, e, replaceLogs)
	if err != nil {
		return nil, fmt.Errorf("submit exam: %w", err)
	}
	if !won {
		return nil, apperr.New(apperr.KindAlreadyCompleted, "Exam already submitted")
	}

	s.invalidate(ctx, accessCode)
	slog.Info("exam submitted", "exam_id", e.ID, "score", result.Score,
		"correct", result.CorrectAnswers, "total", result.TotalQuestions)
	return &result, nil
}

// SendOTP issues a new code for the exam, replacing any previous one, and emails it.
// A delivery failure is logged and does not fail the call.
func (s *Service) SendOTP(ctx context.Context, accessCode, email string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if !apperr.ValidEmail(email) {
		return apperr.Validation("Email is required", "email must be a valid email")
	}
	e, err := s.store.GetExamByAccessCode(ctx, accessCode)
	if err != nil {
		return err
	}

	code, err := newOTPCode()
	if err != nil {
		return err
	}
	otp := model.OTP{Code: code, ExpiresAt: s.now().Add(OTPTTL)}
	if err := s.store.SetOTP(ctx, e.ID, otp); err != nil {
		return fmt.Errorf("save otp: %w", err)
	}

	subject := i18n.T(ctx, "OTPEmailSubject")
	body := i18n.Td(ctx, "OTPEmailBody", map[string]any{
		"Code":    code,
		"Title":   e.Title,
		"Minutes": int(OTPTTL / time.Minute),
	})
	if err := s.mailer.Send(ctx, email, subject, body); err != nil {
		slog.Error("failed to send otp email", "exam_id", e.ID, "error", err)
	} else {
		slog.Info("otp sent", "exam_id", e.ID)
	}
	return nil
}

// VerifyOTP checks code against the exam's current OTP. Success changes nothing,
// so the same code verifies again until it expires.
func (s *Service) VerifyOTP(ctx context.Context, accessCode, code string) error {
	e, err := s.store.GetExamByAccessCode(ctx, accessCode)
	if err != nil {
		return err
	}
	if e.OTP == nil || e.OTP.Code == "" {
		return apperr.New(apperr.KindNoOTP, "No OTP generated")
	}
	if !codesEqual(e.OTP.Code, code) {
		return apperr.New(apperr.KindInvalidOTP, "Invalid OTP")
	}
	if s.now().After(e.OTP.ExpiresAt) {
		return apperr.New(apperr.KindExpired, "OTP expired")
	}
	return nil
}

// AttachFiles records uploaded file paths on the exam's candidate info.
func (s *Service) AttachFiles(ctx context.Context, accessCode string, files model.CandidateFiles) (*model.CandidateInfo, error) {
	if files.Empty() {
		return nil, apperr.Validation("No files uploaded")
	}
	e, err := s.store.GetExamByAccessCode(ctx, accessCode)
	if err != nil {
		return nil, err
	}
	if err := s.store.SetCandidateFiles(ctx, e.ID, files); err != nil {
		return nil, fmt.Errorf("save candidate files: %w", err)
	}
	updated, err := s.store.GetExam(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	slog.Info("candidate files attached", "exam_id", e.ID, "documents", len(files.Documents))
	return &updated.CandidateInfo, nil
}

func (s *Service) checkConfig(ctx context.Context, cfg model.ExamConfig) error {
	if err := apperr.ValidateStruct(cfg); err != nil {
		return err
	}
	refs, err := s.store.TopicRefs(ctx, cfg.TopicIDs)
	if err != nil {
		return fmt.Errorf("resolve topics: %w", err)
	}
	if len(refs) != len(cfg.TopicIDs) {
		return apperr.New(apperr.KindNotFound, "Some topics not found")
	}
	return nil
}

func (s *Service) view(ctx context.Context, e *model.Exam) (*model.ExamView, error) {
	refs, err := s.store.TopicRefs(ctx, e.TopicIDs)
	if err != nil {
		return nil, fmt.Errorf("resolve topics of exam %s: %w", e.ID, err)
	}
	return &model.ExamView{Exam: e, EffectiveStatus: e.EffectiveStatus(s.now()), Topics: refs}, nil
}

func (s *Service) invalidate(ctx context.Context, accessCode string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, accessCode); err != nil {
		slog.Warn("exam cache invalidation failed", "error", err)
	}
}

// checkAccess rejects exams past their expiry date first, then attended exams.
func checkAccess(status model.ExamStatus, expiry *time.Time, now time.Time) error {
	if expired(expiry, now) {
		return apperr.New(apperr.KindExpired, "Exam link has expired")
	}
	if status == model.StatusAttended {
		return apperr.New(apperr.KindAlreadyCompleted, "Exam has already been completed")
	}
	return nil
}

// checkSubmittable rejects attended exams first, so a repeated submit past expiry
// still reports the completion.
func checkSubmittable(status model.ExamStatus, expiry *time.Time, now time.Time) error {
	if status == model.StatusAttended {
		return apperr.New(apperr.KindAlreadyCompleted, "Exam has already been completed")
	}
	if expired(expiry, now) {
		return apperr.New(apperr.KindExpired, "Exam link has expired")
	}
	return nil
}

func expired(expiry *time.Time, now time.Time) bool {
	return expiry != nil && now.After(*expiry)
}

func normalizeConfig(cfg model.ExamConfig) model.ExamConfig {
	cfg.Title = strings.TrimSpace(cfg.Title)
	cfg.CandidateEmail = strings.ToLower(strings.TrimSpace(cfg.CandidateEmail))
	cfg.CandidateName = strings.TrimSpace(cfg.CandidateName)

	seen := make(map[string]bool, len(cfg.TopicIDs))
	ids := make([]string, 0, len(cfg.TopicIDs))
	for _, id := range cfg.TopicIDs {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	cfg.TopicIDs = ids
	if cfg.ExpiryDate != nil {
		utc := cfg.ExpiryDate.UTC()
		cfg.ExpiryDate = &utc
	}
	return cfg
}

func mergeCandidate(e *model.Exam, d CandidateDetails) {
	if name := strings.TrimSpace(d.Name); name != "" {
		e.CandidateName = name
	}
	if email := strings.ToLower(strings.TrimSpace(d.Email)); email != "" {
		e.CandidateEmail = email
	}
	info := e.CandidateInfo
	info.Name = e.CandidateName
	info.Email = e.CandidateEmail
	info.Phone = strings.TrimSpace(d.Phone)
	info.IP = d.IP
	info.UserAgent = d.UserAgent
	e.CandidateInfo = info
}

func startResult(e *model.Exam) *StartResult {
	qs := make([]model.CandidateQuestion, len(e.Questions))
	for i, q := range e.Questions {
		qs[i] = q.ForCandidate()
	}
	return &StartResult{
		Exam: StartedExam{
			Title:           e.Title,
			DurationMinutes: e.DurationMinutes,
			CandidateName:   e.CandidateName,
			StartedAt:       e.StartedAt,
		},
		Questions: qs,
	}
}
