package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/examlink/internal/auth"
	"github.com/pavelanni/examlink/internal/catalog"
	"github.com/pavelanni/examlink/internal/exam"
	appI18n "github.com/pavelanni/examlink/internal/i18n"
	"github.com/pavelanni/examlink/internal/model"
	"github.com/pavelanni/examlink/internal/store"
	"github.com/pavelanni/examlink/internal/upload"
)

func TestMain(m *testing.M) {
	if err := appI18n.Init("en"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(m.Run())
}

type sentMail struct {
	to, subject, body string
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []sentMail
}

func (m *fakeMailer) Send(_ context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMail{to, subject, body})
	return nil
}

func (m *fakeMailer) last() sentMail {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return sentMail{}
	}
	return m.sent[len(m.sent)-1]
}

type testServer struct {
	router    http.Handler
	mailer    *fakeMailer
	uploadDir string
	token     string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	authSvc, err := auth.NewService(st, auth.Config{Secret: "test-secret", TTL: time.Hour})
	if err != nil {
		t.Fatalf("auth.NewService: %v", err)
	}
	uploads, err := upload.NewLocalStorage(filepath.Join(t.TempDir(), "uploads"))
	if err != nil {
		t.Fatalf("upload.NewLocalStorage: %v", err)
	}
	mailer := &fakeMailer{}
	h := New(catalog.NewService(st), exam.NewService(st, mailer), authSvc, uploads)

	r := chi.NewRouter()
	r.Use(appI18n.Middleware("en"))
	h.Routes(r)
	return &testServer{router: r, mailer: mailer, uploadDir: uploads.Dir()}
}

// do sends a JSON request and returns the recorder. body may be nil.
func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if ts.token != "" {
		req.Header.Set("Authorization", "Bearer "+ts.token)
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("status = %d, want %d; body: %s", rec.Code, want, rec.Body.String())
	}
}

func expectError(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) errorBody {
	t.Helper()
	expectStatus(t, rec, status)
	body := decodeBody[errorBody](t, rec)
	if body.Code != code {
		t.Errorf("error code = %q, want %q (message %q)", body.Code, code, body.Message)
	}
	return body
}

func (ts *testServer) login(t *testing.T) {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/auth/register", map[string]string{
		"name": "Admin", "email": "admin@example.com", "password": "secret1",
	})
	expectStatus(t, rec, http.StatusCreated)
	ts.token = decodeBody[authResponse](t, rec).Token
}

// createExam sets up a topic with three questions and an exam sampling two of them.
// It returns the exam ID and access code.
func (ts *testServer) createExam(t *testing.T) (string, string) {
	t.Helper()
	questions := make([]map[string]any, 3)
	for i := range questions {
		questions[i] = map[string]any{
			"question":      fmt.Sprintf("Question %d", i),
			"options":       []string{"a", "b", "c", "d"},
			"correct_index": 0,
		}
	}
	rec := ts.do(t, http.MethodPost, "/api/topics", map[string]any{
		"title": "Go basics", "level": "beginner", "questions": questions,
	})
	expectStatus(t, rec, http.StatusCreated)
	topic := decodeBody[struct {
		ID string `json:"id"`
	}](t, rec)

	rec = ts.do(t, http.MethodPost, "/api/exams", map[string]any{
		"title":            "Go quiz",
		"candidate_email":  "Cand@Example.com",
		"candidate_name":   "Cand",
		"topic_ids":        []string{topic.ID},
		"question_count":   2,
		"duration_minutes": 30,
	})
	expectStatus(t, rec, http.StatusCreated)
	e := decodeBody[struct {
		ID         string `json:"id"`
		AccessCode string `json:"access_code"`
	}](t, rec)
	if e.AccessCode == "" {
		t.Fatal("exam has no access code")
	}
	return e.ID, e.AccessCode
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/health", nil)
	expectStatus(t, rec, http.StatusOK)
}

func TestAuthFlow(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/auth/me", nil)
	expectError(t, rec, http.StatusUnauthorized, "UNAUTHORIZED")

	rec = ts.do(t, http.MethodPost, "/api/auth/register", map[string]string{
		"name": "Admin", "email": "admin@example.com", "password": "123",
	})
	body := expectError(t, rec, http.StatusBadRequest, "VALIDATION")
	if len(body.Errors) != 1 {
		t.Errorf("errors = %v, want one entry for the short password", body.Errors)
	}

	ts.login(t)
	rec = ts.do(t, http.MethodGet, "/api/auth/me", nil)
	expectStatus(t, rec, http.StatusOK)
	me := decodeBody[map[string]model.User](t, rec)
	if me["user"].Email != "admin@example.com" {
		t.Errorf("me = %+v", me)
	}

	rec = ts.do(t, http.MethodPost, "/api/auth/register", map[string]string{
		"name": "Again", "email": "admin@example.com", "password": "secret1",
	})
	expectError(t, rec, http.StatusConflict, "CONFLICT")

	ts.token = ""
	rec = ts.do(t, http.MethodPost, "/api/auth/login", map[string]string{
		"email": "admin@example.com", "password": "wrong-pass",
	})
	expectError(t, rec, http.StatusUnauthorized, "UNAUTHORIZED")

	rec = ts.do(t, http.MethodPost, "/api/auth/login", map[string]string{
		"email": "admin@example.com", "password": "secret1",
	})
	expectStatus(t, rec, http.StatusOK)
	var sawCookie bool
	for _, c := range rec.Result().Cookies() {
		if c.Name == auth.CookieName && c.Value != "" && c.HttpOnly {
			sawCookie = true
		}
	}
	if !sawCookie {
		t.Error("login did not set the session cookie")
	}

	rec = ts.do(t, http.MethodPost, "/api/auth/logout", nil)
	expectStatus(t, rec, http.StatusOK)
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].MaxAge >= 0 {
		t.Errorf("logout cookies = %+v", cookies)
	}
}

func TestAdminRoutesRequireAuth(t *testing.T) {
	ts := newTestServer(t)
	for _, path := range []string{"/api/topics", "/api/questions?topic_id=x", "/api/exams", "/api/exams/some-id"} {
		rec := ts.do(t, http.MethodGet, path, nil)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("GET %s = %d, want 401", path, rec.Code)
		}
	}
}

func TestExamFlow(t *testing.T) {
	ts := newTestServer(t)
	ts.login(t)
	examID, code := ts.createExam(t)

	rec := ts.do(t, http.MethodGet, "/api/exams/"+examID, nil)
	expectStatus(t, rec, http.StatusOK)
	view := decodeBody[model.ExamView](t, rec)
	if view.CandidateEmail != "cand@example.com" || len(view.Topics) != 1 {
		t.Errorf("exam view = %+v", view)
	}

	adminToken := ts.token
	ts.token = ""
	rec = ts.do(t, http.MethodGet, "/api/exams/verify/"+code, nil)
	expectStatus(t, rec, http.StatusOK)
	summary := decodeBody[map[string]model.ExamSummary](t, rec)["exam"]
	if summary.Title != "Go quiz" || summary.Status != model.StatusWaiting {
		t.Errorf("summary = %+v", summary)
	}

	rec = ts.do(t, http.MethodPost, "/api/exams/"+code+"/start", map[string]string{"candidate_name": "Jane"})
	expectStatus(t, rec, http.StatusOK)
	if strings.Contains(rec.Body.String(), "correct_index") {
		t.Fatalf("start response leaks the answer key: %s", rec.Body.String())
	}
	started := decodeBody[exam.StartResult](t, rec)
	if len(started.Questions) != 2 || started.Exam.CandidateName != "Jane" {
		t.Fatalf("start = %+v", started)
	}

	answers := map[string]int{started.Questions[0].ID: 0, started.Questions[1].ID: 3}
	rec = ts.do(t, http.MethodPost, "/api/exams/"+code+"/submit", map[string]any{
		"answers": answers,
		"logs":    []map[string]string{{"action": "tab_switch"}},
	})
	expectStatus(t, rec, http.StatusOK)
	res := decodeBody[exam.SubmitResult](t, rec)
	if res.Score != 50 || res.CorrectAnswers != 1 || res.TotalQuestions != 2 {
		t.Errorf("submit = %+v", res)
	}

	rec = ts.do(t, http.MethodPost, "/api/exams/"+code+"/submit", map[string]any{"answers": answers})
	expectError(t, rec, http.StatusBadRequest, "COMPLETED")

	rec = ts.do(t, http.MethodGet, "/api/exams/verify/"+code, nil)
	expectError(t, rec, http.StatusBadRequest, "COMPLETED")

	ts.token = adminToken
	rec = ts.do(t, http.MethodPut, "/api/exams/"+examID, map[string]any{
		"title": "Changed", "candidate_email": "cand@example.com", "topic_ids": view.TopicIDs,
		"question_count": 1, "duration_minutes": 10,
	})
	expectError(t, rec, http.StatusBadRequest, "INVALID_STATE")
}

func TestErrorResponses(t *testing.T) {
	ts := newTestServer(t)
	ts.login(t)

	rec := ts.do(t, http.MethodGet, "/api/exams/verify/unknown", nil)
	expectError(t, rec, http.StatusNotFound, "NOT_FOUND")

	rec = ts.do(t, http.MethodPost, "/api/exams", map[string]any{})
	body := expectError(t, rec, http.StatusBadRequest, "VALIDATION")
	if len(body.Errors) == 0 {
		t.Error("validation error should list the failing fields")
	}

	rec = ts.do(t, http.MethodPost, "/api/exams", `{"title": `)
	expectError(t, rec, http.StatusBadRequest, "VALIDATION")

	rec = ts.do(t, http.MethodGet, "/api/questions", nil)
	expectError(t, rec, http.StatusBadRequest, "VALIDATION")

	rec = ts.do(t, http.MethodDelete, "/api/topics/missing", nil)
	expectError(t, rec, http.StatusNotFound, "NOT_FOUND")
}

func TestStartInsufficientQuestions(t *testing.T) {
	ts := newTestServer(t)
	ts.login(t)
	rec := ts.do(t, http.MethodPost, "/api/topics", map[string]any{"title": "Empty", "level": "advanced"})
	expectStatus(t, rec, http.StatusCreated)
	topic := decodeBody[struct {
		ID string `json:"id"`
	}](t, rec)

	rec = ts.do(t, http.MethodPost, "/api/exams", map[string]any{
		"title": "Quiz", "candidate_email": "c@example.com", "topic_ids": []string{topic.ID},
		"question_count": 1, "duration_minutes": 5,
	})
	expectStatus(t, rec, http.StatusCreated)
	code := decodeBody[struct {
		AccessCode string `json:"access_code"`
	}](t, rec).AccessCode

	rec = ts.do(t, http.MethodPost, "/api/exams/"+code+"/start", nil)
	expectError(t, rec, http.StatusBadRequest, "INSUFFICIENT_QUESTIONS")

	rec = ts.do(t, http.MethodPost, "/api/exams/"+code+"/submit", map[string]any{"answers": map[string]int{}})
	expectError(t, rec, http.StatusBadRequest, "INVALID_STATE")
}

var otpPattern = regexp.MustCompile(`\b\d{6}\b`)

func TestOTPFlow(t *testing.T) {
	ts := newTestServer(t)
	ts.login(t)
	_, code := ts.createExam(t)
	ts.token = ""

	rec := ts.do(t, http.MethodPost, "/api/exams/"+code+"/otp/verify", map[string]string{"otp": "123456"})
	expectError(t, rec, http.StatusBadRequest, "NO_OTP")

	rec = ts.do(t, http.MethodPost, "/api/exams/"+code+"/otp/send", map[string]string{"email": "not-an-email"})
	expectError(t, rec, http.StatusBadRequest, "VALIDATION")

	rec = ts.do(t, http.MethodPost, "/api/exams/"+code+"/otp/send", map[string]string{"email": "cand@example.com"})
	expectStatus(t, rec, http.StatusOK)

	mail := ts.mailer.last()
	if mail.to != "cand@example.com" {
		t.Fatalf("mail sent to %q", mail.to)
	}
	otp := otpPattern.FindString(mail.body)
	if otp == "" {
		t.Fatalf("no code in mail body %q", mail.body)
	}

	wrong := "000000"
	if otp == wrong {
		wrong = "999999"
	}
	rec = ts.do(t, http.MethodPost, "/api/exams/"+code+"/otp/verify", map[string]string{"otp": wrong})
	expectError(t, rec, http.StatusBadRequest, "INVALID_OTP")

	rec = ts.do(t, http.MethodPost, "/api/exams/"+code+"/otp/verify", map[string]string{"otp": otp})
	expectStatus(t, rec, http.StatusOK)
}

func newUploadRequest(t *testing.T, path string, files map[string][]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for field, names := range files {
		for _, name := range names {
			part, err := w.CreateFormFile(field, name)
			if err != nil {
				t.Fatalf("CreateFormFile: %v", err)
			}
			part.Write([]byte("content of " + name))
		}
	}
	w.Close()
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func TestUpload(t *testing.T) {
	ts := newTestServer(t)
	ts.login(t)
	_, code := ts.createExam(t)

	req := newUploadRequest(t, "/api/exams/"+code+"/upload", map[string][]string{
		upload.FieldProfilePic: {"me.png"},
		upload.FieldDocuments:  {"a.pdf", "b.pdf"},
	})
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	expectStatus(t, rec, http.StatusOK)
	res := decodeBody[struct {
		CandidateInfo model.CandidateInfo `json:"candidate_info"`
	}](t, rec)
	if !strings.HasPrefix(res.CandidateInfo.ProfilePic, upload.URLPrefix) || len(res.CandidateInfo.Documents) != 2 {
		t.Errorf("candidate info = %+v", res.CandidateInfo)
	}

	req = newUploadRequest(t, "/api/exams/"+code+"/upload", map[string][]string{
		upload.FieldResume: {"a.pdf", "b.pdf"},
	})
	rec = httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	body := expectError(t, rec, http.StatusBadRequest, "VALIDATION")
	if !strings.Contains(body.Message, upload.FieldResume) {
		t.Errorf("message = %q, want the field name", body.Message)
	}

	req = newUploadRequest(t, "/api/exams/unknown/upload", map[string][]string{
		upload.FieldResume: {"cv.pdf"},
	})
	rec = httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	expectError(t, rec, http.StatusNotFound, "NOT_FOUND")

	entries, _ := os.ReadDir(ts.uploadDir)
	if len(entries) != 3 {
		t.Errorf("upload dir has %d files, want 3", len(entries))
	}
}

func TestImportTopics(t *testing.T) {
	ts := newTestServer(t)
	ts.login(t)

	send := func() *httptest.ResponseRecorder {
		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)
		part, _ := w.CreateFormFile("file", "topics.json")
		part.Write([]byte(`[{"title": "Go", "level": "beginner", "questions": [
			{"question": "Q", "options": ["a", "b", "c", "d"], "correct_index": 1}]}]`))
		w.Close()
		req := httptest.NewRequest(http.MethodPost, "/api/topics/import", &buf)
		req.Header.Set("Content-Type", w.FormDataContentType())
		req.Header.Set("Authorization", "Bearer "+ts.token)
		rec := httptest.NewRecorder()
		ts.router.ServeHTTP(rec, req)
		return rec
	}

	rec := send()
	expectStatus(t, rec, http.StatusOK)
	if res := decodeBody[catalog.ImportResult](t, rec); res.Topics != 1 || res.Skipped {
		t.Errorf("first import = %+v", res)
	}
	rec = send()
	expectStatus(t, rec, http.StatusOK)
	if res := decodeBody[catalog.ImportResult](t, rec); !res.Skipped {
		t.Errorf("second import = %+v, want skipped", res)
	}

	rec = ts.do(t, http.MethodGet, "/api/topics?page=1&limit=5", nil)
	expectStatus(t, rec, http.StatusOK)
	page := decodeBody[catalog.TopicPage](t, rec)
	if page.TotalItems != 1 || page.Items[0].QuestionsCount != 1 {
		t.Errorf("topic page = %+v", page)
	}
}

func TestActivityLogs(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantNil bool
		wantLen int
	}{
		{"absent", "", true, 0},
		{"null", "null", true, 0},
		{"object", `{"action": "x"}`, true, 0},
		{"string", `"oops"`, true, 0},
		{"empty array", `[]`, false, 0},
		{"entries", `[{"action": "blur"}, {"action": "focus", "details": "tab"}]`, false, 2},
		{"epoch millis", `[{"action": "tab_hidden", "timestamp": 1717232400000}, {"action": "tab_visible", "timestamp": 1717232405000}]`, false, 2},
		{"rfc3339", `[{"action": "tab_hidden", "timestamp": "2024-06-01T09:00:00Z"}]`, false, 1},
		{"bad timestamp", `[{"action": "tab_hidden", "timestamp": true}]`, true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := activityLogs(json.RawMessage(tt.raw))
			if (got == nil) != tt.wantNil {
				t.Fatalf("activityLogs(%s) = %v, nil = %v", tt.raw, got, got == nil)
			}
			if len(got) != tt.wantLen {
				t.Errorf("len = %d, want %d", len(got), tt.wantLen)
			}
		})
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "203.0.113.9:51234"
	if got := clientIP(r); got != "203.0.113.9" {
		t.Errorf("clientIP = %q", got)
	}
	r.RemoteAddr = "203.0.113.9"
	if got := clientIP(r); got != "203.0.113.9" {
		t.Errorf("clientIP without port = %q", got)
	}
}
