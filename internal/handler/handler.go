package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/pavelanni/examlink/internal/apperr"
	"github.com/pavelanni/examlink/internal/auth"
	"github.com/pavelanni/examlink/internal/catalog"
	"github.com/pavelanni/examlink/internal/exam"
	appI18n "github.com/pavelanni/examlink/internal/i18n"
	"github.com/pavelanni/examlink/internal/upload"
)

const maxJSONBody = 1 << 20

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	catalog *catalog.Service
	exams   *exam.Service
	auth    *auth.Service
	uploads *upload.LocalStorage
}

// New creates a new Handler.
func New(c *catalog.Service, e *exam.Service, a *auth.Service, u *upload.LocalStorage) *Handler {
	return &Handler{catalog: c, exams: e, auth: a, uploads: u}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/health", h.handleHealth)

	r.Route("/api/auth", func(r chi.Router) {
		r.Post("/register", h.handleRegister)
		r.Post("/login", h.handleLogin)
		r.Post("/logout", h.handleLogout)
		r.With(h.requireAuth).Get("/me", h.handleMe)
	})

	r.Route("/api/topics", func(r chi.Router) {
		r.Use(h.requireAuth)
		r.Get("/", h.handleListTopics)
		r.Post("/", h.handleCreateTopic)
		r.Post("/import", h.handleImportTopics)
		r.Get("/{id}", h.handleGetTopic)
		r.Put("/{id}", h.handleUpdateTopic)
		r.Delete("/{id}", h.handleDeleteTopic)
	})

	r.Route("/api/questions", func(r chi.Router) {
		r.Use(h.requireAuth)
		r.Get("/", h.handleListQuestions)
		r.Post("/", h.handleCreateQuestion)
		r.Post("/bulk", h.handleBulkQuestions)
	})

	r.Route("/api/exams", func(r chi.Router) {
		r.Get("/verify/{accessCode}", h.handleVerifyAccess)
		r.Post("/{ref}/start", h.handleStartExam)
		r.Post("/{ref}/submit", h.handleSubmitExam)
		r.Post("/{ref}/otp/send", h.handleSendOTP)
		r.Post("/{ref}/otp/verify", h.handleVerifyOTP)
		r.Post("/{ref}/upload", h.handleUpload)

		r.Group(func(r chi.Router) {
			r.Use(h.requireAuth)
			r.Get("/", h.handleListExams)
			r.Post("/", h.handleCreateExam)
			r.Get("/{ref}", h.handleGetExam)
			r.Put("/{ref}", h.handleUpdateExam)
		})
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type errorBody struct {
	Message string   `json:"message"`
	Code    string   `json:"code"`
	Errors  []string `json:"errors,omitempty"`
}

type messageBody struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

// writeError maps err to its status code. Unclassified and internal errors are logged
// and answered with a generic message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ae *apperr.Error
	if !errors.As(err, &ae) || ae.Kind == apperr.KindInternal {
		slog.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err,
		)
		writeJSON(w, http.StatusInternalServerError, errorBody{
			Message: appI18n.T(r.Context(), "ErrInternal"),
			Code:    string(apperr.KindInternal),
		})
		return
	}
	writeJSON(w, ae.Kind.HTTPStatus(), errorBody{
		Message: ae.Message,
		Code:    string(ae.Kind),
		Errors:  ae.Details,
	})
}

// decodeJSON reads the request body into v. An empty body leaves v untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return apperr.Validation(appI18n.T(r.Context(), "ErrInvalidBody"), err.Error())
	}
	return nil
}

func queryInt(r *http.Request, key string) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return 0
	}
	return n
}
