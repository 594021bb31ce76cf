package handler

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/examlink/internal/apperr"
	"github.com/pavelanni/examlink/internal/catalog"
	appI18n "github.com/pavelanni/examlink/internal/i18n"
	"github.com/pavelanni/examlink/internal/model"
)

const maxImportBytes = 10 << 20

func (h *Handler) handleListTopics(w http.ResponseWriter, r *http.Request) {
	page, err := h.catalog.ListTopics(r.Context(), queryInt(r, "page"), queryInt(r, "limit"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) handleGetTopic(w http.ResponseWriter, r *http.Request) {
	topic, err := h.catalog.GetTopic(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, topic)
}

func (h *Handler) handleCreateTopic(w http.ResponseWriter, r *http.Request) {
	var in catalog.TopicInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	topic, err := h.catalog.CreateTopic(r.Context(), adminID(r), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, topic)
}

func (h *Handler) handleUpdateTopic(w http.ResponseWriter, r *http.Request) {
	var in catalog.TopicInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	topic, err := h.catalog.UpdateTopic(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, topic)
}

func (h *Handler) handleDeleteTopic(w http.ResponseWriter, r *http.Request) {
	if err := h.catalog.DeleteTopic(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageBody{Message: "Topic deleted"})
}

// handleImportTopics accepts a JSON topics file in the "file" form field.
func (h *Handler) handleImportTopics(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxImportBytes)
	if err := r.ParseMultipartForm(maxImportBytes); err != nil {
		writeError(w, r, apperr.Validation(appI18n.T(r.Context(), "ErrUploadTooLarge"), err.Error()))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, apperr.Validation("No file uploaded"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.catalog.ImportFile(r.Context(), adminID(r), header.Filename, data)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleListQuestions(w http.ResponseWriter, r *http.Request) {
	questions, err := h.catalog.ListQuestions(r.Context(), r.URL.Query().Get("topic_id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, questions)
}

type createQuestionRequest struct {
	TopicID string `json:"topic_id"`
	catalog.QuestionInput
}

func (h *Handler) handleCreateQuestion(w http.ResponseWriter, r *http.Request) {
	var req createQuestionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	q, err := h.catalog.CreateQuestion(r.Context(), req.TopicID, req.QuestionInput)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, q)
}

type bulkQuestionsRequest struct {
	TopicID   string                  `json:"topic_id"`
	Questions []catalog.QuestionInput `json:"questions"`
}

type bulkQuestionsResponse struct {
	Message string `json:"message"`
	*catalog.BulkResult
}

func (h *Handler) handleBulkQuestions(w http.ResponseWriter, r *http.Request) {
	var req bulkQuestionsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.catalog.BulkCreateQuestions(r.Context(), req.TopicID, req.Questions)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, bulkQuestionsResponse{
		Message:    appI18n.Tp(r.Context(), "QuestionsUploaded", res.Created),
		BulkResult: res,
	})
}

func (h *Handler) handleListExams(w http.ResponseWriter, r *http.Request) {
	exams, err := h.exams.ListExams(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exams)
}

func (h *Handler) handleGetExam(w http.ResponseWriter, r *http.Request) {
	e, err := h.exams.GetExam(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (h *Handler) handleCreateExam(w http.ResponseWriter, r *http.Request) {
	var cfg model.ExamConfig
	if err := decodeJSON(w, r, &cfg); err != nil {
		writeError(w, r, err)
		return
	}
	e, err := h.exams.CreateExam(r.Context(), adminID(r), cfg)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

func (h *Handler) handleUpdateExam(w http.ResponseWriter, r *http.Request) {
	var cfg model.ExamConfig
	if err := decodeJSON(w, r, &cfg); err != nil {
		writeError(w, r, err)
		return
	}
	e, err := h.exams.UpdateExam(r.Context(), chi.URLParam(r, "ref"), cfg)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}
