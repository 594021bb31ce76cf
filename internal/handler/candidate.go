package handler

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/examlink/internal/apperr"
	"github.com/pavelanni/examlink/internal/exam"
	appI18n "github.com/pavelanni/examlink/internal/i18n"
	"github.com/pavelanni/examlink/internal/model"
	"github.com/pavelanni/examlink/internal/upload"
)

func (h *Handler) handleVerifyAccess(w http.ResponseWriter, r *http.Request) {
	summary, err := h.exams.VerifyAccess(r.Context(), chi.URLParam(r, "accessCode"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]*model.ExamSummary{"exam": summary})
}

func (h *Handler) handleStartExam(w http.ResponseWriter, r *http.Request) {
	var details exam.CandidateDetails
	if err := decodeJSON(w, r, &details); err != nil {
		writeError(w, r, err)
		return
	}
	if details.IP == "" {
		details.IP = clientIP(r)
	}
	if details.UserAgent == "" {
		details.UserAgent = r.UserAgent()
	}

	res, err := h.exams.StartExam(r.Context(), chi.URLParam(r, "ref"), details)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type submitRequest struct {
	Answers map[string]*int `json:"answers"`
	Logs    json.RawMessage `json:"logs"`
}

type submitResponse struct {
	Message string `json:"message"`
	*exam.SubmitResult
}

func (h *Handler) handleSubmitExam(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.exams.SubmitExam(r.Context(), chi.URLParam(r, "ref"), exam.Submission{
		Answers: req.Answers,
		Logs:    activityLogs(req.Logs),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, submitResponse{
		Message:      appI18n.T(r.Context(), "ExamSubmitted"),
		SubmitResult: res,
	})
}

// activityLogs returns the decoded logs, or nil when raw is absent or not a well-formed array.
// A nil result keeps the stored logs.
func activityLogs(raw json.RawMessage) []model.ActivityLog {
	if len(raw) == 0 {
		return nil
	}
	var logs []model.ActivityLog
	if err := json.Unmarshal(raw, &logs); err != nil {
		return nil
	}
	return logs
}

type otpRequest struct {
	Email string `json:"email"`
	OTP   string `json:"otp"`
}

func (h *Handler) handleSendOTP(w http.ResponseWriter, r *http.Request) {
	var req otpRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.exams.SendOTP(r.Context(), chi.URLParam(r, "ref"), req.Email); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageBody{Message: appI18n.T(r.Context(), "OTPSent")})
}

func (h *Handler) handleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req otpRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.exams.VerifyOTP(r.Context(), chi.URLParam(r, "ref"), req.OTP); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageBody{Message: appI18n.T(r.Context(), "OTPVerified")})
}

func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, upload.MaxFormBytes)
	if err := r.ParseMultipartForm(upload.MaxFormBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, apperr.Validation(appI18n.T(r.Context(), "ErrUploadTooLarge")))
			return
		}
		writeError(w, r, apperr.Validation(appI18n.T(r.Context(), "ErrInvalidBody"), err.Error()))
		return
	}
	defer r.MultipartForm.RemoveAll()

	files, err := h.uploads.SaveForm(r.MultipartForm)
	if err != nil {
		var tooMany *upload.TooManyFilesError
		if errors.As(err, &tooMany) {
			writeError(w, r, apperr.Validation(appI18n.Td(r.Context(), "ErrTooManyFiles", map[string]any{
				"Field": tooMany.Field,
				"Max":   tooMany.Max,
			})))
			return
		}
		writeError(w, r, err)
		return
	}

	info, err := h.exams.AttachFiles(r.Context(), chi.URLParam(r, "ref"), files)
	if err != nil {
		h.uploads.Remove(files)
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": files, "candidate_info": info})
}

// clientIP returns the request's remote host. RealIP middleware has already applied proxy headers.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
