package handler

import (
	"net/http"

	"github.com/pavelanni/examlink/internal/apperr"
	"github.com/pavelanni/examlink/internal/auth"
	appI18n "github.com/pavelanni/examlink/internal/i18n"
	"github.com/pavelanni/examlink/internal/model"
)

type authResponse struct {
	User  *model.User `json:"user"`
	Token string      `json:"token"`
}

// requireAuth rejects requests without a valid session and stores the user in the context.
func (h *Handler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := h.auth.Authenticate(r)
		if err != nil {
			if apperr.KindOf(err) == apperr.KindAuth {
				writeJSON(w, http.StatusUnauthorized, errorBody{
					Message: appI18n.T(r.Context(), "ErrUnauthorized"),
					Code:    string(apperr.KindAuth),
				})
				return
			}
			writeError(w, r, err)
			return
		}
		ctx := model.ContextWithUser(r.Context(), user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var in auth.RegisterInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	user, token, err := h.auth.Register(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.auth.SetCookie(w, token)
	writeJSON(w, http.StatusCreated, authResponse{User: user, Token: token})
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var in auth.LoginInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	user, token, err := h.auth.Login(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.auth.SetCookie(w, token)
	writeJSON(w, http.StatusOK, authResponse{User: user, Token: token})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	h.auth.ClearCookie(w)
	writeJSON(w, http.StatusOK, messageBody{Message: appI18n.T(r.Context(), "LoggedOut")})
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]*model.User{"user": model.UserFromContext(r.Context())})
}

func adminID(r *http.Request) string {
	if u := model.UserFromContext(r.Context()); u != nil {
		return u.ID
	}
	return ""
}
