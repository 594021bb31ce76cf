// Package auth handles administrator accounts and signed session tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/examlink/internal/apperr"
	"github.com/pavelanni/examlink/internal/model"
	"github.com/pavelanni/examlink/internal/store"
)

const (
	CookieName = "auth_token"
	DefaultTTL = 24 * time.Hour
)

// Store is the user persistence auth needs.
type Store interface {
	CreateUser(ctx context.Context, u *model.User) error
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	GetUserByID(ctx context.Context, id string) (*model.User, error)
}

// SeedStore can also count users.
type SeedStore interface {
	Store
	UserCount(ctx context.Context) (int, error)
}

type Config struct {
	Secret        string
	TTL           time.Duration
	SecureCookies bool
}

// Claims is the token payload. Subject holds the user ID.
type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// RegisterInput is the registration payload.
type RegisterInput struct {
	Name     string `json:"name" validate:"required"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=6"`
}

type LoginInput struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type Service struct {
	store  Store
	secret []byte
	ttl    time.Duration
	secure bool
	now    func() time.Time
}

func NewService(st Store, cfg Config) (*Service, error) {
	if cfg.Secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	return &Service{
		store:  st,
		secret: []byte(cfg.Secret),
		ttl:    cfg.TTL,
		secure: cfg.SecureCookies,
		now:    time.Now,
	}, nil
}

// HashPassword returns a bcrypt hash of password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// Register creates an administrator and returns a token for it.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*model.User, string, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Email = normalizeEmail(in.Email)
	if err := apperr.ValidateStruct(in); err != nil {
		return nil, "", err
	}

	hash, err := HashPassword(in.Password)
	if err != nil {
		return nil, "", err
	}
	u := &model.User{Name: in.Name, Email: in.Email, PasswordHash: hash}
	if err := s.store.CreateUser(ctx, u); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, "", apperr.New(apperr.KindConflict, "User already exists")
		}
		return nil, "", err
	}

	token, err := s.IssueToken(u)
	if err != nil {
		return nil, "", err
	}
	return u, token, nil
}

// Login checks credentials and returns a fresh token.
func (s *Service) Login(ctx context.Context, in LoginInput) (*model.User, string, error) {
	in.Email = normalizeEmail(in.Email)
	if err := apperr.ValidateStruct(in); err != nil {
		return nil, "", err
	}
	u, err := s.store.GetUserByEmail(ctx, in.Email)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, "", apperr.New(apperr.KindAuth, "Invalid credentials")
	}
	if err != nil {
		return nil, "", err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(in.Password)); err != nil {
		slog.Warn("failed login", "email", u.Email)
		return nil, "", apperr.New(apperr.KindAuth, "Invalid credentials")
	}

	token, err := s.IssueToken(u)
	if err != nil {
		return nil, "", err
	}
	return u, token, nil
}

// IssueToken signs an HS256 token for u.
func (s *Service) IssueToken(u *model.User) (string, error) {
	now := s.now()
	claims := Claims{
		Email: u.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}

// ParseToken verifies the signature and expiry of raw.
func (s *Service) ParseToken(raw string) (*Claims, error) {
	var claims Claims
	tok, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !tok.Valid {
		return nil, apperr.Wrap(apperr.KindAuth, "Invalid or expired token", err)
	}
	if claims.Subject == "" {
		return nil, apperr.New(apperr.KindAuth, "Invalid or expired token")
	}
	return &claims, nil
}

// Authenticate resolves the user behind the request's cookie or bearer token.
func (s *Service) Authenticate(r *http.Request) (*model.User, error) {
	raw := tokenFromRequest(r)
	if raw == "" {
		return nil, apperr.New(apperr.KindAuth, "Not authenticated")
	}
	claims, err := s.ParseToken(raw)
	if err != nil {
		return nil, err
	}
	u, err := s.store.GetUserByID(r.Context(), claims.Subject)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, apperr.New(apperr.KindAuth, "Not authenticated")
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

func tokenFromRequest(r *http.Request) string {
	if c, err := r.Cookie(CookieName); err == nil && c.Value != "" {
		return c.Value
	}
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	return ""
}

// SetCookie writes the session cookie.
func (s *Service) SetCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(s.ttl.Seconds()),
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearCookie expires the session cookie.
func (s *Service) ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// SeedAdmin creates the first administrator when no users exist yet.
func SeedAdmin(ctx context.Context, st SeedStore, name, email, password string) (bool, error) {
	count, err := st.UserCount(ctx)
	if err != nil {
		return false, fmt.Errorf("count users: %w", err)
	}
	if count > 0 {
		return false, nil
	}
	hash, err := HashPassword(password)
	if err != nil {
		return false, err
	}
	u := &model.User{Name: strings.TrimSpace(name), Email: normalizeEmail(email), PasswordHash: hash}
	if err := st.CreateUser(ctx, u); err != nil {
		return false, fmt.Errorf("create admin: %w", err)
	}
	return true, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
