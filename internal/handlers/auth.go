package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/washline/apiserver/internal/audit"
	"github.com/washline/apiserver/internal/auth"
	"github.com/washline/apiserver/internal/services"
	"github.com/washline/apiserver/types"
	"go.uber.org/zap"
)

const (
	invalidCredentials = "Invalid credentials"
	loginRateLimit     = 10
	loginRateWindow    = time.Minute
)

// AuthHandler provides the session endpoints.
type AuthHandler struct {
	authService *services.AuthService
	guard       *auth.Guard
	codec       *auth.Codec
	cookies     auth.Cookies
	events      services.EventRecorder
	logger      *zap.Logger
}

// NewAuthHandler constructs an AuthHandler with the provided dependencies.
func NewAuthHandler(
	authService *services.AuthService,
	guard *auth.Guard,
	codec *auth.Codec,
	cookies auth.Cookies,
	events services.EventRecorder,
	logger *zap.Logger,
) *AuthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthHandler{
		authService: authService,
		guard:       guard,
		codec:       codec,
		cookies:     cookies,
		events:      events,
		logger:      logger,
	}
}

// AuthRouter registers auth routes on the given router. Login attempts are
// limited per client address and, separately, per account email.
func AuthRouter(r chi.Router, handler *AuthHandler) {
	r.With(
		httprate.Limit(loginRateLimit, loginRateWindow,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(tooManyLogins),
		),
		httprate.Limit(loginRateLimit, loginRateWindow,
			httprate.WithKeyFuncs(keyByLoginEmail),
			httprate.WithLimitHandler(tooManyLogins),
		),
	).Post("/login", handler.Login)
	r.Post("/logout", handler.Logout)
	r.Get("/me", handler.Me)
}

func tooManyLogins(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusTooManyRequests, "Too many login attempts")
}

// keyByLoginEmail keys on the normalized email of a login body and puts the
// body back for the handler. Unreadable bodies share one bucket.
func keyByLoginEmail(r *http.Request) (string, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxJSONBodyBytes+1))
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	if err != nil {
		return "email:", nil
	}
	var req LoginRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return "email:", nil
	}
	return "email:" + types.NormalizeEmail(req.Email), nil
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type LoginResponse struct {
	Message string     `json:"message"`
	User    types.User `json:"user"`
}

type MeResponse struct {
	User          types.User `json:"user"`
	Authenticated bool       `json:"authenticated"`
}

type LogoutResponse struct {
	Message string `json:"message"`
}

// Login verifies credentials and sets the session cookie.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	req.Email = strings.TrimSpace(req.Email)
	req.Role = strings.TrimSpace(req.Role)
	if req.Email == "" || req.Password == "" || req.Role == "" {
		writeError(w, http.StatusBadRequest, "Email, password, and role are required")
		return
	}
	if _, err := types.ParseRole(req.Role); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid role")
		return
	}

	result, err := h.authService.Login(r.Context(), services.LoginInput{
		Email:    req.Email,
		Password: req.Password,
		Role:     req.Role,
	})
	if err != nil {
		if errors.Is(err, services.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, invalidCredentials)
			return
		}
		if errors.Is(err, auth.ErrStoreTimeout) {
			h.logger.Error("login timed out", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "Service unavailable")
			return
		}
		h.logger.Error("login failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	h.cookies.Set(w, result.Token)
	writeJSON(w, http.StatusOK, LoginResponse{Message: "Login successful", User: result.User})
}

// Logout clears the session cookie. It succeeds with or without a session.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if claims, ok := h.sessionClaims(r); ok && h.events != nil {
		id, _ := claims.NumericUserID()
		h.events.Record(r.Context(), audit.Event{
			Kind:       audit.KindLogout,
			UserID:     id,
			Email:      claims.Email,
			Role:       claims.Role.String(),
			RemoteAddr: r.RemoteAddr,
			Path:       r.URL.Path,
		})
	}
	h.cookies.Clear(w)
	writeJSON(w, http.StatusOK, LogoutResponse{Message: "Logged out successfully"})
}

// Me returns the current identity after re-checking it against the store.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	user, err := h.guard.CurrentIdentity(r)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthenticated) {
			h.cookies.Clear(w)
		}
		h.guard.WriteAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, MeResponse{User: user, Authenticated: true})
}

// sessionClaims reads the cookie directly; logout is public, so the
// gatekeeper has not verified anything for it.
func (h *AuthHandler) sessionClaims(r *http.Request) (auth.Claims, bool) {
	token, ok := auth.TokenFromRequest(r)
	if !ok {
		return auth.Claims{}, false
	}
	claims, err := h.codec.Parse(token)
	if err != nil {
		return auth.Claims{}, false
	}
	return claims, true
}
