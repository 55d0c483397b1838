package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/ardoise/stonetrade/internal/audit"
	"github.com/ardoise/stonetrade/internal/auth"
	"github.com/ardoise/stonetrade/internal/middleware"
	"github.com/ardoise/stonetrade/internal/user"
	"github.com/ardoise/stonetrade/internal/validate"
)

// AuthHandlers holds dependencies for authentication HTTP handlers.
type AuthHandlers struct {
	users    user.Repository
	jwt      *auth.JWTService
	recorder *audit.Recorder
}

// NewAuthHandlers creates a new AuthHandlers instance.
func NewAuthHandlers(users user.Repository, jwt *auth.JWTService, recorder *audit.Recorder) *AuthHandlers {
	return &AuthHandlers{users: users, jwt: jwt, recorder: recorder}
}

// LoginRequest represents the request body for login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResponse carries the issued token pair.
type LoginResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	Role         string `json:"role"`
}

// Login authenticates a user by email and password and issues a token pair.
// POST /auth/login
func (h *AuthHandlers) Login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body")
		return
	}
	if req.Email == "" || req.Password == "" {
		ctx = middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "email and password are required")
		return
	}
	email, err := validate.Email(req.Email)
	if err != nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "invalid email address")
		return
	}

	u, err := h.users.GetByEmail(ctx, email)
	if err != nil {
		// Unknown email and wrong password are the same failure to the
		// caller and to the audit log.
		h.denyLogin(w, r, "", "unknown email")
		return
	}
	if err := auth.CheckPassword(u.PasswordHash, req.Password); err != nil {
		h.denyLogin(w, r, u.ID, "wrong password")
		return
	}

	access, err := h.jwt.GenerateAccessToken(u.ID, u.Role)
	if err != nil {
		slog.ErrorContext(ctx, "failed to generate access token", "error", err)
		ctx = middleware.SetErrorCode(ctx, ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "failed to issue token")
		return
	}
	refresh, err := h.jwt.GenerateRefreshToken(u.ID)
	if err != nil {
		slog.ErrorContext(ctx, "failed to generate refresh token", "error", err)
		ctx = middleware.SetErrorCode(ctx, ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "failed to issue token")
		return
	}

	h.recorder.Record(ctx, audit.Record{
		SubjectID: u.ID,
		Role:      u.Role,
		Action:    "auth.login",
		Status:    audit.StatusSuccess,
		RequestID: middleware.GetRequestID(ctx),
		ClientIP:  audit.ClientIP(r),
		UserAgent: r.UserAgent(),
	})

	writeJSON(w, ctx, http.StatusOK, LoginResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		Role:         auth.NormalizeRole(u.Role),
	})
}

func (h *AuthHandlers) denyLogin(w http.ResponseWriter, r *http.Request, subjectID, details string) {
	ctx := r.Context()
	h.recorder.Record(ctx, audit.Record{
		SubjectID: subjectID,
		Action:    "auth.login",
		Status:    audit.StatusFailedAuth,
		RequestID: middleware.GetRequestID(ctx),
		ClientIP:  audit.ClientIP(r),
		UserAgent: r.UserAgent(),
		Details:   details,
	})
	ctx = middleware.SetErrorCode(ctx, ErrCodeAuthFailed)
	WriteError(w, ctx, http.StatusUnauthorized, ErrCodeAuthFailed, "invalid email or password")
}

// RefreshRequest represents the request body for token refresh.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Refresh exchanges a valid refresh token for a new access token.
// POST /auth/refresh
func (h *AuthHandlers) Refresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		ctx = middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "refresh_token is required")
		return
	}

	claims, err := h.jwt.ValidateToken(req.RefreshToken)
	if err != nil || claims.Type != auth.TokenTypeRefresh {
		ctx = middleware.SetErrorCode(ctx, ErrCodeAuthFailed)
		WriteError(w, ctx, http.StatusUnauthorized, ErrCodeAuthFailed, "invalid refresh token")
		return
	}

	// The role is re-read from the store so a role change invalidates old
	// refresh tokens' privileges.
	u, err := h.users.GetByID(ctx, claims.Subject)
	if err != nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeAuthFailed)
		WriteError(w, ctx, http.StatusUnauthorized, ErrCodeAuthFailed, "invalid refresh token")
		return
	}

	access, err := h.jwt.GenerateAccessToken(u.ID, u.Role)
	if err != nil {
		slog.ErrorContext(ctx, "failed to generate access token", "error", err)
		ctx = middleware.SetErrorCode(ctx, ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "failed to issue token")
		return
	}

	writeJSON(w, ctx, http.StatusOK, map[string]string{"access_token": access})
}
