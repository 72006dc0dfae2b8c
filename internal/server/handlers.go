package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ashita-ai/hanashi/internal/auth"
	"github.com/ashita-ai/hanashi/internal/ratelimit"
	"github.com/ashita-ai/hanashi/internal/storage"
)

// Handlers carries the dependencies shared by all HTTP handlers.
type Handlers struct {
	db            *storage.DB
	jwtMgr        *auth.JWTManager
	hub           *Hub
	limiter       ratelimit.Limiter
	upgrader      websocket.Upgrader
	logger        *slog.Logger
	version       string
	startedAt     time.Time
	maxFrameBytes int64
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	UserID    string    `json:"user_id"`
}

// HandleLogin exchanges email/password credentials for a short-lived socket
// token.
func (h *Handlers) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "bad_request", "email and password are required")
		return
	}

	user, err := h.db.GetUserByEmail(r.Context(), req.Email)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Burn comparable time so unknown emails are not distinguishable
			// from wrong passwords.
			auth.DummyVerify()
			writeError(w, r, http.StatusUnauthorized, "unauthorized", "invalid credentials")
			return
		}
		h.logger.Error("login lookup failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, "internal", "internal server error")
		return
	}

	ok, err := auth.VerifyPassword(req.Password, user.PasswordHash)
	if err != nil || !ok {
		writeError(w, r, http.StatusUnauthorized, "unauthorized", "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(user.ID, user.Email)
	if err != nil {
		h.logger.Error("issue token failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, "internal", "internal server error")
		return
	}

	h.logger.Info("user logged in", "user_id", user.ID.String())
	writeJSON(w, r, http.StatusOK, loginResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		UserID:    user.ID.String(),
	})
}

type meResponse struct {
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// HandleMe returns the authenticated user behind a socket token. Useful for
// clients that want to validate a stored token before opening the socket.
func (h *Handlers) HandleMe(w http.ResponseWriter, r *http.Request) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		writeError(w, r, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	claims, err := h.jwtMgr.ValidateToken(token)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, "unauthorized", "invalid or expired token")
		return
	}

	user, err := h.db.GetUserByID(r.Context(), claims.UserID())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusUnauthorized, "unauthorized", "unknown user")
			return
		}
		h.logger.Error("me lookup failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, "internal", "internal server error")
		return
	}

	writeJSON(w, r, http.StatusOK, meResponse{
		UserID:    user.ID.String(),
		Email:     user.Email,
		CreatedAt: user.CreatedAt,
	})
}

type healthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	UptimeMS int64  `json:"uptime_ms"`
	Database string `json:"database"`
}

// HandleHealth reports liveness and database reachability.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:   "ok",
		Version:  h.version,
		UptimeMS: time.Since(h.startedAt).Milliseconds(),
		Database: "ok",
	}

	status := http.StatusOK
	if err := h.db.Ping(r.Context()); err != nil {
		h.logger.Error("health check database ping failed", "error", err)
		resp.Status = "degraded"
		resp.Database = "unreachable"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, r, status, resp)
}
