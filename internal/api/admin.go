package api

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"

	"chatwave/internal/auth"
	"chatwave/internal/models"
)

type roomStats interface {
	Stats() (sessions, rooms int)
}

// AdminHandler serves the admin API. It is meant to listen on a local
// address only and has no authentication of its own.
type AdminHandler struct {
	authService *auth.AuthService
	rooms       roomStats
}

func NewAdminHandler(authService *auth.AuthService, rooms roomStats) *AdminHandler {
	return &AdminHandler{authService: authService, rooms: rooms}
}

type AddUserRequest struct {
	Username string          `json:"username"`
	Email    string          `json:"email"`
	Role     models.UserRole `json:"role,omitempty"`
}

type AddUserResponse struct {
	User     models.User `json:"user"`
	Password string      `json:"password"`
}

type StatsResponse struct {
	Sessions int `json:"sessions"`
	Rooms    int `json:"rooms"`
}

// AddUserHandler creates an account with a random password and returns the
// password once.
func (h *AdminHandler) AddUserHandler(w http.ResponseWriter, r *http.Request) {
	var req AddUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	role := req.Role
	if role == "" {
		role = models.UserRoleUser
	}
	if role != models.UserRoleUser && role != models.UserRoleAdmin {
		writeError(w, r, fmt.Errorf("%w: unknown role %q", models.ErrValidation, role))
		return
	}

	password, err := generatePassword()
	if err != nil {
		writeError(w, r, err)
		return
	}

	user, err := h.authService.AddUser(r.Context(), auth.RegistrationRequest{
		Username: req.Username,
		Email:    req.Email,
		Password: password,
	}, role)
	if err != nil {
		writeError(w, r, err)
		return
	}

	slog.Info("user created by admin", "user_id", user.ID, "username", user.Username, "role", role)
	writeJSON(w, http.StatusCreated, AddUserResponse{User: user, Password: password})
}

func (h *AdminHandler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	sessions, rooms := h.rooms.Stats()
	writeJSON(w, http.StatusOK, StatsResponse{Sessions: sessions, Rooms: rooms})
}

func generatePassword() (string, error) {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate password: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
