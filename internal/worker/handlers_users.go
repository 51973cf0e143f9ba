package worker

import (
	"errors"
	"net/http"
	"net/mail"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/cohive/internal/auth"
	"github.com/thebtf/cohive/pkg/models"
)

const (
	minEmailLen    = 6
	maxEmailLen    = 50
	minPasswordLen = 6
)

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	User  *models.User `json:"user"`
	Token string       `json:"token"`
}

// validate normalizes the email and returns the first problem found, or
// an empty string.
func (c *credentials) validate() string {
	c.Email = strings.ToLower(strings.TrimSpace(c.Email))
	if len(c.Email) < minEmailLen || len(c.Email) > maxEmailLen {
		return "Email must be between 6 and 50 characters"
	}
	if addr, err := mail.ParseAddress(c.Email); err != nil || addr.Address != c.Email {
		return "Must be a valid Email address"
	}
	if len(c.Password) < minPasswordLen {
		return "Password must be at least 6 characters"
	}
	return ""
}

func (s *Service) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		log.Error().Err(err).Msg("Failed to hash password")
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	user, err := s.users.CreateUser(r.Context(), req.Email, hash)
	if errors.Is(err, models.ErrConflict) {
		writeError(w, http.StatusConflict, "User already exists")
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to create user")
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	token, err := s.auth.Tokens().Issue(user.Email)
	if err != nil {
		log.Error().Err(err).Msg("Failed to issue token")
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	log.Info().Str("userId", user.ID.String()).Msg("User registered")
	writeJSON(w, http.StatusCreated, authResponse{User: user, Token: token})
}

func (s *Service) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	user, hash, err := s.users.FindUserByEmail(r.Context(), req.Email)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		log.Error().Err(err).Msg("Failed to load user")
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	if user == nil || !auth.CheckPassword(hash, req.Password) {
		writeError(w, http.StatusUnauthorized, "Invalid Credentials")
		return
	}

	token, err := s.auth.Tokens().Issue(user.Email)
	if err != nil {
		log.Error().Err(err).Msg("Failed to issue token")
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	writeJSON(w, http.StatusOK, authResponse{User: user, Token: token})
}

func (s *Service) handleProfile(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"user": currentUser(r)})
}

// handleLogout blacklists the caller's token for the token lifetime.
func (s *Service) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.auth.Revocations().Revoke(r.Context(), currentToken(r), s.auth.Tokens().TTL()); err != nil {
		log.Error().Err(err).Msg("Failed to revoke token")
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	http.SetCookie(w, &http.Cookie{Name: "token", Value: "", Path: "/", MaxAge: -1})
	writeJSON(w, http.StatusOK, map[string]string{"message": "Logged out successfully"})
}

func (s *Service) handleAllUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.users.ListUsersExcept(r.Context(), currentUser(r).ID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list users")
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	if users == nil {
		users = []models.User{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}
