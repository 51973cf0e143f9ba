package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/cohive/pkg/models"
)

// Rejection reasons surfaced to connecting clients.
var (
	ErrInvalidProject   = errors.New("Invalid projectId")
	ErrUnauthenticated  = errors.New("Authentication Error")
	ErrProjectNotFound  = errors.New("Project not found")
	ErrForbidden        = errors.New("Not a project member")
	errMissingToken     = fmt.Errorf("%w: no token", ErrUnauthenticated)
	errRevokedToken     = fmt.Errorf("%w: token revoked", ErrUnauthenticated)
	errRevocationLookup = fmt.Errorf("%w: revocation lookup failed", ErrUnauthenticated)
)

// ProjectFinder resolves projects from the record store.
type ProjectFinder interface {
	FindProjectByID(ctx context.Context, id uuid.UUID) (*models.Project, error)
}

// Identity is what a successful authentication attaches to a session.
type Identity struct {
	Email   string
	Token   string
	Project *models.Project
}

// Authenticator validates a connection attempt's credential and project.
type Authenticator struct {
	tokens   *TokenService
	revoked  RevocationList
	projects ProjectFinder
}

// NewAuthenticator wires the token verifier, the logout blacklist and the
// project store.
func NewAuthenticator(tokens *TokenService, revoked RevocationList, projects ProjectFinder) *Authenticator {
	return &Authenticator{
		tokens:   tokens,
		revoked:  revoked,
		projects: projects,
	}
}

// Tokens returns the token service.
func (a *Authenticator) Tokens() *TokenService {
	return a.tokens
}

// Revocations returns the logout blacklist.
func (a *Authenticator) Revocations() RevocationList {
	return a.revoked
}

// VerifyToken runs the credential checks shared by sockets and REST calls:
// presence, blacklist, then signature and expiry.
func (a *Authenticator) VerifyToken(ctx context.Context, token string) (*Claims, error) {
	if token == "" {
		return nil, errMissingToken
	}
	revoked, err := a.revoked.IsRevoked(ctx, token)
	if err != nil {
		log.Error().Err(err).Msg("Revocation lookup failed, rejecting token")
		return nil, errRevocationLookup
	}
	if revoked {
		return nil, errRevokedToken
	}
	claims, err := a.tokens.Verify(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	return claims, nil
}

// Authenticate validates a connection attempt for the given project. The
// checks run in a fixed order and the first failure is final.
func (a *Authenticator) Authenticate(ctx context.Context, token, projectID string) (*Identity, error) {
	id, err := uuid.Parse(projectID)
	if err != nil {
		return nil, ErrInvalidProject
	}

	claims, err := a.VerifyToken(ctx, token)
	if err != nil {
		return nil, err
	}

	project, err := a.projects.FindProjectByID(ctx, id)
	if errors.Is(err, models.ErrNotFound) {
		return nil, ErrProjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find project %s: %w", id, err)
	}
	if !project.HasMember(claims.Email) {
		return nil, ErrForbidden
	}

	return &Identity{
		Email:   claims.Email,
		Token:   token,
		Project: project,
	}, nil
}

// Reason returns the human readable rejection reason for err.
func Reason(err error) string {
	for _, known := range []error{ErrInvalidProject, ErrUnauthenticated, ErrProjectNotFound, ErrForbidden} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return "Internal Server Error"
}

// StatusCode maps a rejection onto an HTTP status.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, ErrInvalidProject):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrProjectNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// TokenFromRequest extracts a bearer token from the token cookie, the
// Authorization header or the token query parameter, in that order.
func TokenFromRequest(r *http.Request) string {
	if c, err := r.Cookie("token"); err == nil && c.Value != "" {
		return c.Value
	}
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return r.URL.Query().Get("token")
}
