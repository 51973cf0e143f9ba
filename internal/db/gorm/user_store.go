// Package gorm provides GORM-based record store operations for cohive.
package gorm

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/thebtf/cohive/pkg/models"
)

// UserStore provides user-related database operations using GORM.
type UserStore struct {
	db *gorm.DB
}

// NewUserStore creates a new user store.
func NewUserStore(store *Store) *UserStore {
	return &UserStore{db: store.DB}
}

// CreateUser stores a new user. Emails are stored lowercased and trimmed.
func (s *UserStore) CreateUser(ctx context.Context, email, passwordHash string) (*models.User, error) {
	u := &User{
		Email:        normalizeEmail(email),
		PasswordHash: passwordHash,
	}
	if err := s.db.WithContext(ctx).Create(u).Error; err != nil {
		return nil, translate(err, "create user")
	}
	m := u.toModel()
	return &m, nil
}

// FindUserByEmail returns the user and its password hash.
func (s *UserStore) FindUserByEmail(ctx context.Context, email string) (*models.User, string, error) {
	var u User
	err := s.db.WithContext(ctx).
		Where("email = ?", normalizeEmail(email)).
		First(&u).Error
	if err != nil {
		return nil, "", translate(err, "find user")
	}
	m := u.toModel()
	return &m, u.PasswordHash, nil
}

// FindUserByID returns the user with the given id.
func (s *UserStore) FindUserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var u User
	if err := s.db.WithContext(ctx).First(&u, "id = ?", id).Error; err != nil {
		return nil, translate(err, "find user")
	}
	m := u.toModel()
	return &m, nil
}

// ListUsersExcept returns every user other than the given one.
func (s *UserStore) ListUsersExcept(ctx context.Context, id uuid.UUID) ([]models.User, error) {
	var rows []User
	err := s.db.WithContext(ctx).
		Where("id <> ?", id).
		Order("email").
		Find(&rows).Error
	if err != nil {
		return nil, translate(err, "list users")
	}
	out := make([]models.User, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
