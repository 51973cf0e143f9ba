// Package gorm provides GORM-based record store operations for cohive.
package gorm

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/thebtf/cohive/pkg/models"
)

// GORM Models

// User represents a registered account.
type User struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	Email        string    `gorm:"size:50;uniqueIndex;not null"`
	PasswordHash string    `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
}

func (User) TableName() string { return "users" }

// BeforeCreate hook to ensure the id is set.
func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	return nil
}

func (u *User) toModel() models.User {
	return models.User{ID: u.ID, Email: u.Email, CreatedAt: u.CreatedAt}
}

// Project represents a shared workspace. Members live in the
// project_members join table.
type Project struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name      string    `gorm:"uniqueIndex;not null"`
	Members   []User    `gorm:"many2many:project_members;constraint:OnDelete:CASCADE"`
	CreatedAt time.Time `gorm:"not null"`
}

func (Project) TableName() string { return "projects" }

// BeforeCreate hook to ensure the id is set.
func (p *Project) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

func (p *Project) toModel() *models.Project {
	users := make([]models.User, 0, len(p.Members))
	for i := range p.Members {
		users = append(users, p.Members[i].toModel())
	}
	return &models.Project{
		ID:        p.ID,
		Name:      p.Name,
		Users:     users,
		CreatedAt: p.CreatedAt,
	}
}
