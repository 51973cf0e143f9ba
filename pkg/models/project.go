package models

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Record store errors.
var (
	ErrNotFound  = errors.New("record not found")
	ErrConflict  = errors.New("record already exists")
	ErrForbidden = errors.New("user does not belong to the project")
)

// User is a registered account. The password hash never leaves the store.
type User struct {
	ID        uuid.UUID `json:"_id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
}

// Project is a shared workspace and the identity of its room.
type Project struct {
	ID        uuid.UUID `json:"_id"`
	Name      string    `json:"name"`
	Users     []User    `json:"users"`
	CreatedAt time.Time `json:"createdAt"`
}

// RoomID is the room key of the project.
func (p *Project) RoomID() string {
	return p.ID.String()
}

// HasMember reports whether the user with the given email belongs to the project.
func (p *Project) HasMember(email string) bool {
	for _, u := range p.Users {
		if strings.EqualFold(u.Email, email) {
			return true
		}
	}
	return false
}

// HasMemberID reports whether the user with the given id belongs to the project.
func (p *Project) HasMemberID(id uuid.UUID) bool {
	for _, u := range p.Users {
		if u.ID == id {
			return true
		}
	}
	return false
}
