// Package gorm provides GORM-based record store operations for cohive.
package gorm

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/thebtf/cohive/pkg/models"
)

// ProjectStore provides project-related database operations using GORM.
type ProjectStore struct {
	db *gorm.DB
}

// NewProjectStore creates a new project store.
func NewProjectStore(store *Store) *ProjectStore {
	return &ProjectStore{db: store.DB}
}

// CreateProject stores a new project with the owner as its first member.
// Project names are stored lowercased and trimmed and must be unique.
func (s *ProjectStore) CreateProject(ctx context.Context, name string, ownerID uuid.UUID) (*models.Project, error) {
	p := &Project{
		Name:    strings.ToLower(strings.TrimSpace(name)),
		Members: []User{{ID: ownerID}},
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var owner User
		if err := tx.First(&owner, "id = ?", ownerID).Error; err != nil {
			return translate(err, "find owner")
		}
		p.Members = []User{owner}
		// Members already exist; only the join row is inserted
		return tx.Omit("Members.*").Create(p).Error
	})
	if err != nil {
		return nil, translate(err, "create project")
	}
	return p.toModel(), nil
}

// FindProjectByID returns the project with its members.
func (s *ProjectStore) FindProjectByID(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	var p Project
	err := s.db.WithContext(ctx).
		Preload("Members", func(db *gorm.DB) *gorm.DB { return db.Order("email") }).
		First(&p, "id = ?", id).Error
	if err != nil {
		return nil, translate(err, "find project")
	}
	return p.toModel(), nil
}

// ListProjectsByUser returns the projects the user is a member of.
func (s *ProjectStore) ListProjectsByUser(ctx context.Context, userID uuid.UUID) ([]*models.Project, error) {
	var rows []Project
	err := s.db.WithContext(ctx).
		Joins("JOIN project_members pm ON pm.project_id = projects.id").
		Where("pm.user_id = ?", userID).
		Preload("Members").
		Order("projects.name").
		Find(&rows).Error
	if err != nil {
		return nil, translate(err, "list projects")
	}
	out := make([]*models.Project, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}

// AddMembers adds users to a project as a set: users that are already
// members are left alone. The requester must be a member. Everything runs
// in one transaction.
func (s *ProjectStore) AddMembers(ctx context.Context, projectID, requesterID uuid.UUID, userIDs []uuid.UUID) (*models.Project, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var project Project
		if err := tx.First(&project, "id = ?", projectID).Error; err != nil {
			return translate(err, "find project")
		}

		var isMember int64
		err := tx.Table("project_members").
			Where("project_id = ? AND user_id = ?", projectID, requesterID).
			Count(&isMember).Error
		if err != nil {
			return err
		}
		if isMember == 0 {
			return models.ErrForbidden
		}

		var users []User
		if err := tx.Where("id IN ?", userIDs).Find(&users).Error; err != nil {
			return err
		}
		if len(users) != len(uniqueIDs(userIDs)) {
			return fmt.Errorf("add members: %w", models.ErrNotFound)
		}

		// Join rows are inserted with ON CONFLICT DO NOTHING
		return tx.Model(&project).Omit("Members.*").Association("Members").Append(&users)
	})
	if err != nil {
		return nil, translate(err, "add members")
	}
	return s.FindProjectByID(ctx, projectID)
}

func uniqueIDs(ids []uuid.UUID) map[uuid.UUID]struct{} {
	set := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
