// Package gorm provides GORM-based record store operations for cohive.
package gorm

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
	"gorm.io/gorm/logger"

	"github.com/thebtf/cohive/pkg/models"
)

// StoreSuite runs against a real Postgres given by COHIVE_TEST_DATABASE_URL.
type StoreSuite struct {
	suite.Suite
	store    *Store
	users    *UserStore
	projects *ProjectStore
	ctx      context.Context
}

func TestStoreSuite(t *testing.T) {
	if os.Getenv("COHIVE_TEST_DATABASE_URL") == "" {
		t.Skip("COHIVE_TEST_DATABASE_URL not set")
	}
	suite.Run(t, new(StoreSuite))
}

func (s *StoreSuite) SetupSuite() {
	store, err := NewStore(Config{
		DSN:      os.Getenv("COHIVE_TEST_DATABASE_URL"),
		MaxConns: 4,
		LogLevel: logger.Silent,
	})
	s.Require().NoError(err)
	s.store = store
	s.users = NewUserStore(store)
	s.projects = NewProjectStore(store)
	s.ctx = context.Background()
}

func (s *StoreSuite) TearDownSuite() {
	if s.store != nil {
		s.store.Close()
	}
}

func (s *StoreSuite) SetupTest() {
	s.Require().NoError(s.store.DB.Exec("TRUNCATE project_members, projects, users CASCADE").Error)
}

func (s *StoreSuite) newUser(email string) *models.User {
	u, err := s.users.CreateUser(s.ctx, email, "hash")
	s.Require().NoError(err)
	return u
}

// TestMigrations tests that all tables exist.
func (s *StoreSuite) TestMigrations() {
	for _, table := range []string{"users", "projects", "project_members"} {
		s.True(s.store.DB.Migrator().HasTable(table), table)
	}
	s.NoError(s.store.Ping())
}

// TestUsers tests user creation and lookups.
func (s *StoreSuite) TestUsers() {
	alice := s.newUser("  Alice@Example.com ")
	s.Equal("alice@example.com", alice.Email)
	s.NotEqual(uuid.Nil, alice.ID)

	_, err := s.users.CreateUser(s.ctx, "alice@example.com", "other")
	s.ErrorIs(err, models.ErrConflict)

	found, hash, err := s.users.FindUserByEmail(s.ctx, "ALICE@example.com")
	s.Require().NoError(err)
	s.Equal(alice.ID, found.ID)
	s.Equal("hash", hash)

	_, _, err = s.users.FindUserByEmail(s.ctx, "nobody@example.com")
	s.ErrorIs(err, models.ErrNotFound)

	bob := s.newUser("bob@example.com")
	others, err := s.users.ListUsersExcept(s.ctx, alice.ID)
	s.Require().NoError(err)
	s.Len(others, 1)
	s.Equal(bob.ID, others[0].ID)

	byID, err := s.users.FindUserByID(s.ctx, bob.ID)
	s.Require().NoError(err)
	s.Equal("bob@example.com", byID.Email)
}

// TestProjects tests project creation and membership.
func (s *StoreSuite) TestProjects() {
	alice := s.newUser("alice@example.com")
	bob := s.newUser("bob@example.com")
	carol := s.newUser("carol@example.com")

	p, err := s.projects.CreateProject(s.ctx, "  My App ", alice.ID)
	s.Require().NoError(err)
	s.Equal("my app", p.Name)
	s.True(p.HasMemberID(alice.ID))

	_, err = s.projects.CreateProject(s.ctx, "my app", bob.ID)
	s.ErrorIs(err, models.ErrConflict)

	found, err := s.projects.FindProjectByID(s.ctx, p.ID)
	s.Require().NoError(err)
	s.Len(found.Users, 1)

	_, err = s.projects.FindProjectByID(s.ctx, uuid.New())
	s.ErrorIs(err, models.ErrNotFound)

	// Non-members cannot add people
	_, err = s.projects.AddMembers(s.ctx, p.ID, bob.ID, []uuid.UUID{carol.ID})
	s.ErrorIs(err, models.ErrForbidden)

	// Adding is a set union, duplicates included
	updated, err := s.projects.AddMembers(s.ctx, p.ID, alice.ID, []uuid.UUID{bob.ID, alice.ID, bob.ID})
	s.Require().NoError(err)
	s.Len(updated.Users, 2)
	s.True(updated.HasMember("bob@example.com"))

	updated, err = s.projects.AddMembers(s.ctx, p.ID, bob.ID, []uuid.UUID{bob.ID, carol.ID})
	s.Require().NoError(err)
	s.Len(updated.Users, 3)

	_, err = s.projects.AddMembers(s.ctx, p.ID, alice.ID, []uuid.UUID{uuid.New()})
	s.ErrorIs(err, models.ErrNotFound)

	list, err := s.projects.ListProjectsByUser(s.ctx, carol.ID)
	s.Require().NoError(err)
	s.Len(list, 1)
	s.Equal(p.ID, list[0].ID)
	s.Len(list[0].Users, 3)
}
