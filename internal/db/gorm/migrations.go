// Package gorm provides GORM-based record store operations for cohive.
package gorm

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// runMigrations runs all database migrations using gormigrate.
func runMigrations(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		// Migration 001: users
		{
			ID: "001_users",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&User{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("users")
			},
		},

		// Migration 002: projects and the membership join table
		{
			ID: "002_projects",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&Project{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("project_members", "projects")
			},
		},

		// Migration 003: lookup of a user's projects
		{
			ID: "003_project_members_user_idx",
			Migrate: func(tx *gorm.DB) error {
				return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_project_members_user ON project_members (user_id)`).Error
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Exec(`DROP INDEX IF EXISTS idx_project_members_user`).Error
			},
		},
	})

	return m.Migrate()
}
