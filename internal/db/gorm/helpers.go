// Package gorm provides GORM-based record store operations for cohive.
package gorm

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/thebtf/cohive/pkg/models"
)

// translate maps gorm sentinel errors onto the model errors callers match on.
func translate(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%s: %w", what, models.ErrNotFound)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%s: %w", what, models.ErrConflict)
	default:
		return fmt.Errorf("%s: %w", what, err)
	}
}
