package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/talentmesh/mailsync-worker/internal/models"
)

var ErrContactNotFound = errors.New("contact not found")

type ContactRepository struct {
	db *gorm.DB
}

func NewContactRepository(db *gorm.DB) *ContactRepository {
	return &ContactRepository{db: db}
}

// FindByEmail looks up a contact by normalized email address within a tenant.
// A miss returns ErrContactNotFound; callers treat it as a normal outcome.
func (r *ContactRepository) FindByEmail(ctx context.Context, tenantID, email string) (*models.Contact, error) {
	var contact models.Contact
	result := r.db.WithContext(ctx).First(&contact, "tenant_id = ? AND email = ?", tenantID, email)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrContactNotFound
		}
		return nil, fmt.Errorf("failed to find contact: %w", result.Error)
	}
	return &contact, nil
}
