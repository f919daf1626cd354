package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/talentmesh/mailsync-worker/internal/models"
)

var ErrAccountNotFound = errors.New("account not found")

type AccountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// GetByID retrieves an account by ID within a tenant
func (r *AccountRepository) GetByID(ctx context.Context, tenantID, accountID string) (*models.Account, error) {
	var account models.Account
	result := r.db.WithContext(ctx).First(&account, "id = ? AND tenant_id = ?", accountID, tenantID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", result.Error)
	}
	return &account, nil
}

// ListByUser retrieves all of a user's connected accounts within a tenant
func (r *AccountRepository) ListByUser(ctx context.Context, tenantID, userID string) ([]models.Account, error) {
	var accounts []models.Account
	result := r.db.WithContext(ctx).
		Where("tenant_id = ? AND user_id = ?", tenantID, userID).
		Order("created_at ASC").
		Find(&accounts)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", result.Error)
	}
	return accounts, nil
}

// UpdateTokens persists a rotated credential pair. Called whenever the
// upstream token exchange hands back a new pair, independent of any
// checkpoint write, so a crash mid-page never loses credential continuity.
func (r *AccountRepository) UpdateTokens(ctx context.Context, accountID string, accessToken, refreshToken string, expiresAt time.Time) error {
	result := r.db.WithContext(ctx).Model(&models.Account{}).
		Where("id = ?", accountID).
		Updates(map[string]interface{}{
			"access_token":            accessToken,
			"refresh_token":           refreshToken,
			"access_token_expires_at": expiresAt,
			"needs_reauth":            false,
			"updated_at":              time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update tokens: %w", result.Error)
	}
	return nil
}

// Invalidate clears the stored credential pair and flags the account for
// re-authentication so no other worker wastes attempts against it.
func (r *AccountRepository) Invalidate(ctx context.Context, accountID string) error {
	result := r.db.WithContext(ctx).Model(&models.Account{}).
		Where("id = ?", accountID).
		Updates(map[string]interface{}{
			"access_token":            nil,
			"refresh_token":           nil,
			"access_token_expires_at": nil,
			"needs_reauth":            true,
			"updated_at":              time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to invalidate account: %w", result.Error)
	}
	return nil
}
