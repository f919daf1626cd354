package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/talentmesh/mailsync-worker/internal/models"
)

type CorrelationRepository struct {
	db *gorm.DB
}

func NewCorrelationRepository(db *gorm.DB) *CorrelationRepository {
	return &CorrelationRepository{db: db}
}

// Create inserts one correlation record, deduplicating on
// (account_id, message_id). Returns false when the row already existed, which
// is how a redelivered page avoids double-counting matches.
func (r *CorrelationRepository) Create(ctx context.Context, record models.CorrelationRecord) (bool, error) {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account_id"}, {Name: "message_id"}},
			DoNothing: true,
		}).
		Create(&record)
	if result.Error != nil {
		return false, fmt.Errorf("failed to create correlation record: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}
