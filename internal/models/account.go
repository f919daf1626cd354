package models

import "time"

// Account represents one connected mailbox and its OAuth credential pair.
// Tokens are nullable: a disconnected or revoked account keeps its row but
// loses its tokens and carries needs_reauth until the user reconnects.
type Account struct {
	ID                   string     `gorm:"column:id;primaryKey"`
	TenantID             string     `gorm:"column:tenant_id;index"`
	UserID               string     `gorm:"column:user_id;index"`
	Email                string     `gorm:"column:email"`
	ProviderID           string     `gorm:"column:provider_id"`
	AccessToken          *string    `gorm:"column:access_token"`
	RefreshToken         *string    `gorm:"column:refresh_token"`
	AccessTokenExpiresAt *time.Time `gorm:"column:access_token_expires_at"`
	Scope                *string    `gorm:"column:scope"`
	NeedsReauth          bool       `gorm:"column:needs_reauth"`
	CreatedAt            time.Time  `gorm:"column:created_at"`
	UpdatedAt            time.Time  `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (Account) TableName() string {
	return "account"
}
