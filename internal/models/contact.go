package models

import "time"

// Contact is a known CRM entity, looked up by normalized email address within
// a tenant. This system only ever reads contacts.
type Contact struct {
	ID        string    `gorm:"column:id;primaryKey"`
	TenantID  string    `gorm:"column:tenant_id;uniqueIndex:idx_contact_tenant_email"`
	Email     string    `gorm:"column:email;uniqueIndex:idx_contact_tenant_email"`
	FullName  *string   `gorm:"column:full_name"`
	CompanyID *string   `gorm:"column:company_id"`
	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (Contact) TableName() string {
	return "contact"
}
