package models

import "time"

// Correlation direction constants
const (
	DirectionInbound  = "inbound"  // Sent to the mailbox by the matched contact
	DirectionOutbound = "outbound" // Sent from the mailbox to the matched contact
)

// CorrelationRecord links one imported mailbox item to a matched contact.
// Rows are append-only and deduplicated on (account_id, message_id): the queue
// may redeliver a page that was already processed, and the unique index plus
// ON CONFLICT DO NOTHING is what makes that redelivery harmless.
type CorrelationRecord struct {
	ID         string    `gorm:"column:id;primaryKey"`
	TenantID   string    `gorm:"column:tenant_id;index"`
	AccountID  string    `gorm:"column:account_id;uniqueIndex:idx_correlation_account_message"`
	MessageID  string    `gorm:"column:message_id;uniqueIndex:idx_correlation_account_message"`
	ContactID  string    `gorm:"column:contact_id;index"`
	Direction  string    `gorm:"column:direction"`
	OccurredAt time.Time `gorm:"column:occurred_at"`
	CreatedAt  time.Time `gorm:"column:created_at"`
}

// TableName specifies the table name for GORM
func (CorrelationRecord) TableName() string {
	return "correlation_record"
}
