package models

import "time"

type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"    // Ready for a worker to claim
	TaskStatusProcessing TaskStatus = "processing" // Claimed, lease held by a worker
	TaskStatusCompleted  TaskStatus = "completed"  // Mailbox exhausted or item ceiling reached
	TaskStatusFailed     TaskStatus = "failed"     // Terminal; identity marked failed
)

// ImportTask is one durable-queue row per (request, mailbox). The row carries
// the continuation checkpoint itself: page_token plus the running counters are
// the entire durable state of an in-flight mailbox. Re-enqueuing a
// continuation means writing the advanced checkpoint back into this row and
// flipping it to pending; there is no separate checkpoint table.
type ImportTask struct {
	ID              string     `gorm:"column:id;primaryKey"`
	RequestID       string     `gorm:"column:request_id;index"`
	AccountID       string     `gorm:"column:account_id;index"`
	TenantID        string     `gorm:"column:tenant_id"`
	LookbackDays    int        `gorm:"column:lookback_days"`
	PageToken       *string    `gorm:"column:page_token"`
	ItemsImported   int        `gorm:"column:items_imported"`
	EntitiesMatched int        `gorm:"column:entities_matched"`
	Status          TaskStatus `gorm:"column:status;index"`
	Attempts        int        `gorm:"column:attempts"`
	LastError       *string    `gorm:"column:last_error"`
	NextAttemptAt   time.Time  `gorm:"column:next_attempt_at"`
	LeaseExpiresAt  *time.Time `gorm:"column:lease_expires_at"`
	CreatedAt       time.Time  `gorm:"column:created_at"`
	UpdatedAt       time.Time  `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (ImportTask) TableName() string {
	return "import_task"
}
