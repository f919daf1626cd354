package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

type ImportStatus string

const (
	ImportStatusPending    ImportStatus = "pending"     // Created, fan-out not yet finished
	ImportStatusInProgress ImportStatus = "in_progress" // At least one identity task enqueued
	ImportStatusCompleted  ImportStatus = "completed"   // Every identity reached completed or failed
	ImportStatusFailed     ImportStatus = "failed"      // Request-level failure (never set by workers)
)

// ImportRequest is one orchestrated bulk-import operation. Workers never
// read-modify-write this row from memory; counters move only through SQL
// increments and status only moves forward.
type ImportRequest struct {
	ID              string       `gorm:"column:id;primaryKey"`
	TenantID        string       `gorm:"column:tenant_id;index"`
	Status          ImportStatus `gorm:"column:status;index"`
	LookbackDays    int          `gorm:"column:lookback_days"`
	TotalIdentities int          `gorm:"column:total_identities"`
	CompletedCount  int          `gorm:"column:completed_count"`
	FailedCount     int          `gorm:"column:failed_count"`
	CancelRequested bool         `gorm:"column:cancel_requested"`
	CreatedAt       time.Time    `gorm:"column:created_at"`
	UpdatedAt       time.Time    `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (ImportRequest) TableName() string {
	return "import_request"
}

type IdentityStatus string

const (
	IdentityStatusInProgress IdentityStatus = "in_progress"
	IdentityStatusCompleted  IdentityStatus = "completed"
	IdentityStatusFailed     IdentityStatus = "failed"
)

// ImportRequestIdentity is the per-mailbox progress row of an ImportRequest.
// Exactly one worker owns a given (request_id, account_id) at a time, so
// counter snapshots are last-write-wins; errors are append-only.
type ImportRequestIdentity struct {
	RequestID       string         `gorm:"column:request_id;primaryKey"`
	AccountID       string         `gorm:"column:account_id;primaryKey"`
	TenantID        string         `gorm:"column:tenant_id"`
	Status          IdentityStatus `gorm:"column:status"`
	ItemsImported   int            `gorm:"column:items_imported"`
	EntitiesMatched int            `gorm:"column:entities_matched"`
	Errors          ErrorList      `gorm:"column:errors;type:jsonb"`
	CompletedAt     *time.Time     `gorm:"column:completed_at"`
	CreatedAt       time.Time      `gorm:"column:created_at"`
	UpdatedAt       time.Time      `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (ImportRequestIdentity) TableName() string {
	return "import_request_identity"
}

// ErrorList stores per-identity error messages as a JSONB string array.
type ErrorList []string

// Value implements driver.Valuer for JSONB storage
func (e ErrorList) Value() (driver.Value, error) {
	if e == nil {
		return "[]", nil
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner for JSONB retrieval
func (e *ErrorList) Scan(value interface{}) error {
	if value == nil {
		*e = nil
		return nil
	}
	var b []byte
	switch v := value.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return errors.New("unsupported type for ErrorList")
	}
	return json.Unmarshal(b, e)
}
