package handler

import "time"

// ImportRequestBody is the submission payload. AccountIDs and UserIDs may be
// combined; the import covers the union of what they resolve to.
type ImportRequestBody struct {
	TenantID     string   `json:"tenant_id" binding:"required"`
	AccountIDs   []string `json:"account_ids"`
	UserIDs      []string `json:"user_ids"`
	LookbackDays int      `json:"lookback_days"`
}

// ImportSubmitResponse reports the fan-out of an accepted submission.
type ImportSubmitResponse struct {
	RequestID   string   `json:"request_id"`
	AccountIDs  []string `json:"account_ids"`
	DroppedRefs []string `json:"dropped_refs,omitempty"`
}

// IdentityResponse is one mailbox's progress within an import.
type IdentityResponse struct {
	AccountID       string     `json:"account_id"`
	Status          string     `json:"status"`
	ItemsImported   int        `json:"items_imported"`
	EntitiesMatched int        `json:"entities_matched"`
	Errors          []string   `json:"errors,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// ImportStatusResponse is the aggregate view of one import request.
type ImportStatusResponse struct {
	RequestID       string             `json:"request_id"`
	Status          string             `json:"status"`
	LookbackDays    int                `json:"lookback_days"`
	TotalIdentities int                `json:"total_identities"`
	CompletedCount  int                `json:"completed_count"`
	FailedCount     int                `json:"failed_count"`
	CancelRequested bool               `json:"cancel_requested"`
	Identities      []IdentityResponse `json:"identities"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Database  string    `json:"database"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}
