package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/talentmesh/mailsync-worker/internal/models"
)

var ErrRequestNotFound = errors.New("import request not found")

// ImportRequestRepository persists ImportRequest rows and their per-identity
// progress. All mutations are commutative (SQL increments, guarded status
// transitions, jsonb appends) so concurrently running workers never need a
// read-modify-write cycle, and batch-completion detection always happens
// against the freshly incremented counters inside the same transaction.
type ImportRequestRepository struct {
	db *sql.DB
}

func NewImportRequestRepository(db *sql.DB) *ImportRequestRepository {
	return &ImportRequestRepository{db: db}
}

// Create inserts a new import request
func (r *ImportRequestRepository) Create(ctx context.Context, req models.ImportRequest) error {
	query := `
		INSERT INTO import_request (
			id, tenant_id, status, lookback_days, total_identities,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.db.ExecContext(ctx, query,
		req.ID,
		req.TenantID,
		req.Status,
		req.LookbackDays,
		req.TotalIdentities,
		req.CreatedAt,
		req.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create import request: %w", err)
	}

	return nil
}

// UpdateStatus moves the request status forward. Transitions out of a
// terminal state are silently ignored.
func (r *ImportRequestRepository) UpdateStatus(ctx context.Context, requestID string, status models.ImportStatus) error {
	query := `
		UPDATE import_request
		SET status = $1, updated_at = $2
		WHERE id = $3 AND status NOT IN ($4, $5)
	`

	_, err := r.db.ExecContext(ctx, query, status, time.Now(), requestID,
		models.ImportStatusCompleted, models.ImportStatusFailed)
	if err != nil {
		return fmt.Errorf("failed to update request status: %w", err)
	}

	return nil
}

// AddIdentity registers one mailbox on the request in state in_progress.
// Idempotent: re-adding an existing identity is a no-op.
func (r *ImportRequestRepository) AddIdentity(ctx context.Context, identity models.ImportRequestIdentity) error {
	query := `
		INSERT INTO import_request_identity (
			request_id, account_id, tenant_id, status, items_imported,
			entities_matched, errors, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, '[]', $7, $8)
		ON CONFLICT (request_id, account_id) DO NOTHING
	`

	now := time.Now()
	_, err := r.db.ExecContext(ctx, query,
		identity.RequestID,
		identity.AccountID,
		identity.TenantID,
		identity.Status,
		identity.ItemsImported,
		identity.EntitiesMatched,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to add identity: %w", err)
	}

	return nil
}

// RecordProgress snapshots an identity's running counters. Counters are
// last-write-wins (only one worker owns an identity at a time); errors are
// appended, never replaced.
func (r *ImportRequestRepository) RecordProgress(ctx context.Context, requestID, accountID string, itemsImported, entitiesMatched int, errs []string) error {
	errsJSON, err := marshalErrors(errs)
	if err != nil {
		return err
	}

	query := `
		UPDATE import_request_identity
		SET items_imported = $1,
		    entities_matched = $2,
		    errors = errors || $3::jsonb,
		    updated_at = $4
		WHERE request_id = $5 AND account_id = $6 AND status = $7
	`

	_, err = r.db.ExecContext(ctx, query,
		itemsImported, entitiesMatched, errsJSON, time.Now(),
		requestID, accountID, models.IdentityStatusInProgress)
	if err != nil {
		return fmt.Errorf("failed to record progress: %w", err)
	}

	return nil
}

// CompleteIdentity moves one identity to completed with its final counters,
// increments the parent's completed_count, and flips the parent to completed
// when every identity has reached a terminal state.
func (r *ImportRequestRepository) CompleteIdentity(ctx context.Context, requestID, accountID string, itemsImported, entitiesMatched int, errs []string) error {
	errsJSON, err := marshalErrors(errs)
	if err != nil {
		return err
	}

	return r.finishIdentity(ctx, requestID, `
		UPDATE import_request_identity
		SET status = $1, items_imported = $2, entities_matched = $3,
		    errors = errors || $4::jsonb, completed_at = $5, updated_at = $5
		WHERE request_id = $6 AND account_id = $7 AND status = $8
	`, []interface{}{
		models.IdentityStatusCompleted, itemsImported, entitiesMatched,
		errsJSON, time.Now(), requestID, accountID, models.IdentityStatusInProgress,
	}, "completed_count")
}

// FailIdentity moves one identity to failed with a reason, increments the
// parent's failed_count, and performs the same terminal-state check as
// CompleteIdentity. A failed identity never blocks the batch from completing.
func (r *ImportRequestRepository) FailIdentity(ctx context.Context, requestID, accountID, reason string) error {
	errsJSON, err := marshalErrors([]string{reason})
	if err != nil {
		return err
	}

	return r.finishIdentity(ctx, requestID, `
		UPDATE import_request_identity
		SET status = $1, errors = errors || $2::jsonb, completed_at = $3, updated_at = $3
		WHERE request_id = $4 AND account_id = $5 AND status = $6
	`, []interface{}{
		models.IdentityStatusFailed, errsJSON, time.Now(),
		requestID, accountID, models.IdentityStatusInProgress,
	}, "failed_count")
}

// finishIdentity runs the guarded terminal transition in one transaction.
// The status guard makes redelivered terminal transitions no-ops, which keeps
// completed_count + failed_count from ever exceeding total_identities. The
// parent counter update uses RETURNING so completion detection reads the
// counters as written, never a stale in-memory copy.
func (r *ImportRequestRepository) finishIdentity(ctx context.Context, requestID, identityQuery string, identityArgs []interface{}, counterColumn string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, identityQuery, identityArgs...)
	if err != nil {
		return fmt.Errorf("failed to update identity: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		// Identity already terminal (redelivered transition); nothing to count.
		return tx.Commit()
	}

	counterQuery := fmt.Sprintf(`
		UPDATE import_request
		SET %s = %s + 1, updated_at = $1
		WHERE id = $2
		RETURNING completed_count, failed_count, total_identities
	`, counterColumn, counterColumn)

	var completed, failed, total int
	err = tx.QueryRowContext(ctx, counterQuery, time.Now(), requestID).
		Scan(&completed, &failed, &total)
	if err != nil {
		return fmt.Errorf("failed to increment %s: %w", counterColumn, err)
	}

	if completed+failed >= total {
		_, err = tx.ExecContext(ctx, `
			UPDATE import_request
			SET status = $1, updated_at = $2
			WHERE id = $3 AND status = $4
		`, models.ImportStatusCompleted, time.Now(), requestID, models.ImportStatusInProgress)
		if err != nil {
			return fmt.Errorf("failed to complete request: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}

	return nil
}

// CancelRequested reports whether a cancel sentinel has been set on the
// request. Workers check this once per page, never mid-page.
func (r *ImportRequestRepository) CancelRequested(ctx context.Context, requestID string) (bool, error) {
	var cancel bool
	err := r.db.QueryRowContext(ctx,
		`SELECT cancel_requested FROM import_request WHERE id = $1`, requestID).
		Scan(&cancel)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, ErrRequestNotFound
		}
		return false, fmt.Errorf("failed to read cancel sentinel: %w", err)
	}
	return cancel, nil
}

// RequestCancel sets the cancel sentinel. Best-effort: in-flight workers
// observe it at their next page boundary.
func (r *ImportRequestRepository) RequestCancel(ctx context.Context, tenantID, requestID string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE import_request
		SET cancel_requested = TRUE, updated_at = $1
		WHERE id = $2 AND tenant_id = $3
	`, time.Now(), requestID, tenantID)
	if err != nil {
		return fmt.Errorf("failed to request cancel: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return ErrRequestNotFound
	}

	return nil
}

// GetSnapshot returns the request and its per-identity rows as a best-effort
// point-in-time view for the status endpoint.
func (r *ImportRequestRepository) GetSnapshot(ctx context.Context, tenantID, requestID string) (*models.ImportRequest, []models.ImportRequestIdentity, error) {
	var req models.ImportRequest
	err := r.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, status, lookback_days, total_identities,
		       completed_count, failed_count, cancel_requested, created_at, updated_at
		FROM import_request
		WHERE id = $1 AND tenant_id = $2
	`, requestID, tenantID).Scan(
		&req.ID,
		&req.TenantID,
		&req.Status,
		&req.LookbackDays,
		&req.TotalIdentities,
		&req.CompletedCount,
		&req.FailedCount,
		&req.CancelRequested,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil, ErrRequestNotFound
		}
		return nil, nil, fmt.Errorf("failed to get import request: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT request_id, account_id, tenant_id, status, items_imported,
		       entities_matched, errors, completed_at, created_at, updated_at
		FROM import_request_identity
		WHERE request_id = $1
		ORDER BY account_id ASC
	`, requestID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query identities: %w", err)
	}
	defer rows.Close()

	var identities []models.ImportRequestIdentity
	for rows.Next() {
		var identity models.ImportRequestIdentity
		err := rows.Scan(
			&identity.RequestID,
			&identity.AccountID,
			&identity.TenantID,
			&identity.Status,
			&identity.ItemsImported,
			&identity.EntitiesMatched,
			&identity.Errors,
			&identity.CompletedAt,
			&identity.CreatedAt,
			&identity.UpdatedAt,
		)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to scan identity: %w", err)
		}
		identities = append(identities, identity)
	}

	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return &req, identities, nil
}

func marshalErrors(errs []string) (string, error) {
	if errs == nil {
		errs = []string{}
	}
	b, err := json.Marshal(errs)
	if err != nil {
		return "", fmt.Errorf("failed to marshal errors: %w", err)
	}
	return string(b), nil
}
