// Package taskqueue implements the durable, at-least-once task queue on top
// of Postgres. Each import_task row is both the queue entry and the
// continuation checkpoint for one mailbox; claiming uses FOR UPDATE SKIP
// LOCKED so a task lineage is only ever held by one worker at a time.
package taskqueue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/talentmesh/mailsync-worker/internal/models"
)

const (
	initialRetryInterval = 30 * time.Second
	maxRetryInterval     = 15 * time.Minute
)

type Queue struct {
	db          *sql.DB
	maxAttempts int
	lease       time.Duration
}

func New(db *sql.DB, maxAttempts int, lease time.Duration) *Queue {
	return &Queue{
		db:          db,
		maxAttempts: maxAttempts,
		lease:       lease,
	}
}

// Enqueue inserts one pending task, immediately claimable.
func (q *Queue) Enqueue(ctx context.Context, task models.ImportTask) error {
	query := `
		INSERT INTO import_task (
			id, request_id, account_id, tenant_id, lookback_days,
			page_token, items_imported, entities_matched, status,
			attempts, next_attempt_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	now := time.Now()
	_, err := q.db.ExecContext(ctx, query,
		task.ID,
		task.RequestID,
		task.AccountID,
		task.TenantID,
		task.LookbackDays,
		task.PageToken,
		task.ItemsImported,
		task.EntitiesMatched,
		models.TaskStatusPending,
		task.Attempts,
		now,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}

	return nil
}

// Claim atomically leases up to limit due tasks, incrementing their attempt
// counter. SKIP LOCKED keeps concurrent dispatcher processes from claiming
// the same rows.
func (q *Queue) Claim(ctx context.Context, limit int) ([]models.ImportTask, error) {
	query := `
		UPDATE import_task
		SET status = $1, attempts = attempts + 1,
		    lease_expires_at = $2, updated_at = $3
		WHERE id IN (
			SELECT id FROM import_task
			WHERE status = $4 AND next_attempt_at <= $3
			ORDER BY next_attempt_at ASC
			LIMIT $5
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, request_id, account_id, tenant_id, lookback_days,
		          page_token, items_imported, entities_matched, status,
		          attempts, last_error, next_attempt_at, lease_expires_at,
		          created_at, updated_at
	`

	now := time.Now()
	rows, err := q.db.QueryContext(ctx, query,
		models.TaskStatusProcessing, now.Add(q.lease), now,
		models.TaskStatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim tasks: %w", err)
	}
	defer rows.Close()

	return scanTasks(rows)
}

// Complete marks a task terminal-successful.
func (q *Queue) Complete(ctx context.Context, taskID string) error {
	query := `
		UPDATE import_task
		SET status = $1, lease_expires_at = NULL, updated_at = $2
		WHERE id = $3
	`

	_, err := q.db.ExecContext(ctx, query, models.TaskStatusCompleted, time.Now(), taskID)
	if err != nil {
		return fmt.Errorf("failed to complete task: %w", err)
	}

	return nil
}

// Fail marks a task terminal-failed. Never retried afterwards.
func (q *Queue) Fail(ctx context.Context, taskID, reason string) error {
	query := `
		UPDATE import_task
		SET status = $1, last_error = $2, lease_expires_at = NULL, updated_at = $3
		WHERE id = $4
	`

	_, err := q.db.ExecContext(ctx, query, models.TaskStatusFailed, reason, time.Now(), taskID)
	if err != nil {
		return fmt.Errorf("failed to fail task: %w", err)
	}

	return nil
}

// Retry schedules redelivery of the task with its checkpoint untouched: the
// failed page produced no durable progress, so the same continuation is
// delivered again after a backoff. Returns exhausted=true once the attempt
// ceiling is reached, in which case the task is terminally failed instead.
func (q *Queue) Retry(ctx context.Context, task *models.ImportTask, reason string) (bool, error) {
	if task.Attempts >= q.maxAttempts {
		if err := q.Fail(ctx, task.ID, reason); err != nil {
			return true, err
		}
		return true, nil
	}

	query := `
		UPDATE import_task
		SET status = $1, last_error = $2, lease_expires_at = NULL,
		    next_attempt_at = $3, updated_at = $4
		WHERE id = $5
	`

	now := time.Now()
	_, err := q.db.ExecContext(ctx, query,
		models.TaskStatusPending, reason,
		now.Add(retryDelay(task.Attempts)), now, task.ID)
	if err != nil {
		return false, fmt.Errorf("failed to schedule retry: %w", err)
	}

	return false, nil
}

// Reenqueue writes the advanced checkpoint back into the task row and makes
// it claimable again. This is how a worker that ran out of time budget hands
// its continuation to the next invocation; it is not a failure, so the
// attempt counter restarts.
func (q *Queue) Reenqueue(ctx context.Context, taskID string, pageToken *string, itemsImported, entitiesMatched int) error {
	query := `
		UPDATE import_task
		SET status = $1, page_token = $2, items_imported = $3,
		    entities_matched = $4, attempts = 0, last_error = NULL,
		    lease_expires_at = NULL, next_attempt_at = $5, updated_at = $5
		WHERE id = $6
	`

	_, err := q.db.ExecContext(ctx, query,
		models.TaskStatusPending, pageToken, itemsImported, entitiesMatched,
		time.Now(), taskID)
	if err != nil {
		return fmt.Errorf("failed to re-enqueue continuation: %w", err)
	}

	return nil
}

// ReapExpired returns tasks whose lease lapsed (worker crash, orchestrator
// dying mid-fan-out, process kill) to the pending pool with their last
// written checkpoint intact.
func (q *Queue) ReapExpired(ctx context.Context) (int64, error) {
	query := `
		UPDATE import_task
		SET status = $1, lease_expires_at = NULL, next_attempt_at = $2, updated_at = $2
		WHERE status = $3 AND lease_expires_at < $2
	`

	result, err := q.db.ExecContext(ctx, query,
		models.TaskStatusPending, time.Now(), models.TaskStatusProcessing)
	if err != nil {
		return 0, fmt.Errorf("failed to reap expired leases: %w", err)
	}

	reaped, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}

	return reaped, nil
}

// retryDelay computes the redelivery backoff for the given attempt count.
func retryDelay(attempts int) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initialRetryInterval
	bo.MaxInterval = maxRetryInterval
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	delay := bo.NextBackOff()
	for i := 1; i < attempts; i++ {
		delay = bo.NextBackOff()
	}
	return delay
}

func scanTasks(rows *sql.Rows) ([]models.ImportTask, error) {
	var tasks []models.ImportTask

	for rows.Next() {
		var task models.ImportTask
		err := rows.Scan(
			&task.ID,
			&task.RequestID,
			&task.AccountID,
			&task.TenantID,
			&task.LookbackDays,
			&task.PageToken,
			&task.ItemsImported,
			&task.EntitiesMatched,
			&task.Status,
			&task.Attempts,
			&task.LastError,
			&task.NextAttemptAt,
			&task.LeaseExpiresAt,
			&task.CreatedAt,
			&task.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return tasks, nil
}
