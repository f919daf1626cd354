package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/talentmesh/mailsync-worker/internal/models"
	"github.com/talentmesh/mailsync-worker/internal/repository"
)

// DefaultLookbackDays bounds the import window when the caller does not
// specify one.
const DefaultLookbackDays = 365

// AccountDirectory resolves submitted identity references to accounts.
type AccountDirectory interface {
	GetByID(ctx context.Context, tenantID, accountID string) (*models.Account, error)
	ListByUser(ctx context.Context, tenantID, userID string) ([]models.Account, error)
}

// Enqueuer is the orchestrator's write surface on the task queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, task models.ImportTask) error
}

// SubmitParams describes one bulk-import submission. AccountIDs and UserIDs
// may both be set; the union of what they resolve to is imported.
type SubmitParams struct {
	TenantID     string
	AccountIDs   []string
	UserIDs      []string
	LookbackDays int
}

// SubmitResult reports what the submission fanned out to. DroppedRefs lists
// the submitted references that resolved to nothing; they are reported, not
// fatal.
type SubmitResult struct {
	RequestID   string
	AccountIDs  []string
	DroppedRefs []string
}

// Orchestrator accepts import submissions and fans them out into one durable
// task per resolved mailbox.
type Orchestrator struct {
	directory AccountDirectory
	progress  *ProgressAggregator
	queue     Enqueuer
	log       *logrus.Entry
}

func NewOrchestrator(directory AccountDirectory, progress *ProgressAggregator, queue Enqueuer, log *logrus.Logger) *Orchestrator {
	return &Orchestrator{
		directory: directory,
		progress:  progress,
		queue:     queue,
		log:       log.WithField("component", "orchestrator"),
	}
}

// Submit validates and fans out an import request. Unresolvable references
// are dropped with a log line; resolving to zero accounts is an
// ErrInvalidArgument. Identities and tasks are created account by account,
// and an identity whose enqueue fails is marked failed on the spot, so the
// request can always settle.
func (o *Orchestrator) Submit(ctx context.Context, params SubmitParams) (*SubmitResult, error) {
	if params.TenantID == "" {
		return nil, fmt.Errorf("%w: tenant_id is required", ErrInvalidArgument)
	}
	if len(params.AccountIDs) == 0 && len(params.UserIDs) == 0 {
		return nil, fmt.Errorf("%w: at least one account_id or user_id is required", ErrInvalidArgument)
	}
	lookback := params.LookbackDays
	if lookback <= 0 {
		lookback = DefaultLookbackDays
	}

	accounts, dropped, err := o.resolveAccounts(ctx, params)
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		return nil, fmt.Errorf("%w: no submitted reference resolved to a connected account", ErrInvalidArgument)
	}

	requestID := uuid.NewString()
	now := time.Now()

	req := models.ImportRequest{
		ID:              requestID,
		TenantID:        params.TenantID,
		Status:          models.ImportStatusPending,
		LookbackDays:    lookback,
		TotalIdentities: len(accounts),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := o.progress.CreateRequest(ctx, req, nil); err != nil {
		return nil, err
	}
	// The request must be in_progress before any task is claimable: an
	// identity that settles against a pending parent would increment the
	// counters without ever being able to flip the parent to completed.
	if err := o.progress.MarkInProgress(ctx, requestID); err != nil {
		return nil, err
	}

	accountIDs := make([]string, 0, len(accounts))
	for _, account := range accounts {
		identity := models.ImportRequestIdentity{
			RequestID: requestID,
			AccountID: account.ID,
			TenantID:  params.TenantID,
			Status:    models.IdentityStatusInProgress,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := o.progress.AddIdentity(ctx, identity); err != nil {
			return nil, fmt.Errorf("add identity %s: %w", account.ID, err)
		}

		task := models.ImportTask{
			ID:           uuid.NewString(),
			RequestID:    requestID,
			AccountID:    account.ID,
			TenantID:     params.TenantID,
			LookbackDays: lookback,
			Status:       models.TaskStatusPending,
		}
		if err := o.queue.Enqueue(ctx, task); err != nil {
			// The identity row exists but its task does not. Fail the
			// identity so the request can still reach a terminal state.
			o.log.WithFields(logrus.Fields{
				"request_id": requestID,
				"account_id": account.ID,
			}).WithError(err).Error("enqueue failed, failing identity")
			if failErr := o.progress.MarkFailed(ctx, requestID, account.ID, "could not enqueue import task"); failErr != nil {
				o.log.WithError(failErr).Error("could not fail identity after enqueue failure")
			}
			continue
		}
		accountIDs = append(accountIDs, account.ID)
	}

	if len(accountIDs) == 0 {
		return nil, fmt.Errorf("enqueue failed for every resolved account")
	}

	o.log.WithFields(logrus.Fields{
		"request_id": requestID,
		"tenant_id":  params.TenantID,
		"accounts":   len(accountIDs),
		"dropped":    len(dropped),
	}).Info("import request submitted")

	return &SubmitResult{
		RequestID:   requestID,
		AccountIDs:  accountIDs,
		DroppedRefs: dropped,
	}, nil
}

// resolveAccounts expands the submitted references into distinct accounts.
// Explicit account IDs come first, then each user's connected accounts.
func (o *Orchestrator) resolveAccounts(ctx context.Context, params SubmitParams) ([]models.Account, []string, error) {
	var (
		accounts []models.Account
		dropped  []string
	)
	seen := make(map[string]struct{})

	add := func(account models.Account) {
		if _, dup := seen[account.ID]; dup {
			return
		}
		seen[account.ID] = struct{}{}
		accounts = append(accounts, account)
	}

	for _, accountID := range params.AccountIDs {
		account, err := o.directory.GetByID(ctx, params.TenantID, accountID)
		if err != nil {
			if errors.Is(err, repository.ErrAccountNotFound) {
				o.log.WithFields(logrus.Fields{
					"tenant_id":  params.TenantID,
					"account_id": accountID,
				}).Warn("dropping unknown account reference")
				dropped = append(dropped, accountID)
				continue
			}
			return nil, nil, fmt.Errorf("resolve account %s: %w", accountID, err)
		}
		add(*account)
	}

	for _, userID := range params.UserIDs {
		userAccounts, err := o.directory.ListByUser(ctx, params.TenantID, userID)
		if err != nil {
			return nil, nil, fmt.Errorf("resolve user %s: %w", userID, err)
		}
		if len(userAccounts) == 0 {
			o.log.WithFields(logrus.Fields{
				"tenant_id": params.TenantID,
				"user_id":   userID,
			}).Warn("dropping user reference with no connected accounts")
			dropped = append(dropped, userID)
			continue
		}
		for _, account := range userAccounts {
			add(account)
		}
	}

	return accounts, dropped, nil
}
