package service

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/talentmesh/mailsync-worker/internal/metrics"
	"github.com/talentmesh/mailsync-worker/internal/models"
)

// ProgressAggregator is the single write path for import progress. Every
// mutation it issues is commutative or guarded, so workers can report in any
// order, report the same thing twice, or report for a request that already
// reached a terminal state, without corrupting the counters.
type ProgressAggregator struct {
	repo    ProgressRepository
	metrics *metrics.Metrics
	log     *logrus.Entry
}

func NewProgressAggregator(repo ProgressRepository, m *metrics.Metrics, log *logrus.Logger) *ProgressAggregator {
	return &ProgressAggregator{
		repo:    repo,
		metrics: m,
		log:     log.WithField("component", "progress"),
	}
}

// CreateRequest persists a new pending import request with its identity rows.
func (p *ProgressAggregator) CreateRequest(ctx context.Context, req models.ImportRequest, identities []models.ImportRequestIdentity) error {
	if err := p.repo.Create(ctx, req); err != nil {
		return fmt.Errorf("create import request: %w", err)
	}
	for _, identity := range identities {
		if err := p.repo.AddIdentity(ctx, identity); err != nil {
			return fmt.Errorf("add identity %s: %w", identity.AccountID, err)
		}
	}
	return nil
}

// AddIdentity registers one mailbox under an existing request. Idempotent:
// re-adding an existing (request, account) pair is a no-op.
func (p *ProgressAggregator) AddIdentity(ctx context.Context, identity models.ImportRequestIdentity) error {
	return p.repo.AddIdentity(ctx, identity)
}

// MarkInProgress moves the request out of pending once fan-out has begun.
// The underlying update is guarded, so calling it on an already-terminal
// request is a no-op.
func (p *ProgressAggregator) MarkInProgress(ctx context.Context, requestID string) error {
	return p.repo.UpdateStatus(ctx, requestID, models.ImportStatusInProgress)
}

// RecordProgress publishes one checkpoint's counters for an identity. The
// counters are cumulative snapshots for the identity, not deltas; errs are
// appended to the identity's error list.
func (p *ProgressAggregator) RecordProgress(ctx context.Context, requestID, accountID string, itemsImported, entitiesMatched int, errs []string) error {
	if err := p.repo.RecordProgress(ctx, requestID, accountID, itemsImported, entitiesMatched, errs); err != nil {
		return fmt.Errorf("record progress: %w", err)
	}
	if len(errs) > 0 {
		p.metrics.ItemErrors.Add(float64(len(errs)))
	}
	return nil
}

// MarkCompleted settles an identity as completed with its final counters.
// When it is the last open identity, the repository flips the parent request
// to completed in the same transaction.
func (p *ProgressAggregator) MarkCompleted(ctx context.Context, requestID, accountID string, itemsImported, entitiesMatched int, errs []string) error {
	if err := p.repo.CompleteIdentity(ctx, requestID, accountID, itemsImported, entitiesMatched, errs); err != nil {
		return fmt.Errorf("complete identity: %w", err)
	}
	p.log.WithFields(logrus.Fields{
		"request_id":       requestID,
		"account_id":       accountID,
		"items_imported":   itemsImported,
		"entities_matched": entitiesMatched,
	}).Info("identity completed")
	return nil
}

// MarkFailed settles an identity as failed. A failed identity still counts
// toward request completion: the request completes when every identity has
// settled, whichever way.
func (p *ProgressAggregator) MarkFailed(ctx context.Context, requestID, accountID, reason string) error {
	if err := p.repo.FailIdentity(ctx, requestID, accountID, reason); err != nil {
		return fmt.Errorf("fail identity: %w", err)
	}
	p.log.WithFields(logrus.Fields{
		"request_id": requestID,
		"account_id": accountID,
		"reason":     reason,
	}).Warn("identity failed")
	return nil
}

// CancelRequested reports whether a cancel has been requested for the
// request. Workers poll this between pages.
func (p *ProgressAggregator) CancelRequested(ctx context.Context, requestID string) (bool, error) {
	return p.repo.CancelRequested(ctx, requestID)
}
