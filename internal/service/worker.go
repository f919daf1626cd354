package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.uber.org/ratelimit"

	"github.com/talentmesh/mailsync-worker/internal/metrics"
	"github.com/talentmesh/mailsync-worker/internal/models"
)

const (
	// tokenExpirySkew refreshes access tokens this long before they expire
	// so a token never dies mid-page.
	tokenExpirySkew = 5 * time.Minute

	// sourceQueryFilters excludes mailbox noise from every import. No
	// in:inbox restriction, sent mail is what makes outbound correlation
	// possible.
	sourceQueryFilters = "-in:spam -category:promotions -category:social"
)

// WorkerConfig bounds one worker invocation.
type WorkerConfig struct {
	// Budget is the wall-clock allowance of a single invocation. Crossing
	// it re-enqueues the continuation instead of finishing the mailbox.
	Budget time.Duration
	// PageSize is the source page size.
	PageSize int
	// MaxItemsPerMailbox caps how many items one mailbox contributes.
	MaxItemsPerMailbox int
	// ItemsPerSecond paces item fetches. Zero or negative disables pacing.
	ItemsPerSecond int
}

// Worker drains one claimed import task: it walks the mailbox page by page
// from the task's checkpoint, correlates items against tenant contacts, and
// settles the task through exactly one of complete, fail, retry, or
// re-enqueue. All durable state lives in the task row and the progress
// tables; the worker itself holds nothing a crash could lose.
type Worker struct {
	source       MailSource
	credentials  CredentialStore
	resolver     *EntityResolver
	correlations CorrelationStore
	progress     *ProgressAggregator
	queue        TaskQueue
	limiter      ratelimit.Limiter
	cfg          WorkerConfig
	metrics      *metrics.Metrics
	log          *logrus.Entry

	now func() time.Time
}

func NewWorker(
	source MailSource,
	credentials CredentialStore,
	resolver *EntityResolver,
	correlations CorrelationStore,
	progress *ProgressAggregator,
	queue TaskQueue,
	cfg WorkerConfig,
	m *metrics.Metrics,
	log *logrus.Logger,
) *Worker {
	limiter := ratelimit.NewUnlimited()
	if cfg.ItemsPerSecond > 0 {
		limiter = ratelimit.New(cfg.ItemsPerSecond)
	}
	return &Worker{
		source:       source,
		credentials:  credentials,
		resolver:     resolver,
		correlations: correlations,
		progress:     progress,
		queue:        queue,
		limiter:      limiter,
		cfg:          cfg,
		metrics:      m,
		log:          log.WithField("component", "worker"),
		now:          time.Now,
	}
}

// Run processes one claimed task until the mailbox is exhausted, the item
// ceiling is hit, the budget runs out, or an error settles it. It always
// leaves the task in a deliberate state; returning an error additionally
// means the run ended in an unexpected way (the lease reaper will recover
// if the settling write itself was lost).
func (w *Worker) Run(ctx context.Context, task *models.ImportTask) error {
	start := w.now()
	deadline := start.Add(w.cfg.Budget)

	w.metrics.ActiveWorkers.Inc()
	defer w.metrics.ActiveWorkers.Dec()
	defer func() {
		w.metrics.RunDuration.Observe(w.now().Sub(start).Seconds())
	}()

	log := w.log.WithFields(logrus.Fields{
		"task_id":    task.ID,
		"request_id": task.RequestID,
		"account_id": task.AccountID,
		"attempt":    task.Attempts,
	})

	account, err := w.credentials.GetByID(ctx, task.TenantID, task.AccountID)
	if err != nil {
		return w.retry(ctx, task, log, fmt.Errorf("load account: %w", err))
	}
	if account.NeedsReauth || account.RefreshToken == nil {
		return w.failAuth(ctx, task, log)
	}

	accessToken, err := w.ensureToken(ctx, account)
	if err != nil {
		if errors.Is(err, ErrCredentialInvalid) {
			return w.failAuth(ctx, task, log)
		}
		return w.retry(ctx, task, log, err)
	}

	query := buildSourceQuery(start, task.LookbackDays)
	items := task.ItemsImported
	matched := task.EntitiesMatched
	pageToken := ""
	if task.PageToken != nil {
		pageToken = *task.PageToken
	}

	for {
		canceled, err := w.progress.CancelRequested(ctx, task.RequestID)
		if err != nil {
			return w.retry(ctx, task, log, fmt.Errorf("check cancel: %w", err))
		}
		if canceled {
			log.Info("cancel requested, stopping mailbox")
			if err := w.progress.MarkFailed(ctx, task.RequestID, task.AccountID, "import canceled"); err != nil {
				return err
			}
			return w.queue.Fail(ctx, task.ID, "import canceled")
		}

		if w.now().After(deadline) {
			return w.reenqueue(ctx, task, log, pageToken, items, matched)
		}

		page, err := w.source.ListPage(ctx, accessToken, query, pageToken, w.cfg.PageSize)
		if err != nil {
			if errors.Is(err, ErrCredentialInvalid) {
				return w.failAuth(ctx, task, log)
			}
			return w.retry(ctx, task, log, fmt.Errorf("list page: %w", err))
		}
		w.metrics.PagesFetched.Inc()

		var pageErrs []string
		budgetHit := false
		ceilingHit := false

		for _, ref := range page.Items {
			if !budgetHit && w.now().After(deadline) {
				// Finish the page without pacing so the checkpoint can
				// advance to the next page token.
				budgetHit = true
			}
			if !budgetHit {
				w.limiter.Take()
			}

			item, err := w.source.GetItem(ctx, accessToken, ref.MessageID)
			if err != nil {
				if errors.Is(err, ErrCredentialInvalid) {
					w.recordProgress(ctx, task, log, items, matched, pageErrs)
					return w.failAuth(ctx, task, log)
				}
				pageErrs = append(pageErrs, fmt.Sprintf("%s: %v", ref.MessageID, err))
				continue
			}

			inserted, err := w.correlateItem(ctx, task, item, account.Email)
			if err != nil {
				pageErrs = append(pageErrs, fmt.Sprintf("%s: %v", ref.MessageID, err))
				continue
			}

			items++
			w.metrics.ItemsImported.Inc()
			if inserted {
				matched++
				w.metrics.EntitiesMatched.Inc()
			}

			if items >= w.cfg.MaxItemsPerMailbox {
				ceilingHit = true
				break
			}
		}

		w.recordProgress(ctx, task, log, items, matched, pageErrs)
		pageToken = page.NextPageToken

		if ceilingHit || pageToken == "" {
			if err := w.progress.MarkCompleted(ctx, task.RequestID, task.AccountID, items, matched, nil); err != nil {
				return err
			}
			return w.queue.Complete(ctx, task.ID)
		}
		if budgetHit {
			return w.reenqueue(ctx, task, log, pageToken, items, matched)
		}
	}
}

// ensureToken returns a usable access token, refreshing and persisting a new
// pair when the stored one is missing or inside the expiry skew. Rotated
// refresh tokens are written back before the token is used.
func (w *Worker) ensureToken(ctx context.Context, account *models.Account) (string, error) {
	if account.AccessToken != nil && account.AccessTokenExpiresAt != nil &&
		w.now().Add(tokenExpirySkew).Before(*account.AccessTokenExpiresAt) {
		return *account.AccessToken, nil
	}

	pair, err := w.source.Refresh(ctx, *account.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("refresh token: %w", err)
	}
	if err := w.credentials.UpdateTokens(ctx, account.ID, pair.AccessToken, pair.RefreshToken, pair.ExpiresAt); err != nil {
		return "", fmt.Errorf("persist rotated tokens: %w", err)
	}
	return pair.AccessToken, nil
}

// correlateItem resolves the item's counterparties in order and writes one
// correlation record for the first that matches a contact. It reports whether
// a new record was written; a redelivered duplicate resolves but inserts
// nothing.
func (w *Worker) correlateItem(ctx context.Context, task *models.ImportTask, item *Item, ownerEmail string) (bool, error) {
	for _, candidate := range Candidates(item, ownerEmail) {
		contact, err := w.resolver.Resolve(ctx, task.TenantID, candidate.Address)
		if err != nil {
			return false, err
		}
		if contact == nil {
			continue
		}

		record := models.CorrelationRecord{
			ID:         uuid.NewString(),
			TenantID:   task.TenantID,
			AccountID:  task.AccountID,
			MessageID:  item.MessageID,
			ContactID:  contact.ID,
			Direction:  candidate.Direction,
			OccurredAt: item.OccurredAt,
		}
		return w.correlations.Create(ctx, record)
	}
	return false, nil
}

// recordProgress publishes a checkpoint snapshot. Failing to publish is
// logged but never aborts the run: the counters in the task row and the
// dedupe on correlation records keep redelivery safe regardless.
func (w *Worker) recordProgress(ctx context.Context, task *models.ImportTask, log *logrus.Entry, items, matched int, errs []string) {
	if err := w.progress.RecordProgress(ctx, task.RequestID, task.AccountID, items, matched, errs); err != nil {
		log.WithError(err).Warn("could not record progress snapshot")
	}
}

func (w *Worker) reenqueue(ctx context.Context, task *models.ImportTask, log *logrus.Entry, pageToken string, items, matched int) error {
	var token *string
	if pageToken != "" {
		token = &pageToken
	}
	if err := w.queue.Reenqueue(ctx, task.ID, token, items, matched); err != nil {
		return fmt.Errorf("re-enqueue continuation: %w", err)
	}
	w.metrics.BudgetReenqueues.Inc()
	log.WithFields(logrus.Fields{
		"items_imported":   items,
		"entities_matched": matched,
	}).Info("budget reached, continuation re-enqueued")
	return nil
}

// failAuth settles a mailbox whose credentials are no longer usable: the
// credential pair is invalidated so nothing retries it, and the identity and
// task both fail with a reason that tells the operator to reauthorize.
func (w *Worker) failAuth(ctx context.Context, task *models.ImportTask, log *logrus.Entry) error {
	const reason = "mailbox credentials invalid, reauthorization required"

	w.metrics.AuthFailures.Inc()
	log.Warn("credentials invalid, halting mailbox")

	if err := w.credentials.Invalidate(ctx, task.AccountID); err != nil {
		log.WithError(err).Error("could not invalidate credentials")
	}
	if err := w.progress.MarkFailed(ctx, task.RequestID, task.AccountID, reason); err != nil {
		return err
	}
	return w.queue.Fail(ctx, task.ID, reason)
}

// retry hands the task back to the queue with its claimed checkpoint intact.
// When attempts are exhausted the identity fails with the final error.
func (w *Worker) retry(ctx context.Context, task *models.ImportTask, log *logrus.Entry, cause error) error {
	log.WithError(cause).Warn("run failed, scheduling retry")

	exhausted, err := w.queue.Retry(ctx, task, cause.Error())
	if err != nil {
		return fmt.Errorf("schedule retry: %w", err)
	}
	if exhausted {
		return w.progress.MarkFailed(ctx, task.RequestID, task.AccountID,
			fmt.Sprintf("gave up after %d attempts: %v", task.Attempts, cause))
	}
	w.metrics.TaskRetries.Inc()
	return nil
}

// buildSourceQuery renders the source search expression for one invocation.
// The lookback window is anchored on the invocation start so retries of the
// same task see a stable-enough boundary.
func buildSourceQuery(start time.Time, lookbackDays int) string {
	if lookbackDays <= 0 {
		lookbackDays = DefaultLookbackDays
	}
	cutoff := start.AddDate(0, 0, -lookbackDays)
	return fmt.Sprintf("%s after:%s", sourceQueryFilters, cutoff.Format("2006/01/02"))
}
