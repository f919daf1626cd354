package service

import (
	"context"
	"time"

	"github.com/talentmesh/mailsync-worker/internal/models"
)

// ItemRef is one entry of a source page: just enough to fetch the item.
type ItemRef struct {
	MessageID string
}

// Page is one bounded slice of the external source. An empty NextPageToken
// means the source is exhausted.
type Page struct {
	Items         []ItemRef
	NextPageToken string
}

// Item is one fetched mailbox item with the identifiers the resolver needs.
type Item struct {
	MessageID  string
	ThreadID   string
	Subject    string
	From       string
	To         string
	CC         string
	OccurredAt time.Time
}

// TokenPair is the result of a refresh-token exchange. RefreshToken may be
// the same value that was sent or a rotated one.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// MailSource is the paginated upstream mailbox API.
type MailSource interface {
	ListPage(ctx context.Context, accessToken, query, pageToken string, pageSize int) (*Page, error)
	GetItem(ctx context.Context, accessToken, messageID string) (*Item, error)
	Refresh(ctx context.Context, refreshToken string) (*TokenPair, error)
}

// CredentialStore is the per-mailbox OAuth credential collaborator.
type CredentialStore interface {
	GetByID(ctx context.Context, tenantID, accountID string) (*models.Account, error)
	UpdateTokens(ctx context.Context, accountID string, accessToken, refreshToken string, expiresAt time.Time) error
	Invalidate(ctx context.Context, accountID string) error
}

// ContactStore is the read-only entity lookup collaborator.
type ContactStore interface {
	FindByEmail(ctx context.Context, tenantID, email string) (*models.Contact, error)
}

// CorrelationStore appends correlation records, deduplicating on
// (account_id, message_id). Create reports whether a row was written.
type CorrelationStore interface {
	Create(ctx context.Context, record models.CorrelationRecord) (bool, error)
}

// TaskQueue is the durable-queue surface a worker uses to finish, retry, or
// continue its own task.
type TaskQueue interface {
	Complete(ctx context.Context, taskID string) error
	Fail(ctx context.Context, taskID, reason string) error
	Retry(ctx context.Context, task *models.ImportTask, reason string) (exhausted bool, err error)
	Reenqueue(ctx context.Context, taskID string, pageToken *string, itemsImported, entitiesMatched int) error
}

// ProgressRepository is the storage behind the progress aggregator. All
// operations are commutative; terminal transitions are idempotent.
type ProgressRepository interface {
	Create(ctx context.Context, req models.ImportRequest) error
	UpdateStatus(ctx context.Context, requestID string, status models.ImportStatus) error
	AddIdentity(ctx context.Context, identity models.ImportRequestIdentity) error
	RecordProgress(ctx context.Context, requestID, accountID string, itemsImported, entitiesMatched int, errs []string) error
	CompleteIdentity(ctx context.Context, requestID, accountID string, itemsImported, entitiesMatched int, errs []string) error
	FailIdentity(ctx context.Context, requestID, accountID, reason string) error
	CancelRequested(ctx context.Context, requestID string) (bool, error)
}
