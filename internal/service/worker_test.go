package service

import (
	"context"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/talentmesh/mailsync-worker/internal/metrics"
	"github.com/talentmesh/mailsync-worker/internal/models"
	"github.com/talentmesh/mailsync-worker/internal/repository"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type fakeMailSource struct {
	listPage func(ctx context.Context, accessToken, query, pageToken string, pageSize int) (*Page, error)
	getItem  func(ctx context.Context, accessToken, messageID string) (*Item, error)
	refresh  func(ctx context.Context, refreshToken string) (*TokenPair, error)
}

func (f *fakeMailSource) ListPage(ctx context.Context, accessToken, query, pageToken string, pageSize int) (*Page, error) {
	return f.listPage(ctx, accessToken, query, pageToken, pageSize)
}

func (f *fakeMailSource) GetItem(ctx context.Context, accessToken, messageID string) (*Item, error) {
	return f.getItem(ctx, accessToken, messageID)
}

func (f *fakeMailSource) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	return f.refresh(ctx, refreshToken)
}

type fakeCredentialStore struct {
	account     *models.Account
	updated     []TokenPair
	invalidated bool
}

func (f *fakeCredentialStore) GetByID(_ context.Context, _, _ string) (*models.Account, error) {
	if f.account == nil {
		return nil, repository.ErrAccountNotFound
	}
	return f.account, nil
}

func (f *fakeCredentialStore) UpdateTokens(_ context.Context, _ string, accessToken, refreshToken string, expiresAt time.Time) error {
	f.updated = append(f.updated, TokenPair{AccessToken: accessToken, RefreshToken: refreshToken, ExpiresAt: expiresAt})
	f.account.AccessToken = &accessToken
	f.account.RefreshToken = &refreshToken
	f.account.AccessTokenExpiresAt = &expiresAt
	return nil
}

func (f *fakeCredentialStore) Invalidate(_ context.Context, _ string) error {
	f.invalidated = true
	f.account.AccessToken = nil
	f.account.RefreshToken = nil
	f.account.NeedsReauth = true
	return nil
}

type fakeCorrelationStore struct {
	records map[string]models.CorrelationRecord
}

func (f *fakeCorrelationStore) Create(_ context.Context, record models.CorrelationRecord) (bool, error) {
	key := record.AccountID + "|" + record.MessageID
	if _, exists := f.records[key]; exists {
		return false, nil
	}
	f.records[key] = record
	return true, nil
}

type fakeTaskQueue struct {
	completed  []string
	failed     map[string]string
	retried    []string
	exhausted  bool
	reenqueued []reenqueueCall
}

type reenqueueCall struct {
	token   *string
	items   int
	matched int
}

func (f *fakeTaskQueue) Complete(_ context.Context, taskID string) error {
	f.completed = append(f.completed, taskID)
	return nil
}

func (f *fakeTaskQueue) Fail(_ context.Context, taskID, reason string) error {
	f.failed[taskID] = reason
	return nil
}

func (f *fakeTaskQueue) Retry(_ context.Context, _ *models.ImportTask, reason string) (bool, error) {
	f.retried = append(f.retried, reason)
	return f.exhausted, nil
}

func (f *fakeTaskQueue) Reenqueue(_ context.Context, _ string, pageToken *string, itemsImported, entitiesMatched int) error {
	f.reenqueued = append(f.reenqueued, reenqueueCall{token: pageToken, items: itemsImported, matched: entitiesMatched})
	return nil
}

type settledIdentity struct {
	items   int
	matched int
	reason  string
}

type workerHarness struct {
	clock        *fakeClock
	source       *fakeMailSource
	creds        *fakeCredentialStore
	correlations *fakeCorrelationStore
	queue        *fakeTaskQueue
	worker       *Worker
	metrics      *metrics.Metrics

	contacts  map[string]*models.Contact
	canceled  bool
	listCalls int

	snapshots [][]string
	completed []settledIdentity
	failed    []settledIdentity
}

func newWorkerHarness(t *testing.T, cfg WorkerConfig) *workerHarness {
	t.Helper()

	h := &workerHarness{
		clock:        &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
		source:       &fakeMailSource{},
		correlations: &fakeCorrelationStore{records: map[string]models.CorrelationRecord{}},
		queue:        &fakeTaskQueue{failed: map[string]string{}},
		contacts: map[string]*models.Contact{
			"jane@corp.example": {ID: "contact-1", Email: "jane@corp.example"},
		},
	}

	accessToken := "stored-access"
	refreshToken := "stored-refresh"
	expiresAt := h.clock.Now().Add(time.Hour)
	h.creds = &fakeCredentialStore{account: &models.Account{
		ID:                   "acct-1",
		TenantID:             "tenant-1",
		Email:                "owner@tenant.example",
		AccessToken:          &accessToken,
		RefreshToken:         &refreshToken,
		AccessTokenExpiresAt: &expiresAt,
	}}

	contacts := &fakeContactStore{
		findByEmail: func(_ context.Context, _, email string) (*models.Contact, error) {
			if contact, ok := h.contacts[email]; ok {
				return contact, nil
			}
			return nil, repository.ErrContactNotFound
		},
	}

	repo := &fakeProgressRepo{
		recordProgress: func(_ context.Context, _, _ string, _, _ int, errs []string) error {
			h.snapshots = append(h.snapshots, errs)
			return nil
		},
		completeIdentity: func(_ context.Context, _, _ string, items, matched int, _ []string) error {
			h.completed = append(h.completed, settledIdentity{items: items, matched: matched})
			return nil
		},
		failIdentity: func(_ context.Context, _, _, reason string) error {
			h.failed = append(h.failed, settledIdentity{reason: reason})
			return nil
		},
		cancelRequested: func(context.Context, string) (bool, error) {
			return h.canceled, nil
		},
	}

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	h.metrics = metrics.New(prometheus.NewRegistry())
	progress := NewProgressAggregator(repo, h.metrics, log)

	h.worker = NewWorker(h.source, h.creds, NewEntityResolver(contacts), h.correlations, progress, h.queue, cfg, h.metrics, log)
	h.worker.now = h.clock.Now
	return h
}

// installMailbox serves messageIDs in pages, using the numeric offset of the
// next item as the page token. Each item fetch advances the fake clock.
func (h *workerHarness) installMailbox(messageIDs []string, pageSize int, perItem time.Duration) {
	h.source.listPage = func(_ context.Context, _, _, pageToken string, _ int) (*Page, error) {
		h.listCalls++
		start := 0
		if pageToken != "" {
			var err error
			start, err = strconv.Atoi(pageToken)
			if err != nil {
				return nil, fmt.Errorf("bad page token %q", pageToken)
			}
		}
		end := start + pageSize
		if end > len(messageIDs) {
			end = len(messageIDs)
		}
		page := &Page{}
		for _, id := range messageIDs[start:end] {
			page.Items = append(page.Items, ItemRef{MessageID: id})
		}
		if end < len(messageIDs) {
			page.NextPageToken = strconv.Itoa(end)
		}
		return page, nil
	}
	h.source.getItem = func(_ context.Context, _, messageID string) (*Item, error) {
		h.clock.Advance(perItem)
		return &Item{
			MessageID:  messageID,
			From:       "Jane <jane@corp.example>",
			To:         "owner@tenant.example",
			OccurredAt: h.clock.Now(),
		}, nil
	}
}

func messageIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("msg-%03d", i)
	}
	return ids
}

func testTask() *models.ImportTask {
	return &models.ImportTask{
		ID:           "task-1",
		RequestID:    "req-1",
		AccountID:    "acct-1",
		TenantID:     "tenant-1",
		LookbackDays: 365,
		Attempts:     1,
	}
}

func defaultConfig() WorkerConfig {
	return WorkerConfig{
		Budget:             time.Hour,
		PageSize:           100,
		MaxItemsPerMailbox: 10000,
	}
}

func TestRun_ExhaustsMailbox(t *testing.T) {
	h := newWorkerHarness(t, defaultConfig())
	h.installMailbox(messageIDs(250), 100, 0)

	require.NoError(t, h.worker.Run(context.Background(), testTask()))

	require.Equal(t, []string{"task-1"}, h.queue.completed)
	require.Equal(t, []settledIdentity{{items: 250, matched: 250}}, h.completed)
	require.Len(t, h.correlations.records, 250)
	require.Equal(t, 3, h.listCalls)
	require.Empty(t, h.queue.reenqueued)
}

func TestRun_BudgetReenqueuesWithNextPageToken(t *testing.T) {
	cfg := defaultConfig()
	cfg.Budget = 100 * time.Second
	h := newWorkerHarness(t, cfg)
	h.installMailbox(messageIDs(250), 100, time.Second)

	require.NoError(t, h.worker.Run(context.Background(), testTask()))

	// The budget lapsed inside the second page; the continuation carries
	// the third page's token, never a mid-page position.
	require.Len(t, h.queue.reenqueued, 1)
	cont := h.queue.reenqueued[0]
	require.NotNil(t, cont.token)
	require.Equal(t, "200", *cont.token)
	require.Equal(t, 200, cont.items)
	require.Equal(t, 200, cont.matched)
	require.Empty(t, h.queue.completed)
	require.Empty(t, h.completed)
	require.Equal(t, float64(1), testutil.ToFloat64(h.metrics.BudgetReenqueues))
}

func TestRun_ResumesFromCheckpoint(t *testing.T) {
	cfg := defaultConfig()
	cfg.Budget = 100 * time.Second
	h := newWorkerHarness(t, cfg)
	h.installMailbox(messageIDs(250), 100, time.Second)

	require.NoError(t, h.worker.Run(context.Background(), testTask()))
	require.Len(t, h.queue.reenqueued, 1)
	cont := h.queue.reenqueued[0]

	// Second invocation picks up the re-enqueued checkpoint.
	resumed := testTask()
	resumed.PageToken = cont.token
	resumed.ItemsImported = cont.items
	resumed.EntitiesMatched = cont.matched

	require.NoError(t, h.worker.Run(context.Background(), resumed))

	require.Equal(t, []string{"task-1"}, h.queue.completed)
	require.Equal(t, []settledIdentity{{items: 250, matched: 250}}, h.completed)
	require.Len(t, h.correlations.records, 250)
}

func TestRun_AuthFailureHaltsMailbox(t *testing.T) {
	h := newWorkerHarness(t, defaultConfig())
	h.source.listPage = func(context.Context, string, string, string, int) (*Page, error) {
		h.listCalls++
		return nil, fmt.Errorf("%w: 401 invalid credentials", ErrCredentialInvalid)
	}

	require.NoError(t, h.worker.Run(context.Background(), testTask()))

	require.True(t, h.creds.invalidated)
	require.True(t, h.creds.account.NeedsReauth)
	require.Len(t, h.failed, 1)
	require.Contains(t, h.failed[0].reason, "reauthorization")
	require.Contains(t, h.queue.failed["task-1"], "reauthorization")
	require.Equal(t, 1, h.listCalls)
	require.Equal(t, float64(1), testutil.ToFloat64(h.metrics.AuthFailures))
}

func TestRun_NeedsReauthShortCircuits(t *testing.T) {
	h := newWorkerHarness(t, defaultConfig())
	h.creds.account.NeedsReauth = true
	h.source.listPage = func(context.Context, string, string, string, int) (*Page, error) {
		t.Fatal("source must not be called for a needs_reauth account")
		return nil, nil
	}

	require.NoError(t, h.worker.Run(context.Background(), testTask()))
	require.Len(t, h.failed, 1)
	require.Contains(t, h.queue.failed["task-1"], "reauthorization")
}

func TestRun_RedeliveryDoesNotDuplicateCorrelations(t *testing.T) {
	h := newWorkerHarness(t, defaultConfig())
	ids := messageIDs(10)
	h.installMailbox(ids, 100, 0)

	// First delivery correlates everything.
	require.NoError(t, h.worker.Run(context.Background(), testTask()))
	require.Len(t, h.correlations.records, 10)

	// Redelivery of the same page inserts nothing new.
	require.NoError(t, h.worker.Run(context.Background(), testTask()))
	require.Len(t, h.correlations.records, 10)
	require.Equal(t, settledIdentity{items: 10, matched: 0}, h.completed[1])
}

func TestRun_ResolverMissIsNotAnError(t *testing.T) {
	h := newWorkerHarness(t, defaultConfig())
	h.contacts = map[string]*models.Contact{}
	h.installMailbox(messageIDs(5), 100, 0)

	require.NoError(t, h.worker.Run(context.Background(), testTask()))

	require.Equal(t, []settledIdentity{{items: 5, matched: 0}}, h.completed)
	require.Empty(t, h.correlations.records)
	for _, errs := range h.snapshots {
		require.Empty(t, errs)
	}
}

func TestRun_ItemCeilingCompletes(t *testing.T) {
	cfg := defaultConfig()
	cfg.MaxItemsPerMailbox = 5
	h := newWorkerHarness(t, cfg)
	h.installMailbox(messageIDs(20), 10, 0)

	require.NoError(t, h.worker.Run(context.Background(), testTask()))

	require.Equal(t, []settledIdentity{{items: 5, matched: 5}}, h.completed)
	require.Equal(t, []string{"task-1"}, h.queue.completed)
	require.Equal(t, 1, h.listCalls)
}

func TestRun_CancelStopsBeforeFetching(t *testing.T) {
	h := newWorkerHarness(t, defaultConfig())
	h.canceled = true
	h.installMailbox(messageIDs(5), 100, 0)

	require.NoError(t, h.worker.Run(context.Background(), testTask()))

	require.Equal(t, 0, h.listCalls)
	require.Len(t, h.failed, 1)
	require.Equal(t, "import canceled", h.failed[0].reason)
	require.Equal(t, "import canceled", h.queue.failed["task-1"])
}

func TestRun_TransientListErrorSchedulesRetry(t *testing.T) {
	h := newWorkerHarness(t, defaultConfig())
	h.source.listPage = func(context.Context, string, string, string, int) (*Page, error) {
		return nil, fmt.Errorf("%w: 503 backend error", ErrTransient)
	}

	require.NoError(t, h.worker.Run(context.Background(), testTask()))

	require.Len(t, h.queue.retried, 1)
	require.Empty(t, h.failed)
	require.Empty(t, h.queue.completed)
	require.Equal(t, float64(1), testutil.ToFloat64(h.metrics.TaskRetries))
}

func TestRun_ExhaustedRetriesFailIdentity(t *testing.T) {
	h := newWorkerHarness(t, defaultConfig())
	h.queue.exhausted = true
	h.source.listPage = func(context.Context, string, string, string, int) (*Page, error) {
		return nil, fmt.Errorf("%w: connection reset", ErrTransient)
	}

	require.NoError(t, h.worker.Run(context.Background(), testTask()))

	require.Len(t, h.failed, 1)
	require.Contains(t, h.failed[0].reason, "gave up after")
}

func TestRun_RefreshPersistsRotatedPair(t *testing.T) {
	h := newWorkerHarness(t, defaultConfig())
	soon := h.clock.Now().Add(time.Minute)
	h.creds.account.AccessTokenExpiresAt = &soon

	h.source.refresh = func(_ context.Context, refreshToken string) (*TokenPair, error) {
		require.Equal(t, "stored-refresh", refreshToken)
		return &TokenPair{
			AccessToken:  "fresh-access",
			RefreshToken: "rotated-refresh",
			ExpiresAt:    h.clock.Now().Add(time.Hour),
		}, nil
	}
	h.installMailbox(messageIDs(1), 100, 0)
	base := h.source.listPage
	h.source.listPage = func(ctx context.Context, accessToken, query, pageToken string, pageSize int) (*Page, error) {
		require.Equal(t, "fresh-access", accessToken)
		return base(ctx, accessToken, query, pageToken, pageSize)
	}

	require.NoError(t, h.worker.Run(context.Background(), testTask()))

	require.Len(t, h.creds.updated, 1)
	require.Equal(t, "rotated-refresh", h.creds.updated[0].RefreshToken)
}

func TestRun_RefreshInvalidGrantHalts(t *testing.T) {
	h := newWorkerHarness(t, defaultConfig())
	soon := h.clock.Now()
	h.creds.account.AccessTokenExpiresAt = &soon
	h.source.refresh = func(context.Context, string) (*TokenPair, error) {
		return nil, fmt.Errorf("%w: invalid_grant", ErrCredentialInvalid)
	}

	require.NoError(t, h.worker.Run(context.Background(), testTask()))

	require.True(t, h.creds.invalidated)
	require.Contains(t, h.queue.failed["task-1"], "reauthorization")
}

func TestRun_ItemErrorRecordedNotFatal(t *testing.T) {
	h := newWorkerHarness(t, defaultConfig())
	h.installMailbox(messageIDs(5), 100, 0)
	base := h.source.getItem
	h.source.getItem = func(ctx context.Context, accessToken, messageID string) (*Item, error) {
		if messageID == "msg-002" {
			return nil, fmt.Errorf("%w: no payload", ErrMalformedItem)
		}
		return base(ctx, accessToken, messageID)
	}

	require.NoError(t, h.worker.Run(context.Background(), testTask()))

	require.Equal(t, []settledIdentity{{items: 4, matched: 4}}, h.completed)
	require.Len(t, h.snapshots, 1)
	require.Len(t, h.snapshots[0], 1)
	require.Contains(t, h.snapshots[0][0], "msg-002")
}

func TestBuildSourceQuery(t *testing.T) {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	query := buildSourceQuery(start, 30)
	require.Equal(t, "-in:spam -category:promotions -category:social after:2024/04/01", query)

	// Zero falls back to the default window.
	fallback := buildSourceQuery(start, 0)
	require.Contains(t, fallback, "after:2023/05/02")
}
