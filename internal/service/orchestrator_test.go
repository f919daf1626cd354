package service

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/talentmesh/mailsync-worker/internal/metrics"
	"github.com/talentmesh/mailsync-worker/internal/models"
	"github.com/talentmesh/mailsync-worker/internal/repository"
)

type fakeDirectory struct {
	getByID    func(ctx context.Context, tenantID, accountID string) (*models.Account, error)
	listByUser func(ctx context.Context, tenantID, userID string) ([]models.Account, error)
}

func (f *fakeDirectory) GetByID(ctx context.Context, tenantID, accountID string) (*models.Account, error) {
	return f.getByID(ctx, tenantID, accountID)
}

func (f *fakeDirectory) ListByUser(ctx context.Context, tenantID, userID string) ([]models.Account, error) {
	return f.listByUser(ctx, tenantID, userID)
}

type fakeEnqueuer struct {
	enqueue func(ctx context.Context, task models.ImportTask) error
	tasks   []models.ImportTask
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, task models.ImportTask) error {
	if f.enqueue != nil {
		if err := f.enqueue(ctx, task); err != nil {
			return err
		}
	}
	f.tasks = append(f.tasks, task)
	return nil
}

func recordingProgressRepo() (*fakeProgressRepo, *struct {
	created    []models.ImportRequest
	identities []models.ImportRequestIdentity
	statuses   []models.ImportStatus
	failed     []string
}) {
	state := &struct {
		created    []models.ImportRequest
		identities []models.ImportRequestIdentity
		statuses   []models.ImportStatus
		failed     []string
	}{}
	repo := &fakeProgressRepo{
		create: func(_ context.Context, req models.ImportRequest) error {
			state.created = append(state.created, req)
			return nil
		},
		addIdentity: func(_ context.Context, identity models.ImportRequestIdentity) error {
			state.identities = append(state.identities, identity)
			return nil
		},
		updateStatus: func(_ context.Context, _ string, status models.ImportStatus) error {
			state.statuses = append(state.statuses, status)
			return nil
		},
		failIdentity: func(_ context.Context, _, accountID, _ string) error {
			state.failed = append(state.failed, accountID)
			return nil
		},
	}
	return repo, state
}

func newTestOrchestrator(dir *fakeDirectory, repo *fakeProgressRepo, queue *fakeEnqueuer) *Orchestrator {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	progress := NewProgressAggregator(repo, metrics.New(prometheus.NewRegistry()), log)
	return NewOrchestrator(dir, progress, queue, log)
}

func TestSubmit_FansOutOneTaskPerAccount(t *testing.T) {
	dir := &fakeDirectory{
		getByID: func(_ context.Context, _, accountID string) (*models.Account, error) {
			return &models.Account{ID: accountID, TenantID: "tenant-1"}, nil
		},
		listByUser: func(_ context.Context, _, userID string) ([]models.Account, error) {
			require.Equal(t, "user-7", userID)
			return []models.Account{{ID: "acct-2"}, {ID: "acct-3"}}, nil
		},
	}
	repo, state := recordingProgressRepo()
	queue := &fakeEnqueuer{}
	orch := newTestOrchestrator(dir, repo, queue)

	result, err := orch.Submit(context.Background(), SubmitParams{
		TenantID:   "tenant-1",
		AccountIDs: []string{"acct-1"},
		UserIDs:    []string{"user-7"},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"acct-1", "acct-2", "acct-3"}, result.AccountIDs)
	require.Empty(t, result.DroppedRefs)

	require.Len(t, state.created, 1)
	require.Equal(t, 3, state.created[0].TotalIdentities)
	require.Equal(t, DefaultLookbackDays, state.created[0].LookbackDays)
	require.Len(t, state.identities, 3)
	require.Len(t, queue.tasks, 3)
	for _, task := range queue.tasks {
		require.Equal(t, result.RequestID, task.RequestID)
		require.Equal(t, models.TaskStatusPending, task.Status)
		require.Nil(t, task.PageToken)
	}
	require.Equal(t, []models.ImportStatus{models.ImportStatusInProgress}, state.statuses)
}

func TestSubmit_MarksInProgressBeforeFanOut(t *testing.T) {
	// A task is claimable the moment it is enqueued. If the parent were
	// still pending when such a task settled its identity, the guarded
	// completion flip would never fire and the request could hang in
	// in_progress with every identity already terminal.
	var events []string
	repo := &fakeProgressRepo{
		create: func(_ context.Context, _ models.ImportRequest) error {
			events = append(events, "create")
			return nil
		},
		updateStatus: func(_ context.Context, _ string, status models.ImportStatus) error {
			events = append(events, "status:"+string(status))
			return nil
		},
		addIdentity: func(_ context.Context, identity models.ImportRequestIdentity) error {
			events = append(events, "identity:"+identity.AccountID)
			return nil
		},
	}
	dir := &fakeDirectory{
		getByID: func(_ context.Context, _, accountID string) (*models.Account, error) {
			return &models.Account{ID: accountID}, nil
		},
	}
	queue := &fakeEnqueuer{
		enqueue: func(_ context.Context, task models.ImportTask) error {
			events = append(events, "enqueue:"+task.AccountID)
			return nil
		},
	}
	orch := newTestOrchestrator(dir, repo, queue)

	_, err := orch.Submit(context.Background(), SubmitParams{
		TenantID:   "tenant-1",
		AccountIDs: []string{"acct-1", "acct-2"},
	})
	require.NoError(t, err)
	require.Equal(t, []string{
		"create",
		"status:in_progress",
		"identity:acct-1",
		"enqueue:acct-1",
		"identity:acct-2",
		"enqueue:acct-2",
	}, events)
}

func TestSubmit_DeduplicatesOverlappingRefs(t *testing.T) {
	dir := &fakeDirectory{
		getByID: func(_ context.Context, _, accountID string) (*models.Account, error) {
			return &models.Account{ID: accountID}, nil
		},
		listByUser: func(_ context.Context, _, _ string) ([]models.Account, error) {
			return []models.Account{{ID: "acct-1"}, {ID: "acct-2"}}, nil
		},
	}
	repo, _ := recordingProgressRepo()
	queue := &fakeEnqueuer{}
	orch := newTestOrchestrator(dir, repo, queue)

	result, err := orch.Submit(context.Background(), SubmitParams{
		TenantID:   "tenant-1",
		AccountIDs: []string{"acct-1"},
		UserIDs:    []string{"user-7"},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"acct-1", "acct-2"}, result.AccountIDs)
	require.Len(t, queue.tasks, 2)
}

func TestSubmit_DropsUnknownRefs(t *testing.T) {
	dir := &fakeDirectory{
		getByID: func(_ context.Context, _, accountID string) (*models.Account, error) {
			if accountID == "acct-missing" {
				return nil, repository.ErrAccountNotFound
			}
			return &models.Account{ID: accountID}, nil
		},
		listByUser: func(_ context.Context, _, _ string) ([]models.Account, error) {
			return nil, nil
		},
	}
	repo, _ := recordingProgressRepo()
	queue := &fakeEnqueuer{}
	orch := newTestOrchestrator(dir, repo, queue)

	result, err := orch.Submit(context.Background(), SubmitParams{
		TenantID:   "tenant-1",
		AccountIDs: []string{"acct-1", "acct-missing"},
		UserIDs:    []string{"user-empty"},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"acct-1"}, result.AccountIDs)
	require.Equal(t, []string{"acct-missing", "user-empty"}, result.DroppedRefs)
}

func TestSubmit_ZeroResolvedIsInvalid(t *testing.T) {
	dir := &fakeDirectory{
		getByID: func(context.Context, string, string) (*models.Account, error) {
			return nil, repository.ErrAccountNotFound
		},
	}
	repo, state := recordingProgressRepo()
	orch := newTestOrchestrator(dir, repo, &fakeEnqueuer{})

	_, err := orch.Submit(context.Background(), SubmitParams{
		TenantID:   "tenant-1",
		AccountIDs: []string{"acct-missing"},
	})
	require.ErrorIs(t, err, ErrInvalidArgument)
	require.Empty(t, state.created)
}

func TestSubmit_MissingTenantOrRefsIsInvalid(t *testing.T) {
	orch := newTestOrchestrator(&fakeDirectory{}, &fakeProgressRepo{}, &fakeEnqueuer{})

	_, err := orch.Submit(context.Background(), SubmitParams{AccountIDs: []string{"acct-1"}})
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = orch.Submit(context.Background(), SubmitParams{TenantID: "tenant-1"})
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestSubmit_EnqueueFailureFailsIdentity(t *testing.T) {
	dir := &fakeDirectory{
		getByID: func(_ context.Context, _, accountID string) (*models.Account, error) {
			return &models.Account{ID: accountID}, nil
		},
	}
	repo, state := recordingProgressRepo()
	queue := &fakeEnqueuer{
		enqueue: func(_ context.Context, task models.ImportTask) error {
			if task.AccountID == "acct-2" {
				return errors.New("queue unavailable")
			}
			return nil
		},
	}
	orch := newTestOrchestrator(dir, repo, queue)

	result, err := orch.Submit(context.Background(), SubmitParams{
		TenantID:   "tenant-1",
		AccountIDs: []string{"acct-1", "acct-2"},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"acct-1"}, result.AccountIDs)
	require.Equal(t, []string{"acct-2"}, state.failed)
}
