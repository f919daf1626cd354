package service

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/talentmesh/mailsync-worker/internal/metrics"
	"github.com/talentmesh/mailsync-worker/internal/models"
)

type fakeProgressRepo struct {
	create           func(ctx context.Context, req models.ImportRequest) error
	updateStatus     func(ctx context.Context, requestID string, status models.ImportStatus) error
	addIdentity      func(ctx context.Context, identity models.ImportRequestIdentity) error
	recordProgress   func(ctx context.Context, requestID, accountID string, itemsImported, entitiesMatched int, errs []string) error
	completeIdentity func(ctx context.Context, requestID, accountID string, itemsImported, entitiesMatched int, errs []string) error
	failIdentity     func(ctx context.Context, requestID, accountID, reason string) error
	cancelRequested  func(ctx context.Context, requestID string) (bool, error)
}

func (f *fakeProgressRepo) Create(ctx context.Context, req models.ImportRequest) error {
	return f.create(ctx, req)
}

func (f *fakeProgressRepo) UpdateStatus(ctx context.Context, requestID string, status models.ImportStatus) error {
	return f.updateStatus(ctx, requestID, status)
}

func (f *fakeProgressRepo) AddIdentity(ctx context.Context, identity models.ImportRequestIdentity) error {
	return f.addIdentity(ctx, identity)
}

func (f *fakeProgressRepo) RecordProgress(ctx context.Context, requestID, accountID string, itemsImported, entitiesMatched int, errs []string) error {
	return f.recordProgress(ctx, requestID, accountID, itemsImported, entitiesMatched, errs)
}

func (f *fakeProgressRepo) CompleteIdentity(ctx context.Context, requestID, accountID string, itemsImported, entitiesMatched int, errs []string) error {
	return f.completeIdentity(ctx, requestID, accountID, itemsImported, entitiesMatched, errs)
}

func (f *fakeProgressRepo) FailIdentity(ctx context.Context, requestID, accountID, reason string) error {
	return f.failIdentity(ctx, requestID, accountID, reason)
}

func (f *fakeProgressRepo) CancelRequested(ctx context.Context, requestID string) (bool, error) {
	return f.cancelRequested(ctx, requestID)
}

func newTestAggregator(repo *fakeProgressRepo) (*ProgressAggregator, *metrics.Metrics) {
	m := metrics.New(prometheus.NewRegistry())
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return NewProgressAggregator(repo, m, log), m
}

func TestCreateRequest_AddsEveryIdentity(t *testing.T) {
	var added []string
	repo := &fakeProgressRepo{
		create: func(_ context.Context, req models.ImportRequest) error {
			require.Equal(t, models.ImportStatusPending, req.Status)
			return nil
		},
		addIdentity: func(_ context.Context, identity models.ImportRequestIdentity) error {
			added = append(added, identity.AccountID)
			return nil
		},
	}
	agg, _ := newTestAggregator(repo)

	err := agg.CreateRequest(context.Background(),
		models.ImportRequest{ID: "req-1", Status: models.ImportStatusPending, TotalIdentities: 2},
		[]models.ImportRequestIdentity{
			{RequestID: "req-1", AccountID: "acct-1"},
			{RequestID: "req-1", AccountID: "acct-2"},
		})
	require.NoError(t, err)
	require.Equal(t, []string{"acct-1", "acct-2"}, added)
}

func TestRecordProgress_CountsItemErrors(t *testing.T) {
	repo := &fakeProgressRepo{
		recordProgress: func(_ context.Context, requestID, accountID string, itemsImported, entitiesMatched int, errs []string) error {
			require.Equal(t, "req-1", requestID)
			require.Equal(t, 120, itemsImported)
			require.Equal(t, 7, entitiesMatched)
			return nil
		},
	}
	agg, m := newTestAggregator(repo)

	err := agg.RecordProgress(context.Background(), "req-1", "acct-1", 120, 7, []string{"msg-4: no payload", "msg-9: fetch failed"})
	require.NoError(t, err)
	require.Equal(t, float64(2), testutil.ToFloat64(m.ItemErrors))
}

func TestRecordProgress_RepoFailure(t *testing.T) {
	repo := &fakeProgressRepo{
		recordProgress: func(context.Context, string, string, int, int, []string) error {
			return errors.New("deadlock detected")
		},
	}
	agg, m := newTestAggregator(repo)

	err := agg.RecordProgress(context.Background(), "req-1", "acct-1", 10, 1, []string{"msg-1: boom"})
	require.Error(t, err)
	require.Equal(t, float64(0), testutil.ToFloat64(m.ItemErrors))
}

func TestMarkFailed_Forwards(t *testing.T) {
	var gotReason string
	repo := &fakeProgressRepo{
		failIdentity: func(_ context.Context, requestID, accountID, reason string) error {
			gotReason = reason
			return nil
		},
	}
	agg, _ := newTestAggregator(repo)

	require.NoError(t, agg.MarkFailed(context.Background(), "req-1", "acct-1", "credentials revoked, reauth required"))
	require.Equal(t, "credentials revoked, reauth required", gotReason)
}
