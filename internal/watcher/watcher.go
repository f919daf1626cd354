package watcher

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/talentmesh/mailsync-worker/internal/models"
	"github.com/talentmesh/mailsync-worker/internal/service"
	"github.com/talentmesh/mailsync-worker/internal/taskqueue"
)

// Watcher polls the durable queue and dispatches claimed tasks to workers.
// Claiming happens inside the queue with row locks and leases, so any number
// of watcher processes can run against the same database; a task lineage is
// never processed by two workers at once.
type Watcher struct {
	queue       *taskqueue.Queue
	worker      *service.Worker
	interval    time.Duration
	concurrency int
	log         *logrus.Entry
}

func New(queue *taskqueue.Queue, worker *service.Worker, interval time.Duration, concurrency int, log *logrus.Logger) *Watcher {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Watcher{
		queue:       queue,
		worker:      worker,
		interval:    interval,
		concurrency: concurrency,
		log:         log.WithField("component", "watcher"),
	}
}

// Start polls until ctx is canceled. Tasks left over from previous runs are
// picked up on the first sweep.
func (w *Watcher) Start(ctx context.Context) error {
	w.log.WithFields(logrus.Fields{
		"interval":    w.interval,
		"concurrency": w.concurrency,
	}).Info("watcher starting")

	if err := w.sweep(ctx); err != nil {
		w.log.WithError(err).Warn("startup sweep failed")
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("watcher shutting down")
			return ctx.Err()
		case <-ticker.C:
			if err := w.sweep(ctx); err != nil {
				w.log.WithError(err).Error("sweep failed")
			}
		}
	}
}

// sweep claims up to concurrency tasks and runs them in parallel, waiting for
// all of them before returning so one sweep never overlaps the next.
func (w *Watcher) sweep(ctx context.Context) error {
	tasks, err := w.queue.Claim(ctx, w.concurrency)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return nil
	}

	w.log.WithField("claimed", len(tasks)).Info("dispatching claimed tasks")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)
	for i := range tasks {
		task := tasks[i]
		g.Go(func() error {
			if err := w.runOne(gctx, &task); err != nil {
				w.log.WithFields(logrus.Fields{
					"task_id":    task.ID,
					"account_id": task.AccountID,
				}).WithError(err).Error("task run failed")
			}
			// Task failures are settled through the queue, never
			// propagated, so one bad task cannot cancel its siblings.
			return nil
		})
	}
	return g.Wait()
}

func (w *Watcher) runOne(ctx context.Context, task *models.ImportTask) error {
	start := time.Now()
	err := w.worker.Run(ctx, task)
	w.log.WithFields(logrus.Fields{
		"task_id":  task.ID,
		"duration": time.Since(start).Round(time.Millisecond),
	}).Debug("task run finished")
	return err
}
