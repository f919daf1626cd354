package taskqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Reaper periodically reclaims tasks whose lease expired without a terminal
// transition, covering worker crashes and fan-out interrupted mid-loop.
type Reaper struct {
	cron  *cron.Cron
	queue *Queue
}

func NewReaper(queue *Queue) *Reaper {
	return &Reaper{
		cron:  cron.New(),
		queue: queue,
	}
}

// Start schedules the reap sweep once per minute.
func (r *Reaper) Start() error {
	_, err := r.cron.AddFunc("@every 1m", r.reap)
	if err != nil {
		return fmt.Errorf("failed to schedule lease reaper: %w", err)
	}

	r.cron.Start()
	logrus.Info("Lease reaper started")
	return nil
}

// Stop halts the sweep, waiting for an in-flight run to finish.
func (r *Reaper) Stop() {
	ctx := r.cron.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(10 * time.Second):
		logrus.Warn("Lease reaper stop timeout")
	}
}

func (r *Reaper) reap() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	reaped, err := r.queue.ReapExpired(ctx)
	if err != nil {
		logrus.WithError(err).Error("Failed to reap expired task leases")
		return
	}

	if reaped > 0 {
		logrus.WithField("count", reaped).Warn("Reclaimed tasks with expired leases")
	}
}
