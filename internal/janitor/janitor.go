// Copyright 2025 James Ross
package janitor

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/visionmall/image-index-queue/internal/obs"
	"github.com/visionmall/image-index-queue/internal/queue"
)

// Janitor removes terminal job records past the retention age on a cron
// schedule. It never touches non-terminal records or the pending list.
type Janitor struct {
	mgr      *queue.Manager
	log      *zap.Logger
	age      time.Duration
	schedule string
}

func New(mgr *queue.Manager, log *zap.Logger, age time.Duration, schedule string) *Janitor {
	return &Janitor{mgr: mgr, log: log, age: age, schedule: schedule}
}

// Run blocks until ctx is canceled.
func (j *Janitor) Run(ctx context.Context) error {
	c := cron.New()
	_, err := c.AddFunc(j.schedule, func() { j.sweep(ctx) })
	if err != nil {
		return err
	}
	c.Start()
	<-ctx.Done()
	stopCtx := c.Stop()
	<-stopCtx.Done()
	return nil
}

func (j *Janitor) sweep(ctx context.Context) {
	n, err := j.mgr.Cleanup(ctx, j.age)
	if err != nil {
		j.log.Warn("cleanup sweep failed", obs.Err(err))
		return
	}
	j.log.Debug("cleanup sweep done", obs.Int("deleted", n))
}
