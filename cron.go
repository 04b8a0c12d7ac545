package fetch

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/cryguy/fetch/internal/core"
	"github.com/cryguy/fetch/internal/webapi"
)

// CronTrigger delivers scheduled events to a worker on cron schedules.
type CronTrigger struct {
	target core.WorkerInterface
	cron   *cron.Cron
	log    logrus.FieldLogger
}

// NewCronTrigger creates a stopped trigger for target. log may be nil.
func NewCronTrigger(target core.WorkerInterface, log logrus.FieldLogger) *CronTrigger {
	if log == nil {
		log = logrus.StandardLogger().WithField("component", "cron")
	}
	return &CronTrigger{target: target, cron: cron.New(), log: log}
}

// Add schedules expr. Expressions use the 5-field format or a descriptor
// such as @hourly.
func (t *CronTrigger) Add(expr string) error {
	if err := webapi.ValidateCron(expr); err != nil {
		return err
	}
	_, err := t.cron.AddFunc(expr, func() {
		t.Fire(context.Background(), expr, time.Now())
	})
	return err
}

// Fire delivers one scheduled event for expr.
func (t *CronTrigger) Fire(ctx context.Context, expr string, at time.Time) *core.ScheduledResult {
	log := t.log.WithField("cron", expr)
	res, err := t.target.Scheduled(ctx, &core.ScheduledEvent{ScheduledTime: at, Cron: expr})
	if err != nil {
		log.WithError(err).Error("worker: scheduled dispatch failed")
		return nil
	}
	if res.Outcome != core.OutcomeOK {
		log.WithFields(logrus.Fields{"outcome": res.Outcome, "no_retry": res.NoRetry}).Warn("worker: scheduled run failed")
	}
	return res
}

// Start runs the schedules in the background.
func (t *CronTrigger) Start() { t.cron.Start() }

// Stop halts the schedules. The returned context is done once running
// events finish.
func (t *CronTrigger) Stop() context.Context { return t.cron.Stop() }
