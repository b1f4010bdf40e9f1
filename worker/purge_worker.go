package worker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"mailvet/utils"
)

// Purger deletes validation rows that expired before now.
type Purger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// PurgeWorker periodically removes expired validation rows. Lookups already
// ignore expired rows; this only bounds table growth.
type PurgeWorker struct {
	purger   Purger
	interval time.Duration
	logger   *logrus.Entry
	now      func() time.Time
}

func NewPurgeWorker(p Purger, interval time.Duration, logger *logrus.Entry) *PurgeWorker {
	if logger == nil {
		logger = utils.Component("purge")
	}
	return &PurgeWorker{
		purger:   p,
		interval: interval,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Start runs until ctx is done. A non-positive interval returns at once.
func (pw *PurgeWorker) Start(ctx context.Context) {
	if pw.interval <= 0 {
		return
	}
	pw.logger.WithField("interval", pw.interval).Info("Purge worker started")
	ticker := time.NewTicker(pw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			pw.logger.Info("Purge worker shutting down...")
			return
		case <-ticker.C:
			pw.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single purge pass and returns the number of rows
// removed.
func (pw *PurgeWorker) RunOnce(ctx context.Context) int64 {
	n, err := pw.purger.PurgeExpired(ctx, pw.now())
	if err != nil {
		utils.LogError("validation_purge", err, nil)
		return 0
	}
	if n > 0 {
		pw.logger.WithField("rows", n).Info("Purged expired validations")
	}
	return n
}
