package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"mailvet/models"
	"mailvet/store"
	"mailvet/utils"
	"mailvet/validator"
)

var (
	ErrEmptyBatch    = errors.New("batch contains no emails")
	ErrBatchTooLarge = errors.New("batch exceeds maximum size")
	ErrJobNotFound   = errors.New("bulk job not found")
	ErrJobRunning    = errors.New("bulk job is already running")
	ErrJobNotRunning = errors.New("bulk job is not running")
	ErrJobFinished   = errors.New("bulk job already finished")
	ErrBatchMismatch = errors.New("batch does not match the job's total")
)

// cancelledReason is stored as last_error of a cancelled job.
const cancelledReason = "cancelled"

// EmailValidator is the engine entry point the coordinator drives.
type EmailValidator interface {
	Validate(ctx context.Context, email string, userID uint, useCache bool) *validator.Result
}

// JobStore persists bulk jobs. RecordItem must insert the item and apply
// the counter deltas as one atomic mutation.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.BulkJob) error
	GetJob(ctx context.Context, id uint) (*models.BulkJob, error)
	MarkProcessing(ctx context.Context, id uint, at time.Time) error
	RecordItem(ctx context.Context, item *models.BulkJobItem, validDelta, invalidDelta int) error
	Finish(ctx context.Context, id uint, status, lastError string, at time.Time) error
	ListItems(ctx context.Context, id uint, offset, limit int) ([]models.BulkJobItem, error)
}

type BulkConfig struct {
	MaxBatchSize int
	// PacingDelay is slept between dispatching consecutive items.
	PacingDelay time.Duration
	// Workers > 1 validates items concurrently; per-domain spacing is left
	// to the prober's pacer.
	Workers  int
	UseCache bool
	// RecordAttempts bounds retries of a failed item write before the job
	// is marked failed.
	RecordAttempts int
}

// Progress is a snapshot of a job's counters.
type Progress struct {
	JobID     uint   `json:"job_id"`
	Status    string `json:"status"`
	Processed int    `json:"processed_emails"`
	Total     int    `json:"total_emails"`
	Valid     int    `json:"valid_emails"`
	Invalid   int    `json:"invalid_emails"`
	LastError string `json:"last_error,omitempty"`
}

// Done reports whether the job reached a terminal status.
func (p Progress) Done() bool {
	return p.Status == models.JobCompleted || p.Status == models.JobFailed
}

// BulkCoordinator runs validation over address lists and owns the job
// counters. A job's counters are written by exactly one goroutine.
type BulkCoordinator struct {
	validator EmailValidator
	jobs      JobStore
	cfg       BulkConfig
	log       *logrus.Entry

	baseCtx context.Context
	stop    context.CancelFunc

	mu      sync.Mutex
	running map[uint]context.CancelFunc
	wg      sync.WaitGroup

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewBulkCoordinator(v EmailValidator, jobs JobStore, cfg BulkConfig, log *logrus.Entry) *BulkCoordinator {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.RecordAttempts < 1 {
		cfg.RecordAttempts = 3
	}
	if log == nil {
		log = utils.Component("bulk")
	}
	ctx, stop := context.WithCancel(context.Background())
	return &BulkCoordinator{
		validator: v,
		jobs:      jobs,
		cfg:       cfg,
		log:       log,
		baseCtx:   ctx,
		stop:      stop,
		running:   make(map[uint]context.CancelFunc),
		now:       func() time.Time { return time.Now().UTC() },
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit creates a pending job for emails.
func (c *BulkCoordinator) Submit(ctx context.Context, userID uint, name string, emails []string) (*models.BulkJob, error) {
	if len(emails) == 0 {
		return nil, ErrEmptyBatch
	}
	if c.cfg.MaxBatchSize > 0 && len(emails) > c.cfg.MaxBatchSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(emails), c.cfg.MaxBatchSize)
	}
	if name == "" {
		name = "Bulk validation " + c.now().Format("2006-01-02")
	}
	job := &models.BulkJob{
		UserID:      userID,
		Name:        name,
		Status:      models.JobPending,
		TotalEmails: len(emails),
	}
	if err := c.jobs.CreateJob(ctx, job); err != nil {
		return nil, &validator.StorageError{Op: "create job", Err: err}
	}
	return job, nil
}

// Start runs the job in the background. The status check and the
// registration happen under c.mu, which Cancel also holds.
func (c *BulkCoordinator) Start(jobID, userID uint, emails []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.running[jobID]; ok {
		return ErrJobRunning
	}
	job, err := c.jobs.GetJob(c.baseCtx, jobID)
	if err != nil {
		return c.mapErr(err)
	}
	if err := checkRunnable(job, emails); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(c.baseCtx)
	c.running[jobID] = cancel
	c.wg.Add(1)

	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.running, jobID)
			c.mu.Unlock()
			cancel()
		}()
		if _, err := c.RunBatch(ctx, emails, userID, jobID); err != nil {
			c.log.WithError(err).WithField("job_id", jobID).Warn("bulk job ended with error")
		}
	}()
	return nil
}

// Cancel aborts a running job between items, or fails a pending one.
func (c *BulkCoordinator) Cancel(jobID uint) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cancel, ok := c.running[jobID]; ok {
		cancel()
		return nil
	}

	job, err := c.jobs.GetJob(c.baseCtx, jobID)
	if err != nil {
		return c.mapErr(err)
	}
	if job.Status == models.JobPending {
		return c.mapErr(c.jobs.Finish(c.baseCtx, jobID, models.JobFailed, cancelledReason, c.now()))
	}
	return ErrJobNotRunning
}

// checkRunnable refuses finished jobs and batches that are not the job's
// address list.
func checkRunnable(job *models.BulkJob, emails []string) error {
	if job.Terminal() {
		return ErrJobFinished
	}
	if len(emails) != job.TotalEmails {
		return fmt.Errorf("%w: %d emails for a job of %d", ErrBatchMismatch, len(emails), job.TotalEmails)
	}
	return nil
}

// Stop cancels every running job and waits for them to reach a terminal
// status.
func (c *BulkCoordinator) Stop() {
	c.stop()
	c.wg.Wait()
}

// Wait blocks until all background jobs have finished.
func (c *BulkCoordinator) Wait() {
	c.wg.Wait()
}

// Progress returns the job's current counters.
func (c *BulkCoordinator) Progress(ctx context.Context, jobID uint) (Progress, error) {
	job, err := c.jobs.GetJob(ctx, jobID)
	if err != nil {
		return Progress{}, c.mapErr(err)
	}
	return Progress{
		JobID:     job.ID,
		Status:    job.Status,
		Processed: job.ProcessedEmails,
		Total:     job.TotalEmails,
		Valid:     job.ValidEmails,
		Invalid:   job.InvalidEmails,
		LastError: job.LastError,
	}, nil
}

// Items returns recorded item outcomes in input order.
func (c *BulkCoordinator) Items(ctx context.Context, jobID uint, offset, limit int) ([]models.BulkJobItem, error) {
	if _, err := c.jobs.GetJob(ctx, jobID); err != nil {
		return nil, c.mapErr(err)
	}
	return c.jobs.ListItems(ctx, jobID, offset, limit)
}

// RunBatch validates emails in input order and records each outcome. It
// returns the results produced so far. A job that is finished, already
// started or sized differently from emails is refused untouched. Otherwise
// the error is non-nil only when the run was cancelled or job bookkeeping
// failed, and in both cases the job has been marked failed.
func (c *BulkCoordinator) RunBatch(ctx context.Context, emails []string, userID, jobID uint) ([]*validator.Result, error) {
	log := c.log.WithFields(logrus.Fields{"job_id": jobID, "total": len(emails)})

	job, err := c.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, c.mapErr(err)
	}
	if err := checkRunnable(job, emails); err != nil {
		return nil, err
	}

	if len(emails) == 0 {
		if err := c.jobs.Finish(ctx, jobID, models.JobCompleted, "", c.now()); err != nil {
			return nil, c.fail(ctx, jobID, &validator.StorageError{Op: "finish job", Err: err})
		}
		return []*validator.Result{}, nil
	}

	if err := c.jobs.MarkProcessing(ctx, jobID, c.now()); err != nil {
		if isStateErr(err) {
			return nil, c.mapErr(err)
		}
		return nil, c.fail(ctx, jobID, &validator.StorageError{Op: "start job", Err: err})
	}
	utils.LogEvent("bulk_job_started", map[string]interface{}{"job_id": jobID, "user_id": userID, "total": len(emails)})

	var results []*validator.Result
	if c.cfg.Workers > 1 {
		results, err = c.runConcurrent(ctx, emails, userID, jobID)
	} else {
		results, err = c.runSequential(ctx, emails, userID, jobID)
	}
	if err != nil {
		return results, c.fail(ctx, jobID, err)
	}

	if err := c.jobs.Finish(ctx, jobID, models.JobCompleted, "", c.now()); err != nil {
		return results, c.fail(ctx, jobID, &validator.StorageError{Op: "finish job", Err: err})
	}
	log.Info("bulk job completed")
	utils.LogEvent("bulk_job_completed", map[string]interface{}{"job_id": jobID, "processed": len(results)})
	return results, nil
}

func (c *BulkCoordinator) runSequential(ctx context.Context, emails []string, userID, jobID uint) ([]*validator.Result, error) {
	results := make([]*validator.Result, 0, len(emails))
	for i, email := range emails {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		if i > 0 {
			if err := c.sleep(ctx, c.cfg.PacingDelay); err != nil {
				return results, err
			}
		}

		res := c.validate(ctx, email, userID)
		results = append(results, res)
		if err := c.record(ctx, jobID, i, res); err != nil {
			return results, err
		}
	}
	return results, nil
}

type outcome struct {
	pos int
	res *validator.Result
}

// runConcurrent dispatches items to a bounded pool. Item writes go through
// the collector loop below, which is the only writer of the job counters.
func (c *BulkCoordinator) runConcurrent(ctx context.Context, emails []string, userID, jobID uint) ([]*validator.Result, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := make(chan outcome)
	collected := make(chan error, 1)
	slots := make([]*validator.Result, len(emails))

	go func() {
		var storeErr error
		for o := range out {
			if storeErr != nil {
				continue
			}
			slots[o.pos] = o.res
			if err := c.record(ctx, jobID, o.pos, o.res); err != nil {
				storeErr = err
				cancel()
			}
		}
		collected <- storeErr
	}()

	var g errgroup.Group
	g.SetLimit(c.cfg.Workers)
	var loopErr error
	for i, email := range emails {
		if err := runCtx.Err(); err != nil {
			loopErr = err
			break
		}
		if i > 0 {
			if err := c.sleep(runCtx, c.cfg.PacingDelay); err != nil {
				loopErr = err
				break
			}
		}
		g.Go(func() error {
			out <- outcome{pos: i, res: c.validate(runCtx, email, userID)}
			return nil
		})
	}
	_ = g.Wait()
	close(out)
	storeErr := <-collected

	results := make([]*validator.Result, 0, len(emails))
	for _, r := range slots {
		if r != nil {
			results = append(results, r)
		}
	}
	if storeErr != nil {
		return results, storeErr
	}
	if loopErr != nil {
		return results, ctx.Err()
	}
	return results, nil
}

// validate lets an in-flight item finish even if the job is cancelled; the
// probe's own timeouts bound it.
func (c *BulkCoordinator) validate(ctx context.Context, email string, userID uint) *validator.Result {
	return c.validator.Validate(context.WithoutCancel(ctx), email, userID, c.cfg.UseCache)
}

func (c *BulkCoordinator) record(ctx context.Context, jobID uint, pos int, res *validator.Result) error {
	validDelta, invalidDelta := 0, 0
	switch res.Status {
	case validator.StatusValid:
		validDelta = 1
	case validator.StatusInvalid:
		invalidDelta = 1
	}

	// The write is detached from ctx so a cancelled run still records the
	// item it already validated.
	writeCtx := context.WithoutCancel(ctx)
	var err error
	for attempt := 1; attempt <= c.cfg.RecordAttempts; attempt++ {
		item := &models.BulkJobItem{
			BulkJobID: jobID,
			Position:  pos,
			Email:     res.Email,
			Status:    string(res.Status),
			RiskScore: res.RiskScore,
			Cached:    res.Cached,
			CreatedAt: c.now(),
		}
		if err = c.jobs.RecordItem(writeCtx, item, validDelta, invalidDelta); err == nil {
			return nil
		}
		if isStateErr(err) {
			break
		}
		if attempt < c.cfg.RecordAttempts {
			_ = sleepCtx(writeCtx, time.Duration(attempt)*50*time.Millisecond)
		}
	}
	return &validator.StorageError{Op: "record item", Err: err}
}

// fail marks the job failed, keeping its counters, and returns cause.
func (c *BulkCoordinator) fail(ctx context.Context, jobID uint, cause error) error {
	reason := cause.Error()
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		reason = cancelledReason
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := c.jobs.Finish(writeCtx, jobID, models.JobFailed, reason, c.now()); err != nil && !errors.Is(err, store.ErrJobFinished) {
		utils.LogError("bulk_job_finish", err, map[string]interface{}{"job_id": jobID})
	}

	if reason == cancelledReason {
		utils.LogEvent("bulk_job_cancelled", map[string]interface{}{"job_id": jobID})
	} else {
		utils.LogError("bulk_job_failed", cause, map[string]interface{}{"job_id": jobID})
	}
	return cause
}

func (c *BulkCoordinator) mapErr(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ErrJobNotFound
	case errors.Is(err, store.ErrJobFinished):
		return ErrJobFinished
	case errors.Is(err, store.ErrJobStarted):
		return ErrJobRunning
	}
	return err
}

// isStateErr reports errors that no retry can fix: the job is gone or in
// the wrong status.
func isStateErr(err error) bool {
	return errors.Is(err, store.ErrNotFound) ||
		errors.Is(err, store.ErrJobFinished) ||
		errors.Is(err, store.ErrJobStarted) ||
		errors.Is(err, store.ErrJobNotStarted)
}
