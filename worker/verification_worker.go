package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"mailverifier/models"
	"mailverifier/notify"
	"mailverifier/queue"
	"mailverifier/retry"
	"mailverifier/utils"
	"mailverifier/verifier"
)

var (
	ErrNoAddresses         = errors.New("no email addresses to verify")
	ErrInsufficientCredits = errors.New("insufficient verification credits")
)

const (
	ReasonCrashed   = "verification crashed"
	ReasonCancelled = "cancelled"
)

type JobStore interface {
	GetJob(ctx context.Context, id uint) (*models.VerificationJob, error)
	UpdateJob(ctx context.Context, id uint, fields map[string]interface{}) error
	FindUserByID(ctx context.Context, id uint) (*models.User, error)
	DecrementCredits(ctx context.Context, userID uint, n int) error
}

type ResultStore interface {
	CreateResults(ctx context.Context, jobID uint, results []*verifier.Result) error
}

type ProgressPublisher interface {
	Publish(ctx context.Context, topic, event string, payload interface{}) error
}

type NotificationSender interface {
	NotifyJobCompleted(ctx context.Context, to string, summary notify.Completed) error
}

type Verifier interface {
	Verify(ctx context.Context, address string) *verifier.Result
}

// JobObserver is told how each job ended and about every timed out item.
type JobObserver interface {
	JobFinished(status string)
	ItemTimedOut()
}

type Options struct {
	BatchSize     int
	Concurrency   int
	ProgressEvery int
	ItemTimeout   time.Duration
	JobWorkers    int
	// Retry applies to result persistence.
	Retry    retry.Policy
	Logger   logrus.FieldLogger
	Observer JobObserver
	Now      func() time.Time
}

func (o *Options) setDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 10
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 50
	}
	if o.ProgressEvery <= 0 {
		o.ProgressEvery = 5
	}
	if o.ItemTimeout <= 0 {
		o.ItemTimeout = 10 * time.Second
	}
	if o.JobWorkers <= 0 {
		o.JobWorkers = 2
	}
	if o.Retry.MaxAttempts < 1 {
		o.Retry = retry.DefaultPolicy()
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type Deps struct {
	Jobs     JobStore
	Results  ResultStore
	Verifier Verifier
	Queue    queue.Queue
	Progress ProgressPublisher
	Notifier NotificationSender
}

// VerificationWorker drains the job queue and verifies each job's addresses
// in batches, persisting results and reporting progress as it goes.
type VerificationWorker struct {
	Deps
	opts Options
	// Bounds in-flight verifications across every job this worker runs.
	sem *semaphore.Weighted
}

func NewVerificationWorker(deps Deps, opts Options) *VerificationWorker {
	opts.setDefaults()
	if deps.Progress == nil {
		deps.Progress = notify.LogPublisher{Logger: opts.Logger}
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.NoopNotifier{}
	}
	return &VerificationWorker{
		Deps: deps,
		opts: opts,
		sem:  semaphore.NewWeighted(int64(opts.Concurrency)),
	}
}

// StartVerification queues a job for the consumers started by Start.
func (w *VerificationWorker) StartVerification(ctx context.Context, jobID uint, addresses []string) error {
	task := queue.NewTask(jobID, addresses)
	if err := w.Queue.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("queue job %d: %w", jobID, err)
	}
	w.opts.Logger.WithFields(logrus.Fields{
		"job_id":    jobID,
		"task_id":   task.ID,
		"addresses": len(addresses),
	}).Info("Verification job queued")
	return nil
}

// Start runs JobWorkers consumers and blocks until ctx is done and every
// consumer has returned.
func (w *VerificationWorker) Start(ctx context.Context) {
	w.opts.Logger.WithField("consumers", w.opts.JobWorkers).Info("Verification worker started")

	var wg sync.WaitGroup
	for i := 0; i < w.opts.JobWorkers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			w.consume(ctx, n)
		}(i)
	}
	wg.Wait()

	w.opts.Logger.Info("Verification worker shutting down...")
}

func (w *VerificationWorker) consume(ctx context.Context, n int) {
	log := w.opts.Logger.WithField("consumer", n)
	for {
		task, err := w.Queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Error("Failed to dequeue task")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		if err := w.Process(ctx, task); err != nil {
			log.WithFields(logrus.Fields{
				"job_id": task.JobID,
				"error":  err,
			}).Warn("Verification job failed")
		}
	}
}

type tally struct {
	processed, valid, invalid, risky, unknown int
}

func (t *tally) add(r *verifier.Result) {
	t.processed++
	switch r.Status {
	case verifier.StatusValid:
		t.valid++
	case verifier.StatusInvalid:
		t.invalid++
	case verifier.StatusRisky:
		t.risky++
	default:
		t.unknown++
	}
}

func (t tally) fields() map[string]interface{} {
	return map[string]interface{}{
		"processed_emails": t.processed,
		"valid_emails":     t.valid,
		"invalid_emails":   t.invalid,
		"risky_emails":     t.risky,
		"unknown_emails":   t.unknown,
	}
}

func (t tally) progress(jobID uint, total int) notify.Progress {
	return notify.Progress{
		JobID:           jobID,
		TotalEmails:     total,
		ProcessedEmails: t.processed,
		ValidEmails:     t.valid,
		InvalidEmails:   t.invalid,
		RiskyEmails:     t.risky,
		UnknownEmails:   t.unknown,
		Percentage:      notify.Percent(t.processed, total),
	}
}

// Process runs one job to a terminal state. The returned error is the reason
// the job was marked FAILED.
func (w *VerificationWorker) Process(ctx context.Context, task queue.Task) error {
	log := w.opts.Logger.WithFields(logrus.Fields{
		"job_id":  task.JobID,
		"task_id": task.ID,
	})

	job, err := w.Jobs.GetJob(ctx, task.JobID)
	if err != nil {
		return w.fail(ctx, task.JobID, fmt.Errorf("load job: %w", err))
	}
	if job.Status == models.JobStatusCancelled {
		log.Info("Job cancelled before start")
		return nil
	}

	addresses := cleanAddresses(task.Addresses)
	if len(addresses) == 0 {
		return w.fail(ctx, job.ID, ErrNoAddresses)
	}

	user, err := w.Jobs.FindUserByID(ctx, job.UserID)
	if err != nil {
		return w.fail(ctx, job.ID, fmt.Errorf("load owner: %w", err))
	}
	if user.VerifyCredits < len(addresses) {
		return w.fail(ctx, job.ID, fmt.Errorf("%w: need %d, have %d",
			ErrInsufficientCredits, len(addresses), user.VerifyCredits))
	}

	startedAt := w.opts.Now()
	if err := w.Jobs.UpdateJob(ctx, job.ID, map[string]interface{}{
		"status":       models.JobStatusProcessing,
		"started_at":   startedAt,
		"total_emails": len(addresses),
	}); err != nil {
		return w.fail(ctx, job.ID, fmt.Errorf("mark processing: %w", err))
	}
	log.WithField("total", len(addresses)).Info("Verification job started")

	total := len(addresses)
	topic := notify.Topic(job.ID)
	var counts tally

	for start := 0; start < total; start += w.opts.BatchSize {
		if err := ctx.Err(); err != nil {
			return w.fail(ctx, job.ID, fmt.Errorf("interrupted: %w", err))
		}
		if w.cancelled(ctx, job.ID) {
			w.finishCancelled(ctx, job.ID, user.ID, counts, startedAt)
			return nil
		}

		end := start + w.opts.BatchSize
		if end > total {
			end = total
		}
		results := w.runBatch(ctx, addresses[start:end])

		err := w.opts.Retry.Do(ctx, func(ctx context.Context, _ int) error {
			return retry.MarkRetryable(w.Results.CreateResults(ctx, job.ID, results))
		})
		if err != nil {
			return w.fail(ctx, job.ID, fmt.Errorf("store results: %w", err))
		}

		for _, r := range results {
			counts.add(r)
			if counts.processed%w.opts.ProgressEvery == 0 || counts.processed == total {
				w.publish(ctx, topic, notify.EventProgress, counts.progress(job.ID, total))
			}
		}

		if err := w.Jobs.UpdateJob(ctx, job.ID, counts.fields()); err != nil {
			log.WithError(err).Warn("Failed to update job counters")
		}
	}

	return w.complete(ctx, job.ID, user, counts, total, startedAt)
}

// runBatch verifies addresses concurrently within the worker-wide limit.
// Results keep the order of addresses.
func (w *VerificationWorker) runBatch(ctx context.Context, addresses []string) []*verifier.Result {
	results := make([]*verifier.Result, len(addresses))
	var wg sync.WaitGroup

	for i, addr := range addresses {
		if err := w.sem.Acquire(ctx, 1); err != nil {
			results[i] = verifier.NewUnknown(addr, ReasonCancelled, w.opts.Now())
			continue
		}
		wg.Add(1)
		go func(i int, addr string) {
			defer wg.Done()
			defer w.sem.Release(1)
			results[i] = w.verifyOne(ctx, addr)
		}(i, addr)
	}
	wg.Wait()
	return results
}

// verifyOne races a verification against the item timeout. A panic in the
// engine is turned into an UNKNOWN result.
func (w *VerificationWorker) verifyOne(ctx context.Context, addr string) *verifier.Result {
	ctx, cancel := context.WithTimeout(ctx, w.opts.ItemTimeout)
	defer cancel()

	done := make(chan *verifier.Result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				utils.LogError(w.opts.Logger, "verification_panic", fmt.Errorf("%v", p), map[string]interface{}{
					"domain": domainOf(addr),
				})
				done <- verifier.NewUnknown(addr, fmt.Sprintf("%s: %v", ReasonCrashed, p), w.opts.Now())
			}
		}()
		done <- w.Verifier.Verify(ctx, addr)
	}()

	select {
	case r := <-done:
		return r
	case <-ctx.Done():
		if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return verifier.NewUnknown(addr, ReasonCancelled, w.opts.Now())
		}
		if w.opts.Observer != nil {
			w.opts.Observer.ItemTimedOut()
		}
		return verifier.NewUnknown(addr, verifier.ReasonTimeout, w.opts.Now())
	}
}

func (w *VerificationWorker) cancelled(ctx context.Context, jobID uint) bool {
	job, err := w.Jobs.GetJob(ctx, jobID)
	if err != nil {
		w.opts.Logger.WithField("job_id", jobID).WithError(err).Warn("Failed to re-read job status")
		return false
	}
	return job.Status == models.JobStatusCancelled
}

func (w *VerificationWorker) complete(ctx context.Context, jobID uint, user *models.User, counts tally, total int, startedAt time.Time) error {
	completedAt := w.opts.Now()
	elapsed := completedAt.Sub(startedAt).Seconds()
	var speed float64
	if elapsed > 0 {
		speed = float64(counts.processed) / elapsed
	}

	fields := counts.fields()
	fields["status"] = models.JobStatusCompleted
	fields["completed_at"] = completedAt
	fields["processing_seconds"] = elapsed
	fields["average_speed"] = speed
	if err := w.Jobs.UpdateJob(ctx, jobID, fields); err != nil {
		return w.fail(ctx, jobID, fmt.Errorf("mark completed: %w", err))
	}
	w.debit(ctx, jobID, user.ID, counts.processed)

	summary := notify.Completed{
		Progress:              counts.progress(jobID, total),
		ProcessingTimeSeconds: elapsed,
		AverageSpeed:          speed,
	}
	w.publish(ctx, notify.Topic(jobID), notify.EventCompleted, summary)
	if err := w.Notifier.NotifyJobCompleted(ctx, user.Email, summary); err != nil {
		w.opts.Logger.WithField("job_id", jobID).WithError(err).Warn("Failed to send completion notice")
	}
	w.observe(models.JobStatusCompleted)

	utils.LogEvent(w.opts.Logger, "verification_completed", map[string]interface{}{
		"job_id":    jobID,
		"processed": counts.processed,
		"valid":     counts.valid,
		"duration":  utils.FormatDuration(completedAt.Sub(startedAt)),
	})
	return nil
}

// finishCancelled keeps the CANCELLED status, records what was done and
// charges for it.
func (w *VerificationWorker) finishCancelled(ctx context.Context, jobID, userID uint, counts tally, startedAt time.Time) {
	ctx = context.WithoutCancel(ctx)
	fields := counts.fields()
	fields["completed_at"] = w.opts.Now()
	fields["processing_seconds"] = w.opts.Now().Sub(startedAt).Seconds()
	if err := w.Jobs.UpdateJob(ctx, jobID, fields); err != nil {
		w.opts.Logger.WithField("job_id", jobID).WithError(err).Warn("Failed to record cancelled job")
	}
	w.debit(ctx, jobID, userID, counts.processed)
	w.observe(models.JobStatusCancelled)

	utils.LogEvent(w.opts.Logger, "verification_cancelled", map[string]interface{}{
		"job_id":    jobID,
		"processed": counts.processed,
	})
}

func (w *VerificationWorker) fail(ctx context.Context, jobID uint, cause error) error {
	ctx = context.WithoutCancel(ctx)
	if err := w.Jobs.UpdateJob(ctx, jobID, map[string]interface{}{
		"status":       models.JobStatusFailed,
		"error":        cause.Error(),
		"completed_at": w.opts.Now(),
	}); err != nil {
		w.opts.Logger.WithField("job_id", jobID).WithError(err).Warn("Failed to mark job failed")
	}
	w.publish(ctx, notify.Topic(jobID), notify.EventFailed, notify.Failed{JobID: jobID, Error: cause.Error()})
	w.observe(models.JobStatusFailed)

	utils.LogError(w.opts.Logger, "verification_job_failed", cause, map[string]interface{}{
		"job_id": jobID,
	})
	return cause
}

func (w *VerificationWorker) debit(ctx context.Context, jobID, userID uint, n int) {
	if err := w.Jobs.DecrementCredits(ctx, userID, n); err != nil {
		utils.LogError(w.opts.Logger, "credit_debit_failed", err, map[string]interface{}{
			"job_id":  jobID,
			"user_id": userID,
			"credits": n,
		})
	}
}

func (w *VerificationWorker) publish(ctx context.Context, topic, event string, payload interface{}) {
	if err := w.Progress.Publish(ctx, topic, event, payload); err != nil {
		w.opts.Logger.WithFields(logrus.Fields{
			"topic": topic,
			"event": event,
			"error": err,
		}).Debug("Progress event not delivered")
	}
}

func (w *VerificationWorker) observe(status string) {
	if w.opts.Observer != nil {
		w.opts.Observer.JobFinished(status)
	}
}

func cleanAddresses(in []string) []string {
	out := make([]string, 0, len(in))
	for _, a := range in {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}

func domainOf(addr string) string {
	_, domain := verifier.SplitAddress(addr)
	return domain
}
