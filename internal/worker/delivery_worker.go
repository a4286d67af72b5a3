package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/pkg/logger"
	"github.com/ignite/campaign-dispatch/internal/service/bounce"
	"github.com/ignite/campaign-dispatch/internal/transport"
)

const (
	// DefaultPollInterval is how often the delivery worker wakes up.
	DefaultPollInterval = 5 * time.Second

	// DefaultBatchSize caps how many jobs one cycle claims.
	DefaultBatchSize = 10

	// DefaultHourlyLimit is the send budget per fixed one-hour window.
	DefaultHourlyLimit = 100
)

// errRateExhausted ends a cycle early; the remaining claimed jobs are
// released back to pending.
var errRateExhausted = errors.New("rate window exhausted")

// Store is the delivery worker's view of the persistent queue. Every status
// update must be a single atomic write; the worker's in-memory guards do not
// survive a restart, so crash correctness rests on the store.
type Store interface {
	// ClaimPendingJobs marks up to limit pending jobs as processing and
	// returns them in FIFO order by creation time (priority first).
	ClaimPendingJobs(ctx context.Context, limit int) ([]domain.QueueJob, error)

	// ReleaseJob returns a processing job to pending without consuming a
	// retry. Used when a send is deferred rather than failed.
	ReleaseJob(ctx context.Context, id string) error

	// CompleteJob marks a job completed.
	CompleteJob(ctx context.Context, id string) error

	// FailJob marks a job terminally failed with the given reason.
	FailJob(ctx context.Context, id, reason string) error

	// RetryJob increments the retry count and returns the job to pending.
	RetryJob(ctx context.Context, id, reason string) error

	// GetMessage returns the delivery record a job refers to.
	GetMessage(ctx context.Context, id string) (*domain.Message, error)

	// MarkMessageSent records a successful handoff to the transport.
	MarkMessageSent(ctx context.Context, id, providerID string) error

	// MarkMessageFailed records a non-bounce failure with its reason.
	MarkMessageFailed(ctx context.Context, id, reason string) error

	// MarkMessageBounced records a hard bounce with its reason.
	MarkMessageBounced(ctx context.Context, id, reason string) error

	// CampaignStatus returns the current status of a campaign.
	CampaignStatus(ctx context.Context, id string) (domain.CampaignStatus, error)

	// FinishSentCampaigns flips sending campaigns with no pending or
	// processing messages left to sent, returning how many were closed.
	FinishSentCampaigns(ctx context.Context) (int, error)

	// CountJobsByStatus returns queue depth per job status.
	CountJobsByStatus(ctx context.Context) (map[domain.JobStatus]int, error)
}

// BounceGuard is the slice of the bounce service the worker needs.
type BounceGuard interface {
	RecordBounce(ctx context.Context, a bounce.Attempt) (domain.BounceType, bool, error)
	ShouldSkipContact(ctx context.Context, contactID string) (bool, string, error)
}

// DeliveryWorker drains the send queue on a timer. Jobs within a batch are
// processed strictly one at a time, which keeps the rate counter accurate
// without cross-job synchronization. Overlapping ticks are skipped via a
// single re-entrancy flag; at-most-one-cycle-at-a-time holds per process
// only, so running two workers against one store needs the shared Redis
// rate window.
type DeliveryWorker struct {
	store     Store
	transport transport.Transport
	bounces   BounceGuard
	rate      RateWindow

	hourlyLimit  int
	batchSize    int
	pollInterval time.Duration

	// Stats
	totalSent    int64
	totalFailed  int64
	totalSkipped int64
	totalRetried int64
	cycles       int64

	// Control
	inCycle atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// NewDeliveryWorker creates a delivery worker with default poll interval,
// batch size, and hourly limit.
func NewDeliveryWorker(store Store, tr transport.Transport, bounces BounceGuard, rate RateWindow) *DeliveryWorker {
	return &DeliveryWorker{
		store:        store,
		transport:    tr,
		bounces:      bounces,
		rate:         rate,
		hourlyLimit:  DefaultHourlyLimit,
		batchSize:    DefaultBatchSize,
		pollInterval: DefaultPollInterval,
	}
}

// SetHourlyLimit overrides the send budget per window.
func (w *DeliveryWorker) SetHourlyLimit(limit int) {
	if limit > 0 {
		w.hourlyLimit = limit
	}
}

// SetPollInterval overrides the cycle interval.
func (w *DeliveryWorker) SetPollInterval(d time.Duration) {
	if d > 0 {
		w.pollInterval = d
	}
}

// SetBatchSize overrides how many jobs one cycle claims.
func (w *DeliveryWorker) SetBatchSize(n int) {
	if n > 0 {
		w.batchSize = n
	}
}

// Start launches the polling loop and runs one cycle immediately.
func (w *DeliveryWorker) Start() error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("delivery worker already running")
	}
	w.running = true
	w.ctx, w.cancel = context.WithCancel(context.Background())
	w.mu.Unlock()

	logger.Info("delivery worker starting",
		"poll_interval", w.pollInterval.String(),
		"batch_size", w.batchSize,
		"hourly_limit", w.hourlyLimit,
	)

	w.wg.Add(1)
	go w.loop()
	return nil
}

// Stop halts the loop and waits for any in-flight cycle to finish.
func (w *DeliveryWorker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	w.cancel()
	w.wg.Wait()
	logger.Info("delivery worker stopped",
		"sent", atomic.LoadInt64(&w.totalSent),
		"failed", atomic.LoadInt64(&w.totalFailed),
		"skipped", atomic.LoadInt64(&w.totalSkipped),
	)
}

func (w *DeliveryWorker) loop() {
	defer w.wg.Done()

	w.RunCycle(w.ctx)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.RunCycle(w.ctx)
		}
	}
}

// RunCycle executes one delivery cycle. If a previous cycle is still
// running, the call is a no-op.
func (w *DeliveryWorker) RunCycle(ctx context.Context) {
	if !w.inCycle.CompareAndSwap(false, true) {
		return
	}
	defer w.inCycle.Store(false)
	atomic.AddInt64(&w.cycles, 1)

	// End the cycle before claiming anything if the window is spent.
	count, err := w.rate.Count(ctx)
	if err != nil {
		logger.Error("rate window check failed", "error", err.Error())
		return
	}
	if count >= w.hourlyLimit {
		logger.Debug("rate window exhausted, skipping cycle", "count", count, "limit", w.hourlyLimit)
		return
	}

	jobs, err := w.store.ClaimPendingJobs(ctx, w.batchSize)
	if err != nil {
		logger.Error("claim jobs failed", "error", err.Error())
		return
	}
	if len(jobs) == 0 {
		return
	}

	for i := range jobs {
		if ctx.Err() != nil {
			return
		}
		err := w.processJob(ctx, &jobs[i])
		if errors.Is(err, errRateExhausted) {
			// Release the rest of the batch untouched.
			for j := i + 1; j < len(jobs); j++ {
				if rErr := w.store.ReleaseJob(ctx, jobs[j].ID); rErr != nil {
					logger.Error("release job failed", "job_id", jobs[j].ID, "error", rErr.Error())
				}
			}
			break
		}
		if err != nil {
			// Contained per job: log and move on.
			logger.Error("job processing failed", "job_id", jobs[i].ID, "error", err.Error())
		}
	}

	if closed, err := w.store.FinishSentCampaigns(ctx); err != nil {
		logger.Error("finish sent campaigns failed", "error", err.Error())
	} else if closed > 0 {
		logger.Info("campaigns completed", "count", closed)
	}
}

// processJob drives one job through its state machine. Only errRateExhausted
// aborts the batch; any other error is contained to this job.
func (w *DeliveryWorker) processJob(ctx context.Context, job *domain.QueueJob) error {
	if job.Type != domain.JobSendEmail || job.Payload.SendEmail == nil {
		atomic.AddInt64(&w.totalFailed, 1)
		return w.store.FailJob(ctx, job.ID, fmt.Sprintf("unknown job type %q", job.Type))
	}
	p := job.Payload.SendEmail

	msg, err := w.store.GetMessage(ctx, p.MessageID)
	if err != nil {
		atomic.AddInt64(&w.totalFailed, 1)
		return w.store.FailJob(ctx, job.ID, fmt.Sprintf("message %s not found: %v", p.MessageID, err))
	}

	// Duplicate-safe: a message that already went out completes the job
	// without another send.
	if msg.DeliverySucceeded() {
		return w.store.CompleteJob(ctx, job.ID)
	}

	// Paused campaigns keep their jobs queued for a later resume.
	status, err := w.store.CampaignStatus(ctx, p.CampaignID)
	if err != nil {
		return fmt.Errorf("campaign status: %w", err)
	}
	if status == domain.CampaignPaused {
		return w.store.ReleaseJob(ctx, job.ID)
	}

	// Contact status is re-checked at dispatch time, not just enqueue time.
	skip, reason, err := w.bounces.ShouldSkipContact(ctx, p.ContactID)
	if err != nil {
		return fmt.Errorf("contact check: %w", err)
	}
	if skip {
		atomic.AddInt64(&w.totalSkipped, 1)
		if err := w.store.MarkMessageFailed(ctx, msg.ID, reason); err != nil {
			return err
		}
		return w.store.CompleteJob(ctx, job.ID)
	}

	ok, _, err := w.rate.Allow(ctx, w.hourlyLimit)
	if err != nil {
		return fmt.Errorf("rate window: %w", err)
	}
	if !ok {
		if err := w.store.ReleaseJob(ctx, job.ID); err != nil {
			return err
		}
		return errRateExhausted
	}

	result, err := w.transport.Send(ctx, &domain.EmailMessage{
		ID:          msg.ID,
		CampaignID:  p.CampaignID,
		ContactID:   p.ContactID,
		To:          p.To,
		FromName:    p.FromName,
		FromEmail:   p.FromEmail,
		ReplyTo:     p.ReplyTo,
		Subject:     p.Subject,
		HTMLContent: p.HTMLContent,
		TextContent: p.TextContent,
		Headers:     p.Headers,
	})
	if err != nil {
		// Transport-level error with no provider response; treated as a
		// soft failure.
		return w.handleFailure(ctx, job, msg, 0, err.Error())
	}
	if !result.Success {
		return w.handleFailure(ctx, job, msg, result.Code, result.Error)
	}

	if err := w.store.MarkMessageSent(ctx, msg.ID, result.MessageID); err != nil {
		return err
	}
	if err := w.store.CompleteJob(ctx, job.ID); err != nil {
		return err
	}
	atomic.AddInt64(&w.totalSent, 1)
	return nil
}

// handleFailure classifies the failure and applies the retry policy: hard
// bounces are terminal for both message and job, soft failures retry until
// the job's budget runs out.
func (w *DeliveryWorker) handleFailure(ctx context.Context, job *domain.QueueJob, msg *domain.Message, code int, reason string) error {
	bounceType, escalated, err := w.bounces.RecordBounce(ctx, bounce.Attempt{
		ContactID:  msg.ContactID,
		MessageID:  msg.ID,
		CampaignID: msg.CampaignID,
		Code:       code,
		Reason:     reason,
	})
	if err != nil {
		logger.Error("bounce recording failed", "message_id", msg.ID, "error", err.Error())
	}

	if bounceType == domain.BounceHard {
		atomic.AddInt64(&w.totalFailed, 1)
		if err := w.store.MarkMessageBounced(ctx, msg.ID, reason); err != nil {
			return err
		}
		return w.store.FailJob(ctx, job.ID, reason)
	}

	if err := w.store.MarkMessageFailed(ctx, msg.ID, reason); err != nil {
		return err
	}
	if job.RetriesExhausted() {
		atomic.AddInt64(&w.totalFailed, 1)
		return w.store.FailJob(ctx, job.ID, fmt.Sprintf("retries exhausted: %s", reason))
	}
	atomic.AddInt64(&w.totalRetried, 1)
	logger.Debug("job requeued for retry",
		"job_id", job.ID,
		"retry", job.RetryCount+1,
		"max_retries", job.MaxRetries,
		"escalated", escalated,
	)
	return w.store.RetryJob(ctx, job.ID, reason)
}

// RateLimitStatus reports the current send window usage.
type RateLimitStatus struct {
	Limit     int `json:"limit"`
	Used      int `json:"used"`
	Remaining int `json:"remaining"`
}

// RateLimitStatus returns usage of the current fixed window.
func (w *DeliveryWorker) RateLimitStatus(ctx context.Context) (*RateLimitStatus, error) {
	used, err := w.rate.Count(ctx)
	if err != nil {
		return nil, err
	}
	remaining := w.hourlyLimit - used
	if remaining < 0 {
		remaining = 0
	}
	return &RateLimitStatus{Limit: w.hourlyLimit, Used: used, Remaining: remaining}, nil
}

// QueueStatus reports queue depth and lifetime worker counters.
type QueueStatus struct {
	Jobs    map[domain.JobStatus]int `json:"jobs"`
	Sent    int64                    `json:"sent"`
	Failed  int64                    `json:"failed"`
	Skipped int64                    `json:"skipped"`
	Retried int64                    `json:"retried"`
	Cycles  int64                    `json:"cycles"`
}

// QueueStatus returns queue depth per status plus worker counters.
func (w *DeliveryWorker) QueueStatus(ctx context.Context) (*QueueStatus, error) {
	jobs, err := w.store.CountJobsByStatus(ctx)
	if err != nil {
		return nil, err
	}
	return &QueueStatus{
		Jobs:    jobs,
		Sent:    atomic.LoadInt64(&w.totalSent),
		Failed:  atomic.LoadInt64(&w.totalFailed),
		Skipped: atomic.LoadInt64(&w.totalSkipped),
		Retried: atomic.LoadInt64(&w.totalRetried),
		Cycles:  atomic.LoadInt64(&w.cycles),
	}, nil
}
