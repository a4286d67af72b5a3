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
	"github.com/ignite/campaign-dispatch/internal/service/campaign"
)

const (
	// DefaultSchedulerInterval is how often the scheduler polls for due
	// campaigns.
	DefaultSchedulerInterval = 60 * time.Second

	// processedSetCap bounds the in-memory already-triggered set.
	processedSetCap = 1000
)

// ErrScheduleInPast rejects schedule times that are not strictly future.
var ErrScheduleInPast = errors.New("scheduled_at must be in the future")

// SchedulerStore is the scheduler's view of campaign persistence. Claim and
// schedule mutations are conditional single-row updates: zero affected rows
// surfaces as campaign.ErrInvalidTransition, which is the durable guard
// against two actors triggering the same campaign.
type SchedulerStore interface {
	// DueCampaigns returns scheduled campaigns with scheduled_at <= now,
	// ordered ascending by scheduled_at.
	DueCampaigns(ctx context.Context, now time.Time) ([]domain.Campaign, error)

	// ClaimForSending atomically flips scheduled -> sending and records
	// started_at. Returns campaign.ErrInvalidTransition if the campaign is
	// no longer scheduled.
	ClaimForSending(ctx context.Context, id string, startedAt time.Time) error

	// MarkCampaignFailed sets status failed with the error recorded.
	MarkCampaignFailed(ctx context.Context, id, reason string) error

	// SetSchedule flips draft -> scheduled with the given time.
	SetSchedule(ctx context.Context, id string, at time.Time) error

	// ClearSchedule flips scheduled -> draft and clears scheduled_at.
	ClearSchedule(ctx context.Context, id string) error

	// UpdateSchedule replaces scheduled_at while the campaign is scheduled.
	UpdateSchedule(ctx context.Context, id string, at time.Time) error

	// UpcomingCampaigns returns future scheduled campaigns, soonest first.
	UpcomingCampaigns(ctx context.Context, limit int) ([]domain.Campaign, error)
}

// Dispatcher triggers a claimed campaign. The campaign orchestrator's
// Dispatch method satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, c *domain.Campaign) (*campaign.SendReport, error)
}

// Scheduler polls for due scheduled campaigns and hands them to the
// dispatcher. Each campaign is triggered at most once per process lifetime
// via a bounded in-memory set; that set is only a fast path, the atomic
// scheduled -> sending claim in the store is what holds across restarts and
// multiple instances.
type Scheduler struct {
	store      SchedulerStore
	dispatcher Dispatcher

	pollInterval time.Duration
	now          func() time.Time

	// processed is a fast-path skip of ids triggered this process lifetime,
	// bounded FIFO at processedSetCap.
	processed     map[string]struct{}
	processedFIFO []string

	// Stats
	triggered int64
	failures  int64

	// Control
	inCycle atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// NewScheduler creates a scheduler with the default poll interval.
func NewScheduler(store SchedulerStore, dispatcher Dispatcher) *Scheduler {
	return &Scheduler{
		store:        store,
		dispatcher:   dispatcher,
		pollInterval: DefaultSchedulerInterval,
		now:          time.Now,
		processed:    make(map[string]struct{}),
	}
}

// SetPollInterval overrides the poll interval.
func (s *Scheduler) SetPollInterval(d time.Duration) {
	if d > 0 {
		s.pollInterval = d
	}
}

// Start launches the polling loop and runs one cycle immediately.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	logger.Info("scheduler starting", "poll_interval", s.pollInterval.String())

	s.wg.Add(1)
	go s.loop()
	return nil
}

// Stop halts the loop and waits for any in-flight cycle to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	logger.Info("scheduler stopped",
		"triggered", atomic.LoadInt64(&s.triggered),
		"failures", atomic.LoadInt64(&s.failures),
	)
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	s.RunCycle(s.ctx)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.RunCycle(s.ctx)
		}
	}
}

// RunCycle triggers every due campaign once. A failure in one campaign never
// aborts the cycle. Overlapping invocations are no-ops.
func (s *Scheduler) RunCycle(ctx context.Context) {
	if !s.inCycle.CompareAndSwap(false, true) {
		return
	}
	defer s.inCycle.Store(false)

	due, err := s.store.DueCampaigns(ctx, s.now())
	if err != nil {
		logger.Error("due campaign query failed", "error", err.Error())
		return
	}

	for i := range due {
		if ctx.Err() != nil {
			return
		}
		c := &due[i]
		if s.alreadyProcessed(c.ID) {
			continue
		}
		s.trigger(ctx, c)
	}
}

// trigger claims one due campaign and dispatches it.
func (s *Scheduler) trigger(ctx context.Context, c *domain.Campaign) {
	err := s.store.ClaimForSending(ctx, c.ID, s.now())
	if errors.Is(err, campaign.ErrInvalidTransition) {
		// Another actor got there first; remember the id so later cycles
		// skip the query row until it leaves the due set.
		s.markProcessed(c.ID)
		return
	}
	if err != nil {
		logger.Error("claim for sending failed", "campaign_id", c.ID, "error", err.Error())
		return
	}
	s.markProcessed(c.ID)

	report, err := s.dispatcher.Dispatch(ctx, c)
	if err != nil {
		atomic.AddInt64(&s.failures, 1)
		logger.Error("scheduled dispatch failed", "campaign_id", c.ID, "error", err.Error())
		if mErr := s.store.MarkCampaignFailed(ctx, c.ID, err.Error()); mErr != nil {
			logger.Error("mark campaign failed errored", "campaign_id", c.ID, "error", mErr.Error())
		}
		return
	}

	atomic.AddInt64(&s.triggered, 1)
	logger.Info("scheduled campaign dispatched",
		"campaign_id", c.ID,
		"messages_created", report.MessagesCreated,
		"jobs_enqueued", report.JobsEnqueued,
	)
}

func (s *Scheduler) alreadyProcessed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.processed[id]
	return ok
}

func (s *Scheduler) markProcessed(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.processed[id]; ok {
		return
	}
	s.processed[id] = struct{}{}
	s.processedFIFO = append(s.processedFIFO, id)
	if len(s.processedFIFO) > processedSetCap {
		oldest := s.processedFIFO[0]
		s.processedFIFO = s.processedFIFO[1:]
		delete(s.processed, oldest)
	}
}

// ScheduleCampaign moves a draft campaign to scheduled at a strictly future
// time.
func (s *Scheduler) ScheduleCampaign(ctx context.Context, id string, at time.Time) error {
	if !at.After(s.now()) {
		return ErrScheduleInPast
	}
	return s.store.SetSchedule(ctx, id, at)
}

// CancelScheduledCampaign returns a scheduled campaign to draft. Campaigns
// already claimed for sending cannot be cancelled here.
func (s *Scheduler) CancelScheduledCampaign(ctx context.Context, id string) error {
	return s.store.ClearSchedule(ctx, id)
}

// RescheduleCampaign replaces the schedule time of a still-scheduled
// campaign with a strictly future one.
func (s *Scheduler) RescheduleCampaign(ctx context.Context, id string, at time.Time) error {
	if !at.After(s.now()) {
		return ErrScheduleInPast
	}
	return s.store.UpdateSchedule(ctx, id, at)
}

// SchedulerStatus reports loop state and lifetime counters.
type SchedulerStatus struct {
	Running      bool   `json:"running"`
	PollInterval string `json:"poll_interval"`
	Triggered    int64  `json:"triggered"`
	Failures     int64  `json:"failures"`
	TrackedIDs   int    `json:"tracked_ids"`
}

// Status returns the scheduler's current status.
func (s *Scheduler) Status() *SchedulerStatus {
	s.mu.Lock()
	running := s.running
	tracked := len(s.processed)
	s.mu.Unlock()
	return &SchedulerStatus{
		Running:      running,
		PollInterval: s.pollInterval.String(),
		Triggered:    atomic.LoadInt64(&s.triggered),
		Failures:     atomic.LoadInt64(&s.failures),
		TrackedIDs:   tracked,
	}
}

// UpcomingCampaigns returns the next scheduled campaigns, soonest first.
func (s *Scheduler) UpcomingCampaigns(ctx context.Context, limit int) ([]domain.Campaign, error) {
	if limit <= 0 {
		limit = 10
	}
	return s.store.UpcomingCampaigns(ctx, limit)
}
