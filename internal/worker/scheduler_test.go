package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/service/campaign"
)

// memSchedulerStore is an in-memory SchedulerStore.
type memSchedulerStore struct {
	mu        sync.Mutex
	campaigns map[string]*domain.Campaign
}

func newMemSchedulerStore() *memSchedulerStore {
	return &memSchedulerStore{campaigns: make(map[string]*domain.Campaign)}
}

func (s *memSchedulerStore) DueCampaigns(_ context.Context, now time.Time) ([]domain.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []domain.Campaign
	for _, c := range s.campaigns {
		if c.Status == domain.CampaignScheduled && c.ScheduledAt != nil && !c.ScheduledAt.After(now) {
			due = append(due, *c)
		}
	}
	for i := 0; i < len(due); i++ {
		for j := i + 1; j < len(due); j++ {
			if due[j].ScheduledAt.Before(*due[i].ScheduledAt) {
				due[i], due[j] = due[j], due[i]
			}
		}
	}
	return due, nil
}

func (s *memSchedulerStore) ClaimForSending(_ context.Context, id string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok || c.Status != domain.CampaignScheduled {
		return campaign.ErrInvalidTransition
	}
	c.Status = domain.CampaignSending
	c.StartedAt = &startedAt
	return nil
}

func (s *memSchedulerStore) MarkCampaignFailed(_ context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.campaigns[id]; ok {
		c.Status = domain.CampaignFailed
		c.LastError = reason
	}
	return nil
}

func (s *memSchedulerStore) SetSchedule(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok || c.Status != domain.CampaignDraft {
		return campaign.ErrInvalidTransition
	}
	c.Status = domain.CampaignScheduled
	c.ScheduledAt = &at
	return nil
}

func (s *memSchedulerStore) ClearSchedule(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok || c.Status != domain.CampaignScheduled {
		return campaign.ErrInvalidTransition
	}
	c.Status = domain.CampaignDraft
	c.ScheduledAt = nil
	return nil
}

func (s *memSchedulerStore) UpdateSchedule(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok || c.Status != domain.CampaignScheduled {
		return campaign.ErrInvalidTransition
	}
	c.ScheduledAt = &at
	return nil
}

func (s *memSchedulerStore) UpcomingCampaigns(_ context.Context, limit int) ([]domain.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Campaign
	for _, c := range s.campaigns {
		if c.Status == domain.CampaignScheduled {
			out = append(out, *c)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memSchedulerStore) add(c *domain.Campaign) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.campaigns[c.ID] = c
}

func (s *memSchedulerStore) status(id string) domain.CampaignStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.campaigns[id].Status
}

// memDispatcher records dispatch calls, optionally failing per campaign.
type memDispatcher struct {
	mu     sync.Mutex
	calls  []string
	failOn map[string]error
}

func (d *memDispatcher) Dispatch(_ context.Context, c *domain.Campaign) (*campaign.SendReport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, c.ID)
	if err, ok := d.failOn[c.ID]; ok {
		return nil, err
	}
	return &campaign.SendReport{MessagesCreated: 1, JobsEnqueued: 1}, nil
}

func scheduledCampaign(id string, at time.Time) *domain.Campaign {
	return &domain.Campaign{ID: id, Status: domain.CampaignScheduled, ScheduledAt: &at}
}

func newSchedulerFixture() (*Scheduler, *memSchedulerStore, *memDispatcher) {
	store := newMemSchedulerStore()
	disp := &memDispatcher{failOn: make(map[string]error)}
	return NewScheduler(store, disp), store, disp
}

func TestSchedulerTriggersDueCampaigns(t *testing.T) {
	sched, store, disp := newSchedulerFixture()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	sched.now = func() time.Time { return now }

	store.add(scheduledCampaign("due-1", now.Add(-time.Minute)))
	store.add(scheduledCampaign("due-2", now.Add(-2*time.Minute)))
	store.add(scheduledCampaign("future", now.Add(time.Hour)))

	sched.RunCycle(context.Background())

	// Oldest schedule goes first; future campaigns stay untouched.
	assert.Equal(t, []string{"due-2", "due-1"}, disp.calls)
	assert.Equal(t, domain.CampaignSending, store.status("due-1"))
	assert.Equal(t, domain.CampaignScheduled, store.status("future"))
	require.NotNil(t, store.campaigns["due-1"].StartedAt)
}

func TestSchedulerTriggersAtMostOncePerLifetime(t *testing.T) {
	sched, store, disp := newSchedulerFixture()
	now := time.Now()
	store.add(scheduledCampaign("due-1", now.Add(-time.Minute)))

	sched.RunCycle(context.Background())
	// Simulate an external actor putting the campaign back in the due set.
	store.add(scheduledCampaign("due-1", now.Add(-time.Minute)))
	sched.RunCycle(context.Background())

	assert.Equal(t, []string{"due-1"}, disp.calls, "processed set blocks a second trigger")
}

func TestSchedulerSkipsCampaignClaimedElsewhere(t *testing.T) {
	sched, store, disp := newSchedulerFixture()
	now := time.Now()
	c := scheduledCampaign("contested", now.Add(-time.Minute))
	store.add(c)

	// Another process wins the claim between the query and ours.
	origStore := sched.store
	sched.store = &claimRacingStore{SchedulerStore: origStore, inner: store}

	sched.RunCycle(context.Background())
	assert.Empty(t, disp.calls, "losing the claim must not dispatch")
}

// claimRacingStore flips the campaign to sending just before each claim.
type claimRacingStore struct {
	SchedulerStore
	inner *memSchedulerStore
}

func (s *claimRacingStore) ClaimForSending(ctx context.Context, id string, at time.Time) error {
	s.inner.mu.Lock()
	s.inner.campaigns[id].Status = domain.CampaignSending
	s.inner.mu.Unlock()
	return s.SchedulerStore.ClaimForSending(ctx, id, at)
}

func TestSchedulerMarksFailedDispatch(t *testing.T) {
	sched, store, disp := newSchedulerFixture()
	now := time.Now()
	store.add(scheduledCampaign("bad", now.Add(-time.Minute)))
	store.add(scheduledCampaign("good", now.Add(-time.Second)))
	disp.failOn["bad"] = fmt.Errorf("no eligible recipients")

	sched.RunCycle(context.Background())

	// One campaign's failure never aborts the cycle.
	assert.ElementsMatch(t, []string{"bad", "good"}, disp.calls)
	assert.Equal(t, domain.CampaignFailed, store.status("bad"))
	assert.Equal(t, "no eligible recipients", store.campaigns["bad"].LastError)
	assert.Equal(t, domain.CampaignSending, store.status("good"))
}

func TestScheduleCampaignValidation(t *testing.T) {
	sched, store, _ := newSchedulerFixture()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	sched.now = func() time.Time { return now }
	store.add(&domain.Campaign{ID: "draft-1", Status: domain.CampaignDraft})

	err := sched.ScheduleCampaign(context.Background(), "draft-1", now.Add(-time.Minute))
	assert.ErrorIs(t, err, ErrScheduleInPast)

	err = sched.ScheduleCampaign(context.Background(), "draft-1", now)
	assert.ErrorIs(t, err, ErrScheduleInPast, "exactly now is not strictly future")

	err = sched.ScheduleCampaign(context.Background(), "draft-1", now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignScheduled, store.status("draft-1"))

	// Scheduling again from the wrong prior state is rejected.
	err = sched.ScheduleCampaign(context.Background(), "draft-1", now.Add(2*time.Hour))
	assert.ErrorIs(t, err, campaign.ErrInvalidTransition)
}

func TestCancelAndReschedule(t *testing.T) {
	sched, store, _ := newSchedulerFixture()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	sched.now = func() time.Time { return now }
	store.add(scheduledCampaign("s-1", now.Add(time.Hour)))

	err := sched.RescheduleCampaign(context.Background(), "s-1", now.Add(-time.Hour))
	assert.ErrorIs(t, err, ErrScheduleInPast)

	require.NoError(t, sched.RescheduleCampaign(context.Background(), "s-1", now.Add(2*time.Hour)))
	assert.Equal(t, now.Add(2*time.Hour), *store.campaigns["s-1"].ScheduledAt)

	require.NoError(t, sched.CancelScheduledCampaign(context.Background(), "s-1"))
	assert.Equal(t, domain.CampaignDraft, store.status("s-1"))
	assert.Nil(t, store.campaigns["s-1"].ScheduledAt)

	// A campaign no longer scheduled cannot be cancelled again.
	err = sched.CancelScheduledCampaign(context.Background(), "s-1")
	assert.ErrorIs(t, err, campaign.ErrInvalidTransition)
}

func TestProcessedSetIsBounded(t *testing.T) {
	sched, _, _ := newSchedulerFixture()
	for i := 0; i < processedSetCap+50; i++ {
		sched.markProcessed(fmt.Sprintf("c-%d", i))
	}
	assert.Len(t, sched.processed, processedSetCap)
	assert.False(t, sched.alreadyProcessed("c-0"), "oldest ids are evicted")
	assert.True(t, sched.alreadyProcessed(fmt.Sprintf("c-%d", processedSetCap+49)))
}

func TestSchedulerStatusAndUpcoming(t *testing.T) {
	sched, store, _ := newSchedulerFixture()
	now := time.Now()
	store.add(scheduledCampaign("up-1", now.Add(time.Hour)))
	store.add(scheduledCampaign("up-2", now.Add(2*time.Hour)))

	st := sched.Status()
	assert.False(t, st.Running)
	assert.Equal(t, int64(0), st.Triggered)

	up, err := sched.UpcomingCampaigns(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, up, 2)
}
