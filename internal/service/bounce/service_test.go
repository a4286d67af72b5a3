package bounce_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/service/bounce"
)

// memRepo is an in-memory bounce repository for unit testing.
type memRepo struct {
	mu       sync.Mutex
	contacts map[string]*domain.Contact
	records  []domain.BounceRecord // append order, newest last
}

func newMemRepo() *memRepo {
	return &memRepo{contacts: make(map[string]*domain.Contact)}
}

func (m *memRepo) addContact(id string, status domain.ContactStatus) {
	m.contacts[id] = &domain.Contact{ID: id, Email: id + "@example.com", Status: status}
}

func (m *memRepo) GetContact(_ context.Context, id string) (*domain.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contacts[id]
	if !ok {
		return nil, bounce.ErrContactNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memRepo) InsertBounce(_ context.Context, rec *domain.BounceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, *rec)
	return nil
}

func (m *memRepo) RecentBounces(_ context.Context, contactID string, limit int) ([]domain.BounceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.BounceRecord
	for i := len(m.records) - 1; i >= 0 && len(out) < limit; i-- {
		if m.records[i].ContactID == contactID {
			out = append(out, m.records[i])
		}
	}
	return out, nil
}

func (m *memRepo) MarkContactBounced(_ context.Context, contactID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.contacts[contactID]; ok {
		c.Status = domain.ContactBounced
	}
	return nil
}

func (m *memRepo) CountBouncesSince(_ context.Context, since time.Time) (map[domain.BounceType]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[domain.BounceType]int)
	for _, rec := range m.records {
		if rec.CreatedAt.After(since) {
			out[rec.Type]++
		}
	}
	return out, nil
}

func softAttempt(contactID string) bounce.Attempt {
	return bounce.Attempt{ContactID: contactID, MessageID: "m1", CampaignID: "c1", Code: 450, Reason: "mailbox full"}
}

func hardAttempt(contactID string) bounce.Attempt {
	return bounce.Attempt{ContactID: contactID, MessageID: "m1", CampaignID: "c1", Code: 550, Reason: "user unknown"}
}

func TestHardBounceEscalatesImmediately(t *testing.T) {
	repo := newMemRepo()
	repo.addContact("c-1", domain.ContactActive)
	svc := bounce.NewService(repo)

	bt, escalated, err := svc.RecordBounce(context.Background(), hardAttempt("c-1"))
	require.NoError(t, err)
	assert.Equal(t, domain.BounceHard, bt)
	assert.True(t, escalated)

	c, _ := repo.GetContact(context.Background(), "c-1")
	assert.Equal(t, domain.ContactBounced, c.Status)
}

func TestThreeConsecutiveSoftBouncesEscalate(t *testing.T) {
	repo := newMemRepo()
	repo.addContact("c-1", domain.ContactActive)
	svc := bounce.NewService(repo)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, escalated, err := svc.RecordBounce(ctx, softAttempt("c-1"))
		require.NoError(t, err)
		assert.False(t, escalated, "two soft bounces must not escalate")
	}
	c, _ := repo.GetContact(ctx, "c-1")
	assert.Equal(t, domain.ContactActive, c.Status)

	_, escalated, err := svc.RecordBounce(ctx, softAttempt("c-1"))
	require.NoError(t, err)
	assert.True(t, escalated, "third consecutive soft bounce escalates")

	c, _ = repo.GetContact(ctx, "c-1")
	assert.Equal(t, domain.ContactBounced, c.Status)
}

func TestHardBounceResetsNothingItIsImmediate(t *testing.T) {
	repo := newMemRepo()
	repo.addContact("c-1", domain.ContactActive)
	svc := bounce.NewService(repo)

	// One soft bounce of history, then a hard bounce: escalates regardless.
	_, _, err := svc.RecordBounce(context.Background(), softAttempt("c-1"))
	require.NoError(t, err)
	_, escalated, err := svc.RecordBounce(context.Background(), hardAttempt("c-1"))
	require.NoError(t, err)
	assert.True(t, escalated)
}

func TestSoftStreakBrokenByHardRecord(t *testing.T) {
	// A non-soft record between soft bounces stops the backward scan, so
	// softs after it start a fresh streak.
	repo := newMemRepo()
	repo.addContact("c-1", domain.ContactActive)
	now := time.Now()
	repo.records = []domain.BounceRecord{
		{ContactID: "c-1", Type: domain.BounceSoft, CreatedAt: now.Add(-3 * time.Hour)},
		{ContactID: "c-1", Type: domain.BounceHard, CreatedAt: now.Add(-2 * time.Hour)},
		{ContactID: "c-1", Type: domain.BounceSoft, CreatedAt: now.Add(-1 * time.Hour)},
	}
	svc := bounce.NewService(repo)

	_, escalated, err := svc.RecordBounce(context.Background(), softAttempt("c-1"))
	require.NoError(t, err)
	assert.False(t, escalated, "streak is 2 after the hard record, not 4")
}

func TestEveryAttemptAppendsARecord(t *testing.T) {
	repo := newMemRepo()
	repo.addContact("c-1", domain.ContactActive)
	svc := bounce.NewService(repo)

	for i := 0; i < 5; i++ {
		_, _, err := svc.RecordBounce(context.Background(), softAttempt("c-1"))
		require.NoError(t, err)
	}
	assert.Len(t, repo.records, 5)
}

func TestShouldSkipContact(t *testing.T) {
	repo := newMemRepo()
	repo.addContact("active", domain.ContactActive)
	repo.addContact("bounced", domain.ContactBounced)
	repo.addContact("unsub", domain.ContactUnsubscribed)
	svc := bounce.NewService(repo)
	ctx := context.Background()

	skip, _, err := svc.ShouldSkipContact(ctx, "active")
	require.NoError(t, err)
	assert.False(t, skip)

	skip, reason, err := svc.ShouldSkipContact(ctx, "bounced")
	require.NoError(t, err)
	assert.True(t, skip)
	assert.Contains(t, reason, "bounced")

	skip, reason, err = svc.ShouldSkipContact(ctx, "unsub")
	require.NoError(t, err)
	assert.True(t, skip)
	assert.Contains(t, reason, "unsubscribed")

	skip, reason, err = svc.ShouldSkipContact(ctx, "missing")
	require.NoError(t, err)
	assert.True(t, skip)
	assert.Contains(t, reason, "not found")
}

func TestStats(t *testing.T) {
	repo := newMemRepo()
	repo.addContact("c-1", domain.ContactActive)
	svc := bounce.NewService(repo)
	ctx := context.Background()

	_, _, err := svc.RecordBounce(ctx, softAttempt("c-1"))
	require.NoError(t, err)
	_, _, err = svc.RecordBounce(ctx, hardAttempt("c-1"))
	require.NoError(t, err)

	stats, err := svc.Stats(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, stats[domain.BounceSoft])
	assert.Equal(t, 1, stats[domain.BounceHard])
}
