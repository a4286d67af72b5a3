package campaign_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/service/campaign"
	"github.com/ignite/campaign-dispatch/internal/tracking"
)

// memRepo is an in-memory orchestrator repository for unit testing.
type memRepo struct {
	mu        sync.Mutex
	campaigns map[string]*domain.Campaign
	contacts  map[string][]domain.Contact // by list id
	messages  map[string]*domain.Message  // by campaign|contact
	jobs      []domain.QueueJob

	failEnqueue bool
}

func newMemRepo() *memRepo {
	return &memRepo{
		campaigns: make(map[string]*domain.Campaign),
		contacts:  make(map[string][]domain.Contact),
		messages:  make(map[string]*domain.Message),
	}
}

func (m *memRepo) Get(_ context.Context, id string) (*domain.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return nil, campaign.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memRepo) TransitionStatus(_ context.Context, id string, from []domain.CampaignStatus, to domain.CampaignStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return campaign.ErrNotFound
	}
	for _, f := range from {
		if c.Status == f {
			c.Status = to
			return nil
		}
	}
	return campaign.ErrInvalidTransition
}

func (m *memRepo) RevertToDraft(_ context.Context, id, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.campaigns[id]; ok {
		c.Status = domain.CampaignDraft
		c.LastError = errMsg
	}
	return nil
}

func (m *memRepo) ListAudience(_ context.Context, listID string) ([]domain.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Contact
	for _, c := range m.contacts[listID] {
		if c.Deliverable() {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memRepo) CreateMessages(_ context.Context, campaignID string, contactIDs []string) ([]domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var created []domain.Message
	for _, cid := range contactIDs {
		key := campaignID + "|" + cid
		if _, exists := m.messages[key]; exists {
			continue
		}
		msg := domain.Message{
			ID:            uuid.New().String(),
			CampaignID:    campaignID,
			ContactID:     cid,
			TrackingToken: uuid.New().String(),
			Status:        domain.MessagePending,
		}
		m.messages[key] = &msg
		created = append(created, msg)
	}
	return created, nil
}

func (m *memRepo) EnqueueJobs(_ context.Context, jobs []domain.QueueJob) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failEnqueue {
		return 0, fmt.Errorf("queue unavailable")
	}
	m.jobs = append(m.jobs, jobs...)
	return len(jobs), nil
}

func (m *memRepo) CountMessagesByStatus(_ context.Context, campaignID string) (map[domain.MessageStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[domain.MessageStatus]int)
	for _, msg := range m.messages {
		if msg.CampaignID == campaignID {
			out[msg.Status]++
		}
	}
	return out, nil
}

// memRegistry implements tracking.ShortcodeRegistry.
type memRegistry struct {
	mu    sync.Mutex
	codes map[string]string
}

func (r *memRegistry) FindOrCreate(_ context.Context, campaignID, url string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.codes == nil {
		r.codes = make(map[string]string)
	}
	key := campaignID + "|" + url
	if code, ok := r.codes[key]; ok {
		return code, nil
	}
	code := fmt.Sprintf("s%d", len(r.codes)+1)
	r.codes[key] = code
	return code, nil
}

// fakeTransport records sends for SendTestEmail tests.
type fakeTransport struct {
	mu    sync.Mutex
	sent  []domain.EmailMessage
	fail  bool
	error string
}

func (f *fakeTransport) Send(_ context.Context, msg *domain.EmailMessage) (*domain.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return &domain.SendResult{Success: false, Error: f.error}, nil
	}
	f.sent = append(f.sent, *msg)
	return &domain.SendResult{Success: true, MessageID: "prov-1"}, nil
}

func newService(repo *memRepo) (*campaign.Service, *fakeTransport) {
	tr := &fakeTransport{}
	injector := tracking.NewInjector(&memRegistry{}, "https://t.io")
	tokens := tracking.NewTokenIssuer("test-key")
	return campaign.NewService(repo, injector, tokens, tr), tr
}

func seedCampaign(repo *memRepo, status domain.CampaignStatus) *domain.Campaign {
	listID := "list-1"
	c := &domain.Campaign{
		ID:          "camp-1",
		ListID:      &listID,
		Name:        "Welcome",
		Subject:     "Hi {{first_name|Friend}}",
		FromName:    "Acme",
		FromEmail:   "news@acme.io",
		HTMLContent: `<html><body><p>Hello {{first_name}}</p><a href="https://acme.io">shop</a></body></html>`,
		Status:      status,
	}
	repo.campaigns[c.ID] = c
	return c
}

func seedContacts(repo *memRepo, listID string, statuses ...domain.ContactStatus) {
	for i, st := range statuses {
		repo.contacts[listID] = append(repo.contacts[listID], domain.Contact{
			ID:        fmt.Sprintf("contact-%d", i+1),
			ListID:    listID,
			Email:     fmt.Sprintf("c%d@example.com", i+1),
			FirstName: fmt.Sprintf("User%d", i+1),
			Status:    st,
		})
	}
}

func TestSendCampaign(t *testing.T) {
	repo := newMemRepo()
	seedCampaign(repo, domain.CampaignDraft)
	seedContacts(repo, "list-1", domain.ContactActive, domain.ContactActive, domain.ContactActive)
	svc, _ := newService(repo)

	report, err := svc.SendCampaign(context.Background(), "camp-1")
	require.NoError(t, err)
	assert.Equal(t, 3, report.MessagesCreated)
	assert.Equal(t, 3, report.JobsEnqueued)

	c, _ := repo.Get(context.Background(), "camp-1")
	assert.Equal(t, domain.CampaignSending, c.Status)

	// Each job payload is a fully personalized send instruction.
	job := repo.jobs[0]
	require.Equal(t, domain.JobSendEmail, job.Payload.Type)
	p := job.Payload.SendEmail
	require.NotNil(t, p)
	assert.Equal(t, "Hi User1", p.Subject)
	assert.Contains(t, p.HTMLContent, "Hello User1")
	assert.Contains(t, p.HTMLContent, "/track/open/"+p.TrackingToken)
	assert.Contains(t, p.HTMLContent, "/track/click/")
	assert.NotContains(t, p.HTMLContent, `href="https://acme.io"`)
	assert.NotEmpty(t, p.UnsubscribeToken)
	assert.Equal(t, "List-Unsubscribe=One-Click", p.Headers["List-Unsubscribe-Post"])
	assert.Equal(t, "bulk", p.Headers["Precedence"])
}

func TestSendCampaignValidation(t *testing.T) {
	repo := newMemRepo()
	c := seedCampaign(repo, domain.CampaignDraft)
	c.ListID = nil
	c.FromEmail = ""
	svc, _ := newService(repo)

	_, err := svc.SendCampaign(context.Background(), "camp-1")
	require.Error(t, err)
	assert.True(t, campaign.IsValidationError(err))
	assert.Contains(t, err.Error(), "list_id")
	assert.Contains(t, err.Error(), "from_email")
}

func TestSendCampaignEmptyAudience(t *testing.T) {
	repo := newMemRepo()
	seedCampaign(repo, domain.CampaignDraft)
	seedContacts(repo, "list-1", domain.ContactBounced, domain.ContactUnsubscribed)
	svc, _ := newService(repo)

	_, err := svc.SendCampaign(context.Background(), "camp-1")
	assert.ErrorIs(t, err, campaign.ErrEmptyAudience)

	// Failure reverts the campaign to draft.
	c, _ := repo.Get(context.Background(), "camp-1")
	assert.Equal(t, domain.CampaignDraft, c.Status)
}

func TestSendCampaignRejectsDoubleDispatch(t *testing.T) {
	repo := newMemRepo()
	seedCampaign(repo, domain.CampaignSending)
	seedContacts(repo, "list-1", domain.ContactActive)
	svc, _ := newService(repo)

	_, err := svc.SendCampaign(context.Background(), "camp-1")
	assert.ErrorIs(t, err, campaign.ErrAlreadySending)
	assert.Empty(t, repo.jobs, "no jobs may be enqueued on rejection")
}

func TestSendCampaignConcurrentCallsCreateNoDuplicates(t *testing.T) {
	repo := newMemRepo()
	seedCampaign(repo, domain.CampaignDraft)
	seedContacts(repo, "list-1", domain.ContactActive, domain.ContactActive)
	svc, _ := newService(repo)

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.SendCampaign(context.Background(), "camp-1")
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, campaign.ErrAlreadySending)
		}
	}
	assert.Equal(t, 1, succeeded, "exactly one caller wins the transition")
	assert.Len(t, repo.messages, 2, "one message per (campaign, contact)")
}

func TestSendCampaignSkipsExistingMessages(t *testing.T) {
	repo := newMemRepo()
	seedCampaign(repo, domain.CampaignDraft)
	seedContacts(repo, "list-1", domain.ContactActive, domain.ContactActive)
	svc, _ := newService(repo)

	_, err := svc.SendCampaign(context.Background(), "camp-1")
	require.NoError(t, err)

	// New list member joins; re-send creates a message only for them.
	repo.mu.Lock()
	repo.campaigns["camp-1"].Status = domain.CampaignDraft
	repo.contacts["list-1"] = append(repo.contacts["list-1"], domain.Contact{
		ID: "contact-3", ListID: "list-1", Email: "c3@example.com", Status: domain.ContactActive,
	})
	repo.mu.Unlock()

	report, err := svc.SendCampaign(context.Background(), "camp-1")
	require.NoError(t, err)
	assert.Equal(t, 1, report.MessagesCreated)
	assert.Equal(t, 1, report.JobsEnqueued)
	assert.Len(t, repo.messages, 3)
}

func TestSendCampaignRevertsOnEnqueueFailure(t *testing.T) {
	repo := newMemRepo()
	repo.failEnqueue = true
	seedCampaign(repo, domain.CampaignDraft)
	seedContacts(repo, "list-1", domain.ContactActive)
	svc, _ := newService(repo)

	_, err := svc.SendCampaign(context.Background(), "camp-1")
	require.Error(t, err)

	c, _ := repo.Get(context.Background(), "camp-1")
	assert.Equal(t, domain.CampaignDraft, c.Status)
	assert.Contains(t, c.LastError, "queue unavailable")
}

func TestSendTestEmail(t *testing.T) {
	repo := newMemRepo()
	seedCampaign(repo, domain.CampaignDraft)
	svc, tr := newService(repo)

	err := svc.SendTestEmail(context.Background(), "camp-1", "qa@acme.io")
	require.NoError(t, err)
	require.Len(t, tr.sent, 1)

	sent := tr.sent[0]
	assert.Equal(t, "qa@acme.io", sent.To)
	assert.True(t, strings.HasPrefix(sent.Subject, "[Test] "))
	assert.Contains(t, sent.Subject, "Test", "sample data fills merge tags")
	assert.Empty(t, repo.messages, "test sends persist no message rows")
	assert.Empty(t, repo.jobs, "test sends bypass the queue")
}

func TestSendTestEmailTransportFailure(t *testing.T) {
	repo := newMemRepo()
	seedCampaign(repo, domain.CampaignDraft)
	svc, tr := newService(repo)
	tr.fail = true
	tr.error = "mailbox full"

	err := svc.SendTestEmail(context.Background(), "camp-1", "qa@acme.io")
	assert.ErrorContains(t, err, "mailbox full")
}

func TestPreviewCampaign(t *testing.T) {
	repo := newMemRepo()
	seedCampaign(repo, domain.CampaignDraft)
	svc, _ := newService(repo)

	subject, html, err := svc.PreviewCampaign(context.Background(), "camp-1", map[string]any{"first_name": "Dana"})
	require.NoError(t, err)
	assert.Equal(t, "Hi Dana", subject)
	assert.Contains(t, html, "Hello Dana")
	assert.NotContains(t, html, "/track/", "preview applies no tracking")
	assert.Empty(t, repo.jobs)
}

func TestStats(t *testing.T) {
	repo := newMemRepo()
	seedCampaign(repo, domain.CampaignDraft)
	seedContacts(repo, "list-1", domain.ContactActive, domain.ContactActive)
	svc, _ := newService(repo)

	_, err := svc.SendCampaign(context.Background(), "camp-1")
	require.NoError(t, err)

	stats, err := svc.Stats(context.Background(), "camp-1")
	require.NoError(t, err)
	assert.Equal(t, 2, stats[domain.MessagePending])
}

func TestStatsNotFound(t *testing.T) {
	svc, _ := newService(newMemRepo())
	_, err := svc.Stats(context.Background(), "nope")
	assert.ErrorIs(t, err, campaign.ErrNotFound)
}
