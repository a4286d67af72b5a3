package campaign

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/personalize"
	"github.com/ignite/campaign-dispatch/internal/pkg/logger"
	"github.com/ignite/campaign-dispatch/internal/tracking"
	"github.com/ignite/campaign-dispatch/internal/transport"
)

// Service coordinates campaign dispatch: validation, audience resolution,
// message creation, per-recipient personalization and tracking, and job
// enqueueing. All public methods are safe for concurrent use if the
// underlying repository is concurrency-safe.
type Service struct {
	repo      Repository
	injector  *tracking.Injector
	tokens    *tracking.TokenIssuer
	transport transport.Transport
}

// NewService creates a campaign orchestrator.
func NewService(repo Repository, injector *tracking.Injector, tokens *tracking.TokenIssuer, tr transport.Transport) *Service {
	return &Service{repo: repo, injector: injector, tokens: tokens, transport: tr}
}

// SendReport summarizes the outcome of a dispatch.
type SendReport struct {
	MessagesCreated int `json:"messages_created"`
	JobsEnqueued    int `json:"jobs_enqueued"`
}

// SendCampaign validates the campaign, transitions it to sending, and
// dispatches it. The transition rejects campaigns that are already sending,
// which prevents double-dispatch under concurrent calls. On any failure
// after the transition the campaign reverts to draft; partially created
// messages and jobs are left in place because downstream processing is
// idempotent per message.
func (s *Service) SendCampaign(ctx context.Context, campaignID string) (*SendReport, error) {
	c, err := s.repo.Get(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if missing := c.MissingSendFields(); len(missing) > 0 {
		return nil, &ValidationError{Missing: missing}
	}

	err = s.repo.TransitionStatus(ctx, campaignID,
		[]domain.CampaignStatus{domain.CampaignDraft, domain.CampaignScheduled},
		domain.CampaignSending)
	if errors.Is(err, ErrInvalidTransition) {
		return nil, ErrAlreadySending
	}
	if err != nil {
		return nil, fmt.Errorf("transition to sending: %w", err)
	}

	report, err := s.Dispatch(ctx, c)
	if err != nil {
		if rbErr := s.repo.RevertToDraft(ctx, campaignID, err.Error()); rbErr != nil {
			logger.Error("revert to draft failed", "campaign_id", campaignID, "error", rbErr.Error())
		}
		return nil, err
	}
	return report, nil
}

// Dispatch creates messages and enqueues jobs for a campaign that has
// already been transitioned to sending by the caller. The scheduler uses
// this entrypoint after its own atomic scheduled→sending claim.
func (s *Service) Dispatch(ctx context.Context, c *domain.Campaign) (*SendReport, error) {
	if missing := c.MissingSendFields(); len(missing) > 0 {
		return nil, &ValidationError{Missing: missing}
	}

	audience, err := s.repo.ListAudience(ctx, *c.ListID)
	if err != nil {
		return nil, fmt.Errorf("load audience: %w", err)
	}
	if len(audience) == 0 {
		return nil, ErrEmptyAudience
	}

	contactsByID := make(map[string]*domain.Contact, len(audience))
	contactIDs := make([]string, 0, len(audience))
	for i := range audience {
		contactsByID[audience[i].ID] = &audience[i]
		contactIDs = append(contactIDs, audience[i].ID)
	}

	// Only recipients lacking a Message row get one; re-sends therefore
	// reach new list members without touching prior delivery records.
	messages, err := s.repo.CreateMessages(ctx, c.ID, contactIDs)
	if err != nil {
		return nil, fmt.Errorf("create messages: %w", err)
	}

	jobs := make([]domain.QueueJob, 0, len(messages))
	for i := range messages {
		msg := &messages[i]
		contact := contactsByID[msg.ContactID]
		if contact == nil {
			continue
		}
		job, err := s.buildSendJob(ctx, c, contact, msg)
		if err != nil {
			return nil, fmt.Errorf("build job for message %s: %w", msg.ID, err)
		}
		jobs = append(jobs, *job)
	}

	enqueued, err := s.repo.EnqueueJobs(ctx, jobs)
	if err != nil {
		return nil, fmt.Errorf("enqueue jobs: %w", err)
	}

	logger.Info("campaign dispatched",
		"campaign_id", c.ID,
		"messages_created", len(messages),
		"jobs_enqueued", enqueued,
	)
	return &SendReport{MessagesCreated: len(messages), JobsEnqueued: enqueued}, nil
}

// buildSendJob personalizes content for one recipient and wraps it, with
// tracking applied, into a queue job payload.
func (s *Service) buildSendJob(ctx context.Context, c *domain.Campaign, contact *domain.Contact, msg *domain.Message) (*domain.QueueJob, error) {
	subject := personalize.Personalize(c.Subject, contact, nil)
	html := personalize.Personalize(c.HTMLContent, contact, nil)
	text := personalize.Personalize(c.PlainContent, contact, nil)

	unsubToken := s.tokens.Issue(contact.ID, contact.ListID, c.ID)
	html, err := s.injector.InjectAll(ctx, html, c.ID, msg.TrackingToken, unsubToken)
	if err != nil {
		return nil, err
	}

	payload := domain.JobPayload{
		Type: domain.JobSendEmail,
		SendEmail: &domain.SendEmailPayload{
			MessageID:        msg.ID,
			CampaignID:       c.ID,
			ContactID:        contact.ID,
			To:               contact.Email,
			Subject:          subject,
			HTMLContent:      html,
			TextContent:      text,
			FromName:         c.FromName,
			FromEmail:        c.FromEmail,
			ReplyTo:          c.ReplyTo,
			TrackingToken:    msg.TrackingToken,
			UnsubscribeToken: unsubToken,
			Headers:          s.injector.ComplianceHeaders(unsubToken, c.ID),
		},
	}

	return &domain.QueueJob{
		ID:         uuid.New().String(),
		Type:       domain.JobSendEmail,
		Payload:    payload,
		Status:     domain.JobPending,
		MaxRetries: domain.DefaultMaxRetries,
		CreatedAt:  time.Now(),
	}, nil
}

// SendTestEmail renders the campaign with sample data and sends a single
// message synchronously, bypassing the queue. No Message row is persisted.
func (s *Service) SendTestEmail(ctx context.Context, campaignID, address string) error {
	c, err := s.repo.Get(ctx, campaignID)
	if err != nil {
		return err
	}
	// Test sends need content and a sender, but no list.
	var missing []string
	if c.HTMLContent == "" {
		missing = append(missing, "html_content")
	}
	if c.Subject == "" {
		missing = append(missing, "subject")
	}
	if c.FromEmail == "" {
		missing = append(missing, "from_email")
	}
	if len(missing) > 0 {
		return &ValidationError{Missing: missing}
	}

	sample := sampleContact(address)
	msg := &domain.EmailMessage{
		ID:          uuid.New().String(),
		CampaignID:  c.ID,
		To:          address,
		FromName:    c.FromName,
		FromEmail:   c.FromEmail,
		ReplyTo:     c.ReplyTo,
		Subject:     "[Test] " + personalize.Personalize(c.Subject, sample, nil),
		HTMLContent: personalize.Personalize(c.HTMLContent, sample, nil),
		TextContent: personalize.Personalize(c.PlainContent, sample, nil),
	}

	result, err := s.transport.Send(ctx, msg)
	if err != nil {
		return fmt.Errorf("send test email: %w", err)
	}
	if !result.Success {
		return fmt.Errorf("send test email: %s", result.Error)
	}
	return nil
}

// PreviewCampaign renders subject and body with the given sample data. Pure
// render: no tracking injection, no side effects.
func (s *Service) PreviewCampaign(ctx context.Context, campaignID string, sampleData map[string]any) (subject, html string, err error) {
	c, err := s.repo.Get(ctx, campaignID)
	if err != nil {
		return "", "", err
	}
	sample := sampleContact("preview@example.com")
	return personalize.Personalize(c.Subject, sample, sampleData),
		personalize.Personalize(c.HTMLContent, sample, sampleData),
		nil
}

// Stats returns message counts by status for a campaign.
func (s *Service) Stats(ctx context.Context, campaignID string) (map[domain.MessageStatus]int, error) {
	if _, err := s.repo.Get(ctx, campaignID); err != nil {
		return nil, err
	}
	return s.repo.CountMessagesByStatus(ctx, campaignID)
}

func sampleContact(address string) *domain.Contact {
	return &domain.Contact{
		ID:        "sample",
		Email:     address,
		FirstName: "Test",
		LastName:  "Recipient",
	}
}
