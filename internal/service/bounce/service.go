// Package bounce classifies delivery failures and escalates contact status
// so that repeated failures stop future sends before they damage sender
// reputation.
package bounce

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/pkg/logger"
)

// SoftBounceLimit is how many consecutive soft bounces escalate a contact
// to bounced status.
const SoftBounceLimit = 3

// ErrContactNotFound is returned when a contact id resolves to nothing.
var ErrContactNotFound = errors.New("contact not found")

// Repository is the data access contract for bounce records and contact
// escalation. Implementations must be safe for concurrent use.
type Repository interface {
	// GetContact returns a contact or ErrContactNotFound.
	GetContact(ctx context.Context, id string) (*domain.Contact, error)

	// InsertBounce appends an immutable bounce record.
	InsertBounce(ctx context.Context, rec *domain.BounceRecord) error

	// RecentBounces returns the newest bounce records for a contact,
	// most recent first.
	RecentBounces(ctx context.Context, contactID string, limit int) ([]domain.BounceRecord, error)

	// MarkContactBounced sets the contact status to bounced. The transition
	// is irreversible by normal flow.
	MarkContactBounced(ctx context.Context, contactID string) error

	// CountBouncesSince returns bounce counts by type for records newer
	// than the given time.
	CountBouncesSince(ctx context.Context, since time.Time) (map[domain.BounceType]int, error)
}

// Service records bounces and applies the escalation policy.
type Service struct {
	repo Repository
}

// NewService creates a bounce service backed by the given repository.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Attempt describes one failed delivery attempt.
type Attempt struct {
	ContactID  string
	MessageID  string
	CampaignID string
	Code       int
	Reason     string
}

// RecordBounce classifies the attempt, appends a bounce record, and applies
// escalation: a single hard bounce marks the contact bounced immediately;
// SoftBounceLimit consecutive soft bounces (scanning most-recent records,
// stopping at the first non-soft entry) do the same. It returns the
// classification and whether the contact was escalated.
func (s *Service) RecordBounce(ctx context.Context, a Attempt) (domain.BounceType, bool, error) {
	bounceType := Classify(a.Code, a.Reason)

	rec := &domain.BounceRecord{
		ID:         uuid.New().String(),
		ContactID:  a.ContactID,
		MessageID:  a.MessageID,
		CampaignID: a.CampaignID,
		Type:       bounceType,
		Reason:     a.Reason,
		Code:       a.Code,
		CreatedAt:  time.Now(),
	}
	if err := s.repo.InsertBounce(ctx, rec); err != nil {
		return bounceType, false, fmt.Errorf("insert bounce record: %w", err)
	}

	if bounceType == domain.BounceHard {
		if err := s.repo.MarkContactBounced(ctx, a.ContactID); err != nil {
			return bounceType, false, fmt.Errorf("escalate contact: %w", err)
		}
		logger.Warn("contact escalated to bounced", "contact_id", a.ContactID, "cause", "hard bounce")
		return bounceType, true, nil
	}

	streak, err := s.consecutiveSoftBounces(ctx, a.ContactID)
	if err != nil {
		return bounceType, false, err
	}
	if streak >= SoftBounceLimit {
		if err := s.repo.MarkContactBounced(ctx, a.ContactID); err != nil {
			return bounceType, false, fmt.Errorf("escalate contact: %w", err)
		}
		logger.Warn("contact escalated to bounced", "contact_id", a.ContactID,
			"cause", fmt.Sprintf("%d consecutive soft bounces", streak))
		return bounceType, true, nil
	}
	return bounceType, false, nil
}

// consecutiveSoftBounces counts soft bounces from the most recent record
// backwards, stopping at the first non-soft entry.
func (s *Service) consecutiveSoftBounces(ctx context.Context, contactID string) (int, error) {
	recent, err := s.repo.RecentBounces(ctx, contactID, SoftBounceLimit)
	if err != nil {
		return 0, fmt.Errorf("load recent bounces: %w", err)
	}
	streak := 0
	for _, rec := range recent {
		if rec.Type != domain.BounceSoft {
			break
		}
		streak++
	}
	return streak, nil
}

// ShouldSkipContact returns true if the contact is missing, bounced, or
// unsubscribed. It is consulted at orchestration time and again immediately
// before transport dispatch, because a contact's status can change between
// the two.
func (s *Service) ShouldSkipContact(ctx context.Context, contactID string) (bool, string, error) {
	contact, err := s.repo.GetContact(ctx, contactID)
	if errors.Is(err, ErrContactNotFound) {
		return true, "contact not found", nil
	}
	if err != nil {
		return false, "", fmt.Errorf("load contact: %w", err)
	}
	switch contact.Status {
	case domain.ContactBounced:
		return true, "contact has bounced", nil
	case domain.ContactUnsubscribed:
		return true, "contact has unsubscribed", nil
	}
	return false, "", nil
}

// Stats returns aggregate bounce counts over the trailing window.
func (s *Service) Stats(ctx context.Context, window time.Duration) (map[domain.BounceType]int, error) {
	return s.repo.CountBouncesSince(ctx, time.Now().Add(-window))
}
