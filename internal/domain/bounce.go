package domain

import "time"

// BounceType classifies a delivery failure.
type BounceType string

const (
	// BounceHard is a permanent failure (invalid address). Never retried.
	BounceHard BounceType = "hard"
	// BounceSoft is a transient failure (mailbox full). Retried up to a cap.
	BounceSoft BounceType = "soft"
)

// BounceRecord is an append-only entry describing one failed delivery
// attempt. Records are never updated or deleted; escalation decisions scan
// the most recent records for a contact.
type BounceRecord struct {
	ID         string     `json:"id" db:"id"`
	ContactID  string     `json:"contact_id" db:"contact_id"`
	MessageID  string     `json:"message_id" db:"message_id"`
	CampaignID string     `json:"campaign_id" db:"campaign_id"`
	Type       BounceType `json:"type" db:"bounce_type"`
	Reason     string     `json:"reason" db:"reason"`
	Code       int        `json:"code" db:"smtp_code"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
}
