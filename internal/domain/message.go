package domain

import "time"

// MessageStatus enumerates the lifecycle of a single per-recipient delivery
// record. A message reaches a terminal state at delivered, bounced, or
// failed-after-retries.
type MessageStatus string

const (
	MessagePending   MessageStatus = "pending"
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageFailed    MessageStatus = "failed"
	MessageBounced   MessageStatus = "bounced"
)

// Message is the per-recipient delivery record for a campaign. Exactly one
// exists per (campaign, contact) pair. The tracking token is assigned at
// creation and never changes.
type Message struct {
	ID            string        `json:"id" db:"id"`
	CampaignID    string        `json:"campaign_id" db:"campaign_id"`
	ContactID     string        `json:"contact_id" db:"contact_id"`
	TrackingToken string        `json:"tracking_token" db:"tracking_token"`
	Status        MessageStatus `json:"status" db:"status"`
	ProviderID    string        `json:"provider_id" db:"provider_id"`
	Error         string        `json:"error" db:"error"`

	SentAt      *time.Time `json:"sent_at" db:"sent_at"`
	DeliveredAt *time.Time `json:"delivered_at" db:"delivered_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// DeliverySucceeded returns true if the message already reached a terminal
// success state and must not be sent again.
func (m *Message) DeliverySucceeded() bool {
	return m.Status == MessageSent || m.Status == MessageDelivered
}
