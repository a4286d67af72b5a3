package domain

import "time"

// EmailMessage is the fully-resolved message ready for a transport. By the
// time a message reaches this struct, all template substitution, tracking
// injection, and header generation is complete.
type EmailMessage struct {
	ID          string            `json:"id"`
	CampaignID  string            `json:"campaign_id"`
	ContactID   string            `json:"contact_id"`
	To          string            `json:"to"`
	FromName    string            `json:"from_name"`
	FromEmail   string            `json:"from_email"`
	ReplyTo     string            `json:"reply_to"`
	Subject     string            `json:"subject"`
	HTMLContent string            `json:"html_content"`
	TextContent string            `json:"text_content"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// SendResult is returned by a transport after attempting delivery. When
// Success is false, Code carries the SMTP-class reply code (0 if unknown)
// and Error the provider's reason text; both feed the bounce classifier.
type SendResult struct {
	Success   bool      `json:"success"`
	MessageID string    `json:"message_id"`
	Code      int       `json:"code,omitempty"`
	Error     string    `json:"error,omitempty"`
	SentAt    time.Time `json:"sent_at"`
}
