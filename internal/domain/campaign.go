package domain

import "time"

// CampaignStatus enumerates the lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignSending   CampaignStatus = "sending"
	CampaignSent      CampaignStatus = "sent"
	CampaignPaused    CampaignStatus = "paused"
	CampaignFailed    CampaignStatus = "failed"
)

// Campaign represents one send operation targeting one list with one template.
type Campaign struct {
	ID           string  `json:"id" db:"id"`
	ListID       *string `json:"list_id" db:"list_id"`
	TemplateID   *string `json:"template_id" db:"template_id"`
	Name         string  `json:"name" db:"name"`
	Subject      string  `json:"subject" db:"subject"`
	FromName     string  `json:"from_name" db:"from_name"`
	FromEmail    string  `json:"from_email" db:"from_email"`
	ReplyTo      string  `json:"reply_to" db:"reply_to"`
	HTMLContent  string  `json:"html_content" db:"html_content"`
	PlainContent string  `json:"plain_content" db:"plain_content"`

	Status      CampaignStatus `json:"status" db:"status"`
	ScheduledAt *time.Time     `json:"scheduled_at" db:"scheduled_at"`
	LastError   string         `json:"last_error" db:"last_error"`

	StartedAt   *time.Time `json:"started_at" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at" db:"completed_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// IsTerminal returns true if the campaign is in a final state.
func (c *Campaign) IsTerminal() bool {
	return c.Status == CampaignSent || c.Status == CampaignFailed
}

// MissingSendFields returns the names of the fields a campaign must have
// before it can be dispatched. An empty slice means the campaign is sendable.
func (c *Campaign) MissingSendFields() []string {
	var missing []string
	if c.ListID == nil || *c.ListID == "" {
		missing = append(missing, "list_id")
	}
	if c.HTMLContent == "" {
		missing = append(missing, "html_content")
	}
	if c.Subject == "" {
		missing = append(missing, "subject")
	}
	if c.FromEmail == "" {
		missing = append(missing, "from_email")
	}
	return missing
}
