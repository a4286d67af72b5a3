package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobStatus enumerates the lifecycle of a queued unit of work.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// JobType discriminates the payload union of a queue job.
type JobType string

const (
	JobSendEmail JobType = "send_email"
)

// DefaultMaxRetries bounds how many times a transiently failed job is
// returned to the queue before it fails terminally.
const DefaultMaxRetries = 3

// QueueJob is one queued unit of work representing a single recipient's send.
type QueueJob struct {
	ID         string     `json:"id" db:"id"`
	Type       JobType    `json:"type" db:"job_type"`
	Payload    JobPayload `json:"payload" db:"payload"`
	Status     JobStatus  `json:"status" db:"status"`
	RetryCount int        `json:"retry_count" db:"retry_count"`
	MaxRetries int        `json:"max_retries" db:"max_retries"`
	Priority   int        `json:"priority" db:"priority"`
	LastError  string     `json:"last_error" db:"last_error"`

	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	StartedAt   *time.Time `json:"started_at" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at" db:"completed_at"`
}

// RetriesExhausted returns true once the job has consumed its retry budget.
func (j *QueueJob) RetriesExhausted() bool {
	return j.RetryCount >= j.MaxRetries
}

// JobPayload is a tagged union keyed by job type. Exactly one variant is
// non-nil; which one is determined by Type. Keeping the discriminator inside
// the payload lets it survive a round trip through the jobs table unchanged.
type JobPayload struct {
	Type      JobType           `json:"type"`
	SendEmail *SendEmailPayload `json:"send_email,omitempty"`
}

// SendEmailPayload carries the fully personalized send instructions for one
// recipient, including the tracking configuration embedded at enqueue time.
type SendEmailPayload struct {
	MessageID        string            `json:"message_id"`
	CampaignID       string            `json:"campaign_id"`
	ContactID        string            `json:"contact_id"`
	To               string            `json:"to"`
	Subject          string            `json:"subject"`
	HTMLContent      string            `json:"html_content"`
	TextContent      string            `json:"text_content"`
	FromName         string            `json:"from_name"`
	FromEmail        string            `json:"from_email"`
	ReplyTo          string            `json:"reply_to"`
	TrackingToken    string            `json:"tracking_token"`
	UnsubscribeToken string            `json:"unsubscribe_token"`
	Headers          map[string]string `json:"headers,omitempty"`
}

// EncodePayload serializes a payload for storage in the jobs table.
func EncodePayload(p JobPayload) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode job payload: %w", err)
	}
	return data, nil
}

// DecodePayload parses a stored payload and checks the variant matches the
// declared type.
func DecodePayload(data []byte) (JobPayload, error) {
	var p JobPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return JobPayload{}, fmt.Errorf("decode job payload: %w", err)
	}
	if p.Type == JobSendEmail && p.SendEmail == nil {
		return JobPayload{}, fmt.Errorf("decode job payload: %s variant missing", p.Type)
	}
	return p, nil
}
