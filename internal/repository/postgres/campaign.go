package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/service/campaign"
)

// createMessagesChunk bounds how many rows one multi-row INSERT carries.
const createMessagesChunk = 500

// CampaignRepo implements campaign.Repository against PostgreSQL.
type CampaignRepo struct{ db *sql.DB }

// NewCampaignRepo creates a Postgres-backed campaign repository.
func NewCampaignRepo(db *sql.DB) *CampaignRepo { return &CampaignRepo{db: db} }

func (r *CampaignRepo) Get(ctx context.Context, id string) (*domain.Campaign, error) {
	c := &domain.Campaign{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, list_id, template_id, name, subject, from_name, from_email,
		       COALESCE(reply_to,''), COALESCE(html_content,''), COALESCE(plain_content,''),
		       status, scheduled_at, COALESCE(last_error,''),
		       started_at, completed_at, created_at, updated_at
		FROM campaigns
		WHERE id = $1
	`, id).Scan(
		&c.ID, &c.ListID, &c.TemplateID, &c.Name, &c.Subject, &c.FromName, &c.FromEmail,
		&c.ReplyTo, &c.HTMLContent, &c.PlainContent,
		&c.Status, &c.ScheduledAt, &c.LastError,
		&c.StartedAt, &c.CompletedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, campaign.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	return c, nil
}

// TransitionStatus is a single conditional UPDATE; it is the durable guard
// against double dispatch, so it must never be split into read-then-write.
func (r *CampaignRepo) TransitionStatus(ctx context.Context, id string, from []domain.CampaignStatus, to domain.CampaignStatus) error {
	states := make([]string, len(from))
	for i, s := range from {
		states[i] = string(s)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaigns
		SET status = $1,
		    started_at = CASE WHEN $1 = 'sending' THEN NOW() ELSE started_at END,
		    updated_at = NOW()
		WHERE id = $2 AND status = ANY($3)
	`, to, id, pq.Array(states))
	if err != nil {
		return fmt.Errorf("transition status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return campaign.ErrInvalidTransition
	}
	return nil
}

func (r *CampaignRepo) RevertToDraft(ctx context.Context, id, errMsg string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE campaigns
		SET status = 'draft', last_error = $1, updated_at = NOW()
		WHERE id = $2
	`, errMsg, id)
	if err != nil {
		return fmt.Errorf("revert to draft: %w", err)
	}
	return nil
}

func (r *CampaignRepo) ListAudience(ctx context.Context, listID string) ([]domain.Contact, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, list_id, email, COALESCE(first_name,''), COALESCE(last_name,''),
		       status, COALESCE(custom_fields,'{}'::jsonb), subscribed_at
		FROM contacts
		WHERE list_id = $1 AND status = 'active'
		ORDER BY created_at ASC
	`, listID)
	if err != nil {
		return nil, fmt.Errorf("list audience: %w", err)
	}
	defer rows.Close()

	var out []domain.Contact
	for rows.Next() {
		var c domain.Contact
		var custom []byte
		if err := rows.Scan(&c.ID, &c.ListID, &c.Email, &c.FirstName, &c.LastName, &c.Status, &custom, &c.SubscribedAt); err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		if len(custom) > 0 {
			if err := json.Unmarshal(custom, &c.CustomFields); err != nil {
				return nil, fmt.Errorf("decode custom fields for %s: %w", c.ID, err)
			}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CreateMessages inserts one pending message per contact that does not yet
// have one for this campaign. ON CONFLICT DO NOTHING plus RETURNING yields
// exactly the newly created rows, which is what makes re-sends reach only
// new list members.
func (r *CampaignRepo) CreateMessages(ctx context.Context, campaignID string, contactIDs []string) ([]domain.Message, error) {
	var created []domain.Message
	for start := 0; start < len(contactIDs); start += createMessagesChunk {
		end := start + createMessagesChunk
		if end > len(contactIDs) {
			end = len(contactIDs)
		}
		chunk, err := r.createMessagesChunk(ctx, campaignID, contactIDs[start:end])
		if err != nil {
			return nil, err
		}
		created = append(created, chunk...)
	}
	return created, nil
}

func (r *CampaignRepo) createMessagesChunk(ctx context.Context, campaignID string, contactIDs []string) ([]domain.Message, error) {
	if len(contactIDs) == 0 {
		return nil, nil
	}
	values := make([]string, 0, len(contactIDs))
	args := make([]interface{}, 0, len(contactIDs)*4+1)
	args = append(args, campaignID)
	idx := 2
	for _, contactID := range contactIDs {
		values = append(values, fmt.Sprintf("($%d, $1, $%d, $%d, 'pending', NOW(), NOW())", idx, idx+1, idx+2))
		args = append(args, uuid.New().String(), contactID, uuid.New().String())
		idx += 3
	}

	q := fmt.Sprintf(`
		INSERT INTO messages (id, campaign_id, contact_id, tracking_token, status, created_at, updated_at)
		VALUES %s
		ON CONFLICT (campaign_id, contact_id) DO NOTHING
		RETURNING id, campaign_id, contact_id, tracking_token, status
	`, strings.Join(values, ", "))

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("create messages: %w", err)
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(&m.ID, &m.CampaignID, &m.ContactID, &m.TrackingToken, &m.Status); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// EnqueueJobs bulk-inserts jobs with pq.CopyIn inside one transaction.
func (r *CampaignRepo) EnqueueJobs(ctx context.Context, jobs []domain.QueueJob) (int, error) {
	if len(jobs) == 0 {
		return 0, nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin enqueue tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("queue_jobs",
		"id", "job_type", "payload", "status", "retry_count", "max_retries", "priority", "created_at"))
	if err != nil {
		return 0, fmt.Errorf("prepare copy: %w", err)
	}

	for i := range jobs {
		j := &jobs[i]
		payload, err := domain.EncodePayload(j.Payload)
		if err != nil {
			stmt.Close()
			return 0, err
		}
		if _, err := stmt.ExecContext(ctx, j.ID, j.Type, string(payload), j.Status,
			j.RetryCount, j.MaxRetries, j.Priority, j.CreatedAt); err != nil {
			stmt.Close()
			return 0, fmt.Errorf("copy job %s: %w", j.ID, err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return 0, fmt.Errorf("flush copy: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return 0, fmt.Errorf("close copy: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit enqueue: %w", err)
	}
	return len(jobs), nil
}

func (r *CampaignRepo) CountMessagesByStatus(ctx context.Context, campaignID string) (map[domain.MessageStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT status, COUNT(*)
		FROM messages
		WHERE campaign_id = $1
		GROUP BY status
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("count messages: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.MessageStatus]int)
	for rows.Next() {
		var status domain.MessageStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}
