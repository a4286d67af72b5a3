package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/service/campaign"
)

// SchedulerRepo implements worker.SchedulerStore against PostgreSQL.
type SchedulerRepo struct{ db *sql.DB }

// NewSchedulerRepo creates a Postgres-backed scheduler store.
func NewSchedulerRepo(db *sql.DB) *SchedulerRepo { return &SchedulerRepo{db: db} }

func (r *SchedulerRepo) DueCampaigns(ctx context.Context, now time.Time) ([]domain.Campaign, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, list_id, template_id, name, subject, from_name, from_email,
		       COALESCE(reply_to,''), COALESCE(html_content,''), COALESCE(plain_content,''),
		       status, scheduled_at
		FROM campaigns
		WHERE status = 'scheduled' AND scheduled_at <= $1
		ORDER BY scheduled_at ASC
	`, now)
	if err != nil {
		return nil, fmt.Errorf("due campaigns: %w", err)
	}
	defer rows.Close()
	return scanScheduled(rows)
}

// ClaimForSending is the durable at-most-once guard for scheduled triggers:
// the UPDATE applies only while the row is still scheduled.
func (r *SchedulerRepo) ClaimForSending(ctx context.Context, id string, startedAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaigns
		SET status = 'sending', started_at = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'scheduled'
	`, id, startedAt)
	if err != nil {
		return fmt.Errorf("claim for sending: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return campaign.ErrInvalidTransition
	}
	return nil
}

func (r *SchedulerRepo) MarkCampaignFailed(ctx context.Context, id, reason string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE campaigns SET status = 'failed', last_error = $2, updated_at = NOW()
		WHERE id = $1
	`, id, reason)
	if err != nil {
		return fmt.Errorf("mark campaign failed: %w", err)
	}
	return nil
}

func (r *SchedulerRepo) SetSchedule(ctx context.Context, id string, at time.Time) error {
	return r.conditional(ctx, `
		UPDATE campaigns SET status = 'scheduled', scheduled_at = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'draft'
	`, id, at)
}

func (r *SchedulerRepo) ClearSchedule(ctx context.Context, id string) error {
	return r.conditional(ctx, `
		UPDATE campaigns SET status = 'draft', scheduled_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'scheduled'
	`, id)
}

func (r *SchedulerRepo) UpdateSchedule(ctx context.Context, id string, at time.Time) error {
	return r.conditional(ctx, `
		UPDATE campaigns SET scheduled_at = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'scheduled'
	`, id, at)
}

func (r *SchedulerRepo) conditional(ctx context.Context, q string, args ...interface{}) error {
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return campaign.ErrInvalidTransition
	}
	return nil
}

func (r *SchedulerRepo) UpcomingCampaigns(ctx context.Context, limit int) ([]domain.Campaign, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, list_id, template_id, name, subject, from_name, from_email,
		       COALESCE(reply_to,''), COALESCE(html_content,''), COALESCE(plain_content,''),
		       status, scheduled_at
		FROM campaigns
		WHERE status = 'scheduled' AND scheduled_at > NOW()
		ORDER BY scheduled_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("upcoming campaigns: %w", err)
	}
	defer rows.Close()
	return scanScheduled(rows)
}

func scanScheduled(rows *sql.Rows) ([]domain.Campaign, error) {
	var out []domain.Campaign
	for rows.Next() {
		var c domain.Campaign
		if err := rows.Scan(
			&c.ID, &c.ListID, &c.TemplateID, &c.Name, &c.Subject, &c.FromName, &c.FromEmail,
			&c.ReplyTo, &c.HTMLContent, &c.PlainContent,
			&c.Status, &c.ScheduledAt,
		); err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
