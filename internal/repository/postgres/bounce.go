package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/service/bounce"
)

// BounceRepo implements bounce.Repository against PostgreSQL.
type BounceRepo struct{ db *sql.DB }

// NewBounceRepo creates a Postgres-backed bounce repository.
func NewBounceRepo(db *sql.DB) *BounceRepo { return &BounceRepo{db: db} }

func (r *BounceRepo) GetContact(ctx context.Context, id string) (*domain.Contact, error) {
	c := &domain.Contact{}
	var custom []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT id, list_id, email, COALESCE(first_name,''), COALESCE(last_name,''),
		       status, COALESCE(custom_fields,'{}'::jsonb), subscribed_at
		FROM contacts
		WHERE id = $1
	`, id).Scan(&c.ID, &c.ListID, &c.Email, &c.FirstName, &c.LastName, &c.Status, &custom, &c.SubscribedAt)
	if err == sql.ErrNoRows {
		return nil, bounce.ErrContactNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get contact: %w", err)
	}
	if len(custom) > 0 {
		if err := json.Unmarshal(custom, &c.CustomFields); err != nil {
			return nil, fmt.Errorf("decode custom fields: %w", err)
		}
	}
	return c, nil
}

func (r *BounceRepo) InsertBounce(ctx context.Context, rec *domain.BounceRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO bounces (id, contact_id, message_id, campaign_id, bounce_type, reason, smtp_code, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, rec.ID, rec.ContactID, rec.MessageID, rec.CampaignID, rec.Type, rec.Reason, rec.Code, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert bounce: %w", err)
	}
	return nil
}

func (r *BounceRepo) RecentBounces(ctx context.Context, contactID string, limit int) ([]domain.BounceRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, contact_id, message_id, campaign_id, bounce_type,
		       COALESCE(reason,''), smtp_code, created_at
		FROM bounces
		WHERE contact_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, contactID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent bounces: %w", err)
	}
	defer rows.Close()

	var out []domain.BounceRecord
	for rows.Next() {
		var rec domain.BounceRecord
		if err := rows.Scan(&rec.ID, &rec.ContactID, &rec.MessageID, &rec.CampaignID,
			&rec.Type, &rec.Reason, &rec.Code, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan bounce: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MarkContactBounced is idempotent; the bounced state is terminal so there
// is no prior-state condition beyond not resurrecting unsubscribes.
func (r *BounceRepo) MarkContactBounced(ctx context.Context, contactID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE contacts SET status = 'bounced', updated_at = NOW()
		WHERE id = $1 AND status <> 'bounced'
	`, contactID)
	if err != nil {
		return fmt.Errorf("mark contact bounced: %w", err)
	}
	return nil
}

func (r *BounceRepo) CountBouncesSince(ctx context.Context, since time.Time) (map[domain.BounceType]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT bounce_type, COUNT(*)
		FROM bounces
		WHERE created_at >= $1
		GROUP BY bounce_type
	`, since)
	if err != nil {
		return nil, fmt.Errorf("count bounces: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.BounceType]int)
	for rows.Next() {
		var t domain.BounceType
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[t] = n
	}
	return out, rows.Err()
}
