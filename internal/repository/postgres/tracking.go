package postgres

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// TrackingRepo implements tracking.ShortcodeRegistry and tracking.EventStore
// against PostgreSQL.
type TrackingRepo struct{ db *sql.DB }

// NewTrackingRepo creates a Postgres-backed tracking repository.
func NewTrackingRepo(db *sql.DB) *TrackingRepo { return &TrackingRepo{db: db} }

// maxShortcodeSalts bounds the re-derivations tried when a code is already
// owned by a different (campaign, url) pair.
const maxShortcodeSalts = 5

// shortCode derives a stable code from the (campaign, url) pair. Being
// deterministic means concurrent FindOrCreate calls for the same pair insert
// the same row and cannot race into two different codes. A non-zero salt
// re-derives after a cross-pair collision on the code itself.
func shortCode(campaignID, url string, salt int) string {
	seed := campaignID + "|" + url
	if salt > 0 {
		seed = fmt.Sprintf("%s|%d", seed, salt)
	}
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])[:10]
}

// FindOrCreate upserts the (campaign, url) mapping and returns its code.
// The DO UPDATE no-op makes RETURNING yield the existing row on conflict.
// The (campaign_id, url) conflict is absorbed there, so a unique violation
// can only mean another pair already owns the derived code; the code is then
// re-derived with a salt and the insert retried.
func (r *TrackingRepo) FindOrCreate(ctx context.Context, campaignID, url string) (string, error) {
	var lastErr error
	for salt := 0; salt < maxShortcodeSalts; salt++ {
		var code string
		err := r.db.QueryRowContext(ctx, `
			INSERT INTO link_shortcodes (code, campaign_id, url, created_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (campaign_id, url) DO UPDATE SET url = EXCLUDED.url
			RETURNING code
		`, shortCode(campaignID, url, salt), campaignID, url).Scan(&code)
		if err == nil {
			return code, nil
		}
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			lastErr = err
			continue
		}
		return "", fmt.Errorf("find or create shortcode: %w", err)
	}
	return "", fmt.Errorf("find or create shortcode: %w", lastErr)
}

func (r *TrackingRepo) ResolveShortcode(ctx context.Context, code string) (string, error) {
	var url string
	err := r.db.QueryRowContext(ctx,
		`SELECT url FROM link_shortcodes WHERE code = $1`, code).Scan(&url)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve shortcode: %w", err)
	}
	return url, nil
}

// MarkDelivered flips a message to delivered by tracking token. Terminal
// failure states are left alone; a pixel fetch after a recorded bounce does
// not resurrect the message.
func (r *TrackingRepo) MarkDelivered(ctx context.Context, trackingToken string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE messages
		SET status = 'delivered', delivered_at = NOW(), updated_at = NOW()
		WHERE tracking_token = $1 AND status IN ('pending','sent')
	`, trackingToken)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	return nil
}

// UnsubscribeContact flips an active contact to unsubscribed. Bounced stays
// bounced.
func (r *TrackingRepo) UnsubscribeContact(ctx context.Context, contactID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE contacts
		SET status = 'unsubscribed', unsubscribed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'active'
	`, contactID)
	if err != nil {
		return fmt.Errorf("unsubscribe contact: %w", err)
	}
	return nil
}
