package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ignite/campaign-dispatch/internal/domain"
)

// QueueStore implements worker.Store against PostgreSQL.
type QueueStore struct{ db *sql.DB }

// NewQueueStore creates a Postgres-backed delivery queue store.
func NewQueueStore(db *sql.DB) *QueueStore { return &QueueStore{db: db} }

// ClaimPendingJobs atomically flips a FIFO batch of pending jobs to
// processing. SKIP LOCKED keeps two workers from claiming the same rows.
func (s *QueueStore) ClaimPendingJobs(ctx context.Context, limit int) ([]domain.QueueJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE queue_jobs
		SET status = 'processing', started_at = NOW()
		WHERE id IN (
			SELECT id FROM queue_jobs
			WHERE status = 'pending'
			ORDER BY priority DESC, created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, job_type, payload, status, retry_count, max_retries,
		          priority, COALESCE(last_error,''), created_at
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	defer rows.Close()

	var out []domain.QueueJob
	for rows.Next() {
		var j domain.QueueJob
		var payload []byte
		if err := rows.Scan(&j.ID, &j.Type, &payload, &j.Status, &j.RetryCount,
			&j.MaxRetries, &j.Priority, &j.LastError, &j.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		p, perr := domain.DecodePayload(payload)
		if perr != nil {
			// A corrupt payload still surfaces as a claimed job so the
			// worker can fail it terminally instead of looping on it.
			p = domain.JobPayload{Type: j.Type}
		}
		j.Payload = p
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *QueueStore) ReleaseJob(ctx context.Context, id string) error {
	return s.execJob(ctx, `
		UPDATE queue_jobs SET status = 'pending', started_at = NULL
		WHERE id = $1 AND status = 'processing'
	`, id)
}

func (s *QueueStore) CompleteJob(ctx context.Context, id string) error {
	return s.execJob(ctx, `
		UPDATE queue_jobs SET status = 'completed', completed_at = NOW()
		WHERE id = $1
	`, id)
}

func (s *QueueStore) FailJob(ctx context.Context, id, reason string) error {
	return s.execJob(ctx, `
		UPDATE queue_jobs SET status = 'failed', last_error = $2, completed_at = NOW()
		WHERE id = $1
	`, id, reason)
}

// RetryJob returns a job to pending only while its retry budget holds; the
// guard keeps retry_count from ever exceeding max_retries even if two
// actors race on the same job.
func (s *QueueStore) RetryJob(ctx context.Context, id, reason string) error {
	return s.execJob(ctx, `
		UPDATE queue_jobs
		SET status = 'pending', retry_count = retry_count + 1,
		    last_error = $2, started_at = NULL
		WHERE id = $1 AND retry_count < max_retries
	`, id, reason)
}

func (s *QueueStore) execJob(ctx context.Context, q string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job not in expected state")
	}
	return nil
}

func (s *QueueStore) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	m := &domain.Message{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, campaign_id, contact_id, tracking_token, status,
		       COALESCE(provider_id,''), COALESCE(error,''),
		       sent_at, delivered_at, created_at, updated_at
		FROM messages
		WHERE id = $1
	`, id).Scan(
		&m.ID, &m.CampaignID, &m.ContactID, &m.TrackingToken, &m.Status,
		&m.ProviderID, &m.Error,
		&m.SentAt, &m.DeliveredAt, &m.CreatedAt, &m.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("message %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

func (s *QueueStore) MarkMessageSent(ctx context.Context, id, providerID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET status = 'sent', provider_id = $2, sent_at = NOW(), error = '', updated_at = NOW()
		WHERE id = $1
	`, id, providerID)
	if err != nil {
		return fmt.Errorf("mark message sent: %w", err)
	}
	return nil
}

func (s *QueueStore) MarkMessageFailed(ctx context.Context, id, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET status = 'failed', error = $2, updated_at = NOW()
		WHERE id = $1
	`, id, reason)
	if err != nil {
		return fmt.Errorf("mark message failed: %w", err)
	}
	return nil
}

func (s *QueueStore) MarkMessageBounced(ctx context.Context, id, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET status = 'bounced', error = $2, updated_at = NOW()
		WHERE id = $1
	`, id, reason)
	if err != nil {
		return fmt.Errorf("mark message bounced: %w", err)
	}
	return nil
}

func (s *QueueStore) CampaignStatus(ctx context.Context, id string) (domain.CampaignStatus, error) {
	var status domain.CampaignStatus
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM campaigns WHERE id = $1`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("campaign %s not found", id)
	}
	if err != nil {
		return "", fmt.Errorf("campaign status: %w", err)
	}
	return status, nil
}

// FinishSentCampaigns closes out sending campaigns with no pending messages
// left. One statement so the check and the flip cannot interleave with a
// concurrent message update.
func (s *QueueStore) FinishSentCampaigns(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE campaigns c
		SET status = 'sent', completed_at = NOW(), updated_at = NOW()
		WHERE c.status = 'sending'
		  AND EXISTS (SELECT 1 FROM messages m WHERE m.campaign_id = c.id)
		  AND NOT EXISTS (
		      SELECT 1 FROM messages m
		      WHERE m.campaign_id = c.id AND m.status = 'pending'
		  )
		  AND NOT EXISTS (
		      SELECT 1 FROM queue_jobs j
		      WHERE j.status IN ('pending','processing')
		        AND j.payload->'send_email'->>'campaign_id' = c.id::text
		  )
	`)
	if err != nil {
		return 0, fmt.Errorf("finish campaigns: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *QueueStore) CountJobsByStatus(ctx context.Context) (map[domain.JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM queue_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.JobStatus]int)
	for rows.Next() {
		var status domain.JobStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}
